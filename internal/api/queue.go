package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/serviceflow/flowdesk/internal/records"
)

// DecisionRequest is the body of POST /v1/queue/{id}/decision.
type DecisionRequest struct {
	Decision  records.Decision `json:"decision"`
	FinalText string           `json:"final_text"`
}

func handleListPending(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entries, err := deps.Store.ListPending(r.Context())
		if err != nil {
			storeError(w, deps.Logger, "list pending entries", err)
			return
		}
		if entries == nil {
			entries = []records.Entry{}
		}
		writeJSON(w, http.StatusOK, entries)
	}
}

func handlePropose(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var p records.Proposal
		if !decodeBody(w, r, &p) {
			return
		}
		e, err := deps.Store.Propose(r.Context(), p)
		if err != nil {
			storeError(w, deps.Logger, "propose entry", err)
			return
		}
		writeJSON(w, http.StatusCreated, e)
	}
}

func handleGetEntry(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		e, err := deps.Store.GetEntry(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			storeError(w, deps.Logger, "get entry", err)
			return
		}
		writeJSON(w, http.StatusOK, e)
	}
}

func handleDecision(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		var req DecisionRequest
		if !decodeBody(w, r, &req) {
			return
		}
		status, err := req.Decision.Status()
		if err != nil {
			storeError(w, deps.Logger, "commit decision", err)
			return
		}
		if err := deps.Store.CommitDecision(r.Context(), id, req.FinalText, req.Decision); err != nil {
			storeError(w, deps.Logger, "commit decision", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(status)})
	}
}

func handleListApproved(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 100, 500)
		entries, err := deps.Store.ListApproved(r.Context(), limit)
		if err != nil {
			storeError(w, deps.Logger, "list approved entries", err)
			return
		}
		if entries == nil {
			entries = []records.Entry{}
		}
		writeJSON(w, http.StatusOK, entries)
	}
}

func handleDispatched(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := deps.Store.MarkDispatched(r.Context(), id); err != nil {
			storeError(w, deps.Logger, "mark dispatched", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "dispatched"})
	}
}
