package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/serviceflow/flowdesk/internal/records"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Store is everything the HTTP and MCP layers need from one account's
// record store. *storage.Account implements it.
type Store interface {
	records.Client
	records.QuotaSource
	Propose(ctx context.Context, p records.Proposal) (records.Entry, error)
	GetEntry(ctx context.Context, id string) (records.Entry, error)
	ListApproved(ctx context.Context, limit int) ([]records.Entry, error)
	MarkDispatched(ctx context.Context, id string) error
	GetContact(ctx context.Context, id string) (records.Contact, error)
	ListContacts(ctx context.Context, search string) ([]records.Contact, error)
	UpcomingFollowUps(ctx context.Context, limit int) ([]records.Contact, error)
	ListAudit(ctx context.Context, limit int) ([]records.AuditRecord, error)
	Tier(ctx context.Context) (records.Tier, error)
	AddNote(ctx context.Context, contactID, content string) (records.ContactNote, error)
	ListNotes(ctx context.Context, contactID string) ([]records.ContactNote, error)
	DeleteNote(ctx context.Context, contactID, noteID string) error
}

type AppDeps struct {
	Store      Store
	Token      string
	UpgradeURL string
	Logger     *slog.Logger // optional; defaults to slog.Default()
}

// NewAppHandler returns the flowdesk HTTP API. /health is open; everything
// under /v1 requires the bearer token.
func NewAppHandler(deps AppDeps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Get("/health", handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Get("/queue", handleListPending(deps))
		r.Post("/queue", handlePropose(deps))
		r.Get("/queue/approved", handleListApproved(deps))
		r.Get("/queue/{id}", handleGetEntry(deps))
		r.Post("/queue/{id}/decision", handleDecision(deps))
		r.Post("/queue/{id}/dispatched", handleDispatched(deps))

		r.Get("/contacts", handleListContacts(deps))
		r.Post("/contacts", handleCreateContact(deps))
		r.Get("/contacts/count", handleCountContacts(deps))
		r.Get("/contacts/follow-ups", handleFollowUps(deps))
		r.Get("/contacts/export", handleExportContacts(deps))
		r.Get("/contacts/{id}", handleGetContact(deps))
		r.Patch("/contacts/{id}", handleUpdateContact(deps))
		r.Delete("/contacts/{id}", handleDeleteContact(deps))
		r.Get("/contacts/{id}/notes", handleListNotes(deps))
		r.Post("/contacts/{id}/notes", handleAddNote(deps))
		r.Delete("/contacts/{id}/notes/{noteID}", handleDeleteNote(deps))

		r.Get("/account/quota", handleQuota(deps))
		r.Get("/audit", handleListAudit(deps))
	})

	return r
}

func BearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			const prefix = "Bearer "
			if token == "" || !strings.HasPrefix(auth, prefix) ||
				subtle.ConstantTimeCompare([]byte(auth[len(prefix):]), []byte(token)) != 1 {
				httpError(w, http.StatusUnauthorized, "authentication_error", "invalid or missing bearer token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// Error types carried in the JSON error body. The HTTP client maps them
// back to the records sentinels.
const (
	errTypeInvalidRequest = "invalid_request_error"
	errTypeValidation     = "validation_error"
	errTypeNotFound       = "not_found"
	errTypeStale          = "stale_entry"
	errTypeDuplicate      = "duplicate"
	errTypeQuota          = "quota_exceeded"
	errTypeTransient      = "transient_error"
	errTypeAPI            = "api_error"
)

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	httpErrorWith(w, code, errType, nil, format, args...)
}

func httpErrorWith(w http.ResponseWriter, code int, errType string, extra map[string]any, format string, args ...any) {
	body := map[string]any{
		"message": fmt.Sprintf(format, args...),
		"type":    errType,
	}
	for k, v := range extra {
		body[k] = v
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{"error": body})
}

// storeError writes the response for an error returned by the store.
func storeError(w http.ResponseWriter, logger *slog.Logger, op string, err error) {
	var ve *records.ValidationError
	switch {
	case errors.As(err, &ve):
		httpErrorWith(w, http.StatusUnprocessableEntity, errTypeValidation,
			map[string]any{"field": ve.Field, "reason": ve.Reason}, "%s", ve.Error())
	case errors.Is(err, records.ErrNotFound):
		httpError(w, http.StatusNotFound, errTypeNotFound, "%s: not found", op)
	case errors.Is(err, records.ErrStaleEntry):
		httpError(w, http.StatusConflict, errTypeStale, "%v", err)
	case errors.Is(err, records.ErrDuplicate):
		httpError(w, http.StatusConflict, errTypeDuplicate, "%v", err)
	case records.IsTransient(err):
		logger.Warn("store unavailable", "op", op, "error", err)
		httpError(w, http.StatusServiceUnavailable, errTypeTransient, "failed to %s: store unavailable", op)
	default:
		logger.Error("request failed", "op", op, "error", err)
		httpError(w, http.StatusInternalServerError, errTypeAPI, "failed to %s: %v", op, err)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, errTypeInvalidRequest, "invalid request body: %v", err)
		return false
	}
	return true
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}

func handleQuota(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tier, err := deps.Store.Tier(r.Context())
		if err != nil {
			storeError(w, deps.Logger, "read tier", err)
			return
		}
		count, err := deps.Store.CountContacts(r.Context())
		if err != nil {
			storeError(w, deps.Logger, "count contacts", err)
			return
		}
		writeJSON(w, http.StatusOK, QuotaStatus{
			Tier:         tier.Name,
			ContactQuota: tier.ContactQuota,
			Contacts:     count,
			UpgradeURL:   deps.UpgradeURL,
		})
	}
}

// QuotaStatus is the body of GET /v1/account/quota.
type QuotaStatus struct {
	Tier         string `json:"tier"`
	ContactQuota int    `json:"contact_quota"`
	Contacts     int    `json:"contacts"`
	UpgradeURL   string `json:"upgrade_url,omitempty"`
}

func handleListAudit(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 50, 500)
		trail, err := deps.Store.ListAudit(r.Context(), limit)
		if err != nil {
			storeError(w, deps.Logger, "list audit", err)
			return
		}
		if trail == nil {
			trail = []records.AuditRecord{}
		}
		writeJSON(w, http.StatusOK, trail)
	}
}
