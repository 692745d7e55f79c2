package api

import (
	"encoding/csv"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/serviceflow/flowdesk/internal/records"
)

func handleListContacts(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		contacts, err := deps.Store.ListContacts(r.Context(), r.URL.Query().Get("q"))
		if err != nil {
			storeError(w, deps.Logger, "list contacts", err)
			return
		}
		if contacts == nil {
			contacts = []records.Contact{}
		}
		writeJSON(w, http.StatusOK, contacts)
	}
}

func handleCountContacts(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := deps.Store.CountContacts(r.Context())
		if err != nil {
			storeError(w, deps.Logger, "count contacts", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"count": n})
	}
}

// handleCreateContact relies on the store's conditional insert; whatever
// check the caller ran before, the write itself is the authority.
func handleCreateContact(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var nc records.NewContact
		if !decodeBody(w, r, &nc) {
			return
		}

		c, err := deps.Store.CreateContact(r.Context(), nc)
		if errors.Is(err, records.ErrQuotaExceeded) {
			extra := map[string]any{"upgrade_url": deps.UpgradeURL}
			if quota, qerr := deps.Store.ContactQuota(r.Context()); qerr == nil {
				extra["quota"] = quota
			}
			if count, cerr := deps.Store.CountContacts(r.Context()); cerr == nil {
				extra["count"] = count
			}
			deps.Logger.Info("contact creation denied", "count", extra["count"], "quota", extra["quota"])
			httpErrorWith(w, http.StatusPaymentRequired, errTypeQuota, extra,
				"contact limit reached for your plan; upgrade to add more contacts")
			return
		}
		if err != nil {
			storeError(w, deps.Logger, "create contact", err)
			return
		}
		writeJSON(w, http.StatusCreated, c)
	}
}

func handleGetContact(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := deps.Store.GetContact(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			storeError(w, deps.Logger, "get contact", err)
			return
		}
		writeJSON(w, http.StatusOK, c)
	}
}

func handleUpdateContact(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var patch records.ContactPatch
		if !decodeBody(w, r, &patch) {
			return
		}
		c, err := deps.Store.UpdateContact(r.Context(), chi.URLParam(r, "id"), patch)
		if err != nil {
			storeError(w, deps.Logger, "update contact", err)
			return
		}
		writeJSON(w, http.StatusOK, c)
	}
}

func handleDeleteContact(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Store.DeleteContact(r.Context(), chi.URLParam(r, "id")); err != nil {
			storeError(w, deps.Logger, "delete contact", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

// NoteRequest is the body of POST /v1/contacts/{id}/notes.
type NoteRequest struct {
	Content string `json:"content"`
}

func handleListNotes(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		notes, err := deps.Store.ListNotes(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			storeError(w, deps.Logger, "list notes", err)
			return
		}
		if notes == nil {
			notes = []records.ContactNote{}
		}
		writeJSON(w, http.StatusOK, notes)
	}
}

func handleAddNote(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req NoteRequest
		if !decodeBody(w, r, &req) {
			return
		}
		n, err := deps.Store.AddNote(r.Context(), chi.URLParam(r, "id"), req.Content)
		if err != nil {
			storeError(w, deps.Logger, "add note", err)
			return
		}
		writeJSON(w, http.StatusCreated, n)
	}
}

func handleDeleteNote(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := deps.Store.DeleteNote(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "noteID"))
		if err != nil {
			storeError(w, deps.Logger, "delete note", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

func handleFollowUps(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 3, 50)
		contacts, err := deps.Store.UpcomingFollowUps(r.Context(), limit)
		if err != nil {
			storeError(w, deps.Logger, "list follow-ups", err)
			return
		}
		if contacts == nil {
			contacts = []records.Contact{}
		}
		writeJSON(w, http.StatusOK, contacts)
	}
}

func handleExportContacts(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		contacts, err := deps.Store.ListContacts(r.Context(), r.URL.Query().Get("q"))
		if err != nil {
			storeError(w, deps.Logger, "export contacts", err)
			return
		}
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		w.Header().Set("Content-Disposition", `attachment; filename="my_clients.csv"`)
		if err := WriteContactsCSV(w, contacts); err != nil {
			deps.Logger.Warn("writing csv export", "error", err)
		}
	}
}

// WriteContactsCSV writes contacts with the header Name,Email,Status,Created At.
func WriteContactsCSV(w io.Writer, contacts []records.Contact) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"Name", "Email", "Status", "Created At"}); err != nil {
		return err
	}
	for _, c := range contacts {
		row := []string{c.DisplayName, c.ContactAddress, c.Status, c.CreatedAt.UTC().Format(time.RFC3339)}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
