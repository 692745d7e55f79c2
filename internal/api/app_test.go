package api

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/serviceflow/flowdesk/internal/records"
	"github.com/serviceflow/flowdesk/internal/storage"
)

const (
	testToken      = "test-token-12345"
	testUpgradeURL = "https://billing.example.com/upgrade"
)

func setupAppHandler(t *testing.T) (http.Handler, *storage.Account) {
	t.Helper()
	acct := newTestAccount(t)
	handler := NewAppHandler(AppDeps{
		Store:      acct,
		Token:      testToken,
		UpgradeURL: testUpgradeURL,
	})
	return handler, acct
}

func authReq(method, url, body, token string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

type errorEnvelope struct {
	Error map[string]any `json:"error"`
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var env errorEnvelope
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
		t.Fatalf("decoding error body %q: %v", rr.Body.String(), err)
	}
	return env.Error
}

func TestHealthIsOpen(t *testing.T) {
	h, _ := setupAppHandler(t)
	rr := serve(h, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
}

func TestBearerAuth(t *testing.T) {
	h, _ := setupAppHandler(t)

	tests := []struct {
		name  string
		token string
		want  int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong", "nope", http.StatusUnauthorized},
		{"valid", testToken, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := serve(h, authReq(http.MethodGet, "/v1/queue", "", tt.token))
			if rr.Code != tt.want {
				t.Errorf("status = %d, want %d", rr.Code, tt.want)
			}
		})
	}
}

func TestBearerAuthRejectsEmptyConfiguredToken(t *testing.T) {
	h := NewAppHandler(AppDeps{Store: newTestAccount(t)})
	req := httptest.NewRequest(http.MethodGet, "/v1/queue", nil)
	req.Header.Set("Authorization", "Bearer ")
	if rr := serve(h, req); rr.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rr.Code)
	}
}

func TestQueue_ProposeAndList(t *testing.T) {
	h, _ := setupAppHandler(t)

	body := `{"id":"e1","source_identity":"a@example.com","subject_line":"Hi","draft_text":"Hello"}`
	rr := serve(h, authReq(http.MethodPost, "/v1/queue", body, testToken))
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201; body = %s", rr.Code, rr.Body.String())
	}

	rr = serve(h, authReq(http.MethodPost, "/v1/queue", body, testToken))
	if rr.Code != http.StatusConflict || decodeError(t, rr)["type"] != errTypeDuplicate {
		t.Fatalf("duplicate: status = %d; body = %s", rr.Code, rr.Body.String())
	}

	rr = serve(h, authReq(http.MethodGet, "/v1/queue", "", testToken))
	var entries []records.Entry
	if err := json.Unmarshal(rr.Body.Bytes(), &entries); err != nil {
		t.Fatalf("decoding list: %v", err)
	}
	if len(entries) != 1 || entries[0].ID != "e1" || entries[0].Status != records.StatusPending {
		t.Fatalf("entries = %+v", entries)
	}
}

func TestQueue_EmptyListIsArray(t *testing.T) {
	h, _ := setupAppHandler(t)
	rr := serve(h, authReq(http.MethodGet, "/v1/queue", "", testToken))
	if strings.TrimSpace(rr.Body.String()) != "[]" {
		t.Errorf("body = %q, want []", rr.Body.String())
	}
}

func TestQueue_ProposeErrors(t *testing.T) {
	h, _ := setupAppHandler(t)

	rr := serve(h, authReq(http.MethodPost, "/v1/queue", `{not json`, testToken))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("malformed body status = %d, want 400", rr.Code)
	}

	rr = serve(h, authReq(http.MethodPost, "/v1/queue", `{"source_identity":"a@example.com","draft_text":"  "}`, testToken))
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("blank draft status = %d, want 422", rr.Code)
	}
	if e := decodeError(t, rr); e["field"] != "draft_text" {
		t.Errorf("error field = %v, want draft_text", e["field"])
	}
}

func TestQueue_DecisionLifecycle(t *testing.T) {
	h, acct := setupAppHandler(t)
	ctx := context.Background()
	if _, err := acct.Propose(ctx, records.Proposal{ID: "e1", SourceIdentity: "a@example.com", DraftText: "draft"}); err != nil {
		t.Fatalf("Propose: %v", err)
	}

	rr := serve(h, authReq(http.MethodPost, "/v1/queue/e1/decision", `{"decision":"approve","final_text":""}`, testToken))
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("blank approve status = %d, want 422; body = %s", rr.Code, rr.Body.String())
	}

	rr = serve(h, authReq(http.MethodPost, "/v1/queue/e1/decision", `{"decision":"maybe","final_text":"x"}`, testToken))
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("unknown decision status = %d, want 422", rr.Code)
	}

	rr = serve(h, authReq(http.MethodPost, "/v1/queue/e1/decision", `{"decision":"approve","final_text":"Edited"}`, testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("approve status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var out map[string]string
	json.Unmarshal(rr.Body.Bytes(), &out)
	if out["status"] != string(records.StatusApproved) {
		t.Errorf("status = %q, want approved", out["status"])
	}

	rr = serve(h, authReq(http.MethodPost, "/v1/queue/e1/decision", `{"decision":"reject","final_text":""}`, testToken))
	if rr.Code != http.StatusConflict || decodeError(t, rr)["type"] != errTypeStale {
		t.Fatalf("second decision status = %d; body = %s", rr.Code, rr.Body.String())
	}

	rr = serve(h, authReq(http.MethodPost, "/v1/queue/missing/decision", `{"decision":"reject"}`, testToken))
	if rr.Code != http.StatusNotFound {
		t.Errorf("missing entry status = %d, want 404", rr.Code)
	}

	e, err := acct.GetEntry(ctx, "e1")
	if err != nil {
		t.Fatalf("GetEntry: %v", err)
	}
	if e.DraftText != "Edited" || e.Status != records.StatusApproved {
		t.Errorf("entry = %+v", e)
	}
}

func TestQueue_ApprovedAndDispatched(t *testing.T) {
	h, acct := setupAppHandler(t)
	ctx := context.Background()
	acct.Propose(ctx, records.Proposal{ID: "e1", SourceIdentity: "a@example.com", DraftText: "draft"})
	if err := acct.CommitDecision(ctx, "e1", "final", records.DecisionApprove); err != nil {
		t.Fatalf("CommitDecision: %v", err)
	}

	rr := serve(h, authReq(http.MethodGet, "/v1/queue/approved", "", testToken))
	var approved []records.Entry
	json.Unmarshal(rr.Body.Bytes(), &approved)
	if len(approved) != 1 {
		t.Fatalf("approved = %+v", approved)
	}

	rr = serve(h, authReq(http.MethodPost, "/v1/queue/e1/dispatched", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("dispatched status = %d; body = %s", rr.Code, rr.Body.String())
	}
	rr = serve(h, authReq(http.MethodPost, "/v1/queue/e1/dispatched", "", testToken))
	if rr.Code != http.StatusConflict {
		t.Errorf("second dispatch status = %d, want 409", rr.Code)
	}
}

func TestContacts_QuotaExceeded(t *testing.T) {
	h, acct := setupAppHandler(t)

	for _, name := range []string{"Ann", "Bob", "Cid"} {
		rr := serve(h, authReq(http.MethodPost, "/v1/contacts", `{"display_name":"`+name+`"}`, testToken))
		if rr.Code != http.StatusCreated {
			t.Fatalf("create %s status = %d; body = %s", name, rr.Code, rr.Body.String())
		}
	}

	rr := serve(h, authReq(http.MethodPost, "/v1/contacts", `{"display_name":"Dee"}`, testToken))
	if rr.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402; body = %s", rr.Code, rr.Body.String())
	}
	e := decodeError(t, rr)
	if e["type"] != errTypeQuota || e["upgrade_url"] != testUpgradeURL {
		t.Errorf("error = %v", e)
	}
	if e["count"] != float64(3) || e["quota"] != float64(3) {
		t.Errorf("count/quota = %v/%v, want 3/3", e["count"], e["quota"])
	}

	n, err := acct.CountContacts(context.Background())
	if err != nil || n != 3 {
		t.Errorf("CountContacts = %d, %v; want 3", n, err)
	}
}

func TestContacts_UpdateAndDelete(t *testing.T) {
	h, acct := setupAppHandler(t)
	c, err := acct.CreateContact(context.Background(), records.NewContact{DisplayName: "Ann", ContactAddress: "ann@example.com"})
	if err != nil {
		t.Fatalf("CreateContact: %v", err)
	}

	rr := serve(h, authReq(http.MethodPatch, "/v1/contacts/"+c.ID, `{"status":"Active Client"}`, testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("patch status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var updated records.Contact
	json.Unmarshal(rr.Body.Bytes(), &updated)
	if updated.Status != records.ContactActiveClient {
		t.Errorf("status = %q", updated.Status)
	}

	rr = serve(h, authReq(http.MethodPatch, "/v1/contacts/"+c.ID, `{"status":" "}`, testToken))
	if rr.Code != http.StatusUnprocessableEntity {
		t.Errorf("blank status patch = %d, want 422", rr.Code)
	}

	rr = serve(h, authReq(http.MethodGet, "/v1/contacts/"+c.ID, "", testToken))
	if rr.Code != http.StatusOK {
		t.Errorf("get status = %d", rr.Code)
	}

	rr = serve(h, authReq(http.MethodDelete, "/v1/contacts/"+c.ID, "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("delete status = %d", rr.Code)
	}
	rr = serve(h, authReq(http.MethodDelete, "/v1/contacts/"+c.ID, "", testToken))
	if rr.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", rr.Code)
	}
}

func TestContacts_Export(t *testing.T) {
	h, acct := setupAppHandler(t)
	acct.CreateContact(context.Background(), records.NewContact{DisplayName: "Ann, Jr.", ContactAddress: "ann@example.com"})

	rr := serve(h, authReq(http.MethodGet, "/v1/contacts/export", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if cd := rr.Header().Get("Content-Disposition"); !strings.Contains(cd, "my_clients.csv") {
		t.Errorf("Content-Disposition = %q", cd)
	}

	rows, err := csv.NewReader(rr.Body).ReadAll()
	if err != nil {
		t.Fatalf("parsing csv: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %v", rows)
	}
	if strings.Join(rows[0], ",") != "Name,Email,Status,Created At" {
		t.Errorf("header = %v", rows[0])
	}
	if rows[1][0] != "Ann, Jr." || rows[1][2] != records.ContactNewLead {
		t.Errorf("row = %v", rows[1])
	}
}

func TestAccountQuota(t *testing.T) {
	h, acct := setupAppHandler(t)
	acct.CreateContact(context.Background(), records.NewContact{DisplayName: "Ann"})

	rr := serve(h, authReq(http.MethodGet, "/v1/account/quota", "", testToken))
	var q QuotaStatus
	if err := json.Unmarshal(rr.Body.Bytes(), &q); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	want := QuotaStatus{Tier: "free", ContactQuota: 3, Contacts: 1, UpgradeURL: testUpgradeURL}
	if q != want {
		t.Errorf("quota = %+v, want %+v", q, want)
	}
}

func TestAudit(t *testing.T) {
	h, acct := setupAppHandler(t)
	acct.Propose(context.Background(), records.Proposal{ID: "e1", SourceIdentity: "a@example.com", DraftText: "draft"})

	rr := serve(h, authReq(http.MethodGet, "/v1/audit?limit=10", "", testToken))
	var trail []records.AuditRecord
	if err := json.Unmarshal(rr.Body.Bytes(), &trail); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if len(trail) != 1 || trail[0].Action != records.AuditProposed {
		t.Errorf("trail = %+v", trail)
	}
}

type failingStore struct {
	Store
	err error
}

func (f failingStore) ListPending(context.Context) ([]records.Entry, error) {
	return nil, f.err
}

func TestQueue_TransientIs503(t *testing.T) {
	h := NewAppHandler(AppDeps{
		Store: failingStore{Store: newTestAccount(t), err: &records.TransientError{Op: "list", Err: io.ErrUnexpectedEOF}},
		Token: testToken,
	})
	rr := serve(h, authReq(http.MethodGet, "/v1/queue", "", testToken))
	if rr.Code != http.StatusServiceUnavailable || decodeError(t, rr)["type"] != errTypeTransient {
		t.Errorf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
}

func TestContacts_Notes(t *testing.T) {
	h, acct := setupAppHandler(t)
	c, err := acct.CreateContact(context.Background(), records.NewContact{DisplayName: "Ann"})
	if err != nil {
		t.Fatalf("CreateContact: %v", err)
	}
	notesURL := "/v1/contacts/" + c.ID + "/notes"

	rr := serve(h, authReq(http.MethodGet, notesURL, "", testToken))
	if rr.Code != http.StatusOK || strings.TrimSpace(rr.Body.String()) != "[]" {
		t.Errorf("empty notes = %d %s, want 200 []", rr.Code, rr.Body.String())
	}

	rr = serve(h, authReq(http.MethodPost, notesURL, `{"content":"prefers phone calls"}`, testToken))
	if rr.Code != http.StatusCreated {
		t.Fatalf("add note status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var note records.ContactNote
	json.Unmarshal(rr.Body.Bytes(), &note)
	if note.ID == "" || note.Content != "prefers phone calls" {
		t.Errorf("note = %+v", note)
	}

	rr = serve(h, authReq(http.MethodPost, notesURL, `{"content":""}`, testToken))
	if rr.Code != http.StatusUnprocessableEntity || decodeError(t, rr)["field"] != "content" {
		t.Errorf("blank note = %d; body = %s", rr.Code, rr.Body.String())
	}
	rr = serve(h, authReq(http.MethodPost, "/v1/contacts/nope/notes", `{"content":"x"}`, testToken))
	if rr.Code != http.StatusNotFound {
		t.Errorf("note on unknown contact = %d, want 404", rr.Code)
	}

	rr = serve(h, authReq(http.MethodDelete, notesURL+"/"+note.ID, "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("delete note status = %d", rr.Code)
	}
	rr = serve(h, authReq(http.MethodDelete, notesURL+"/"+note.ID, "", testToken))
	if rr.Code != http.StatusNotFound {
		t.Errorf("second delete = %d, want 404", rr.Code)
	}
}
