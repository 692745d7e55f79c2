package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/serviceflow/flowdesk/internal/admission"
	"github.com/serviceflow/flowdesk/internal/records"
)

// Client talks to a running flowdesk server. It implements Store, so the
// review desk, the admission gate and the MCP server work the same against
// the HTTP API as against a local storage.Account.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

var _ Store = (*Client)(nil)

func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Do sends a JSON request. Network failures come back as transient errors.
func (c *Client) Do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshalling request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &records.TransientError{Op: method + " " + path, Err: fmt.Errorf("server not reachable, is flowdesk running? (%w)", err)}
	}
	return resp, nil
}

func (c *Client) call(ctx context.Context, method, path string, body, out any) error {
	resp, err := c.Do(ctx, method, path, body)
	if err != nil {
		return err
	}
	return DecodeResponse(resp, out)
}

// apiErrorBody is the error envelope written by httpErrorWith.
type apiErrorBody struct {
	Error struct {
		Message    string `json:"message"`
		Type       string `json:"type"`
		Field      string `json:"field"`
		Reason     string `json:"reason"`
		UpgradeURL string `json:"upgrade_url"`
		Count      int    `json:"count"`
		Quota      int    `json:"quota"`
	} `json:"error"`
}

// DecodeResponse decodes a 2xx body into v (when v is non-nil) and turns
// error responses back into the records error taxonomy.
func DecodeResponse(resp *http.Response, v any) error {
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return responseError(resp)
	}
	if v == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func responseError(resp *http.Response) error {
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &records.TransientError{Op: "read response", Err: err}
	}
	var body apiErrorBody
	if json.Unmarshal(raw, &body) != nil || body.Error.Type == "" {
		if resp.StatusCode >= 500 {
			return &records.TransientError{Op: "request", Err: fmt.Errorf("server returned %d", resp.StatusCode)}
		}
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, string(raw))
	}

	e := body.Error
	switch e.Type {
	case errTypeNotFound:
		return fmt.Errorf("%s: %w", e.Message, records.ErrNotFound)
	case errTypeStale:
		return fmt.Errorf("%s: %w", e.Message, records.ErrStaleEntry)
	case errTypeDuplicate:
		return fmt.Errorf("%s: %w", e.Message, records.ErrDuplicate)
	case errTypeValidation:
		return &records.ValidationError{Field: e.Field, Reason: e.Reason}
	case errTypeQuota:
		return &admission.UpgradeRequiredError{Count: e.Count, Quota: e.Quota, UpgradeURL: e.UpgradeURL}
	case errTypeTransient:
		return &records.TransientError{Op: "request", Err: fmt.Errorf("%s", e.Message)}
	}
	if resp.StatusCode >= 500 {
		return &records.TransientError{Op: "request", Err: fmt.Errorf("server returned %d: %s", resp.StatusCode, e.Message)}
	}
	return fmt.Errorf("server returned %d: %s", resp.StatusCode, e.Message)
}

func (c *Client) ListPending(ctx context.Context) ([]records.Entry, error) {
	var entries []records.Entry
	err := c.call(ctx, http.MethodGet, "/v1/queue", nil, &entries)
	return entries, err
}

func (c *Client) Propose(ctx context.Context, p records.Proposal) (records.Entry, error) {
	var e records.Entry
	err := c.call(ctx, http.MethodPost, "/v1/queue", p, &e)
	return e, err
}

func (c *Client) GetEntry(ctx context.Context, id string) (records.Entry, error) {
	var e records.Entry
	err := c.call(ctx, http.MethodGet, "/v1/queue/"+url.PathEscape(id), nil, &e)
	return e, err
}

func (c *Client) CommitDecision(ctx context.Context, id, finalText string, decision records.Decision) error {
	req := DecisionRequest{Decision: decision, FinalText: finalText}
	return c.call(ctx, http.MethodPost, "/v1/queue/"+url.PathEscape(id)+"/decision", req, nil)
}

func (c *Client) ListApproved(ctx context.Context, limit int) ([]records.Entry, error) {
	var entries []records.Entry
	err := c.call(ctx, http.MethodGet, "/v1/queue/approved?limit="+strconv.Itoa(limit), nil, &entries)
	return entries, err
}

func (c *Client) MarkDispatched(ctx context.Context, id string) error {
	return c.call(ctx, http.MethodPost, "/v1/queue/"+url.PathEscape(id)+"/dispatched", nil, nil)
}

func (c *Client) CountContacts(ctx context.Context) (int, error) {
	var out struct {
		Count int `json:"count"`
	}
	err := c.call(ctx, http.MethodGet, "/v1/contacts/count", nil, &out)
	return out.Count, err
}

func (c *Client) CreateContact(ctx context.Context, nc records.NewContact) (records.Contact, error) {
	var contact records.Contact
	err := c.call(ctx, http.MethodPost, "/v1/contacts", nc, &contact)
	return contact, err
}

func (c *Client) GetContact(ctx context.Context, id string) (records.Contact, error) {
	var contact records.Contact
	err := c.call(ctx, http.MethodGet, "/v1/contacts/"+url.PathEscape(id), nil, &contact)
	return contact, err
}

func (c *Client) ListContacts(ctx context.Context, search string) ([]records.Contact, error) {
	path := "/v1/contacts"
	if search != "" {
		path += "?q=" + url.QueryEscape(search)
	}
	var contacts []records.Contact
	err := c.call(ctx, http.MethodGet, path, nil, &contacts)
	return contacts, err
}

func (c *Client) UpdateContact(ctx context.Context, id string, patch records.ContactPatch) (records.Contact, error) {
	var contact records.Contact
	err := c.call(ctx, http.MethodPatch, "/v1/contacts/"+url.PathEscape(id), patch, &contact)
	return contact, err
}

func (c *Client) DeleteContact(ctx context.Context, id string) error {
	return c.call(ctx, http.MethodDelete, "/v1/contacts/"+url.PathEscape(id), nil, nil)
}

func (c *Client) AddNote(ctx context.Context, contactID, content string) (records.ContactNote, error) {
	var n records.ContactNote
	err := c.call(ctx, http.MethodPost, "/v1/contacts/"+url.PathEscape(contactID)+"/notes", NoteRequest{Content: content}, &n)
	return n, err
}

func (c *Client) ListNotes(ctx context.Context, contactID string) ([]records.ContactNote, error) {
	var notes []records.ContactNote
	err := c.call(ctx, http.MethodGet, "/v1/contacts/"+url.PathEscape(contactID)+"/notes", nil, &notes)
	return notes, err
}

func (c *Client) DeleteNote(ctx context.Context, contactID, noteID string) error {
	path := "/v1/contacts/" + url.PathEscape(contactID) + "/notes/" + url.PathEscape(noteID)
	return c.call(ctx, http.MethodDelete, path, nil, nil)
}

func (c *Client) UpcomingFollowUps(ctx context.Context, limit int) ([]records.Contact, error) {
	var contacts []records.Contact
	err := c.call(ctx, http.MethodGet, "/v1/contacts/follow-ups?limit="+strconv.Itoa(limit), nil, &contacts)
	return contacts, err
}

// ExportContacts streams the CSV export into w.
func (c *Client) ExportContacts(ctx context.Context, w io.Writer) error {
	resp, err := c.Do(ctx, http.MethodGet, "/v1/contacts/export", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return responseError(resp)
	}
	_, err = io.Copy(w, resp.Body)
	return err
}

func (c *Client) Quota(ctx context.Context) (QuotaStatus, error) {
	var q QuotaStatus
	err := c.call(ctx, http.MethodGet, "/v1/account/quota", nil, &q)
	return q, err
}

func (c *Client) ContactQuota(ctx context.Context) (int, error) {
	q, err := c.Quota(ctx)
	return q.ContactQuota, err
}

func (c *Client) Tier(ctx context.Context) (records.Tier, error) {
	q, err := c.Quota(ctx)
	if err != nil {
		return records.Tier{}, err
	}
	return records.Tier{Name: q.Tier, ContactQuota: q.ContactQuota}, nil
}

func (c *Client) ListAudit(ctx context.Context, limit int) ([]records.AuditRecord, error) {
	var trail []records.AuditRecord
	err := c.call(ctx, http.MethodGet, "/v1/audit?limit="+strconv.Itoa(limit), nil, &trail)
	return trail, err
}

func (c *Client) Health(ctx context.Context) error {
	return c.call(ctx, http.MethodGet, "/health", nil, nil)
}
