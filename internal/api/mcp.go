package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/serviceflow/flowdesk/internal/notify"
	"github.com/serviceflow/flowdesk/internal/records"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store Store
}

// NewMCPServer creates the MCP server used by the Agent to propose drafts
// and by the dispatcher to pick up approved ones.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"flowdesk",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("flowdesk: propose outbound drafts for human review; only approved drafts may be sent."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("propose_draft",
			mcp.WithDescription("Queue a drafted reply for human review. Nothing is sent until an operator approves it."),
			mcp.WithString("id", mcp.Description("Optional entry id; generated when empty")),
			mcp.WithString("source_identity", mcp.Description("Sender of the message being answered"), mcp.Required()),
			mcp.WithString("subject_line", mcp.Description("Subject of the conversation")),
			mcp.WithString("original_excerpt", mcp.Description("Excerpt of the inbound message")),
			mcp.WithString("draft_text", mcp.Description("Proposed reply text"), mcp.Required()),
		),
		mcpProposeDraft(deps),
	)

	s.AddTool(
		mcp.NewTool("list_approved",
			mcp.WithDescription("List approved drafts that have not been marked dispatched yet."),
			mcp.WithNumber("limit", mcp.Description("Maximum number of entries (default 20)")),
		),
		mcpListApproved(deps),
	)

	s.AddTool(
		mcp.NewTool("mark_dispatched",
			mcp.WithDescription("Record that an approved draft has been sent. Succeeds once per entry."),
			mcp.WithString("id", mcp.Description("Entry id"), mcp.Required()),
		),
		mcpMarkDispatched(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"queue://pending",
			"Pending Drafts",
			mcp.WithResourceDescription("Drafts waiting for approval, with the badge summary"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourcePending(deps),
	)

	return s
}

func mcpProposeDraft(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		source, err := req.RequireString("source_identity")
		if err != nil {
			return mcpError("source_identity is required"), nil
		}
		draft, err := req.RequireString("draft_text")
		if err != nil {
			return mcpError("draft_text is required"), nil
		}

		e, err := deps.Store.Propose(ctx, records.Proposal{
			ID:              req.GetString("id", ""),
			SourceIdentity:  source,
			SubjectLine:     req.GetString("subject_line", ""),
			OriginalExcerpt: req.GetString("original_excerpt", ""),
			DraftText:       draft,
		})
		if err != nil {
			return mcpStoreError("propose draft", err), nil
		}
		return mcpText(fmt.Sprintf("Queued draft %s for review", e.ID)), nil
	}
}

func mcpListApproved(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", 20)
		if limit <= 0 {
			limit = 20
		}
		if limit > 500 {
			limit = 500
		}

		entries, err := deps.Store.ListApproved(ctx, limit)
		if err != nil {
			return mcpStoreError("list approved", err), nil
		}
		if len(entries) == 0 {
			return mcpText("[]"), nil
		}

		b, err := json.Marshal(entries)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal entries: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpMarkDispatched(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}
		if err := deps.Store.MarkDispatched(ctx, id); err != nil {
			return mcpStoreError("mark dispatched", err), nil
		}
		return mcpText(fmt.Sprintf("Marked %s dispatched", id)), nil
	}
}

type pendingSummary struct {
	Badge   string         `json:"badge"`
	Count   int            `json:"count"`
	Entries []pendingBrief `json:"entries"`
}

type pendingBrief struct {
	ID             string `json:"id"`
	SourceIdentity string `json:"source_identity"`
	SubjectLine    string `json:"subject_line"`
	Excerpt        string `json:"excerpt"`
	CreatedAt      string `json:"created_at"`
}

func mcpResourcePending(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		entries, err := deps.Store.ListPending(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list pending drafts: %w", err)
		}

		summary := pendingSummary{
			Badge:   notify.Badge(len(entries)),
			Count:   len(entries),
			Entries: make([]pendingBrief, len(entries)),
		}
		for i, e := range entries {
			excerpt := e.OriginalExcerpt
			if utf8.RuneCountInString(excerpt) > 200 {
				runes := []rune(excerpt)
				excerpt = string(runes[:200]) + "..."
			}
			summary.Entries[i] = pendingBrief{
				ID:             e.ID,
				SourceIdentity: e.SourceIdentity,
				SubjectLine:    e.SubjectLine,
				Excerpt:        excerpt,
				CreatedAt:      e.CreatedAt.Format(time.RFC3339),
			}
		}

		b, err := json.Marshal(summary)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal pending drafts: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

// mcpStoreError turns a store error into a tool error the Agent can act on.
func mcpStoreError(op string, err error) *mcp.CallToolResult {
	var ve *records.ValidationError
	switch {
	case errors.As(err, &ve):
		return mcpError(ve.Error())
	case errors.Is(err, records.ErrDuplicate):
		return mcpError(fmt.Sprintf("%s: an entry with this id already exists", op))
	case errors.Is(err, records.ErrNotFound):
		return mcpError(fmt.Sprintf("%s: not found", op))
	case errors.Is(err, records.ErrStaleEntry):
		return mcpError(fmt.Sprintf("%s: entry is not approved or was already dispatched", op))
	case records.IsTransient(err):
		return mcpError(fmt.Sprintf("%s: store unavailable, retry later", op))
	}
	return mcpError(fmt.Sprintf("%s failed: %v", op, err))
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
