package main

import (
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/serviceflow/flowdesk/internal/records"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and decide agent-drafted replies",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List drafts waiting for approval",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		entries, err := client.ListPending(cmd.Context())
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			printStatus("Review queue", "empty")
			return nil
		}
		writeEntries(cmd.OutOrStdout(), entries)
		return nil
	},
}

var queueShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one draft in full",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		e, err := client.GetEntry(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		writeEntryDetail(cmd.OutOrStdout(), e)
		return nil
	},
}

var queueApproveCmd = &cobra.Command{
	Use:   "approve <id>",
	Short: "Approve a draft, optionally replacing its text",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return decideFromCLI(cmd, args[0], records.DecisionApprove)
	},
}

var queueRejectCmd = &cobra.Command{
	Use:   "reject <id>",
	Short: "Reject a draft",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return decideFromCLI(cmd, args[0], records.DecisionReject)
	},
}

var queueApprovedCmd = &cobra.Command{
	Use:   "approved",
	Short: "List approved drafts not yet dispatched",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		entries, err := client.ListApproved(cmd.Context(), limit)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			printStatus("Approved", "nothing waiting for dispatch")
			return nil
		}
		writeEntries(cmd.OutOrStdout(), entries)
		return nil
	},
}

var queueDispatchedCmd = &cobra.Command{
	Use:   "dispatched <id>",
	Short: "Mark an approved draft as sent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		if err := client.MarkDispatched(cmd.Context(), args[0]); err != nil {
			if errors.Is(err, records.ErrStaleEntry) {
				printWarning("%s is not approved or was already dispatched", args[0])
			}
			return err
		}
		printSuccess("Marked %s dispatched", args[0])
		return nil
	},
}

func init() {
	queueApproveCmd.Flags().String("text", "", "final text to send instead of the current draft")
	queueApprovedCmd.Flags().Int("limit", 20, "maximum number of entries")

	queueCmd.AddCommand(queueListCmd, queueShowCmd, queueApproveCmd, queueRejectCmd)
	queueCmd.AddCommand(queueApprovedCmd, queueDispatchedCmd)
}

// decideFromCLI commits a one-shot decision. Without --text the stored
// draft is sent as is.
func decideFromCLI(cmd *cobra.Command, id string, decision records.Decision) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	text := ""
	if decision == records.DecisionApprove {
		text, _ = cmd.Flags().GetString("text")
	}
	if text == "" {
		e, err := client.GetEntry(ctx, id)
		if err != nil {
			return err
		}
		text = e.DraftText
	}

	if err := client.CommitDecision(ctx, id, text, decision); err != nil {
		if errors.Is(err, records.ErrStaleEntry) {
			printWarning("%s was already decided elsewhere; run `flowdesk queue list` to refresh", id)
		}
		return err
	}
	status, _ := decision.Status()
	printSuccess("%s %s", id, status)
	return nil
}

func writeEntries(w io.Writer, entries []records.Entry) {
	rows := make([][]string, len(entries))
	for i, e := range entries {
		rows[i] = []string{
			strconv.Itoa(i + 1),
			e.ID,
			truncate(e.SourceIdentity, 28),
			truncate(e.SubjectLine, 40),
			e.CreatedAt.Local().Format("2006-01-02 15:04"),
		}
	}
	writeTable(w, []string{"#", "ID", "From", "Subject", "Received"}, rows,
		[]columnAlignment{alignRight})
}

func writeEntryDetail(w io.Writer, e records.Entry) {
	fmt.Fprintf(w, "%s %s\n", colorize(colorBold, "ID:"), e.ID)
	fmt.Fprintf(w, "%s %s\n", colorize(colorBold, "Status:"), e.Status)
	fmt.Fprintf(w, "%s %s\n", colorize(colorBold, "From:"), e.SourceIdentity)
	fmt.Fprintf(w, "%s %s\n", colorize(colorBold, "Subject:"), e.SubjectLine)
	fmt.Fprintf(w, "\n%s\n%s\n", colorize(colorBold, "Original:"), e.OriginalExcerpt)
	fmt.Fprintf(w, "\n%s\n%s\n", colorize(colorBold, "Draft:"), e.DraftText)
}
