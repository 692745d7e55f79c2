package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/serviceflow/flowdesk/internal/admission"
	"github.com/serviceflow/flowdesk/internal/api"
	"github.com/serviceflow/flowdesk/internal/records"
)

var contactsCmd = &cobra.Command{
	Use:   "contacts",
	Short: "Manage tracked contacts",
}

var contactsAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Add a contact, within the limit of your plan",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		email, _ := cmd.Flags().GetString("email")
		status, _ := cmd.Flags().GetString("status")
		followUp, _ := cmd.Flags().GetString("follow-up")

		nc := records.NewContact{DisplayName: args[0], ContactAddress: email, Status: status}
		if followUp != "" {
			t, err := parseDate(followUp)
			if err != nil {
				return err
			}
			nc.NextFollowUp = &t
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		quota, err := client.Quota(cmd.Context())
		if err != nil {
			return err
		}

		gate := admission.NewGate(client, client, quota.UpgradeURL, slog.Default().With("component", "admission"))
		c, err := gate.Create(cmd.Context(), nc)
		var upgrade *admission.UpgradeRequiredError
		if errors.As(err, &upgrade) {
			printWarning("Your %s plan allows %d contacts and you have %d.", quota.Tier, upgrade.Quota, upgrade.Count)
			if upgrade.UpgradeURL != "" {
				printStep("Upgrade to add more: %s", upgrade.UpgradeURL)
			}
			return err
		}
		if err != nil {
			return err
		}
		printSuccess("Added %s (%s)", c.DisplayName, c.ID)
		return nil
	},
}

var contactsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List contacts, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		search, _ := cmd.Flags().GetString("search")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		contacts, err := client.ListContacts(cmd.Context(), search)
		if err != nil {
			return err
		}
		if len(contacts) == 0 {
			printStatus("Contacts", "none")
			return nil
		}
		writeContacts(cmd.OutOrStdout(), contacts)
		return nil
	},
}

var contactsToggleCmd = &cobra.Command{
	Use:   "toggle <id>",
	Short: "Switch a contact between New Lead and Active Client",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		c, err := client.GetContact(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		next := records.ToggleContactStatus(c.Status)
		if _, err := client.UpdateContact(cmd.Context(), c.ID, records.ContactPatch{Status: &next}); err != nil {
			return err
		}
		printSuccess("%s is now %s", c.DisplayName, next)
		return nil
	},
}

var contactsFollowUpCmd = &cobra.Command{
	Use:   "follow-up <id> [YYYY-MM-DD]",
	Short: "Set or clear the next follow-up date",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		clearDate, _ := cmd.Flags().GetBool("clear")
		var patch records.ContactPatch
		switch {
		case clearDate:
			patch.ClearFollowUp = true
		case len(args) == 2:
			t, err := parseDate(args[1])
			if err != nil {
				return err
			}
			patch.NextFollowUp = &t
		default:
			return fmt.Errorf("a date or --clear is required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		c, err := client.UpdateContact(cmd.Context(), args[0], patch)
		if err != nil {
			return err
		}
		printSuccess("Follow-up for %s: %s", c.DisplayName, formatDate(c.NextFollowUp))
		return nil
	},
}

var contactsRmCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Delete a contact",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		if err := client.DeleteContact(cmd.Context(), args[0]); err != nil {
			return err
		}
		printSuccess("Deleted %s", args[0])
		return nil
	},
}

var contactsUpcomingCmd = &cobra.Command{
	Use:   "upcoming",
	Short: "Show the next follow-ups, earliest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		contacts, err := client.UpcomingFollowUps(cmd.Context(), limit)
		if err != nil {
			return err
		}
		if len(contacts) == 0 {
			printStatus("Follow-ups", "none scheduled")
			return nil
		}
		writeContacts(cmd.OutOrStdout(), contacts)
		return nil
	},
}

var contactsExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export contacts as CSV",
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		if output == "" {
			return client.ExportContacts(cmd.Context(), cmd.OutOrStdout())
		}
		f, err := os.Create(output)
		if err != nil {
			return fmt.Errorf("creating output file: %w", err)
		}
		if err := client.ExportContacts(cmd.Context(), f); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
		printSuccess("Exported contacts to %s", output)
		return nil
	},
}

var contactsNotesCmd = &cobra.Command{
	Use:   "notes <id>",
	Short: "Show the notes of a contact, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		notes, err := client.ListNotes(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if len(notes) == 0 {
			printStatus("Notes", "none")
			return nil
		}
		rows := make([][]string, len(notes))
		for i, n := range notes {
			rows[i] = []string{n.CreatedAt.Local().Format("2006-01-02 15:04"), n.ID, n.Content}
		}
		writeTable(cmd.OutOrStdout(), []string{"When", "ID", "Note"}, rows, nil)
		return nil
	},
}

var contactsNoteCmd = &cobra.Command{
	Use:   "note <id> <text>...",
	Short: "Add a note to a contact",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		n, err := client.AddNote(cmd.Context(), args[0], strings.Join(args[1:], " "))
		if err != nil {
			return err
		}
		printSuccess("Added note %s", n.ID)
		return nil
	},
}

var contactsNoteRmCmd = &cobra.Command{
	Use:   "note-rm <id> <note-id>",
	Short: "Delete a note",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		if err := client.DeleteNote(cmd.Context(), args[0], args[1]); err != nil {
			return err
		}
		printSuccess("Deleted note %s", args[1])
		return nil
	},
}

func init() {
	contactsAddCmd.Flags().String("email", "", "contact address")
	contactsAddCmd.Flags().String("status", "", "status tag (default New Lead)")
	contactsAddCmd.Flags().String("follow-up", "", "next follow-up date (YYYY-MM-DD)")
	contactsListCmd.Flags().String("search", "", "filter by name or address")
	contactsFollowUpCmd.Flags().Bool("clear", false, "remove the follow-up date")
	contactsUpcomingCmd.Flags().Int("limit", 3, "number of follow-ups to show")
	contactsExportCmd.Flags().String("output", "", "output file path (default: stdout, e.g. my_clients.csv)")

	contactsCmd.AddCommand(contactsAddCmd, contactsListCmd, contactsToggleCmd, contactsFollowUpCmd)
	contactsCmd.AddCommand(contactsRmCmd, contactsUpcomingCmd, contactsExportCmd)
	contactsCmd.AddCommand(contactsNotesCmd, contactsNoteCmd, contactsNoteRmCmd)
}

func parseDate(s string) (time.Time, error) {
	t, err := time.ParseInLocation("2006-01-02", s, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q, want YYYY-MM-DD", s)
	}
	return t, nil
}

func writeContacts(w io.Writer, contacts []records.Contact) {
	rows := make([][]string, len(contacts))
	for i, c := range contacts {
		rows[i] = []string{
			c.ID,
			truncate(c.DisplayName, 28),
			truncate(c.ContactAddress, 32),
			c.Status,
			formatDate(c.NextFollowUp),
		}
	}
	writeTable(w, []string{"ID", "Name", "Email", "Status", "Follow-up"}, rows, nil)
}

// quotaLine summarises plan usage for status output.
func quotaLine(q api.QuotaStatus) string {
	return fmt.Sprintf("%d of %d (%s tier)", q.Contacts, q.ContactQuota, q.Tier)
}
