package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/serviceflow/flowdesk/internal/config"
	"github.com/serviceflow/flowdesk/internal/records"
)

// --- audit ---

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Show the decision audit trail, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		trail, err := client.ListAudit(cmd.Context(), limit)
		if err != nil {
			return err
		}
		if len(trail) == 0 {
			printStatus("Audit", "no records")
			return nil
		}

		rows := make([][]string, len(trail))
		for i, a := range trail {
			rows[i] = []string{
				a.CreatedAt.Local().Format("2006-01-02 15:04:05"),
				a.Action,
				a.SubjectID,
				a.Detail,
			}
		}
		writeTable(cmd.OutOrStdout(), []string{"When", "Action", "Subject", "Detail"}, rows, nil)
		return nil
	},
}

func init() {
	auditCmd.Flags().Int("limit", 50, "maximum number of records")
}

// --- account ---

var accountCmd = &cobra.Command{
	Use:   "account",
	Short: "Show or change the account tier",
}

var accountShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the tier and contact usage",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		q, err := client.Quota(cmd.Context())
		if err != nil {
			return err
		}
		printStatus("Tier", "%s", q.Tier)
		printStatus("Contacts", "%s", quotaLine(q))
		if q.UpgradeURL != "" {
			printStatus("Upgrade", "%s", q.UpgradeURL)
		}
		return nil
	},
}

// accountSetTierCmd writes the tier row directly. It is an operator tool,
// so it is not exposed on the HTTP API.
var accountSetTierCmd = &cobra.Command{
	Use:   "set-tier <name> <contact-quota>",
	Short: "Set the tier name and contact quota for the configured account",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		quota, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("contact quota must be an integer, got %q", args[1])
		}

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		store, account, err := openAccount(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		if err := account.SetTier(cmd.Context(), records.Tier{Name: args[0], ContactQuota: quota}); err != nil {
			return err
		}
		printSuccess("Account %s is now on %s (%d contacts)", account.ID(), args[0], quota)
		return nil
	},
}

func init() {
	accountCmd.AddCommand(accountShowCmd, accountSetTierCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s = %s  %s\n", colorize(colorBold, k.Key), k.Value, colorize(colorCyan, k.EnvVar))
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
