package audit

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"nathanbeddoewebdev/vpsd/internal/auditlog"

	"github.com/spf13/cobra"
)

func ListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent audit entries",
		Long: `List recent audit entries.

Entries come from both CLI commands and mutating API requests
(POST and DELETE on /servers).

Examples:
  vpsd audit list
  vpsd audit list --limit 50
  vpsd audit list --command "POST /servers/{id}/actions"
  vpsd audit list --resource 3f1c9a7e-...
  vpsd audit list -o json`,
		RunE:         runList,
		SilenceUsage: true,
	}

	cmd.Flags().Int("limit", 25, "Number of entries to display")
	cmd.Flags().String("command", "", "Filter by exact command path")
	cmd.Flags().String("resource", "", "Filter by resource ID (e.g. a server ID)")
	cmd.Flags().StringP("output", "o", "table", "Output format: table or json")
	cmd.MarkFlagsMutuallyExclusive("command", "resource")

	return cmd
}

func runList(cmd *cobra.Command, args []string) error {
	limit, _ := cmd.Flags().GetInt("limit")
	if limit <= 0 {
		return fmt.Errorf("limit must be greater than 0")
	}

	filter, _ := cmd.Flags().GetString("command")
	resource, _ := cmd.Flags().GetString("resource")
	output, _ := cmd.Flags().GetString("output")
	if output == "" {
		output = "table"
	}
	if output != "table" && output != "json" {
		return fmt.Errorf("unsupported output format %q", output)
	}

	repo, err := auditlog.Open()
	if err != nil {
		return err
	}
	defer repo.Close()

	var entries []auditlog.AuditEntry
	switch {
	case filter != "":
		entries, err = repo.ListByCommand(filter, limit)
	case resource != "":
		entries, err = repo.ListByResource(resource, limit)
	default:
		entries, err = repo.List(limit)
	}
	if err != nil {
		return err
	}

	if output == "json" {
		encoder := json.NewEncoder(cmd.OutOrStdout())
		encoder.SetIndent("", "  ")
		return encoder.Encode(entries)
	}

	if len(entries) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No audit entries found.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tCOMMAND\tUSER\tOUTCOME\tDURATION\tRESOURCE\tDETAIL")
	fmt.Fprintln(w, "----\t-------\t----\t-------\t--------\t--------\t------")
	for _, entry := range entries {
		timeStr := entry.Timestamp.Local().Format("2006-01-02 15:04:05")

		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			timeStr,
			entry.Command,
			orDash(entry.UserID),
			formatOutcome(entry),
			formatDuration(entry.DurationMs),
			formatResource(entry),
			orDash(entry.Detail),
		)
	}
	w.Flush()
	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func formatOutcome(entry auditlog.AuditEntry) string {
	if entry.StatusCode == 0 {
		return entry.Outcome
	}
	return fmt.Sprintf("%s (%d)", entry.Outcome, entry.StatusCode)
}

func formatDuration(ms int64) string {
	if ms < 1000 {
		return fmt.Sprintf("%dms", ms)
	}
	d := time.Duration(ms) * time.Millisecond
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	return fmt.Sprintf("%dh", int(d.Hours()))
}

func formatResource(entry auditlog.AuditEntry) string {
	if entry.ResourceType == "" && entry.ResourceID == "" {
		return "-"
	}

	resource := entry.ResourceType
	if entry.ResourceID != "" {
		if resource != "" {
			resource += ":" + entry.ResourceID
		} else {
			resource = entry.ResourceID
		}
	}
	if entry.Hypervisor != "" {
		resource += " @" + entry.Hypervisor
	}
	return resource
}
