package jobs

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"nathanbeddoewebdev/vpsd/internal/actionstore"

	"github.com/spf13/cobra"
)

func ListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent jobs",
		Long: `List recent jobs, newest first.

Examples:
  vpsd jobs list
  vpsd jobs list --pending
  vpsd jobs list --server 3f2c... --limit 5 -o json`,
		RunE:         runList,
		SilenceUsage: true,
	}

	cmd.Flags().Int("limit", 25, "Number of jobs to display")
	cmd.Flags().String("server", "", "Only show jobs for this server id")
	cmd.Flags().Bool("pending", false, "Only show jobs that have not been reconciled")
	cmd.Flags().StringP("output", "o", "table", "Output format: table or json")

	return cmd
}

func runList(cmd *cobra.Command, args []string) error {
	limit, _ := cmd.Flags().GetInt("limit")
	if limit <= 0 {
		return fmt.Errorf("limit must be greater than 0")
	}
	serverID, _ := cmd.Flags().GetString("server")
	pending, _ := cmd.Flags().GetBool("pending")
	output, _ := cmd.Flags().GetString("output")
	if output != "table" && output != "json" {
		return fmt.Errorf("unsupported output format %q", output)
	}
	if pending && serverID != "" {
		return fmt.Errorf("--pending and --server cannot be combined")
	}

	repo, err := openRepository()
	if err != nil {
		return err
	}
	defer repo.Close()

	var records []actionstore.ActionRecord
	switch {
	case pending:
		records, err = repo.ListPending()
	case serverID != "":
		records, err = repo.ListByServer(serverID, limit)
	default:
		records, err = repo.ListRecent(limit)
	}
	if err != nil {
		return err
	}
	if len(records) > limit {
		records = records[:limit]
	}

	if output == "json" {
		encoder := json.NewEncoder(cmd.OutOrStdout())
		encoder.SetIndent("", "  ")
		return encoder.Encode(records)
	}

	if len(records) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No jobs found.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CREATED\tJOB\tSERVER\tACTION\tSTATUS\tATTEMPTS\tERROR")
	fmt.Fprintln(w, "-------\t---\t------\t------\t------\t--------\t-----")
	for _, r := range records {
		errMsg := r.ErrorMessage
		if errMsg == "" {
			errMsg = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			r.CreatedAt.Local().Format(time.DateTime),
			shortID(r.JobID),
			shortID(r.ServerID),
			r.Command,
			r.Status,
			r.Attempts,
			errMsg,
		)
	}
	return w.Flush()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
