package jobs

import (
	"fmt"

	"github.com/spf13/cobra"
)

func PruneCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete finished job records older than a duration",
		Long: `Delete finished job records older than a duration. Records of jobs
that never reconciled are kept.

Examples:
  vpsd jobs prune --older-than 720h`,
		RunE:         runPrune,
		SilenceUsage: true,
		Annotations:  map[string]string{"audit": "true"},
	}

	cmd.Flags().Duration("older-than", 0, "Remove records older than this duration (e.g. 720h)")

	return cmd
}

func runPrune(cmd *cobra.Command, args []string) error {
	olderThan, _ := cmd.Flags().GetDuration("older-than")
	if olderThan <= 0 {
		return fmt.Errorf("--older-than must be a positive duration")
	}

	repo, err := openRepository()
	if err != nil {
		return err
	}
	defer repo.Close()

	removed, err := repo.DeleteOlderThan(olderThan)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed %d job record(s).\n", removed)
	return nil
}
