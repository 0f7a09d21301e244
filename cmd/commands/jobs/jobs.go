package jobs

import (
	"nathanbeddoewebdev/vpsd/internal/actionstore"
	"nathanbeddoewebdev/vpsd/internal/config"
	"nathanbeddoewebdev/vpsd/internal/store"

	"github.com/spf13/cobra"
)

// NewCommand returns the "jobs" parent command.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect background job history",
		Long: "Inspect the record of jobs dispatched by the orchestrator.\n\n" +
			"Every accepted action is recorded when it is queued and finalized\n" +
			"once its outcome has been written back to the server.",
		SilenceUsage: true,
	}

	cmd.AddCommand(ListCommand())
	cmd.AddCommand(PruneCommand())

	return cmd
}

func openRepository() (*actionstore.SQLiteRepository, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	path, err := store.DatabasePath(cfg)
	if err != nil {
		return nil, err
	}
	return actionstore.OpenAt(path)
}
