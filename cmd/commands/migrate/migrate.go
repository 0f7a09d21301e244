package migrate

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"nathanbeddoewebdev/vpsd/internal/auditlog"
	"nathanbeddoewebdev/vpsd/internal/config"
	"nathanbeddoewebdev/vpsd/internal/legacy"
	"nathanbeddoewebdev/vpsd/internal/store"
	"nathanbeddoewebdev/vpsd/internal/telemetry"

	"github.com/charmbracelet/huh/spinner"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// NewCommand returns the "migrate" command.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate <export.yaml>",
		Short: "Import servers from a legacy billing export",
		Long: `Import servers from a legacy billing export.

Each service in the export becomes a stable server owned by the service's
user. Records are keyed by their legacy id, so running the import again
only adds what is new. Records with an unknown status are skipped and
listed in the report.

Examples:
  vpsd migrate export.yaml --dry-run
  vpsd migrate export.yaml --chunk-size 1000 -o json`,
		Args:         cobra.ExactArgs(1),
		RunE:         runMigrate,
		SilenceUsage: true,
		Annotations:  map[string]string{"audit": "true"},
	}

	cmd.Flags().Bool("dry-run", false, "Validate and count without writing")
	cmd.Flags().Int("chunk-size", legacy.DefaultChunkSize, "Records processed per batch")
	cmd.Flags().StringP("output", "o", "table", "Output format: table or json")

	return cmd
}

func runMigrate(cmd *cobra.Command, args []string) error {
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	chunkSize, _ := cmd.Flags().GetInt("chunk-size")
	output, _ := cmd.Flags().GetString("output")
	if chunkSize <= 0 {
		return fmt.Errorf("chunk-size must be greater than 0")
	}
	if output != "table" && output != "json" {
		return fmt.Errorf("unsupported output format %q", output)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	cfg = cfg.WithDefaults()

	logger, err := telemetry.NewLogger(telemetry.LogConfig{Level: cfg.LogLevel, Format: cfg.LogFormat, Out: os.Stderr})
	if err != nil {
		return err
	}

	gw, err := store.Open(cfg)
	if err != nil {
		return err
	}
	defer gw.Close()

	loader := legacy.NewLoader(gw, logger)
	opts := legacy.Options{DryRun: dryRun, ChunkSize: chunkSize}

	// The load error is kept apart from spinner errors so a partial
	// report still gets printed.
	var (
		report  *legacy.Report
		loadErr error
	)
	load := func(ctx context.Context) error {
		report, loadErr = loader.LoadFile(ctx, args[0], opts)
		return nil
	}
	if errOut, ok := cmd.ErrOrStderr().(*os.File); ok && term.IsTerminal(int(errOut.Fd())) {
		spinErr := spinner.New().
			Title(fmt.Sprintf("Importing %s...", args[0])).
			Accessible(os.Getenv("ACCESSIBLE") != "").
			Output(errOut).
			Context(cmd.Context()).
			ActionWithErr(load).
			Run()
		if spinErr != nil {
			return spinErr
		}
	} else {
		_ = load(cmd.Context())
	}
	if report != nil {
		cmd.SetContext(auditlog.WithMetadata(cmd.Context(), auditlog.Metadata{
			ResourceType: "legacy-export",
			ResourceID:   args[0],
			Detail:       fmt.Sprintf("inserted=%d skipped=%d invalid=%d dry_run=%t", report.Inserted, report.SkippedExisting, report.Invalid, dryRun),
		}))
		if perr := printReport(cmd, report, output); perr != nil {
			return perr
		}
	}
	return loadErr
}

func printReport(cmd *cobra.Command, report *legacy.Report, output string) error {
	if output == "json" {
		encoder := json.NewEncoder(cmd.OutOrStdout())
		encoder.SetIndent("", "  ")
		return encoder.Encode(report)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	if report.DryRun {
		fmt.Fprintln(w, "Dry run: nothing was written.")
	}
	fmt.Fprintf(w, "Read:\t%d\n", report.Read)
	fmt.Fprintf(w, "Inserted:\t%d\n", report.Inserted)
	fmt.Fprintf(w, "Skipped (existing):\t%d\n", report.SkippedExisting)
	fmt.Fprintf(w, "Invalid:\t%d\n", report.Invalid)
	if len(report.Problems) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "INDEX\tLEGACY ID\tREASON")
		for _, p := range report.Problems {
			id := p.LegacyID
			if id == "" {
				id = "-"
			}
			fmt.Fprintf(w, "%d\t%s\t%s\n", p.Index, id, p.Reason)
		}
	}
	return w.Flush()
}
