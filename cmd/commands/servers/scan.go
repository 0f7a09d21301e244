package servers

import (
	"errors"
	"fmt"
	"time"

	"nathanbeddoewebdev/vpsd/cmd/commands/style"
	"nathanbeddoewebdev/vpsd/internal/server/domain"
	"nathanbeddoewebdev/vpsd/internal/server/orchestrator"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// ErrFindings is returned when a scan finds servers that need attention,
// so the command exits non-zero.
var ErrFindings = errors.New("scan found servers that need attention")

type scanResult struct {
	Stale   []domain.Server `json:"stale"`
	Orphans []domain.Server `json:"orphans"`
}

func ScanCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Report stuck and orphaned servers",
		Long: `Report servers that need an operator.

Stale servers have held a transient status (starting, deleting, ...)
for longer than --stale-after, usually because the service stopped while
their job was running. Orphans are servers no service references. Nothing
is changed; the command exits non-zero when it finds anything.

Examples:
  vpsd servers scan
  vpsd servers scan --stale-after 10m -o json`,
		RunE:         runScan,
		SilenceUsage: true,
	}

	cmd.Flags().Duration("stale-after", 0, "Age after which a transient server is stale (default: config stale-after)")
	cmd.Flags().StringP("output", "o", "table", "Output format: table or json")

	return cmd
}

func runScan(cmd *cobra.Command, args []string) error {
	output, _ := cmd.Flags().GetString("output")
	if output != "table" && output != "json" {
		return fmt.Errorf("unsupported output format %q", output)
	}

	gw, cfg, err := openStore()
	if err != nil {
		return err
	}
	defer gw.Close()

	staleAfter := cfg.StaleAfter.Std()
	if cmd.Flags().Changed("stale-after") {
		staleAfter, _ = cmd.Flags().GetDuration("stale-after")
	}

	var result scanResult
	g, ctx := errgroup.WithContext(cmd.Context())
	g.Go(func() error {
		stale, err := orchestrator.ScanStale(ctx, gw, staleAfter, time.Now())
		result.Stale = stale
		return err
	})
	g.Go(func() error {
		orphans, err := gw.ListOrphans(ctx)
		result.Orphans = orphans
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if output == "json" {
		if err := writeJSON(out, result); err != nil {
			return err
		}
	} else {
		p := style.For(out)
		if len(result.Stale) == 0 {
			fmt.Fprintln(out, p.OK(fmt.Sprintf("No servers transient for longer than %s.", staleAfter)))
		} else {
			fmt.Fprintln(out, p.Warning(fmt.Sprintf("Servers transient for longer than %s:", staleAfter)))
			if err := printServers(out, result.Stale); err != nil {
				return err
			}
		}
		if len(result.Orphans) == 0 {
			fmt.Fprintln(out, p.OK("No orphaned servers."))
		} else {
			fmt.Fprintln(out, p.Warning("Servers without a service:"))
			if err := printServers(out, result.Orphans); err != nil {
				return err
			}
		}
	}

	if len(result.Stale) > 0 || len(result.Orphans) > 0 {
		return ErrFindings
	}
	return nil
}
