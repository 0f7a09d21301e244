package serve

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"nathanbeddoewebdev/vpsd/internal/actionstore"
	"nathanbeddoewebdev/vpsd/internal/api"
	"nathanbeddoewebdev/vpsd/internal/auditlog"
	"nathanbeddoewebdev/vpsd/internal/config"
	"nathanbeddoewebdev/vpsd/internal/hypervisor/providers"
	"nathanbeddoewebdev/vpsd/internal/server/orchestrator"
	"nathanbeddoewebdev/vpsd/internal/services/auth"
	"nathanbeddoewebdev/vpsd/internal/store"
	"nathanbeddoewebdev/vpsd/internal/telemetry"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const (
	staleScanInterval = time.Minute
	httpDrainTimeout  = 30 * time.Second
)

// NewCommand returns the "serve" command.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the background worker pool",
		Long: `Run the HTTP API and the background worker pool.

Flags override the values stored in the config file. On SIGINT or SIGTERM
the API stops accepting requests, queued and running jobs are given
--drain-timeout to finish, and jobs still running after that are cancelled
and recorded as failed.

Examples:
  vpsd serve
  vpsd serve --listen :9090 --hypervisor sim --workers 8`,
		RunE:         runServe,
		SilenceUsage: true,
	}

	cmd.Flags().String("listen", "", "Address to listen on (overrides config)")
	cmd.Flags().String("hypervisor", "", "Hypervisor backend (overrides config)")
	cmd.Flags().Int("workers", 0, "Number of background workers (overrides config)")
	cmd.Flags().Duration("drain-timeout", 2*time.Minute, "How long to wait for running jobs on shutdown")

	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger, err := telemetry.NewLogger(telemetry.LogConfig{Level: cfg.LogLevel, Format: cfg.LogFormat, Out: os.Stderr})
	if err != nil {
		return err
	}

	shutdownTracing, err := telemetry.SetupTracing(cfg.TraceExporter, os.Stdout)
	if err != nil {
		return err
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	metrics := telemetry.NewMetrics()

	gw, err := store.Open(cfg)
	if err != nil {
		return err
	}
	defer gw.Close()

	if networks, err := gw.ListNetworks(cmd.Context()); err != nil {
		return err
	} else if len(networks) == 0 {
		logger.Warn().Msg("no networks configured, creates will be rejected until one is added with 'vpsd networks add'")
	}

	dbPath, err := store.DatabasePath(cfg)
	if err != nil {
		return err
	}
	actions, err := actionstore.OpenAt(dbPath)
	if err != nil {
		return err
	}
	defer actions.Close()

	audit, err := auditlog.OpenAt(dbPath)
	if err != nil {
		return err
	}
	defer audit.Close()

	hv, err := providers.Get(cfg.Hypervisor, cfg, auth.DefaultStore())
	if err != nil {
		return err
	}

	publisher, err := telemetry.NewPublisher(cfg.NATSURL, logger)
	if err != nil {
		return err
	}
	defer publisher.Close()

	orch, err := orchestrator.New(orchestrator.ConfigFrom(cfg), orchestrator.Deps{
		Store:      gw,
		Actions:    actions,
		Hypervisor: hv,
		Publisher:  publisher,
		Metrics:    metrics,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	handler := api.New(api.Options{
		Dispatcher: orch,
		Reader:     gw,
		Hypervisor: hv.Name(),
		Audit:      audit,
		Metrics:    metrics,
		Logger:     logger,
	}).Handler()

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	drainTimeout, _ := cmd.Flags().GetDuration("drain-timeout")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("listen", cfg.Listen).Str("hypervisor", hv.Name()).Str("storage", cfg.Storage).
			Int("workers", cfg.Workers).Msg("vpsd listening")
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		orchestrator.MonitorStale(gctx, gw, cfg.StaleAfter.Std(), staleScanInterval, metrics, logger)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down")

		httpCtx, cancel := context.WithTimeout(context.Background(), httpDrainTimeout)
		defer cancel()
		if err := srv.Shutdown(httpCtx); err != nil {
			logger.Warn().Err(err).Msg("http shutdown incomplete")
		}

		drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		defer cancel()
		if err := orch.Shutdown(drainCtx); err != nil {
			logger.Warn().Err(err).Msg("jobs still running at drain deadline were cancelled")
		}
		return nil
	})

	return g.Wait()
}

// loadConfig reads the config file and applies flag overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cmd.Flags().Changed("listen") {
		cfg.Listen, _ = cmd.Flags().GetString("listen")
	}
	if cmd.Flags().Changed("hypervisor") {
		cfg.Hypervisor, _ = cmd.Flags().GetString("hypervisor")
	}
	if cmd.Flags().Changed("workers") {
		cfg.Workers, _ = cmd.Flags().GetInt("workers")
	}
	return cfg.WithDefaults(), nil
}
