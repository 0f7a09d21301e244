package cmd

import (
	"os"
	"strings"
	"time"

	"nathanbeddoewebdev/vpsd/cmd/commands/audit"
	"nathanbeddoewebdev/vpsd/cmd/commands/auth"
	cfgcmd "nathanbeddoewebdev/vpsd/cmd/commands/config"
	"nathanbeddoewebdev/vpsd/cmd/commands/jobs"
	"nathanbeddoewebdev/vpsd/cmd/commands/migrate"
	"nathanbeddoewebdev/vpsd/cmd/commands/networks"
	"nathanbeddoewebdev/vpsd/cmd/commands/serve"
	"nathanbeddoewebdev/vpsd/cmd/commands/servers"
	"nathanbeddoewebdev/vpsd/internal/auditlog"
	"nathanbeddoewebdev/vpsd/internal/config"
	"nathanbeddoewebdev/vpsd/internal/database"
	"nathanbeddoewebdev/vpsd/internal/hypervisor/providers"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands.
func rootCmd() *cobra.Command {
	var started time.Time

	var cmd = &cobra.Command{
		Use:   "vpsd",
		Short: "Server lifecycle orchestration service",
		Long: `vpsd accepts lifecycle actions for virtual servers over HTTP, runs them
against a hypervisor in the background, and records every outcome.

Supported hypervisors: Proxmox VE, Hetzner Cloud, and a local simulator.

Quick start:
  vpsd auth login proxmox          # Store your API token
  vpsd config set hypervisor proxmox
  vpsd networks add lan --datacenter pve1 --gateway 10.0.0.1 --range 10.0.0.10-99
  vpsd serve                       # Start the API and worker pool
  vpsd servers scan                # Report stuck or orphaned servers`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			started = time.Now()
			if path, _ := cmd.Flags().GetString("config"); path != "" {
				config.SetPath(path)
			}
			if path, _ := cmd.Flags().GetString("database"); path != "" {
				database.SetPath(path)
			} else if cfg, err := config.Load(); err == nil && cfg.DatabasePath != "" {
				database.SetPath(cfg.DatabasePath)
			}
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			recordAudit(cmd, started)
		},
	}

	cmd.PersistentFlags().String("config", "", "Path to the config file (default: user config dir)")
	cmd.PersistentFlags().String("database", "", "Path to the SQLite database (default: user config dir)")

	cmd.AddCommand(serve.NewCommand())
	cmd.AddCommand(migrate.NewCommand())
	cmd.AddCommand(servers.NewCommand())
	cmd.AddCommand(networks.NewCommand())
	cmd.AddCommand(jobs.NewCommand())
	cmd.AddCommand(auth.NewCommand())
	cmd.AddCommand(cfgcmd.NewCommand())
	cmd.AddCommand(audit.NewCommand())

	return cmd
}

// recordAudit writes an audit entry for commands that change state. Such
// commands carry the "audit" annotation. Failures to audit are ignored.
func recordAudit(cmd *cobra.Command, started time.Time) {
	if cmd.Annotations["audit"] != "true" {
		return
	}
	repo, err := auditlog.Open()
	if err != nil {
		return
	}
	defer repo.Close()

	meta := auditlog.MetadataFromContext(cmd.Context())
	_ = repo.Save(&auditlog.AuditEntry{
		Timestamp:    started.UTC(),
		Command:      cmd.CommandPath(),
		Args:         strings.Join(auditlog.SanitizeArgs(os.Args[1:]), " "),
		Hypervisor:   meta.Hypervisor,
		ResourceType: meta.ResourceType,
		ResourceID:   meta.ResourceID,
		Outcome:      auditlog.OutcomeSuccess,
		Detail:       meta.Detail,
		DurationMs:   time.Since(started).Milliseconds(),
	})
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	providers.RegisterDefaults()

	var root = rootCmd()
	err := root.Execute()
	if err != nil {
		os.Exit(1)
	}
}
