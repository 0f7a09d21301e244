package config

import (
	"fmt"
	"strings"

	"nathanbeddoewebdev/vpsd/internal/config"
	"nathanbeddoewebdev/vpsd/internal/util"

	"github.com/spf13/cobra"
)

// GetCommand returns the "config get" command.
func GetCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get [key]",
		Short: "Get a configuration value",
		Long: "Get a persistent configuration value.\n\n" +
			"With no key, every setting is listed together with the value in\n" +
			"effect once defaults are applied.\n\n" +
			config.KeysHelp() +
			"\nExamples:\n" +
			"  vpsd config get                 # list all settings\n" +
			"  vpsd config get hypervisor      # print a single value",
		Args: cobra.MaximumNArgs(1),
		Run:  runGet,
	}

	return cmd
}

func runGet(cmd *cobra.Command, args []string) {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "Error: failed to load config: %v\n", err)
		return
	}

	if len(args) == 0 {
		effective := cfg.WithDefaults()
		for _, spec := range config.Keys {
			value := spec.Get(cfg)
			if value == "" {
				if def := spec.Get(effective); def != "" {
					value = def + " (default)"
				} else {
					value = "(not set)"
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", spec.Name, value)
		}
		return
	}

	key := util.NormalizeKey(args[0])
	spec := config.Lookup(key)
	if spec == nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "Error: unknown configuration key %q (valid: %s)\n", args[0], strings.Join(config.KeyNames(), ", "))
		return
	}

	value := spec.Get(cfg)
	if value == "" {
		fmt.Fprintln(cmd.OutOrStdout(), "not set")
	} else {
		fmt.Fprintln(cmd.OutOrStdout(), value)
	}
}
