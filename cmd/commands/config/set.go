package config

import (
	"fmt"
	"strings"

	"nathanbeddoewebdev/vpsd/internal/auditlog"
	"nathanbeddoewebdev/vpsd/internal/config"
	"nathanbeddoewebdev/vpsd/internal/hypervisor/providers"
	"nathanbeddoewebdev/vpsd/internal/util"

	"github.com/spf13/cobra"
)

// SetCommand returns the "config set" command.
func SetCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set a configuration value",
		Long: "Set a persistent configuration value.\n\n" +
			config.KeysHelp() +
			"\nExamples:\n" +
			"  vpsd config set hypervisor proxmox\n" +
			"  vpsd config set proxmox-url https://pve1.example.com:8006\n" +
			"  vpsd config set templates ubuntu-2204=pve1/9000,debian-12=pve1/9001",
		Args:        cobra.ExactArgs(2),
		Run:         runSet,
		Annotations: map[string]string{"audit": "true"},
	}

	return cmd
}

// validators maps key names to optional pre-save validation functions.
// Keys not present in this map have no extra validation.
var validators = map[string]func(cmd *cobra.Command, value string) (string, error){
	"hypervisor": validateHypervisor,
}

func runSet(cmd *cobra.Command, args []string) {
	key := util.NormalizeKey(args[0])
	value := strings.TrimSpace(args[1])

	spec := config.Lookup(key)
	if spec == nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "Error: unknown configuration key %q\n", args[0])
		fmt.Fprintf(cmd.ErrOrStderr(), "Valid keys: %s\n", strings.Join(config.KeyNames(), ", "))
		return
	}

	if validate, ok := validators[spec.Name]; ok {
		normalized, err := validate(cmd, value)
		if err != nil {
			return // validate already printed the error
		}
		value = normalized
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "Error: %v\n", err)
		return
	}

	if err := spec.Set(cfg, value); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "Error: %s: %v\n", spec.Name, err)
		return
	}
	if err := cfg.Save(); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "Error: %v\n", err)
		return
	}

	cmd.SetContext(auditlog.WithMetadata(cmd.Context(), auditlog.Metadata{
		ResourceType: "config",
		ResourceID:   spec.Name,
	}))
	fmt.Fprintf(cmd.OutOrStdout(), "%s set to %q\n", spec.Name, spec.Get(cfg))
}

// validateHypervisor checks that the given name is a registered hypervisor
// and returns it normalized.
func validateHypervisor(cmd *cobra.Command, name string) (string, error) {
	normalized := util.NormalizeKey(name)
	known := providers.List()
	for _, p := range known {
		if p == normalized {
			return normalized, nil
		}
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Error: unknown hypervisor %q\n", name)
	fmt.Fprintf(cmd.ErrOrStderr(), "Registered hypervisors: %v\n", known)
	return "", fmt.Errorf("unknown hypervisor %q", name)
}
