package config

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// KeySpec describes a single configuration key.
type KeySpec struct {
	// Name is the CLI-facing key name (e.g. "hypervisor").
	Name string

	// Description is a short human-readable explanation shown in help text.
	Description string

	// Get returns the current value for this key from a loaded Config.
	Get func(cfg *Config) string

	// Set validates and applies a value for this key to the given Config
	// (in memory only; the caller is responsible for calling Save).
	Set func(cfg *Config, value string) error
}

// Keys is the authoritative list of all supported configuration keys.
// To add a new option: add a field to Config and append a KeySpec here.
var Keys = []KeySpec{
	stringKey("listen", "Address the HTTP API listens on", func(c *Config) *string { return &c.Listen }),
	stringKey("database-path", "SQLite database file (default: user config dir)", func(c *Config) *string { return &c.DatabasePath }),
	enumKey("storage", "Server store backend", []string{"sqlite", "badger"}, func(c *Config) *string { return &c.Storage }),
	stringKey("badger-path", "Directory of the Badger store when storage=badger", func(c *Config) *string { return &c.BadgerPath }),
	stringKey("hypervisor", "Hypervisor backend (proxmox, hetzner, sim)", func(c *Config) *string { return &c.Hypervisor }),
	stringKey("proxmox-url", "Proxmox VE API base URL, e.g. https://pve1:8006", func(c *Config) *string { return &c.Proxmox.URL }),
	{
		Name:        "proxmox-insecure",
		Description: "Skip TLS verification for the Proxmox API (true/false)",
		Get:         func(c *Config) string { return strconv.FormatBool(c.Proxmox.InsecureSkipVerify) },
		Set: func(c *Config, v string) error {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("invalid boolean %q", v)
			}
			c.Proxmox.InsecureSkipVerify = b
			return nil
		},
	},
	stringKey("hetzner-server-type", "Hetzner server type used for new servers", func(c *Config) *string { return &c.Hetzner.ServerType }),
	{
		Name:        "templates",
		Description: "OS to template map, e.g. ubuntu-2204=pve1/9000,debian-12=pve1/9001",
		Get:         func(c *Config) string { return formatTemplates(c.Templates) },
		Set: func(c *Config, v string) error {
			m, err := parseTemplates(v)
			if err != nil {
				return err
			}
			c.Templates = m
			return nil
		},
	},
	intKey("workers", "Number of concurrent background workers", func(c *Config) *int { return &c.Workers }),
	intKey("queue-size", "Maximum number of queued jobs", func(c *Config) *int { return &c.QueueSize }),
	intKey("retry-max-attempts", "Attempts per hypervisor call before giving up", func(c *Config) *int { return &c.Retry.MaxAttempts }),
	durationKey("retry-base-delay", "Initial backoff between attempts", func(c *Config) *Duration { return &c.Retry.BaseDelay }),
	durationKey("retry-max-delay", "Maximum backoff between attempts", func(c *Config) *Duration { return &c.Retry.MaxDelay }),
	durationKey("attempt-timeout", "Timeout for a single hypervisor attempt", func(c *Config) *Duration { return &c.AttemptTimeout }),
	durationKey("job-timeout", "Overall ceiling for one job including retries", func(c *Config) *Duration { return &c.JobTimeout }),
	durationKey("stale-after", "Age after which a transient server is reported as stuck", func(c *Config) *Duration { return &c.StaleAfter }),
	enumKey("log-level", "Log level", []string{"debug", "info", "warn", "error"}, func(c *Config) *string { return &c.LogLevel }),
	enumKey("log-format", "Log output format", []string{"console", "json"}, func(c *Config) *string { return &c.LogFormat }),
	enumKey("trace-exporter", "Trace exporter", []string{"none", "stdout"}, func(c *Config) *string { return &c.TraceExporter }),
	stringKey("nats-url", "NATS server for status-change events (empty disables)", func(c *Config) *string { return &c.NATSURL }),
}

func stringKey(name, desc string, field func(*Config) *string) KeySpec {
	return KeySpec{
		Name:        name,
		Description: desc,
		Get:         func(c *Config) string { return *field(c) },
		Set: func(c *Config, v string) error {
			*field(c) = v
			return nil
		},
	}
}

func enumKey(name, desc string, allowed []string, field func(*Config) *string) KeySpec {
	return KeySpec{
		Name:        name,
		Description: fmt.Sprintf("%s (%s)", desc, strings.Join(allowed, ", ")),
		Get:         func(c *Config) string { return *field(c) },
		Set: func(c *Config, v string) error {
			v = strings.ToLower(v)
			for _, a := range allowed {
				if v == a {
					*field(c) = v
					return nil
				}
			}
			return fmt.Errorf("invalid value %q (expected one of: %s)", v, strings.Join(allowed, ", "))
		},
	}
}

func intKey(name, desc string, field func(*Config) *int) KeySpec {
	return KeySpec{
		Name:        name,
		Description: desc,
		Get: func(c *Config) string {
			if *field(c) == 0 {
				return ""
			}
			return strconv.Itoa(*field(c))
		},
		Set: func(c *Config, v string) error {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				return fmt.Errorf("invalid value %q (expected a positive integer)", v)
			}
			*field(c) = n
			return nil
		},
	}
}

func durationKey(name, desc string, field func(*Config) *Duration) KeySpec {
	return KeySpec{
		Name:        name,
		Description: desc,
		Get: func(c *Config) string {
			if *field(c) == 0 {
				return ""
			}
			return field(c).Std().String()
		},
		Set: func(c *Config, v string) error {
			d, err := time.ParseDuration(v)
			if err != nil || d <= 0 {
				return fmt.Errorf("invalid duration %q", v)
			}
			*field(c) = Duration(d)
			return nil
		},
	}
}

func formatTemplates(m map[string]string) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, len(keys))
	for i, k := range keys {
		pairs[i] = k + "=" + m[k]
	}
	return strings.Join(pairs, ",")
}

func parseTemplates(v string) (map[string]string, error) {
	m := make(map[string]string)
	for _, pair := range strings.Split(v, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, ref, ok := strings.Cut(pair, "=")
		name, ref = strings.TrimSpace(name), strings.TrimSpace(ref)
		if !ok || name == "" || ref == "" {
			return nil, fmt.Errorf("invalid template mapping %q (expected os=template)", pair)
		}
		m[name] = ref
	}
	return m, nil
}

// Lookup returns the KeySpec for the given name, or nil if not found.
// The name is matched case-insensitively after trimming whitespace.
func Lookup(name string) *KeySpec {
	normalized := strings.ToLower(strings.TrimSpace(name))
	for i := range Keys {
		if Keys[i].Name == normalized {
			return &Keys[i]
		}
	}
	return nil
}

// KeyNames returns the names of all registered keys.
func KeyNames() []string {
	names := make([]string, len(Keys))
	for i, k := range Keys {
		names[i] = k.Name
	}
	return names
}

// KeysHelp builds a formatted block listing all available keys and their
// descriptions, suitable for inclusion in Cobra Long help text.
func KeysHelp() string {
	if len(Keys) == 0 {
		return ""
	}

	maxLen := 0
	for _, k := range Keys {
		if len(k.Name) > maxLen {
			maxLen = len(k.Name)
		}
	}

	var b strings.Builder
	b.WriteString("Available keys:\n")
	for _, k := range Keys {
		fmt.Fprintf(&b, "  %-*s   %s\n", maxLen, k.Name, k.Description)
	}
	return b.String()
}
