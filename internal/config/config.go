// Package config handles persistent configuration for vpsd.
//
// Configuration is stored as JSON at ~/.config/vpsd/config.json (or the
// platform-equivalent path returned by os.UserConfigDir). Unset fields
// fall back to the values applied by WithDefaults.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"nathanbeddoewebdev/vpsd/internal/retry"
)

const (
	appDir   = "vpsd"
	fileName = "config.json"
)

// pathOverride, when non-empty, replaces the default config file path.
// Intended for testing. Use SetPath / ResetPath to manage.
var pathOverride string

// SetPath overrides the config file path. Used by tests and the --config flag.
func SetPath(p string) { pathOverride = p }

// ResetPath clears the path override, reverting to the default. Intended for testing.
func ResetPath() { pathOverride = "" }

// Duration is a time.Duration stored as a Go duration string ("90s").
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ProxmoxConfig holds Proxmox VE connection settings. The API token itself
// lives in the keyring or VPSD_PROXMOX_TOKEN.
type ProxmoxConfig struct {
	URL                string `json:"url,omitempty"`
	InsecureSkipVerify bool   `json:"insecure_skip_verify,omitempty"`
}

// HetznerConfig holds Hetzner Cloud settings.
type HetznerConfig struct {
	ServerType string `json:"server_type,omitempty"`
}

// RetryConfig is the retry policy for transient hypervisor failures.
type RetryConfig struct {
	MaxAttempts int      `json:"max_attempts,omitempty"`
	BaseDelay   Duration `json:"base_delay,omitempty"`
	MaxDelay    Duration `json:"max_delay,omitempty"`
}

// Config holds service settings that persist across invocations.
type Config struct {
	Listen       string `json:"listen,omitempty"`
	DatabasePath string `json:"database_path,omitempty"`
	Storage      string `json:"storage,omitempty"`
	BadgerPath   string `json:"badger_path,omitempty"`

	Hypervisor string            `json:"hypervisor,omitempty"`
	Proxmox    ProxmoxConfig     `json:"proxmox,omitempty"`
	Hetzner    HetznerConfig     `json:"hetzner,omitempty"`
	Templates  map[string]string `json:"templates,omitempty"`

	Workers         int         `json:"workers,omitempty"`
	QueueSize       int         `json:"queue_size,omitempty"`
	Retry           RetryConfig `json:"retry,omitempty"`
	AttemptTimeout  Duration    `json:"attempt_timeout,omitempty"`
	JobTimeout      Duration    `json:"job_timeout,omitempty"`
	ConfirmInterval Duration    `json:"confirm_interval,omitempty"`
	StaleAfter      Duration    `json:"stale_after,omitempty"`

	LogLevel      string `json:"log_level,omitempty"`
	LogFormat     string `json:"log_format,omitempty"`
	TraceExporter string `json:"trace_exporter,omitempty"`
	NATSURL       string `json:"nats_url,omitempty"`
}

// Defaults returns the configuration used when nothing is set.
func Defaults() Config {
	r := retry.DefaultConfig()
	return Config{
		Listen:     ":8080",
		Storage:    "sqlite",
		Hypervisor: "sim",
		Hetzner:    HetznerConfig{ServerType: "cx22"},
		Templates: map[string]string{
			"ubuntu-2204": "ubuntu-22.04",
			"ubuntu-2404": "ubuntu-24.04",
			"debian-12":   "debian-12",
		},
		Workers:         4,
		QueueSize:       64,
		Retry:           RetryConfig{MaxAttempts: r.MaxAttempts, BaseDelay: Duration(r.BaseDelay), MaxDelay: Duration(r.MaxDelay)},
		AttemptTimeout:  Duration(r.AttemptTimeout),
		JobTimeout:      Duration(15 * time.Minute),
		ConfirmInterval: Duration(2 * time.Second),
		StaleAfter:      Duration(30 * time.Minute),
		LogLevel:        "info",
		LogFormat:       "console",
		TraceExporter:   "none",
	}
}

// WithDefaults returns a copy of c with every unset field filled in from
// Defaults.
func (c *Config) WithDefaults() *Config {
	d := Defaults()
	out := *c

	setString(&out.Listen, d.Listen)
	setString(&out.Storage, d.Storage)
	setString(&out.Hypervisor, d.Hypervisor)
	setString(&out.Hetzner.ServerType, d.Hetzner.ServerType)
	setString(&out.LogLevel, d.LogLevel)
	setString(&out.LogFormat, d.LogFormat)
	setString(&out.TraceExporter, d.TraceExporter)
	if len(out.Templates) == 0 {
		out.Templates = d.Templates
	}
	if out.Workers <= 0 {
		out.Workers = d.Workers
	}
	if out.QueueSize <= 0 {
		out.QueueSize = d.QueueSize
	}
	if out.Retry.MaxAttempts <= 0 {
		out.Retry.MaxAttempts = d.Retry.MaxAttempts
	}
	setDuration(&out.Retry.BaseDelay, d.Retry.BaseDelay)
	setDuration(&out.Retry.MaxDelay, d.Retry.MaxDelay)
	setDuration(&out.AttemptTimeout, d.AttemptTimeout)
	setDuration(&out.JobTimeout, d.JobTimeout)
	setDuration(&out.ConfirmInterval, d.ConfirmInterval)
	setDuration(&out.StaleAfter, d.StaleAfter)
	return &out
}

// RetryPolicy converts the retry settings into a retry.Config.
func (c *Config) RetryPolicy() retry.Config {
	return retry.Config{
		MaxAttempts:    c.Retry.MaxAttempts,
		BaseDelay:      c.Retry.BaseDelay.Std(),
		MaxDelay:       c.Retry.MaxDelay.Std(),
		AttemptTimeout: c.AttemptTimeout.Std(),
	}
}

func setString(field *string, def string) {
	if *field == "" {
		*field = def
	}
}

func setDuration(field *Duration, def Duration) {
	if *field <= 0 {
		*field = def
	}
}

// Path returns the absolute path to the config file.
// If SetPath has been called, that value is returned instead.
// Otherwise it uses os.UserConfigDir which resolves to
// ~/Library/Application Support on macOS, ~/.config on Linux, and
// %AppData% on Windows.
func Path() (string, error) {
	if pathOverride != "" {
		return pathOverride, nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("config: unable to determine config directory: %w", err)
	}
	return filepath.Join(base, appDir, fileName), nil
}

// Load reads the config file from disk and returns the parsed Config.
// If the file does not exist, a zero-value Config is returned (not an error).
func Load() (*Config, error) {
	return loadFrom("")
}

func loadFrom(path string) (*Config, error) {
	if path == "" {
		var err error
		path, err = Path()
		if err != nil {
			return nil, err
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: failed to parse %s: %w", path, err)
	}

	return &cfg, nil
}

// Save writes the config to disk, creating the parent directory if needed.
func (c *Config) Save() error {
	return c.saveTo("")
}

func (c *Config) saveTo(path string) error {
	if path == "" {
		var err error
		path, err = Path()
		if err != nil {
			return err
		}
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("config: failed to create directory %s: %w", dir, err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("config: failed to marshal config: %w", err)
	}
	data = append(data, '\n')

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("config: failed to write %s: %w", path, err)
	}

	return nil
}

// LoadFrom reads the config from the given path. Intended for testing.
func LoadFrom(path string) (*Config, error) {
	return loadFrom(path)
}

// SaveTo writes the config to the given path. Intended for testing.
func (c *Config) SaveTo(path string) error {
	return c.saveTo(path)
}
