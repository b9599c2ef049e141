// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the daemon's configuration: where it listens, how
// it persists runs, and the TTL/watchdog knobs the Execution Manager runs
// with. Layering is typed defaults, then a YAML file, then environment
// variable overrides, in that order of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	runerr "github.com/fieldkit-run/fieldkit/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config is the complete daemon configuration.
type Config struct {
	// Version indicates the config format version (1 = initial release).
	Version int `yaml:"version,omitempty"`

	Log     LogConfig     `yaml:"log"`
	Listen  ListenConfig  `yaml:"listen"`
	Backend BackendConfig `yaml:"backend"`
	Runtime RuntimeConfig `yaml:"runtime"`

	// DataDir is the base directory for persisted state (the sqlite
	// backend's database file, and any screenshot files a browser-driven
	// step wrote to disk).
	DataDir string `yaml:"data_dir,omitempty"`

	// PlaybooksDir is the directory Start resolves a relative playbook
	// path against.
	PlaybooksDir string `yaml:"playbooks_dir,omitempty"`

	// PIDFile is the path to the PID file. Empty means no PID file.
	PIDFile string `yaml:"pid_file,omitempty"`

	// AuditLogPath, if set, enables append-only audit logging of
	// start/control/delete operations at this path.
	AuditLogPath string `yaml:"audit_log_path,omitempty"`

	// AuditRetentionDays is how long audit log entries are kept before
	// internal/tracing/audit.Store.Cleanup rewrites the file without them.
	// Zero (or unset) falls back to the default of 90, and a non-positive
	// FIELDKIT_AUDIT_RETENTION_DAYS is ignored, so Load always yields a
	// positive value.
	// Environment: FIELDKIT_AUDIT_RETENTION_DAYS
	AuditRetentionDays int `yaml:"audit_retention_days,omitempty"`

	Credentials CredentialsConfig `yaml:"credentials"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

// MetricsConfig configures the Prometheus metrics endpoint the daemon
// exposes for run/step lifecycle counters (internal/tracing.MetricsCollector).
type MetricsConfig struct {
	// Enabled starts the metrics HTTP listener. Environment:
	// FIELDKIT_METRICS_ENABLED
	Enabled bool `yaml:"enabled"`

	// Addr is the metrics listener address (default ":9477").
	// Environment: FIELDKIT_METRICS_ADDR
	Addr string `yaml:"addr,omitempty"`
}

// CredentialsConfig configures the credential vault the template
// resolver reads through for `credential.<name>` references.
type CredentialsConfig struct {
	// Names lists the credential names the vault preloads at startup. A
	// name absent from every backend is simply omitted; a playbook
	// referencing it fails at resolve time instead of at startup.
	Names []string `yaml:"names,omitempty"`

	// Keychain enables the OS keychain backend (priority 50).
	Keychain bool `yaml:"keychain"`

	// FilePath, if set, enables the encrypted file backend (priority 25)
	// at this path. FileMasterKey decrypts it; if empty, the
	// FIELDKIT_MASTER_KEY environment variable is used instead.
	FilePath      string `yaml:"file_path,omitempty"`
	FileMasterKey string `yaml:"file_master_key,omitempty"`
}

// LogConfig configures logging behavior.
type LogConfig struct {
	// Level sets the minimum log level (debug, info, warn, error).
	// Environment: FIELDKIT_LOG_LEVEL
	Level string `yaml:"level"`

	// Format sets the output format (json, text).
	// Environment: FIELDKIT_LOG_FORMAT
	Format string `yaml:"format"`

	// AddSource adds source file and line information to logs.
	AddSource bool `yaml:"add_source"`
}

// ListenConfig configures how the daemon listens for control
// connections (start/signal/list/subscribe).
type ListenConfig struct {
	// SocketPath is the Unix socket path (default).
	// Environment: FIELDKIT_SOCKET
	SocketPath string `yaml:"socket_path,omitempty"`

	// TCPAddr is an optional TCP address to listen on (e.g., ":9000").
	// Environment: FIELDKIT_TCP_ADDR
	TCPAddr string `yaml:"tcp_addr,omitempty"`

	// AllowRemote must be true to bind to non-localhost TCP addresses.
	AllowRemote bool `yaml:"allow_remote"`

	// TLSCert is the path to a TLS certificate for the TCP listener.
	TLSCert string `yaml:"tls_cert,omitempty"`

	// TLSKey is the path to a TLS key for the TCP listener.
	TLSKey string `yaml:"tls_key,omitempty"`
}

// BackendConfig configures the Persistence Sink's storage backend.
type BackendConfig struct {
	// Type is the backend type: "memory" or "sqlite".
	// Environment: FIELDKIT_BACKEND
	Type string `yaml:"type,omitempty"`

	// Path is the sqlite database file path, relative to DataDir if not
	// absolute. Ignored for the memory backend.
	Path string `yaml:"path,omitempty"`

	// WAL enables SQLite's write-ahead log for concurrent reads.
	WAL bool `yaml:"wal"`
}

// RuntimeConfig configures the Execution Manager's cleanup policy.
type RuntimeConfig struct {
	// TTL is how long a terminal run stays in the live registry before
	// the reaper drops it. Environment: FIELDKIT_TTL
	TTL time.Duration `yaml:"ttl,omitempty"`

	// Watchdog is how long a run may stay non-terminal before it is
	// force-cancelled. Environment: FIELDKIT_WATCHDOG
	Watchdog time.Duration `yaml:"watchdog,omitempty"`

	// MaxNestingDepth bounds playbook.run nesting. Environment:
	// FIELDKIT_MAX_NESTING_DEPTH
	MaxNestingDepth int `yaml:"max_nesting_depth,omitempty"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Version: 1,
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Listen: ListenConfig{
			SocketPath:  defaultSocketPath(),
			AllowRemote: false,
		},
		Backend: BackendConfig{
			Type: "sqlite",
			Path: "fieldkit.db",
			WAL:  true,
		},
		Runtime: RuntimeConfig{
			TTL:             60 * time.Minute,
			Watchdog:        1 * time.Hour,
			MaxNestingDepth: 3,
		},
		DataDir:            defaultDataDir(),
		PlaybooksDir:       "./playbooks",
		AuditRetentionDays: 90,
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    ":9477",
		},
	}
}

// Load loads configuration from a YAML file (if present) and then applies
// environment variable overrides. If configPath is empty, the default
// config path is used when it exists; a missing file is not an error.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath == "" {
		if defaultPath, err := ConfigPath(); err == nil {
			if _, statErr := os.Stat(defaultPath); statErr == nil {
				configPath = defaultPath
			}
		}
	}

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, &runerr.ConfigError{
				Key:    "config_file",
				Reason: fmt.Sprintf("failed to load from %s", configPath),
				Cause:  err,
			}
		}
	}

	cfg.applyDefaults()
	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, &runerr.ConfigError{
			Key:    "validation",
			Reason: "configuration validation failed",
			Cause:  err,
		}
	}
	return cfg, nil
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	switch c.Backend.Type {
	case "memory", "sqlite":
	default:
		return &runerr.ConfigError{Key: "backend.type", Reason: fmt.Sprintf("unsupported backend type %q (want memory or sqlite)", c.Backend.Type)}
	}
	if c.Listen.SocketPath == "" && c.Listen.TCPAddr == "" {
		return &runerr.ConfigError{Key: "listen", Reason: "one of socket_path or tcp_addr must be set"}
	}
	if c.Listen.TCPAddr != "" && !c.Listen.AllowRemote {
		host, _, err := net.SplitHostPort(c.Listen.TCPAddr)
		if err == nil && host != "" && host != "localhost" && host != "127.0.0.1" && host != "::1" {
			return &runerr.ConfigError{Key: "listen.tcp_addr", Reason: fmt.Sprintf("binding to %q requires allow_remote: true", c.Listen.TCPAddr)}
		}
	}
	if c.Runtime.TTL <= 0 {
		return &runerr.ConfigError{Key: "runtime.ttl", Reason: "must be positive"}
	}
	if c.Runtime.Watchdog <= 0 {
		return &runerr.ConfigError{Key: "runtime.watchdog", Reason: "must be positive"}
	}
	if c.Runtime.MaxNestingDepth <= 0 {
		return &runerr.ConfigError{Key: "runtime.max_nesting_depth", Reason: "must be positive"}
	}
	return nil
}

// loadFromFile loads configuration from a YAML file, expanding a leading
// "~/" against the user's home directory.
func (c *Config) loadFromFile(path string) error {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}
	return nil
}

// applyDefaults fills in zero values with sensible defaults, so a minimal
// config file (e.g. just `backend: {type: sqlite}`) still works.
func (c *Config) applyDefaults() {
	d := Default()

	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = d.Log.Format
	}
	if c.Listen.SocketPath == "" && c.Listen.TCPAddr == "" {
		c.Listen.SocketPath = d.Listen.SocketPath
	}
	if c.Backend.Type == "" {
		c.Backend.Type = d.Backend.Type
	}
	if c.Backend.Path == "" {
		c.Backend.Path = d.Backend.Path
	}
	if c.Runtime.TTL == 0 {
		c.Runtime.TTL = d.Runtime.TTL
	}
	if c.Runtime.Watchdog == 0 {
		c.Runtime.Watchdog = d.Runtime.Watchdog
	}
	if c.Runtime.MaxNestingDepth == 0 {
		c.Runtime.MaxNestingDepth = d.Runtime.MaxNestingDepth
	}
	if c.DataDir == "" {
		c.DataDir = d.DataDir
	}
	if c.PlaybooksDir == "" {
		c.PlaybooksDir = d.PlaybooksDir
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = d.Metrics.Addr
	}
	if c.AuditRetentionDays == 0 {
		c.AuditRetentionDays = d.AuditRetentionDays
	}
}

// loadFromEnv overrides configuration from environment variables, taking
// precedence over both defaults and the YAML file.
func (c *Config) loadFromEnv() {
	if val := os.Getenv("FIELDKIT_LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if val := os.Getenv("FIELDKIT_LOG_FORMAT"); val != "" {
		c.Log.Format = strings.ToLower(val)
	}
	if val := os.Getenv("FIELDKIT_SOCKET"); val != "" {
		c.Listen.SocketPath = val
	}
	if val := os.Getenv("FIELDKIT_TCP_ADDR"); val != "" {
		c.Listen.TCPAddr = val
	}
	if val := os.Getenv("FIELDKIT_ALLOW_REMOTE"); val != "" {
		c.Listen.AllowRemote = val == "true" || val == "1"
	}
	if val := os.Getenv("FIELDKIT_BACKEND"); val != "" {
		c.Backend.Type = val
	}
	if val := os.Getenv("FIELDKIT_DATA_DIR"); val != "" {
		c.DataDir = val
	}
	if val := os.Getenv("FIELDKIT_PLAYBOOKS_DIR"); val != "" {
		c.PlaybooksDir = val
	}
	if val := os.Getenv("FIELDKIT_TTL"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Runtime.TTL = d
		}
	}
	if val := os.Getenv("FIELDKIT_WATCHDOG"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Runtime.Watchdog = d
		}
	}
	if val := os.Getenv("FIELDKIT_MAX_NESTING_DEPTH"); val != "" {
		if n, err := strconv.Atoi(val); err == nil && n > 0 {
			c.Runtime.MaxNestingDepth = n
		}
	}
	if val := os.Getenv("FIELDKIT_PID_FILE"); val != "" {
		c.PIDFile = val
	}
	if val := os.Getenv("FIELDKIT_AUDIT_LOG"); val != "" {
		c.AuditLogPath = val
	}
	if val := os.Getenv("FIELDKIT_AUDIT_RETENTION_DAYS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil && n > 0 {
			c.AuditRetentionDays = n
		}
	}
	if val := os.Getenv("FIELDKIT_CREDENTIAL_NAMES"); val != "" {
		c.Credentials.Names = strings.Split(val, ",")
	}
	if val := os.Getenv("FIELDKIT_CREDENTIALS_KEYCHAIN"); val != "" {
		c.Credentials.Keychain = val == "true" || val == "1"
	}
	if val := os.Getenv("FIELDKIT_METRICS_ENABLED"); val != "" {
		c.Metrics.Enabled = val == "true" || val == "1"
	}
	if val := os.Getenv("FIELDKIT_METRICS_ADDR"); val != "" {
		c.Metrics.Addr = val
	}
	if val := os.Getenv("FIELDKIT_CREDENTIALS_FILE"); val != "" {
		c.Credentials.FilePath = val
	}
}

func defaultSocketPath() string {
	if runtimeDir := os.Getenv("XDG_RUNTIME_DIR"); runtimeDir != "" {
		return filepath.Join(runtimeDir, "fieldkit", "fieldkit.sock")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "/tmp/fieldkit.sock"
	}
	return filepath.Join(home, ".fieldkit", "fieldkit.sock")
}

func defaultDataDir() string {
	if dataHome := os.Getenv("XDG_DATA_HOME"); dataHome != "" {
		return filepath.Join(dataHome, "fieldkit")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "./fieldkit-data"
	}
	return filepath.Join(home, ".local", "share", "fieldkit")
}
