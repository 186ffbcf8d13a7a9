// Copyright 2025 MNM Agent Authors
// SPDX-License-Identifier: Apache-2.0

// Package config holds the agent configuration. A Config is built once at
// process entry (see cmd) and handed to every component constructor.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

var (
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Connector kinds.
const (
	ConnectorNone   = "none"
	ConnectorMemory = "memory"
)

// Defaults mirror the values the backend expects from a fresh install.
const (
	DefaultAgentID           = "mnm-agent-001"
	DefaultBackendWSURL      = "wss://api.yourbackend.com/agent/ws"
	DefaultBackendAPIURL     = "https://api.yourbackend.com/api/v1"
	DefaultPollingInterval   = 30 * time.Second
	DefaultHeartbeatInterval = 60 * time.Second
	DefaultTaskTimeout       = 600 * time.Second
	DefaultMaxRetries        = 3
	DefaultRetryDelay        = 5 * time.Second
	DefaultReconnectMin      = time.Second
	DefaultReconnectMax      = 60 * time.Second
	DefaultFailoverThreshold = 3
	DefaultTokenTTL          = time.Hour
	DefaultSyncDaysBack      = 30
	DefaultMorningSync       = "08:00"
	DefaultNoonSync          = "12:00"
	QueueFileName            = "task_queue.json"
)

// Config is the full agent configuration.
type Config struct {
	// Identity
	AgentID     string `yaml:"agent_id"`
	AgentSecret string `yaml:"agent_secret"`

	// Backend
	BackendWSURL  string `yaml:"backend_url"`
	BackendAPIURL string `yaml:"backend_api_url"`
	BackendAPIKey string `yaml:"backend_api_key"`

	// Polling fallback
	PollingEnabled  bool          `yaml:"polling_enabled"`
	PollingInterval time.Duration `yaml:"polling_interval"`

	// Transport tuning
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	ReconnectDelayMin time.Duration `yaml:"reconnect_delay_min"`
	ReconnectDelayMax time.Duration `yaml:"reconnect_delay_max"`
	FailoverThreshold int           `yaml:"failover_threshold"`
	TokenTTL          time.Duration `yaml:"token_ttl"`

	// Execution
	TaskTimeout      time.Duration `yaml:"task_timeout"`
	MaxRetryAttempts int           `yaml:"max_retry_attempts"`
	RetryDelay       time.Duration `yaml:"retry_delay"`

	// Paths
	DataDir   string `yaml:"data_dir"`
	ImportDir string `yaml:"import_dir"`

	// Logging / monitoring
	LogLevel  string `yaml:"log_level"`
	LogFile   string `yaml:"log_file"`
	SentryDSN string `yaml:"sentry_dsn"`
	DebugPort int    `yaml:"debug_port"`

	// Sage 50
	SageConnector      string  `yaml:"sage_connector"`
	SageCompanyPath    string  `yaml:"sage_company_path"`
	SageWorkers        int     `yaml:"sage_workers"`
	SageCallsPerSecond float64 `yaml:"sage_calls_per_second"`

	// Scheduled syncs
	SyncEnabled     bool   `yaml:"sync_enabled"`
	MorningSyncTime string `yaml:"morning_sync_time"`
	NoonSyncTime    string `yaml:"noon_sync_time"`
	SyncDaysBack    int    `yaml:"sync_days_back"`
}

// Default returns a Config populated with the stock defaults.
func Default() Config {
	base := defaultBaseDir()
	return Config{
		AgentID:           DefaultAgentID,
		BackendWSURL:      DefaultBackendWSURL,
		BackendAPIURL:     DefaultBackendAPIURL,
		PollingEnabled:    true,
		PollingInterval:   DefaultPollingInterval,
		HeartbeatInterval: DefaultHeartbeatInterval,
		ReconnectDelayMin: DefaultReconnectMin,
		ReconnectDelayMax: DefaultReconnectMax,
		FailoverThreshold: DefaultFailoverThreshold,
		TokenTTL:          DefaultTokenTTL,
		TaskTimeout:       DefaultTaskTimeout,
		MaxRetryAttempts:  DefaultMaxRetries,
		RetryDelay:        DefaultRetryDelay,
		DataDir:           filepath.Join(base, "data"),
		ImportDir:         filepath.Join(base, "imports"),
		LogLevel:          "info",
		LogFile:           filepath.Join(base, "logs", "agent.log"),
		SageConnector:     ConnectorNone,
		SageWorkers:       1,
		SyncEnabled:       true,
		MorningSyncTime:   DefaultMorningSync,
		NoonSyncTime:      DefaultNoonSync,
		SyncDaysBack:      DefaultSyncDaysBack,
	}
}

func defaultBaseDir() string {
	if pd := os.Getenv("ProgramData"); pd != "" {
		return filepath.Join(pd, "MNMAgent")
	}
	return filepath.Join(os.TempDir(), "mnm-agent")
}

// QueueFile is the path of the persisted task queue snapshot.
func (c *Config) QueueFile() string {
	return filepath.Join(c.DataDir, QueueFileName)
}

// HasWebSocket reports whether a WebSocket endpoint is configured.
func (c *Config) HasWebSocket() bool {
	return c.BackendWSURL != ""
}

// Validate reports every problem at once, wrapped in ErrInvalidConfig.
func (c *Config) Validate() error {
	var errs []error

	if c.AgentID == "" {
		errs = append(errs, errors.New("agent_id is required"))
	}
	if c.AgentSecret == "" {
		errs = append(errs, errors.New("agent_secret is required"))
	}
	if c.BackendAPIKey == "" {
		errs = append(errs, errors.New("backend_api_key is required"))
	}
	if !c.HasWebSocket() && !c.PollingEnabled {
		errs = append(errs, errors.New("no communication method configured: set backend_url or enable polling"))
	}
	if c.PollingEnabled && c.BackendAPIURL == "" {
		errs = append(errs, errors.New("backend_api_url is required when polling is enabled"))
	}
	if c.PollingInterval <= 0 {
		errs = append(errs, fmt.Errorf("polling_interval must be positive, got %s", c.PollingInterval))
	}
	if c.HeartbeatInterval <= 0 {
		errs = append(errs, fmt.Errorf("heartbeat_interval must be positive, got %s", c.HeartbeatInterval))
	}
	if c.TaskTimeout <= 0 {
		errs = append(errs, fmt.Errorf("task_timeout must be positive, got %s", c.TaskTimeout))
	}
	if c.MaxRetryAttempts < 1 {
		errs = append(errs, fmt.Errorf("max_retry_attempts must be at least 1, got %d", c.MaxRetryAttempts))
	}
	if c.RetryDelay < 0 {
		errs = append(errs, fmt.Errorf("retry_delay must not be negative, got %s", c.RetryDelay))
	}
	if c.ReconnectDelayMin <= 0 || c.ReconnectDelayMax < c.ReconnectDelayMin {
		errs = append(errs, fmt.Errorf("reconnect delays must satisfy 0 < min <= max, got %s/%s", c.ReconnectDelayMin, c.ReconnectDelayMax))
	}
	if c.FailoverThreshold < 1 {
		errs = append(errs, fmt.Errorf("failover_threshold must be at least 1, got %d", c.FailoverThreshold))
	}
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}
	switch c.SageConnector {
	case ConnectorNone, ConnectorMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown sage_connector %q", c.SageConnector))
	}
	if c.SageWorkers < 1 {
		errs = append(errs, fmt.Errorf("sage_workers must be at least 1, got %d", c.SageWorkers))
	}
	if c.SyncEnabled {
		for name, v := range map[string]string{"morning_sync_time": c.MorningSyncTime, "noon_sync_time": c.NoonSyncTime} {
			if _, _, err := ParseClock(v); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			}
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
}

// EnsureDirectories creates the data, import and log directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.DataDir, c.ImportDir}
	if c.LogFile != "" {
		dirs = append(dirs, filepath.Dir(c.LogFile))
	}
	for _, d := range dirs {
		if d == "" {
			continue
		}
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", d, err)
		}
	}
	return nil
}

// ParseClock parses a 24h "HH:MM" wall-clock time.
func ParseClock(s string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid time %q, want HH:MM", s)
	}
	return t.Hour(), t.Minute(), nil
}
