// Copyright 2025 MNM Agent Authors
// SPDX-License-Identifier: Apache-2.0

// Package cmd provides the mnm-agent command line.
// This file contains reusable helpers for configuration loading with CLI flag precedence.
package cmd

import (
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/mnmfasteners/mnm-agent/pkg/config"
	"github.com/mnmfasteners/mnm-agent/pkg/utils"
)

// FlagLoader provides methods for loading configuration values with CLI flag precedence.
// When a CLI flag is explicitly set, it takes precedence over config file and env vars.
// Otherwise, viper's standard priority applies: env > config file > default.
type FlagLoader struct {
	cmd *cobra.Command
}

// NewFlagLoader creates a FlagLoader for the given cobra command.
func NewFlagLoader(cmd *cobra.Command) *FlagLoader {
	return &FlagLoader{cmd: cmd}
}

// String returns CLI flag value if explicitly set, otherwise viper value.
func (f *FlagLoader) String(flagName string) string {
	if f.cmd.Flags().Changed(flagName) {
		val, _ := f.cmd.Flags().GetString(flagName)
		return val
	}
	return viper.GetString(flagName)
}

// Int returns CLI flag value if explicitly set, otherwise viper value.
func (f *FlagLoader) Int(flagName string) int {
	if f.cmd.Flags().Changed(flagName) {
		val, _ := f.cmd.Flags().GetInt(flagName)
		return val
	}
	return viper.GetInt(flagName)
}

// Float64 returns CLI flag value if explicitly set, otherwise viper value.
func (f *FlagLoader) Float64(flagName string) float64 {
	if f.cmd.Flags().Changed(flagName) {
		val, _ := f.cmd.Flags().GetFloat64(flagName)
		return val
	}
	return viper.GetFloat64(flagName)
}

// Bool returns CLI flag value if explicitly set, otherwise viper value.
func (f *FlagLoader) Bool(flagName string) bool {
	if f.cmd.Flags().Changed(flagName) {
		val, _ := f.cmd.Flags().GetBool(flagName)
		return val
	}
	return viper.GetBool(flagName)
}

// Duration returns CLI flag value if explicitly set, otherwise viper value.
// Bare numbers in the config file or environment are seconds.
func (f *FlagLoader) Duration(flagName string) time.Duration {
	if f.cmd.Flags().Changed(flagName) {
		val, _ := f.cmd.Flags().GetDuration(flagName)
		return val
	}
	switch v := viper.Get(flagName).(type) {
	case int:
		return time.Duration(v) * time.Second
	case int64:
		return time.Duration(v) * time.Second
	case float64:
		return time.Duration(v * float64(time.Second))
	case string:
		if secs, err := strconv.ParseFloat(v, 64); err == nil {
			return time.Duration(secs * float64(time.Second))
		}
	}
	return viper.GetDuration(flagName)
}

// registerAgentFlags declares one flag per config key, defaulted from
// config.Default. The flag names double as viper keys and, upper-cased, as
// environment variable names.
func registerAgentFlags(f *pflag.FlagSet) {
	d := config.Default()

	// Identity
	f.String("agent_id", d.AgentID, "Agent identifier registered with the backend")
	f.String("agent_secret", "", "Shared secret used to sign connection tokens")

	// Backend
	f.String("backend_url", d.BackendWSURL, "Backend WebSocket URL (ws:// or wss://), empty to poll only")
	f.String("backend_api_url", d.BackendAPIURL, "Backend REST API base URL")
	f.String("backend_api_key", "", "Backend API key")
	f.Bool("polling_enabled", d.PollingEnabled, "Fall back to HTTP polling when the WebSocket is unavailable")
	f.Duration("polling_interval", d.PollingInterval, "Base interval between task polls")

	// Transport tuning
	f.Duration("heartbeat_interval", d.HeartbeatInterval, "Interval between heartbeats and status updates")
	f.Duration("reconnect_delay_min", d.ReconnectDelayMin, "Initial WebSocket reconnect delay")
	f.Duration("reconnect_delay_max", d.ReconnectDelayMax, "Maximum WebSocket reconnect delay")
	f.Int("failover_threshold", d.FailoverThreshold, "WebSocket failures before switching to polling")
	f.Duration("token_ttl", d.TokenTTL, "Lifetime of connection tokens")

	// Execution
	f.Duration("task_timeout", d.TaskTimeout, "Default per-task timeout")
	f.Int("max_retry_attempts", d.MaxRetryAttempts, "Attempts allowed for tasks the agent schedules itself")
	f.Duration("retry_delay", d.RetryDelay, "Base delay between retries, multiplied by the attempt number")

	// Paths
	f.String("data_dir", d.DataDir, "Directory for the persisted task queue")
	f.String("import_dir", d.ImportDir, "Directory scanned for marketplace order exports")

	// Logging / monitoring
	f.String("log_level", d.LogLevel, "Log level (trace, debug, info, warn, error)")
	f.String("log_file", d.LogFile, "Log file path, empty to log to the console only")
	f.String("sentry_dsn", "", "Sentry DSN for error reporting")
	f.Int("debug_port", 0, "Port for the metrics and health server, 0 to disable")

	// Sage 50
	f.String("sage_connector", d.SageConnector, "Sage 50 connector (none, memory)")
	f.String("sage_company_path", "", "Sage 50 company data path")
	f.Int("sage_workers", d.SageWorkers, "Concurrent Sage 50 calls")
	f.Float64("sage_calls_per_second", 0, "Sage 50 call rate limit, 0 for unlimited")

	// Scheduled syncs
	f.Bool("sync_enabled", d.SyncEnabled, "Run the daily marketplace syncs")
	f.String("morning_sync_time", d.MorningSyncTime, "Local time of the morning sync (HH:MM)")
	f.String("noon_sync_time", d.NoonSyncTime, "Local time of the noon sync (HH:MM)")
	f.Int("sync_days_back", d.SyncDaysBack, "Days of orders each sync imports")
}

// loadAgentConfig reads the config file named by --config and builds a
// Config from it, the environment and the flags. It does not validate.
func loadAgentConfig(cmd *cobra.Command) config.Config {
	name, _ := cmd.Flags().GetString("config")
	utils.LoadConfiguration(name, false)

	fl := NewFlagLoader(cmd)
	return config.Config{
		AgentID:     fl.String("agent_id"),
		AgentSecret: fl.String("agent_secret"),

		BackendWSURL:  fl.String("backend_url"),
		BackendAPIURL: fl.String("backend_api_url"),
		BackendAPIKey: fl.String("backend_api_key"),

		PollingEnabled:  fl.Bool("polling_enabled"),
		PollingInterval: fl.Duration("polling_interval"),

		HeartbeatInterval: fl.Duration("heartbeat_interval"),
		ReconnectDelayMin: fl.Duration("reconnect_delay_min"),
		ReconnectDelayMax: fl.Duration("reconnect_delay_max"),
		FailoverThreshold: fl.Int("failover_threshold"),
		TokenTTL:          fl.Duration("token_ttl"),

		TaskTimeout:      fl.Duration("task_timeout"),
		MaxRetryAttempts: fl.Int("max_retry_attempts"),
		RetryDelay:       fl.Duration("retry_delay"),

		DataDir:   utils.ResolvePath(fl.String("data_dir")),
		ImportDir: utils.ResolvePath(fl.String("import_dir")),

		LogLevel:  fl.String("log_level"),
		LogFile:   utils.ResolvePath(fl.String("log_file")),
		SentryDSN: fl.String("sentry_dsn"),
		DebugPort: fl.Int("debug_port"),

		SageConnector:      fl.String("sage_connector"),
		SageCompanyPath:    fl.String("sage_company_path"),
		SageWorkers:        fl.Int("sage_workers"),
		SageCallsPerSecond: fl.Float64("sage_calls_per_second"),

		SyncEnabled:     fl.Bool("sync_enabled"),
		MorningSyncTime: fl.String("morning_sync_time"),
		NoonSyncTime:    fl.String("noon_sync_time"),
		SyncDaysBack:    fl.Int("sync_days_back"),
	}
}
