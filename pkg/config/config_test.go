// Copyright 2025 MNM Agent Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig(t *testing.T) Config {
	t.Helper()
	cfg := Default()
	cfg.AgentSecret = "secret"
	cfg.BackendAPIKey = "key"
	cfg.DataDir = t.TempDir()
	return cfg
}

func TestValidate_Defaults(t *testing.T) {
	t.Parallel()

	cfg := validConfig(t)
	require.NoError(t, cfg.Validate())
}

func TestValidate_MissingCredentials(t *testing.T) {
	t.Parallel()

	cfg := Default()
	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.Contains(t, err.Error(), "agent_secret is required")
	assert.Contains(t, err.Error(), "backend_api_key is required")
}

func TestValidate_NoTransport(t *testing.T) {
	t.Parallel()

	cfg := validConfig(t)
	cfg.BackendWSURL = ""
	cfg.PollingEnabled = false

	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.Contains(t, err.Error(), "no communication method configured")
}

func TestValidate_PollingOnlyIsFine(t *testing.T) {
	t.Parallel()

	cfg := validConfig(t)
	cfg.BackendWSURL = ""
	assert.NoError(t, cfg.Validate())
}

func TestValidate_Table(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"zero poll interval", func(c *Config) { c.PollingInterval = 0 }, "polling_interval"},
		{"zero heartbeat", func(c *Config) { c.HeartbeatInterval = 0 }, "heartbeat_interval"},
		{"zero timeout", func(c *Config) { c.TaskTimeout = 0 }, "task_timeout"},
		{"no retries", func(c *Config) { c.MaxRetryAttempts = 0 }, "max_retry_attempts"},
		{"reconnect inverted", func(c *Config) { c.ReconnectDelayMax = time.Millisecond }, "reconnect delays"},
		{"bad connector", func(c *Config) { c.SageConnector = "com" }, "unknown sage_connector"},
		{"bad sync time", func(c *Config) { c.MorningSyncTime = "8am" }, "morning_sync_time"},
		{"no workers", func(c *Config) { c.SageWorkers = 0 }, "sage_workers"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidate_SyncDisabledSkipsClock(t *testing.T) {
	t.Parallel()

	cfg := validConfig(t)
	cfg.SyncEnabled = false
	cfg.NoonSyncTime = "noon"
	assert.NoError(t, cfg.Validate())
}

func TestParseClock(t *testing.T) {
	t.Parallel()

	h, m, err := ParseClock("08:30")
	require.NoError(t, err)
	assert.Equal(t, 8, h)
	assert.Equal(t, 30, m)

	_, _, err = ParseClock("25:00")
	assert.Error(t, err)
}

func TestQueueFileAndDirectories(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	cfg := Default()
	cfg.DataDir = filepath.Join(base, "data")
	cfg.ImportDir = filepath.Join(base, "imports")
	cfg.LogFile = filepath.Join(base, "logs", "agent.log")

	require.NoError(t, cfg.EnsureDirectories())
	assert.DirExists(t, cfg.DataDir)
	assert.DirExists(t, cfg.ImportDir)
	assert.DirExists(t, filepath.Join(base, "logs"))
	assert.Equal(t, filepath.Join(base, "data", QueueFileName), cfg.QueueFile())
}
