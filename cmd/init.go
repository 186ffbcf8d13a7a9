// Copyright 2025 MNM Agent Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mnmfasteners/mnm-agent/pkg/config"
	"github.com/mnmfasteners/mnm-agent/pkg/utils"
)

const defaultConfigPath = "agent.yaml"

var initCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a configuration file with the default settings",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := defaultConfigPath
		if len(args) == 1 {
			path = args[0]
		}
		force, _ := cmd.Flags().GetBool("force")
		path = utils.ResolvePath(path)
		if err := writeConfigTemplate(path, config.Default(), force); err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		green.Fprintf(w, "✓ Configuration file created: %s\n", path)
		fmt.Fprintln(w, "\nEdit this file with your settings, then run:")
		fmt.Fprintf(w, "  mnm-agent --config %s run\n", path)
		return nil
	},
}

func init() {
	initCmd.Flags().Bool("force", false, "Overwrite an existing file")
	rootCmd.AddCommand(initCmd)
}

// writeConfigTemplate renders cfg to path. An existing file is kept unless
// force is set.
func writeConfigTemplate(path string, cfg config.Config, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists, use --force to overwrite", path)
		} else if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}

	data, err := renderConfigTemplate(cfg)
	if err != nil {
		return err
	}
	return utils.WriteFileAtomic(path, data, 0o600)
}

type templateEntry struct {
	section string
	key     string
	value   any
}

// renderConfigTemplate emits cfg as commented YAML. Durations are written
// in Go duration syntax ("30s").
func renderConfigTemplate(cfg config.Config) ([]byte, error) {
	entries := []templateEntry{
		{"Agent identity", "agent_id", cfg.AgentID},
		{"", "agent_secret", "change-me"},

		{"Backend", "backend_url", cfg.BackendWSURL},
		{"", "backend_api_url", cfg.BackendAPIURL},
		{"", "backend_api_key", "your-api-key"},

		{"Polling fallback", "polling_enabled", cfg.PollingEnabled},
		{"", "polling_interval", cfg.PollingInterval.String()},

		{"Transport tuning", "heartbeat_interval", cfg.HeartbeatInterval.String()},
		{"", "reconnect_delay_min", cfg.ReconnectDelayMin.String()},
		{"", "reconnect_delay_max", cfg.ReconnectDelayMax.String()},
		{"", "failover_threshold", cfg.FailoverThreshold},

		{"Task execution", "task_timeout", cfg.TaskTimeout.String()},
		{"", "max_retry_attempts", cfg.MaxRetryAttempts},
		{"", "retry_delay", cfg.RetryDelay.String()},

		{"Paths", "data_dir", cfg.DataDir},
		{"", "import_dir", cfg.ImportDir},

		{"Logging", "log_level", cfg.LogLevel},
		{"", "log_file", cfg.LogFile},
		{"", "sentry_dsn", cfg.SentryDSN},

		{"Sage 50", "sage_connector", cfg.SageConnector},
		{"", "sage_company_path", cfg.SageCompanyPath},

		{"Scheduled marketplace syncs", "sync_enabled", cfg.SyncEnabled},
		{"", "morning_sync_time", cfg.MorningSyncTime},
		{"", "noon_sync_time", cfg.NoonSyncTime},
		{"", "sync_days_back", cfg.SyncDaysBack},
	}

	root := &yaml.Node{Kind: yaml.MappingNode}
	for _, e := range entries {
		key := &yaml.Node{Kind: yaml.ScalarNode, Value: e.key}
		if e.section != "" {
			key.HeadComment = e.section
		}
		value := &yaml.Node{}
		if err := value.Encode(e.value); err != nil {
			return nil, fmt.Errorf("encode %s: %w", e.key, err)
		}
		root.Content = append(root.Content, key, value)
	}

	doc := &yaml.Node{
		Kind:        yaml.DocumentNode,
		HeadComment: "MNM Agent configuration",
		Content:     []*yaml.Node{root},
	}
	return yaml.Marshal(doc)
}
