// Copyright 2025 MNM Agent Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mnmfasteners/mnm-agent/pkg/utils"
)

const (
	serviceName        = "MNMAgent"
	serviceDisplayName = "MNM Agent"
	serviceDescription = "Executes MNM backend tasks against Sage 50 Accounts"
)

var errServiceUnsupported = errors.New("windows service is only available on Windows")

var (
	installCmd = &cobra.Command{
		Use:   "install",
		Short: "Install the agent as a Windows service",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("config")
			serviceArgs := []string{
				"--config_dir", utils.ResolvePath(utils.ConfigurationFileDirectory),
				"--config", name,
				"service",
			}
			return reportService(cmd, "installed", installService(serviceArgs))
		},
	}
	uninstallCmd = &cobra.Command{
		Use:   "uninstall",
		Short: "Remove the Windows service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return reportService(cmd, "uninstalled", removeService())
		},
	}
	startCmd = &cobra.Command{
		Use:   "start",
		Short: "Start the Windows service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return reportService(cmd, "started", startService())
		},
	}
	stopCmd = &cobra.Command{
		Use:   "stop",
		Short: "Stop the Windows service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return reportService(cmd, "stopped", stopService())
		},
	}
	// serviceCmd is the entry point the service control manager runs.
	serviceCmd = &cobra.Command{
		Use:    "service",
		Short:  "Run under the Windows service control manager",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadAgentConfig(cmd)
			closeLog, err := setupLogging(cfg, false)
			if err != nil {
				return err
			}
			defer closeLog()
			return runService(cfg)
		},
	}
)

func init() {
	rootCmd.AddCommand(installCmd, uninstallCmd, startCmd, stopCmd, serviceCmd)
}

func reportService(cmd *cobra.Command, action string, err error) error {
	w := cmd.OutOrStdout()
	if err != nil {
		red.Fprintf(w, "✗ Service not %s: %v\n", action, err)
		return err
	}
	green.Fprintf(w, "✓ Service %s\n", action)
	return nil
}

func describeServiceError(op string, err error) error {
	return fmt.Errorf("%s service %s: %w", op, serviceName, err)
}
