// Copyright 2025 MNM Agent Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mnmfasteners/mnm-agent/pkg/utils"
)

var rootCmd = &cobra.Command{
	Use:   "mnm-agent",
	Short: "MNM Agent - Sage 50 task agent",
	Long: `MNM Agent runs next to Sage 50 Accounts on a Windows host.
It receives tasks from the MNM backend over a WebSocket (falling back to
HTTP polling), executes them against Sage 50 and reports the results.`,
	SilenceUsage: true,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&utils.ConfigurationFileDirectory, "config_dir", ".", "Directory for configuration files")
	pf.String("config", "agent", "Configuration file name, without extension")

	registerAgentFlags(pf)
	viper.BindPFlags(pf)
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
