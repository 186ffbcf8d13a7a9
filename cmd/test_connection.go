// Copyright 2025 MNM Agent Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"context"
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/mnmfasteners/mnm-agent/pkg/agent"
	"github.com/mnmfasteners/mnm-agent/pkg/config"
	"github.com/mnmfasteners/mnm-agent/pkg/connector"
	"github.com/mnmfasteners/mnm-agent/pkg/transport"
)

const connectionTestTimeout = 30 * time.Second

var testBackendCmd = &cobra.Command{
	Use:   "test-backend",
	Short: "Check that the backend API accepts the agent's credentials",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadAgentConfig(cmd)
		ctx, cancel := context.WithTimeout(cmd.Context(), connectionTestTimeout)
		defer cancel()
		return checkBackend(ctx, cmd.OutOrStdout(), cfg)
	},
}

var testSageCmd = &cobra.Command{
	Use:   "test-sage",
	Short: "Open a Sage 50 session and run a health check",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadAgentConfig(cmd)
		verbose, _ := cmd.Flags().GetBool("verbose")
		return checkSage(cmd.OutOrStdout(), agent.NewConnector(cfg), verbose)
	},
}

func init() {
	testSageCmd.Flags().BoolP("verbose", "v", false, "Print every health check field")
	rootCmd.AddCommand(testBackendCmd, testSageCmd)
}

func checkBackend(ctx context.Context, w io.Writer, cfg config.Config) error {
	bold.Fprintln(w, "Testing backend connection...")
	if cfg.BackendAPIURL == "" {
		red.Fprintln(w, "✗ backend_api_url is not set")
		return fmt.Errorf("backend_api_url is not set")
	}
	fmt.Fprintf(w, "API URL: %s\n", cfg.BackendAPIURL)

	pc, err := transport.NewPollingClient(transport.PollingConfig{
		BaseURL:     cfg.BackendAPIURL,
		APIKey:      cfg.BackendAPIKey,
		AgentID:     cfg.AgentID,
		AgentSecret: cfg.AgentSecret,
		Version:     Version,
	}, nil)
	if err != nil {
		red.Fprintf(w, "✗ %v\n", err)
		return err
	}
	defer pc.Close()

	if err := pc.Ping(ctx); err != nil {
		red.Fprintf(w, "✗ Backend connection failed: %v\n", err)
		return err
	}
	green.Fprintln(w, "✓ Backend connection successful")
	return nil
}

// checkSage connects, runs a health check and releases the session again
// unless it was already open.
func checkSage(w io.Writer, conn connector.Connector, verbose bool) error {
	bold.Fprintln(w, "Testing Sage 50 connection...")

	alreadyOpen, err := conn.Connect()
	if err != nil {
		red.Fprintf(w, "✗ Connection failed: %v\n", err)
		return err
	}
	if !alreadyOpen {
		defer conn.Release()
	}

	health, err := conn.HealthCheck()
	if err != nil {
		red.Fprintf(w, "✗ Health check failed: %v\n", err)
		return err
	}
	green.Fprintln(w, "✓ Connection successful")

	st := conn.Status()
	fmt.Fprintf(w, "Company: %s\n", orNone(st.Company))
	fmt.Fprintf(w, "Version: %s\n", orNone(st.Version))
	if alreadyOpen {
		fmt.Fprintln(w, "Session: already open, left running")
	}

	if verbose {
		keys := make([]string, 0, len(health))
		for k := range health {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for _, k := range keys {
			fmt.Fprintf(w, "  %-10s %v\n", k, health[k])
		}
	}
	return nil
}
