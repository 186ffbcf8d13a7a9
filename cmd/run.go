// Copyright 2025 MNM Agent Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/mnmfasteners/mnm-agent/pkg/agent"
	"github.com/mnmfasteners/mnm-agent/pkg/config"
	"github.com/mnmfasteners/mnm-agent/pkg/logger"
)

const sentryFlushTimeout = 2 * time.Second

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the agent in the foreground",
	Long: `Run the agent until interrupted. Tasks are received from the backend,
executed against Sage 50 and their results reported back.`,
	RunE: runAgent,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runAgent(cmd *cobra.Command, args []string) error {
	cfg := loadAgentConfig(cmd)
	closeLog, err := setupLogging(cfg, true)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return serve(ctx, cfg)
}

// serve builds the agent from cfg and runs it until ctx is done. It is shared
// by the foreground command and the Windows service.
func serve(ctx context.Context, cfg config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	flush := initSentry(cfg)
	defer flush()

	info := currentBuild()
	logger.Info().
		Str("version", info.Version).
		Str("git_commit", info.GitCommit).
		Str("platform", info.Platform).
		Msg("MNM Agent starting")

	a, err := agent.New(cfg, agent.Options{Version: Version})
	if err != nil {
		return err
	}
	if err := a.Run(ctx); err != nil {
		sentry.CaptureException(err)
		return err
	}
	return nil
}

// setupLogging applies the configured level and adds the log file as a JSON
// sink. The returned func closes the file.
func setupLogging(cfg config.Config, console bool) (func(), error) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	logger.SetLevel(level)

	if cfg.LogFile == "" {
		logger.SetOutput(true)
		return func() {}, nil
	}

	f, err := logger.OpenFile(cfg.LogFile)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	logger.SetOutput(console, f)
	return func() { f.Close() }, nil
}

// initSentry enables error reporting when a DSN is configured. The returned
// func flushes buffered events.
func initSentry(cfg config.Config) func() {
	if cfg.SentryDSN == "" {
		return func() {}
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.SentryDSN,
		Release:          "mnm-agent@" + Version,
		ServerName:       cfg.AgentID,
		SampleRate:       1.0,
		EnableTracing:    true,
		TracesSampleRate: 0.1,
	})
	if err != nil {
		logger.Warn().Err(err).Msg("sentry init failed")
		return func() {}
	}
	return func() { sentry.Flush(sentryFlushTimeout) }
}
