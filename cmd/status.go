// Copyright 2025 MNM Agent Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/mnmfasteners/mnm-agent/pkg/config"
	"github.com/mnmfasteners/mnm-agent/pkg/taskqueue"
	"github.com/mnmfasteners/mnm-agent/pkg/utils"
)

var (
	bold   = color.New(color.Bold)
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed)
	faint  = color.New(color.Faint)
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration, queued tasks and service state",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadAgentConfig(cmd)
		state, _ := serviceState()
		return writeStatus(cmd.OutOrStdout(), cfg, state)
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

// writeStatus prints the offline view of the agent. svcState is empty when
// the Windows service is not available.
func writeStatus(w io.Writer, cfg config.Config, svcState string) error {
	bold.Fprintf(w, "MNM Agent %s\n\n", Version)

	switch svcState {
	case "":
		fmt.Fprintf(w, "Windows Service:  %s\n", faint.Sprint("not available"))
	case "running":
		fmt.Fprintf(w, "Windows Service:  %s\n", green.Sprint(svcState))
	default:
		fmt.Fprintf(w, "Windows Service:  %s\n", yellow.Sprint(svcState))
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(w, "Configuration:    %s\n", red.Sprint("invalid"))
		msg := strings.TrimPrefix(err.Error(), config.ErrInvalidConfig.Error()+": ")
		for _, line := range strings.Split(msg, "\n") {
			fmt.Fprintf(w, "  - %s\n", line)
		}
	} else {
		fmt.Fprintf(w, "Configuration:    %s\n", green.Sprint("ok"))
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "Agent ID:         %s\n", cfg.AgentID)
	fmt.Fprintf(w, "WebSocket URL:    %s\n", orNone(cfg.BackendWSURL))
	fmt.Fprintf(w, "API URL:          %s\n", orNone(cfg.BackendAPIURL))
	if cfg.PollingEnabled {
		fmt.Fprintf(w, "Polling:          enabled, every %s\n", cfg.PollingInterval)
	} else {
		fmt.Fprintf(w, "Polling:          disabled\n")
	}
	fmt.Fprintf(w, "Sage connector:   %s\n", cfg.SageConnector)
	if cfg.SyncEnabled {
		fmt.Fprintf(w, "Scheduled syncs:  %s and %s\n", cfg.MorningSyncTime, cfg.NoonSyncTime)
	} else {
		fmt.Fprintf(w, "Scheduled syncs:  disabled\n")
	}
	fmt.Fprintf(w, "Data directory:   %s\n", cfg.DataDir)
	fmt.Fprintf(w, "Log file:         %s\n", orNone(cfg.LogFile))

	if usage, err := utils.DiskFree(cfg.DataDir); err == nil {
		fmt.Fprintf(w, "Disk:             %s\n", usage)
	}

	fmt.Fprintln(w)
	tasks, err := taskqueue.ReadSnapshot(cfg.QueueFile())
	if err != nil {
		fmt.Fprintf(w, "Queued tasks:     %s\n", red.Sprint(err))
		return nil
	}
	writeQueue(w, tasks)
	return nil
}

func writeQueue(w io.Writer, tasks []*taskqueue.Task) {
	if len(tasks) == 0 {
		fmt.Fprintf(w, "Queued tasks:     none\n")
		return
	}
	fmt.Fprintf(w, "Queued tasks:     %d\n", len(tasks))

	byPriority := make(map[taskqueue.TaskPriority]int)
	oldest := tasks[0]
	for _, t := range tasks {
		byPriority[t.Priority]++
		if t.CreatedAt.Before(oldest.CreatedAt) {
			oldest = t
		}
	}
	priorities := make([]taskqueue.TaskPriority, 0, len(byPriority))
	for p := range byPriority {
		priorities = append(priorities, p)
	}
	slices.SortFunc(priorities, func(a, b taskqueue.TaskPriority) int {
		return a.Rank() - b.Rank()
	})
	for _, p := range priorities {
		fmt.Fprintf(w, "  %-8s %d\n", p, byPriority[p])
	}
	fmt.Fprintf(w, "Oldest:           %s (%s, queued %s)\n",
		oldest.ID, oldest.Type, humanize.Time(oldest.CreatedAt))
}

func orNone(s string) string {
	if s == "" {
		return faint.Sprint("none")
	}
	return s
}
