// Copyright 2025 MNM Agent Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Print the most recent lines of the agent log file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadAgentConfig(cmd)
		n, _ := cmd.Flags().GetInt("lines")
		w := cmd.OutOrStdout()
		if cfg.LogFile == "" {
			yellow.Fprintln(w, "No log file configured")
			return nil
		}

		f, err := os.Open(cfg.LogFile)
		if os.IsNotExist(err) {
			yellow.Fprintf(w, "Log file not found: %s\n", cfg.LogFile)
			return nil
		}
		if err != nil {
			return err
		}
		defer f.Close()

		bold.Fprintf(w, "Recent logs from %s:\n\n", cfg.LogFile)
		return tailLog(w, f, n)
	},
}

func init() {
	logsCmd.Flags().IntP("lines", "n", 50, "Number of lines to show")
	rootCmd.AddCommand(logsCmd)
}

// tailLog prints the last n lines of r, coloured by log level.
func tailLog(w io.Writer, r io.Reader, n int) error {
	if n <= 0 {
		return nil
	}
	ring := make([]string, 0, n)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64<<10), 1<<20)
	for sc.Scan() {
		if len(ring) == n {
			ring = ring[1:]
		}
		ring = append(ring, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read log: %w", err)
	}

	for _, line := range ring {
		switch {
		case strings.Contains(line, `"level":"error"`), strings.Contains(line, `"level":"fatal"`):
			red.Fprintln(w, line)
		case strings.Contains(line, `"level":"warn"`):
			yellow.Fprintln(w, line)
		default:
			fmt.Fprintln(w, line)
		}
	}
	return nil
}
