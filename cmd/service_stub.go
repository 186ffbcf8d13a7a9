//go:build !windows

// Copyright 2025 MNM Agent Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import "github.com/mnmfasteners/mnm-agent/pkg/config"

func runService(config.Config) error { return errServiceUnsupported }

func installService([]string) error { return errServiceUnsupported }

func removeService() error { return errServiceUnsupported }

func startService() error { return errServiceUnsupported }

func stopService() error { return errServiceUnsupported }

func serviceState() (string, error) { return "", errServiceUnsupported }
