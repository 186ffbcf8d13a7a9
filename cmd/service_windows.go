//go:build windows

// Copyright 2025 MNM Agent Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/windows/svc"
	"golang.org/x/sys/windows/svc/mgr"

	"github.com/mnmfasteners/mnm-agent/pkg/config"
	"github.com/mnmfasteners/mnm-agent/pkg/logger"
)

const serviceStopTimeout = 60 * time.Second

// agentService adapts serve to the service control manager.
type agentService struct {
	cfg config.Config
}

func (s *agentService) Execute(args []string, requests <-chan svc.ChangeRequest, changes chan<- svc.Status) (bool, uint32) {
	const accepted = svc.AcceptStop | svc.AcceptShutdown
	changes <- svc.Status{State: svc.StartPending}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- serve(ctx, s.cfg) }()

	changes <- svc.Status{State: svc.Running, Accepts: accepted}
	logger.Info().Str("service", serviceName).Msg("service: running")

	for {
		select {
		case err := <-done:
			if err != nil {
				logger.Error().Err(err).Msg("service: agent exited")
				return false, 1
			}
			return false, 0
		case req := <-requests:
			switch req.Cmd {
			case svc.Interrogate:
				changes <- req.CurrentStatus
			case svc.Stop, svc.Shutdown:
				logger.Info().Msg("service: stop requested")
				changes <- svc.Status{State: svc.StopPending}
				cancel()
				select {
				case err := <-done:
					if err != nil {
						logger.Error().Err(err).Msg("service: agent exited")
					}
				case <-time.After(serviceStopTimeout):
					logger.Warn().Msg("service: agent did not stop in time")
				}
				return false, 0
			default:
				logger.Warn().Uint32("cmd", uint32(req.Cmd)).Msg("service: unexpected control request")
			}
		}
	}
}

func runService(cfg config.Config) error {
	return svc.Run(serviceName, &agentService{cfg: cfg})
}

func withService(op string, fn func(s *mgr.Service) error) error {
	m, err := mgr.Connect()
	if err != nil {
		return describeServiceError(op, err)
	}
	defer m.Disconnect()

	s, err := m.OpenService(serviceName)
	if err != nil {
		return describeServiceError(op, err)
	}
	defer s.Close()
	if err := fn(s); err != nil {
		return describeServiceError(op, err)
	}
	return nil
}

func installService(args []string) error {
	exe, err := os.Executable()
	if err != nil {
		return describeServiceError("install", err)
	}
	m, err := mgr.Connect()
	if err != nil {
		return describeServiceError("install", err)
	}
	defer m.Disconnect()

	if s, err := m.OpenService(serviceName); err == nil {
		s.Close()
		return describeServiceError("install", fmt.Errorf("already exists"))
	}
	s, err := m.CreateService(serviceName, exe, mgr.Config{
		DisplayName: serviceDisplayName,
		Description: serviceDescription,
		StartType:   mgr.StartAutomatic,
	}, args...)
	if err != nil {
		return describeServiceError("install", err)
	}
	defer s.Close()

	err = s.SetRecoveryActions([]mgr.RecoveryAction{
		{Type: mgr.ServiceRestart, Delay: 10 * time.Second},
		{Type: mgr.ServiceRestart, Delay: 30 * time.Second},
		{Type: mgr.ServiceRestart, Delay: time.Minute},
	}, uint32((24 * time.Hour).Seconds()))
	if err != nil {
		logger.Warn().Err(err).Msg("service: recovery actions not set")
	}
	return nil
}

func removeService() error {
	return withService("uninstall", func(s *mgr.Service) error {
		return s.Delete()
	})
}

func startService() error {
	return withService("start", func(s *mgr.Service) error {
		return s.Start()
	})
}

func stopService() error {
	return withService("stop", func(s *mgr.Service) error {
		_, err := s.Control(svc.Stop)
		return err
	})
}

func serviceState() (string, error) {
	var state string
	err := withService("query", func(s *mgr.Service) error {
		st, err := s.Query()
		if err != nil {
			return err
		}
		state = stateName(st.State)
		return nil
	})
	return state, err
}

func stateName(s svc.State) string {
	switch s {
	case svc.Stopped:
		return "stopped"
	case svc.StartPending:
		return "starting"
	case svc.StopPending:
		return "stopping"
	case svc.Running:
		return "running"
	case svc.ContinuePending:
		return "resuming"
	case svc.PausePending:
		return "pausing"
	case svc.Paused:
		return "paused"
	default:
		return "unknown"
	}
}
