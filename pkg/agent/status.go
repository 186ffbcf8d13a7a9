// Copyright 2025 MNM Agent Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"math"
	"time"

	"github.com/mnmfasteners/mnm-agent/pkg/logger"
	"github.com/mnmfasteners/mnm-agent/pkg/platformsync"
	"github.com/mnmfasteners/mnm-agent/pkg/transport"
	"github.com/mnmfasteners/mnm-agent/pkg/utils"
)

// Agent status values.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Status builds the report sent to the backend on every heartbeat.
func (a *Agent) Status() transport.AgentStatus {
	st := transport.AgentStatus{
		AgentID:        a.cfg.AgentID,
		Version:        a.version,
		Status:         StatusOffline,
		ConnectionType: a.manager.ConnectionType(),
		CurrentTask:    a.executor.CurrentTaskID(),
		TasksPending:   a.queue.PendingCount(),
	}
	if a.running.Load() {
		st.Status = StatusOnline
	}
	st.TasksCompleted, st.TasksFailed = a.executor.Counts()

	a.mu.RLock()
	startedAt := a.startedAt
	a.mu.RUnlock()

	stats := a.manager.Stats()
	switch {
	case !stats.ConnectedAt.IsZero():
		st.ConnectedAt = timePtr(stats.ConnectedAt)
	case !startedAt.IsZero():
		st.ConnectedAt = timePtr(startedAt)
	}
	st.LastHeartbeat = timePtr(time.Now().UTC())

	sage := a.pool.Connector().Status()
	st.SageConnected = sage.Connected
	st.SageCompany = sage.Company
	st.SageVersion = sage.Version

	if a.sync != nil {
		st.LastAmazonSync = lastSync(a.sync, platformsync.PlatformAmazon)
		st.LastEbaySync = lastSync(a.sync, platformsync.PlatformEbay)
		st.LastShopifySync = lastSync(a.sync, platformsync.PlatformShopify)
	}

	if usage, err := utils.DiskFree(a.cfg.DataDir); err != nil {
		logger.Debug().Err(err).Str("path", a.cfg.DataDir).Msg("agent: disk usage unavailable")
	} else {
		gb := math.Round(usage.FreeGB()*100) / 100
		st.DiskFreeGB = &gb
	}
	return st
}

func lastSync(s *platformsync.Service, platform string) *time.Time {
	t := s.LastSync(platform)
	if t.IsZero() {
		return nil
	}
	return &t
}

func timePtr(t time.Time) *time.Time {
	return &t
}
