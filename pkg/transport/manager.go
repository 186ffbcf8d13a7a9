// Copyright 2025 MNM Agent Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/mnmfasteners/mnm-agent/pkg/config"
	"github.com/mnmfasteners/mnm-agent/pkg/logger"
	"github.com/mnmfasteners/mnm-agent/pkg/taskqueue"
)

// Connection types reported in AgentStatus.
const (
	ConnectionNone      = "none"
	ConnectionWebSocket = "websocket"
	ConnectionPolling   = "polling"
)

const inboundBuffer = 64

var (
	ErrNoTransport       = errors.New("transport: no communication method configured")
	ErrNoActiveTransport = errors.New("transport: no active transport")
	ErrAlreadyStarted    = errors.New("transport: manager already started")
)

// ManagerOptions carries what the agent knows about itself, plus test
// overrides.
type ManagerOptions struct {
	Version        string
	Capabilities   []string
	SageConfigured bool

	HTTPClient *http.Client
	Dialer     *websocket.Dialer
}

// ManagerStats is a point-in-time view of the transports.
type ManagerStats struct {
	ConnectionType    string    `json:"connection_type"`
	Connected         bool      `json:"connected"`
	FailedOver        bool      `json:"failed_over"`
	WebSocketFailures int       `json:"websocket_failures"`
	WebSocketState    string    `json:"websocket_state,omitempty"`
	PendingMessages   int       `json:"pending_messages"`
	PollingErrors     int       `json:"polling_errors"`
	ConnectedAt       time.Time `json:"connected_at,omitzero"`
	LastHeartbeat     time.Time `json:"last_heartbeat,omitzero"`
}

// Manager owns the WebSocket and polling clients. It prefers the WebSocket
// and fails over to polling, permanently, once the WebSocket has failed
// FailoverThreshold times.
type Manager struct {
	cfg  config.Config
	opts ManagerOptions

	tasks   chan *taskqueue.Task
	cancels chan string
	events  chan Event

	mu       sync.RWMutex
	ws       *WebSocketClient
	polling  *PollingClient
	connType string
	failures int
	stop     context.CancelFunc
	done     chan struct{}
}

func NewManager(cfg config.Config, opts ManagerOptions) *Manager {
	if cfg.FailoverThreshold < 1 {
		cfg.FailoverThreshold = config.DefaultFailoverThreshold
	}
	return &Manager{
		cfg:      cfg,
		opts:     opts,
		tasks:    make(chan *taskqueue.Task, inboundBuffer),
		cancels:  make(chan string, inboundBuffer),
		events:   make(chan Event, 16),
		connType: ConnectionNone,
	}
}

// Tasks delivers tasks from whichever transport is active.
func (m *Manager) Tasks() <-chan *taskqueue.Task { return m.tasks }

// Cancels delivers task IDs the backend asked to cancel.
func (m *Manager) Cancels() <-chan string { return m.cancels }

// Start brings up the configured transport and blocks until ctx is done or
// Stop is called. Only configuration problems are returned.
func (m *Manager) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	m.mu.Lock()
	if m.done != nil {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	m.stop = cancel
	m.done = make(chan struct{})
	done := m.done
	m.mu.Unlock()
	defer close(done)

	g, gctx := errgroup.WithContext(ctx)

	switch {
	case m.cfg.HasWebSocket():
		ws, err := NewWebSocketClient(m.webSocketConfig(), m.tasks, m.cancels, m.events)
		if err != nil {
			if !m.cfg.PollingEnabled {
				return fmt.Errorf("start websocket: %w", err)
			}
			logger.Warn().Err(err).Msg("transport: websocket unavailable, using polling")
			if err := m.startPolling(gctx, g); err != nil {
				return err
			}
			break
		}
		m.mu.Lock()
		m.ws = ws
		m.connType = ConnectionWebSocket
		m.mu.Unlock()

		g.Go(func() error { return ws.Run(gctx) })
		g.Go(func() error {
			m.watch(gctx, g)
			return nil
		})

	case m.cfg.PollingEnabled:
		if err := m.startPolling(gctx, g); err != nil {
			return err
		}

	default:
		return ErrNoTransport
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrClientClosed) {
		err = nil
	}
	logger.Info().Msg("transport: manager stopped")
	return err
}

// Stop cancels Start and waits for it to return.
func (m *Manager) Stop() {
	m.mu.RLock()
	stop, done := m.stop, m.done
	m.mu.RUnlock()
	if stop == nil {
		return
	}
	stop()
	<-done
}

func (m *Manager) startPolling(ctx context.Context, g *errgroup.Group) error {
	pc, err := NewPollingClient(m.pollingConfig(), m.tasks)
	if err != nil {
		return fmt.Errorf("start polling: %w", err)
	}
	m.mu.Lock()
	m.polling = pc
	m.connType = ConnectionPolling
	m.mu.Unlock()

	g.Go(func() error {
		defer pc.Close()
		return pc.Run(ctx)
	})
	return nil
}

// watch counts WebSocket failures and starts polling at the threshold.
// The WebSocket client keeps reconnecting in the background.
func (m *Manager) watch(ctx context.Context, g *errgroup.Group) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-m.events:
			switch ev.Type {
			case EventConnected:
				logger.Info().Msg("transport: websocket up")
			case EventDisconnected, EventConnectFailed:
				m.mu.Lock()
				m.failures++
				failures := m.failures
				failover := failures >= m.cfg.FailoverThreshold && m.polling == nil && m.cfg.PollingEnabled
				m.mu.Unlock()

				logger.Warn().
					Err(ev.Err).
					Str("event", ev.Type.String()).
					Int("failures", failures).
					Msg("transport: websocket failure")
				if !failover {
					continue
				}
				logger.Warn().Int("threshold", m.cfg.FailoverThreshold).Msg("transport: failing over to polling")
				Failovers.Inc()
				if err := m.startPolling(ctx, g); err != nil {
					logger.Error().Err(err).Msg("transport: failover to polling failed")
				}
			}
		}
	}
}

// active returns whichever client should carry outbound traffic.
func (m *Manager) active() (*WebSocketClient, *PollingClient) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.connType == ConnectionPolling {
		return nil, m.polling
	}
	return m.ws, nil
}

// SendTaskResult delivers result over the active transport.
func (m *Manager) SendTaskResult(ctx context.Context, result *taskqueue.TaskResult) error {
	ws, pc := m.active()
	switch {
	case pc != nil:
		if !pc.SubmitResult(ctx, result) {
			return fmt.Errorf("transport: result for task %s not accepted", result.TaskID)
		}
		return nil
	case ws != nil:
		return ws.SendTaskResult(result)
	default:
		logger.Warn().Str("task_id", result.TaskID).Msg("transport: no transport, dropping result")
		return ErrNoActiveTransport
	}
}

// SendStatusUpdate stamps the connection type on status and delivers it.
func (m *Manager) SendStatusUpdate(ctx context.Context, status *AgentStatus) error {
	status.ConnectionType = m.ConnectionType()
	ws, pc := m.active()
	switch {
	case pc != nil:
		if !pc.SendHeartbeat(ctx, status) {
			return errors.New("transport: heartbeat not accepted")
		}
		return nil
	case ws != nil:
		return ws.SendStatusUpdate(status)
	default:
		return ErrNoActiveTransport
	}
}

// ConnectionType returns "websocket", "polling" or "none".
func (m *Manager) ConnectionType() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connType
}

// IsConnected reports whether the active transport can carry traffic.
// Polling counts as connected while its loop runs.
func (m *Manager) IsConnected() bool {
	ws, pc := m.active()
	switch {
	case pc != nil:
		return pc.Running()
	case ws != nil:
		return ws.IsConnected()
	default:
		return false
	}
}

func (m *Manager) Stats() ManagerStats {
	m.mu.RLock()
	stats := ManagerStats{
		ConnectionType:    m.connType,
		FailedOver:        m.ws != nil && m.polling != nil,
		WebSocketFailures: m.failures,
	}
	ws, pc := m.ws, m.polling
	m.mu.RUnlock()

	if ws != nil {
		stats.WebSocketState = ws.State().String()
		stats.PendingMessages = ws.PendingCount()
		stats.ConnectedAt = ws.ConnectedAt()
		stats.LastHeartbeat = ws.LastHeartbeat()
	}
	if pc != nil {
		stats.PollingErrors = pc.ConsecutiveErrors()
	}
	stats.Connected = m.IsConnected()
	return stats
}

func (m *Manager) webSocketConfig() WebSocketConfig {
	return WebSocketConfig{
		URL:               m.cfg.BackendWSURL,
		AgentID:           m.cfg.AgentID,
		AgentSecret:       m.cfg.AgentSecret,
		Version:           m.opts.Version,
		Capabilities:      m.opts.Capabilities,
		SageConfigured:    m.opts.SageConfigured,
		HeartbeatInterval: m.cfg.HeartbeatInterval,
		ReconnectMin:      m.cfg.ReconnectDelayMin,
		ReconnectMax:      m.cfg.ReconnectDelayMax,
		TokenTTL:          m.cfg.TokenTTL,
		TaskTimeout:       m.cfg.TaskTimeout,
		Dialer:            m.opts.Dialer,
	}
}

func (m *Manager) pollingConfig() PollingConfig {
	return PollingConfig{
		BaseURL:      m.cfg.BackendAPIURL,
		APIKey:       m.cfg.BackendAPIKey,
		AgentID:      m.cfg.AgentID,
		AgentSecret:  m.cfg.AgentSecret,
		Version:      m.opts.Version,
		Capabilities: m.opts.Capabilities,
		Interval:     m.cfg.PollingInterval,
		TaskTimeout:  m.cfg.TaskTimeout,
		HTTPClient:   m.opts.HTTPClient,
	}
}
