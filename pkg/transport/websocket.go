// Copyright 2025 MNM Agent Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/mnmfasteners/mnm-agent/pkg/logger"
	"github.com/mnmfasteners/mnm-agent/pkg/taskqueue"
	"github.com/mnmfasteners/mnm-agent/pkg/utils"
)

const (
	maxMessageSize          = 10 << 20
	writeWait               = 10 * time.Second
	defaultHandshakeTimeout = 30 * time.Second
	maxPendingMessages      = 1000
	reconnectJitter         = 0.1
)

var ErrClientClosed = errors.New("transport: client closed")

// State is the WebSocket connection state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// EventType identifies a connection lifecycle event.
type EventType int

const (
	EventConnected EventType = iota + 1
	EventDisconnected
	EventConnectFailed
)

func (e EventType) String() string {
	switch e {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventConnectFailed:
		return "connect_failed"
	default:
		return "unknown"
	}
}

// Event reports a change in the WebSocket connection.
type Event struct {
	Type EventType
	Err  error
	At   time.Time
}

// WebSocketConfig configures a WebSocketClient.
type WebSocketConfig struct {
	URL         string
	AgentID     string
	AgentSecret string

	// Sent in the register message.
	Version        string
	Capabilities   []string
	SageConfigured bool

	HeartbeatInterval time.Duration
	ReconnectMin      time.Duration
	ReconnectMax      time.Duration
	TokenTTL          time.Duration
	HandshakeTimeout  time.Duration
	// TaskTimeout is applied to inbound tasks that carry no timeout.
	TaskTimeout time.Duration

	// Dialer overrides the default dialer (tests, proxies).
	Dialer *websocket.Dialer
}

// WebSocketClient keeps a persistent, authenticated connection to the
// backend. Messages sent while disconnected are buffered and flushed, in
// order, after the next successful connect.
type WebSocketClient struct {
	cfg     WebSocketConfig
	dialer  *websocket.Dialer
	tasks   chan<- *taskqueue.Task
	cancels chan<- string
	events  chan<- Event

	// writeMu serialises writes and the post-connect flush. Acquire it
	// before mu.
	writeMu sync.Mutex

	mu            sync.Mutex
	state         State
	conn          *websocket.Conn
	pending       []*Envelope
	delay         time.Duration
	connectedAt   time.Time
	lastHeartbeat time.Time
	lastMessage   time.Time
	stop          context.CancelFunc
	closed        bool
}

// NewWebSocketClient validates cfg and creates a client. Inbound tasks go to
// tasks, cancel requests to cancels and lifecycle events to events; any of
// them may be nil.
func NewWebSocketClient(cfg WebSocketConfig, tasks chan<- *taskqueue.Task, cancels chan<- string, events chan<- Event) (*WebSocketClient, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse websocket url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("websocket url %q: scheme must be ws or wss", cfg.URL)
	}
	if cfg.AgentSecret == "" {
		return nil, errors.New("websocket: agent secret is required to sign the auth token")
	}

	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 60 * time.Second
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = time.Second
	}
	if cfg.ReconnectMax < cfg.ReconnectMin {
		cfg.ReconnectMax = 60 * time.Second
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = time.Hour
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.Capabilities == nil {
		cfg.Capabilities = DefaultCapabilities
	}

	dialer := &websocket.Dialer{Proxy: http.ProxyFromEnvironment}
	if cfg.Dialer != nil {
		d := *cfg.Dialer
		dialer = &d
	}
	if dialer.HandshakeTimeout == 0 {
		dialer.HandshakeTimeout = cfg.HandshakeTimeout
	}

	return &WebSocketClient{
		cfg:     cfg,
		dialer:  dialer,
		tasks:   tasks,
		cancels: cancels,
		events:  events,
		delay:   cfg.ReconnectMin,
	}, nil
}

// Run connects and keeps the connection alive until ctx is done or
// Disconnect is called. A failed first connect enters the reconnect loop.
func (c *WebSocketClient) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	c.stop = cancel
	c.mu.Unlock()

	logger.Info().Str("url", c.cfg.URL).Msg("transport: connecting websocket")
	if err := c.connect(ctx); err != nil && ctx.Err() == nil {
		c.connectFailed(ctx, err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		c.receiveLoop(ctx)
		return nil
	})
	g.Go(func() error {
		c.heartbeatLoop(ctx)
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		c.closeConn()
		return nil
	})
	err := g.Wait()
	c.setState(StateDisconnected)

	logger.Info().Msg("transport: websocket client stopped")
	return err
}

// Disconnect stops Run and closes the socket. The client cannot be
// restarted.
func (c *WebSocketClient) Disconnect() {
	c.mu.Lock()
	c.closed = true
	stop := c.stop
	c.mu.Unlock()
	if stop != nil {
		stop()
	}
	c.closeConn()
}

// SendTaskResult sends, or buffers, a task result.
func (c *WebSocketClient) SendTaskResult(result *taskqueue.TaskResult) error {
	return c.sendPayload(MessageTaskResult, result)
}

// SendStatusUpdate sends, or buffers, a status report.
func (c *WebSocketClient) SendStatusUpdate(status *AgentStatus) error {
	return c.sendPayload(MessageStatusUpdate, status)
}

func (c *WebSocketClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateConnected && c.conn != nil
}

func (c *WebSocketClient) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// PendingCount returns the number of buffered outbound messages.
func (c *WebSocketClient) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// ConnectedAt returns when the current connection was established.
func (c *WebSocketClient) ConnectedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectedAt
}

// LastHeartbeat returns when the last heartbeat was sent.
func (c *WebSocketClient) LastHeartbeat() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastHeartbeat
}

// LastMessage returns when the last frame was received.
func (c *WebSocketClient) LastMessage() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastMessage
}

func (c *WebSocketClient) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *WebSocketClient) dialURL(token string) string {
	u, _ := url.Parse(c.cfg.URL) // validated in NewWebSocketClient
	q := u.Query()
	q.Set("token", token)
	q.Set("agent_id", c.cfg.AgentID)
	u.RawQuery = q.Encode()
	return u.String()
}

// connect dials, registers and flushes buffered messages.
func (c *WebSocketClient) connect(ctx context.Context) error {
	c.setState(StateConnecting)

	token, err := NewToken(c.cfg.AgentID, c.cfg.AgentSecret, c.cfg.TokenTTL, time.Now())
	if err != nil {
		return err
	}
	conn, resp, err := c.dialer.DialContext(ctx, c.dialURL(token), nil)
	if err != nil {
		ConnectAttempts.WithLabelValues("failure").Inc()
		if resp != nil {
			return fmt.Errorf("websocket handshake rejected with status %d: %w", resp.StatusCode, err)
		}
		return err
	}
	conn.SetReadLimit(maxMessageSize)

	register, err := NewEnvelope(MessageRegister, c.cfg.AgentID, RegisterPayload{
		AgentID:        c.cfg.AgentID,
		Version:        c.cfg.Version,
		Capabilities:   c.cfg.Capabilities,
		SageConfigured: c.cfg.SageConfigured,
	})
	if err != nil {
		conn.Close()
		return err
	}

	c.writeMu.Lock()
	c.mu.Lock()
	if ctx.Err() != nil {
		c.mu.Unlock()
		c.writeMu.Unlock()
		conn.Close()
		return ctx.Err()
	}
	c.conn = conn
	c.state = StateConnected
	c.delay = c.cfg.ReconnectMin
	c.connectedAt = time.Now().UTC()
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()
	PendingMessages.Set(0)

	if err := c.writeLocked(conn, register); err != nil {
		c.mu.Lock()
		c.pending = append(pending, c.pending...)
		c.mu.Unlock()
		c.writeMu.Unlock()
		c.dropConn(conn)
		ConnectAttempts.WithLabelValues("failure").Inc()
		return fmt.Errorf("send register: %w", err)
	}
	for i, env := range pending {
		if err := c.writeLocked(conn, env); err != nil {
			logger.Warn().Err(err).Int("remaining", len(pending)-i).Msg("transport: flush interrupted")
			c.mu.Lock()
			c.pending = append(pending[i:], c.pending...)
			PendingMessages.Set(float64(len(c.pending)))
			c.mu.Unlock()
			break
		}
	}
	c.writeMu.Unlock()

	ConnectAttempts.WithLabelValues("success").Inc()
	logger.Info().Int("flushed", len(pending)).Msg("transport: websocket connected")
	c.emit(ctx, Event{Type: EventConnected})
	return nil
}

func (c *WebSocketClient) connectFailed(ctx context.Context, err error) {
	logger.Warn().Err(err).Msg("transport: websocket connect failed")
	c.emit(ctx, Event{Type: EventConnectFailed, Err: err})
}

// reconnect waits out the backoff delay and dials until it succeeds or ctx
// ends. The delay doubles after every failure up to ReconnectMax and is
// jittered so a fleet of agents does not redial in lockstep.
func (c *WebSocketClient) reconnect(ctx context.Context) {
	for ctx.Err() == nil {
		c.mu.Lock()
		c.state = StateReconnecting
		delay := utils.Jitter(c.delay, reconnectJitter)
		c.mu.Unlock()

		logger.Info().Dur("delay", delay).Msg("transport: reconnecting websocket")
		if err := utils.SleepContext(ctx, delay); err != nil {
			return
		}
		err := c.connect(ctx)
		if err == nil {
			return
		}
		if ctx.Err() != nil {
			return
		}
		c.connectFailed(ctx, err)

		c.mu.Lock()
		c.delay = utils.DoubleBackoff(c.delay, c.cfg.ReconnectMin, c.cfg.ReconnectMax)
		c.mu.Unlock()
	}
}

func (c *WebSocketClient) receiveLoop(ctx context.Context) {
	for ctx.Err() == nil {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		if conn == nil {
			c.reconnect(ctx)
			continue
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn().Err(err).Msg("transport: websocket connection lost")
			c.dropConn(conn)
			c.emit(ctx, Event{Type: EventDisconnected, Err: err})
			continue
		}
		c.handleFrame(ctx, data)
	}
}

func (c *WebSocketClient) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !c.IsConnected() {
				continue
			}
			now := time.Now().UTC()
			if err := c.sendPayload(MessageHeartbeat, HeartbeatPayload{Timestamp: now}); err != nil {
				logger.Error().Err(err).Msg("transport: heartbeat failed")
				continue
			}
			c.mu.Lock()
			c.lastHeartbeat = now
			c.mu.Unlock()
			logger.Trace().Msg("transport: heartbeat sent")
		}
	}
}

func (c *WebSocketClient) handleFrame(ctx context.Context, data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		MessagesReceived.WithLabelValues("malformed").Inc()
		logger.Warn().Err(err).Int("bytes", len(data)).Msg("transport: dropping malformed frame")
		return
	}
	MessagesReceived.WithLabelValues(string(env.Type)).Inc()

	c.mu.Lock()
	c.lastMessage = time.Now().UTC()
	c.mu.Unlock()

	switch env.Type {
	case MessageTask:
		task, err := decodeTask(env.Payload, c.cfg.TaskTimeout)
		if err != nil {
			logger.Warn().Err(err).Str("message_id", env.MessageID).Msg("transport: dropping invalid task")
			return
		}
		logger.Info().
			Str("task_id", task.ID).
			Str("task_type", string(task.Type)).
			Msg("transport: received task")
		publish(ctx, c.tasks, task)

	case MessageCancelTask:
		var p cancelPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil || p.TaskID == "" {
			logger.Warn().Str("message_id", env.MessageID).Msg("transport: cancel request without task_id")
			return
		}
		logger.Info().Str("task_id", p.TaskID).Msg("transport: received cancel request")
		publish(ctx, c.cancels, p.TaskID)

	case MessageAck:
		var p ackPayload
		_ = json.Unmarshal(env.Payload, &p)
		logger.Debug().Str("acked", p.MessageID).Msg("transport: received ack")

	case MessageConfigUpdate:
		logger.Info().Str("message_id", env.MessageID).Msg("transport: received config update; restart the agent to apply it")

	default:
		logger.Debug().Str("type", string(env.Type)).Msg("transport: ignoring message")
	}
}

func (c *WebSocketClient) sendPayload(msgType MessageType, payload any) error {
	env, err := NewEnvelope(msgType, c.cfg.AgentID, payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msgType, err)
	}
	c.send(env)
	return nil
}

// send writes env now, or buffers it when there is no live connection or
// the write fails.
func (c *WebSocketClient) send(env *Envelope) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	conn := c.conn
	if conn == nil || c.state != StateConnected {
		c.bufferLocked(env)
		c.mu.Unlock()
		logger.Debug().Str("type", string(env.Type)).Msg("transport: not connected, message queued")
		return
	}
	c.mu.Unlock()

	if err := c.writeLocked(conn, env); err != nil {
		c.mu.Lock()
		c.bufferLocked(env)
		c.mu.Unlock()
		logger.Warn().Err(err).Str("type", string(env.Type)).Msg("transport: write failed, message queued")
	}
}

func (c *WebSocketClient) bufferLocked(env *Envelope) {
	if len(c.pending) >= maxPendingMessages {
		dropped := c.pending[0]
		c.pending = c.pending[1:]
		logger.Warn().
			Str("type", string(dropped.Type)).
			Str("message_id", dropped.MessageID).
			Msg("transport: pending buffer full, dropping oldest message")
	}
	c.pending = append(c.pending, env)
	PendingMessages.Set(float64(len(c.pending)))
}

// writeLocked writes one envelope. Callers hold writeMu.
func (c *WebSocketClient) writeLocked(conn *websocket.Conn, env *Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}
	MessagesSent.WithLabelValues(string(env.Type)).Inc()
	return nil
}

// dropConn forgets conn if it is still current and closes it.
func (c *WebSocketClient) dropConn(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
		c.state = StateDisconnected
	}
	c.mu.Unlock()
	conn.Close()
}

// closeConn sends a close frame and closes the current connection.
func (c *WebSocketClient) closeConn() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	if conn == nil {
		return
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "agent shutting down")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	conn.Close()
}

func (c *WebSocketClient) emit(ctx context.Context, ev Event) {
	if c.events == nil {
		return
	}
	ev.At = time.Now().UTC()
	select {
	case c.events <- ev:
	case <-ctx.Done():
	}
}

// decodeTask parses a task payload and fills its defaults.
func decodeTask(raw json.RawMessage, defaultTimeout time.Duration) (*taskqueue.Task, error) {
	var task taskqueue.Task
	if err := json.Unmarshal(raw, &task); err != nil {
		return nil, fmt.Errorf("decode task: %w", err)
	}
	if task.Type == "" {
		return nil, errors.New("decode task: missing task_type")
	}
	task.Normalize(defaultTimeout)
	return &task, nil
}

// publish hands v to ch unless ctx ends first. A nil channel drops v.
func publish[T any](ctx context.Context, ch chan<- T, v T) {
	if ch == nil {
		return
	}
	select {
	case ch <- v:
	case <-ctx.Done():
	}
}
