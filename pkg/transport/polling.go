// Copyright 2025 MNM Agent Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mnmfasteners/mnm-agent/pkg/logger"
	"github.com/mnmfasteners/mnm-agent/pkg/taskqueue"
	"github.com/mnmfasteners/mnm-agent/pkg/utils"
)

const (
	defaultPollTimeout   = 30 * time.Second
	maxPollMultiplier    = 8
	maxErrorBodyBytes    = 4 << 10
	defaultPollInterval  = 30 * time.Second
	pollEndpointRegister = "register"
	pollEndpointTasks    = "tasks"
	pollEndpointAck      = "ack"
	pollEndpointResult   = "result"
	pollEndpointBeat     = "heartbeat"
	pollEndpointHealth   = "health"
)

// PollingConfig configures a PollingClient.
type PollingConfig struct {
	BaseURL     string
	APIKey      string
	AgentID     string
	AgentSecret string

	Version      string
	Capabilities []string

	Interval time.Duration
	// TaskTimeout is applied to fetched tasks that carry no timeout.
	TaskTimeout time.Duration

	// HTTPClient overrides the default client (30s timeout).
	HTTPClient *http.Client
}

// PollingClient fetches tasks over the REST API. It is the fallback when
// the WebSocket cannot be kept up.
type PollingClient struct {
	cfg    PollingConfig
	base   string
	client *http.Client
	tasks  chan<- *taskqueue.Task

	consecutiveErrors atomic.Int32
	running           atomic.Bool

	mu   sync.Mutex
	stop context.CancelFunc
}

// NewPollingClient creates a client. Fetched tasks are published on tasks.
func NewPollingClient(cfg PollingConfig, tasks chan<- *taskqueue.Task) (*PollingClient, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse api url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("api url %q: scheme must be http or https", cfg.BaseURL)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultPollInterval
	}
	if cfg.Capabilities == nil {
		cfg.Capabilities = DefaultCapabilities
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultPollTimeout}
	}
	return &PollingClient{
		cfg:    cfg,
		base:   strings.TrimRight(cfg.BaseURL, "/"),
		client: client,
		tasks:  tasks,
	}, nil
}

// Run registers once and then polls until ctx is done or Stop is called.
// Errors are logged and counted, never returned.
func (p *PollingClient) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p.mu.Lock()
	p.stop = cancel
	p.mu.Unlock()

	p.running.Store(true)
	defer p.running.Store(false)

	logger.Info().Str("url", p.base).Dur("interval", p.cfg.Interval).Msg("transport: polling started")
	if !p.Register(ctx) {
		logger.Warn().Msg("transport: polling registration failed, polling anyway")
	}

	for ctx.Err() == nil {
		p.pollOnce(ctx)
		if err := utils.SleepContext(ctx, p.PollInterval()); err != nil {
			break
		}
	}

	logger.Info().Msg("transport: polling stopped")
	return nil
}

func (p *PollingClient) pollOnce(ctx context.Context) {
	tasks, err := p.FetchTasks(ctx)
	if err != nil {
		if ctx.Err() == nil {
			logger.Warn().
				Err(err).
				Int32("consecutive_errors", p.consecutiveErrors.Load()).
				Msg("transport: poll failed")
		}
		return
	}
	for _, task := range tasks {
		p.AcknowledgeTask(ctx, task.ID)
		logger.Info().
			Str("task_id", task.ID).
			Str("task_type", string(task.Type)).
			Msg("transport: polled task")
		publish(ctx, p.tasks, task)
	}
}

// Stop ends Run.
func (p *PollingClient) Stop() {
	p.mu.Lock()
	stop := p.stop
	p.mu.Unlock()
	if stop != nil {
		stop()
	}
}

// Close releases idle HTTP connections.
func (p *PollingClient) Close() {
	p.client.CloseIdleConnections()
}

// Running reports whether Run is active.
func (p *PollingClient) Running() bool {
	return p.running.Load()
}

// ConsecutiveErrors returns the number of failed fetches since the last
// success.
func (p *PollingClient) ConsecutiveErrors() int {
	return int(p.consecutiveErrors.Load())
}

// PollInterval is the base interval scaled by min(2^errors, 8).
func (p *PollingClient) PollInterval() time.Duration {
	return p.cfg.Interval * time.Duration(utils.BackoffMultiplier(p.ConsecutiveErrors(), maxPollMultiplier))
}

// Register announces the agent.
func (p *PollingClient) Register(ctx context.Context) bool {
	body := RegisterPayload{
		AgentID:      p.cfg.AgentID,
		Version:      p.cfg.Version,
		Capabilities: p.cfg.Capabilities,
	}
	resp, err := p.do(ctx, pollEndpointRegister, http.MethodPost, "/agents/register", body)
	if err != nil {
		logger.Error().Err(err).Msg("transport: register failed")
		return false
	}
	defer drain(resp)
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		logger.Error().Int("status", resp.StatusCode).Str("body", readSnippet(resp)).Msg("transport: register rejected")
		return false
	}
	logger.Info().Msg("transport: registered with backend")
	return true
}

// FetchTasks returns the tasks waiting for this agent. A 204 is an empty
// result. Any failure counts towards the poll backoff.
func (p *PollingClient) FetchTasks(ctx context.Context) ([]*taskqueue.Task, error) {
	tasks, err := p.fetchTasks(ctx)
	if err != nil {
		p.consecutiveErrors.Add(1)
		return nil, err
	}
	p.consecutiveErrors.Store(0)
	return tasks, nil
}

func (p *PollingClient) fetchTasks(ctx context.Context) ([]*taskqueue.Task, error) {
	resp, err := p.do(ctx, pollEndpointTasks, http.MethodGet, p.agentPath("tasks"), nil)
	if err != nil {
		return nil, err
	}
	defer drain(resp)

	switch resp.StatusCode {
	case http.StatusNoContent:
		return nil, nil
	case http.StatusOK:
	default:
		return nil, fmt.Errorf("fetch tasks: status %d: %s", resp.StatusCode, readSnippet(resp))
	}

	var body struct {
		Tasks []json.RawMessage `json:"tasks"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("fetch tasks: decode body: %w", err)
	}
	tasks := make([]*taskqueue.Task, 0, len(body.Tasks))
	for _, raw := range body.Tasks {
		task, err := decodeTask(raw, p.cfg.TaskTimeout)
		if err != nil {
			logger.Warn().Err(err).Msg("transport: skipping invalid polled task")
			continue
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// AcknowledgeTask tells the backend the agent has taken taskID. A failure
// counts towards the poll backoff.
func (p *PollingClient) AcknowledgeTask(ctx context.Context, taskID string) bool {
	resp, err := p.do(ctx, pollEndpointAck, http.MethodPost, p.agentPath("tasks", taskID, "ack"), nil)
	if err != nil {
		p.consecutiveErrors.Add(1)
		logger.Warn().Err(err).Str("task_id", taskID).Msg("transport: ack failed")
		return false
	}
	defer drain(resp)
	if resp.StatusCode != http.StatusOK {
		p.consecutiveErrors.Add(1)
		logger.Warn().
			Str("task_id", taskID).
			Int("status", resp.StatusCode).
			Str("body", readSnippet(resp)).
			Msg("transport: ack rejected")
		return false
	}
	return true
}

// SubmitResult posts a task result.
func (p *PollingClient) SubmitResult(ctx context.Context, result *taskqueue.TaskResult) bool {
	resp, err := p.do(ctx, pollEndpointResult, http.MethodPost, p.agentPath("tasks", result.TaskID, "result"), result)
	if err != nil {
		logger.Error().Err(err).Str("task_id", result.TaskID).Msg("transport: submit result failed")
		return false
	}
	defer drain(resp)
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		logger.Error().
			Str("task_id", result.TaskID).
			Int("status", resp.StatusCode).
			Str("body", readSnippet(resp)).
			Msg("transport: result rejected")
		return false
	}
	return true
}

// SendHeartbeat posts status as a heartbeat.
func (p *PollingClient) SendHeartbeat(ctx context.Context, status *AgentStatus) bool {
	resp, err := p.do(ctx, pollEndpointBeat, http.MethodPost, p.agentPath("heartbeat"), status)
	if err != nil {
		logger.Warn().Err(err).Msg("transport: heartbeat failed")
		return false
	}
	defer drain(resp)
	return resp.StatusCode == http.StatusOK
}

// Ping checks that the backend answers /health with the agent's credentials.
func (p *PollingClient) Ping(ctx context.Context) error {
	resp, err := p.do(ctx, pollEndpointHealth, http.MethodGet, "/health", nil)
	if err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	defer drain(resp)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ping: status %d: %s", resp.StatusCode, readSnippet(resp))
	}
	return nil
}

func (p *PollingClient) agentPath(parts ...string) string {
	segs := []string{"agents", url.PathEscape(p.cfg.AgentID)}
	for _, part := range parts {
		segs = append(segs, url.PathEscape(part))
	}
	return "/" + strings.Join(segs, "/")
}

func (p *PollingClient) do(ctx context.Context, endpoint, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode %s body: %w", endpoint, err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.base+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	req.Header.Set("X-Agent-ID", p.cfg.AgentID)
	req.Header.Set("X-Agent-Secret", p.cfg.AgentSecret)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		PollRequests.WithLabelValues(endpoint, "error").Inc()
		return nil, err
	}
	outcome := "ok"
	if resp.StatusCode >= 400 {
		outcome = "http_error"
	}
	PollRequests.WithLabelValues(endpoint, outcome).Inc()
	return resp, nil
}

func readSnippet(resp *http.Response) string {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	return strings.TrimSpace(string(data))
}

// drain empties and closes the body so the connection can be reused.
func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBodyBytes))
	resp.Body.Close()
}
