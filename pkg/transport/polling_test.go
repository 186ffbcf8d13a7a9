// Copyright 2025 MNM Agent Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnmfasteners/mnm-agent/pkg/taskqueue"
)

const (
	testAgentID = "agent-1"
	testSecret  = "s3cret"
	testAPIKey  = "api-key"
)

// pollBackend fakes the agent REST API. Queued task batches are served one
// per GET; an empty queue answers 204.
type pollBackend struct {
	srv *httptest.Server

	mu         sync.Mutex
	batches    [][]map[string]any
	failures   int
	ackFails   int
	registered int
	acks       []string
	results    []taskqueue.TaskResult
	heartbeats []AgentStatus
}

func newPollBackend(t *testing.T) *pollBackend {
	t.Helper()
	b := &pollBackend{}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("POST /agents/register", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		b.registered++
		b.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /agents/{id}/tasks", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != testAgentID {
			http.Error(w, "wrong agent", http.StatusForbidden)
			return
		}
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.failures > 0 {
			b.failures--
			http.Error(w, "backend unavailable", http.StatusInternalServerError)
			return
		}
		if len(b.batches) == 0 {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		batch := b.batches[0]
		b.batches = b.batches[1:]
		_ = json.NewEncoder(w).Encode(map[string]any{"tasks": batch})
	})
	mux.HandleFunc("POST /agents/{id}/tasks/{task}/ack", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.ackFails > 0 {
			b.ackFails--
			http.Error(w, "ack store unavailable", http.StatusServiceUnavailable)
			return
		}
		b.acks = append(b.acks, r.PathValue("task"))
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /agents/{id}/tasks/{task}/result", func(w http.ResponseWriter, r *http.Request) {
		var res taskqueue.TaskResult
		if err := json.NewDecoder(r.Body).Decode(&res); err != nil || res.TaskID != r.PathValue("task") {
			http.Error(w, "bad result", http.StatusBadRequest)
			return
		}
		b.mu.Lock()
		b.results = append(b.results, res)
		b.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	})
	mux.HandleFunc("POST /agents/{id}/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		var st AgentStatus
		_ = json.NewDecoder(r.Body).Decode(&st)
		b.mu.Lock()
		b.heartbeats = append(b.heartbeats, st)
		b.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})

	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+testAPIKey ||
			r.Header.Get("X-Agent-ID") != testAgentID ||
			r.Header.Get("X-Agent-Secret") != testSecret ||
			r.Header.Get("Content-Type") != "application/json" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *pollBackend) queue(tasks ...map[string]any) {
	b.mu.Lock()
	b.batches = append(b.batches, tasks)
	b.mu.Unlock()
}

func (b *pollBackend) fail(n int) {
	b.mu.Lock()
	b.failures = n
	b.mu.Unlock()
}

func (b *pollBackend) failAcks(n int) {
	b.mu.Lock()
	b.ackFails = n
	b.mu.Unlock()
}

func (b *pollBackend) snapshot() (registered int, acks []string, results []taskqueue.TaskResult) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.registered, append([]string(nil), b.acks...), append([]taskqueue.TaskResult(nil), b.results...)
}

func newTestPollingClient(t *testing.T, baseURL string, tasks chan<- *taskqueue.Task) *PollingClient {
	t.Helper()
	pc, err := NewPollingClient(PollingConfig{
		BaseURL:     baseURL,
		APIKey:      testAPIKey,
		AgentID:     testAgentID,
		AgentSecret: testSecret,
		Version:     "1.0.0",
		Interval:    10 * time.Millisecond,
		TaskTimeout: 90 * time.Second,
	}, tasks)
	require.NoError(t, err)
	t.Cleanup(pc.Close)
	return pc
}

func TestNewPollingClient_RejectsBadURL(t *testing.T) {
	t.Parallel()

	_, err := NewPollingClient(PollingConfig{BaseURL: "ftp://example.com"}, nil)
	assert.Error(t, err)
	_, err = NewPollingClient(PollingConfig{BaseURL: "://"}, nil)
	assert.Error(t, err)
}

func TestPollingClient_FetchTasks(t *testing.T) {
	t.Parallel()

	b := newPollBackend(t)
	pc := newTestPollingClient(t, b.srv.URL, nil)
	ctx := context.Background()

	b.queue(
		map[string]any{"task_id": "t-1", "task_type": "get_product", "payload": map[string]any{"sku": "NUT-M3"}},
		map[string]any{"task_id": "t-2"},
	)
	tasks, err := pc.FetchTasks(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 1, "the task without a type is skipped")
	assert.Equal(t, "t-1", tasks[0].ID)
	assert.Equal(t, taskqueue.TaskTypeGetProduct, tasks[0].Type)
	assert.Equal(t, taskqueue.PriorityNormal, tasks[0].Priority)
	assert.Equal(t, 90, tasks[0].TimeoutSeconds)
	assert.Equal(t, "NUT-M3", tasks[0].Payload["sku"])

	tasks, err = pc.FetchTasks(ctx)
	require.NoError(t, err)
	assert.Empty(t, tasks)
	assert.Equal(t, 0, pc.ConsecutiveErrors())
}

func TestPollingClient_ErrorsBackOff(t *testing.T) {
	t.Parallel()

	b := newPollBackend(t)
	pc := newTestPollingClient(t, b.srv.URL, nil)
	ctx := context.Background()

	b.fail(2)
	_, err := pc.FetchTasks(ctx)
	require.Error(t, err)
	assert.Equal(t, 1, pc.ConsecutiveErrors())
	assert.Equal(t, 20*time.Millisecond, pc.PollInterval())

	_, err = pc.FetchTasks(ctx)
	require.Error(t, err)
	assert.Equal(t, 40*time.Millisecond, pc.PollInterval())

	_, err = pc.FetchTasks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, pc.ConsecutiveErrors())
	assert.Equal(t, 10*time.Millisecond, pc.PollInterval())
}

func TestPollingClient_AckFailuresBackOff(t *testing.T) {
	t.Parallel()

	b := newPollBackend(t)
	tasks := make(chan *taskqueue.Task, 4)
	pc := newTestPollingClient(t, b.srv.URL, tasks)
	ctx := context.Background()

	b.queue(map[string]any{"task_id": "t-1", "task_type": "health_check"})
	b.failAcks(1)
	pc.pollOnce(ctx)

	assert.Equal(t, 1, pc.ConsecutiveErrors(), "a failed ack counts like a failed fetch")
	assert.Equal(t, 20*time.Millisecond, pc.PollInterval())
	require.Len(t, tasks, 1, "the task is still handed on")
	assert.Equal(t, "t-1", (<-tasks).ID)

	assert.True(t, pc.AcknowledgeTask(ctx, "t-1"))
	pc.pollOnce(ctx)
	assert.Equal(t, 0, pc.ConsecutiveErrors())
}

func TestPollingClient_PollInterval(t *testing.T) {
	t.Parallel()

	pc := newTestPollingClient(t, "http://127.0.0.1:1", nil)
	pc.cfg.Interval = 30 * time.Second

	tests := []struct {
		errors int32
		want   time.Duration
	}{
		{0, 30 * time.Second},
		{1, time.Minute},
		{2, 2 * time.Minute},
		{3, 4 * time.Minute},
		{4, 4 * time.Minute},
		{10, 4 * time.Minute},
	}
	for _, tt := range tests {
		pc.consecutiveErrors.Store(tt.errors)
		assert.Equal(t, tt.want, pc.PollInterval(), "errors=%d", tt.errors)
	}
}

func TestPollingClient_Unauthorized(t *testing.T) {
	t.Parallel()

	b := newPollBackend(t)
	pc, err := NewPollingClient(PollingConfig{
		BaseURL:     b.srv.URL,
		APIKey:      "wrong",
		AgentID:     testAgentID,
		AgentSecret: testSecret,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(pc.Close)

	assert.False(t, pc.Register(context.Background()))
	_, err = pc.FetchTasks(context.Background())
	assert.ErrorContains(t, err, "status 401")
	assert.ErrorContains(t, pc.Ping(context.Background()), "status 401")
}

func TestPollingClient_ResultAndHeartbeat(t *testing.T) {
	t.Parallel()

	b := newPollBackend(t)
	pc := newTestPollingClient(t, b.srv.URL, nil)
	ctx := context.Background()

	task := taskqueue.NewTask(taskqueue.TaskTypeHealthCheck, taskqueue.PriorityNormal, nil)
	result := taskqueue.NewTaskResult(task)
	result.Status = taskqueue.StatusCompleted
	result.Result = map[string]any{"healthy": true}

	require.NoError(t, pc.Ping(ctx))
	assert.True(t, pc.Register(ctx))
	assert.True(t, pc.AcknowledgeTask(ctx, task.ID))
	assert.True(t, pc.SubmitResult(ctx, result))
	assert.True(t, pc.SendHeartbeat(ctx, &AgentStatus{AgentID: testAgentID, Status: "running"}))

	registered, acks, results := b.snapshot()
	assert.Equal(t, 1, registered)
	assert.Equal(t, []string{task.ID}, acks)
	require.Len(t, results, 1)
	assert.Equal(t, taskqueue.StatusCompleted, results[0].Status)
	assert.Equal(t, 1, results[0].AttemptNumber)
}

func TestPollingClient_Run(t *testing.T) {
	t.Parallel()

	b := newPollBackend(t)
	tasks := make(chan *taskqueue.Task, 4)
	pc := newTestPollingClient(t, b.srv.URL, tasks)

	b.fail(1)
	b.queue(
		map[string]any{"task_id": "t-1", "task_type": "health_check"},
		map[string]any{"task_id": "t-2", "task_type": "get_sage_status", "priority": "high"},
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pc.Run(ctx) }()

	for _, want := range []string{"t-1", "t-2"} {
		select {
		case task := <-tasks:
			assert.Equal(t, want, task.ID)
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for %s", want)
		}
	}
	assert.True(t, pc.Running())

	cancel()
	require.NoError(t, <-done)
	assert.False(t, pc.Running())

	registered, acks, _ := b.snapshot()
	assert.Equal(t, 1, registered)
	assert.Equal(t, []string{"t-1", "t-2"}, acks)
}

func TestPollingClient_Stop(t *testing.T) {
	t.Parallel()

	b := newPollBackend(t)
	pc := newTestPollingClient(t, b.srv.URL, nil)

	done := make(chan error, 1)
	go func() { done <- pc.Run(context.Background()) }()

	require.Eventually(t, pc.Running, 5*time.Second, 5*time.Millisecond)
	pc.Stop()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
}
