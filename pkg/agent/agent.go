// Copyright 2025 MNM Agent Authors
// SPDX-License-Identifier: Apache-2.0

// Package agent wires the task queue, executor, transports, Sage connector
// and scheduler into one long-running service.
package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/mnmfasteners/mnm-agent/pkg/config"
	"github.com/mnmfasteners/mnm-agent/pkg/connector"
	"github.com/mnmfasteners/mnm-agent/pkg/debug"
	"github.com/mnmfasteners/mnm-agent/pkg/logger"
	"github.com/mnmfasteners/mnm-agent/pkg/platformsync"
	"github.com/mnmfasteners/mnm-agent/pkg/taskqueue"
	"github.com/mnmfasteners/mnm-agent/pkg/taskqueue/handlers"
	"github.com/mnmfasteners/mnm-agent/pkg/transport"
)

const (
	resultBuffer      = 64
	releaseTimeout    = 30 * time.Second
	resultSendTimeout = 30 * time.Second
)

var ErrAlreadyRunning = errors.New("agent: already running")

// Options overrides parts of the agent built from Config.
type Options struct {
	// Connector replaces the one selected by sage_connector.
	Connector connector.Connector
	// Source replaces the import directory as the marketplace order source.
	Source platformsync.OrderSource
	// Version is reported on register and in status updates.
	Version string

	HTTPClient *http.Client
	Dialer     *websocket.Dialer
}

// Agent is the running service.
type Agent struct {
	cfg     config.Config
	version string

	pool      *connector.Pool
	sync      *platformsync.Service
	queue     *taskqueue.PriorityQueue
	executor  *taskqueue.Executor
	results   chan *taskqueue.TaskResult
	manager   *transport.Manager
	scheduler *Scheduler

	running atomic.Bool

	mu            sync.RWMutex
	startedAt     time.Time
	sageConnected bool
}

// New validates cfg and builds every component. Nothing runs until Run.
func New(cfg config.Config, opts Options) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	base := opts.Connector
	if base == nil {
		base = NewConnector(cfg)
	}
	count, duration := connector.RequestMetrics()
	pool := connector.NewPool(
		connector.NewInstrumentingMiddleware(count, duration, base),
		connector.PoolConfig{Workers: cfg.SageWorkers, CallsPerSecond: cfg.SageCallsPerSecond},
	)

	a := &Agent{
		cfg:     cfg,
		version: opts.Version,
		pool:    pool,
		results: make(chan *taskqueue.TaskResult, resultBuffer),
	}

	if cfg.SyncEnabled {
		source := opts.Source
		if source == nil {
			source = platformsync.NewDirSource(cfg.ImportDir)
		}
		a.sync = platformsync.NewService(source, pool)
	}

	a.queue = taskqueue.NewPriorityQueue(taskqueue.PriorityQueueConfig{Path: cfg.QueueFile()})
	a.executor = taskqueue.NewExecutor(taskqueue.ExecutorConfig{
		Queue:          a.queue,
		DefaultTimeout: cfg.TaskTimeout,
		RetryDelay:     cfg.RetryDelay,
		Results:        a.results,
	})
	handlers.Register(a.executor, handlers.Dependencies{Pool: pool, Sync: a.sync})

	a.manager = transport.NewManager(cfg, transport.ManagerOptions{
		Version:        opts.Version,
		Capabilities:   transport.DefaultCapabilities,
		SageConfigured: opts.Connector != nil || cfg.SageConnector != config.ConnectorNone,
		HTTPClient:     opts.HTTPClient,
		Dialer:         opts.Dialer,
	})

	if cfg.SyncEnabled {
		s, err := NewScheduler(cfg, a.queue)
		if err != nil {
			return nil, err
		}
		a.scheduler = s
	}
	return a, nil
}

// NewConnector returns the connector named by cfg.SageConnector.
func NewConnector(cfg config.Config) connector.Connector {
	switch cfg.SageConnector {
	case config.ConnectorMemory:
		return connector.NewMemoryConnector(connector.MemoryConnectorConfig{Company: cfg.SageCompanyPath})
	default:
		return connector.Unavailable{}
	}
}

// Queue exposes the task queue, for inspection.
func (a *Agent) Queue() *taskqueue.PriorityQueue { return a.queue }

// Manager exposes the connection manager, for inspection.
func (a *Agent) Manager() *transport.Manager { return a.manager }

// Running reports whether Run is active.
func (a *Agent) Running() bool { return a.running.Load() }

// Run starts the agent and blocks until ctx is done. It returns an error
// only when no transport can be started. On the way out the status reporter
// stops first, then the executor finishes its in-flight task and its result
// is sent, then the transports close and the Sage session is released.
func (a *Agent) Run(ctx context.Context) error {
	if !a.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer a.running.Store(false)

	a.mu.Lock()
	a.startedAt = time.Now().UTC()
	a.mu.Unlock()

	logger.Info().
		Str("agent_id", a.cfg.AgentID).
		Str("version", a.version).
		Msg("agent: starting")

	a.connectSage(ctx)

	// The executor and transports outlive ctx so they can be stopped in
	// order.
	transportCtx, stopTransport := context.WithCancel(context.WithoutCancel(ctx))
	defer stopTransport()

	executorDone := make(chan struct{})
	forwarded := make(chan struct{})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.manager.Start(transportCtx) })
	g.Go(func() error {
		defer close(forwarded)
		a.forwardResults(transportCtx, executorDone)
		return nil
	})

	a.executor.Start(context.WithoutCancel(ctx))

	g.Go(func() error {
		a.pumpInbound(gctx)
		return nil
	})
	g.Go(func() error {
		a.reportStatus(gctx)
		return nil
	})
	if a.scheduler != nil {
		g.Go(func() error { return a.scheduler.Run(gctx) })
	}
	g.Go(func() error {
		if err := debug.Serve(gctx, a.cfg.DebugPort); err != nil {
			logger.Error().Err(err).Msg("agent: debug server failed")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		debug.SetNotReady()
		logger.Info().Msg("agent: shutting down")
		a.executor.Stop()
		close(executorDone)
		<-forwarded
		stopTransport()
		return nil
	})

	debug.SetReadyCheck(a.manager.IsConnected)
	debug.SetStatusProvider(func() any { return a.Status() })
	debug.SetReady()
	logger.Info().Msg("agent: started")

	err := g.Wait()
	if cerr := a.queue.Close(); cerr != nil {
		logger.Warn().Err(cerr).Msg("agent: closing queue")
	}
	a.releaseSage()

	if err != nil {
		logger.Error().Err(err).Msg("agent: stopped with error")
		return err
	}
	logger.Info().Msg("agent: stopped")
	return nil
}

// connectSage opens the Sage session. A failure is logged and the agent
// keeps running; Sage tasks fail until the session can be opened.
func (a *Agent) connectSage(ctx context.Context) {
	alreadyOpen, err := connector.Call(ctx, a.pool, func(c connector.Connector) (bool, error) {
		return c.Connect()
	})
	if err != nil {
		logger.Warn().Err(err).Msg("agent: Sage 50 connection failed, Sage tasks will fail until it is available")
		return
	}

	a.mu.Lock()
	a.sageConnected = true
	a.mu.Unlock()

	st := a.pool.Connector().Status()
	logger.Info().
		Str("company", st.Company).
		Str("version", st.Version).
		Bool("already_open", alreadyOpen).
		Msg("agent: connected to Sage 50")
}

func (a *Agent) releaseSage() {
	a.mu.RLock()
	connected := a.sageConnected
	a.mu.RUnlock()
	if !connected {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := a.pool.Do(ctx, func(c connector.Connector) error { return c.Release() }); err != nil {
		logger.Warn().Err(err).Msg("agent: releasing Sage 50 session")
		return
	}
	a.mu.Lock()
	a.sageConnected = false
	a.mu.Unlock()
}

// pumpInbound moves tasks and cancel requests from the transports into the
// queue.
func (a *Agent) pumpInbound(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-a.manager.Tasks():
			if !a.queue.Enqueue(ctx, task) {
				logger.Info().Str("task_id", task.ID).Msg("agent: task not queued (duplicate or queue closed)")
			}
		case id := <-a.manager.Cancels():
			if a.queue.CancelTask(id) {
				logger.Info().Str("task_id", id).Msg("agent: task cancelled")
			} else {
				logger.Info().Str("task_id", id).Msg("agent: cancel ignored, task is not pending")
			}
		}
	}
}

// forwardResults sends every executed attempt to the backend. Once
// executorDone is closed no more results arrive, so it sends what is still
// buffered and returns.
func (a *Agent) forwardResults(ctx context.Context, executorDone <-chan struct{}) {
	for {
		select {
		case res := <-a.results:
			a.sendResult(ctx, res)
		case <-executorDone:
			for {
				select {
				case res := <-a.results:
					a.sendResult(ctx, res)
				default:
					return
				}
			}
		}
	}
}

func (a *Agent) sendResult(ctx context.Context, res *taskqueue.TaskResult) {
	ctx, cancel := context.WithTimeout(ctx, resultSendTimeout)
	defer cancel()
	if err := a.manager.SendTaskResult(ctx, res); err != nil {
		logger.Warn().Err(err).Str("task_id", res.TaskID).Msg("agent: failed to send task result")
	}
}

// reportStatus sends a status update every heartbeat interval while a
// transport is connected.
func (a *Agent) reportStatus(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !a.manager.IsConnected() {
				continue
			}
			st := a.Status()
			if err := a.manager.SendStatusUpdate(ctx, &st); err != nil {
				logger.Warn().Err(err).Msg("agent: status update failed")
			}
		}
	}
}

// Trigger enqueues a task on behalf of the agent itself.
func (a *Agent) Trigger(ctx context.Context, task *taskqueue.Task) error {
	if !task.Type.Valid() {
		return fmt.Errorf("%w: %s", taskqueue.ErrUnknownTaskType, task.Type)
	}
	if !a.queue.Enqueue(ctx, task) {
		return fmt.Errorf("agent: task %s not queued", task.ID)
	}
	return nil
}
