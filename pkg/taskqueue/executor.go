// Copyright 2025 MNM Agent Authors
// SPDX-License-Identifier: Apache-2.0

package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog"

	"github.com/mnmfasteners/mnm-agent/pkg/logger"
	"github.com/mnmfasteners/mnm-agent/pkg/utils"
)

const (
	loopErrorBackoff = time.Second
	deliverTimeout   = 30 * time.Second
)

// Handler processes tasks of a specific type. It returns the result map
// reported to the backend, or an error to fail the attempt.
type Handler interface {
	Handle(ctx context.Context, task *Task, log zerolog.Logger) (map[string]any, error)
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, task *Task, log zerolog.Logger) (map[string]any, error)

func (f HandlerFunc) Handle(ctx context.Context, task *Task, log zerolog.Logger) (map[string]any, error) {
	return f(ctx, task, log)
}

// ExecutorConfig configures the task executor.
type ExecutorConfig struct {
	Queue Queue

	// DefaultTimeout applies to tasks that carry no timeout of their own.
	DefaultTimeout time.Duration
	// RetryDelay is multiplied by the attempt number before a retry.
	RetryDelay time.Duration
	// PollTimeout bounds each dequeue wait.
	PollTimeout time.Duration

	// Results receives one TaskResult per executed attempt. May be nil.
	Results chan<- *TaskResult
}

// Executor runs tasks one at a time from a Queue.
type Executor struct {
	queue   Queue
	results chan<- *TaskResult

	defaultTimeout time.Duration
	retryDelay     time.Duration
	pollTimeout    time.Duration

	handlersMu sync.RWMutex
	handlers   map[TaskType]Handler

	current   atomic.Pointer[Task]
	running   atomic.Bool
	completed atomic.Int64
	failed    atomic.Int64

	stop   context.CancelFunc
	wg     sync.WaitGroup
	stopMu sync.Mutex

	retryCtx    context.Context
	retryCancel context.CancelFunc
	retries     sync.WaitGroup
}

// NewExecutor creates a new task executor.
func NewExecutor(cfg ExecutorConfig) *Executor {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultTimeout
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = DefaultPollTimeout
	}

	retryCtx, retryCancel := context.WithCancel(context.Background())
	return &Executor{
		queue:          cfg.Queue,
		results:        cfg.Results,
		defaultTimeout: cfg.DefaultTimeout,
		retryDelay:     cfg.RetryDelay,
		pollTimeout:    cfg.PollTimeout,
		handlers:       make(map[TaskType]Handler),
		retryCtx:       retryCtx,
		retryCancel:    retryCancel,
	}
}

// RegisterHandler registers a handler for a task type.
func (e *Executor) RegisterHandler(taskType TaskType, h Handler) {
	if h == nil {
		return
	}
	e.handlersMu.Lock()
	e.handlers[taskType] = h
	e.handlersMu.Unlock()
	logger.Debug().
		Str("type", string(taskType)).
		Msg("executor: registered handler")
}

// HandlerTypes returns the task types this executor handles.
func (e *Executor) HandlerTypes() []TaskType {
	e.handlersMu.RLock()
	defer e.handlersMu.RUnlock()
	types := make([]TaskType, 0, len(e.handlers))
	for t := range e.handlers {
		types = append(types, t)
	}
	return types
}

func (e *Executor) handler(taskType TaskType) (Handler, bool) {
	e.handlersMu.RLock()
	defer e.handlersMu.RUnlock()
	h, ok := e.handlers[taskType]
	return h, ok
}

// Start launches the worker. It returns immediately.
func (e *Executor) Start(ctx context.Context) {
	if !e.running.CompareAndSwap(false, true) {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	e.stopMu.Lock()
	e.stop = cancel
	e.stopMu.Unlock()

	logger.Info().
		Int("handlers", len(e.HandlerTypes())).
		Msg("executor: starting")

	e.wg.Add(1)
	go e.work(loopCtx)
}

// Stop stops dequeuing and waits for the in-flight task to finish. Retries
// still waiting out their delay are abandoned; they remain in the queue
// snapshot. An Executor is not restarted after Stop.
func (e *Executor) Stop() {
	e.stopMu.Lock()
	stop := e.stop
	e.stopMu.Unlock()
	if stop != nil {
		stop()
	}
	e.wg.Wait()

	e.retryCancel()
	e.retries.Wait()

	if e.running.CompareAndSwap(true, false) {
		logger.Info().Msg("executor: stopped")
	}
}

// Run starts the worker and blocks until ctx is done, then stops it.
func (e *Executor) Run(ctx context.Context) error {
	e.Start(ctx)
	<-ctx.Done()
	e.Stop()
	return nil
}

// Running reports whether the worker loop is active.
func (e *Executor) Running() bool {
	return e.running.Load()
}

// CurrentTask returns the task being executed, if any. Advisory only.
func (e *Executor) CurrentTask() *Task {
	return e.current.Load()
}

// CurrentTaskID returns the ID of the task being executed, or "".
func (e *Executor) CurrentTaskID() string {
	if t := e.current.Load(); t != nil {
		return t.ID
	}
	return ""
}

// Counts returns the number of completed and failed attempts.
func (e *Executor) Counts() (completed, failed int64) {
	return e.completed.Load(), e.failed.Load()
}

func (e *Executor) work(ctx context.Context) {
	defer e.wg.Done()

	for ctx.Err() == nil {
		err := e.processOne(ctx)
		if err == nil || ctx.Err() != nil {
			continue
		}
		if errors.Is(err, ErrQueueClosed) {
			logger.Warn().Msg("executor: queue closed, worker exiting")
			return
		}
		logger.Error().Err(err).Msg("executor: loop error")
		_ = utils.SleepContext(ctx, loopErrorBackoff)
	}
}

func (e *Executor) processOne(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor loop panic: %v", r)
		}
	}()

	task, err := e.queue.Dequeue(ctx, e.pollTimeout)
	if err != nil {
		return err
	}
	if task == nil {
		return nil
	}

	// The attempt runs to completion even while the worker is stopping.
	e.Execute(context.WithoutCancel(ctx), task)
	return nil
}

// Execute runs a single attempt of task and returns its result. The queue
// is told the outcome, a retry is scheduled on failure and the result is
// delivered to the results channel.
func (e *Executor) Execute(ctx context.Context, task *Task) *TaskResult {
	result := NewTaskResult(task)
	log := logger.ForTask(task.ID, string(task.Type))

	e.current.Store(task)
	defer e.current.Store(nil)

	log.Info().
		Int("attempt", result.AttemptNumber).
		Int("max_retries", task.MaxRetries).
		Msg("executor: executing task")

	var (
		out map[string]any
		err error
	)
	if h, ok := e.handler(task.Type); ok {
		out, err = e.invoke(ctx, h, task, log)
	} else {
		err = fmt.Errorf("%w: %s", ErrUnknownTaskType, task.Type)
	}

	kind := ClassifyError(err)
	if kind == KindNone {
		result.Status = StatusCompleted
		result.Result = out
		applyRecordCounts(result, out)
	} else {
		result.Status = StatusFailed
		result.Error = err.Error()
		result.ErrorCode = kind.Code()
		result.Result = out
	}

	completedAt := time.Now().UTC()
	result.CompletedAt = &completedAt
	elapsed := completedAt.Sub(result.StartedAt)
	result.DurationMS = elapsed.Milliseconds()

	success := result.Status == StatusCompleted
	next := nextAttempt(task, result.AttemptNumber, success)
	if next != nil {
		if err := e.queue.RetryTask(task.ID, next); err != nil {
			log.Error().Err(err).Msg("executor: retry not recorded")
			e.queue.CompleteTask(task.ID, false)
			next = nil
		}
	} else {
		e.queue.CompleteTask(task.ID, success)
	}
	TaskProcessingDuration.WithLabelValues(string(task.Type)).Observe(elapsed.Seconds())
	TasksProcessedTotal.WithLabelValues(string(task.Type), string(result.Status)).Inc()

	if success {
		e.completed.Add(1)
		log.Info().
			Int64("duration_ms", result.DurationMS).
			Msg("executor: task completed")
	} else {
		e.failed.Add(1)
		e.logFailure(log, task, kind, err, result)
		e.scheduleRetry(task, next, result.AttemptNumber, log)
	}

	e.deliver(result, log)
	return result
}

// invoke runs the handler under the task timeout. The executor returns at
// the deadline even if the handler ignores its context.
func (e *Executor) invoke(ctx context.Context, h Handler, task *Task, log zerolog.Logger) (map[string]any, error) {
	timeout := task.Timeout(e.defaultTimeout)
	ctx, cancel := context.WithTimeout(logger.WithLogger(ctx, &log), timeout)
	defer cancel()

	type outcome struct {
		result map[string]any
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("handler panic: %v", r)}
			}
		}()
		res, err := h.Handle(ctx, task, log)
		done <- outcome{result: res, err: err}
	}()

	select {
	case o := <-done:
		return o.result, o.err
	case <-ctx.Done():
		return nil, fmt.Errorf("%w after %s", ErrTaskTimeout, timeout)
	}
}

func (e *Executor) logFailure(log zerolog.Logger, task *Task, kind ErrorKind, err error, result *TaskResult) {
	ev := log.Warn()
	if kind == KindExecution || kind == KindUnknownTaskType {
		ev = log.Error()
	}
	ev.Err(err).
		Str("error_code", result.ErrorCode).
		Int("attempt", result.AttemptNumber).
		Int64("duration_ms", result.DurationMS).
		Msg("executor: task failed")

	if kind == KindExecution {
		sentry.WithScope(func(scope *sentry.Scope) {
			scope.SetTag("task_type", string(task.Type))
			scope.SetTag("task_id", task.ID)
			sentry.CaptureException(err)
		})
	}
}

// nextAttempt returns the copy of task to run again after a failed attempt,
// or nil once it succeeded or used up its retries.
func nextAttempt(task *Task, attempt int, success bool) *Task {
	if success || attempt >= task.MaxRetries {
		return nil
	}
	next := task.Clone()
	next.Attempts = attempt
	return next
}

// scheduleRetry releases next back into the queue after the retry delay.
// The wait happens on its own goroutine so the worker keeps draining the
// queue. A nil next means there is nothing to retry.
func (e *Executor) scheduleRetry(task, next *Task, attempt int, log zerolog.Logger) {
	if next == nil {
		if attempt >= task.MaxRetries {
			log.Warn().
				Int("attempts", attempt).
				Msg("executor: retries exhausted")
		}
		return
	}

	delay := e.retryDelay * time.Duration(attempt)
	TaskRetries.WithLabelValues(string(next.Type)).Inc()

	log.Info().
		Int("next_attempt", attempt+1).
		Dur("delay", delay).
		Msg("executor: scheduling retry")

	e.retries.Add(1)
	go func() {
		defer e.retries.Done()
		if err := e.queue.Requeue(e.retryCtx, next, delay); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("executor: requeue failed")
		}
	}()
}

func (e *Executor) deliver(result *TaskResult, log zerolog.Logger) {
	if e.results == nil {
		return
	}
	timer := time.NewTimer(deliverTimeout)
	defer timer.Stop()
	select {
	case e.results <- result:
	case <-timer.C:
		log.Error().Msg("executor: result dropped, nobody is receiving")
	}
}

// applyRecordCounts lifts record counters a handler reported in its result
// map onto the TaskResult.
func applyRecordCounts(result *TaskResult, out map[string]any) {
	if out == nil {
		return
	}
	result.RecordsProcessed = intField(out, "records_processed")
	result.RecordsSuccessful = intField(out, "records_successful")
	result.RecordsFailed = intField(out, "records_failed")
	result.RecordsSkipped = intField(out, "records_skipped")
}

func intField(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}
