// Copyright 2025 MNM Agent Authors
// SPDX-License-Identifier: Apache-2.0

package taskqueue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"testing/synctest"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnmfasteners/mnm-agent/pkg/connector"
)

func newTestExecutor(q Queue, results chan<- *TaskResult) *Executor {
	return NewExecutor(ExecutorConfig{
		Queue:       q,
		RetryDelay:  time.Second,
		PollTimeout: 100 * time.Millisecond,
		Results:     results,
	})
}

func TestExecutor_Success(t *testing.T) {
	t.Parallel()

	q := NewPriorityQueue(PriorityQueueConfig{})
	defer q.Close()
	exec := newTestExecutor(q, nil)
	exec.RegisterHandler(TaskTypeHealthCheck, HandlerFunc(func(ctx context.Context, task *Task, log zerolog.Logger) (map[string]any, error) {
		return map[string]any{"healthy": true, "records_processed": 5, "records_successful": float64(4), "records_skipped": int64(1)}, nil
	}))

	task := NewTask(TaskTypeHealthCheck, PriorityNormal, nil)
	require.True(t, q.Enqueue(context.Background(), task))
	got, err := q.Dequeue(context.Background(), time.Millisecond)
	require.NoError(t, err)

	result := exec.Execute(context.Background(), got)
	assert.Equal(t, task.ID, result.TaskID)
	assert.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, true, result.Result["healthy"])
	assert.Empty(t, result.Error)
	assert.Empty(t, result.ErrorCode)
	assert.Equal(t, 1, result.AttemptNumber)
	assert.Equal(t, 5, result.RecordsProcessed)
	assert.Equal(t, 4, result.RecordsSuccessful)
	assert.Equal(t, 1, result.RecordsSkipped)
	require.NotNil(t, result.CompletedAt)
	assert.False(t, result.CompletedAt.Before(result.StartedAt))

	status, _ := q.GetTaskStatus(task.ID)
	assert.Equal(t, StatusCompleted, status)
	completed, failed := exec.Counts()
	assert.Equal(t, int64(1), completed)
	assert.Equal(t, int64(0), failed)
	assert.Empty(t, exec.CurrentTaskID())
}

func TestExecutor_UnknownTaskType(t *testing.T) {
	t.Parallel()

	q := NewPriorityQueue(PriorityQueueConfig{})
	defer q.Close()
	exec := newTestExecutor(q, nil)

	task := NewTask("bogus", PriorityNormal, nil)
	task.MaxRetries = 1
	result := exec.Execute(context.Background(), task)

	assert.Equal(t, StatusFailed, result.Status)
	assert.Equal(t, "unknown task type: bogus", result.Error)
	assert.Equal(t, ErrorCodeExecution, result.ErrorCode)
}

func TestExecutor_ErrorCodes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		handler  HandlerFunc
		wantCode string
	}{
		{
			name: "connector error",
			handler: func(context.Context, *Task, zerolog.Logger) (map[string]any, error) {
				return nil, &connector.Error{Op: "create_sales_order", Err: connector.ErrNotConnected}
			},
			wantCode: ErrorCodeSage50,
		},
		{
			name: "plain error",
			handler: func(context.Context, *Task, zerolog.Logger) (map[string]any, error) {
				return nil, errors.New("missing order_data")
			},
			wantCode: ErrorCodeExecution,
		},
		{
			name: "panic",
			handler: func(context.Context, *Task, zerolog.Logger) (map[string]any, error) {
				panic("boom")
			},
			wantCode: ErrorCodeExecution,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := NewPriorityQueue(PriorityQueueConfig{})
			defer q.Close()
			exec := newTestExecutor(q, nil)
			exec.RegisterHandler(TaskTypeCreateSalesOrder, tt.handler)

			task := NewTask(TaskTypeCreateSalesOrder, PriorityNormal, nil)
			task.MaxRetries = 1
			result := exec.Execute(context.Background(), task)

			assert.Equal(t, StatusFailed, result.Status)
			assert.Equal(t, tt.wantCode, result.ErrorCode)
			assert.NotEmpty(t, result.Error)
			_, failed := exec.Counts()
			assert.Equal(t, int64(1), failed)
		})
	}
}

func TestExecutor_Timeout(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		q := NewPriorityQueue(PriorityQueueConfig{})
		defer q.Close()
		exec := newTestExecutor(q, nil)
		exec.RegisterHandler(TaskTypeSyncOrders, HandlerFunc(func(ctx context.Context, task *Task, log zerolog.Logger) (map[string]any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}))

		task := NewTask(TaskTypeSyncOrders, PriorityNormal, nil)
		task.TimeoutSeconds = 1
		task.MaxRetries = 1
		result := exec.Execute(context.Background(), task)

		assert.Equal(t, StatusFailed, result.Status)
		assert.Equal(t, ErrorCodeTimeout, result.ErrorCode)
		assert.Equal(t, int64(1000), result.DurationMS)
	})
}

func TestExecutor_TimeoutIgnoredContext(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		q := NewPriorityQueue(PriorityQueueConfig{})
		defer q.Close()
		exec := newTestExecutor(q, nil)
		exec.RegisterHandler(TaskTypeSyncOrders, HandlerFunc(func(context.Context, *Task, zerolog.Logger) (map[string]any, error) {
			time.Sleep(5 * time.Second)
			return map[string]any{}, nil
		}))

		task := NewTask(TaskTypeSyncOrders, PriorityNormal, nil)
		task.TimeoutSeconds = 2
		task.MaxRetries = 1
		result := exec.Execute(context.Background(), task)

		assert.Equal(t, ErrorCodeTimeout, result.ErrorCode)
		assert.Contains(t, result.Error, "task timed out after 2s")
		assert.Equal(t, int64(2000), result.DurationMS)

		// Let the abandoned handler goroutine finish so the bubble can exit.
		time.Sleep(5 * time.Second)
		synctest.Wait()
	})
}

func TestExecutor_RetriesExactlyMaxRetries(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		q := NewPriorityQueue(PriorityQueueConfig{})
		defer q.Close()
		results := make(chan *TaskResult, 10)
		exec := newTestExecutor(q, results)

		var calls atomic.Int32
		exec.RegisterHandler(TaskTypeCreateSalesOrder, HandlerFunc(func(context.Context, *Task, zerolog.Logger) (map[string]any, error) {
			calls.Add(1)
			return nil, errors.New("always fails")
		}))

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		exec.Start(ctx)

		task := NewTask(TaskTypeCreateSalesOrder, PriorityNormal, nil)
		task.MaxRetries = 3
		require.True(t, q.Enqueue(ctx, task))

		var attempts []int
		for range 3 {
			r := <-results
			assert.Equal(t, task.ID, r.TaskID)
			assert.Equal(t, StatusFailed, r.Status)
			attempts = append(attempts, r.AttemptNumber)
		}
		assert.Equal(t, []int{1, 2, 3}, attempts)

		time.Sleep(time.Minute)
		synctest.Wait()
		select {
		case r := <-results:
			t.Fatalf("unexpected extra attempt %d", r.AttemptNumber)
		default:
		}
		assert.Equal(t, int32(3), calls.Load())
		assert.Nil(t, q.GetTask(task.ID))

		exec.Stop()
		assert.False(t, exec.Running())
	})
}

func TestExecutor_RetryDelayGrowsWithAttempt(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		q := NewPriorityQueue(PriorityQueueConfig{})
		defer q.Close()
		results := make(chan *TaskResult, 10)
		exec := newTestExecutor(q, results)
		exec.RegisterHandler(TaskTypeCreateSalesOrder, HandlerFunc(func(context.Context, *Task, zerolog.Logger) (map[string]any, error) {
			return nil, errors.New("nope")
		}))

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		exec.Start(ctx)

		task := NewTask(TaskTypeCreateSalesOrder, PriorityNormal, nil)
		task.MaxRetries = 3
		start := time.Now()
		require.True(t, q.Enqueue(ctx, task))

		var offsets []time.Duration
		for range 3 {
			r := <-results
			offsets = append(offsets, r.StartedAt.Sub(start.UTC()))
		}
		// RetryDelay is 1s: the second attempt waits 1s, the third 2s more.
		assert.Equal(t, []time.Duration{0, time.Second, 3 * time.Second}, offsets)

		exec.Stop()
	})
}

func TestExecutor_RedeliveryRejectedWhileRetrying(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		q := NewPriorityQueue(PriorityQueueConfig{})
		defer q.Close()
		exec := newTestExecutor(q, nil)
		exec.RegisterHandler(TaskTypeCreateSalesOrder, HandlerFunc(func(context.Context, *Task, zerolog.Logger) (map[string]any, error) {
			return nil, errors.New("nope")
		}))
		ctx := context.Background()

		task := NewTask(TaskTypeCreateSalesOrder, PriorityNormal, nil)
		task.MaxRetries = 2
		require.True(t, q.Enqueue(ctx, task))
		got, err := q.Dequeue(ctx, time.Millisecond)
		require.NoError(t, err)

		result := exec.Execute(ctx, got)
		require.Equal(t, StatusFailed, result.Status)

		// No gap between the failed attempt and the retry being tracked.
		status, _ := q.GetTaskStatus(task.ID)
		assert.Equal(t, StatusRetrying, status)
		redelivered := task.Clone()
		assert.False(t, q.Enqueue(ctx, redelivered))

		time.Sleep(time.Second)
		synctest.Wait()
		assert.Equal(t, 1, q.PendingCount(), "exactly one copy is queued")
		retry, err := q.Dequeue(ctx, time.Millisecond)
		require.NoError(t, err)
		require.NotNil(t, retry)
		assert.Equal(t, 1, retry.Attempts)
		assert.True(t, q.IsEmpty())

		exec.Stop()
	})
}

func TestExecutor_SuccessfulRetry(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		q := NewPriorityQueue(PriorityQueueConfig{})
		defer q.Close()
		results := make(chan *TaskResult, 10)
		exec := newTestExecutor(q, results)

		var calls atomic.Int32
		exec.RegisterHandler(TaskTypeGetCustomer, HandlerFunc(func(context.Context, *Task, zerolog.Logger) (map[string]any, error) {
			if calls.Add(1) == 1 {
				return nil, &connector.Error{Op: "find_customer", Err: errors.New("company file locked")}
			}
			return map[string]any{"found": true}, nil
		}))

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		exec.Start(ctx)

		task := NewTask(TaskTypeGetCustomer, PriorityNormal, nil)
		require.True(t, q.Enqueue(ctx, task))

		first := <-results
		assert.Equal(t, ErrorCodeSage50, first.ErrorCode)
		second := <-results
		assert.Equal(t, StatusCompleted, second.Status)
		assert.Equal(t, 2, second.AttemptNumber)

		status, _ := q.GetTaskStatus(task.ID)
		assert.Equal(t, StatusCompleted, status)

		exec.Stop()
	})
}

func TestExecutor_StopWaitsForInFlight(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		q := NewPriorityQueue(PriorityQueueConfig{})
		defer q.Close()
		results := make(chan *TaskResult, 1)
		exec := newTestExecutor(q, results)

		started := make(chan struct{})
		exec.RegisterHandler(TaskTypeFullSync, HandlerFunc(func(ctx context.Context, task *Task, log zerolog.Logger) (map[string]any, error) {
			close(started)
			select {
			case <-time.After(10 * time.Second):
				return map[string]any{"done": true}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}))

		ctx, cancel := context.WithCancel(context.Background())
		exec.Start(ctx)
		assert.True(t, exec.Running())

		task := NewTask(TaskTypeFullSync, PriorityHigh, nil)
		require.True(t, q.Enqueue(ctx, task))
		<-started
		assert.Equal(t, task.ID, exec.CurrentTaskID())

		cancel()
		exec.Stop()

		r := <-results
		assert.Equal(t, StatusCompleted, r.Status, "stopping does not cancel the running task")
		assert.False(t, exec.Running())
		assert.Nil(t, exec.CurrentTask())
	})
}

func TestExecutor_ExitsWhenQueueClosed(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		q := NewPriorityQueue(PriorityQueueConfig{})
		exec := newTestExecutor(q, nil)

		exec.Start(context.Background())
		synctest.Wait()
		require.NoError(t, q.Close())
		synctest.Wait()

		exec.Stop()
		assert.False(t, exec.Running())
	})
}

func TestExecutor_DeliverTimeout(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		q := NewPriorityQueue(PriorityQueueConfig{})
		defer q.Close()
		results := make(chan *TaskResult)
		exec := newTestExecutor(q, results)
		exec.RegisterHandler(TaskTypeHealthCheck, HandlerFunc(func(context.Context, *Task, zerolog.Logger) (map[string]any, error) {
			return map[string]any{}, nil
		}))

		start := time.Now()
		result := exec.Execute(context.Background(), NewTask(TaskTypeHealthCheck, PriorityNormal, nil))
		assert.Equal(t, StatusCompleted, result.Status)
		assert.Equal(t, deliverTimeout, time.Since(start))
	})
}
