// Copyright 2025 MNM Agent Authors
// SPDX-License-Identifier: Apache-2.0

package taskqueue

import (
	"context"
	"errors"
	"time"
)

// Common errors
var (
	ErrTaskNotFound    = errors.New("task not found")
	ErrQueueClosed     = errors.New("task queue is closed")
	ErrUnknownTaskType = errors.New("unknown task type")
	ErrTaskTimeout     = errors.New("task timed out")
)

// Queue defines the interface for task queue operations.
type Queue interface {
	// Enqueue adds a task to the queue. It returns false when a task with
	// the same ID is already tracked.
	Enqueue(ctx context.Context, task *Task) bool

	// Dequeue retrieves the next task in priority order, waiting up to
	// timeout for one to arrive. Returns nil, nil when the timeout expires.
	Dequeue(ctx context.Context, timeout time.Duration) (*Task, error)

	// CompleteTask drops the task from tracking and records its outcome.
	CompleteTask(taskID string, success bool)

	// RetryTask records a failed attempt and keeps next tracked for retry.
	RetryTask(taskID string, next *Task) error

	// Requeue puts a failed task back after delay.
	Requeue(ctx context.Context, task *Task, delay time.Duration) error

	// CancelTask cancels a task that has not started yet.
	CancelTask(taskID string) bool

	// PendingCount returns the number of tasks waiting to run.
	PendingCount() int

	// Stats returns queue statistics.
	Stats() QueueStats

	// Close shuts down the queue.
	Close() error
}
