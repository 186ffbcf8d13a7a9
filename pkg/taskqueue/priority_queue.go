// Copyright 2025 MNM Agent Authors
// SPDX-License-Identifier: Apache-2.0

package taskqueue

import (
	"context"
	"sync"
	"time"

	"github.com/google/btree"

	"github.com/mnmfasteners/mnm-agent/pkg/logger"
	"github.com/mnmfasteners/mnm-agent/pkg/utils"
)

// Compile-time interface verification
var _ Queue = (*PriorityQueue)(nil)

// queueItem orders pending tasks: lower rank first, then arrival order.
type queueItem struct {
	rank int
	seq  uint64
	id   string
}

func lessItem(a, b queueItem) bool {
	if a.rank != b.rank {
		return a.rank < b.rank
	}
	return a.seq < b.seq
}

// PriorityQueueConfig configures a PriorityQueue.
type PriorityQueueConfig struct {
	// Path of the snapshot file. Empty keeps the queue in memory only.
	Path string
}

// PriorityQueue is the agent's durable task queue. Pending tasks are held
// in a btree ordered by (priority, arrival); every tracked task is written
// to a JSON snapshot after each mutation so that a restart picks up where
// the previous run stopped.
type PriorityQueue struct {
	path string

	mu     sync.Mutex
	index  *btree.BTreeG[queueItem]
	items  map[string]queueItem  // pending task ID -> index entry
	tasks  map[string]*Task      // every tracked (non-terminal) task
	status map[string]TaskStatus // last known status, kept after completion
	seq    uint64
	wake   chan struct{} // closed and replaced on every push
	closed bool
	stats  QueueStats
}

// NewPriorityQueue creates a queue and reloads any persisted tasks as
// pending. A missing or unreadable snapshot yields an empty queue.
func NewPriorityQueue(cfg PriorityQueueConfig) *PriorityQueue {
	q := &PriorityQueue{
		path:   cfg.Path,
		index:  btree.NewG(8, lessItem),
		items:  make(map[string]queueItem),
		tasks:  make(map[string]*Task),
		status: make(map[string]TaskStatus),
		wake:   make(chan struct{}),
	}

	if q.path != "" {
		restored, err := loadSnapshot(q.path)
		if err != nil {
			logger.Error().Err(err).Str("path", q.path).Msg("taskqueue: failed to load snapshot, starting empty")
		}
		for _, task := range restored {
			q.tasks[task.ID] = task
			q.pushLocked(task)
		}
		if len(restored) > 0 {
			logger.Info().Int("tasks", len(restored)).Msg("taskqueue: restored persisted tasks")
		}
	}
	q.updateDepthLocked()
	return q
}

func (q *PriorityQueue) Enqueue(ctx context.Context, task *Task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		logger.Warn().Str("task_id", task.ID).Msg("taskqueue: enqueue on closed queue")
		return false
	}
	if _, ok := q.tasks[task.ID]; ok {
		q.stats.Duplicates++
		TasksDuplicateTotal.Inc()
		logger.Warn().
			Str("task_id", task.ID).
			Str("type", string(task.Type)).
			Msg("taskqueue: task already queued")
		return false
	}

	q.tasks[task.ID] = task
	q.pushLocked(task)
	q.stats.Enqueued++
	TasksEnqueuedTotal.WithLabelValues(string(task.Type)).Inc()
	q.persistLocked()
	q.updateDepthLocked()

	logger.Debug().
		Str("task_id", task.ID).
		Str("type", string(task.Type)).
		Str("priority", string(task.Priority)).
		Msg("taskqueue: enqueued task")
	return true
}

func (q *PriorityQueue) Dequeue(ctx context.Context, timeout time.Duration) (*Task, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrQueueClosed
		}
		if task := q.popLocked(); task != nil {
			q.mu.Unlock()
			return task, nil
		}
		wake := q.wake
		q.mu.Unlock()

		select {
		case <-wake:
		case <-expired:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (q *PriorityQueue) CompleteTask(taskID string, success bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if item, ok := q.items[taskID]; ok {
		q.index.Delete(item)
		delete(q.items, taskID)
	}
	delete(q.tasks, taskID)

	if success {
		q.status[taskID] = StatusCompleted
		q.stats.Completed++
	} else {
		q.status[taskID] = StatusFailed
		q.stats.Failed++
	}
	q.persistLocked()
	q.updateDepthLocked()
}

// RetryTask records a failed attempt of taskID and tracks next in its place
// as retrying, under one lock so a redelivery of the same ID is rejected
// while the retry waits. Release next with Requeue.
func (q *PriorityQueue) RetryTask(taskID string, next *Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	if item, ok := q.items[taskID]; ok {
		q.index.Delete(item)
		delete(q.items, taskID)
	}
	q.stats.Failed++
	q.trackRetryLocked(next)
	q.persistLocked()
	q.updateDepthLocked()
	return nil
}

// Requeue marks the task as retrying and tracks it, unless RetryTask already
// did, then waits out delay before making it available. Only the caller
// blocks. If ctx ends during the delay the task stays in the snapshot and is
// picked up on the next start.
func (q *PriorityQueue) Requeue(ctx context.Context, task *Task, delay time.Duration) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	if q.tasks[task.ID] != task {
		q.trackRetryLocked(task)
		q.persistLocked()
		q.updateDepthLocked()
	}
	q.mu.Unlock()

	logger.Debug().
		Str("task_id", task.ID).
		Int("attempts", task.Attempts).
		Dur("delay", delay).
		Msg("taskqueue: task scheduled for retry")

	if err := utils.SleepContext(ctx, delay); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	if cur, ok := q.tasks[task.ID]; !ok || cur != task {
		// Dropped by Clear while waiting.
		return ErrTaskNotFound
	}
	q.pushLocked(task)
	q.persistLocked()
	q.updateDepthLocked()
	return nil
}

func (q *PriorityQueue) trackRetryLocked(task *Task) {
	q.tasks[task.ID] = task
	q.status[task.ID] = StatusRetrying
	q.stats.Requeued++
}

func (q *PriorityQueue) CancelTask(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.status[taskID] != StatusPending {
		return false
	}
	item, ok := q.items[taskID]
	if !ok {
		return false
	}
	q.index.Delete(item)
	delete(q.items, taskID)
	delete(q.tasks, taskID)
	q.status[taskID] = StatusCancelled
	q.stats.Cancelled++
	q.persistLocked()
	q.updateDepthLocked()

	logger.Info().Str("task_id", taskID).Msg("taskqueue: task cancelled")
	return true
}

// GetTask returns a tracked task, or nil once it has reached a terminal state.
func (q *PriorityQueue) GetTask(taskID string) *Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tasks[taskID]
}

// GetTaskStatus returns the last known status of a task.
func (q *PriorityQueue) GetTaskStatus(taskID string) (TaskStatus, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	s, ok := q.status[taskID]
	return s, ok
}

func (q *PriorityQueue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.index.Len()
}

// IsEmpty reports whether no task is waiting to run.
func (q *PriorityQueue) IsEmpty() bool {
	return q.PendingCount() == 0
}

func (q *PriorityQueue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := q.stats
	stats.Pending = q.index.Len()
	for id := range q.tasks {
		if q.status[id] == StatusInProgress {
			stats.InProgress++
		}
	}
	return stats
}

// Clear drops every task and removes the snapshot file.
func (q *PriorityQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.index.Clear(false)
	clear(q.items)
	clear(q.tasks)
	clear(q.status)
	if q.path != "" {
		if err := removeSnapshot(q.path); err != nil {
			logger.Warn().Err(err).Str("path", q.path).Msg("taskqueue: failed to remove snapshot")
		}
	}
	q.updateDepthLocked()
	logger.Info().Msg("taskqueue: cleared")
}

func (q *PriorityQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	close(q.wake)
	return nil
}

// pushLocked makes task available for dequeue and wakes every waiter.
func (q *PriorityQueue) pushLocked(task *Task) {
	q.seq++
	item := queueItem{rank: task.Priority.Rank(), seq: q.seq, id: task.ID}
	q.index.ReplaceOrInsert(item)
	q.items[task.ID] = item
	q.status[task.ID] = StatusPending

	if !q.closed {
		close(q.wake)
		q.wake = make(chan struct{})
	}
}

func (q *PriorityQueue) popLocked() *Task {
	for {
		item, ok := q.index.DeleteMin()
		if !ok {
			return nil
		}
		delete(q.items, item.id)
		task, ok := q.tasks[item.id]
		if !ok {
			continue
		}
		q.status[item.id] = StatusInProgress
		q.stats.Dequeued++
		q.updateDepthLocked()
		return task
	}
}

func (q *PriorityQueue) updateDepthLocked() {
	var inProgress, retrying int
	for id := range q.tasks {
		switch q.status[id] {
		case StatusInProgress:
			inProgress++
		case StatusRetrying:
			retrying++
		}
	}
	QueueDepth.WithLabelValues(string(StatusPending)).Set(float64(q.index.Len()))
	QueueDepth.WithLabelValues(string(StatusInProgress)).Set(float64(inProgress))
	QueueDepth.WithLabelValues(string(StatusRetrying)).Set(float64(retrying))
}
