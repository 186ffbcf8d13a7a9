// Copyright 2025 MNM Agent Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mnmfasteners/mnm-agent/pkg/config"
	"github.com/mnmfasteners/mnm-agent/pkg/logger"
	"github.com/mnmfasteners/mnm-agent/pkg/taskqueue"
)

// SchedulerSource is the Source of tasks the agent schedules itself.
const SchedulerSource = "scheduler"

// Scheduler enqueues the daily marketplace syncs at the configured local
// times.
type Scheduler struct {
	cron       *cron.Cron
	queue      taskqueue.Queue
	daysBack   int
	maxRetries int
	now        func() time.Time
}

// NewScheduler registers the morning and noon syncs.
func NewScheduler(cfg config.Config, q taskqueue.Queue) (*Scheduler, error) {
	s := &Scheduler{
		cron:       cron.New(cron.WithLocation(time.Local), cron.WithLogger(cronLogger{})),
		queue:      q,
		daysBack:   cfg.SyncDaysBack,
		maxRetries: cfg.MaxRetryAttempts,
		now:        time.Now,
	}

	jobs := []struct {
		clock    string
		taskType taskqueue.TaskType
	}{
		{cfg.MorningSyncTime, taskqueue.TaskTypeDailyMorningSync},
		{cfg.NoonSyncTime, taskqueue.TaskTypeDailyNoonSync},
	}
	for _, job := range jobs {
		hour, minute, err := config.ParseClock(job.clock)
		if err != nil {
			return nil, fmt.Errorf("schedule %s: %w", job.taskType, err)
		}
		taskType := job.taskType
		spec := fmt.Sprintf("%d %d * * *", minute, hour)
		if _, err := s.cron.AddFunc(spec, func() { s.Enqueue(taskType) }); err != nil {
			return nil, fmt.Errorf("schedule %s: %w", job.taskType, err)
		}
		logger.Info().
			Str("task_type", string(taskType)).
			Str("at", job.clock).
			Msg("scheduler: sync scheduled")
	}
	return s, nil
}

// Run starts the cron loop and blocks until ctx is done. A job already
// running is allowed to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
	return nil
}

// Next returns the next run time of every scheduled sync.
func (s *Scheduler) Next() []time.Time {
	entries := s.cron.Entries()
	out := make([]time.Time, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Schedule.Next(s.now()))
	}
	return out
}

// Enqueue builds and queues one scheduled sync task. The task ID is derived
// from the minute it was scheduled for, so a duplicate firing is dropped.
func (s *Scheduler) Enqueue(taskType taskqueue.TaskType) *taskqueue.Task {
	task := taskqueue.NewTask(taskType, taskqueue.PriorityHigh, map[string]any{
		"days_back": s.daysBack,
	})
	task.ID = fmt.Sprintf("%s-%s", taskType, s.now().UTC().Format("20060102-1504"))
	task.Source = SchedulerSource
	if s.maxRetries > 0 {
		task.MaxRetries = s.maxRetries
	}

	if !s.queue.Enqueue(context.Background(), task) {
		logger.Warn().Str("task_id", task.ID).Msg("scheduler: sync already queued")
		return nil
	}
	logger.Info().Str("task_id", task.ID).Msg("scheduler: sync queued")
	return task
}

// cronLogger routes cron's logging to zerolog.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...any) {
	logger.Debug().Fields(keysAndValues).Msg("scheduler: " + msg)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...any) {
	logger.Error().Err(err).Fields(keysAndValues).Msg("scheduler: " + msg)
}
