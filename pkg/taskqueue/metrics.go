package taskqueue

import (
	"github.com/mnmfasteners/mnm-agent/pkg/debug"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// TasksProcessedTotal tracks executed attempts by type and outcome
	TasksProcessedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mnm_agent",
		Subsystem: "taskqueue",
		Name:      "tasks_processed_total",
		Help:      "Total number of task attempts executed",
	}, []string{"type", "status"}) // status: "completed", "failed"

	// TaskProcessingDuration tracks handler time by type
	TaskProcessingDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "mnm_agent",
		Subsystem: "taskqueue",
		Name:      "task_processing_duration_seconds",
		Help:      "Time spent executing tasks",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
	}, []string{"type"})

	// TasksEnqueuedTotal tracks accepted tasks by type
	TasksEnqueuedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mnm_agent",
		Subsystem: "taskqueue",
		Name:      "tasks_enqueued_total",
		Help:      "Total number of tasks enqueued",
	}, []string{"type"})

	// TasksDuplicateTotal tracks enqueues rejected because the ID was tracked
	TasksDuplicateTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mnm_agent",
		Subsystem: "taskqueue",
		Name:      "tasks_duplicate_total",
		Help:      "Total number of duplicate task deliveries dropped",
	})

	// TaskRetries tracks scheduled retries by type
	TaskRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mnm_agent",
		Subsystem: "taskqueue",
		Name:      "task_retries_total",
		Help:      "Total number of task retries",
	}, []string{"type"})

	// QueueDepth tracks current queue depth by status
	QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "mnm_agent",
		Subsystem: "taskqueue",
		Name:      "queue_depth",
		Help:      "Current number of tracked tasks by status",
	}, []string{"status"}) // status: "pending", "in_progress", "retrying"

	// QueuePersistErrors tracks failed snapshot writes
	QueuePersistErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mnm_agent",
		Subsystem: "taskqueue",
		Name:      "queue_persist_errors_total",
		Help:      "Total number of failed queue snapshot writes",
	})
)

func init() {
	debug.Registry().MustRegister(
		TasksProcessedTotal,
		TaskProcessingDuration,
		TasksEnqueuedTotal,
		TasksDuplicateTotal,
		TaskRetries,
		QueueDepth,
		QueuePersistErrors,
	)
}
