// Package taskqueue holds the agent's unit of work and the machinery that
// runs it.
//
// Tasks arrive from the backend (WebSocket or polling) or from the local
// scheduler, wait in a durable PriorityQueue and are executed one at a time
// by the Executor. Every executed attempt produces exactly one TaskResult.
package taskqueue

import (
	"encoding/json"
	"maps"
	"time"

	"github.com/google/uuid"
)

// Default configuration values
const (
	DefaultTimeout     = 600 * time.Second
	DefaultMaxRetries  = 3
	DefaultRetryDelay  = 5 * time.Second
	DefaultPollTimeout = 5 * time.Second
	DefaultSource      = "backend"
)

// TaskType identifies the type of task for routing to handlers.
type TaskType string

// Order operations
const (
	TaskTypeCreateSalesOrder  TaskType = "create_sales_order"
	TaskTypeGetSalesOrder     TaskType = "get_sales_order"
	TaskTypeBatchCreateOrders TaskType = "batch_create_orders"
	TaskTypeSyncOrders        TaskType = "sync_orders"
)

// Customer and product lookups
const (
	TaskTypeCreateCustomer  TaskType = "create_customer"
	TaskTypeGetCustomer     TaskType = "get_customer"
	TaskTypeSearchCustomers TaskType = "search_customers"
	TaskTypeGetProduct      TaskType = "get_product"
	TaskTypeSearchProducts  TaskType = "search_products"
)

// Marketplace syncs
const (
	TaskTypeSyncAmazon       TaskType = "sync_amazon_to_sage"
	TaskTypeSyncEbay         TaskType = "sync_ebay_to_sage"
	TaskTypeSyncShopify      TaskType = "sync_shopify_to_sage"
	TaskTypeDailyMorningSync TaskType = "daily_morning_sync"
	TaskTypeDailyNoonSync    TaskType = "daily_noon_sync"
	TaskTypeFullSync         TaskType = "full_sync"
)

// Housekeeping
const (
	TaskTypeHealthCheck   TaskType = "health_check"
	TaskTypeGetSageStatus TaskType = "get_sage_status"
)

var knownTaskTypes = map[TaskType]struct{}{
	TaskTypeCreateSalesOrder:  {},
	TaskTypeGetSalesOrder:     {},
	TaskTypeBatchCreateOrders: {},
	TaskTypeSyncOrders:        {},
	TaskTypeCreateCustomer:    {},
	TaskTypeGetCustomer:       {},
	TaskTypeSearchCustomers:   {},
	TaskTypeGetProduct:        {},
	TaskTypeSearchProducts:    {},
	TaskTypeSyncAmazon:        {},
	TaskTypeSyncEbay:          {},
	TaskTypeSyncShopify:       {},
	TaskTypeDailyMorningSync:  {},
	TaskTypeDailyNoonSync:     {},
	TaskTypeFullSync:          {},
	TaskTypeHealthCheck:       {},
	TaskTypeGetSageStatus:     {},
}

// Valid reports whether t is one of the task types the agent knows about.
// Unknown types still decode; they fail at dispatch.
func (t TaskType) Valid() bool {
	_, ok := knownTaskTypes[t]
	return ok
}

// AllTaskTypes lists every known task type.
func AllTaskTypes() []TaskType {
	out := make([]TaskType, 0, len(knownTaskTypes))
	for t := range knownTaskTypes {
		out = append(out, t)
	}
	return out
}

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"     // Waiting to be picked up
	StatusInProgress TaskStatus = "in_progress" // Currently being executed
	StatusCompleted  TaskStatus = "completed"   // Successfully finished
	StatusFailed     TaskStatus = "failed"      // Attempt failed
	StatusCancelled  TaskStatus = "cancelled"   // Cancelled while pending
	StatusRetrying   TaskStatus = "retrying"    // Waiting out a retry delay
)

// Terminal reports whether no further transitions follow s.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// TaskPriority orders dequeues. Critical work always goes first.
type TaskPriority string

const (
	PriorityCritical TaskPriority = "critical"
	PriorityHigh     TaskPriority = "high"
	PriorityNormal   TaskPriority = "normal"
	PriorityLow      TaskPriority = "low"
)

// Rank is the dequeue preference, 0 first. Unknown priorities rank as normal.
func (p TaskPriority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityLow:
		return 3
	default:
		return 2
	}
}

// Task represents a unit of work to be processed.
type Task struct {
	// Identification
	ID       string       `json:"task_id"`
	Type     TaskType     `json:"task_type"`
	Priority TaskPriority `json:"priority"`

	// Payload - task-specific data as sent by the backend
	Payload map[string]any `json:"payload"`

	// Scheduling
	CreatedAt      time.Time  `json:"created_at"`
	ScheduledAt    *time.Time `json:"scheduled_at,omitempty"`
	TimeoutSeconds int        `json:"timeout_seconds"`

	// Retry handling. Attempts counts attempts already made.
	MaxRetries int `json:"max_retries"`
	Attempts   int `json:"attempts"`

	// Metadata
	CorrelationID string `json:"correlation_id,omitempty"`
	Source        string `json:"source"`
	Platform      string `json:"platform,omitempty"`
}

// NewTask creates a task with a fresh ID and default limits.
func NewTask(taskType TaskType, priority TaskPriority, payload map[string]any) *Task {
	t := &Task{
		Type:     taskType,
		Priority: priority,
		Payload:  payload,
	}
	t.Normalize(DefaultTimeout)
	return t
}

// Normalize fills the defaults for a task decoded from the wire.
func (t *Task) Normalize(defaultTimeout time.Duration) {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.Priority == "" {
		t.Priority = PriorityNormal
	}
	if t.Payload == nil {
		t.Payload = map[string]any{}
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	if t.TimeoutSeconds <= 0 {
		if defaultTimeout <= 0 {
			defaultTimeout = DefaultTimeout
		}
		t.TimeoutSeconds = int(defaultTimeout / time.Second)
	}
	if t.MaxRetries <= 0 {
		t.MaxRetries = DefaultMaxRetries
	}
	if t.Source == "" {
		t.Source = DefaultSource
	}
}

// Timeout returns the task budget, falling back to def when unset.
func (t *Task) Timeout(def time.Duration) time.Duration {
	if t.TimeoutSeconds > 0 {
		return time.Duration(t.TimeoutSeconds) * time.Second
	}
	if def > 0 {
		return def
	}
	return DefaultTimeout
}

// Clone returns a copy that shares nothing mutable with t at the top level.
func (t *Task) Clone() *Task {
	c := *t
	c.Payload = maps.Clone(t.Payload)
	if t.ScheduledAt != nil {
		at := *t.ScheduledAt
		c.ScheduledAt = &at
	}
	return &c
}

// TaskResult is the terminal outcome of one executed attempt.
type TaskResult struct {
	TaskID      string         `json:"task_id"`
	Status      TaskStatus     `json:"status"`
	Result      map[string]any `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	ErrorCode   string         `json:"error_code,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	DurationMS  int64          `json:"duration_ms"`

	RecordsProcessed  int `json:"records_processed,omitempty"`
	RecordsSuccessful int `json:"records_successful,omitempty"`
	RecordsFailed     int `json:"records_failed,omitempty"`
	RecordsSkipped    int `json:"records_skipped,omitempty"`

	AttemptNumber int `json:"attempt_number"`
}

// NewTaskResult starts the result for the next attempt of task.
func NewTaskResult(task *Task) *TaskResult {
	return &TaskResult{
		TaskID:        task.ID,
		Status:        StatusInProgress,
		StartedAt:     time.Now().UTC(),
		AttemptNumber: task.Attempts + 1,
	}
}

// QueueStats provides queue counters. All but Pending and InProgress are
// monotonic for the lifetime of the queue.
type QueueStats struct {
	Enqueued   int64 `json:"enqueued"`
	Dequeued   int64 `json:"dequeued"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	Cancelled  int64 `json:"cancelled"`
	Requeued   int64 `json:"requeued"`
	Duplicates int64 `json:"duplicates"`

	Pending    int `json:"pending"`
	InProgress int `json:"in_progress"`
}

// DecodePayload converts a task payload (or a part of it) into T.
func DecodePayload[T any](payload any) (T, error) {
	var v T
	raw, err := json.Marshal(payload)
	if err != nil {
		return v, err
	}
	err = json.Unmarshal(raw, &v)
	return v, err
}
