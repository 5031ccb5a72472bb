// Package tasks defines the core data structures of the scheduling pipeline.
// A Task is the full record kept in the store; TaskMetadata is the lightweight
// projection that travels on the buses and indexes the daily buckets.
package tasks

import (
	"time"
)

// DayMillis is the width of a bucket in epoch milliseconds (one UTC day).
const DayMillis int64 = 86_400_000

// Task represents a unit of scheduled work.
// The scheduling pipeline never executes tasks; it decides when a task is due
// and hands it to downstream executors via the delivered bus.
type Task struct {
	// ID is a unique identifier for the task (typically UUID).
	ID string `json:"id"`

	// Tenant is an opaque owner label used for filtering.
	Tenant string `json:"tenant,omitempty"`

	// Payload is the task body. It is carried untouched to executors.
	Payload string `json:"payload,omitempty"`

	// Parameters holds free-form key/value arguments for the executor.
	Parameters map[string]string `json:"parameters,omitempty"`

	// ScheduledAt is the intended execution time in epoch milliseconds.
	ScheduledAt int64 `json:"scheduledAt"`

	// Status is the current lifecycle state.
	Status Status `json:"status"`

	// Priority is informational; it does not change ordering inside the pipeline.
	Priority Priority `json:"priority"`

	CreatedBy  string `json:"createdBy,omitempty"`
	AssignedTo string `json:"assignedTo,omitempty"`

	// CreatedAt and UpdatedAt are epoch milliseconds.
	CreatedAt int64 `json:"createdAt"`
	UpdatedAt int64 `json:"updatedAt"`

	// RetryCount counts every failure ever reported for the task.
	RetryCount int `json:"retryCount"`

	// CurrentRetries counts failures against the budget; never exceeds MaxRetries.
	CurrentRetries int `json:"currentRetries"`
	MaxRetries     int `json:"maxRetries"`

	// RetryDelayMs is the wait before a RETRYING task is re-enqueued.
	RetryDelayMs int64 `json:"retryDelayMs"`

	ExecutionResult string `json:"executionResult,omitempty"`
	ErrorMessage    string `json:"errorMessage,omitempty"`
}

// TaskMetadata is the projection of a Task used on the dispatch and scheduled
// buses and stored per bucket for far-future tasks.
type TaskMetadata struct {
	ID          string `json:"id"`
	Tenant      string `json:"tenant,omitempty"`
	ScheduledAt int64  `json:"scheduledAt"`
	Status      Status `json:"status"`
	// BucketID is set only when the record is stored in a daily bucket.
	BucketID *int64 `json:"bucketId,omitempty"`
}

// Priority is an informational label.
type Priority string

const (
	PriorityHigh   Priority = "HIGH"
	PriorityMedium Priority = "MEDIUM"
	PriorityLow    Priority = "LOW"
)

// Valid reports whether p is one of the known priorities.
func (p Priority) Valid() bool {
	switch p {
	case PriorityHigh, PriorityMedium, PriorityLow:
		return true
	}
	return false
}

// Metadata returns the bus projection of the task.
func (t Task) Metadata() TaskMetadata {
	return TaskMetadata{
		ID:          t.ID,
		Tenant:      t.Tenant,
		ScheduledAt: t.ScheduledAt,
		Status:      t.Status,
	}
}

// WithBucket returns a copy of m stamped with the bucket of its ScheduledAt.
func (m TaskMetadata) WithBucket() TaskMetadata {
	b := BucketID(m.ScheduledAt)
	m.BucketID = &b
	return m
}

// BucketID maps an epoch millisecond timestamp to the start of its UTC day.
// Timestamps are expected to be non-negative.
func BucketID(ms int64) int64 {
	return ms - ms%DayMillis
}

// BucketForDay returns the bucket id of the UTC day containing t.
func BucketForDay(t time.Time) int64 {
	return BucketID(t.UnixMilli())
}

// NowMillis returns the current time in epoch milliseconds.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// RecordFailure applies one execution failure to the task.
// The task goes RETRYING while budget remains. The failure that uses the last
// retry moves it to FAILED and returns ErrRetryBudgetExhausted.
func (t *Task) RecordFailure(cause string, now int64) error {
	t.RetryCount++
	t.ErrorMessage = cause
	t.UpdatedAt = now

	if t.CurrentRetries+1 >= t.MaxRetries {
		if t.CurrentRetries < t.MaxRetries {
			t.CurrentRetries++
		}
		t.Status = StatusFailed
		return ErrRetryBudgetExhausted
	}

	t.CurrentRetries++
	t.Status = StatusRetrying
	return nil
}
