package domain

import (
	"encoding/json"
	"time"
)

type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusInProgress TaskStatus = "in_progress"
	StatusSuccess    TaskStatus = "success"
	StatusFailure    TaskStatus = "failure"
	StatusCancelled  TaskStatus = "cancelled"
)

// Terminal reports whether no further mutation may follow s.
func (s TaskStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusFailure || s == StatusCancelled
}

func (s TaskStatus) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusSuccess, StatusFailure, StatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether the state machine allows s -> to.
// in_progress -> pending is the internal retry loop and is never user visible.
func (s TaskStatus) CanTransition(to TaskStatus) bool {
	if s == to {
		return !s.Terminal()
	}
	switch s {
	case StatusPending:
		return to == StatusInProgress || to == StatusCancelled || to == StatusFailure
	case StatusInProgress:
		return to == StatusPending || to.Terminal()
	}
	return false
}

type Category string

const (
	CategoryGeneration Category = "generation"
	CategoryValidation Category = "validation"
	CategoryBulkSend   Category = "bulk_send"
	CategoryExport     Category = "export"
	CategoryImport     Category = "import"
	CategoryGeneric    Category = "generic"
)

func (c Category) Valid() bool {
	switch c {
	case CategoryGeneration, CategoryValidation, CategoryBulkSend, CategoryExport, CategoryImport, CategoryGeneric:
		return true
	}
	return false
}

// TaskRecord is the durable state of one submitted job.
type TaskRecord struct {
	ID       string          `json:"task_id"`
	OwnerID  string          `json:"owner_id"`
	Category Category        `json:"category"`
	Kind     string          `json:"kind"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Status   TaskStatus      `json:"status"`

	ProgressPercent int    `json:"progress_percent"`
	CurrentStep     string `json:"current_step"`
	TotalItems      int    `json:"total_items"`
	ProcessedItems  int    `json:"processed_items"`
	SuccessfulItems int    `json:"successful_items"`
	FailedItems     int    `json:"failed_items"`

	ResultSummary json.RawMessage `json:"result_summary,omitempty"`
	ErrorMessage  string          `json:"error_message,omitempty"`
	Retryable     bool            `json:"retryable"`

	RetryCount int `json:"retry_count"`
	MaxRetries int `json:"max_retries"`

	CancelRequested bool `json:"cancel_requested"`

	// LeaseID identifies the execution that owns an in_progress record.
	// Only the holder may write progress or settle the task.
	LeaseID string `json:"lease_id,omitempty"`

	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
	StartedAt           *time.Time `json:"started_at,omitempty"`
	CompletedAt         *time.Time `json:"completed_at,omitempty"`
	EstimatedCompletion *time.Time `json:"estimated_completion,omitempty"`
	HeartbeatAt         *time.Time `json:"heartbeat_at,omitempty"`

	Version int64 `json:"version"`
}

// Duration is completed_at - started_at, or now - started_at while running.
func (t TaskRecord) Duration(now time.Time) time.Duration {
	if t.StartedAt == nil {
		return 0
	}
	if t.CompletedAt != nil {
		return t.CompletedAt.Sub(*t.StartedAt)
	}
	return now.Sub(*t.StartedAt)
}

// Clone returns a copy that shares no mutable state with t.
func (t TaskRecord) Clone() TaskRecord {
	c := t
	c.Payload = cloneRaw(t.Payload)
	c.ResultSummary = cloneRaw(t.ResultSummary)
	c.StartedAt = cloneTime(t.StartedAt)
	c.CompletedAt = cloneTime(t.CompletedAt)
	c.EstimatedCompletion = cloneTime(t.EstimatedCompletion)
	c.HeartbeatAt = cloneTime(t.HeartbeatAt)
	return c
}

// Job is the queue envelope. Everything else is reloaded from the record.
type Job struct {
	TaskID     string    `json:"task_id"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

func cloneRaw(r json.RawMessage) json.RawMessage {
	if r == nil {
		return nil
	}
	return append(json.RawMessage(nil), r...)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// TimePtr is a small helper for the optional timestamps.
func TimePtr(t time.Time) *time.Time { return &t }
