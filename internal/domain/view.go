package domain

import (
	"encoding/json"
	"time"
)

// TaskView is what callers outside the worker see of a record.
type TaskView struct {
	ID       string     `json:"task_id"`
	OwnerID  string     `json:"owner_id"`
	Category Category   `json:"category"`
	Kind     string     `json:"kind"`
	Status   TaskStatus `json:"status"`

	ProgressPercent int    `json:"progress_percent"`
	CurrentStep     string `json:"current_step"`
	TotalItems      int    `json:"total_items"`
	ProcessedItems  int    `json:"processed_items"`
	SuccessfulItems int    `json:"successful_items"`
	FailedItems     int    `json:"failed_items"`

	ResultSummary json.RawMessage `json:"result_summary,omitempty"`
	ErrorMessage  string          `json:"error_message,omitempty"`
	Retryable     bool            `json:"retryable"`
	RetryCount    int             `json:"retry_count"`
	MaxRetries    int             `json:"max_retries"`

	CancelRequested bool `json:"cancel_requested"`

	CreatedAt           time.Time  `json:"created_at"`
	StartedAt           *time.Time `json:"started_at,omitempty"`
	CompletedAt         *time.Time `json:"completed_at,omitempty"`
	EstimatedCompletion *time.Time `json:"estimated_completion,omitempty"`
	DurationMs          int64      `json:"duration_ms"`

	Version int64 `json:"version"`
}

func (t TaskRecord) View(now time.Time) TaskView {
	return TaskView{
		ID:                  t.ID,
		OwnerID:             t.OwnerID,
		Category:            t.Category,
		Kind:                t.Kind,
		Status:              t.Status,
		ProgressPercent:     t.ProgressPercent,
		CurrentStep:         t.CurrentStep,
		TotalItems:          t.TotalItems,
		ProcessedItems:      t.ProcessedItems,
		SuccessfulItems:     t.SuccessfulItems,
		FailedItems:         t.FailedItems,
		ResultSummary:       t.ResultSummary,
		ErrorMessage:        t.ErrorMessage,
		Retryable:           t.Retryable,
		RetryCount:          t.RetryCount,
		MaxRetries:          t.MaxRetries,
		CancelRequested:     t.CancelRequested,
		CreatedAt:           t.CreatedAt,
		StartedAt:           t.StartedAt,
		CompletedAt:         t.CompletedAt,
		EstimatedCompletion: t.EstimatedCompletion,
		DurationMs:          t.Duration(now).Milliseconds(),
		Version:             t.Version,
	}
}
