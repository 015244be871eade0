package domain

import (
	"encoding/json"
	"time"
)

type EventType string

const (
	EventProgress  EventType = "progress"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
	EventCancelled EventType = "cancelled"
)

func (e EventType) Terminal() bool {
	return e == EventCompleted || e == EventFailed || e == EventCancelled
}

// Event is the ephemeral notification derived from a record mutation.
type Event struct {
	Type    EventType `json:"event_type"`
	TaskID  string    `json:"task_id"`
	OwnerID string    `json:"owner_id"`
	Version int64     `json:"version"`

	Status          TaskStatus `json:"status"`
	Progress        int        `json:"progress"`
	CurrentStep     string     `json:"current_step,omitempty"`
	TotalItems      int        `json:"total_items"`
	ProcessedItems  int        `json:"processed_items"`
	SuccessfulItems int        `json:"successful_items"`
	FailedItems     int        `json:"failed_items"`
	RetryCount      int        `json:"retry_count"`

	ResultSummary json.RawMessage `json:"result_summary,omitempty"`
	ErrorMessage  string          `json:"error_message,omitempty"`
	Retryable     bool            `json:"retryable"`

	EstimatedCompletion *time.Time `json:"estimated_completion,omitempty"`
	At                  time.Time  `json:"at"`
}

// EventFor derives the event matching the record's current status.
func EventFor(rec TaskRecord) Event {
	typ := EventProgress
	switch rec.Status {
	case StatusSuccess:
		typ = EventCompleted
	case StatusFailure:
		typ = EventFailed
	case StatusCancelled:
		typ = EventCancelled
	}

	ev := Event{
		Type:    typ,
		TaskID:  rec.ID,
		OwnerID: rec.OwnerID,
		Version: rec.Version,
		Status:  rec.Status,
		At:      rec.UpdatedAt,
	}

	switch typ {
	case EventProgress:
		ev.Progress = rec.ProgressPercent
		ev.CurrentStep = rec.CurrentStep
		ev.TotalItems = rec.TotalItems
		ev.ProcessedItems = rec.ProcessedItems
		ev.SuccessfulItems = rec.SuccessfulItems
		ev.FailedItems = rec.FailedItems
		ev.RetryCount = rec.RetryCount
		ev.EstimatedCompletion = rec.EstimatedCompletion
		// retry notes carry the last error so the client can show it
		ev.ErrorMessage = rec.ErrorMessage
		ev.Retryable = rec.Retryable
	case EventCompleted:
		ev.Progress = rec.ProgressPercent
		ev.ResultSummary = rec.ResultSummary
		ev.TotalItems = rec.TotalItems
		ev.ProcessedItems = rec.ProcessedItems
		ev.SuccessfulItems = rec.SuccessfulItems
		ev.FailedItems = rec.FailedItems
	case EventFailed:
		ev.ErrorMessage = rec.ErrorMessage
		ev.Retryable = rec.Retryable
		ev.RetryCount = rec.RetryCount
	}
	return ev
}
