// Package wire defines the JSON frames exchanged on the live channel.
package wire

import (
	"encoding/json"
	"taskrelay/internal/domain"
	"time"
)

const (
	TypeProgress  = "progress"
	TypeCompleted = "completed"
	TypeFailed    = "failed"
	TypeCancelled = "cancelled"

	// client -> server
	TypeQueryStatus = "query_status"
	TypeCancel      = "cancel"

	// server replies
	TypeStatus    = "status"
	TypeCancelAck = "cancel_ack"
	TypeError     = "error"
)

// Message is one frame. Task frames always carry task_id and version; the
// remaining fields depend on Type.
type Message struct {
	Type    string `json:"type"`
	TaskID  string `json:"task_id,omitempty"`
	Version int64  `json:"version,omitempty"`

	Progress        *int              `json:"progress,omitempty"`
	CurrentStep     string            `json:"current_step,omitempty"`
	ProcessedItems  *int              `json:"processed_items,omitempty"`
	TotalItems      *int              `json:"total_items,omitempty"`
	SuccessfulItems *int              `json:"successful_items,omitempty"`
	FailedItems     *int              `json:"failed_items,omitempty"`
	RetryCount      *int              `json:"retry_count,omitempty"`
	Status          domain.TaskStatus `json:"status,omitempty"`

	EstimatedCompletion *time.Time `json:"estimated_completion,omitempty"`

	ResultSummary json.RawMessage `json:"result_summary,omitempty"`
	ErrorMessage  string          `json:"error_message,omitempty"`
	Retryable     *bool           `json:"retryable,omitempty"`

	Task  *domain.TaskView `json:"task,omitempty"`
	Error string           `json:"error,omitempty"`
}

// Terminal reports whether m ends the task's event stream.
func (m Message) Terminal() bool {
	return m.Type == TypeCompleted || m.Type == TypeFailed || m.Type == TypeCancelled
}

// IsEvent reports whether m describes task state (as opposed to a control reply).
func (m Message) IsEvent() bool {
	return m.Type == TypeProgress || m.Terminal()
}

func FromEvent(ev domain.Event) Message {
	m := Message{Type: string(ev.Type), TaskID: ev.TaskID, Version: ev.Version}
	switch ev.Type {
	case domain.EventProgress:
		m.Progress = intp(ev.Progress)
		m.CurrentStep = ev.CurrentStep
		m.ProcessedItems = intp(ev.ProcessedItems)
		m.TotalItems = intp(ev.TotalItems)
		m.SuccessfulItems = intp(ev.SuccessfulItems)
		m.FailedItems = intp(ev.FailedItems)
		m.RetryCount = intp(ev.RetryCount)
		m.Status = ev.Status
		m.EstimatedCompletion = ev.EstimatedCompletion
		m.ErrorMessage = ev.ErrorMessage
	case domain.EventCompleted:
		m.ResultSummary = ev.ResultSummary
		m.Progress = intp(ev.Progress)
		m.ProcessedItems = intp(ev.ProcessedItems)
		m.TotalItems = intp(ev.TotalItems)
		m.SuccessfulItems = intp(ev.SuccessfulItems)
		m.FailedItems = intp(ev.FailedItems)
	case domain.EventFailed:
		m.ErrorMessage = ev.ErrorMessage
		m.Retryable = boolp(ev.Retryable)
		m.RetryCount = intp(ev.RetryCount)
	}
	return m
}

// FromView turns a status snapshot into the event frame it is equivalent
// to, so a resync can be fed through the same path as live events.
func FromView(v domain.TaskView) Message {
	rec := domain.TaskRecord{
		ID:                  v.ID,
		OwnerID:             v.OwnerID,
		Status:              v.Status,
		ProgressPercent:     v.ProgressPercent,
		CurrentStep:         v.CurrentStep,
		TotalItems:          v.TotalItems,
		ProcessedItems:      v.ProcessedItems,
		SuccessfulItems:     v.SuccessfulItems,
		FailedItems:         v.FailedItems,
		ResultSummary:       v.ResultSummary,
		ErrorMessage:        v.ErrorMessage,
		Retryable:           v.Retryable,
		RetryCount:          v.RetryCount,
		EstimatedCompletion: v.EstimatedCompletion,
		Version:             v.Version,
	}
	return FromEvent(domain.EventFor(rec))
}

func Status(v domain.TaskView) Message {
	return Message{Type: TypeStatus, TaskID: v.ID, Version: v.Version, Task: &v}
}

func CancelAck(taskID string) Message {
	return Message{Type: TypeCancelAck, TaskID: taskID}
}

func Error(taskID string, err error) Message {
	return Message{Type: TypeError, TaskID: taskID, Error: err.Error()}
}

func intp(v int) *int    { return &v }
func boolp(v bool) *bool { return &v }
