package client

import (
	"encoding/json"
	"sort"
	"sync"
	"taskrelay/internal/domain"
	"taskrelay/internal/wire"
	"time"

	"github.com/rs/zerolog/log"
)

// TaskState is the subscriber's last known view of one task.
type TaskState struct {
	TaskID      string
	Status      domain.TaskStatus
	Progress    int
	CurrentStep string

	TotalItems      int
	ProcessedItems  int
	SuccessfulItems int
	FailedItems     int
	RetryCount      int

	ResultSummary       json.RawMessage
	ErrorMessage        string
	Retryable           bool
	EstimatedCompletion *time.Time

	Version int64
}

// Terminal reports whether no further callbacks will fire for the task.
func (s TaskState) Terminal() bool { return s.Status.Terminal() }

// Callbacks receive state changes. Any of them may be nil. They are invoked
// one at a time, in arrival order, and never while internal locks are held.
type Callbacks struct {
	OnProgress  func(TaskState)
	OnCompleted func(TaskState)
	// OnError fires when a task fails.
	OnError     func(TaskState)
	OnCancelled func(TaskState)
}

// tasks is the local task map plus the delivery rules both transports go
// through.
type tasks struct {
	cb Callbacks

	// deliverMu keeps callbacks ordered; mu guards m only.
	deliverMu sync.Mutex
	mu        sync.Mutex
	m         map[string]TaskState
}

func newTasks(cb Callbacks) *tasks {
	return &tasks{cb: cb, m: make(map[string]TaskState)}
}

func (t *tasks) track(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.m[id]; !ok {
		t.m[id] = TaskState{TaskID: id, Status: domain.StatusPending}
	}
}

func (t *tasks) forget(id string) {
	t.mu.Lock()
	delete(t.m, id)
	t.mu.Unlock()
}

func (t *tasks) get(id string) (TaskState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.m[id]
	return s, ok
}

// active returns the non-terminal tasks ordered by id.
func (t *tasks) active() []TaskState {
	t.mu.Lock()
	out := make([]TaskState, 0, len(t.m))
	for _, s := range t.m {
		if !s.Terminal() {
			out = append(out, s)
		}
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out
}

// deliver applies one frame. Status replies are folded into the event they
// describe. Stale versions and anything after a terminal state are dropped.
func (t *tasks) deliver(m wire.Message) {
	switch m.Type {
	case wire.TypeStatus:
		if m.Task == nil {
			return
		}
		m = wire.FromView(*m.Task)
	case wire.TypeError:
		log.Warn().Str("task_id", m.TaskID).Str("error", m.Error).Msg("subscriber: server rejected request")
		return
	case wire.TypeCancelAck:
		log.Debug().Str("task_id", m.TaskID).Msg("subscriber: cancel acknowledged")
		return
	}
	if !m.IsEvent() || m.TaskID == "" {
		return
	}

	t.deliverMu.Lock()
	defer t.deliverMu.Unlock()

	t.mu.Lock()
	cur, ok := t.m[m.TaskID]
	if ok && (cur.Terminal() || m.Version <= cur.Version) {
		t.mu.Unlock()
		return
	}
	if !ok {
		cur = TaskState{TaskID: m.TaskID, Status: domain.StatusPending}
	}
	next := apply(cur, m)
	t.m[m.TaskID] = next
	t.mu.Unlock()

	var fn func(TaskState)
	switch m.Type {
	case wire.TypeProgress:
		fn = t.cb.OnProgress
	case wire.TypeCompleted:
		fn = t.cb.OnCompleted
	case wire.TypeFailed:
		fn = t.cb.OnError
	case wire.TypeCancelled:
		fn = t.cb.OnCancelled
	}
	if fn != nil {
		fn(next)
	}
}

func apply(s TaskState, m wire.Message) TaskState {
	s.Version = m.Version
	setInt(&s.Progress, m.Progress)
	setInt(&s.ProcessedItems, m.ProcessedItems)
	setInt(&s.TotalItems, m.TotalItems)
	setInt(&s.SuccessfulItems, m.SuccessfulItems)
	setInt(&s.FailedItems, m.FailedItems)
	setInt(&s.RetryCount, m.RetryCount)
	if m.CurrentStep != "" {
		s.CurrentStep = m.CurrentStep
	}
	if m.EstimatedCompletion != nil {
		s.EstimatedCompletion = m.EstimatedCompletion
	}

	switch m.Type {
	case wire.TypeProgress:
		if m.Status != "" {
			s.Status = m.Status
		}
		s.ErrorMessage = m.ErrorMessage
	case wire.TypeCompleted:
		s.Status = domain.StatusSuccess
		s.ResultSummary = m.ResultSummary
		s.EstimatedCompletion = nil
	case wire.TypeFailed:
		s.Status = domain.StatusFailure
		s.ErrorMessage = m.ErrorMessage
		if m.Retryable != nil {
			s.Retryable = *m.Retryable
		}
		s.EstimatedCompletion = nil
	case wire.TypeCancelled:
		s.Status = domain.StatusCancelled
		s.EstimatedCompletion = nil
	}
	return s
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}
