package usecase

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"taskrelay/internal/domain"
	"time"
)

// cancelPollInterval throttles store reads from Progress.Cancelled.
const cancelPollInterval = 100 * time.Millisecond

// tracker is the Progress handle of one execution. mu serialises every
// write+publish pair so no progress event can follow the terminal one.
// Writes only land while the record still carries this execution's lease.
type tracker struct {
	e     *Executor
	id    string
	lease string
	abort context.CancelFunc

	mu     sync.Mutex
	closed bool

	cancelled  atomic.Bool
	cancelOnce sync.Once
	cancelSeen chan struct{}
	lastCheck  atomic.Int64
}

func newTracker(e *Executor, rec domain.TaskRecord, abort context.CancelFunc) *tracker {
	return &tracker{e: e, id: rec.ID, lease: rec.LeaseID, abort: abort, cancelSeen: make(chan struct{})}
}

// holds reports whether r is still running under this execution's lease.
func (t *tracker) holds(r *domain.TaskRecord) bool {
	return r.Status == domain.StatusInProgress && r.LeaseID == t.lease
}

// observeCancel flips the flag and aborts the work context, once.
func (t *tracker) observeCancel() {
	t.cancelOnce.Do(func() {
		t.cancelled.Store(true)
		close(t.cancelSeen)
		t.abort()
	})
}

func (t *tracker) Cancelled() bool {
	if t.cancelled.Load() {
		return true
	}
	now := time.Now().UnixNano()
	if now-t.lastCheck.Load() < int64(cancelPollInterval) {
		return false
	}
	t.lastCheck.Store(now)

	rec, err := t.e.Store.Get(context.Background(), t.id)
	if err == nil && rec.CancelRequested {
		t.observeCancel()
		return true
	}
	return false
}

func (t *tracker) Report(ctx context.Context, u Update) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return domain.ErrTaskNotRunning
	}
	if t.cancelled.Load() {
		return domain.ErrCancelled
	}

	rec, err := t.e.Store.Update(context.WithoutCancel(ctx), t.id, func(r *domain.TaskRecord) error {
		if !t.holds(r) {
			return domain.ErrTaskNotRunning
		}
		u.apply(r, t.e.now())
		return nil
	})
	if errors.Is(err, domain.ErrTerminal) || errors.Is(err, domain.ErrTaskNotRunning) {
		t.closed = true
		return domain.ErrTaskNotRunning
	}
	if err != nil {
		return err
	}

	t.e.Notify.Publish(ctx, *rec)
	if rec.CancelRequested {
		t.observeCancel()
	}
	return nil
}

// finalize applies the last write of this execution and publishes it.
// Reports are rejected from here on, whatever the outcome.
func (t *tracker) finalize(ctx context.Context, fn func(*domain.TaskRecord) error) (*domain.TaskRecord, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, domain.ErrTaskNotRunning
	}
	t.closed = true

	rec, err := t.e.Store.Update(context.WithoutCancel(ctx), t.id, func(r *domain.TaskRecord) error {
		if !t.holds(r) {
			return domain.ErrTaskNotRunning
		}
		return fn(r)
	})
	if err != nil {
		return nil, err
	}
	t.e.Notify.Publish(ctx, *rec)
	return rec, nil
}

func (t *tracker) close() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
}

func (u Update) apply(r *domain.TaskRecord, now time.Time) {
	if u.Total > 0 {
		r.TotalItems = u.Total
	}
	r.ProcessedItems = max(r.ProcessedItems, u.Processed)
	r.SuccessfulItems = max(r.SuccessfulItems, u.Successful)
	r.FailedItems = max(r.FailedItems, u.Failed)
	if u.Step != "" {
		r.CurrentStep = u.Step
	}

	pct := u.Percent
	if pct == 0 && r.TotalItems > 0 {
		pct = r.ProcessedItems * 100 / r.TotalItems
	}
	r.ProgressPercent = max(r.ProgressPercent, min(pct, 100))

	if r.StartedAt != nil && r.ProgressPercent > 0 && r.ProgressPercent < 100 {
		elapsed := now.Sub(*r.StartedAt)
		eta := r.StartedAt.Add(time.Duration(float64(elapsed) * 100 / float64(r.ProgressPercent)))
		r.EstimatedCompletion = &eta
	}
}
