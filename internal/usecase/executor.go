package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"taskrelay/internal/domain"
	"taskrelay/internal/ports"
	"taskrelay/pkg/backoff"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var errNotClaimable = errors.New("task is not pending")

// Executor runs one claimed job through the task state machine: claim,
// run the unit of work with progress and cancellation, then settle the
// record as success, retry, failure or cancelled. Unit-of-work errors never
// escape; the returned error is for infrastructure failures only.
type Executor struct {
	Store    ports.TaskStore
	Queue    ports.Queue
	Notify   Notifier
	Registry *Registry
	Retry    backoff.Policy
	Classify domain.Classifier

	CancelGrace       time.Duration
	HeartbeatInterval time.Duration

	Now func() time.Time
}

type outcome struct {
	result any
	err    error
}

func (e *Executor) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Executor) classify(err error) bool {
	if e.Classify != nil {
		return e.Classify(err)
	}
	return domain.DefaultClassifier(err)
}

func (e *Executor) Execute(ctx context.Context, job domain.Job) error {
	logger := log.Ctx(ctx).With().Str("task_id", job.TaskID).Int("attempt", job.Attempt).Logger()
	ctx = logger.WithContext(ctx)

	rec, err := e.claim(ctx, job.TaskID)
	switch {
	case errors.Is(err, errNotClaimable), errors.Is(err, domain.ErrTerminal):
		logger.Debug().Msg("skipping job, task already claimed or finished")
		return nil
	case errors.Is(err, domain.ErrNotFound):
		logger.Warn().Msg("skipping job for unknown task")
		return nil
	case err != nil:
		e.requeue(ctx, job)
		return fmt.Errorf("claim task %s: %w", job.TaskID, err)
	}

	if rec.Status == domain.StatusCancelled {
		logger.Info().Msg("task cancelled before it started")
		e.Notify.Publish(ctx, *rec)
		return nil
	}

	fn, ok := e.Registry.Lookup(rec.Kind)
	if !ok {
		t := newTracker(e, *rec, func() {})
		e.settle(ctx, job, t, outcome{err: domain.Fatal(fmt.Errorf("no handler registered for kind %q", rec.Kind))})
		return nil
	}

	e.run(ctx, job, *rec, fn)
	return nil
}

func (e *Executor) claim(ctx context.Context, id string) (*domain.TaskRecord, error) {
	return e.Store.Update(ctx, id, func(r *domain.TaskRecord) error {
		if r.Status != domain.StatusPending {
			return errNotClaimable
		}
		if r.CancelRequested {
			r.Status = domain.StatusCancelled
			r.CurrentStep = "cancelled"
			return nil
		}
		now := e.now()
		r.Status = domain.StatusInProgress
		if r.StartedAt == nil {
			r.StartedAt = domain.TimePtr(now)
		}
		r.HeartbeatAt = domain.TimePtr(now)
		r.LeaseID = uuid.NewString()
		if r.RetryCount > 0 {
			r.CurrentStep = fmt.Sprintf("retry %d/%d started", r.RetryCount, r.MaxRetries)
		} else {
			r.CurrentStep = "started"
		}
		return nil
	})
}

// run owns the slot until the record is settled. The work runs in its own
// goroutine; this loop never holds a lock while it does.
func (e *Executor) run(ctx context.Context, job domain.Job, rec domain.TaskRecord, fn WorkFunc) {
	logger := log.Ctx(ctx)

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	t := newTracker(e, rec, cancelRun)
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: domain.Fatal(fmt.Errorf("panic in task handler: %v", r))}
			}
		}()
		res, err := fn(runCtx, rec.Clone(), t)
		done <- outcome{result: res, err: err}
	}()

	heartbeat := time.NewTicker(e.heartbeatInterval())
	defer heartbeat.Stop()

	var grace <-chan time.Time
	cancelSeen := t.cancelSeen
	for {
		select {
		case out := <-done:
			e.settle(ctx, job, t, out)
			return

		case <-cancelSeen:
			cancelSeen = nil
			grace = time.After(e.cancelGrace())
			logger.Info().Msg("cancellation requested, waiting for handler to stop")

		case <-grace:
			_, err := t.finalize(ctx, func(r *domain.TaskRecord) error {
				r.Status = domain.StatusCancelled
				r.CurrentStep = "cancelled (handler did not stop in time)"
				return nil
			})
			if err != nil && !isSettled(err) {
				logger.Error().Err(err).Msg("failed to force cancellation")
			}
			logger.Warn().Msg("handler ignored cancellation, task force-cancelled")
			return

		case <-heartbeat.C:
			r, err := e.Store.Update(ctx, rec.ID, func(r *domain.TaskRecord) error {
				if !t.holds(r) {
					return domain.ErrTaskNotRunning
				}
				r.HeartbeatAt = domain.TimePtr(e.now())
				return nil
			})
			if isSettled(err) {
				// settled or re-leased elsewhere, e.g. by the lease reaper
				t.close()
				cancelRun()
				logger.Warn().Msg("task left in_progress while running, abandoning")
				return
			}
			if err != nil {
				logger.Warn().Err(err).Msg("heartbeat failed")
				continue
			}
			if r.CancelRequested {
				t.observeCancel()
			}

		case <-ctx.Done():
			cancelRun()
			e.handBack(ctx, job, t)
			return
		}
	}
}

// settle records the outcome of the work. Cancellation wins over any result
// once it has been requested.
func (e *Executor) settle(ctx context.Context, job domain.Job, t *tracker, out outcome) {
	logger := log.Ctx(ctx)

	if t.cancelled.Load() || errors.Is(out.err, domain.ErrCancelled) {
		e.finalizeCancelled(ctx, t)
		return
	}
	if out.err != nil && ctx.Err() != nil {
		// the handler stopped because the worker is shutting down
		e.handBack(ctx, job, t)
		return
	}

	if out.err == nil {
		var summary json.RawMessage
		if out.result != nil {
			b, err := json.Marshal(out.result)
			if err != nil {
				out.err = domain.Fatal(fmt.Errorf("encode result: %w", err))
			} else {
				summary = b
			}
		}
		if out.err == nil {
			rec, err := t.finalize(ctx, func(r *domain.TaskRecord) error {
				if r.CancelRequested {
					cancelRecord(r)
					return nil
				}
				r.Status = domain.StatusSuccess
				r.ProgressPercent = 100
				r.CurrentStep = "completed"
				r.ResultSummary = summary
				r.ErrorMessage = ""
				r.Retryable = false
				r.EstimatedCompletion = nil
				return nil
			})
			if err != nil {
				e.logSettleError(ctx, err)
				return
			}
			logger.Info().Str("status", string(rec.Status)).Msg("task finished")
			return
		}
	}

	retryable := e.classify(out.err)
	rec, err := t.finalize(ctx, func(r *domain.TaskRecord) error {
		if r.CancelRequested {
			cancelRecord(r)
			return nil
		}
		r.ErrorMessage = out.err.Error()
		if retryable && r.RetryCount < r.MaxRetries {
			r.RetryCount++
			r.Status = domain.StatusPending
			r.Retryable = true
			r.CurrentStep = fmt.Sprintf("retry %d/%d scheduled after error", r.RetryCount, r.MaxRetries)
			return nil
		}
		r.Status = domain.StatusFailure
		r.Retryable = false
		r.CurrentStep = "failed"
		return nil
	})
	if err != nil {
		e.logSettleError(ctx, err)
		return
	}

	switch rec.Status {
	case domain.StatusPending:
		delay := e.Retry.Delay(rec.RetryCount)
		next := domain.Job{TaskID: rec.ID, Attempt: job.Attempt + 1}
		if err := e.Queue.EnqueueDelayed(context.WithoutCancel(ctx), next, e.now().Add(delay)); err != nil {
			logger.Error().Err(err).Msg("failed to schedule retry")
			e.failPending(ctx, rec.ID, fmt.Sprintf("schedule retry: %v", err))
			return
		}
		logger.Warn().Err(out.err).Int("retry_count", rec.RetryCount).Dur("delay", delay).Msg("task failed, retry scheduled")
	case domain.StatusFailure:
		logger.Error().Err(out.err).Msg("task failed")
		if err := e.Queue.ToDLQ(context.WithoutCancel(ctx), job, rec.ErrorMessage); err != nil {
			logger.Warn().Err(err).Msg("failed to copy job to DLQ")
		}
	}
}

func (e *Executor) finalizeCancelled(ctx context.Context, t *tracker) {
	_, err := t.finalize(ctx, func(r *domain.TaskRecord) error {
		cancelRecord(r)
		return nil
	})
	if err != nil {
		e.logSettleError(ctx, err)
		return
	}
	log.Ctx(ctx).Info().Msg("task cancelled")
}

// handBack returns a task interrupted by worker shutdown to the queue
// without counting a retry.
func (e *Executor) handBack(ctx context.Context, job domain.Job, t *tracker) {
	rec, err := t.finalize(ctx, func(r *domain.TaskRecord) error {
		if r.CancelRequested {
			cancelRecord(r)
			return nil
		}
		r.Status = domain.StatusPending
		r.CurrentStep = "requeued after worker shutdown"
		return nil
	})
	if err != nil {
		e.logSettleError(ctx, err)
		return
	}
	if rec.Status == domain.StatusPending {
		e.requeue(ctx, job)
	}
}

func (e *Executor) requeue(ctx context.Context, job domain.Job) {
	if _, err := e.Queue.Enqueue(context.WithoutCancel(ctx), job); err != nil {
		log.Ctx(ctx).Error().Err(err).Msg("failed to requeue job")
	}
}

// failPending terminates a pending task that could not be put back on the queue.
func (e *Executor) failPending(ctx context.Context, id, reason string) {
	rec, err := e.Store.Update(context.WithoutCancel(ctx), id, func(r *domain.TaskRecord) error {
		if r.Status != domain.StatusPending {
			return errNotClaimable
		}
		r.Status = domain.StatusFailure
		r.Retryable = false
		r.ErrorMessage = reason
		r.CurrentStep = "failed"
		return nil
	})
	if err != nil {
		return
	}
	e.Notify.Publish(ctx, *rec)
}

func (e *Executor) logSettleError(ctx context.Context, err error) {
	if isSettled(err) {
		log.Ctx(ctx).Warn().Err(err).Msg("task was settled elsewhere, dropping outcome")
		return
	}
	log.Ctx(ctx).Error().Err(err).Msg("failed to settle task")
}

func (e *Executor) heartbeatInterval() time.Duration {
	if e.HeartbeatInterval > 0 {
		return e.HeartbeatInterval
	}
	return time.Second
}

func (e *Executor) cancelGrace() time.Duration {
	if e.CancelGrace > 0 {
		return e.CancelGrace
	}
	return 5 * time.Second
}

func cancelRecord(r *domain.TaskRecord) {
	r.Status = domain.StatusCancelled
	r.CurrentStep = "cancelled"
	r.EstimatedCompletion = nil
}

func isSettled(err error) bool {
	return errors.Is(err, domain.ErrTerminal) || errors.Is(err, domain.ErrTaskNotRunning)
}
