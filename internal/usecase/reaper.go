package usecase

import (
	"context"
	"errors"
	"taskrelay/internal/domain"
	"taskrelay/internal/ports"
	"time"

	"github.com/rs/zerolog/log"
)

const leaseExpired = "worker lease expired"

var errLeaseHeld = errors.New("lease still held")

// Reaper recovers tasks whose worker stopped heartbeating. A stale task is
// requeued as a retry while retries remain and failed otherwise.
type Reaper struct {
	Store        ports.TaskStore
	Queue        ports.Queue
	Notify       Notifier
	LeaseTimeout time.Duration
	Interval     time.Duration
	Now          func() time.Time
}

func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := r.Sweep(ctx)
			if err != nil && ctx.Err() == nil {
				log.Ctx(ctx).Error().Err(err).Msg("reaper: sweep failed")
			}
			if n > 0 {
				log.Ctx(ctx).Warn().Int("recovered", n).Msg("reaper: recovered stale tasks")
			}
		}
	}
}

// Sweep handles every task whose heartbeat is older than the lease and
// returns how many it settled or requeued. Queue entries left unacked for
// longer than the lease are dropped on the way out.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	cutoff := now().Add(-r.LeaseTimeout)

	stale, err := r.Store.ListStale(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, s := range stale {
		rec, err := r.Store.Update(ctx, s.ID, func(t *domain.TaskRecord) error {
			if t.Status != domain.StatusInProgress || t.HeartbeatAt == nil || !t.HeartbeatAt.Before(cutoff) {
				return errLeaseHeld
			}
			switch {
			case t.CancelRequested:
				t.Status = domain.StatusCancelled
				t.CurrentStep = "cancelled"
			case t.RetryCount < t.MaxRetries:
				t.RetryCount++
				t.Status = domain.StatusPending
				t.ErrorMessage = leaseExpired
				t.Retryable = true
				t.CurrentStep = "requeued after lease expiry"
			default:
				t.Status = domain.StatusFailure
				t.ErrorMessage = leaseExpired
				t.Retryable = false
				t.CurrentStep = "failed"
			}
			return nil
		})
		if errors.Is(err, errLeaseHeld) || errors.Is(err, domain.ErrTerminal) {
			continue
		}
		if err != nil {
			return recovered, err
		}

		recovered++
		r.Notify.Publish(ctx, *rec)
		logger := log.Ctx(ctx).With().Str("task_id", rec.ID).Str("status", string(rec.Status)).Logger()

		job := domain.Job{TaskID: rec.ID, Attempt: rec.RetryCount}
		switch rec.Status {
		case domain.StatusPending:
			if _, err := r.Queue.Enqueue(ctx, job); err != nil {
				logger.Error().Err(err).Msg("reaper: requeue failed")
				continue
			}
			logger.Warn().Msg("reaper: requeued task after lease expiry")
		case domain.StatusFailure:
			if err := r.Queue.ToDLQ(ctx, job, leaseExpired); err != nil {
				logger.Warn().Err(err).Msg("reaper: failed to copy job to DLQ")
			}
			logger.Warn().Msg("reaper: task failed after lease expiry")
		}
	}

	dropped, err := r.Queue.DropOrphans(ctx, r.LeaseTimeout)
	if err != nil {
		log.Ctx(ctx).Warn().Err(err).Msg("reaper: failed to drop orphaned queue entries")
	} else if dropped > 0 {
		log.Ctx(ctx).Info().Int("dropped", dropped).Msg("reaper: dropped orphaned queue entries")
	}
	return recovered, nil
}
