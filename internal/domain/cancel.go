package domain

import (
	"context"
	"errors"
)

type recordReadWriter interface {
	Get(ctx context.Context, id string) (*TaskRecord, error)
	Update(ctx context.Context, id string, fn func(*TaskRecord) error) (*TaskRecord, error)
}

// RequestCancel is the shared cancellation path of every TaskStore.
// Ownership is checked before anything is written, a terminal record is
// returned untouched, and a pending record goes straight to cancelled.
func RequestCancel(ctx context.Context, s recordReadWriter, id, ownerID string) (*TaskRecord, bool, error) {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if rec.OwnerID != ownerID {
		return nil, false, ErrPermissionDenied
	}
	if rec.Status.Terminal() {
		return rec, false, nil
	}

	var cancelledNow bool
	updated, err := s.Update(ctx, id, func(r *TaskRecord) error {
		if r.OwnerID != ownerID {
			return ErrPermissionDenied
		}
		cancelledNow = false
		r.CancelRequested = true
		if r.Status == StatusPending {
			r.Status = StatusCancelled
			r.CurrentStep = "cancelled"
			cancelledNow = true
		}
		return nil
	})
	if errors.Is(err, ErrTerminal) {
		// finished between the read and the write
		rec, err = s.Get(ctx, id)
		return rec, false, err
	}
	if err != nil {
		return nil, false, err
	}
	return updated, cancelledNow, nil
}
