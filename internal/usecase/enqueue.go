package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"taskrelay/internal/domain"
	"taskrelay/internal/ports"

	"github.com/rs/zerolog/log"
)

type SubmitRequest struct {
	OwnerID    string
	Category   domain.Category
	Kind       string
	Payload    json.RawMessage
	TotalItems int
	// MaxRetries overrides the orchestrator default when set.
	MaxRetries *int
}

// Orchestrator is the submission and query/control surface shared by the
// HTTP API and the session gateway.
type Orchestrator struct {
	Store  ports.TaskStore
	Queue  ports.Queue
	Notify Notifier

	MaxQueueLength    int64
	DefaultMaxRetries int
}

// Submit persists a pending record and enqueues it. The caller gets the id
// immediately; execution happens on the worker pool.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	if req.OwnerID == "" {
		return "", fmt.Errorf("%w: owner is required", domain.ErrInvalidInput)
	}
	if req.Kind == "" {
		return "", fmt.Errorf("%w: kind is required", domain.ErrInvalidInput)
	}
	if req.Category != "" && !req.Category.Valid() {
		return "", fmt.Errorf("%w: unknown category %q", domain.ErrInvalidInput, req.Category)
	}
	if req.TotalItems < 0 {
		return "", fmt.Errorf("%w: total_items must not be negative", domain.ErrInvalidInput)
	}

	if o.MaxQueueLength > 0 {
		n, err := o.Queue.Len(ctx)
		if err != nil {
			return "", fmt.Errorf("queue length: %w", err)
		}
		if n >= o.MaxQueueLength {
			return "", domain.ErrCapacityExceeded
		}
	}

	maxRetries := o.DefaultMaxRetries
	if req.MaxRetries != nil {
		if *req.MaxRetries < 0 {
			return "", fmt.Errorf("%w: max_retries must not be negative", domain.ErrInvalidInput)
		}
		maxRetries = *req.MaxRetries
	}

	rec := domain.NewTaskRecord(req.OwnerID, req.Category, req.Kind, req.TotalItems, maxRetries)
	rec.Payload = req.Payload
	rec.CurrentStep = "queued"

	id, err := o.Store.Create(ctx, rec)
	if err != nil {
		return "", fmt.Errorf("create task: %w", err)
	}

	if _, err := o.Queue.Enqueue(ctx, domain.Job{TaskID: id}); err != nil {
		failed, uerr := o.Store.Update(context.WithoutCancel(ctx), id, func(r *domain.TaskRecord) error {
			r.Status = domain.StatusFailure
			r.ErrorMessage = fmt.Sprintf("enqueue failed: %v", err)
			r.Retryable = false
			return nil
		})
		if uerr == nil {
			o.Notify.Publish(ctx, *failed)
		}
		return "", fmt.Errorf("enqueue task %s: %w", id, err)
	}

	log.Ctx(ctx).Info().
		Str("task_id", id).
		Str("owner_id", req.OwnerID).
		Str("kind", req.Kind).
		Msg("task submitted")
	return id, nil
}

// Status returns the record if ownerID owns it.
func (o *Orchestrator) Status(ctx context.Context, id, ownerID string) (*domain.TaskRecord, error) {
	rec, err := o.Store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.OwnerID != ownerID {
		return nil, domain.ErrPermissionDenied
	}
	return rec, nil
}

func (o *Orchestrator) ListActive(ctx context.Context, ownerID string) ([]domain.TaskRecord, error) {
	return o.Store.ListActive(ctx, ownerID)
}

// Cancel requests cancellation. A pending task is cancelled on the spot and
// its terminal event published here; a running one is stopped by its worker.
func (o *Orchestrator) Cancel(ctx context.Context, id, ownerID string) (*domain.TaskRecord, error) {
	rec, cancelledNow, err := o.Store.RequestCancel(ctx, id, ownerID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) && !errors.Is(err, domain.ErrPermissionDenied) {
			log.Ctx(ctx).Error().Err(err).Str("task_id", id).Msg("cancel failed")
		}
		return nil, err
	}
	if cancelledNow {
		o.Notify.Publish(ctx, *rec)
	}
	log.Ctx(ctx).Info().
		Str("task_id", id).
		Str("status", string(rec.Status)).
		Bool("cancelled_now", cancelledNow).
		Msg("cancel requested")
	return rec, nil
}
