package ports

import (
	"context"
	"taskrelay/internal/domain"
	"time"
)

// TaskStore is the durable source of truth for task state.
// Implementations must be safe for concurrent use from several processes.
type TaskStore interface {
	// Create assigns the id and created_at and persists a pending record.
	Create(ctx context.Context, rec domain.TaskRecord) (string, error)
	Get(ctx context.Context, id string) (*domain.TaskRecord, error)
	// Update atomically applies fn through domain.Mutate. A terminal record
	// yields domain.ErrTerminal and fn is not called.
	Update(ctx context.Context, id string, fn func(*domain.TaskRecord) error) (*domain.TaskRecord, error)
	ListActive(ctx context.Context, ownerID string) ([]domain.TaskRecord, error)
	// RequestCancel sets cancel_requested. cancelledNow is true when a pending
	// record was moved straight to cancelled by this call.
	RequestCancel(ctx context.Context, id, ownerID string) (rec *domain.TaskRecord, cancelledNow bool, err error)
	// ListStale returns in-progress records whose heartbeat is older than cutoff.
	ListStale(ctx context.Context, cutoff time.Time) ([]domain.TaskRecord, error)
}
