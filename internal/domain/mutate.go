package domain

import (
	"fmt"
	"time"
)

// Mutate applies fn to a copy of cur and enforces the record invariants
// every store shares: terminal records are frozen, the status only moves
// forward, progress and item counters never decrease, retry_count stays
// within max_retries and the cancellation flag is sticky.
//
// On any error cur is returned unchanged and nothing must be persisted.
func Mutate(cur TaskRecord, fn func(*TaskRecord) error, now time.Time) (TaskRecord, error) {
	if cur.Status.Terminal() {
		return cur, ErrTerminal
	}

	next := cur.Clone()
	if err := fn(&next); err != nil {
		return cur, err
	}

	// identity fields are immutable
	next.ID = cur.ID
	next.OwnerID = cur.OwnerID
	next.Category = cur.Category
	next.Kind = cur.Kind
	next.CreatedAt = cur.CreatedAt

	if !next.Status.Valid() || !cur.Status.CanTransition(next.Status) {
		return cur, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.Status, next.Status)
	}

	next.ProgressPercent = min(max(next.ProgressPercent, cur.ProgressPercent, 0), 100)
	next.ProcessedItems = max(next.ProcessedItems, cur.ProcessedItems)
	next.SuccessfulItems = max(next.SuccessfulItems, cur.SuccessfulItems)
	next.FailedItems = max(next.FailedItems, cur.FailedItems)
	next.TotalItems = max(next.TotalItems, 0)

	next.RetryCount = min(max(next.RetryCount, cur.RetryCount), next.MaxRetries)
	next.CancelRequested = next.CancelRequested || cur.CancelRequested

	if next.Status.Terminal() && next.CompletedAt == nil {
		next.CompletedAt = TimePtr(now)
	}
	if next.Status != StatusInProgress {
		next.HeartbeatAt = nil
		next.LeaseID = ""
	}

	next.Version = cur.Version + 1
	next.UpdatedAt = now
	return next, nil
}

// NewTaskRecord builds a pending record ready for TaskStore.Create.
func NewTaskRecord(ownerID string, category Category, kind string, totalItems, maxRetries int) TaskRecord {
	if category == "" {
		category = CategoryGeneric
	}
	return TaskRecord{
		OwnerID:    ownerID,
		Category:   category,
		Kind:       kind,
		Status:     StatusPending,
		TotalItems: max(totalItems, 0),
		MaxRetries: max(maxRetries, 0),
	}
}
