package ports

import (
	"context"
	"taskrelay/internal/domain"
	"time"
)

type Queue interface {
	Enqueue(ctx context.Context, job domain.Job) (string, error)
	EnqueueDelayed(ctx context.Context, job domain.Job, runAt time.Time) error
	Claim(ctx context.Context, consumer string, block time.Duration) (*domain.Job, string /*streamID*/, error)
	Ack(ctx context.Context, streamID string) error
	Len(ctx context.Context) (int64, error)
	ToDLQ(ctx context.Context, job domain.Job, reason string) error
	// DropOrphans removes delivered entries left unacknowledged for longer
	// than minIdle, e.g. by a worker that crashed mid-task.
	DropOrphans(ctx context.Context, minIdle time.Duration) (int, error)
}

type Scheduler interface {
	// moves due jobs from the delayed set into the stream
	Run(ctx context.Context) error
}
