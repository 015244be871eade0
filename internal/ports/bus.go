package ports

import (
	"context"
	"taskrelay/internal/domain"
)

// Bus fans events out to every live subscriber of the owner.
type Bus interface {
	Publish(ctx context.Context, ev domain.Event) error
	Subscribe(ctx context.Context, ownerID string) (Subscription, error)
}

type Subscription interface {
	Events() <-chan domain.Event
	Close() error
}
