package usecase

import (
	"context"
	"taskrelay/internal/domain"
	"taskrelay/internal/ports"

	"github.com/rs/zerolog/log"
)

// Notifier publishes the event matching a record. A lost live update is
// recovered by resync, so publish failures are logged and dropped.
type Notifier struct {
	Bus ports.Bus
}

func (n Notifier) Publish(ctx context.Context, rec domain.TaskRecord) {
	if n.Bus == nil {
		return
	}
	ev := domain.EventFor(rec)
	if err := n.Bus.Publish(context.WithoutCancel(ctx), ev); err != nil {
		log.Ctx(ctx).Warn().Err(err).
			Str("task_id", ev.TaskID).
			Str("event_type", string(ev.Type)).
			Msg("failed to publish event")
	}
}
