package redisq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"taskrelay/internal/domain"
	"taskrelay/internal/ports"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

var _ ports.Bus = (*Bus)(nil)

// Bus fans events out over Redis pub/sub, one channel per owner, so a worker
// process and a gateway process can talk without knowing about each other.
type Bus struct {
	C *Client
	// Buffer is the per-subscription channel size. Once it fills, delivery
	// waits on the reader and go-redis drops messages it cannot hand over
	// within its own channel send timeout.
	Buffer int
}

func NewBus(c *Client) *Bus {
	return &Bus{C: c, Buffer: 256}
}

func (b *Bus) channel(ownerID string) string { return b.C.Cfg.EventPrefix + ownerID }

func (b *Bus) Publish(ctx context.Context, ev domain.Event) error {
	if ev.OwnerID == "" {
		return errors.New("publish: event without owner")
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return b.C.Rdb.Publish(ctx, b.channel(ev.OwnerID), payload).Err()
}

// Subscribe returns once Redis has confirmed the subscription, so nothing
// published afterwards is missed.
func (b *Bus) Subscribe(ctx context.Context, ownerID string) (ports.Subscription, error) {
	ps := b.C.Rdb.Subscribe(ctx, b.channel(ownerID))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", ownerID, err)
	}

	size := b.Buffer
	if size <= 0 {
		size = 256
	}
	sub := &subscription{
		ps:     ps,
		events: make(chan domain.Event, size),
		done:   make(chan struct{}),
	}
	go sub.pump(ps.Channel(redis.WithChannelSize(size)))
	return sub, nil
}

type subscription struct {
	ps     *redis.PubSub
	events chan domain.Event
	done   chan struct{}
	once   sync.Once
}

func (s *subscription) Events() <-chan domain.Event { return s.events }

func (s *subscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}

func (s *subscription) pump(in <-chan *redis.Message) {
	defer close(s.events)
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			var ev domain.Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				log.Warn().Err(err).Str("channel", msg.Channel).Msg("bus: dropping undecodable event")
				continue
			}
			select {
			case s.events <- ev:
			case <-s.done:
				return
			}
		}
	}
}
