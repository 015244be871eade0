package redisq

import (
	"context"
	"errors"
	"strconv"
	"taskrelay/internal/ports"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

var _ ports.Scheduler = (*Scheduler)(nil)

type Scheduler struct {
	C        *Client
	Interval time.Duration
}

func NewScheduler(c *Client, interval time.Duration) *Scheduler {
	return &Scheduler{C: c, Interval: interval}
}

func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		if _, err := s.MoveDue(ctx); err != nil && ctx.Err() == nil {
			log.Ctx(ctx).Error().Err(err).Msg("scheduler: failed to move due jobs")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// MoveDue pushes every job whose run time has passed into the stream.
// ZREM decides ownership so concurrent schedulers never double-enqueue.
func (s *Scheduler) MoveDue(ctx context.Context) (int, error) {
	ids, err := s.C.Rdb.ZRangeByScore(ctx, s.C.Cfg.ScheduledZSet, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmtFloat(nowMs()),
		Offset: 0,
		Count:  128,
	}).Result()
	if err != nil {
		return 0, err
	}

	moved := 0
	for _, id := range ids {
		removed, err := s.C.Rdb.ZRem(ctx, s.C.Cfg.ScheduledZSet, id).Result()
		if err != nil {
			return moved, err
		}
		if removed == 0 {
			continue // another scheduler took it
		}

		jobKey := s.C.key("job", id)
		b, err := s.C.Rdb.Get(ctx, jobKey).Bytes()
		if errors.Is(err, redis.Nil) {
			log.Ctx(ctx).Warn().Str("task_id", id).Msg("scheduler: delayed job body missing, dropping")
			continue
		}
		if err != nil {
			s.putBack(ctx, id)
			return moved, err
		}

		if err := s.C.Rdb.XAdd(ctx, &redis.XAddArgs{
			Stream: s.C.Cfg.StreamKey,
			Values: map[string]interface{}{"job": b},
		}).Err(); err != nil {
			s.putBack(ctx, id)
			return moved, err
		}
		_ = s.C.Rdb.Del(ctx, jobKey).Err()
		moved++
	}
	return moved, nil
}

func (s *Scheduler) putBack(ctx context.Context, id string) {
	_ = s.C.Rdb.ZAdd(ctx, s.C.Cfg.ScheduledZSet, redis.Z{Score: nowMs(), Member: id}).Err()
}

func fmtFloat(f float64) string { return strconv.FormatFloat(f, 'f', -1, 64) }
