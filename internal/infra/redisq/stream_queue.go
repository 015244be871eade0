package redisq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"taskrelay/internal/domain"
	"taskrelay/internal/ports"
	"time"

	"github.com/redis/go-redis/v9"
)

var _ ports.Queue = (*Client)(nil)

func (c *Client) Enqueue(ctx context.Context, job domain.Job) (string, error) {
	if job.TaskID == "" {
		return "", errors.New("enqueue: empty task id")
	}
	job.EnqueuedAt = time.Now()
	b, err := json.Marshal(job)
	if err != nil {
		return "", err
	}
	return c.Rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: c.Cfg.StreamKey,
		Values: map[string]interface{}{"job": b},
	}).Result()
}

func (c *Client) EnqueueDelayed(ctx context.Context, job domain.Job, runAt time.Time) error {
	if job.TaskID == "" {
		return errors.New("enqueue delayed: empty task id")
	}
	b, err := json.Marshal(job)
	if err != nil {
		return err
	}
	_, err = c.Rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, c.key("job", job.TaskID), b, 0)
		p.ZAdd(ctx, c.Cfg.ScheduledZSet, redis.Z{Score: float64(runAt.UnixMilli()), Member: job.TaskID})
		return nil
	})
	return err
}

func (c *Client) Claim(ctx context.Context, consumer string, block time.Duration) (*domain.Job, string, error) {
	res, err := c.Rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.Cfg.Group,
		Consumer: consumer,
		Streams:  []string{c.Cfg.StreamKey, ">"},
		Count:    1,
		Block:    block,
	}).Result()

	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, "", nil
		}
		return nil, "", err
	}

	if len(res) == 0 || len(res[0].Messages) == 0 {
		return nil, "", nil
	}

	msg := res[0].Messages[0]
	var job domain.Job
	switch v := msg.Values["job"].(type) {
	case string:
		err = json.Unmarshal([]byte(v), &job)
	case []byte:
		err = json.Unmarshal(v, &job)
	default:
		err = fmt.Errorf("unexpected job type: %T", v)
	}
	if err != nil {
		// poison message: drop it so it is not redelivered forever
		_ = c.Ack(ctx, msg.ID)
		return nil, "", fmt.Errorf("decode job %s: %w", msg.ID, err)
	}
	return &job, msg.ID, nil
}

// Ack acknowledges and deletes the entry so XLEN counts outstanding work only.
func (c *Client) Ack(ctx context.Context, streamID string) error {
	_, err := c.Rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.XAck(ctx, c.Cfg.StreamKey, c.Cfg.Group, streamID)
		p.XDel(ctx, c.Cfg.StreamKey, streamID)
		return nil
	})
	return err
}

// orphanConsumer takes ownership of orphaned entries just before they are
// deleted.
const orphanConsumer = "orphan-sweeper"

// DropOrphans acks and deletes pending entries idle for at least minIdle.
// The task record decides whether the work is recovered; the entry only
// kept XLEN from shrinking.
func (c *Client) DropOrphans(ctx context.Context, minIdle time.Duration) (int, error) {
	dropped := 0
	start := "0-0"
	for {
		msgs, next, err := c.Rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   c.Cfg.StreamKey,
			Group:    c.Cfg.Group,
			Consumer: orphanConsumer,
			MinIdle:  minIdle,
			Start:    start,
			Count:    100,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return dropped, nil
			}
			return dropped, err
		}
		for _, m := range msgs {
			if err := c.Ack(ctx, m.ID); err != nil {
				return dropped, err
			}
			dropped++
		}
		if next == "0-0" || next == "" {
			return dropped, nil
		}
		start = next
	}
}

func (c *Client) Len(ctx context.Context) (int64, error) {
	n, err := c.Rdb.XLen(ctx, c.Cfg.StreamKey).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

func (c *Client) ToDLQ(ctx context.Context, job domain.Job, reason string) error {
	b, err := json.Marshal(struct {
		domain.Job
		Reason string `json:"reason"`
	}{job, reason})
	if err != nil {
		return err
	}
	return c.Rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: c.Cfg.DLQStreamKey,
		Values: map[string]interface{}{"job": b},
	}).Err()
}
