package redisq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"taskrelay/internal/domain"
	"taskrelay/internal/ports"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var _ ports.TaskStore = (*RecordStore)(nil)

const maxTxAttempts = 16

// RecordStore keeps task records in hashes: task:<id> holds the JSON record
// plus owner/status for inspection. Secondary keys:
//
//	tasks:active:<owner>  zset of non-terminal ids scored by creation (ms)
//	tasks:inflight        zset of in-progress ids scored by heartbeat (ms)
type RecordStore struct {
	C   *Client
	Now func() time.Time
}

func NewRecordStore(c *Client) *RecordStore {
	return &RecordStore{C: c, Now: time.Now}
}

func (s *RecordStore) taskKey(id string) string       { return s.C.key("task", id) }
func (s *RecordStore) activeKey(owner string) string { return s.C.key("tasks", "active", owner) }
func (s *RecordStore) inflightKey() string           { return s.C.key("tasks", "inflight") }

func (s *RecordStore) Create(ctx context.Context, rec domain.TaskRecord) (string, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.OwnerID == "" {
		return "", errors.New("create task: empty owner")
	}
	now := s.Now()
	rec.Status = domain.StatusPending
	rec.CreatedAt = now
	rec.UpdatedAt = now
	rec.Version = 1

	b, err := json.Marshal(rec)
	if err != nil {
		return "", err
	}
	created, err := s.C.Rdb.HSetNX(ctx, s.taskKey(rec.ID), "record", b).Result()
	if err != nil {
		return "", err
	}
	if !created {
		return "", fmt.Errorf("create task %s: already exists", rec.ID)
	}
	_, err = s.C.Rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, s.taskKey(rec.ID), "owner", rec.OwnerID, "status", string(rec.Status))
		p.ZAdd(ctx, s.activeKey(rec.OwnerID), redis.Z{Score: float64(now.UnixMilli()), Member: rec.ID})
		return nil
	})
	if err != nil {
		return "", err
	}
	return rec.ID, nil
}

func (s *RecordStore) Get(ctx context.Context, id string) (*domain.TaskRecord, error) {
	return s.read(ctx, s.C.Rdb, id)
}

type hgetter interface {
	HGet(ctx context.Context, key, field string) *redis.StringCmd
}

func (s *RecordStore) read(ctx context.Context, r hgetter, id string) (*domain.TaskRecord, error) {
	b, err := r.HGet(ctx, s.taskKey(id), "record").Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var rec domain.TaskRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, fmt.Errorf("decode task %s: %w", id, err)
	}
	return &rec, nil
}

// Update runs fn inside a WATCH/MULTI transaction and retries on contention,
// re-applying fn to the fresh snapshot each time.
func (s *RecordStore) Update(ctx context.Context, id string, fn func(*domain.TaskRecord) error) (*domain.TaskRecord, error) {
	key := s.taskKey(id)
	var out domain.TaskRecord

	txf := func(tx *redis.Tx) error {
		cur, err := s.read(ctx, tx, id)
		if err != nil {
			return err
		}
		next, err := domain.Mutate(*cur, fn, s.Now())
		if err != nil {
			return err
		}
		b, err := json.Marshal(next)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HSet(ctx, key, "record", b, "status", string(next.Status))
			s.index(ctx, p, next)
			return nil
		})
		if err == nil {
			out = next
		}
		return err
	}

	for i := 0; i < maxTxAttempts; i++ {
		err := s.C.Rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return &out, nil
	}
	return nil, fmt.Errorf("update task %s: too much contention", id)
}

func (s *RecordStore) index(ctx context.Context, p redis.Pipeliner, rec domain.TaskRecord) {
	if rec.Status == domain.StatusInProgress && rec.HeartbeatAt != nil {
		p.ZAdd(ctx, s.inflightKey(), redis.Z{Score: float64(rec.HeartbeatAt.UnixMilli()), Member: rec.ID})
	} else {
		p.ZRem(ctx, s.inflightKey(), rec.ID)
	}
	if rec.Status.Terminal() {
		p.ZRem(ctx, s.activeKey(rec.OwnerID), rec.ID)
		if s.C.Cfg.Retention > 0 {
			p.Expire(ctx, s.taskKey(rec.ID), s.C.Cfg.Retention)
		}
	}
}

func (s *RecordStore) ListActive(ctx context.Context, ownerID string) ([]domain.TaskRecord, error) {
	ids, err := s.C.Rdb.ZRange(ctx, s.activeKey(ownerID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	return s.collect(ctx, ids, func(r domain.TaskRecord) bool { return !r.Status.Terminal() })
}

func (s *RecordStore) ListStale(ctx context.Context, cutoff time.Time) ([]domain.TaskRecord, error) {
	ids, err := s.C.Rdb.ZRangeByScore(ctx, s.inflightKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmtFloat(float64(cutoff.UnixMilli())),
	}).Result()
	if err != nil {
		return nil, err
	}
	return s.collect(ctx, ids, func(r domain.TaskRecord) bool {
		return r.Status == domain.StatusInProgress && r.HeartbeatAt != nil && r.HeartbeatAt.Before(cutoff)
	})
}

func (s *RecordStore) collect(ctx context.Context, ids []string, keep func(domain.TaskRecord) bool) ([]domain.TaskRecord, error) {
	out := make([]domain.TaskRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := s.Get(ctx, id)
		if errors.Is(err, domain.ErrNotFound) {
			continue // expired under retention
		}
		if err != nil {
			return nil, err
		}
		if keep(*rec) {
			out = append(out, *rec)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *RecordStore) RequestCancel(ctx context.Context, id, ownerID string) (*domain.TaskRecord, bool, error) {
	return domain.RequestCancel(ctx, s, id, ownerID)
}
