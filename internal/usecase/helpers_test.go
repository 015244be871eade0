package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"taskrelay/internal/config"
	"taskrelay/internal/domain"
	"taskrelay/internal/infra/redisq"
	"taskrelay/internal/ports"
	"taskrelay/pkg/backoff"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

type delayedJob struct {
	job   domain.Job
	runAt time.Time
}

// memQueue is an in-process ports.Queue that keeps delayed jobs aside so
// tests can inspect and release them explicitly.
type memQueue struct {
	items chan domain.Job

	mu          sync.Mutex
	seq         int
	delayed     []delayedJob
	dlq         []domain.Job
	acked       []string
	orphanIdle  []time.Duration
	failEnqueue error
}

func newMemQueue() *memQueue { return &memQueue{items: make(chan domain.Job, 1024)} }

func (q *memQueue) Enqueue(_ context.Context, job domain.Job) (string, error) {
	q.mu.Lock()
	if q.failEnqueue != nil {
		q.mu.Unlock()
		return "", q.failEnqueue
	}
	q.seq++
	id := fmt.Sprintf("%d-0", q.seq)
	q.mu.Unlock()
	q.items <- job
	return id, nil
}

func (q *memQueue) EnqueueDelayed(_ context.Context, job domain.Job, runAt time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.delayed = append(q.delayed, delayedJob{job: job, runAt: runAt})
	return nil
}

func (q *memQueue) Claim(ctx context.Context, _ string, block time.Duration) (*domain.Job, string, error) {
	select {
	case j := <-q.items:
		return &j, "id-" + j.TaskID, nil
	case <-time.After(block):
		return nil, "", nil
	case <-ctx.Done():
		return nil, "", ctx.Err()
	}
}

func (q *memQueue) Ack(_ context.Context, streamID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.acked = append(q.acked, streamID)
	return nil
}

func (q *memQueue) Len(context.Context) (int64, error) { return int64(len(q.items)), nil }

func (q *memQueue) ToDLQ(_ context.Context, job domain.Job, _ string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.dlq = append(q.dlq, job)
	return nil
}

func (q *memQueue) DropOrphans(_ context.Context, minIdle time.Duration) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.orphanIdle = append(q.orphanIdle, minIdle)
	return 0, nil
}

func (q *memQueue) take(t *testing.T) domain.Job {
	t.Helper()
	select {
	case j := <-q.items:
		return j
	case <-time.After(time.Second):
		t.Fatal("no job in queue")
		return domain.Job{}
	}
}

func (q *memQueue) delayedJobs() []delayedJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]delayedJob(nil), q.delayed...)
}

func (q *memQueue) dlqJobs() []domain.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]domain.Job(nil), q.dlq...)
}

// recBus records every published event in order.
type recBus struct {
	mu     sync.Mutex
	events []domain.Event
}

func (b *recBus) Publish(_ context.Context, ev domain.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
	return nil
}

func (b *recBus) Subscribe(context.Context, string) (ports.Subscription, error) {
	return nil, errors.New("not supported")
}

func (b *recBus) all() []domain.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]domain.Event(nil), b.events...)
}

func (b *recBus) terminal() []domain.Event {
	var out []domain.Event
	for _, ev := range b.all() {
		if ev.Type.Terminal() {
			out = append(out, ev)
		}
	}
	return out
}

type harness struct {
	store *redisq.RecordStore
	queue *memQueue
	bus   *recBus
	reg   *Registry
	exec  *Executor
	orch  *Orchestrator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	cli := redisq.New(config.Redis{
		Addr:          mr.Addr(),
		StreamKey:     "test:jobs",
		Group:         "test-workers",
		ScheduledZSet: "test:scheduled",
		DLQStreamKey:  "test:dlq",
		KeyPrefix:     "test:",
		EventPrefix:   "test:events:",
	})
	t.Cleanup(func() { _ = cli.Close() })

	h := &harness{
		store: redisq.NewRecordStore(cli),
		queue: newMemQueue(),
		bus:   &recBus{},
		reg:   NewRegistry(),
	}
	notify := Notifier{Bus: h.bus}
	h.exec = &Executor{
		Store:             h.store,
		Queue:             h.queue,
		Notify:            notify,
		Registry:          h.reg,
		Retry:             backoff.Policy{Base: time.Second, Max: time.Minute},
		CancelGrace:       time.Second,
		HeartbeatInterval: time.Minute,
	}
	h.orch = &Orchestrator{
		Store:             h.store,
		Queue:             h.queue,
		Notify:            notify,
		MaxQueueLength:    100,
		DefaultMaxRetries: 3,
	}
	return h
}

func (h *harness) submit(t *testing.T, owner, kind string, total int) string {
	t.Helper()
	id, err := h.orch.Submit(context.Background(), SubmitRequest{
		OwnerID:    owner,
		Category:   domain.CategoryGeneric,
		Kind:       kind,
		TotalItems: total,
	})
	require.NoError(t, err)
	return id
}

func (h *harness) get(t *testing.T, id string) *domain.TaskRecord {
	t.Helper()
	rec, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	return rec
}

func pollUntil(t *testing.T, timeout time.Duration, f func() (bool, error)) error {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		ok, err := f()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if time.Now().After(deadline) {
			return errors.New("timeout")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
