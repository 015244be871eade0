package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"taskrelay/internal/api"
	"taskrelay/internal/auth"
	"taskrelay/internal/config"
	"taskrelay/internal/domain"
	"taskrelay/internal/gateway"
	"taskrelay/internal/infra/redisq"
	"taskrelay/internal/usecase"
	"taskrelay/internal/wire"
	"taskrelay/pkg/backoff"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "client-test-secret-client-test-secret"

type fixture struct {
	srv    *httptest.Server
	jwt    *auth.JWT
	store  *redisq.RecordStore
	orch   *usecase.Orchestrator
	wsDown atomic.Bool
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	cli := redisq.New(config.Redis{
		Addr:          mr.Addr(),
		StreamKey:     "cl:jobs",
		Group:         "cl-workers",
		ScheduledZSet: "cl:scheduled",
		DLQStreamKey:  "cl:dlq",
		KeyPrefix:     "cl:",
		EventPrefix:   "cl:events:",
	})
	t.Cleanup(func() { _ = cli.Close() })

	f := &fixture{
		jwt:   auth.NewJWT(testSecret, time.Hour),
		store: redisq.NewRecordStore(cli),
	}
	bus := redisq.NewBus(cli)
	f.orch = &usecase.Orchestrator{
		Store:             f.store,
		Queue:             cli,
		Notify:            usecase.Notifier{Bus: bus},
		MaxQueueLength:    100,
		DefaultMaxRetries: 3,
	}
	router := api.NewRouter(api.Deps{
		Tasks:   f.orch,
		Gateway: gateway.New(bus, f.orch),
		JWT:     f.jwt,
	})
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ws" && f.wsDown.Load() {
			http.Error(w, "down", http.StatusServiceUnavailable)
			return
		}
		router.ServeHTTP(w, r)
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) options(t *testing.T, owner string) Options {
	t.Helper()
	tok, err := f.jwt.Sign(owner)
	require.NoError(t, err)
	return Options{
		BaseURL:       f.srv.URL,
		Token:         tok,
		Reconnect:     backoff.Policy{Base: 10 * time.Millisecond, Max: 20 * time.Millisecond},
		FallbackAfter: 2,
		PollInterval:  30 * time.Millisecond,
	}
}

func (f *fixture) submit(t *testing.T, owner string) string {
	t.Helper()
	id, err := f.orch.Submit(context.Background(), usecase.SubmitRequest{OwnerID: owner, Kind: "demo.count", TotalItems: 10})
	require.NoError(t, err)
	return id
}

// advance moves a task the way a worker would and optionally publishes the
// resulting event.
func (f *fixture) advance(t *testing.T, id string, publish bool, fn func(r *domain.TaskRecord)) {
	t.Helper()
	ctx := context.Background()
	rec, err := f.store.Update(ctx, id, func(r *domain.TaskRecord) error {
		fn(r)
		return nil
	})
	require.NoError(t, err)
	if publish {
		f.orch.Notify.Publish(ctx, *rec)
	}
}

func progressTo(pct int) func(r *domain.TaskRecord) {
	return func(r *domain.TaskRecord) {
		r.Status = domain.StatusInProgress
		r.ProgressPercent = pct
		r.ProcessedItems = pct / 10
		r.CurrentStep = "working"
	}
}

type recorder struct {
	mu        sync.Mutex
	progress  []int
	completed []TaskState
	failed    []TaskState
	cancelled []TaskState
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnProgress: func(s TaskState) {
			r.mu.Lock()
			r.progress = append(r.progress, s.Progress)
			r.mu.Unlock()
		},
		OnCompleted: func(s TaskState) {
			r.mu.Lock()
			r.completed = append(r.completed, s)
			r.mu.Unlock()
		},
		OnError: func(s TaskState) {
			r.mu.Lock()
			r.failed = append(r.failed, s)
			r.mu.Unlock()
		},
		OnCancelled: func(s TaskState) {
			r.mu.Lock()
			r.cancelled = append(r.cancelled, s)
			r.mu.Unlock()
		},
	}
}

func (r *recorder) counts() (completed, failed, cancelled int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.completed), len(r.failed), len(r.cancelled)
}

func (r *recorder) seen() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.progress...)
}

// run starts s.Run and returns a stop func that waits for it to return.
func run(t *testing.T, s *Subscriber) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	var once sync.Once
	stop = func() {
		once.Do(func() {
			cancel()
			select {
			case err := <-done:
				assert.NoError(t, err)
			case <-time.After(3 * time.Second):
				t.Error("subscriber did not stop")
			}
		})
	}
	t.Cleanup(stop)
	return stop
}

func progressIs(s *Subscriber, id string, pct int) func() bool {
	return func() bool {
		st, ok := s.State(id)
		return ok && st.Progress == pct
	}
}

func TestDeliver_DropsStaleAndTerminal(t *testing.T) {
	rec := &recorder{}
	ts := newTasks(rec.callbacks())

	p := func(v int) *int { return &v }
	ts.deliver(wire.Message{Type: wire.TypeProgress, TaskID: "t1", Version: 2, Progress: p(20), Status: domain.StatusInProgress})
	ts.deliver(wire.Message{Type: wire.TypeProgress, TaskID: "t1", Version: 2, Progress: p(20)})
	ts.deliver(wire.Message{Type: wire.TypeProgress, TaskID: "t1", Version: 1, Progress: p(10)})
	ts.deliver(wire.Message{Type: wire.TypeProgress, TaskID: "t1", Version: 3, Progress: p(50)})
	ts.deliver(wire.Message{Type: wire.TypeCompleted, TaskID: "t1", Version: 4, Progress: p(100)})
	ts.deliver(wire.Message{Type: wire.TypeFailed, TaskID: "t1", Version: 5, ErrorMessage: "late"})
	ts.deliver(wire.Message{Type: wire.TypeProgress, TaskID: "t1", Version: 6, Progress: p(10)})

	assert.Equal(t, []int{20, 50}, rec.seen())
	completed, failed, _ := rec.counts()
	assert.Equal(t, 1, completed)
	assert.Zero(t, failed)

	st, ok := ts.get("t1")
	require.True(t, ok)
	assert.Equal(t, domain.StatusSuccess, st.Status)
	assert.Equal(t, 100, st.Progress)
	assert.Equal(t, int64(4), st.Version)
	assert.Empty(t, ts.active())
}

func TestDeliver_StatusReplyIsAnEvent(t *testing.T) {
	rec := &recorder{}
	ts := newTasks(rec.callbacks())
	ts.track("t1")

	ts.deliver(wire.Status(domain.TaskView{
		ID:           "t1",
		Status:       domain.StatusFailure,
		ErrorMessage: "bad input",
		Version:      3,
	}))
	ts.deliver(wire.Message{Type: wire.TypeCancelAck, TaskID: "t1"})
	ts.deliver(wire.Message{Type: wire.TypeError, TaskID: "t1", Error: "nope"})

	_, failed, _ := rec.counts()
	require.Equal(t, 1, failed)
	st, _ := ts.get("t1")
	assert.Equal(t, domain.StatusFailure, st.Status)
	assert.Equal(t, "bad input", st.ErrorMessage)
	assert.False(t, st.Retryable)
}

func TestSubscriber_LiveEvents(t *testing.T) {
	f := newFixture(t)
	id := f.submit(t, "u1")

	rec := &recorder{}
	s := New(f.options(t, "u1"), rec.callbacks())
	s.Track(id)
	run(t, s)
	require.Eventually(t, s.Live, 2*time.Second, 5*time.Millisecond)

	f.advance(t, id, true, progressTo(40))
	require.Eventually(t, progressIs(s, id, 40), 2*time.Second, 5*time.Millisecond)

	f.advance(t, id, true, func(r *domain.TaskRecord) {
		r.Status = domain.StatusSuccess
		r.ProgressPercent = 100
		r.ResultSummary = []byte(`{"sent":10}`)
	})
	require.Eventually(t, func() bool { c, _, _ := rec.counts(); return c == 1 }, 2*time.Second, 5*time.Millisecond)

	st, _ := s.State(id)
	assert.Equal(t, domain.StatusSuccess, st.Status)
	assert.JSONEq(t, `{"sent":10}`, string(st.ResultSummary))
	assert.Empty(t, s.Active())
}

func TestSubscriber_ResyncsAfterReconnect(t *testing.T) {
	f := newFixture(t)
	id := f.submit(t, "u1")

	rec := &recorder{}
	s := New(f.options(t, "u1"), rec.callbacks())
	s.Track(id)

	stop := run(t, s)
	require.Eventually(t, s.Live, 2*time.Second, 5*time.Millisecond)
	f.advance(t, id, true, progressTo(30))
	require.Eventually(t, progressIs(s, id, 30), 2*time.Second, 5*time.Millisecond)
	stop()
	assert.False(t, s.Live())

	// missed while disconnected
	f.advance(t, id, true, progressTo(50))
	f.advance(t, id, true, progressTo(70))

	run(t, s)
	require.Eventually(t, progressIs(s, id, 70), 2*time.Second, 5*time.Millisecond)

	seen := rec.seen()
	require.NotEmpty(t, seen)
	assert.Equal(t, 70, seen[len(seen)-1])
	assert.NotContains(t, seen, 50)
}

func TestSubscriber_FallsBackToPolling(t *testing.T) {
	f := newFixture(t)
	f.wsDown.Store(true)
	id := f.submit(t, "u1")

	rec := &recorder{}
	s := New(f.options(t, "u1"), rec.callbacks())
	s.Track(id)
	s.Track("gone")
	run(t, s)

	f.advance(t, id, false, progressTo(50))
	require.Eventually(t, progressIs(s, id, 50), 2*time.Second, 5*time.Millisecond)
	assert.False(t, s.Live())

	_, ok := s.State("gone")
	assert.False(t, ok, "unknown task is dropped")

	// no longer in the active list, so it is fetched by id
	f.advance(t, id, false, func(r *domain.TaskRecord) {
		r.Status = domain.StatusFailure
		r.ErrorMessage = "smtp refused"
	})
	require.Eventually(t, func() bool { _, n, _ := rec.counts(); return n == 1 }, 2*time.Second, 5*time.Millisecond)
	st, _ := s.State(id)
	assert.Equal(t, "smtp refused", st.ErrorMessage)

	f.wsDown.Store(false)
	require.Eventually(t, s.Live, 2*time.Second, 5*time.Millisecond)
}

func TestSubscriber_CancelOverHTTPLeavesLocalState(t *testing.T) {
	f := newFixture(t)
	id := f.submit(t, "u1")

	s := New(f.options(t, "u1"), Callbacks{})
	s.Track(id)
	require.NoError(t, s.Cancel(context.Background(), id))

	got, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, got.Status)

	st, ok := s.State(id)
	require.True(t, ok)
	assert.Equal(t, domain.StatusPending, st.Status)

	other := New(f.options(t, "u2"), Callbacks{})
	err = other.Cancel(context.Background(), id)
	var se *statusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusForbidden, se.Code)
}

func TestSubscriber_CancelLive(t *testing.T) {
	f := newFixture(t)
	id := f.submit(t, "u1")

	rec := &recorder{}
	s := New(f.options(t, "u1"), rec.callbacks())
	s.Track(id)
	run(t, s)
	require.Eventually(t, s.Live, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, s.Cancel(context.Background(), id))
	require.Eventually(t, func() bool { _, _, n := rec.counts(); return n == 1 }, 2*time.Second, 5*time.Millisecond)

	st, _ := s.State(id)
	assert.Equal(t, domain.StatusCancelled, st.Status)
}

func TestSubscriber_CancelFallsBackWhenFrameNotWritten(t *testing.T) {
	closed := make(chan struct{})
	close(closed)
	brokenWriter := func() *link {
		out := make(chan outbound)
		go func() {
			o := <-out
			o.sent <- errors.New("broken pipe")
		}()
		return &link{out: out, done: make(chan struct{})}
	}

	for name, live := range map[string]func() *link{
		"session ended with frame queued": func() *link { return &link{out: make(chan outbound, 1), done: closed} },
		"write failed":                    brokenWriter,
	} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			id := f.submit(t, "u1")

			s := New(f.options(t, "u1"), Callbacks{})
			s.Track(id)
			s.live = live()
			require.NoError(t, s.Cancel(context.Background(), id))

			got, err := f.store.Get(context.Background(), id)
			require.NoError(t, err)
			assert.Equal(t, domain.StatusCancelled, got.Status)
		})
	}
}

func TestWSURL(t *testing.T) {
	s := New(Options{BaseURL: "https://tasks.example.com/api/"}, Callbacks{})
	u, err := s.wsURL()
	require.NoError(t, err)
	assert.Equal(t, "wss://tasks.example.com/api/ws", u)

	s = New(Options{BaseURL: "ftp://x"}, Callbacks{})
	_, err = s.wsURL()
	assert.Error(t, err)
}
