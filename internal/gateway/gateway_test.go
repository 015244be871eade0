package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"taskrelay/internal/auth"
	"taskrelay/internal/config"
	"taskrelay/internal/domain"
	"taskrelay/internal/infra/redisq"
	"taskrelay/internal/usecase"
	"taskrelay/internal/wire"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "gateway-test-secret-gateway-test-secret"

type fixture struct {
	srv   *httptest.Server
	jwt   *auth.JWT
	bus   *redisq.Bus
	store *redisq.RecordStore
	orch  *usecase.Orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	cli := redisq.New(config.Redis{
		Addr:          mr.Addr(),
		StreamKey:     "gw:jobs",
		Group:         "gw-workers",
		ScheduledZSet: "gw:scheduled",
		DLQStreamKey:  "gw:dlq",
		KeyPrefix:     "gw:",
		EventPrefix:   "gw:events:",
	})
	t.Cleanup(func() { _ = cli.Close() })

	f := &fixture{
		jwt:   auth.NewJWT(testSecret, time.Hour),
		bus:   redisq.NewBus(cli),
		store: redisq.NewRecordStore(cli),
	}
	f.orch = &usecase.Orchestrator{
		Store:             f.store,
		Queue:             cli,
		Notify:            usecase.Notifier{Bus: f.bus},
		MaxQueueLength:    100,
		DefaultMaxRetries: 3,
	}

	g := New(f.bus, f.orch)
	g.PingInterval = 50 * time.Millisecond

	r := chi.NewRouter()
	r.Group(func(r chi.Router) {
		r.Use(auth.RequireAuth(f.jwt))
		r.Get("/ws", g.ServeWS)
		r.Get("/events", g.ServeSSE)
	})
	f.srv = httptest.NewServer(r)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) token(t *testing.T, owner string) string {
	t.Helper()
	tok, err := f.jwt.Sign(owner)
	require.NoError(t, err)
	return tok
}

func (f *fixture) dial(t *testing.T, owner string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws?access_token=" + f.token(t, owner)
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (f *fixture) submit(t *testing.T, owner string) string {
	t.Helper()
	id, err := f.orch.Submit(context.Background(), usecase.SubmitRequest{OwnerID: owner, Kind: "demo.count"})
	require.NoError(t, err)
	return id
}

func read(t *testing.T, conn *websocket.Conn) wire.Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var m wire.Message
	require.NoError(t, conn.ReadJSON(&m))
	return m
}

func TestServeWS_RejectsAnonymous(t *testing.T) {
	f := newFixture(t)
	u := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(u, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestServeWS_EveryTabGetsTheSameEvents(t *testing.T) {
	f := newFixture(t)
	tab1 := f.dial(t, "u1")
	tab2 := f.dial(t, "u1")
	other := f.dial(t, "u2")

	ctx := context.Background()
	for v := int64(1); v <= 3; v++ {
		require.NoError(t, f.bus.Publish(ctx, domain.Event{
			Type: domain.EventProgress, TaskID: "t1", OwnerID: "u1", Version: v, Progress: int(v) * 10,
		}))
	}
	require.NoError(t, f.bus.Publish(ctx, domain.Event{Type: domain.EventCompleted, TaskID: "t1", OwnerID: "u1", Version: 4}))

	for _, conn := range []*websocket.Conn{tab1, tab2} {
		for v := int64(1); v <= 3; v++ {
			m := read(t, conn)
			assert.Equal(t, wire.TypeProgress, m.Type)
			assert.Equal(t, v, m.Version)
			require.NotNil(t, m.Progress)
			assert.Equal(t, int(v)*10, *m.Progress)
		}
		assert.Equal(t, wire.TypeCompleted, read(t, conn).Type)
	}

	require.NoError(t, other.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	var m wire.Message
	assert.Error(t, other.ReadJSON(&m))
}

func TestServeWS_DropsFramesBehindDeliveredVersion(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, "u1")

	ctx := context.Background()
	publish := func(typ domain.EventType, v int64) {
		require.NoError(t, f.bus.Publish(ctx, domain.Event{Type: typ, TaskID: "t1", OwnerID: "u1", Version: v}))
	}
	publish(domain.EventProgress, 1)
	publish(domain.EventCancelled, 3)
	// a retry note committed before the cancel but published after it
	publish(domain.EventProgress, 2)
	publish(domain.EventProgress, 3)
	require.NoError(t, f.bus.Publish(ctx, domain.Event{Type: domain.EventProgress, TaskID: "t2", OwnerID: "u1", Version: 1}))

	m := read(t, conn)
	assert.Equal(t, wire.TypeProgress, m.Type)
	assert.Equal(t, int64(1), m.Version)
	m = read(t, conn)
	assert.Equal(t, wire.TypeCancelled, m.Type)
	assert.Equal(t, int64(3), m.Version)
	m = read(t, conn)
	assert.Equal(t, "t2", m.TaskID)
	assert.Equal(t, wire.TypeProgress, m.Type)
}

func TestServeWS_QueryStatus(t *testing.T) {
	f := newFixture(t)
	id := f.submit(t, "u1")
	conn := f.dial(t, "u1")

	require.NoError(t, conn.WriteJSON(wire.Message{Type: wire.TypeQueryStatus, TaskID: id}))
	m := read(t, conn)
	assert.Equal(t, wire.TypeStatus, m.Type)
	require.NotNil(t, m.Task)
	assert.Equal(t, domain.StatusPending, m.Task.Status)
	assert.Equal(t, id, m.Task.ID)

	require.NoError(t, conn.WriteJSON(wire.Message{Type: wire.TypeQueryStatus, TaskID: "nope"}))
	m = read(t, conn)
	assert.Equal(t, wire.TypeError, m.Type)
	assert.Contains(t, m.Error, domain.ErrNotFound.Error())

	require.NoError(t, conn.WriteJSON(wire.Message{Type: "bogus", TaskID: id}))
	assert.Equal(t, wire.TypeError, read(t, conn).Type)
}

func TestServeWS_OwnershipIsolation(t *testing.T) {
	f := newFixture(t)
	id := f.submit(t, "alice")
	conn := f.dial(t, "mallory")

	require.NoError(t, conn.WriteJSON(wire.Message{Type: wire.TypeQueryStatus, TaskID: id}))
	m := read(t, conn)
	assert.Equal(t, wire.TypeError, m.Type)
	assert.Equal(t, domain.ErrPermissionDenied.Error(), m.Error)

	require.NoError(t, conn.WriteJSON(wire.Message{Type: wire.TypeCancel, TaskID: id}))
	m = read(t, conn)
	assert.Equal(t, wire.TypeError, m.Type)

	rec, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, rec.Status)
	assert.False(t, rec.CancelRequested)
}

func TestServeWS_CancelPendingTask(t *testing.T) {
	f := newFixture(t)
	id := f.submit(t, "u1")
	conn := f.dial(t, "u1")

	require.NoError(t, conn.WriteJSON(wire.Message{Type: wire.TypeCancel, TaskID: id}))

	var gotAck, gotCancelled bool
	for i := 0; i < 2; i++ {
		m := read(t, conn)
		switch m.Type {
		case wire.TypeCancelAck:
			gotAck = true
		case wire.TypeCancelled:
			gotCancelled = true
			assert.Equal(t, id, m.TaskID)
		}
	}
	assert.True(t, gotAck)
	assert.True(t, gotCancelled)
}

func TestServeSSE_StreamsFrames(t *testing.T) {
	f := newFixture(t)

	req, err := http.NewRequest(http.MethodGet, f.srv.URL+"/events", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+f.token(t, "u1"))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.NoError(t, f.bus.Publish(context.Background(), domain.Event{
		Type: domain.EventFailed, TaskID: "t9", OwnerID: "u1", Version: 3, ErrorMessage: "boom",
	}))

	lines := make(chan string)
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-stop:
				return
			}
		}
	}()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case line, ok := <-lines:
			require.True(t, ok, "stream ended early")
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var m wire.Message
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &m))
			assert.Equal(t, wire.TypeFailed, m.Type)
			assert.Equal(t, "boom", m.ErrorMessage)
			require.NotNil(t, m.Retryable)
			assert.False(t, *m.Retryable)
			return
		case <-deadline:
			t.Fatal("no event on SSE stream")
		}
	}
}
