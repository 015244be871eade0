// Package client follows a user's tasks from outside the service. A
// Subscriber keeps a live websocket session open when it can and polls the
// HTTP API when it cannot; callers see the same callbacks either way.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"taskrelay/internal/config"
	"taskrelay/internal/domain"
	"taskrelay/internal/wire"
	"taskrelay/pkg/backoff"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Options struct {
	BaseURL string
	Token   string

	// Reconnect paces live connection attempts; retries are unlimited.
	Reconnect backoff.Policy
	// FallbackAfter consecutive failed attempts switch on polling.
	FallbackAfter int
	PollInterval  time.Duration

	// IdleTimeout drops a session that has heard nothing, pings included.
	IdleTimeout time.Duration
	WriteWait   time.Duration

	Dialer     *websocket.Dialer
	HTTPClient *retryablehttp.Client
}

// OptionsFromConfig maps the Client_* settings onto Options.
func OptionsFromConfig(cfg config.Client) Options {
	return Options{
		BaseURL:       cfg.BaseURL,
		Token:         cfg.Token,
		Reconnect:     backoff.Policy{Base: cfg.BaseBackoff, Max: cfg.MaxBackoff, Jitter: 0.2},
		FallbackAfter: cfg.FallbackAfter,
		PollInterval:  cfg.PollInterval,
	}
}

type Subscriber struct {
	opts  Options
	tasks *tasks
	http  *retryablehttp.Client

	mu   sync.Mutex
	live *link // nil while no session is live
}

// link hands frames to the writer of one live session. done closes when
// the writer has stopped; frames still queued then are never sent.
type link struct {
	out  chan outbound
	done <-chan struct{}
}

// outbound is one frame for the writer. sent, when set, receives the write
// result.
type outbound struct {
	msg  wire.Message
	sent chan error
}

func New(opts Options, cb Callbacks) *Subscriber {
	if opts.FallbackAfter <= 0 {
		opts.FallbackAfter = 3
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 90 * time.Second
	}
	if opts.WriteWait <= 0 {
		opts.WriteWait = 10 * time.Second
	}
	if opts.Reconnect.Base <= 0 {
		opts.Reconnect = backoff.Policy{Base: 500 * time.Millisecond, Max: 30 * time.Second, Jitter: 0.2}
	}
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = retryablehttp.NewClient()
		hc.RetryMax = 2
		hc.RetryWaitMin = 100 * time.Millisecond
		hc.RetryWaitMax = time.Second
		hc.Logger = leveledLogger{log.Logger}
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")

	return &Subscriber{opts: opts, tasks: newTasks(cb), http: hc}
}

// Track starts following a task the caller just submitted.
func (s *Subscriber) Track(taskID string) { s.tasks.track(taskID) }

func (s *Subscriber) State(taskID string) (TaskState, bool) { return s.tasks.get(taskID) }

// Active returns the tasks believed to be pending or running.
func (s *Subscriber) Active() []TaskState { return s.tasks.active() }

// Live reports whether a websocket session is currently open.
func (s *Subscriber) Live() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live != nil
}

// Cancel asks the server to cancel a task. Local state is left alone; the
// cancelled event that follows updates it. A cancel frame the live session
// did not get onto the wire is sent over HTTP instead.
func (s *Subscriber) Cancel(ctx context.Context, taskID string) error {
	s.mu.Lock()
	l := s.live
	s.mu.Unlock()

	if l != nil {
		err := l.send(ctx, wire.Message{Type: wire.TypeCancel, TaskID: taskID})
		if err == nil || ctx.Err() != nil {
			return err
		}
		log.Ctx(ctx).Debug().Err(err).Str("task_id", taskID).Msg("subscriber: live cancel not sent, using HTTP")
	}

	resp, err := s.do(ctx, http.MethodPost, "/tasks/"+url.PathEscape(taskID)+"/cancel")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return checkStatus(resp, http.StatusAccepted)
}

var errSessionClosed = errors.New("session closed before the frame was sent")

// send queues m and waits until the writer has written it.
func (l *link) send(ctx context.Context, m wire.Message) error {
	sent := make(chan error, 1)
	select {
	case l.out <- outbound{msg: m, sent: sent}:
	case <-l.done:
		return errSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-sent:
		return err
	case <-l.done:
		// the writer reports before it stops
		select {
		case err := <-sent:
			return err
		default:
			return errSessionClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run keeps the subscriber connected until ctx ends. Each failed attempt
// waits Reconnect.Delay; from FallbackAfter consecutive failures on it polls
// the HTTP API between attempts instead.
func (s *Subscriber) Run(ctx context.Context) error {
	logger := log.With().Str("component", "subscriber").Logger()
	ctx = logger.WithContext(ctx)

	failures := 0
	for {
		connected, err := s.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			failures = 0
			logger.Info().Err(err).Msg("live session ended")
		} else {
			failures++
			logger.Warn().Err(err).Int("attempt", failures).Msg("live connection failed")
		}

		wait := s.opts.Reconnect.Delay(failures)
		if failures >= s.opts.FallbackAfter {
			if err := s.poll(ctx); err != nil && ctx.Err() == nil {
				logger.Warn().Err(err).Msg("poll failed")
			}
			wait = s.opts.PollInterval
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// session dials, resyncs every active task and relays frames until the
// connection drops. connected reports whether the handshake succeeded.
func (s *Subscriber) session(ctx context.Context) (connected bool, err error) {
	wsURL, err := s.wsURL()
	if err != nil {
		return false, err
	}
	header := http.Header{}
	if s.opts.Token != "" {
		header.Set("Authorization", "Bearer "+s.opts.Token)
	}

	conn, resp, err := s.opts.Dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			return false, fmt.Errorf("dial: %w (status %d)", err, resp.StatusCode)
		}
		return false, fmt.Errorf("dial: %w", err)
	}
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	out := make(chan outbound, 16)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(sctx, conn, out)
	}()

	s.mu.Lock()
	s.live = &link{out: out, done: writerDone}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.live = nil
		s.mu.Unlock()
	}()

	log.Ctx(ctx).Info().Str("url", wsURL).Msg("live session open")

	// the reader must run before the resync fills out, or a long active list
	// could block on a full buffer while replies go unread
	readErr := make(chan error, 1)
	go func() {
		readErr <- s.readLoop(conn)
		cancel()
	}()

	for _, st := range s.tasks.active() {
		select {
		case out <- outbound{msg: wire.Message{Type: wire.TypeQueryStatus, TaskID: st.TaskID}}:
		case <-sctx.Done():
		}
	}

	<-sctx.Done()
	<-writerDone
	_ = conn.Close()
	return true, <-readErr
}

func (s *Subscriber) readLoop(conn *websocket.Conn) error {
	extend := func() error { return conn.SetReadDeadline(time.Now().Add(s.opts.IdleTimeout)) }
	if err := extend(); err != nil {
		return err
	}
	conn.SetPingHandler(func(data string) error {
		_ = extend()
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(s.opts.WriteWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		var m wire.Message
		if err := conn.ReadJSON(&m); err != nil {
			return err
		}
		_ = extend()
		s.tasks.deliver(m)
	}
}

// writeLoop is the only goroutine writing data frames to conn.
func (s *Subscriber) writeLoop(ctx context.Context, conn *websocket.Conn, out <-chan outbound) {
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(s.opts.WriteWait))
			return
		case o := <-out:
			_ = conn.SetWriteDeadline(time.Now().Add(s.opts.WriteWait))
			err := conn.WriteJSON(o.msg)
			if o.sent != nil {
				o.sent <- err
			}
			if err != nil {
				log.Ctx(ctx).Warn().Err(err).Str("type", o.msg.Type).Msg("subscriber: write failed")
				_ = conn.Close()
				return
			}
		}
	}
}

// poll resyncs over HTTP: the active list first, then each tracked task the
// list no longer mentions, which has most likely finished.
func (s *Subscriber) poll(ctx context.Context) error {
	var list struct {
		Tasks []domain.TaskView `json:"tasks"`
	}
	if err := s.getJSON(ctx, "/tasks", &list); err != nil {
		return err
	}
	seen := make(map[string]bool, len(list.Tasks))
	for _, v := range list.Tasks {
		seen[v.ID] = true
		s.tasks.deliver(wire.FromView(v))
	}

	for _, st := range s.tasks.active() {
		if seen[st.TaskID] {
			continue
		}
		var v domain.TaskView
		err := s.getJSON(ctx, "/tasks/"+url.PathEscape(st.TaskID), &v)
		var se *statusError
		switch {
		case err == nil:
			s.tasks.deliver(wire.FromView(v))
		case errors.As(err, &se) && (se.Code == http.StatusNotFound || se.Code == http.StatusForbidden):
			log.Ctx(ctx).Warn().Str("task_id", st.TaskID).Int("status", se.Code).Msg("subscriber: dropping task")
			s.tasks.forget(st.TaskID)
		default:
			return err
		}
	}
	return nil
}

func (s *Subscriber) getJSON(ctx context.Context, path string, v any) error {
	resp, err := s.do(ctx, http.MethodGet, path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp, http.StatusOK); err != nil {
		return err
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func (s *Subscriber) do(ctx context.Context, method, path string) (*http.Response, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, method, s.opts.BaseURL+path, nil)
	if err != nil {
		return nil, err
	}
	if s.opts.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.opts.Token)
	}
	req.Header.Set("Accept", "application/json")
	return s.http.Do(req)
}

func (s *Subscriber) wsURL() (string, error) {
	u, err := url.Parse(s.opts.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String(), nil
}

type statusError struct {
	Code int
	Msg  string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Msg)
}

func checkStatus(resp *http.Response, want int) error {
	if resp.StatusCode == want {
		return nil
	}
	var body struct {
		Error string `json:"error"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&body)
	return &statusError{Code: resp.StatusCode, Msg: body.Error}
}

// leveledLogger routes retryablehttp's logging through zerolog.
type leveledLogger struct{ l zerolog.Logger }

func (l leveledLogger) Error(msg string, kv ...interface{}) { l.l.Error().Fields(kv).Msg(msg) }
func (l leveledLogger) Warn(msg string, kv ...interface{})  { l.l.Warn().Fields(kv).Msg(msg) }
func (l leveledLogger) Info(msg string, kv ...interface{})  { l.l.Debug().Fields(kv).Msg(msg) }
func (l leveledLogger) Debug(msg string, kv ...interface{}) { l.l.Debug().Fields(kv).Msg(msg) }
