package gateway

import (
	"context"
	"errors"
	"fmt"
	"taskrelay/internal/domain"
	"taskrelay/internal/ports"
	"taskrelay/internal/wire"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const maxFrameSize = 4096

// session is one live connection. writeLoop is the only goroutine that
// writes to conn.
type session struct {
	g     *Gateway
	conn  *websocket.Conn
	owner string
	sub   ports.Subscription
	send  chan any
}

// versionGate drops frames for a task at or below the version this
// subscriber already delivered. Processes publish after they commit, so two
// writers can reach the bus out of commit order.
type versionGate map[string]int64

func (g versionGate) pass(id string, version int64) bool {
	if version <= g[id] {
		return false
	}
	g[id] = version
	return true
}

func (s *session) serve(ctx context.Context, cancel context.CancelFunc) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.writeLoop(ctx)
		cancel()
	}()

	s.readLoop(ctx)
	cancel()
	<-done
	_ = s.sub.Close()
}

func (s *session) readLoop(ctx context.Context) {
	logger := log.Ctx(ctx)
	s.conn.SetReadLimit(maxFrameSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(s.g.PongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.g.PongWait))
	})

	for {
		var m wire.Message
		if err := s.conn.ReadJSON(&m); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && ctx.Err() == nil {
				logger.Debug().Err(err).Msg("session read ended")
			}
			return
		}

		reply := s.handle(ctx, m)
		select {
		case s.send <- reply:
		case <-ctx.Done():
			return
		}
	}
}

func (s *session) handle(ctx context.Context, m wire.Message) wire.Message {
	if m.TaskID == "" {
		return wire.Error("", fmt.Errorf("%w: task_id is required", domain.ErrInvalidInput))
	}

	switch m.Type {
	case wire.TypeQueryStatus:
		rec, err := s.g.Tasks.Status(ctx, m.TaskID, s.owner)
		if err != nil {
			return wire.Error(m.TaskID, err)
		}
		return wire.Status(rec.View(s.g.Now()))

	case wire.TypeCancel:
		if _, err := s.g.Tasks.Cancel(ctx, m.TaskID, s.owner); err != nil {
			return wire.Error(m.TaskID, err)
		}
		return wire.CancelAck(m.TaskID)
	}
	return wire.Error(m.TaskID, fmt.Errorf("%w: unknown message type %q", domain.ErrInvalidInput, m.Type))
}

func (s *session) writeLoop(ctx context.Context) {
	logger := log.Ctx(ctx)
	ticker := time.NewTicker(s.g.PingInterval)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	seen := versionGate{}
	events := s.sub.Events()
	for {
		var err error
		select {
		case <-ctx.Done():
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(s.g.WriteWait))
			return

		case ev, ok := <-events:
			if !ok {
				// bus gone, let the client reconnect and resync
				_ = s.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "event stream closed"),
					time.Now().Add(s.g.WriteWait))
				return
			}
			if !seen.pass(ev.TaskID, ev.Version) {
				continue
			}
			err = s.write(wire.FromEvent(ev))

		case m := <-s.send:
			if st, ok := m.(wire.Message); ok && st.Type == wire.TypeStatus {
				seen.pass(st.TaskID, st.Version)
			}
			err = s.write(m)

		case <-ticker.C:
			err = s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.g.WriteWait))
		}

		if err != nil {
			if !errors.Is(err, websocket.ErrCloseSent) {
				logger.Debug().Err(err).Msg("session write failed")
			}
			return
		}
	}
}

func (s *session) write(v any) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.g.WriteWait))
	return s.conn.WriteJSON(v)
}
