// Package gateway serves live task events to connected clients over
// websocket (interactive) and server-sent events (read-only).
package gateway

import (
	"context"
	"net/http"
	"slices"
	"taskrelay/internal/auth"
	"taskrelay/internal/domain"
	"taskrelay/internal/ports"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Tasks is the query/control surface a session forwards to.
type Tasks interface {
	Status(ctx context.Context, id, ownerID string) (*domain.TaskRecord, error)
	Cancel(ctx context.Context, id, ownerID string) (*domain.TaskRecord, error)
}

type Gateway struct {
	Bus   ports.Bus
	Tasks Tasks

	Upgrader websocket.Upgrader

	// PingInterval must be shorter than PongWait.
	PingInterval time.Duration
	PongWait     time.Duration
	WriteWait    time.Duration
	// SendBuffer bounds queued control replies per session.
	SendBuffer int

	Now func() time.Time
}

func New(bus ports.Bus, tasks Tasks) *Gateway {
	return &Gateway{
		Bus:          bus,
		Tasks:        tasks,
		Upgrader:     websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024},
		PingInterval: 30 * time.Second,
		PongWait:     60 * time.Second,
		WriteWait:    10 * time.Second,
		SendBuffer:   16,
		Now:          time.Now,
	}
}

// AllowOrigins accepts cross-origin websocket handshakes from the listed
// origins; "*" accepts any. A request without Origin is always accepted.
func (g *Gateway) AllowOrigins(origins []string) {
	if len(origins) == 0 {
		return
	}
	g.Upgrader.CheckOrigin = func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || slices.Contains(origins, "*") || slices.Contains(origins, origin)
	}
}

// ServeWS upgrades the request into a session. The bus subscription is
// confirmed before the handshake completes so nothing published after the
// client sees the connection open is missed.
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	owner, ok := auth.OwnerFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	sub, err := g.Bus.Subscribe(r.Context(), owner)
	if err != nil {
		log.Ctx(r.Context()).Error().Err(err).Str("owner_id", owner).Msg("gateway: subscribe failed")
		http.Error(w, "event bus unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := g.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response
		_ = sub.Close()
		return
	}

	logger := log.With().Str("owner_id", owner).Str("remote", r.RemoteAddr).Logger()
	ctx, cancel := context.WithCancel(logger.WithContext(context.WithoutCancel(r.Context())))
	defer cancel()

	s := &session{
		g:     g,
		conn:  conn,
		owner: owner,
		sub:   sub,
		send:  make(chan any, max(g.SendBuffer, 1)),
	}
	logger.Info().Msg("session opened")
	s.serve(ctx, cancel)
	logger.Info().Msg("session closed")
}
