package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"taskrelay/internal/auth"
	"taskrelay/internal/wire"
	"time"

	"github.com/rs/zerolog/log"
)

// ServeSSE streams the same frames as ServeWS to read-only consumers, one
// "data:" line per frame.
func (g *Gateway) ServeSSE(w http.ResponseWriter, r *http.Request) {
	owner, ok := auth.OwnerFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	ctx := r.Context()
	sub, err := g.Bus.Subscribe(ctx, owner)
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Str("owner_id", owner).Msg("gateway: subscribe failed")
		http.Error(w, "event bus unavailable", http.StatusServiceUnavailable)
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(g.PingInterval)
	defer ticker.Stop()

	seen := versionGate{}
	events := sub.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, ok := <-events:
			if !ok {
				return
			}
			if !seen.pass(ev.TaskID, ev.Version) {
				continue
			}
			data, err := json.Marshal(wire.FromEvent(ev))
			if err != nil {
				log.Ctx(ctx).Error().Err(err).Msg("gateway: encode event")
				continue
			}
			// encoding/json never emits raw newlines, so one data line suffices
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
