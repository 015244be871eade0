package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"taskrelay/internal/auth"
	"taskrelay/internal/config"
	"taskrelay/internal/gateway"
	"taskrelay/internal/infra"
	"taskrelay/internal/infra/redisq"
	"taskrelay/internal/usecase"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// Deps are the collaborators the router needs.
type Deps struct {
	Tasks   Tasks
	Gateway *gateway.Gateway
	JWT     *auth.JWT
	// Health reports backing-service readiness for /health.
	Health             func(ctx context.Context) error
	CORSAllowedOrigins []string
	Now                func() time.Time
}

// NewRouter builds the full handler, middleware included.
func NewRouter(d Deps) http.Handler {
	now := d.Now
	if now == nil {
		now = time.Now
	}
	h := &handler{tasks: d.Tasks, health: d.Health, now: now}

	r := chi.NewRouter()
	r.Get("/health", h.healthz)
	r.Group(func(r chi.Router) {
		r.Use(auth.RequireAuth(d.JWT))

		r.Post("/tasks", h.submit)
		r.Get("/tasks", h.list)
		r.Get("/tasks/{id}", h.get)
		r.Post("/tasks/{id}/cancel", h.cancel)

		if d.Gateway != nil {
			r.Get("/ws", d.Gateway.ServeWS)
			r.Get("/events", d.Gateway.ServeSSE)
		}
	})

	return chainMiddleware(
		r,
		recoverHandler,
		realIPHandler,
		requestIDHandler,
		loggerHandler(func(w http.ResponseWriter, r *http.Request) bool { return r.URL.Path == "/health" }),
		corsHandler(d.CORSAllowedOrigins),
	)
}

type Server struct {
	handler http.Handler
	cfg     config.API
	closers []func() error
}

// NewServer connects the backing services named in cfg and builds the router.
func NewServer(ctx context.Context, cfg *config.Config) (*Server, error) {
	cli := redisq.New(cfg.Redis)
	if err := cli.Init(ctx); err != nil {
		return nil, err
	}

	store, closeStore, err := infra.OpenStore(ctx, cfg.Store, cli)
	if err != nil {
		_ = cli.Close()
		return nil, err
	}

	bus := redisq.NewBus(cli)
	orch := &usecase.Orchestrator{
		Store:             store,
		Queue:             cli,
		Notify:            usecase.Notifier{Bus: bus},
		MaxQueueLength:    cfg.Worker.MaxQueueLength,
		DefaultMaxRetries: cfg.Worker.MaxRetries,
	}
	gw := gateway.New(bus, orch)
	gw.AllowOrigins(cfg.API.CORSAllowedOrigins)

	h := NewRouter(Deps{
		Tasks:              orch,
		Gateway:            gw,
		JWT:                auth.NewJWT(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL),
		Health:             func(ctx context.Context) error { return cli.Rdb.Ping(ctx).Err() },
		CORSAllowedOrigins: cfg.API.CORSAllowedOrigins,
	})

	return &Server{handler: h, cfg: cfg.API, closers: []func() error{closeStore, cli.Close}}, nil
}

// Run serves on port until SIGINT/SIGTERM, then drains in-flight requests.
func (s *Server) Run(port int) {
	addr := fmt.Sprintf(":%d", port)

	httpServer := http.Server{
		Addr:        addr,
		Handler:     s.handler,
		ReadTimeout: 60 * time.Second,
		// no WriteTimeout: /events streams; websockets manage their own deadlines
	}

	done := make(chan bool)
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-quit
		log.Info().Msg("Server is shutting down...")

		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()

		if err := httpServer.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("Server forced to shutdown")
		}

		for _, c := range s.closers {
			if err := c(); err != nil {
				log.Warn().Err(err).Msg("close failed")
			}
		}
		close(done)
	}()

	log.Info().Msgf("server serving on port %d", port)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("Failed to listen and serve")
	}

	<-done
	log.Info().Msg("Server stopped")
}
