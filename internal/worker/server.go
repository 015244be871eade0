// internal/worker/server.go
package worker

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"taskrelay/internal/config"
	"taskrelay/internal/infra"
	"taskrelay/internal/infra/redisq"
	"taskrelay/internal/usecase"
	"taskrelay/pkg/backoff"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

type Config struct {
	ConsumerName string
	// Slots, BaseBackoff and MaxBackoff override the Worker_* settings
	// when positive.
	Slots       int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func Run(cfg Config) error {
	appCfg := config.Load()
	cli := redisq.New(appCfg.Redis)
	defer cli.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cli.Init(ctx); err != nil {
		return err
	}

	store, closeStore, err := infra.OpenStore(ctx, appCfg.Store, cli)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeStore(); err != nil {
			log.Warn().Err(err).Msg("close store")
		}
	}()

	notify := usecase.Notifier{Bus: redisq.NewBus(cli)}
	w := appCfg.Worker

	slots := w.Slots
	if cfg.Slots > 0 {
		slots = cfg.Slots
	}
	if cfg.BaseBackoff > 0 {
		w.BaseBackoff = cfg.BaseBackoff
	}
	if cfg.MaxBackoff > 0 {
		w.MaxBackoff = max(cfg.MaxBackoff, w.BaseBackoff)
	}

	pool := &usecase.Pool{
		Queue: cli,
		Exec: &usecase.Executor{
			Store:             store,
			Queue:             cli,
			Notify:            notify,
			Registry:          Handlers(),
			Retry:             backoff.Policy{Base: w.BaseBackoff, Max: w.MaxBackoff, Jitter: w.Jitter},
			CancelGrace:       w.CancelGrace,
			HeartbeatInterval: w.HeartbeatInterval,
		},
		Slots:      slots,
		Consumer:   cfg.ConsumerName,
		Block:      w.ClaimBlock,
		ErrorPause: w.BaseBackoff,
	}
	reaper := &usecase.Reaper{
		Store:        store,
		Queue:        cli,
		Notify:       notify,
		LeaseTimeout: w.LeaseTimeout,
		Interval:     w.ReaperInterval,
	}
	sched := redisq.NewScheduler(cli, w.SchedulerInterval)

	log.Info().
		Str("consumer", cfg.ConsumerName).
		Int("slots", slots).
		Str("store", appCfg.Store.Driver).
		Strs("kinds", pool.Exec.Registry.Kinds()).
		Msg("worker starting")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error { return reaper.Run(gctx) })
	g.Go(func() error { return pool.Run(gctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info().Msg("worker stopped")
	return nil
}
