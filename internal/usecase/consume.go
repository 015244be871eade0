package usecase

import (
	"context"
	"errors"
	"fmt"
	"taskrelay/internal/ports"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Pool runs Slots consumers against the shared queue. Each slot executes one
// task at a time; a retry is a delayed re-enqueue, so a waiting task never
// holds a slot.
type Pool struct {
	Queue    ports.Queue
	Exec     *Executor
	Slots    int
	Consumer string
	// Block is how long a claim waits for work before looping.
	Block time.Duration
	// ErrorPause backs off a slot after a queue error.
	ErrorPause time.Duration
}

// Run blocks until ctx is cancelled and every slot has handed its task back.
func (p *Pool) Run(ctx context.Context) error {
	slots := max(p.Slots, 1)
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < slots; i++ {
		name := fmt.Sprintf("%s-%d", p.Consumer, i+1)
		g.Go(func() error { return p.consume(ctx, name) })
	}
	log.Info().Int("slots", slots).Str("consumer", p.Consumer).Msg("worker pool started")

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	log.Info().Msg("worker pool stopped")
	return err
}

func (p *Pool) consume(ctx context.Context, name string) error {
	logger := log.With().Str("consumer", name).Logger()
	ctx = logger.WithContext(ctx)

	block := p.Block
	if block <= 0 {
		block = 2 * time.Second
	}

	for {
		if ctx.Err() != nil {
			return nil
		}

		job, streamID, err := p.Queue.Claim(ctx, name, block)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Error().Err(err).Msg("claim failed")
			p.pause(ctx)
			continue
		}
		if job == nil {
			continue
		}

		if err := p.Exec.Execute(ctx, *job); err != nil {
			logger.Error().Err(err).Str("task_id", job.TaskID).Msg("execute failed")
		}
		if err := p.Queue.Ack(context.WithoutCancel(ctx), streamID); err != nil {
			logger.Error().Err(err).Str("stream_id", streamID).Msg("ack failed")
		}
	}
}

func (p *Pool) pause(ctx context.Context) {
	d := p.ErrorPause
	if d <= 0 {
		d = time.Second
	}
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
