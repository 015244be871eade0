package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"taskrelay/internal/domain"
	"taskrelay/internal/usecase"
	"time"
)

// demoPayload tunes the demo kinds. Every field is optional.
type demoPayload struct {
	Steps     int `json:"steps"`
	DelayMs   int `json:"delay_ms"`
	FailTimes int `json:"fail_times"`
}

type countResult struct {
	Processed  int `json:"processed"`
	Successful int `json:"successful"`
	Steps      int `json:"steps"`
}

// Handlers returns the task kinds this worker serves.
func Handlers() *usecase.Registry {
	r := usecase.NewRegistry()
	r.Register("demo.count", countWork)
	r.Register("demo.flaky", flakyWork)
	r.Register("demo.fail", failWork)
	return r
}

func parsePayload(task domain.TaskRecord) (demoPayload, error) {
	p := demoPayload{Steps: 10, DelayMs: 200, FailTimes: 2}
	if len(task.Payload) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(task.Payload, &p); err != nil {
		return p, domain.Fatal(fmt.Errorf("decode payload: %w", err))
	}
	if p.Steps <= 0 || p.DelayMs < 0 || p.FailTimes < 0 {
		return p, domain.Fatal(errors.New("payload values must not be negative and steps must be positive"))
	}
	return p, nil
}

// countWork walks TotalItems (or Steps when unset) in Steps checkpoints,
// stopping at the first checkpoint after a cancel request.
func countWork(ctx context.Context, task domain.TaskRecord, p usecase.Progress) (any, error) {
	cfg, err := parsePayload(task)
	if err != nil {
		return nil, err
	}
	total := task.TotalItems
	if total <= 0 {
		total = cfg.Steps
	}

	delay := time.Duration(cfg.DelayMs) * time.Millisecond
	for step := 1; step <= cfg.Steps; step++ {
		if p.Cancelled() {
			return nil, domain.ErrCancelled
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}

		processed := total * step / cfg.Steps
		if err := p.Report(ctx, usecase.Update{
			Step:       fmt.Sprintf("processed %d/%d", processed, total),
			Processed:  processed,
			Total:      total,
			Successful: processed,
		}); err != nil {
			return nil, err
		}
	}
	return countResult{Processed: total, Successful: total, Steps: cfg.Steps}, nil
}

// flakyWork fails transiently on its first FailTimes attempts.
func flakyWork(ctx context.Context, task domain.TaskRecord, p usecase.Progress) (any, error) {
	cfg, err := parsePayload(task)
	if err != nil {
		return nil, err
	}
	if task.RetryCount < cfg.FailTimes {
		return nil, domain.Transient(fmt.Errorf("upstream unavailable (attempt %d)", task.RetryCount+1))
	}
	return countWork(ctx, task, p)
}

func failWork(context.Context, domain.TaskRecord, usecase.Progress) (any, error) {
	return nil, domain.Fatal(errors.New("simulated failure"))
}
