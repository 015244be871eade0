package usecase

import (
	"context"
	"sort"
	"sync"
	"taskrelay/internal/domain"
)

// Update is one checkpoint reported by a unit of work. Zero fields leave the
// stored value alone; counters and percent can only move forward.
type Update struct {
	Percent    int
	Step       string
	Processed  int
	Total      int
	Successful int
	Failed     int
}

// Progress is handed to every unit of work.
type Progress interface {
	// Report persists the checkpoint and notifies live sessions.
	// It returns domain.ErrCancelled once cancellation has been requested and
	// domain.ErrTaskNotRunning after the task has left in_progress.
	Report(ctx context.Context, u Update) error
	// Cancelled reports whether the owner asked to stop.
	Cancelled() bool
}

// WorkFunc is the body of a task kind. The returned value is stored as the
// JSON result summary on success.
type WorkFunc func(ctx context.Context, task domain.TaskRecord, p Progress) (any, error)

type Registry struct {
	mu       sync.RWMutex
	handlers map[string]WorkFunc
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]WorkFunc)}
}

// Register binds kind to fn, replacing any previous binding.
func (r *Registry) Register(kind string, fn WorkFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = fn
}

func (r *Registry) Lookup(kind string) (WorkFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.handlers[kind]
	return fn, ok
}

func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
