package sandbox

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/warden/pkg/models"
)

// Entry describes a live execution.
type Entry struct {
	ID        string         `json:"id"`
	Agent     string         `json:"agent"`
	Backend   models.Backend `json:"backend"`
	StartedAt time.Time      `json:"startedAt"`
	Deadline  time.Time      `json:"deadline"`

	cancel func(cause error)
}

// Registry maps execution IDs to their cancel handles. It is safe for
// concurrent use.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*Entry
	// emptied is closed, and replaced, whenever the registry becomes empty.
	emptied chan struct{}
	now     func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*Entry),
		emptied: make(chan struct{}),
		now:     time.Now,
	}
}

// Register records a live execution and returns its new ID. cancel must be
// safe to call more than once and from any goroutine.
func (r *Registry) Register(agent string, backend models.Backend, deadline time.Time, cancel func(cause error)) string {
	id := uuid.NewString()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[id] = &Entry{
		ID:        id,
		Agent:     agent,
		Backend:   backend,
		StartedAt: r.now(),
		Deadline:  deadline,
		cancel:    cancel,
	}
	return id
}

// Remove deletes an entry. It reports whether the entry was present.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[id]; !ok {
		return false
	}
	delete(r.entries, id)
	r.signalIfEmptyLocked()
	return true
}

func (r *Registry) signalIfEmptyLocked() {
	if len(r.entries) == 0 {
		close(r.emptied)
		r.emptied = make(chan struct{})
	}
}

// Get returns a copy of the entry for id.
func (r *Registry) Get(id string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Len returns the number of live executions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Snapshot returns copies of every live entry.
func (r *Registry) Snapshot() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, *e)
	}
	return out
}

// Cancel cancels one execution. The entry stays registered until its
// executor removes it.
func (r *Registry) Cancel(id string, cause error) bool {
	r.mu.Lock()
	e, ok := r.entries[id]
	r.mu.Unlock()
	if !ok {
		return false
	}
	if e.cancel != nil {
		e.cancel(cause)
	}
	return true
}

// CancelAll cancels every execution match accepts, or all of them when match
// is nil, and returns how many were cancelled.
func (r *Registry) CancelAll(cause error, match func(Entry) bool) int {
	r.mu.Lock()
	targets := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		if match == nil || match(*e) {
			targets = append(targets, e)
		}
	}
	r.mu.Unlock()

	for _, e := range targets {
		if e.cancel != nil {
			e.cancel(cause)
		}
	}
	return len(targets)
}

// Clear drops every entry without waiting for executors to finish. Entries
// should have been cancelled first.
func (r *Registry) Clear() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.entries)
	if n == 0 {
		return 0
	}
	r.entries = make(map[string]*Entry)
	r.signalIfEmptyLocked()
	return n
}

// Wait blocks until the registry is empty or ctx is done.
func (r *Registry) Wait(ctx context.Context) error {
	for {
		r.mu.Lock()
		if len(r.entries) == 0 {
			r.mu.Unlock()
			return nil
		}
		ch := r.emptied
		r.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
