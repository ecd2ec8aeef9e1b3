package session

import (
	"context"
	"sort"
	"sync"

	"github.com/samber/lo"
	"go.uber.org/multierr"
)

// Registry is the process wide set of live sessions.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: map[string]*Session{}}
}

// Add registers a session.
func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID().String()] = s
}

// Remove unregisters a session and reports whether it was present.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; !ok {
		return false
	}
	delete(r.sessions, id)
	return true
}

// Get looks a session up by id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// List returns the live sessions ordered by id.
func (r *Registry) List() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := lo.Keys(r.sessions)
	sort.Strings(ids)
	return lo.Map(ids, func(id string, _ int) *Session {
		return r.sessions[id]
	})
}

// CloseAll tears down every live session.
func (r *Registry) CloseAll(ctx context.Context) error {
	var errs error
	for _, s := range r.List() {
		errs = multierr.Append(errs, s.Teardown(ctx))
	}
	return errs
}
