// Package registry tracks live sessions and enforces the connection cap.
package registry

import (
	"context"
	"errors"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/phcnguyen/seclink/seclink/session"
)

var ErrCapacity = errors.New("registry: connection limit reached")

// Registry is an ordered, capacity-bounded set of sessions. All methods are
// safe for concurrent use.
type Registry struct {
	mu       sync.Mutex
	sessions []*session.Session
	capacity int
}

// New returns a registry admitting at most capacity sessions.
func New(capacity int) *Registry {
	return &Registry{capacity: capacity}
}

// Admit adds s unless the registry is full. A rejected session is left
// untouched; the caller closes it.
func (r *Registry) Admit(s *session.Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.sessions) >= r.capacity {
		return false
	}
	if slices.Contains(r.sessions, s) {
		return true
	}
	r.sessions = append(r.sessions, s)
	return true
}

// Remove drops s. Removing an absent session is a no-op.
func (r *Registry) Remove(s *session.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i := slices.Index(r.sessions, s); i >= 0 {
		r.sessions = slices.Delete(r.sessions, i, i+1)
	}
}

// CloseAll empties the registry and closes every session it held
// concurrently, returning once all of them are closed or ctx is done.
// The first close error is returned.
func (r *Registry) CloseAll(ctx context.Context) error {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = nil
	r.mu.Unlock()

	var g errgroup.Group
	for _, s := range sessions {
		g.Go(s.Close)
	}
	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *Registry) Capacity() int { return r.capacity }

// Sessions returns a snapshot in admission order.
func (r *Registry) Sessions() []*session.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.sessions)
}
