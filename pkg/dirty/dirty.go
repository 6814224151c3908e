// Package dirty implements a coalescing invalidation signal. Producers call
// FireOnce whenever the protected state may have changed; observers are
// notified once per dirty period, and the consumer calls Reset right before
// it starts a refresh.
package dirty

import (
	"sync"

	"github.com/germanamz/evalhost/pkg/event"
)

// Source is a dirty flag with a notification list. FireOnce and Reset are
// linearized by one mutex, so a FireOnce that happens after a Reset always
// leaves the source dirty.
type Source struct {
	owner any

	mu    sync.Mutex
	dirty bool

	observers event.Observers[any]
}

// New returns a clean Source. owner is passed to observers as the sender.
func New(owner any) *Source {
	return &Source{owner: owner}
}

// Owner returns the object this source protects.
func (s *Source) Owner() any { return s.owner }

// FireOnce marks the source dirty. Observers run synchronously, on the
// caller's goroutine, only when this call moved the flag from clean to
// dirty; while already dirty the call is a no-op.
func (s *Source) FireOnce() {
	s.mu.Lock()
	wasDirty := s.dirty
	s.dirty = true
	s.mu.Unlock()

	if !wasDirty {
		s.observers.Notify(s.owner)
	}
}

// Reset clears the flag without notifying observers. The caller is
// acknowledging that it is about to refresh.
func (s *Source) Reset() {
	s.mu.Lock()
	s.dirty = false
	s.mu.Unlock()
}

// IsDirty reports the current flag.
func (s *Source) IsDirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.dirty
}

// Subscribe registers fn to run on every clean-to-dirty transition and
// returns a function that unregisters it. fn receives the owner and must not
// block.
func (s *Source) Subscribe(fn func(owner any)) (unsubscribe func()) {
	return s.observers.Add(fn)
}
