package session

import (
	"context"
	"errors"
	"slices"
	"sync"
)

// ErrTooManyWaiters is returned when the interaction queue of a session is
// full.
var ErrTooManyWaiters = errors.New("session: too many interaction waiters")

// DefaultMaxWaiters bounds the interaction queue of a session.
const DefaultMaxWaiters = 64

// slot is a single-owner lock whose waiters are served in arrival order.
// Release hands ownership directly to the oldest waiter, so a newcomer can
// never overtake the queue.
type slot struct {
	mu      sync.Mutex
	held    bool
	waiters []chan struct{}
	max     int
}

func newSlot(maxWaiters int) *slot {
	return &slot{max: maxWaiters}
}

func (s *slot) acquire(ctx context.Context) error {
	s.mu.Lock()
	if !s.held {
		s.held = true
		s.mu.Unlock()
		return nil
	}
	if s.max > 0 && len(s.waiters) >= s.max {
		s.mu.Unlock()
		return ErrTooManyWaiters
	}
	ch := make(chan struct{})
	s.waiters = append(s.waiters, ch)
	s.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		if i := slices.Index(s.waiters, ch); i >= 0 {
			s.waiters = slices.Delete(s.waiters, i, i+1)
			s.mu.Unlock()
			return ctx.Err()
		}
		s.mu.Unlock()

		// Ownership was handed over while we were giving up; pass it on.
		s.release()
		return ctx.Err()
	}
}

func (s *slot) release() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.waiters) == 0 {
		s.held = false
		return
	}

	next := s.waiters[0]
	s.waiters = slices.Delete(s.waiters, 0, 1)
	close(next)
}

func (s *slot) waiting() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.waiters)
}
