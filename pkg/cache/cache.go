// Package cache holds derived engine state that is expensive to query. Each
// Collection is guarded by one dirty source: producers mark it dirty, and a
// refresh replaces the whole collection.
package cache

import (
	"context"
	"slices"
	"sync"

	"github.com/germanamz/evalhost/pkg/dirty"
)

// FetchFunc loads a fresh copy of a collection.
type FetchFunc[T any] func(ctx context.Context) ([]T, error)

// Collection is a cached list that is replaced wholesale on every
// successful refresh and never patched. A failed refresh keeps the previous
// snapshot. The zero value is not usable; call New.
type Collection[T any] struct {
	dirty *dirty.Source

	mu      sync.RWMutex
	items   []T
	fetched bool
	started uint64 // refreshes begun
	applied uint64 // sequence of the refresh that produced items
	signal  chan struct{}
}

// New creates an empty collection. owner is reported to the dirty source's
// observers.
func New[T any](owner any) *Collection[T] {
	return &Collection[T]{
		dirty:  dirty.New(owner),
		signal: make(chan struct{}),
	}
}

// Dirty returns the source that invalidates the collection.
func (c *Collection[T]) Dirty() *dirty.Source { return c.dirty }

// Snapshot returns a copy of the last successfully fetched items and
// whether any fetch has succeeded yet.
func (c *Collection[T]) Snapshot() ([]T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return slices.Clone(c.items), c.fetched
}

// Changed returns a channel that is closed the next time the snapshot is
// replaced.
func (c *Collection[T]) Changed() <-chan struct{} {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.signal
}

// Refresh resets the dirty source and then fetches. Anything that marks the
// source dirty while the fetch runs stays recorded: the fetched items may
// already be stale. When refreshes overlap, an older fetch never replaces
// the result of a newer one.
func (c *Collection[T]) Refresh(ctx context.Context, fetch FetchFunc[T]) ([]T, error) {
	c.dirty.Reset()

	c.mu.Lock()
	c.started++
	seq := c.started
	c.mu.Unlock()

	items, err := fetch(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if seq > c.applied {
		c.items = slices.Clone(items)
		c.fetched = true
		c.applied = seq
		close(c.signal)
		c.signal = make(chan struct{})
	}
	c.mu.Unlock()

	return slices.Clone(items), nil
}

// Get returns the snapshot when it is clean, and refreshes otherwise.
func (c *Collection[T]) Get(ctx context.Context, fetch FetchFunc[T]) ([]T, error) {
	if items, ok := c.Snapshot(); ok && !c.dirty.IsDirty() {
		return items, nil
	}

	return c.Refresh(ctx, fetch)
}
