// Package event provides the two notification primitives used across
// evalhost: Observers, a synchronous callback list, and Bus, a buffered
// channel fan-out for frontends that consume events on their own goroutine.
package event

import (
	"maps"
	"slices"
	"sync"
)

// Observers is a thread-safe list of callbacks keyed by subscriber identity.
// Notify invokes them synchronously on the calling goroutine, in
// registration order. The zero value is ready to use.
type Observers[T any] struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]func(T)
}

// Add registers fn and returns a function that removes it. The returned
// function is safe to call more than once.
func (o *Observers[T]) Add(fn func(T)) (remove func()) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.subs == nil {
		o.subs = make(map[uint64]func(T))
	}
	o.nextID++
	id := o.nextID
	o.subs[id] = fn

	return func() { o.remove(id) }
}

func (o *Observers[T]) remove(id uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()

	delete(o.subs, id)
}

// Len returns the number of registered callbacks.
func (o *Observers[T]) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()

	return len(o.subs)
}

// Notify calls every registered callback with v. Callbacks run without the
// internal lock held, so they may add or remove observers.
func (o *Observers[T]) Notify(v T) {
	for _, fn := range o.snapshot() {
		fn(v)
	}
}

func (o *Observers[T]) snapshot() []func(T) {
	o.mu.Lock()
	defer o.mu.Unlock()

	ids := slices.Sorted(maps.Keys(o.subs))
	fns := make([]func(T), len(ids))
	for i, id := range ids {
		fns[i] = o.subs[id]
	}
	return fns
}
