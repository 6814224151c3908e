// Package teardown collects cleanup actions and runs them once, newest first.
package teardown

import (
	"errors"
	"sync"
)

// Bag is an ordered list of teardown actions. Close runs them in reverse
// registration order exactly once; later calls wait for that run and return
// its result. The zero value is ready to use.
type Bag struct {
	mu      sync.Mutex
	actions []func() error
	closed  bool
	done    chan struct{}
	err     error
}

// Add registers a teardown action that cannot fail.
func (b *Bag) Add(fn func()) *Bag {
	return b.AddErr(func() error {
		fn()
		return nil
	})
}

// AddErr registers a teardown action. If the bag is already closed the
// action runs immediately so late registrations are never leaked.
func (b *Bag) AddErr(fn func() error) *Bag {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		_ = fn()
		return b
	}
	b.actions = append(b.actions, fn)
	b.mu.Unlock()

	return b
}

// Closed reports whether Close has been called.
func (b *Bag) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.closed
}

// Close runs every action in reverse order and joins their errors. A
// panicking action does not prevent the remaining ones from running.
func (b *Bag) Close() error {
	b.mu.Lock()
	if b.closed {
		done := b.done
		b.mu.Unlock()
		<-done
		return b.err
	}
	b.closed = true
	b.done = make(chan struct{})
	actions := b.actions
	b.actions = nil
	b.mu.Unlock()

	var errs []error
	for i := len(actions) - 1; i >= 0; i-- {
		if err := run(actions[i]); err != nil {
			errs = append(errs, err)
		}
	}

	// b.err is written once, before done is closed.
	b.err = errors.Join(errs...)
	close(b.done)

	return b.err
}

func run(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r}
		}
	}()

	return fn()
}

// PanicError reports a teardown action that panicked.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return "teardown: action panicked"
}
