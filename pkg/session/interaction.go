package session

import (
	"context"
	"errors"
	"sync"

	"github.com/germanamz/evalhost/pkg/evaluation"
)

// ErrInteractionClosed is returned by an Interaction used after the scope
// that acquired it has ended.
var ErrInteractionClosed = errors.New("session: interaction closed")

// Interaction is exclusive, ordered access to a session's engine, valid
// only inside the function passed to BeginInteraction. Each call completes
// before the next one is sent, even when the Interaction is shared between
// goroutines.
type Interaction struct {
	session *Session

	mu     sync.Mutex
	closed bool
}

// Send executes command and waits for it to complete.
func (in *Interaction) Send(ctx context.Context, command string) (evaluation.Result, error) {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.closed {
		return evaluation.Result{}, ErrInteractionClosed
	}

	return in.session.execute(ctx, command)
}

// Evaluate evaluates expression within the interaction.
func (in *Interaction) Evaluate(ctx context.Context, expression string) (evaluation.Result, error) {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.closed {
		return evaluation.Result{}, ErrInteractionClosed
	}

	return in.session.evaluate(ctx, expression, evaluation.KindNormal)
}

func (in *Interaction) close() {
	in.mu.Lock()
	in.closed = true
	in.mu.Unlock()
}
