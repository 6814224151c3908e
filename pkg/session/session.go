// Package session implements named logical connections to an engine.
//
// A Session owns at most one engine host at a time, started lazily through
// its Broker. Commands that may change engine state go through the session's
// single interaction slot, so they reach the engine one caller at a time and
// in submission order. Reentrant evaluations bypass the slot and may run
// while an interaction is open.
//
// Sessions are created and rebound by a Provider. When the Provider's broker
// is replaced, every session drops its host and reconnects on next use.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/germanamz/evalhost/pkg/broker"
	"github.com/germanamz/evalhost/pkg/evaluation"
	"github.com/germanamz/evalhost/pkg/event"
)

var (
	// ErrNoBroker is wrapped by the TransportError returned when a session
	// has no broker to start a host with.
	ErrNoBroker = errors.New("session: no broker")
	// ErrClosed is wrapped by the TransportError returned by a closed session.
	ErrClosed = errors.New("session: closed")
	// ErrRebound is wrapped by the TransportError returned when the broker is
	// replaced while a host is starting.
	ErrRebound = errors.New("session: broker replaced during start")
)

// Option configures sessions.
type Option func(*options)

type options struct {
	log                *slog.Logger
	bus                *event.Bus
	interactionTimeout time.Duration
	maxWaiters         int
}

func defaultOptions() options {
	return options{
		log:        slog.New(slog.DiscardHandler),
		maxWaiters: DefaultMaxWaiters,
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithBus publishes session and broker events to bus in addition to the
// synchronous observers.
func WithBus(bus *event.Bus) Option {
	return func(o *options) { o.bus = bus }
}

// WithInteractionTimeout bounds the wait for the interaction slot when the
// caller's context carries no deadline.
func WithInteractionTimeout(d time.Duration) Option {
	return func(o *options) { o.interactionTimeout = d }
}

// WithMaxWaiters bounds the interaction queue. Zero or less means unbounded.
func WithMaxWaiters(n int) Option {
	return func(o *options) { o.maxWaiters = n }
}

// startCall is a host start shared by concurrent callers.
type startCall struct {
	done chan struct{}
	err  error
}

// Session is one logical connection to an engine.
type Session struct {
	name string
	opts options
	slot *slot

	mu        sync.Mutex
	broker    broker.Broker
	host      broker.Host
	state     broker.State
	startOpts broker.StartOptions
	start     *startCall
	closed    bool

	mutated      event.Observers[struct{}]
	installed    event.Observers[struct{}]
	removed      event.Observers[struct{}]
	stateChanged event.Observers[broker.State]
}

// New creates a session bound to b. Sessions are normally obtained from a
// Provider.
func New(name string, b broker.Broker, opts ...Option) *Session {
	o := defaultOptions()
	for _, fn := range opts {
		fn(&o)
	}

	return newSession(name, b, o)
}

func newSession(name string, b broker.Broker, o options) *Session {
	return &Session{
		name:      name,
		opts:      o,
		slot:      newSlot(o.maxWaiters),
		broker:    b,
		startOpts: broker.StartOptions{Name: name},
	}
}

// Name returns the session's lookup key.
func (s *Session) Name() string { return s.name }

// Broker returns the broker the session is bound to.
func (s *Session) Broker() broker.Broker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.broker
}

// State returns the session's connectivity.
func (s *Session) State() broker.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsRemote reports whether the session's broker reaches a remote engine.
func (s *Session) IsRemote() bool {
	b := s.Broker()
	return b != nil && b.IsRemote()
}

// OnMutated registers fn to run after every interaction or command that may
// have changed engine state.
func (s *Session) OnMutated(fn func()) (remove func()) {
	return s.mutated.Add(func(struct{}) { fn() })
}

// OnPackagesInstalled registers fn to run when the engine reports installed
// packages.
func (s *Session) OnPackagesInstalled(fn func()) (remove func()) {
	return s.installed.Add(func(struct{}) { fn() })
}

// OnPackagesRemoved registers fn to run when the engine reports removed
// packages.
func (s *Session) OnPackagesRemoved(fn func()) (remove func()) {
	return s.removed.Add(func(struct{}) { fn() })
}

// OnStateChanged registers fn to run on every state transition.
func (s *Session) OnStateChanged(fn func(broker.State)) (remove func()) {
	return s.stateChanged.Add(fn)
}

// EnsureHostStarted starts the session's host unless it is already
// connected. Concurrent callers share one start. The start runs detached
// from ctx and is bounded by opts.Timeout, so cancelling ctx only ends this
// caller's wait and returns ctx.Err(). A failed start leaves the session
// Disconnected and is not retried.
func (s *Session) EnsureHostStarted(ctx context.Context, opts broker.StartOptions, progress broker.ProgressFunc) error {
	if opts.Name == "" {
		opts.Name = s.name
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return evaluation.Disconnected("start", ErrClosed)
	}
	s.startOpts = opts
	if s.host != nil {
		s.mu.Unlock()
		return nil
	}
	if c := s.start; c != nil {
		s.mu.Unlock()
		select {
		case <-c.done:
			return c.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	b := s.broker
	if b == nil {
		s.mu.Unlock()
		return evaluation.Disconnected("start", ErrNoBroker)
	}
	c := &startCall{done: make(chan struct{})}
	s.start = c
	s.mu.Unlock()

	s.setState(broker.Connecting)
	go func() {
		c.err = s.connect(context.WithoutCancel(ctx), b, opts, progress)

		s.mu.Lock()
		if s.start == c {
			s.start = nil
		}
		s.mu.Unlock()
		close(c.done)
	}()

	select {
	case <-c.done:
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) connect(ctx context.Context, b broker.Broker, opts broker.StartOptions, progress broker.ProgressFunc) error {
	h, err := b.Connect(ctx, opts, progress)
	if err != nil {
		s.opts.log.WarnContext(ctx, "host start failed", "session", s.name, "broker", b.Name(), "error", err)
		s.setStateIfBound(b, broker.Disconnected)
		return err
	}

	s.mu.Lock()
	if s.closed || s.broker != b {
		s.mu.Unlock()
		_ = h.Close()
		return evaluation.Disconnected("start", ErrRebound)
	}
	s.host = h
	s.mu.Unlock()

	s.opts.log.InfoContext(ctx, "host started", "session", s.name, "broker", b.Name())
	s.setState(broker.Connected)

	go s.watch(h)

	return nil
}

// watch marks the session disconnected when h goes away on its own.
func (s *Session) watch(h broker.Host) {
	<-h.Done()

	s.mu.Lock()
	if s.host != h {
		s.mu.Unlock()
		return
	}
	s.host = nil
	s.mu.Unlock()

	s.opts.log.Warn("host connection lost", "session", s.name)
	s.setState(broker.Disconnected)
}

// currentHost returns the live host, starting one with the last start
// options when there is none.
func (s *Session) currentHost(ctx context.Context) (broker.Host, error) {
	s.mu.Lock()
	h, opts := s.host, s.startOpts
	s.mu.Unlock()

	if h != nil {
		return h, nil
	}

	if err := s.EnsureHostStarted(ctx, opts, nil); err != nil {
		return nil, err
	}

	s.mu.Lock()
	h = s.host
	s.mu.Unlock()

	if h == nil {
		return nil, evaluation.Disconnected("start", nil)
	}
	return h, nil
}

// Evaluate sends expression for evaluation. Normal evaluations wait for the
// interaction slot; Reentrant evaluations do not.
func (s *Session) Evaluate(ctx context.Context, expression string, kind evaluation.Kind) (evaluation.Result, error) {
	if kind == "" {
		kind = evaluation.KindNormal
	}
	if !kind.Valid() {
		return evaluation.Result{}, &evaluation.Fault{
			Message: fmt.Sprintf("unknown evaluation kind %q", kind),
			Class:   evaluation.ClassProtocol,
		}
	}

	if kind == evaluation.KindNormal {
		if err := s.acquire(ctx); err != nil {
			return evaluation.Result{}, err
		}
		defer s.slot.release()
	}

	return s.evaluate(ctx, expression, kind)
}

// Evaluate evaluates expression on s and decodes the result into T.
func Evaluate[T any](ctx context.Context, s *Session, expression string, kind evaluation.Kind) (T, error) {
	res, err := s.Evaluate(ctx, expression, kind)
	if err != nil {
		var zero T
		return zero, err
	}

	return evaluation.Decode[T](res)
}

// Execute runs a single command as a one-command interaction.
func (s *Session) Execute(ctx context.Context, command string) (evaluation.Result, error) {
	var res evaluation.Result
	err := s.BeginInteraction(ctx, func(in *Interaction) error {
		var err error
		res, err = in.Send(ctx, command)
		return err
	})

	return res, err
}

// BeginInteraction waits for the interaction slot and runs fn with
// exclusive, ordered access to the engine. The slot is released when fn
// returns, fails or panics, and Mutated fires afterwards. The Interaction
// must not be used after fn returns.
func (s *Session) BeginInteraction(ctx context.Context, fn func(*Interaction) error) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}

	in := &Interaction{session: s}
	defer func() {
		in.close()
		s.slot.release()
		s.fireMutated()
	}()

	return fn(in)
}

func (s *Session) acquire(ctx context.Context) error {
	if d := s.opts.interactionTimeout; d > 0 {
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d)
			defer cancel()
		}
	}

	if err := s.slot.acquire(ctx); err != nil {
		return fmt.Errorf("session %s: wait for interaction: %w", s.name, err)
	}
	return nil
}

func (s *Session) evaluate(ctx context.Context, expression string, kind evaluation.Kind) (evaluation.Result, error) {
	h, err := s.currentHost(ctx)
	if err != nil {
		return evaluation.Result{}, err
	}

	res, err := h.Evaluate(ctx, expression, kind)
	if err != nil {
		return res, err
	}

	s.raiseNotices(res)
	return res, nil
}

func (s *Session) execute(ctx context.Context, command string) (evaluation.Result, error) {
	h, err := s.currentHost(ctx)
	if err != nil {
		return evaluation.Result{}, err
	}

	res, err := h.Execute(ctx, command)
	if err != nil {
		return res, err
	}

	s.raiseNotices(res)
	return res, nil
}

func (s *Session) raiseNotices(res evaluation.Result) {
	if res.Has(evaluation.NoticePackagesInstalled) {
		s.installed.Notify(struct{}{})
		s.publish(event.KindPackagesInstalled, nil)
	}
	if res.Has(evaluation.NoticePackagesRemoved) {
		s.removed.Notify(struct{}{})
		s.publish(event.KindPackagesRemoved, nil)
	}
}

func (s *Session) fireMutated() {
	s.mutated.Notify(struct{}{})
	s.publish(event.KindMutated, nil)
}

func (s *Session) setState(st broker.State) {
	s.mu.Lock()
	if s.state == st {
		s.mu.Unlock()
		return
	}
	s.state = st
	s.mu.Unlock()

	s.stateChanged.Notify(st)
	s.publish(event.KindStateChanged, st)
}

// setStateIfBound applies st only while the session is still bound to b.
func (s *Session) setStateIfBound(b broker.Broker, st broker.State) {
	s.mu.Lock()
	bound := s.broker == b && s.host == nil
	s.mu.Unlock()

	if bound {
		s.setState(st)
	}
}

func (s *Session) publish(kind event.Kind, data any) {
	if s.opts.bus == nil {
		return
	}

	e := event.Event{Kind: kind, Session: s.name, Data: data}
	if b := s.Broker(); b != nil {
		e.Broker = b.Name()
	}
	s.opts.bus.Publish(e)
}

// rebind drops the current host, which ends its calls in flight with a
// TransportError, and binds the session to b.
func (s *Session) rebind(b broker.Broker) {
	s.mu.Lock()
	old := s.host
	s.host = nil
	s.broker = b
	s.start = nil
	s.mu.Unlock()

	if old != nil {
		if err := old.Close(); err != nil {
			s.opts.log.Debug("closing host on rebind", "session", s.name, "error", err)
		}
	}

	s.setState(broker.Disconnected)
}

// Close disconnects the session. Later operations fail with a
// TransportError.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	h := s.host
	s.host = nil
	s.mu.Unlock()

	var err error
	if h != nil {
		err = h.Close()
	}
	s.setState(broker.Disconnected)

	return err
}
