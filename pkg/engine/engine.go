package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/germanamz/evalhost/pkg/broker"
	"github.com/germanamz/evalhost/pkg/event"
	"github.com/germanamz/evalhost/pkg/packages"
	"github.com/germanamz/evalhost/pkg/session"
)

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger handed to every component.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// Engine wires a session provider, the REPL session and the package manager
// to the configured brokers.
type Engine struct {
	cfg          Config
	log          *slog.Logger
	events       *event.Bus
	provider     *session.Provider
	repl         *session.Session
	packages     *packages.Manager
	startTimeout time.Duration

	mu     sync.Mutex
	active BrokerConfig
}

// New creates an Engine from the given configuration. It validates the
// config and builds the active broker. No engine is started until the first
// evaluation or an explicit Start.
func New(cfg Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:    cfg,
		log:    slog.New(slog.DiscardHandler),
		events: event.NewBus(),
		active: cfg.activeBroker(),
	}
	for _, o := range opts {
		o(e)
	}

	// Validate already parsed both durations.
	interactionTimeout, _ := cfg.Sessions.interactionTimeout()
	e.startTimeout, _ = cfg.Sessions.startTimeout()

	b, err := buildBroker(e.active, e.log)
	if err != nil {
		return nil, err
	}

	sessionOpts := []session.Option{
		session.WithLogger(e.log),
		session.WithBus(e.events),
		session.WithInteractionTimeout(interactionTimeout),
	}
	if cfg.Sessions.MaxWaiters > 0 {
		sessionOpts = append(sessionOpts, session.WithMaxWaiters(cfg.Sessions.MaxWaiters))
	}

	e.provider = session.NewProvider(b, sessionOpts...)
	e.repl = e.provider.GetOrCreate(packages.SessionREPL)
	e.packages = packages.New(e.provider, e.repl,
		packages.WithLogger(e.log),
		packages.WithSettings(packages.Settings{
			RepositoryMirror: cfg.Packages.RepositoryMirror,
			CodePage:         cfg.Packages.CodePage,
		}),
		packages.WithStartOptions(func() broker.StartOptions {
			return e.startOptions(packages.SessionPackageManager)
		}),
	)

	return e, nil
}

// Events returns the engine's event bus.
func (e *Engine) Events() *event.Bus { return e.events }

// Provider returns the session provider.
func (e *Engine) Provider() *session.Provider { return e.provider }

// REPL returns the interactive session.
func (e *Engine) REPL() *session.Session { return e.repl }

// Packages returns the package manager.
func (e *Engine) Packages() *packages.Manager { return e.packages }

// Brokers returns the names of the configured brokers.
func (e *Engine) Brokers() []string {
	names := make([]string, len(e.cfg.Brokers))
	for i, b := range e.cfg.Brokers {
		names[i] = b.Name
	}
	return names
}

// ActiveBroker returns the name of the broker sessions are bound to.
func (e *Engine) ActiveBroker() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active.Name
}

// Start starts the REPL session's host. progress may be nil.
func (e *Engine) Start(ctx context.Context, progress broker.ProgressFunc) error {
	return e.repl.EnsureHostStarted(ctx, e.startOptions(packages.SessionREPL), progress)
}

// Evaluate evaluates expression on the REPL session and decodes the value
// into T.
func Evaluate[T any](ctx context.Context, e *Engine, expression string) (T, error) {
	return session.Evaluate[T](ctx, e.repl, expression, "")
}

// SwitchBroker rebinds every session to the broker called name. Hosts of
// the previous broker are disconnected and calls in flight on them fail.
func (e *Engine) SwitchBroker(name string) error {
	cfg, ok := e.cfg.broker(name)
	if !ok {
		return fmt.Errorf("engine: broker %q not found", name)
	}

	e.mu.Lock()
	same := e.active.Name == name
	e.mu.Unlock()
	if same {
		return nil
	}

	b, err := buildBroker(cfg, e.log)
	if err != nil {
		return err
	}

	// SetBroker fails only before rebinding, so b is still unowned here.
	if err := e.provider.SetBroker(b); err != nil {
		_ = b.Close()
		return fmt.Errorf("engine: switch broker: %w", err)
	}

	e.mu.Lock()
	e.active = cfg
	e.mu.Unlock()

	return nil
}

// Health probes the active broker's engine.
func (e *Engine) Health(ctx context.Context) error {
	b := e.provider.Broker()
	if b == nil {
		return fmt.Errorf("engine: no broker")
	}

	if err := b.Health(ctx); err != nil {
		return fmt.Errorf("engine: broker %q: %w", b.Name(), err)
	}
	return nil
}

// Close releases the package manager, every session and the broker.
func (e *Engine) Close() error {
	return errors.Join(e.packages.Close(), e.provider.Close())
}

func (e *Engine) startOptions(name string) broker.StartOptions {
	e.mu.Lock()
	defer e.mu.Unlock()

	return broker.StartOptions{
		Name:    name,
		WorkDir: e.active.WorkDir,
		Env:     e.active.Env,
		Timeout: e.startTimeout,
	}
}
