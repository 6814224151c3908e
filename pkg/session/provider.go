package session

import (
	"errors"
	"maps"
	"slices"
	"sync"

	"github.com/germanamz/evalhost/pkg/broker"
	"github.com/germanamz/evalhost/pkg/event"
	"github.com/germanamz/evalhost/pkg/teardown"
)

// Provider hands out named sessions bound to the current broker and rebinds
// them when the broker is replaced. It never retries a failed start.
type Provider struct {
	opts options

	mu       sync.Mutex
	broker   broker.Broker
	sessions map[string]*Session
	closed   bool

	brokerChanged event.Observers[broker.Broker]
	bag           teardown.Bag
}

// NewProvider creates a provider bound to b, which may be nil until a
// broker is selected. opts apply to every session it creates.
func NewProvider(b broker.Broker, opts ...Option) *Provider {
	o := defaultOptions()
	for _, fn := range opts {
		fn(&o)
	}

	p := &Provider{
		opts:     o,
		broker:   b,
		sessions: make(map[string]*Session),
	}

	p.bag.AddErr(p.closeBroker)
	p.bag.AddErr(p.closeSessions)

	return p
}

// GetOrCreate returns the session called name, creating it bound to the
// current broker on first request.
func (p *Provider) GetOrCreate(name string) *Session {
	p.mu.Lock()
	defer p.mu.Unlock()

	if s, ok := p.sessions[name]; ok {
		return s
	}

	s := newSession(name, p.broker, p.opts)
	if p.closed {
		_ = s.Close()
	}
	p.sessions[name] = s
	p.opts.log.Debug("session created", "session", name)

	return s
}

// Session returns the session called name if it exists.
func (p *Provider) Session(name string) (*Session, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.sessions[name]
	return s, ok
}

// Sessions returns every live session ordered by name.
func (p *Provider) Sessions() []*Session {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]*Session, 0, len(p.sessions))
	for _, name := range slices.Sorted(maps.Keys(p.sessions)) {
		out = append(out, p.sessions[name])
	}
	return out
}

// Broker returns the current broker.
func (p *Provider) Broker() broker.Broker {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.broker
}

// IsConnected reports whether the current broker has a live engine host.
func (p *Provider) IsConnected() bool {
	b := p.Broker()
	return b != nil && b.State() == broker.Connected
}

// OnBrokerChanged registers fn to run after the broker is replaced.
func (p *Provider) OnBrokerChanged(fn func(broker.Broker)) (remove func()) {
	return p.brokerChanged.Add(fn)
}

// Events returns the bus sessions publish to, or nil when none was
// configured.
func (p *Provider) Events() *event.Bus {
	return p.opts.bus
}

// SetBroker replaces the broker. Every session drops its host, so calls in
// flight end with a TransportError, and reconnects through b on next use.
// The previous broker is closed; a failure to close it is logged and does
// not undo the switch. Setting the current broker again is a no-op. The only
// error is ErrClosed, returned before anything is rebound.
func (p *Provider) SetBroker(b broker.Broker) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	old := p.broker
	if old == b {
		p.mu.Unlock()
		return nil
	}
	p.broker = b
	sessions := make([]*Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		sessions = append(sessions, s)
	}
	p.mu.Unlock()

	for _, s := range sessions {
		s.rebind(b)
	}

	if old != nil {
		if err := old.Close(); err != nil {
			p.opts.log.Warn("closing previous broker", "broker", old.Name(), "error", err)
		}
	}

	attrs := []any{"sessions", len(sessions)}
	if b != nil {
		attrs = append(attrs, "broker", b.Name(), "remote", b.IsRemote())
	}
	p.opts.log.Info("broker changed", attrs...)

	p.brokerChanged.Notify(b)
	if p.opts.bus != nil {
		e := event.Event{Kind: event.KindBrokerChanged}
		if b != nil {
			e.Broker = b.Name()
			e.Data = b.ID()
		}
		p.opts.bus.Publish(e)
	}

	return nil
}

// Close closes every session and the current broker. It is safe to call
// more than once.
func (p *Provider) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	return p.bag.Close()
}

func (p *Provider) closeSessions() error {
	var errs []error
	for _, s := range p.Sessions() {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *Provider) closeBroker() error {
	b := p.Broker()
	if b == nil {
		return nil
	}
	return b.Close()
}
