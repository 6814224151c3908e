// Package broker provides handles to engine hosts. A Broker knows how to
// reach one engine (a local process or a remote endpoint) and starts Hosts:
// individual engine connections that sessions evaluate against.
//
// Brokers are replaced wholesale when the user switches engines. A Broker
// is never re-pointed at a different engine.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/germanamz/evalhost/pkg/evaluation"
	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// State is the connectivity of a broker or session.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Progress stages reported while a host starts.
const (
	StageDial       = "dial"
	StageInitialize = "initialize"
	StageReady      = "ready"
)

// ProgressFunc receives start progress. It may be nil.
type ProgressFunc func(stage string)

// StartOptions configure a host start.
type StartOptions struct {
	// Name identifies the client to the engine, usually the session name.
	Name string
	// WorkDir and Env apply to local engine processes only.
	WorkDir string
	Env     []string
	// Timeout bounds the whole start. Zero means no bound beyond ctx.
	Timeout time.Duration
}

// Host is one started engine connection.
type Host interface {
	Evaluate(ctx context.Context, expression string, kind evaluation.Kind) (evaluation.Result, error)
	Execute(ctx context.Context, command string) (evaluation.Result, error)
	// Done is closed when the connection is lost or closed.
	Done() <-chan struct{}
	// Close disconnects. Calls in flight end with a TransportError.
	Close() error
}

// Broker is a handle to an engine host.
type Broker interface {
	ID() string
	Name() string
	IsRemote() bool
	State() State
	Connect(ctx context.Context, opts StartOptions, progress ProgressFunc) (Host, error)
	Health(ctx context.Context) error
	Close() error
}

// ErrClosed is wrapped by errors from a closed broker.
var ErrClosed = errors.New("broker: closed")

// Dialer opens the transport to an engine for one host.
type Dialer func(ctx context.Context, opts StartOptions) (mcp.Transport, error)

// Option configures an MCPBroker.
type Option func(*MCPBroker)

// WithLogger sets the broker's logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *MCPBroker) { b.log = l }
}

// WithClientVersion sets the version the client reports to engines.
func WithClientVersion(v string) Option {
	return func(b *MCPBroker) { b.version = v }
}

// WithHealthCheck replaces the broker's health probe.
func WithHealthCheck(fn func(ctx context.Context) error) Option {
	return func(b *MCPBroker) { b.health = fn }
}

// MCPBroker starts hosts that speak MCP over transports produced by a
// Dialer.
type MCPBroker struct {
	id      string
	name    string
	remote  bool
	dial    Dialer
	log     *slog.Logger
	version string
	health  func(ctx context.Context) error

	mu       sync.Mutex
	hosts    map[*mcpHost]struct{}
	starting int
	closed   bool
}

var _ Broker = (*MCPBroker)(nil)

// New creates a broker that dials engines with dial.
func New(name string, remote bool, dial Dialer, opts ...Option) *MCPBroker {
	b := &MCPBroker{
		id:      uuid.NewString(),
		name:    name,
		remote:  remote,
		dial:    dial,
		log:     slog.New(slog.DiscardHandler),
		version: "0.1.0",
		hosts:   make(map[*mcpHost]struct{}),
	}
	for _, o := range opts {
		o(b)
	}

	return b
}

func (b *MCPBroker) ID() string     { return b.id }
func (b *MCPBroker) Name() string   { return b.name }
func (b *MCPBroker) IsRemote() bool { return b.remote }

// State is Connected while any host started through b is alive and
// Connecting while a start is in progress.
func (b *MCPBroker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch {
	case b.closed:
		return Disconnected
	case len(b.hosts) > 0:
		return Connected
	case b.starting > 0:
		return Connecting
	default:
		return Disconnected
	}
}

// Connect starts a host. If ctx is cancelled or expires the result is
// ctx.Err(); every other failure, including opts.Timeout running out, is an
// *evaluation.TransportError.
func (b *MCPBroker) Connect(ctx context.Context, opts StartOptions, progress ProgressFunc) (Host, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, evaluation.Disconnected("start", ErrClosed)
	}
	b.starting++
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		b.starting--
		b.mu.Unlock()
	}()

	caller := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	report(progress, StageDial)
	transport, err := b.dial(ctx, opts)
	if err != nil {
		if caller.Err() != nil {
			return nil, caller.Err()
		}
		b.log.WarnContext(ctx, "engine dial failed", "broker", b.name, "error", err)
		return nil, evaluation.Disconnected("start", err)
	}

	report(progress, StageInitialize)
	client := mcp.NewClient(&mcp.Implementation{
		Name:    clientName(opts),
		Version: b.version,
	}, nil)

	cs, err := client.Connect(ctx, transport, nil)
	if err != nil {
		if caller.Err() != nil {
			return nil, caller.Err()
		}
		b.log.WarnContext(ctx, "engine handshake failed", "broker", b.name, "error", err)
		return nil, evaluation.Disconnected("start", err)
	}

	h := newHost(cs, transport)
	if !b.track(h) {
		_ = h.Close()
		return nil, evaluation.Disconnected("start", ErrClosed)
	}

	b.log.InfoContext(ctx, "engine connected", "broker", b.name, "client", clientName(opts))
	report(progress, StageReady)

	return h, nil
}

// Health probes the engine without starting a host.
func (b *MCPBroker) Health(ctx context.Context) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()

	if closed {
		return ErrClosed
	}
	if b.health == nil {
		return nil
	}

	return b.health(ctx)
}

// Close closes every host started through b. Further starts fail.
func (b *MCPBroker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	hosts := make([]*mcpHost, 0, len(b.hosts))
	for h := range b.hosts {
		hosts = append(hosts, h)
	}
	b.mu.Unlock()

	var errs []error
	for _, h := range hosts {
		if err := h.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	b.log.Info("broker closed", "broker", b.name, "hosts", len(hosts))

	return errors.Join(errs...)
}

func (b *MCPBroker) track(h *mcpHost) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return false
	}
	b.hosts[h] = struct{}{}

	go func() {
		<-h.Done()
		b.mu.Lock()
		delete(b.hosts, h)
		b.mu.Unlock()
		b.log.Info("engine disconnected", "broker", b.name)
	}()

	return true
}

func (b *MCPBroker) liveHosts() []*mcpHost {
	b.mu.Lock()
	defer b.mu.Unlock()

	hosts := make([]*mcpHost, 0, len(b.hosts))
	for h := range b.hosts {
		hosts = append(hosts, h)
	}
	return hosts
}

func report(progress ProgressFunc, stage string) {
	if progress != nil {
		progress(stage)
	}
}

func clientName(opts StartOptions) string {
	if opts.Name == "" {
		return "evalhost"
	}
	return "evalhost/" + opts.Name
}
