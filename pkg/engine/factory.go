package engine

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/germanamz/evalhost/pkg/broker"
	"github.com/germanamz/evalhost/pkg/engineserver"
	"github.com/germanamz/evalhost/pkg/engineserver/memengine"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Version is reported to engines as the client version.
const Version = "0.1.0"

// BrokerFactory creates a Broker from a BrokerConfig. opts carry the
// engine's logger and client version.
type BrokerFactory func(cfg BrokerConfig, opts ...broker.Option) (broker.Broker, error)

var (
	factoryMu   sync.RWMutex
	factories   = map[string]BrokerFactory{}
	defaultsReg sync.Once
)

func ensureDefaults() {
	defaultsReg.Do(func() {
		factories[KindLocal] = newLocal
		factories[KindRemote] = newRemote
		factories[KindMemory] = newMemory
	})
}

// RegisterBroker registers a custom broker factory under the given kind.
// It can be called before New to reach engines over other transports.
func RegisterBroker(kind string, factory BrokerFactory) {
	ensureDefaults()

	factoryMu.Lock()
	defer factoryMu.Unlock()

	factories[kind] = factory
}

// getFactory returns the factory for the given kind.
func getFactory(kind string) (BrokerFactory, bool) {
	ensureDefaults()

	factoryMu.RLock()
	defer factoryMu.RUnlock()

	f, ok := factories[kind]
	return f, ok
}

func newLocal(cfg BrokerConfig, opts ...broker.Option) (broker.Broker, error) {
	return broker.NewLocal(cfg.Name, cfg.Command, cfg.Args, opts...), nil
}

func newRemote(cfg BrokerConfig, opts ...broker.Option) (broker.Broker, error) {
	header := make(http.Header, len(cfg.Headers))
	for k, v := range cfg.Headers {
		header.Set(k, v)
	}

	return broker.NewRemote(cfg.Name, cfg.URL, header, opts...), nil
}

// newMemory runs an in-process engine per host, each with its own state.
func newMemory(cfg BrokerConfig, opts ...broker.Option) (broker.Broker, error) {
	dial := func(ctx context.Context, _ broker.StartOptions) (mcp.Transport, error) {
		return engineserver.New("evalhost-memengine", Version, memengine.Default()).Pipe(ctx)
	}

	return broker.New(cfg.Name, false, dial, opts...), nil
}

// buildBroker creates a Broker from cfg using the registered factory for its
// Kind.
func buildBroker(cfg BrokerConfig, log *slog.Logger) (broker.Broker, error) {
	factory, ok := getFactory(cfg.Kind)
	if !ok {
		return nil, fmt.Errorf("engine: unknown broker kind %q", cfg.Kind)
	}

	b, err := factory(cfg,
		broker.WithLogger(log.With("broker", cfg.Name)),
		broker.WithClientVersion(Version),
	)
	if err != nil {
		return nil, fmt.Errorf("engine: broker %q: %w", cfg.Name, err)
	}

	return b, nil
}
