package session

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/germanamz/evalhost/pkg/broker"
	"github.com/germanamz/evalhost/pkg/evaluation"
	"github.com/germanamz/evalhost/pkg/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetOrCreateReturnsSameSession(t *testing.T) {
	f := newFixture(t, "local")
	p := NewProvider(f.broker)
	defer func() { _ = p.Close() }()

	a := p.GetOrCreate("REPL")
	b := p.GetOrCreate("REPL")
	c := p.GetOrCreate("PackageManager")

	assert.Same(t, a, b)
	assert.NotSame(t, a, c)
	assert.Same(t, f.broker, a.Broker())

	got, ok := p.Session("PackageManager")
	require.True(t, ok)
	assert.Same(t, c, got)

	_, ok = p.Session("missing")
	assert.False(t, ok)

	p.GetOrCreate("Background")

	var names []string
	for _, s := range p.Sessions() {
		names = append(names, s.Name())
	}
	assert.Equal(t, []string{"Background", "PackageManager", "REPL"}, names)
}

func TestIsConnectedFollowsBroker(t *testing.T) {
	ctx := testContext(t)
	f := newFixture(t, "local")
	p := NewProvider(f.broker)
	defer func() { _ = p.Close() }()

	assert.False(t, p.IsConnected())
	require.NoError(t, p.GetOrCreate("REPL").EnsureHostStarted(ctx, broker.StartOptions{}, nil))
	assert.True(t, p.IsConnected())

	assert.False(t, NewProvider(nil).IsConnected())
}

func TestSetBrokerRebindsSessions(t *testing.T) {
	ctx := testContext(t)
	first := newFixture(t, "first")
	second := newFixture(t, "second")

	bus := event.NewBus()
	sub := bus.Subscribe(32)
	defer bus.Unsubscribe(sub)

	p := NewProvider(first.broker, WithBus(bus))
	defer func() { _ = p.Close() }()

	var changes atomic.Int32
	var got atomic.Pointer[broker.Broker]
	p.OnBrokerChanged(func(b broker.Broker) {
		changes.Add(1)
		got.Store(&b)
	})

	s := p.GetOrCreate("PackageManager")
	require.NoError(t, s.EnsureHostStarted(ctx, broker.StartOptions{}, nil))

	errc := make(chan error, 1)
	go func() {
		_, err := s.Evaluate(ctx, "sleep(60000)", evaluation.KindNormal)
		errc <- err
	}()
	waitForCall(t, first.eng, "sleep(60000)")

	require.NoError(t, p.SetBroker(second.broker))

	err := <-errc
	assert.True(t, evaluation.IsTransport(err), "got %v", err)

	assert.Equal(t, int32(1), changes.Load())
	assert.Equal(t, broker.Broker(second.broker), *got.Load())
	assert.Same(t, second.broker, p.Broker())
	assert.Same(t, second.broker, s.Broker())
	assert.Equal(t, broker.Disconnected, s.State())
	assert.Equal(t, broker.Disconnected, first.broker.State())

	// The session reconnects through the new broker on next use.
	_, err = s.Evaluate(ctx, `echo(1)`, evaluation.KindNormal)
	require.NoError(t, err)
	assert.Equal(t, int32(1), second.dials.Load())

	var sawChange bool
	for len(sub.C) > 0 {
		if e := <-sub.C; e.Kind == event.KindBrokerChanged {
			sawChange = true
			assert.Equal(t, "second", e.Broker)
		}
	}
	assert.True(t, sawChange)
}

type failingCloseBroker struct {
	broker.Broker
}

func (b failingCloseBroker) Close() error {
	_ = b.Broker.Close()
	return errors.New("close failed")
}

func TestSetBrokerIgnoresPreviousCloseFailure(t *testing.T) {
	ctx := testContext(t)
	first := newFixture(t, "first")
	second := newFixture(t, "second")

	p := NewProvider(failingCloseBroker{Broker: first.broker})
	defer func() { _ = p.Close() }()

	s := p.GetOrCreate("REPL")
	require.NoError(t, s.EnsureHostStarted(ctx, broker.StartOptions{}, nil))

	require.NoError(t, p.SetBroker(second.broker))
	assert.Same(t, second.broker, p.Broker())
	assert.Same(t, second.broker, s.Broker())

	_, err := s.Evaluate(ctx, `echo(1)`, evaluation.KindNormal)
	require.NoError(t, err)
	assert.Equal(t, int32(1), second.dials.Load())
}

func TestSetSameBrokerIsNoop(t *testing.T) {
	f := newFixture(t, "local")
	p := NewProvider(f.broker)
	defer func() { _ = p.Close() }()

	var changes atomic.Int32
	remove := p.OnBrokerChanged(func(broker.Broker) { changes.Add(1) })

	require.NoError(t, p.SetBroker(f.broker))
	assert.Equal(t, int32(0), changes.Load())

	remove()
	require.NoError(t, p.SetBroker(newFixture(t, "other").broker))
	assert.Equal(t, int32(0), changes.Load())
}

func TestProviderClose(t *testing.T) {
	ctx := testContext(t)
	f := newFixture(t, "local")
	p := NewProvider(f.broker)

	s := p.GetOrCreate("REPL")
	require.NoError(t, s.EnsureHostStarted(ctx, broker.StartOptions{}, nil))

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())

	assert.Equal(t, broker.Disconnected, s.State())
	require.Eventually(t, func() bool { return f.broker.State() == broker.Disconnected }, 5*time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, p.SetBroker(nil), ErrClosed)

	late := p.GetOrCreate("late")
	_, err := late.Evaluate(ctx, `echo(1)`, evaluation.KindReentrant)
	assert.ErrorIs(t, err, ErrClosed)
}
