package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/germanamz/evalhost/pkg/broker"
	"github.com/germanamz/evalhost/pkg/engineserver"
	"github.com/germanamz/evalhost/pkg/engineserver/memengine"
	"github.com/germanamz/evalhost/pkg/evaluation"
	"github.com/germanamz/evalhost/pkg/event"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	eng    *memengine.Engine
	srv    *engineserver.Server
	broker *broker.MCPBroker
	dials  atomic.Int32
}

func newFixture(t *testing.T, name string) *fixture {
	t.Helper()

	f := &fixture{
		eng: memengine.New(
			memengine.WithLibraryPaths("/lib"),
			memengine.WithRepository("CRAN", "https://cran.example.org", memengine.Package{Name: "foo", Version: "1.0"}),
		),
	}
	f.srv = engineserver.New("test-engine", "1.0.0", f.eng)
	f.broker = broker.New(name, false, func(ctx context.Context, _ broker.StartOptions) (mcp.Transport, error) {
		f.dials.Add(1)
		return f.srv.Pipe(ctx)
	})
	t.Cleanup(func() { _ = f.broker.Close() })

	return f
}

func testContext(t *testing.T) context.Context {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func waitForCall(t *testing.T, eng *memengine.Engine, expr string) {
	t.Helper()

	require.Eventually(t, func() bool {
		return slices.Contains(eng.Log(), expr)
	}, 5*time.Second, 5*time.Millisecond)
}

func TestEnsureHostStarted(t *testing.T) {
	ctx := testContext(t)
	f := newFixture(t, "local")
	s := New("REPL", f.broker)

	var (
		mu     sync.Mutex
		states []broker.State
	)
	s.OnStateChanged(func(st broker.State) {
		mu.Lock()
		states = append(states, st)
		mu.Unlock()
	})

	assert.Equal(t, broker.Disconnected, s.State())
	require.NoError(t, s.EnsureHostStarted(ctx, broker.StartOptions{}, nil))
	require.NoError(t, s.EnsureHostStarted(ctx, broker.StartOptions{}, nil))

	assert.Equal(t, broker.Connected, s.State())
	assert.Equal(t, int32(1), f.dials.Load())

	mu.Lock()
	assert.Equal(t, []broker.State{broker.Connecting, broker.Connected}, states)
	mu.Unlock()
}

func TestEnsureHostStartedConcurrentCallersShareStart(t *testing.T) {
	ctx := testContext(t)
	f := newFixture(t, "local")
	s := New("REPL", f.broker)

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.EnsureHostStarted(ctx, broker.StartOptions{}, nil))
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), f.dials.Load())
}

func TestEnsureHostStartedOwnerCancelLeavesJoinerConnected(t *testing.T) {
	ctx := testContext(t)
	f := newFixture(t, "local")

	dialing := make(chan struct{})
	release := make(chan struct{})
	b := broker.New("slow", false, func(dctx context.Context, _ broker.StartOptions) (mcp.Transport, error) {
		close(dialing)
		select {
		case <-release:
		case <-dctx.Done():
			return nil, dctx.Err()
		}
		return f.srv.Pipe(dctx)
	})
	t.Cleanup(func() { _ = b.Close() })

	s := New("REPL", b)

	ownerCtx, cancelOwner := context.WithCancel(ctx)
	ownerErr := make(chan error, 1)
	go func() { ownerErr <- s.EnsureHostStarted(ownerCtx, broker.StartOptions{}, nil) }()
	<-dialing

	joinErr := make(chan error, 1)
	go func() { joinErr <- s.EnsureHostStarted(ctx, broker.StartOptions{}, nil) }()

	cancelOwner()
	err := <-ownerErr
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, evaluation.IsTransport(err), "got %v", err)

	close(release)
	require.NoError(t, <-joinErr)
	assert.Equal(t, broker.Connected, s.State())

	_, err = s.Evaluate(ctx, `echo(1)`, evaluation.KindNormal)
	require.NoError(t, err)
}

func TestEnsureHostStartedFailureIsTransportError(t *testing.T) {
	ctx := testContext(t)
	var dials atomic.Int32
	b := broker.New("down", false, func(context.Context, broker.StartOptions) (mcp.Transport, error) {
		dials.Add(1)
		return nil, errors.New("connection refused")
	})
	s := New("REPL", b)

	err := s.EnsureHostStarted(ctx, broker.StartOptions{}, nil)
	assert.True(t, evaluation.IsTransport(err))
	assert.Equal(t, broker.Disconnected, s.State())
	assert.Equal(t, int32(1), dials.Load(), "no internal retry")

	_, err = s.Evaluate(ctx, `echo(1)`, evaluation.KindReentrant)
	assert.True(t, evaluation.IsTransport(err))
}

func TestNoBroker(t *testing.T) {
	s := New("REPL", nil)

	err := s.EnsureHostStarted(context.Background(), broker.StartOptions{}, nil)
	assert.True(t, evaluation.IsTransport(err))
	assert.ErrorIs(t, err, ErrNoBroker)
	assert.False(t, s.IsRemote())
}

func TestEvaluateStartsLazilyAndDecodes(t *testing.T) {
	ctx := testContext(t)
	f := newFixture(t, "local")
	s := New("REPL", f.broker)

	paths, err := Evaluate[[]string](ctx, s, "library_paths()", evaluation.KindNormal)
	require.NoError(t, err)
	assert.Equal(t, []string{"/lib"}, paths)
	assert.Equal(t, broker.Connected, s.State())
}

func TestEvaluateFaultVersusTransport(t *testing.T) {
	ctx := testContext(t)
	f := newFixture(t, "local")
	s := New("REPL", f.broker)

	_, err := s.Evaluate(ctx, `stop("object 'x' not found")`, evaluation.KindNormal)
	_, isFault := evaluation.AsFault(err)
	assert.True(t, isFault)
	assert.False(t, evaluation.IsTransport(err))

	errc := make(chan error, 1)
	go func() {
		_, err := s.Evaluate(ctx, "sleep(60000)", evaluation.KindNormal)
		errc <- err
	}()
	waitForCall(t, f.eng, "sleep(60000)")
	f.srv.DropConnections()

	err = <-errc
	assert.True(t, evaluation.IsTransport(err), "got %v", err)
	_, isFault = evaluation.AsFault(err)
	assert.False(t, isFault)

	require.Eventually(t, func() bool { return s.State() == broker.Disconnected }, 5*time.Second, 5*time.Millisecond)

	// The next use reconnects.
	_, err = s.Evaluate(ctx, `echo(1)`, evaluation.KindNormal)
	require.NoError(t, err)
	assert.Equal(t, int32(2), f.dials.Load())
}

func TestEvaluateDecodeMismatchIsFault(t *testing.T) {
	ctx := testContext(t)
	f := newFixture(t, "local")
	s := New("REPL", f.broker)

	_, err := Evaluate[int](ctx, s, "library_paths()", evaluation.KindNormal)
	fault, ok := evaluation.AsFault(err)
	require.True(t, ok)
	assert.Equal(t, evaluation.ClassDecode, fault.Class)
}

func TestEvaluateUnknownKind(t *testing.T) {
	s := New("REPL", nil)

	_, err := s.Evaluate(context.Background(), `echo(1)`, evaluation.Kind("eager"))
	fault, ok := evaluation.AsFault(err)
	require.True(t, ok)
	assert.Equal(t, evaluation.ClassProtocol, fault.Class)
}

func TestInteractionsAreExclusive(t *testing.T) {
	ctx := testContext(t)
	f := newFixture(t, "local")
	s := New("REPL", f.broker)

	var (
		active    atomic.Int32
		maxActive atomic.Int32
		wg        sync.WaitGroup
	)
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.BeginInteraction(ctx, func(in *Interaction) error {
				n := active.Add(1)
				defer active.Add(-1)
				if n > maxActive.Load() {
					maxActive.Store(n)
				}
				_, err := in.Send(ctx, evaluation.FormatCall("echo", i))
				return err
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxActive.Load())
}

func TestSecondInteractionWaitsForFirst(t *testing.T) {
	ctx := testContext(t)
	f := newFixture(t, "local")
	s := New("REPL", f.broker)

	entered := make(chan struct{})
	release := make(chan struct{})
	firstDone := make(chan struct{})
	go func() {
		defer close(firstDone)
		_ = s.BeginInteraction(ctx, func(*Interaction) error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	secondEntered := make(chan struct{})
	go func() {
		_ = s.BeginInteraction(ctx, func(*Interaction) error {
			close(secondEntered)
			return nil
		})
	}()

	select {
	case <-secondEntered:
		t.Fatal("second interaction opened while the first was active")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	<-firstDone
	select {
	case <-secondEntered:
	case <-ctx.Done():
		t.Fatal("second interaction never opened")
	}
}

func TestInteractionCommandsArriveInOrder(t *testing.T) {
	ctx := testContext(t)
	f := newFixture(t, "local")
	s := New("REPL", f.broker)

	var want []string
	err := s.BeginInteraction(ctx, func(in *Interaction) error {
		for i := range 25 {
			cmd := evaluation.FormatCall("echo", fmt.Sprintf("cmd-%02d", i))
			want = append(want, cmd)
			if _, err := in.Send(ctx, cmd); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, want, f.eng.Log())
}

func TestInteractionClosedAfterScope(t *testing.T) {
	ctx := testContext(t)
	f := newFixture(t, "local")
	s := New("REPL", f.broker)

	var leaked *Interaction
	require.NoError(t, s.BeginInteraction(ctx, func(in *Interaction) error {
		leaked = in
		return nil
	}))

	_, err := leaked.Send(ctx, `echo(1)`)
	assert.ErrorIs(t, err, ErrInteractionClosed)
	_, err = leaked.Evaluate(ctx, `echo(1)`)
	assert.ErrorIs(t, err, ErrInteractionClosed)
}

func TestInteractionReleasedOnErrorAndPanic(t *testing.T) {
	ctx := testContext(t)
	s := New("REPL", nil)

	boom := errors.New("boom")
	err := s.BeginInteraction(ctx, func(*Interaction) error { return boom })
	assert.ErrorIs(t, err, boom)

	assert.Panics(t, func() {
		_ = s.BeginInteraction(ctx, func(*Interaction) error { panic("kaboom") })
	})

	short, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	assert.NoError(t, s.BeginInteraction(short, func(*Interaction) error { return nil }))
}

func TestMutatedFiresAfterInteraction(t *testing.T) {
	ctx := testContext(t)
	s := New("REPL", nil)

	var inside atomic.Bool
	var fired atomic.Int32
	s.OnMutated(func() {
		assert.False(t, inside.Load(), "mutated fired while the interaction was open")
		fired.Add(1)
	})

	require.NoError(t, s.BeginInteraction(ctx, func(*Interaction) error {
		inside.Store(true)
		defer inside.Store(false)
		return nil
	}))
	assert.Equal(t, int32(1), fired.Load())
}

func TestNormalWaitsReentrantProceeds(t *testing.T) {
	ctx := testContext(t)
	f := newFixture(t, "local")
	s := New("REPL", f.broker)
	require.NoError(t, s.EnsureHostStarted(ctx, broker.StartOptions{}, nil))

	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.BeginInteraction(ctx, func(*Interaction) error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	res, err := s.Evaluate(ctx, `echo("meta")`, evaluation.KindReentrant)
	require.NoError(t, err)
	assert.JSONEq(t, `"meta"`, string(res.Value))

	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = s.Evaluate(short, `echo("normal")`, evaluation.KindNormal)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, evaluation.IsTransport(err))

	close(release)
	<-done

	_, err = s.Evaluate(ctx, `echo("normal")`, evaluation.KindNormal)
	assert.NoError(t, err)
}

func TestInteractionTimeout(t *testing.T) {
	s := New("REPL", nil, WithInteractionTimeout(30*time.Millisecond))

	entered := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = s.BeginInteraction(context.Background(), func(*Interaction) error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered
	defer close(release)

	err := s.BeginInteraction(context.Background(), func(*Interaction) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestInteractionWaiterBound(t *testing.T) {
	s := New("REPL", nil, WithMaxWaiters(1))

	entered := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = s.BeginInteraction(context.Background(), func(*Interaction) error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	waiterDone := make(chan error, 1)
	go func() {
		waiterDone <- s.BeginInteraction(context.Background(), func(*Interaction) error { return nil })
	}()
	require.Eventually(t, func() bool { return s.slot.waiting() == 1 }, time.Second, time.Millisecond)

	err := s.BeginInteraction(context.Background(), func(*Interaction) error { return nil })
	assert.ErrorIs(t, err, ErrTooManyWaiters)

	close(release)
	assert.NoError(t, <-waiterDone)
}

func TestNoticesRaiseEvents(t *testing.T) {
	ctx := testContext(t)
	f := newFixture(t, "local")
	bus := event.NewBus()
	sub := bus.Subscribe(16)
	defer bus.Unsubscribe(sub)

	s := New("REPL", f.broker, WithBus(bus))

	var installed, removed, mutated atomic.Int32
	s.OnPackagesInstalled(func() { installed.Add(1) })
	s.OnPackagesRemoved(func() { removed.Add(1) })
	s.OnMutated(func() { mutated.Add(1) })

	_, err := s.Execute(ctx, `package_install("foo")`)
	require.NoError(t, err)
	assert.Equal(t, int32(1), installed.Load())
	assert.Equal(t, int32(1), mutated.Load())

	_, err = s.Evaluate(ctx, `package_uninstall("foo", "/lib")`, evaluation.KindNormal)
	require.NoError(t, err)
	assert.Equal(t, int32(1), removed.Load())

	var kinds []event.Kind
	for len(sub.C) > 0 {
		e := <-sub.C
		assert.Equal(t, "REPL", e.Session)
		kinds = append(kinds, e.Kind)
	}
	assert.Contains(t, kinds, event.KindPackagesInstalled)
	assert.Contains(t, kinds, event.KindPackagesRemoved)
	assert.Contains(t, kinds, event.KindMutated)
	assert.Contains(t, kinds, event.KindStateChanged)
}

func TestSessionClose(t *testing.T) {
	ctx := testContext(t)
	f := newFixture(t, "local")
	s := New("REPL", f.broker)
	require.NoError(t, s.EnsureHostStarted(ctx, broker.StartOptions{}, nil))

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, broker.Disconnected, s.State())

	_, err := s.Evaluate(ctx, `echo(1)`, evaluation.KindReentrant)
	assert.True(t, evaluation.IsTransport(err))
	assert.ErrorIs(t, err, ErrClosed)
}
