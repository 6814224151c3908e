package packages

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/germanamz/evalhost/pkg/broker"
	"github.com/germanamz/evalhost/pkg/engineserver"
	"github.com/germanamz/evalhost/pkg/engineserver/memengine"
	"github.com/germanamz/evalhost/pkg/evaluation"
	"github.com/germanamz/evalhost/pkg/session"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testLib  = "/lib"
	testRepo = "https://cran.example.org"
)

// host runs one in-memory engine per session, as separate engine processes
// would.
type host struct {
	mu      sync.Mutex
	engines map[string]*memengine.Engine
	servers map[string]*engineserver.Server
	broker  *broker.MCPBroker
}

func newHost(t *testing.T, name string) *host {
	t.Helper()

	h := &host{
		engines: make(map[string]*memengine.Engine),
		servers: make(map[string]*engineserver.Server),
	}
	h.broker = broker.New(name, false, func(ctx context.Context, opts broker.StartOptions) (mcp.Transport, error) {
		return h.server(opts.Name).Pipe(ctx)
	})
	t.Cleanup(func() { _ = h.broker.Close() })

	return h
}

func (h *host) server(session string) *engineserver.Server {
	h.mu.Lock()
	defer h.mu.Unlock()

	if srv, ok := h.servers[session]; ok {
		return srv
	}

	eng := memengine.New(
		memengine.WithLibraryPaths(testLib),
		memengine.WithRepository("CRAN", testRepo,
			memengine.Package{Name: "foo", Version: "1.0", Title: "Foo"},
			memengine.Package{Name: "bar", Version: "2.0"},
		),
		memengine.WithInstalled(testLib, memengine.Package{Name: "base", Version: "4.4"}),
		memengine.WithLoaded("base"),
	)
	srv := engineserver.New("test-engine", "1.0.0", eng)
	h.engines[session] = eng
	h.servers[session] = srv

	return srv
}

func (h *host) engine(session string) *memengine.Engine {
	h.server(session)

	h.mu.Lock()
	defer h.mu.Unlock()
	return h.engines[session]
}

func testContext(t *testing.T) context.Context {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func newManager(t *testing.T, b broker.Broker, opts ...Option) (*Manager, *session.Provider) {
	t.Helper()

	p := session.NewProvider(b)
	t.Cleanup(func() { _ = p.Close() })

	m := New(p, p.GetOrCreate(SessionREPL), opts...)
	t.Cleanup(func() { _ = m.Close() })

	return m, p
}

type counter struct{ n atomic.Int32 }

func (c *counter) inc()        { c.n.Add(1) }
func (c *counter) load() int32 { return c.n.Load() }

func TestInstallMarksInstalledAndLoadedDirtyOnce(t *testing.T) {
	ctx := testContext(t)
	h := newHost(t, "local")
	m, _ := newManager(t, h.broker)

	var installed, loaded, available counter
	m.OnInstalledInvalidated(installed.inc)
	m.OnLoadedInvalidated(loaded.inc)
	m.OnAvailableInvalidated(available.inc)

	require.NoError(t, m.InstallPackage(ctx, "foo", ""))

	assert.Equal(t, int32(1), installed.load())
	assert.Equal(t, int32(1), loaded.load())
	assert.Equal(t, int32(0), available.load())
	assert.Contains(t, h.engine(SessionREPL).Log(), `package_install("foo")`)

	// A second install while both lists are still stale notifies nobody.
	require.NoError(t, m.InstallPackage(ctx, "bar", ""))
	assert.Equal(t, int32(1), installed.load())
	assert.Equal(t, int32(1), loaded.load())
}

func TestInstalledPackagesOnBackgroundSession(t *testing.T) {
	ctx := testContext(t)
	h := newHost(t, "local")
	m, _ := newManager(t, h.broker, WithSettings(Settings{RepositoryMirror: "https://mirror.example.org", CodePage: 65001}))

	require.NoError(t, m.SetRepositories(ctx, map[string]string{"CRAN": testRepo, "extra": "https://extra.example.org"}))
	require.NoError(t, m.SetLibraryPaths(ctx, testLib, "/site-lib"))

	pkgs, err := m.InstalledPackages(ctx)
	require.NoError(t, err)
	require.Len(t, pkgs, 1)
	assert.Equal(t, Package{Name: "base", Version: "4.4", LibPath: testLib, Installed: true, Loaded: true}, pkgs[0])

	pm := h.engine(SessionPackageManager)
	mirror, cp := pm.Settings()
	assert.Equal(t, "https://mirror.example.org", mirror)
	assert.Equal(t, 65001, cp)

	log := pm.Log()
	assert.Contains(t, log, `restore_library_paths("[\"/lib\",\"/site-lib\"]")`)
	assert.True(t, slices.ContainsFunc(log, func(s string) bool {
		return strings.HasPrefix(s, "restore_repositories(") && strings.Contains(s, "extra.example.org")
	}), "repositories not propagated: %v", log)
	assert.Equal(t, "installed_packages()", log[len(log)-1])

	// The REPL engine never ran the query itself.
	assert.NotContains(t, h.engine(SessionREPL).Log(), "installed_packages()")

	cached, ok := m.CachedInstalled()
	assert.True(t, ok)
	assert.Equal(t, pkgs, cached)
}

func TestAvailablePackages(t *testing.T) {
	ctx := testContext(t)
	h := newHost(t, "local")
	m, _ := newManager(t, h.broker)

	pkgs, err := m.AvailablePackages(ctx)
	require.NoError(t, err)
	require.Len(t, pkgs, 2)
	assert.Equal(t, "foo", pkgs[0].Name)
	assert.Equal(t, testRepo, pkgs[0].Repository)

	cached, ok := m.CachedAvailable()
	assert.True(t, ok)
	assert.Len(t, cached, 2)
}

func TestPropagationFailureIsSwallowed(t *testing.T) {
	ctx := testContext(t)
	h := newHost(t, "local")
	h.engine(SessionREPL).SetHook(func(_ context.Context, call evaluation.Call) error {
		if strings.HasPrefix(call.Name, "deparse_") {
			return &evaluation.Fault{Message: "cannot deparse"}
		}
		return nil
	})
	m, _ := newManager(t, h.broker)

	pkgs, err := m.InstalledPackages(ctx)
	require.NoError(t, err)
	assert.Len(t, pkgs, 1)

	for _, expr := range h.engine(SessionPackageManager).Log() {
		assert.NotContains(t, expr, "restore_")
	}
}

func TestBrokerReplacedMidFetch(t *testing.T) {
	ctx := testContext(t)
	first := newHost(t, "first")
	second := newHost(t, "second")
	m, p := newManager(t, first.broker)

	before, err := m.InstalledPackages(ctx)
	require.NoError(t, err)

	var installed, loaded, available counter
	m.OnInstalledInvalidated(installed.inc)
	m.OnLoadedInvalidated(loaded.inc)
	m.OnAvailableInvalidated(available.inc)

	entered := make(chan struct{})
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	var once sync.Once
	first.engine(SessionPackageManager).SetHook(func(ctx context.Context, call evaluation.Call) error {
		if call.Name != "installed_packages" {
			return nil
		}
		once.Do(func() { close(entered) })
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-release:
			return nil
		}
	})

	errc := make(chan error, 1)
	go func() {
		_, err := m.InstalledPackages(ctx)
		errc <- err
	}()
	<-entered

	require.NoError(t, p.SetBroker(second.broker))

	err = <-errc
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransport)
	assert.NotErrorIs(t, err, ErrEvaluation)

	var pkgErr *Error
	require.ErrorAs(t, err, &pkgErr)
	assert.Equal(t, opInstalledPackages, pkgErr.Op)

	cached, ok := m.CachedInstalled()
	assert.True(t, ok)
	assert.Equal(t, before, cached, "a failed refresh leaves the cache as it was")

	assert.Equal(t, int32(1), installed.load())
	assert.Equal(t, int32(1), loaded.load())
	assert.Equal(t, int32(1), available.load())

	// The next refresh goes through the new broker.
	_, err = m.InstalledPackages(ctx)
	require.NoError(t, err)
	assert.Contains(t, second.engine(SessionPackageManager).Log(), "installed_packages()")
}

func TestMutatedMarksLoadedOnlyWhileConnected(t *testing.T) {
	ctx := testContext(t)
	h := newHost(t, "local")
	m, p := newManager(t, h.broker)

	var loaded counter
	m.OnLoadedInvalidated(loaded.inc)

	repl := p.GetOrCreate(SessionREPL)
	require.NoError(t, repl.BeginInteraction(ctx, func(*session.Interaction) error { return nil }))
	assert.Equal(t, int32(0), loaded.load())

	require.NoError(t, repl.EnsureHostStarted(ctx, broker.StartOptions{}, nil))
	require.NoError(t, repl.BeginInteraction(ctx, func(*session.Interaction) error { return nil }))
	assert.Equal(t, int32(1), loaded.load())
}

func TestLoadUnloadAndLoadedPackages(t *testing.T) {
	ctx := testContext(t)
	h := newHost(t, "local")
	m, _ := newManager(t, h.broker)

	require.NoError(t, m.InstallPackage(ctx, "foo", testLib))
	require.NoError(t, m.LoadPackage(ctx, "foo", ""))

	names, err := m.LoadedPackages(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"base", "foo"}, names)

	st, err := m.UninstallPackage(ctx, "foo", testLib)
	require.NoError(t, err)
	assert.Equal(t, LockedByEngine, st)

	require.NoError(t, m.UnloadPackage(ctx, "foo"))

	st, err = m.PackageLockState(ctx, "foo", testLib)
	require.NoError(t, err)
	assert.Equal(t, Unlocked, st)

	st, err = m.UpdatePackage(ctx, "foo", testLib)
	require.NoError(t, err)
	assert.Equal(t, Unlocked, st)

	st, err = m.UninstallPackage(ctx, "foo", testLib)
	require.NoError(t, err)
	assert.Equal(t, Unlocked, st)

	cached, ok := m.CachedLoaded()
	assert.True(t, ok)
	assert.Equal(t, []string{"base", "foo"}, cached)
}

func TestEvaluationFaultsAreNormalized(t *testing.T) {
	ctx := testContext(t)
	h := newHost(t, "local")
	m, _ := newManager(t, h.broker)

	err := m.LoadPackage(ctx, "zzz", "")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEvaluation)
	assert.NotErrorIs(t, err, ErrTransport)
	assert.Contains(t, err.Error(), "there is no package called 'zzz'")

	var fault *evaluation.Fault
	assert.False(t, errors.As(err, &fault), "engine error types stay inside the package manager")
}

func TestTransportFailuresAreNormalized(t *testing.T) {
	ctx := testContext(t)
	b := broker.New("down", false, func(context.Context, broker.StartOptions) (mcp.Transport, error) {
		return nil, errors.New("connection refused")
	})
	m, _ := newManager(t, b)

	_, err := m.AvailablePackages(ctx)
	assert.ErrorIs(t, err, ErrTransport)
	assert.False(t, evaluation.IsTransport(err))

	_, ok := m.CachedAvailable()
	assert.False(t, ok)
}

func TestLibraryPathsAndRepositories(t *testing.T) {
	ctx := testContext(t)
	h := newHost(t, "local")
	m, _ := newManager(t, h.broker)

	lib, err := m.LibraryPath(ctx)
	require.NoError(t, err)
	assert.Equal(t, testLib, lib)

	require.NoError(t, m.SetLibraryPaths(ctx, "/a", "/b"))
	paths, err := m.LibraryPaths(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"/a", "/b"}, paths)

	require.NoError(t, m.SetRepositories(ctx, map[string]string{"CRAN": "https://other.example.org"}))
	repos, err := m.Repositories(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"CRAN": "https://other.example.org"}, repos)

	assert.False(t, m.IsRemoteSession())
}

func TestCloseUnsubscribes(t *testing.T) {
	h := newHost(t, "local")
	m, p := newManager(t, h.broker)

	var installed counter
	m.OnInstalledInvalidated(installed.inc)

	require.NoError(t, m.Close())
	require.NoError(t, p.SetBroker(newHost(t, "other").broker))

	assert.Equal(t, int32(0), installed.load())
}
