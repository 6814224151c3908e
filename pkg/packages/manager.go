// Package packages keeps the installed, available and loaded package lists
// of an engine up to date without re-querying on every change.
//
// Installed and available packages are fetched on a dedicated
// PackageManager session so long queries never hold up the interactive
// REPL session. Before each fetch the REPL's repositories and library paths
// are copied into that session, because the two engines share no state.
package packages

import (
	"context"
	"log/slog"
	"maps"
	"slices"

	"github.com/germanamz/evalhost/pkg/broker"
	"github.com/germanamz/evalhost/pkg/cache"
	"github.com/germanamz/evalhost/pkg/evaluation"
	"github.com/germanamz/evalhost/pkg/session"
	"github.com/germanamz/evalhost/pkg/teardown"
)

// Engine operations.
const (
	opInstall             = "package_install"
	opUninstall           = "package_uninstall"
	opUpdate              = "package_update"
	opLoad                = "package_load"
	opUnload              = "package_unload"
	opLockState           = "package_lock_state"
	opInstalledPackages   = "installed_packages"
	opAvailablePackages   = "available_packages"
	opLoadedPackages      = "loaded_packages"
	opLibraryPaths        = "library_paths"
	opSetLibraryPaths     = "set_library_paths"
	opRepositories        = "repositories"
	opSetRepositories     = "set_repositories"
	opDeparseRepositories = "deparse_repositories"
	opRestoreRepositories = "restore_repositories"
	opDeparseLibraryPaths = "deparse_library_paths"
	opRestoreLibraryPaths = "restore_library_paths"
	opSetRepositoryMirror = "set_repository_mirror"
	opSetCodePage         = "set_code_page"
)

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager's logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithSettings sets the repository mirror and code page applied to the
// package manager session.
func WithSettings(s Settings) Option {
	return func(m *Manager) { m.settings = s }
}

// WithStartOptions sets the function that supplies the options the package
// manager session starts its host with. The name is always
// SessionPackageManager.
func WithStartOptions(fn func() broker.StartOptions) Option {
	return func(m *Manager) { m.startOpts = fn }
}

// Manager is the package manager client.
type Manager struct {
	provider  *session.Provider
	pm        *session.Session
	repl      *session.Session
	settings  Settings
	startOpts func() broker.StartOptions
	log       *slog.Logger

	installed *cache.Collection[Package]
	available *cache.Collection[Package]
	loaded    *cache.Collection[string]

	bag teardown.Bag
}

// New creates a manager that runs commands on repl and background queries
// on the provider's PackageManager session.
func New(provider *session.Provider, repl *session.Session, opts ...Option) *Manager {
	m := &Manager{
		provider: provider,
		pm:       provider.GetOrCreate(SessionPackageManager),
		repl:     repl,
		log:      slog.New(slog.DiscardHandler),
	}
	m.installed = cache.New[Package](m)
	m.available = cache.New[Package](m)
	m.loaded = cache.New[string](m)

	for _, o := range opts {
		o(m)
	}

	m.bag.
		Add(provider.OnBrokerChanged(m.brokerChanged)).
		Add(repl.OnMutated(m.sessionMutated)).
		Add(repl.OnPackagesInstalled(m.packagesChanged)).
		Add(repl.OnPackagesRemoved(m.packagesChanged))

	return m
}

func (m *Manager) brokerChanged(broker.Broker) {
	m.available.Dirty().FireOnce()
	m.installed.Dirty().FireOnce()
	m.loaded.Dirty().FireOnce()
}

func (m *Manager) packagesChanged() {
	m.installed.Dirty().FireOnce()
	m.loaded.Dirty().FireOnce()
}

func (m *Manager) sessionMutated() {
	if m.provider.IsConnected() {
		m.loaded.Dirty().FireOnce()
	}
}

// IsRemoteSession reports whether the package manager session runs on a
// remote engine.
func (m *Manager) IsRemoteSession() bool {
	return m.pm.IsRemote()
}

// OnInstalledInvalidated registers fn to run when the installed list goes
// stale.
func (m *Manager) OnInstalledInvalidated(fn func()) (remove func()) {
	return m.installed.Dirty().Subscribe(func(any) { fn() })
}

// OnAvailableInvalidated registers fn to run when the available list goes
// stale.
func (m *Manager) OnAvailableInvalidated(fn func()) (remove func()) {
	return m.available.Dirty().Subscribe(func(any) { fn() })
}

// OnLoadedInvalidated registers fn to run when the loaded list goes stale.
func (m *Manager) OnLoadedInvalidated(fn func()) (remove func()) {
	return m.loaded.Dirty().Subscribe(func(any) { fn() })
}

// CachedInstalled returns the last installed list fetched and whether one
// was ever fetched.
func (m *Manager) CachedInstalled() ([]Package, bool) { return m.installed.Snapshot() }

// CachedAvailable returns the last available list fetched.
func (m *Manager) CachedAvailable() ([]Package, bool) { return m.available.Snapshot() }

// CachedLoaded returns the last loaded list fetched.
func (m *Manager) CachedLoaded() ([]string, bool) { return m.loaded.Snapshot() }

// InstalledPackages fetches the installed packages on the package manager
// session.
func (m *Manager) InstalledPackages(ctx context.Context) ([]Package, error) {
	return m.installed.Refresh(ctx, m.queryPackages(opInstalledPackages))
}

// AvailablePackages fetches the packages offered by the configured
// repositories on the package manager session.
func (m *Manager) AvailablePackages(ctx context.Context) ([]Package, error) {
	return m.available.Refresh(ctx, m.queryPackages(opAvailablePackages))
}

// LoadedPackages fetches the names of the packages loaded in the REPL. The
// query is reentrant and does not wait for an open interaction.
func (m *Manager) LoadedPackages(ctx context.Context) ([]string, error) {
	return m.loaded.Refresh(ctx, func(ctx context.Context) ([]string, error) {
		names, err := session.Evaluate[[]string](ctx, m.repl, evaluation.FormatCall(opLoadedPackages), evaluation.KindReentrant)
		return names, normalize(opLoadedPackages, err)
	})
}

// LibraryPath returns the REPL's first library path, where packages are
// installed by default. It is empty when the engine reports none.
func (m *Manager) LibraryPath(ctx context.Context) (string, error) {
	paths, err := m.LibraryPaths(ctx)
	if err != nil || len(paths) == 0 {
		return "", err
	}
	return paths[0], nil
}

// LibraryPaths returns the REPL's library search paths.
func (m *Manager) LibraryPaths(ctx context.Context) ([]string, error) {
	paths, err := session.Evaluate[[]string](ctx, m.repl, evaluation.FormatCall(opLibraryPaths), evaluation.KindNormal)
	return paths, normalize(opLibraryPaths, err)
}

// SetLibraryPaths replaces the REPL's library search paths.
func (m *Manager) SetLibraryPaths(ctx context.Context, paths ...string) error {
	args := make([]any, len(paths))
	for i, p := range paths {
		args[i] = p
	}

	return m.send(ctx, opSetLibraryPaths, evaluation.FormatCall(opSetLibraryPaths, args...))
}

// Repositories returns the REPL's repositories by name.
func (m *Manager) Repositories(ctx context.Context) (map[string]string, error) {
	repos, err := session.Evaluate[map[string]string](ctx, m.repl, evaluation.FormatCall(opRepositories), evaluation.KindNormal)
	return repos, normalize(opRepositories, err)
}

// SetRepositories replaces the REPL's repositories.
func (m *Manager) SetRepositories(ctx context.Context, repos map[string]string) error {
	args := make([]any, 0, 2*len(repos))
	for _, name := range slices.Sorted(maps.Keys(repos)) {
		args = append(args, name, repos[name])
	}

	return m.send(ctx, opSetRepositories, evaluation.FormatCall(opSetRepositories, args...))
}

// PackageLockState reports whether name in libPath can be modified.
func (m *Manager) PackageLockState(ctx context.Context, name, libPath string) (LockState, error) {
	return m.lockStateCall(ctx, opLockState, name, libPath)
}

// InstallPackage installs name from the REPL's repositories. An empty
// libPath installs into the first library path.
func (m *Manager) InstallPackage(ctx context.Context, name, libPath string) error {
	return m.send(ctx, opInstall, callWithOptionalLib(opInstall, name, libPath))
}

// LoadPackage loads name into the REPL. An empty libPath searches every
// library path.
func (m *Manager) LoadPackage(ctx context.Context, name, libPath string) error {
	return m.send(ctx, opLoad, callWithOptionalLib(opLoad, name, libPath))
}

// UnloadPackage unloads name from the REPL.
func (m *Manager) UnloadPackage(ctx context.Context, name string) error {
	return m.send(ctx, opUnload, evaluation.FormatCall(opUnload, name))
}

// UninstallPackage removes name from libPath unless it is locked. The
// returned state tells which, if any, lock prevented the removal.
func (m *Manager) UninstallPackage(ctx context.Context, name, libPath string) (LockState, error) {
	return m.lockStateCall(ctx, opUninstall, name, libPath)
}

// UpdatePackage updates name in libPath unless it is locked.
func (m *Manager) UpdatePackage(ctx context.Context, name, libPath string) (LockState, error) {
	return m.lockStateCall(ctx, opUpdate, name, libPath)
}

// Close unsubscribes the manager from its sessions and provider.
func (m *Manager) Close() error {
	return m.bag.Close()
}

func (m *Manager) lockStateCall(ctx context.Context, op, name, libPath string) (LockState, error) {
	st, err := session.Evaluate[LockState](ctx, m.repl, evaluation.FormatCall(op, name, libPath), evaluation.KindNormal)
	return st, normalize(op, err)
}

// send runs command as one interaction on the REPL.
func (m *Manager) send(ctx context.Context, op, command string) error {
	err := m.repl.BeginInteraction(ctx, func(in *session.Interaction) error {
		_, err := in.Send(ctx, command)
		return err
	})
	if err != nil {
		m.log.DebugContext(ctx, "package command failed", "op", op, "error", err)
	}

	return normalize(op, err)
}

func callWithOptionalLib(op, name, libPath string) string {
	if libPath == "" {
		return evaluation.FormatCall(op, name)
	}
	return evaluation.FormatCall(op, name, libPath)
}

// queryPackages returns a fetch that prepares the package manager session
// and runs the list query op on it.
func (m *Manager) queryPackages(op string) cache.FetchFunc[Package] {
	return func(ctx context.Context) ([]Package, error) {
		if err := m.preparePackageSession(ctx); err != nil {
			return nil, normalize(op, err)
		}

		pkgs, err := session.Evaluate[[]Package](ctx, m.pm, evaluation.FormatCall(op), evaluation.KindNormal)
		if err != nil {
			m.log.DebugContext(ctx, "package query failed", "op", op, "error", err)
			return nil, normalize(op, err)
		}

		return pkgs, nil
	}
}

func (m *Manager) preparePackageSession(ctx context.Context) error {
	var opts broker.StartOptions
	if m.startOpts != nil {
		opts = m.startOpts()
	}
	opts.Name = SessionPackageManager

	if err := m.pm.EnsureHostStarted(ctx, opts, nil); err != nil {
		return err
	}

	if url := m.settings.RepositoryMirror; url != "" {
		if _, err := m.pm.Evaluate(ctx, evaluation.FormatCall(opSetRepositoryMirror, url), evaluation.KindNormal); err != nil {
			return err
		}
	}
	if cp := m.settings.CodePage; cp != 0 {
		if _, err := m.pm.Evaluate(ctx, evaluation.FormatCall(opSetCodePage, cp), evaluation.KindNormal); err != nil {
			return err
		}
	}

	if repos, ok := m.deparse(ctx, opDeparseRepositories); ok {
		if _, err := m.pm.Execute(ctx, evaluation.FormatCall(opRestoreRepositories, repos)); err != nil {
			return err
		}
	}
	if libs, ok := m.deparse(ctx, opDeparseLibraryPaths); ok {
		if _, err := m.pm.Execute(ctx, evaluation.FormatCall(opRestoreLibraryPaths, libs)); err != nil {
			return err
		}
	}

	return nil
}

// deparse reads serialized configuration from the REPL. Any failure leaves
// the package manager session on its engine defaults.
func (m *Manager) deparse(ctx context.Context, op string) (string, bool) {
	text, err := session.Evaluate[string](ctx, m.repl, evaluation.FormatCall(op), evaluation.KindNormal)
	if err != nil {
		m.log.DebugContext(ctx, "configuration not propagated", "op", op, "error", err)
		return "", false
	}

	return text, text != ""
}
