// Package memengine is an in-memory engine that implements the package
// operations understood by the packages manager. It backs the reference
// engine binary and the integration tests of the client layer.
package memengine

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/germanamz/evalhost/pkg/evaluation"
)

// Package is the record returned by installed_packages and
// available_packages.
type Package struct {
	Name             string `json:"Package"`
	Version          string `json:"Version"`
	LibPath          string `json:"LibPath,omitempty"`
	Title            string `json:"Title,omitempty"`
	Description      string `json:"Description,omitempty"`
	Depends          string `json:"Depends,omitempty"`
	Imports          string `json:"Imports,omitempty"`
	License          string `json:"License,omitempty"`
	Repository       string `json:"Repository,omitempty"`
	Built            string `json:"Built,omitempty"`
	NeedsCompilation string `json:"NeedsCompilation,omitempty"`
	Installed        bool   `json:"installed,omitempty"`
	Loaded           bool   `json:"loaded,omitempty"`
}

// Lock states reported by package_uninstall, package_update and
// package_lock_state.
const (
	Unlocked       = "Unlocked"
	LockedByEngine = "LockedByEngine"
	LockedByOther  = "LockedByOther"
)

// Hook runs before every call the engine receives. Returning an error fails
// the call with that error.
type Hook func(ctx context.Context, call evaluation.Call) error

// Engine holds the state of one engine instance. It implements
// engineserver.Evaluator.
type Engine struct {
	mu         sync.Mutex
	libPaths   []string
	repos      map[string]string
	catalog    map[string][]Package // by repository URL
	installed  []Package
	loaded     []string
	lockedExt  map[string]bool
	mirror     string
	codePage   int
	log        []string
	hook       Hook
	operations map[string]func(evaluation.Call) (evaluation.Result, error)
}

// Option configures an Engine.
type Option func(*Engine)

// WithLibraryPaths sets the library search paths. The first one receives
// installs that name no library.
func WithLibraryPaths(paths ...string) Option {
	return func(e *Engine) { e.libPaths = slices.Clone(paths) }
}

// WithRepository adds a repository and the packages it serves.
func WithRepository(name, url string, pkgs ...Package) Option {
	return func(e *Engine) {
		e.repos[name] = url
		e.catalog[url] = append(e.catalog[url], pkgs...)
	}
}

// WithInstalled marks pkgs as installed in library lib.
func WithInstalled(lib string, pkgs ...Package) Option {
	return func(e *Engine) {
		for _, p := range pkgs {
			p.LibPath = lib
			e.installed = append(e.installed, p)
		}
	}
}

// WithLoaded marks installed packages as loaded.
func WithLoaded(names ...string) Option {
	return func(e *Engine) { e.loaded = append(e.loaded, names...) }
}

// WithHook installs h as the engine's call hook.
func WithHook(h Hook) Option {
	return func(e *Engine) { e.hook = h }
}

// New creates an engine.
func New(opts ...Option) *Engine {
	e := &Engine{
		repos:     make(map[string]string),
		catalog:   make(map[string][]Package),
		lockedExt: make(map[string]bool),
	}
	for _, o := range opts {
		o(e)
	}
	if len(e.libPaths) == 0 {
		e.libPaths = []string{"/usr/lib/evalhost/library"}
	}

	e.operations = map[string]func(evaluation.Call) (evaluation.Result, error){
		"package_install":       e.install,
		"package_uninstall":     e.uninstall,
		"package_update":        e.update,
		"package_load":          e.load,
		"package_unload":        e.unload,
		"package_lock_state":    e.lockStateOp,
		"installed_packages":    e.installedPackages,
		"available_packages":    e.availablePackages,
		"loaded_packages":       e.loadedPackages,
		"library_paths":         e.libraryPaths,
		"set_library_paths":     e.setLibraryPaths,
		"repositories":          e.repositories,
		"set_repositories":      e.setRepositories,
		"deparse_repositories":  e.deparseRepositories,
		"restore_repositories":  e.restoreRepositories,
		"deparse_library_paths": e.deparseLibraryPaths,
		"restore_library_paths": e.restoreLibraryPaths,
		"set_repository_mirror": e.setRepositoryMirror,
		"set_code_page":         e.setCodePage,
		"echo":                  e.echo,
		"stop":                  e.stop,
	}

	return e
}

// Default returns an engine with a small package catalog, used by the
// reference engine binary.
func Default() *Engine {
	lib := "/usr/lib/evalhost/library"
	return New(
		WithLibraryPaths(lib),
		WithRepository("CRAN", "https://cloud.r-project.org",
			Package{Name: "jsonlite", Version: "1.8.8", Title: "A Simple and Robust JSON Parser and Generator", License: "MIT + file LICENSE"},
			Package{Name: "data.table", Version: "1.15.4", Title: "Extension of data.frame", License: "MPL-2.0", NeedsCompilation: "yes"},
			Package{Name: "ggplot2", Version: "3.5.1", Title: "Create Elegant Data Visualisations", Imports: "rlang, scales", License: "MIT + file LICENSE"},
			Package{Name: "rlang", Version: "1.1.4", Title: "Functions for Base Types and Core Features", License: "MIT + file LICENSE", NeedsCompilation: "yes"},
		),
		WithInstalled(lib,
			Package{Name: "base", Version: "4.4.1", Title: "The R Base Package", Built: "4.4.1"},
			Package{Name: "stats", Version: "4.4.1", Title: "The R Stats Package", Built: "4.4.1"},
			Package{Name: "utils", Version: "4.4.1", Title: "The R Utils Package", Built: "4.4.1"},
		),
		WithLoaded("base", "stats", "utils"),
	)
}

// Evaluate evaluates a call expression. The kind does not change how the
// engine evaluates it.
func (e *Engine) Evaluate(ctx context.Context, expression string, _ evaluation.Kind) (evaluation.Result, error) {
	return e.dispatch(ctx, expression)
}

// Execute runs a command. Commands and expressions share one grammar.
func (e *Engine) Execute(ctx context.Context, command string) (evaluation.Result, error) {
	res, err := e.dispatch(ctx, command)
	if err != nil {
		return res, err
	}
	if res.Output == "" && len(res.Value) > 0 {
		res.Output = string(res.Value)
	}
	return res, nil
}

// Log returns every expression and command received, in arrival order.
func (e *Engine) Log() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.log)
}

// LockExternally marks name as held by another process.
func (e *Engine) LockExternally(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lockedExt[name] = true
}

// SetHook replaces the engine's call hook. A nil hook removes it.
func (e *Engine) SetHook(h Hook) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hook = h
}

// Settings returns the repository mirror and code page last set.
func (e *Engine) Settings() (mirror string, codePage int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mirror, e.codePage
}

func (e *Engine) dispatch(ctx context.Context, expr string) (evaluation.Result, error) {
	call, err := evaluation.ParseCall(expr)
	if err != nil {
		return evaluation.Result{}, &evaluation.Fault{Message: err.Error(), Class: evaluation.ClassEngine}
	}

	e.mu.Lock()
	e.log = append(e.log, expr)
	hook := e.hook
	e.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, call); err != nil {
			return evaluation.Result{}, err
		}
	}

	if call.Name == "sleep" {
		return sleep(ctx, call)
	}

	op, ok := e.operations[call.Name]
	if !ok {
		return evaluation.Result{}, faultf("could not find function %q", call.Name)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return op(call)
}

func faultf(format string, args ...any) error {
	return &evaluation.Fault{Message: fmt.Sprintf(format, args...), Class: evaluation.ClassEngine}
}

func (e *Engine) findInstalled(name, lib string) int {
	return slices.IndexFunc(e.installed, func(p Package) bool {
		return p.Name == name && (lib == "" || p.LibPath == lib)
	})
}

func (e *Engine) findAvailable(name string) (Package, string, bool) {
	for _, url := range e.sortedRepoURLs() {
		for _, p := range e.catalog[url] {
			if p.Name == name {
				return p, url, true
			}
		}
	}
	return Package{}, "", false
}

func (e *Engine) sortedRepoURLs() []string {
	urls := make([]string, 0, len(e.repos))
	for _, n := range slices.Sorted(maps.Keys(e.repos)) {
		urls = append(urls, e.repos[n])
	}
	return urls
}

func (e *Engine) lockState(name string) string {
	switch {
	case slices.Contains(e.loaded, name):
		return LockedByEngine
	case e.lockedExt[name]:
		return LockedByOther
	default:
		return Unlocked
	}
}

func (e *Engine) install(c evaluation.Call) (evaluation.Result, error) {
	name, lib := c.Arg(0), c.Arg(1)
	if lib == "" {
		lib = e.libPaths[0]
	}

	p, url, ok := e.findAvailable(name)
	if !ok {
		return evaluation.Result{}, faultf("package '%s' is not available", name)
	}
	p.LibPath = lib
	p.Repository = url

	if i := e.findInstalled(name, lib); i >= 0 {
		e.installed[i] = p
	} else {
		e.installed = append(e.installed, p)
	}

	return evaluation.Result{
		Output:  fmt.Sprintf("package '%s' successfully installed", name),
		Notices: []evaluation.Notice{evaluation.NoticePackagesInstalled},
	}, nil
}

func (e *Engine) uninstall(c evaluation.Call) (evaluation.Result, error) {
	name, lib := c.Arg(0), c.Arg(1)

	if st := e.lockState(name); st != Unlocked {
		return evaluation.Value(st)
	}

	i := e.findInstalled(name, lib)
	if i < 0 {
		return evaluation.Result{}, faultf("there is no package called '%s'", name)
	}
	e.installed = slices.Delete(e.installed, i, i+1)

	res, err := evaluation.Value(Unlocked)
	res.Notices = []evaluation.Notice{evaluation.NoticePackagesRemoved}
	return res, err
}

func (e *Engine) update(c evaluation.Call) (evaluation.Result, error) {
	name, lib := c.Arg(0), c.Arg(1)

	if st := e.lockState(name); st != Unlocked {
		return evaluation.Value(st)
	}

	i := e.findInstalled(name, lib)
	if i < 0 {
		return evaluation.Result{}, faultf("there is no package called '%s'", name)
	}
	p, url, ok := e.findAvailable(name)
	if !ok {
		return evaluation.Result{}, faultf("package '%s' is not available", name)
	}
	p.LibPath = e.installed[i].LibPath
	p.Repository = url
	e.installed[i] = p

	res, err := evaluation.Value(Unlocked)
	res.Notices = []evaluation.Notice{evaluation.NoticePackagesInstalled}
	return res, err
}

func (e *Engine) load(c evaluation.Call) (evaluation.Result, error) {
	name, lib := c.Arg(0), c.Arg(1)
	if e.findInstalled(name, lib) < 0 {
		return evaluation.Result{}, faultf("there is no package called '%s'", name)
	}
	if !slices.Contains(e.loaded, name) {
		e.loaded = append(e.loaded, name)
	}
	return evaluation.Result{}, nil
}

func (e *Engine) unload(c evaluation.Call) (evaluation.Result, error) {
	name := c.Arg(0)
	i := slices.Index(e.loaded, name)
	if i < 0 {
		return evaluation.Result{}, faultf("package '%s' is not loaded", name)
	}
	e.loaded = slices.Delete(e.loaded, i, i+1)
	return evaluation.Result{}, nil
}

func (e *Engine) lockStateOp(c evaluation.Call) (evaluation.Result, error) {
	return evaluation.Value(e.lockState(c.Arg(0)))
}

func (e *Engine) installedPackages(evaluation.Call) (evaluation.Result, error) {
	out := make([]Package, 0, len(e.installed))
	for _, p := range e.installed {
		p.Installed = true
		p.Loaded = slices.Contains(e.loaded, p.Name)
		out = append(out, p)
	}
	return evaluation.Value(out)
}

func (e *Engine) availablePackages(evaluation.Call) (evaluation.Result, error) {
	out := []Package{}
	for _, url := range e.sortedRepoURLs() {
		for _, p := range e.catalog[url] {
			p.Repository = url
			out = append(out, p)
		}
	}
	return evaluation.Value(out)
}

func (e *Engine) loadedPackages(evaluation.Call) (evaluation.Result, error) {
	return evaluation.Value(slices.Clone(e.loaded))
}

func (e *Engine) libraryPaths(evaluation.Call) (evaluation.Result, error) {
	return evaluation.Value(slices.Clone(e.libPaths))
}

func (e *Engine) setLibraryPaths(c evaluation.Call) (evaluation.Result, error) {
	paths := make([]string, 0, len(c.Args))
	for i := range c.Args {
		if p := c.Arg(i); p != "" {
			paths = append(paths, p)
		}
	}
	if len(paths) == 0 {
		return evaluation.Result{}, faultf("at least one library path is required")
	}
	e.libPaths = paths
	return evaluation.Result{}, nil
}

func (e *Engine) repositories(evaluation.Call) (evaluation.Result, error) {
	return evaluation.Value(maps.Clone(e.repos))
}

func (e *Engine) setRepositories(c evaluation.Call) (evaluation.Result, error) {
	if len(c.Args)%2 != 0 {
		return evaluation.Result{}, faultf("set_repositories expects name/url pairs")
	}
	repos := make(map[string]string, len(c.Args)/2)
	for i := 0; i < len(c.Args); i += 2 {
		repos[c.Arg(i)] = c.Arg(i + 1)
	}
	e.repos = repos
	return evaluation.Result{}, nil
}

func (e *Engine) deparseRepositories(evaluation.Call) (evaluation.Result, error) {
	b, err := json.Marshal(e.repos)
	if err != nil {
		return evaluation.Result{}, err
	}
	return evaluation.Value(string(b))
}

func (e *Engine) restoreRepositories(c evaluation.Call) (evaluation.Result, error) {
	var repos map[string]string
	if err := json.Unmarshal([]byte(c.Arg(0)), &repos); err != nil {
		return evaluation.Result{}, faultf("cannot restore repositories: %v", err)
	}
	e.repos = repos
	return evaluation.Result{}, nil
}

func (e *Engine) deparseLibraryPaths(evaluation.Call) (evaluation.Result, error) {
	b, err := json.Marshal(e.libPaths)
	if err != nil {
		return evaluation.Result{}, err
	}
	return evaluation.Value(string(b))
}

func (e *Engine) restoreLibraryPaths(c evaluation.Call) (evaluation.Result, error) {
	var paths []string
	if err := json.Unmarshal([]byte(c.Arg(0)), &paths); err != nil || len(paths) == 0 {
		return evaluation.Result{}, faultf("cannot restore library paths from %q", c.Arg(0))
	}
	e.libPaths = paths
	return evaluation.Result{}, nil
}

func (e *Engine) setRepositoryMirror(c evaluation.Call) (evaluation.Result, error) {
	url := c.Arg(0)
	e.mirror = url
	if url == "" {
		return evaluation.Result{}, nil
	}

	if old, ok := e.repos["CRAN"]; ok && old != url {
		e.catalog[url] = append(e.catalog[url], e.catalog[old]...)
	}
	e.repos["CRAN"] = url
	return evaluation.Result{}, nil
}

func (e *Engine) setCodePage(c evaluation.Call) (evaluation.Result, error) {
	if len(c.Args) == 0 {
		return evaluation.Result{}, faultf("set_code_page expects a code page")
	}
	switch v := c.Args[0].(type) {
	case int64:
		e.codePage = int(v)
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return evaluation.Result{}, faultf("invalid code page %q", v)
		}
		e.codePage = n
	default:
		return evaluation.Result{}, faultf("invalid code page %v", v)
	}
	return evaluation.Result{}, nil
}

func (e *Engine) echo(c evaluation.Call) (evaluation.Result, error) {
	if len(c.Args) == 0 {
		return evaluation.Result{}, nil
	}
	return evaluation.Value(c.Args[0])
}

func (e *Engine) stop(c evaluation.Call) (evaluation.Result, error) {
	return evaluation.Result{}, &evaluation.Fault{Message: c.Arg(0), Class: evaluation.ClassEngine}
}

// sleep(ms) waits without holding the engine lock.
func sleep(ctx context.Context, c evaluation.Call) (evaluation.Result, error) {
	var ms int64
	if len(c.Args) > 0 {
		ms, _ = c.Args[0].(int64)
	}

	t := time.NewTimer(time.Duration(ms) * time.Millisecond)
	defer t.Stop()

	select {
	case <-t.C:
		return evaluation.Result{}, nil
	case <-ctx.Done():
		return evaluation.Result{}, ctx.Err()
	}
}
