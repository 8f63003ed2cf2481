// Package engine assembles the loading runtime: one dispatcher with its
// mounted chunk stores, the block cache shared by container mounts, the
// package store fed by container headers, the loaded-package registry, the
// object array with its collector, and the loader that drives them.
//
// The loader's owner-goroutine calls (Tick, Flush, LoadPackage, collections)
// are serialized by the engine so that callers such as HTTP handlers can use
// it from any goroutine.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/marmos91/pkgload/internal/logger"
	"github.com/marmos91/pkgload/pkg/blockcache"
	"github.com/marmos91/pkgload/pkg/chunkstore"
	"github.com/marmos91/pkgload/pkg/gc"
	"github.com/marmos91/pkgload/pkg/importstore"
	"github.com/marmos91/pkgload/pkg/iodispatcher"
	"github.com/marmos91/pkgload/pkg/loader"
	"github.com/marmos91/pkgload/pkg/object"
	"github.com/marmos91/pkgload/pkg/pkgid"
	"github.com/marmos91/pkgload/pkg/pkgstore"
)

var (
	// ErrAlreadyMounted is returned when a container path is mounted twice.
	ErrAlreadyMounted = errors.New("already mounted")

	// ErrClosed is returned by operations on a closed engine.
	ErrClosed = errors.New("engine is closed")
)

// Options configures an Engine.
type Options struct {
	Dispatcher iodispatcher.Config

	// Workers is the read concurrency of every mounted store.
	Workers int

	// Cache configures the block cache shared by container mounts. A zero
	// BlockSize disables the cache.
	Cache        blockcache.Config
	CacheMetrics blockcache.Metrics

	Loader loader.Config

	// VerifyReferences checks swept objects against pinned packages.
	VerifyReferences bool

	// Fallback is consulted for packages no mounted header lists, e.g. a
	// catalog database. Optional.
	Fallback pkgstore.Store
}

// Engine owns the loading runtime.
type Engine struct {
	dispatcher *iodispatcher.Dispatcher
	cache      *blockcache.Cache
	objects    *object.Array
	registry   *importstore.Registry
	headers    *pkgstore.Memory
	loader     *loader.Loader
	collector  *gc.Collector
	workers    int

	// owner serializes loader owner-goroutine calls
	owner sync.Mutex

	mu     sync.Mutex
	mounts []*mount
	paths  map[string]*mount
	closed bool
}

// New builds an engine and starts its loader.
func New(ctx context.Context, opts Options) (*Engine, error) {
	e := &Engine{
		dispatcher: iodispatcher.New(opts.Dispatcher),
		objects:    object.NewArray(),
		headers:    pkgstore.NewMemory(),
		workers:    opts.Workers,
		paths:      make(map[string]*mount),
	}
	if opts.Cache.BlockSize > 0 {
		e.cache = blockcache.New(opts.Cache, opts.CacheMetrics)
	}
	e.registry = importstore.New(importstore.Config{Verify: opts.VerifyReferences}, e.objects.Get)

	var packages pkgstore.Store = e.headers
	if opts.Fallback != nil {
		packages = pkgstore.Layered{e.headers, opts.Fallback}
	}

	l, err := loader.New(opts.Loader, loader.Deps{
		Dispatcher: e.dispatcher,
		Registry:   e.registry,
		Objects:    e.objects,
		Packages:   packages,
	})
	if err != nil {
		_ = e.dispatcher.Close()
		_ = e.registry.Close()
		return nil, err
	}
	if err := l.Start(ctx); err != nil {
		_ = e.dispatcher.Close()
		_ = e.registry.Close()
		return nil, err
	}
	e.loader = l

	e.collector = gc.New(e.objects)
	e.collector.AddListener(l)

	logger.Debug("engine started",
		logger.KeyComponent, "engine",
		"threaded", opts.Loader.Threaded,
		"cache_blocks", opts.Cache.Capacity)
	return e, nil
}

// Dispatcher returns the I/O dispatcher.
func (e *Engine) Dispatcher() *iodispatcher.Dispatcher { return e.dispatcher }

// Cache returns the block cache, nil when disabled.
func (e *Engine) Cache() *blockcache.Cache { return e.cache }

// Registry returns the loaded-package registry.
func (e *Engine) Registry() *importstore.Registry { return e.registry }

// Headers returns the entries read from mounted container headers.
func (e *Engine) Headers() *pkgstore.Memory { return e.headers }

// Objects returns the object array.
func (e *Engine) Objects() *object.Array { return e.objects }

// Loader returns the loader. Owner-goroutine calls made on it directly
// bypass the engine's serialization.
func (e *Engine) Loader() *loader.Loader { return e.loader }

// Load requests every package in names and waits until all of them have a
// result. Results are in the order of names.
func (e *Engine) Load(ctx context.Context, names []string, prio iodispatcher.Priority) ([]loader.Result, error) {
	if e.isClosed() {
		return nil, ErrClosed
	}
	e.owner.Lock()
	defer e.owner.Unlock()

	results := make([]loader.Result, len(names))
	ids := make([]loader.RequestID, len(names))
	// callbacks only run under owner, so returned is never read concurrently
	returned := false
	defer func() { returned = true }()
	for i, name := range names {
		ids[i] = e.loader.LoadPackage(name, prio, func(r loader.Result) {
			if !returned {
				results[i] = r
			}
		})
	}
	if err := e.loader.Flush(ctx, ids...); err != nil {
		for _, id := range ids {
			e.loader.Cancel(id)
		}
		return results, err
	}
	return results, nil
}

// Collect runs one collection cycle and applies its results.
func (e *Engine) Collect(ctx context.Context) gc.Stats {
	e.owner.Lock()
	defer e.owner.Unlock()

	stats := e.collector.Collect()
	e.loader.Tick(ctx, 0)
	return stats
}

// Package describes one package known to the engine.
type Package struct {
	Entry    pkgstore.Entry
	InStore  bool
	Loaded   bool
	Root     string
	RefCount int32
	Exports  int
	Pinned   bool
}

// Package reports what is known about name.
func (e *Engine) Package(name string) Package {
	id := pkgid.FromName(name)
	p := Package{Entry: pkgstore.Entry{ID: id, Name: name}}
	if entry, ok := e.headers.Lookup(id); ok {
		p.Entry, p.InStore = entry, true
	}
	if info, ok := e.registry.Find(id); ok {
		p.Loaded = info.Root != nil
		if info.Root != nil {
			p.Root = info.Root.Path()
		}
		p.RefCount = info.RefCount
		p.Exports = info.ExportCount
		p.Pinned = info.Pinned
	}
	return p
}

// Status is a snapshot of the engine.
type Status struct {
	Mounts         []MountInfo
	Packages       int
	LoadedPackages int
	Objects        int
	Outstanding    int
	PendingLoads   int
	Collections    int
	Cache          *blockcache.Stats
}

// Status returns a snapshot of the engine.
func (e *Engine) Status() Status {
	s := Status{
		Mounts:         e.Mounts(),
		Packages:       e.headers.Len(),
		LoadedPackages: e.registry.Len(),
		Objects:        e.objects.Len(),
		Outstanding:    e.dispatcher.Outstanding(),
		PendingLoads:   e.loader.NumPending(),
		Collections:    e.collector.Runs(),
	}
	if e.cache != nil {
		stats := e.cache.Stats()
		s.Cache = &stats
	}
	return s
}

// Close stops the loader and the dispatcher and closes every mounted store.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	mounts := e.mounts
	e.mu.Unlock()

	var errs []error
	if err := e.loader.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("loader shutdown: %w", err))
	}
	if err := e.dispatcher.Close(); err != nil {
		errs = append(errs, fmt.Errorf("dispatcher close: %w", err))
	}
	for _, m := range mounts {
		if err := m.store.Close(); err != nil && !errors.Is(err, chunkstore.ErrStoreClosed) {
			errs = append(errs, fmt.Errorf("close %s: %w", m.info.Name, err))
		}
	}
	if err := e.registry.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}
