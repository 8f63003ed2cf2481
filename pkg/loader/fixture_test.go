package loader

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/marmos91/pkgload/pkg/chunk"
	"github.com/marmos91/pkgload/pkg/chunkstore"
	"github.com/marmos91/pkgload/pkg/chunkstore/memory"
	"github.com/marmos91/pkgload/pkg/globalref"
	"github.com/marmos91/pkgload/pkg/importstore"
	"github.com/marmos91/pkgload/pkg/iodispatcher"
	"github.com/marmos91/pkgload/pkg/object"
	"github.com/marmos91/pkgload/pkg/optimizer"
	"github.com/marmos91/pkgload/pkg/pkgheader"
	"github.com/marmos91/pkgload/pkg/pkgid"
	"github.com/marmos91/pkgload/pkg/pkgstore"
)

// gatedStore holds reads of gated chunks until the gate opens.
type gatedStore struct {
	*memory.Store

	mu      sync.Mutex
	gates   map[chunk.ID]chan struct{}
	reads   map[chunk.ID]int
	started chan chunk.ID
}

func newGatedStore() *gatedStore {
	return &gatedStore{
		Store:   memory.New("mem"),
		gates:   make(map[chunk.ID]chan struct{}),
		reads:   make(map[chunk.ID]int),
		started: make(chan chunk.ID, 16),
	}
}

func (s *gatedStore) gate(id chunk.ID) func() {
	ch := make(chan struct{})
	s.mu.Lock()
	s.gates[id] = ch
	s.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

func (s *gatedStore) Read(ctx context.Context, id chunk.ID, offset, length uint64) ([]byte, error) {
	s.mu.Lock()
	s.reads[id]++
	gate := s.gates[id]
	s.mu.Unlock()
	if gate != nil {
		s.started <- id
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.Store.Read(ctx, id, offset, length)
}

func (s *gatedStore) readsOf(id chunk.ID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads[id]
}

var _ chunkstore.Store = (*gatedStore)(nil)

type fixture struct {
	t        *testing.T
	store    *gatedStore
	backend  *iodispatcher.StoreBackend
	d        *iodispatcher.Dispatcher
	registry *importstore.Registry
	objects  *object.Array
	packages *pkgstore.Memory
	opt      *optimizer.Optimizer
}

func newFixture(t *testing.T, workers int) *fixture {
	t.Helper()
	f := &fixture{
		t:        t,
		store:    newGatedStore(),
		d:        iodispatcher.New(iodispatcher.Config{}),
		objects:  object.NewArray(),
		packages: pkgstore.NewMemory(),
		opt:      optimizer.New(optimizer.Config{AllowMissingImports: true}),
	}
	f.backend = iodispatcher.NewStoreBackend(f.store, iodispatcher.StoreBackendConfig{Workers: workers})
	require.NoError(t, f.d.Mount(f.backend))
	t.Cleanup(func() { _ = f.d.Close() })
	f.registry = importstore.New(importstore.Config{Verify: true}, f.objects.Get)
	t.Cleanup(func() { _ = f.registry.Close() })
	return f
}

func (f *fixture) loader(cfg Config) *Loader {
	f.t.Helper()
	l, err := New(cfg, Deps{
		Dispatcher: f.d,
		Registry:   f.registry,
		Objects:    f.objects,
		Packages:   f.packages,
	})
	require.NoError(f.t, err)
	require.NoError(f.t, l.Start(context.Background()))
	f.t.Cleanup(func() { _ = l.Shutdown(context.Background()) })
	return l
}

// cook optimizes raws as one batch and publishes them.
func (f *fixture) cook(raws ...optimizer.RawPackage) {
	f.t.Helper()
	pkgs := make([]*optimizer.Package, 0, len(raws))
	for _, raw := range raws {
		p, err := f.opt.CreatePackage(raw)
		require.NoError(f.t, err)
		pkgs = append(pkgs, p)
	}
	require.NoError(f.t, f.opt.Finalize(pkgs))
	require.NoError(f.t, f.opt.FlushDeferred())

	for _, p := range pkgs {
		h, err := f.opt.Header(p)
		require.NoError(f.t, err)
		data, err := pkgheader.Encode(h)
		require.NoError(f.t, err)
		require.NoError(f.t, f.store.Put(context.Background(), chunk.ForPackage(p.ID), data))
		f.packages.Add(pkgstore.Entry{
			ID:               p.ID,
			Name:             p.Name,
			ExportCount:      uint32(len(h.Exports)),
			BundleCount:      uint32(len(h.Bundles)),
			ImportedPackages: h.ImportedPackages,
		})
	}
}

type rawBuilder struct {
	raw optimizer.RawPackage
}

func newRaw(name string) *rawBuilder {
	return &rawBuilder{raw: optimizer.RawPackage{Name: name, Names: []string{name}}}
}

func (b *rawBuilder) name(n string) int32 {
	for i, s := range b.raw.Names {
		if s == n {
			return int32(i)
		}
	}
	b.raw.Names = append(b.raw.Names, n)
	return int32(len(b.raw.Names) - 1)
}

func (b *rawBuilder) addImport(name string, outer pkgheader.Index) pkgheader.Index {
	b.raw.Imports = append(b.raw.Imports, optimizer.RawImport{Name: b.name(name), Outer: outer})
	return pkgheader.ImportIndex(len(b.raw.Imports) - 1)
}

func (b *rawBuilder) addExport(name string, outer pkgheader.Index, public bool) pkgheader.Index {
	b.raw.Exports = append(b.raw.Exports, optimizer.RawExport{Name: b.name(name), Outer: outer, Public: public})
	return pkgheader.ExportIndex(len(b.raw.Exports) - 1)
}

func (b *rawBuilder) export(x pkgheader.Index) *optimizer.RawExport {
	return &b.raw.Exports[x.Export()]
}

// reference makes x reference target and wait for its creation.
func (b *rawBuilder) reference(x, target pkgheader.Index) {
	e := b.export(x)
	e.Refs = append(e.Refs, target)
	e.Preload.CreateBeforeSerialize = append(e.Preload.CreateBeforeSerialize, target)
}

// packageA has a root export and one child, both public.
func packageA() optimizer.RawPackage {
	b := newRaw("/Game/A")
	hero := b.addExport("Hero", pkgheader.NullIndex, true)
	mesh := b.addExport("Mesh", hero, true)
	b.export(mesh).Data = []byte("mesh")
	b.reference(hero, mesh)
	return b.raw
}

// packageB imports the Hero export of package A.
func packageB() optimizer.RawPackage {
	b := newRaw("/Game/B")
	pkgA := b.addImport("/Game/A", pkgheader.NullIndex)
	hero := b.addImport("Hero", pkgA)
	root := b.addExport("B", pkgheader.NullIndex, true)
	b.reference(root, hero)
	return b.raw
}

type resultLog struct {
	mu      sync.Mutex
	results []Result
}

func (r *resultLog) callback(res Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, res)
}

func (r *resultLog) all() []Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Result(nil), r.results...)
}

type eventLog struct {
	mu     sync.Mutex
	events []NodeEvent
}

func (e *eventLog) ObserveNode(ev NodeEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
}

// index returns the position of the first matching event, or -1.
func (e *eventLog) index(pkg string, kind NodeKind, phase NodePhase) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, ev := range e.events {
		if ev.Package == pkg && ev.Kind == kind && ev.Phase == phase {
			return i
		}
	}
	return -1
}

// lastIndex returns the position of the last matching event, or -1.
func (e *eventLog) lastIndex(pkg string, kind NodeKind, phase NodePhase) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := len(e.events) - 1; i >= 0; i-- {
		ev := e.events[i]
		if ev.Package == pkg && ev.Kind == kind && ev.Phase == phase {
			return i
		}
	}
	return -1
}

func flush(t *testing.T, l *Loader, ids ...RequestID) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, l.Flush(ctx, ids...))
}

var (
	idA = pkgid.FromName("/game/a")
	idB = pkgid.FromName("/game/b")
)

func globalrefFor(pkg, rel string) globalref.Ref {
	return globalref.PackageImport(pkgid.FromName(pkg), pkgid.ObjectPathHash(rel))
}
