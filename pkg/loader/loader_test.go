package loader

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/pkgload/pkg/chunk"
	"github.com/marmos91/pkgload/pkg/gc"
	"github.com/marmos91/pkgload/pkg/importstore"
	"github.com/marmos91/pkgload/pkg/iodispatcher"
	"github.com/marmos91/pkgload/pkg/object"
	"github.com/marmos91/pkgload/pkg/pkgheader"
	"github.com/marmos91/pkgload/pkg/pkgid"
	"github.com/marmos91/pkgload/pkg/pkgstore"
)

func TestNewRequiresDeps(t *testing.T) {
	_, err := New(Config{}, Deps{})
	assert.ErrorIs(t, err, ErrMissingDeps)
}

func TestLoadSinglePackage(t *testing.T) {
	f := newFixture(t, 2)
	f.cook(packageA())
	l := f.loader(Config{})

	var log resultLog
	id := l.LoadPackage("/Game/A", iodispatcher.PriorityMedium, log.callback)
	assert.True(t, l.IsLoading())
	assert.Equal(t, 1, l.NumPending())
	flush(t, l, id)

	results := log.all()
	require.Len(t, results, 1)
	assert.Equal(t, Succeeded, results[0].Status)
	assert.Equal(t, id, results[0].Request)
	require.NotNil(t, results[0].Root)
	assert.Equal(t, "Hero", results[0].Root.Name)
	assert.Equal(t, 2, f.objects.Len())
	assert.False(t, l.IsLoading())
	assert.Zero(t, l.NumPending())

	root := results[0].Root
	require.Len(t, root.Refs, 1)
	mesh := root.Refs[0]
	assert.Equal(t, "/Hero/Mesh", mesh.Path())
	assert.Equal(t, []byte("mesh"), mesh.Data)
	assert.False(t, mesh.Has(object.FlagNeedsLoad))
	assert.False(t, mesh.Has(object.FlagNeedsPostLoad))

	info, ok := f.registry.Find(idA)
	require.True(t, ok)
	assert.NotZero(t, info.Flags&importstore.FlagAllPublicExportsLoaded)
	assert.Equal(t, 2, info.ExportCount)
	assert.Zero(t, info.RefCount)
}

func TestImportedPackageLoadsFirst(t *testing.T) {
	f := newFixture(t, 2)
	f.cook(packageA(), packageB())
	events := &eventLog{}
	l := f.loader(Config{Observer: events})

	var log resultLog
	rb := l.LoadPackage("/Game/B", iodispatcher.PriorityMedium, log.callback)
	ra := l.LoadPackage("/Game/A", iodispatcher.PriorityMedium, log.callback)
	flush(t, l)

	results := log.all()
	require.Len(t, results, 2)
	assert.Equal(t, ra, results[0].Request)
	assert.Equal(t, rb, results[1].Request)
	for _, r := range results {
		assert.Equal(t, Succeeded, r.Status)
	}

	summaryA := events.index("/Game/A", NodeProcessSummary, NodeFinished)
	setupB := events.index("/Game/B", NodeSetupDependencies, NodeStarted)
	require.GreaterOrEqual(t, summaryA, 0)
	assert.Greater(t, setupB, summaryA)

	exportsDoneA := events.index("/Game/A", NodeExportsDone, NodeFinished)
	postLoadB := events.index("/Game/B", NodePostLoad, NodeStarted)
	require.GreaterOrEqual(t, exportsDoneA, 0)
	assert.Greater(t, postLoadB, exportsDoneA)

	rootB := results[1].Root
	require.NotNil(t, rootB)
	require.Len(t, rootB.Refs, 1)
	assert.Same(t, results[0].Root, rootB.Refs[0])
	assert.False(t, rootB.Has(object.FlagLoadFailed))
	assert.Equal(t, 3, f.objects.Len())

	assert.Equal(t, int32(1), f.registry.RefCount(idA), "B holds its import")
	assert.Zero(t, f.registry.RefCount(idB))
}

func TestLoadPackageIsIdempotent(t *testing.T) {
	f := newFixture(t, 1)
	f.cook(packageA())
	l := f.loader(Config{})

	var log resultLog
	first := l.LoadPackage("/Game/A", iodispatcher.PriorityLow, log.callback)
	second := l.LoadPackage("/game/a", iodispatcher.PriorityHigh, log.callback)
	assert.NotEqual(t, first, second)

	l.jobsMu.Lock()
	jobs := len(l.jobs)
	l.jobsMu.Unlock()
	assert.Equal(t, 1, jobs)

	flush(t, l)
	results := log.all()
	require.Len(t, results, 2)
	assert.Same(t, results[0].Root, results[1].Root)
	assert.Equal(t, 1, f.store.readsOf(chunk.ForPackage(idA)))
}

func TestLoadedPackageCompletesWithoutIO(t *testing.T) {
	f := newFixture(t, 1)
	f.cook(packageA())
	l := f.loader(Config{})

	var log resultLog
	flush(t, l, l.LoadPackage("/Game/A", iodispatcher.PriorityMedium, log.callback))
	flush(t, l, l.LoadPackage("/Game/A", iodispatcher.PriorityMedium, log.callback))

	results := log.all()
	require.Len(t, results, 2)
	assert.Equal(t, Succeeded, results[1].Status)
	assert.Same(t, results[0].Root, results[1].Root)
	assert.Equal(t, 1, f.store.readsOf(chunk.ForPackage(idA)))
}

func TestMissingPackageFails(t *testing.T) {
	f := newFixture(t, 1)
	l := f.loader(Config{})

	var log resultLog
	flush(t, l, l.LoadPackage("/Game/Nope", iodispatcher.PriorityMedium, log.callback))

	results := log.all()
	require.Len(t, results, 1)
	assert.Equal(t, Failed, results[0].Status)
	assert.ErrorIs(t, results[0].Err, ErrPackageNotFound)
	assert.Nil(t, results[0].Root)

	info, ok := f.registry.Find(pkgid.FromName("/game/nope"))
	require.True(t, ok)
	assert.NotZero(t, info.Flags&importstore.FlagMissing)
	assert.False(t, l.IsLoading())
}

func TestMissingImportFailsExportOnly(t *testing.T) {
	f := newFixture(t, 1)
	b := newRaw("/Game/C")
	gone := b.addImport("/Game/Gone", pkgheader.NullIndex)
	thing := b.addImport("Thing", gone)
	root := b.addExport("C", pkgheader.NullIndex, true)
	other := b.addExport("Other", pkgheader.NullIndex, true)
	b.reference(root, thing)
	b.export(other).Data = []byte("fine")
	f.cook(b.raw)
	l := f.loader(Config{})

	var log resultLog
	flush(t, l, l.LoadPackage("/Game/C", iodispatcher.PriorityMedium, log.callback))

	results := log.all()
	require.Len(t, results, 1)
	assert.Equal(t, Succeeded, results[0].Status)
	require.NotNil(t, results[0].Root)
	assert.True(t, results[0].Root.Has(object.FlagLoadFailed))
	require.Len(t, results[0].Root.Refs, 1)
	assert.Nil(t, results[0].Root.Refs[0])

	o, ok := f.registry.FindExport(globalrefFor("/game/c", "other"))
	require.True(t, ok)
	assert.False(t, o.Has(object.FlagLoadFailed))
	assert.Equal(t, []byte("fine"), o.Data)

	info, ok := f.registry.Find(pkgid.FromName("/game/gone"))
	require.True(t, ok)
	assert.NotZero(t, info.Flags&importstore.FlagMissing)
}

func TestCorruptSummaryFails(t *testing.T) {
	f := newFixture(t, 1)
	id := pkgid.FromName("/game/bad")
	require.NoError(t, f.store.Put(context.Background(), chunk.ForPackage(id), []byte("not a summary")))
	f.packages.Add(pkgstore.Entry{ID: id, Name: "/Game/Bad"})
	l := f.loader(Config{})

	var log resultLog
	flush(t, l, l.LoadPackage("/Game/Bad", iodispatcher.PriorityMedium, log.callback))

	results := log.all()
	require.Len(t, results, 1)
	assert.Equal(t, Failed, results[0].Status)
	assert.ErrorIs(t, results[0].Err, pkgheader.ErrMalformed)
	assert.Zero(t, f.objects.Len())

	info, ok := f.registry.Find(id)
	require.True(t, ok)
	assert.NotZero(t, info.Flags&importstore.FlagFailed)
}

func TestBackwardBundleArcFailsJob(t *testing.T) {
	f := newFixture(t, 1)
	f.cook(packageA())

	// split the cooked bundle in two and make the first wait for the second
	key := chunk.ForPackage(idA)
	data, err := f.store.Read(context.Background(), key, 0, 0)
	require.NoError(t, err)
	h, err := pkgheader.Decode(data)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(h.Entries), 2)
	half := uint32(len(h.Entries) / 2)
	h.Bundles = []pkgheader.Bundle{
		{LoadOrder: 0, FirstEntry: 0, EntryCount: half},
		{LoadOrder: 1, FirstEntry: half, EntryCount: uint32(len(h.Entries)) - half},
	}
	h.InternalArcs = []pkgheader.InternalArc{{FromBundle: 1, ToBundle: 0}}
	data, err = pkgheader.Encode(h)
	require.NoError(t, err)
	require.NoError(t, f.store.Put(context.Background(), key, data))

	l := f.loader(Config{})
	var log resultLog
	flush(t, l, l.LoadPackage("/Game/A", iodispatcher.PriorityMedium, log.callback))

	results := log.all()
	require.Len(t, results, 1)
	assert.Equal(t, Failed, results[0].Status)
	assert.ErrorIs(t, results[0].Err, pkgheader.ErrMalformed)
	assert.Zero(t, f.objects.Len())
}

func TestSummaryReadFailure(t *testing.T) {
	f := newFixture(t, 1)
	f.packages.Add(pkgstore.Entry{ID: idA, Name: "/Game/A"})
	l := f.loader(Config{})

	var log resultLog
	flush(t, l, l.LoadPackage("/Game/A", iodispatcher.PriorityMedium, log.callback))

	results := log.all()
	require.Len(t, results, 1)
	assert.Equal(t, Failed, results[0].Status)
	assert.ErrorIs(t, results[0].Err, iodispatcher.ErrNotFound)
}

func TestCancelBeforeReadStarts(t *testing.T) {
	f := newFixture(t, 1)
	blocker := newRaw("/Game/Blocker")
	blocker.addExport("Blocker", pkgheader.NullIndex, true)
	f.cook(packageA(), blocker.raw)
	open := f.store.gate(chunk.ForPackage(pkgid.FromName("/game/blocker")))
	defer open()
	l := f.loader(Config{})

	var log resultLog
	rBlocker := l.LoadPackage("/Game/Blocker", iodispatcher.PriorityMedium, log.callback)
	<-f.store.started
	rA := l.LoadPackage("/Game/A", iodispatcher.PriorityMedium, log.callback)
	require.Eventually(t, func() bool { return f.backend.Queued() == 1 }, time.Second, time.Millisecond)

	assert.True(t, l.Cancel(rA))
	assert.False(t, l.Cancel(rA), "second cancel is a no-op")
	l.Tick(context.Background(), 0)
	results := log.all()
	require.Len(t, results, 1)
	assert.Equal(t, rA, results[0].Request)
	assert.Equal(t, Canceled, results[0].Status)

	open()
	flush(t, l, rBlocker)
	require.Eventually(t, func() bool {
		l.Tick(context.Background(), 0)
		return !l.IsLoading()
	}, 5*time.Second, time.Millisecond)

	results = log.all()
	require.Len(t, results, 2)
	assert.Equal(t, Succeeded, results[1].Status)
	assert.Zero(t, f.store.readsOf(chunk.ForPackage(idA)))

	info, ok := f.registry.Find(idA)
	require.True(t, ok)
	assert.NotZero(t, info.Flags&importstore.FlagFailed)
}

func TestSuspendParksLoadingGoroutine(t *testing.T) {
	f := newFixture(t, 1)
	f.cook(packageA())
	l := f.loader(Config{Threaded: true})

	l.Suspend()
	assert.True(t, l.IsSuspended())

	var log resultLog
	id := l.LoadPackage("/Game/A", iodispatcher.PriorityMedium, log.callback)
	require.Eventually(t, func() bool { return l.loadingQ.len() == 1 }, 5*time.Second, time.Millisecond)

	assert.Equal(t, Suspended, l.Tick(context.Background(), 0))
	state, ok := l.JobState("/Game/A")
	require.True(t, ok)
	assert.Equal(t, StateWaitingForIo, state)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.ErrorIs(t, l.Flush(ctx, id), ErrSuspended)

	l.Resume()
	flush(t, l, id)
	results := log.all()
	require.Len(t, results, 1)
	assert.Equal(t, Succeeded, results[0].Status)
}

func TestTickHonorsTimeLimit(t *testing.T) {
	f := newFixture(t, 1)
	b := newRaw("/Game/Big")
	for i := 0; i < 30; i++ {
		b.addExport(fmt.Sprintf("Part%02d", i), pkgheader.NullIndex, true)
	}
	f.cook(b.raw)
	l := f.loader(Config{})

	var log resultLog
	l.LoadPackage("/Game/Big", iodispatcher.PriorityMedium, log.callback)
	require.Eventually(t, func() bool { return l.loadingQ.len() == 1 }, 5*time.Second, time.Millisecond)

	timeouts := 0
	for i := 0; i < 10000 && l.NumPending() > 0; i++ {
		if l.Tick(context.Background(), time.Nanosecond) == TimeOut {
			timeouts++
		}
	}
	results := log.all()
	require.Len(t, results, 1)
	assert.Equal(t, Succeeded, results[0].Status)
	assert.Greater(t, timeouts, 30)
	assert.Equal(t, 30, f.objects.Len())
}

func TestCollectUnreferencedPackage(t *testing.T) {
	f := newFixture(t, 1)
	f.cook(packageA())
	l := f.loader(Config{})
	flush(t, l, l.LoadPackage("/Game/A", iodispatcher.PriorityMedium, nil))

	c := gc.New(f.objects)
	c.AddListener(l)
	stats := c.Collect()
	assert.Equal(t, 2, stats.Swept)
	assert.False(t, l.IsSuspended(), "collection resumes the loader")

	l.Tick(context.Background(), 0)
	_, ok := f.registry.Find(idA)
	assert.False(t, ok)

	var log resultLog
	flush(t, l, l.LoadPackage("/Game/A", iodispatcher.PriorityMedium, log.callback))
	require.Len(t, log.all(), 1)
	assert.Equal(t, Succeeded, log.all()[0].Status)
	assert.Equal(t, 2, f.store.readsOf(chunk.ForPackage(idA)))
}

func TestImportReferenceKeepsPackageAlive(t *testing.T) {
	f := newFixture(t, 1)
	f.cook(packageA(), packageB())
	l := f.loader(Config{})
	flush(t, l, l.LoadPackage("/Game/B", iodispatcher.PriorityMedium, nil))

	c := gc.New(f.objects)
	c.AddListener(l)

	stats := c.Collect()
	assert.Equal(t, 1, stats.Swept, "only B is unreferenced")
	l.Tick(context.Background(), 0)
	_, ok := f.registry.Find(idB)
	assert.False(t, ok)
	assert.Zero(t, f.registry.RefCount(idA), "removing B releases its import")
	assert.True(t, f.registry.IsCollectible(idA))

	stats = c.Collect()
	assert.Equal(t, 2, stats.Swept)
	l.Tick(context.Background(), 0)
	assert.Zero(t, f.registry.Len())
	assert.Zero(t, f.objects.Len())
}

func TestInFlightObjectsSurviveCollection(t *testing.T) {
	f := newFixture(t, 1)
	b := newRaw("/Game/P")
	hero := b.addExport("Hero", pkgheader.NullIndex, false)
	mesh := b.addExport("Mesh", hero, false)
	b.reference(hero, mesh)
	f.cook(b.raw)
	l := f.loader(Config{})
	c := gc.New(f.objects)
	c.AddListener(l)

	var log resultLog
	id := l.LoadPackage("/Game/P", iodispatcher.PriorityMedium, log.callback)
	require.Eventually(t, func() bool { return l.loadingQ.len() == 1 }, 5*time.Second, time.Millisecond)
	for i := 0; i < 100 && f.objects.Len() < 2; i++ {
		l.Tick(context.Background(), time.Nanosecond)
	}
	require.Equal(t, 2, f.objects.Len())
	require.True(t, l.IsLoading())

	stats := c.Collect()
	assert.Zero(t, stats.Swept, "objects of a job in flight are pinned")

	flush(t, l, id)
	require.Len(t, log.all(), 1)
	assert.Equal(t, Succeeded, log.all()[0].Status)
	for _, o := range f.objects.Snapshot() {
		assert.False(t, o.Has(object.FlagPinned))
	}
}

func TestClassBehavior(t *testing.T) {
	f := newFixture(t, 1)

	meshClass := object.New("StaticMesh", nil, nil, object.FlagClass)
	f.objects.Add(meshClass)
	meshHash := pkgid.Hash("/script/engine/staticmesh")
	require.NoError(t, f.registry.RegisterNative(meshHash, meshClass))
	widgetClass := object.New("Widget", nil, nil, object.FlagClass)
	f.objects.Add(widgetClass)
	widgetHash := pkgid.Hash("/script/engine/widget")
	require.NoError(t, f.registry.RegisterNative(widgetHash, widgetClass))

	b := newRaw("/Game/M")
	engine := b.addImport("/Script/Engine", pkgheader.NullIndex)
	mesh := b.addImport("StaticMesh", engine)
	widget := b.addImport("Widget", engine)
	rock := b.addExport("Rock", pkgheader.NullIndex, true)
	b.export(rock).Class = mesh
	b.export(rock).Data = []byte("rock")
	panel := b.addExport("Panel", pkgheader.NullIndex, true)
	b.export(panel).Class = widget
	f.cook(b.raw)

	var postLoads, deferred, mainPostLoads atomic.Int32
	l := f.loader(Config{Classes: map[uint64]ClassBehavior{
		meshHash: {
			PostLoad: func(o *object.Object) error {
				assert.False(t, o.Has(object.FlagNeedsLoad))
				assert.Equal(t, []byte("rock"), o.Data)
				postLoads.Add(1)
				return nil
			},
			DeferredPostLoad: func(o *object.Object) error {
				assert.False(t, o.Has(object.FlagNeedsPostLoad))
				deferred.Add(1)
				return nil
			},
		},
		widgetHash: {
			PostLoadOnMainThread: true,
			PostLoad: func(o *object.Object) error {
				mainPostLoads.Add(1)
				return nil
			},
		},
	}})

	var log resultLog
	flush(t, l, l.LoadPackage("/Game/M", iodispatcher.PriorityMedium, log.callback))
	require.Len(t, log.all(), 1)
	assert.Equal(t, Succeeded, log.all()[0].Status)
	assert.Equal(t, int32(1), postLoads.Load())
	assert.Equal(t, int32(1), deferred.Load())
	assert.Equal(t, int32(1), mainPostLoads.Load())

	root := log.all()[0].Root
	require.NotNil(t, root)
	assert.Same(t, meshClass, root.Class)
}

func TestExcludedExportsAreSkipped(t *testing.T) {
	f := newFixture(t, 1)
	b := newRaw("/Game/E")
	b.addExport("Runtime", pkgheader.NullIndex, true)
	editor := b.addExport("EditorData", pkgheader.NullIndex, true)
	b.export(editor).Filter = pkgheader.FilterEditorOnly
	f.cook(b.raw)
	l := f.loader(Config{Exclude: pkgheader.FilterEditorOnly})

	var log resultLog
	flush(t, l, l.LoadPackage("/Game/E", iodispatcher.PriorityMedium, log.callback))
	require.Len(t, log.all(), 1)
	assert.Equal(t, Succeeded, log.all()[0].Status)
	assert.Equal(t, 1, f.objects.Len())
	_, found := f.registry.FindExport(globalrefFor("/game/e", "editordata"))
	assert.False(t, found)
}

func TestShutdownRejectsRequests(t *testing.T) {
	f := newFixture(t, 1)
	l := f.loader(Config{Threaded: true})
	require.NoError(t, l.Shutdown(context.Background()))

	var log resultLog
	id := l.LoadPackage("/Game/A", iodispatcher.PriorityMedium, log.callback)
	flush(t, l, id)
	require.Len(t, log.all(), 1)
	assert.Equal(t, Failed, log.all()[0].Status)
	assert.ErrorIs(t, log.all()[0].Err, ErrLoaderClosed)
}

func TestJobStateNames(t *testing.T) {
	seen := make(map[string]JobState)
	for s := StateNewPackage; s <= StateDeferredDelete; s++ {
		name := s.String()
		require.NotEqual(t, "unknown", name, "state %d", s)
		prev, dup := seen[name]
		require.False(t, dup, "%s names both %d and %d", name, prev, s)
		seen[name] = s
	}
	assert.Equal(t, "unknown", JobState(99).String())

	// reserved phases sit between finalize and complete
	assert.Less(t, StateFinalize, StatePostLoadInstances)
	assert.Less(t, StateCreateClusters, StateComplete)
}
