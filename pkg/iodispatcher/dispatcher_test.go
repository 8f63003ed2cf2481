package iodispatcher

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/marmos91/pkgload/pkg/chunk"
	"github.com/marmos91/pkgload/pkg/chunkstore"
	"github.com/marmos91/pkgload/pkg/chunkstore/memory"
	"github.com/marmos91/pkgload/pkg/slab"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gatedStore blocks reads of selected chunks until their gate is opened and
// records the order of physical reads.
type gatedStore struct {
	*memory.Store

	mu      sync.Mutex
	gates   map[chunk.ID]chan struct{}
	started chan chunk.ID
	order   []chunk.ID
}

func newGatedStore(t *testing.T, chunks map[chunk.ID][]byte) *gatedStore {
	t.Helper()
	s := &gatedStore{
		Store:   memory.New("gated"),
		gates:   make(map[chunk.ID]chan struct{}),
		started: make(chan chunk.ID, 16),
	}
	for id, data := range chunks {
		require.NoError(t, s.Put(context.Background(), id, data))
	}
	return s
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
	s.order = append(s.order, id)
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
	n := 0
	for _, r := range s.order {
		if r == id {
			n++
		}
	}
	return n
}

func (s *gatedStore) readOrder() []chunk.ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]chunk.ID(nil), s.order...)
}

var _ chunkstore.Store = (*gatedStore)(nil)

var (
	idA       = chunk.New(1, 0, chunk.TypeExportBundleData)
	idB       = chunk.New(2, 0, chunk.TypeExportBundleData)
	idC       = chunk.New(3, 0, chunk.TypeExportBundleData)
	idMissing = chunk.New(404, 0, chunk.TypeExportBundleData)
)

func fixture() map[chunk.ID][]byte {
	return map[chunk.ID][]byte{
		idA: []byte("package a"),
		idB: []byte("package b"),
		idC: []byte("package c"),
	}
}

func newDispatcher(t *testing.T, store chunkstore.Store, workers int) (*Dispatcher, *StoreBackend) {
	t.Helper()
	d := New(Config{})
	b := NewStoreBackend(store, StoreBackendConfig{Workers: workers})
	require.NoError(t, d.Mount(b))
	t.Cleanup(func() { _ = d.Close() })
	return d, b
}

func waitDone(t *testing.T, r Request) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.Wait(ctx))
}

func TestReadOk(t *testing.T) {
	d, _ := newDispatcher(t, newGatedStore(t, fixture()), 2)

	r := d.Read(idA, ReadOptions{}, PriorityMedium)
	waitDone(t, r)

	assert.Equal(t, StatusOk, r.Status())
	data, err := r.Result()
	require.NoError(t, err)
	assert.Equal(t, "package a", string(data))

	r.Release()
	assert.Equal(t, StatusUnknown, r.Status())
	_, err = r.Result()
	assert.ErrorIs(t, err, slab.ErrStaleHandle)
	assert.Eventually(t, func() bool { return d.Outstanding() == 0 }, time.Second, time.Millisecond)
}

func TestReadRange(t *testing.T) {
	d, _ := newDispatcher(t, newGatedStore(t, fixture()), 1)

	r := d.Read(idB, ReadOptions{Offset: 8, Size: 1}, PriorityMedium)
	defer r.Release()
	waitDone(t, r)

	data, err := r.Result()
	require.NoError(t, err)
	assert.Equal(t, "b", string(data))
}

// A chunk no backend holds completes NotFound while another read is blocked.
func TestNotFoundDoesNotBlockOtherRequests(t *testing.T) {
	store := newGatedStore(t, fixture())
	open := store.gate(idA)
	defer open()
	d, _ := newDispatcher(t, store, 1)

	slow := d.Read(idA, ReadOptions{}, PriorityMedium)
	defer slow.Release()
	<-store.started

	missing := d.Read(idMissing, ReadOptions{}, PriorityMedium)
	defer missing.Release()
	waitDone(t, missing)

	assert.Equal(t, StatusNotFound, missing.Status())
	_, err := missing.Result()
	assert.ErrorIs(t, err, ErrNotFound)
	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, idMissing, reqErr.ChunkID)

	assert.Equal(t, StatusPending, slow.Status())
	open()
	waitDone(t, slow)
	assert.Equal(t, StatusOk, slow.Status())
}

// Cancelling a queued request completes it Cancelled without touching the store.
func TestCancelBeforeReadStarts(t *testing.T) {
	store := newGatedStore(t, fixture())
	open := store.gate(idA)
	defer open()
	d, backend := newDispatcher(t, store, 1)

	blocker := d.Read(idA, ReadOptions{}, PriorityMedium)
	defer blocker.Release()
	<-store.started

	queued := d.Read(idB, ReadOptions{}, PriorityMedium)
	defer queued.Release()
	require.Eventually(t, func() bool { return backend.Queued() == 1 }, time.Second, time.Millisecond)

	queued.Cancel()
	waitDone(t, queued)
	assert.Equal(t, StatusCancelled, queued.Status())
	_, err := queued.Result()
	assert.ErrorIs(t, err, ErrCancelled)

	open()
	waitDone(t, blocker)
	assert.Equal(t, 0, store.readsOf(idB))
	assert.Equal(t, uint64(1), backend.Reads())
}

func TestCancelRacingFreeWorkerSkipsRead(t *testing.T) {
	for i := 0; i < 50; i++ {
		store := newGatedStore(t, fixture())
		open := store.gate(idA)
		d, backend := newDispatcher(t, store, 1)

		blocker := d.Read(idA, ReadOptions{}, PriorityMedium)
		<-store.started
		queued := d.Read(idB, ReadOptions{}, PriorityMedium)
		require.Eventually(t, func() bool { return backend.Queued() == 1 }, time.Second, time.Millisecond)

		// the worker frees up before the service goroutine sees the cancel
		queued.Cancel()
		open()

		waitDone(t, blocker)
		waitDone(t, queued)
		assert.Equal(t, StatusCancelled, queued.Status())
		assert.Equal(t, 0, store.readsOf(idB), "iteration %d", i)
		assert.Equal(t, uint64(1), backend.Reads())
		blocker.Release()
		queued.Release()
	}
}

// remoteStore has no in-process index, so existence checks go through
// Exists, which blocks on the gate of a chunk.
type remoteStore struct {
	chunkstore.Store

	mu     sync.Mutex
	gates  map[chunk.ID]chan struct{}
	checks map[chunk.ID]int
}

func newRemoteStore(t *testing.T, chunks map[chunk.ID][]byte) *remoteStore {
	t.Helper()
	mem := memory.New("remote")
	for id, data := range chunks {
		require.NoError(t, mem.Put(context.Background(), id, data))
	}
	return &remoteStore{
		Store:  mem,
		gates:  make(map[chunk.ID]chan struct{}),
		checks: make(map[chunk.ID]int),
	}
}

func (s *remoteStore) gate(id chunk.ID) func() {
	ch := make(chan struct{})
	s.mu.Lock()
	s.gates[id] = ch
	s.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

func (s *remoteStore) Exists(ctx context.Context, id chunk.ID) (bool, error) {
	s.mu.Lock()
	s.checks[id]++
	gate := s.gates[id]
	s.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	return s.Store.Exists(ctx, id)
}

func (s *remoteStore) checksOf(id chunk.ID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checks[id]
}

func TestUnindexedStoreChecksExistenceInWorker(t *testing.T) {
	remote := newRemoteStore(t, map[chunk.ID][]byte{idA: []byte("package a")})
	_, indexed := any(remote).(chunkstore.Indexed)
	require.False(t, indexed)
	open := remote.gate(idA)
	defer open()

	local := memory.New("local")
	require.NoError(t, local.Put(context.Background(), idB, []byte("package b")))

	d := New(Config{})
	t.Cleanup(func() { _ = d.Close() })
	require.NoError(t, d.Mount(NewStoreBackend(remote, StoreBackendConfig{Workers: 2})))
	require.NoError(t, d.Mount(NewStoreBackend(local, StoreBackendConfig{Workers: 1})))

	slow := d.Read(idA, ReadOptions{}, PriorityMedium)
	defer slow.Release()
	require.Eventually(t, func() bool { return remote.checksOf(idA) == 1 }, time.Second, time.Millisecond)

	// the remote backend declines idB; the local one serves it while the
	// remote existence check of idA is still blocked
	fast := d.Read(idB, ReadOptions{}, PriorityMedium)
	defer fast.Release()
	waitDone(t, fast)
	data, err := fast.Result()
	require.NoError(t, err)
	assert.Equal(t, "package b", string(data))
	assert.Equal(t, 1, remote.checksOf(idB))
	assert.Equal(t, StatusPending, slow.Status())

	open()
	waitDone(t, slow)
	data, err = slow.Result()
	require.NoError(t, err)
	assert.Equal(t, "package a", string(data))

	missing := d.Read(idMissing, ReadOptions{}, PriorityMedium)
	defer missing.Release()
	waitDone(t, missing)
	assert.Equal(t, StatusNotFound, missing.Status())
}

func TestCancelBeforeIssue(t *testing.T) {
	store := newGatedStore(t, fixture())
	d, _ := newDispatcher(t, store, 1)

	b := d.NewBatch()
	r := b.Read(idA, ReadOptions{}, PriorityMedium)
	defer r.Release()
	r.Cancel()
	b.Issue()

	waitDone(t, r)
	assert.Equal(t, StatusCancelled, r.Status())
	assert.Equal(t, 0, store.readsOf(idA))
}

func TestPriorityOrder(t *testing.T) {
	store := newGatedStore(t, fixture())
	open := store.gate(idA)
	d, backend := newDispatcher(t, store, 1)

	blocker := d.Read(idA, ReadOptions{}, PriorityMax)
	defer blocker.Release()
	<-store.started

	low := d.Read(idB, ReadOptions{}, PriorityLow)
	defer low.Release()
	high := d.Read(idC, ReadOptions{}, PriorityHigh)
	defer high.Release()
	require.Eventually(t, func() bool { return backend.Queued() == 2 }, time.Second, time.Millisecond)

	open()
	waitDone(t, low)
	waitDone(t, high)
	assert.Equal(t, []chunk.ID{idA, idC, idB}, store.readOrder())
}

func TestUpdatePriority(t *testing.T) {
	store := newGatedStore(t, fixture())
	open := store.gate(idA)
	d, backend := newDispatcher(t, store, 1)

	blocker := d.Read(idA, ReadOptions{}, PriorityMax)
	defer blocker.Release()
	<-store.started

	first := d.Read(idB, ReadOptions{}, PriorityLow)
	defer first.Release()
	second := d.Read(idC, ReadOptions{}, PriorityLow)
	defer second.Release()
	require.Eventually(t, func() bool { return backend.Queued() == 2 }, time.Second, time.Millisecond)

	second.UpdatePriority(PriorityHigh)
	// the reprioritization is applied on the service goroutine; a no-op
	// request round-trips through it
	probe := d.Read(idMissing, ReadOptions{}, PriorityMin)
	waitDone(t, probe)
	probe.Release()

	open()
	waitDone(t, first)
	waitDone(t, second)
	assert.Equal(t, []chunk.ID{idA, idC, idB}, store.readOrder())
}

func TestSizeMismatchFails(t *testing.T) {
	d, _ := newDispatcher(t, newGatedStore(t, fixture()), 1)

	r := d.Read(idA, ReadOptions{Offset: 4, Size: 100}, PriorityMedium)
	defer r.Release()
	waitDone(t, r)

	assert.Equal(t, StatusFailed, r.Status())
	_, err := r.Result()
	assert.ErrorIs(t, err, ErrSizeMismatch)
}

func TestOutOfBounds(t *testing.T) {
	d, _ := newDispatcher(t, newGatedStore(t, fixture()), 1)

	r := d.Read(idA, ReadOptions{Offset: 1000}, PriorityMedium)
	defer r.Release()
	waitDone(t, r)
	assert.Equal(t, StatusOutOfBounds, r.Status())
}

func TestBatchCallbackRunsOnceAfterAllRequests(t *testing.T) {
	d, _ := newDispatcher(t, newGatedStore(t, fixture()), 2)

	var perRequest atomic.Int32
	done := make(chan struct{})
	var calls atomic.Int32

	b := d.NewBatch()
	reqs := []Request{
		b.Read(idA, ReadOptions{Callback: func(Result) { perRequest.Add(1) }}, PriorityMedium),
		b.Read(idB, ReadOptions{Callback: func(Result) { perRequest.Add(1) }}, PriorityMedium),
		b.Read(idMissing, ReadOptions{Callback: func(Result) { perRequest.Add(1) }}, PriorityMedium),
	}
	assert.Equal(t, 3, b.Len())
	b.IssueWithCallback(func() {
		calls.Add(1)
		close(done)
	})

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("batch callback did not run")
	}
	assert.Equal(t, int32(3), perRequest.Load())
	assert.Equal(t, int32(1), calls.Load())

	for _, r := range reqs {
		assert.True(t, r.Status().IsDone())
		r.Release()
	}
}

func TestCallbackRunsBeforeWaitReturns(t *testing.T) {
	d, _ := newDispatcher(t, newGatedStore(t, fixture()), 1)

	var got Result
	r := d.Read(idC, ReadOptions{Callback: func(res Result) { got = res }}, PriorityMedium)
	defer r.Release()
	waitDone(t, r)

	assert.Equal(t, StatusOk, got.Status)
	assert.Equal(t, "package c", string(got.Data))
	assert.Equal(t, idC, got.ChunkID)
}

func TestMountOrderPrecedence(t *testing.T) {
	first := memory.New("first")
	second := memory.New("second")
	ctx := context.Background()
	require.NoError(t, first.Put(ctx, idA, []byte("from first")))
	require.NoError(t, second.Put(ctx, idA, []byte("from second")))
	require.NoError(t, second.Put(ctx, idB, []byte("only second")))

	d := New(Config{})
	defer d.Close()
	require.NoError(t, d.Mount(NewStoreBackend(first, StoreBackendConfig{})))
	require.NoError(t, d.Mount(NewStoreBackend(second, StoreBackendConfig{})))

	a := d.Read(idA, ReadOptions{}, PriorityMedium)
	defer a.Release()
	b := d.Read(idB, ReadOptions{}, PriorityMedium)
	defer b.Release()
	waitDone(t, a)
	waitDone(t, b)

	data, _ := a.Result()
	assert.Equal(t, "from first", string(data))
	data, _ = b.Result()
	assert.Equal(t, "only second", string(data))
}

func TestExistenceAndSizeQueries(t *testing.T) {
	d, _ := newDispatcher(t, newGatedStore(t, fixture()), 1)
	ctx := context.Background()

	ok, err := d.DoesChunkExist(ctx, idA)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = d.DoesChunkExist(ctx, idMissing)
	require.NoError(t, err)
	assert.False(t, ok)

	size, err := d.GetSizeForChunk(ctx, idB)
	require.NoError(t, err)
	assert.Equal(t, uint64(len("package b")), size)

	_, err = d.GetSizeForChunk(ctx, idMissing)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCloseCompletesOutstanding(t *testing.T) {
	store := newGatedStore(t, fixture())
	store.gate(idA)
	d := New(Config{})
	backend := NewStoreBackend(store, StoreBackendConfig{Workers: 1})
	require.NoError(t, d.Mount(backend))

	blocker := d.Read(idA, ReadOptions{}, PriorityMedium)
	defer blocker.Release()
	<-store.started
	queued := d.Read(idB, ReadOptions{}, PriorityMedium)
	defer queued.Release()
	require.Eventually(t, func() bool { return backend.Queued() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, d.Close())

	assert.Equal(t, StatusCancelled, queued.Status())
	assert.True(t, blocker.Status().IsDone())

	late := d.Read(idC, ReadOptions{}, PriorityMedium)
	defer late.Release()
	assert.Equal(t, StatusCancelled, late.Status())
	_, err := late.Result()
	assert.True(t, IsClosed(err))
	assert.ErrorIs(t, d.Mount(NewStoreBackend(store, StoreBackendConfig{})), ErrDispatcherClosed)
}

func TestReleaseBeforeIssue(t *testing.T) {
	d, _ := newDispatcher(t, newGatedStore(t, fixture()), 1)

	b := d.NewBatch()
	r := b.Read(idA, ReadOptions{}, PriorityMedium)
	assert.ErrorIs(t, r.Wait(context.Background()), ErrNotIssued)
	r.Release()
	assert.Equal(t, 0, d.Outstanding())
	b.Issue()
	assert.Equal(t, 0, d.Outstanding())
}

func TestManyConcurrentReads(t *testing.T) {
	store := memory.New("many")
	ctx := context.Background()
	ids := make([]chunk.ID, 64)
	for i := range ids {
		ids[i] = chunk.New(uint64(i+1), 0, chunk.TypeBulkData)
		require.NoError(t, store.Put(ctx, ids[i], []byte{byte(i)}))
	}
	d, _ := newDispatcher(t, store, 4)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b := d.NewBatch()
			reqs := make([]Request, len(ids))
			for i, id := range ids {
				reqs[i] = b.Read(id, ReadOptions{}, Priority(i))
			}
			b.Issue()
			for i, r := range reqs {
				if !assert.NoError(t, r.Wait(ctx)) {
					return
				}
				data, err := r.Result()
				assert.NoError(t, err)
				assert.Equal(t, []byte{byte(i)}, data)
				r.Release()
			}
		}()
	}
	wg.Wait()
	assert.Eventually(t, func() bool { return d.Outstanding() == 0 }, time.Second, time.Millisecond)
}

func TestStatusStrings(t *testing.T) {
	assert.Equal(t, "not_found", StatusNotFound.String())
	assert.Equal(t, "cancelled", StatusCancelled.String())
	assert.False(t, StatusPending.IsDone())
	assert.True(t, StatusOutOfBounds.IsDone())
}
