package iodispatcher

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/marmos91/pkgload/internal/logger"
	"github.com/marmos91/pkgload/pkg/chunk"
	"github.com/marmos91/pkgload/pkg/chunkstore"
)

// DefaultWorkers is the worker count of a StoreBackend when none is configured.
const DefaultWorkers = 4

// StoreBackendConfig configures a StoreBackend.
type StoreBackendConfig struct {
	// Workers is the number of concurrent physical reads.
	Workers int
}

// StoreBackend serves requests from a chunkstore.Store through a worker pool
// fed by a priority queue (higher priority first, then issue order).
type StoreBackend struct {
	store   chunkstore.Store
	workers int

	ctx    context.Context
	cancel context.CancelFunc
	wake   func()

	mu        sync.Mutex
	cond      *sync.Cond
	queue     queuedReads
	completed []*BackendRequest
	closed    bool
	wg        sync.WaitGroup

	reads atomic.Uint64
}

var _ Backend = (*StoreBackend)(nil)

// NewStoreBackend wraps store. Workers start on Initialize.
func NewStoreBackend(store chunkstore.Store, cfg StoreBackendConfig) *StoreBackend {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &StoreBackend{
		store:   store,
		workers: cfg.Workers,
		ctx:     ctx,
		cancel:  cancel,
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Name returns the wrapped store name.
func (b *StoreBackend) Name() string {
	return b.store.Name()
}

// Store returns the wrapped store.
func (b *StoreBackend) Store() chunkstore.Store {
	return b.store
}

// Reads returns the number of physical reads started.
func (b *StoreBackend) Reads() uint64 {
	return b.reads.Load()
}

// Initialize starts the workers.
func (b *StoreBackend) Initialize(wake func()) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.wake != nil {
		return errors.New("store backend already initialized")
	}
	b.wake = wake
	for i := 0; i < b.workers; i++ {
		b.wg.Add(1)
		go b.worker()
	}
	return nil
}

// Resolve claims r when the store holds its chunk. Stores with an in-process
// index are asked directly; any other store is claimed speculatively and
// checked by the worker, off the service goroutine.
func (b *StoreBackend) Resolve(r *BackendRequest) bool {
	probe := true
	if idx, ok := b.store.(chunkstore.Indexed); ok {
		if !idx.Contains(r.ChunkID()) {
			return false
		}
		probe = false
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	heap.Push(&b.queue, &queuedRead{req: r, priority: r.Priority(), probe: probe})
	b.cond.Signal()
	return true
}

// CancelRequest removes r from the queue if no worker picked it yet.
func (b *StoreBackend) CancelRequest(r *BackendRequest) {
	b.mu.Lock()
	q, ok := r.BackendData.(*queuedRead)
	if !ok || q.index < 0 {
		b.mu.Unlock()
		return
	}
	heap.Remove(&b.queue, q.index)
	r.Complete(nil, ErrCancelled)
	b.completed = append(b.completed, r)
	b.mu.Unlock()
	b.wake()
}

// UpdatePriority reorders a queued request.
func (b *StoreBackend) UpdatePriority(r *BackendRequest) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := r.BackendData.(*queuedRead)
	if !ok || q.index < 0 {
		return
	}
	q.priority = r.Priority()
	heap.Fix(&b.queue, q.index)
}

// DoesChunkExist asks the store.
func (b *StoreBackend) DoesChunkExist(ctx context.Context, id chunk.ID) (bool, error) {
	return b.store.Exists(ctx, id)
}

// GetSizeForChunk asks the store.
func (b *StoreBackend) GetSizeForChunk(ctx context.Context, id chunk.ID) (uint64, error) {
	return b.store.Size(ctx, id)
}

// GetCompletedRequests returns the requests completed since the last call.
func (b *StoreBackend) GetCompletedRequests() []*BackendRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	done := b.completed
	b.completed = nil
	return done
}

// Shutdown stops the workers. Queued requests complete as cancelled.
func (b *StoreBackend) Shutdown() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for b.queue.Len() > 0 {
		q := heap.Pop(&b.queue).(*queuedRead)
		q.req.Complete(nil, ErrDispatcherClosed)
		b.completed = append(b.completed, q.req)
	}
	b.cond.Broadcast()
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()
}

func (b *StoreBackend) worker() {
	defer b.wg.Done()
	for {
		b.mu.Lock()
		for b.queue.Len() == 0 && !b.closed {
			b.cond.Wait()
		}
		if b.closed {
			b.mu.Unlock()
			return
		}
		q := heap.Pop(&b.queue).(*queuedRead)
		b.mu.Unlock()

		b.serve(q)

		b.mu.Lock()
		b.completed = append(b.completed, q.req)
		b.mu.Unlock()
		b.wake()
	}
}

// serve completes one popped request. A request cancelled while queued
// never reaches the store.
func (b *StoreBackend) serve(q *queuedRead) {
	r := q.req
	if r.IsCancelled() {
		r.Complete(nil, ErrCancelled)
		return
	}
	if q.probe {
		ok, err := b.store.Exists(b.ctx, r.ChunkID())
		if err != nil {
			logger.Warn("backend existence check failed",
				logger.KeyBackend, b.Name(), logger.KeyChunkID, r.ChunkID().String(), logger.Err(err))
		}
		if !ok {
			r.Complete(nil, ErrDeclined)
			return
		}
		if r.IsCancelled() {
			r.Complete(nil, ErrCancelled)
			return
		}
	}
	b.reads.Add(1)
	data, err := b.store.Read(b.ctx, r.ChunkID(), r.Offset(), r.Size())
	r.Complete(data, err)
}

// queuedRead is a heap entry; index is -1 once popped or removed.
type queuedRead struct {
	req      *BackendRequest
	priority Priority
	probe    bool
	index    int
}

type queuedReads []*queuedRead

func (q queuedReads) Len() int { return len(q) }

func (q queuedReads) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority > q[j].priority
	}
	return q[i].req.Seq() < q[j].req.Seq()
}

func (q queuedReads) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *queuedReads) Push(x any) {
	e := x.(*queuedRead)
	e.index = len(*q)
	e.req.BackendData = e
	*q = append(*q, e)
}

func (q *queuedReads) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*q = old[:n-1]
	return e
}

// Queued returns the number of requests waiting for a worker.
func (b *StoreBackend) Queued() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.queue.Len()
}
