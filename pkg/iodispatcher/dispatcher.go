// Package iodispatcher schedules chunk reads against mounted backends.
//
// Callers group reads in a Batch and Issue it; the batch is handed to a single
// service goroutine with one coalesced wake-up. The service goroutine resolves
// each request against the mounted backends in mount order, forwards
// cancellation and priority changes, and collects completed requests when a
// backend wakes it. Requests live in a slab; callers hold generation-checked
// handles and must Release them.
package iodispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/pkgload/internal/logger"
	"github.com/marmos91/pkgload/pkg/chunk"
	"github.com/marmos91/pkgload/pkg/slab"
)

// Config configures a Dispatcher.
type Config struct {
	// SlabChunk is the number of request slots allocated at a time.
	SlabChunk int

	// Metrics receives request outcomes. Optional.
	Metrics Metrics
}

// Dispatcher owns the request slab and the service goroutine.
type Dispatcher struct {
	requests *slab.Pool[BackendRequest]
	seq      atomic.Uint64
	metrics  Metrics

	mu            sync.Mutex
	submitted     []*BackendRequest
	cancels       []*BackendRequest
	reprioritized []*BackendRequest
	closed        bool

	backendsMu sync.RWMutex
	backends   []Backend

	wake      chan struct{}
	stop      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once

	// service goroutine only
	inflight map[*BackendRequest]struct{}
}

// New creates a dispatcher and starts its service goroutine.
func New(cfg Config) *Dispatcher {
	d := &Dispatcher{
		requests: slab.New[BackendRequest](cfg.SlabChunk),
		metrics:  cfg.Metrics,
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
		inflight: make(map[*BackendRequest]struct{}),
	}
	go d.run()
	return d
}

// Mount appends a backend. Backends mounted earlier take precedence.
func (d *Dispatcher) Mount(b Backend) error {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return ErrDispatcherClosed
	}
	if err := b.Initialize(d.signal); err != nil {
		return fmt.Errorf("initialize backend %s: %w", b.Name(), err)
	}

	d.backendsMu.Lock()
	d.backends = append(d.backends, b)
	d.backendsMu.Unlock()

	logger.Info("backend mounted", logger.KeyBackend, b.Name())
	return nil
}

// Backends returns the mounted backends in mount order.
func (d *Dispatcher) Backends() []Backend {
	d.backendsMu.RLock()
	defer d.backendsMu.RUnlock()
	return append([]Backend(nil), d.backends...)
}

// Read issues a single read.
func (d *Dispatcher) Read(id chunk.ID, opts ReadOptions, priority Priority) Request {
	b := d.NewBatch()
	r := b.Read(id, opts, priority)
	b.Issue()
	return r
}

// DoesChunkExist asks the mounted backends whether any holds id.
func (d *Dispatcher) DoesChunkExist(ctx context.Context, id chunk.ID) (bool, error) {
	var firstErr error
	for _, b := range d.Backends() {
		ok, err := b.DoesChunkExist(ctx, id)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if ok {
			return true, nil
		}
	}
	return false, firstErr
}

// GetSizeForChunk returns the size reported by the first backend holding id.
func (d *Dispatcher) GetSizeForChunk(ctx context.Context, id chunk.ID) (uint64, error) {
	for _, b := range d.Backends() {
		ok, err := b.DoesChunkExist(ctx, id)
		if err != nil || !ok {
			continue
		}
		return b.GetSizeForChunk(ctx, id)
	}
	return 0, &RequestError{ChunkID: id, Status: StatusNotFound, Err: ErrNotFound}
}

// Outstanding returns the number of live request slots.
func (d *Dispatcher) Outstanding() int {
	return d.requests.Len()
}

// Close stops the service goroutine and shuts every backend down. Requests
// still outstanding complete with StatusCancelled.
func (d *Dispatcher) Close() error {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		d.mu.Unlock()
		close(d.stop)
		<-d.stopped
	})
	return nil
}

func (d *Dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) submit(reqs []*BackendRequest) {
	if len(reqs) == 0 {
		return
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		for _, br := range reqs {
			br.Complete(nil, ErrDispatcherClosed)
			d.complete(br)
		}
		return
	}
	d.submitted = append(d.submitted, reqs...)
	d.mu.Unlock()
	d.signal()
}

func (d *Dispatcher) enqueueControl(queue *[]*BackendRequest, br *BackendRequest) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.dropRef(br)
		return
	}
	*queue = append(*queue, br)
	d.mu.Unlock()
	d.signal()
}

func (d *Dispatcher) dropRef(br *BackendRequest) {
	if br.refs.Add(-1) == 0 {
		_ = d.requests.Free(br.handle)
	}
}

func (d *Dispatcher) run() {
	defer close(d.stopped)
	for {
		select {
		case <-d.wake:
			d.service()
		case <-d.stop:
			d.shutdown()
			return
		}
	}
}

func (d *Dispatcher) takeQueues() (submitted, cancels, reprioritized []*BackendRequest) {
	d.mu.Lock()
	defer d.mu.Unlock()
	submitted, cancels, reprioritized = d.submitted, d.cancels, d.reprioritized
	d.submitted, d.cancels, d.reprioritized = nil, nil, nil
	return
}

func (d *Dispatcher) service() {
	submitted, cancels, reprioritized := d.takeQueues()
	backends := d.Backends()

	// control operations first so that they reach requests resolved in an
	// earlier pass before anything submitted later
	for _, br := range cancels {
		if !br.finished && br.backend != nil {
			br.backend.CancelRequest(br)
		}
		d.dropRef(br)
	}
	for _, br := range reprioritized {
		if !br.finished && br.backend != nil {
			br.backend.UpdatePriority(br)
		}
		d.dropRef(br)
	}
	for _, br := range submitted {
		d.resolve(br, backends)
	}
	for _, b := range backends {
		for _, br := range b.GetCompletedRequests() {
			if errors.Is(br.err, ErrDeclined) {
				d.resolveAfter(br, backends)
				continue
			}
			d.finish(br)
		}
	}
	if d.metrics != nil {
		d.metrics.SetInFlight(len(d.inflight))
	}
}

func (d *Dispatcher) resolve(br *BackendRequest, backends []Backend) {
	if br.cancelled.Load() {
		br.Complete(nil, ErrCancelled)
		d.complete(br)
		return
	}
	for _, b := range backends {
		if b.Resolve(br) {
			br.backend = b
			d.inflight[br] = struct{}{}
			return
		}
	}
	logger.Debug("chunk not resolved by any backend", logger.KeyChunkID, br.chunkID.String())
	br.Complete(nil, ErrNotFound)
	d.complete(br)
}

func (d *Dispatcher) finish(br *BackendRequest) {
	delete(d.inflight, br)
	if errors.Is(br.err, ErrDeclined) {
		br.err = ErrDispatcherClosed
	}
	d.complete(br)
}

// resolveAfter continues resolution of a request its backend declined with
// the backends mounted after it.
func (d *Dispatcher) resolveAfter(br *BackendRequest, backends []Backend) {
	delete(d.inflight, br)
	rest := backends[:0:0]
	for i, b := range backends {
		if b == br.backend {
			rest = backends[i+1:]
			break
		}
	}
	br.backend, br.BackendData = nil, nil
	br.Complete(nil, nil)
	d.resolve(br, rest)
}

// complete publishes the outcome of br, runs its callbacks and drops the
// dispatcher reference.
func (d *Dispatcher) complete(br *BackendRequest) {
	if br.finished {
		return
	}
	br.finished = true

	status := statusFor(br.err)
	switch {
	case br.cancelled.Load() && status != StatusCancelled:
		br.data, br.err = nil, ErrCancelled
		status = StatusCancelled
	case status == StatusOk && br.opts.Size > 0 && uint64(len(br.data)) != br.opts.Size:
		br.err = fmt.Errorf("%w: got %d bytes, want %d", ErrSizeMismatch, len(br.data), br.opts.Size)
		br.data = nil
		status = StatusFailed
	}
	if status != StatusOk {
		br.data = nil
		br.err = &RequestError{ChunkID: br.chunkID, Status: status, Err: br.err}
		if status == StatusFailed || status == StatusCorrupt {
			logger.Warn("chunk read failed",
				logger.KeyChunkID, br.chunkID.String(),
				logger.KeyStatus, status.String(),
				logger.Err(br.err))
		}
	}
	br.status.Store(int32(status))

	if d.metrics != nil {
		name := "none"
		if br.backend != nil {
			name = br.backend.Name()
		}
		latency := 0.0
		if !br.issuedAt.IsZero() {
			latency = time.Since(br.issuedAt).Seconds()
		}
		d.metrics.ObserveRequest(name, status, len(br.data), latency)
	}

	if cb := br.opts.Callback; cb != nil {
		cb(Result{ChunkID: br.chunkID, Status: status, Data: br.data, Err: br.err})
	}
	close(br.done)

	if br.batch != nil && br.batch.remaining.Add(-1) == 0 {
		br.batch.callback()
	}
	d.dropRef(br)
}

func (d *Dispatcher) shutdown() {
	submitted, cancels, reprioritized := d.takeQueues()
	for _, br := range submitted {
		br.Complete(nil, ErrDispatcherClosed)
		d.complete(br)
	}
	for _, br := range append(cancels, reprioritized...) {
		d.dropRef(br)
	}

	backends := d.Backends()
	for _, b := range backends {
		b.Shutdown()
	}
	for _, b := range backends {
		for _, br := range b.GetCompletedRequests() {
			d.finish(br)
		}
	}
	for br := range d.inflight {
		br.Complete(nil, ErrDispatcherClosed)
		d.finish(br)
	}
	if n := len(d.inflight); n != 0 {
		logger.Error("dispatcher closed with unfinished requests", logger.KeyCount, n)
	}
}

// IsClosed reports whether err comes from a closed dispatcher.
func IsClosed(err error) bool {
	return errors.Is(err, ErrDispatcherClosed)
}
