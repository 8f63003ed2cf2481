package iodispatcher

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/marmos91/pkgload/pkg/chunk"
	"github.com/marmos91/pkgload/pkg/slab"
)

// ErrPending is returned by Result while a request has not completed.
var ErrPending = errors.New("request still pending")

// ReadOptions selects the byte range of a chunk to read.
type ReadOptions struct {
	Offset uint64

	// Size is the number of bytes to read. Zero reads to the end of the chunk.
	// A non-zero Size that the backend cannot satisfy fails the request.
	Size uint64

	// Callback runs on the dispatcher service goroutine once the request
	// completes, before Wait returns.
	Callback func(Result)
}

// Result is the outcome of a completed request.
type Result struct {
	ChunkID chunk.ID
	Status  Status
	Data    []byte
	Err     error
}

// BackendRequest is the dispatcher-side state of one read. Backends receive
// it from Resolve, record the outcome with Complete and hand it back through
// GetCompletedRequests.
type BackendRequest struct {
	chunkID chunk.ID
	opts    ReadOptions
	handle  slab.Handle
	seq     uint64

	priority  atomic.Int32
	status    atomic.Int32
	cancelled atomic.Bool

	// refs counts the caller handle, the dispatcher and queued control
	// operations. The slot is freed when it reaches zero.
	refs     atomic.Int32
	released atomic.Bool

	batch    *batchState
	issuedAt time.Time
	done     chan struct{}

	// service goroutine only
	backend  Backend
	finished bool

	// BackendData is scratch space owned by the resolving backend.
	BackendData any

	data []byte
	err  error
}

// ChunkID returns the chunk being read.
func (r *BackendRequest) ChunkID() chunk.ID { return r.chunkID }

// Offset returns the first byte to read.
func (r *BackendRequest) Offset() uint64 { return r.opts.Offset }

// Size returns the number of bytes requested, zero meaning to the end.
func (r *BackendRequest) Size() uint64 { return r.opts.Size }

// Priority returns the current priority.
func (r *BackendRequest) Priority() Priority { return Priority(r.priority.Load()) }

// Seq returns the issue order of the request, used to break priority ties.
func (r *BackendRequest) Seq() uint64 { return r.seq }

// IsCancelled reports whether the caller asked to cancel the request.
func (r *BackendRequest) IsCancelled() bool { return r.cancelled.Load() }

// Complete records the outcome of the physical read.
func (r *BackendRequest) Complete(data []byte, err error) {
	r.data = data
	r.err = err
}

// Request is a caller handle to a read. It stays valid until Release.
type Request struct {
	d *Dispatcher
	h slab.Handle
}

// IsZero reports whether r is the zero Request.
func (r Request) IsZero() bool {
	return r.d == nil || r.h.IsZero()
}

func (r Request) get() (*BackendRequest, error) {
	if r.IsZero() {
		return nil, slab.ErrStaleHandle
	}
	br, err := r.d.requests.Get(r.h)
	if err != nil {
		return nil, err
	}
	if br.released.Load() {
		return nil, slab.ErrStaleHandle
	}
	return br, nil
}

// Status returns the current status. Released requests report StatusUnknown.
func (r Request) Status() Status {
	br, err := r.get()
	if err != nil {
		return StatusUnknown
	}
	return Status(br.status.Load())
}

// Wait blocks until the request completes or ctx is done.
func (r Request) Wait(ctx context.Context) error {
	br, err := r.get()
	if err != nil {
		return err
	}
	if Status(br.status.Load()) == StatusUnknown {
		return ErrNotIssued
	}
	select {
	case <-br.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Result returns the bytes read, or a *RequestError for any status but Ok.
func (r Request) Result() ([]byte, error) {
	br, err := r.get()
	if err != nil {
		return nil, err
	}
	st := Status(br.status.Load())
	if !st.IsDone() {
		return nil, ErrPending
	}
	return br.data, br.err
}

// Cancel asks the dispatcher to cancel the request. It is a no-op once the
// request completed. A request cancelled before its backend read starts never
// reaches the store.
func (r Request) Cancel() {
	br, err := r.get()
	if err != nil || Status(br.status.Load()).IsDone() {
		return
	}
	br.cancelled.Store(true)
	br.refs.Add(1)
	r.d.enqueueControl(&r.d.cancels, br)
}

// UpdatePriority changes the priority of a queued request.
func (r Request) UpdatePriority(p Priority) {
	br, err := r.get()
	if err != nil || Status(br.status.Load()).IsDone() {
		return
	}
	br.priority.Store(int32(p))
	br.refs.Add(1)
	r.d.enqueueControl(&r.d.reprioritized, br)
}

// Release gives up the handle. A request released before its batch was issued
// is dropped.
func (r Request) Release() {
	if r.IsZero() {
		return
	}
	br, err := r.d.requests.Get(r.h)
	if err != nil || !br.released.CompareAndSwap(false, true) {
		return
	}
	if br.status.CompareAndSwap(int32(StatusUnknown), int32(StatusCancelled)) {
		// never issued: drop the dispatcher reference as well
		r.d.dropRef(br)
	}
	r.d.dropRef(br)
}
