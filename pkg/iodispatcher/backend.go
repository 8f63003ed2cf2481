package iodispatcher

import (
	"context"

	"github.com/marmos91/pkgload/pkg/chunk"
)

// Backend resolves chunk ids to physical reads. Backends are tried in mount
// order; the first whose Resolve returns true owns the request until it hands
// it back through GetCompletedRequests.
//
// Resolve, CancelRequest, UpdatePriority and GetCompletedRequests are only
// called from the dispatcher service goroutine. Backends complete reads on
// their own goroutines and call the wake function passed to Initialize.
type Backend interface {
	// Name identifies the backend in logs and metrics.
	Name() string

	// Initialize is called once by Mount.
	Initialize(wake func()) error

	// Resolve claims r if this backend may hold its chunk and schedules the
	// read. It runs on the service goroutine and must not block on I/O; a
	// backend that cannot tell without I/O claims r and later completes it
	// with ErrDeclined if the chunk is absent.
	Resolve(r *BackendRequest) bool

	// CancelRequest drops r if its read has not started yet. A dropped request
	// is completed with ErrCancelled.
	CancelRequest(r *BackendRequest)

	// UpdatePriority reorders r after its priority changed.
	UpdatePriority(r *BackendRequest)

	// DoesChunkExist and GetSizeForChunk answer without issuing a read.
	DoesChunkExist(ctx context.Context, id chunk.ID) (bool, error)
	GetSizeForChunk(ctx context.Context, id chunk.ID) (uint64, error)

	// GetCompletedRequests returns and forgets the requests completed since
	// the previous call.
	GetCompletedRequests() []*BackendRequest

	// Shutdown stops the backend. When it returns no goroutine of the backend
	// touches a request any more; unfinished requests are reported completed.
	Shutdown()
}

// Metrics receives dispatcher events. A nil Metrics disables instrumentation.
type Metrics interface {
	ObserveRequest(backend string, status Status, bytes int, latencySeconds float64)
	SetInFlight(n int)
}
