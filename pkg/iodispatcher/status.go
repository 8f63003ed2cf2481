package iodispatcher

import (
	"errors"
	"fmt"
	"math"

	"github.com/marmos91/pkgload/pkg/chunk"
	"github.com/marmos91/pkgload/pkg/chunkstore"
)

// Status is the completion state of a read request.
type Status int32

const (
	StatusUnknown Status = iota
	StatusPending
	StatusOk
	StatusNotFound
	StatusCancelled
	StatusFailed
	StatusCorrupt
	StatusOutOfBounds
)

func (s Status) String() string {
	switch s {
	case StatusUnknown:
		return "unknown"
	case StatusPending:
		return "pending"
	case StatusOk:
		return "ok"
	case StatusNotFound:
		return "not_found"
	case StatusCancelled:
		return "cancelled"
	case StatusFailed:
		return "failed"
	case StatusCorrupt:
		return "corrupt"
	case StatusOutOfBounds:
		return "out_of_bounds"
	default:
		return fmt.Sprintf("status(%d)", int32(s))
	}
}

// IsDone reports whether s is a terminal status.
func (s Status) IsDone() bool {
	return s >= StatusOk
}

// Priority orders queued reads; larger values are served first.
type Priority int32

const (
	PriorityMin    Priority = math.MinInt32
	PriorityLow    Priority = -100
	PriorityMedium Priority = 0
	PriorityHigh   Priority = 100
	PriorityMax    Priority = math.MaxInt32
)

// Errors reported through RequestError.
var (
	// ErrNotFound is returned when no mounted backend resolves a chunk.
	ErrNotFound = errors.New("chunk not found in any mounted backend")

	// ErrDeclined is recorded by a backend that claimed a request it turns
	// out not to hold. The dispatcher then tries the backends mounted after
	// it; callers never see this error.
	ErrDeclined = errors.New("chunk declined by backend")

	// ErrCancelled is returned for requests cancelled before completion.
	ErrCancelled = errors.New("request cancelled")

	// ErrSizeMismatch is returned when a backend returns fewer bytes than requested.
	ErrSizeMismatch = errors.New("read size mismatch")

	// ErrDispatcherClosed is returned for requests issued to, or outstanding
	// in, a closed dispatcher.
	ErrDispatcherClosed = errors.New("dispatcher is closed")

	// ErrNotIssued is returned when waiting on a request whose batch was never issued.
	ErrNotIssued = errors.New("request was not issued")
)

// RequestError carries the chunk and status of a failed request.
type RequestError struct {
	ChunkID chunk.ID
	Status  Status
	Err     error
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("read %s: %s: %v", e.ChunkID, e.Status, e.Err)
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// statusFor maps a backend read error to a request status.
func statusFor(err error) Status {
	switch {
	case err == nil:
		return StatusOk
	case errors.Is(err, chunkstore.ErrChunkNotFound), errors.Is(err, ErrNotFound):
		return StatusNotFound
	case errors.Is(err, chunkstore.ErrOutOfRange):
		return StatusOutOfBounds
	case errors.Is(err, chunkstore.ErrCorrupt):
		return StatusCorrupt
	case errors.Is(err, ErrCancelled), errors.Is(err, ErrDispatcherClosed):
		return StatusCancelled
	default:
		return StatusFailed
	}
}
