// Package chunkstore defines the content-addressed byte store the I/O
// dispatcher reads package data from.
//
// A Store maps opaque chunk ids to immutable byte ranges. Implementations:
//   - memory: in-process map, used by tests and the cook pipeline
//   - container: read-only on-disk container file pair with a block cache
//   - s3: one object per chunk in a bucket
//   - badger: embedded key-value store
package chunkstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/marmos91/pkgload/pkg/chunk"
)

// Common errors returned by Store implementations.
var (
	// ErrChunkNotFound is returned when the store does not hold a chunk.
	ErrChunkNotFound = errors.New("chunk not found")

	// ErrStoreClosed is returned when operations are attempted on a closed store.
	ErrStoreClosed = errors.New("store is closed")

	// ErrOutOfRange is returned when a read starts past the end of a chunk.
	ErrOutOfRange = errors.New("read outside chunk bounds")

	// ErrCorrupt is returned when stored bytes fail validation.
	ErrCorrupt = errors.New("corrupt chunk data")

	// ErrReadOnly is returned by Put/Delete on stores that cannot be written.
	ErrReadOnly = errors.New("store is read-only")
)

// Store is a read interface over chunk contents.
type Store interface {
	// Name identifies the store in logs and metrics.
	Name() string

	// Exists reports whether the chunk is present.
	Exists(ctx context.Context, id chunk.ID) (bool, error)

	// Size returns the length of the chunk in bytes.
	// Returns ErrChunkNotFound if the chunk doesn't exist.
	Size(ctx context.Context, id chunk.ID) (uint64, error)

	// Read returns length bytes starting at offset. A length of zero reads to
	// the end of the chunk. Reads are clamped at the end of the chunk; an
	// offset past the end returns ErrOutOfRange.
	Read(ctx context.Context, id chunk.ID, offset, length uint64) ([]byte, error)

	// List returns every chunk id in the store, sorted.
	List(ctx context.Context) ([]chunk.ID, error)

	// Close releases any resources held by the store.
	Close() error

	// HealthCheck verifies the store is accessible and operational.
	HealthCheck(ctx context.Context) error
}

// Indexed is implemented by stores that answer existence from an in-process
// index. Contains must not block on I/O.
type Indexed interface {
	Contains(id chunk.ID) bool
}

// WritableStore is a Store that accepts new chunks.
type WritableStore interface {
	Store

	// Put stores data under id, replacing any previous contents.
	Put(ctx context.Context, id chunk.ID, data []byte) error

	// Delete removes a chunk. Deleting a missing chunk is not an error.
	Delete(ctx context.Context, id chunk.ID) error
}

// ClampRange validates a read of [offset, offset+length) against a chunk of
// the given size and returns the effective length.
func ClampRange(size, offset, length uint64) (uint64, error) {
	if offset > size || (offset == size && size != 0) {
		return 0, fmt.Errorf("%w: offset %d, size %d", ErrOutOfRange, offset, size)
	}
	remaining := size - offset
	if length == 0 || length > remaining {
		return remaining, nil
	}
	return length, nil
}
