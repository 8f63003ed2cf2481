// Package memory provides an in-memory chunk store.
package memory

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/marmos91/pkgload/pkg/chunk"
	"github.com/marmos91/pkgload/pkg/chunkstore"
)

// Store is an in-memory implementation of chunkstore.WritableStore.
type Store struct {
	name   string
	mu     sync.RWMutex
	chunks map[chunk.ID][]byte
	closed bool

	reads atomic.Int64
}

// New creates an empty store.
func New(name string) *Store {
	if name == "" {
		name = "memory"
	}
	return &Store{
		name:   name,
		chunks: make(map[chunk.ID][]byte),
	}
}

// Name implements chunkstore.Store.
func (s *Store) Name() string {
	return s.name
}

// Put stores a copy of data.
func (s *Store) Put(_ context.Context, id chunk.ID, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return chunkstore.ErrStoreClosed
	}
	s.chunks[id] = bytes.Clone(data)
	return nil
}

// Delete removes a chunk.
func (s *Store) Delete(_ context.Context, id chunk.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return chunkstore.ErrStoreClosed
	}
	delete(s.chunks, id)
	return nil
}

// Exists implements chunkstore.Store.
func (s *Store) Exists(_ context.Context, id chunk.ID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return false, chunkstore.ErrStoreClosed
	}
	_, ok := s.chunks[id]
	return ok, nil
}

// Contains implements chunkstore.Indexed. A closed store holds nothing.
func (s *Store) Contains(id chunk.ID) bool {
	ok, _ := s.Exists(context.Background(), id)
	return ok
}

// Size implements chunkstore.Store.
func (s *Store) Size(_ context.Context, id chunk.ID) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, chunkstore.ErrStoreClosed
	}
	data, ok := s.chunks[id]
	if !ok {
		return 0, chunkstore.ErrChunkNotFound
	}
	return uint64(len(data)), nil
}

// Read implements chunkstore.Store.
func (s *Store) Read(_ context.Context, id chunk.ID, offset, length uint64) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, chunkstore.ErrStoreClosed
	}
	data, ok := s.chunks[id]
	if !ok {
		return nil, chunkstore.ErrChunkNotFound
	}
	n, err := chunkstore.ClampRange(uint64(len(data)), offset, length)
	if err != nil {
		return nil, err
	}
	s.reads.Add(1)
	return bytes.Clone(data[offset : offset+n]), nil
}

// List implements chunkstore.Store.
func (s *Store) List(_ context.Context) ([]chunk.ID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, chunkstore.ErrStoreClosed
	}
	ids := make([]chunk.ID, 0, len(s.chunks))
	for id := range s.chunks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return bytes.Compare(ids[i][:], ids[j][:]) < 0
	})
	return ids, nil
}

// Close marks the store as closed and drops its contents.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	s.chunks = nil
	return nil
}

// HealthCheck implements chunkstore.Store.
func (s *Store) HealthCheck(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return chunkstore.ErrStoreClosed
	}
	return nil
}

// Reads returns the number of successful physical reads (for testing).
func (s *Store) Reads() int64 {
	return s.reads.Load()
}

// Len returns the number of stored chunks.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.chunks)
}

var (
	_ chunkstore.WritableStore = (*Store)(nil)
	_ chunkstore.Indexed       = (*Store)(nil)
)
