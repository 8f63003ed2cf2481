// Package badger stores chunks in an embedded BadgerDB database.
//
// Keys are "chunk:" followed by the 16 raw id bytes, so a prefix iteration
// yields ids in byte order.
package badger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/marmos91/pkgload/internal/logger"
	"github.com/marmos91/pkgload/internal/telemetry"
	"github.com/marmos91/pkgload/pkg/chunk"
	"github.com/marmos91/pkgload/pkg/chunkstore"
)

const keyPrefix = "chunk:"

// Config configures a badger chunk store.
type Config struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path string

	// InMemory keeps the database in RAM.
	InMemory bool

	// SyncWrites fsyncs every write transaction.
	SyncWrites bool
}

// Store is a chunkstore.WritableStore backed by BadgerDB.
type Store struct {
	db   *badgerdb.DB
	name string

	mu     sync.RWMutex
	closed bool
}

var _ chunkstore.WritableStore = (*Store)(nil)

// Open opens or creates the database described by cfg.
func Open(cfg Config) (*Store, error) {
	var opts badgerdb.Options
	if cfg.InMemory {
		opts = badgerdb.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, errors.New("badger chunk store requires a path")
		}
		opts = badgerdb.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithLogger(badgerLogger{})

	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}

	name := "badger:" + cfg.Path
	if cfg.InMemory {
		name = "badger:memory"
	}
	return &Store{db: db, name: name}, nil
}

func chunkKey(id chunk.ID) []byte {
	k := make([]byte, 0, len(keyPrefix)+chunk.Size)
	k = append(k, keyPrefix...)
	return append(k, id[:]...)
}

func (s *Store) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return chunkstore.ErrStoreClosed
	}
	return nil
}

// Name identifies the store.
func (s *Store) Name() string {
	return s.name
}

// Put writes a chunk.
func (s *Store) Put(ctx context.Context, id chunk.ID, data []byte) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badgerdb.Txn) error {
		if err := txn.Set(chunkKey(id), data); err != nil {
			return fmt.Errorf("failed to store chunk %s: %w", id, err)
		}
		return nil
	})
}

// Delete removes a chunk.
func (s *Store) Delete(ctx context.Context, id chunk.ID) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Delete(chunkKey(id))
	})
}

// Exists reports whether the chunk is stored.
func (s *Store) Exists(ctx context.Context, id chunk.ID) (bool, error) {
	_, err := s.Size(ctx, id)
	if errors.Is(err, chunkstore.ErrChunkNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Size returns the stored value length.
func (s *Store) Size(ctx context.Context, id chunk.ID) (uint64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var size uint64
	err := s.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(chunkKey(id))
		if errors.Is(err, badgerdb.ErrKeyNotFound) {
			return chunkstore.ErrChunkNotFound
		}
		if err != nil {
			return err
		}
		size = uint64(item.ValueSize())
		return nil
	})
	return size, err
}

// Read copies a range of the value out of the transaction.
func (s *Store) Read(ctx context.Context, id chunk.ID, offset, length uint64) ([]byte, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	_, span := telemetry.StartChunkSpan(ctx, telemetry.SpanChunkRead, s.name,
		telemetry.ChunkID(id.String()), telemetry.Offset(offset))
	defer span.End()

	var out []byte
	err := s.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(chunkKey(id))
		if errors.Is(err, badgerdb.ErrKeyNotFound) {
			return chunkstore.ErrChunkNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			n, err := chunkstore.ClampRange(uint64(len(val)), offset, length)
			if err != nil {
				return err
			}
			out = make([]byte, n)
			copy(out, val[offset:offset+n])
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// List iterates the chunk key prefix without fetching values.
func (s *Store) List(ctx context.Context) ([]chunk.ID, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var ids []chunk.ID
	err := s.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			k := it.Item().Key()
			if len(k) != len(keyPrefix)+chunk.Size {
				continue
			}
			var id chunk.ID
			copy(id[:], k[len(keyPrefix):])
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks: %w", err)
	}
	return ids, nil
}

// Close closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// HealthCheck starts a read transaction to verify the database is usable.
func (s *Store) HealthCheck(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.db.View(func(*badgerdb.Txn) error { return nil }); err != nil {
		return fmt.Errorf("healthcheck failed: %w", err)
	}
	return nil
}

// badgerLogger routes badger's internal logging to the process logger.
type badgerLogger struct{}

func (badgerLogger) Errorf(format string, args ...any) {
	logger.Error(strings.TrimSpace(fmt.Sprintf(format, args...)), logger.KeyComponent, "badger")
}

func (badgerLogger) Warningf(format string, args ...any) {
	logger.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)), logger.KeyComponent, "badger")
}

func (badgerLogger) Infof(format string, args ...any) {
	logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)), logger.KeyComponent, "badger")
}

func (badgerLogger) Debugf(format string, args ...any) {
	logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)), logger.KeyComponent, "badger")
}

// CacheStats is a snapshot of one badger cache.
type CacheStats struct {
	Hits   uint64
	Misses uint64
	Ratio  float64
}

// CacheStats returns the block and index cache counters.
func (s *Store) CacheStats() (block, index CacheStats) {
	b, i := s.db.BlockCacheMetrics(), s.db.IndexCacheMetrics()
	block = CacheStats{Hits: b.Hits(), Misses: b.Misses(), Ratio: b.Ratio()}
	index = CacheStats{Hits: i.Hits(), Misses: i.Misses(), Ratio: i.Ratio()}
	return block, index
}
