// Package container reads and writes on-disk chunk containers.
//
// A container is a file pair: a TOC (.ptoc) mapping chunk ids to ranges of
// one logical uncompressed stream, and a data file (.pcas) holding that stream
// cut into independently compressed blocks. Readers decode blocks through a
// shared blockcache.Cache so that concurrent reads of neighbouring chunks
// decompress each block once.
package container

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/klauspost/compress/zstd"
	"github.com/marmos91/pkgload/internal/logger"
	"github.com/marmos91/pkgload/internal/telemetry"
	"github.com/marmos91/pkgload/pkg/blockcache"
	"github.com/marmos91/pkgload/pkg/chunk"
	"github.com/marmos91/pkgload/pkg/chunkstore"
)

// Config configures a container reader.
type Config struct {
	// Cache is the shared block cache. Nil reads every block straight from disk.
	Cache *blockcache.Cache
}

// Store is a read-only chunkstore.Store over one container.
type Store struct {
	name  string
	toc   *TOC
	data  *os.File
	index map[chunk.ID]Entry

	cache  *blockcache.Cache
	fileID uint32

	decOnce sync.Once
	dec     *zstd.Decoder
	decErr  error

	closed    atomic.Bool
	blockRead atomic.Uint64
}

var (
	_ chunkstore.Store   = (*Store)(nil)
	_ chunkstore.Indexed = (*Store)(nil)
)

// Open opens the container whose TOC is at tocPath. The data file is expected
// next to it with the DataExt extension.
func Open(tocPath string, cfg Config) (*Store, error) {
	f, err := os.Open(tocPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open container toc: %w", err)
	}
	toc, err := ReadTOC(f)
	_ = f.Close()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", tocPath, err)
	}

	dataPath := strings.TrimSuffix(tocPath, TOCExt) + DataExt
	data, err := os.Open(dataPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open container data: %w", err)
	}

	if cfg.Cache != nil && int(toc.BlockSize) > cfg.Cache.BlockSize() {
		_ = data.Close()
		return nil, fmt.Errorf("container block size %d exceeds cache block size %d",
			toc.BlockSize, cfg.Cache.BlockSize())
	}

	s := &Store{
		name:  strings.TrimSuffix(filepath.Base(tocPath), TOCExt),
		toc:   toc,
		data:  data,
		index: make(map[chunk.ID]Entry, len(toc.Entries)),
		cache: cfg.Cache,
	}
	for _, e := range toc.Entries {
		s.index[e.ID] = e
	}
	if s.cache != nil {
		s.fileID = s.cache.RegisterFile()
	}

	logger.Debug("container opened",
		logger.KeyContainer, s.name,
		logger.KeyCount, len(toc.Entries),
		"guid", toc.GUID.String())
	return s, nil
}

// Name returns the container name.
func (s *Store) Name() string {
	return s.name
}

// TOC returns the decoded table of contents.
func (s *Store) TOC() *TOC {
	return s.toc
}

// BlockReads returns how many blocks were read from disk.
func (s *Store) BlockReads() uint64 {
	return s.blockRead.Load()
}

// Exists reports whether the container holds id.
func (s *Store) Exists(_ context.Context, id chunk.ID) (bool, error) {
	if s.closed.Load() {
		return false, chunkstore.ErrStoreClosed
	}
	_, ok := s.index[id]
	return ok, nil
}

// Contains reports whether the TOC lists id.
func (s *Store) Contains(id chunk.ID) bool {
	ok, _ := s.Exists(context.Background(), id)
	return ok
}

// Size returns the uncompressed length of a chunk.
func (s *Store) Size(_ context.Context, id chunk.ID) (uint64, error) {
	if s.closed.Load() {
		return 0, chunkstore.ErrStoreClosed
	}
	e, ok := s.index[id]
	if !ok {
		return 0, chunkstore.ErrChunkNotFound
	}
	return e.Length, nil
}

// List returns every chunk id in the container, sorted.
func (s *Store) List(_ context.Context) ([]chunk.ID, error) {
	if s.closed.Load() {
		return nil, chunkstore.ErrStoreClosed
	}
	ids := make([]chunk.ID, 0, len(s.index))
	for id := range s.index {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return lessID(ids[i], ids[j]) })
	return ids, nil
}

// Read returns a range of a chunk, decoding the covering blocks.
func (s *Store) Read(ctx context.Context, id chunk.ID, offset, length uint64) ([]byte, error) {
	if s.closed.Load() {
		return nil, chunkstore.ErrStoreClosed
	}
	e, ok := s.index[id]
	if !ok {
		return nil, chunkstore.ErrChunkNotFound
	}
	n, err := chunkstore.ClampRange(e.Length, offset, length)
	if err != nil {
		return nil, err
	}

	ctx, span := telemetry.StartChunkSpan(ctx, telemetry.SpanChunkRead, s.name,
		telemetry.ChunkID(id.String()), telemetry.Offset(offset), telemetry.Size(n))
	defer span.End()

	out := make([]byte, n)
	if n == 0 {
		return out, nil
	}

	bs := uint64(s.toc.BlockSize)
	start := e.Offset + offset
	first := start / bs
	last := (start + n - 1) / bs
	blocks := int(last - first + 1)

	direct := s.cache == nil || s.cache.Bypass(blocks)
	telemetry.SetAttributes(ctx, telemetry.CacheHit(!direct))

	pos := uint64(0)
	for b := first; b <= last; b++ {
		inBlock := 0
		if b == first {
			inBlock = int(start - first*bs)
		}
		var (
			cn  int
			err error
		)
		if direct {
			cn, err = s.readDirect(b, out[pos:], inBlock)
		} else {
			block := b
			cn, err = s.cache.Read(ctx, blockcache.Key{File: s.fileID, Block: block}, out[pos:], inBlock,
				func(buf []byte) (int, error) { return s.decodeBlock(block, buf) })
		}
		if err != nil {
			telemetry.RecordError(ctx, err)
			return nil, err
		}
		pos += uint64(cn)
	}
	if pos != n {
		return nil, fmt.Errorf("%w: short read of %s (%d of %d bytes)", chunkstore.ErrCorrupt, id, pos, n)
	}
	return out, nil
}

func (s *Store) readDirect(block uint64, dst []byte, offset int) (int, error) {
	buf := make([]byte, s.toc.BlockSize)
	n, err := s.decodeBlock(block, buf)
	if err != nil {
		return 0, err
	}
	if offset > n {
		return 0, fmt.Errorf("%w: block %d offset %d", chunkstore.ErrCorrupt, block, offset)
	}
	return copy(dst, buf[offset:n]), nil
}

// decodeBlock reads block from the data file and decodes it into buf.
func (s *Store) decodeBlock(block uint64, buf []byte) (int, error) {
	if block >= uint64(len(s.toc.Blocks)) {
		return 0, fmt.Errorf("%w: block %d of %d", chunkstore.ErrCorrupt, block, len(s.toc.Blocks))
	}
	b := s.toc.Blocks[block]
	raw := make([]byte, b.CompressedSize)
	if _, err := s.data.ReadAt(raw, int64(b.FileOffset)); err != nil {
		return 0, fmt.Errorf("read container block %d: %w", block, err)
	}
	s.blockRead.Add(1)

	switch b.Method {
	case CompressionNone:
		if len(raw) != int(b.UncompressedSize) {
			return 0, fmt.Errorf("%w: raw block %d size mismatch", chunkstore.ErrCorrupt, block)
		}
		return copy(buf, raw), nil
	case CompressionZstd:
		dec, err := s.decoder()
		if err != nil {
			return 0, err
		}
		out, err := dec.DecodeAll(raw, buf[:0])
		if err != nil {
			return 0, fmt.Errorf("%w: block %d: %v", chunkstore.ErrCorrupt, block, err)
		}
		if len(out) != int(b.UncompressedSize) {
			return 0, fmt.Errorf("%w: block %d decoded to %d bytes, want %d",
				chunkstore.ErrCorrupt, block, len(out), b.UncompressedSize)
		}
		return len(out), nil
	default:
		return 0, fmt.Errorf("%w: block %d uses %s", chunkstore.ErrCorrupt, block, b.Method)
	}
}

func (s *Store) decoder() (*zstd.Decoder, error) {
	s.decOnce.Do(func() {
		s.dec, s.decErr = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	})
	return s.dec, s.decErr
}

// Close releases the data file and drops cached blocks.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.cache != nil {
		s.cache.Invalidate(s.fileID)
	}
	if s.dec != nil {
		s.dec.Close()
	}
	return s.data.Close()
}

// HealthCheck verifies the data file is still readable.
func (s *Store) HealthCheck(_ context.Context) error {
	if s.closed.Load() {
		return chunkstore.ErrStoreClosed
	}
	if _, err := s.data.Stat(); err != nil {
		return fmt.Errorf("container %s: %w", s.name, err)
	}
	return nil
}

// Discover returns the TOC paths found directly in dir, sorted.
func Discover(dir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*"+TOCExt))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}
