package container

import (
	"bytes"
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/marmos91/pkgload/pkg/blockcache"
	"github.com/marmos91/pkgload/pkg/chunk"
	"github.com/marmos91/pkgload/pkg/chunkstore"
	"github.com/marmos91/pkgload/pkg/chunkstore/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeContainer(t *testing.T, dir, name string, cfg WriterConfig, chunks map[chunk.ID][]byte) string {
	t.Helper()
	w, err := Create(dir, name, cfg)
	require.NoError(t, err)
	for id, data := range chunks {
		require.NoError(t, w.Add(id, data))
	}
	_, err = w.Finalize()
	require.NoError(t, err)
	return filepath.Join(dir, name+TOCExt)
}

func smallBlocks() WriterConfig {
	cfg := DefaultWriterConfig()
	cfg.BlockSize = 16 << 10
	return cfg
}

func TestContainerStoreConformance(t *testing.T) {
	cache := blockcache.New(blockcache.Config{BlockSize: 64 << 10, Capacity: 8}, nil)

	storetest.Run(t, func(t *testing.T, chunks map[chunk.ID][]byte) chunkstore.Store {
		path := writeContainer(t, t.TempDir(), "conformance", smallBlocks(), chunks)
		s, err := Open(path, Config{Cache: cache})
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestContainerStoreUncached(t *testing.T) {
	storetest.Run(t, func(t *testing.T, chunks map[chunk.ID][]byte) chunkstore.Store {
		cfg := smallBlocks()
		cfg.Compression = CompressionNone
		path := writeContainer(t, t.TempDir(), "raw", cfg, chunks)
		s, err := Open(path, Config{})
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestTOCRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := writeContainer(t, dir, "hero", smallBlocks(), storetest.Fixture())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	toc, err := ReadTOC(f)
	require.NoError(t, err)
	assert.Len(t, toc.Entries, len(storetest.Fixture()))
	assert.Equal(t, uint32(16<<10), toc.BlockSize)
	assert.NotZero(t, toc.ContainerID)

	raw, err := toc.MarshalBinary()
	require.NoError(t, err)
	var again TOC
	require.NoError(t, again.UnmarshalBinary(raw))
	assert.Equal(t, toc.GUID, again.GUID)
	assert.Equal(t, toc.Entries, again.Entries)
	assert.Equal(t, toc.Blocks, again.Blocks)
}

func TestTOCValidation(t *testing.T) {
	toc := TOC{
		BlockSize: 1024,
		Entries:   []Entry{{ID: chunk.New(1, 0, chunk.TypeMeta), Offset: 0, Length: 2048}},
		Blocks:    []Block{{FileOffset: 0, CompressedSize: 1024, UncompressedSize: 1024}},
	}
	raw, err := toc.MarshalBinary()
	require.NoError(t, err)

	var out TOC
	assert.ErrorIs(t, out.UnmarshalBinary(raw), ErrBadTOC)
	assert.ErrorIs(t, out.UnmarshalBinary(raw[:10]), ErrBadTOC)

	bad := bytes.Clone(raw)
	bad[0] = 'X'
	assert.ErrorIs(t, out.UnmarshalBinary(bad), ErrBadTOC)
}

func TestIncompressibleBlocksStoredRaw(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	noise := make([]byte, 40_000)
	rng.Read(noise)
	id := chunk.New(7, 0, chunk.TypeBulkData)

	path := writeContainer(t, t.TempDir(), "noise", smallBlocks(), map[chunk.ID][]byte{id: noise})
	s, err := Open(path, Config{})
	require.NoError(t, err)
	defer s.Close()

	for _, b := range s.TOC().Blocks {
		assert.Equal(t, CompressionNone, b.Method)
	}
	got, err := s.Read(context.Background(), id, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, noise, got)
}

func TestCompressibleBlocksUseZstd(t *testing.T) {
	id := chunk.New(8, 0, chunk.TypeBulkData)
	data := bytes.Repeat([]byte("export bundle "), 5000)

	path := writeContainer(t, t.TempDir(), "text", smallBlocks(), map[chunk.ID][]byte{id: data})
	s, err := Open(path, Config{})
	require.NoError(t, err)
	defer s.Close()

	for _, b := range s.TOC().Blocks {
		assert.Equal(t, CompressionZstd, b.Method)
		assert.Less(t, b.CompressedSize, b.UncompressedSize)
	}
}

func TestCachedReadsDecodeEachBlockOnce(t *testing.T) {
	id := chunk.New(9, 0, chunk.TypeExportBundleData)
	data := bytes.Repeat([]byte{1, 2, 3, 4, 5, 6, 7, 8}, 4096) // two 16 KiB blocks

	path := writeContainer(t, t.TempDir(), "once", smallBlocks(), map[chunk.ID][]byte{id: data})
	cache := blockcache.New(blockcache.Config{BlockSize: 16 << 10, Capacity: 4}, nil)
	s, err := Open(path, Config{Cache: cache})
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		got, err := s.Read(ctx, id, 100, 20_000)
		require.NoError(t, err)
		assert.Equal(t, data[100:20_100], got)
	}
	assert.Equal(t, uint64(2), s.BlockReads())
	assert.Equal(t, uint64(2), cache.Stats().Misses)
}

func TestLargeReadsBypassCache(t *testing.T) {
	id := chunk.New(10, 0, chunk.TypeBulkData)
	data := bytes.Repeat([]byte{9}, 64<<10)

	path := writeContainer(t, t.TempDir(), "bypass", smallBlocks(), map[chunk.ID][]byte{id: data})
	cache := blockcache.New(blockcache.Config{BlockSize: 16 << 10, Capacity: 4}, nil)
	s, err := Open(path, Config{Cache: cache})
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Read(context.Background(), id, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, uint64(1), cache.Stats().Bypasses)
	assert.Zero(t, cache.Stats().Resident)
}

func TestConcurrentCachedReads(t *testing.T) {
	chunks := storetest.Fixture()
	path := writeContainer(t, t.TempDir(), "concurrent", smallBlocks(), chunks)
	cache := blockcache.New(blockcache.Config{BlockSize: 16 << 10, Capacity: 3}, nil)
	s, err := Open(path, Config{Cache: cache})
	require.NoError(t, err)
	defer s.Close()

	id := chunk.New(2, 0, chunk.TypeExportBundleData)
	want := chunks[id]
	ctx := context.Background()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for i := 0; i < 200; i++ {
				off := uint64(rng.Intn(len(want) - 1))
				n := uint64(rng.Intn(20_000) + 1)
				got, err := s.Read(ctx, id, off, n)
				if !assert.NoError(t, err) {
					return
				}
				end := min(off+n, uint64(len(want)))
				assert.True(t, bytes.Equal(want[off:end], got))
			}
		}(int64(g))
	}
	wg.Wait()
}

func TestOpenRejectsOversizedBlocks(t *testing.T) {
	path := writeContainer(t, t.TempDir(), "wide", DefaultWriterConfig(), storetest.Fixture())
	cache := blockcache.New(blockcache.Config{BlockSize: 4 << 10, Capacity: 4}, nil)
	_, err := Open(path, Config{Cache: cache})
	assert.Error(t, err)
}

func TestWriterRejectsDuplicates(t *testing.T) {
	w, err := Create(t.TempDir(), "dup", DefaultWriterConfig())
	require.NoError(t, err)
	defer w.Abort()

	id := chunk.New(1, 0, chunk.TypeMeta)
	require.NoError(t, w.Add(id, []byte("a")))
	assert.ErrorIs(t, w.Add(id, []byte("b")), ErrDuplicateChunk)
}

func TestDiscover(t *testing.T) {
	dir := t.TempDir()
	writeContainer(t, dir, "b", smallBlocks(), map[chunk.ID][]byte{chunk.New(1, 0, chunk.TypeMeta): []byte("x")})
	writeContainer(t, dir, "a", smallBlocks(), map[chunk.ID][]byte{chunk.New(2, 0, chunk.TypeMeta): []byte("y")})

	paths, err := Discover(dir)
	require.NoError(t, err)
	require.Len(t, paths, 2)
	assert.Equal(t, "a"+TOCExt, filepath.Base(paths[0]))
}
