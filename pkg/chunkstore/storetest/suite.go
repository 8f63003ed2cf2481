// Package storetest holds conformance tests shared by chunk store implementations.
package storetest

import (
	"bytes"
	"context"
	"testing"

	"github.com/marmos91/pkgload/pkg/chunk"
	"github.com/marmos91/pkgload/pkg/chunkstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory builds a fresh store pre-populated with chunks.
type Factory func(t *testing.T, chunks map[chunk.ID][]byte) chunkstore.Store

// Fixture returns deterministic chunk contents used by the suite.
func Fixture() map[chunk.ID][]byte {
	big := make([]byte, 300_000)
	for i := range big {
		big[i] = byte(i*7 + i/251)
	}
	return map[chunk.ID][]byte{
		chunk.New(1, 0, chunk.TypeExportBundleData): []byte("hello chunk store"),
		chunk.New(2, 0, chunk.TypeExportBundleData): big,
		chunk.New(2, 1, chunk.TypeBulkData):         bytes.Repeat([]byte{0xAB}, 4096),
		chunk.New(3, 0, chunk.TypeMeta):             {},
	}
}

// Run executes the conformance suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	ctx := context.Background()

	t.Run("ExistsAndSize", func(t *testing.T) {
		data := Fixture()
		s := newStore(t, data)
		for id, want := range data {
			ok, err := s.Exists(ctx, id)
			require.NoError(t, err)
			assert.True(t, ok, id.String())

			size, err := s.Size(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, uint64(len(want)), size)
		}

		missing := chunk.New(99, 0, chunk.TypeExportBundleData)
		ok, err := s.Exists(ctx, missing)
		require.NoError(t, err)
		assert.False(t, ok)

		_, err = s.Size(ctx, missing)
		assert.ErrorIs(t, err, chunkstore.ErrChunkNotFound)
	})

	t.Run("ReadWhole", func(t *testing.T) {
		data := Fixture()
		s := newStore(t, data)
		for id, want := range data {
			got, err := s.Read(ctx, id, 0, 0)
			require.NoError(t, err)
			assert.True(t, bytes.Equal(want, got), id.String())
		}
	})

	t.Run("ReadRanges", func(t *testing.T) {
		data := Fixture()
		s := newStore(t, data)
		id := chunk.New(2, 0, chunk.TypeExportBundleData)
		want := data[id]

		ranges := [][2]uint64{{0, 10}, {65530, 20}, {100_000, 150_000}, {299_990, 100}, {12345, 1}}
		for _, r := range ranges {
			got, err := s.Read(ctx, id, r[0], r[1])
			require.NoError(t, err)
			end := min(r[0]+r[1], uint64(len(want)))
			assert.True(t, bytes.Equal(want[r[0]:end], got), "range %v", r)
		}

		_, err := s.Read(ctx, id, uint64(len(want))+1, 1)
		assert.ErrorIs(t, err, chunkstore.ErrOutOfRange)
	})

	t.Run("ReadMissing", func(t *testing.T) {
		s := newStore(t, Fixture())
		_, err := s.Read(ctx, chunk.New(77, 0, chunk.TypeMeta), 0, 0)
		assert.ErrorIs(t, err, chunkstore.ErrChunkNotFound)
	})

	t.Run("List", func(t *testing.T) {
		data := Fixture()
		s := newStore(t, data)
		ids, err := s.List(ctx)
		require.NoError(t, err)
		assert.Len(t, ids, len(data))
		for i := 1; i < len(ids); i++ {
			assert.Negative(t, bytes.Compare(ids[i-1][:], ids[i][:]), "list must be sorted")
		}
	})

	t.Run("Closed", func(t *testing.T) {
		s := newStore(t, Fixture())
		require.NoError(t, s.HealthCheck(ctx))
		require.NoError(t, s.Close())

		_, err := s.Read(ctx, chunk.New(1, 0, chunk.TypeExportBundleData), 0, 0)
		assert.ErrorIs(t, err, chunkstore.ErrStoreClosed)
		assert.ErrorIs(t, s.HealthCheck(ctx), chunkstore.ErrStoreClosed)
	})
}

// Populate writes chunks into a writable store.
func Populate(t *testing.T, s chunkstore.WritableStore, chunks map[chunk.ID][]byte) {
	t.Helper()
	for id, data := range chunks {
		require.NoError(t, s.Put(context.Background(), id, data))
	}
}
