package chunkstore_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/pkgload/pkg/chunk"
	"github.com/marmos91/pkgload/pkg/chunkstore"
	"github.com/marmos91/pkgload/pkg/chunkstore/memory"
)

func TestCopy(t *testing.T) {
	ctx := context.Background()
	src := memory.New("src")
	for i := uint16(0); i < 20; i++ {
		require.NoError(t, src.Put(ctx, chunk.New(1, i, chunk.TypeExportBundleData), []byte{byte(i), byte(i)}))
	}
	dst := memory.New("dst")

	stats, err := chunkstore.Copy(ctx, dst, src, chunkstore.CopyOptions{Workers: 3})
	require.NoError(t, err)
	assert.Equal(t, 20, stats.Chunks)
	assert.Equal(t, int64(40), stats.Bytes)
	assert.Equal(t, 20, dst.Len())

	data, err := dst.Read(ctx, chunk.New(1, 7, chunk.TypeExportBundleData), 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte{7, 7}, data)

	stats, err = chunkstore.Copy(ctx, dst, src, chunkstore.CopyOptions{SkipExisting: true})
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Chunks)
	assert.Equal(t, 20, stats.Skipped)
}

func TestCopyFromClosedStore(t *testing.T) {
	ctx := context.Background()
	src := memory.New("src")
	require.NoError(t, src.Close())

	_, err := chunkstore.Copy(ctx, memory.New("dst"), src, chunkstore.CopyOptions{})
	assert.ErrorIs(t, err, chunkstore.ErrStoreClosed)
}
