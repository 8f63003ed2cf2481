package chunkstore

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/marmos91/pkgload/pkg/chunk"
)

// CopyStats summarizes a Copy.
type CopyStats struct {
	Chunks  int
	Skipped int
	Bytes   int64
}

// CopyOptions configures Copy.
type CopyOptions struct {
	// Workers bounds concurrent chunk copies. Defaults to 8.
	Workers int

	// SkipExisting leaves chunks already present in dst untouched.
	SkipExisting bool
}

// Copy writes every chunk of src into dst.
func Copy(ctx context.Context, dst WritableStore, src Store, opts CopyOptions) (CopyStats, error) {
	if opts.Workers <= 0 {
		opts.Workers = 8
	}
	ids, err := src.List(ctx)
	if err != nil {
		return CopyStats{}, fmt.Errorf("list %s: %w", src.Name(), err)
	}

	var copied, skipped atomic.Int64
	var bytes atomic.Int64

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Workers)
	for _, id := range ids {
		g.Go(func() error {
			if opts.SkipExisting {
				ok, err := dst.Exists(ctx, id)
				if err != nil {
					return fmt.Errorf("check %s in %s: %w", id, dst.Name(), err)
				}
				if ok {
					skipped.Add(1)
					return nil
				}
			}
			return copyChunk(ctx, dst, src, id, &copied, &bytes)
		})
	}
	err = g.Wait()
	return CopyStats{Chunks: int(copied.Load()), Skipped: int(skipped.Load()), Bytes: bytes.Load()}, err
}

func copyChunk(ctx context.Context, dst WritableStore, src Store, id chunk.ID, copied, bytes *atomic.Int64) error {
	data, err := src.Read(ctx, id, 0, 0)
	if err != nil {
		return fmt.Errorf("read %s from %s: %w", id, src.Name(), err)
	}
	if err := dst.Put(ctx, id, data); err != nil {
		return fmt.Errorf("write %s to %s: %w", id, dst.Name(), err)
	}
	copied.Add(1)
	bytes.Add(int64(len(data)))
	return nil
}
