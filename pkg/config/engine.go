package config

import (
	"context"
	"fmt"

	"github.com/marmos91/pkgload/internal/logger"
	"github.com/marmos91/pkgload/pkg/blockcache"
	"github.com/marmos91/pkgload/pkg/chunkstore"
	"github.com/marmos91/pkgload/pkg/chunkstore/badger"
	"github.com/marmos91/pkgload/pkg/chunkstore/memory"
	"github.com/marmos91/pkgload/pkg/chunkstore/s3"
	"github.com/marmos91/pkgload/pkg/cook"
	"github.com/marmos91/pkgload/pkg/engine"
	"github.com/marmos91/pkgload/pkg/iodispatcher"
	"github.com/marmos91/pkgload/pkg/loader"
	"github.com/marmos91/pkgload/pkg/metrics"
	promstore "github.com/marmos91/pkgload/pkg/metrics/prometheus"
	"github.com/marmos91/pkgload/pkg/pkgstore"
	"github.com/marmos91/pkgload/pkg/pkgstore/catalog"
)

// Runtime is an engine built from configuration together with the catalog
// it consults, if any.
type Runtime struct {
	Engine  *engine.Engine
	Catalog *catalog.Catalog
}

// Close shuts the engine down and closes the catalog.
func (r *Runtime) Close(ctx context.Context) error {
	err := r.Engine.Close(ctx)
	if r.Catalog != nil {
		if cerr := r.Catalog.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// InitializeRuntime creates the engine described by cfg and mounts every
// configured store, in order.
//
// When cfg.Metrics.Enabled is set, InitializeMetrics must run first for the
// components to be instrumented.
//
// Example:
//
//	cfg, _ := config.Load("config.yaml")
//	rt, err := config.InitializeRuntime(ctx, cfg)
//	if err != nil {
//	    log.Fatalf("Failed to initialize runtime: %v", err)
//	}
//	defer rt.Close(ctx)
func InitializeRuntime(ctx context.Context, cfg *Config) (*Runtime, error) {
	logger.Debug("Initializing runtime from configuration")

	opts, err := EngineOptions(cfg)
	if err != nil {
		return nil, err
	}

	rt := &Runtime{}
	if cfg.Catalog.Enabled {
		rt.Catalog, err = catalog.New(cfg.Catalog.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to open catalog: %w", err)
		}
		opts.Fallback = rt.Catalog
	}

	rt.Engine, err = engine.New(ctx, opts)
	if err != nil {
		if rt.Catalog != nil {
			_ = rt.Catalog.Close()
		}
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}

	for i, m := range cfg.Mounts {
		if err := MountConfigured(ctx, rt.Engine, m); err != nil {
			_ = rt.Close(ctx)
			return nil, fmt.Errorf("mounts[%d] %s: %w", i, m.Name, err)
		}
	}
	logger.Info("Runtime initialized", logger.KeyCount, len(rt.Engine.Mounts()))
	return rt, nil
}

// EngineOptions converts cfg into engine options, wiring component metrics
// when the metrics registry is initialized.
func EngineOptions(cfg *Config) (engine.Options, error) {
	exclude, err := cook.ParseFilter(cfg.Loader.Exclude)
	if err != nil {
		return engine.Options{}, fmt.Errorf("loader.exclude: %w", err)
	}
	return engine.Options{
		Dispatcher: iodispatcher.Config{
			SlabChunk: cfg.Dispatcher.SlabChunk,
			Metrics:   metrics.NewDispatcherMetrics(),
		},
		Workers: cfg.Dispatcher.Workers,
		Cache: blockcache.Config{
			BlockSize:    cfg.Cache.BlockSize.Int(),
			Capacity:     cfg.Cache.Capacity(),
			BypassBlocks: cfg.Cache.BypassBlocks,
		},
		CacheMetrics: metrics.NewBlockCacheMetrics(),
		Loader: loader.Config{
			Threaded:  cfg.Loader.IsThreaded(),
			TimeSlice: cfg.Loader.TimeSlice,
			Exclude:   exclude,
			Metrics:   metrics.NewLoaderMetrics(),
		},
		VerifyReferences: cfg.Loader.VerifyReferences,
	}, nil
}

// MountConfigured opens the store described by m and mounts it on e.
func MountConfigured(ctx context.Context, e *engine.Engine, m MountConfig) error {
	switch m.Type {
	case MountContainer:
		_, err := e.MountContainer(ctx, m.Path)
		return err
	case MountDirectory:
		_, err := e.MountDirectory(ctx, m.Path)
		return err
	}

	store, err := CreateStore(ctx, m)
	if err != nil {
		return err
	}
	if _, err := e.MountStore(ctx, string(m.Type), store, m.Containers); err != nil {
		return err
	}
	return nil
}

// CreateStore opens a standalone chunk store: s3, badger or memory.
// Container and directory mounts are opened by the engine, which shares its
// block cache with them.
func CreateStore(ctx context.Context, m MountConfig) (chunkstore.WritableStore, error) {
	switch m.Type {
	case MountS3:
		return s3.NewFromConfig(ctx, s3.Config{
			Bucket:          m.S3.Bucket,
			Region:          m.S3.Region,
			Endpoint:        m.S3.Endpoint,
			KeyPrefix:       m.S3.KeyPrefix,
			ForcePathStyle:  m.S3.ForcePathStyle,
			AccessKeyID:     m.S3.AccessKeyID,
			SecretAccessKey: m.S3.SecretAccessKey,
			Metrics:         metrics.NewS3Metrics(),
		})
	case MountBadger:
		store, err := badger.Open(badger.Config{
			Path:       m.Path,
			InMemory:   m.Badger.InMemory,
			SyncWrites: m.Badger.SyncWrites,
		})
		if err != nil {
			return nil, err
		}
		if err := promstore.RegisterBadgerStore(store); err != nil {
			logger.Warn("badger metrics not registered", logger.KeyBackend, store.Name(), logger.Err(err))
		}
		return store, nil
	case MountMemory:
		return memory.New(m.Name), nil
	default:
		return nil, fmt.Errorf("mount type %q is not a standalone store", m.Type)
	}
}

// InitializeMetrics creates the metrics registry when cfg enables metrics.
func InitializeMetrics(cfg *Config) {
	if !cfg.Metrics.Enabled {
		return
	}
	metrics.InitRegistry()
	logger.Info("Metrics collection enabled")
}

// Compile-time check that the catalog can back an engine fallback.
var _ pkgstore.Store = (*catalog.Catalog)(nil)
