package config

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/marmos91/pkgload/pkg/chunkstore"
	"github.com/marmos91/pkgload/pkg/chunkstore/container"
	"github.com/marmos91/pkgload/pkg/cook"
	"github.com/marmos91/pkgload/pkg/iodispatcher"
	"github.com/marmos91/pkgload/pkg/loader"
	"github.com/marmos91/pkgload/pkg/pkgheader"
	"github.com/marmos91/pkgload/pkg/pkgstore/catalog"
)

const testManifest = `
container: base
packages:
  - name: /Game/A
    exports:
      - name: Hero
        public: true
      - name: Icon
        outer: Hero
        public: true
        filter: [editor_only]
`

func cookTestContainer(t *testing.T, dir string, cat cook.Catalog) *cook.Report {
	t.Helper()
	m, err := cook.ParseManifest([]byte(testManifest))
	if err != nil {
		t.Fatalf("ParseManifest failed: %v", err)
	}
	report, err := cook.Cook(context.Background(), m, cook.Options{OutputDir: dir, Catalog: cat})
	if err != nil {
		t.Fatalf("Cook failed: %v", err)
	}
	return report
}

func TestEngineOptions(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Loader.Exclude = []string{"editor_only"}

	opts, err := EngineOptions(cfg)
	if err != nil {
		t.Fatalf("EngineOptions failed: %v", err)
	}
	if opts.Loader.Exclude != pkgheader.FilterEditorOnly {
		t.Errorf("Expected editor_only filter, got %v", opts.Loader.Exclude)
	}
	if !opts.Loader.Threaded {
		t.Error("Expected threaded loader")
	}
	if opts.Cache.Capacity != cfg.Cache.Capacity() {
		t.Errorf("Expected %d cache slots, got %d", cfg.Cache.Capacity(), opts.Cache.Capacity)
	}
	if opts.Workers != cfg.Dispatcher.Workers {
		t.Errorf("Expected %d workers, got %d", cfg.Dispatcher.Workers, opts.Workers)
	}
	// metrics are not initialized in this test binary
	if opts.Dispatcher.Metrics != nil || opts.Loader.Metrics != nil {
		t.Error("Expected nil metrics while the registry is disabled")
	}
}

func TestInitializeRuntime(t *testing.T) {
	dir := t.TempDir()
	cookTestContainer(t, dir, nil)

	cfg := GetDefaultConfig()
	cfg.Loader.Exclude = []string{"editor_only"}
	cfg.Mounts = []MountConfig{
		{Type: MountDirectory, Path: dir},
		{Type: MountMemory},
		{Type: MountBadger, Badger: BadgerMountConfig{InMemory: true}},
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}

	ctx := context.Background()
	rt, err := InitializeRuntime(ctx, cfg)
	if err != nil {
		t.Fatalf("InitializeRuntime failed: %v", err)
	}
	defer func() { _ = rt.Close(ctx) }()

	mounts := rt.Engine.Mounts()
	if len(mounts) != 3 {
		t.Fatalf("Expected 3 mounts, got %d", len(mounts))
	}
	if mounts[0].Kind != "container" || mounts[1].Kind != "memory" || mounts[2].Kind != "badger" {
		t.Errorf("Unexpected mount order: %+v", mounts)
	}

	results, err := rt.Engine.Load(ctx, []string{"/Game/A"}, iodispatcher.PriorityMedium)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if results[0].Status != loader.Succeeded {
		t.Fatalf("Expected load to succeed, got %v: %v", results[0].Status, results[0].Err)
	}
	if got := rt.Engine.Objects().Len(); got != 1 {
		t.Errorf("Expected the editor-only export to be skipped, got %d objects", got)
	}
}

func TestInitializeRuntime_WithCatalog(t *testing.T) {
	dir := t.TempDir()
	cat, err := catalog.New(catalog.Config{
		Type:   catalog.DatabaseTypeSQLite,
		SQLite: catalog.SQLiteConfig{Path: filepath.Join(dir, "catalog.db")},
	})
	if err != nil {
		t.Fatalf("catalog.New failed: %v", err)
	}
	report := cookTestContainer(t, dir, cat)
	if err := cat.Close(); err != nil {
		t.Fatalf("catalog close failed: %v", err)
	}

	// chunks are pushed into badger without the container header, so only
	// the catalog knows about /Game/A
	src, err := container.Open(report.TOCPath, container.Config{})
	if err != nil {
		t.Fatalf("container.Open failed: %v", err)
	}
	defer src.Close()
	badgerDir := filepath.Join(dir, "badger")
	dst, err := CreateStore(context.Background(), MountConfig{Type: MountBadger, Path: badgerDir})
	if err != nil {
		t.Fatalf("CreateStore failed: %v", err)
	}
	if _, err := chunkstore.Copy(context.Background(), dst, src, chunkstore.CopyOptions{}); err != nil {
		t.Fatalf("Copy failed: %v", err)
	}
	if err := dst.Close(); err != nil {
		t.Fatalf("badger close failed: %v", err)
	}

	cfg := GetDefaultConfig()
	cfg.Mounts = []MountConfig{{Type: MountBadger, Path: badgerDir}}
	cfg.Catalog.Enabled = true
	cfg.Catalog.Database.SQLite.Path = filepath.Join(dir, "catalog.db")
	ApplyDefaults(cfg)

	ctx := context.Background()
	rt, err := InitializeRuntime(ctx, cfg)
	if err != nil {
		t.Fatalf("InitializeRuntime failed: %v", err)
	}
	defer func() { _ = rt.Close(ctx) }()

	if rt.Catalog == nil {
		t.Fatal("Expected catalog to be opened")
	}
	if rt.Engine.Headers().Len() != 0 {
		t.Errorf("Expected no header entries, got %d", rt.Engine.Headers().Len())
	}

	results, err := rt.Engine.Load(ctx, []string{"/Game/A"}, iodispatcher.PriorityMedium)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if results[0].Status != loader.Succeeded {
		t.Errorf("Expected catalog-backed load to succeed, got %v: %v", results[0].Status, results[0].Err)
	}
}

func TestInitializeRuntime_BadMount(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Mounts = []MountConfig{{Name: "missing", Type: MountContainer, Path: filepath.Join(t.TempDir(), "missing.ptoc")}}

	_, err := InitializeRuntime(context.Background(), cfg)
	if err == nil {
		t.Fatal("Expected error for missing container")
	}
}

func TestCreateStore_RejectsEngineMounts(t *testing.T) {
	for _, typ := range []MountType{MountContainer, MountDirectory} {
		if _, err := CreateStore(context.Background(), MountConfig{Type: typ, Path: "x"}); err == nil {
			t.Errorf("Expected CreateStore to reject %s mounts", typ)
		}
	}
}
