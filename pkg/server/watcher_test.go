package server

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/pkgload/pkg/chunkstore/container"
	"github.com/marmos91/pkgload/pkg/cook"
	"github.com/marmos91/pkgload/pkg/engine"
)

// fakeMounter reports every TOC in dir it has not seen yet.
type fakeMounter struct {
	mu    sync.Mutex
	seen  map[string]bool
	scans int
}

func (f *fakeMounter) MountDirectory(_ context.Context, dir string) ([]engine.MountInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scans++
	paths, err := container.Discover(dir)
	if err != nil {
		return nil, err
	}
	var out []engine.MountInfo
	for _, p := range paths {
		if f.seen[p] {
			continue
		}
		f.seen[p] = true
		out = append(out, engine.MountInfo{Name: filepath.Base(p), Kind: "container"})
	}
	return out, nil
}

func runWatcher(t *testing.T, dir string, m Mounter) *Watcher {
	t.Helper()
	w, err := NewWatcher(dir, m)
	require.NoError(t, err)
	w.settle = 10 * time.Millisecond
	w.Mounted = make(chan []engine.MountInfo, 8)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})
	return w
}

func waitMounted(t *testing.T, w *Watcher) []engine.MountInfo {
	t.Helper()
	select {
	case infos := <-w.Mounted:
		return infos
	case <-time.After(5 * time.Second):
		t.Fatal("no container mounted")
		return nil
	}
}

func TestWatcherMountsNewContainers(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "existing"+container.TOCExt), nil, 0644))

	m := &fakeMounter{seen: map[string]bool{}}
	w := runWatcher(t, dir, m)

	infos := waitMounted(t, w)
	require.Len(t, infos, 1)
	assert.Equal(t, "existing"+container.TOCExt, infos[0].Name)

	// temp files of an in-progress cook are ignored
	require.NoError(t, os.WriteFile(filepath.Join(dir, "fresh"+container.TOCExt+".tmp"), nil, 0644))
	require.NoError(t, os.Rename(
		filepath.Join(dir, "fresh"+container.TOCExt+".tmp"),
		filepath.Join(dir, "fresh"+container.TOCExt)))

	infos = waitMounted(t, w)
	require.Len(t, infos, 1)
	assert.Equal(t, "fresh"+container.TOCExt, infos[0].Name)
}

func TestWatcherMountsCookedContainerOnEngine(t *testing.T) {
	e, _ := newTestEngine(t)
	watched := t.TempDir()
	w := runWatcher(t, watched, e)

	m, err := cook.ParseManifest([]byte(`
container: late
packages:
  - name: /Game/Late
    exports:
      - name: Late
        public: true
`))
	require.NoError(t, err)
	_, err = cook.Cook(context.Background(), m, cook.Options{OutputDir: watched})
	require.NoError(t, err)

	infos := waitMounted(t, w)
	require.Len(t, infos, 1)
	assert.Equal(t, "late", infos[0].Name)
	assert.True(t, e.Package("/Game/Late").InStore)
}

func TestNewWatcherMissingDir(t *testing.T) {
	_, err := NewWatcher(filepath.Join(t.TempDir(), "missing"), &fakeMounter{})
	assert.Error(t, err)
}

func TestIsContainerEvent(t *testing.T) {
	tests := []struct {
		name  string
		event fsnotify.Event
		want  bool
	}{
		{"create toc", fsnotify.Event{Name: "a" + container.TOCExt, Op: fsnotify.Create}, true},
		{"write toc", fsnotify.Event{Name: "a" + container.TOCExt, Op: fsnotify.Write}, true},
		{"remove toc", fsnotify.Event{Name: "a" + container.TOCExt, Op: fsnotify.Remove}, false},
		{"temp toc", fsnotify.Event{Name: "a" + container.TOCExt + ".tmp", Op: fsnotify.Create}, false},
		{"data file", fsnotify.Event{Name: "a" + container.DataExt, Op: fsnotify.Create}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isContainerEvent(tt.event))
		})
	}
}
