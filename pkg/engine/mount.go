package engine

import (
	"context"
	"fmt"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/marmos91/pkgload/internal/logger"
	"github.com/marmos91/pkgload/pkg/chunkstore"
	"github.com/marmos91/pkgload/pkg/chunkstore/container"
	"github.com/marmos91/pkgload/pkg/iodispatcher"
	"github.com/marmos91/pkgload/pkg/pkgid"
	"github.com/marmos91/pkgload/pkg/pkgstore"
)

// MountInfo describes one mounted store.
type MountInfo struct {
	Name string
	Kind string
	// Containers lists the containers whose headers were read from the store.
	Containers []string
	Packages   int
	Reads      uint64
}

type mount struct {
	info    MountInfo
	store   chunkstore.Store
	backend *iodispatcher.StoreBackend
}

// MountStore mounts s behind every store mounted earlier and reads the
// header chunks of the given containers from it.
func (e *Engine) MountStore(ctx context.Context, kind string, s chunkstore.Store, containers []string) (MountInfo, error) {
	ids := make([]uint64, len(containers))
	for i, name := range containers {
		ids[i] = pkgid.Hash(name)
	}
	return e.mount(ctx, kind, "", s, containers, ids)
}

// MountContainer opens the container whose TOC is at tocPath and mounts it.
// The container header lists its packages.
func (e *Engine) MountContainer(ctx context.Context, tocPath string) (MountInfo, error) {
	abs, err := filepath.Abs(tocPath)
	if err != nil {
		return MountInfo{}, err
	}
	if e.isMounted(abs) {
		return MountInfo{}, fmt.Errorf("%s: %w", tocPath, ErrAlreadyMounted)
	}
	store, err := container.Open(abs, container.Config{Cache: e.cache})
	if err != nil {
		return MountInfo{}, err
	}
	info, err := e.mountOpened(ctx, abs, store)
	if err != nil && !e.owns(store) {
		_ = store.Close()
	}
	return info, err
}

func (e *Engine) mountOpened(ctx context.Context, path string, store *container.Store) (MountInfo, error) {
	return e.mount(ctx, "container", path, store,
		[]string{store.Name()}, []uint64{store.TOC().ContainerID})
}

// MountDirectory mounts every container found in dir that is not mounted
// yet, in name order. Containers are opened concurrently.
func (e *Engine) MountDirectory(ctx context.Context, dir string) ([]MountInfo, error) {
	paths, err := container.Discover(dir)
	if err != nil {
		return nil, fmt.Errorf("discover containers in %s: %w", dir, err)
	}

	var todo []string
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, err
		}
		if !e.isMounted(abs) {
			todo = append(todo, abs)
		}
	}

	stores := make([]*container.Store, len(todo))
	g, _ := errgroup.WithContext(ctx)
	for i, p := range todo {
		g.Go(func() error {
			s, err := container.Open(p, container.Config{Cache: e.cache})
			if err != nil {
				return err
			}
			stores[i] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, s := range stores {
			if s != nil {
				_ = s.Close()
			}
		}
		return nil, err
	}

	infos := make([]MountInfo, 0, len(stores))
	for i, s := range stores {
		info, err := e.mountOpened(ctx, todo[i], s)
		if err != nil {
			for _, rest := range stores[i:] {
				if !e.owns(rest) {
					_ = rest.Close()
				}
			}
			return infos, err
		}
		infos = append(infos, info)
	}
	return infos, nil
}

func (e *Engine) mount(ctx context.Context, kind, path string, s chunkstore.Store, containers []string, ids []uint64) (MountInfo, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return MountInfo{}, ErrClosed
	}
	if path != "" {
		if _, dup := e.paths[path]; dup {
			e.mu.Unlock()
			return MountInfo{}, fmt.Errorf("%s: %w", path, ErrAlreadyMounted)
		}
	}
	m := &mount{
		info:    MountInfo{Name: s.Name(), Kind: kind},
		store:   s,
		backend: iodispatcher.NewStoreBackend(s, iodispatcher.StoreBackendConfig{Workers: e.workers}),
	}
	if path != "" {
		e.paths[path] = m
	}
	e.mu.Unlock()

	if err := e.dispatcher.Mount(m.backend); err != nil {
		e.forget(path)
		return MountInfo{}, err
	}

	// the backend is live from here on and the store is owned by the engine
	e.mu.Lock()
	e.mounts = append(e.mounts, m)
	e.mu.Unlock()

	for i, name := range containers {
		staged := pkgstore.NewMemory()
		n, err := pkgstore.MountContainerHeader(ctx, e.dispatcher, ids[i], name, staged)
		if err != nil {
			return m.snapshot(), fmt.Errorf("mount %s: %w", s.Name(), err)
		}
		for _, entry := range staged.List() {
			e.addHeaderEntry(entry)
		}
		e.mu.Lock()
		m.info.Containers = append(m.info.Containers, name)
		m.info.Packages += n
		e.mu.Unlock()
	}
	logger.Info("store mounted",
		logger.KeyBackend, s.Name(),
		"kind", kind,
		logger.KeyCount, m.snapshot().Packages)
	return m.snapshot(), nil
}

// addHeaderEntry keeps the first entry of a package: earlier mounts take
// precedence for reads, so they do for package metadata as well.
func (e *Engine) addHeaderEntry(entry pkgstore.Entry) {
	if existing, ok := e.headers.Lookup(entry.ID); ok && existing.Container != entry.Container {
		logger.Debug("package shadowed by earlier mount",
			logger.KeyPackage, entry.Name,
			logger.KeyContainer, entry.Container,
			"shadowed_by", existing.Container)
		return
	}
	e.headers.Add(entry)
}

func (e *Engine) forget(path string) {
	if path == "" {
		return
	}
	e.mu.Lock()
	delete(e.paths, path)
	e.mu.Unlock()
}

// owns reports whether s reached the dispatcher, after which Close closes it.
func (e *Engine) owns(s chunkstore.Store) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, m := range e.mounts {
		if m.store == s {
			return true
		}
	}
	return false
}

func (e *Engine) isMounted(path string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.paths[path]
	return ok
}

func (m *mount) snapshot() MountInfo {
	info := m.info
	info.Containers = append([]string(nil), m.info.Containers...)
	info.Reads = m.backend.Reads()
	return info
}

// Mounts returns the mounted stores in precedence order.
func (e *Engine) Mounts() []MountInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]MountInfo, 0, len(e.mounts))
	for _, m := range e.mounts {
		out = append(out, m.snapshot())
	}
	return out
}
