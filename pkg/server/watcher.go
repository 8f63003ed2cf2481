package server

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/marmos91/pkgload/internal/logger"
	"github.com/marmos91/pkgload/pkg/chunkstore/container"
	"github.com/marmos91/pkgload/pkg/engine"
)

// defaultSettle is how long the watcher waits after the last container
// event before scanning the directory.
const defaultSettle = 250 * time.Millisecond

// Mounter mounts the containers of a directory that are not mounted yet.
type Mounter interface {
	MountDirectory(ctx context.Context, dir string) ([]engine.MountInfo, error)
}

// Watcher mounts containers as they appear in a directory. Cooking renames
// the TOC into place last, so a new TOC name means a complete container.
type Watcher struct {
	dir     string
	mounter Mounter
	settle  time.Duration
	watcher *fsnotify.Watcher

	// Mounted receives the result of every scan that mounted something.
	// Optional, sends never block.
	Mounted chan []engine.MountInfo
}

// NewWatcher starts watching dir. Containers already present are not
// mounted until Run performs its first scan.
func NewWatcher(dir string, m Mounter) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := fw.Add(dir); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	return &Watcher{dir: dir, mounter: m, settle: defaultSettle, watcher: fw}, nil
}

// Run scans once, then rescans after container events until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	defer func() { _ = w.watcher.Close() }()

	w.scan(ctx)

	timer := time.NewTimer(w.settle)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if !isContainerEvent(event) {
				continue
			}
			logger.Debug("container change detected", logger.KeyPath, event.Name, "op", event.Op.String())
			timer.Reset(w.settle)

		case <-timer.C:
			w.scan(ctx)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("watcher error: %w", err)
		}
	}
}

func (w *Watcher) scan(ctx context.Context) {
	infos, err := w.mounter.MountDirectory(ctx, w.dir)
	if err != nil {
		// a half-copied container fails to open; the next event retries
		logger.Warn("mounting watched containers failed", logger.KeyPath, w.dir, logger.Err(err))
	}
	if len(infos) == 0 {
		return
	}
	for _, info := range infos {
		logger.Info("watched container mounted", logger.KeyContainer, info.Name, logger.KeyCount, info.Packages)
	}
	if w.Mounted != nil {
		select {
		case w.Mounted <- infos:
		default:
		}
	}
}

func isContainerEvent(e fsnotify.Event) bool {
	if !strings.EqualFold(filepath.Ext(e.Name), container.TOCExt) {
		return false
	}
	return e.Has(fsnotify.Create) || e.Has(fsnotify.Write) || e.Has(fsnotify.Rename)
}
