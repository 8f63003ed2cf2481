package loader

import (
	"time"

	"github.com/marmos91/pkgload/internal/logger"
	"github.com/marmos91/pkgload/pkg/object"
)

func (l *Loader) loadingLoop() {
	defer l.wg.Done()
	for {
		l.suspendMu.Lock()
		for l.suspended && !l.stopping {
			l.parked = true
			l.suspendCond.Broadcast()
			l.suspendCond.Wait()
		}
		l.parked = false
		stopping := l.stopping
		l.suspendMu.Unlock()
		if stopping {
			return
		}

		t, ok := l.loadingQ.pop()
		if !ok {
			select {
			case <-l.loadingQ.signal:
			case <-l.wake:
			}
			continue
		}
		l.run(t, time.Now().Add(l.cfg.TimeSlice))
	}
}

func (l *Loader) enterCallback() {
	l.suspendMu.Lock()
	l.callbacks++
	l.suspendMu.Unlock()
}

func (l *Loader) leaveCallback() {
	l.suspendMu.Lock()
	l.callbacks--
	l.suspendCond.Broadcast()
	l.suspendMu.Unlock()
}

// Suspend stops the loader at the next node boundary. It returns once the
// loading goroutine parked and no I/O callback is running. Tick reports
// Suspended until Resume.
func (l *Loader) Suspend() {
	l.suspendMu.Lock()
	l.suspended = true
	l.suspendFlag.Store(true)
	l.suspendMu.Unlock()
	l.notifyWake()

	l.suspendMu.Lock()
	for (l.running && !l.parked && !l.stopping) || l.callbacks > 0 {
		l.suspendCond.Wait()
	}
	l.suspendMu.Unlock()
	logger.Debug("loader suspended", logger.KeyComponent, "loader")
}

// Resume undoes Suspend.
func (l *Loader) Resume() {
	l.suspendMu.Lock()
	l.suspended = false
	l.suspendFlag.Store(false)
	l.suspendCond.Broadcast()
	l.suspendMu.Unlock()
	l.notifyProgress()
}

// IsSuspended reports whether Suspend is in effect.
func (l *Loader) IsSuspended() bool { return l.suspendFlag.Load() }

// PrepareForCollect suspends loading and pins every referenced package and
// every object of a job still in flight.
func (l *Loader) PrepareForCollect() {
	l.Suspend()
	pinned := l.registry.PinReferenced()

	l.jobsMu.Lock()
	for _, j := range l.jobs {
		for _, o := range j.objects {
			if o != nil && !o.Has(object.FlagPinned) {
				o.Set(object.FlagPinned)
				l.gcPinned = append(l.gcPinned, o)
			}
		}
	}
	l.jobsMu.Unlock()
	logger.Debug("pinned for collection",
		logger.KeyCount, pinned,
		"in_flight_objects", len(l.gcPinned))
}

// NotifyUnreachable queues a swept batch for the next Tick.
func (l *Loader) NotifyUnreachable(indices []object.Index) {
	l.registry.NotifyUnreachable(indices)
}

// CollectDone unpins what PrepareForCollect pinned and resumes loading.
func (l *Loader) CollectDone() {
	for _, o := range l.gcPinned {
		o.Clear(object.FlagPinned)
	}
	l.gcPinned = nil
	l.registry.UnpinAll()
	l.Resume()
}

// processUnreachable applies queued collection results and drops the
// import references held by removed packages.
func (l *Loader) processUnreachable() {
	removed, err := l.registry.ProcessUnreachable()
	if err != nil {
		logger.Error("collector swept a referenced package", logger.Err(err))
	}
	for _, id := range removed {
		l.jobsMu.Lock()
		imports := l.importRefs[id]
		delete(l.importRefs, id)
		l.jobsMu.Unlock()
		for _, imp := range imports {
			if _, err := l.registry.Release(imp); err != nil {
				logger.Warn("releasing import reference",
					logger.KeyPackageID, imp.String(), logger.Err(err))
			}
		}
		logger.Debug("package unloaded", logger.KeyPackageID, id.String())
	}
}
