package loader

import (
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/marmos91/pkgload/internal/logger"
	"github.com/marmos91/pkgload/internal/telemetry"
)

// Two wait-lists gate a job on its imports: post-load waits until every
// transitively imported job serialized, finalize until every one of them
// finished its deferred post-load. A job that cannot proceed parks on the
// first import that has not reached the phase and is re-evaluated when that
// import reaches it. Jobs found ready are memoized, so their subtrees are
// not walked again.

// reachPhase records that j itself reached phase.
func (l *Loader) reachPhase(j *job, phase int) {
	var ready []*job
	l.waitMu.Lock()
	j.reached[phase] = true
	ready = l.evaluateLocked(j, phase, ready)
	waiters := j.waiters[phase]
	j.waiters[phase] = nil
	for _, w := range waiters {
		ready = l.evaluateLocked(w, phase, ready)
	}
	l.waitMu.Unlock()

	for _, r := range ready {
		l.onPhaseReady(r, phase)
	}
}

func (l *Loader) evaluateLocked(j *job, phase int, ready []*job) []*job {
	if j.ready[phase] || !j.reached[phase] {
		return ready
	}
	if b := l.blockerLocked(j, phase); b != nil {
		b.waiters[phase] = append(b.waiters[phase], j)
		return ready
	}
	j.ready[phase] = true
	return append(ready, j)
}

// blockerLocked returns a job imported by j, directly or not, that has not
// reached phase.
func (l *Loader) blockerLocked(j *job, phase int) *job {
	visited := map[*job]bool{j: true}
	stack := []*job{j}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, imp := range cur.importJobs {
			if visited[imp] || imp.ready[phase] {
				continue
			}
			visited[imp] = true
			if !imp.reached[phase] {
				return imp
			}
			stack = append(stack, imp)
		}
	}
	return nil
}

func (l *Loader) onPhaseReady(j *job, phase int) {
	switch phase {
	case phaseSerialized:
		var ready []*node
		for i := range j.bundles {
			if n := j.bundles[i].postLoad; n.release() {
				ready = append(ready, n)
			}
		}
		l.fire(ready...)
		if len(j.bundles) == 0 {
			j.setState(StateDeferredPostLoadDone)
			l.reachPhase(j, phaseLoaded)
		}
	case phaseLoaded:
		l.enqueue(task{fn: func() { l.finalize(j) }})
	}
}

// finalize runs on the owner goroutine once j and everything it imports is
// fully loaded. It publishes the package, runs the callbacks and drops the
// job.
func (l *Loader) finalize(j *job) {
	j.setState(StateFinalize)
	status := Succeeded
	err := j.Err()
	switch {
	case err == nil:
		l.registry.MarkAllPublicExportsLoaded(j.id)
	case j.missing:
		status = Failed
		l.registry.MarkMissing(j.id)
	default:
		status = Failed
		l.registry.MarkFailed(j.id)
	}
	// reserved phases, see JobState
	j.setState(StatePostLoadInstances)
	j.setState(StateCreateClusters)
	j.setState(StateComplete)

	l.jobsMu.Lock()
	reqs := j.requests
	j.requests = nil
	if l.jobs[j.id] == j {
		delete(l.jobs, j.id)
	}
	for _, r := range reqs {
		l.finishRequestLocked(r)
	}
	inFlight := len(l.jobs)
	l.jobsMu.Unlock()
	j.setState(StateDeferredDelete)

	if _, relErr := l.registry.Release(j.id); relErr != nil {
		logger.WarnCtx(j.ctx, "releasing job reference", logger.KeyPackage, j.name, logger.Err(relErr))
	}

	res := Result{Package: j.name, Status: status, Err: err}
	if status == Succeeded {
		res.Root = j.root
	}
	for _, r := range reqs {
		if r.cb != nil {
			res.Request = r.id
			r.cb(res)
		}
	}

	elapsed := time.Since(j.started)
	j.span.SetAttributes(telemetry.LoadResult(status.String()))
	if err != nil {
		j.span.RecordError(err)
		j.span.SetStatus(codes.Error, err.Error())
	}
	j.span.End()
	if l.cfg.Metrics != nil {
		l.cfg.Metrics.ObservePackage(status.String(), elapsed.Seconds())
	}
	l.setJobsInFlight(inFlight)
	logger.DebugCtx(j.ctx, "package loaded",
		logger.KeyPackage, j.name,
		logger.KeyResult, status.String(),
		logger.KeyCount, len(reqs),
		logger.KeyDurationMs, logger.Duration(j.started))
	l.notifyProgress()
}
