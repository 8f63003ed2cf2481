// Package loader is the asynchronous package loading scheduler. Each
// requested package becomes a job whose phases are barrier-counted nodes:
// reading and decoding the summary, linking the bundles of imported
// packages, creating and serializing the exports bundle by bundle, then the
// post-load phases. Nodes run on a loading goroutine (or inside Tick when
// the loader is not threaded) and on the owner goroutine through Tick.
package loader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/pkgload/internal/logger"
	"github.com/marmos91/pkgload/internal/telemetry"
	"github.com/marmos91/pkgload/pkg/chunk"
	"github.com/marmos91/pkgload/pkg/gc"
	"github.com/marmos91/pkgload/pkg/importstore"
	"github.com/marmos91/pkgload/pkg/iodispatcher"
	"github.com/marmos91/pkgload/pkg/object"
	"github.com/marmos91/pkgload/pkg/pkgheader"
	"github.com/marmos91/pkgload/pkg/pkgid"
	"github.com/marmos91/pkgload/pkg/pkgstore"
)

var (
	// ErrLoaderClosed is reported to requests made after Shutdown.
	ErrLoaderClosed = errors.New("loader is shut down")

	// ErrMissingDeps is returned by New when a required dependency is nil.
	ErrMissingDeps = errors.New("loader dependency not set")

	// ErrPackageNotFound fails jobs of packages absent from every store.
	ErrPackageNotFound = errors.New("package not found")

	// ErrNameMismatch fails jobs whose summary names another package.
	ErrNameMismatch = errors.New("summary names a different package")

	// ErrSuspended is returned by Flush while the loader is suspended.
	ErrSuspended = errors.New("loader is suspended")
)

// RequestID identifies a LoadPackage call. Zero is never issued.
type RequestID int32

// LoadResult is the outcome reported to a request callback.
type LoadResult int

const (
	Succeeded LoadResult = iota
	Failed
	Canceled
)

func (r LoadResult) String() string {
	switch r {
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case Canceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Result is passed to request callbacks.
type Result struct {
	Request RequestID
	Package string
	Root    *object.Object
	Status  LoadResult
	Err     error
}

// Callback receives the result of a request on the owner goroutine.
type Callback func(Result)

// State is returned by Tick.
type State int

const (
	// Complete means no work is runnable right now.
	Complete State = iota
	// TimeOut means the time limit expired with work left.
	TimeOut
	// Suspended means the loader is suspended.
	Suspended
)

func (s State) String() string {
	switch s {
	case Complete:
		return "complete"
	case TimeOut:
		return "timeout"
	case Suspended:
		return "suspended"
	default:
		return "unknown"
	}
}

// Config configures a Loader.
type Config struct {
	// Threaded runs loading-queue nodes on a dedicated goroutine started by
	// Start. Otherwise Tick drains both queues.
	Threaded bool

	// TimeSlice bounds one bundle step on the loading goroutine so that
	// suspension requests are observed between slices.
	TimeSlice time.Duration

	// Exclude skips exports carrying any of these filter flags.
	Exclude pkgheader.FilterFlags

	// Classes maps class native hashes to post-load behavior.
	Classes map[uint64]ClassBehavior

	// Policies overrides the scheduling policy per node kind.
	Policies map[NodeKind]Policy

	Observer NodeObserver
	Metrics  Metrics
}

const defaultTimeSlice = 5 * time.Millisecond

// Deps are the services a Loader drives. All are required.
type Deps struct {
	Dispatcher *iodispatcher.Dispatcher
	Registry   *importstore.Registry
	Objects    *object.Array
	Packages   pkgstore.Store
}

type request struct {
	id   RequestID
	name string
	job  *job
	cb   Callback
	done bool
}

var _ gc.Listener = (*Loader)(nil)

// Loader schedules package jobs.
type Loader struct {
	cfg      Config
	policies map[NodeKind]Policy

	dispatcher *iodispatcher.Dispatcher
	registry   *importstore.Registry
	objects    *object.Array
	packages   pkgstore.Store

	jobsMu     sync.Mutex
	jobs       map[pkgid.ID]*job
	requests   map[RequestID]*request
	nextID     RequestID
	importRefs map[pkgid.ID][]pkgid.ID

	waitMu sync.Mutex

	loadingQ *queue
	mainQ    *queue
	progress chan struct{}
	pending  atomic.Int32

	suspendMu   sync.Mutex
	suspendCond *sync.Cond
	suspended   bool
	parked      bool
	stopping    bool
	running     bool
	callbacks   int
	wake        chan struct{}
	suspendFlag atomic.Bool

	ctx    context.Context
	closed atomic.Bool
	wg     sync.WaitGroup

	// objects pinned for the running collection, owner goroutine only
	gcPinned []*object.Object
}

// New creates a loader. It does not start the loading goroutine.
func New(cfg Config, deps Deps) (*Loader, error) {
	if deps.Dispatcher == nil || deps.Registry == nil || deps.Objects == nil || deps.Packages == nil {
		return nil, ErrMissingDeps
	}
	if cfg.TimeSlice <= 0 {
		cfg.TimeSlice = defaultTimeSlice
	}
	policies := DefaultPolicies()
	for k, p := range cfg.Policies {
		policies[k] = p
	}
	l := &Loader{
		cfg:        cfg,
		policies:   policies,
		dispatcher: deps.Dispatcher,
		registry:   deps.Registry,
		objects:    deps.Objects,
		packages:   deps.Packages,
		jobs:       make(map[pkgid.ID]*job),
		requests:   make(map[RequestID]*request),
		importRefs: make(map[pkgid.ID][]pkgid.ID),
		loadingQ:   newQueue(),
		mainQ:      newQueue(),
		progress:   make(chan struct{}, 1),
		wake:       make(chan struct{}, 1),
		ctx:        context.Background(),
	}
	l.suspendCond = sync.NewCond(&l.suspendMu)
	return l, nil
}

// Start launches the loading goroutine of a threaded loader. ctx parents the
// spans of every job.
func (l *Loader) Start(ctx context.Context) error {
	if l.closed.Load() {
		return ErrLoaderClosed
	}
	l.ctx = ctx
	if !l.cfg.Threaded {
		return nil
	}
	l.suspendMu.Lock()
	if l.running {
		l.suspendMu.Unlock()
		return nil
	}
	l.running = true
	l.suspendMu.Unlock()

	l.wg.Add(1)
	go l.loadingLoop()
	logger.Debug("loader started", logger.KeyComponent, "loader")
	return nil
}

// Shutdown stops the loading goroutine. Requests still pending never get a
// callback; later requests fail with ErrLoaderClosed.
func (l *Loader) Shutdown(ctx context.Context) error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	l.suspendMu.Lock()
	l.stopping = true
	l.suspendCond.Broadcast()
	l.suspendMu.Unlock()
	l.notifyWake()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	l.jobsMu.Lock()
	for _, j := range l.jobs {
		j.takeIO().Cancel()
	}
	l.jobsMu.Unlock()
	logger.Debug("loader stopped", logger.KeyComponent, "loader")
	return nil
}

// LoadPackage requests name. Requests for a package already in flight join
// its job; a package whose public exports are all loaded completes at the
// next Tick without a job.
func (l *Loader) LoadPackage(name string, prio iodispatcher.Priority, cb Callback) RequestID {
	id := pkgid.FromName(name)

	l.jobsMu.Lock()
	l.nextID++
	req := &request{id: l.nextID, name: name, cb: cb}
	l.requests[req.id] = req
	l.pending.Add(1)

	if l.closed.Load() {
		l.jobsMu.Unlock()
		l.deliver(req, Result{Status: Failed, Err: ErrLoaderClosed})
		return req.id
	}

	if j, ok := l.jobs[id]; ok {
		req.job = j
		j.requests = append(j.requests, req)
		l.jobsMu.Unlock()
		j.raisePriority(prio)
		logger.Debug("request joined job",
			logger.KeyPackage, name,
			logger.KeyRequestID, int(req.id),
			logger.KeyState, j.State().String())
		return req.id
	}

	if info, ok := l.registry.Find(id); ok && info.Flags&importstore.FlagAllPublicExportsLoaded != 0 {
		l.jobsMu.Unlock()
		l.deliver(req, Result{Status: Succeeded, Root: info.Root})
		return req.id
	}

	created := l.createJobsLocked(id, name, prio)
	j := created[0]
	req.job = j
	j.requests = append(j.requests, req)
	l.setJobsInFlight(len(l.jobs))
	l.jobsMu.Unlock()

	for _, c := range created {
		l.issueSummaryRead(c)
	}
	return req.id
}

// createJobsLocked creates the job of id and of every transitively imported
// package that is neither in flight nor loaded. The first job is id's.
func (l *Loader) createJobsLocked(id pkgid.ID, name string, prio iodispatcher.Priority) []*job {
	root := l.newJobLocked(id, name, prio)
	created := []*job{root}

	for i := 0; i < len(created); i++ {
		j := created[i]
		j.setState(StateImportPackages)
		entry, ok := l.packages.Lookup(j.id)
		if !ok {
			j.missing = true
			j.setState(StateImportPackagesDone)
			continue
		}
		for _, impID := range entry.ImportedPackages {
			if impID == j.id {
				continue
			}
			if _, dup := j.importJobs[impID]; dup {
				continue
			}
			if imp, ok := l.jobs[impID]; ok {
				imp.importers++
				j.importJobs[impID] = imp
				continue
			}
			if info, ok := l.registry.Find(impID); ok && info.Flags&importstore.FlagAllPublicExportsLoaded != 0 {
				continue
			}
			impEntry, ok := l.packages.Lookup(impID)
			if !ok {
				j.missingImports++
				l.registry.MarkMissing(impID)
				logger.Warn("imported package not found",
					logger.KeyPackage, j.name,
					logger.KeyImport, impID.String())
				continue
			}
			imp := l.newJobLocked(impID, impEntry.Name, prio)
			imp.importers++
			j.importJobs[impID] = imp
			created = append(created, imp)
		}
		j.setState(StateImportPackagesDone)
	}

	for _, j := range created {
		for _, imp := range j.importJobs {
			j.setupDeps.dependsOn(imp.processSummary)
		}
		l.arm(j.setupDeps)
		l.arm(j.exportsDone)
	}
	return created
}

func (l *Loader) newJobLocked(id pkgid.ID, name string, prio iodispatcher.Priority) *job {
	j := newJob(id, name, prio)
	j.ctx, j.span = telemetry.StartLoaderSpan(l.ctx, telemetry.SpanLoadPackage, name,
		telemetry.PackageID(id.String()),
		telemetry.Priority(int32(prio)))
	l.jobs[id] = j
	if _, err := l.registry.AddRef(id); err != nil {
		j.fail(err)
	}
	logger.DebugCtx(j.ctx, "job created",
		logger.KeyPackage, name,
		logger.KeyPackageID, id.String())
	return j
}

// issueSummaryRead reads the export bundle data chunk of j. The callback
// runs on the dispatcher goroutine and only hands the bytes over.
func (l *Loader) issueSummaryRead(j *job) {
	if j.missing || j.failed.Load() {
		if j.missing {
			j.fail(fmt.Errorf("%w: %s", ErrPackageNotFound, j.name))
		}
		l.arm(j.processSummary)
		return
	}
	j.setState(StateWaitingForIo)
	j.mu.Lock()
	j.io = l.dispatcher.Read(chunk.ForPackage(j.id), iodispatcher.ReadOptions{
		Callback: func(res iodispatcher.Result) { l.onSummaryRead(j, res) },
	}, iodispatcher.Priority(j.priority.Load()))
	j.mu.Unlock()
}

func (l *Loader) onSummaryRead(j *job, res iodispatcher.Result) {
	l.enterCallback()
	defer l.leaveCallback()

	j.ioData, j.ioErr = res.Data, res.Err
	if res.Status != iodispatcher.StatusOk && j.ioErr == nil {
		j.ioErr = fmt.Errorf("summary read: %s", res.Status)
	}
	l.arm(j.processSummary)
}

// arm releases the construction barrier of n.
func (l *Loader) arm(n *node) {
	if n.release() {
		l.fire(n)
	}
}

// fire dispatches ready nodes. Inline nodes run here; the nodes they release
// go on a local stack instead of recursing.
func (l *Loader) fire(ready ...*node) {
	stack := append([]*node(nil), ready...)
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if l.policies[n.kind] != Inline {
			l.enqueue(task{node: n})
			continue
		}
		l.runNode(n, time.Time{})
		stack = append(stack, n.complete()...)
	}
}

func (l *Loader) enqueue(t task) {
	if t.node != nil && t.node.thread == threadLoading {
		l.loadingQ.push(t)
		if !l.cfg.Threaded {
			l.notifyProgress()
		}
		return
	}
	l.mainQ.push(t)
	l.notifyProgress()
}

func (l *Loader) requeue(t task) {
	if t.node != nil && t.node.thread == threadLoading {
		l.loadingQ.pushFront(t)
		return
	}
	l.mainQ.pushFront(t)
}

// run executes t and reports whether it finished before the deadline.
func (l *Loader) run(t task, deadline time.Time) bool {
	if t.fn != nil {
		t.fn()
		return true
	}
	if !l.runNode(t.node, deadline) {
		l.requeue(t)
		return false
	}
	l.fire(t.node.complete()...)
	return true
}

func (l *Loader) notifyProgress() {
	select {
	case l.progress <- struct{}{}:
	default:
	}
}

func (l *Loader) notifyWake() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// deliver completes req with res on the owner goroutine.
func (l *Loader) deliver(req *request, res Result) {
	l.enqueue(task{fn: func() {
		l.jobsMu.Lock()
		if req.done {
			l.jobsMu.Unlock()
			return
		}
		l.finishRequestLocked(req)
		l.jobsMu.Unlock()
		res.Request = req.id
		res.Package = req.name
		if req.cb != nil {
			req.cb(res)
		}
	}})
}

func (l *Loader) finishRequestLocked(req *request) {
	req.done = true
	delete(l.requests, req.id)
	l.pending.Add(-1)
}

// Cancel abandons a request. Its callback runs with Canceled at the next
// Tick. When no other request or importer needs the job, its pending
// summary read is cancelled too.
func (l *Loader) Cancel(id RequestID) bool {
	l.jobsMu.Lock()
	req, ok := l.requests[id]
	if !ok || req.done {
		l.jobsMu.Unlock()
		return false
	}
	l.finishRequestLocked(req)
	j := req.job
	var orphan bool
	if j != nil {
		for i, r := range j.requests {
			if r == req {
				j.requests = append(j.requests[:i], j.requests[i+1:]...)
				break
			}
		}
		orphan = len(j.requests) == 0 && j.importers == 0
	}
	l.jobsMu.Unlock()

	if orphan && j.State() == StateWaitingForIo {
		j.mu.Lock()
		io := j.io
		j.mu.Unlock()
		io.Cancel()
		logger.Debug("summary read cancelled", logger.KeyPackage, j.name)
	}

	l.enqueue(task{fn: func() {
		if req.cb != nil {
			req.cb(Result{Request: req.id, Package: req.name, Status: Canceled, Err: iodispatcher.ErrCancelled})
		}
	}})
	return true
}

// Tick runs owner-goroutine work, and loading work as well when the loader
// is not threaded, until nothing is runnable or timeLimit expires. A zero
// timeLimit means no limit.
func (l *Loader) Tick(ctx context.Context, timeLimit time.Duration) State {
	l.processUnreachable()

	var deadline time.Time
	if timeLimit > 0 {
		deadline = time.Now().Add(timeLimit)
	}
	for {
		if l.suspendFlag.Load() {
			return Suspended
		}
		if ctx.Err() != nil {
			return TimeOut
		}
		t, ok := l.mainQ.pop()
		if !ok && !l.cfg.Threaded {
			t, ok = l.loadingQ.pop()
		}
		if !ok {
			return Complete
		}
		if !l.run(t, deadline) {
			return TimeOut
		}
		if !deadline.IsZero() && time.Now().After(deadline) && l.hasRunnable() {
			return TimeOut
		}
	}
}

func (l *Loader) hasRunnable() bool {
	if l.mainQ.len() > 0 {
		return true
	}
	return !l.cfg.Threaded && l.loadingQ.len() > 0
}

// Flush ticks until the given requests, or every pending request when none
// is given, completed.
func (l *Loader) Flush(ctx context.Context, ids ...RequestID) error {
	ctx, span := telemetry.StartSpan(ctx, telemetry.SpanFlush)
	defer span.End()

	for {
		if l.Tick(ctx, 0) == Suspended {
			return ErrSuspended
		}
		if l.flushed(ids) {
			return nil
		}
		select {
		case <-l.progress:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (l *Loader) flushed(ids []RequestID) bool {
	if len(ids) == 0 {
		return l.pending.Load() == 0
	}
	l.jobsMu.Lock()
	defer l.jobsMu.Unlock()
	for _, id := range ids {
		if _, ok := l.requests[id]; ok {
			return false
		}
	}
	return true
}

// IsLoading reports whether any job or request is still in flight.
func (l *Loader) IsLoading() bool {
	l.jobsMu.Lock()
	defer l.jobsMu.Unlock()
	return len(l.jobs) > 0 || len(l.requests) > 0
}

// NumPending returns the number of requests without a callback yet.
func (l *Loader) NumPending() int { return int(l.pending.Load()) }

// JobState returns the state of the job loading name.
func (l *Loader) JobState(name string) (JobState, bool) {
	l.jobsMu.Lock()
	defer l.jobsMu.Unlock()
	j, ok := l.jobs[pkgid.FromName(name)]
	if !ok {
		return 0, false
	}
	return j.State(), true
}

func (l *Loader) setJobsInFlight(n int) {
	if l.cfg.Metrics != nil {
		l.cfg.Metrics.SetJobsInFlight(n)
	}
}
