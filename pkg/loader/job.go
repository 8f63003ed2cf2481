package loader

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/marmos91/pkgload/pkg/iodispatcher"
	"github.com/marmos91/pkgload/pkg/object"
	"github.com/marmos91/pkgload/pkg/pkgheader"
	"github.com/marmos91/pkgload/pkg/pkgid"
)

// JobState is the progress of a package job. States only move forward, in
// declaration order; a job may skip states it has no work for.
type JobState int32

const (
	StateNewPackage JobState = iota
	StateImportPackages
	StateImportPackagesDone
	StateWaitingForIo
	StateProcessSummary
	StateSetupDependencies
	StateProcessExportBundles
	StateWaitingForExternalReads
	StateExportsDone
	StatePostLoad
	StateDeferredPostLoad
	StateDeferredPostLoadDone
	StateFinalize

	// StatePostLoadInstances and StateCreateClusters are reserved phases.
	// The object model has no per-instance post-load and no GC clusters, so
	// a job passes through both during finalize without doing work.
	StatePostLoadInstances
	StateCreateClusters

	StateComplete
	StateDeferredDelete
)

var jobStateNames = [...]string{
	StateNewPackage:              "new_package",
	StateImportPackages:          "import_packages",
	StateImportPackagesDone:      "import_packages_done",
	StateWaitingForIo:            "waiting_for_io",
	StateProcessSummary:          "process_summary",
	StateSetupDependencies:       "setup_dependencies",
	StateProcessExportBundles:    "process_export_bundles",
	StateWaitingForExternalReads: "waiting_for_external_reads",
	StateExportsDone:             "exports_done",
	StatePostLoad:                "post_load",
	StateDeferredPostLoad:        "deferred_post_load",
	StateDeferredPostLoadDone:    "deferred_post_load_done",
	StateFinalize:                "finalize",
	StatePostLoadInstances:       "post_load_instances",
	StateCreateClusters:          "create_clusters",
	StateComplete:                "complete",
	StateDeferredDelete:          "deferred_delete",
}

func (s JobState) String() string {
	if int(s) < len(jobStateNames) {
		return jobStateNames[s]
	}
	return "unknown"
}

// wait-list phases
const (
	phaseSerialized = iota
	phaseLoaded
	numPhases
)

type bundleNodes struct {
	process  *node
	postLoad *node
	deferred *node

	// next entry to execute, survives a time-limit requeue
	cursor int
}

// job loads one package. Fields written before a node completes are read by
// the nodes depending on it, the barrier handoff orders the accesses.
type job struct {
	id       pkgid.ID
	name     string
	priority atomic.Int32
	state    atomic.Int32
	started  time.Time

	ctx  context.Context
	span trace.Span

	// guarded by Loader.jobsMu
	requests  []*request
	importers int

	missing    bool
	importJobs map[pkgid.ID]*job
	// missingImports counts imports found in no package store
	missingImports int

	mu  sync.Mutex
	io  iodispatcher.Request
	err error

	failed atomic.Bool

	ioData []byte
	ioErr  error

	header  *pkgheader.Header
	objects []*object.Object
	root    *object.Object

	processSummary *node
	setupDeps      *node
	exportsDone    *node
	bundles        []bundleNodes
	processLeft    atomic.Int32
	deferredLeft   atomic.Int32

	// guarded by Loader.waitMu
	reached [numPhases]bool
	ready   [numPhases]bool
	waiters [numPhases][]*job
}

func newJob(id pkgid.ID, name string, prio iodispatcher.Priority) *job {
	j := &job{
		id:         id,
		name:       name,
		started:    time.Now(),
		importJobs: make(map[pkgid.ID]*job),
	}
	j.priority.Store(int32(prio))
	j.processSummary = newNode(j, NodeProcessSummary, -1, threadLoading)
	j.setupDeps = newNode(j, NodeSetupDependencies, -1, threadLoading)
	j.exportsDone = newNode(j, NodeExportsDone, -1, threadLoading)
	j.setupDeps.dependsOn(j.processSummary)
	j.exportsDone.dependsOn(j.setupDeps)
	return j
}

func (j *job) State() JobState { return JobState(j.state.Load()) }

func (j *job) setState(s JobState) { j.state.Store(int32(s)) }

// fail records the first failure of the job. Later bundles skip their entries.
func (j *job) fail(err error) {
	j.mu.Lock()
	if j.err == nil {
		j.err = err
	}
	j.mu.Unlock()
	j.failed.Store(true)
}

func (j *job) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// takeIO detaches the header read so it can be released.
func (j *job) takeIO() iodispatcher.Request {
	j.mu.Lock()
	defer j.mu.Unlock()
	r := j.io
	j.io = iodispatcher.Request{}
	return r
}

func (j *job) raisePriority(p iodispatcher.Priority) {
	for {
		cur := j.priority.Load()
		if int32(p) <= cur {
			return
		}
		if !j.priority.CompareAndSwap(cur, int32(p)) {
			continue
		}
		j.mu.Lock()
		io := j.io
		j.mu.Unlock()
		io.UpdatePriority(p)
		return
	}
}
