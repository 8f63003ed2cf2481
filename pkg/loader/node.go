package loader

import (
	"sync"
	"sync/atomic"
)

// NodeKind identifies the phase a node runs.
type NodeKind int

const (
	NodeProcessSummary NodeKind = iota
	NodeSetupDependencies
	NodeExportsDone
	NodeBundleProcess
	NodePostLoad
	NodeDeferredPostLoad
)

var nodeKindNames = [...]string{
	NodeProcessSummary:    "process_summary",
	NodeSetupDependencies: "setup_dependencies",
	NodeExportsDone:       "exports_done",
	NodeBundleProcess:     "bundle_process",
	NodePostLoad:          "post_load",
	NodeDeferredPostLoad:  "deferred_post_load",
}

func (k NodeKind) String() string {
	if int(k) < len(nodeKindNames) {
		return nodeKindNames[k]
	}
	return "unknown"
}

// Policy decides what happens when a node's barrier reaches zero.
type Policy int

const (
	// Deferred pushes the node on its queue.
	Deferred Policy = iota
	// Inline runs the node immediately on the releasing goroutine.
	Inline
)

// DefaultPolicies runs the export-done bookkeeping inline and queues the rest.
func DefaultPolicies() map[NodeKind]Policy {
	return map[NodeKind]Policy{
		NodeProcessSummary:    Deferred,
		NodeSetupDependencies: Deferred,
		NodeExportsDone:       Inline,
		NodeBundleProcess:     Deferred,
		NodePostLoad:          Deferred,
		NodeDeferredPostLoad:  Deferred,
	}
}

// thread selects the queue of deferred nodes.
type thread int

const (
	threadLoading thread = iota
	threadMain
)

// node is a barrier-counted step of a package job. It fires when every
// dependency completed and its own arming barrier was released.
type node struct {
	kind   NodeKind
	job    *job
	bundle int
	thread thread

	barrier atomic.Int32

	mu         sync.Mutex
	done       bool
	dependents []*node
}

func newNode(j *job, kind NodeKind, bundle int, th thread) *node {
	n := &node{kind: kind, job: j, bundle: bundle, thread: th}
	n.barrier.Store(1)
	return n
}

// dependsOn makes n wait for dep unless dep already completed.
func (n *node) dependsOn(dep *node) {
	if dep == nil {
		return
	}
	dep.mu.Lock()
	defer dep.mu.Unlock()
	if dep.done {
		return
	}
	n.barrier.Add(1)
	dep.dependents = append(dep.dependents, n)
}

// addBarrier holds n until a matching release.
func (n *node) addBarrier() { n.barrier.Add(1) }

// release drops one barrier and reports whether n is now ready.
func (n *node) release() bool {
	v := n.barrier.Add(-1)
	if v < 0 {
		panic("loader: node barrier released below zero")
	}
	return v == 0
}

// complete marks n done and returns the dependents that became ready.
func (n *node) complete() []*node {
	n.mu.Lock()
	n.done = true
	deps := n.dependents
	n.dependents = nil
	n.mu.Unlock()

	var ready []*node
	for _, d := range deps {
		if d.release() {
			ready = append(ready, d)
		}
	}
	return ready
}

func (n *node) isDone() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.done
}

// task is a queue item: a node to run or owner-goroutine work.
type task struct {
	node *node
	fn   func()
}

type queue struct {
	mu     sync.Mutex
	items  []task
	signal chan struct{}
}

func newQueue() *queue {
	return &queue{signal: make(chan struct{}, 1)}
}

func (q *queue) push(t task) {
	q.mu.Lock()
	q.items = append(q.items, t)
	q.mu.Unlock()
	q.notify()
}

// pushFront requeues a task that ran out of time so it resumes first.
func (q *queue) pushFront(t task) {
	q.mu.Lock()
	q.items = append([]task{t}, q.items...)
	q.mu.Unlock()
	q.notify()
}

func (q *queue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *queue) pop() (task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return task{}, false
	}
	t := q.items[0]
	q.items[0] = task{}
	q.items = q.items[1:]
	return t, true
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
