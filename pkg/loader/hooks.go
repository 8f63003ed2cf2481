package loader

import (
	"github.com/marmos91/pkgload/pkg/object"
)

// ClassBehavior customizes the post-load phases of objects of one class.
// Every hook is optional.
type ClassBehavior struct {
	// PostLoad runs on the loading goroutine once the object's package and
	// everything it imports has serialized.
	PostLoad func(o *object.Object) error

	// DeferredPostLoad runs on the owner goroutine during Tick.
	DeferredPostLoad func(o *object.Object) error

	// PostLoadOnMainThread moves PostLoad to the owner goroutine.
	PostLoadOnMainThread bool
}

// NodePhase tells whether a node event marks the start or the end of its run.
type NodePhase int

const (
	NodeStarted NodePhase = iota
	NodeFinished
)

func (p NodePhase) String() string {
	if p == NodeFinished {
		return "finished"
	}
	return "started"
}

// NodeEvent describes one node execution.
type NodeEvent struct {
	Package string
	Kind    NodeKind
	// Bundle is the bundle index of bundle nodes, -1 for package nodes.
	Bundle int
	Phase  NodePhase
}

// NodeObserver receives node events. It is called from whichever goroutine
// runs the node and must be safe for concurrent use.
type NodeObserver interface {
	ObserveNode(ev NodeEvent)
}

// NodeObserverFunc adapts a function to NodeObserver.
type NodeObserverFunc func(NodeEvent)

// ObserveNode implements NodeObserver.
func (f NodeObserverFunc) ObserveNode(ev NodeEvent) { f(ev) }

// Metrics receives loader measurements. A nil Metrics records nothing.
type Metrics interface {
	// ObservePackage records a finished package job.
	ObservePackage(result string, seconds float64)
	// ObserveNode counts one node execution.
	ObserveNode(kind string)
	// SetJobsInFlight reports the size of the job table.
	SetJobsInFlight(n int)
}
