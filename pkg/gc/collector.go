// Package gc is a mark-and-sweep collector over an object.Array.
//
// Objects flagged Root, Native or Pinned are the roots. Marking follows the
// Outer, Class, Super and Refs edges; everything else is swept. Listeners
// are told before marking starts (so they can pin what must survive), get the
// swept indices before the slots are freed, and are told when the cycle ends.
package gc

import (
	"sync"
	"time"

	"github.com/marmos91/pkgload/internal/logger"
	"github.com/marmos91/pkgload/pkg/object"
)

const rootFlags = object.FlagRoot | object.FlagNative | object.FlagPinned

// Listener observes collection cycles.
type Listener interface {
	// PrepareForCollect runs before marking.
	PrepareForCollect()
	// NotifyUnreachable receives the indices about to be freed. It must not
	// block on locks held by code that waits for the collector.
	NotifyUnreachable(indices []object.Index)
	// CollectDone runs after the sweep.
	CollectDone()
}

// Stats summarizes one cycle.
type Stats struct {
	Scanned  int
	Marked   int
	Swept    int
	Duration time.Duration
}

// Collector collects one object array. Collect calls are serialized.
type Collector struct {
	objects *object.Array

	cycle     sync.Mutex
	mu        sync.Mutex
	listeners []Listener
	runs      int
}

// New creates a collector over objects.
func New(objects *object.Array) *Collector {
	return &Collector{objects: objects}
}

// AddListener registers l for every later cycle.
func (c *Collector) AddListener(l Listener) {
	c.mu.Lock()
	c.listeners = append(c.listeners, l)
	c.mu.Unlock()
}

// Runs returns the number of completed cycles.
func (c *Collector) Runs() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runs
}

func (c *Collector) snapshotListeners() []Listener {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Listener(nil), c.listeners...)
}

// Collect runs one full cycle.
func (c *Collector) Collect() Stats {
	c.cycle.Lock()
	defer c.cycle.Unlock()

	start := time.Now()
	listeners := c.snapshotListeners()
	for _, l := range listeners {
		l.PrepareForCollect()
	}

	all := c.objects.Snapshot()
	marked := make(map[*object.Object]struct{}, len(all))
	var stack []*object.Object
	push := func(o *object.Object) {
		if o == nil {
			return
		}
		if _, seen := marked[o]; seen {
			return
		}
		marked[o] = struct{}{}
		stack = append(stack, o)
	}
	for _, o := range all {
		if o.Flags()&rootFlags != 0 {
			push(o)
		}
	}
	for len(stack) > 0 {
		o := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		push(o.Outer)
		push(o.Class)
		push(o.Super)
		for _, ref := range o.Refs {
			push(ref)
		}
	}

	var swept []object.Index
	for _, o := range all {
		if _, live := marked[o]; live {
			continue
		}
		o.Set(object.FlagUnreachable)
		swept = append(swept, o.Index())
	}
	if len(swept) > 0 {
		for _, l := range listeners {
			l.NotifyUnreachable(swept)
		}
		for _, idx := range swept {
			c.objects.Remove(idx)
		}
	}
	for _, l := range listeners {
		l.CollectDone()
	}

	c.mu.Lock()
	c.runs++
	c.mu.Unlock()

	st := Stats{Scanned: len(all), Marked: len(marked), Swept: len(swept), Duration: time.Since(start)}
	logger.Debug("collection finished",
		"scanned", st.Scanned, "marked", st.Marked, "swept", st.Swept,
		logger.KeyDurationMs, float64(st.Duration.Microseconds())/1000.0)
	return st
}
