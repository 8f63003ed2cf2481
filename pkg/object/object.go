// Package object is the minimal live-object model the loader produces: named
// objects with an outer chain, a class and a serialized payload, stored in a
// process-wide Array addressed by Index.
package object

import (
	"strings"
	"sync"
	"sync/atomic"

	"github.com/marmos91/pkgload/pkg/pkgid"
)

// Index addresses an object in an Array. InvalidIndex is never assigned.
type Index int32

// InvalidIndex marks an object not stored in any array.
const InvalidIndex Index = -1

// Flags describe the load and collection state of an object.
type Flags uint32

const (
	// FlagNative marks engine objects registered outside of packages.
	FlagNative Flags = 1 << iota
	// FlagPublic marks exports other packages may import.
	FlagPublic
	// FlagNeedsLoad is set from Create until Serialize ran.
	FlagNeedsLoad
	// FlagNeedsPostLoad is set from Create until PostLoad ran.
	FlagNeedsPostLoad
	// FlagLoadFailed marks exports whose creation or serialization failed.
	FlagLoadFailed
	// FlagPinned excludes the object from collection.
	FlagPinned
	// FlagRoot marks objects the owner keeps alive explicitly.
	FlagRoot
	// FlagUnreachable is set by the collector on objects it swept.
	FlagUnreachable
	// FlagClass marks objects usable as the class of another object.
	FlagClass
)

// Object is a loaded object.
type Object struct {
	index   atomic.Int32
	flags   atomic.Uint32
	Name    string
	Outer   *Object
	Class   *Object
	Super   *Object
	Package pkgid.ID

	// ExportHash is the public export hash, zero for private exports.
	ExportHash uint64

	// Data is the serialized payload after the reference table.
	Data []byte

	// Refs are the objects referenced by the payload, in table order. Nil
	// entries are references that failed to resolve.
	Refs []*Object
}

// New returns an object that is not stored in any array yet.
func New(name string, outer, class *Object, flags Flags) *Object {
	o := &Object{Name: name, Outer: outer, Class: class}
	o.index.Store(int32(InvalidIndex))
	o.flags.Store(uint32(flags))
	return o
}

// Index returns the array index of o.
func (o *Object) Index() Index { return Index(o.index.Load()) }

// Flags returns the current flags.
func (o *Object) Flags() Flags { return Flags(o.flags.Load()) }

// Has reports whether all of f are set.
func (o *Object) Has(f Flags) bool { return o.Flags()&f == f }

// Set sets f.
func (o *Object) Set(f Flags) { o.flags.Or(uint32(f)) }

// Clear clears f.
func (o *Object) Clear(f Flags) { o.flags.And(^uint32(f)) }

// Path returns the "/"-joined names of the outer chain, outermost first.
func (o *Object) Path() string {
	var parts []string
	for cur := o; cur != nil; cur = cur.Outer {
		parts = append(parts, cur.Name)
	}
	var b strings.Builder
	for i := len(parts) - 1; i >= 0; i-- {
		if !strings.HasPrefix(parts[i], "/") {
			b.WriteByte('/')
		}
		b.WriteString(parts[i])
	}
	return b.String()
}

func (o *Object) String() string { return o.Path() }

// Array stores live objects. Freed indices are reused.
type Array struct {
	mu      sync.RWMutex
	objects []*Object
	free    []Index
	live    int
}

// NewArray returns an empty array.
func NewArray() *Array {
	return &Array{}
}

// Add stores o and assigns its index.
func (a *Array) Add(o *Object) Index {
	a.mu.Lock()
	defer a.mu.Unlock()

	var idx Index
	if n := len(a.free); n > 0 {
		idx = a.free[n-1]
		a.free = a.free[:n-1]
		a.objects[idx] = o
	} else {
		idx = Index(len(a.objects))
		a.objects = append(a.objects, o)
	}
	o.index.Store(int32(idx))
	a.live++
	return idx
}

// Get returns the object at i, or nil.
func (a *Array) Get(i Index) *Object {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if i < 0 || int(i) >= len(a.objects) {
		return nil
	}
	return a.objects[i]
}

// Remove drops the object at i.
func (a *Array) Remove(i Index) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if i < 0 || int(i) >= len(a.objects) || a.objects[i] == nil {
		return
	}
	a.objects[i].index.Store(int32(InvalidIndex))
	a.objects[i] = nil
	a.free = append(a.free, i)
	a.live--
}

// Len returns the number of live objects.
func (a *Array) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.live
}

// Snapshot returns the live objects in index order.
func (a *Array) Snapshot() []*Object {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]*Object, 0, a.live)
	for _, o := range a.objects {
		if o != nil {
			out = append(out, o)
		}
	}
	return out
}
