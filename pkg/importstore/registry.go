// Package importstore is the registry of everything another package can
// import: native objects by hash, and the loaded-package table mapping each
// package id to its root object and public exports.
//
// Each loaded-package entry carries a reference count. While it is non-zero
// the entry is pinned across collections: PinReferenced marks its public
// exports non-collectible before a collection and UnpinAll clears the marks
// after it. The collector reports unreachable objects with NotifyUnreachable,
// which only queues the batch; ProcessUnreachable applies the batches on the
// loader side, so the collector never takes the table lock.
package importstore

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/marmos91/pkgload/internal/logger"
	"github.com/marmos91/pkgload/pkg/gc"
	"github.com/marmos91/pkgload/pkg/globalref"
	"github.com/marmos91/pkgload/pkg/object"
	"github.com/marmos91/pkgload/pkg/pkgid"
)

var (
	// ErrRegistryClosed is returned after Close.
	ErrRegistryClosed = errors.New("import registry is closed")

	// ErrDuplicateNative is returned when a native hash is registered twice.
	ErrDuplicateNative = errors.New("native object already registered")

	// ErrUnknownPackage is returned for operations on packages without an entry.
	ErrUnknownPackage = errors.New("package not in loaded-package table")

	// ErrRefCountUnderflow is returned when releasing a package nobody references.
	ErrRefCountUnderflow = errors.New("package reference count underflow")

	// ErrPinnedExportCollected is returned in verification mode when an
	// export of a referenced package shows up in an unreachable batch.
	ErrPinnedExportCollected = errors.New("pinned export reported unreachable")
)

// EntryFlags describe the load state of a package entry.
type EntryFlags uint32

const (
	FlagMissing EntryFlags = 1 << iota
	FlagFailed
	FlagAllPublicExportsLoaded
)

// Config configures a Registry.
type Config struct {
	// Verify checks every unreachable batch against the pinned set.
	Verify bool
}

// EntryInfo is a snapshot of one loaded-package entry.
type EntryInfo struct {
	ID          pkgid.ID
	Root        *object.Object
	RefCount    int32
	Flags       EntryFlags
	ExportCount int
	Pinned      bool
}

type entry struct {
	id       pkgid.ID
	root     *object.Object
	exports  map[uint64]*object.Object
	refCount int32
	flags    EntryFlags
	pinned   bool
}

func (e *entry) info() EntryInfo {
	return EntryInfo{
		ID:          e.id,
		Root:        e.root,
		RefCount:    e.refCount,
		Flags:       e.flags,
		ExportCount: len(e.exports),
		Pinned:      e.pinned,
	}
}

var _ gc.Listener = (*Registry)(nil)

// Registry is the process import store. Create one with New and Close it on
// shutdown; it is passed explicitly to the loader and the collector.
type Registry struct {
	verify bool

	mu       sync.Mutex
	natives  map[uint64]*object.Object
	packages map[pkgid.ID]*entry
	owners   map[*object.Object]pkgid.ID
	// aliases records the redirect source packages o is also importable from
	aliases map[*object.Object]map[pkgid.ID]uint64
	closed  bool

	// unreachable batches, guarded separately from the table
	queueMu sync.Mutex
	queue   [][]*object.Object
	lookup  func(object.Index) *object.Object
}

// New creates a registry. lookup resolves collector indices to objects; it
// is normally (*object.Array).Get.
func New(cfg Config, lookup func(object.Index) *object.Object) *Registry {
	return &Registry{
		verify:   cfg.Verify,
		natives:  make(map[uint64]*object.Object),
		packages: make(map[pkgid.ID]*entry),
		owners:   make(map[*object.Object]pkgid.ID),
		aliases:  make(map[*object.Object]map[pkgid.ID]uint64),
		lookup:   lookup,
	}
}

// Close drops every entry. Later mutations fail with ErrRegistryClosed.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	r.natives = map[uint64]*object.Object{}
	r.packages = map[pkgid.ID]*entry{}
	r.owners = map[*object.Object]pkgid.ID{}
	r.aliases = map[*object.Object]map[pkgid.ID]uint64{}
	return nil
}

// RegisterNative makes o importable under hash.
func (r *Registry) RegisterNative(hash uint64, o *object.Object) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRegistryClosed
	}
	if _, dup := r.natives[hash]; dup {
		return fmt.Errorf("%w: %016x", ErrDuplicateNative, hash)
	}
	o.Set(object.FlagNative)
	r.natives[hash] = o
	return nil
}

// FindNative returns the native object registered under hash.
func (r *Registry) FindNative(hash uint64) *object.Object {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.natives[hash]
}

func (r *Registry) findOrAddLocked(id pkgid.ID) (*entry, bool) {
	if e, ok := r.packages[id]; ok {
		return e, false
	}
	e := &entry{id: id, exports: make(map[uint64]*object.Object)}
	r.packages[id] = e
	return e, true
}

// FindOrAdd returns the entry of id, creating it on first reference.
func (r *Registry) FindOrAdd(id pkgid.ID) (EntryInfo, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return EntryInfo{}, false, ErrRegistryClosed
	}
	e, created := r.findOrAddLocked(id)
	return e.info(), created, nil
}

// Find returns a snapshot of the entry of id.
func (r *Registry) Find(id pkgid.ID) (EntryInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.packages[id]
	if !ok {
		return EntryInfo{}, false
	}
	return e.info(), true
}

// AddRef increments the reference count of id, creating the entry if needed.
func (r *Registry) AddRef(id pkgid.ID) (int32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, ErrRegistryClosed
	}
	e, _ := r.findOrAddLocked(id)
	e.refCount++
	return e.refCount, nil
}

// Release decrements the reference count of id.
func (r *Registry) Release(id pkgid.ID) (int32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.packages[id]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownPackage, id)
	}
	if e.refCount == 0 {
		return 0, fmt.Errorf("%w: %s", ErrRefCountUnderflow, id)
	}
	e.refCount--
	return e.refCount, nil
}

// RefCount returns the reference count of id, zero if unknown.
func (r *Registry) RefCount(id pkgid.ID) int32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.packages[id]; ok {
		return e.refCount
	}
	return 0
}

// SetRoot records the root object of the package.
func (r *Registry) SetRoot(id pkgid.ID, root *object.Object) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRegistryClosed
	}
	e, _ := r.findOrAddLocked(id)
	if e.root != nil {
		delete(r.owners, e.root)
	}
	e.root = root
	if root != nil {
		r.owners[root] = id
		if e.pinned {
			root.Set(object.FlagPinned)
		}
	}
	return nil
}

// AddPublicExport makes o importable as (id, hash).
func (r *Registry) AddPublicExport(id pkgid.ID, hash uint64, o *object.Object) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRegistryClosed
	}
	e, _ := r.findOrAddLocked(id)
	if prev, ok := e.exports[hash]; ok && prev != o {
		r.detachLocked(e, prev)
	}
	e.exports[hash] = o
	r.owners[o] = id
	if e.pinned {
		o.Set(object.FlagPinned)
	}
	return nil
}

// AddRedirectedExport makes o, owned by the package that loaded it, also
// importable as (alias, hash). Ownership and ref counting stay with the
// owner; the alias mapping goes away with o.
func (r *Registry) AddRedirectedExport(alias pkgid.ID, hash uint64, o *object.Object) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRegistryClosed
	}
	if owner, ok := r.owners[o]; ok && owner == alias {
		return nil
	}
	e, _ := r.findOrAddLocked(alias)
	if prev, ok := e.exports[hash]; ok && prev != o {
		r.detachLocked(e, prev)
	}
	e.exports[hash] = o
	set := r.aliases[o]
	if set == nil {
		set = make(map[pkgid.ID]uint64)
		r.aliases[o] = set
	}
	set[alias] = hash
	return nil
}

// detachLocked removes o from e. The object is forgotten everywhere when e
// owns it, otherwise only e's alias of it is dropped.
func (r *Registry) detachLocked(e *entry, o *object.Object) {
	if owner, ok := r.owners[o]; ok && owner == e.id {
		r.forgetLocked(o)
		return
	}
	for h, exp := range e.exports {
		if exp == o {
			delete(e.exports, h)
		}
	}
	if set := r.aliases[o]; set != nil {
		delete(set, e.id)
		if len(set) == 0 {
			delete(r.aliases, o)
		}
	}
}

// forgetLocked drops o from its owner bookkeeping and from every alias.
func (r *Registry) forgetLocked(o *object.Object) {
	delete(r.owners, o)
	for alias, h := range r.aliases[o] {
		if ae, ok := r.packages[alias]; ok && ae.exports[h] == o {
			delete(ae.exports, h)
		}
	}
	delete(r.aliases, o)
}

// FindExport resolves a native or package-import reference.
func (r *Registry) FindExport(ref globalref.Ref) (*object.Object, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch ref.Kind() {
	case globalref.KindNative:
		h, _ := ref.NativeHash()
		o, ok := r.natives[h]
		return o, ok
	case globalref.KindPackageImport:
		pkg, hash, _ := ref.PackageExport()
		e, ok := r.packages[pkg]
		if !ok {
			return nil, false
		}
		o, ok := e.exports[hash]
		return o, ok
	default:
		return nil, false
	}
}

// MarkAllPublicExportsLoaded sets the loaded flag and reports whether this
// call flipped it.
func (r *Registry) MarkAllPublicExportsLoaded(id pkgid.ID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.packages[id]
	if !ok || e.flags&FlagAllPublicExportsLoaded != 0 {
		return false
	}
	e.flags |= FlagAllPublicExportsLoaded
	e.flags &^= FlagFailed | FlagMissing
	return true
}

// MarkFailed flags the package as failed to load.
func (r *Registry) MarkFailed(id pkgid.ID) {
	r.setFlag(id, FlagFailed)
}

// MarkMissing flags the package as absent from every package store.
func (r *Registry) MarkMissing(id pkgid.ID) {
	r.setFlag(id, FlagMissing)
}

func (r *Registry) setFlag(id pkgid.ID, f EntryFlags) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	e, _ := r.findOrAddLocked(id)
	e.flags |= f
}

// Pin marks the root and the public exports of id non-collectible.
func (r *Registry) Pin(id pkgid.ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.packages[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPackage, id)
	}
	r.pinLocked(e)
	return nil
}

// Unpin clears the marks set by Pin.
func (r *Registry) Unpin(id pkgid.ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.packages[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPackage, id)
	}
	r.unpinLocked(e)
	return nil
}

func (r *Registry) pinLocked(e *entry) {
	e.pinned = true
	if e.root != nil {
		e.root.Set(object.FlagPinned)
	}
	for _, o := range e.exports {
		o.Set(object.FlagPinned)
	}
}

func (r *Registry) unpinLocked(e *entry) {
	e.pinned = false
	if e.root != nil {
		e.root.Clear(object.FlagPinned)
	}
	for _, o := range e.exports {
		o.Clear(object.FlagPinned)
	}
}

// PinReferenced pins every package with a non-zero reference count and
// returns how many were pinned.
func (r *Registry) PinReferenced() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.packages {
		if e.refCount > 0 {
			r.pinLocked(e)
			n++
		}
	}
	return n
}

// UnpinAll unpins every pinned package.
func (r *Registry) UnpinAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.packages {
		if e.pinned {
			r.unpinLocked(e)
		}
	}
}

// PrepareForCollect pins every referenced package.
func (r *Registry) PrepareForCollect() { r.PinReferenced() }

// CollectDone unpins what PrepareForCollect pinned.
func (r *Registry) CollectDone() { r.UnpinAll() }

// IsCollectible reports whether the exports of id may be collected.
func (r *Registry) IsCollectible(id pkgid.ID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.packages[id]
	return ok && e.refCount == 0 && !e.pinned
}

// NotifyUnreachable queues a batch of object indices the collector is about
// to sweep. The indices are resolved immediately, before the collector frees
// them. It never blocks on the loaded-package table.
func (r *Registry) NotifyUnreachable(indices []object.Index) {
	batch := make([]*object.Object, 0, len(indices))
	for _, idx := range indices {
		if o := r.lookup(idx); o != nil {
			batch = append(batch, o)
		}
	}
	if len(batch) == 0 {
		return
	}
	r.queueMu.Lock()
	r.queue = append(r.queue, batch)
	r.queueMu.Unlock()
}

// PendingUnreachable returns the number of queued batches.
func (r *Registry) PendingUnreachable() int {
	r.queueMu.Lock()
	defer r.queueMu.Unlock()
	return len(r.queue)
}

// ProcessUnreachable drains the queued batches. An entry is removed when its
// root is unreachable and nothing references it; unreachable public exports
// of unreferenced packages are dropped from their entry.
func (r *Registry) ProcessUnreachable() ([]pkgid.ID, error) {
	r.queueMu.Lock()
	batches := r.queue
	r.queue = nil
	r.queueMu.Unlock()
	if len(batches) == 0 {
		return nil, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var (
		removed []pkgid.ID
		errs    []error
	)
	for _, batch := range batches {
		for _, o := range batch {
			id, owned := r.owners[o]
			if !owned {
				continue
			}
			e := r.packages[id]
			if e.refCount > 0 {
				if r.verify {
					errs = append(errs, fmt.Errorf("%w: %s in %s (ref count %d)",
						ErrPinnedExportCollected, o.Path(), id, e.refCount))
				}
				continue
			}
			if o == e.root {
				r.removeLocked(e)
				removed = append(removed, id)
				continue
			}
			for h, exp := range e.exports {
				if exp == o {
					delete(e.exports, h)
				}
			}
			r.forgetLocked(o)
		}
	}

	if len(removed) > 0 {
		logger.Debug("unreachable packages removed", logger.KeyCount, len(removed))
	}
	return removed, errors.Join(errs...)
}

func (r *Registry) removeLocked(e *entry) {
	if e.root != nil {
		r.detachLocked(e, e.root)
	}
	for _, o := range e.exports {
		r.detachLocked(e, o)
	}
	delete(r.packages, e.id)
}

// Len returns the number of loaded-package entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.packages)
}

// Packages returns every entry id, sorted.
func (r *Registry) Packages() []pkgid.ID {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]pkgid.ID, 0, len(r.packages))
	for id := range r.packages {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
