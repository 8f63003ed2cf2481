// Package pkgstore answers "where is package X and what does it import"
// without reading the package itself. Entries come from container header
// chunks mounted through the dispatcher, from a database catalog, or are
// added directly.
package pkgstore

import (
	"sort"
	"sync"

	"github.com/marmos91/pkgload/pkg/pkgid"
)

// Entry describes one package available in a mounted store.
type Entry struct {
	ID               pkgid.ID
	Name             string
	ExportCount      uint32
	BundleCount      uint32
	ImportedPackages []pkgid.ID
	// Container names the container holding the package, empty if unknown.
	Container string
}

// Store looks up package entries.
type Store interface {
	Lookup(id pkgid.ID) (Entry, bool)
}

// Memory is a Store backed by a map. It is safe for concurrent use.
type Memory struct {
	mu      sync.RWMutex
	entries map[pkgid.ID]Entry
}

var _ Store = (*Memory)(nil)

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{entries: make(map[pkgid.ID]Entry)}
}

// Add inserts or replaces e.
func (m *Memory) Add(e Entry) {
	if !e.ID.IsValid() {
		e.ID = pkgid.FromName(e.Name)
	}
	m.mu.Lock()
	m.entries[e.ID] = e
	m.mu.Unlock()
}

// Remove drops the entry of id.
func (m *Memory) Remove(id pkgid.ID) {
	m.mu.Lock()
	delete(m.entries, id)
	m.mu.Unlock()
}

// RemoveContainer drops every entry of container and returns how many.
func (m *Memory) RemoveContainer(container string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, e := range m.entries {
		if e.Container == container {
			delete(m.entries, id)
			n++
		}
	}
	return n
}

// Lookup implements Store.
func (m *Memory) Lookup(id pkgid.ID) (Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	return e, ok
}

// Len returns the number of entries.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// List returns every entry sorted by name.
func (m *Memory) List() []Entry {
	m.mu.RLock()
	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Layered queries stores in order; the first hit wins.
type Layered []Store

var _ Store = Layered(nil)

// Lookup implements Store.
func (l Layered) Lookup(id pkgid.ID) (Entry, bool) {
	for _, s := range l {
		if e, ok := s.Lookup(id); ok {
			return e, true
		}
	}
	return Entry{}, false
}
