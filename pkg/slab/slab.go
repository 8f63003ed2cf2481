// Package slab is an arena allocator that hands out generation-checked
// handles instead of pointers.
//
// Freed slots are recycled through a free list. A stale handle (one whose slot
// was freed and possibly reused) is detected by its generation and rejected,
// so a late Get or Free after completion can never reach another owner's data.
package slab

import (
	"errors"
	"sync"
)

// ErrStaleHandle is returned when a handle no longer refers to a live slot.
var ErrStaleHandle = errors.New("slab: stale handle")

// Handle references a slot. The zero Handle is never valid.
type Handle struct {
	index uint32
	gen   uint32
}

// IsZero reports whether h is the zero handle.
func (h Handle) IsZero() bool {
	return h.gen == 0
}

// Index returns the slot index, useful as a compact key in logs.
func (h Handle) Index() uint32 {
	return h.index
}

type slot[T any] struct {
	value T
	gen   uint32 // odd = live, even = free
	next  int32  // free list link
}

// Pool stores values of type T in chunks of fixed size.
// Pointers returned by Get stay valid until the slot is freed.
type Pool[T any] struct {
	mu        sync.Mutex
	chunks    [][]slot[T]
	chunkSize int
	freeHead  int32
	live      int
}

// New creates a pool allocating chunkSize slots at a time.
func New[T any](chunkSize int) *Pool[T] {
	if chunkSize <= 0 {
		chunkSize = 256
	}
	return &Pool[T]{chunkSize: chunkSize, freeHead: -1}
}

func (p *Pool[T]) at(index uint32) *slot[T] {
	return &p.chunks[int(index)/p.chunkSize][int(index)%p.chunkSize]
}

func (p *Pool[T]) grow() {
	base := len(p.chunks) * p.chunkSize
	c := make([]slot[T], p.chunkSize)
	for i := range c {
		c[i].next = int32(base + i + 1)
	}
	c[len(c)-1].next = p.freeHead
	p.chunks = append(p.chunks, c)
	p.freeHead = int32(base)
}

// Alloc reserves a slot initialized to v and returns its handle and address.
func (p *Pool[T]) Alloc(v T) (Handle, *T) {
	p.mu.Lock()
	defer p.mu.Unlock()

	h, s := p.take()
	s.value = v
	return h, &s.value
}

// AllocZero reserves a zeroed slot. Use it for values that must not be
// copied, such as structs holding atomics, and initialize them in place.
func (p *Pool[T]) AllocZero() (Handle, *T) {
	p.mu.Lock()
	defer p.mu.Unlock()

	h, s := p.take()
	return h, &s.value
}

func (p *Pool[T]) take() (Handle, *slot[T]) {
	if p.freeHead < 0 {
		p.grow()
	}
	idx := uint32(p.freeHead)
	s := p.at(idx)
	p.freeHead = s.next
	s.next = -1
	s.gen++ // even -> odd
	p.live++
	return Handle{index: idx, gen: s.gen}, s
}

// Get returns the value of a live handle.
func (p *Pool[T]) Get(h Handle) (*T, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, err := p.lookup(h)
	if err != nil {
		return nil, err
	}
	return &s.value, nil
}

func (p *Pool[T]) lookup(h Handle) (*slot[T], error) {
	if h.IsZero() || int(h.index) >= len(p.chunks)*p.chunkSize {
		return nil, ErrStaleHandle
	}
	s := p.at(h.index)
	if s.gen != h.gen {
		return nil, ErrStaleHandle
	}
	return s, nil
}

// Free releases the slot of h. Freeing a stale handle is an error.
func (p *Pool[T]) Free(h Handle) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, err := p.lookup(h)
	if err != nil {
		return err
	}
	var zero T
	s.value = zero
	s.gen++ // odd -> even
	s.next = p.freeHead
	p.freeHead = int32(h.index)
	p.live--
	return nil
}

// Len returns the number of live slots.
func (p *Pool[T]) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.live
}

// Cap returns the number of allocated slots, live or free.
func (p *Pool[T]) Cap() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.chunks) * p.chunkSize
}
