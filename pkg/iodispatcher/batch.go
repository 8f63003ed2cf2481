package iodispatcher

import (
	"sync/atomic"
	"time"

	"github.com/marmos91/pkgload/pkg/chunk"
	"github.com/marmos91/pkgload/pkg/slab"
)

type batchState struct {
	remaining atomic.Int32
	callback  func()
}

// Batch groups reads that are handed to the service goroutine with a single
// wake-up.
type Batch struct {
	d       *Dispatcher
	handles []slab.Handle
	issued  bool
}

// NewBatch starts an empty batch.
func (d *Dispatcher) NewBatch() *Batch {
	return &Batch{d: d}
}

// Len returns the number of reads in the batch.
func (b *Batch) Len() int {
	return len(b.handles)
}

// Read adds a read to the batch. Nothing is submitted until Issue.
func (b *Batch) Read(id chunk.ID, opts ReadOptions, priority Priority) Request {
	h, br := b.d.requests.AllocZero()
	br.chunkID = id
	br.opts = opts
	br.handle = h
	br.done = make(chan struct{})
	br.priority.Store(int32(priority))
	br.refs.Store(2)

	b.handles = append(b.handles, h)
	return Request{d: b.d, h: h}
}

// Issue submits every read of the batch.
func (b *Batch) Issue() {
	b.issue(nil)
}

// IssueWithCallback submits the batch; cb runs on the service goroutine after
// the last request of the batch completed.
func (b *Batch) IssueWithCallback(cb func()) {
	b.issue(cb)
}

func (b *Batch) issue(cb func()) {
	if b.issued {
		return
	}
	b.issued = true

	var state *batchState
	if cb != nil {
		state = &batchState{callback: cb}
	}

	now := time.Now()
	reqs := make([]*BackendRequest, 0, len(b.handles))
	for _, h := range b.handles {
		br, err := b.d.requests.Get(h)
		if err != nil || !br.status.CompareAndSwap(int32(StatusUnknown), int32(StatusPending)) {
			continue
		}
		br.seq = b.d.seq.Add(1)
		br.issuedAt = now
		br.batch = state
		reqs = append(reqs, br)
	}
	if state != nil {
		state.remaining.Store(int32(len(reqs)))
		if len(reqs) == 0 {
			cb()
			return
		}
	}
	b.d.submit(reqs)
}
