// Package blockcache implements a fixed-size cache of decoded file blocks.
//
// Blocks live in preallocated slots linked into an intrusive LRU list with
// head and tail sentinels. A slot is either free, in flight (being filled by
// the goroutine that missed) or resident. Readers that hit an in-flight block
// append a scatter entry to it and are served when the fill completes, so one
// physical read satisfies every concurrent reader of the block.
package blockcache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// DefaultBypassBlocks is the span above which reads skip the cache.
const DefaultBypassBlocks = 2

// ErrBlockBounds is returned when a read starts past the valid bytes of a block.
var ErrBlockBounds = errors.New("read outside block bounds")

// Key identifies a block of a registered file.
type Key struct {
	File  uint32
	Block uint64
}

// FillFunc decodes a block into buf and returns the number of valid bytes.
type FillFunc func(buf []byte) (int, error)

// Metrics receives cache events. A nil Metrics disables instrumentation.
type Metrics interface {
	ObserveLookup(result string) // "hit", "inflight", "miss"
	ObserveEviction()
	ObserveBypass()
}

// Config configures a Cache.
type Config struct {
	// BlockSize is the size of one slot in bytes.
	BlockSize int

	// Capacity is the number of slots. Zero disables caching: every read fills
	// a scratch buffer.
	Capacity int

	// BypassBlocks is the largest span, in blocks, a read may cover and still
	// go through the cache.
	BypassBlocks int
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Hits         uint64
	InFlightHits uint64
	Misses       uint64
	Evictions    uint64
	Bypasses     uint64
	Resident     int
}

type slotState uint8

const (
	slotFree slotState = iota
	slotInFlight
	slotResident
)

type scatterEntry struct {
	dst    []byte
	offset int
	result chan scatterResult
}

type scatterResult struct {
	n   int
	err error
}

type slot struct {
	key     Key
	state   slotState
	buf     []byte
	n       int
	scatter []*scatterEntry
	done    chan struct{}

	prev, next *slot
}

// Cache is safe for concurrent use.
type Cache struct {
	cfg     Config
	metrics Metrics

	mu    sync.Mutex
	index map[Key]*slot
	head  slot // most recently used side
	tail  slot // least recently used side

	nextFile atomic.Uint32
	stats    struct {
		hits, inflight, misses, evictions, bypasses atomic.Uint64
	}
}

// New creates a cache with all slots preallocated.
func New(cfg Config, m Metrics) *Cache {
	if cfg.BlockSize <= 0 {
		cfg.BlockSize = 64 << 10
	}
	if cfg.BypassBlocks <= 0 {
		cfg.BypassBlocks = DefaultBypassBlocks
	}
	c := &Cache{
		cfg:     cfg,
		metrics: m,
		index:   make(map[Key]*slot, cfg.Capacity),
	}
	c.head.next = &c.tail
	c.tail.prev = &c.head

	for i := 0; i < cfg.Capacity; i++ {
		c.insertBefore(&c.tail, &slot{buf: make([]byte, cfg.BlockSize)})
	}
	return c
}

// insertBefore links s in front of next.
func (c *Cache) insertBefore(next, s *slot) {
	prev := next.prev
	s.prev, s.next = prev, next
	prev.next = s
	next.prev = s
}

func (c *Cache) unlink(s *slot) {
	s.prev.next = s.next
	s.next.prev = s.prev
	s.prev, s.next = nil, nil
}

func (c *Cache) moveToHead(s *slot) {
	c.unlink(s)
	c.insertBefore(c.head.next, s)
}

func (c *Cache) moveToTail(s *slot) {
	c.unlink(s)
	c.insertBefore(&c.tail, s)
}

// BlockSize returns the configured block size.
func (c *Cache) BlockSize() int {
	return c.cfg.BlockSize
}

// RegisterFile returns a file index unique to this cache.
func (c *Cache) RegisterFile() uint32 {
	return c.nextFile.Add(1)
}

// Bypass reports whether a read spanning blocks should skip the cache, and
// records the decision.
func (c *Cache) Bypass(blocks int) bool {
	if blocks <= c.cfg.BypassBlocks && c.cfg.Capacity > 0 {
		return false
	}
	c.stats.bypasses.Add(1)
	if c.metrics != nil {
		c.metrics.ObserveBypass()
	}
	return true
}

// Read copies the bytes of block key starting at offset into dst and returns
// the number of bytes copied. fill is called at most once per miss.
func (c *Cache) Read(ctx context.Context, key Key, dst []byte, offset int, fill FillFunc) (int, error) {
	if c.cfg.Capacity == 0 {
		return c.readUncached(dst, offset, fill)
	}

	for {
		c.mu.Lock()
		if s, ok := c.index[key]; ok {
			c.moveToHead(s)
			if s.state == slotResident {
				n, err := copyFrom(dst, s.buf[:s.n], offset)
				c.mu.Unlock()
				c.observe("hit")
				return n, err
			}
			e := &scatterEntry{dst: dst, offset: offset, result: make(chan scatterResult, 1)}
			s.scatter = append(s.scatter, e)
			c.mu.Unlock()
			c.observe("inflight")
			return c.waitScatter(ctx, s, e)
		}

		victim := c.tail.prev
		if victim.state == slotInFlight {
			done := victim.done
			c.mu.Unlock()
			select {
			case <-done:
				continue
			case <-ctx.Done():
				return 0, ctx.Err()
			}
		}

		if victim.state == slotResident {
			delete(c.index, victim.key)
			c.stats.evictions.Add(1)
			if c.metrics != nil {
				c.metrics.ObserveEviction()
			}
		}
		victim.key = key
		victim.state = slotInFlight
		victim.n = 0
		victim.done = make(chan struct{})
		c.index[key] = victim
		c.moveToHead(victim)
		c.mu.Unlock()
		c.observe("miss")

		return c.complete(victim, dst, offset, fill)
	}
}

// complete runs fill for an in-flight slot owned by the caller and services
// every scatter entry queued on it.
func (c *Cache) complete(s *slot, dst []byte, offset int, fill FillFunc) (int, error) {
	n, fillErr := fill(s.buf)

	c.mu.Lock()
	defer c.mu.Unlock()

	pending := s.scatter
	s.scatter = nil

	if fillErr != nil {
		delete(c.index, s.key)
		s.state = slotFree
		s.n = 0
		c.moveToTail(s)
		for _, e := range pending {
			e.result <- scatterResult{err: fillErr}
		}
		close(s.done)
		return 0, fillErr
	}

	s.n = n
	s.state = slotResident
	for _, e := range pending {
		cn, err := copyFrom(e.dst, s.buf[:s.n], e.offset)
		e.result <- scatterResult{n: cn, err: err}
	}
	close(s.done)
	return copyFrom(dst, s.buf[:s.n], offset)
}

func (c *Cache) waitScatter(ctx context.Context, s *slot, e *scatterEntry) (int, error) {
	select {
	case r := <-e.result:
		return r.n, r.err
	case <-ctx.Done():
	}

	// Withdraw the entry unless the fill already serviced it; a serviced entry
	// has its result buffered.
	c.mu.Lock()
	for i, q := range s.scatter {
		if q == e {
			s.scatter = append(s.scatter[:i], s.scatter[i+1:]...)
			c.mu.Unlock()
			return 0, ctx.Err()
		}
	}
	c.mu.Unlock()
	r := <-e.result
	return r.n, r.err
}

func (c *Cache) readUncached(dst []byte, offset int, fill FillFunc) (int, error) {
	buf := make([]byte, c.cfg.BlockSize)
	n, err := fill(buf)
	if err != nil {
		return 0, err
	}
	c.observe("miss")
	return copyFrom(dst, buf[:n], offset)
}

func (c *Cache) observe(result string) {
	switch result {
	case "hit":
		c.stats.hits.Add(1)
	case "inflight":
		c.stats.inflight.Add(1)
	default:
		c.stats.misses.Add(1)
	}
	if c.metrics != nil {
		c.metrics.ObserveLookup(result)
	}
}

func copyFrom(dst, block []byte, offset int) (int, error) {
	if offset < 0 || offset > len(block) || (offset == len(block) && len(dst) > 0) {
		return 0, ErrBlockBounds
	}
	return copy(dst, block[offset:]), nil
}

// Invalidate drops every resident block of file.
func (c *Cache) Invalidate(file uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for k, s := range c.index {
		if k.File != file || s.state != slotResident {
			continue
		}
		delete(c.index, k)
		s.state = slotFree
		s.n = 0
		c.moveToTail(s)
	}
}

// Stats returns a snapshot of the counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	resident := 0
	for _, s := range c.index {
		if s.state == slotResident {
			resident++
		}
	}
	c.mu.Unlock()

	return Stats{
		Hits:         c.stats.hits.Load(),
		InFlightHits: c.stats.inflight.Load(),
		Misses:       c.stats.misses.Load(),
		Evictions:    c.stats.evictions.Load(),
		Bypasses:     c.stats.bypasses.Load(),
		Resident:     resident,
	}
}
