// Package nodecache implements the L1 node cache: a partitioned mapping
// from logical node id to an in-memory node wrapper, with pin counts, a
// per-node reader-writer lock, and opportunistic eviction that notifies
// an external transaction hook.
//
// The cache is split into a fixed number of stripes, one mutex-guarded
// map per stripe, so operations on unrelated nodes rarely contend on the
// same lock. It is parameterized over the node payload type, so it does
// not depend on any one engine's node representation.
package nodecache

import (
	"sync"
	"sync/atomic"

	"github.com/flashcore/kv/internal/coretypes"
)

// DefaultStripes is the default stripe count.
const DefaultStripes = 256

// Wrapper is the in-memory handle stored in the cache for one logical id.
type Wrapper[T any] struct {
	ID uint64

	Lock sync.RWMutex // logical synchronization, independent of pin count

	pinned int32 // atomic
	dirty  atomic.Bool
	modSeq atomic.Uint64

	mu    sync.Mutex
	pnode T
}

// ModSeq returns the wrapper's current modification sequence, bumped by
// every SetNode call. Nothing in the B-tree reads it: its descents do not
// sample a node's sequence or restart when it advances.
func (w *Wrapper[T]) ModSeq() uint64 { return w.modSeq.Load() }

// Node returns the current node payload. Callers must hold Lock in the
// appropriate mode before calling.
func (w *Wrapper[T]) Node() T {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.pnode
}

// SetNode replaces the wrapped node, e.g. after a structural mutation.
func (w *Wrapper[T]) SetNode(n T) {
	w.mu.Lock()
	w.pnode = n
	w.mu.Unlock()
	w.modSeq.Add(1)
}

// MarkDirty flags the node as modified since it was loaded or last committed.
func (w *Wrapper[T]) MarkDirty() { w.dirty.Store(true) }

// Dirty reports whether the node has uncommitted modifications.
func (w *Wrapper[T]) Dirty() bool { return w.dirty.Load() }

// ClearDirty resets the dirty flag after a successful commit.
func (w *Wrapper[T]) ClearDirty() { w.dirty.Store(false) }

// Pin increments the wrapper's pin count, keeping its address and pnode
// bytes stable against opportunistic eviction.
func (w *Wrapper[T]) Pin() { atomic.AddInt32(&w.pinned, 1) }

// Unpin decrements the pin count.
func (w *Wrapper[T]) Unpin() { atomic.AddInt32(&w.pinned, -1) }

// Pinned reports whether the wrapper currently has a positive pin count.
func (w *Wrapper[T]) Pinned() bool { return atomic.LoadInt32(&w.pinned) > 0 }

type stripe[T any] struct {
	mu    sync.Mutex
	nodes map[uint64]*Wrapper[T]
}

// Cache is the L1 node cache, partitioned into a fixed number of stripes.
type Cache[T any] struct {
	stripes []*stripe[T]
	trx     coretypes.TrxHook

	hits   atomic.Uint64
	misses atomic.Uint64
}

// New creates a node cache with the given stripe count (0 uses
// [DefaultStripes]) and transaction hook (nil uses [coretypes.NopTrxHook]).
func New[T any](stripes int, trx coretypes.TrxHook) *Cache[T] {
	if stripes <= 0 {
		stripes = DefaultStripes
	}

	if trx == nil {
		trx = coretypes.NopTrxHook{}
	}

	c := &Cache[T]{stripes: make([]*stripe[T], stripes), trx: trx}
	for i := range c.stripes {
		c.stripes[i] = &stripe[T]{nodes: make(map[uint64]*Wrapper[T])}
	}

	return c
}

func (c *Cache[T]) stripeFor(id uint64) *stripe[T] {
	return c.stripes[id%uint64(len(c.stripes))]
}

// Get returns the wrapper for id with its pin count incremented, or
// (nil, false) on a miss. On a hit, the transaction hook is consulted via
// TRX_CACHE_QUERY; a veto is treated as a miss and the entry is dropped.
func (c *Cache[T]) Get(id uint64) (*Wrapper[T], bool) {
	s := c.stripeFor(id)

	s.mu.Lock()
	w, ok := s.nodes[id]
	if ok {
		w.Pin()
	}
	s.mu.Unlock()

	if !ok {
		c.misses.Add(1)
		return nil, false
	}

	if !c.trx.TrxCmd(coretypes.TrxCacheQuery, id) {
		// Veto: treat as a miss, drop the entry, let the caller reload.
		w.Unpin()
		c.Delete(id)
		c.misses.Add(1)

		return nil, false
	}

	c.hits.Add(1)

	return w, true
}

// Add inserts a freshly created or just-loaded node under its logical id.
// On a concurrent-insert race the existing wrapper is returned instead.
func (c *Cache[T]) Add(id uint64, n T) *Wrapper[T] {
	s := c.stripeFor(id)

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.nodes[id]; ok {
		existing.Pin()
		return existing
	}

	w := &Wrapper[T]{ID: id, pnode: n}
	w.Pin()
	s.nodes[id] = w

	c.trx.TrxCmd(coretypes.TrxCacheAdd, id)

	return w
}

// Release decrements a wrapper's pin count. A wrapper with a zero pin
// count that is not dirty becomes eligible for opportunistic eviction;
// eviction itself is driven by EvictClean, not by Release.
func (c *Cache[T]) Release(w *Wrapper[T]) {
	w.Unpin()
}

// Delete removes id from the cache. Must be called only after the
// deletion is durably recorded by the node store adapter.
func (c *Cache[T]) Delete(id uint64) {
	s := c.stripeFor(id)

	s.mu.Lock()
	_, existed := s.nodes[id]
	delete(s.nodes, id)
	s.mu.Unlock()

	if existed {
		c.trx.TrxCmd(coretypes.TrxCacheDel, id)
	}
}

// EvictClean scans one stripe and evicts wrappers that are unpinned and
// not dirty. Eviction is strictly opportunistic: there is no
// residency guarantee and no eviction is ever forced by this cache alone.
func (c *Cache[T]) EvictClean(stripeIdx int) int {
	s := c.stripes[stripeIdx%len(c.stripes)]

	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0

	for id, w := range s.nodes {
		if w.Pinned() || w.Dirty() {
			continue
		}

		delete(s.nodes, id)
		evicted++

		c.trx.TrxCmd(coretypes.TrxCacheDel, id)
	}

	return evicted
}

// Stats returns cumulative hit/miss counters.
func (c *Cache[T]) Stats() (hits, misses uint64) {
	return c.hits.Load(), c.misses.Load()
}

// NumStripes returns the configured stripe count.
func (c *Cache[T]) NumStripes() int { return len(c.stripes) }
