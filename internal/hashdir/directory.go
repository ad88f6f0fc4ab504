package hashdir

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"

	"github.com/flashcore/kv/internal/coretypes"
)

// KeyVerifier confirms that the object stored at blockAddress really
// holds key, resolving the syndrome_high16 collision window. Callers
// typically implement this by reading
// the B-tree leaf record the address points at and comparing keys.
type KeyVerifier func(ctx context.Context, cntrID uint16, blockAddress uint64, key []byte) (bool, error)

// Config bundles the construction-time parameters for a Directory.
type Config struct {
	IO    coretypes.NodeIO
	Shard uint32

	// NBuckets is the number of primary (head-chain) buckets, fixed for
	// the life of the directory.
	NBuckets uint64

	// NLockGroups is the number of RWMutex stripes grouping primary
	// buckets, analogous to internal/nodecache's stripe count.
	NLockGroups uint32

	// OverflowCapacity is the total number of overflow-chain buckets
	// (SlotsPerBucket entries each) available. With LazyOverflow set it
	// caps how many overflow buckets are minted.
	OverflowCapacity uint64

	// LazyOverflow, when true, does not pre-seed the free pool: overflow
	// buckets are minted on demand up to OverflowCapacity as chains grow,
	// and the addrTable reverse map is skipped entirely, trading
	// reverse-lookup support for a smaller resident footprint on
	// memory-constrained deployments.
	LazyOverflow bool
}

// Directory is one flash-resident chained hash directory instance: a
// fixed-capacity table mapping (container id, key syndrome) to a block
// address in the slab store.
type Directory struct {
	io    coretypes.NodeIO
	shard uint32

	nBuckets    uint64
	nLockGroups uint32
	locks       []sync.RWMutex

	overflowCapacity uint64
	overflowMinted   atomic.Uint64 // only used when lazyOverflow is set
	lazyOverflow     bool

	globalFree *freeList
	lockFree   []*freeList

	liveCount atomic.Int64

	// addrTable reverse-maps a block address to the primary bucket index
	// whose chain holds it; nil when lazyOverflow is set. Implemented as
	// a map rather than a block-count-sized array: block addresses are
	// caller-assigned slab offsets, not a dense index space bounded by a
	// count this component is configured with, so a map gives the same
	// reverse-map contract without inventing a BlockCount config field
	// nothing else needs.
	addrTable   map[uint64]uint64
	addrTableMu sync.RWMutex
}

// Open constructs a Directory and materializes every bucket it will ever
// need as an empty, checksummed record; the bucket count and overflow
// capacity are fixed for the life of the directory. In LazyOverflow
// mode, only the primary buckets are materialized up front; overflow
// buckets are created on demand as chains grow.
func Open(ctx context.Context, cfg Config) (*Directory, error) {
	d := New(cfg)

	empty := (&Bucket{}).encode()

	for i := uint64(0); i < d.nBuckets; i++ {
		if err := d.io.CreateNode(ctx, d.shard, i); err != nil {
			return nil, fmt.Errorf("create primary bucket %d: %w", i, err)
		}

		if err := d.io.WriteNode(ctx, d.shard, i, empty); err != nil {
			return nil, fmt.Errorf("initialize primary bucket %d: %w", i, err)
		}
	}

	if !d.lazyOverflow {
		for i := uint64(0); i < d.overflowCapacity; i++ {
			idx := d.nBuckets + i

			if err := d.io.CreateNode(ctx, d.shard, idx); err != nil {
				return nil, fmt.Errorf("create overflow bucket %d: %w", idx, err)
			}

			if err := d.io.WriteNode(ctx, d.shard, idx, empty); err != nil {
				return nil, fmt.Errorf("initialize overflow bucket %d: %w", idx, err)
			}
		}
	}

	return d, nil
}

// New constructs a Directory around buckets that already exist in the
// backing store (e.g. reopening after a restart). Bucket indices
// [0, NBuckets) are the primary buckets; [NBuckets, NBuckets+OverflowCapacity)
// back overflow chain links.
func New(cfg Config) *Directory {
	d := &Directory{
		io:               cfg.IO,
		shard:            cfg.Shard,
		nBuckets:         cfg.NBuckets,
		nLockGroups:      cfg.NLockGroups,
		overflowCapacity: cfg.OverflowCapacity,
		lazyOverflow:     cfg.LazyOverflow,
		globalFree:       &freeList{},
	}

	if d.nLockGroups == 0 {
		d.nLockGroups = 1
	}

	d.locks = make([]sync.RWMutex, d.nLockGroups)
	d.lockFree = make([]*freeList, d.nLockGroups)
	for i := range d.lockFree {
		d.lockFree[i] = &freeList{}
	}

	if !d.lazyOverflow {
		for i := uint64(0); i < d.overflowCapacity; i++ {
			d.globalFree.push(d.nBuckets + i)
		}

		d.addrTable = make(map[uint64]uint64)
	}

	return d
}

// recordAddr stores blockAddress -> head bucket index in addrTable; a
// no-op in storm mode, where addrTable is nil.
func (d *Directory) recordAddr(blockAddress, head uint64) {
	if d.addrTable == nil {
		return
	}

	d.addrTableMu.Lock()
	d.addrTable[blockAddress] = head
	d.addrTableMu.Unlock()
}

// clearAddr removes blockAddress's reverse-map entry; a no-op in storm
// mode.
func (d *Directory) clearAddr(blockAddress uint64) {
	if d.addrTable == nil {
		return
	}

	d.addrTableMu.Lock()
	delete(d.addrTable, blockAddress)
	d.addrTableMu.Unlock()
}

// LookupByAddr resolves a block address straight to its entry via
// addrTable, without recomputing a syndrome from a key, taking the lock
// of the bucket the reverse map names. This is the path the slab
// sweep's obj_valid predicate and reclamation use, since they only have
// an address, not the original key. Returns found=false with a nil error
// both when the directory is in storm mode (no addrTable) and when the
// address is simply unknown.
func (d *Directory) LookupByAddr(ctx context.Context, blockAddress uint64) (cntrID uint16, blocks uint32, found bool, err error) {
	if d.addrTable == nil {
		return 0, 0, false, nil
	}

	d.addrTableMu.RLock()
	head, ok := d.addrTable[blockAddress]
	d.addrTableMu.RUnlock()

	if !ok {
		return 0, 0, false, nil
	}

	group := d.lockGroupFor(head)

	d.locks[group].RLock()
	defer d.locks[group].RUnlock()

	links, err := d.walkChain(ctx, head)
	if err != nil {
		return 0, 0, false, err
	}

	for _, link := range links {
		for _, e := range link.bucket.Entries {
			if e.live() && e.BlockAddress == blockAddress {
				return e.CntrID, e.Blocks, true, nil
			}
		}
	}

	return 0, 0, false, nil
}

// mintOverflow allocates a never-before-used overflow bucket index,
// bounded by OverflowCapacity, for LazyOverflow directories.
func (d *Directory) mintOverflow() (uint64, bool) {
	for {
		cur := d.overflowMinted.Load()
		if cur >= d.overflowCapacity {
			return 0, false
		}

		if d.overflowMinted.CompareAndSwap(cur, cur+1) {
			return d.nBuckets + cur, true
		}
	}
}

// syndrome computes hash(key) mixed with cntrID so that different
// containers spread across disjoint regions of syndrome space. The
// mixing constant is a standard 64-bit fixed-point golden-ratio
// multiplier, used only to decorrelate the container id from the hash,
// not for its own hashing strength.
func syndrome(key []byte, cntrID uint16) uint64 {
	h := fnv.New64a()
	_, _ = h.Write(key)

	return h.Sum64() ^ (uint64(cntrID) * 0x9E3779B97F4A7C15)
}

func (d *Directory) bucketIndexFor(syn uint64) uint64 {
	return syn % d.nBuckets
}

func (d *Directory) lockGroupFor(bucketIdx uint64) uint32 {
	return uint32(bucketIdx % uint64(d.nLockGroups))
}

func (d *Directory) readBucket(ctx context.Context, idx uint64) (*Bucket, error) {
	buf, err := d.io.ReadNode(ctx, d.shard, idx)
	if err != nil {
		return nil, fmt.Errorf("read bucket %d: %w", idx, err)
	}

	return decodeBucket(buf)
}

func (d *Directory) writeBucket(ctx context.Context, idx uint64, b *Bucket) error {
	if err := d.io.WriteNode(ctx, d.shard, idx, b.encode()); err != nil {
		return fmt.Errorf("write bucket %d: %w", idx, err)
	}

	return nil
}

// chainLink is one bucket visited while walking a key's overflow chain.
type chainLink struct {
	idx    uint64
	bucket *Bucket
}

// walkChain reads every bucket in the chain starting at headIdx, in
// order.
func (d *Directory) walkChain(ctx context.Context, headIdx uint64) ([]chainLink, error) {
	var links []chainLink

	idx := headIdx
	for {
		b, err := d.readBucket(ctx, idx)
		if err != nil {
			return nil, err
		}

		links = append(links, chainLink{idx: idx, bucket: b})

		if b.Next == 0 {
			return links, nil
		}

		idx = b.Next
	}
}

// Lookup walks key's bucket chain for entries whose syndrome_high16 and
// container id match, confirming each candidate with verify. Returns the
// first verified match.
func (d *Directory) Lookup(ctx context.Context, cntrID uint16, key []byte, verify KeyVerifier) (blockAddress uint64, blocks uint32, found bool, err error) {
	syn := syndrome(key, cntrID)
	head := d.bucketIndexFor(syn)
	group := d.lockGroupFor(head)
	high16 := uint16(syn >> 48)

	d.locks[group].RLock()
	defer d.locks[group].RUnlock()

	links, err := d.walkChain(ctx, head)
	if err != nil {
		return 0, 0, false, err
	}

	for _, link := range links {
		for _, e := range link.bucket.Entries {
			if !e.live() || e.CntrID != cntrID || e.SyndromeHigh16 != high16 {
				continue
			}

			ok, verr := verify(ctx, cntrID, e.BlockAddress, key)
			if verr != nil {
				return 0, 0, false, verr
			}

			if ok {
				return e.BlockAddress, e.Blocks, true, nil
			}
		}
	}

	return 0, 0, false, nil
}

// ObjValid is the slab-sweep validity predicate: it reports whether the
// object recorded at blockAddress is still the live directory entry for
// (cntrID, key). The syndrome is recomputed from the key and the bucket
// chain walked under the bucket's read lock, matching on container id,
// syndrome prefix, and block address. It never consults addrTable, so it
// works identically in storm mode.
func (d *Directory) ObjValid(ctx context.Context, cntrID uint16, key []byte, blockAddress uint64) (bool, error) {
	syn := syndrome(key, cntrID)
	head := d.bucketIndexFor(syn)
	group := d.lockGroupFor(head)
	high16 := uint16(syn >> 48)

	d.locks[group].RLock()
	defer d.locks[group].RUnlock()

	links, err := d.walkChain(ctx, head)
	if err != nil {
		return false, err
	}

	for _, link := range links {
		for _, e := range link.bucket.Entries {
			if e.live() && e.CntrID == cntrID && e.SyndromeHigh16 == high16 && e.BlockAddress == blockAddress {
				return true, nil
			}
		}
	}

	return false, nil
}

// Insert adds a new entry for key. Returns ErrDirectoryFull if every
// insertion-priority tier is exhausted.
func (d *Directory) Insert(ctx context.Context, cntrID uint16, key []byte, blockAddress uint64, blocks uint32) error {
	syn := syndrome(key, cntrID)
	head := d.bucketIndexFor(syn)
	group := d.lockGroupFor(head)

	d.locks[group].Lock()
	defer d.locks[group].Unlock()

	if err := d.insertLocked(ctx, group, head, Entry{
		Used:           true,
		CntrID:         cntrID,
		SyndromeHigh16: uint16(syn >> 48),
		BlockAddress:   blockAddress,
		Blocks:         blocks,
	}, true); err != nil {
		return err
	}

	d.recordAddr(blockAddress, head)

	return nil
}

// InsertByAddr re-inserts a directory entry whose syndrome is already
// known, used by slab reclamation where the caller carries a stored
// syndrome field rather than a live key.
func (d *Directory) InsertByAddr(ctx context.Context, cntrID uint16, fullSyndrome uint64, blockAddress uint64, blocks uint32) error {
	head := d.bucketIndexFor(fullSyndrome)
	group := d.lockGroupFor(head)

	d.locks[group].Lock()
	defer d.locks[group].Unlock()

	if err := d.insertLocked(ctx, group, head, Entry{
		Used:           true,
		CntrID:         cntrID,
		SyndromeHigh16: uint16(fullSyndrome >> 48),
		BlockAddress:   blockAddress,
		Blocks:         blocks,
	}, true); err != nil {
		return err
	}

	d.recordAddr(blockAddress, head)

	return nil
}

// RecoveryInsert replays a directory entry observed during crash
// recovery while walking the persisted on-flash object directory.
// Unlike InsertByAddr, which recomputes the
// bucket index by hashing fullSyndrome, RecoveryInsert takes bucketIdx
// straight from the persisted object record being replayed: the
// record was written under that bucket, and recomputing it from the
// syndrome is both redundant and, if the directory's bucket count ever
// changed across the crash, wrong. The entry is seeded with the
// persisted record's own {blocks, deleted, syndrome, cntr_id,
// block_offset/blockAddress} rather than assumed live, so a recovered
// tombstone replays as a tombstone.
func (d *Directory) RecoveryInsert(ctx context.Context, bucketIdx uint64, cntrID uint16, fullSyndrome uint64, blockAddress uint64, blocks uint32, deleted bool) error {
	group := d.lockGroupFor(bucketIdx)

	d.locks[group].Lock()
	defer d.locks[group].Unlock()

	e := Entry{
		Used:           true,
		Deleted:        deleted,
		CntrID:         cntrID,
		SyndromeHigh16: uint16(fullSyndrome >> 48),
		BlockAddress:   blockAddress,
		Blocks:         blocks,
	}

	if err := d.insertLocked(ctx, group, bucketIdx, e, !deleted); err != nil {
		return err
	}

	if !deleted {
		d.recordAddr(blockAddress, bucketIdx)
	}

	return nil
}

func (d *Directory) insertLocked(ctx context.Context, group uint32, head uint64, e Entry, countLive bool) error {
	links, err := d.walkChain(ctx, head)
	if err != nil {
		return err
	}

	for _, link := range links {
		for i := range link.bucket.Entries {
			if link.bucket.Entries[i].live() {
				continue
			}

			link.bucket.Entries[i] = e
			if err := d.writeBucket(ctx, link.idx, link.bucket); err != nil {
				return err
			}

			if countLive {
				d.liveCount.Add(1)
			}

			return nil
		}
	}

	newIdx, err := d.acquireOverflow(group)
	if err != nil {
		return err
	}

	newBucket := &Bucket{}
	newBucket.Entries[0] = e

	if err := d.writeBucket(ctx, newIdx, newBucket); err != nil {
		return err
	}

	tail := links[len(links)-1]
	tail.bucket.Next = newIdx

	if err := d.writeBucket(ctx, tail.idx, tail.bucket); err != nil {
		return err
	}

	if countLive {
		d.liveCount.Add(1)
	}

	return nil
}

// Delete removes key's entry, compacting the chain by moving the chain's
// last live entry into the vacated slot rather than leaving a hole.
// A chained bucket that becomes fully empty as a result is returned to
// its lock group's free list.
//
// Like Lookup, candidate slots are filtered on container id and syndrome
// prefix and then confirmed with verify: the 16-bit prefix alone cannot
// rule out a same-chain collision, and deleting an unconfirmed match
// would remove some other key's entry.
func (d *Directory) Delete(ctx context.Context, cntrID uint16, key []byte, verify KeyVerifier) error {
	syn := syndrome(key, cntrID)
	head := d.bucketIndexFor(syn)
	group := d.lockGroupFor(head)
	high16 := uint16(syn >> 48)

	d.locks[group].Lock()
	defer d.locks[group].Unlock()

	links, err := d.walkChain(ctx, head)
	if err != nil {
		return err
	}

	targetLink, targetSlot := -1, -1
	lastLink, lastSlot := -1, -1

	for li, link := range links {
		for si := range link.bucket.Entries {
			e := &link.bucket.Entries[si]
			if !e.live() {
				continue
			}

			if targetLink < 0 && e.CntrID == cntrID && e.SyndromeHigh16 == high16 {
				ok, verr := verify(ctx, cntrID, e.BlockAddress, key)
				if verr != nil {
					return verr
				}

				if ok {
					targetLink, targetSlot = li, si
				}
			}

			lastLink, lastSlot = li, si
		}
	}

	if targetLink < 0 {
		return fmt.Errorf("delete: %w", ErrNotFound)
	}

	removedAddr := links[targetLink].bucket.Entries[targetSlot].BlockAddress

	dirty := map[int]bool{}

	if targetLink == lastLink && targetSlot == lastSlot {
		links[targetLink].bucket.Entries[targetSlot] = Entry{}
	} else {
		links[targetLink].bucket.Entries[targetSlot] = links[lastLink].bucket.Entries[lastSlot]
		links[lastLink].bucket.Entries[lastSlot] = Entry{}
		dirty[targetLink] = true
	}

	dirty[lastLink] = true

	// An emptied non-head bucket is unlinked from the chain and returned
	// to its lock group's free list.
	if lastLink > 0 && bucketEmpty(links[lastLink].bucket) {
		links[lastLink-1].bucket.Next = 0
		dirty[lastLink-1] = true
		delete(dirty, lastLink)

		d.releaseOverflow(group, links[lastLink].idx)
	}

	for li := range dirty {
		if err := d.writeBucket(ctx, links[li].idx, links[li].bucket); err != nil {
			return err
		}
	}

	d.clearAddr(removedAddr)
	d.liveCount.Add(-1)

	return nil
}

func bucketEmpty(b *Bucket) bool {
	for _, e := range b.Entries {
		if e.live() {
			return false
		}
	}

	return true
}

// LiveCount returns the number of entries currently stored.
func (d *Directory) LiveCount() int64 { return d.liveCount.Load() }
