package hashdir

import "sync"

// freeList is a mutex-protected LIFO stack of available overflow bucket
// indices. One exists per lock-bucket group (tiers 2 and 4) plus one
// global instance (tier 3).
type freeList struct {
	mu    sync.Mutex
	stack []uint64
}

func (f *freeList) push(idx uint64) {
	f.mu.Lock()
	f.stack = append(f.stack, idx)
	f.mu.Unlock()
}

func (f *freeList) pop() (uint64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.stack) == 0 {
		return 0, false
	}

	idx := f.stack[len(f.stack)-1]
	f.stack = f.stack[:len(f.stack)-1]

	return idx, true
}

func (f *freeList) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.stack)
}

// acquireOverflow implements the 4-tier insertion priority for obtaining
// a fresh overflow bucket once a key's existing chain has no free slot:
//  1. (checked by the caller before acquireOverflow is invoked: an empty
//     slot already present in the existing chain)
//  2. this lock group's own free list
//  3. the global free pool
//  4. another lock group's free list, scanned round-robin
//
// If every tier is exhausted and the directory allows lazy growth, a
// brand-new overflow bucket index is minted instead of failing outright.
func (d *Directory) acquireOverflow(group uint32) (uint64, error) {
	if idx, ok := d.lockFree[group].pop(); ok {
		return idx, nil
	}

	if idx, ok := d.globalFree.pop(); ok {
		return idx, nil
	}

	for i := uint32(1); i < d.nLockGroups; i++ {
		other := (group + i) % d.nLockGroups
		if idx, ok := d.lockFree[other].pop(); ok {
			return idx, nil
		}
	}

	if d.lazyOverflow {
		if idx, ok := d.mintOverflow(); ok {
			return idx, nil
		}
	}

	return 0, ErrDirectoryFull
}

// releaseOverflow returns a now-empty overflow bucket to its owning lock
// group's free list, the reverse of acquireOverflow's tier 2.
func (d *Directory) releaseOverflow(group uint32, idx uint64) {
	d.lockFree[group].push(idx)
}
