package btree

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
)

// maxRootRaceRetries bounds the retry loop for the initial root
// acquisition race, where the root id changes between loading the
// wrapper and locking it.
const maxRootRaceRetries = 8

// childIndexFor returns the index of the child that must contain key,
// using syndrome comparison for fixed-layout non-leaves and the tree's
// comparator for variable-layout non-leaves.
// The returned index i means: if i < len(Records), descend Records[i]'s
// child; if i == len(Records), descend Rightmost.
func (t *Tree) childIndexFor(n *Node, key []byte) int {
	if n.Layout == LayoutFixedNonLeaf {
		s := Syndrome(key)
		return sort.Search(len(n.Records), func(i int) bool {
			return n.Records[i].Syndrome >= s
		})
	}

	return sort.Search(len(n.Records), func(i int) bool {
		return t.compareKeys(n.Records[i].Key, key) >= 0
	})
}

// childIDAt returns the logical id of the child at index i; index
// len(Records) selects the rightmost child.
func childIDAt(n *Node, i int) uint64 {
	if i >= len(n.Records) {
		return n.Rightmost
	}

	return n.Records[i].ChildID
}

// findLeafRecord returns the insertion index for key in a leaf's Records
// and whether a record with exactly that key is already there.
func (t *Tree) findLeafRecord(n *Node, key []byte) (int, bool) {
	idx := sort.Search(len(n.Records), func(i int) bool {
		return t.leafKeyCompare(n.Records[i].Key, key) >= 0
	})

	if idx < len(n.Records) && bytes.Equal(n.Records[idx].Key, key) {
		return idx, true
	}

	return idx, false
}

// descendRead walks from the current root to the leaf that must contain
// key, holding a read lock on the leaf when it returns (ancestors are
// released as soon as their child is locked). Retries from the root if
// the root id changed during the initial acquisition.
func (t *Tree) descendRead(ctx context.Context, key []byte) (*nodeWrapper, error) {
	for attempt := 0; attempt < maxRootRaceRetries; attempt++ {
		rootID := t.rootID.Load()

		w, err := t.loadWrapper(ctx, rootID, t.nonLeafLayout())
		if err != nil {
			return nil, err
		}

		w.Lock.RLock()

		if w.Node().LogicalID != rootID && t.rootID.Load() != rootID {
			w.Lock.RUnlock()
			t.cache.Release(w)
			t.Stats.RestartCount.Add(1)

			continue
		}

		leaf, err := t.descendReadFrom(ctx, w, key)
		if err != nil {
			return nil, err
		}

		return leaf, nil
	}

	return nil, fmt.Errorf("root acquisition race exceeded %d retries: %w", maxRootRaceRetries, errors.Join(errFailure, ErrRestartExceeded))
}

// descendReadFrom walks from an already read-locked node down to the leaf.
func (t *Tree) descendReadFrom(ctx context.Context, cur *nodeWrapper, key []byte) (*nodeWrapper, error) {
	for {
		n := cur.Node()
		if n.IsLeaf() {
			return cur, nil
		}

		childID := childIDAt(n, t.childIndexFor(n, key))

		child, err := t.loadWrapper(ctx, childID, t.nonLeafLayout())
		if err != nil {
			cur.Lock.RUnlock()
			t.cache.Release(cur)

			return nil, err
		}

		child.Lock.RLock()
		cur.Lock.RUnlock()
		t.cache.Release(cur)

		cur = child
	}
}

// releaseRead unlocks and releases a wrapper obtained via descendRead.
func (t *Tree) releaseRead(w *nodeWrapper) {
	w.Lock.RUnlock()
	t.cache.Release(w)
}

// A scan position names the boundary an enumeration has reached: the
// last key handed out (strict resume) or the key to start from
// (inclusive resume). In a syndrome-index tree a position recovered from
// a fixed-layout anchor carries only a syndrome (synOnly); anchors there
// store no key bytes.
//
// posChildIndex picks the child of n that could hold the first key after
// the position. A nil-key, non-synOnly position means "from the very
// beginning" and always selects the leftmost child.
func (t *Tree) posChildIndex(n *Node, posKey []byte, posSyn uint64, synOnly, strict bool) int {
	if posKey == nil && !synOnly {
		return 0
	}

	if n.Layout == LayoutFixedNonLeaf {
		if synOnly && strict {
			return sort.Search(len(n.Records), func(i int) bool {
				return n.Records[i].Syndrome > posSyn
			})
		}

		// A key-carrying position must still descend into an
		// equal-syndrome child: records tying on syndrome are ordered by
		// key bytes inside the leaf.
		return sort.Search(len(n.Records), func(i int) bool {
			return n.Records[i].Syndrome >= posSyn
		})
	}

	if strict {
		return sort.Search(len(n.Records), func(i int) bool {
			return t.compareKeys(n.Records[i].Key, posKey) > 0
		})
	}

	return sort.Search(len(n.Records), func(i int) bool {
		return t.compareKeys(n.Records[i].Key, posKey) >= 0
	})
}

// firstRecordAfter returns the index of the first leaf record past the
// scan position, or len(Records) if the leaf has none.
func (t *Tree) firstRecordAfter(n *Node, posKey []byte, posSyn uint64, synOnly, strict bool) int {
	if posKey == nil && !synOnly {
		return 0
	}

	return sort.Search(len(n.Records), func(i int) bool {
		rec := &n.Records[i]

		if t.syndromeIndex {
			if rec.Syndrome != posSyn {
				return rec.Syndrome > posSyn
			}

			if synOnly {
				return !strict
			}

			c := bytes.Compare(rec.Key, posKey)
			if strict {
				return c > 0
			}

			return c >= 0
		}

		c := t.compareKeys(rec.Key, posKey)
		if strict {
			return c > 0
		}

		return c >= 0
	})
}

// leafForPos descends to the leaf that could hold the first key after
// the scan position, locking each level in the requested mode with lock
// coupling. Alongside the leaf it returns the tightest anchor
// upper-bounding the leaf's subtree on the descent path: when the leaf
// turns out to hold nothing past the position, every later key lies
// beyond that bound, so the caller re-descends from it. hasBound is
// false when the descent followed Rightmost at every level, meaning the
// leaf's subtree is unbounded above. boundKey is nil for a fixed-layout
// anchor (syndrome only).
func (t *Tree) leafForPos(ctx context.Context, posKey []byte, posSyn uint64, synOnly, strict, write bool) (w *nodeWrapper, boundKey []byte, boundSyn uint64, hasBound bool, err error) {
	lock := func(n *nodeWrapper) {
		if write {
			n.Lock.Lock()
		} else {
			n.Lock.RLock()
		}
	}
	unlock := func(n *nodeWrapper) {
		if write {
			n.Lock.Unlock()
		} else {
			n.Lock.RUnlock()
		}
	}

	cur, err := t.loadWrapper(ctx, t.rootID.Load(), t.nonLeafLayout())
	if err != nil {
		return nil, nil, 0, false, err
	}

	lock(cur)

	for !cur.Node().IsLeaf() {
		n := cur.Node()
		idx := t.posChildIndex(n, posKey, posSyn, synOnly, strict)

		if idx < len(n.Records) {
			boundKey = n.Records[idx].Key
			boundSyn = n.Records[idx].Syndrome
			hasBound = true
		}

		child, cerr := t.loadWrapper(ctx, childIDAt(n, idx), t.nonLeafLayout())
		if cerr != nil {
			unlock(cur)
			t.cache.Release(cur)

			return nil, nil, 0, false, cerr
		}

		lock(child)
		unlock(cur)
		t.cache.Release(cur)

		cur = child
	}

	return cur, boundKey, boundSyn, hasBound, nil
}
