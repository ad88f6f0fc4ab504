package btree

import (
	"context"
	"fmt"

	"github.com/flashcore/kv/internal/coretypes"
	"github.com/flashcore/kv/internal/nodestore"
)

// Insert writes key/value, failing with ErrKeyExists if key is already
// present.
func (t *Tree) Insert(ctx context.Context, key, value []byte) error {
	return t.write(ctx, key, value, WriteCreate)
}

// Update overwrites an existing key's value, failing with ErrKeyNotFound
// if key is absent.
func (t *Tree) Update(ctx context.Context, key, value []byte) error {
	return t.write(ctx, key, value, WriteUpdate)
}

// Upsert writes key/value regardless of whether key was already present.
func (t *Tree) Upsert(ctx context.Context, key, value []byte) error {
	return t.write(ctx, key, value, WriteSet)
}

// Mwrite applies a sorted batch of same-WriteType writes using a
// key-window-narrowing multi-put: each
// root-to-leaf descent is driven by the window's first key, and at every
// non-leaf level the window is narrowed to the leading run of objects
// that share the chosen child's subtree, so one descent commits every
// object that lands in the same leaf atomically instead of one commit
// per key. objs must already be sorted in the tree's key order (syndrome
// order for a syndrome-index tree).
//
// Per object, Mwrite stops a window's processing, without treating it
// as an error, at the first object that violates wt (present under
// WriteCreate, absent under WriteUpdate) or that would not fit in the
// leaf reached; the remainder of objs is left for the next window's
// descent, and a window that writes nothing ends the whole call, since
// the caller is responsible for retrying past a violation.
// Returns the total count of objects written; a
// non-nil error means a genuine I/O-class failure, not a violation.
func (t *Tree) Mwrite(ctx context.Context, objs []Object, wt WriteType) (int, error) {
	if len(objs) == 0 {
		return 0, nil
	}

	if !t.objsSorted(objs) {
		return 0, fmt.Errorf("mwrite: objects must be sorted by key: %w", ErrInvalidInput)
	}

	total := 0

	for total < len(objs) {
		n, err := t.mwriteWindow(ctx, objs[total:], wt)
		total += n

		if err != nil {
			return total, err
		}

		if n == 0 {
			break
		}
	}

	return total, nil
}

// objsSorted reports whether objs is non-decreasing in the tree's key
// order (syndrome order for a syndrome-index tree), as Mwrite requires.
func (t *Tree) objsSorted(objs []Object) bool {
	for i := 1; i < len(objs); i++ {
		if t.leafKeyCompare(objs[i-1].Key, objs[i].Key) > 0 {
			return false
		}
	}

	return true
}

// mwriteWindow performs one root-to-leaf descent for a multi-put batch
// and writes as many leading objects of objs as land in the leaf reached,
// committing them together. Returns the count written; a zero count with
// a nil error means the first object in objs violated wt or didn't fit.
func (t *Tree) mwriteWindow(ctx context.Context, objs []Object, wt WriteType) (int, error) {
	first := objs[0]

	if t.MaxKeySize > 0 && uint32(len(first.Key)) > t.MaxKeySize {
		return 0, fmt.Errorf("key length %d exceeds max_key_size %d: %w", len(first.Key), t.MaxKeySize, errFailure)
	}

	t.treeLock.RLock()

	if err := t.ensureRootSafe(ctx, first.Key, first.Value); err != nil {
		t.treeLock.RUnlock()
		return 0, err
	}

	tx := newTxn()

	leafW, window, err := t.descendWriteLockedWindow(ctx, tx, objs)
	if err != nil {
		t.treeLock.RUnlock()
		return 0, err
	}

	written, writeErr := t.applyLeafWrites(ctx, tx, leafW, window, wt)

	leafW.Lock.Unlock()
	t.cache.Release(leafW)
	t.treeLock.RUnlock()

	// The modified-nodes commit always runs, even when writeErr is set,
	// so that proactive splits performed while descending for this
	// window are persisted.
	if err := t.commit(ctx, tx); err != nil {
		if writeErr != nil {
			return written, writeErr
		}

		return written, err
	}

	return written, writeErr
}

// write is the single-key insert/update/upsert path. It uses a proactive
// ("safe") B-tree descent: before moving into a child, the child is
// split if it could not absorb a worst-case insertion, so the write
// never needs to re-ascend or restart once past a given level.
func (t *Tree) write(ctx context.Context, key, value []byte, wt WriteType) error {
	if t.MaxKeySize > 0 && uint32(len(key)) > t.MaxKeySize {
		return fmt.Errorf("key length %d exceeds max_key_size %d: %w", len(key), t.MaxKeySize, errFailure)
	}

	t.treeLock.RLock()

	if err := t.ensureRootSafe(ctx, key, value); err != nil {
		t.treeLock.RUnlock()
		return err
	}

	tx := newTxn()

	leafW, err := t.descendWriteLocked(ctx, tx, key, value)
	if err != nil {
		t.treeLock.RUnlock()
		return err
	}

	writeErr := t.applyLeafWrite(ctx, tx, leafW, key, value, wt)

	leafW.Lock.Unlock()
	t.cache.Release(leafW)
	t.treeLock.RUnlock()

	if writeErr != nil {
		return writeErr
	}

	if err := t.commit(ctx, tx); err != nil {
		return err
	}

	return nil
}

// fullForDescent reports whether n could fail to absorb a write for a
// key/value of the given lengths, using the leaf or non-leaf fullness
// rule as appropriate.
func (t *Tree) fullForDescent(n *Node, keyLen, dataLen int) bool {
	if n.IsLeaf() {
		return t.leafFullForInsert(n, keyLen, dataLen)
	}

	return t.nonLeafFullForInsert(n)
}

// keyToLowerHalf reports whether key belongs to the lower half produced
// by a split with the given anchor.
func (t *Tree) keyToLowerHalf(key []byte, anchorKey []byte, anchorSyn uint64) bool {
	if t.syndromeIndex {
		return Syndrome(key) <= anchorSyn
	}

	return t.compareKeys(key, anchorKey) <= 0
}

// ensureRootSafe proactively splits the root if it could not absorb this
// write, creating a new root one level taller. Called with t.treeLock
// held in read mode; internally upgrades to write mode only for the
// duration of the root split itself.
func (t *Tree) ensureRootSafe(ctx context.Context, key, value []byte) error {
	rootW, err := t.loadWrapper(ctx, t.rootID.Load(), t.nonLeafLayout())
	if err != nil {
		return err
	}

	rootW.Lock.RLock()
	needsSplit := t.fullForDescent(rootW.Node(), len(key), len(value))
	rootW.Lock.RUnlock()
	t.cache.Release(rootW)

	if !needsSplit {
		return nil
	}

	t.treeLock.RUnlock()
	t.treeLock.Lock()

	defer func() {
		t.treeLock.Unlock()
		t.treeLock.RLock()
	}()

	tx := newTxn()

	rootW, err = t.loadWrapper(ctx, t.rootID.Load(), t.nonLeafLayout())
	if err != nil {
		return err
	}

	rootW.Lock.Lock()

	if !t.fullForDescent(rootW.Node(), len(key), len(value)) {
		// Another writer already split the root while we were upgrading.
		rootW.Lock.Unlock()
		t.cache.Release(rootW)

		return nil
	}

	rootLevel := rootW.Node().Level

	res, err := t.splitNode(ctx, tx, rootW)
	if err != nil {
		rootW.Lock.Unlock()
		t.cache.Release(rootW)

		return err
	}

	newRootW, err := t.createNode(ctx, false, rootLevel+1)
	if err != nil {
		rootW.Lock.Unlock()
		t.cache.Release(rootW)

		return err
	}

	newRoot := newRootW.Node()
	newRoot.Layout = t.nonLeafLayout()
	newRoot.Rightmost = rootW.ID
	t.insertAnchor(newRoot, res.anchorKey, res.anchorSyn, res.newWrapper.ID, t.seq.NextSeqno())
	newRootW.SetNode(newRoot)
	tx.touch(newRootW)

	t.setRootID(newRootW.ID)
	tx.setRoot(newRootW.ID)

	rootW.Lock.Unlock()
	t.cache.Release(rootW)
	t.cache.Release(res.newWrapper)
	t.cache.Release(newRootW)

	return t.commit(ctx, tx)
}

// descendWriteLocked walks from the root to the leaf that must hold key,
// proactively splitting any child that could not absorb the write before
// descending into it. Returns the leaf write-locked and pinned; the
// caller must unlock and release it.
func (t *Tree) descendWriteLocked(ctx context.Context, tx *txn, key, value []byte) (*nodeWrapper, error) {
	cur, err := t.loadWrapper(ctx, t.rootID.Load(), t.nonLeafLayout())
	if err != nil {
		return nil, err
	}

	cur.Lock.Lock()

	for !cur.Node().IsLeaf() {
		n := cur.Node()
		idx := t.childIndexFor(n, key)
		childID := childIDAt(n, idx)

		child, err := t.loadWrapper(ctx, childID, t.nonLeafLayout())
		if err != nil {
			cur.Lock.Unlock()
			t.cache.Release(cur)

			return nil, err
		}

		child.Lock.Lock()

		if t.fullForDescent(child.Node(), len(key), len(value)) {
			res, err := t.splitNode(ctx, tx, child)
			if err != nil {
				child.Lock.Unlock()
				t.cache.Release(child)
				cur.Lock.Unlock()
				t.cache.Release(cur)

				return nil, err
			}

			parent := cur.Node()
			t.insertAnchor(parent, res.anchorKey, res.anchorSyn, res.newWrapper.ID, t.seq.NextSeqno())
			cur.SetNode(parent)
			tx.touch(cur)

			if t.keyToLowerHalf(key, res.anchorKey, res.anchorSyn) {
				child.Lock.Unlock()
				t.cache.Release(child)

				child = res.newWrapper
				child.Lock.Lock()
			} else {
				t.cache.Release(res.newWrapper)
			}
		}

		cur.Lock.Unlock()
		t.cache.Release(cur)

		cur = child
	}

	return cur, nil
}

// boundForChild returns the anchor key/syndrome that upper-bounds the
// child chosen at index idx in n (the child holds keys <= this anchor),
// and false if idx selects Rightmost, which has no upper bound.
func boundForChild(n *Node, idx int) (key []byte, syn uint64, has bool) {
	if idx >= len(n.Records) {
		return nil, 0, false
	}

	rec := n.Records[idx]

	return rec.Key, rec.Syndrome, true
}

// windowUnderBound returns the length of the leading run of objs whose
// key falls at or below the given bound, i.e. the objects that share the
// subtree rooted at the child the bound describes. With hasBound false
// (the rightmost child), every remaining object qualifies.
func (t *Tree) windowUnderBound(objs []Object, boundKey []byte, boundSyn uint64, hasBound bool) int {
	if !hasBound {
		return len(objs)
	}

	n := 0
	for n < len(objs) {
		var within bool
		if t.syndromeIndex {
			within = Syndrome(objs[n].Key) <= boundSyn
		} else {
			within = t.compareKeys(objs[n].Key, boundKey) <= 0
		}

		if !within {
			break
		}

		n++
	}

	return n
}

// descendWriteLockedWindow walks from root to leaf the way
// descendWriteLocked does for a single key, proactively splitting any
// full child before descending into it, and additionally narrows objs at
// every non-leaf level to the leading run that the chosen child's subtree
// can answer for. The
// narrowed window returned alongside the leaf is exactly the objects the
// caller may write at that leaf; anything past it belongs to the next
// window's own descent.
func (t *Tree) descendWriteLockedWindow(ctx context.Context, tx *txn, objs []Object) (*nodeWrapper, []Object, error) {
	first := objs[0]

	cur, err := t.loadWrapper(ctx, t.rootID.Load(), t.nonLeafLayout())
	if err != nil {
		return nil, nil, err
	}

	cur.Lock.Lock()

	for !cur.Node().IsLeaf() {
		n := cur.Node()
		idx := t.childIndexFor(n, first.Key)
		childID := childIDAt(n, idx)

		boundKey, boundSyn, hasBound := boundForChild(n, idx)
		objs = objs[:t.windowUnderBound(objs, boundKey, boundSyn, hasBound)]

		child, err := t.loadWrapper(ctx, childID, t.nonLeafLayout())
		if err != nil {
			cur.Lock.Unlock()
			t.cache.Release(cur)

			return nil, nil, err
		}

		child.Lock.Lock()

		if t.fullForDescent(child.Node(), len(first.Key), len(first.Value)) {
			res, err := t.splitNode(ctx, tx, child)
			if err != nil {
				child.Lock.Unlock()
				t.cache.Release(child)
				cur.Lock.Unlock()
				t.cache.Release(cur)

				return nil, nil, err
			}

			parent := cur.Node()
			t.insertAnchor(parent, res.anchorKey, res.anchorSyn, res.newWrapper.ID, t.seq.NextSeqno())
			cur.SetNode(parent)
			tx.touch(cur)

			if t.keyToLowerHalf(first.Key, res.anchorKey, res.anchorSyn) {
				child.Lock.Unlock()
				t.cache.Release(child)

				child = res.newWrapper
				child.Lock.Lock()

				// The split tightened the bound on first's subtree to the
				// split's own anchor, so the window narrows again.
				objs = objs[:t.windowUnderBound(objs, res.anchorKey, res.anchorSyn, true)]
			} else {
				t.cache.Release(res.newWrapper)
			}
		}

		cur.Lock.Unlock()
		t.cache.Release(cur)

		cur = child
	}

	return cur, objs, nil
}

// applyLeafWrites is the batched counterpart of applyLeafWrite: it writes
// as many leading objects of window as fit into a leaf already proven
// (via descendWriteLockedWindow) to share that leaf, stopping, without
// error, at the first object that violates wt or that the leaf has no
// room for, since that is the caller's cue to re-descend from there. A
// non-nil error only ever reports a genuine I/O-class failure such as a
// failed overflow-chain allocation.
func (t *Tree) applyLeafWrites(ctx context.Context, tx *txn, leafW *nodeWrapper, window []Object, wt WriteType) (int, error) {
	n := leafW.Node()
	written := 0

	for _, obj := range window {
		idx, found := t.findLeafRecord(n, obj.Key)

		if wt == WriteCreate && found {
			break
		}

		if wt == WriteUpdate && !found {
			break
		}

		if n.FreeBytes() < RequiredBytesForInsert(len(obj.Key), len(obj.Value), t.BigObjectThreshold) {
			break
		}

		rec := Record{
			Key:   append([]byte(nil), obj.Key...),
			Seqno: t.seq.NextSeqno(),
		}

		if t.syndromeIndex {
			rec.Syndrome = Syndrome(obj.Key)
		}

		dataLen := uint32(len(obj.Value))
		rec.DataLen = dataLen

		if uint32(len(obj.Key))+dataLen < t.BigObjectThreshold {
			rec.InlineValue = append([]byte(nil), obj.Value...)
		} else {
			headID, chain, err := t.allocateOverflowChain(ctx, obj.Value)
			if err != nil {
				if written > 0 {
					leafW.SetNode(n)
					tx.touch(leafW)
				}

				return written, fmt.Errorf("allocate overflow chain: %w", err)
			}

			rec.ValuePtr = headID
			for _, w := range chain {
				tx.touch(w)
				t.cache.Release(w)
			}
		}

		if found {
			if old := n.Records[idx]; old.IsOverflowed() {
				if err := t.deleteOverflowChain(ctx, tx, old.ValuePtr); err != nil {
					if written > 0 {
						leafW.SetNode(n)
						tx.touch(leafW)
					}

					return written, err
				}
			}

			n.Records[idx] = rec
		} else {
			n.Records = append(n.Records, Record{})
			copy(n.Records[idx+1:], n.Records[idx:])
			n.Records[idx] = rec
		}

		written++
	}

	if written > 0 {
		leafW.SetNode(n)
		tx.touch(leafW)
	}

	return written, nil
}

// applyLeafWrite performs the actual record insert/replace at a leaf
// that has already been proven to have room. Allocates an overflow chain
// for big objects.
func (t *Tree) applyLeafWrite(ctx context.Context, tx *txn, leafW *nodeWrapper, key, value []byte, wt WriteType) error {
	n := leafW.Node()

	idx, found := t.findLeafRecord(n, key)

	switch wt {
	case WriteCreate:
		if found {
			return fmt.Errorf("key %x: %w", key, ErrKeyExists)
		}
	case WriteUpdate:
		if !found {
			return fmt.Errorf("key %x: %w", key, ErrKeyNotFound)
		}
	}

	rec := Record{
		Key:   append([]byte(nil), key...),
		Seqno: t.seq.NextSeqno(),
	}

	if t.syndromeIndex {
		rec.Syndrome = Syndrome(key)
	}

	dataLen := uint32(len(value))
	rec.DataLen = dataLen

	if uint32(len(key))+dataLen < t.BigObjectThreshold {
		rec.InlineValue = append([]byte(nil), value...)
	} else {
		headID, chain, err := t.allocateOverflowChain(ctx, value)
		if err != nil {
			return fmt.Errorf("allocate overflow chain: %w", err)
		}

		rec.ValuePtr = headID
		for _, w := range chain {
			tx.touch(w)
			t.cache.Release(w)
		}
	}

	if found {
		// Replacing a record whose old value lived in an overflow chain
		// frees the chain; the new value already has its own.
		if old := n.Records[idx]; old.IsOverflowed() {
			if err := t.deleteOverflowChain(ctx, tx, old.ValuePtr); err != nil {
				return err
			}
		}

		n.Records[idx] = rec
	} else {
		n.Records = append(n.Records, Record{})
		copy(n.Records[idx+1:], n.Records[idx:])
		n.Records[idx] = rec
	}

	leafW.SetNode(n)
	tx.touch(leafW)

	return nil
}

// createOverflowNode allocates a fresh logical id for one overflow-chain
// link.
func (t *Tree) createOverflowNode(ctx context.Context) (*nodeWrapper, error) {
	id, err := t.store.AllocateLogicalID(ctx)
	if err != nil {
		return nil, fmt.Errorf("allocate logical id: %w", err)
	}

	if err := t.store.CreateNode(ctx, id); err != nil {
		return nil, fmt.Errorf("create overflow node: %w", err)
	}

	n := &Node{Flags: FlagOverflow, LogicalID: id, nodeSize: t.NodeSize}
	t.Stats.NodeCount.Add(1)

	w := t.cache.Add(id, n)
	w.MarkDirty()

	return w, nil
}

// allocateOverflowChain splits value into nodesize_less_hdr-sized chunks
// and chains them via Next, returning the head logical id and the
// pinned, dirty wrappers for every link so the caller can add them to
// its transaction buffer. On failure partway through, the
// already-allocated prefix is rolled back via a best-effort immediate
// delete.
func (t *Tree) allocateOverflowChain(ctx context.Context, value []byte) (uint64, []*nodeWrapper, error) {
	chunkSize := int(t.NodeSize - HeaderSize)
	if chunkSize <= 0 {
		return 0, nil, fmt.Errorf("node size too small for overflow chunks: %w", errFailure)
	}

	var (
		headID uint64
		prev   *nodeWrapper
		chain  []*nodeWrapper
	)

	remaining := value

	for len(remaining) > 0 {
		w, err := t.createOverflowNode(ctx)
		if err != nil {
			t.rollbackOverflowChain(ctx, chain)
			return 0, nil, err
		}

		chain = append(chain, w)

		chunk := remaining
		if len(chunk) > chunkSize {
			chunk = chunk[:chunkSize]
		}

		n := w.Node()
		n.OverflowPayload = append([]byte(nil), chunk...)
		w.SetNode(n)

		if prev == nil {
			headID = w.ID
		} else {
			pn := prev.Node()
			pn.Next = w.ID
			prev.SetNode(pn)
		}

		prev = w
		remaining = remaining[len(chunk):]
	}

	return headID, chain, nil
}

// rollbackOverflowChain best-effort deletes already-allocated overflow
// nodes after a mid-chain allocation failure.
func (t *Tree) rollbackOverflowChain(ctx context.Context, chain []*nodeWrapper) {
	if len(chain) == 0 {
		return
	}

	rec := nodestore.NewCommitRecord()
	for _, w := range chain {
		rec.AddDeleted(w.ID)
	}

	if err := t.store.Commit(ctx, rec); err != nil {
		t.log.Log(coretypes.LogError, "overflow chain rollback failed", "err", err)
	}

	t.Stats.NodeCount.Add(-int64(len(chain)))

	for _, w := range chain {
		t.cache.Release(w)
		t.cache.Delete(w.ID)
	}
}
