package btree

import (
	"context"
	"errors"
	"fmt"
)

// isMinimal reports whether a node has shrunk enough to become a
// rebalance candidate. A leaf is minimal once its payload drops below
// half the usable node capacity. A non-leaf is minimal when it has no
// anchors left (the root-collapse corner) or when its payload plus a
// maximum-sized bridge anchor still fits in half the usable capacity,
// so that merging two minimal non-leaves (absorbing the anchor between
// them) can never overflow a node.
func (t *Tree) isMinimal(n *Node) bool {
	half := (t.NodeSize - HeaderSize) / 2

	if n.IsLeaf() {
		return n.UsedBytes()-HeaderSize < half
	}

	if n.NKeys() == 0 {
		return true
	}

	bridge := n.recordSize()
	if n.Layout == LayoutVarNonLeaf {
		bridge += t.MaxKeySize
	}

	return n.UsedBytes()-HeaderSize+bridge <= half
}

// mergeFits reports whether left can absorb right's records, plus the
// bridge record built from the parent anchor for non-leaves, without
// exceeding the node capacity. The isMinimal definitions guarantee this
// for any pair of minimal nodes; the explicit check keeps a shift as the
// fallback if a caller ever pairs nodes that are not both minimal.
func (t *Tree) mergeFits(parent, left, right *Node, idx int) bool {
	combined := left.UsedBytes() + right.UsedBytes() - HeaderSize
	if !left.IsLeaf() {
		combined += left.recordSize() + uint32(len(parent.Records[idx].Key))
	}

	return combined <= t.NodeSize
}

// errNeedsRebalance signals, from the optimistic path to Delete, that
// removing the key would leave its leaf minimal and the pessimistic path
// must run instead.
var errNeedsRebalance = errors.New("btree: delete needs rebalance")

// Delete removes key. The optimistic path runs first: under the tree
// read lock, write-lock only the leaf and delete in place when the leaf
// stays non-minimal. Only when the leaf would become minimal does Delete
// escalate to the pessimistic path, which holds the tree write lock for
// a full recursive rebalance (shift or merge at every level left
// minimal, collapsing the root if it becomes a single-child
// pass-through).
func (t *Tree) Delete(ctx context.Context, key []byte) error {
	err := t.deleteOptimistic(ctx, key)
	if !errors.Is(err, errNeedsRebalance) {
		return err
	}

	return t.deletePessimistic(ctx, key)
}

// deleteOptimistic deletes key in place when its leaf stays non-minimal
// afterward, holding only the tree read lock and the leaf's write lock.
// Returns errNeedsRebalance when the delete must restructure.
func (t *Tree) deleteOptimistic(ctx context.Context, key []byte) error {
	t.treeLock.RLock()
	defer t.treeLock.RUnlock()

	leafW, isRoot, err := t.descendLeafWrite(ctx, key)
	if err != nil {
		return err
	}

	n := leafW.Node()

	idx, found := t.findLeafRecord(n, key)
	if !found {
		leafW.Lock.Unlock()
		t.cache.Release(leafW)

		return fmt.Errorf("key %x: %w", key, ErrKeyNotFound)
	}

	// The root leaf has nothing to rebalance against, so its deletes are
	// always in place.
	if !isRoot && t.leafMinimalAfterDelete(n, idx) {
		leafW.Lock.Unlock()
		t.cache.Release(leafW)

		return errNeedsRebalance
	}

	tx := newTxn()

	if err := t.deleteLeafRecord(ctx, tx, n, idx); err != nil {
		leafW.Lock.Unlock()
		t.cache.Release(leafW)

		return err
	}

	leafW.SetNode(n)
	tx.touch(leafW)
	leafW.Lock.Unlock()
	t.cache.Release(leafW)

	return t.commit(ctx, tx)
}

// leafMinimalAfterDelete reports whether removing records[idx] would
// drop the leaf below half the usable node capacity.
func (t *Tree) leafMinimalAfterDelete(n *Node, idx int) bool {
	rec := n.Records[idx]

	removed := uint32(varLeafRecordSize + len(rec.Key))
	if !rec.IsOverflowed() {
		removed += uint32(len(rec.InlineValue))
	}

	return n.UsedBytes()-removed-HeaderSize < (t.NodeSize-HeaderSize)/2
}

// descendLeafWrite walks to the leaf that must hold key with read locks
// on the inner path and a write lock on the leaf itself. A node's
// leafness never changes over its lifetime (splits create new nodes at
// the same level), so the lock mode can be chosen before acquiring it.
// Reports whether the leaf is the tree's root.
func (t *Tree) descendLeafWrite(ctx context.Context, key []byte) (*nodeWrapper, bool, error) {
	cur, err := t.loadWrapper(ctx, t.rootID.Load(), t.nonLeafLayout())
	if err != nil {
		return nil, false, err
	}

	if cur.Node().IsLeaf() {
		cur.Lock.Lock()
		return cur, true, nil
	}

	cur.Lock.RLock()

	for {
		n := cur.Node()
		childID := childIDAt(n, t.childIndexFor(n, key))

		child, err := t.loadWrapper(ctx, childID, t.nonLeafLayout())
		if err != nil {
			cur.Lock.RUnlock()
			t.cache.Release(cur)

			return nil, false, err
		}

		if child.Node().IsLeaf() {
			child.Lock.Lock()
			cur.Lock.RUnlock()
			t.cache.Release(cur)

			return child, false, nil
		}

		child.Lock.RLock()
		cur.Lock.RUnlock()
		t.cache.Release(cur)

		cur = child
	}
}

// deletePessimistic removes key under the tree write lock, rebalancing
// every level left minimal and collapsing the root if needed.
func (t *Tree) deletePessimistic(ctx context.Context, key []byte) error {
	t.treeLock.Lock()
	defer t.treeLock.Unlock()

	tx := newTxn()

	rootW, err := t.loadWrapper(ctx, t.rootID.Load(), t.nonLeafLayout())
	if err != nil {
		return err
	}

	rootW.Lock.Lock()

	if rootW.Node().IsLeaf() {
		n := rootW.Node()

		idx, found := t.findLeafRecord(n, key)
		if !found {
			rootW.Lock.Unlock()
			t.cache.Release(rootW)

			return fmt.Errorf("key %x: %w", key, ErrKeyNotFound)
		}

		if err := t.deleteLeafRecord(ctx, tx, n, idx); err != nil {
			rootW.Lock.Unlock()
			t.cache.Release(rootW)

			return err
		}

		rootW.SetNode(n)
		tx.touch(rootW)
		rootW.Lock.Unlock()
		t.cache.Release(rootW)

		return t.commit(ctx, tx)
	}

	found, err := t.deleteDescend(ctx, tx, rootW, key)

	rootW.Lock.Unlock()
	t.cache.Release(rootW)

	if err != nil {
		return err
	}

	if !found {
		return fmt.Errorf("key %x: %w", key, ErrKeyNotFound)
	}

	if err := t.collapseRootIfNeeded(ctx, tx); err != nil {
		return err
	}

	return t.commit(ctx, tx)
}

// deleteDescend walks from a write-locked non-leaf parent down to the
// leaf holding key, rebalancing any child left minimal once the delete
// is applied. parent remains locked for the whole call.
func (t *Tree) deleteDescend(ctx context.Context, tx *txn, parentW *nodeWrapper, key []byte) (bool, error) {
	parent := parentW.Node()
	idx := t.childIndexFor(parent, key)
	childID := childIDAt(parent, idx)

	childW, err := t.loadWrapper(ctx, childID, t.nonLeafLayout())
	if err != nil {
		return false, err
	}

	childW.Lock.Lock()

	var (
		found   bool
		applied error
	)

	if childW.Node().IsLeaf() {
		n := childW.Node()

		var ok bool
		var i int

		i, ok = t.findLeafRecord(n, key)
		if !ok {
			childW.Lock.Unlock()
			t.cache.Release(childW)

			return false, nil
		}

		found = true
		applied = t.deleteLeafRecord(ctx, tx, n, i)

		if applied == nil {
			childW.SetNode(n)
			tx.touch(childW)
		}
	} else {
		found, applied = t.deleteDescend(ctx, tx, childW, key)
	}

	if applied != nil {
		childW.Lock.Unlock()
		t.cache.Release(childW)

		return false, applied
	}

	if !found {
		childW.Lock.Unlock()
		t.cache.Release(childW)

		return false, nil
	}

	if t.isMinimal(childW.Node()) {
		if err := t.rebalance(ctx, tx, parentW, childW, idx); err != nil {
			childW.Lock.Unlock()
			t.cache.Release(childW)

			return true, err
		}
	}

	childW.Lock.Unlock()
	t.cache.Release(childW)

	return true, nil
}

// deleteLeafRecord removes records[idx] from a leaf, freeing its overflow
// chain (if any) via the transaction's deleted-nodes list.
func (t *Tree) deleteLeafRecord(ctx context.Context, tx *txn, n *Node, idx int) error {
	rec := n.Records[idx]

	if rec.IsOverflowed() {
		if err := t.deleteOverflowChain(ctx, tx, rec.ValuePtr); err != nil {
			return err
		}
	}

	n.Records = append(n.Records[:idx], n.Records[idx+1:]...)

	return nil
}

// deleteOverflowChain walks an overflow chain adding every link to the
// transaction's deleted-nodes list.
func (t *Tree) deleteOverflowChain(ctx context.Context, tx *txn, head uint64) error {
	id := head
	for id != 0 {
		w, err := t.loadWrapper(ctx, id, t.nonLeafLayout())
		if err != nil {
			return err
		}

		w.Lock.RLock()
		next := w.Node().Next
		w.Lock.RUnlock()

		tx.deleteNode(id)
		t.cache.Release(w)

		id = next
	}

	return nil
}

// siblingIndices returns the left and right sibling indices of the child
// at idx within parent, using -1 for a side that doesn't exist.
func siblingIndices(parent *Node, idx int) (left, right int) {
	left, right = -1, -1
	if idx > 0 {
		left = idx - 1
	}
	if idx < len(parent.Records) {
		right = idx + 1
	}

	return left, right
}

// rebalance restores a minimal child by shifting a record across its
// anchor from a sibling with room to spare, or, failing that, merging
// with a sibling and deleting the anchor that separated them in parent.
func (t *Tree) rebalance(ctx context.Context, tx *txn, parentW, childW *nodeWrapper, idx int) error {
	parent := parentW.Node()
	leftIdx, rightIdx := siblingIndices(parent, idx)

	if rightIdx >= 0 {
		siblingID := childIDAt(parent, rightIdx)

		siblingW, err := t.loadWrapper(ctx, siblingID, t.nonLeafLayout())
		if err != nil {
			return err
		}

		siblingW.Lock.Lock()

		sibling := siblingW.Node()

		if !t.isMinimal(sibling) || (!t.mergeFits(parent, childW.Node(), sibling, idx) && sibling.NKeys() > 0) {
			t.shiftFromRight(parent, childW.Node(), sibling, idx)

			parentW.SetNode(parent)
			tx.touch(parentW)
			childW.SetNode(childW.Node())
			tx.touch(childW)
			siblingW.SetNode(sibling)
			tx.touch(siblingW)

			siblingW.Lock.Unlock()
			t.cache.Release(siblingW)
			t.Stats.ShiftCount.Add(1)

			return nil
		}

		t.mergeRight(parent, childW.Node(), sibling, idx)

		// The slot that named the absorbed sibling (now shifted down to
		// idx by the anchor removal, or Rightmost) must name the
		// absorbing child instead.
		if idx < len(parent.Records) {
			parent.Records[idx].ChildID = childW.ID
		} else {
			parent.Rightmost = childW.ID
		}

		parentW.SetNode(parent)
		tx.touch(parentW)
		childW.SetNode(childW.Node())
		tx.touch(childW)

		siblingW.Lock.Unlock()
		t.cache.Release(siblingW)
		tx.deleteNode(siblingID)
		t.Stats.MergeCount.Add(1)

		return nil
	}

	if leftIdx >= 0 {
		siblingID := childIDAt(parent, leftIdx)

		siblingW, err := t.loadWrapper(ctx, siblingID, t.nonLeafLayout())
		if err != nil {
			return err
		}

		siblingW.Lock.Lock()

		sibling := siblingW.Node()

		if !t.isMinimal(sibling) || (!t.mergeFits(parent, sibling, childW.Node(), leftIdx) && sibling.NKeys() > 0) {
			t.shiftFromLeft(parent, sibling, childW.Node(), leftIdx)

			parentW.SetNode(parent)
			tx.touch(parentW)
			childW.SetNode(childW.Node())
			tx.touch(childW)
			siblingW.SetNode(sibling)
			tx.touch(siblingW)

			siblingW.Lock.Unlock()
			t.cache.Release(siblingW)
			t.Stats.ShiftCount.Add(1)

			return nil
		}

		t.mergeRight(parent, sibling, childW.Node(), leftIdx)

		// The slot that named child (now at leftIdx after the anchor
		// removal, or Rightmost) must name the absorbing sibling instead.
		if leftIdx < len(parent.Records) {
			parent.Records[leftIdx].ChildID = siblingID
		} else {
			parent.Rightmost = siblingID
		}

		parentW.SetNode(parent)
		tx.touch(parentW)
		siblingW.SetNode(sibling)
		tx.touch(siblingW)

		siblingW.Lock.Unlock()
		t.cache.Release(siblingW)

		// left absorbed child's records; child is the node being removed.
		// Its wrapper's lock/pin are still released exactly once by
		// deleteDescend's normal unconditional unlock, same as every
		// other branch.
		tx.deleteNode(childW.ID)
		t.Stats.MergeCount.Add(1)

		return nil
	}

	// A single-child node has no siblings to rebalance against; this is
	// only reachable at the root, handled separately by
	// collapseRootIfNeeded.
	return nil
}

// shiftFromRight moves right's first anchor record into child (via the
// anchor currently separating them in parent) and updates the anchor to
// the new boundary key.
func (t *Tree) shiftFromRight(parent, child, right *Node, idx int) {
	anchor := parent.Records[idx]

	if child.IsLeaf() {
		moved := right.Records[0]
		right.Records = right.Records[1:]
		child.Records = append(child.Records, moved)

		// The anchor must equal child's new maximum so a search for the
		// moved key still descends into child.
		parent.Records[idx].Key = moved.Key
		parent.Records[idx].Syndrome = moved.Syndrome

		return
	}

	moved := Record{Key: anchor.Key, Syndrome: anchor.Syndrome, ChildID: child.Rightmost, Seqno: anchor.Seqno}
	child.Records = append(child.Records, moved)
	child.Rightmost = right.Records[0].ChildID

	parent.Records[idx].Key = right.Records[0].Key
	parent.Records[idx].Syndrome = right.Records[0].Syndrome
	right.Records = right.Records[1:]
}

// shiftFromLeft moves left's last anchor record into child (the right
// sibling), demoting the parent anchor that separated them.
func (t *Tree) shiftFromLeft(parent, left, child *Node, idx int) {
	anchor := parent.Records[idx]

	if child.IsLeaf() {
		moved := left.Records[len(left.Records)-1]
		left.Records = left.Records[:len(left.Records)-1]
		child.Records = append([]Record{moved}, child.Records...)

		// The anchor separating left from child must stay strictly below
		// the moved key, so it becomes left's new maximum.
		last := left.Records[len(left.Records)-1]
		parent.Records[idx].Key = last.Key
		parent.Records[idx].Syndrome = last.Syndrome

		return
	}

	moved := Record{Key: anchor.Key, Syndrome: anchor.Syndrome, ChildID: left.Rightmost, Seqno: anchor.Seqno}
	child.Records = append([]Record{moved}, child.Records...)

	lastLeft := left.Records[len(left.Records)-1]
	left.Rightmost = lastLeft.ChildID
	left.Records = left.Records[:len(left.Records)-1]

	parent.Records[idx].Key = lastLeft.Key
	parent.Records[idx].Syndrome = lastLeft.Syndrome
}

// mergeRight concatenates right onto left (left absorbs right's records)
// and removes the anchor at idx in parent that separated them. The
// caller must repoint the surviving parent slot at the absorbing node.
func (t *Tree) mergeRight(parent, left, right *Node, idx int) {
	if left.IsLeaf() {
		left.Records = append(left.Records, right.Records...)
		left.Rightmost = right.Rightmost // splice the leaf sibling pointer
	} else {
		anchor := parent.Records[idx]
		bridge := Record{Key: anchor.Key, Syndrome: anchor.Syndrome, ChildID: left.Rightmost, Seqno: anchor.Seqno}
		left.Records = append(left.Records, bridge)
		left.Records = append(left.Records, right.Records...)
		left.Rightmost = right.Rightmost
	}

	parent.Records = append(parent.Records[:idx], parent.Records[idx+1:]...)
}

// collapseRootIfNeeded replaces the root with its sole child when a
// non-leaf root has been reduced to zero anchor records.
func (t *Tree) collapseRootIfNeeded(ctx context.Context, tx *txn) error {
	rootW, err := t.loadWrapper(ctx, t.rootID.Load(), t.nonLeafLayout())
	if err != nil {
		return err
	}

	rootW.Lock.Lock()
	defer func() {
		rootW.Lock.Unlock()
		t.cache.Release(rootW)
	}()

	root := rootW.Node()
	if root.IsLeaf() || len(root.Records) > 0 {
		return nil
	}

	// A non-leaf always carries a rightmost child, so a zero-anchor
	// non-leaf root is a pass-through to exactly one subtree.
	newRootID := root.Rightmost

	t.setRootID(newRootID)
	tx.setRoot(newRootID)
	tx.deleteNode(rootW.ID)

	return nil
}
