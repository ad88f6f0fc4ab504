package btree

import (
	"context"
	"fmt"
)

// splitPoint picks the index at which to cut from.Records so that the
// lower half (destined for the new node) is roughly balanced against the
// upper half, by payload bytes for variable layouts and by entry count
// for the fixed layout.
func splitPoint(n *Node) int {
	if n.Layout == LayoutFixedNonLeaf {
		return len(n.Records) / 2
	}

	var total int
	sizes := make([]int, len(n.Records))

	for i, rec := range n.Records {
		sz := len(rec.Key)
		if n.Layout == LayoutVarLeaf && !rec.IsOverflowed() {
			sz += len(rec.InlineValue)
		}

		sizes[i] = sz
		total += sz
	}

	half := total / 2

	var running int
	for i, sz := range sizes {
		running += sz
		if running >= half {
			return i + 1
		}
	}

	return len(n.Records) / 2
}

// splitResult describes the anchor record the caller must insert into
// the parent after a split.
type splitResult struct {
	newWrapper *nodeWrapper
	anchorKey  []byte
	anchorSyn  uint64 // valid when parent layout is LayoutFixedNonLeaf
}

// splitNode performs split_copy(from -> new): new receives the lower
// half of from's records, from retains the upper half, so the parent
// slot already pointing at from stays valid and only a new anchor for
// the lower half is inserted.
func (t *Tree) splitNode(ctx context.Context, tx *txn, fromW *nodeWrapper) (*splitResult, error) {
	from := fromW.Node()
	idx := splitPoint(from)

	if idx <= 0 || idx >= len(from.Records) {
		idx = len(from.Records) / 2
		if idx == 0 {
			idx = 1
		}
	}

	newW, err := t.createNode(ctx, from.IsLeaf(), from.Level)
	if err != nil {
		return nil, fmt.Errorf("split: allocate new node: %w", err)
	}

	newNode := newW.Node()
	newNode.Layout = from.Layout

	if from.IsLeaf() {
		newNode.Records = append([]Record(nil), from.Records[:idx]...)
		from.Records = from.Records[idx:]
		newNode.Rightmost = from.LogicalID // forward leaf-chain pointer (ascending key order), not a child pointer

		anchor := newNode.Records[len(newNode.Records)-1]
		newW.SetNode(newNode)
		fromW.SetNode(from)
		tx.touch(newW)
		tx.touch(fromW)
		t.Stats.SplitCount.Add(1)

		return &splitResult{newWrapper: newW, anchorKey: anchor.Key, anchorSyn: anchor.Syndrome}, nil
	}

	boundary := from.Records[idx-1]
	newNode.Records = append([]Record(nil), from.Records[:idx-1]...)
	newNode.Rightmost = boundary.ChildID
	from.Records = from.Records[idx:]

	newW.SetNode(newNode)
	fromW.SetNode(from)
	tx.touch(newW)
	tx.touch(fromW)
	t.Stats.SplitCount.Add(1)

	return &splitResult{newWrapper: newW, anchorKey: boundary.Key, anchorSyn: boundary.Syndrome}, nil
}

// insertAnchor inserts a new anchor record {key/syndrome -> childID} into
// a non-leaf parent at the position the comparator/syndrome order
// dictates.
func (t *Tree) insertAnchor(parent *Node, key []byte, syndrome uint64, childID uint64, seqno uint64) {
	var idx int

	if parent.Layout == LayoutFixedNonLeaf {
		idx = 0
		for idx < len(parent.Records) && parent.Records[idx].Syndrome < syndrome {
			idx++
		}
	} else {
		idx = 0
		for idx < len(parent.Records) && t.compareKeys(parent.Records[idx].Key, key) < 0 {
			idx++
		}
	}

	rec := Record{Key: key, Syndrome: syndrome, ChildID: childID, Seqno: seqno}

	parent.Records = append(parent.Records, Record{})
	copy(parent.Records[idx+1:], parent.Records[idx:])
	parent.Records[idx] = rec
}

// nonLeafFullForInsert reports whether a non-leaf node would be unable
// to guarantee room to reinsert a maximum-sized key after a potential
// child split. This uses the configured maximum key size, not the
// caller's key length, so a descent never strands a split with no room
// for its anchor.
func (t *Tree) nonLeafFullForInsert(n *Node) bool {
	var need uint32
	if n.Layout == LayoutFixedNonLeaf {
		need = fixedRecordSize
	} else {
		need = varNonLeafRecordSize + t.MaxKeySize
	}

	return n.FreeBytes() < need
}

// leafFullForInsert reports whether a leaf cannot accept a new record
// for key/value of the given lengths.
func (t *Tree) leafFullForInsert(n *Node, keyLen, dataLen int) bool {
	return n.FreeBytes() < RequiredBytesForInsert(keyLen, dataLen, t.BigObjectThreshold)
}
