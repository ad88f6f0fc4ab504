package btree

import (
	"context"
	"fmt"
)

// UpdateFunc computes a replacement value for key given its current
// value. Returning ok=false leaves the record unchanged.
type UpdateFunc func(key, oldValue []byte) (newValue []byte, ok bool)

// RangeMarker is caller-owned resumption state for RangeUpdate. A zero
// marker (or nil) starts a fresh scan from the range's low key.
//
// When RangeUpdate returns ErrRangeUpdateNeedsSpace, RetryKey/RetryData
// carry the key whose replacement did not fit in place and the value it
// should receive; the caller applies them through a single-key Update
// (which is allowed to split) and then calls RangeUpdate again with the
// same marker to resume the scan immediately after that key. Reaching
// the end of the range clears Set, ending the protocol.
type RangeMarker struct {
	// Set reports that the marker holds a resume position; while it is
	// true, LastKey (not the range's start key) anchors the next call.
	Set bool

	// LastKey is the last key the scan handled; resumption continues
	// strictly after it.
	LastKey []byte

	// RetryKey and RetryData are populated only alongside an
	// ErrRangeUpdateNeedsSpace return: the non-fitting key and its
	// intended replacement value, for the caller's single-key Update.
	RetryKey  []byte
	RetryData []byte
}

// markVisited records key as the scan's resume point.
func (m *RangeMarker) markVisited(key []byte) {
	if m == nil {
		return
	}

	m.Set = true
	m.LastKey = append(m.LastKey[:0], key...)
	m.RetryKey = nil
	m.RetryData = nil
}

// markRetry records key/value as the pair the caller must apply via a
// single-key Update before resuming.
func (m *RangeMarker) markRetry(key, value []byte) {
	if m == nil {
		return
	}

	m.Set = true
	m.LastKey = append(m.LastKey[:0], key...)
	m.RetryKey = append([]byte(nil), key...)
	m.RetryData = append([]byte(nil), value...)
}

// markDone clears the marker once the scan has covered the whole range.
func (m *RangeMarker) markDone() {
	if m == nil {
		return
	}

	m.Set = false
	m.LastKey = nil
	m.RetryKey = nil
	m.RetryData = nil
}

// RangeUpdate applies fn to every record with start <= key < end (end
// nil means unbounded), replacing values in place without any node
// split: this is a scan-and-patch, not a general write path. If a
// replacement cannot fit in its node's remaining free space, RangeUpdate
// stops, stashes the key and replacement in marker.RetryKey/RetryData,
// and returns ErrRangeUpdateNeedsSpace along with the count of records
// already updated; the caller applies the retry pair with a single-key
// Update and resumes by calling RangeUpdate again with the same marker.
// A nil marker runs a one-shot scan with no resume protocol.
//
// Each call runs under the tree write lock, so no concurrent writer can
// move records between the per-leaf patches of one call; the range as a
// whole is not a snapshot across resumed calls.
func (t *Tree) RangeUpdate(ctx context.Context, start, end []byte, fn UpdateFunc, marker *RangeMarker) (int, error) {
	t.treeLock.Lock()
	defer t.treeLock.Unlock()

	tx := newTxn()
	count := 0

	var (
		posKey  []byte
		posSyn  uint64
		synOnly bool
		strict  bool
	)

	if marker != nil && marker.Set {
		posKey = append([]byte(nil), marker.LastKey...)
		strict = true
	} else if start != nil {
		posKey = append([]byte(nil), start...)
	}

	if posKey != nil && t.syndromeIndex {
		posSyn = Syndrome(posKey)
	}

	for {
		leaf, boundKey, boundSyn, hasBound, err := t.leafForPos(ctx, posKey, posSyn, synOnly, strict, true)
		if err != nil {
			return count, err
		}

		n := leaf.Node()
		idx := t.firstRecordAfter(n, posKey, posSyn, synOnly, strict)
		touched := false

		for ; idx < len(n.Records); idx++ {
			rec := n.Records[idx]

			if end != nil && t.leafKeyCompare(rec.Key, end) >= 0 {
				if touched {
					leaf.SetNode(n)
					tx.touch(leaf)
				}

				leaf.Lock.Unlock()
				t.cache.Release(leaf)

				if cerr := t.commit(ctx, tx); cerr != nil {
					return count, cerr
				}

				marker.markDone()

				return count, nil
			}

			posKey = append([]byte(nil), rec.Key...)
			posSyn = rec.Syndrome
			synOnly = false
			strict = true

			oldValue, verr := t.recordValue(ctx, rec)
			if verr != nil {
				leaf.Lock.Unlock()
				t.cache.Release(leaf)

				return count, verr
			}

			newValue, ok := fn(rec.Key, oldValue)
			if !ok {
				marker.markVisited(rec.Key)
				continue
			}

			oldReq := RequiredBytesForInsert(len(rec.Key), int(rec.DataLen), t.BigObjectThreshold)
			newReq := RequiredBytesForInsert(len(rec.Key), len(newValue), t.BigObjectThreshold)

			if newReq > oldReq && newReq-oldReq > n.FreeBytes() {
				if touched {
					leaf.SetNode(n)
					tx.touch(leaf)
				}

				leaf.Lock.Unlock()
				t.cache.Release(leaf)

				if cerr := t.commit(ctx, tx); cerr != nil {
					return count, cerr
				}

				marker.markRetry(rec.Key, newValue)

				return count, fmt.Errorf("key %x needs %d more bytes than available: %w", rec.Key, newReq-oldReq, ErrRangeUpdateNeedsSpace)
			}

			if uerr := t.replaceRecordValue(ctx, tx, n, idx, newValue); uerr != nil {
				leaf.Lock.Unlock()
				t.cache.Release(leaf)

				return count, uerr
			}

			marker.markVisited(rec.Key)
			touched = true
			count++
		}

		if touched {
			leaf.SetNode(n)
			tx.touch(leaf)
		}

		leaf.Lock.Unlock()
		t.cache.Release(leaf)

		if !hasBound {
			break
		}

		posKey = append([]byte(nil), boundKey...)
		posSyn = boundSyn
		synOnly = boundKey == nil
		strict = true
	}

	if err := t.commit(ctx, tx); err != nil {
		return count, err
	}

	marker.markDone()

	return count, nil
}

// recordValue resolves a leaf record's value, following its overflow
// chain if necessary.
func (t *Tree) recordValue(ctx context.Context, rec Record) ([]byte, error) {
	if !rec.IsOverflowed() {
		return rec.InlineValue, nil
	}

	return t.readOverflowChain(ctx, rec.ValuePtr, rec.DataLen)
}

// replaceRecordValue overwrites records[idx]'s value in place, freeing
// any old overflow chain and allocating a new one if needed.
func (t *Tree) replaceRecordValue(ctx context.Context, tx *txn, n *Node, idx int, newValue []byte) error {
	rec := &n.Records[idx]

	if rec.IsOverflowed() {
		if err := t.deleteOverflowChain(ctx, tx, rec.ValuePtr); err != nil {
			return err
		}

		rec.ValuePtr = 0
	}

	rec.Seqno = t.seq.NextSeqno()
	rec.DataLen = uint32(len(newValue))

	if uint32(len(rec.Key))+rec.DataLen < t.BigObjectThreshold {
		rec.InlineValue = append([]byte(nil), newValue...)
		return nil
	}

	headID, chain, err := t.allocateOverflowChain(ctx, newValue)
	if err != nil {
		return fmt.Errorf("allocate overflow chain: %w", err)
	}

	rec.ValuePtr = headID
	rec.InlineValue = nil

	for _, w := range chain {
		tx.touch(w)
		t.cache.Release(w)
	}

	return nil
}
