package btree

import (
	"context"
	"fmt"
)

// Cursor enumerates records in ascending key order (syndrome order for a
// syndrome-index tree), starting at a given key (inclusive) or at the
// first key in the tree.
//
// A Cursor holds a read lock on at most one leaf at a time. Crossing a
// leaf boundary re-descends from the root for the successor of the last
// key handed out rather than chasing sibling pointers, so concurrent
// splits and merges between two Next calls never strand the cursor on a
// stale node. It is not a snapshot: records inserted or deleted ahead of
// the cursor by concurrent writers may or may not be observed.
type Cursor struct {
	t   *Tree
	cur *nodeWrapper
	idx int
	end []byte // exclusive upper bound, nil for unbounded

	// Resume position for the next (re-)descent. A nil posKey with
	// synOnly false means "from the very beginning".
	posKey  []byte
	posSyn  uint64
	synOnly bool
	strict  bool
}

// NewCursor opens a Cursor positioned at the first record whose key is
// >= start (or the very first record, if start is nil). end, if non-nil,
// is an exclusive upper bound.
func (t *Tree) NewCursor(ctx context.Context, start, end []byte) (*Cursor, error) {
	t.treeLock.RLock()
	defer t.treeLock.RUnlock()

	c := &Cursor{t: t, end: end}

	if start != nil {
		c.posKey = append([]byte(nil), start...)
		if t.syndromeIndex {
			c.posSyn = Syndrome(start)
		}
	}

	if err := c.seek(ctx); err != nil {
		c.Close()
		return nil, err
	}

	return c, nil
}

// seek positions the cursor at the first record past the resume
// position, re-descending past empty leaves via the bound anchor
// returned by each descent, until a record is found or the key space is
// exhausted.
func (c *Cursor) seek(ctx context.Context) error {
	t := c.t

	for {
		leaf, boundKey, boundSyn, hasBound, err := t.leafForPos(ctx, c.posKey, c.posSyn, c.synOnly, c.strict, false)
		if err != nil {
			c.cur = nil
			return err
		}

		n := leaf.Node()

		idx := t.firstRecordAfter(n, c.posKey, c.posSyn, c.synOnly, c.strict)
		if idx < len(n.Records) {
			if c.end != nil && t.leafKeyCompare(n.Records[idx].Key, c.end) >= 0 {
				leaf.Lock.RUnlock()
				t.cache.Release(leaf)
				c.cur = nil

				return nil
			}

			c.cur, c.idx = leaf, idx

			return nil
		}

		leaf.Lock.RUnlock()
		t.cache.Release(leaf)

		if !hasBound {
			c.cur = nil
			return nil
		}

		c.posKey = append([]byte(nil), boundKey...)
		c.posSyn = boundSyn
		c.synOnly = boundKey == nil
		c.strict = true
	}
}

// Valid reports whether the cursor is positioned at a record.
func (c *Cursor) Valid() bool { return c.cur != nil }

// Key returns the current record's key. Only valid when Valid() is true.
func (c *Cursor) Key() []byte {
	return c.cur.Node().Records[c.idx].Key
}

// Value returns the current record's value, resolving an overflow chain
// if necessary. Only valid when Valid() is true.
func (c *Cursor) Value(ctx context.Context) ([]byte, error) {
	rec := c.cur.Node().Records[c.idx]
	if !rec.IsOverflowed() {
		out := make([]byte, len(rec.InlineValue))
		copy(out, rec.InlineValue)

		return out, nil
	}

	return c.t.readOverflowChain(ctx, rec.ValuePtr, rec.DataLen)
}

// Next advances the cursor to the following record in ascending key order.
func (c *Cursor) Next(ctx context.Context) error {
	if c.cur == nil {
		return fmt.Errorf("cursor exhausted: %w", ErrKeyNotFound)
	}

	n := c.cur.Node()
	rec := n.Records[c.idx]

	c.posKey = append([]byte(nil), rec.Key...)
	c.posSyn = rec.Syndrome
	c.synOnly = false
	c.strict = true

	c.idx++

	if c.idx < len(n.Records) {
		if c.end != nil && c.t.leafKeyCompare(n.Records[c.idx].Key, c.end) >= 0 {
			c.releaseCur()
			c.cur = nil
		}

		return nil
	}

	c.releaseCur()
	c.cur = nil

	return c.seek(ctx)
}

func (c *Cursor) releaseCur() {
	if c.cur == nil {
		return
	}

	c.cur.Lock.RUnlock()
	c.t.cache.Release(c.cur)
}

// Close releases any leaf lock the cursor currently holds. Safe to call
// more than once.
func (c *Cursor) Close() {
	c.releaseCur()
	c.cur = nil
}
