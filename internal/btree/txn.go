package btree

import (
	"context"
	"fmt"

	"github.com/flashcore/kv/internal/nodestore"
)

// txn is the explicit per-operation transaction buffer: the modified and
// deleted nodes accumulated by one tree operation. One txn is created
// per operation and committed exactly once.
type txn struct {
	modified []*nodeWrapper
	deleted  []uint64
	seen     map[uint64]bool

	rootChanged bool
	newRoot     uint64
}

func newTxn() *txn {
	return &txn{seen: make(map[uint64]bool)}
}

// setRoot records that this operation changed the tree's root id, so
// commit persists the metadata node unconditionally rather than waiting
// for the next logical-id checkpoint crossing.
func (tx *txn) setRoot(id uint64) {
	tx.rootChanged = true
	tx.newRoot = id
}

// touch records w as modified. De-duplicated so a node touched multiple
// times in one operation is written once, with its final bytes, on commit.
func (tx *txn) touch(w *nodeWrapper) {
	w.MarkDirty()

	if tx.seen[w.ID] {
		return
	}

	tx.seen[w.ID] = true
	tx.modified = append(tx.modified, w)
}

// deleteNode records id as deleted on this operation's deleted-nodes list.
func (tx *txn) deleteNode(id uint64) {
	tx.deleted = append(tx.deleted, id)
}

// commit walks modified nodes in insertion order and writes each exactly
// once, then deletes the deleted-nodes list, then evicts deleted nodes
// from the cache.
func (t *Tree) commit(ctx context.Context, tx *txn) error {
	rec := nodestore.NewCommitRecord()

	for _, w := range tx.modified {
		rec.AddModified(w.ID, w.Node().Encode())
	}

	for _, id := range tx.deleted {
		rec.AddDeleted(id)
	}

	if err := t.store.Commit(ctx, rec); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	for _, w := range tx.modified {
		w.ClearDirty()
	}

	for _, id := range tx.deleted {
		t.cache.Delete(id)
	}

	t.Stats.NodeCount.Add(-int64(len(tx.deleted)))

	if tx.rootChanged {
		if err := t.store.PersistRoot(ctx, tx.newRoot); err != nil {
			return fmt.Errorf("persist root change: %w", err)
		}
	}

	return nil
}
