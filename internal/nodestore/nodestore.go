// Package nodestore implements the node store adapter: a stateless shim
// over the caller-supplied NodeIO callbacks that allocates stable logical
// node ids (striped by partition) and advances the persisted
// metadata-node checkpoint as the id counter crosses it.
//
// The checkpoint only ever jumps forward, never rewinds: after a crash
// the counter resumes from the last durable checkpoint, so at most one
// checkpoint interval of ids is orphaned and none are reused.
package nodestore

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/flashcore/kv/internal/coretypes"
)

// MetaLogicalIDBase anchors the reserved metadata id range: the persisted
// metadata node for partition P lives at MetaLogicalIDBase + P.
const MetaLogicalIDBase = uint64(0x8000000000000000)

// CheckpointInterval is the amount by which next_logical_id is advanced
// at each metadata write, bounding the post-crash orphan-id window
// without per-allocation I/O.
const CheckpointInterval = 100_000

// CheckpointWriter persists {rootid, logical_id_counter, next_logical_id}
// for a partition. Supplied by the B-tree engine, which owns the
// metadata-node encoding.
type CheckpointWriter func(ctx context.Context, rootID, counter, nextLogicalID uint64) error

// Adapter wraps a caller's NodeIO callbacks and manages logical id
// allocation for one tree partition.
type Adapter struct {
	io         coretypes.NodeIO
	shard      uint32
	partition  uint32
	partitions uint32

	counter       atomic.Uint64 // next counter value to hand out
	nextLogicalID atomic.Uint64 // checkpoint the counter must not silently cross

	writeCheckpoint CheckpointWriter
	rootID          atomic.Uint64
}

// New constructs an Adapter. initialCounter and initialCheckpoint come
// from the persisted metadata node (or zero on first creation).
func New(io coretypes.NodeIO, shard, partition, partitions uint32, initialCounter, initialCheckpoint uint64, cw CheckpointWriter) *Adapter {
	a := &Adapter{io: io, shard: shard, partition: partition, partitions: partitions, writeCheckpoint: cw}
	a.counter.Store(initialCounter)
	a.nextLogicalID.Store(initialCheckpoint)

	return a
}

// SetRootID records the tree's current root id, used when a checkpoint
// write is triggered by id-counter advance rather than by a root change.
func (a *Adapter) SetRootID(id uint64) { a.rootID.Store(id) }

// AllocateLogicalID hands out a new, stable logical node id, striped by
// partition: logical_id = counter*partitions + partition. If the
// underlying counter crosses the current checkpoint, the persisted
// metadata node is rewritten to advance it by CheckpointInterval first,
// bounding the post-crash "orphan id" window without per-create I/O.
func (a *Adapter) AllocateLogicalID(ctx context.Context) (uint64, error) {
	counter := a.counter.Add(1) - 1

	if counter >= a.nextLogicalID.Load() {
		newCheckpoint := counter + CheckpointInterval

		if err := a.writeCheckpoint(ctx, a.rootID.Load(), counter, newCheckpoint); err != nil {
			return 0, fmt.Errorf("advance logical id checkpoint: %w", err)
		}

		a.nextLogicalID.Store(newCheckpoint)
	}

	return counter*uint64(a.partitions) + uint64(a.partition), nil
}

// ReadNode reads a node's bytes, calling the caller's ReadNode callback
// on a cache miss. The returned buffer becomes the owned backing of the
// new cache wrapper.
func (a *Adapter) ReadNode(ctx context.Context, logicalID uint64) ([]byte, error) {
	buf, err := a.io.ReadNode(ctx, a.shard, logicalID)
	if err != nil {
		return nil, fmt.Errorf("read node %d: %w", logicalID, err)
	}

	return buf, nil
}

// CreateNode reserves a logical id with the backing store.
func (a *Adapter) CreateNode(ctx context.Context, logicalID uint64) error {
	if err := a.io.CreateNode(ctx, a.shard, logicalID); err != nil {
		return fmt.Errorf("create node %d: %w", logicalID, err)
	}

	return nil
}

// CommitRecord is the per-operation transaction buffer: the set of
// modified and deleted
// node ids accumulated during one tree operation, committed atomically
// at the end.
type CommitRecord struct {
	// Modified preserves insertion order; Bytes is populated lazily by
	// the caller right before Commit so that in-flight mutations aren't
	// serialized more than once.
	Modified []PendingWrite
	Deleted  []uint64

	seen map[uint64]int // logical id -> index into Modified, for de-duplication
}

// PendingWrite is one node queued for a write_node call.
type PendingWrite struct {
	LogicalID uint64
	Bytes     []byte
}

// NewCommitRecord returns an empty commit record.
func NewCommitRecord() *CommitRecord {
	return &CommitRecord{seen: make(map[uint64]int)}
}

// AddModified queues logicalID for a write, deduplicating by id so that a
// node touched multiple times in one operation is written exactly once,
// with the most recent bytes.
func (c *CommitRecord) AddModified(logicalID uint64, bytes []byte) {
	if idx, ok := c.seen[logicalID]; ok {
		c.Modified[idx].Bytes = bytes
		return
	}

	c.seen[logicalID] = len(c.Modified)
	c.Modified = append(c.Modified, PendingWrite{LogicalID: logicalID, Bytes: bytes})
}

// AddDeleted queues logicalID for deletion.
func (c *CommitRecord) AddDeleted(logicalID uint64) {
	c.Deleted = append(c.Deleted, logicalID)
}

// Commit walks the modified list in insertion order calling WriteNode
// exactly once per distinct id, then walks the deleted list calling
// DeleteNode. It stops at the first failing WriteNode or DeleteNode and
// returns that error; the writes made before the failure stay in place.
func (a *Adapter) Commit(ctx context.Context, rec *CommitRecord) error {
	for _, pw := range rec.Modified {
		if err := a.io.WriteNode(ctx, a.shard, pw.LogicalID, pw.Bytes); err != nil {
			return fmt.Errorf("write node %d: %w", pw.LogicalID, err)
		}
	}

	for _, id := range rec.Deleted {
		if err := a.io.DeleteNode(ctx, a.shard, id); err != nil {
			return fmt.Errorf("delete node %d: %w", id, err)
		}
	}

	return nil
}

// PersistRoot unconditionally rewrites the persisted metadata node with a
// new root id, independent of whether the logical-id counter has crossed its
// checkpoint. Callers invoke this once per operation that changed the
// tree's root (root split, root collapse), after the rest of that
// operation's commit has succeeded.
func (a *Adapter) PersistRoot(ctx context.Context, rootID uint64) error {
	a.rootID.Store(rootID)

	if err := a.writeCheckpoint(ctx, rootID, a.counter.Load(), a.nextLogicalID.Load()); err != nil {
		return fmt.Errorf("persist root change: %w", err)
	}

	return nil
}

// FlushNode durably commits a single node, used for the metadata-node
// checkpoint write.
func (a *Adapter) FlushNode(ctx context.Context, logicalID uint64) error {
	if err := a.io.FlushNode(ctx, a.shard, logicalID); err != nil {
		return fmt.Errorf("flush node %d: %w", logicalID, err)
	}

	return nil
}
