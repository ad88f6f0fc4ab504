package flashkv

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/flashcore/kv/internal/btree"
	"github.com/flashcore/kv/internal/coretypes"
	"github.com/flashcore/kv/internal/hashdir"
	"github.com/flashcore/kv/internal/nodecache"
	"github.com/flashcore/kv/internal/nodestore"
)

// AtomicSeqAllocator is a process-wide [SeqAllocator] backed by an atomic
// counter: monotonically increasing, with no persistence guarantee beyond
// the process lifetime.
type AtomicSeqAllocator struct {
	n atomic.Uint64
}

// NextSeqno implements [SeqAllocator].
func (a *AtomicSeqAllocator) NextSeqno() uint64 { return a.n.Add(1) }

// GetOpts re-exports [btree.GetOpts] for Tree.Get's buffer-handling
// options.
type GetOpts = btree.GetOpts

// Object re-exports [btree.Object], one key/value pair for Tree.Mwrite.
type Object = btree.Object

// WriteType re-exports [btree.WriteType].
type WriteType = btree.WriteType

// Mwrite write types, see [btree.WriteCreate] / [btree.WriteUpdate] / [btree.WriteSet].
const (
	WriteCreate = btree.WriteCreate
	WriteUpdate = btree.WriteUpdate
	WriteSet    = btree.WriteSet
)

// UpdateFunc re-exports [btree.UpdateFunc] for Tree.RangeUpdate.
type UpdateFunc = btree.UpdateFunc

// RangeMarker re-exports [btree.RangeMarker], the caller-owned
// resumption state for Tree.RangeUpdate's retry-and-resume protocol.
type RangeMarker = btree.RangeMarker

// Tree is the façade over [btree.Tree]: the B-tree engine plus the node
// cache and node store adapter it needs, wired together and exposing
// load/persist of the per-partition metadata node.
type Tree = btree.Tree

// HashDirectory is the façade over [hashdir.Directory].
type HashDirectory = hashdir.Directory

// HashDirConfig re-exports [hashdir.Config].
type HashDirConfig = hashdir.Config

// metaVersion is the on-disk version tag for the persisted metadata node;
// individual nodes carry no version field of their own.
const metaVersion = 1

// leafEntrySizeConst mirrors btree's unexported varLeafRecordSize for
// option validation (nodesize must hold MinKeysPerNode maximum-sized
// leaf records plus the header).
const leafEntrySizeConst = 4 + 4 + 4 + 8 + 8 + 8

// OpenTree wires C1 (node cache), C2 (node store adapter), and C3 (the
// B-tree engine) into one working [Tree] instance, handling both first
// creation and reload:
// on reload, the metadata node at MetaLogicalIDBase+partition is read to
// recover rootid and to set logical_id_counter = next_logical_id
// (conservative forward jump); on first creation it is written
// unconditionally.
func OpenTree(ctx context.Context, opts TreeOptions) (*Tree, error) {
	if opts.Seq == nil {
		opts.Seq = &AtomicSeqAllocator{}
	}

	if err := opts.Validate(btree.HeaderSize, leafEntrySizeConst); err != nil {
		return nil, err
	}

	cache := nodecache.New[*btree.Node](int(opts.NL1CacheBuckets), opts.Trx)

	metaID := nodestore.MetaLogicalIDBase + uint64(opts.NPartition)

	seq := opts.Seq

	writeCheckpoint := func(ctx context.Context, root, ctr, next uint64) error {
		return writeMetadataNode(ctx, opts.IO, opts.ShardID, metaID, root, ctr, next)
	}

	var (
		rootID     uint64
		counter    uint64
		checkpoint uint64
	)

	if opts.Flags&Reload != 0 {
		buf, err := opts.IO.ReadNode(ctx, opts.ShardID, metaID)
		if err != nil {
			return nil, fmt.Errorf("read metadata node for reload: %w", err)
		}

		_, gotRoot, _, gotNext, err := btree.DecodeMetadata(buf[btree.HeaderSize:])
		if err != nil {
			return nil, fmt.Errorf("decode metadata node: %w", err)
		}

		rootID = gotRoot
		counter = gotNext // conservative forward jump past any orphaned ids
		checkpoint = gotNext
	} else {
		if err := opts.IO.CreateNode(ctx, opts.ShardID, metaID); err != nil {
			return nil, fmt.Errorf("create metadata node: %w", err)
		}
	}

	store := nodestore.New(opts.IO, opts.ShardID, opts.NPartition, opts.NPartitions, counter, checkpoint, writeCheckpoint)

	if opts.Flags&Reload == 0 {
		rootW, id, err := createInitialRoot(ctx, store, cache, opts)
		if err != nil {
			return nil, err
		}

		cache.Release(rootW)
		rootID = id
		checkpoint = nodestore.CheckpointInterval
		store.SetRootID(rootID)

		// The metadata node is written unconditionally on first creation.
		if err := writeMetadataNode(ctx, opts.IO, opts.ShardID, metaID, rootID, 0, checkpoint); err != nil {
			return nil, fmt.Errorf("write initial metadata node: %w", err)
		}
	}

	t := btree.New(btree.Config{
		NodeSize:       opts.NodeSize,
		MaxKeySize:     opts.MaxKeySize,
		MinKeysPerNode: opts.MinKeysPerNode,
		PartitionID:    opts.NPartition,
		PartitionCount: opts.NPartitions,
		SyndromeIndex:  opts.Flags&SyndromeIndex != 0,
		Cache:          cache,
		Store:          store,
		Cmp:            opts.Cmp,
		Seq:            seq,
		Log:            opts.Log,
	}, rootID)

	if opts.Flags&Reload == 0 {
		// The initial root leaf is the tree's first node.
		t.Stats.NodeCount.Add(1)
	}

	return t, nil
}

// createInitialRoot allocates and persists an empty leaf as the tree's
// first root.
func createInitialRoot(ctx context.Context, store *nodestore.Adapter, cache *nodecache.Cache[*btree.Node], opts TreeOptions) (*nodecache.Wrapper[*btree.Node], uint64, error) {
	id, err := store.AllocateLogicalID(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("allocate root id: %w", err)
	}

	if err := store.CreateNode(ctx, id); err != nil {
		return nil, 0, fmt.Errorf("create root node: %w", err)
	}

	root := btree.NewLeaf(id, opts.NodeSize)

	rec := nodestore.NewCommitRecord()
	rec.AddModified(id, root.Encode())

	if err := store.Commit(ctx, rec); err != nil {
		return nil, 0, fmt.Errorf("write root node: %w", err)
	}

	return cache.Add(id, root), id, nil
}

// writeMetadataNode encodes and durably writes the persisted metadata node
// for one partition: a HeaderSize-byte
// node header (unused by the metadata node beyond sizing, since it is read
// back only through [btree.DecodeMetadata]) followed by the
// {meta_version, rootid, logical_id_counter, next_logical_id} payload.
func writeMetadataNode(ctx context.Context, io coretypes.NodeIO, shard uint32, metaID, rootID, counter, next uint64) error {
	payload := btree.EncodeMetadata(metaVersion, rootID, counter, next)
	buf := make([]byte, btree.HeaderSize+len(payload))
	copy(buf[btree.HeaderSize:], payload)

	if err := io.WriteNode(ctx, shard, metaID, buf); err != nil {
		return fmt.Errorf("write metadata node: %w", err)
	}

	if err := io.FlushNode(ctx, shard, metaID); err != nil {
		return fmt.Errorf("flush metadata node: %w", err)
	}

	return nil
}

// OpenHashDirectory constructs and materializes a fresh flash-resident
// hash directory. Use [ReopenHashDirectory] when
// the backing buckets already exist from a previous run.
func OpenHashDirectory(ctx context.Context, cfg HashDirConfig) (*HashDirectory, error) {
	return hashdir.Open(ctx, cfg)
}

// ReopenHashDirectory wraps an already-materialized set of buckets without
// re-initializing them, for process restart.
func ReopenHashDirectory(cfg HashDirConfig) *HashDirectory {
	return hashdir.New(cfg)
}
