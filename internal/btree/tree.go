package btree

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/flashcore/kv/internal/coretypes"
	"github.com/flashcore/kv/internal/nodecache"
	"github.com/flashcore/kv/internal/nodestore"
)

// WriteType selects insert/update/upsert semantics for a single-key
// write.
type WriteType int

// Write types.
const (
	WriteCreate WriteType = iota // fail if key present
	WriteUpdate                  // fail if key absent
	WriteSet                     // either
)

// Status enumerates the outcome classes operations report. Operations do
// not return Status values: each non-success class is reported as its
// sentinel error (ErrKeyNotFound, ErrBufferTooSmall, ErrFailure(),
// ErrRangeUpdateNeedsSpace), checked with errors.Is, and Success as a nil
// error.
type Status int

// Status codes.
const (
	StatusSuccess Status = iota
	StatusKeyNotFound
	StatusBufferTooSmall
	StatusFailure
	StatusRangeUpdateNeedsSpace
)

// Object is one key/value pair for a multi-put.
type Object struct {
	Key   []byte
	Value []byte
}

// Stats are cumulative counters for a tree instance.
type Stats struct {
	NodeCount    atomic.Int64
	SplitCount   atomic.Int64
	MergeCount   atomic.Int64
	ShiftCount   atomic.Int64
	RestartCount atomic.Int64
}

// Tree is one B+-tree instance.
type Tree struct {
	NodeSize           uint32
	MaxKeySize         uint32
	MinKeysPerNode     uint32
	BigObjectThreshold uint32
	Flags              uint32
	PartitionID        uint32
	PartitionCount     uint32

	cache *nodecache.Cache[*Node]
	store *nodestore.Adapter
	cmp   coretypes.Comparator
	seq   coretypes.SeqAllocator
	log   coretypes.Logger

	syndromeIndex bool

	treeLock sync.RWMutex // readers: point/batch ops; writers: delete rebalance, root split

	rootID atomic.Uint64

	Stats Stats
}

// Config bundles the construction-time dependencies for a Tree.
type Config struct {
	NodeSize           uint32
	MaxKeySize         uint32
	MinKeysPerNode     uint32
	PartitionID        uint32
	PartitionCount     uint32
	SyndromeIndex      bool

	Cache *nodecache.Cache[*Node]
	Store *nodestore.Adapter
	Cmp   coretypes.Comparator
	Seq   coretypes.SeqAllocator
	Log   coretypes.Logger
}

// New constructs a Tree around an already-loaded root id (e.g. from a
// freshly created metadata node or one read back on reload).
func New(cfg Config, rootID uint64) *Tree {
	leafEntry := uint32(varLeafRecordSize)
	bigObj := (cfg.NodeSize-HeaderSize)/4 - leafEntry

	t := &Tree{
		NodeSize:           cfg.NodeSize,
		MaxKeySize:         cfg.MaxKeySize,
		MinKeysPerNode:     cfg.MinKeysPerNode,
		BigObjectThreshold: bigObj,
		PartitionID:        cfg.PartitionID,
		PartitionCount:     cfg.PartitionCount,
		syndromeIndex:      cfg.SyndromeIndex,
		cache:              cfg.Cache,
		store:              cfg.Store,
		cmp:                cfg.Cmp,
		seq:                cfg.Seq,
		log:                cfg.Log,
	}
	if t.log == nil {
		t.log = nopLogger{}
	}

	t.rootID.Store(rootID)
	t.store.SetRootID(rootID)

	return t
}

// nopLogger swallows log output when the caller supplies no Logger.
type nopLogger struct{}

func (nopLogger) Log(coretypes.LogLevel, string, ...any) {}

// RootID returns the tree's current root logical id.
func (t *Tree) RootID() uint64 { return t.rootID.Load() }

func (t *Tree) setRootID(id uint64) {
	t.rootID.Store(id)
	t.store.SetRootID(id)
}

// nodeWrapper is this engine's instantiation of the generic L1 cache
// wrapper.
type nodeWrapper = nodecache.Wrapper[*Node]

// nonLeafLayout returns the layout non-leaf nodes use for this tree's flavor.
func (t *Tree) nonLeafLayout() Layout {
	if t.syndromeIndex {
		return LayoutFixedNonLeaf
	}

	return LayoutVarNonLeaf
}

// compareKeys orders two keys using the tree's comparator, falling back
// to raw byte order when none is configured.
func (t *Tree) compareKeys(a, b []byte) int {
	if t.cmp != nil {
		return t.cmp(a, b)
	}

	return bytes.Compare(a, b)
}

// leafKeyCompare orders two keys the way leaf records are stored: by
// syndrome with a raw-byte tiebreak in syndrome-index mode, by the
// caller's comparator in secondary-index mode.
func (t *Tree) leafKeyCompare(a, b []byte) int {
	if t.syndromeIndex {
		sa, sb := Syndrome(a), Syndrome(b)
		if sa < sb {
			return -1
		}
		if sa > sb {
			return 1
		}

		return bytes.Compare(a, b)
	}

	return t.compareKeys(a, b)
}

// EncodeMetadata serializes the persisted metadata node payload
// {rootid, logical_id_counter, next_logical_id}, following after the
// shared HeaderSize-byte node header.
func EncodeMetadata(metaVersion uint32, rootID, counter, nextLogicalID uint64) []byte {
	buf := make([]byte, 4+8+8+8)
	binary.LittleEndian.PutUint32(buf[0:4], metaVersion)
	binary.LittleEndian.PutUint64(buf[4:12], rootID)
	binary.LittleEndian.PutUint64(buf[12:20], counter)
	binary.LittleEndian.PutUint64(buf[20:28], nextLogicalID)

	return buf
}

// DecodeMetadata parses a persisted metadata node payload.
func DecodeMetadata(buf []byte) (metaVersion uint32, rootID, counter, nextLogicalID uint64, err error) {
	if len(buf) < 28 {
		return 0, 0, 0, 0, fmt.Errorf("metadata payload too small: %w", ErrCorruptNode)
	}

	metaVersion = binary.LittleEndian.Uint32(buf[0:4])
	rootID = binary.LittleEndian.Uint64(buf[4:12])
	counter = binary.LittleEndian.Uint64(buf[12:20])
	nextLogicalID = binary.LittleEndian.Uint64(buf[20:28])

	return metaVersion, rootID, counter, nextLogicalID, nil
}

// loadWrapper returns the cache wrapper for id, reading through the node
// store on a miss. layout tells Decode how to interpret a non-leaf node's
// fixed record area (leaves are always LayoutVarLeaf and auto-detected
// via the node's persisted Flags).
func (t *Tree) loadWrapper(ctx context.Context, id uint64, layout Layout) (*nodeWrapper, error) {
	if w, ok := t.cache.Get(id); ok {
		return w, nil
	}

	buf, err := t.store.ReadNode(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFailure(), err)
	}

	node, err := decodeWithLeafDetection(buf, layout)
	if err != nil {
		return nil, err
	}

	return t.cache.Add(node.LogicalID, node), nil
}

// decodeWithLeafDetection peeks the flags byte to pick LayoutVarLeaf for
// leaves regardless of the tree's non-leaf layout.
func decodeWithLeafDetection(buf []byte, nonLeafLayout Layout) (*Node, error) {
	if len(buf) < 68 {
		return nil, fmt.Errorf("node buffer too small to read flags: %w", ErrCorruptNode)
	}

	flags := NodeFlag(binary.LittleEndian.Uint32(buf[64:68]))
	if flags&FlagLeaf != 0 || flags&FlagOverflow != 0 {
		return Decode(buf, LayoutVarLeaf)
	}

	return Decode(buf, nonLeafLayout)
}

// createNode allocates a fresh logical id and wraps a new node in the
// cache.
func (t *Tree) createNode(ctx context.Context, leaf bool, level uint16) (*nodeWrapper, error) {
	id, err := t.store.AllocateLogicalID(ctx)
	if err != nil {
		return nil, fmt.Errorf("allocate logical id: %w", err)
	}

	if err := t.store.CreateNode(ctx, id); err != nil {
		return nil, fmt.Errorf("create node: %w", err)
	}

	var n *Node
	if leaf {
		n = NewLeaf(id, t.NodeSize)
	} else {
		n = NewNonLeaf(id, level, t.nonLeafLayout(), t.NodeSize)
	}

	t.Stats.NodeCount.Add(1)

	w := t.cache.Add(id, n)
	w.MarkDirty()

	return w, nil
}

// ErrFailure returns the generic I/O/allocation failure sentinel. It is
// a function (not a package var) so callers always go through one call
// site.
func ErrFailure() error { return errFailure }
