package flashkv

import "fmt"

// IndexFlag is a bitset of tree-init flags.
type IndexFlag uint32

// Tree-init flags. SyndromeIndex and SecondaryIndex are mutually exclusive.
const (
	SyndromeIndex IndexFlag = 1 << iota
	SecondaryIndex
	InMemory
	Reload
	VerboseDebug
)

// TreeOptions configures a B-tree instance.
type TreeOptions struct {
	Flags IndexFlag

	// NPartition is this tree's slot and NPartitions the total partition
	// count, used to stripe logical node ids across partitions:
	// logical_id = counter*NPartitions + NPartition.
	NPartition  uint32
	NPartitions uint32

	// MaxKeySize upper-bounds a single key. NodeSize must satisfy
	// nodesize >= (leaf_entry_size + MaxKeySize) * MinKeysPerNode + header.
	MaxKeySize uint32

	// MinKeysPerNode must be >= 4.
	MinKeysPerNode uint32

	// NodeSize is the fixed on-flash node size, typically 8-64 KiB.
	NodeSize uint32

	// NL1CacheBuckets hints the node cache's stripe count.
	NL1CacheBuckets uint32

	IO       NodeIO
	Cmp      Comparator
	Seq      SeqAllocator
	Log      Logger
	Trx      TrxHook
	ShardID  uint32
}

// BigObjectThreshold is the key+value size above which a value is stored
// in an overflow chain: (nodesize - node_header)/4 - sizeof(leaf_entry).
func (o TreeOptions) BigObjectThreshold(nodeHeaderSize, leafEntrySize uint32) uint32 {
	if o.NodeSize <= nodeHeaderSize {
		return 0
	}

	avail := (o.NodeSize - nodeHeaderSize) / 4
	if avail <= leafEntrySize {
		return 0
	}

	return avail - leafEntrySize
}

// Validate checks the option invariants that must hold before a tree can
// be opened.
func (o TreeOptions) Validate(nodeHeaderSize, leafEntrySize uint32) error {
	if o.Flags&SyndromeIndex != 0 && o.Flags&SecondaryIndex != 0 {
		return fmt.Errorf("SYNDROME_INDEX and SECONDARY_INDEX are mutually exclusive: %w", ErrInvalidInput)
	}

	if o.Flags&SyndromeIndex == 0 && o.Flags&SecondaryIndex == 0 {
		return fmt.Errorf("exactly one of SYNDROME_INDEX or SECONDARY_INDEX is required: %w", ErrInvalidInput)
	}

	if o.MinKeysPerNode < 4 {
		return fmt.Errorf("min_keys_per_node must be >= 4, got %d: %w", o.MinKeysPerNode, ErrInvalidInput)
	}

	required := (leafEntrySize + o.MaxKeySize) * o.MinKeysPerNode
	if o.NodeSize < required+nodeHeaderSize {
		return fmt.Errorf("nodesize %d too small for max_key_size %d and min_keys_per_node %d (need >= %d): %w",
			o.NodeSize, o.MaxKeySize, o.MinKeysPerNode, required+nodeHeaderSize, ErrInvalidInput)
	}

	if o.NPartitions == 0 {
		return fmt.Errorf("n_partitions must be >= 1: %w", ErrInvalidInput)
	}

	if o.NPartition >= o.NPartitions {
		return fmt.Errorf("n_partition %d out of range for n_partitions %d: %w", o.NPartition, o.NPartitions, ErrInvalidInput)
	}

	if o.IO == nil {
		return fmt.Errorf("IO callback is required: %w", ErrInvalidInput)
	}

	if o.Flags&SecondaryIndex != 0 && o.Cmp == nil {
		return fmt.Errorf("Cmp is required for SECONDARY_INDEX trees: %w", ErrInvalidInput)
	}

	if o.Seq == nil {
		return fmt.Errorf("Seq allocator is required: %w", ErrInvalidInput)
	}

	return nil
}
