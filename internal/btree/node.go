// Package btree implements a copy-on-write-friendly variable-key B+-tree
// index: multi-put, range-update, ordered enumeration, node-level
// read/write locks, and overflow chains for oversized values.
//
// Every node carries a CRC32C checksum verified on load. A node is
// free-form in memory while held on an operation's modified list and
// only serialized to its on-flash byte layout when handed to the node
// store adapter.
package btree

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// NodeFlag is a bitset stored in every node's header.
type NodeFlag uint32

// Node flag bits.
const (
	FlagLeaf NodeFlag = 1 << iota
	FlagOverflow
	FlagRoot // derived/advisory; not load-bearing for correctness
)

// Layout identifies which of the three key-record shapes a node uses.
type Layout int

// Node key-record layouts.
const (
	// LayoutFixedNonLeaf is used by non-leaf nodes of a syndrome-index
	// tree: 24-byte {syndrome, child_ptr, seqno} records, no key bytes.
	LayoutFixedNonLeaf Layout = iota
	// LayoutVarNonLeaf is used by non-leaf nodes of a secondary-index
	// tree: {keylen, keypos, child_ptr, seqno} + key bytes.
	LayoutVarNonLeaf
	// LayoutVarLeaf is used by every leaf, in both index modes:
	// {keylen, keypos, datalen, value_ptr_or_zero, seqno, syndrome} + key
	// bytes + inline value or overflow chain head.
	LayoutVarLeaf
)

const (
	// fixedRecordSize is sizeof({syndrome, child_ptr, seqno}).
	fixedRecordSize = 8 + 8 + 8

	// varNonLeafRecordSize is sizeof({keylen, keypos, child_ptr, seqno}).
	varNonLeafRecordSize = 4 + 4 + 8 + 8

	// varLeafRecordSize is sizeof({keylen, keypos, datalen, value_ptr, seqno, syndrome}).
	varLeafRecordSize = 4 + 4 + 4 + 8 + 8 + 8

	// HeaderSize is the fixed on-flash node header size: pstats[64] +
	// flags + level + checksum + insert_ptr + nkeys + logical_id + next +
	// rightmost.
	HeaderSize = 64 + 4 + 2 + 4 + 4 + 4 + 8 + 8 + 8

	// PStatsSize is the opaque per-node persistent-statistics blob,
	// preserved untouched across load/store.
	PStatsSize = 64
)

// Record is an in-memory, layout-agnostic view of one node entry.
//
// Which fields are meaningful depends on the owning Node's Layout:
//   - LayoutFixedNonLeaf: Syndrome, ChildID, Seqno.
//   - LayoutVarNonLeaf: Key, ChildID, Seqno.
//   - LayoutVarLeaf: Key, Seqno, Syndrome (syndrome-index trees only),
//     and exactly one of InlineValue or (ValuePtr != 0, DataLen).
type Record struct {
	Key         []byte
	Syndrome    uint64
	ChildID     uint64
	Seqno       uint64
	DataLen     uint32
	ValuePtr    uint64 // 0 means the value is inline
	InlineValue []byte
}

// IsOverflowed reports whether this leaf record's value lives in an
// overflow chain rather than inline.
func (r *Record) IsOverflowed() bool { return r.ValuePtr != 0 }

// Node is the in-memory representation of one B-tree node. Records are
// kept decoded and sorted; Encode/Decode handle the on-flash byte layout.
type Node struct {
	Flags     NodeFlag
	Level     uint16
	LogicalID uint64
	Next      uint64 // overflow chain link; 0 for non-overflow nodes
	Rightmost uint64 // non-leaf: child id for keys greater than the last anchor.
	// leaf: repurposed as the sibling pointer stamped at split time,
	// pointing at the node the records were cut from.
	PStats    [PStatsSize]byte

	Layout  Layout
	Records []Record // sorted by comparator/syndrome

	// OverflowPayload holds this node's raw bytes when FlagOverflow is
	// set; Records is unused in that case.
	OverflowPayload []byte

	nodeSize uint32
}

// IsLeaf reports whether this is a leaf node.
func (n *Node) IsLeaf() bool { return n.Flags&FlagLeaf != 0 }

// IsOverflowNode reports whether this node is a link in an overflow chain.
func (n *Node) IsOverflowNode() bool { return n.Flags&FlagOverflow != 0 }

// NKeys returns the number of in-node key records (not counting Rightmost).
func (n *Node) NKeys() int { return len(n.Records) }

// NewLeaf constructs an empty leaf node; leaves always use LayoutVarLeaf.
func NewLeaf(id uint64, nodeSize uint32) *Node {
	return &Node{Flags: FlagLeaf, LogicalID: id, Layout: LayoutVarLeaf, nodeSize: nodeSize}
}

// NewNonLeaf constructs an empty non-leaf node for the given layout at level.
func NewNonLeaf(id uint64, level uint16, layout Layout, nodeSize uint32) *Node {
	return &Node{LogicalID: id, Level: level, Layout: layout, nodeSize: nodeSize}
}

// recordSize returns the fixed-width portion of one record for n's layout.
func (n *Node) recordSize() uint32 {
	switch n.Layout {
	case LayoutFixedNonLeaf:
		return fixedRecordSize
	case LayoutVarNonLeaf:
		return varNonLeafRecordSize
	default:
		return varLeafRecordSize
	}
}

// VariableBytesUsed returns the byte count of the variable-length key/value
// area (the region insert_ptr bounds), recomputed from Records rather
// than trusted as stale state, since keypos offsets shift on any
// structural change.
func (n *Node) VariableBytesUsed() uint32 {
	if n.Layout == LayoutFixedNonLeaf {
		return 0
	}

	var total uint32
	for i := range n.Records {
		total += uint32(len(n.Records[i].Key))
		if n.Layout == LayoutVarLeaf && !n.Records[i].IsOverflowed() {
			total += uint32(len(n.Records[i].InlineValue))
		}
	}

	return total
}

// UsedBytes returns the total bytes this node currently occupies: header +
// fixed record array + variable-length area.
func (n *Node) UsedBytes() uint32 {
	return HeaderSize + uint32(len(n.Records))*n.recordSize() + n.VariableBytesUsed()
}

// FreeBytes returns the bytes still available before the node is full.
func (n *Node) FreeBytes() uint32 {
	used := n.UsedBytes()
	if used >= n.nodeSize {
		return 0
	}

	return n.nodeSize - used
}

// RequiredBytesForInsert returns the bytes a new leaf record of the given
// key/value length would need; a value at or past the big-object
// threshold stores only its key inline.
func RequiredBytesForInsert(keyLen, dataLen int, bigObjectThreshold uint32) uint32 {
	payload := keyLen
	if uint32(keyLen+dataLen) < bigObjectThreshold {
		payload += dataLen
	}

	return varLeafRecordSize + uint32(payload)
}

// Encode serializes the node to its on-flash byte representation.
func (n *Node) Encode() []byte {
	buf := make([]byte, n.nodeSize)

	if n.IsOverflowNode() {
		binary.LittleEndian.PutUint32(buf[64:68], uint32(n.Flags))
		binary.LittleEndian.PutUint64(buf[82:90], n.LogicalID)
		binary.LittleEndian.PutUint64(buf[90:98], n.Next)
		copy(buf[HeaderSize:], n.OverflowPayload)
		n.stampChecksum(buf)

		return buf
	}

	copy(buf[0:64], n.PStats[:])
	binary.LittleEndian.PutUint32(buf[64:68], uint32(n.Flags))
	binary.LittleEndian.PutUint16(buf[68:70], n.Level)
	// 70:74 checksum, stamped last
	// insert_ptr and nkeys filled below once key-area size is known
	binary.LittleEndian.PutUint64(buf[82:90], n.LogicalID)
	binary.LittleEndian.PutUint64(buf[90:98], n.Next)
	binary.LittleEndian.PutUint64(buf[98:106], n.Rightmost)

	recSize := n.recordSize()
	recArea := buf[HeaderSize : HeaderSize+uint32(len(n.Records))*recSize]
	insertPtr := n.nodeSize

	for i, rec := range n.Records {
		off := uint32(i) * recSize
		switch n.Layout {
		case LayoutFixedNonLeaf:
			binary.LittleEndian.PutUint64(recArea[off:], rec.Syndrome)
			binary.LittleEndian.PutUint64(recArea[off+8:], rec.ChildID)
			binary.LittleEndian.PutUint64(recArea[off+16:], rec.Seqno)

		case LayoutVarNonLeaf:
			insertPtr -= uint32(len(rec.Key))
			copy(buf[insertPtr:], rec.Key)
			binary.LittleEndian.PutUint32(recArea[off:], uint32(len(rec.Key)))
			binary.LittleEndian.PutUint32(recArea[off+4:], insertPtr)
			binary.LittleEndian.PutUint64(recArea[off+8:], rec.ChildID)
			binary.LittleEndian.PutUint64(recArea[off+16:], rec.Seqno)

		case LayoutVarLeaf:
			valueBytes := rec.InlineValue
			if rec.IsOverflowed() {
				valueBytes = nil
			}

			insertPtr -= uint32(len(rec.Key) + len(valueBytes))
			keyPos := insertPtr
			copy(buf[keyPos:], rec.Key)
			copy(buf[keyPos+uint32(len(rec.Key)):], valueBytes)

			binary.LittleEndian.PutUint32(recArea[off:], uint32(len(rec.Key)))
			binary.LittleEndian.PutUint32(recArea[off+4:], keyPos)
			binary.LittleEndian.PutUint32(recArea[off+8:], rec.DataLen)
			binary.LittleEndian.PutUint64(recArea[off+12:], rec.ValuePtr)
			binary.LittleEndian.PutUint64(recArea[off+20:], rec.Seqno)
			binary.LittleEndian.PutUint64(recArea[off+28:], rec.Syndrome)
		}
	}

	binary.LittleEndian.PutUint32(buf[74:78], insertPtr)
	binary.LittleEndian.PutUint32(buf[78:82], uint32(len(n.Records)))

	n.stampChecksum(buf)

	return buf
}

// stampChecksum computes a CRC32C over the whole buffer (with the
// checksum field itself zeroed) and writes it into the header.
func (n *Node) stampChecksum(buf []byte) {
	binary.LittleEndian.PutUint32(buf[70:74], 0)
	crc := crc32.Checksum(buf, crc32.MakeTable(crc32.Castagnoli))
	binary.LittleEndian.PutUint32(buf[70:74], crc)
}

// Decode parses raw on-flash bytes into a Node. layout must be supplied by
// the caller (the header records whether a node is a leaf, but not
// whether a non-leaf uses the fixed syndrome-index or the variable
// secondary-index record layout; the tree knows that from its flavor).
func Decode(buf []byte, layout Layout) (*Node, error) {
	if uint32(len(buf)) < HeaderSize {
		return nil, fmt.Errorf("node buffer too small: %d < %d: %w", len(buf), HeaderSize, ErrCorruptNode)
	}

	stored := binary.LittleEndian.Uint32(buf[70:74])
	check := make([]byte, len(buf))
	copy(check, buf)
	binary.LittleEndian.PutUint32(check[70:74], 0)

	if crc32.Checksum(check, crc32.MakeTable(crc32.Castagnoli)) != stored {
		return nil, fmt.Errorf("node checksum mismatch: %w", ErrCorruptNode)
	}

	n := &Node{nodeSize: uint32(len(buf))}
	copy(n.PStats[:], buf[0:64])
	n.Flags = NodeFlag(binary.LittleEndian.Uint32(buf[64:68]))
	n.Level = binary.LittleEndian.Uint16(buf[68:70])
	n.LogicalID = binary.LittleEndian.Uint64(buf[82:90])
	n.Next = binary.LittleEndian.Uint64(buf[90:98])
	n.Rightmost = binary.LittleEndian.Uint64(buf[98:106])

	if n.IsOverflowNode() {
		n.OverflowPayload = append([]byte(nil), buf[HeaderSize:]...)
		return n, nil
	}

	insertPtr := binary.LittleEndian.Uint32(buf[74:78])
	nkeys := binary.LittleEndian.Uint32(buf[78:82])
	n.Layout = layout

	recSize := n.recordSize()
	recArea := buf[HeaderSize : HeaderSize+nkeys*recSize]
	n.Records = make([]Record, nkeys)

	for i := range n.Records {
		off := uint32(i) * recSize
		rec := &n.Records[i]

		switch layout {
		case LayoutFixedNonLeaf:
			rec.Syndrome = binary.LittleEndian.Uint64(recArea[off:])
			rec.ChildID = binary.LittleEndian.Uint64(recArea[off+8:])
			rec.Seqno = binary.LittleEndian.Uint64(recArea[off+16:])

		case LayoutVarNonLeaf:
			keyLen := binary.LittleEndian.Uint32(recArea[off:])
			keyPos := binary.LittleEndian.Uint32(recArea[off+4:])
			rec.Key = append([]byte(nil), buf[keyPos:keyPos+keyLen]...)
			rec.ChildID = binary.LittleEndian.Uint64(recArea[off+8:])
			rec.Seqno = binary.LittleEndian.Uint64(recArea[off+16:])

		case LayoutVarLeaf:
			keyLen := binary.LittleEndian.Uint32(recArea[off:])
			keyPos := binary.LittleEndian.Uint32(recArea[off+4:])
			rec.DataLen = binary.LittleEndian.Uint32(recArea[off+8:])
			rec.ValuePtr = binary.LittleEndian.Uint64(recArea[off+12:])
			rec.Seqno = binary.LittleEndian.Uint64(recArea[off+20:])
			rec.Syndrome = binary.LittleEndian.Uint64(recArea[off+28:])
			rec.Key = append([]byte(nil), buf[keyPos:keyPos+keyLen]...)

			if !rec.IsOverflowed() {
				valStart := keyPos + keyLen
				rec.InlineValue = append([]byte(nil), buf[valStart:valStart+rec.DataLen]...)
			}
		}
	}

	_ = insertPtr // re-derived by VariableBytesUsed(); header value isn't trusted across mutation.

	return n, nil
}
