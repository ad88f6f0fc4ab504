// Package hashdir implements the flash-resident chained hash directory:
// a fixed-capacity array of key->address buckets, each
// holding a small number of fixed-width entries plus an overflow chain
// link, persisted through the same node-style I/O callback shape the
// B-tree engine uses (internal/nodestore, internal/coretypes.NodeIO).
//
// The on-flash bucket layout is a fixed header with a CRC32C-protected
// checksum field followed by a fixed-width slot array; the checksum is
// computed with the CRC field itself zeroed and verified on every
// decode.
package hashdir

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// SlotsPerBucket is the fixed number of entries held directly in one
// bucket before an overflow link is required.
const SlotsPerBucket = 4

// Entry flag bits.
const (
	entryFlagUsed uint8 = 1 << iota
	entryFlagDeleted
	entryFlagReferenced
)

// entrySize is sizeof({flags, cntr_id, syndrome_high16, block_address, blocks}),
// padded to an 8-byte boundary.
const entrySize = 24

// bucketHeaderSize is sizeof({flags, checksum, next, nslots}), padded to
// an 8-byte boundary.
const bucketHeaderSize = 24

// Entry is one directory slot: a candidate address for a key whose
// syndrome's high 16 bits match SyndromeHigh16. The caller confirms the
// actual key at BlockAddress, since 16 bits alone do not rule out
// collisions.
type Entry struct {
	Used           bool
	Deleted        bool // tombstoned: slot is logically free but was occupied since the bucket was last compacted
	Referenced     bool // clock-style recency bit, persisted in the entry flags; nothing in this package sets it
	CntrID         uint16
	SyndromeHigh16 uint16
	BlockAddress   uint64
	Blocks         uint32
}

func (e *Entry) live() bool { return e.Used && !e.Deleted }

func (e *Entry) flags() uint8 {
	var f uint8
	if e.Used {
		f |= entryFlagUsed
	}
	if e.Deleted {
		f |= entryFlagDeleted
	}
	if e.Referenced {
		f |= entryFlagReferenced
	}

	return f
}

func (e *Entry) setFlags(f uint8) {
	e.Used = f&entryFlagUsed != 0
	e.Deleted = f&entryFlagDeleted != 0
	e.Referenced = f&entryFlagReferenced != 0
}

func encodeEntry(buf []byte, e Entry) {
	buf[0] = e.flags()
	binary.LittleEndian.PutUint16(buf[2:4], e.CntrID)
	binary.LittleEndian.PutUint16(buf[4:6], e.SyndromeHigh16)
	binary.LittleEndian.PutUint64(buf[8:16], e.BlockAddress)
	binary.LittleEndian.PutUint32(buf[16:20], e.Blocks)
}

func decodeEntry(buf []byte) Entry {
	var e Entry
	e.setFlags(buf[0])
	e.CntrID = binary.LittleEndian.Uint16(buf[2:4])
	e.SyndromeHigh16 = binary.LittleEndian.Uint16(buf[4:6])
	e.BlockAddress = binary.LittleEndian.Uint64(buf[8:16])
	e.Blocks = binary.LittleEndian.Uint32(buf[16:20])

	return e
}

// Bucket is one directory bucket: SlotsPerBucket fixed entries plus a
// link to the next bucket in this key's overflow chain (0 if none).
type Bucket struct {
	Next    uint64
	Entries [SlotsPerBucket]Entry
}

func bucketSize() uint32 {
	return bucketHeaderSize + SlotsPerBucket*entrySize
}

// encode serializes the bucket, stamping a CRC32C checksum the same way
// internal/btree's node encoding does.
func (b *Bucket) encode() []byte {
	buf := make([]byte, bucketSize())

	binary.LittleEndian.PutUint64(buf[8:16], b.Next)
	binary.LittleEndian.PutUint32(buf[16:20], SlotsPerBucket)

	for i, e := range b.Entries {
		off := bucketHeaderSize + uint32(i)*entrySize
		encodeEntry(buf[off:off+entrySize], e)
	}

	binary.LittleEndian.PutUint32(buf[4:8], 0)
	crc := crc32.Checksum(buf, crc32.MakeTable(crc32.Castagnoli))
	binary.LittleEndian.PutUint32(buf[4:8], crc)

	return buf
}

// decodeBucket parses raw bytes into a Bucket, validating its checksum.
func decodeBucket(buf []byte) (*Bucket, error) {
	if uint32(len(buf)) < bucketSize() {
		return nil, fmt.Errorf("bucket buffer too small: %d < %d: %w", len(buf), bucketSize(), ErrCorruptBucket)
	}

	stored := binary.LittleEndian.Uint32(buf[4:8])
	check := make([]byte, len(buf))
	copy(check, buf)
	binary.LittleEndian.PutUint32(check[4:8], 0)

	if crc32.Checksum(check, crc32.MakeTable(crc32.Castagnoli)) != stored {
		return nil, fmt.Errorf("bucket checksum mismatch: %w", ErrCorruptBucket)
	}

	b := &Bucket{Next: binary.LittleEndian.Uint64(buf[8:16])}

	for i := range b.Entries {
		off := bucketHeaderSize + uint32(i)*entrySize
		b.Entries[i] = decodeEntry(buf[off : off+entrySize])
	}

	return b, nil
}
