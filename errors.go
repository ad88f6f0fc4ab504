package flashkv

import (
	"errors"

	"github.com/flashcore/kv/internal/btree"
	"github.com/flashcore/kv/internal/hashdir"
)

// Status sentinels returned by tree and hash-directory operations.
// Callers should use errors.Is against these, since internal layers
// wrap them with additional context via fmt.Errorf("...: %w"). These are
// aliases of the same sentinel values package btree/hashdir actually
// return (rather than independent errors.New values), so errors.Is(err,
// flashkv.ErrKeyNotFound) matches what Tree.Get really returns; package
// btree cannot import this package back (it would cycle), so it owns the
// canonical values and this package just re-exports them.
var (
	// ErrKeyNotFound is returned by Get/Update/Delete when the key is
	// absent from the tree.
	ErrKeyNotFound = btree.ErrKeyNotFound

	// ErrKeyExists is returned by an insert-only write when the key is
	// already present.
	ErrKeyExists = btree.ErrKeyExists

	// ErrBufferTooSmall is returned by Get when the caller-provided
	// buffer cannot hold the value and ALLOC_IF_TOO_SMALL was not set.
	ErrBufferTooSmall = btree.ErrBufferTooSmall

	// ErrRangeUpdateNeedsSpace is returned by RangeUpdate when the next
	// qualifying key's replacement does not fit in place; the caller
	// should retry that key via a single-key Update.
	ErrRangeUpdateNeedsSpace = btree.ErrRangeUpdateNeedsSpace

	// ErrFailure is the catch-all for I/O and allocation failures.
	ErrFailure = btree.ErrFailure()

	// ErrDirectoryFull is returned by the hash directory when all four
	// insertion-priority tiers are exhausted.
	ErrDirectoryFull = hashdir.ErrDirectoryFull

	// ErrEntryNotFound is returned by the hash directory's Delete when no
	// entry in the key's bucket chain both matches the syndrome prefix
	// and passes key verification.
	ErrEntryNotFound = hashdir.ErrNotFound

	// ErrClosed names the closed-store outcome. No operation in this
	// module returns it: trees and hash directories have no close
	// operation.
	ErrClosed = errors.New("flashkv: closed")

	// ErrInvalidInput is returned for caller misconfiguration detected at
	// construction or call time (bad options, an unsorted multi-put
	// batch, and so on). Aliased to the engine's own sentinel so
	// errors.Is matches regardless of which layer rejected the input.
	ErrInvalidInput = btree.ErrInvalidInput

	// ErrCorrupt names the corrupt-persisted-state outcome. No operation
	// returns ErrCorrupt itself: a node that fails structural or checksum
	// validation on load is reported as btree.ErrCorruptNode and a
	// hash-directory bucket as hashdir.ErrCorruptBucket. Use
	// errors.Is(err, btree.ErrCorruptNode) or
	// errors.Is(err, hashdir.ErrCorruptBucket) to detect them.
	ErrCorrupt = errors.New("flashkv: corrupt")
)
