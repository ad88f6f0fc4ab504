package btree

import "errors"

// ErrCorruptNode indicates a node failed header or checksum validation
// on decode.
var ErrCorruptNode = errors.New("btree: corrupt node")

// errFailure is the generic I/O/allocation failure sentinel.
var errFailure = errors.New("btree: failure")

// ErrKeyNotFound, ErrKeyExists, ErrBufferTooSmall and ErrRangeUpdateNeedsSpace
// mirror the root package's status sentinels. They are declared
// locally, rather than imported from the root flashkv package, because the
// root package wires this package together and importing it back here
// would create an import cycle; the root facade re-exports these same
// values as its own sentinels, so errors.Is matches across the boundary.
var (
	ErrKeyNotFound           = errors.New("btree: key not found")
	ErrKeyExists             = errors.New("btree: key already exists")
	ErrBufferTooSmall        = errors.New("btree: buffer too small")
	ErrRangeUpdateNeedsSpace = errors.New("btree: range update needs space")
)

// ErrInvalidInput indicates a caller contract violation detectable
// without touching storage, such as an unsorted multi-put batch.
var ErrInvalidInput = errors.New("btree: invalid input")

// ErrRestartExceeded indicates the root-acquisition retry loop gave up:
// the root id kept changing between loading the root wrapper and locking
// it. This should never trigger in practice, since every root change is
// paired with a split or collapse that makes structural progress, but it
// guards against a logic error turning into a livelock.
var ErrRestartExceeded = errors.New("btree: restart limit exceeded")
