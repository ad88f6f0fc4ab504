// Package coretypes holds the external-collaborator interfaces shared by
// every internal engine package (btree, nodecache, nodestore, hashdir) and
// re-exported by the root flashkv package. It exists purely to break the
// import cycle that would otherwise result from internal engine packages
// needing the same callback types the root facade declares.
package coretypes

import "context"

// NodeIO is the set of caller-supplied callbacks the node store adapter
// (internal/nodestore) uses to read, write, and manage the lifetime of a
// node on the backing flash store. A logical node id is stable for the
// life of the node; the callback implementation maps it to wherever the
// node actually lives (a flash block, a file offset, a network blob store).
type NodeIO interface {
	// ReadNode returns the persisted bytes for logical id, or an error
	// wrapping os.ErrNotExist-like semantics if the id was never created.
	ReadNode(ctx context.Context, shard uint32, logicalID uint64) ([]byte, error)

	// WriteNode persists buf as the full contents of logical id. buf is
	// owned by the caller of WriteNode; implementations must copy it if
	// they retain a reference past the call.
	WriteNode(ctx context.Context, shard uint32, logicalID uint64, buf []byte) error

	// CreateNode reserves logicalID with the backing store before any
	// WriteNode call for it. Used so that failure to reserve space is
	// reported before any node bytes are constructed.
	CreateNode(ctx context.Context, shard uint32, logicalID uint64) error

	// DeleteNode releases logicalID and any space backing it.
	DeleteNode(ctx context.Context, shard uint32, logicalID uint64) error

	// FlushNode durably commits a single node, independent of any other
	// pending node. Used for the persisted metadata node checkpoint.
	FlushNode(ctx context.Context, shard uint32, logicalID uint64) error
}

// Comparator totally orders two keys, in the style of bytes.Compare:
// negative if a < b, zero if equal, positive if a > b. Required for
// secondary-index trees; syndrome-index trees order by syndrome instead
// and never call this.
type Comparator func(a, b []byte) int

// SeqAllocator hands out a monotonically increasing sequence number used
// to stamp every record written by the tree, so that readers can tell
// which of two conflicting writes happened last.
type SeqAllocator interface {
	NextSeqno() uint64
}

// LogLevel mirrors the severity levels a caller-supplied [Logger] must
// support.
type LogLevel int

// Log levels, most to least severe.
const (
	LogFatal LogLevel = iota
	LogError
	LogWarn
	LogInfo
	LogDebug
	LogTrace
)

// Logger is the structured logging callback the core uses to report
// invariant violations, resource exhaustion, and diagnostic detail.
// A LogFatal call is expected to terminate the process after logging;
// the core never relies on Logger to do so itself, as the call sites
// that detect an unrecoverable invariant violation panic directly.
type Logger interface {
	Log(level LogLevel, msg string, args ...any)
}

// TrxCommand identifies the kind of cache-lifecycle event being reported
// to a transaction hook.
type TrxCommand int

// Transaction hook commands, see [TrxHook].
const (
	TrxCacheAdd TrxCommand = iota
	TrxCacheDel
	TrxCacheQuery
)

// TrxHook lets an external transaction manager observe and veto node
// cache activity so that uncommitted state from one transaction never
// leaks into another transaction's reads.
//
// TrxCacheAdd fires whenever a node is freshly inserted into the node
// cache. TrxCacheDel fires whenever a node is evicted or explicitly
// deleted. TrxCacheQuery fires on every cache hit; returning false tells
// the core to treat the hit as a miss, drop the cached entry, and reload
// it from the node store.
type TrxHook interface {
	TrxCmd(cmd TrxCommand, logicalID uint64) bool
}

// NopTrxHook is a [TrxHook] that accepts every cache query and ignores
// add/del notifications. It is the default hook used when a caller does
// not run a transaction manager.
type NopTrxHook struct{}

// TrxCmd implements [TrxHook].
func (NopTrxHook) TrxCmd(TrxCommand, uint64) bool { return true }
