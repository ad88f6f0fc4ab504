// Package flashkv implements the core of an embedded, flash-optimized
// key/value storage engine: a copy-on-write-friendly variable-key B+-tree
// index (package btree) and a flash-resident chained hash directory
// (package hashdir), tied together behind the node cache and node store
// adapter described in internal/nodecache and internal/nodestore.
//
// This package is the thin facade the rest of a real deployment builds on:
// container open/close, licensing, RPC, and CLI parsing live outside this
// module. What's defined
// here are the callback interfaces the core consumes ([NodeIO],
// [Comparator], [SeqAllocator], [Logger], [TrxHook]) and the two
// constructors, [OpenTree] and [OpenHashDirectory], that wire a concrete
// caller implementation of those callbacks into a working engine instance.
package flashkv
