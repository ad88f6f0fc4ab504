package flashkv_test

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	flashkv "github.com/flashcore/kv"
	"github.com/flashcore/kv/internal/nodestore"
	"github.com/flashcore/kv/pkg/fs"
)

// TestTree_FileBackedCrashConsistentRootPersistence exercises root
// persistence against a real, file-backed NodeIO instead of MemIO: every
// write that reached FlushNode before the process "crashes" (simulated by
// discarding the in-process Tree and opening a fresh one against the same
// on-disk directory) must be visible afterward, recovered purely from the
// persisted metadata node at nodestore.MetaLogicalIDBase plus the node
// files FileIO already wrote. This drives FileIO's temp-file-then-rename
// writes (github.com/natefinch/atomic) and its fsync through pkg/fs.Real
// (FileIO.FlushNode) end to end.
func TestTree_FileBackedCrashConsistentRootPersistence(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	opts := flashkv.TreeOptions{
		Flags:           flashkv.SecondaryIndex,
		NPartitions:     1,
		MaxKeySize:      256,
		MinKeysPerNode:  4,
		NodeSize:        8192,
		NL1CacheBuckets: 16,
		IO:              nodestore.NewFileIO(fs.NewReal(), dir),
		Cmp:             bytes.Compare,
		Seq:             &flashkv.AtomicSeqAllocator{},
	}

	tr, err := flashkv.OpenTree(ctx, opts)
	require.NoError(t, err)

	// Enough keys to force at least one split, so the reload path also
	// recovers a multi-level tree, not just a single leaf root.
	const n = 300
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key%04d", i))
		require.NoError(t, tr.Insert(ctx, key, []byte(fmt.Sprintf("v%04d", i))))
	}

	// Simulate a crash: drop the in-process Tree and every wrapper it
	// pinned without an explicit close, then reopen a brand new Tree
	// against the same directory using a freshly constructed FileIO (a
	// fresh process would construct its own NodeIO the same way).
	tr = nil

	reopenOpts := opts
	reopenOpts.Flags |= flashkv.Reload
	reopenOpts.IO = nodestore.NewFileIO(fs.NewReal(), dir)

	tr2, err := flashkv.OpenTree(ctx, reopenOpts)
	require.NoError(t, err)

	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key%04d", i))
		v, err := tr2.Get(ctx, key, flashkv.GetOpts{})
		require.NoError(t, err)
		require.Equal(t, fmt.Sprintf("v%04d", i), string(v))
	}

	// The recovered tree must still accept new writes and rebalance
	// correctly, confirming the reloaded logical-id counter and rootid are
	// structurally sound, not just readable.
	require.NoError(t, tr2.Insert(ctx, []byte("after-reload"), []byte("ok")))
	v, err := tr2.Get(ctx, []byte("after-reload"), flashkv.GetOpts{})
	require.NoError(t, err)
	require.Equal(t, "ok", string(v))
}
