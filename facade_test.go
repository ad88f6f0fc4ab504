package flashkv_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	flashkv "github.com/flashcore/kv"
	"github.com/flashcore/kv/internal/nodestore"
)

// openTestTree opens a secondary-index tree backed by an in-memory store
// (max_key_size 256, min_keys_per_node 4).
func openTestTree(t *testing.T, nodeSize uint32) *flashkv.Tree {
	t.Helper()

	tr, err := flashkv.OpenTree(context.Background(), flashkv.TreeOptions{
		Flags:           flashkv.SecondaryIndex,
		NPartitions:     1,
		MaxKeySize:      256,
		MinKeysPerNode:  4,
		NodeSize:        nodeSize,
		NL1CacheBuckets: 16,
		IO:              nodestore.NewMemIO(),
		Cmp:             bytes.Compare,
		Seq:             &flashkv.AtomicSeqAllocator{},
	})
	require.NoError(t, err)

	return tr
}

// A trivial insert/get round-trip, including a miss.
func TestTree_TrivialRoundTrip(t *testing.T) {
	ctx := context.Background()
	tr := openTestTree(t, 8192)

	require.NoError(t, tr.Insert(ctx, []byte("apple"), []byte("red")))
	require.NoError(t, tr.Insert(ctx, []byte("banana"), []byte("yellow")))

	v, err := tr.Get(ctx, []byte("apple"), flashkv.GetOpts{})
	require.NoError(t, err)
	require.Equal(t, "red", string(v))

	v, err = tr.Get(ctx, []byte("banana"), flashkv.GetOpts{})
	require.NoError(t, err)
	require.Equal(t, "yellow", string(v))

	_, err = tr.Get(ctx, []byte("cherry"), flashkv.GetOpts{})
	require.ErrorIs(t, err, flashkv.ErrKeyNotFound)
}

// Overflow chain allocation, retrieval, and deletion.
func TestTree_OverflowChain(t *testing.T) {
	ctx := context.Background()
	tr := openTestTree(t, 8192)

	// An 8 KiB node holds nodesize-less-header payload per overflow hop,
	// so 10000 bytes spans a chain of exactly two nodes.
	value := bytes.Repeat([]byte{0xAA}, 10000)
	require.NoError(t, tr.Insert(ctx, []byte("k"), value))

	before := tr.Stats.NodeCount.Load()

	got, err := tr.Get(ctx, []byte("k"), flashkv.GetOpts{})
	require.NoError(t, err)
	require.True(t, bytes.Equal(got, value))
	require.Len(t, got, 10000)

	require.NoError(t, tr.Delete(ctx, []byte("k")))

	after := tr.Stats.NodeCount.Load()
	require.Equal(t, int64(2), before-after, "deleting the overflowed value should free its overflow-chain nodes")

	_, err = tr.Get(ctx, []byte("k"), flashkv.GetOpts{})
	require.ErrorIs(t, err, flashkv.ErrKeyNotFound)
}

// Enough keys to force at least one split, all retrievable in order
// afterward.
func TestTree_SplitAndOrderedScan(t *testing.T) {
	ctx := context.Background()
	tr := openTestTree(t, 8192)

	const n = 1000

	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key%03d", i))
		val := bytes.Repeat([]byte{byte(i)}, 100)
		require.NoError(t, tr.Insert(ctx, key, val))
	}

	require.Greater(t, tr.Stats.SplitCount.Load(), int64(0))

	cur, err := tr.NewCursor(ctx, nil, nil)
	require.NoError(t, err)
	defer cur.Close()

	var seen [][]byte
	for cur.Valid() {
		seen = append(seen, append([]byte(nil), cur.Key()...))
		require.NoError(t, cur.Next(ctx))
	}

	require.Len(t, seen, n)

	for i := 1; i < len(seen); i++ {
		require.Less(t, bytes.Compare(seen[i-1], seen[i]), 0, "keys must come back in strictly ascending order")
	}

	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key%03d", i))
		v, err := tr.Get(ctx, key, flashkv.GetOpts{})
		require.NoError(t, err)
		require.Len(t, v, 100)
	}
}

// Multi-put: a sorted batch that fits one leaf reports every object
// written and all land together.
func TestTree_MwriteAtomicWithinLeaf(t *testing.T) {
	ctx := context.Background()
	tr := openTestTree(t, 8192)

	objs := []flashkv.Object{
		{Key: []byte("a"), Value: []byte("1")},
		{Key: []byte("b"), Value: []byte("2")},
		{Key: []byte("c"), Value: []byte("3")},
	}

	written, err := tr.Mwrite(ctx, objs, flashkv.WriteCreate)
	require.NoError(t, err)
	require.Equal(t, 3, written)

	for _, o := range objs {
		v, err := tr.Get(ctx, o.Key, flashkv.GetOpts{})
		require.NoError(t, err)
		require.Equal(t, string(o.Value), string(v))
	}

	// A mid-batch violation stops the batch at the offender: "b" already
	// exists, so only "aa" (sorting before it) is written.
	more := []flashkv.Object{
		{Key: []byte("aa"), Value: []byte("4")},
		{Key: []byte("b"), Value: []byte("5")},
		{Key: []byte("d"), Value: []byte("6")},
	}

	written, err = tr.Mwrite(ctx, more, flashkv.WriteCreate)
	require.NoError(t, err)
	require.Equal(t, 1, written)

	v, err := tr.Get(ctx, []byte("b"), flashkv.GetOpts{})
	require.NoError(t, err)
	require.Equal(t, "2", string(v), "the violating object must not overwrite the existing value")

	_, err = tr.Get(ctx, []byte("d"), flashkv.GetOpts{})
	require.ErrorIs(t, err, flashkv.ErrKeyNotFound, "objects after the violation are left unwritten")
}

// A sorted batch far larger than one leaf must be written in full across
// several descents, each window landing in its own leaf.
func TestTree_MwriteSpansMultipleLeaves(t *testing.T) {
	ctx := context.Background()
	tr := openTestTree(t, 8192)

	const n = 300

	objs := make([]flashkv.Object, n)
	for i := range objs {
		objs[i] = flashkv.Object{
			Key:   []byte(fmt.Sprintf("key%04d", i)),
			Value: bytes.Repeat([]byte{byte(i)}, 100),
		}
	}

	written, err := tr.Mwrite(ctx, objs, flashkv.WriteSet)
	require.NoError(t, err)
	require.Equal(t, n, written)

	require.Greater(t, tr.Stats.SplitCount.Load(), int64(0), "300 records with 100-byte values cannot fit a single 8 KiB leaf")

	for i := range objs {
		v, err := tr.Get(ctx, objs[i].Key, flashkv.GetOpts{})
		require.NoError(t, err)
		require.True(t, bytes.Equal(objs[i].Value, v))
	}

	_, err = tr.Mwrite(ctx, []flashkv.Object{
		{Key: []byte("zz")},
		{Key: []byte("aa")},
	}, flashkv.WriteSet)
	require.ErrorIs(t, err, flashkv.ErrInvalidInput, "an unsorted batch must be rejected up front")
}

// Delete with rebalance shrinks the total node count and keeps the
// surviving keys reachable.
func TestTree_DeleteWithRebalance(t *testing.T) {
	ctx := context.Background()
	tr := openTestTree(t, 8192)

	const n = 1000

	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key%03d", i))
		require.NoError(t, tr.Insert(ctx, key, bytes.Repeat([]byte{byte(i)}, 100)))
	}

	before := tr.Stats.NodeCount.Load()

	for i := 0; i < 500; i++ {
		key := []byte(fmt.Sprintf("key%03d", i))
		require.NoError(t, tr.Delete(ctx, key))
	}

	after := tr.Stats.NodeCount.Load()
	require.Less(t, after, before, "total node count must strictly decrease after a bulk delete")

	for i := 0; i < 500; i++ {
		key := []byte(fmt.Sprintf("key%03d", i))
		_, err := tr.Get(ctx, key, flashkv.GetOpts{})
		require.ErrorIs(t, err, flashkv.ErrKeyNotFound)
	}

	for i := 500; i < n; i++ {
		key := []byte(fmt.Sprintf("key%03d", i))
		v, err := tr.Get(ctx, key, flashkv.GetOpts{})
		require.NoError(t, err)
		require.Len(t, v, 100)
	}
}

// Root collapse after a multi-level tree is drained: deleting every key
// must merge the leaves away and fold the tree back into a single root
// leaf, leaving the tree usable.
func TestTree_RootCollapse(t *testing.T) {
	ctx := context.Background()

	// Tiny nodes so a handful of inserts build a two-level tree: 512-byte
	// nodes hold at most five 75-byte overflowed records each.
	tr, err := flashkv.OpenTree(ctx, flashkv.TreeOptions{
		Flags:           flashkv.SecondaryIndex,
		NPartitions:     1,
		MaxKeySize:      64,
		MinKeysPerNode:  4,
		NodeSize:        512,
		NL1CacheBuckets: 16,
		IO:              nodestore.NewMemIO(),
		Cmp:             bytes.Compare,
		Seq:             &flashkv.AtomicSeqAllocator{},
	})
	require.NoError(t, err)

	const n = 12

	keys := make([][]byte, n)
	for i := range keys {
		keys[i] = []byte(fmt.Sprintf("key%02d-%s", i, bytes.Repeat([]byte{'x'}, 33)))
	}

	for i, key := range keys {
		require.NoError(t, tr.Insert(ctx, key, bytes.Repeat([]byte{byte(i)}, 200)))
	}

	require.Greater(t, tr.Stats.SplitCount.Load(), int64(0), "twelve oversized records in 512-byte nodes must force a split")

	for _, key := range keys {
		require.NoError(t, tr.Delete(ctx, key))
	}

	for _, key := range keys {
		_, err := tr.Get(ctx, key, flashkv.GetOpts{})
		require.ErrorIs(t, err, flashkv.ErrKeyNotFound)
	}

	require.Equal(t, int64(1), tr.Stats.NodeCount.Load(),
		"draining the tree must merge every leaf away and collapse the root back to a single leaf")

	require.NoError(t, tr.Insert(ctx, keys[0], []byte("again")))

	v, err := tr.Get(ctx, keys[0], flashkv.GetOpts{})
	require.NoError(t, err)
	require.Equal(t, "again", string(v))
}

func TestTree_BufferTooSmall(t *testing.T) {
	ctx := context.Background()
	tr := openTestTree(t, 8192)

	require.NoError(t, tr.Insert(ctx, []byte("k"), []byte("0123456789")))

	small := make([]byte, 2)
	_, err := tr.Get(ctx, []byte("k"), flashkv.GetOpts{Buffer: small})
	require.ErrorIs(t, err, flashkv.ErrBufferTooSmall)

	v, err := tr.Get(ctx, []byte("k"), flashkv.GetOpts{Buffer: small, AllocIfTooSmall: true})
	require.NoError(t, err)
	require.Equal(t, "0123456789", string(v))
}

func TestTree_InsertUpdateUpsertSemantics(t *testing.T) {
	ctx := context.Background()
	tr := openTestTree(t, 8192)

	require.NoError(t, tr.Insert(ctx, []byte("k"), []byte("v1")))
	require.ErrorIs(t, tr.Insert(ctx, []byte("k"), []byte("v2")), flashkv.ErrKeyExists)

	require.ErrorIs(t, tr.Update(ctx, []byte("missing"), []byte("v")), flashkv.ErrKeyNotFound)
	require.NoError(t, tr.Update(ctx, []byte("k"), []byte("v3")))

	require.NoError(t, tr.Upsert(ctx, []byte("k"), []byte("v4")))
	require.NoError(t, tr.Upsert(ctx, []byte("new"), []byte("v5")))

	v, err := tr.Get(ctx, []byte("k"), flashkv.GetOpts{})
	require.NoError(t, err)
	require.Equal(t, "v4", string(v))
}

func TestTree_RangeUpdate(t *testing.T) {
	ctx := context.Background()
	tr := openTestTree(t, 8192)

	for i := 0; i < 20; i++ {
		key := []byte(fmt.Sprintf("key%02d", i))
		require.NoError(t, tr.Insert(ctx, key, []byte("old")))
	}

	n, err := tr.RangeUpdate(ctx, []byte("key05"), []byte("key10"), func(key, old []byte) ([]byte, bool) {
		return []byte("new"), true
	}, nil)
	require.NoError(t, err)
	require.Equal(t, 5, n)

	for i := 0; i < 20; i++ {
		key := []byte(fmt.Sprintf("key%02d", i))
		v, err := tr.Get(ctx, key, flashkv.GetOpts{})
		require.NoError(t, err)

		if i >= 5 && i < 10 {
			require.Equal(t, "new", string(v))
		} else {
			require.Equal(t, "old", string(v))
		}
	}
}

// The retry-and-resume protocol: when a replacement doesn't fit in
// place, RangeUpdate hands back the key and value through the marker,
// the caller applies them with a single-key Update (which may split),
// and the next call resumes exactly past that key until the marker
// clears.
func TestTree_RangeUpdateNeedsSpaceRetryAndResume(t *testing.T) {
	ctx := context.Background()
	tr := openTestTree(t, 8192)

	const n = 50

	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("k%02d", i))
		require.NoError(t, tr.Insert(ctx, key, bytes.Repeat([]byte{'o'}, 100)))
	}

	grown := bytes.Repeat([]byte{'n'}, 1200)
	fn := func(key, old []byte) ([]byte, bool) { return grown, true }

	marker := &flashkv.RangeMarker{}
	total := 0

	for tries := 0; ; tries++ {
		require.Less(t, tries, 200, "retry-and-resume loop must terminate")

		c, err := tr.RangeUpdate(ctx, []byte("k00"), nil, fn, marker)
		total += c

		if errors.Is(err, flashkv.ErrRangeUpdateNeedsSpace) {
			require.True(t, marker.Set)
			require.NotEmpty(t, marker.RetryKey)
			require.Equal(t, grown, marker.RetryData)

			require.NoError(t, tr.Update(ctx, marker.RetryKey, marker.RetryData))
			total++

			continue
		}

		require.NoError(t, err)

		break
	}

	require.False(t, marker.Set, "a completed scan must clear the marker")
	require.Equal(t, n, total)

	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("k%02d", i))
		v, err := tr.Get(ctx, key, flashkv.GetOpts{})
		require.NoError(t, err)
		require.Equal(t, grown, v)
	}
}

// Persisting and reloading the metadata node must recover the same root
// and surface previously-committed writes.
func TestTree_ReloadAfterRestart(t *testing.T) {
	ctx := context.Background()
	io := nodestore.NewMemIO()

	opts := flashkv.TreeOptions{
		Flags:           flashkv.SecondaryIndex,
		NPartitions:     1,
		MaxKeySize:      256,
		MinKeysPerNode:  4,
		NodeSize:        8192,
		NL1CacheBuckets: 16,
		IO:              io,
		Cmp:             bytes.Compare,
		Seq:             &flashkv.AtomicSeqAllocator{},
	}

	tr, err := flashkv.OpenTree(ctx, opts)
	require.NoError(t, err)

	for i := 0; i < 200; i++ {
		key := []byte(fmt.Sprintf("key%03d", i))
		require.NoError(t, tr.Insert(ctx, key, []byte("v")))
	}

	reopenOpts := opts
	reopenOpts.Flags |= flashkv.Reload

	tr2, err := flashkv.OpenTree(ctx, reopenOpts)
	require.NoError(t, err)

	for i := 0; i < 200; i++ {
		key := []byte(fmt.Sprintf("key%03d", i))
		v, err := tr2.Get(ctx, key, flashkv.GetOpts{})
		require.NoError(t, err)
		require.Equal(t, "v", string(v))
	}
}

func TestTreeOptions_ValidateRejectsBothIndexFlags(t *testing.T) {
	ctx := context.Background()

	_, err := flashkv.OpenTree(ctx, flashkv.TreeOptions{
		Flags:          flashkv.SyndromeIndex | flashkv.SecondaryIndex,
		NPartitions:    1,
		MaxKeySize:     256,
		MinKeysPerNode: 4,
		NodeSize:       8192,
		IO:             nodestore.NewMemIO(),
		Seq:            &flashkv.AtomicSeqAllocator{},
	})
	require.True(t, errors.Is(err, flashkv.ErrInvalidInput))
}
