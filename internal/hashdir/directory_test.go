package hashdir_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flashcore/kv/internal/hashdir"
	"github.com/flashcore/kv/internal/nodestore"
)

func acceptAll(context.Context, uint16, uint64, []byte) (bool, error) { return true, nil }

func newTestDirectory(t *testing.T, lazy bool) *hashdir.Directory {
	t.Helper()

	d, err := hashdir.Open(context.Background(), hashdir.Config{
		IO:               nodestore.NewMemIO(),
		NBuckets:         8,
		NLockGroups:      2,
		OverflowCapacity: 4,
		LazyOverflow:     lazy,
	})
	require.NoError(t, err)

	return d
}

func TestDirectory_InsertLookupDelete(t *testing.T) {
	ctx := context.Background()
	d := newTestDirectory(t, false)

	require.NoError(t, d.Insert(ctx, 1, []byte("apple"), 100, 2))
	require.NoError(t, d.Insert(ctx, 1, []byte("banana"), 200, 3))

	addr, blocks, found, err := d.Lookup(ctx, 1, []byte("apple"), acceptAll)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, uint64(100), addr)
	require.Equal(t, uint32(2), blocks)

	require.EqualValues(t, 2, d.LiveCount())

	require.NoError(t, d.Delete(ctx, 1, []byte("apple"), acceptAll))
	require.EqualValues(t, 1, d.LiveCount())

	_, _, found, err = d.Lookup(ctx, 1, []byte("apple"), acceptAll)
	require.NoError(t, err)
	require.False(t, found)
}

func TestDirectory_LookupMissingKey(t *testing.T) {
	ctx := context.Background()
	d := newTestDirectory(t, false)

	_, _, found, err := d.Lookup(ctx, 1, []byte("missing"), acceptAll)
	require.NoError(t, err)
	require.False(t, found)
}

func TestDirectory_DeleteMissingKeyFails(t *testing.T) {
	ctx := context.Background()
	d := newTestDirectory(t, false)

	err := d.Delete(ctx, 1, []byte("missing"), acceptAll)
	require.ErrorIs(t, err, hashdir.ErrNotFound)
}

// Overflow chaining: every primary bucket holds SlotsPerBucket entries, so
// inserting one more for the same bucket must extend the chain rather than
// fail, and every entry must still be found afterward.
func TestDirectory_OverflowChainGrowsAndIsSearchable(t *testing.T) {
	ctx := context.Background()

	// A single primary bucket forces every key into the same chain, so
	// once SlotsPerBucket entries are live, further inserts must extend
	// the chain via an overflow bucket rather than fail.
	d, err := hashdir.Open(ctx, hashdir.Config{
		IO:               nodestore.NewMemIO(),
		NBuckets:         1,
		NLockGroups:      1,
		OverflowCapacity: 4,
	})
	require.NoError(t, err)

	const n = hashdir.SlotsPerBucket*2 + 1

	keys := make([][]byte, n)
	for i := 0; i < n; i++ {
		keys[i] = []byte{byte(i), byte(i >> 8)}
		require.NoError(t, d.Insert(ctx, 1, keys[i], uint64(i), 1))
	}

	for i := 0; i < n; i++ {
		addr, _, found, err := d.Lookup(ctx, 1, keys[i], func(ctx context.Context, cntrID uint16, blockAddress uint64, key []byte) (bool, error) {
			return blockAddress == uint64(i), nil
		})
		require.NoError(t, err)
		require.True(t, found, "entry %d should be found via overflow chain", i)
		require.Equal(t, uint64(i), addr)
	}

	require.EqualValues(t, n, d.LiveCount())
}

func TestDirectory_DirectoryFullWithoutLazyOverflow(t *testing.T) {
	ctx := context.Background()

	// 1 bucket, 0 overflow capacity, no lazy growth: once the one bucket's
	// slots are exhausted, every further insert into it must fail.
	d, err := hashdir.Open(ctx, hashdir.Config{
		IO:               nodestore.NewMemIO(),
		NBuckets:         1,
		NLockGroups:      1,
		OverflowCapacity: 0,
		LazyOverflow:     false,
	})
	require.NoError(t, err)

	for i := 0; i < hashdir.SlotsPerBucket; i++ {
		require.NoError(t, d.InsertByAddr(ctx, 1, uint64(i), uint64(i), 1))
	}

	err = d.InsertByAddr(ctx, 1, uint64(hashdir.SlotsPerBucket), 99, 1)
	require.ErrorIs(t, err, hashdir.ErrDirectoryFull)
}

func TestDirectory_LazyOverflowMintsBucketsOnDemand(t *testing.T) {
	ctx := context.Background()

	d, err := hashdir.Open(ctx, hashdir.Config{
		IO:               nodestore.NewMemIO(),
		NBuckets:         1,
		NLockGroups:      1,
		OverflowCapacity: 1,
		LazyOverflow:     true,
	})
	require.NoError(t, err)

	for i := 0; i < 2*hashdir.SlotsPerBucket; i++ {
		require.NoError(t, d.InsertByAddr(ctx, 1, uint64(i), uint64(i), 1))
	}

	// The primary bucket and the single overflow bucket the capacity
	// allows are now full: one more must fail.
	err = d.InsertByAddr(ctx, 1, uint64(2*hashdir.SlotsPerBucket), 99, 1)
	require.ErrorIs(t, err, hashdir.ErrDirectoryFull)
}

func TestDirectory_LookupByAddrResolvesWithoutKey(t *testing.T) {
	ctx := context.Background()
	d := newTestDirectory(t, false)

	require.NoError(t, d.Insert(ctx, 1, []byte("apple"), 100, 2))
	require.NoError(t, d.Insert(ctx, 1, []byte("banana"), 200, 3))

	cntrID, blocks, found, err := d.LookupByAddr(ctx, 100)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, uint16(1), cntrID)
	require.Equal(t, uint32(2), blocks)

	require.NoError(t, d.Delete(ctx, 1, []byte("apple"), acceptAll))

	_, _, found, err = d.LookupByAddr(ctx, 100)
	require.NoError(t, err)
	require.False(t, found, "addrTable entry must be cleared on delete")
}

func TestDirectory_LookupByAddrStormModeAlwaysMisses(t *testing.T) {
	ctx := context.Background()
	d := newTestDirectory(t, true)

	require.NoError(t, d.Insert(ctx, 1, []byte("apple"), 100, 2))

	_, _, found, err := d.LookupByAddr(ctx, 100)
	require.NoError(t, err)
	require.False(t, found, "storm mode carries no addrTable")
}

func TestDirectory_RecoveryInsertUsesPersistedBucketAndSeedsDeleted(t *testing.T) {
	ctx := context.Background()
	d := newTestDirectory(t, false)

	// A syndrome that would hash to a different bucket under
	// bucketIndexFor, to prove RecoveryInsert really honors the supplied
	// bucket index rather than recomputing it.
	const persistedBucket = 3
	const syn = 12345

	require.NoError(t, d.RecoveryInsert(ctx, persistedBucket, 1, syn, 500, 4, false))

	cntrID, blocks, found, err := d.LookupByAddr(ctx, 500)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, uint16(1), cntrID)
	require.Equal(t, uint32(4), blocks)

	// A recovered tombstone occupies a slot but must not be live, must
	// not inflate LiveCount, and must not be reverse-lookupable.
	before := d.LiveCount()
	require.NoError(t, d.RecoveryInsert(ctx, persistedBucket, 1, syn+1, 600, 4, true))
	require.Equal(t, before, d.LiveCount())

	_, _, found, err = d.LookupByAddr(ctx, 600)
	require.NoError(t, err)
	require.False(t, found)
}

func TestDirectory_ReopenWithoutReinitializing(t *testing.T) {
	ctx := context.Background()
	io := nodestore.NewMemIO()

	d1, err := hashdir.Open(ctx, hashdir.Config{IO: io, NBuckets: 4, NLockGroups: 1, OverflowCapacity: 2})
	require.NoError(t, err)
	require.NoError(t, d1.Insert(ctx, 1, []byte("k"), 42, 1))

	d2 := hashdir.New(hashdir.Config{IO: io, NBuckets: 4, NLockGroups: 1, OverflowCapacity: 2})

	addr, _, found, err := d2.Lookup(ctx, 1, []byte("k"), acceptAll)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, uint64(42), addr)
}

func TestDirectory_ObjValid(t *testing.T) {
	ctx := context.Background()

	for _, lazy := range []bool{false, true} {
		d := newTestDirectory(t, lazy)

		require.NoError(t, d.Insert(ctx, 1, []byte("apple"), 100, 2))

		ok, err := d.ObjValid(ctx, 1, []byte("apple"), 100)
		require.NoError(t, err)
		require.True(t, ok, "lazy=%v: a live entry at its recorded address is valid", lazy)

		ok, err = d.ObjValid(ctx, 1, []byte("apple"), 999)
		require.NoError(t, err)
		require.False(t, ok, "lazy=%v: the right key at the wrong address is stale", lazy)

		ok, err = d.ObjValid(ctx, 1, []byte("pear"), 100)
		require.NoError(t, err)
		require.False(t, ok, "lazy=%v: a different key never validates another key's block", lazy)

		ok, err = d.ObjValid(ctx, 2, []byte("apple"), 100)
		require.NoError(t, err)
		require.False(t, ok, "lazy=%v: container id is part of the identity", lazy)

		require.NoError(t, d.Delete(ctx, 1, []byte("apple"), acceptAll))

		ok, err = d.ObjValid(ctx, 1, []byte("apple"), 100)
		require.NoError(t, err)
		require.False(t, ok, "lazy=%v: a deleted entry's block is no longer valid", lazy)
	}
}
