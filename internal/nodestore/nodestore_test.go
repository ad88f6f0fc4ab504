package nodestore_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flashcore/kv/internal/nodestore"
)

type recordedCheckpoint struct {
	root, counter, next uint64
	calls               int
}

func (rec *recordedCheckpoint) writer() nodestore.CheckpointWriter {
	return func(_ context.Context, root, counter, next uint64) error {
		rec.root, rec.counter, rec.next = root, counter, next
		rec.calls++
		return nil
	}
}

func TestAdapter_AllocateLogicalIDStripesByPartition(t *testing.T) {
	ctx := context.Background()
	rec := &recordedCheckpoint{}
	a := nodestore.New(nodestore.NewMemIO(), 0, 1, 3, 0, nodestore.CheckpointInterval, rec.writer())

	id, err := a.AllocateLogicalID(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1), id) // counter=0, partitions=3, partition=1 -> 0*3+1

	id, err = a.AllocateLogicalID(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(4), id) // counter=1 -> 1*3+1
}

func TestAdapter_CheckpointAdvancesOnceCounterCrossesInterval(t *testing.T) {
	ctx := context.Background()
	rec := &recordedCheckpoint{}
	a := nodestore.New(nodestore.NewMemIO(), 0, 0, 1, nodestore.CheckpointInterval-1, nodestore.CheckpointInterval, rec.writer())

	_, err := a.AllocateLogicalID(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, rec.calls, "must not checkpoint before the counter reaches the interval")

	_, err = a.AllocateLogicalID(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, rec.calls, "must checkpoint exactly once when the counter crosses the interval")
	require.Equal(t, uint64(nodestore.CheckpointInterval+nodestore.CheckpointInterval), rec.next)
}

func TestAdapter_PersistRootWritesImmediately(t *testing.T) {
	ctx := context.Background()
	rec := &recordedCheckpoint{}
	a := nodestore.New(nodestore.NewMemIO(), 0, 0, 1, 0, nodestore.CheckpointInterval, rec.writer())

	require.NoError(t, a.PersistRoot(ctx, 77))
	require.Equal(t, 1, rec.calls)
	require.Equal(t, uint64(77), rec.root)
}

func TestAdapter_CommitWritesModifiedThenDeletes(t *testing.T) {
	ctx := context.Background()
	rec := &recordedCheckpoint{}
	a := nodestore.New(nodestore.NewMemIO(), 0, 0, 1, 0, nodestore.CheckpointInterval, rec.writer())

	require.NoError(t, a.CreateNode(ctx, 1))

	c := nodestore.NewCommitRecord()
	c.AddModified(1, []byte("first"))
	c.AddModified(1, []byte("second")) // dedup: last write wins
	c.AddDeleted(2)

	require.NoError(t, a.Commit(ctx, c))

	buf, err := a.ReadNode(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, "second", string(buf))
}

func TestCommitRecord_AddModifiedDeduplicates(t *testing.T) {
	c := nodestore.NewCommitRecord()
	c.AddModified(5, []byte("a"))
	c.AddModified(5, []byte("b"))
	c.AddModified(6, []byte("c"))

	require.Len(t, c.Modified, 2)
	require.Equal(t, "b", string(c.Modified[0].Bytes))
}
