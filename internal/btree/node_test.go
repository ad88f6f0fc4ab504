package btree_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flashcore/kv/internal/btree"
)

func TestNode_EncodeDecodeLeafRoundTrip(t *testing.T) {
	n := btree.NewLeaf(5, 4096)
	n.Records = []btree.Record{
		{Key: []byte("apple"), InlineValue: []byte("red"), DataLen: 3, Seqno: 1, Syndrome: 0xAAAA},
		{Key: []byte("banana"), InlineValue: []byte("yellow"), DataLen: 6, Seqno: 2, Syndrome: 0xBBBB},
	}
	n.Rightmost = 99

	buf := n.Encode()

	got, err := btree.Decode(buf, btree.LayoutVarLeaf)
	require.NoError(t, err)

	require.True(t, got.IsLeaf())
	require.Equal(t, uint64(5), got.LogicalID)
	require.Equal(t, uint64(99), got.Rightmost)
	require.Len(t, got.Records, 2)
	require.Equal(t, "apple", string(got.Records[0].Key))
	require.Equal(t, "red", string(got.Records[0].InlineValue))
	require.Equal(t, uint64(1), got.Records[0].Seqno)
	require.Equal(t, uint64(0xBBBB), got.Records[1].Syndrome)
}

func TestNode_EncodeDecodeNonLeafRoundTrip(t *testing.T) {
	n := btree.NewNonLeaf(7, 1, btree.LayoutVarNonLeaf, 4096)
	n.Records = []btree.Record{
		{Key: []byte("m"), ChildID: 10, Seqno: 1},
		{Key: []byte("z"), ChildID: 20, Seqno: 2},
	}
	n.Rightmost = 30

	buf := n.Encode()

	got, err := btree.Decode(buf, btree.LayoutVarNonLeaf)
	require.NoError(t, err)

	require.False(t, got.IsLeaf())
	require.Equal(t, uint64(30), got.Rightmost)
	require.Equal(t, uint64(10), got.Records[0].ChildID)
	require.Equal(t, uint64(20), got.Records[1].ChildID)
}

func TestNode_DecodeDetectsChecksumCorruption(t *testing.T) {
	n := btree.NewLeaf(1, 4096)
	n.Records = []btree.Record{{Key: []byte("k"), InlineValue: []byte("v"), DataLen: 1}}

	buf := n.Encode()
	buf[HeaderMiddleByte(buf)] ^= 0xFF // flip a byte inside the encoded payload

	_, err := btree.Decode(buf, btree.LayoutVarLeaf)
	require.ErrorIs(t, err, btree.ErrCorruptNode)
}

func TestNode_DecodeRejectsTooSmallBuffer(t *testing.T) {
	_, err := btree.Decode(make([]byte, 4), btree.LayoutVarLeaf)
	require.ErrorIs(t, err, btree.ErrCorruptNode)
}

// HeaderMiddleByte picks an offset inside the variable-length key/value
// area so the corruption doesn't collide with the checksum field itself.
func HeaderMiddleByte(buf []byte) int {
	return len(buf) - 1
}

func TestNode_OverflowNodeRoundTrip(t *testing.T) {
	n := btree.NewLeaf(3, 256)
	n.Flags = btree.FlagOverflow
	n.Next = 9
	n.OverflowPayload = []byte("payload bytes for this overflow link")

	buf := n.Encode()

	got, err := btree.Decode(buf, btree.LayoutVarLeaf)
	require.NoError(t, err)
	require.True(t, got.IsOverflowNode())
	require.Equal(t, uint64(9), got.Next)
	require.Equal(t, "payload bytes for this overflow link", string(got.OverflowPayload[:len("payload bytes for this overflow link")]))
}
