package hashdir

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flashcore/kv/internal/nodestore"
)

// Two distinct keys whose syndromes share the top 16 bits land in the
// same chain as prefix-identical candidates; only the verify callback
// can tell them apart. Delete must skip the unconfirmed entry and remove
// exactly the key it was asked for.
func TestDirectory_DeleteSkipsPrefixCollision(t *testing.T) {
	ctx := context.Background()

	const cntrID = 1

	// Birthday-search a pair of keys colliding on the 16-bit syndrome
	// prefix. A pair is expected within a few hundred candidates.
	seen := make(map[uint16]string)

	var keyA, keyB string
	for i := 0; ; i++ {
		require.Less(t, i, 1_000_000, "no syndrome prefix collision found")

		k := fmt.Sprintf("collision-probe-%d", i)
		high16 := uint16(syndrome([]byte(k), cntrID) >> 48)

		if prev, ok := seen[high16]; ok {
			keyA, keyB = prev, k
			break
		}

		seen[high16] = k
	}

	// One primary bucket, so both keys share a single chain regardless of
	// the rest of their syndrome bits.
	d, err := Open(ctx, Config{
		IO:               nodestore.NewMemIO(),
		NBuckets:         1,
		NLockGroups:      1,
		OverflowCapacity: 2,
	})
	require.NoError(t, err)

	const addrA, addrB = 100, 200

	require.NoError(t, d.Insert(ctx, cntrID, []byte(keyA), addrA, 1))
	require.NoError(t, d.Insert(ctx, cntrID, []byte(keyB), addrB, 1))

	// The verifier plays the slab layer's on-flash key compare: an entry
	// matches only if its block really holds the key being resolved.
	addrOf := map[string]uint64{keyA: addrA, keyB: addrB}
	verify := func(_ context.Context, _ uint16, blockAddress uint64, key []byte) (bool, error) {
		return addrOf[string(key)] == blockAddress, nil
	}

	require.NoError(t, d.Delete(ctx, cntrID, []byte(keyB), verify))

	_, _, found, err := d.Lookup(ctx, cntrID, []byte(keyB), verify)
	require.NoError(t, err)
	require.False(t, found, "the deleted key must be gone")

	addr, _, found, err := d.Lookup(ctx, cntrID, []byte(keyA), verify)
	require.NoError(t, err)
	require.True(t, found, "the colliding key must survive the other's delete")
	require.Equal(t, uint64(addrA), addr)

	ok, err := d.ObjValid(ctx, cntrID, []byte(keyA), addrA)
	require.NoError(t, err)
	require.True(t, ok)
}
