package btreemodel_test

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	flashkv "github.com/flashcore/kv"
	"github.com/flashcore/kv/internal/btreemodel"
	"github.com/flashcore/kv/internal/nodestore"
)

// opKind is one randomly chosen operation kind applied to both the real
// tree and the reference model in the same step.
type opKind int

const (
	opInsert opKind = iota
	opUpsert
	opDelete
	opGet
)

// Test_Metamorphic_RandomOpsAgainstModel applies the same randomized
// operation sequence to a real flashkv.Tree and a btreemodel.Model and
// requires their observable state to agree after every step: every Get
// result matches, and the final ascending-order key/value listing matches
// exactly.
func Test_Metamorphic_RandomOpsAgainstModel(t *testing.T) {
	ctx := context.Background()

	for _, seed := range []int64{1, 2, 3, 4, 5} {
		t.Run(fmt.Sprintf("seed=%d", seed), func(t *testing.T) {
			rng := rand.New(rand.NewSource(seed))

			tr, err := flashkv.OpenTree(ctx, flashkv.TreeOptions{
				Flags:           flashkv.SecondaryIndex,
				NPartitions:     1,
				MaxKeySize:      256,
				MinKeysPerNode:  4,
				NodeSize:        8192,
				NL1CacheBuckets: 16,
				IO:              nodestore.NewMemIO(),
				Cmp:             bytes.Compare,
				Seq:             &flashkv.AtomicSeqAllocator{},
			})
			require.NoError(t, err)

			model := btreemodel.New()

			const nKeys = 40
			keys := make([]string, nKeys)
			for i := range keys {
				keys[i] = fmt.Sprintf("key-%02d", i)
			}

			for step := 0; step < 500; step++ {
				key := keys[rng.Intn(nKeys)]
				value := fmt.Sprintf("v%d", rng.Intn(1000))

				switch opKind(rng.Intn(4)) {
				case opInsert:
					wantOK := model.Insert(key, value)
					err := tr.Insert(ctx, []byte(key), []byte(value))

					if wantOK {
						require.NoError(t, err, "step %d: insert %q should have succeeded", step, key)
					} else {
						require.ErrorIs(t, err, flashkv.ErrKeyExists, "step %d: insert %q should have failed", step, key)
					}

				case opUpsert:
					model.Upsert(key, value)
					require.NoError(t, tr.Upsert(ctx, []byte(key), []byte(value)))

				case opDelete:
					wantOK := model.Delete(key)
					err := tr.Delete(ctx, []byte(key))

					if wantOK {
						require.NoError(t, err, "step %d: delete %q should have succeeded", step, key)
					} else {
						require.ErrorIs(t, err, flashkv.ErrKeyNotFound, "step %d: delete %q should have failed", step, key)
					}

				case opGet:
					wantValue, wantOK := model.Get(key)
					got, err := tr.Get(ctx, []byte(key), flashkv.GetOpts{})

					if wantOK {
						require.NoError(t, err, "step %d: get %q should have succeeded", step, key)
						require.Equal(t, wantValue, string(got))
					} else {
						require.ErrorIs(t, err, flashkv.ErrKeyNotFound, "step %d: get %q should have failed", step, key)
					}
				}
			}

			requireSameOrderedContents(t, ctx, tr, model)
		})
	}
}

func requireSameOrderedContents(t *testing.T, ctx context.Context, tr *flashkv.Tree, model *btreemodel.Model) {
	t.Helper()

	cur, err := tr.NewCursor(ctx, nil, nil)
	require.NoError(t, err)
	defer cur.Close()

	var got []btreemodel.Pair
	for cur.Valid() {
		v, err := cur.Value(ctx)
		require.NoError(t, err)

		got = append(got, btreemodel.Pair{Key: string(cur.Key()), Value: string(v)})
		require.NoError(t, cur.Next(ctx))
	}

	want := model.Ordered()

	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("tree contents diverged from reference model (-want +got):\n%s", diff)
	}
}
