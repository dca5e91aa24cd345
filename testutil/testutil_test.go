package testutil

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/kvgo/model"
)

func TestDeterminism(t *testing.T) {
	a := NewRNG(4711)
	b := NewRNG(4711)

	assert.Equal(t, a.Bytes(32), b.Bytes(32))
	assert.True(t, a.UUIDKey().Equal(b.UUIDKey()))

	a.Reset()
	b.Reset()
	assert.Equal(t, a.Uint64(), b.Uint64())
	assert.Equal(t, int64(4711), a.Seed())
}

func TestNumericKeys(t *testing.T) {
	rng := NewRNG(1)
	keys := rng.NumericKeys(100)
	require.Len(t, keys, 100)

	seen := make(map[uint64]bool)
	for _, k := range keys {
		n, ok := k.ID.Numeric()
		require.True(t, ok)
		seen[n] = true
	}
	assert.Len(t, seen, 100)
}

func TestStringKeys(t *testing.T) {
	keys := NewRNG(1).StringKeys("user", 10)
	require.Len(t, keys, 10)
	for _, k := range keys {
		assert.Len(t, k.String(), len("user:00000000"))
	}
}

func TestZipf(t *testing.T) {
	rng := NewRNG(4711)

	counts := make([]int, 10)
	for _, i := range rng.ZipfIndexes(10000, 10, 1.5) {
		require.GreaterOrEqual(t, i, 0)
		require.Less(t, i, 10)
		counts[i]++
	}
	// Index 0 is the hottest key.
	assert.Greater(t, counts[0], counts[9]*5)
	assert.Equal(t, 0, rng.Zipf(1, 1.5))
}

func TestOperations(t *testing.T) {
	rng := NewRNG(7)
	keys := rng.NumericKeys(10)

	ops := rng.Operations(keys, 200, 16, 0.25)
	require.Len(t, ops, 200)
	deletes := 0
	for _, op := range ops {
		require.NoError(t, op.Validate())
		if op.Kind == model.OpDelete {
			deletes++
		}
	}
	assert.Greater(t, deletes, 20)
	assert.Less(t, deletes, 80)
}

func TestOpenMemoryDB(t *testing.T) {
	db := OpenMemoryDB(t)
	ctx := context.Background()
	rng := NewRNG(1)

	k := rng.UUIDKey()
	v := rng.StructuredValue()
	require.NoError(t, db.Set(ctx, k, v))

	got, err := db.Get(ctx, k)
	require.NoError(t, err)
	assert.True(t, v.Equal(got))
}
