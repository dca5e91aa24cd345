package integration_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/kvgo"
	"github.com/hupe1980/kvgo/model"
	"github.com/hupe1980/kvgo/testutil"
)

// TestCRUDLifecycle drives a random workload against a reference map and
// checks the database agrees with it after compaction and across reopens.
func TestCRUDLifecycle(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	opts := []kvgo.Option{
		kvgo.WithLogger(kvgo.NoopLogger()),
		kvgo.WithMaxSegmentSize(32 << 10),
		kvgo.WithCompactionCheckInterval(0),
		kvgo.WithCompression(kvgo.CompressionLZ4, 0),
	}

	rng := testutil.NewRNG(42)
	keys := rng.NumericKeys(300)
	want := make(map[uint64]model.Value)

	db, err := kvgo.Open(dir, opts...)
	require.NoError(t, err)

	for round := range 3 {
		for _, op := range rng.Operations(keys, 1000, 128, 0.3) {
			require.NoError(t, db.Apply(ctx, op), "round %d", round)
			n, _ := op.Key.ID.Numeric()
			if op.Kind == model.OpDelete {
				delete(want, n)
			} else {
				want[n] = *op.Value
			}
		}

		_, err := db.Compact(ctx)
		require.NoError(t, err)
		verify(t, db, keys, want)

		require.NoError(t, db.Close())
		db, err = kvgo.Open(dir, opts...)
		require.NoError(t, err)
		verify(t, db, keys, want)
	}
	require.NoError(t, db.Close())
}

func verify(t *testing.T, db *kvgo.DB, keys []model.Key, want map[uint64]model.Value) {
	t.Helper()
	ctx := context.Background()
	for _, k := range keys {
		n, _ := k.ID.Numeric()
		got, err := db.Get(ctx, k)
		if w, ok := want[n]; ok {
			require.NoError(t, err, "key %d", n)
			require.True(t, w.Equal(got), "key %d", n)
		} else {
			require.ErrorIs(t, err, kvgo.ErrKeyNotFound, "key %d", n)
		}
	}

	entries, err := db.Collect(ctx, model.NewNumericKey(0), model.NewNumericKey(uint64(len(keys))), 0)
	require.NoError(t, err)
	assert.Len(t, entries, len(want))
	assert.Equal(t, len(want), db.HealthCheck().Keys)
}

// TestTenantIsolation checks that equal identifiers under different
// tenants address different records.
func TestTenantIsolation(t *testing.T) {
	ctx := context.Background()
	db := testutil.OpenMemoryDB(t)

	a := model.NewStringKey("cfg").WithTenant("acme")
	b := model.NewStringKey("cfg").WithTenant("globex")
	require.NoError(t, db.Set(ctx, a, model.StringValue("a")))
	require.NoError(t, db.Set(ctx, b, model.StringValue("b")))

	got, err := db.Get(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, "a", string(got.Raw))

	require.NoError(t, db.Delete(ctx, b))
	_, err = db.Get(ctx, a)
	require.NoError(t, err)

	entries, err := db.Collect(ctx,
		model.NewStringKey("a").WithTenant("acme"),
		model.NewStringKey("z").WithTenant("acme"), 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "acme", entries[0].Key.TenantID)
}
