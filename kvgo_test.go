package kvgo_test

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/kvgo"
	"github.com/hupe1980/kvgo/blobstore"
	"github.com/hupe1980/kvgo/model"
)

func openMemory(t *testing.T, opts ...kvgo.Option) *kvgo.DB {
	t.Helper()
	all := append([]kvgo.Option{
		kvgo.WithStorageBackend("memory"),
		kvgo.WithCheckpointInterval(0),
		kvgo.WithCompactionCheckInterval(0),
	}, opts...)
	db, err := kvgo.Open("/kv", all...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestUserScenario(t *testing.T) {
	ctx := context.Background()
	db := openMemory(t)

	key := model.NewStringKey("user:1")
	require.NoError(t, db.Set(ctx, key, model.StructuredValue(map[string]any{"name": "Ana"})))

	v, err := db.Get(ctx, key)
	require.NoError(t, err)
	assert.True(t, v.Equal(model.StructuredValue(map[string]any{"name": "Ana"})))

	require.NoError(t, db.Delete(ctx, key))
	_, err = db.Get(ctx, key)
	require.ErrorIs(t, err, kvgo.ErrKeyNotFound)

	n := 0
	for range db.RangeScan(ctx, model.NewStringKey("user:0"), model.NewStringKey("user:9")) {
		n++
	}
	assert.Zero(t, n)
}

func TestErrorKinds(t *testing.T) {
	ctx := context.Background()
	db := openMemory(t)
	key := model.NewStringKey("k")

	_, err := db.Get(ctx, key)
	kind, ok := kvgo.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, kvgo.KindKeyNotFound, kind)

	var kerr *kvgo.Error
	require.ErrorAs(t, err, &kerr)
	assert.Equal(t, "get", kerr.Op)
	require.NotNil(t, kerr.Key)
	assert.True(t, key.Equal(*kerr.Key))

	require.NoError(t, db.Insert(ctx, key, model.StringValue("a")))
	err = db.Insert(ctx, key, model.StringValue("b"))
	kind, _ = kvgo.KindOf(err)
	assert.Equal(t, kvgo.KindConstraint, kind)
	assert.True(t, kvgo.IsConstraint(err))
	assert.False(t, kvgo.IsRetryable(err))

	require.ErrorIs(t, db.Update(ctx, model.NewStringKey("missing"), model.StringValue("x")), kvgo.ErrKeyNotFound)

	err = db.Apply(ctx, model.Operation{Kind: model.OpInsert, Key: key})
	kind, _ = kvgo.KindOf(err)
	assert.Equal(t, kvgo.KindInvalidArgument, kind)

	big := key.WithTenant(strings.Repeat("t", 70000))
	for _, err := range []error{db.Set(ctx, big, model.StringValue("v")), db.Delete(ctx, big)} {
		kind, _ = kvgo.KindOf(err)
		assert.Equal(t, kvgo.KindInvalidArgument, kind)
		assert.ErrorIs(t, err, model.ErrInvalidKey)
	}
}

func TestLockTimeoutIsRetryable(t *testing.T) {
	ctx := context.Background()
	db := openMemory(t, kvgo.WithLockTimeout(20*time.Millisecond))
	key := model.NewStringKey("k")

	tx, err := db.Begin(ctx, model.RepeatableRead)
	require.NoError(t, err)
	require.NoError(t, tx.Set(ctx, key, model.StringValue("v")))

	err = db.Set(ctx, key, model.StringValue("w"))
	require.ErrorIs(t, err, kvgo.ErrLockTimeout)
	kind, _ := kvgo.KindOf(err)
	assert.Equal(t, kvgo.KindConcurrency, kind)
	assert.True(t, kvgo.IsRetryable(err))

	require.NoError(t, tx.Commit(ctx))
	require.ErrorIs(t, tx.Commit(ctx), kvgo.ErrTxDone)
	require.NoError(t, db.Set(ctx, key, model.StringValue("w")))
}

func TestTransactionSavepoint(t *testing.T) {
	ctx := context.Background()
	db := openMemory(t)

	tx, err := db.Begin(ctx, model.Serializable)
	require.NoError(t, err)
	assert.Equal(t, model.Serializable, tx.Isolation())
	assert.NotEmpty(t, tx.CorrelationID())

	require.NoError(t, tx.Set(ctx, model.NewNumericKey(1), model.StringValue("one")))
	require.NoError(t, tx.Savepoint("after-one"))
	require.NoError(t, tx.Set(ctx, model.NewNumericKey(2), model.StringValue("two")))
	require.NoError(t, tx.RollbackToSavepoint(ctx, "after-one"))
	require.NoError(t, tx.Commit(ctx))

	entries, err := db.Collect(ctx, model.NewNumericKey(0), model.NewNumericKey(10), 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, model.StringValue("one").Equal(entries[0].Value))
}

func TestBatchErrorsAreTranslated(t *testing.T) {
	ctx := context.Background()
	db := openMemory(t)
	require.NoError(t, db.Set(ctx, model.NewStringKey("b"), model.StringValue("x")))

	res := db.BatchExecute(ctx, []model.Operation{
		model.Insert(model.NewStringKey("a"), model.StringValue("1")),
		model.Insert(model.NewStringKey("b"), model.StringValue("2")),
	}, model.BestEffort())
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 1, res.Failed)
	kind, ok := kvgo.KindOf(res.Results[1].Err)
	require.True(t, ok)
	assert.Equal(t, kvgo.KindConstraint, kind)
}

func TestMetricsCollector(t *testing.T) {
	ctx := context.Background()
	metrics := &kvgo.BasicMetricsCollector{}
	db := openMemory(t, kvgo.WithMetricsCollector(metrics))
	key := model.NewStringKey("k")

	require.NoError(t, db.Set(ctx, key, model.StringValue("v")))
	_, err := db.Get(ctx, key)
	require.NoError(t, err)
	require.NoError(t, db.Delete(ctx, key))
	_, err = db.Get(ctx, key)
	require.Error(t, err)

	stats := metrics.Stats()
	assert.Equal(t, int64(1), stats.WriteCount)
	assert.Equal(t, int64(2), stats.ReadCount)
	assert.Equal(t, int64(1), stats.ReadErrors)
	assert.Equal(t, int64(1), stats.DeleteCount)
}

func TestReopenLocal(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	db, err := kvgo.Open(dir, kvgo.WithDurability(kvgo.DurabilitySync), kvgo.WithCompression(kvgo.CompressionZstd, 0))
	require.NoError(t, err)
	for i := range 100 {
		require.NoError(t, db.Set(ctx, model.NewNumericKey(uint64(i)), model.StringValue(fmt.Sprintf("value-%d", i))))
	}
	require.NoError(t, db.Close())
	require.ErrorIs(t, db.Close(), kvgo.ErrClosed)

	db, err = kvgo.Open(dir)
	require.NoError(t, err)
	defer db.Close()

	assert.True(t, db.Recovery().IndexFromSnapshot)
	v, err := db.Get(ctx, model.NewNumericKey(42))
	require.NoError(t, err)
	assert.True(t, model.StringValue("value-42").Equal(v))
	assert.Equal(t, 100, db.HealthCheck().Keys)
	assert.True(t, db.HealthCheck().IsHealthy)
}

func TestBackupToLocalStore(t *testing.T) {
	ctx := context.Background()
	db := openMemory(t)
	for i := range 10 {
		require.NoError(t, db.Set(ctx, model.NewNumericKey(uint64(i)), model.StringValue("v")))
	}

	store := blobstore.NewLocalStore(t.TempDir())
	report, err := db.Backup(ctx, store, "")
	require.NoError(t, err)
	assert.NotEmpty(t, report.ID)
	assert.Equal(t, report.ID, report.Prefix)
	assert.Equal(t, 10, report.Keys)

	names, err := store.List(ctx, report.Prefix+"/")
	require.NoError(t, err)
	assert.Contains(t, names, report.Prefix+"/MANIFEST.json")
}

func TestOpenRejectsUnknownBackend(t *testing.T) {
	_, err := kvgo.Open("/kv", kvgo.WithStorageBackend("tape"))
	require.ErrorIs(t, err, kvgo.ErrInvalidArgument)
}

func TestOpenRejectsInvalidOptions(t *testing.T) {
	_, err := kvgo.Open("/kv", kvgo.WithStorageBackend("memory"), kvgo.WithCompactionThreshold(0))
	kind, ok := kvgo.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, kvgo.KindInvalidArgument, kind)
}

func TestClosedDB(t *testing.T) {
	ctx := context.Background()
	db, err := kvgo.Open("/kv", kvgo.WithStorageBackend("memory"))
	require.NoError(t, err)
	require.NoError(t, db.Shutdown(time.Second))

	err = db.Set(ctx, model.NewStringKey("k"), model.StringValue("v"))
	kind, _ := kvgo.KindOf(err)
	assert.Equal(t, kvgo.KindClosed, kind)
	assert.True(t, errors.Is(err, kvgo.ErrClosed))
}

// TestNoGoroutineLeaks verifies that the background loops stop on Close.
func TestNoGoroutineLeaks(t *testing.T) {
	before := runtime.NumGoroutine()

	db, err := kvgo.Open(t.TempDir(),
		kvgo.WithWALSyncInterval(5*time.Millisecond),
		kvgo.WithCheckpointInterval(5*time.Millisecond),
		kvgo.WithCompactionCheckInterval(5*time.Millisecond),
		kvgo.WithDeadlockCheckInterval(5*time.Millisecond),
	)
	require.NoError(t, err)
	require.NoError(t, db.Set(context.Background(), model.NewStringKey("k"), model.StringValue("v")))
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, db.Close())

	assert.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= before+2
	}, time.Second, 10*time.Millisecond)
}
