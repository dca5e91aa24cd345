package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/kvgo/blobstore"
	"github.com/hupe1980/kvgo/internal/fs"
	"github.com/hupe1980/kvgo/internal/txn"
	"github.com/hupe1980/kvgo/model"
)

func testOptions() Options {
	o := DefaultOptions()
	o.Mmap = false
	o.MaxSegmentSize = 64 << 10
	o.WALSyncInterval = 0
	o.CheckpointInterval = 0
	o.CompactionCheckInterval = 0
	o.DeadlockCheckInterval = 0
	o.LockTimeout = 2 * time.Second
	o.ShutdownTimeout = 100 * time.Millisecond
	return o
}

// openEngine opens an engine that is closed when the test ends.
func openEngine(t *testing.T, fsys fs.FileSystem, dir string, opts ...Option) *Engine {
	t.Helper()
	e := openCrashable(t, fsys, dir, opts...)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

// openCrashable opens an engine the test abandons without closing, which
// leaves its files as a crash would.
func openCrashable(t *testing.T, fsys fs.FileSystem, dir string, opts ...Option) *Engine {
	t.Helper()
	all := append([]Option{WithOptions(testOptions()), WithFileSystem(fsys)}, opts...)
	e, err := Open(dir, all...)
	require.NoError(t, err)
	return e
}

func key(s string) model.Key { return model.NewStringKey(s) }

func val(s string) model.Value { return model.StringValue(s) }

func requireValue(t *testing.T, e *Engine, k model.Key, want model.Value) {
	t.Helper()
	got, err := e.Get(context.Background(), k)
	require.NoError(t, err, "get %s", k)
	require.True(t, want.Equal(got), "get %s: want %v, got %v", k, want, got)
}

func requireMissing(t *testing.T, e *Engine, k model.Key) {
	t.Helper()
	_, err := e.Get(context.Background(), k)
	require.ErrorIs(t, err, ErrKeyNotFound, "get %s", k)
}

func TestUserScenario(t *testing.T) {
	ctx := context.Background()
	e := openEngine(t, fs.NewMemFS(), "/db")

	ana := model.StructuredValue(map[string]any{"name": "Ana"})
	require.NoError(t, e.Set(ctx, key("user:1"), ana))
	require.NoError(t, e.Set(ctx, key("user:2"), val("Bo")))
	requireValue(t, e, key("user:1"), ana)

	require.NoError(t, e.Delete(ctx, key("user:1")))
	requireMissing(t, e, key("user:1"))

	var keys []string
	for k := range e.RangeScan(ctx, key("user:0"), key("user:9")) {
		keys = append(keys, k.String())
	}
	assert.Equal(t, []string{key("user:2").String()}, keys)
}

func TestConditions(t *testing.T) {
	ctx := context.Background()
	e := openEngine(t, fs.NewMemFS(), "/db")
	k := key("k")

	require.NoError(t, e.Insert(ctx, k, val("a")))

	err := e.Insert(ctx, k, val("b"))
	var ce *ConstraintError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, model.OpInsert, ce.Op)
	requireValue(t, e, k, val("a"))

	require.ErrorIs(t, e.Update(ctx, key("missing"), val("x")), ErrKeyNotFound)
	require.NoError(t, e.Update(ctx, k, val("c")))
	requireValue(t, e, k, val("c"))

	err = e.Apply(ctx, model.Upsert(k, val("d")).When(model.ValueEquals(val("nope"))))
	require.ErrorAs(t, err, &ce)
	require.NoError(t, e.Apply(ctx, model.Upsert(k, val("d")).When(model.ValueEquals(val("c")))))
	requireValue(t, e, k, val("d"))

	// Deleting a missing key is a no-op unless the key is required.
	require.NoError(t, e.Delete(ctx, key("missing")))
	require.ErrorIs(t, e.Apply(ctx, model.Delete(key("missing")).When(model.Exists())), ErrKeyNotFound)

	require.ErrorIs(t, e.Apply(ctx, model.Operation{Kind: model.OpInsert, Key: k}), ErrInvalidArgument)
	require.ErrorIs(t, e.Apply(ctx, model.Operation{Kind: model.OpCommit}), ErrInvalidArgument)
}

func TestReopenDurability(t *testing.T) {
	ctx := context.Background()
	fsys := fs.NewMemFS()
	e := openCrashable(t, fsys, "/db")

	for i := range 300 {
		require.NoError(t, e.Set(ctx, model.NewNumericKey(uint64(i)), val(fmt.Sprintf("v%d", i))))
	}
	for i := 0; i < 300; i += 3 {
		require.NoError(t, e.Delete(ctx, model.NewNumericKey(uint64(i))))
	}
	require.NoError(t, e.Close())

	e = openEngine(t, fsys, "/db")
	assert.True(t, e.Recovery().IndexFromSnapshot)
	for i := range 300 {
		k := model.NewNumericKey(uint64(i))
		if i%3 == 0 {
			requireMissing(t, e, k)
			continue
		}
		requireValue(t, e, k, val(fmt.Sprintf("v%d", i)))
	}
	assert.Equal(t, 200, e.HealthCheck().Keys)
}

func TestCrashRecoveryRebuildsIndex(t *testing.T) {
	ctx := context.Background()
	fsys := fs.NewMemFS()
	e := openCrashable(t, fsys, "/db")
	for i := range 50 {
		require.NoError(t, e.Set(ctx, model.NewNumericKey(uint64(i)), val(fmt.Sprintf("v%d", i))))
	}

	e2 := openEngine(t, fsys, "/db")
	assert.False(t, e2.Recovery().IndexFromSnapshot)
	for i := range 50 {
		requireValue(t, e2, model.NewNumericKey(uint64(i)), val(fmt.Sprintf("v%d", i)))
	}
}

func TestCrashRedoesTornSegmentTail(t *testing.T) {
	ctx := context.Background()
	fsys := fs.NewMemFS()
	e := openCrashable(t, fsys, "/db")
	for i := range 20 {
		require.NoError(t, e.Set(ctx, key(fmt.Sprintf("k%02d", i)), val(fmt.Sprintf("v%d", i))))
	}

	// Tear the last data record; the WAL still has it.
	entries, err := fsys.ReadDir("/db/data")
	require.NoError(t, err)
	var seg string
	for _, de := range entries {
		if strings.HasSuffix(de.Name(), ".seg") {
			info, err := fsys.Stat(filepath.Join("/db/data", de.Name()))
			require.NoError(t, err)
			if info.Size() > 0 {
				seg = filepath.Join("/db/data", de.Name())
			}
		}
	}
	require.NotEmpty(t, seg)
	info, err := fsys.Stat(seg)
	require.NoError(t, err)
	require.NoError(t, fsys.Truncate(seg, info.Size()-3))

	e2 := openEngine(t, fsys, "/db")
	rec := e2.Recovery()
	assert.Equal(t, 1, rec.Storage.TruncatedSegments)
	assert.GreaterOrEqual(t, rec.Redone, 1)
	for i := range 20 {
		requireValue(t, e2, key(fmt.Sprintf("k%02d", i)), val(fmt.Sprintf("v%d", i)))
	}
}

func TestCrashTornWALTail(t *testing.T) {
	ctx := context.Background()
	fsys := fs.NewMemFS()
	e := openCrashable(t, fsys, "/db")
	for i := range 10 {
		require.NoError(t, e.Set(ctx, key(fmt.Sprintf("k%d", i)), val("v")))
	}

	entries, err := fsys.ReadDir("/db/wal")
	require.NoError(t, err)
	for _, de := range entries {
		p := filepath.Join("/db/wal", de.Name())
		info, err := fsys.Stat(p)
		require.NoError(t, err)
		if info.Size() > 0 {
			require.NoError(t, fsys.Truncate(p, info.Size()-2))
		}
	}

	e2 := openEngine(t, fsys, "/db")
	// Storage kept the write whose log record was torn.
	for i := range 10 {
		requireValue(t, e2, key(fmt.Sprintf("k%d", i)), val("v"))
	}
	require.NoError(t, e2.Set(ctx, key("after"), val("ok")))
	requireValue(t, e2, key("after"), val("ok"))
}

func TestCrashUndoesUnfinishedTransaction(t *testing.T) {
	ctx := context.Background()
	fsys := fs.NewMemFS()
	e := openCrashable(t, fsys, "/db")

	require.NoError(t, e.Set(ctx, key("a"), val("a1")))
	require.NoError(t, e.Set(ctx, key("c"), val("c1")))

	committed, err := e.Begin(ctx, model.RepeatableRead)
	require.NoError(t, err)
	require.NoError(t, committed.Set(ctx, key("c"), val("c2")))
	require.NoError(t, committed.Commit(ctx))

	rolledBack, err := e.Begin(ctx, model.RepeatableRead)
	require.NoError(t, err)
	require.NoError(t, rolledBack.Set(ctx, key("d"), val("d1")))
	require.NoError(t, rolledBack.Rollback(ctx))

	open, err := e.Begin(ctx, model.RepeatableRead)
	require.NoError(t, err)
	require.NoError(t, open.Set(ctx, key("a"), val("a2")))
	require.NoError(t, open.Insert(ctx, key("b"), val("b1")))
	require.NoError(t, open.Set(ctx, key("a"), val("a3")))
	require.NoError(t, open.Delete(ctx, key("c")))

	e2 := openEngine(t, fsys, "/db")
	assert.Equal(t, 1, e2.Recovery().UndoneTransactions)
	requireValue(t, e2, key("a"), val("a1"))
	requireMissing(t, e2, key("b"))
	requireValue(t, e2, key("c"), val("c2"))
	requireMissing(t, e2, key("d"))

	// Transaction ids keep increasing across restarts.
	tx, err := e2.Begin(ctx, model.ReadCommitted)
	require.NoError(t, err)
	assert.Greater(t, tx.ID(), open.ID())
	require.NoError(t, tx.Rollback(ctx))
}

func TestTransactionCommitAndRollback(t *testing.T) {
	ctx := context.Background()
	e := openEngine(t, fs.NewMemFS(), "/db")
	require.NoError(t, e.Set(ctx, key("a"), val("a0")))

	tx, err := e.Begin(ctx, model.RepeatableRead)
	require.NoError(t, err)
	require.NoError(t, tx.Set(ctx, key("a"), val("a1")))
	require.NoError(t, tx.Insert(ctx, key("b"), val("b1")))

	got, err := tx.Get(ctx, key("a"))
	require.NoError(t, err)
	assert.True(t, val("a1").Equal(got))

	// Dirty reads see the uncommitted write.
	dirty, err := e.Begin(ctx, model.ReadUncommitted)
	require.NoError(t, err)
	got, err = dirty.Get(ctx, key("b"))
	require.NoError(t, err)
	assert.True(t, val("b1").Equal(got))
	require.NoError(t, dirty.Commit(ctx))

	require.NoError(t, tx.Rollback(ctx))
	requireValue(t, e, key("a"), val("a0"))
	requireMissing(t, e, key("b"))
	require.ErrorIs(t, tx.Commit(ctx), ErrTxDone)

	tx, err = e.Begin(ctx, model.Serializable)
	require.NoError(t, err)
	require.NoError(t, tx.Set(ctx, key("a"), val("a2")))
	require.NoError(t, tx.Delete(ctx, key("missing")))
	require.NoError(t, tx.Commit(ctx))
	requireValue(t, e, key("a"), val("a2"))

	st := e.HealthCheck()
	assert.Zero(t, st.ActiveTransactions)
	assert.GreaterOrEqual(t, st.RolledBackTransactions, uint64(1))
}

func TestSavepoints(t *testing.T) {
	ctx := context.Background()
	e := openEngine(t, fs.NewMemFS(), "/db")

	tx, err := e.Begin(ctx, model.RepeatableRead)
	require.NoError(t, err)
	require.NoError(t, tx.Set(ctx, key("a"), val("1")))
	_, err = tx.Savepoint("sp")
	require.NoError(t, err)
	require.NoError(t, tx.Set(ctx, key("b"), val("2")))
	require.NoError(t, tx.Set(ctx, key("a"), val("3")))

	require.NoError(t, tx.RollbackToSavepoint(ctx, "sp"))
	got, err := tx.Get(ctx, key("a"))
	require.NoError(t, err)
	assert.True(t, val("1").Equal(got))
	_, err = tx.Get(ctx, key("b"))
	require.ErrorIs(t, err, ErrKeyNotFound)

	require.ErrorIs(t, tx.RollbackToSavepoint(ctx, "nope"), txn.ErrSavepointNotFound)
	require.NoError(t, tx.Commit(ctx))

	requireValue(t, e, key("a"), val("1"))
	requireMissing(t, e, key("b"))
}

func TestLockExclusivity(t *testing.T) {
	ctx := context.Background()
	e := openEngine(t, fs.NewMemFS(), "/db", WithLockTimeout(50*time.Millisecond))
	require.NoError(t, e.Set(ctx, key("k"), val("v0")))

	tx, err := e.Begin(ctx, model.RepeatableRead)
	require.NoError(t, err)
	require.NoError(t, tx.Set(ctx, key("k"), val("v1")))

	_, err = e.Get(ctx, key("k"))
	require.ErrorIs(t, err, txn.ErrLockTimeout)
	require.ErrorIs(t, e.Set(ctx, key("k"), val("v2")), txn.ErrLockTimeout)

	// Other keys are unaffected.
	require.NoError(t, e.Set(ctx, key("other"), val("x")))

	require.NoError(t, tx.Commit(ctx))
	requireValue(t, e, key("k"), val("v1"))
	assert.GreaterOrEqual(t, e.HealthCheck().LockTimeouts, uint64(2))
}

func TestSerializableScanBlocksWriters(t *testing.T) {
	ctx := context.Background()
	e := openEngine(t, fs.NewMemFS(), "/db", WithLockTimeout(50*time.Millisecond))
	require.NoError(t, e.Set(ctx, key("a"), val("1")))

	tx, err := e.Begin(ctx, model.Serializable)
	require.NoError(t, err)
	n := 0
	require.NoError(t, tx.Scan(ctx, key("a"), key("z"), func(model.Key, model.Value) bool {
		n++
		return true
	}))
	assert.Equal(t, 1, n)

	// A new key in the scanned tenant would be a phantom.
	require.ErrorIs(t, e.Insert(ctx, key("b"), val("2")), txn.ErrLockTimeout)
	require.NoError(t, tx.Commit(ctx))
	require.NoError(t, e.Insert(ctx, key("b"), val("2")))
}

func TestDeadlockABBA(t *testing.T) {
	ctx := context.Background()
	e := openEngine(t, fs.NewMemFS(), "/db")
	require.NoError(t, e.Set(ctx, key("a"), val("a0")))
	require.NoError(t, e.Set(ctx, key("b"), val("b0")))

	older, err := e.Begin(ctx, model.RepeatableRead)
	require.NoError(t, err)
	younger, err := e.Begin(ctx, model.RepeatableRead)
	require.NoError(t, err)

	require.NoError(t, older.Set(ctx, key("a"), val("a1")))
	require.NoError(t, younger.Set(ctx, key("b"), val("b2")))

	done := make(chan error, 1)
	go func() { done <- older.Set(ctx, key("b"), val("b1")) }()
	require.Eventually(t, func() bool { return e.txm.Stats().LockWaits >= 1 }, time.Second, time.Millisecond)

	err = younger.Set(ctx, key("a"), val("a2"))
	require.ErrorIs(t, err, txn.ErrDeadlockVictim)
	require.NoError(t, <-done)
	require.ErrorIs(t, younger.Commit(ctx), ErrTxDone)
	require.NoError(t, older.Commit(ctx))

	requireValue(t, e, key("a"), val("a1"))
	requireValue(t, e, key("b"), val("b1"))
	st := e.HealthCheck()
	assert.Equal(t, uint64(1), st.Deadlocks)
	assert.Equal(t, uint64(1), st.AbortedTransactions)
}

func TestBatchModes(t *testing.T) {
	ctx := context.Background()
	e := openEngine(t, fs.NewMemFS(), "/db")
	require.NoError(t, e.Set(ctx, key("dup"), val("x")))

	ops := []model.Operation{
		model.Insert(key("a"), val("1")),
		model.Insert(key("b"), val("2")),
		model.Insert(key("dup"), val("3")),
	}

	res := e.BatchExecute(ctx, ops, model.Atomic())
	require.Len(t, res.Results, 3)
	assert.Equal(t, 3, res.Failed)
	assert.ErrorIs(t, res.Results[0].Err, ErrBatchAborted)
	var ce *ConstraintError
	assert.ErrorAs(t, res.Results[2].Err, &ce)
	requireMissing(t, e, key("a"))
	requireMissing(t, e, key("b"))

	res = e.BatchExecute(ctx, ops, model.BestEffort())
	assert.Equal(t, 2, res.Succeeded)
	assert.Equal(t, 1, res.Failed)
	requireValue(t, e, key("a"), val("1"))

	res = e.BatchExecute(ctx, []model.Operation{
		model.Update(key("missing"), val("1")),
		model.Insert(key("c"), val("1")),
	}, model.FailFast())
	require.Len(t, res.Results, 1)
	require.ErrorIs(t, res.Err(), ErrKeyNotFound)
	requireMissing(t, e, key("c"))

	var many []model.Operation
	for i := range 100 {
		many = append(many, model.Upsert(model.NewNumericKey(uint64(i)), val(fmt.Sprint(i))))
	}
	res = e.BatchExecute(ctx, many, model.Parallel(8))
	assert.Equal(t, 100, res.Succeeded)
	for i, r := range res.Results {
		assert.Equal(t, i, r.Index)
	}
	requireValue(t, e, model.NewNumericKey(42), val("42"))

	res = e.BatchExecute(ctx, []model.Operation{
		model.Upsert(key("x"), val("1")),
		model.Upsert(key("y"), val("1")),
	}, model.Atomic())
	require.NoError(t, res.Err())
	assert.Equal(t, 2, res.Succeeded)

	require.NoError(t, e.Apply(ctx, model.Operation{Kind: model.OpBatch, Ops: []model.Operation{
		model.Delete(key("x")),
		model.Delete(key("y")),
	}}))
	requireMissing(t, e, key("x"))
}

func TestRangeScanMatchesSortedKeys(t *testing.T) {
	ctx := context.Background()
	e := openEngine(t, fs.NewMemFS(), "/db")

	perm := rand.New(rand.NewPCG(1, 2)).Perm(500)
	for _, i := range perm {
		require.NoError(t, e.Set(ctx, model.NewNumericKey(uint64(i)), val(fmt.Sprint(i))))
	}
	for i := 0; i < 500; i += 7 {
		require.NoError(t, e.Delete(ctx, model.NewNumericKey(uint64(i))))
	}

	entries, err := e.Collect(ctx, model.NewNumericKey(100), model.NewNumericKey(300), 0)
	require.NoError(t, err)
	var want []uint64
	for i := uint64(100); i < 300; i++ {
		if i%7 != 0 {
			want = append(want, i)
		}
	}
	require.Len(t, entries, len(want))
	for i, ent := range entries {
		n, _ := ent.Key.ID.Numeric()
		assert.Equal(t, want[i], n)
		assert.True(t, val(fmt.Sprint(n)).Equal(ent.Value))
	}

	limited, err := e.Collect(ctx, model.NewNumericKey(0), model.NewNumericKey(500), 10)
	require.NoError(t, err)
	assert.Len(t, limited, 10)

	// All scan locks are gone.
	assert.Zero(t, e.HealthCheck().ActiveTransactions)
	require.NoError(t, e.Set(ctx, model.NewNumericKey(101), val("new")))
}

func TestCompactionSafety(t *testing.T) {
	ctx := context.Background()
	fsys := fs.NewMemFS()
	e := openCrashable(t, fsys, "/db", WithMaxSegmentSize(8<<10))

	for i := range 1000 {
		require.NoError(t, e.Set(ctx, model.NewNumericKey(uint64(i)), val(fmt.Sprintf("value-%04d", i))))
	}
	for i := range 400 {
		require.NoError(t, e.Delete(ctx, model.NewNumericKey(uint64(i))))
	}
	before := e.HealthCheck()
	assert.Greater(t, before.FragmentationRatio, 0.0)

	report, err := e.Compact(ctx)
	require.NoError(t, err)
	assert.Positive(t, report.SegmentsCompacted)

	after := e.HealthCheck()
	assert.Less(t, after.DiskUsageBytes, before.DiskUsageBytes)
	assert.Equal(t, 600, after.Keys)
	assert.Equal(t, uint64(1), after.CompactionOperations)

	check := func(e *Engine) {
		for i := range 1000 {
			k := model.NewNumericKey(uint64(i))
			if i < 400 {
				requireMissing(t, e, k)
				continue
			}
			requireValue(t, e, k, val(fmt.Sprintf("value-%04d", i)))
		}
	}
	check(e)
	require.NoError(t, e.Close())

	e = openEngine(t, fsys, "/db", WithMaxSegmentSize(8<<10))
	check(e)
}

func TestConcurrentWriters(t *testing.T) {
	ctx := context.Background()
	e := openEngine(t, fs.NewMemFS(), "/db")

	var wg sync.WaitGroup
	for w := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 50 {
				k := key(fmt.Sprintf("w%d-%d", w, i))
				assert.NoError(t, e.Set(ctx, k, val("x")))
				assert.NoError(t, e.Set(ctx, key("shared"), val(fmt.Sprint(w))))
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 8*50+1, e.HealthCheck().Keys)
}

func TestCheckpointStopsAtOpenTransaction(t *testing.T) {
	ctx := context.Background()
	e := openEngine(t, fs.NewMemFS(), "/db")
	require.NoError(t, e.Set(ctx, key("a"), val("1")))
	require.NoError(t, e.Checkpoint())
	assert.Equal(t, e.wal.LastLSN(), e.HealthCheck().CheckpointLSN)

	tx, err := e.Begin(ctx, model.RepeatableRead)
	require.NoError(t, err)
	require.NoError(t, tx.Set(ctx, key("b"), val("1")))
	first := e.wal.LastLSN()
	require.NoError(t, e.Set(ctx, key("c"), val("1")))

	require.NoError(t, e.Checkpoint())
	assert.Equal(t, first-1, e.HealthCheck().CheckpointLSN)

	require.NoError(t, tx.Commit(ctx))
	require.NoError(t, e.Checkpoint())
	assert.Equal(t, e.wal.LastLSN(), e.HealthCheck().CheckpointLSN)
}

func TestShutdownRollsBackActiveTransaction(t *testing.T) {
	ctx := context.Background()
	fsys := fs.NewMemFS()
	e := openCrashable(t, fsys, "/db")
	require.NoError(t, e.Set(ctx, key("k"), val("old")))

	tx, err := e.Begin(ctx, model.RepeatableRead)
	require.NoError(t, err)
	require.NoError(t, tx.Set(ctx, key("k"), val("new")))

	require.NoError(t, e.Shutdown(10*time.Millisecond))
	require.ErrorIs(t, e.Close(), ErrClosed)
	require.Error(t, tx.Commit(ctx))

	e = openEngine(t, fsys, "/db")
	assert.Zero(t, e.Recovery().UndoneTransactions)
	requireValue(t, e, key("k"), val("old"))
}

func TestBackup(t *testing.T) {
	ctx := context.Background()
	e := openEngine(t, fs.NewMemFS(), "/db")
	for i := range 100 {
		require.NoError(t, e.Set(ctx, model.NewNumericKey(uint64(i)), val("v")))
	}

	store := blobstore.NewMemoryStore()
	report, err := e.Backup(ctx, store, "nightly")
	require.NoError(t, err)
	assert.Equal(t, "nightly", report.Prefix)
	assert.Equal(t, 100, report.Keys)
	assert.Positive(t, report.Segments)
	assert.Positive(t, report.WALFiles)

	names, err := store.List(ctx, "nightly/")
	require.NoError(t, err)
	assert.Contains(t, names, "nightly/"+backupManifestFile)
	assert.Contains(t, names, "nightly/"+indexFile)
}

func TestHealthCheck(t *testing.T) {
	ctx := context.Background()
	e := openEngine(t, fs.NewMemFS(), "/db")
	require.NoError(t, e.Set(ctx, key("a"), val("1")))
	requireValue(t, e, key("a"), val("1"))
	requireMissing(t, e, key("b"))

	m := e.HealthCheck()
	assert.True(t, m.IsHealthy)
	assert.Equal(t, 1, m.Keys)
	assert.Equal(t, uint64(3), m.Operations)
	assert.Zero(t, m.Errors)
	assert.Zero(t, m.ErrorRate)
	assert.False(t, m.NeedsCompaction)
}

func TestOpenRejectsInvalidOptions(t *testing.T) {
	_, err := Open("/db", WithOptions(testOptions()), WithFileSystem(fs.NewMemFS()), WithCompactionThreshold(1.5))
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestClosedEngine(t *testing.T) {
	ctx := context.Background()
	e := openCrashable(t, fs.NewMemFS(), "/db")
	require.NoError(t, e.Close())

	require.ErrorIs(t, e.Set(ctx, key("a"), val("1")), ErrClosed)
	_, err := e.Begin(ctx, model.ReadCommitted)
	require.ErrorIs(t, err, ErrClosed)
	require.True(t, errors.Is(e.Checkpoint(), ErrClosed))
}

func TestOversizedKeyIsRejected(t *testing.T) {
	ctx := context.Background()
	fsys := fs.NewMemFS()
	e := openCrashable(t, fsys, "/db")

	big := key("a").WithTenant(strings.Repeat("t", 70000))
	parts := make([]string, 70000)
	for i := range parts {
		parts[i] = "p"
	}
	manyParts := model.NewCompositeKey(parts...)

	for _, k := range []model.Key{big, manyParts, model.NewCompositeKey("x", strings.Repeat("p", 70000))} {
		err := e.Set(ctx, k, val("v"))
		require.ErrorIs(t, err, ErrInvalidArgument)
		require.ErrorIs(t, err, model.ErrInvalidKey)
		require.ErrorIs(t, e.Delete(ctx, k), ErrInvalidArgument)
	}

	tx, err := e.Begin(ctx, model.ReadCommitted)
	require.NoError(t, err)
	require.ErrorIs(t, tx.Set(ctx, big, val("v")), ErrInvalidArgument)
	require.ErrorIs(t, tx.Delete(ctx, big), ErrInvalidArgument)
	require.NoError(t, tx.Set(ctx, key("b"), val("b")))
	require.NoError(t, tx.Commit(ctx))

	res := e.BatchExecute(ctx, []model.Operation{
		model.Upsert(key("c"), val("c")),
		model.Upsert(big, val("v")),
	}, model.BestEffort())
	assert.Equal(t, 1, res.Succeeded)
	assert.ErrorIs(t, res.Results[1].Err, ErrInvalidArgument)

	// At the limit the tenant round-trips through the log and the index.
	edge := key("d").WithTenant(strings.Repeat("t", 65535))
	require.NoError(t, e.Set(ctx, edge, val("edge")))
	require.NoError(t, e.Close())

	e = openEngine(t, fsys, "/db")
	requireMissing(t, e, big)
	requireValue(t, e, key("b"), val("b"))
	requireValue(t, e, key("c"), val("c"))
	requireValue(t, e, edge, val("edge"))
}

func TestSnapshotWithOtherOrderIsRebuilt(t *testing.T) {
	ctx := context.Background()
	fsys := fs.NewMemFS()
	withOrder := func(order int) Option {
		o := testOptions()
		o.BTreeOrder = order
		return WithOptions(o)
	}

	e := openCrashable(t, fsys, "/db", withOrder(8))
	for i := range 100 {
		require.NoError(t, e.Set(ctx, model.NewNumericKey(uint64(i)), val(fmt.Sprintf("v%d", i))))
	}
	require.NoError(t, e.Close())

	e = openCrashable(t, fsys, "/db", withOrder(16))
	assert.False(t, e.Recovery().IndexFromSnapshot)
	assert.Equal(t, 16, e.index.Order())
	for i := range 100 {
		requireValue(t, e, model.NewNumericKey(uint64(i)), val(fmt.Sprintf("v%d", i)))
	}
	require.NoError(t, e.Close())

	e = openEngine(t, fsys, "/db", withOrder(16))
	assert.True(t, e.Recovery().IndexFromSnapshot)
	assert.Equal(t, 16, e.index.Order())
}
