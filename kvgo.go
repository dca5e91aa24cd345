// Package kvgo is an embedded key-value storage engine with ACID
// transactions, crash recovery, and a B-Tree index over log-structured
// segment storage.
//
// Every write is appended to a write-ahead log before it reaches the data
// segments, so a crash loses at most the writes of the last WAL sync
// interval (none with DurabilitySync). Reads are served through a B-Tree
// that maps each key to the location of its latest value.
//
// # Quick Start
//
//	ctx := context.Background()
//	db, err := kvgo.Open("./data")
//	if err != nil {
//	    panic(err)
//	}
//	defer db.Close()
//
//	key := model.NewStringKey("user:1")
//	err = db.Set(ctx, key, model.StructuredValue(map[string]any{"name": "Ana"}))
//	v, err := db.Get(ctx, key)
//
// Range scans visit keys in order:
//
//	for k, v := range db.RangeScan(ctx, model.NewStringKey("user:0"), model.NewStringKey("user:9")) {
//	    fmt.Println(k, v)
//	}
//
// # Transactions
//
// Begin starts an explicit transaction. Writes take exclusive locks held
// until Commit or Rollback; reads lock according to the isolation level.
// Deadlocks are detected and the youngest transaction of the cycle fails
// with ErrDeadlockVictim. IsRetryable tells which errors are worth a retry.
//
//	tx, err := db.Begin(ctx, model.RepeatableRead)
//	if err != nil {
//	    return err
//	}
//	if err := tx.Set(ctx, from, debit); err != nil {
//	    _ = tx.Rollback(ctx)
//	    return err
//	}
//	if err := tx.Set(ctx, to, credit); err != nil {
//	    _ = tx.Rollback(ctx)
//	    return err
//	}
//	return tx.Commit(ctx)
//
// # Batches
//
// BatchExecute runs many operations with one of four modes: Atomic,
// BestEffort, FailFast, and Parallel.
package kvgo

import (
	"context"
	"iter"
	"time"

	"github.com/hupe1980/kvgo/blobstore"
	"github.com/hupe1980/kvgo/internal/engine"
	"github.com/hupe1980/kvgo/internal/storage"
	"github.com/hupe1980/kvgo/model"
)

type (
	// SystemMetrics is a point-in-time health report.
	SystemMetrics = engine.SystemMetrics
	// CompactionReport summarizes a compaction pass.
	CompactionReport = storage.CompactionReport
	// BackupReport summarizes a backup.
	BackupReport = engine.BackupReport
	// RecoveryReport describes the recovery performed by Open.
	RecoveryReport = engine.RecoveryReport
	// Entry is a key with its value.
	Entry = engine.Entry
)

// DB is an open database. It is safe for concurrent use.
type DB struct {
	eng    *engine.Engine
	logger *Logger
}

// Open opens or creates the database in dir and recovers it after a crash.
func Open(dir string, optFns ...Option) (*DB, error) {
	o := applyOptions(optFns)
	engOpts, err := o.engineOptions()
	if err != nil {
		return nil, translateError("open", err)
	}
	eng, err := engine.Open(dir, engOpts...)
	if err != nil {
		return nil, translateError("open", err)
	}
	return &DB{eng: eng, logger: o.logger}, nil
}

// Get returns the value of key.
func (db *DB) Get(ctx context.Context, key model.Key) (model.Value, error) {
	v, err := db.eng.Get(ctx, key)
	return v, translateError("get", err)
}

// Set stores value under key, creating or replacing it.
func (db *DB) Set(ctx context.Context, key model.Key, value model.Value) error {
	return db.write(ctx, "set", key, db.eng.Set(ctx, key, value))
}

// Upsert is an alias of Set.
func (db *DB) Upsert(ctx context.Context, key model.Key, value model.Value) error {
	return db.write(ctx, "upsert", key, db.eng.Upsert(ctx, key, value))
}

// Insert creates key. It fails with a KindConstraint error if the key
// exists.
func (db *DB) Insert(ctx context.Context, key model.Key, value model.Value) error {
	return db.write(ctx, "insert", key, db.eng.Insert(ctx, key, value))
}

// Update replaces the value of key. It fails with ErrKeyNotFound if the key
// is missing.
func (db *DB) Update(ctx context.Context, key model.Key, value model.Value) error {
	return db.write(ctx, "update", key, db.eng.Update(ctx, key, value))
}

// Delete removes key. Deleting a missing key succeeds.
func (db *DB) Delete(ctx context.Context, key model.Key) error {
	return db.write(ctx, "delete", key, db.eng.Delete(ctx, key))
}

// Apply runs a single operation, honoring its condition. A batch operation
// runs its children atomically.
func (db *DB) Apply(ctx context.Context, op model.Operation) error {
	return db.write(ctx, op.Kind.String(), op.Key, db.eng.Apply(ctx, op))
}

func (db *DB) write(ctx context.Context, op string, key model.Key, err error) error {
	err = translateError(op, err)
	db.logger.LogWrite(ctx, op, key, err)
	return err
}

// RangeScan yields the keys in [start, end) in key order with their
// values. Each key is share-locked while the scan runs; the loop body must
// not write the keys being scanned. Use Scan to observe errors.
func (db *DB) RangeScan(ctx context.Context, start, end model.Key) iter.Seq2[model.Key, model.Value] {
	return db.eng.RangeScan(ctx, start, end)
}

// Scan calls fn for every key in [start, end) until fn returns false.
func (db *DB) Scan(ctx context.Context, start, end model.Key, fn func(model.Key, model.Value) bool) error {
	return translateError("scan", db.eng.Scan(ctx, start, end, fn))
}

// Collect returns up to limit entries of [start, end). A limit of zero or
// less returns all of them.
func (db *DB) Collect(ctx context.Context, start, end model.Key, limit int) ([]Entry, error) {
	entries, err := db.eng.Collect(ctx, start, end, limit)
	return entries, translateError("scan", err)
}

// BatchExecute runs ops under mode. The result has one entry per executed
// operation; its errors are *Error values.
func (db *DB) BatchExecute(ctx context.Context, ops []model.Operation, mode model.BatchMode) model.BatchResult {
	res := db.eng.BatchExecute(ctx, ops, mode)
	for i := range res.Results {
		res.Results[i].Err = translateError("batch", res.Results[i].Err)
	}
	db.logger.LogBatch(ctx, mode.Kind, res)
	return res
}

// Begin starts an explicit transaction with the given isolation level.
func (db *DB) Begin(ctx context.Context, iso model.IsolationLevel) (*Tx, error) {
	tx, err := db.eng.Begin(ctx, iso)
	if err != nil {
		return nil, translateError("begin", err)
	}
	return &Tx{tx: tx}, nil
}

// HealthCheck reports storage, transaction, cache, and error statistics.
func (db *DB) HealthCheck() SystemMetrics {
	return db.eng.HealthCheck()
}

// Recovery describes what Open did to recover the database.
func (db *DB) Recovery() RecoveryReport {
	return db.eng.Recovery()
}

// Compact rewrites the sealed data segments without their dead records.
func (db *DB) Compact(ctx context.Context) (CompactionReport, error) {
	start := time.Now()
	report, err := db.eng.Compact(ctx)
	err = translateError("compact", err)
	db.logger.LogCompaction(ctx, report.SegmentsCompacted, report.BytesReclaimed, time.Since(start), err)
	return report, err
}

// Checkpoint syncs storage and records the WAL position it covers.
func (db *DB) Checkpoint() error {
	return translateError("checkpoint", db.eng.Checkpoint())
}

// Backup copies the database to store under prefix. An empty prefix is
// replaced by a generated backup id.
func (db *DB) Backup(ctx context.Context, store blobstore.BlobStore, prefix string) (BackupReport, error) {
	report, err := db.eng.Backup(ctx, store, prefix)
	err = translateError("backup", err)
	db.logger.LogBackup(ctx, report.Prefix, report.Bytes, err)
	return report, err
}

// Dir returns the database directory.
func (db *DB) Dir() string {
	return db.eng.Dir()
}

// Close waits up to the shutdown timeout for active transactions, rolls
// back the rest, and closes the database.
func (db *DB) Close() error {
	return translateError("close", db.eng.Close())
}

// Shutdown is Close with an explicit timeout for active transactions.
func (db *DB) Shutdown(timeout time.Duration) error {
	return translateError("shutdown", db.eng.Shutdown(timeout))
}
