package kvgo

import (
	"context"
	"iter"

	"github.com/hupe1980/kvgo/internal/engine"
	"github.com/hupe1980/kvgo/model"
)

// Tx is an explicit transaction started by DB.Begin.
//
// A transaction aborted as a deadlock victim, or rolled back at shutdown,
// is already finished: later calls return ErrTxDone.
type Tx struct {
	tx *engine.Tx
}

// ID returns the transaction id. Ids increase across restarts.
func (t *Tx) ID() uint64 { return uint64(t.tx.ID()) }

// CorrelationID returns the id that tags the transaction in logs.
func (t *Tx) CorrelationID() string { return t.tx.CorrelationID() }

// Isolation returns the isolation level of the transaction.
func (t *Tx) Isolation() model.IsolationLevel { return t.tx.Isolation() }

// Get returns the value of key as seen by the transaction.
func (t *Tx) Get(ctx context.Context, key model.Key) (model.Value, error) {
	v, err := t.tx.Get(ctx, key)
	return v, translateError("get", err)
}

// Set stores value under key.
func (t *Tx) Set(ctx context.Context, key model.Key, value model.Value) error {
	return translateError("set", t.tx.Set(ctx, key, value))
}

// Insert creates key and fails if it exists.
func (t *Tx) Insert(ctx context.Context, key model.Key, value model.Value) error {
	return translateError("insert", t.tx.Insert(ctx, key, value))
}

// Update replaces the value of key and fails if it is missing.
func (t *Tx) Update(ctx context.Context, key model.Key, value model.Value) error {
	return translateError("update", t.tx.Update(ctx, key, value))
}

// Delete removes key.
func (t *Tx) Delete(ctx context.Context, key model.Key) error {
	return translateError("delete", t.tx.Delete(ctx, key))
}

// Apply runs op inside the transaction.
func (t *Tx) Apply(ctx context.Context, op model.Operation) error {
	return translateError(op.Kind.String(), t.tx.Apply(ctx, op))
}

// Savepoint marks the current state under name. A savepoint with an
// existing name shadows the earlier one.
func (t *Tx) Savepoint(name string) error {
	_, err := t.tx.Savepoint(name)
	return translateError("savepoint", err)
}

// RollbackToSavepoint undoes the writes made after the savepoint.
func (t *Tx) RollbackToSavepoint(ctx context.Context, name string) error {
	return translateError("rollback to savepoint", t.tx.RollbackToSavepoint(ctx, name))
}

// RangeScan yields the keys in [start, end) in key order.
func (t *Tx) RangeScan(ctx context.Context, start, end model.Key) iter.Seq2[model.Key, model.Value] {
	return t.tx.RangeScan(ctx, start, end)
}

// Scan calls fn for every key in [start, end) until fn returns false.
func (t *Tx) Scan(ctx context.Context, start, end model.Key, fn func(model.Key, model.Value) bool) error {
	return translateError("scan", t.tx.Scan(ctx, start, end, fn))
}

// Commit makes the writes permanent and releases all locks.
func (t *Tx) Commit(ctx context.Context) error {
	return translateError("commit", t.tx.Commit(ctx))
}

// Rollback undoes the writes and releases all locks.
func (t *Tx) Rollback(ctx context.Context) error {
	return translateError("rollback", t.tx.Rollback(ctx))
}
