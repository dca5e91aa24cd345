package engine

import (
	"context"
	"errors"
	"iter"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/hupe1980/kvgo/internal/txn"
	"github.com/hupe1980/kvgo/internal/wal"
	"github.com/hupe1980/kvgo/model"
)

// Tx is an explicit transaction. Writes are applied at once and hold
// exclusive locks until Commit or Rollback. A Tx is safe for concurrent use,
// but its operations run one at a time.
type Tx struct {
	e     *Engine
	id    txn.ID
	iso   model.IsolationLevel
	corr  string
	start time.Time

	mu   sync.Mutex
	done bool
}

// Begin starts an explicit transaction.
func (e *Engine) Begin(ctx context.Context, iso model.IsolationLevel) (*Tx, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	id, err := e.txm.Begin(ctx, iso)
	if err != nil {
		return nil, err
	}
	tx := &Tx{e: e, id: id, iso: iso, corr: uuid.NewString(), start: time.Now()}
	e.logger.Debug("engine: begin", "tx", id, "correlation_id", tx.corr, "isolation", iso)
	return tx, nil
}

// ID returns the transaction id.
func (tx *Tx) ID() txn.ID { return tx.id }

// CorrelationID returns the id that tags the transaction's log lines.
func (tx *Tx) CorrelationID() string { return tx.corr }

// Isolation returns the isolation level.
func (tx *Tx) Isolation() model.IsolationLevel { return tx.iso }

// settle marks the handle finished when the manager already ended the
// transaction, as it does for deadlock victims.
func (tx *Tx) settle(err error) error {
	if err == nil {
		return nil
	}
	if _, ierr := tx.e.txm.Info(tx.id); ierr != nil {
		tx.done = true
		tx.e.endTx(context.Background(), tx.id, model.OpAbort)
		tx.e.logger.Debug("engine: transaction ended by manager", "tx", tx.id, "correlation_id", tx.corr, "error", err)
	}
	return err
}

// Get returns the value of key as seen by the transaction.
func (tx *Tx) Get(ctx context.Context, key model.Key) (model.Value, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done {
		return model.Value{}, ErrTxDone
	}
	start := time.Now()
	cur, err := tx.e.readIn(ctx, tx.id, tx.iso, key)
	if err == nil && cur == nil {
		err = ErrKeyNotFound
	}
	err = opError("get", key, err)
	tx.e.metrics.OnRead(time.Since(start), err)
	tx.e.count(err)
	if err != nil {
		return model.Value{}, tx.settle(err)
	}
	return *cur, nil
}

// Set stores value under key.
func (tx *Tx) Set(ctx context.Context, key model.Key, value model.Value) error {
	return tx.Apply(ctx, model.Upsert(key, value))
}

// Insert creates key and fails if it exists.
func (tx *Tx) Insert(ctx context.Context, key model.Key, value model.Value) error {
	return tx.Apply(ctx, model.Insert(key, value))
}

// Update replaces the value of key and fails if it is missing.
func (tx *Tx) Update(ctx context.Context, key model.Key, value model.Value) error {
	return tx.Apply(ctx, model.Update(key, value))
}

// Delete removes key.
func (tx *Tx) Delete(ctx context.Context, key model.Key) error {
	return tx.Apply(ctx, model.Delete(key))
}

// Apply runs op inside the transaction. The children of a batch operation
// run in order and stop at the first failure; earlier children stay applied
// until the transaction is rolled back.
func (tx *Tx) Apply(ctx context.Context, op model.Operation) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done {
		return ErrTxDone
	}
	return tx.settle(tx.applyLocked(ctx, op))
}

func (tx *Tx) applyLocked(ctx context.Context, op model.Operation) error {
	if op.Kind == model.OpBatch {
		for _, child := range op.Ops {
			if err := tx.applyLocked(ctx, child); err != nil {
				return err
			}
		}
		return nil
	}
	start := time.Now()
	err := validate(op)
	if err == nil {
		err = tx.e.txWrite(ctx, tx.id, op)
	}
	err = opError(op.Kind.String(), op.Key, err)
	tx.e.observe(op.Kind, time.Since(start), err)
	return err
}

// Savepoint marks the current state under name.
func (tx *Tx) Savepoint(name string) (txn.SavepointID, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done {
		return 0, ErrTxDone
	}
	id, err := tx.e.txm.CreateSavepoint(tx.id, name, wal.LogPosition{LSN: tx.e.wal.LastLSN()})
	return id, tx.settle(err)
}

// RollbackToSavepoint undoes the writes made after the savepoint called
// name and releases the locks taken since. The transaction stays active.
func (tx *Tx) RollbackToSavepoint(ctx context.Context, name string) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done {
		return ErrTxDone
	}
	return tx.settle(tx.e.txm.RollbackToSavepoint(ctx, tx.id, name))
}

// Commit makes the transaction's writes permanent and releases its locks.
// If the commit record cannot be logged the transaction is rolled back.
func (tx *Tx) Commit(ctx context.Context) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done {
		return ErrTxDone
	}
	tx.done = true
	e := tx.e

	if err := e.txm.Prepare(tx.id); err != nil {
		e.endTx(ctx, tx.id, model.OpAbort)
		return err
	}
	if e.wrote(tx.id) {
		if _, err := e.wal.Append(context.WithoutCancel(ctx), model.Operation{Kind: model.OpCommit, TxID: uint64(tx.id)}); err != nil {
			var result *multierror.Error
			result = multierror.Append(result, err)
			if rerr := e.txm.Rollback(ctx, tx.id); rerr != nil {
				result = multierror.Append(result, rerr)
			}
			e.endTx(ctx, tx.id, model.OpAbort)
			return result.ErrorOrNil()
		}
	}
	if err := e.txm.Commit(tx.id); err != nil {
		return err
	}
	e.forget(tx.id)
	e.logger.Debug("engine: commit", "tx", tx.id, "correlation_id", tx.corr, "duration", time.Since(tx.start))
	return nil
}

// Rollback undoes the transaction's writes and releases its locks. Rolling
// back a transaction the engine already aborted succeeds.
func (tx *Tx) Rollback(ctx context.Context) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done {
		return ErrTxDone
	}
	tx.done = true

	err := tx.e.txm.Rollback(ctx, tx.id)
	if errors.Is(err, txn.ErrNotFound) {
		err = nil
	}
	tx.e.endTx(ctx, tx.id, model.OpAbort)
	tx.e.logger.Debug("engine: rollback", "tx", tx.id, "correlation_id", tx.corr, "error", err)
	return err
}

// RangeScan yields the keys in [start, end) with their values. Locks follow
// the isolation level; a serializable transaction locks each tenant it
// visits. Errors end the sequence; use Scan to observe them.
func (tx *Tx) RangeScan(ctx context.Context, start, end model.Key) iter.Seq2[model.Key, model.Value] {
	return func(yield func(model.Key, model.Value) bool) {
		_ = tx.Scan(ctx, start, end, yield)
	}
}

// Scan calls fn for every key in [start, end) until fn returns false.
func (tx *Tx) Scan(ctx context.Context, start, end model.Key, fn func(model.Key, model.Value) bool) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done {
		return ErrTxDone
	}
	return tx.settle(tx.e.scan(ctx, tx.id, tx.iso, start, end, fn))
}

// txWrite applies op under an exclusive lock and records its undo entry.
func (e *Engine) txWrite(ctx context.Context, id txn.ID, op model.Operation) error {
	if err := e.lockKey(ctx, id, op.Key, txn.Exclusive); err != nil {
		return err
	}
	rec, changed, err := e.apply(ctx, id, op, true)
	if err != nil || !changed {
		return err
	}
	if err := e.txm.RecordUndo(id, rec); err != nil {
		// The manager ended the transaction meanwhile; take the write back.
		if uerr := e.undo(context.WithoutCancel(ctx), id, rec); uerr != nil {
			return multierror.Append(err, uerr)
		}
		return err
	}
	return nil
}

// readIn reads key inside transaction id with the locking of iso.
func (e *Engine) readIn(ctx context.Context, id txn.ID, iso model.IsolationLevel, key model.Key) (*model.Value, error) {
	switch iso {
	case model.ReadUncommitted:
		return e.current(key)
	case model.ReadCommitted:
		res := txn.KeyResource(key)
		if _, held := e.txm.Holding(id, res); held {
			return e.current(key)
		}
		if err := e.lockKey(ctx, id, key, txn.Shared); err != nil {
			return nil, err
		}
		defer e.txm.ReleaseLock(id, res)
		return e.current(key)
	}
	if err := e.lockKey(ctx, id, key, txn.Shared); err != nil {
		return nil, err
	}
	return e.current(key)
}
