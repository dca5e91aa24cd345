package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hupe1980/kvgo/internal/storage"
	"github.com/hupe1980/kvgo/internal/txn"
	"github.com/hupe1980/kvgo/model"
)

// Get returns the value of key.
func (e *Engine) Get(ctx context.Context, key model.Key) (model.Value, error) {
	start := time.Now()
	var cur *model.Value
	err := e.autocommit(ctx, key, txn.Shared, func(txn.ID) error {
		var err error
		cur, err = e.current(key)
		return err
	})
	if err == nil && cur == nil {
		err = ErrKeyNotFound
	}
	err = opError("get", key, err)
	e.metrics.OnRead(time.Since(start), err)
	e.count(err)
	if err != nil {
		return model.Value{}, err
	}
	return *cur, nil
}

// Set stores value under key, creating or replacing it.
func (e *Engine) Set(ctx context.Context, key model.Key, value model.Value) error {
	return e.Apply(ctx, model.Upsert(key, value))
}

// Upsert is an alias of Set.
func (e *Engine) Upsert(ctx context.Context, key model.Key, value model.Value) error {
	return e.Apply(ctx, model.Upsert(key, value))
}

// Insert creates key and fails with a ConstraintError if it exists.
func (e *Engine) Insert(ctx context.Context, key model.Key, value model.Value) error {
	return e.Apply(ctx, model.Insert(key, value))
}

// Update replaces the value of key and fails with ErrKeyNotFound if it is
// missing.
func (e *Engine) Update(ctx context.Context, key model.Key, value model.Value) error {
	return e.Apply(ctx, model.Update(key, value))
}

// Delete removes key. Deleting a missing key succeeds without writing.
func (e *Engine) Delete(ctx context.Context, key model.Key) error {
	return e.Apply(ctx, model.Delete(key))
}

// Apply runs a single operation in its own transaction. A batch operation
// runs its children atomically.
func (e *Engine) Apply(ctx context.Context, op model.Operation) error {
	if op.Kind == model.OpBatch {
		return e.BatchExecute(ctx, op.Ops, model.Atomic()).Err()
	}
	start := time.Now()
	err := validate(op)
	if err == nil {
		err = e.autocommit(ctx, op.Key, txn.Exclusive, func(id txn.ID) error {
			_, _, err := e.apply(ctx, id, op, false)
			return err
		})
	}
	err = opError(op.Kind.String(), op.Key, err)
	e.observe(op.Kind, time.Since(start), err)
	return err
}

func validate(op model.Operation) error {
	if !op.IsMutation() {
		return fmt.Errorf("%w: %s is not a key mutation", ErrInvalidArgument, op.Kind)
	}
	if err := op.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}
	return nil
}

func (e *Engine) observe(kind model.OpKind, d time.Duration, err error) {
	if kind == model.OpDelete {
		e.metrics.OnDelete(d, err)
	} else {
		e.metrics.OnWrite(d, err)
	}
	e.count(err)
}

// count feeds the error rate. Missing keys and failed conditions are
// answers, not failures.
func (e *Engine) count(err error) {
	e.ops.Add(1)
	var ce *ConstraintError
	if err != nil && !errors.Is(err, ErrKeyNotFound) && !errors.As(err, &ce) {
		e.errs.Add(1)
	}
}

// autocommit runs fn in a short transaction holding mode on key.
func (e *Engine) autocommit(ctx context.Context, key model.Key, mode txn.LockType, fn func(txn.ID) error) error {
	if e.closed.Load() {
		return ErrClosed
	}
	id, err := e.txm.Begin(ctx, model.ReadCommitted)
	if err != nil {
		return err
	}
	if err := e.lockKey(ctx, id, key, mode); err != nil {
		_ = e.txm.Rollback(ctx, id)
		return err
	}
	if err := fn(id); err != nil {
		_ = e.txm.Rollback(ctx, id)
		return err
	}
	return e.txm.Commit(id)
}

// lockKey takes the intention lock on the key's tenant and mode on the key.
func (e *Engine) lockKey(ctx context.Context, id txn.ID, key model.Key, mode txn.LockType) error {
	intent := txn.IntentShared
	if mode == txn.Exclusive {
		intent = txn.IntentExclusive
	}
	if err := e.txm.AcquireLock(ctx, id, txn.TenantResource(key.TenantID), intent); err != nil {
		return err
	}
	return e.txm.AcquireLock(ctx, id, txn.KeyResource(key), mode)
}

// current returns the value of key, or nil if it does not exist.
func (e *Engine) current(key model.Key) (*model.Value, error) {
	loc, ok := e.index.Lookup(key)
	if !ok {
		return nil, nil
	}
	v, err := e.store.Read(loc)
	if errors.Is(err, storage.ErrSegmentGone) {
		// Compacted after the lookup; storage already knows the new place.
		v, err = e.store.Get(key)
	}
	switch {
	case err == nil:
		return &v, nil
	case errors.Is(err, storage.ErrNotFound):
		return nil, nil
	}
	return nil, err
}

func checkCondition(op model.Operation, cur *model.Value) error {
	if op.Condition.Check(cur) {
		return nil
	}
	switch op.Condition.Kind {
	case model.CondExists:
		return ErrKeyNotFound
	case model.CondNotExists:
		return &ConstraintError{Op: op.Kind, Key: op.Key, Reason: "key exists"}
	}
	return &ConstraintError{Op: op.Kind, Key: op.Key, Reason: "value mismatch"}
}

// apply checks op against the current value of its key, logs it, and
// applies it to storage and the index. The caller holds an exclusive lock on
// the key. Records of explicit transactions carry the previous value.
//
// It returns the logged record and whether anything was written; deleting
// a missing key writes nothing.
func (e *Engine) apply(ctx context.Context, id txn.ID, op model.Operation, explicit bool) (model.Operation, bool, error) {
	cur, err := e.current(op.Key)
	if err != nil {
		return op, false, err
	}
	if err := checkCondition(op, cur); err != nil {
		return op, false, err
	}
	if op.Kind == model.OpDelete && cur == nil {
		return op, false, nil
	}

	rec := model.Operation{Kind: op.Kind, Key: op.Key, Value: op.Value}
	if explicit {
		rec.TxID = uint64(id)
		rec.HasPrev = true
		rec.Prev = cur
	}

	e.applyMu.RLock()
	defer e.applyMu.RUnlock()

	pos, err := e.wal.Append(ctx, rec)
	if err != nil {
		return rec, false, err
	}
	if explicit {
		e.noteWrite(id, pos.LSN)
	}
	if err := e.write(rec, pos.Timestamp); err != nil {
		e.compensate(rec, cur)
		return rec, false, err
	}
	return rec, true, nil
}

// write applies a logged record to storage and the index.
func (e *Engine) write(rec model.Operation, ts model.Timestamp) error {
	if rec.Kind == model.OpDelete {
		if err := e.store.Delete(rec.Key, ts); err != nil {
			return err
		}
		e.index.Delete(rec.Key)
		return nil
	}
	loc, err := e.store.Write(rec.Key, *rec.Value, ts)
	if err != nil {
		return err
	}
	e.index.Insert(rec.Key, loc)
	return nil
}

// compensate logs the inverse of a record that storage rejected, so replay
// ends with the key unchanged.
func (e *Engine) compensate(rec model.Operation, prev *model.Value) {
	inv := model.Operation{Kind: model.OpDelete, Key: rec.Key, TxID: rec.TxID}
	if prev != nil {
		inv = model.Operation{Kind: model.OpUpsert, Key: rec.Key, Value: prev, TxID: rec.TxID}
	}
	if rec.HasPrev {
		inv.HasPrev = true
		inv.Prev = rec.Value
	}
	if _, err := e.wal.Append(context.Background(), inv); err != nil {
		e.degraded.Store(true)
		e.logger.Error("engine: compensation record failed, replay may resurrect a write",
			"key", rec.Key, "error", err)
	}
}

func (e *Engine) noteWrite(id txn.ID, lsn uint64) {
	e.txMu.Lock()
	if _, ok := e.txFirst[id]; !ok {
		e.txFirst[id] = lsn
	}
	e.txMu.Unlock()
}

// wrote reports whether id logged any record.
func (e *Engine) wrote(id txn.ID) bool {
	e.txMu.Lock()
	defer e.txMu.Unlock()
	_, ok := e.txFirst[id]
	return ok
}

// oldestOpenLSN returns the first LSN of the oldest open transaction.
func (e *Engine) oldestOpenLSN() (uint64, bool) {
	e.txMu.Lock()
	defer e.txMu.Unlock()
	var (
		oldest uint64
		found  bool
	)
	for _, lsn := range e.txFirst {
		if !found || lsn < oldest {
			oldest, found = lsn, true
		}
	}
	return oldest, found
}

// endTx logs the end marker of id if it wrote anything and forgets it.
func (e *Engine) endTx(ctx context.Context, id txn.ID, kind model.OpKind) {
	if !e.wrote(id) {
		return
	}
	if _, err := e.wal.Append(context.WithoutCancel(ctx), model.Operation{Kind: kind, TxID: uint64(id)}); err != nil {
		e.logger.Error("engine: transaction end record failed", "tx", id, "kind", kind, "error", err)
	}
	e.forget(id)
}

func (e *Engine) forget(id txn.ID) {
	e.txMu.Lock()
	delete(e.txFirst, id)
	e.txMu.Unlock()
}

// undo restores the state recorded in a logged record. It runs while the
// transaction still holds its locks.
func (e *Engine) undo(ctx context.Context, id txn.ID, rec model.Operation) error {
	_, _, err := e.apply(ctx, id, rec.Inverse(), true)
	return err
}
