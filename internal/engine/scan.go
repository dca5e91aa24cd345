package engine

import (
	"context"
	"iter"

	"github.com/hupe1980/kvgo/internal/txn"
	"github.com/hupe1980/kvgo/model"
)

// Entry is a key with its value.
type Entry struct {
	Key   model.Key
	Value model.Value
}

// RangeScan yields the keys in [start, end) in key order with their values.
// Each key is share-locked as it is visited and every lock is released when
// the iteration ends, so the loop body must not write the scanned keys.
// Errors end the sequence; use Scan to observe them.
func (e *Engine) RangeScan(ctx context.Context, start, end model.Key) iter.Seq2[model.Key, model.Value] {
	return func(yield func(model.Key, model.Value) bool) {
		if err := e.Scan(ctx, start, end, yield); err != nil {
			e.logger.Debug("engine: range scan ended early", "start", start, "end", end, "error", err)
		}
	}
}

// Scan calls fn for every key in [start, end) until fn returns false.
func (e *Engine) Scan(ctx context.Context, start, end model.Key, fn func(model.Key, model.Value) bool) error {
	if e.closed.Load() {
		return ErrClosed
	}
	id, err := e.txm.Begin(ctx, model.RepeatableRead)
	if err != nil {
		return err
	}
	if err := e.scan(ctx, id, model.RepeatableRead, start, end, fn); err != nil {
		_ = e.txm.Rollback(ctx, id)
		return err
	}
	return e.txm.Commit(id)
}

// Collect returns up to limit entries of [start, end). A limit of zero or
// less returns all of them.
func (e *Engine) Collect(ctx context.Context, start, end model.Key, limit int) ([]Entry, error) {
	var out []Entry
	err := e.Scan(ctx, start, end, func(k model.Key, v model.Value) bool {
		out = append(out, Entry{Key: k, Value: v})
		return limit <= 0 || len(out) < limit
	})
	return out, err
}

// scan walks the index and reads every key inside transaction id. Keys
// deleted between the index walk and the read are skipped.
func (e *Engine) scan(ctx context.Context, id txn.ID, iso model.IsolationLevel, start, end model.Key, fn func(model.Key, model.Value) bool) error {
	var tenant *string
	for key := range e.index.Range(start, end) {
		if err := ctx.Err(); err != nil {
			return err
		}
		readIso := iso
		if iso == model.Serializable {
			if tenant == nil || *tenant != key.TenantID {
				if err := e.txm.AcquireLock(ctx, id, txn.TenantResource(key.TenantID), txn.Shared); err != nil {
					return err
				}
				tenant = &key.TenantID
			}
			// The tenant lock covers every key in it.
			readIso = model.ReadUncommitted
		}
		cur, err := e.readIn(ctx, id, readIso, key)
		if err != nil {
			return opError("scan", key, err)
		}
		if cur == nil {
			continue
		}
		if !fn(key, *cur) {
			return nil
		}
	}
	return nil
}
