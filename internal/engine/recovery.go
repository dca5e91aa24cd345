package engine

import (
	"context"
	"maps"
	"slices"

	"github.com/hupe1980/kvgo/internal/txn"
	"github.com/hupe1980/kvgo/internal/wal"
	"github.com/hupe1980/kvgo/model"
)

// recover replays the WAL after the checkpoint LSN into storage and the
// index, then rolls back explicit transactions that have neither a commit
// nor an abort record. It returns the highest transaction id in the log.
func (e *Engine) recover(after uint64) (txn.ID, error) {
	var (
		lastTx uint64
		open   = make(map[uint64][]model.Operation)
	)
	n, err := e.wal.Replay(after, func(entry wal.Entry) error {
		op := entry.Op
		lastTx = max(lastTx, op.TxID)
		switch {
		case op.Kind == model.OpCommit || op.Kind == model.OpAbort:
			delete(open, op.TxID)
			return nil
		case !op.IsMutation():
			return nil
		}
		if op.TxID != 0 {
			open[op.TxID] = append(open[op.TxID], op)
		}
		redone, err := e.redo(op, entry.Pos.Timestamp)
		if redone {
			e.recovery.Redone++
		}
		return err
	})
	e.recovery.Replayed = n
	if err != nil {
		return 0, err
	}

	ctx := context.Background()
	for _, id := range slices.Backward(slices.Sorted(maps.Keys(open))) {
		ops := open[id]
		for _, op := range slices.Backward(ops) {
			if err := e.undo(ctx, txn.ID(id), op); err != nil {
				return 0, err
			}
		}
		e.endTx(ctx, txn.ID(id), model.OpAbort)
		e.recovery.UndoneTransactions++
		e.logger.Warn("engine: rolled back unfinished transaction", "tx", id, "ops", len(ops))
	}
	return txn.ID(lastTx), nil
}

// redo applies a replayed record unless storage already holds it or a newer
// version of its key.
func (e *Engine) redo(op model.Operation, ts model.Timestamp) (bool, error) {
	entry, ok := e.store.LookupEntry(op.Key)
	if ok && entry.Timestamp >= ts {
		return false, nil
	}
	if op.Kind == model.OpDelete && !ok {
		return false, nil
	}
	if err := e.write(op, ts); err != nil {
		return false, err
	}
	return true, nil
}
