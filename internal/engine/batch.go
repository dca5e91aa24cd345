package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/kvgo/model"
)

// BatchExecute runs ops under mode.
//
//   - Atomic runs every op in one transaction; the first failure rolls all
//     of them back, and the others report ErrBatchAborted.
//   - BestEffort runs each op in its own transaction and continues on failure.
//   - FailFast runs each op in its own transaction and stops at the first
//     failure; skipped ops have no result.
//   - Parallel runs independent transactions concurrently, at most
//     MaxConcurrency at a time (GOMAXPROCS when not positive).
func (e *Engine) BatchExecute(ctx context.Context, ops []model.Operation, mode model.BatchMode) model.BatchResult {
	start := time.Now()
	var res model.BatchResult
	switch mode.Kind {
	case model.BatchAtomic:
		res = e.batchAtomic(ctx, ops)
	case model.BatchBestEffort:
		res = e.batchSequential(ctx, ops, false)
	case model.BatchFailFast:
		res = e.batchSequential(ctx, ops, true)
	case model.BatchParallel:
		res = e.batchParallel(ctx, ops, mode.MaxConcurrency)
	default:
		res = failAll(ops, -1, fmt.Errorf("%w: batch mode %d", ErrInvalidArgument, mode.Kind))
	}
	res.Duration = time.Since(start)
	e.logger.Debug("engine: batch",
		"ops", len(ops),
		"succeeded", res.Succeeded,
		"failed", res.Failed,
		"duration", res.Duration)
	return res
}

// failAll reports err for ops[failed] and ErrBatchAborted for the others.
// A negative index reports err for every op.
func failAll(ops []model.Operation, failed int, err error) model.BatchResult {
	results := make([]model.OpResult, len(ops))
	for i, op := range ops {
		results[i] = model.OpResult{Index: i, Key: op.Key, Err: ErrBatchAborted}
		if failed < 0 || i == failed {
			results[i].Err = err
		}
	}
	return model.BatchResult{Results: results, Failed: len(ops)}
}

func (e *Engine) batchAtomic(ctx context.Context, ops []model.Operation) model.BatchResult {
	if len(ops) == 0 {
		return model.BatchResult{}
	}
	tx, err := e.Begin(ctx, model.RepeatableRead)
	if err != nil {
		return failAll(ops, -1, err)
	}
	for i, op := range ops {
		if err := tx.Apply(ctx, op); err != nil {
			if rerr := tx.Rollback(ctx); rerr != nil && !errors.Is(rerr, ErrTxDone) {
				e.logger.Error("engine: batch rollback failed", "tx", tx.ID(), "error", rerr)
			}
			return failAll(ops, i, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return failAll(ops, -1, err)
	}
	results := make([]model.OpResult, len(ops))
	for i, op := range ops {
		results[i] = model.OpResult{Index: i, Key: op.Key}
	}
	return model.BatchResult{Results: results, Succeeded: len(ops)}
}

func (e *Engine) batchSequential(ctx context.Context, ops []model.Operation, failFast bool) model.BatchResult {
	var res model.BatchResult
	for i, op := range ops {
		err := e.Apply(ctx, op)
		res.Results = append(res.Results, model.OpResult{Index: i, Key: op.Key, Err: err})
		if err != nil {
			res.Failed++
			if failFast {
				break
			}
			continue
		}
		res.Succeeded++
	}
	return res
}

func (e *Engine) batchParallel(ctx context.Context, ops []model.Operation, limit int) model.BatchResult {
	if limit <= 0 {
		limit = runtime.GOMAXPROCS(0)
	}
	results := make([]model.OpResult, len(ops))
	var g errgroup.Group
	g.SetLimit(limit)
	for i, op := range ops {
		g.Go(func() error {
			results[i] = model.OpResult{Index: i, Key: op.Key, Err: e.Apply(ctx, op)}
			return nil
		})
	}
	_ = g.Wait()

	res := model.BatchResult{Results: results}
	for _, r := range results {
		if r.Err != nil {
			res.Failed++
		} else {
			res.Succeeded++
		}
	}
	return res
}
