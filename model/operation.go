package model

import (
	"fmt"
	"time"
)

// OpKind identifies the type of an Operation.
type OpKind uint8

const (
	OpInsert OpKind = iota + 1
	OpUpdate
	OpDelete
	OpUpsert
	OpBatch
	OpCommit
	OpAbort
)

// String returns the name of the kind.
func (k OpKind) String() string {
	switch k {
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	case OpUpsert:
		return "upsert"
	case OpBatch:
		return "batch"
	case OpCommit:
		return "commit"
	case OpAbort:
		return "abort"
	default:
		return fmt.Sprintf("op(%d)", uint8(k))
	}
}

// ParseOpKind parses the name produced by OpKind.String.
func ParseOpKind(s string) (OpKind, error) {
	for k := OpInsert; k <= OpAbort; k++ {
		if k.String() == s {
			return k, nil
		}
	}
	if s == "set" || s == "put" {
		return OpUpsert, nil
	}
	return 0, fmt.Errorf("unknown operation %q", s)
}

// ConditionKind selects a precondition checked before an operation applies.
type ConditionKind uint8

const (
	CondNone ConditionKind = iota
	CondExists
	CondNotExists
	CondValueEquals
)

// Condition guards an operation. Value is only used by CondValueEquals.
type Condition struct {
	Kind  ConditionKind `json:"kind,omitempty"`
	Value *Value        `json:"value,omitempty"`
}

// Exists requires the key to be present.
func Exists() Condition { return Condition{Kind: CondExists} }

// NotExists requires the key to be absent.
func NotExists() Condition { return Condition{Kind: CondNotExists} }

// ValueEquals requires the current value to equal v.
func ValueEquals(v Value) Condition { return Condition{Kind: CondValueEquals, Value: &v} }

// Check evaluates the condition against the current state of a key.
func (c Condition) Check(current *Value) bool {
	switch c.Kind {
	case CondExists:
		return current != nil
	case CondNotExists:
		return current == nil
	case CondValueEquals:
		return current != nil && c.Value != nil && current.Equal(*c.Value)
	default:
		return true
	}
}

// Operation is a single mutation. It is the unit written to the WAL and the
// element type of batches.
//
// Prev holds the value the key had before the operation and is only set for
// writes made inside explicit transactions, where it is needed to undo them.
type Operation struct {
	Kind      OpKind      `json:"kind"`
	Key       Key         `json:"key"`
	Value     *Value      `json:"value,omitempty"`
	Condition Condition   `json:"condition,omitempty"`
	Ops       []Operation `json:"ops,omitempty"`
	TxID      uint64      `json:"tx_id,omitempty"`
	HasPrev   bool        `json:"has_prev,omitempty"`
	Prev      *Value      `json:"prev,omitempty"`
}

// Insert creates the key and fails if it exists.
func Insert(k Key, v Value) Operation {
	return Operation{Kind: OpInsert, Key: k, Value: &v, Condition: NotExists()}
}

// Update replaces the value and fails if the key is missing.
func Update(k Key, v Value) Operation {
	return Operation{Kind: OpUpdate, Key: k, Value: &v, Condition: Exists()}
}

// Upsert writes the value regardless of the current state.
func Upsert(k Key, v Value) Operation {
	return Operation{Kind: OpUpsert, Key: k, Value: &v}
}

// Delete removes the key.
func Delete(k Key) Operation {
	return Operation{Kind: OpDelete, Key: k}
}

// When returns a copy of op guarded by c.
func (op Operation) When(c Condition) Operation {
	op.Condition = c
	return op
}

// IsWrite reports whether the operation stores a value.
func (op Operation) IsWrite() bool {
	return op.Kind == OpInsert || op.Kind == OpUpdate || op.Kind == OpUpsert
}

// IsMutation reports whether the operation changes a single key.
func (op Operation) IsMutation() bool {
	return op.IsWrite() || op.Kind == OpDelete
}

// Validate checks the operation is well formed.
func (op Operation) Validate() error {
	if op.IsMutation() {
		if err := op.Key.Validate(); err != nil {
			return err
		}
	}
	switch {
	case op.IsWrite():
		if op.Value == nil {
			return fmt.Errorf("%s without value", op.Kind)
		}
		return op.Value.Validate()
	case op.Kind == OpDelete, op.Kind == OpCommit, op.Kind == OpAbort:
		return nil
	case op.Kind == OpBatch:
		for i := range op.Ops {
			if err := op.Ops[i].Validate(); err != nil {
				return fmt.Errorf("batch op %d: %w", i, err)
			}
		}
		return nil
	}
	return fmt.Errorf("unknown operation kind %d", op.Kind)
}

// Inverse returns the operation that restores the state recorded in Prev.
func (op Operation) Inverse() Operation {
	if op.Prev != nil {
		return Operation{Kind: OpUpsert, Key: op.Key, Value: op.Prev, TxID: op.TxID}
	}
	return Operation{Kind: OpDelete, Key: op.Key, TxID: op.TxID}
}

// BatchKind selects how BatchExecute isolates operations.
type BatchKind uint8

const (
	// BatchAtomic runs all operations in one transaction.
	BatchAtomic BatchKind = iota
	// BatchBestEffort runs each operation in its own transaction and continues on failure.
	BatchBestEffort
	// BatchFailFast runs each operation in its own transaction and stops at the first failure.
	BatchFailFast
	// BatchParallel runs independent transactions concurrently.
	BatchParallel
)

// BatchMode configures BatchExecute.
type BatchMode struct {
	Kind           BatchKind
	MaxConcurrency int
}

// Atomic returns the all-or-nothing batch mode.
func Atomic() BatchMode { return BatchMode{Kind: BatchAtomic} }

// BestEffort returns the independent, continue-on-error batch mode.
func BestEffort() BatchMode { return BatchMode{Kind: BatchBestEffort} }

// FailFast returns the independent, stop-on-error batch mode.
func FailFast() BatchMode { return BatchMode{Kind: BatchFailFast} }

// Parallel returns the concurrent batch mode bounded by maxConcurrency.
func Parallel(maxConcurrency int) BatchMode {
	return BatchMode{Kind: BatchParallel, MaxConcurrency: maxConcurrency}
}

// ParseBatchMode parses "atomic", "best_effort", "fail_fast", or "parallel".
func ParseBatchMode(s string, maxConcurrency int) (BatchMode, error) {
	switch s {
	case "atomic", "":
		return Atomic(), nil
	case "best_effort":
		return BestEffort(), nil
	case "fail_fast":
		return FailFast(), nil
	case "parallel":
		return Parallel(maxConcurrency), nil
	}
	return BatchMode{}, fmt.Errorf("unknown batch mode %q", s)
}

// OpResult is the outcome of one batch operation.
type OpResult struct {
	Index int
	Key   Key
	Err   error
}

// BatchResult aggregates the outcome of BatchExecute.
// Skipped operations (after a FailFast stop) have no entry.
type BatchResult struct {
	Results   []OpResult
	Succeeded int
	Failed    int
	Duration  time.Duration
}

// Err returns the first failure, or nil.
func (r BatchResult) Err() error {
	for _, res := range r.Results {
		if res.Err != nil {
			return res.Err
		}
	}
	return nil
}
