package kvgo

import (
	"context"
	"errors"
	"fmt"

	"github.com/hupe1980/kvgo/codec"
	"github.com/hupe1980/kvgo/internal/btree"
	"github.com/hupe1980/kvgo/internal/compress"
	"github.com/hupe1980/kvgo/internal/engine"
	"github.com/hupe1980/kvgo/internal/storage"
	"github.com/hupe1980/kvgo/internal/txn"
	"github.com/hupe1980/kvgo/internal/wal"
	"github.com/hupe1980/kvgo/model"
)

var (
	// ErrKeyNotFound is returned when a key does not exist.
	ErrKeyNotFound = engine.ErrKeyNotFound

	// ErrClosed is returned after Close or Shutdown.
	ErrClosed = engine.ErrClosed

	// ErrTxDone is returned when a transaction is used after it finished.
	ErrTxDone = engine.ErrTxDone

	// ErrLockTimeout is returned when a lock wait exceeds the lock timeout.
	ErrLockTimeout = txn.ErrLockTimeout

	// ErrDeadlockVictim is returned to the transaction aborted to break a
	// deadlock. Its writes have been rolled back.
	ErrDeadlockVictim = txn.ErrDeadlockVictim

	// ErrInvalidArgument is returned for malformed operations and options.
	ErrInvalidArgument = engine.ErrInvalidArgument
)

// Kind classifies an Error.
type Kind uint8

const (
	KindIO Kind = iota
	KindSerialization
	KindIndex
	KindKeyNotFound
	KindTransaction
	KindWAL
	KindConstraint
	KindConcurrency
	KindResourceExhausted
	KindInvalidArgument
	KindClosed
)

func (k Kind) String() string {
	switch k {
	case KindIO:
		return "io"
	case KindSerialization:
		return "serialization"
	case KindIndex:
		return "index"
	case KindKeyNotFound:
		return "key_not_found"
	case KindTransaction:
		return "transaction"
	case KindWAL:
		return "wal"
	case KindConstraint:
		return "constraint"
	case KindConcurrency:
		return "concurrency"
	case KindResourceExhausted:
		return "resource_exhausted"
	case KindInvalidArgument:
		return "invalid_argument"
	case KindClosed:
		return "closed"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Error is the error type returned by DB and Tx.
//
// The underlying error can be accessed via errors.Unwrap, so errors.Is works
// with both the exported sentinels and the internal causes.
type Error struct {
	Kind Kind
	Op   string
	Key  *model.Key
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Key != nil:
		return fmt.Sprintf("kvgo: %s %s: %v", e.Op, e.Key, e.Err)
	case e.Op != "":
		return fmt.Sprintf("kvgo: %s: %v", e.Op, e.Err)
	}
	return "kvgo: " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of err. The second result is false if err is not
// an *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// IsRetryable reports whether the operation may succeed if retried: lock
// timeouts, deadlock victims, and exhausted transaction slots.
func IsRetryable(err error) bool {
	k, ok := KindOf(err)
	if !ok {
		return errors.Is(err, txn.ErrLockTimeout) ||
			errors.Is(err, txn.ErrDeadlockVictim) ||
			errors.Is(err, txn.ErrResourceExhausted)
	}
	return k == KindConcurrency || k == KindResourceExhausted
}

// IsConstraint reports whether err is a failed write condition.
func IsConstraint(err error) bool {
	var ce *engine.ConstraintError
	return errors.As(err, &ce)
}

func translateError(op string, err error) error {
	if err == nil {
		return nil
	}
	var already *Error
	if errors.As(err, &already) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	out := &Error{Kind: kindOf(err), Op: op, Err: err}
	var oe *engine.OpError
	if errors.As(err, &oe) {
		out.Op = oe.Op
		key := oe.Key
		out.Key = &key
	}
	return out
}

func kindOf(err error) Kind {
	var (
		ce *engine.ConstraintError
		we *wal.Error
	)
	switch {
	case errors.Is(err, engine.ErrKeyNotFound):
		return KindKeyNotFound
	case errors.As(err, &ce):
		return KindConstraint
	case errors.Is(err, engine.ErrClosed),
		errors.Is(err, storage.ErrClosed),
		errors.Is(err, wal.ErrClosed):
		return KindClosed
	case errors.Is(err, engine.ErrInvalidArgument):
		return KindInvalidArgument
	case errors.Is(err, txn.ErrLockTimeout),
		errors.Is(err, txn.ErrDeadlockVictim):
		return KindConcurrency
	case errors.Is(err, txn.ErrResourceExhausted):
		return KindResourceExhausted
	case errors.Is(err, engine.ErrTxDone),
		errors.Is(err, engine.ErrBatchAborted),
		errors.Is(err, txn.ErrNotFound),
		errors.Is(err, txn.ErrNotActive),
		errors.Is(err, txn.ErrShuttingDown),
		errors.Is(err, txn.ErrSavepointNotFound):
		return KindTransaction
	case errors.As(err, &we),
		errors.Is(err, wal.ErrDegraded),
		errors.Is(err, wal.ErrInvalidCRC),
		errors.Is(err, wal.ErrShortRead),
		errors.Is(err, wal.ErrRecordTooLarge):
		return KindWAL
	case errors.Is(err, codec.ErrUnsupportedType),
		errors.Is(err, model.ErrInvalidKey),
		errors.Is(err, compress.ErrUnknownType),
		errors.Is(err, compress.ErrCorruptBlock):
		return KindSerialization
	case errors.Is(err, btree.ErrInvalid):
		return KindIndex
	}
	return KindIO
}
