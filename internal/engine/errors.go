package engine

import (
	"errors"
	"fmt"

	"github.com/hupe1980/kvgo/model"
)

var (
	// ErrClosed is returned when an operation is attempted on a closed engine.
	ErrClosed = errors.New("engine closed")

	// ErrKeyNotFound is returned when a key does not exist.
	ErrKeyNotFound = errors.New("key not found")

	// ErrTxDone is returned when a transaction handle is used after commit or rollback.
	ErrTxDone = errors.New("transaction already finished")

	// ErrBatchAborted marks the operations of an atomic batch that were rolled
	// back because another operation failed.
	ErrBatchAborted = errors.New("batch rolled back")

	// ErrInvalidArgument is returned for malformed operations.
	ErrInvalidArgument = errors.New("invalid argument")
)

// ConstraintError is returned when an operation's condition does not hold.
type ConstraintError struct {
	Op     model.OpKind
	Key    model.Key
	Reason string
}

func (e *ConstraintError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Op, e.Key, e.Reason)
}

// OpError adds the operation and key to an error.
type OpError struct {
	Op  string
	Key model.Key
	Err error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Key, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

func opError(op string, key model.Key, err error) error {
	if err == nil {
		return nil
	}
	var oe *OpError
	if errors.As(err, &oe) {
		return err
	}
	return &OpError{Op: op, Key: key, Err: err}
}
