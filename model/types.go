package model

import (
	"fmt"
	"sync/atomic"
	"time"
)

// SegmentID is the unique identifier of a storage segment file.
// It is the xid string the file is named after.
type SegmentID string

// ValueLocation identifies the physical bytes of a stored record.
type ValueLocation struct {
	SegmentID SegmentID
	Offset    uint64
	Size      uint32
}

// IsZero reports whether the location is unset.
func (l ValueLocation) IsZero() bool {
	return l.SegmentID == "" && l.Offset == 0 && l.Size == 0
}

// String returns a string representation of the ValueLocation.
func (l ValueLocation) String() string {
	return fmt.Sprintf("Loc(%s:%d+%d)", l.SegmentID, l.Offset, l.Size)
}

// Timestamp packs unix seconds in the upper 32 bits and nanoseconds in the lower 32.
type Timestamp uint64

// FromTime converts t to a Timestamp.
func FromTime(t time.Time) Timestamp {
	return Timestamp(uint64(t.Unix())<<32 | uint64(t.Nanosecond()))
}

// Now returns the current wall-clock time as a Timestamp.
func Now() Timestamp {
	return FromTime(time.Now())
}

// Time converts the timestamp back to a time.Time.
func (ts Timestamp) Time() time.Time {
	return time.Unix(int64(ts>>32), int64(ts&0xFFFFFFFF))
}

// Clock hands out strictly increasing timestamps even when the wall clock
// stalls or moves backwards.
type Clock struct {
	last atomic.Uint64
}

// Next returns a timestamp greater than any previously returned or observed one.
func (c *Clock) Next() Timestamp {
	for {
		last := c.last.Load()
		next := uint64(Now())
		if next <= last {
			next = last + 1
		}
		if c.last.CompareAndSwap(last, next) {
			return Timestamp(next)
		}
	}
}

// Observe advances the clock past ts. Used during recovery.
func (c *Clock) Observe(ts Timestamp) {
	for {
		last := c.last.Load()
		if uint64(ts) <= last {
			return
		}
		if c.last.CompareAndSwap(last, uint64(ts)) {
			return
		}
	}
}

// IsolationLevel controls how a transaction shares locks with others.
type IsolationLevel uint8

const (
	// ReadUncommitted reads without taking shared locks.
	ReadUncommitted IsolationLevel = iota
	// ReadCommitted takes short shared locks released right after each read.
	ReadCommitted
	// RepeatableRead holds shared locks until the transaction ends.
	RepeatableRead
	// Serializable additionally locks whole tenants for range scans.
	Serializable
)

// String returns the name of the isolation level.
func (l IsolationLevel) String() string {
	switch l {
	case ReadUncommitted:
		return "read_uncommitted"
	case ReadCommitted:
		return "read_committed"
	case RepeatableRead:
		return "repeatable_read"
	case Serializable:
		return "serializable"
	default:
		return fmt.Sprintf("isolation(%d)", uint8(l))
	}
}

// ParseIsolationLevel parses the name produced by IsolationLevel.String.
func ParseIsolationLevel(s string) (IsolationLevel, error) {
	switch s {
	case "read_uncommitted":
		return ReadUncommitted, nil
	case "read_committed":
		return ReadCommitted, nil
	case "repeatable_read", "":
		return RepeatableRead, nil
	case "serializable":
		return Serializable, nil
	}
	return 0, fmt.Errorf("unknown isolation level %q", s)
}
