package txn

import (
	"fmt"

	"github.com/hupe1980/kvgo/model"
)

// LockType is a lock mode of the multi-granularity hierarchy.
type LockType uint8

const (
	IntentShared LockType = iota + 1
	IntentExclusive
	Shared
	Exclusive
)

// String returns the conventional abbreviation.
func (l LockType) String() string {
	switch l {
	case IntentShared:
		return "IS"
	case IntentExclusive:
		return "IX"
	case Shared:
		return "S"
	case Exclusive:
		return "X"
	default:
		return fmt.Sprintf("lock(%d)", uint8(l))
	}
}

// Compatible reports whether two transactions may hold l and other on the
// same resource at the same time.
func (l LockType) Compatible(other LockType) bool {
	switch l {
	case IntentShared:
		return other != Exclusive
	case IntentExclusive:
		return other == IntentShared || other == IntentExclusive
	case Shared:
		return other == IntentShared || other == Shared
	default:
		return false
	}
}

// Covers reports whether holding l already grants other.
func (l LockType) Covers(other LockType) bool {
	switch l {
	case Exclusive:
		return true
	case Shared, IntentExclusive:
		return other == l || other == IntentShared
	default:
		return other == l
	}
}

// upgrade returns the mode a holder of held ends up with when requesting
// want. S and IX combine into X.
func upgrade(held, want LockType) LockType {
	switch {
	case held.Covers(want):
		return held
	case (held == Shared && want == IntentExclusive) || (held == IntentExclusive && want == Shared):
		return Exclusive
	default:
		return want
	}
}

// Resource names a lockable object.
type Resource string

// KeyResource returns the resource of a single key.
func KeyResource(k model.Key) Resource { return Resource(k.Ident()) }

// TenantResource returns the resource covering every key of a tenant.
// Intent locks are taken here before locking keys.
func TenantResource(tenant string) Resource { return Resource("tenant:" + tenant) }

type lockEntry struct {
	holders map[ID]LockType
	// notify is closed and replaced whenever the holder set shrinks or
	// weakens, waking every waiter to retry.
	notify chan struct{}
}

func newLockEntry() *lockEntry {
	return &lockEntry{holders: make(map[ID]LockType, 1), notify: make(chan struct{})}
}

// blockers returns the holders other than id that conflict with mode.
func (e *lockEntry) blockers(id ID, mode LockType) []ID {
	var out []ID
	for h, held := range e.holders {
		if h != id && !held.Compatible(mode) {
			out = append(out, h)
		}
	}
	return out
}
