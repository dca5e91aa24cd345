package txn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/semaphore"

	"github.com/hupe1980/kvgo/internal/wal"
	"github.com/hupe1980/kvgo/model"
)

var (
	// ErrNotFound is returned for an unknown or finished transaction.
	ErrNotFound = errors.New("txn: transaction not found")
	// ErrNotActive is returned when a transaction can no longer run operations.
	ErrNotActive = errors.New("txn: transaction not active")
	// ErrDeadlockVictim is returned to the transaction aborted to break a deadlock.
	ErrDeadlockVictim = errors.New("txn: aborted as deadlock victim")
	// ErrLockTimeout is returned when a lock was not granted within LockTimeout.
	ErrLockTimeout = errors.New("txn: lock wait timeout")
	// ErrResourceExhausted is returned by Begin at MaxConcurrent transactions.
	ErrResourceExhausted = errors.New("txn: too many concurrent transactions")
	// ErrShuttingDown is returned by Begin after Shutdown started.
	ErrShuttingDown = errors.New("txn: manager shutting down")
	// ErrSavepointNotFound is returned for an unknown savepoint name.
	ErrSavepointNotFound = errors.New("txn: savepoint not found")
)

// LockError describes a failed lock acquisition.
type LockError struct {
	Tx       ID
	Resource Resource
	Mode     LockType
	Err      error
}

func (e *LockError) Error() string {
	return fmt.Sprintf("txn %d: lock %s on %q: %v", e.Tx, e.Mode, string(e.Resource), e.Err)
}

func (e *LockError) Unwrap() error { return e.Err }

// ID identifies a transaction. IDs increase with start order.
type ID uint64

// State is the lifecycle state of a transaction.
type State uint8

const (
	Active State = iota
	Committed
	RolledBack
	// Aborted marks a deadlock victim or a transaction force-aborted by
	// Shutdown. It is reported as rolled back.
	Aborted
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Committed:
		return "committed"
	case RolledBack:
		return "rolled_back"
	case Aborted:
		return "aborted"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// UndoFunc applies a compensating operation on behalf of tx. It runs while
// tx still holds its locks.
type UndoFunc func(ctx context.Context, tx ID, op model.Operation) error

// Options configures a Manager.
type Options struct {
	// MaxConcurrent bounds the number of active transactions.
	MaxConcurrent int
	// LockTimeout bounds a single lock wait. Zero waits until the context ends.
	LockTimeout time.Duration
	// DeadlockCheckInterval is the period of the background cycle scan.
	// Zero disables the scan; cycles are still found when a wait begins.
	DeadlockCheckInterval time.Duration
	Undo                  UndoFunc
	// OnDeadlock is called with the victim after a cycle is broken.
	OnDeadlock func(victim ID)
	// OnLockWait is called with the time spent waiting for a granted lock.
	OnLockWait func(d time.Duration)
	// StartID is the id after which new transaction ids are handed out.
	StartID ID
	Clock   *model.Clock
	Logger  *slog.Logger
}

// DefaultOptions returns the default manager options.
func DefaultOptions() Options {
	return Options{
		MaxConcurrent:         1000,
		LockTimeout:           5 * time.Second,
		DeadlockCheckInterval: time.Second,
	}
}

// Stats is a point-in-time view of the manager counters.
type Stats struct {
	Active       int
	Committed    uint64
	RolledBack   uint64
	Aborted      uint64
	Deadlocks    uint64
	LockWaits    uint64
	LockTimeouts uint64
}

// Info describes an active transaction.
type Info struct {
	ID        ID
	Isolation model.IsolationLevel
	State     State
	Start     model.Timestamp
	Locks     int
}

type savepoint struct {
	id      SavepointID
	name    string
	pos     wal.LogPosition
	undoLen int
	locks   map[Resource]LockType
}

type tx struct {
	id    ID
	iso   model.IsolationLevel
	start model.Timestamp
	state State
	// finishing is set once rollback or commit took ownership of the end of
	// the transaction.
	finishing bool
	// prepared is set by Prepare; only Commit or Rollback may follow.
	prepared bool

	locks      map[Resource]LockType
	undo       []model.Operation
	savepoints []savepoint
	abortCh    chan struct{}
}

// Manager coordinates transactions and their locks.
type Manager struct {
	opts   Options
	clock  *model.Clock
	logger *slog.Logger
	sem    *semaphore.Weighted

	mu       sync.Mutex
	nextID   ID
	nextSP   SavepointID
	txs      map[ID]*tx
	locks    map[Resource]*lockEntry
	waitsFor map[ID][]ID
	shutting bool
	active   sync.WaitGroup

	stats Stats

	closeCh   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewManager creates a manager and starts its deadlock detector.
func NewManager(opts Options) *Manager {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultOptions().MaxConcurrent
	}
	if opts.Clock == nil {
		opts.Clock = &model.Clock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	m := &Manager{
		opts:     opts,
		clock:    opts.Clock,
		logger:   opts.Logger,
		sem:      semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		txs:      make(map[ID]*tx),
		locks:    make(map[Resource]*lockEntry),
		waitsFor: make(map[ID][]ID),
		closeCh:  make(chan struct{}),
		nextID:   opts.StartID,
	}
	if opts.DeadlockCheckInterval > 0 {
		m.wg.Add(1)
		go m.runDetector()
	}
	return m
}

// Begin starts a transaction.
func (m *Manager) Begin(ctx context.Context, iso model.IsolationLevel) (ID, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.shutting {
		return 0, ErrShuttingDown
	}
	if !m.sem.TryAcquire(1) {
		return 0, ErrResourceExhausted
	}
	m.nextID++
	t := &tx{
		id:      m.nextID,
		iso:     iso,
		start:   m.clock.Next(),
		locks:   make(map[Resource]LockType),
		abortCh: make(chan struct{}),
	}
	m.txs[t.id] = t
	m.stats.Active++
	m.active.Add(1)
	return t.id, nil
}

// Info returns a description of an active transaction.
func (m *Manager) Info(id ID) (Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.txs[id]
	if !ok {
		return Info{}, ErrNotFound
	}
	return Info{ID: t.id, Isolation: t.iso, State: t.state, Start: t.start, Locks: len(t.locks)}, nil
}

// Isolation returns the isolation level of id.
func (m *Manager) Isolation(id ID) (model.IsolationLevel, error) {
	info, err := m.Info(id)
	return info.Isolation, err
}

func (m *Manager) runnableLocked(id ID) (*tx, error) {
	t, ok := m.txs[id]
	if !ok {
		return nil, ErrNotFound
	}
	switch {
	case t.state == Aborted:
		return t, ErrDeadlockVictim
	case t.state != Active || t.finishing:
		return t, ErrNotActive
	}
	return t, nil
}

// AcquireLock grants mode on res to id, waiting while conflicting holders
// exist. Requests covered by a lock already held return at once; stronger
// requests upgrade the held lock in place.
//
// A wait ends when the lock is granted, the transaction is chosen as a
// deadlock victim, LockTimeout expires, or ctx is done. A victim is rolled
// back before ErrDeadlockVictim is returned.
func (m *Manager) AcquireLock(ctx context.Context, id ID, res Resource, mode LockType) error {
	var (
		timer     *time.Timer
		timeout   <-chan time.Time
		waitStart time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	m.mu.Lock()
	for {
		t, err := m.runnableLocked(id)
		if err != nil {
			m.mu.Unlock()
			if errors.Is(err, ErrDeadlockVictim) {
				_ = m.finishVictim(ctx, t)
			}
			return &LockError{Tx: id, Resource: res, Mode: mode, Err: err}
		}

		e, ok := m.locks[res]
		if !ok {
			e = newLockEntry()
			m.locks[res] = e
		}
		held, holds := e.holders[id]
		target := mode
		if holds {
			target = upgrade(held, mode)
		}
		blockers := e.blockers(id, target)
		if len(blockers) == 0 {
			if !holds || held != target {
				e.holders[id] = target
				t.locks[res] = target
			}
			delete(m.waitsFor, id)
			m.mu.Unlock()
			if !waitStart.IsZero() && m.opts.OnLockWait != nil {
				m.opts.OnLockWait(time.Since(waitStart))
			}
			return nil
		}

		m.waitsFor[id] = blockers
		if waitStart.IsZero() {
			waitStart = time.Now()
			m.stats.LockWaits++
			if m.opts.LockTimeout > 0 {
				timer = time.NewTimer(m.opts.LockTimeout)
				timeout = timer.C
			}
		}
		if cycle := m.findCycle(id); cycle != nil {
			victim := m.chooseVictim(cycle)
			m.abortLocked(victim, "deadlock")
			if victim.id == id {
				continue
			}
		}

		notify, abort := e.notify, t.abortCh
		m.mu.Unlock()

		select {
		case <-notify:
		case <-abort:
		case <-timeout:
			m.mu.Lock()
			delete(m.waitsFor, id)
			m.stats.LockTimeouts++
			m.mu.Unlock()
			return &LockError{Tx: id, Resource: res, Mode: mode, Err: ErrLockTimeout}
		case <-ctx.Done():
			m.mu.Lock()
			delete(m.waitsFor, id)
			m.mu.Unlock()
			return &LockError{Tx: id, Resource: res, Mode: mode, Err: ctx.Err()}
		}
		m.mu.Lock()
	}
}

// Holding returns the mode id holds on res.
func (m *Manager) Holding(id ID, res Resource) (LockType, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.txs[id]
	if !ok {
		return 0, false
	}
	mode, ok := t.locks[res]
	return mode, ok
}

// ReleaseLock drops the lock id holds on res before the transaction ends.
// It is meant for short shared locks; releasing a write lock early breaks
// two-phase locking.
func (m *Manager) ReleaseLock(id ID, res Resource) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.txs[id]; ok {
		m.releaseLocked(t, res)
	}
}

func (m *Manager) releaseLocked(t *tx, res Resource) {
	if _, ok := t.locks[res]; !ok {
		return
	}
	delete(t.locks, res)
	e := m.locks[res]
	delete(e.holders, t.id)
	close(e.notify)
	if len(e.holders) == 0 {
		delete(m.locks, res)
	} else {
		e.notify = make(chan struct{})
	}
}

func (m *Manager) setModeLocked(t *tx, res Resource, mode LockType) {
	t.locks[res] = mode
	e := m.locks[res]
	e.holders[t.id] = mode
	close(e.notify)
	e.notify = make(chan struct{})
}

func (m *Manager) releaseAllLocked(t *tx) {
	for res := range t.locks {
		m.releaseLocked(t, res)
	}
	delete(m.waitsFor, t.id)
}

// RecordUndo appends a compensating operation to the undo log of id.
func (m *Manager) RecordUndo(id ID, op model.Operation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.runnableLocked(id)
	if err != nil {
		return err
	}
	t.undo = append(t.undo, op)
	return nil
}

// endableLocked returns t if it may be committed or rolled back: it is
// runnable, or it was prepared.
func (m *Manager) endableLocked(id ID) (*tx, error) {
	t, ok := m.txs[id]
	if ok && t.prepared && t.state == Active {
		return t, nil
	}
	return m.runnableLocked(id)
}

// Prepare announces that id is about to commit. A prepared transaction
// keeps its locks, is never chosen as a deadlock victim, and accepts only
// Commit or Rollback.
func (m *Manager) Prepare(id ID) error {
	m.mu.Lock()
	t, err := m.runnableLocked(id)
	if err != nil {
		m.mu.Unlock()
		if errors.Is(err, ErrDeadlockVictim) {
			_ = m.finishVictim(context.Background(), t)
		}
		return err
	}
	t.finishing = true
	t.prepared = true
	m.mu.Unlock()
	return nil
}

// Commit ends id successfully and releases its locks. A transaction that was
// aborted meanwhile is rolled back instead and ErrDeadlockVictim returned.
func (m *Manager) Commit(id ID) error {
	m.mu.Lock()
	t, err := m.endableLocked(id)
	if err != nil {
		m.mu.Unlock()
		if errors.Is(err, ErrDeadlockVictim) {
			_ = m.finishVictim(context.Background(), t)
		}
		return err
	}
	m.releaseAllLocked(t)
	m.finishLocked(t, Committed)
	m.mu.Unlock()
	return nil
}

// Rollback undoes id and releases its locks. An aborted transaction that
// was not rolled back yet is rolled back now without error.
func (m *Manager) Rollback(ctx context.Context, id ID) error {
	m.mu.Lock()
	t, err := m.endableLocked(id)
	if err != nil {
		m.mu.Unlock()
		if errors.Is(err, ErrDeadlockVictim) {
			return m.finishVictim(ctx, t)
		}
		return err
	}
	t.finishing = true
	m.mu.Unlock()

	return m.rollback(ctx, t, RolledBack)
}

// rollback replays the undo log of t, then releases its locks. The caller
// owns t through the finishing flag.
func (m *Manager) rollback(ctx context.Context, t *tx, final State) error {
	undoErr := m.applyUndo(context.WithoutCancel(ctx), t, t.undo)

	m.mu.Lock()
	m.releaseAllLocked(t)
	m.finishLocked(t, final)
	m.mu.Unlock()
	return undoErr
}

func (m *Manager) applyUndo(ctx context.Context, t *tx, ops []model.Operation) error {
	if m.opts.Undo == nil {
		return nil
	}
	var result *multierror.Error
	for i := len(ops) - 1; i >= 0; i-- {
		if err := m.opts.Undo(ctx, t.id, ops[i]); err != nil {
			result = multierror.Append(result, fmt.Errorf("undo %s %s: %w", ops[i].Kind, ops[i].Key, err))
		}
	}
	return result.ErrorOrNil()
}

// finishVictim rolls back an aborted transaction once. Later calls return nil.
func (m *Manager) finishVictim(ctx context.Context, t *tx) error {
	m.mu.Lock()
	if t.finishing {
		m.mu.Unlock()
		return nil
	}
	t.finishing = true
	m.mu.Unlock()

	if err := m.rollback(ctx, t, Aborted); err != nil {
		m.logger.Error("txn: rollback of aborted transaction failed", "tx", t.id, "error", err)
		return err
	}
	return nil
}

func (m *Manager) finishLocked(t *tx, final State) {
	t.state = final
	delete(m.txs, t.id)
	m.stats.Active--
	switch final {
	case Committed:
		m.stats.Committed++
	case RolledBack:
		m.stats.RolledBack++
	case Aborted:
		m.stats.Aborted++
	}
	m.sem.Release(1)
	m.active.Done()
}

// abortLocked marks t as aborted and wakes it. The transaction's own
// goroutine, or the next call on it, performs the rollback.
func (m *Manager) abortLocked(t *tx, reason string) {
	if t.state != Active || t.finishing {
		return
	}
	t.state = Aborted
	close(t.abortCh)
	delete(m.waitsFor, t.id)
	if reason == "deadlock" {
		m.stats.Deadlocks++
		m.logger.Warn("txn: aborting deadlock victim", "tx", t.id, "start", t.start)
		if m.opts.OnDeadlock != nil {
			m.opts.OnDeadlock(t.id)
		}
	}
}

// Stats returns the manager counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// Shutdown refuses new transactions, waits up to timeout for active ones to
// finish, then rolls back the rest and stops the detector.
func (m *Manager) Shutdown(timeout time.Duration) error {
	m.mu.Lock()
	m.shutting = true
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.active.Wait()
		close(done)
	}()

	var result *multierror.Error
	select {
	case <-done:
	case <-time.After(timeout):
		m.mu.Lock()
		var owned []*tx
		for t := range maps.Values(m.txs) {
			if t.finishing {
				continue
			}
			m.abortLocked(t, "shutdown")
			t.finishing = true
			owned = append(owned, t)
		}
		m.mu.Unlock()

		if len(owned) > 0 {
			m.logger.Warn("txn: force-aborting transactions at shutdown", "count", len(owned))
		}
		for _, t := range owned {
			if err := m.rollback(context.Background(), t, Aborted); err != nil {
				result = multierror.Append(result, err)
			}
		}
		<-done
	}

	m.closeOnce.Do(func() { close(m.closeCh) })
	m.wg.Wait()
	return result.ErrorOrNil()
}
