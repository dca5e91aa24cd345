package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-multierror"

	"github.com/hupe1980/kvgo/internal/btree"
	"github.com/hupe1980/kvgo/internal/fs"
	"github.com/hupe1980/kvgo/internal/resource"
	"github.com/hupe1980/kvgo/internal/storage"
	"github.com/hupe1980/kvgo/internal/txn"
	"github.com/hupe1980/kvgo/internal/wal"
	"github.com/hupe1980/kvgo/model"
)

const (
	walDir  = "wal"
	dataDir = "data"
)

// RecoveryReport describes what Open had to do to bring the engine back to
// a consistent state.
type RecoveryReport struct {
	Storage storage.RecoveryReport
	// IndexFromSnapshot is true when the B-Tree was loaded from the snapshot
	// written by the last clean shutdown instead of rebuilt.
	IndexFromSnapshot bool
	CheckpointLSN     uint64
	// Replayed counts the WAL records read after the checkpoint.
	Replayed int
	// Redone counts the replayed records that storage did not hold yet.
	Redone int
	// UndoneTransactions counts explicit transactions without a commit
	// record that were rolled back.
	UndoneTransactions int
	Duration           time.Duration
}

// Engine is the key-value engine.
type Engine struct {
	dir     string
	opts    Options
	fs      fs.FileSystem
	rc      *resource.Controller
	logger  *slog.Logger
	metrics MetricsObserver
	clock   *model.Clock

	wal   *wal.WAL
	store *storage.Store
	index *btree.BTree
	txm   *txn.Manager

	// applyMu is held shared by a mutation from its WAL append until the
	// index is updated, and exclusively by checkpoints.
	applyMu sync.RWMutex

	txMu sync.Mutex
	// txFirst maps each open explicit transaction that logged a write to
	// the LSN of its first record.
	txFirst map[txn.ID]uint64

	checkpointLSN atomic.Uint64
	recovery      RecoveryReport
	started       time.Time

	ops      atomic.Uint64
	errs     atomic.Uint64
	degraded atomic.Bool

	ctx     context.Context
	cancel  context.CancelFunc
	closeCh chan struct{}
	wg      sync.WaitGroup
	closed  atomic.Bool
}

// Open opens or creates the engine in dir and recovers its state.
func Open(dir string, opts ...Option) (*Engine, error) {
	e := &Engine{
		dir:     dir,
		opts:    DefaultOptions(),
		fs:      fs.Default,
		logger:  slog.New(slog.DiscardHandler),
		metrics: NoopMetricsObserver{},
		clock:   &model.Clock{},
		txFirst: make(map[txn.ID]uint64),
		closeCh: make(chan struct{}),
		started: time.Now(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if err := e.opts.validate(); err != nil {
		return nil, err
	}
	if err := e.fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("engine: open: %w", err)
	}

	cp, err := readCheckpoint(e.fs, dir)
	if err != nil {
		e.logger.Warn("engine: ignoring unreadable checkpoint, replaying the whole log", "error", err)
		cp = checkpoint{}
	}

	e.store, err = storage.Open(filepath.Join(dir, dataDir), storage.Options{
		FS:                  e.fs,
		MaxSegmentSize:      e.opts.MaxSegmentSize,
		CompactionThreshold: e.opts.CompactionThreshold,
		Compression:         e.opts.Compression,
		CompressionLevel:    e.opts.CompressionLevel,
		Format:              e.opts.Format,
		CacheBytes:          e.opts.ReadCacheBytes,
		Mmap:                e.opts.Mmap,
		Clock:               e.clock,
		Resource:            e.rc,
		Logger:              e.logger,
	})
	if err != nil {
		return nil, err
	}

	e.index, err = btree.New(btree.Options{Order: e.opts.BTreeOrder, CacheSize: e.opts.BTreeCacheSize})
	if err != nil {
		_ = e.store.Close()
		return nil, err
	}
	e.loadIndex(cp)
	e.store.OnRelocate(e.relocate)

	// From here on the snapshot no longer describes the index.
	if cp.Clean {
		if err := writeCheckpoint(e.fs, dir, checkpoint{LSN: cp.LSN}); err != nil {
			_ = e.store.Close()
			return nil, fmt.Errorf("engine: open: %w", err)
		}
	}

	e.wal, err = wal.Open(e.fs, filepath.Join(dir, walDir), wal.Options{
		Durability:  e.opts.WALDurability,
		SegmentSize: e.opts.WALSegmentSize,
		Format:      e.opts.Format,
		MinLSN:      cp.LSN,
		Clock:       e.clock,
		Logger:      e.logger,
	})
	if err != nil {
		_ = e.store.Close()
		return nil, err
	}

	e.recovery.Storage = e.store.Recovery()
	e.recovery.CheckpointLSN = cp.LSN
	lastTx, err := e.recover(cp.LSN)
	if err != nil {
		_ = e.closeFiles()
		return nil, fmt.Errorf("engine: recover: %w", err)
	}

	e.txm = txn.NewManager(txn.Options{
		MaxConcurrent:         e.opts.MaxConcurrentTransactions,
		LockTimeout:           e.opts.LockTimeout,
		DeadlockCheckInterval: e.opts.DeadlockCheckInterval,
		Undo:                  e.undo,
		OnDeadlock:            func(txn.ID) { e.metrics.OnDeadlock() },
		OnLockWait:            e.metrics.OnLockWait,
		StartID:               lastTx,
		Clock:                 e.clock,
		Logger:                e.logger,
	})

	if err := e.checkpoint(false); err != nil {
		_ = e.txm.Shutdown(0)
		_ = e.closeFiles()
		return nil, err
	}

	e.recovery.Duration = time.Since(e.started)
	e.logger.Info("engine: opened",
		"dir", dir,
		"keys", e.index.Len(),
		"index_snapshot", e.recovery.IndexFromSnapshot,
		"replayed", e.recovery.Replayed,
		"redone", e.recovery.Redone,
		"undone_txs", e.recovery.UndoneTransactions,
		"duration", e.recovery.Duration)

	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.startLoops()
	return e, nil
}

func (o Options) validate() error {
	var problem string
	switch {
	case o.MaxSegmentSize <= 0:
		problem = "max segment size must be positive"
	case o.WALSegmentSize <= 0:
		problem = "WAL segment size must be positive"
	case o.CompactionThreshold <= 0 || o.CompactionThreshold >= 1:
		problem = "compaction threshold must be in (0, 1)"
	case o.MaxConcurrentTransactions <= 0:
		problem = "max concurrent transactions must be positive"
	case o.LockTimeout < 0 || o.DeadlockCheckInterval < 0 || o.WALSyncInterval < 0:
		problem = "durations must not be negative"
	case o.BTreeOrder != 0 && o.BTreeOrder < btree.MinOrder:
		problem = fmt.Sprintf("B-Tree order must be at least %d", btree.MinOrder)
	default:
		return nil
	}
	return fmt.Errorf("%w: %s", ErrInvalidArgument, problem)
}

// loadIndex fills the B-Tree from the snapshot of a clean shutdown when it
// matches the offset index and the configured order, and from the offset
// index otherwise.
func (e *Engine) loadIndex(cp checkpoint) {
	if cp.Clean {
		err := e.loadSnapshot()
		if err == nil {
			e.recovery.IndexFromSnapshot = true
			return
		}
		e.logger.Warn("engine: index snapshot unusable, rebuilding", "error", err)
	}
	e.index.Clear()
	for entry := range e.store.Entries() {
		e.index.Insert(entry.Key, entry.Location)
	}
}

func (e *Engine) loadSnapshot() error {
	data, err := fs.ReadFile(e.fs, filepath.Join(e.dir, indexFile))
	if err != nil {
		return err
	}
	snap, err := btree.New(btree.Options{Order: e.index.Order(), CacheSize: e.opts.BTreeCacheSize})
	if err != nil {
		return err
	}
	if err := snap.UnmarshalBinary(data); err != nil {
		return err
	}
	if snap.Order() != e.index.Order() {
		return fmt.Errorf("snapshot order %d, configured %d", snap.Order(), e.index.Order())
	}
	if snap.Len() != e.store.Len() {
		return fmt.Errorf("snapshot holds %d keys, storage %d", snap.Len(), e.store.Len())
	}
	for key, loc := range snap.All() {
		if cur, ok := e.store.Lookup(key); !ok || cur != loc {
			return fmt.Errorf("snapshot location of %s is stale", key)
		}
	}
	e.index = snap
	return nil
}

func (e *Engine) relocate(relocs []storage.Relocation) {
	for _, r := range relocs {
		e.index.Relocate(r.Key, r.Old, r.New)
	}
}

func (e *Engine) startLoops() {
	if e.opts.WALDurability == wal.DurabilityAsync && e.opts.WALSyncInterval > 0 {
		e.wg.Add(1)
		go e.runFlushLoop()
	}
	if e.opts.CheckpointInterval > 0 {
		e.wg.Add(1)
		go e.runCheckpointLoop()
	}
	if e.opts.CompactionCheckInterval > 0 {
		e.wg.Add(1)
		go e.runCompactionLoop()
	}
}

func (e *Engine) runFlushLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.opts.WALSyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.closeCh:
			return
		case <-ticker.C:
			start := time.Now()
			err := e.wal.Flush()
			e.metrics.OnWALFlush(time.Since(start), err)
			if err != nil {
				e.logger.Error("engine: background WAL flush failed", "error", err)
			}
		}
	}
}

func (e *Engine) runCheckpointLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.opts.CheckpointInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.closeCh:
			return
		case <-ticker.C:
			if err := e.checkpoint(false); err != nil {
				e.logger.Error("engine: background checkpoint failed", "error", err)
				continue
			}
			if _, err := e.wal.Prune(time.Now().Add(-e.opts.WALRetention), e.checkpointLSN.Load()); err != nil {
				e.logger.Error("engine: WAL retention failed", "error", err)
			}
		}
	}
}

func (e *Engine) runCompactionLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.opts.CompactionCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.closeCh:
			return
		case <-ticker.C:
			if !e.store.NeedsCompaction() {
				continue
			}
			if _, err := e.Compact(e.ctx); err != nil && !errors.Is(err, context.Canceled) {
				e.logger.Error("engine: background compaction failed", "error", err)
			}
		}
	}
}

// Compact rewrites the sealed segments without their dead records.
func (e *Engine) Compact(ctx context.Context) (storage.CompactionReport, error) {
	if e.closed.Load() {
		return storage.CompactionReport{}, ErrClosed
	}
	report, err := e.store.Compact(ctx)
	e.metrics.OnCompaction(report.Duration, report.SegmentsCompacted, report.BytesReclaimed, err)
	return report, err
}

// Recovery returns the report of the recovery performed by Open.
func (e *Engine) Recovery() RecoveryReport {
	return e.recovery
}

// Dir returns the data directory.
func (e *Engine) Dir() string {
	return e.dir
}

// Close shuts the engine down with the configured timeout.
func (e *Engine) Close() error {
	return e.Shutdown(e.opts.ShutdownTimeout)
}

// Shutdown stops the engine. Active transactions get up to timeout to
// finish and are rolled back afterwards. The background loops are stopped,
// the WAL is flushed, storage synced, and the index snapshot persisted.
func (e *Engine) Shutdown(timeout time.Duration) error {
	if !e.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	var result *multierror.Error

	if err := e.txm.Shutdown(timeout); err != nil {
		result = multierror.Append(result, fmt.Errorf("transactions: %w", err))
	}
	e.abortOrphans()

	e.cancel()
	close(e.closeCh)
	e.wg.Wait()

	if err := e.wal.Flush(); err != nil {
		result = multierror.Append(result, fmt.Errorf("wal flush: %w", err))
	}
	if err := e.checkpoint(result.ErrorOrNil() == nil); err != nil {
		result = multierror.Append(result, err)
	}
	if err := e.closeFiles(); err != nil {
		result = multierror.Append(result, err)
	}

	st := e.store.Stats()
	e.logger.Info("engine: closed",
		"keys", st.Keys,
		"disk", humanize.Bytes(uint64(max(st.DiskUsage, 0))),
		"uptime", time.Since(e.started))
	return result.ErrorOrNil()
}

// abortOrphans ends the log of transactions the manager rolled back on its
// own.
func (e *Engine) abortOrphans() {
	e.txMu.Lock()
	ids := make([]txn.ID, 0, len(e.txFirst))
	for id := range e.txFirst {
		ids = append(ids, id)
	}
	e.txMu.Unlock()
	for _, id := range ids {
		e.endTx(context.Background(), id, model.OpAbort)
	}
}

func (e *Engine) closeFiles() error {
	var result *multierror.Error
	if err := e.wal.Close(); err != nil && !errors.Is(err, wal.ErrClosed) {
		result = multierror.Append(result, fmt.Errorf("wal close: %w", err))
	}
	if err := e.store.Close(); err != nil && !errors.Is(err, storage.ErrClosed) {
		result = multierror.Append(result, fmt.Errorf("storage close: %w", err))
	}
	return result.ErrorOrNil()
}
