package engine

import (
	"log/slog"
	"time"

	"github.com/hupe1980/kvgo/codec"
	"github.com/hupe1980/kvgo/internal/btree"
	"github.com/hupe1980/kvgo/internal/compress"
	"github.com/hupe1980/kvgo/internal/fs"
	"github.com/hupe1980/kvgo/internal/resource"
	"github.com/hupe1980/kvgo/internal/wal"
)

// Options holds the engine configuration.
type Options struct {
	// WALDurability selects whether appends wait for fsync.
	WALDurability wal.Durability
	// WALSyncInterval is the period of the background WAL flush.
	WALSyncInterval time.Duration
	WALSegmentSize  int64
	// WALRetention is how long sealed WAL segments are kept once they are
	// covered by a checkpoint.
	WALRetention time.Duration

	MaxSegmentSize      int64
	CompactionThreshold float64
	// CompactionCheckInterval is the period of the background compaction
	// check. Zero disables automatic compaction.
	CompactionCheckInterval time.Duration
	Compression             compress.Type
	CompressionLevel        int
	Format                  codec.Format
	ReadCacheBytes          int64
	Mmap                    bool

	BTreeOrder     int
	BTreeCacheSize int

	MaxConcurrentTransactions int
	LockTimeout               time.Duration
	DeadlockCheckInterval     time.Duration

	// CheckpointInterval is the period of background checkpoints and WAL
	// pruning. Zero disables them.
	CheckpointInterval time.Duration
	// ShutdownTimeout bounds the wait for active transactions in Close.
	ShutdownTimeout time.Duration
}

// DefaultOptions returns the default engine configuration.
func DefaultOptions() Options {
	return Options{
		WALDurability:             wal.DurabilityAsync,
		WALSyncInterval:           100 * time.Millisecond,
		WALSegmentSize:            64 << 20,
		WALRetention:              24 * time.Hour,
		MaxSegmentSize:            256 << 20,
		CompactionThreshold:       0.3,
		CompactionCheckInterval:   time.Minute,
		Compression:               compress.LZ4,
		Format:                    codec.FormatBinary,
		ReadCacheBytes:            64 << 20,
		Mmap:                      true,
		BTreeOrder:                btree.DefaultOrder,
		BTreeCacheSize:            btree.DefaultCacheSize,
		MaxConcurrentTransactions: 1000,
		LockTimeout:               5 * time.Second,
		DeadlockCheckInterval:     time.Second,
		CheckpointInterval:        time.Minute,
		ShutdownTimeout:           5 * time.Second,
	}
}

// Option configures an Engine.
type Option func(*Engine)

// WithOptions replaces the whole configuration.
func WithOptions(o Options) Option {
	return func(e *Engine) {
		e.opts = o
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithMetricsObserver sets the metrics observer.
func WithMetricsObserver(observer MetricsObserver) Option {
	return func(e *Engine) {
		if observer != nil {
			e.metrics = observer
		}
	}
}

// WithFileSystem sets the file system used for the WAL, segments, and
// checkpoints.
func WithFileSystem(fsys fs.FileSystem) Option {
	return func(e *Engine) {
		if fsys != nil {
			e.fs = fsys
		}
	}
}

// WithResourceController bounds background work and its IO.
func WithResourceController(rc *resource.Controller) Option {
	return func(e *Engine) {
		e.rc = rc
	}
}

// WithDurability sets the WAL durability mode.
func WithDurability(d wal.Durability) Option {
	return func(e *Engine) {
		e.opts.WALDurability = d
	}
}

// WithLockTimeout bounds a single lock wait.
func WithLockTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.opts.LockTimeout = d
	}
}

// WithDeadlockCheckInterval sets the period of the background deadlock scan.
func WithDeadlockCheckInterval(d time.Duration) Option {
	return func(e *Engine) {
		e.opts.DeadlockCheckInterval = d
	}
}

// WithMaxConcurrentTransactions bounds the number of active transactions.
func WithMaxConcurrentTransactions(n int) Option {
	return func(e *Engine) {
		e.opts.MaxConcurrentTransactions = n
	}
}

// WithCompactionThreshold sets the dead ratio at which compaction runs.
func WithCompactionThreshold(ratio float64) Option {
	return func(e *Engine) {
		e.opts.CompactionThreshold = ratio
	}
}

// WithMaxSegmentSize sets the size after which a data segment is sealed.
func WithMaxSegmentSize(n int64) Option {
	return func(e *Engine) {
		e.opts.MaxSegmentSize = n
	}
}

// WithBackgroundIntervals sets the WAL flush, checkpoint, and compaction
// check periods. A zero checkpoint or compaction period disables that loop.
func WithBackgroundIntervals(walSync, checkpoint, compaction time.Duration) Option {
	return func(e *Engine) {
		e.opts.WALSyncInterval = walSync
		e.opts.CheckpointInterval = checkpoint
		e.opts.CompactionCheckInterval = compaction
	}
}
