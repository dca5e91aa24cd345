package kvgo

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/hupe1980/kvgo/codec"
	"github.com/hupe1980/kvgo/internal/compress"
	"github.com/hupe1980/kvgo/internal/engine"
	"github.com/hupe1980/kvgo/internal/fs"
	"github.com/hupe1980/kvgo/internal/resource"
	"github.com/hupe1980/kvgo/internal/wal"
)

// Durability selects whether writes wait for the WAL to reach disk.
type Durability = wal.Durability

const (
	// DurabilityAsync flushes the WAL in the background every WAL sync
	// interval. A crash may lose the writes of the last interval.
	DurabilityAsync = wal.DurabilityAsync
	// DurabilitySync makes every write wait for its WAL record to be fsync'd.
	DurabilitySync = wal.DurabilitySync
)

// Compression selects the per-record compression of data segments.
type Compression = compress.Type

const (
	CompressionNone   = compress.None
	CompressionLZ4    = compress.LZ4
	CompressionZstd   = compress.Zstd
	CompressionSnappy = compress.Snappy
)

// Format selects the serialization of values and WAL records.
type Format = codec.Format

const (
	FormatBinary  = codec.FormatBinary
	FormatJSON    = codec.FormatJSON
	FormatMsgpack = codec.FormatMsgpack
)

type options struct {
	engine           engine.Options
	backend          string
	metricsCollector MetricsCollector
	logger           *Logger
	resource         resource.Config
}

// Option configures Open.
type Option func(*options)

// WithStorageBackend selects where the database lives: "local" (the
// default) or "memory". A memory database disappears when it is closed.
func WithStorageBackend(name string) Option {
	return func(o *options) {
		o.backend = name
	}
}

// WithWALSyncInterval sets the period of the background WAL flush.
func WithWALSyncInterval(d time.Duration) Option {
	return func(o *options) {
		o.engine.WALSyncInterval = d
	}
}

// WithWALSegmentSize sets the size at which WAL segments are rotated.
func WithWALSegmentSize(n int64) Option {
	return func(o *options) {
		o.engine.WALSegmentSize = n
	}
}

// WithWALRetention sets how long checkpointed WAL segments are kept.
func WithWALRetention(d time.Duration) Option {
	return func(o *options) {
		o.engine.WALRetention = d
	}
}

// WithWALRetentionHours is WithWALRetention in whole hours.
func WithWALRetentionHours(hours int) Option {
	return WithWALRetention(time.Duration(hours) * time.Hour)
}

// WithDurability sets the WAL durability mode.
//
// Example:
//
//	db, err := kvgo.Open("./data", kvgo.WithDurability(kvgo.DurabilitySync))
func WithDurability(d Durability) Option {
	return func(o *options) {
		o.engine.WALDurability = d
	}
}

// WithMaxSegmentSize sets the size after which a data segment is sealed.
func WithMaxSegmentSize(n int64) Option {
	return func(o *options) {
		o.engine.MaxSegmentSize = n
	}
}

// WithCompactionThreshold sets the dead-byte ratio above which background
// compaction runs. It must be in (0, 1).
func WithCompactionThreshold(ratio float64) Option {
	return func(o *options) {
		o.engine.CompactionThreshold = ratio
	}
}

// WithCompactionCheckInterval sets the period of the background compaction
// check. Zero disables automatic compaction.
func WithCompactionCheckInterval(d time.Duration) Option {
	return func(o *options) {
		o.engine.CompactionCheckInterval = d
	}
}

// WithCheckpointInterval sets the period of background checkpoints and WAL
// pruning. Zero disables them.
func WithCheckpointInterval(d time.Duration) Option {
	return func(o *options) {
		o.engine.CheckpointInterval = d
	}
}

// WithBTree sets the B-Tree order and the size of its hot-key cache.
func WithBTree(order, cacheSize int) Option {
	return func(o *options) {
		o.engine.BTreeOrder = order
		o.engine.BTreeCacheSize = cacheSize
	}
}

// WithReadCache sets the byte budget of the decoded-value cache. Zero
// disables it.
func WithReadCache(bytes int64) Option {
	return func(o *options) {
		o.engine.ReadCacheBytes = bytes
	}
}

// WithMmap toggles memory-mapped reads of sealed segments.
func WithMmap(enabled bool) Option {
	return func(o *options) {
		o.engine.Mmap = enabled
	}
}

// WithMaxConcurrentTransactions bounds the number of active transactions.
// Begin blocks while the limit is reached.
func WithMaxConcurrentTransactions(n int) Option {
	return func(o *options) {
		o.engine.MaxConcurrentTransactions = n
	}
}

// WithLockTimeout bounds a single lock wait. Zero waits forever.
func WithLockTimeout(d time.Duration) Option {
	return func(o *options) {
		o.engine.LockTimeout = d
	}
}

// WithDeadlockCheckInterval sets the period of the background deadlock
// scan. Cycles are also detected when a lock request starts waiting.
func WithDeadlockCheckInterval(d time.Duration) Option {
	return func(o *options) {
		o.engine.DeadlockCheckInterval = d
	}
}

// WithShutdownTimeout bounds how long Close waits for active transactions.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *options) {
		o.engine.ShutdownTimeout = d
	}
}

// WithFormat sets the serialization format of new records.
// Existing records keep the format they were written with.
func WithFormat(f Format) Option {
	return func(o *options) {
		o.engine.Format = f
	}
}

// WithCompression sets the compression of new records and its level.
// A level of zero uses the algorithm's default.
func WithCompression(c Compression, level int) Option {
	return func(o *options) {
		o.engine.Compression = c
		o.engine.CompressionLevel = level
	}
}

// WithBackgroundLimits bounds concurrent background jobs (compaction,
// backup) and their IO throughput in bytes per second. Zero means
// unlimited IO.
func WithBackgroundLimits(workers int, ioBytesPerSec int64) Option {
	return func(o *options) {
		o.resource = resource.Config{
			MaxBackgroundWorkers: int64(workers),
			IOLimitBytesPerSec:   ioBytesPerSec,
		}
	}
}

// WithMetricsCollector configures a metrics collector for monitoring operations.
// Pass nil to disable metrics collection.
//
// Example with BasicMetricsCollector:
//
//	metrics := &kvgo.BasicMetricsCollector{}
//	db, _ := kvgo.Open("./data", kvgo.WithMetricsCollector(metrics))
//	// ... use db ...
//	stats := metrics.Stats()
//	fmt.Printf("Writes: %d, Avg latency: %dns\n", stats.WriteCount, stats.WriteAvgNanos)
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		if mc == nil {
			mc = NoopMetricsCollector{}
		}
		o.metricsCollector = mc
	}
}

// WithLogger configures structured logging.
// Pass nil to disable logging.
//
// Example with JSON logging:
//
//	logger := kvgo.NewJSONLogger(slog.LevelInfo)
//	db, _ := kvgo.Open("./data", kvgo.WithLogger(logger))
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		if logger == nil {
			logger = NoopLogger()
		}
		o.logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
// Convenience wrapper for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		engine:           engine.DefaultOptions(),
		backend:          "local",
		metricsCollector: NoopMetricsCollector{},
		logger:           NoopLogger(),
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}

// engineOptions converts o into engine options.
func (o options) engineOptions() ([]engine.Option, error) {
	fsys, ok := fs.ForBackend(o.backend)
	if !ok {
		return nil, fmt.Errorf("%w: unknown storage backend %q", ErrInvalidArgument, o.backend)
	}
	if _, mem := fsys.(*fs.MemFS); mem {
		o.engine.Mmap = false
	}
	return []engine.Option{
		engine.WithOptions(o.engine),
		engine.WithFileSystem(fsys),
		engine.WithLogger(o.logger.Logger),
		engine.WithMetricsObserver(o.metricsCollector),
		engine.WithResourceController(resource.NewController(o.resource)),
	}, nil
}
