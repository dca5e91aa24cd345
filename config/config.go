// Package config loads kvgo settings from the environment and .env files.
//
// Every setting has a KVGO_ variable:
//
//	KVGO_PROFILE=production        # development (default) or production
//	KVGO_DIR=./data
//	KVGO_STORAGE_BACKEND=local     # local or memory
//	KVGO_WAL_SYNC_INTERVAL=100ms
//	KVGO_WAL_SEGMENT_SIZE=64MiB
//	KVGO_WAL_RETENTION_HOURS=24
//	KVGO_WAL_DURABILITY=async      # async or sync
//	KVGO_MAX_SEGMENT_SIZE=256MiB
//	KVGO_COMPACTION_THRESHOLD=0.3
//	KVGO_BTREE_ORDER=64
//	KVGO_BTREE_CACHE_SIZE=10000
//	KVGO_MAX_CONCURRENT_TRANSACTIONS=1000
//	KVGO_LOCK_TIMEOUT=5s
//	KVGO_DEADLOCK_CHECK_INTERVAL=1s
//	KVGO_SERIALIZATION=binary      # binary, json, or msgpack
//	KVGO_COMPRESSION=lz4           # none, lz4, zstd, or snappy
//	KVGO_LOG_LEVEL=info
//	KVGO_LOG_FORMAT=text           # text or json
//	KVGO_HTTP_ADDR=:8080
//
// Sizes accept humanized values such as 64MiB.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"

	"github.com/hupe1980/kvgo"
	"github.com/hupe1980/kvgo/codec"
	"github.com/hupe1980/kvgo/internal/compress"
	"github.com/hupe1980/kvgo/internal/wal"
)

// Prefix is the prefix of every environment variable read by Load.
const Prefix = "KVGO_"

// ErrInvalid is returned by Validate and Load for unusable settings.
var ErrInvalid = errors.New("config: invalid")

// Config holds the settings of a kvgo database and its HTTP server.
type Config struct {
	Profile string
	Dir     string
	Backend string

	WALSyncInterval   time.Duration
	WALSegmentSize    int64
	WALRetentionHours int
	WALDurability     string

	MaxSegmentSize      int64
	CompactionThreshold float64

	BTreeOrder     int
	BTreeCacheSize int

	MaxConcurrentTransactions int
	LockTimeout               time.Duration
	DeadlockCheckInterval     time.Duration

	Serialization string
	Compression   string

	LogLevel  string
	LogFormat string
	HTTPAddr  string
}

// Development returns the default settings.
func Development() Config {
	return Config{
		Profile:                   "development",
		Dir:                       "./data",
		Backend:                   "local",
		WALSyncInterval:           100 * time.Millisecond,
		WALSegmentSize:            64 << 20,
		WALRetentionHours:         24,
		WALDurability:             "async",
		MaxSegmentSize:            256 << 20,
		CompactionThreshold:       0.3,
		BTreeOrder:                64,
		BTreeCacheSize:            10000,
		MaxConcurrentTransactions: 1000,
		LockTimeout:               5 * time.Second,
		DeadlockCheckInterval:     time.Second,
		Serialization:             "binary",
		Compression:               "lz4",
		LogLevel:                  "info",
		LogFormat:                 "text",
		HTTPAddr:                  ":8080",
	}
}

// Production returns Development with a synchronous WAL, Zstd compression,
// and JSON logs.
func Production() Config {
	c := Development()
	c.Profile = "production"
	c.WALDurability = "sync"
	c.Compression = "zstd"
	c.LogFormat = "json"
	return c
}

// Load reads the given .env files, or .env when none are given, and then
// the environment. Missing .env files are ignored; variables already set
// in the environment win over the files. KVGO_PROFILE selects the preset
// the other variables override.
func Load(files ...string) (Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("config: load %s: %w", f, err)
		}
	}
	return FromEnv(os.LookupEnv)
}

// FromEnv builds a Config from the variables returned by lookup.
func FromEnv(lookup func(string) (string, bool)) (Config, error) {
	c := Development()
	if p, ok := lookup(Prefix + "PROFILE"); ok {
		switch strings.ToLower(p) {
		case "production", "prod":
			c = Production()
		case "development", "dev", "":
		default:
			return Config{}, fmt.Errorf("%w: profile %q", ErrInvalid, p)
		}
	}

	r := reader{lookup: lookup}
	r.str("DIR", &c.Dir)
	r.str("STORAGE_BACKEND", &c.Backend)
	r.duration("WAL_SYNC_INTERVAL", &c.WALSyncInterval)
	r.size("WAL_SEGMENT_SIZE", &c.WALSegmentSize)
	r.int("WAL_RETENTION_HOURS", &c.WALRetentionHours)
	r.str("WAL_DURABILITY", &c.WALDurability)
	r.size("MAX_SEGMENT_SIZE", &c.MaxSegmentSize)
	r.float("COMPACTION_THRESHOLD", &c.CompactionThreshold)
	r.int("BTREE_ORDER", &c.BTreeOrder)
	r.int("BTREE_CACHE_SIZE", &c.BTreeCacheSize)
	r.int("MAX_CONCURRENT_TRANSACTIONS", &c.MaxConcurrentTransactions)
	r.duration("LOCK_TIMEOUT", &c.LockTimeout)
	r.duration("DEADLOCK_CHECK_INTERVAL", &c.DeadlockCheckInterval)
	r.str("SERIALIZATION", &c.Serialization)
	r.str("COMPRESSION", &c.Compression)
	r.str("LOG_LEVEL", &c.LogLevel)
	r.str("LOG_FORMAT", &c.LogFormat)
	r.str("HTTP_ADDR", &c.HTTPAddr)
	if r.err != nil {
		return Config{}, r.err
	}
	return c, c.Validate()
}

// Validate reports the first unusable setting.
func (c Config) Validate() error {
	var problem string
	switch {
	case c.Dir == "":
		problem = "dir must not be empty"
	case c.Backend != "local" && c.Backend != "memory":
		problem = fmt.Sprintf("unknown storage backend %q", c.Backend)
	case c.WALSyncInterval < 0:
		problem = "WAL sync interval must not be negative"
	case c.WALSegmentSize <= 0:
		problem = "WAL segment size must be positive"
	case c.WALRetentionHours < 0:
		problem = "WAL retention must not be negative"
	case c.MaxSegmentSize <= 0:
		problem = "max segment size must be positive"
	case c.CompactionThreshold <= 0 || c.CompactionThreshold >= 1:
		problem = "compaction threshold must be in (0, 1)"
	case c.BTreeOrder < 3:
		problem = "B-Tree order must be at least 3"
	case c.BTreeCacheSize < 0:
		problem = "B-Tree cache size must not be negative"
	case c.MaxConcurrentTransactions <= 0:
		problem = "max concurrent transactions must be positive"
	case c.LockTimeout < 0 || c.DeadlockCheckInterval < 0:
		problem = "lock durations must not be negative"
	case c.LogFormat != "text" && c.LogFormat != "json":
		problem = fmt.Sprintf("unknown log format %q", c.LogFormat)
	default:
		if _, err := wal.ParseDurability(c.WALDurability); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalid, err)
		}
		if _, err := codec.ParseFormat(c.Serialization); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalid, err)
		}
		if _, err := compress.ParseType(c.Compression); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalid, err)
		}
		if _, err := parseLevel(c.LogLevel); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalid, err)
		}
		return nil
	}
	return fmt.Errorf("%w: %s", ErrInvalid, problem)
}

// Options converts the config into kvgo options, including its logger.
func (c Config) Options() ([]kvgo.Option, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	durability, _ := wal.ParseDurability(c.WALDurability)
	format, _ := codec.ParseFormat(c.Serialization)
	compression, _ := compress.ParseType(c.Compression)

	return []kvgo.Option{
		kvgo.WithStorageBackend(c.Backend),
		kvgo.WithWALSyncInterval(c.WALSyncInterval),
		kvgo.WithWALSegmentSize(c.WALSegmentSize),
		kvgo.WithWALRetentionHours(c.WALRetentionHours),
		kvgo.WithDurability(durability),
		kvgo.WithMaxSegmentSize(c.MaxSegmentSize),
		kvgo.WithCompactionThreshold(c.CompactionThreshold),
		kvgo.WithBTree(c.BTreeOrder, c.BTreeCacheSize),
		kvgo.WithMaxConcurrentTransactions(c.MaxConcurrentTransactions),
		kvgo.WithLockTimeout(c.LockTimeout),
		kvgo.WithDeadlockCheckInterval(c.DeadlockCheckInterval),
		kvgo.WithFormat(format),
		kvgo.WithCompression(compression, 0),
		kvgo.WithLogger(c.Logger()),
	}, nil
}

// Logger returns the logger described by LogLevel and LogFormat.
func (c Config) Logger() *kvgo.Logger {
	level, err := parseLevel(c.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	if c.LogFormat == "json" {
		return kvgo.NewJSONLogger(level)
	}
	return kvgo.NewTextLogger(level)
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log level %q: %w", s, err)
	}
	return l, nil
}

// reader parses KVGO_ variables and keeps the first error.
type reader struct {
	lookup func(string) (string, bool)
	err    error
}

func (r *reader) get(name string) (string, bool) {
	if r.err != nil {
		return "", false
	}
	v, ok := r.lookup(Prefix + name)
	return strings.TrimSpace(v), ok && strings.TrimSpace(v) != ""
}

func (r *reader) fail(name, v string, err error) {
	r.err = fmt.Errorf("%w: %s%s=%q: %w", ErrInvalid, Prefix, name, v, err)
}

func (r *reader) str(name string, dst *string) {
	if v, ok := r.get(name); ok {
		*dst = v
	}
}

func (r *reader) int(name string, dst *int) {
	v, ok := r.get(name)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.fail(name, v, err)
		return
	}
	*dst = n
}

func (r *reader) float(name string, dst *float64) {
	v, ok := r.get(name)
	if !ok {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		r.fail(name, v, err)
		return
	}
	*dst = f
}

func (r *reader) duration(name string, dst *time.Duration) {
	v, ok := r.get(name)
	if !ok {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.fail(name, v, err)
		return
	}
	*dst = d
}

func (r *reader) size(name string, dst *int64) {
	v, ok := r.get(name)
	if !ok {
		return
	}
	n, err := humanize.ParseBytes(v)
	if err != nil {
		r.fail(name, v, err)
		return
	}
	*dst = int64(n)
}
