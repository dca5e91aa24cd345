package kvgo

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/hupe1980/kvgo/model"
)

// Logger wraps slog.Logger with kvgo-specific context.
// This provides structured logging with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
// level sets the minimum log level (e.g., slog.LevelDebug, slog.LevelInfo).
func NewJSONLogger(level slog.Level) *Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NoopLogger creates a Logger that discards all log output.
func NoopLogger() *Logger {
	return &Logger{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// WithTenant adds a tenant field to the logger.
func (l *Logger) WithTenant(tenant string) *Logger {
	return &Logger{
		Logger: l.Logger.With("tenant", tenant),
	}
}

// WithComponent adds a component field to the logger.
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{
		Logger: l.Logger.With("component", name),
	}
}

// LogWrite logs a single-key mutation.
func (l *Logger) LogWrite(ctx context.Context, op string, key model.Key, err error) {
	if err != nil {
		l.ErrorContext(ctx, "write failed",
			"op", op,
			"key", key,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "write completed",
			"op", op,
			"key", key,
		)
	}
}

// LogBatch logs a batch execution.
func (l *Logger) LogBatch(ctx context.Context, mode model.BatchKind, res model.BatchResult) {
	if res.Failed > 0 {
		l.WarnContext(ctx, "batch completed with failures",
			"mode", mode,
			"total", len(res.Results),
			"failed", res.Failed,
			"success", res.Succeeded,
		)
	} else {
		l.DebugContext(ctx, "batch completed",
			"mode", mode,
			"count", res.Succeeded,
			"duration", res.Duration,
		)
	}
}

// LogCompaction logs a compaction pass.
func (l *Logger) LogCompaction(ctx context.Context, segments int, reclaimed int64, d time.Duration, err error) {
	if err != nil {
		l.ErrorContext(ctx, "compaction failed",
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "compaction completed",
			"segments", segments,
			"reclaimed", humanize.Bytes(uint64(max(reclaimed, 0))),
			"duration", d,
		)
	}
}

// LogBackup logs a backup.
func (l *Logger) LogBackup(ctx context.Context, prefix string, bytes int64, err error) {
	if err != nil {
		l.ErrorContext(ctx, "backup failed",
			"prefix", prefix,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "backup completed",
			"prefix", prefix,
			"size", humanize.Bytes(uint64(max(bytes, 0))),
		)
	}
}
