package kvgo

import (
	"sync/atomic"
	"time"
)

// MetricsCollector defines an interface for collecting operational metrics.
// Implement this interface to integrate with monitoring systems like Prometheus.
//
// Example Prometheus integration:
//
//	type PrometheusCollector struct {
//	    writeCounter  prometheus.Counter
//	    readHistogram prometheus.Histogram
//	}
//
//	func (p *PrometheusCollector) OnWrite(duration time.Duration, err error) {
//	    p.writeCounter.Inc()
//	    // ... record error state, duration, etc.
//	}
type MetricsCollector interface {
	// OnWrite is called after each insert, update, or upsert.
	// duration is the total time taken, err is nil if successful.
	OnWrite(duration time.Duration, err error)

	// OnRead is called after each point read.
	OnRead(duration time.Duration, err error)

	// OnDelete is called after each delete operation.
	OnDelete(duration time.Duration, err error)

	// OnCompaction is called when a compaction pass completes.
	// segments is the number of input segments, reclaimed the freed bytes.
	OnCompaction(duration time.Duration, segments int, reclaimed int64, err error)

	// OnDeadlock is called when a transaction is aborted to break a deadlock.
	OnDeadlock()

	// OnLockWait is called when a lock request had to wait.
	OnLockWait(wait time.Duration)

	// OnWALFlush is called after each background WAL flush.
	OnWALFlush(duration time.Duration, err error)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
// Use this when metrics collection is not needed.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) OnWrite(time.Duration, error)                  {}
func (NoopMetricsCollector) OnRead(time.Duration, error)                   {}
func (NoopMetricsCollector) OnDelete(time.Duration, error)                 {}
func (NoopMetricsCollector) OnCompaction(time.Duration, int, int64, error) {}
func (NoopMetricsCollector) OnDeadlock()                                   {}
func (NoopMetricsCollector) OnLockWait(time.Duration)                      {}
func (NoopMetricsCollector) OnWALFlush(time.Duration, error)               {}

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and basic monitoring without external dependencies.
type BasicMetricsCollector struct {
	WriteCount        atomic.Int64
	WriteErrors       atomic.Int64
	WriteTotalNanos   atomic.Int64
	ReadCount         atomic.Int64
	ReadErrors        atomic.Int64
	ReadTotalNanos    atomic.Int64
	DeleteCount       atomic.Int64
	DeleteErrors      atomic.Int64
	CompactionCount   atomic.Int64
	CompactionErrors  atomic.Int64
	ReclaimedBytes    atomic.Int64
	Deadlocks         atomic.Int64
	LockWaits         atomic.Int64
	LockWaitNanos     atomic.Int64
	WALFlushCount     atomic.Int64
	WALFlushErrors    atomic.Int64
	WALFlushTotalNano atomic.Int64
}

// OnWrite implements MetricsCollector.
func (b *BasicMetricsCollector) OnWrite(duration time.Duration, err error) {
	b.WriteCount.Add(1)
	b.WriteTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.WriteErrors.Add(1)
	}
}

// OnRead implements MetricsCollector.
func (b *BasicMetricsCollector) OnRead(duration time.Duration, err error) {
	b.ReadCount.Add(1)
	b.ReadTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.ReadErrors.Add(1)
	}
}

// OnDelete implements MetricsCollector.
func (b *BasicMetricsCollector) OnDelete(duration time.Duration, err error) {
	b.DeleteCount.Add(1)
	if err != nil {
		b.DeleteErrors.Add(1)
	}
}

// OnCompaction implements MetricsCollector.
func (b *BasicMetricsCollector) OnCompaction(duration time.Duration, segments int, reclaimed int64, err error) {
	b.CompactionCount.Add(1)
	if err != nil {
		b.CompactionErrors.Add(1)
		return
	}
	b.ReclaimedBytes.Add(reclaimed)
}

// OnDeadlock implements MetricsCollector.
func (b *BasicMetricsCollector) OnDeadlock() {
	b.Deadlocks.Add(1)
}

// OnLockWait implements MetricsCollector.
func (b *BasicMetricsCollector) OnLockWait(wait time.Duration) {
	b.LockWaits.Add(1)
	b.LockWaitNanos.Add(wait.Nanoseconds())
}

// OnWALFlush implements MetricsCollector.
func (b *BasicMetricsCollector) OnWALFlush(duration time.Duration, err error) {
	b.WALFlushCount.Add(1)
	b.WALFlushTotalNano.Add(duration.Nanoseconds())
	if err != nil {
		b.WALFlushErrors.Add(1)
	}
}

// Stats returns a snapshot of current metrics.
func (b *BasicMetricsCollector) Stats() BasicMetricsStats {
	return BasicMetricsStats{
		WriteCount:       b.WriteCount.Load(),
		WriteErrors:      b.WriteErrors.Load(),
		WriteAvgNanos:    avg(b.WriteTotalNanos.Load(), b.WriteCount.Load()),
		ReadCount:        b.ReadCount.Load(),
		ReadErrors:       b.ReadErrors.Load(),
		ReadAvgNanos:     avg(b.ReadTotalNanos.Load(), b.ReadCount.Load()),
		DeleteCount:      b.DeleteCount.Load(),
		DeleteErrors:     b.DeleteErrors.Load(),
		CompactionCount:  b.CompactionCount.Load(),
		CompactionErrors: b.CompactionErrors.Load(),
		ReclaimedBytes:   b.ReclaimedBytes.Load(),
		Deadlocks:        b.Deadlocks.Load(),
		LockWaits:        b.LockWaits.Load(),
		LockWaitAvgNanos: avg(b.LockWaitNanos.Load(), b.LockWaits.Load()),
		WALFlushCount:    b.WALFlushCount.Load(),
		WALFlushErrors:   b.WALFlushErrors.Load(),
	}
}

func avg(total, count int64) int64 {
	if count == 0 {
		return 0
	}
	return total / count
}

// BasicMetricsStats is a snapshot of BasicMetricsCollector state.
type BasicMetricsStats struct {
	WriteCount       int64
	WriteErrors      int64
	WriteAvgNanos    int64
	ReadCount        int64
	ReadErrors       int64
	ReadAvgNanos     int64
	DeleteCount      int64
	DeleteErrors     int64
	CompactionCount  int64
	CompactionErrors int64
	ReclaimedBytes   int64
	Deadlocks        int64
	LockWaits        int64
	LockWaitAvgNanos int64
	WALFlushCount    int64
	WALFlushErrors   int64
}
