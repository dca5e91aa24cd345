package engine

import "time"

// MetricsObserver receives engine events.
type MetricsObserver interface {
	// OnWrite is called after each insert, update, or upsert.
	OnWrite(duration time.Duration, err error)

	// OnRead is called after each point read.
	OnRead(duration time.Duration, err error)

	// OnDelete is called after each delete.
	OnDelete(duration time.Duration, err error)

	// OnCompaction is called when a compaction pass completes.
	OnCompaction(duration time.Duration, segments int, reclaimed int64, err error)

	// OnDeadlock is called when a transaction is chosen as a deadlock victim.
	OnDeadlock()

	// OnLockWait is called when a lock request had to wait.
	OnLockWait(wait time.Duration)

	// OnWALFlush is called after each background WAL flush.
	OnWALFlush(duration time.Duration, err error)
}

// NoopMetricsObserver is a no-op implementation of MetricsObserver.
type NoopMetricsObserver struct{}

func (NoopMetricsObserver) OnWrite(time.Duration, error)                  {}
func (NoopMetricsObserver) OnRead(time.Duration, error)                   {}
func (NoopMetricsObserver) OnDelete(time.Duration, error)                 {}
func (NoopMetricsObserver) OnCompaction(time.Duration, int, int64, error) {}
func (NoopMetricsObserver) OnDeadlock()                                   {}
func (NoopMetricsObserver) OnLockWait(time.Duration)                      {}
func (NoopMetricsObserver) OnWALFlush(time.Duration, error)               {}
