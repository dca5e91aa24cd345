package engine

import "time"

// SystemMetrics is a point-in-time health report.
type SystemMetrics struct {
	DiskUsageBytes     int64
	LiveBytes          int64
	Segments           int
	Keys               int
	FragmentationRatio float64
	// NeedsCompaction is set when fragmentation reached the threshold.
	NeedsCompaction      bool
	CompactionOperations uint64

	ActiveTransactions     int
	CommittedTransactions  uint64
	RolledBackTransactions uint64
	// AbortedTransactions counts deadlock victims and transactions
	// force-aborted at shutdown.
	AbortedTransactions uint64
	Deadlocks           uint64
	LockWaits           uint64
	LockTimeouts        uint64

	IndexCacheHitRatio float64
	ReadCacheHitRatio  float64

	Operations uint64
	Errors     uint64
	ErrorRate  float64

	WALSegments   int
	LastLSN       uint64
	SyncedLSN     uint64
	CheckpointLSN uint64

	WALDegraded     bool
	StorageDegraded bool
	IsHealthy       bool
	Uptime          time.Duration
}

// HealthCheck reports storage, transaction, cache, and error statistics.
func (e *Engine) HealthCheck() SystemMetrics {
	st := e.store.Stats()
	ws := e.wal.Stats()
	ts := e.txm.Stats()
	cs := e.index.CacheStats()

	m := SystemMetrics{
		DiskUsageBytes:         st.DiskUsage,
		LiveBytes:              st.LiveBytes,
		Segments:               st.Segments,
		Keys:                   st.Keys,
		FragmentationRatio:     st.Fragmentation,
		NeedsCompaction:        st.NeedsCompaction(e.opts.CompactionThreshold),
		CompactionOperations:   st.Compactions,
		ActiveTransactions:     ts.Active,
		CommittedTransactions:  ts.Committed,
		RolledBackTransactions: ts.RolledBack,
		AbortedTransactions:    ts.Aborted,
		Deadlocks:              ts.Deadlocks,
		LockWaits:              ts.LockWaits,
		LockTimeouts:           ts.LockTimeouts,
		IndexCacheHitRatio:     cs.HitRatio(),
		ReadCacheHitRatio:      ratio(st.CacheHits, st.CacheMisses),
		Operations:             e.ops.Load(),
		Errors:                 e.errs.Load(),
		WALSegments:            ws.Segments,
		LastLSN:                ws.LastLSN,
		SyncedLSN:              ws.SyncedLSN,
		CheckpointLSN:          e.checkpointLSN.Load(),
		WALDegraded:            ws.Degraded || e.degraded.Load(),
		StorageDegraded:        st.Degraded,
		Uptime:                 time.Since(e.started),
	}
	if m.Operations > 0 {
		m.ErrorRate = float64(m.Errors) / float64(m.Operations)
	}
	m.IsHealthy = !m.WALDegraded && !m.StorageDegraded && !e.closed.Load()
	return m
}

func ratio(hits, misses uint64) float64 {
	if hits+misses == 0 {
		return 0
	}
	return float64(hits) / float64(hits+misses)
}
