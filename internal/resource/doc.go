// Package resource admits background work and throttles its IO.
//
// Compaction and backup share one Controller:
//
//   - Concurrency: a weighted semaphore caps concurrent background jobs
//   - IO: a token bucket caps the bytes per second they read and write
//
// Usage:
//
//	rc := resource.NewController(resource.Config{
//	    MaxBackgroundWorkers: 2,
//	    IOLimitBytesPerSec:   64 << 20,
//	})
//
//	if err := rc.AcquireBackground(ctx); err != nil {
//	    return err
//	}
//	defer rc.ReleaseBackground()
//
//	r := resource.NewRateLimitedReader(ctx, segment, rc)
//
// All methods handle a nil Controller gracefully; they become no-ops.
package resource
