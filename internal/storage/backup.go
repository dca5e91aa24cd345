package storage

import (
	"context"
	"fmt"
	"path"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/kvgo/blobstore"
	"github.com/hupe1980/kvgo/internal/resource"
)

// backupConcurrency bounds the number of segments uploaded at once.
const backupConcurrency = 4

// BackupReport summarizes an uploaded set of files.
type BackupReport struct {
	Files    int
	Bytes    int64
	Duration time.Duration
}

// Backup seals the active segment and uploads every sealed segment to store
// under prefix. Compaction cannot remove a segment while it is uploaded.
func (s *Store) Backup(ctx context.Context, store blobstore.BlobStore, prefix string) (BackupReport, error) {
	if s.closed.Load() {
		return BackupReport{}, ErrClosed
	}
	start := time.Now()

	if err := s.Rotate(); err != nil {
		return BackupReport{}, err
	}

	s.mu.RLock()
	var segs []*segment
	for _, seg := range s.segments {
		if seg == s.active || !seg.acquire() {
			continue
		}
		segs = append(segs, seg)
	}
	s.mu.RUnlock()
	defer func() {
		for _, seg := range segs {
			seg.release()
		}
	}()

	var (
		files atomic.Int64
		bytes atomic.Int64
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(backupConcurrency)
	for _, seg := range segs {
		g.Go(func() error {
			size := seg.size.Load()
			r := resource.NewRateLimitedReader(gctx, seg.reader(size), s.rc)
			name := path.Join(prefix, string(seg.id)+segmentExt)
			n, err := blobstore.Upload(gctx, store, name, r)
			if err != nil {
				return fmt.Errorf("storage: backup %s: %w", seg.id, err)
			}
			if n != size {
				return fmt.Errorf("storage: backup %s: uploaded %d of %d bytes", seg.id, n, size)
			}
			files.Add(1)
			bytes.Add(n)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return BackupReport{}, err
	}

	report := BackupReport{
		Files:    int(files.Load()),
		Bytes:    bytes.Load(),
		Duration: time.Since(start),
	}
	s.logger.Info("storage: backup complete",
		"segments", report.Files,
		"size", humanize.Bytes(uint64(report.Bytes)),
		"duration", report.Duration)
	return report, nil
}
