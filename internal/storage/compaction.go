package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/xid"

	"github.com/hupe1980/kvgo/internal/fs"
	"github.com/hupe1980/kvgo/model"
)

// compactionLog lists the input segments of a committed compaction whose
// files may not all be removed yet.
const compactionLog = "COMPACTION"

// CompactionReport summarizes one compaction pass.
type CompactionReport struct {
	SegmentsCompacted int
	SegmentsCreated   int
	BytesReclaimed    int64
	RecordsMoved      int
	Duration          time.Duration
}

type move struct {
	key  model.Key
	from model.ValueLocation
	to   model.ValueLocation
	out  *segment
}

// Compact rewrites every sealed segment, keeping only live records.
//
// The active segment is sealed first. Live records are copied into new
// segments without holding the store lock; the index swap happens under a
// brief lock and only for records that were not overwritten meanwhile.
// Tombstones are dropped because every older version of their key lives in
// the compacted set. If the pass fails, the input segments stay intact and the
// partial outputs are removed.
func (s *Store) Compact(ctx context.Context) (CompactionReport, error) {
	if s.closed.Load() {
		return CompactionReport{}, ErrClosed
	}
	s.compactMu.Lock()
	defer s.compactMu.Unlock()

	if err := s.rc.AcquireBackground(ctx); err != nil {
		return CompactionReport{}, err
	}
	defer s.rc.ReleaseBackground()

	start := time.Now()

	// Phase 1: seal the active segment and snapshot the inputs.
	if err := s.Rotate(); err != nil {
		return CompactionReport{}, err
	}
	s.mu.RLock()
	var inputs []*segment
	for _, seg := range s.segments {
		if seg == s.active || !seg.acquire() {
			continue
		}
		inputs = append(inputs, seg)
	}
	s.mu.RUnlock()
	defer func() {
		for _, seg := range inputs {
			seg.release()
		}
	}()

	if len(inputs) == 0 {
		return CompactionReport{Duration: time.Since(start)}, nil
	}

	// Phase 2: copy live records without holding the store lock.
	w := &compactionWriter{s: s}
	moves, err := s.copyLive(ctx, inputs, w)
	if err == nil {
		err = w.finish()
	}
	if err != nil {
		w.abort()
		s.logger.Error("storage: compaction aborted", "error", err)
		return CompactionReport{}, fmt.Errorf("storage: compaction: %w", err)
	}

	// Phase 3: commit.
	report := s.commitCompaction(inputs, w.outputs, moves)
	report.Duration = time.Since(start)
	s.compactions.Add(1)

	s.logger.Info("storage: compaction complete",
		"compacted", report.SegmentsCompacted,
		"created", report.SegmentsCreated,
		"moved", report.RecordsMoved,
		"reclaimed", humanize.Bytes(uint64(max(report.BytesReclaimed, 0))),
		"duration", report.Duration)
	return report, nil
}

func (s *Store) copyLive(ctx context.Context, inputs []*segment, w *compactionWriter) ([]move, error) {
	var moves []move
	for _, seg := range inputs {
		sc := newRecordScanner(seg.reader(seg.size.Load()))
		for sc.Next() {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			rec := sc.Record()
			if rec.Deleted {
				continue
			}
			s.mu.RLock()
			live := !seg.dead.Contains(uint32(rec.Offset))
			s.mu.RUnlock()
			if !live {
				continue
			}

			raw := sc.Raw()
			if err := s.acquireIO(ctx, len(raw)); err != nil {
				return nil, err
			}
			key, err := model.DecodeKey(rec.Key)
			if err != nil {
				return nil, fmt.Errorf("segment %s offset %d: %w", seg.id, rec.Offset, err)
			}
			newLoc, out, err := w.write(raw)
			if err != nil {
				return nil, err
			}
			moves = append(moves, move{
				key:  key,
				from: model.ValueLocation{SegmentID: seg.id, Offset: uint64(rec.Offset), Size: uint32(len(raw))},
				to:   newLoc,
				out:  out,
			})
		}
		if err := sc.Err(); err != nil {
			return nil, fmt.Errorf("segment %s: %w", seg.id, err)
		}
	}
	return moves, nil
}

func (s *Store) commitCompaction(inputs, outputs []*segment, moves []move) CompactionReport {
	report := CompactionReport{
		SegmentsCompacted: len(inputs),
		SegmentsCreated:   len(outputs),
	}

	// Once the log is durable, recovery finishes removing the inputs.
	ids := make([]string, len(inputs))
	for i, seg := range inputs {
		ids[i] = string(seg.id)
	}
	logErr := fs.WriteFileAtomic(s.fs, filepath.Join(s.dir, compactionLog), []byte(strings.Join(ids, "\n")))

	s.mu.Lock()
	for _, out := range outputs {
		s.segments[out.id] = out
	}
	relocs := make([]Relocation, 0, len(moves))
	for _, m := range moves {
		size := int64(m.to.Size)
		m.out.liveBytes += size
		e, ok := s.index[m.key.Ident()]
		if !ok || e.Location != m.from {
			m.out.markDead(m.to.Offset, size)
			continue
		}
		e.Location = m.to
		relocs = append(relocs, Relocation{Key: m.key, Old: m.from, New: m.to})
		if s.cache != nil {
			s.cache.Del(cacheKey(m.from))
		}
	}
	for _, seg := range inputs {
		delete(s.segments, seg.id)
		report.BytesReclaimed += seg.size.Load()
	}
	for _, out := range outputs {
		report.BytesReclaimed -= out.size.Load()
	}
	hook := s.onRelocate
	s.mu.Unlock()

	report.RecordsMoved = len(relocs)

	if logErr != nil {
		// Removing only some inputs could resurrect deleted keys after a crash.
		s.logger.Error("storage: compaction log write failed, keeping input files", "error", logErr)
	} else {
		s.removeCompacted(ids)
	}

	for _, seg := range inputs {
		seg.release() // store reference
	}
	if hook != nil && len(relocs) > 0 {
		hook(relocs)
	}
	return report
}

// removeCompacted deletes input segment files listed in the compaction log and
// then the log itself.
func (s *Store) removeCompacted(ids []string) {
	for _, id := range ids {
		if id == "" {
			continue
		}
		err := s.fs.Remove(segmentPath(s.dir, model.SegmentID(id)))
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Error("storage: remove compacted segment", "segment", id, "error", err)
			return
		}
	}
	if err := fs.SyncDir(s.fs, s.dir); err != nil {
		s.logger.Error("storage: sync dir", "error", err)
		return
	}
	if err := s.fs.Remove(filepath.Join(s.dir, compactionLog)); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Error("storage: remove compaction log", "error", err)
	}
}

// finishCompactionLog completes a compaction that was committed before a crash.
func (s *Store) finishCompactionLog() error {
	data, err := fs.ReadFile(s.fs, filepath.Join(s.dir, compactionLog))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	ids := strings.Split(string(data), "\n")
	s.logger.Warn("storage: finishing interrupted compaction", "segments", len(ids))
	s.removeCompacted(ids)
	return nil
}

// compactionWriter appends copied records to new segment files. Files carry a
// temporary suffix until finish renames them into place.
type compactionWriter struct {
	s       *Store
	cur     *segment
	outputs []*segment
	files   []fs.File
}

func tmpPath(seg *segment) string { return seg.path + compactingExt }

func (w *compactionWriter) write(raw []byte) (model.ValueLocation, *segment, error) {
	if w.cur == nil || (w.cur.size.Load() > 0 && w.cur.size.Load()+int64(len(raw)) > w.s.opts.MaxSegmentSize) {
		if err := w.next(); err != nil {
			return model.ValueLocation{}, nil, err
		}
	}
	f := w.files[len(w.files)-1]
	off := w.cur.size.Load()
	n, err := f.Write(raw)
	if err != nil {
		return model.ValueLocation{}, nil, err
	}
	w.cur.size.Add(int64(n))
	return model.ValueLocation{SegmentID: w.cur.id, Offset: uint64(off), Size: uint32(len(raw))}, w.cur, nil
}

func (w *compactionWriter) next() error {
	seg := newSegment(w.s.fs, w.s.dir, model.SegmentID(xid.New().String()))
	f, err := w.s.fs.OpenFile(tmpPath(seg), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	w.cur = seg
	w.outputs = append(w.outputs, seg)
	w.files = append(w.files, f)
	return nil
}

// finish syncs the outputs, renames them into place, and opens them for reading.
func (w *compactionWriter) finish() error {
	for i, f := range w.files {
		if err := fs.Datasync(f); err != nil {
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
		w.files[i] = nil
	}
	for _, seg := range w.outputs {
		if err := w.s.fs.Rename(tmpPath(seg), seg.path); err != nil {
			return err
		}
	}
	if err := fs.SyncDir(w.s.fs, w.s.dir); err != nil {
		return err
	}
	for _, seg := range w.outputs {
		if err := seg.openForRead(w.s.opts.Mmap); err != nil {
			return err
		}
	}
	return nil
}

// abort removes every output, renamed or not.
func (w *compactionWriter) abort() {
	for i, f := range w.files {
		if f != nil {
			_ = f.Close()
		}
		seg := w.outputs[i]
		seg.close()
		_ = w.s.fs.Remove(tmpPath(seg))
		_ = w.s.fs.Remove(seg.path)
	}
	w.outputs = nil
}
