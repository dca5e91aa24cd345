package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/hupe1980/kvgo/model"
)

// RecoveryReport summarizes the segment scan performed at open.
type RecoveryReport struct {
	Segments          int
	Records           int
	Keys              int
	Tombstones        int
	TruncatedSegments int
	TruncatedBytes    int64
	Duration          time.Duration
}

type recoveredRecord struct {
	key       model.Key
	seg       *segment
	offset    int64
	size      int64
	ts        model.Timestamp
	tombstone bool
}

// recover scans every segment, truncates torn tails, and rebuilds the offset
// index. The newest record of a key by timestamp wins, so segment order does
// not matter.
func (s *Store) recover() error {
	start := time.Now()
	if err := s.finishCompactionLog(); err != nil {
		return err
	}
	entries, err := s.fs.ReadDir(s.dir)
	if err != nil {
		return err
	}

	var report RecoveryReport
	latest := make(map[string]*recoveredRecord)

	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			continue
		}
		if strings.HasSuffix(name, compactingExt) || strings.HasSuffix(name, ".tmp") {
			// Leftover of an interrupted compaction.
			s.logger.Warn("storage: removing incomplete compaction output", "file", name)
			if err := s.fs.Remove(filepath.Join(s.dir, name)); err != nil {
				return err
			}
			continue
		}
		id, ok := segmentIDFromName(name)
		if !ok {
			continue
		}

		seg := newSegment(s.fs, s.dir, id)
		valid, size, err := s.scanSegment(seg, latest, &report)
		if err != nil {
			return fmt.Errorf("storage: recover %s: %w", id, err)
		}
		if valid < size {
			s.logger.Warn("storage: truncating torn segment tail",
				"segment", id, "offset", valid, "discarded", humanize.Bytes(uint64(size-valid)))
			if err := s.fs.Truncate(seg.path, valid); err != nil {
				return fmt.Errorf("storage: truncate %s: %w", id, err)
			}
			report.TruncatedSegments++
			report.TruncatedBytes += size - valid
		}
		if valid == 0 {
			if err := s.fs.Remove(seg.path); err != nil {
				return err
			}
			continue
		}
		if err := seg.openForRead(s.opts.Mmap); err != nil {
			return fmt.Errorf("storage: open %s: %w", id, err)
		}
		s.segments[id] = seg
		report.Segments++
	}

	for ident, r := range latest {
		if r.tombstone {
			report.Tombstones++
			continue
		}
		r.seg.dead.Remove(uint32(r.offset))
		r.seg.liveBytes += r.size
		r.seg.deadBytes -= r.size
		s.index[ident] = &Entry{
			Key:       r.key,
			Location:  model.ValueLocation{SegmentID: r.seg.id, Offset: uint64(r.offset), Size: uint32(r.size)},
			Timestamp: r.ts,
		}
	}

	report.Keys = len(s.index)
	report.Duration = time.Since(start)
	s.recovery = report

	s.logger.Info("storage: recovered",
		"segments", report.Segments,
		"records", report.Records,
		"keys", report.Keys,
		"duration", report.Duration)
	return nil
}

// scanSegment reads every valid record of seg. All records start out dead;
// recover revives the winners. It returns the valid prefix length and the
// file size.
func (s *Store) scanSegment(seg *segment, latest map[string]*recoveredRecord, report *RecoveryReport) (int64, int64, error) {
	info, err := s.fs.Stat(seg.path)
	if err != nil {
		return 0, 0, err
	}
	f, err := s.fs.OpenFile(seg.path, os.O_RDONLY, 0)
	if err != nil {
		return 0, 0, err
	}
	defer func() { _ = f.Close() }()

	sc := newRecordScanner(f)
	for sc.Next() {
		rec := sc.Record()
		key, err := model.DecodeKey(rec.Key)
		if err != nil {
			// A checksummed record with an undecodable key is not a torn tail.
			return 0, 0, fmt.Errorf("record at %d: %w", rec.Offset, err)
		}
		size := rec.size()
		seg.dead.Add(uint32(rec.Offset))
		seg.deadBytes += size
		report.Records++

		ident := key.Ident()
		if prev, ok := latest[ident]; ok && prev.ts > rec.Timestamp {
			continue
		}
		latest[ident] = &recoveredRecord{
			key:       key,
			seg:       seg,
			offset:    rec.Offset,
			size:      size,
			ts:        rec.Timestamp,
			tombstone: rec.Deleted,
		}
		s.clock.Observe(rec.Timestamp)
	}
	if err := sc.Err(); err != nil && !errors.Is(err, errTornRecord) && !errors.Is(err, ErrCorrupted) {
		return 0, 0, err
	}
	return sc.Valid(), info.Size(), nil
}
