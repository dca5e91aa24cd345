// Package wal implements the segmented write-ahead log.
//
// Every mutation is appended as a CRC-framed record before it reaches the
// segment store. Records carry a monotonically increasing LSN. Segments are
// named by xid and ordered by their first LSN, so file names never matter
// for recovery.
package wal

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/xid"

	"github.com/hupe1980/kvgo/codec"
	"github.com/hupe1980/kvgo/internal/fs"
	"github.com/hupe1980/kvgo/model"
)

// Durability controls the durability guarantees of the WAL.
type Durability int

const (
	// DurabilityAsync relies on the OS page cache and a periodic Flush.
	DurabilityAsync Durability = iota
	// DurabilitySync makes Append wait until its record is fsync'd.
	// Concurrent appenders share one fsync (group commit).
	DurabilitySync
)

// String returns the durability name.
func (d Durability) String() string {
	if d == DurabilitySync {
		return "sync"
	}
	return "async"
}

// ParseDurability parses "sync" or "async".
func ParseDurability(s string) (Durability, error) {
	switch strings.ToLower(s) {
	case "sync":
		return DurabilitySync, nil
	case "async", "":
		return DurabilityAsync, nil
	}
	return 0, fmt.Errorf("unknown WAL durability %q", s)
}

const (
	segmentExt    = ".wal"
	quarantineExt = ".corrupt"
)

var (
	// ErrClosed is returned by operations on a closed WAL.
	ErrClosed = errors.New("wal closed")
	// ErrDegraded is returned while the active segment awaits repair.
	ErrDegraded = errors.New("wal segment degraded")
)

// Error is returned for serialization and IO failures.
type Error struct {
	Op      string
	Segment string
	Err     error
}

func (e *Error) Error() string {
	if e.Segment != "" {
		return fmt.Sprintf("wal %s %s: %v", e.Op, e.Segment, e.Err)
	}
	return fmt.Sprintf("wal %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Options configures a WAL.
type Options struct {
	Durability Durability
	// SegmentSize is the size after which the active segment is rotated.
	SegmentSize int64
	// Format is the codec used for newly appended records.
	Format codec.Format
	// MinLSN is the lowest LSN the log continues from when every segment
	// holding a higher one was pruned.
	MinLSN uint64
	// Clock stamps records. A private clock is used when nil.
	Clock  *model.Clock
	Logger *slog.Logger
}

// DefaultOptions returns the default WAL options.
func DefaultOptions() Options {
	return Options{
		Durability:  DurabilitySync,
		SegmentSize: 64 << 20,
		Format:      codec.FormatBinary,
	}
}

// LogPosition identifies an appended record.
type LogPosition struct {
	Segment   string
	Offset    int64
	LSN       uint64
	Timestamp model.Timestamp
}

// Entry is a replayed record.
type Entry struct {
	Pos LogPosition
	Op  model.Operation
}

// Stats is a point-in-time view of the WAL counters.
type Stats struct {
	Records   uint64
	Bytes     uint64
	Flushes   uint64
	Errors    uint64
	Segments  int
	LastLSN   uint64
	SyncedLSN uint64
	Degraded  bool
}

type segment struct {
	id       string
	path     string
	firstLSN uint64
	lastLSN  uint64
	size     int64
	modTime  time.Time

	// inflight counts fsyncs running outside the lock against this segment.
	inflight sync.WaitGroup
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}

// WAL manages the write-ahead log segments in a directory.
type WAL struct {
	mu     sync.Mutex
	fs     fs.FileSystem
	dir    string
	opts   Options
	clock  *model.Clock
	logger *slog.Logger

	sealed  []*segment // ordered by firstLSN
	active  *segment
	file    fs.File
	cw      *countingWriter
	scratch []byte

	lastLSN   uint64
	syncedLSN uint64

	// Group commit state
	pending   bool       // an append is waiting for the syncer
	syncCond  *sync.Cond // signals the syncer that there is data to sync
	doneCond  *sync.Cond // signals waiters that a sync attempt completed
	syncEpoch uint64     // completed sync attempts
	syncErr   error      // result of the latest sync attempt
	broken    bool       // active segment must be repaired before the next append
	closed    bool
	wg        sync.WaitGroup

	records uint64
	bytes   uint64
	flushes uint64
	errors  uint64
}

// Open opens or creates the WAL in dir.
//
// Existing segments are scanned and validated. A torn tail is truncated to the
// last valid record; segments that follow a corrupt one are quarantined. A new
// active segment is always created.
func Open(fsys fs.FileSystem, dir string, opts Options) (*WAL, error) {
	if fsys == nil {
		fsys = fs.Default
	}
	if opts.SegmentSize <= 0 {
		opts.SegmentSize = DefaultOptions().SegmentSize
	}
	if opts.Format == 0 {
		opts.Format = codec.FormatBinary
	}
	if _, err := codec.ByFormat(opts.Format); err != nil {
		return nil, &Error{Op: "open", Err: err}
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.Clock == nil {
		opts.Clock = &model.Clock{}
	}
	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		return nil, &Error{Op: "open", Err: err}
	}

	w := &WAL{
		fs:     fsys,
		dir:    dir,
		opts:   opts,
		clock:  opts.Clock,
		logger: opts.Logger,
	}
	w.syncCond = sync.NewCond(&w.mu)
	w.doneCond = sync.NewCond(&w.mu)

	if err := w.load(); err != nil {
		return nil, err
	}
	w.lastLSN = max(w.lastLSN, opts.MinLSN)
	w.syncedLSN = w.lastLSN
	if err := w.openSegment(); err != nil {
		return nil, err
	}

	if opts.Durability == DurabilitySync {
		w.wg.Add(1)
		go w.runSyncer()
	}
	return w, nil
}

type scanned struct {
	seg   *segment
	valid int64
	torn  bool
}

// quarantine renames segments out of the replay set.
func (w *WAL) quarantine(segs []scanned) error {
	for _, s := range segs {
		if err := w.fs.Rename(s.seg.path, s.seg.path+quarantineExt); err != nil {
			return &Error{Op: "quarantine", Segment: s.seg.id, Err: err}
		}
	}
	return nil
}

func (w *WAL) load() error {
	entries, err := w.fs.ReadDir(w.dir)
	if err != nil {
		return &Error{Op: "open", Err: err}
	}

	var segs []scanned
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != segmentExt {
			continue
		}
		path := filepath.Join(w.dir, e.Name())
		seg := &segment{id: strings.TrimSuffix(e.Name(), segmentExt), path: path}
		valid, torn, err := scanSegment(w.fs, seg)
		if err != nil {
			return &Error{Op: "open", Segment: seg.id, Err: err}
		}
		if seg.lastLSN == 0 {
			// No complete record: nothing to keep.
			if err := w.fs.Remove(path); err != nil {
				return &Error{Op: "open", Segment: seg.id, Err: err}
			}
			continue
		}
		segs = append(segs, scanned{seg: seg, valid: valid, torn: torn})
	}
	slices.SortFunc(segs, func(a, b scanned) int {
		switch {
		case a.seg.firstLSN < b.seg.firstLSN:
			return -1
		case a.seg.firstLSN > b.seg.firstLSN:
			return 1
		}
		return 0
	})

	for i, s := range segs {
		if i > 0 && s.seg.firstLSN != segs[i-1].seg.lastLSN+1 {
			w.logger.Warn("wal: LSN gap, quarantining remaining segments",
				"segment", s.seg.id, "expected", segs[i-1].seg.lastLSN+1, "found", s.seg.firstLSN)
			return w.quarantine(segs[i:])
		}
		if s.torn {
			w.logger.Warn("wal: truncating torn tail",
				"segment", s.seg.id, "offset", s.valid, "discarded", humanize.Bytes(uint64(s.seg.size-s.valid)))
			if err := w.fs.Truncate(s.seg.path, s.valid); err != nil {
				return &Error{Op: "truncate", Segment: s.seg.id, Err: err}
			}
			s.seg.size = s.valid
		}
		w.sealed = append(w.sealed, s.seg)
		w.lastLSN = s.seg.lastLSN
		if s.torn && i+1 < len(segs) {
			w.logger.Warn("wal: corrupt segment is not the newest, quarantining the rest", "segment", s.seg.id)
			return w.quarantine(segs[i+1:])
		}
	}
	return nil
}

// scanSegment reads a segment, filling its LSN range, size, and mod time.
// It returns the offset of the end of the last valid record.
func scanSegment(fsys fs.FileSystem, seg *segment) (int64, bool, error) {
	f, err := fsys.OpenFile(seg.path, os.O_RDONLY, 0)
	if err != nil {
		return 0, false, err
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return 0, false, err
	}
	seg.size = info.Size()
	seg.modTime = info.ModTime()

	r := bufio.NewReaderSize(f, 64<<10)
	var valid int64
	for {
		rec, n, err := Decode(r)
		if err == io.EOF {
			return valid, false, nil
		}
		if err != nil {
			if IsTornTail(err) {
				return valid, true, nil
			}
			return valid, false, err
		}
		if seg.firstLSN == 0 {
			seg.firstLSN = rec.LSN
		} else if rec.LSN != seg.lastLSN+1 {
			// Out of sequence: treat the rest as a torn tail.
			return valid, true, nil
		}
		seg.lastLSN = rec.LSN
		valid += n
	}
}

func (w *WAL) openSegment() error {
	id := xid.New().String()
	path := filepath.Join(w.dir, id+segmentExt)
	f, err := w.fs.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return &Error{Op: "create", Segment: id, Err: err}
	}
	if err := fs.SyncDir(w.fs, w.dir); err != nil {
		_ = f.Close()
		return &Error{Op: "create", Segment: id, Err: err}
	}
	w.active = &segment{id: id, path: path, modTime: time.Now()}
	w.file = f
	w.cw = &countingWriter{w: f}
	w.broken = false
	return nil
}

// sealActiveLocked syncs and closes the active segment. Empty segments are
// removed instead of sealed. The caller must hold w.mu.
func (w *WAL) sealActiveLocked() error {
	seg := w.active
	if seg == nil {
		return nil
	}
	seg.inflight.Wait()

	var syncErr error
	if !w.broken {
		syncErr = fs.Datasync(w.file)
	}
	closeErr := w.file.Close()
	w.active, w.file, w.cw = nil, nil, nil

	if seg.lastLSN == 0 {
		return w.fs.Remove(seg.path)
	}
	seg.modTime = time.Now()
	w.sealed = append(w.sealed, seg)
	if syncErr != nil {
		return syncErr
	}
	if closeErr != nil {
		return closeErr
	}
	if seg.lastLSN > w.syncedLSN {
		w.syncedLSN = seg.lastLSN
		w.doneCond.Broadcast()
	}
	return nil
}

// repairLocked discards a partially written record and continues in a new
// segment. The caller must hold w.mu.
func (w *WAL) repairLocked() error {
	seg := w.active
	seg.inflight.Wait()
	if w.file != nil {
		_ = w.file.Close()
	}
	w.file, w.cw = nil, nil

	if seg.lastLSN == 0 {
		_ = w.fs.Remove(seg.path)
	} else {
		if err := w.fs.Truncate(seg.path, seg.size); err != nil {
			return &Error{Op: "repair", Segment: seg.id, Err: err}
		}
		if err := syncFile(w.fs, seg.path); err != nil {
			return &Error{Op: "repair", Segment: seg.id, Err: err}
		}
		w.sealed = append(w.sealed, seg)
		if seg.lastLSN > w.syncedLSN {
			w.syncedLSN = seg.lastLSN
		}
	}
	w.active = nil
	w.syncErr = nil
	w.logger.Warn("wal: repaired active segment", "segment", seg.id, "size", humanize.Bytes(uint64(seg.size)))
	return w.openSegment()
}

func syncFile(fsys fs.FileSystem, path string) error {
	f, err := fsys.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	if err := fs.Datasync(f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// Append writes op to the log and returns its position.
//
// With DurabilitySync the call returns once the record is fsync'd. The
// context is only checked before the record is written.
func (w *WAL) Append(ctx context.Context, op model.Operation) (LogPosition, error) {
	pos, err := w.AppendAsync(ctx, op)
	if err != nil {
		return pos, err
	}
	if w.opts.Durability == DurabilitySync {
		return pos, w.WaitDurable(pos)
	}
	return pos, nil
}

// AppendAsync writes op to the log without waiting for durability.
func (w *WAL) AppendAsync(ctx context.Context, op model.Operation) (LogPosition, error) {
	if err := ctx.Err(); err != nil {
		return LogPosition{}, err
	}
	payload, err := codec.EncodeOperation(w.opts.Format, op)
	if err != nil {
		w.mu.Lock()
		w.errors++
		w.mu.Unlock()
		return LogPosition{}, &Error{Op: "encode", Err: err}
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return LogPosition{}, ErrClosed
	}
	if w.broken || w.active == nil {
		if w.active == nil {
			err = w.openSegment()
		} else {
			err = w.repairLocked()
		}
		if err != nil {
			w.errors++
			return LogPosition{}, err
		}
	}
	if w.active.size >= w.opts.SegmentSize {
		if err := w.rotateLocked(); err != nil {
			w.errors++
			return LogPosition{}, err
		}
	}

	rec := Record{
		LSN:       w.lastLSN + 1,
		Timestamp: w.clock.Next(),
		Format:    w.opts.Format,
		Payload:   payload,
	}
	if rec.Size()-headerSize > maxRecordSize {
		w.errors++
		return LogPosition{}, &Error{Op: "append", Err: ErrRecordTooLarge}
	}

	seg := w.active
	pos := LogPosition{Segment: seg.id, Offset: seg.size, LSN: rec.LSN, Timestamp: rec.Timestamp}

	w.scratch = rec.AppendTo(w.scratch[:0])
	if _, err := w.cw.Write(w.scratch); err != nil {
		w.errors++
		w.broken = true
		return LogPosition{}, &Error{Op: "append", Segment: seg.id, Err: err}
	}

	seg.size = w.cw.n
	if seg.firstLSN == 0 {
		seg.firstLSN = rec.LSN
	}
	seg.lastLSN = rec.LSN
	w.lastLSN = rec.LSN
	w.records++
	w.bytes += uint64(len(w.scratch))

	if w.opts.Durability == DurabilitySync {
		w.pending = true
		w.syncCond.Signal()
	}
	return pos, nil
}

// WaitDurable blocks until the record at pos is fsync'd.
func (w *WAL) WaitDurable(pos LogPosition) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.opts.Durability != DurabilitySync {
		if w.syncedLSN >= pos.LSN {
			return nil
		}
		return w.syncLocked()
	}

	start := w.syncEpoch
	for w.syncedLSN < pos.LSN {
		if w.closed && w.active == nil {
			return ErrClosed
		}
		if w.syncEpoch != start && w.syncErr != nil {
			return w.syncErr
		}
		w.pending = true
		w.syncCond.Signal()
		w.doneCond.Wait()
	}
	return nil
}

func (w *WAL) runSyncer() {
	defer w.wg.Done()
	w.mu.Lock()
	defer w.mu.Unlock()

	for {
		for !w.pending && !w.closed {
			w.syncCond.Wait()
		}
		if w.closed {
			return
		}
		w.pending = false
		if w.lastLSN <= w.syncedLSN {
			w.doneCond.Broadcast()
			continue
		}
		_ = w.syncLocked()
	}
}

// syncLocked fsyncs the active segment without holding the lock during the
// syscall. The caller must hold w.mu; it is released and reacquired.
func (w *WAL) syncLocked() error {
	if w.active == nil || w.broken {
		w.syncEpoch++
		if w.syncErr == nil {
			w.syncErr = ErrDegraded
		}
		w.doneCond.Broadcast()
		return w.syncErr
	}
	target := w.lastLSN
	seg, f := w.active, w.file
	seg.inflight.Add(1)

	w.mu.Unlock()
	err := fs.Datasync(f)
	seg.inflight.Done()
	w.mu.Lock()

	w.syncEpoch++
	if err != nil {
		w.errors++
		w.broken = true
		w.syncErr = &Error{Op: "sync", Segment: seg.id, Err: err}
		w.logger.Error("wal: sync failed", "segment", seg.id, "error", err)
	} else {
		w.syncErr = nil
		w.flushes++
		if target > w.syncedLSN {
			w.syncedLSN = target
		}
	}
	w.doneCond.Broadcast()
	return w.syncErr
}

// Flush makes every appended record durable.
func (w *WAL) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}
	if w.lastLSN <= w.syncedLSN {
		return nil
	}
	return w.syncLocked()
}

// Rotate seals the active segment and starts a new one.
func (w *WAL) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}
	return w.rotateLocked()
}

func (w *WAL) rotateLocked() error {
	if w.broken {
		return w.repairLocked()
	}
	if w.active != nil && w.active.lastLSN == 0 {
		return nil
	}
	if err := w.sealActiveLocked(); err != nil {
		return &Error{Op: "rotate", Err: err}
	}
	return w.openSegment()
}

// Replay calls fn for every record with an LSN greater than after, in LSN
// order. It stops at the first torn or corrupt record and returns the number
// of records passed to fn.
func (w *WAL) Replay(after uint64, fn func(Entry) error) (int, error) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return 0, ErrClosed
	}
	segs := make([]*segment, 0, len(w.sealed)+1)
	limits := make([]int64, 0, len(w.sealed)+1)
	for _, s := range w.sealed {
		segs = append(segs, s)
		limits = append(limits, s.size)
	}
	if w.active != nil && w.active.lastLSN > 0 {
		segs = append(segs, w.active)
		limits = append(limits, w.active.size)
	}
	w.mu.Unlock()

	count := 0
	for i, seg := range segs {
		if seg.lastLSN <= after {
			continue
		}
		n, stop, err := replaySegment(w.fs, seg, limits[i], after, fn)
		count += n
		if err != nil {
			return count, err
		}
		if stop {
			w.logger.Warn("wal: replay stopped at corrupt record", "segment", seg.id)
			break
		}
	}
	return count, nil
}

func replaySegment(fsys fs.FileSystem, seg *segment, limit int64, after uint64, fn func(Entry) error) (int, bool, error) {
	f, err := fsys.OpenFile(seg.path, os.O_RDONLY, 0)
	if err != nil {
		return 0, false, &Error{Op: "replay", Segment: seg.id, Err: err}
	}
	defer func() { _ = f.Close() }()

	r := bufio.NewReaderSize(io.LimitReader(f, limit), 64<<10)
	var (
		offset int64
		count  int
	)
	for {
		rec, n, err := Decode(r)
		if err == io.EOF {
			return count, false, nil
		}
		if err != nil {
			if IsTornTail(err) {
				return count, true, nil
			}
			return count, false, &Error{Op: "replay", Segment: seg.id, Err: err}
		}
		pos := LogPosition{Segment: seg.id, Offset: offset, LSN: rec.LSN, Timestamp: rec.Timestamp}
		offset += n
		if rec.LSN <= after {
			continue
		}
		op, err := rec.Operation()
		if err != nil {
			return count, false, &Error{Op: "decode", Segment: seg.id, Err: err}
		}
		if err := fn(Entry{Pos: pos, Op: op}); err != nil {
			return count, false, err
		}
		count++
	}
}

// Prune deletes sealed segments whose records are all at or below safeLSN and
// that were sealed before the given time. Only a prefix of the log is
// removed, so the remaining LSNs stay contiguous.
func (w *WAL) Prune(before time.Time, safeLSN uint64) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, ErrClosed
	}
	removed := 0
	for len(w.sealed) > 0 {
		seg := w.sealed[0]
		if seg.lastLSN > safeLSN || !seg.modTime.Before(before) {
			break
		}
		if err := w.fs.Remove(seg.path); err != nil && !os.IsNotExist(err) {
			w.errors++
			return removed, &Error{Op: "prune", Segment: seg.id, Err: err}
		}
		w.sealed = w.sealed[1:]
		removed++
	}
	if removed > 0 {
		w.logger.Debug("wal: pruned segments", "count", removed, "safe_lsn", safeLSN)
	}
	return removed, nil
}

// Files returns the paths of the sealed segments in LSN order.
func (w *WAL) Files() []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	paths := make([]string, len(w.sealed))
	for i, s := range w.sealed {
		paths[i] = s.path
	}
	return paths
}

// LastLSN returns the LSN of the most recently appended record.
func (w *WAL) LastLSN() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastLSN
}

// SyncedLSN returns the highest LSN known to be durable.
func (w *WAL) SyncedLSN() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.syncedLSN
}

// Stats returns the WAL counters.
func (w *WAL) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	segments := len(w.sealed)
	if w.active != nil {
		segments++
	}
	return Stats{
		Records:   w.records,
		Bytes:     w.bytes,
		Flushes:   w.flushes,
		Errors:    w.errors,
		Segments:  segments,
		LastLSN:   w.lastLSN,
		SyncedLSN: w.syncedLSN,
		Degraded:  w.broken,
	}
}

// Close flushes and closes the WAL.
func (w *WAL) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	w.closed = true
	w.syncCond.Broadcast()
	w.doneCond.Broadcast()
	w.mu.Unlock()

	w.wg.Wait() // Wait for syncer to finish

	w.mu.Lock()
	defer w.mu.Unlock()
	defer w.doneCond.Broadcast()

	if w.active == nil {
		return nil
	}
	if w.broken {
		seg := w.active
		if w.file != nil {
			_ = w.file.Close()
		}
		w.active, w.file, w.cw = nil, nil, nil
		if seg.lastLSN == 0 {
			return w.fs.Remove(seg.path)
		}
		return w.fs.Truncate(seg.path, seg.size)
	}
	if err := w.sealActiveLocked(); err != nil {
		return &Error{Op: "close", Err: err}
	}
	return nil
}
