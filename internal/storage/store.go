package storage

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/rs/xid"

	"github.com/hupe1980/kvgo/codec"
	"github.com/hupe1980/kvgo/internal/compress"
	"github.com/hupe1980/kvgo/internal/fs"
	"github.com/hupe1980/kvgo/internal/resource"
	"github.com/hupe1980/kvgo/model"
)

var (
	// ErrNotFound is returned when a key or record does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrCorrupted is returned when a record fails its checksum.
	ErrCorrupted = errors.New("storage: record corrupted")
	// ErrSegmentGone is returned when a location points at a segment that
	// compaction has removed. Callers should look the key up again.
	ErrSegmentGone = errors.New("storage: segment no longer exists")
	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("storage: closed")
)

// maxSegmentLimit keeps record offsets addressable by the 32-bit dead sets.
const maxSegmentLimit = 1<<32 - 1

// Options configures a Store.
type Options struct {
	FS fs.FileSystem
	// MaxSegmentSize is the size after which the active segment is sealed.
	MaxSegmentSize int64
	// CompactionThreshold is the dead ratio that makes NeedsCompaction true.
	CompactionThreshold float64
	Compression         compress.Type
	CompressionLevel    int
	Format              codec.Format
	// CacheBytes bounds the decoded-value cache. Zero disables it.
	CacheBytes int64
	// Mmap enables memory-mapped reads of sealed segments on the local file system.
	Mmap     bool
	Clock    *model.Clock
	Resource *resource.Controller
	Logger   *slog.Logger
}

// DefaultOptions returns the default storage options.
func DefaultOptions() Options {
	return Options{
		FS:                  fs.Default,
		MaxSegmentSize:      256 << 20,
		CompactionThreshold: 0.3,
		Compression:         compress.LZ4,
		Format:              codec.FormatBinary,
		CacheBytes:          64 << 20,
		Mmap:                true,
	}
}

// Entry is the offset-index entry of a live key.
type Entry struct {
	Key       model.Key
	Location  model.ValueLocation
	Timestamp model.Timestamp
}

// Relocation describes a record moved by compaction.
type Relocation struct {
	Key model.Key
	Old model.ValueLocation
	New model.ValueLocation
}

// Stats is a point-in-time view of the store.
type Stats struct {
	Segments      int
	Keys          int
	LiveBytes     int64
	DeadBytes     int64
	DiskUsage     int64
	Fragmentation float64
	CacheHits     uint64
	CacheMisses   uint64
	Compactions   uint64
	WriteErrors   uint64
	Degraded      bool
}

// NeedsCompaction reports whether the dead ratio reached threshold. A
// non-positive threshold disables compaction.
func (st Stats) NeedsCompaction(threshold float64) bool {
	return threshold > 0 && st.Fragmentation >= threshold
}

// Store is the log-structured segment store with its offset index.
type Store struct {
	dir    string
	opts   Options
	fs     fs.FileSystem
	clock  *model.Clock
	comp   *compress.Compressor
	cache  *ristretto.Cache[string, model.Value]
	rc     *resource.Controller
	logger *slog.Logger

	// writeMu serializes appends to the active segment.
	writeMu sync.Mutex
	// mu guards the index, the segment table, and segment accounting.
	mu       sync.RWMutex
	index    map[string]*Entry
	segments map[model.SegmentID]*segment
	active   *segment

	compactMu   sync.Mutex
	onRelocate  func([]Relocation)
	recovery    RecoveryReport
	compactions atomic.Uint64
	writeErrors atomic.Uint64
	degraded    atomic.Bool
	closed      atomic.Bool
}

// Open opens the store in dir and recovers its offset index from the
// segment files.
func Open(dir string, opts Options) (*Store, error) {
	if opts.FS == nil {
		opts.FS = fs.Default
	}
	if opts.MaxSegmentSize <= 0 {
		opts.MaxSegmentSize = DefaultOptions().MaxSegmentSize
	}
	opts.MaxSegmentSize = min(opts.MaxSegmentSize, maxSegmentLimit)
	if opts.Format == 0 {
		opts.Format = codec.FormatBinary
	}
	if opts.Clock == nil {
		opts.Clock = &model.Clock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if _, ok := opts.FS.(fs.LocalFS); !ok {
		opts.Mmap = false
	}

	comp, err := compress.New(opts.Compression, opts.CompressionLevel)
	if err != nil {
		return nil, err
	}
	if err := opts.FS.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &Store{
		dir:      dir,
		opts:     opts,
		fs:       opts.FS,
		clock:    opts.Clock,
		comp:     comp,
		rc:       opts.Resource,
		logger:   opts.Logger,
		index:    make(map[string]*Entry),
		segments: make(map[model.SegmentID]*segment),
	}

	if opts.CacheBytes > 0 {
		cache, err := ristretto.NewCache(&ristretto.Config[string, model.Value]{
			NumCounters:        max(opts.CacheBytes/64, 1<<12),
			MaxCost:            opts.CacheBytes,
			BufferItems:        64,
			Metrics:            true,
			IgnoreInternalCost: true,
		})
		if err != nil {
			return nil, err
		}
		s.cache = cache
	}

	if err := s.recover(); err != nil {
		s.closeSegments()
		return nil, err
	}
	if err := s.rotateLocked(); err != nil {
		s.closeSegments()
		return nil, err
	}
	return s, nil
}

// OnRelocate registers a hook called after compaction moved live records.
func (s *Store) OnRelocate(fn func([]Relocation)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onRelocate = fn
}

// Recovery returns the report of the scan performed by Open.
func (s *Store) Recovery() RecoveryReport {
	return s.recovery
}

// rotateLocked seals the active segment and creates a new one.
// The caller must hold writeMu or be the only user of the store.
func (s *Store) rotateLocked() error {
	if prev := s.active; prev != nil {
		if prev.size.Load() == 0 {
			return nil
		}
		if err := prev.seal(s.opts.Mmap); err != nil {
			return fmt.Errorf("storage: seal %s: %w", prev.id, err)
		}
	}
	seg, err := createSegment(s.fs, s.dir, model.SegmentID(xid.New().String()))
	if err != nil {
		return fmt.Errorf("storage: create segment: %w", err)
	}
	if err := fs.SyncDir(s.fs, s.dir); err != nil {
		seg.close()
		_ = s.fs.Remove(seg.path)
		return fmt.Errorf("storage: create segment: %w", err)
	}

	s.mu.Lock()
	s.segments[seg.id] = seg
	s.active = seg
	s.mu.Unlock()
	return nil
}

// Rotate seals the active segment.
func (s *Store) Rotate() error {
	if s.closed.Load() {
		return ErrClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.rotateLocked()
}

// Write stores value under key and returns its location. A zero ts is
// replaced by the store clock.
func (s *Store) Write(key model.Key, value model.Value, ts model.Timestamp) (model.ValueLocation, error) {
	if s.closed.Load() {
		return model.ValueLocation{}, ErrClosed
	}
	if err := key.Validate(); err != nil {
		return model.ValueLocation{}, fmt.Errorf("storage: %w", err)
	}
	raw, err := codec.EncodeValue(s.opts.Format, value)
	if err != nil {
		return model.ValueLocation{}, fmt.Errorf("storage: encode value: %w", err)
	}
	payload, ct, err := s.comp.Compress(raw)
	if err != nil {
		return model.ValueLocation{}, fmt.Errorf("storage: compress value: %w", err)
	}
	ts = s.stamp(ts)
	rec := encodeRecord(key.Encode(), payload, ts, ct, s.opts.Format, false)

	loc, err := s.append(key, rec, ts, false)
	if err != nil {
		return model.ValueLocation{}, err
	}
	if s.cache != nil {
		s.cache.Set(cacheKey(loc), value, int64(len(raw)))
	}
	return loc, nil
}

// Delete appends a tombstone for key and removes it from the offset index.
func (s *Store) Delete(key model.Key, ts model.Timestamp) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if err := key.Validate(); err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	ts = s.stamp(ts)
	rec := encodeRecord(key.Encode(), nil, ts, compress.None, s.opts.Format, true)
	_, err := s.append(key, rec, ts, true)
	return err
}

func (s *Store) stamp(ts model.Timestamp) model.Timestamp {
	if ts == 0 {
		return s.clock.Next()
	}
	s.clock.Observe(ts)
	return ts
}

func (s *Store) append(key model.Key, rec []byte, ts model.Timestamp, tombstone bool) (model.ValueLocation, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.active.size.Load()+int64(len(rec)) > s.opts.MaxSegmentSize && s.active.size.Load() > 0 {
		if err := s.rotateLocked(); err != nil {
			s.writeErrors.Add(1)
			return model.ValueLocation{}, err
		}
	}

	seg := s.active
	off, err := seg.append(rec)
	if err != nil {
		s.writeErrors.Add(1)
		var werr *segmentWriteError
		s.degraded.Store(errors.As(err, &werr))
		return model.ValueLocation{}, fmt.Errorf("storage: write %s: %w", seg.id, err)
	}
	s.degraded.Store(false)

	loc := model.ValueLocation{SegmentID: seg.id, Offset: uint64(off), Size: uint32(len(rec))}
	size := int64(len(rec))
	ident := key.Ident()

	s.mu.Lock()
	defer s.mu.Unlock()

	seg.liveBytes += size
	if old, ok := s.index[ident]; ok {
		s.markDeadLocked(old.Location)
	}
	if tombstone {
		seg.markDead(uint64(off), size)
		delete(s.index, ident)
		return loc, nil
	}
	s.index[ident] = &Entry{Key: key, Location: loc, Timestamp: ts}
	return loc, nil
}

func (s *Store) markDeadLocked(loc model.ValueLocation) {
	if seg, ok := s.segments[loc.SegmentID]; ok {
		seg.markDead(loc.Offset, int64(loc.Size))
	}
	if s.cache != nil {
		s.cache.Del(cacheKey(loc))
	}
}

// Lookup returns the location of the live record for key.
func (s *Store) Lookup(key model.Key) (model.ValueLocation, bool) {
	e, ok := s.LookupEntry(key)
	return e.Location, ok
}

// LookupEntry returns the offset-index entry for key.
func (s *Store) LookupEntry(key model.Key) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.index[key.Ident()]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Entries yields a snapshot of the offset index in no particular order.
func (s *Store) Entries() iter.Seq[Entry] {
	s.mu.RLock()
	snapshot := make([]Entry, 0, len(s.index))
	for _, e := range s.index {
		snapshot = append(snapshot, *e)
	}
	s.mu.RUnlock()

	return func(yield func(Entry) bool) {
		for _, e := range snapshot {
			if !yield(e) {
				return
			}
		}
	}
}

// Len returns the number of live keys.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.index)
}

// Read returns the value stored at loc.
func (s *Store) Read(loc model.ValueLocation) (model.Value, error) {
	if s.closed.Load() {
		return model.Value{}, ErrClosed
	}
	if s.cache != nil {
		if v, ok := s.cache.Get(cacheKey(loc)); ok {
			return v, nil
		}
	}

	s.mu.RLock()
	seg, ok := s.segments[loc.SegmentID]
	if ok && !seg.acquire() {
		ok = false
	}
	s.mu.RUnlock()
	if !ok {
		return model.Value{}, ErrSegmentGone
	}
	defer seg.release()

	b, err := seg.read(int64(loc.Offset), int(loc.Size))
	if err != nil {
		return model.Value{}, fmt.Errorf("storage: read %s: %w", loc, err)
	}
	rec, err := parseRecord(b)
	if err != nil || rec.size() != int64(loc.Size) {
		return model.Value{}, fmt.Errorf("%w: %s", ErrCorrupted, loc)
	}
	if rec.Deleted {
		return model.Value{}, ErrNotFound
	}
	raw, err := compress.Decompress(rec.Compression, rec.Value)
	if err != nil {
		return model.Value{}, fmt.Errorf("%w: %s: %w", ErrCorrupted, loc, err)
	}
	v, err := codec.DecodeValue(rec.Format, raw)
	if err != nil {
		return model.Value{}, fmt.Errorf("storage: decode %s: %w", loc, err)
	}
	if s.cache != nil {
		s.cache.Set(cacheKey(loc), v, int64(len(raw)))
	}
	return v, nil
}

// Get looks key up and reads its value. A location invalidated by a
// concurrent compaction is looked up again.
func (s *Store) Get(key model.Key) (model.Value, error) {
	for range 3 {
		loc, ok := s.Lookup(key)
		if !ok {
			return model.Value{}, ErrNotFound
		}
		v, err := s.Read(loc)
		if errors.Is(err, ErrSegmentGone) {
			continue
		}
		return v, err
	}
	return model.Value{}, ErrSegmentGone
}

func cacheKey(loc model.ValueLocation) string {
	return fmt.Sprintf("%s:%d", loc.SegmentID, loc.Offset)
}

// Sync makes the active segment durable.
func (s *Store) Sync() error {
	if s.closed.Load() {
		return ErrClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := fs.Datasync(s.active.file); err != nil {
		s.writeErrors.Add(1)
		return fmt.Errorf("storage: sync %s: %w", s.active.id, err)
	}
	return nil
}

// NeedsCompaction reports whether the dead ratio reached the threshold.
func (s *Store) NeedsCompaction() bool {
	return s.Stats().NeedsCompaction(s.opts.CompactionThreshold)
}

// Stats returns the store statistics.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	st := Stats{
		Segments: len(s.segments),
		Keys:     len(s.index),
	}
	for _, seg := range s.segments {
		st.LiveBytes += seg.liveBytes
		st.DeadBytes += seg.deadBytes
		st.DiskUsage += seg.size.Load()
	}
	s.mu.RUnlock()

	if total := st.LiveBytes + st.DeadBytes; total > 0 {
		st.Fragmentation = float64(st.DeadBytes) / float64(total)
	}
	if s.cache != nil {
		st.CacheHits = s.cache.Metrics.Hits()
		st.CacheMisses = s.cache.Metrics.Misses()
	}
	st.Compactions = s.compactions.Load()
	st.WriteErrors = s.writeErrors.Load()
	st.Degraded = s.degraded.Load()
	return st
}

// SegmentIDs returns the ids of the sealed segments in creation order.
func (s *Store) SegmentIDs() []model.SegmentID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := slices.Sorted(maps.Keys(s.segments))
	return slices.DeleteFunc(ids, func(id model.SegmentID) bool { return s.active != nil && id == s.active.id })
}

// Close syncs and closes the store.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	s.compactMu.Lock()
	defer s.compactMu.Unlock()
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var err error
	if s.active != nil && s.active.file != nil {
		err = fs.Datasync(s.active.file)
	}
	s.closeSegments()
	if s.cache != nil {
		s.cache.Close()
	}
	return err
}

func (s *Store) closeSegments() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, seg := range s.segments {
		seg.close()
	}
}

// acquireIO throttles background IO through the resource controller.
func (s *Store) acquireIO(ctx context.Context, n int) error {
	return s.rc.AcquireIO(ctx, n)
}
