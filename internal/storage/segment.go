package storage

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/kvgo/internal/fs"
	"github.com/hupe1980/kvgo/internal/mmap"
	"github.com/hupe1980/kvgo/model"
)

const (
	segmentExt    = ".seg"
	compactingExt = ".compacting"
)

func segmentPath(dir string, id model.SegmentID) string {
	return filepath.Join(dir, string(id)+segmentExt)
}

func segmentIDFromName(name string) (model.SegmentID, bool) {
	if filepath.Ext(name) != segmentExt {
		return "", false
	}
	return model.SegmentID(strings.TrimSuffix(name, segmentExt)), true
}

// segment is one append-only data file.
//
// The active segment is written through file; sealed segments are read
// through an mmap when the file system supports it. Accounting fields are
// guarded by the store lock.
type segment struct {
	id   model.SegmentID
	path string
	fsys fs.FileSystem

	// fmu guards the file handles, which are swapped when the segment is sealed.
	fmu  sync.RWMutex
	file fs.File
	mm   *mmap.File

	size      atomic.Int64
	liveBytes int64
	deadBytes int64
	dead      *roaring.Bitmap // offsets of superseded or deleted records

	// refs counts the store's reference plus in-flight readers. The handles
	// are closed when it reaches zero.
	refs atomic.Int32
	once sync.Once
}

func newSegment(fsys fs.FileSystem, dir string, id model.SegmentID) *segment {
	s := &segment{
		id:   id,
		path: segmentPath(dir, id),
		fsys: fsys,
		dead: roaring.New(),
	}
	s.refs.Store(1)
	return s
}

// createSegment creates a new active segment file.
func createSegment(fsys fs.FileSystem, dir string, id model.SegmentID) (*segment, error) {
	s := newSegment(fsys, dir, id)
	f, err := fsys.OpenFile(s.path, os.O_CREATE|os.O_EXCL|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	s.file = f
	return s, nil
}

// openSealed opens an existing segment for reading.
func openSealed(fsys fs.FileSystem, dir string, id model.SegmentID, useMmap bool) (*segment, error) {
	s := newSegment(fsys, dir, id)
	if err := s.openForRead(useMmap); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *segment) openForRead(useMmap bool) error {
	file, mm, size, err := s.openReadHandles(useMmap)
	if err != nil {
		return err
	}
	s.size.Store(size)
	s.file, s.mm = file, mm
	return nil
}

func (s *segment) openReadHandles(useMmap bool) (fs.File, *mmap.File, int64, error) {
	info, err := s.fsys.Stat(s.path)
	if err != nil {
		return nil, nil, 0, err
	}
	if useMmap && info.Size() > 0 {
		if m, err := mmap.Open(s.path); err == nil {
			_ = m.Advise(mmap.AccessRandom)
			return nil, m, info.Size(), nil
		}
	}
	f, err := s.fsys.OpenFile(s.path, os.O_RDONLY, 0)
	if err != nil {
		return nil, nil, 0, err
	}
	return f, nil, info.Size(), nil
}

// seal syncs the active file and swaps it for read-only handles.
func (s *segment) seal(useMmap bool) error {
	s.fmu.RLock()
	w := s.file
	s.fmu.RUnlock()

	if err := fs.Datasync(w); err != nil {
		return err
	}
	file, mm, _, err := s.openReadHandles(useMmap)
	if err != nil {
		return err
	}

	s.fmu.Lock()
	s.file, s.mm = file, mm
	s.fmu.Unlock()
	return w.Close()
}

// append writes b at the end of the active segment. Callers serialize appends.
func (s *segment) append(b []byte) (int64, error) {
	off := s.size.Load()
	s.fmu.RLock()
	n, err := s.file.Write(b)
	s.fmu.RUnlock()
	if err != nil {
		// Drop the partial record so the next append starts on a record boundary.
		if terr := s.fsys.Truncate(s.path, off); terr != nil {
			return 0, &segmentWriteError{err: err, truncateErr: terr}
		}
		return 0, err
	}
	s.size.Add(int64(n))
	return off, nil
}

type segmentWriteError struct {
	err         error
	truncateErr error
}

func (e *segmentWriteError) Error() string {
	return e.err.Error() + " (truncate failed: " + e.truncateErr.Error() + ")"
}

func (e *segmentWriteError) Unwrap() error { return e.err }

// read returns the framed record bytes at off.
func (s *segment) read(off int64, size int) ([]byte, error) {
	if off < 0 || off+int64(size) > s.size.Load() {
		return nil, ErrCorrupted
	}
	s.fmu.RLock()
	defer s.fmu.RUnlock()
	if s.mm != nil {
		return s.mm.Bytes()[off : off+int64(size)], nil
	}
	buf := make([]byte, size)
	if _, err := s.file.ReadAt(buf, off); err != nil && err != io.EOF {
		return nil, err
	}
	return buf, nil
}

// reader returns a sequential reader over the first n bytes.
func (s *segment) reader(n int64) io.Reader {
	s.fmu.RLock()
	defer s.fmu.RUnlock()
	if s.mm != nil {
		return io.NewSectionReader(s.mm, 0, n)
	}
	return io.NewSectionReader(s.file, 0, n)
}

func (s *segment) acquire() bool {
	for {
		n := s.refs.Load()
		if n <= 0 {
			return false
		}
		if s.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (s *segment) release() {
	if s.refs.Add(-1) == 0 {
		s.close()
	}
}

func (s *segment) close() {
	s.once.Do(func() {
		s.fmu.Lock()
		defer s.fmu.Unlock()
		if s.file != nil {
			_ = s.file.Close()
		}
		if s.mm != nil {
			_ = s.mm.Close()
		}
	})
}

// markDead records that the record at off is no longer live.
func (s *segment) markDead(off uint64, size int64) {
	if s.dead.CheckedAdd(uint32(off)) {
		s.liveBytes -= size
		s.deadBytes += size
	}
}
