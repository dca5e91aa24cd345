package fs

import (
	"io"
	iofs "io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"
)

// MemFS is an in-memory FileSystem. It backs the "memory" storage backend
// and tests that must not touch disk. Contents are lost when the value is
// dropped.
type MemFS struct {
	mu    sync.RWMutex
	files map[string]*memData
	dirs  map[string]time.Time
}

type memData struct {
	mu      sync.RWMutex
	buf     []byte
	modTime time.Time
}

// NewMemFS returns an empty in-memory file system.
func NewMemFS() *MemFS {
	return &MemFS{
		files: make(map[string]*memData),
		dirs:  map[string]time.Time{"/": time.Now(), ".": time.Now()},
	}
}

func (m *MemFS) OpenFile(name string, flag int, perm os.FileMode) (File, error) {
	name = filepath.Clean(name)
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, isDir := m.dirs[name]; isDir {
		return &memFile{name: name, fs: m, dir: true, data: &memData{modTime: m.dirs[name]}}, nil
	}

	d, ok := m.files[name]
	switch {
	case !ok && flag&os.O_CREATE == 0:
		return nil, &os.PathError{Op: "open", Path: name, Err: os.ErrNotExist}
	case ok && flag&os.O_CREATE != 0 && flag&os.O_EXCL != 0:
		return nil, &os.PathError{Op: "open", Path: name, Err: os.ErrExist}
	case !ok:
		if _, parent := m.dirs[filepath.Dir(name)]; !parent {
			return nil, &os.PathError{Op: "open", Path: name, Err: os.ErrNotExist}
		}
		d = &memData{modTime: time.Now()}
		m.files[name] = d
	}
	if flag&os.O_TRUNC != 0 {
		d.mu.Lock()
		d.buf = d.buf[:0]
		d.mu.Unlock()
	}

	f := &memFile{name: name, fs: m, data: d, flag: flag}
	if flag&os.O_APPEND != 0 {
		d.mu.RLock()
		f.off = int64(len(d.buf))
		d.mu.RUnlock()
	}
	return f, nil
}

func (m *MemFS) Remove(name string) error {
	name = filepath.Clean(name)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.files[name]; ok {
		delete(m.files, name)
		return nil
	}
	if _, ok := m.dirs[name]; ok {
		prefix := name + string(filepath.Separator)
		for f := range m.files {
			if strings.HasPrefix(f, prefix) {
				return &os.PathError{Op: "remove", Path: name, Err: iofs.ErrExist}
			}
		}
		delete(m.dirs, name)
		return nil
	}
	return &os.PathError{Op: "remove", Path: name, Err: os.ErrNotExist}
}

func (m *MemFS) Rename(oldpath, newpath string) error {
	oldpath, newpath = filepath.Clean(oldpath), filepath.Clean(newpath)
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.files[oldpath]
	if !ok {
		return &os.LinkError{Op: "rename", Old: oldpath, New: newpath, Err: os.ErrNotExist}
	}
	delete(m.files, oldpath)
	m.files[newpath] = d
	return nil
}

func (m *MemFS) Stat(name string) (os.FileInfo, error) {
	name = filepath.Clean(name)
	m.mu.RLock()
	defer m.mu.RUnlock()
	if t, ok := m.dirs[name]; ok {
		return memInfo{name: filepath.Base(name), dir: true, mod: t}, nil
	}
	d, ok := m.files[name]
	if !ok {
		return nil, &os.PathError{Op: "stat", Path: name, Err: os.ErrNotExist}
	}
	return d.info(filepath.Base(name)), nil
}

func (m *MemFS) MkdirAll(path string, perm os.FileMode) error {
	path = filepath.Clean(path)
	m.mu.Lock()
	defer m.mu.Unlock()
	for p := path; ; p = filepath.Dir(p) {
		if _, ok := m.files[p]; ok {
			return &os.PathError{Op: "mkdir", Path: p, Err: iofs.ErrExist}
		}
		if _, ok := m.dirs[p]; !ok {
			m.dirs[p] = time.Now()
		}
		if parent := filepath.Dir(p); parent == p {
			break
		}
	}
	return nil
}

func (m *MemFS) ReadDir(name string) ([]os.DirEntry, error) {
	name = filepath.Clean(name)
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.dirs[name]; !ok {
		return nil, &os.PathError{Op: "readdir", Path: name, Err: os.ErrNotExist}
	}
	var entries []os.DirEntry
	for p, d := range m.files {
		if filepath.Dir(p) == name {
			entries = append(entries, iofs.FileInfoToDirEntry(d.info(filepath.Base(p))))
		}
	}
	for p, t := range m.dirs {
		if p != name && filepath.Dir(p) == name {
			entries = append(entries, iofs.FileInfoToDirEntry(memInfo{name: filepath.Base(p), dir: true, mod: t}))
		}
	}
	slices.SortFunc(entries, func(a, b os.DirEntry) int { return strings.Compare(a.Name(), b.Name()) })
	return entries, nil
}

func (m *MemFS) Truncate(name string, size int64) error {
	name = filepath.Clean(name)
	m.mu.RLock()
	d, ok := m.files[name]
	m.mu.RUnlock()
	if !ok {
		return &os.PathError{Op: "truncate", Path: name, Err: os.ErrNotExist}
	}
	d.truncate(size)
	return nil
}

func (d *memData) info(name string) memInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return memInfo{name: name, size: int64(len(d.buf)), mod: d.modTime}
}

func (d *memData) truncate(size int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if size < int64(len(d.buf)) {
		d.buf = d.buf[:size]
	} else {
		d.buf = append(d.buf, make([]byte, size-int64(len(d.buf)))...)
	}
	d.modTime = time.Now()
}

type memFile struct {
	name   string
	fs     *MemFS
	data   *memData
	flag   int
	off    int64
	dir    bool
	closed bool
}

func (f *memFile) Read(p []byte) (int, error) {
	n, err := f.ReadAt(p, f.off)
	f.off += int64(n)
	return n, err
}

func (f *memFile) ReadAt(p []byte, off int64) (int, error) {
	if f.closed {
		return 0, os.ErrClosed
	}
	f.data.mu.RLock()
	defer f.data.mu.RUnlock()
	if off >= int64(len(f.data.buf)) {
		return 0, io.EOF
	}
	n := copy(p, f.data.buf[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (f *memFile) Write(p []byte) (int, error) {
	if f.closed {
		return 0, os.ErrClosed
	}
	if f.dir || f.flag&(os.O_WRONLY|os.O_RDWR) == 0 {
		return 0, &os.PathError{Op: "write", Path: f.name, Err: iofs.ErrPermission}
	}
	f.data.mu.Lock()
	defer f.data.mu.Unlock()
	if f.flag&os.O_APPEND != 0 {
		f.off = int64(len(f.data.buf))
	}
	if end := f.off + int64(len(p)); end > int64(len(f.data.buf)) {
		f.data.buf = append(f.data.buf, make([]byte, end-int64(len(f.data.buf)))...)
	}
	copy(f.data.buf[f.off:], p)
	f.off += int64(len(p))
	f.data.modTime = time.Now()
	return len(p), nil
}

func (f *memFile) Seek(offset int64, whence int) (int64, error) {
	var base int64
	switch whence {
	case io.SeekCurrent:
		base = f.off
	case io.SeekEnd:
		f.data.mu.RLock()
		base = int64(len(f.data.buf))
		f.data.mu.RUnlock()
	}
	if base+offset < 0 {
		return 0, &os.PathError{Op: "seek", Path: f.name, Err: iofs.ErrInvalid}
	}
	f.off = base + offset
	return f.off, nil
}

func (f *memFile) Sync() error {
	if f.closed {
		return os.ErrClosed
	}
	return nil
}

func (f *memFile) Stat() (os.FileInfo, error) {
	if f.dir {
		return memInfo{name: filepath.Base(f.name), dir: true, mod: f.data.modTime}, nil
	}
	return f.data.info(filepath.Base(f.name)), nil
}

func (f *memFile) Close() error {
	if f.closed {
		return os.ErrClosed
	}
	f.closed = true
	return nil
}

type memInfo struct {
	name string
	size int64
	dir  bool
	mod  time.Time
}

func (i memInfo) Name() string       { return i.name }
func (i memInfo) Size() int64        { return i.size }
func (i memInfo) ModTime() time.Time { return i.mod }
func (i memInfo) IsDir() bool        { return i.dir }
func (i memInfo) Sys() any           { return nil }
func (i memInfo) Mode() os.FileMode {
	if i.dir {
		return os.ModeDir | 0o755
	}
	return 0o644
}
