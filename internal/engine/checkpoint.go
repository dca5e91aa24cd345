package engine

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"

	"github.com/hupe1980/kvgo/internal/fs"
)

const (
	checkpointFile    = "CHECKPOINT"
	indexFile         = "INDEX"
	checkpointMagic   = "KVCP"
	checkpointVersion = 1
	// magic | version | lsn | clean | crc32
	checkpointSize = 4 + 1 + 8 + 1 + 4
)

var errBadCheckpoint = errors.New("invalid checkpoint file")

// checkpoint records the LSN up to which storage holds every logged write.
// Clean is set only by a shutdown that also wrote the index snapshot.
type checkpoint struct {
	LSN   uint64
	Clean bool
}

func (c checkpoint) marshal() []byte {
	b := make([]byte, 0, checkpointSize)
	b = append(b, checkpointMagic...)
	b = append(b, checkpointVersion)
	b = binary.LittleEndian.AppendUint64(b, c.LSN)
	var clean byte
	if c.Clean {
		clean = 1
	}
	b = append(b, clean)
	return binary.LittleEndian.AppendUint32(b, crc32.ChecksumIEEE(b))
}

func parseCheckpoint(b []byte) (checkpoint, error) {
	if len(b) != checkpointSize || string(b[:4]) != checkpointMagic {
		return checkpoint{}, errBadCheckpoint
	}
	body := b[:checkpointSize-4]
	if crc32.ChecksumIEEE(body) != binary.LittleEndian.Uint32(b[checkpointSize-4:]) {
		return checkpoint{}, fmt.Errorf("%w: checksum mismatch", errBadCheckpoint)
	}
	if b[4] != checkpointVersion {
		return checkpoint{}, fmt.Errorf("%w: version %d", errBadCheckpoint, b[4])
	}
	return checkpoint{
		LSN:   binary.LittleEndian.Uint64(b[5:13]),
		Clean: b[13] == 1,
	}, nil
}

// readCheckpoint returns the stored checkpoint, or a zero one if none exists.
func readCheckpoint(fsys fs.FileSystem, dir string) (checkpoint, error) {
	data, err := fs.ReadFile(fsys, filepath.Join(dir, checkpointFile))
	if errors.Is(err, os.ErrNotExist) {
		return checkpoint{}, nil
	}
	if err != nil {
		return checkpoint{}, err
	}
	return parseCheckpoint(data)
}

func writeCheckpoint(fsys fs.FileSystem, dir string, cp checkpoint) error {
	return fs.WriteFileAtomic(fsys, filepath.Join(dir, checkpointFile), cp.marshal())
}

// Checkpoint syncs storage and records the WAL position it covers, which
// bounds replay after a crash and lets WAL retention drop older segments.
func (e *Engine) Checkpoint() error {
	if e.closed.Load() {
		return ErrClosed
	}
	return e.checkpoint(false)
}

// checkpoint never covers records of open transactions, which recovery may
// have to undo. With clean set it also persists the index snapshot; callers
// must guarantee no writes follow.
func (e *Engine) checkpoint(clean bool) error {
	e.applyMu.Lock()
	lsn := e.wal.LastLSN()
	if first, ok := e.oldestOpenLSN(); ok {
		lsn = min(lsn, first-1)
	}
	err := e.store.Sync()
	var snapshot []byte
	if err == nil && clean {
		snapshot, err = e.index.MarshalBinary()
	}
	e.applyMu.Unlock()
	if err != nil {
		return fmt.Errorf("engine: checkpoint: %w", err)
	}

	if clean {
		if err := fs.WriteFileAtomic(e.fs, filepath.Join(e.dir, indexFile), snapshot); err != nil {
			return fmt.Errorf("engine: write index snapshot: %w", err)
		}
	}
	if err := writeCheckpoint(e.fs, e.dir, checkpoint{LSN: lsn, Clean: clean}); err != nil {
		return fmt.Errorf("engine: write checkpoint: %w", err)
	}
	e.checkpointLSN.Store(lsn)
	e.logger.Debug("engine: checkpoint", "lsn", lsn, "clean", clean)
	return nil
}
