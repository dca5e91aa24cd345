//go:build linux

package fs

import (
	"os"

	"golang.org/x/sys/unix"
)

// Datasync flushes file data without forcing a metadata update when the
// file is backed by the operating system.
func Datasync(f File) error {
	if osf, ok := f.(*os.File); ok {
		return unix.Fdatasync(int(osf.Fd()))
	}
	return f.Sync()
}
