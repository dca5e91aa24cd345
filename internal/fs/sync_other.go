//go:build !linux

package fs

// Datasync falls back to a full Sync where fdatasync is unavailable.
func Datasync(f File) error {
	return f.Sync()
}
