// Package fs provides filesystem abstractions for testability and fault injection.
//
// The package defines two key interfaces:
//
//   - [File]: Represents an open file with read/write/sync capabilities
//   - [FileSystem]: Abstracts filesystem operations (open, remove, rename, etc.)
//
// # Implementations
//
//   - [LocalFS]: Production implementation using standard os package
//   - [MemFS]: In-memory implementation behind the "memory" storage backend
//   - [FaultyFS]: Test utility for fault injection (simulate I/O errors)
//
// Tests can inject [FaultyFS] to simulate failures:
//
//	ffs := fs.NewFaultyFS(nil)
//	ffs.AddRule(".wal", fs.Fault{FailAfterBytes: 1024})
//	// inject ffs into component under test
//
// Filesystem operations take no context.Context: local syscalls cannot be
// interrupted. Slow remote targets live behind blobstore.Store instead.
package fs
