// Package blobstore provides backup targets for kvgo data files.
//
// A BlobStore receives copies of sealed storage segments, WAL segments and
// index snapshots. Implementations must be safe for concurrent use.
//
// # Built-in Implementations
//
//   - LocalStore: a directory on the local file system
//   - MemoryStore: in-memory, for tests
//   - minio.Store: any S3-compatible endpoint via minio-go
//   - s3.Store: Amazon S3 with multipart uploads
//
// # Custom Implementations
//
//	type BlobStore interface {
//	    Open(ctx, name) (Blob, error)
//	    Create(ctx, name) (WritableBlob, error)
//	    Put(ctx, name, data) error
//	    Delete(ctx, name) error
//	    List(ctx, prefix) ([]string, error)
//	}
//
// Writes become visible when the WritableBlob is closed. A blob that is
// abandoned with Abort is never visible.
package blobstore
