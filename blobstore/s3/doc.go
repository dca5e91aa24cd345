// Package s3 provides an Amazon S3 implementation of blobstore.BlobStore.
//
// # Usage
//
//	store, err := s3.New(ctx, "my-bucket",
//	    s3.WithPrefix("kvgo/backups/"),
//	    s3.WithRegion("us-east-1"),
//	)
//	report, err := db.Backup(ctx, store)
//
// # Features
//
//   - Range reads for partial fetches
//   - Multipart uploads for large segments via the s3 transfer manager
//   - CRC32C checksums on upload
//   - Configurable prefix so several databases can share a bucket
package s3
