// Package model defines the core data types shared by every layer of kvgo.
//
// # Identity Types
//
//   - KeyID: tagged identifier (UUID, numeric, composite, or opaque bytes)
//   - Key: KeyID plus timestamp, schema version, and tenant
//   - Timestamp: packed (seconds << 32 | nanos) wall-clock value
//   - ValueLocation: physical address of a record (segment, offset, size)
//
// # Data Types
//
//   - Value: tagged union of raw bytes, structured fields, time-series
//     points, blobs, and input records with lineage
//   - Operation: a mutation as logged in the WAL and accepted by batches
//
// # Ordering
//
// Keys order by identifier first and timestamp second. Identifiers of
// different kinds order by kind tag:
//
//	a := model.NewStringKey("user:1")
//	b := model.NewStringKey("user:2")
//	a.Compare(b) // -1
package model
