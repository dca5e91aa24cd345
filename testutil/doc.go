// Package testutil provides testing utilities for kvgo.
//
// This package is intended for use in tests and benchmarks only.
// It provides a seeded random source for deterministic keys and values,
// skewed access patterns, and helpers that open throwaway databases.
//
// # Deterministic Data
//
//	rng := testutil.NewRNG(seed)
//	keys := rng.NumericKeys(1000)       // shuffled num keys
//	v := rng.RawValue(256)              // 256 random bytes
//	hot := rng.Zipf(len(keys), 1.2)     // skewed key index
//
// # Databases
//
//	db := testutil.OpenMemoryDB(t)      // memory backend, closed on cleanup
//	db := testutil.OpenDiskDB(t)        // t.TempDir, closed on cleanup
package testutil
