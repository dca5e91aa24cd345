// Package cache provides a bounded LRU cache with hit and miss counters.
//
// The B-Tree index keeps recently looked-up key locations here so hot
// lookups skip the tree walk. Entries are removed explicitly whenever the
// underlying mapping changes; the cache never decides staleness on its own.
package cache
