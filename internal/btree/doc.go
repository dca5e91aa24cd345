// Package btree implements the ordered key index.
//
// The tree maps model.Key to the model.ValueLocation of its newest record.
// Nodes live in an arena slice and refer to each other by index, including a
// parent link that lets range scans walk from leaf to leaf without a stack.
// Entries are stored in internal nodes as well as in leaves.
//
// A small LRU keeps recently looked-up locations. Every structural change
// invalidates the affected key while holding the tree's write lock, so a
// cached location is never older than the tree.
package btree
