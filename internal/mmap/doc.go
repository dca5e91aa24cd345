// Package mmap maps sealed segment files read-only into memory.
//
// A mapping serves point reads without a syscall per lookup. Files that are
// still being appended to must not be mapped; their tail would not be visible.
package mmap
