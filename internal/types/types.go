// Package types provides shared value types used across sps2's components.
//
// Nothing here owns I/O or business logic; it exists so that the store,
// state manager, resolver, and guard packages can pass the same shapes
// without importing each other.
package types

import (
	"cmp"
	"slices"
)

// Semaphore implements a counting semaphore using a buffered channel.
// It limits concurrent access to a resource by blocking when the limit is reached.
type Semaphore chan struct{}

// NewSemaphore creates a semaphore that allows up to n concurrent acquisitions.
func NewSemaphore(n int) Semaphore { return make(chan struct{}, n) }

// Acquire blocks until a slot is available, then claims it.
func (s Semaphore) Acquire() { s <- struct{}{} }

// Release frees a slot, unblocking one waiting Acquire call.
func (s Semaphore) Release() { <-s }

// Sorted is an ordered collection that maintains sort order by a key function.
// T is the element type, K is the comparable key type.
type Sorted[T any, K cmp.Ordered] struct {
	items   []T
	keyFunc func(T) K
}

// NewSorted creates a sorted collection from items using keyFunc for ordering.
func NewSorted[T any, K cmp.Ordered](items []T, keyFunc func(T) K) Sorted[T, K] {
	sorted := make([]T, len(items))
	copy(sorted, items)
	slices.SortFunc(sorted, func(a, b T) int {
		return cmp.Compare(keyFunc(a), keyFunc(b))
	})
	return Sorted[T, K]{items: sorted, keyFunc: keyFunc}
}

// Items returns the sorted items.
func (s Sorted[T, K]) Items() []T { return s.items }

// First returns the first item (smallest key), or the zero value if empty.
func (s Sorted[T, K]) First() T {
	if len(s.items) == 0 {
		var zero T
		return zero
	}
	return s.items[0]
}

// Len returns the number of items.
func (s Sorted[T, K]) Len() int { return len(s.items) }

// PackageID identifies a package by name and version string (not yet
// resolved to a specific archive hash).
type PackageID struct {
	Name    string
	Version string
}

func (p PackageID) String() string { return p.Name + "-" + p.Version }

// FileEntry is one row of a package tree: a path relative to the
// prefix/package root, the file object it points at, and its kind.
type FileEntry struct {
	RelPath    string
	FileHash   string // hex-encoded fast hash of the file object, empty for directories
	IsDir      bool
	IsSymlink  bool
	LinkTarget string // symlink target, only set when IsSymlink
	Mode       uint32
}

// Dedupe groups entries by FileHash and returns one representative entry
// per distinct hash, preserving the first occurrence's order. Directories
// and symlinks (which carry no file-store hash) pass through unchanged.
//
// This generalizes the teacher's screener grouping (files grouped by
// size, then refined to sibling groups by inode) to group archive
// entries by content hash before each distinct blob is admitted into
// the file store once.
func Dedupe(entries []FileEntry) (unique []FileEntry, dupesOf map[string][]FileEntry) {
	seen := make(map[string]bool, len(entries))
	dupesOf = make(map[string][]FileEntry)
	for _, e := range entries {
		if e.IsDir || e.IsSymlink || e.FileHash == "" {
			unique = append(unique, e)
			continue
		}
		if seen[e.FileHash] {
			dupesOf[e.FileHash] = append(dupesOf[e.FileHash], e)
			continue
		}
		seen[e.FileHash] = true
		unique = append(unique, e)
	}
	return unique, dupesOf
}
