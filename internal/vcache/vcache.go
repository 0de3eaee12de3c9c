// Package vcache implements the guard's verification cache (spec
// §4.12): a bounded, in-memory record of "this path was last verified
// at this level, with this size/mtime" so repeated guard runs skip
// re-hashing unchanged files. Unlike the teacher's BoltDB-backed
// hash cache (whose persistence makes single-read-lock reuse across
// process runs worth the disk round trip), the verification cache is
// deliberately not persisted: the spec requires it is "rebuilt on
// first guard run", and a stale on-disk verification record would
// defeat the guard's whole purpose of catching filesystem drift.
package vcache

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// Level is the depth of check an Entry was last verified at.
type Level int

const (
	LevelQuick Level = iota
	LevelStandard
	LevelFull
)

// Entry is one path's last-known-good verification state.
type Entry struct {
	Path       string
	Package    string
	Version    string
	Level      Level
	Size       int64
	ModTime    time.Time
	VerifiedAt time.Time
}

// Cache is a bounded, mutex-guarded verification record set.
type Cache struct {
	mu         sync.Mutex
	entries    map[string]Entry
	maxEntries int
	maxAge     time.Duration
}

// New returns an empty Cache bounded by maxEntries and maxAge. A
// maxEntries of 0 disables the count bound (age-only eviction); a
// maxAge of 0 disables the age bound.
func New(maxEntries int, maxAge time.Duration) *Cache {
	return &Cache{
		entries:    make(map[string]Entry),
		maxEntries: maxEntries,
		maxAge:     maxAge,
	}
}

// Lookup returns the cached entry for path if it is still valid: present,
// not older than maxAge, at least as deep as level, and matching size
// and modTime (a mismatch means the file changed since it was cached,
// so the entry is evicted rather than returned stale).
func (c *Cache) Lookup(path string, level Level, size int64, modTime time.Time) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[path]
	if !ok {
		return Entry{}, false
	}
	if c.maxAge > 0 && time.Since(e.VerifiedAt) > c.maxAge {
		delete(c.entries, path)
		return Entry{}, false
	}
	if e.Level < level || e.Size != size || !e.ModTime.Equal(modTime) {
		delete(c.entries, path)
		return Entry{}, false
	}
	return e, true
}

// Store records a fresh verification result, evicting the oldest 20% of
// entries first if the cache is at capacity.
func (c *Cache) Store(e Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.maxEntries > 0 && len(c.entries) >= c.maxEntries {
		c.evictOldestLocked()
	}
	e.VerifiedAt = time.Now()
	c.entries[e.Path] = e
}

// evictOldestLocked removes the oldest 20% of entries by VerifiedAt.
// Callers must hold c.mu.
func (c *Cache) evictOldestLocked() {
	n := len(c.entries) / 5
	if n == 0 {
		n = 1
	}
	type keyed struct {
		path       string
		verifiedAt time.Time
	}
	ordered := make([]keyed, 0, len(c.entries))
	for path, e := range c.entries {
		ordered = append(ordered, keyed{path, e.VerifiedAt})
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].verifiedAt.Before(ordered[j].verifiedAt) })
	for i := 0; i < n && i < len(ordered); i++ {
		delete(c.entries, ordered[i].path)
	}
}

// InvalidatePackage removes every entry tagged with the given package
// name and version.
func (c *Cache) InvalidatePackage(name, version string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for path, e := range c.entries {
		if e.Package == name && e.Version == version {
			delete(c.entries, path)
		}
	}
}

// InvalidateDirectory removes every entry whose path starts with prefix.
func (c *Cache) InvalidateDirectory(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for path := range c.entries {
		if strings.HasPrefix(path, prefix) {
			delete(c.entries, path)
		}
	}
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
