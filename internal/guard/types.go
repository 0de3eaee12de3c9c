// Package guard implements the active-state verifier and healer (spec
// §4.11): it confirms the live prefix matches what the state database
// claims is installed, and optionally repairs discrepancies that are
// safe to repair. Discovery and hashing are adapted from the teacher's
// scanner (fan-out/fan-in directory walk) and verifier (progressive,
// cache-backed hashing worker pool), generalized from "find duplicate
// content" to "find drift from a known-good record".
package guard

import (
	"time"

	"github.com/sps2/sps2/internal/vcache"
)

// Level reuses vcache's three verification depths directly, since the
// guard and its cache must always agree on what "good enough" means
// for a given run.
type Level = vcache.Level

const (
	LevelQuick    = vcache.LevelQuick
	LevelStandard = vcache.LevelStandard
	LevelFull     = vcache.LevelFull
)

// Scope bounds which part of the active state a guard run covers.
type Scope struct {
	Full         bool
	Packages     []string // name[@version]; verify just these packages' files
	Directories  []string // path prefixes relative to the live prefix
}

// DiscrepancyKind classifies one mismatch between the filesystem and
// the database's record of the active state.
type DiscrepancyKind string

const (
	KindMissingFile   DiscrepancyKind = "missing_file"
	KindTypeMismatch  DiscrepancyKind = "type_mismatch"
	KindCorruptedFile DiscrepancyKind = "corrupted_file"
	KindMissingVenv   DiscrepancyKind = "missing_venv"
	KindOrphanedFile  DiscrepancyKind = "orphaned_file"
)

// Discrepancy is one mismatch found during a guard run.
type Discrepancy struct {
	Kind    DiscrepancyKind
	Path    string
	Package string
	Version string
	Detail  string
}

// Summary aggregates a completed guard run.
type Summary struct {
	DiscrepancyCount int
	ByKind           map[DiscrepancyKind]int
	Duration         time.Duration
	CacheHits        int
	CacheMisses      int
	FilesChecked     int
	Discrepancies    []Discrepancy

	// ExpectedHashes maps each checked relative path to the hash the
	// database recorded for it. A Healer uses this to re-link a
	// missing or corrupted file without a second database round trip.
	ExpectedHashes map[string]string
}

// CacheHitRate returns the fraction of checks served from the
// verification cache, or 0 if nothing was checked.
func (s Summary) CacheHitRate() float64 {
	total := s.CacheHits + s.CacheMisses
	if total == 0 {
		return 0
	}
	return float64(s.CacheHits) / float64(total)
}

// CoveragePercent returns the fraction of expected files actually
// checked, as a percentage. Always 100 in the current implementation
// since every expected file is visited every run (the cache only
// short-circuits the I/O, not the bookkeeping); kept as a method so a
// future sampling-based "quick pass over a random subset" mode has
// somewhere to report partial coverage without a schema change.
func (s Summary) CoveragePercent(expected int) float64 {
	if expected == 0 {
		return 100
	}
	return float64(s.FilesChecked) / float64(expected) * 100
}

// HealPolicy controls what orphan handling a heal pass applies. Missing
// or corrupted tracked files are re-linked from the store, or
// re-admitted via Healer.Reinstaller if the store's own copy is gone
// and a Reinstaller is configured; this field only governs files on
// disk the database doesn't know about.
type HealPolicy struct {
	// OrphanAction is one of "preserve", "remove", "backup".
	OrphanAction string
	// BackupDir is where orphans go when OrphanAction == "backup".
	BackupDir string
	// PreservePrefixes lists path prefixes always preserved regardless
	// of OrphanAction (system paths, user-data directories).
	PreservePrefixes []string
}

// HealResult records what a heal pass did with each discrepancy.
type HealResult struct {
	Discrepancy Discrepancy
	Healed      bool
	Action      string
	Err         error
}
