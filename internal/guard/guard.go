package guard

import (
	"strings"
	"time"

	"github.com/sps2/sps2/internal/events"
	"github.com/sps2/sps2/internal/statedb"
	"github.com/sps2/sps2/internal/statemgr"
	"github.com/sps2/sps2/internal/store/pkgstore"
	"github.com/sps2/sps2/internal/vcache"
)

// Guard orchestrates one verification (and optional heal) run over the
// active state: enumerate what the database says should be there,
// check it against what is actually on disk, and report or repair the
// difference.
type Guard struct {
	Manager     *statemgr.Manager
	Store       *pkgstore.Store
	Cache       *vcache.Cache
	Bus         *events.Bus
	Concurrency int
}

// New returns a Guard with a fresh verification cache sized for typical
// installations.
func New(manager *statemgr.Manager, store *pkgstore.Store, bus *events.Bus) *Guard {
	return &Guard{
		Manager:     manager,
		Store:       store,
		Cache:       vcache.New(50000, time.Hour),
		Bus:         bus,
		Concurrency: 8,
	}
}

// Run verifies scope at level and returns a Summary. It never modifies
// the filesystem; callers that want repairs run a Healer over the
// returned discrepancies afterward.
func (g *Guard) Run(scope Scope, level Level) (Summary, error) {
	start := time.Now()

	refs, err := g.Manager.GetInstalledPackages()
	if err != nil {
		return Summary{}, err
	}
	refs = filterByScope(refs, scope)

	active, err := g.activeStateID()
	if err != nil {
		return Summary{}, err
	}

	underDirs := func(rel string) bool {
		for _, d := range scope.Directories {
			if d = strings.Trim(d, "/"); d == "" || rel == d || strings.HasPrefix(rel, d+"/") {
				return true
			}
		}
		return scope.Full || len(scope.Directories) == 0
	}

	expected := make([]ExpectedFile, 0, 256)
	byPath := make(map[string]string, 256)
	for _, ref := range refs {
		edges, err := g.Manager.GetPackageFiles(active, ref.Name, ref.Version)
		if err != nil {
			return Summary{}, err
		}
		for _, e := range edges {
			if !underDirs(e.RelPath) {
				continue
			}
			ef := ExpectedFile{
				RelPath: e.RelPath, FileHash: e.FileHash, IsDir: e.IsDir,
				IsSymlink: e.IsSymlink, LinkTarget: e.LinkTarget,
				Package: ref.Name, Version: ref.Version,
			}
			expected = append(expected, ef)
			if e.FileHash != "" {
				byPath[e.RelPath] = e.FileHash
			}
		}
	}

	pool := &verifyPool{
		livePrefix:  g.Manager.LivePath,
		files:       g.Store.Files,
		cache:       g.Cache,
		level:       level,
		concurrency: g.Concurrency,
	}
	discrepancies, stats := pool.run(expected)

	if scope.Full {
		orphans, err := g.findOrphans(expected)
		if err != nil {
			return Summary{}, err
		}
		discrepancies = append(discrepancies, orphans...)
	}

	summary := Summary{
		DiscrepancyCount: len(discrepancies),
		ByKind:           make(map[DiscrepancyKind]int),
		Duration:         time.Since(start),
		CacheHits:        int(stats.hits.Load()),
		CacheMisses:      int(stats.misses.Load()),
		FilesChecked:     int(stats.checked.Load()),
		Discrepancies:    discrepancies,
		ExpectedHashes:   byPath,
	}
	for _, d := range discrepancies {
		summary.ByKind[d.Kind]++
		if g.Bus != nil {
			_ = g.Bus.Emit(events.Event{Kind: events.KindGuardDiscrepancy, Package: d.Package,
				Version: d.Version, Message: d.Path + ": " + d.Detail})
		}
	}
	return summary, nil
}

func (g *Guard) activeStateID() (string, error) {
	var id string
	err := g.Manager.DB.View(func(tx *statedb.Tx) error {
		var err error
		id, err = tx.GetActiveState()
		return err
	})
	return id, err
}

// findOrphans walks the live prefix and reports every entry not present
// in expected. Every non-directory entry is considered here; preserved
// prefixes (HealPolicy.PreservePrefixes) are applied only when healing.
func (g *Guard) findOrphans(expected []ExpectedFile) ([]Discrepancy, error) {
	known := make(map[string]bool, len(expected))
	for _, e := range expected {
		known[e.RelPath] = true
	}

	onDisk, err := walkLivePrefix(g.Manager.LivePath, g.Concurrency)
	if err != nil {
		return nil, err
	}

	var orphans []Discrepancy
	for _, e := range onDisk {
		if e.IsDir {
			continue
		}
		if known[e.RelPath] {
			continue
		}
		orphans = append(orphans, Discrepancy{
			Kind: KindOrphanedFile, Path: e.RelPath,
			Detail: "present on disk but not recorded in the active state",
		})
	}
	return orphans, nil
}

// filterByScope narrows refs to those named in scope, or returns refs
// unchanged if scope covers everything.
func filterByScope(refs []statedb.PackageRef, scope Scope) []statedb.PackageRef {
	if scope.Full || len(scope.Packages) == 0 {
		return refs
	}
	want := make(map[string]bool, len(scope.Packages))
	for _, p := range scope.Packages {
		name := p
		if i := strings.IndexByte(p, '@'); i >= 0 {
			name = p[:i]
		}
		want[name] = true
	}
	out := refs[:0:0]
	for _, r := range refs {
		if want[r.Name] {
			out = append(out, r)
		}
	}
	return out
}
