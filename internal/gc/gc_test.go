package gc

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sps2/sps2/internal/hash"
	"github.com/sps2/sps2/internal/installer"
	"github.com/sps2/sps2/internal/manifest"
	"github.com/sps2/sps2/internal/statedb"
	"github.com/sps2/sps2/internal/statemgr"
	"github.com/sps2/sps2/internal/store/filestore"
	"github.com/sps2/sps2/internal/store/pkgstore"
	"github.com/sps2/sps2/internal/types"
)

func newTestCollector(t *testing.T) (*Collector, *installer.Installer, *statemgr.Manager) {
	t.Helper()
	dir := t.TempDir()

	files, err := filestore.New(filepath.Join(dir, "store"))
	if err != nil {
		t.Fatal(err)
	}
	pkgs, err := pkgstore.New(filepath.Join(dir, "packages"), files)
	if err != nil {
		t.Fatal(err)
	}
	db, err := statedb.Open(filepath.Join(dir, "state.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	mgr, err := statemgr.New(db, filepath.Join(dir, "states"), filepath.Join(dir, "live"), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	inst := installer.New(pkgs, mgr, nil)
	return New(mgr, files, pkgs, nil), inst, mgr
}

func installFixture(t *testing.T, inst *installer.Installer, mgr *statemgr.Manager, parent, name, version, content string) string {
	t.Helper()
	dir := t.TempDir()
	rel := "bin/" + name
	if err := os.MkdirAll(filepath.Join(dir, "bin"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, rel), []byte(content), 0o755); err != nil {
		t.Fatal(err)
	}
	h, err := hash.StrongFile(filepath.Join(dir, rel))
	if err != nil {
		t.Fatal(err)
	}
	stored, err := inst.Store.AdmitPackageFromStaging(pkgstore.StagingExtraction{
		Dir:      dir,
		Manifest: manifest.Manifest{Package: manifest.Package{Name: name, Version: version, Arch: "arm64"}},
		Entries:  []types.FileEntry{{RelPath: rel, Mode: 0o755}},
		Hash:     h,
	})
	if err != nil {
		t.Fatal(err)
	}
	stateID, err := inst.Apply(parent, "install", []installer.Addition{{Name: name, Version: version, Package: stored}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := mgr.Activate(stateID); err != nil {
		t.Fatal(err)
	}
	return stateID
}

func TestPruneStatesKeepsActiveAndRecentStates(t *testing.T) {
	c, inst, mgr := newTestCollector(t)
	s1 := installFixture(t, inst, mgr, "", "jq", "1.7.0", "v1")
	s2 := installFixture(t, inst, mgr, s1, "jq", "1.7.1", "v2")

	result, err := c.PruneStates(5, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(result.RemovedStates) != 0 {
		t.Fatalf("expected nothing pruned within keep window, got %v", result.RemovedStates)
	}
	_ = s2
}

func TestPruneStatesRemovesOldStatesBeyondKeep(t *testing.T) {
	c, inst, mgr := newTestCollector(t)
	s1 := installFixture(t, inst, mgr, "", "jq", "1.7.0", "v1")
	s2 := installFixture(t, inst, mgr, s1, "jq", "1.7.1", "v2")
	installFixture(t, inst, mgr, s2, "jq", "1.7.2", "v3")

	result, err := c.PruneStates(1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(result.RemovedStates) == 0 {
		t.Fatal("expected at least one state pruned beyond the keep window")
	}
	for _, id := range result.RemovedStates {
		if _, err := os.Stat(filepath.Join(mgr.StatesRoot, id)); !os.IsNotExist(err) {
			t.Fatalf("expected pruned state directory removed: %s", id)
		}
	}
}

func TestPruneStatesRespectsMinAge(t *testing.T) {
	c, inst, mgr := newTestCollector(t)
	s1 := installFixture(t, inst, mgr, "", "jq", "1.7.0", "v1")
	installFixture(t, inst, mgr, s1, "jq", "1.7.1", "v2")

	result, err := c.PruneStates(0, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if len(result.RemovedStates) != 0 {
		t.Fatalf("expected minAge to protect freshly created states, got %v", result.RemovedStates)
	}
}

func TestSweepReclaimsZeroRefcountFileAfterPrune(t *testing.T) {
	c, inst, mgr := newTestCollector(t)
	s1 := installFixture(t, inst, mgr, "", "jq", "1.7.0", "v1")
	installFixture(t, inst, mgr, s1, "jq", "1.7.1", "v2")

	// keep counts non-active states only, so keep=0 is what drops s1.
	if _, err := c.PruneStates(0, 0); err != nil {
		t.Fatal(err)
	}

	result, err := c.Sweep()
	if err != nil {
		t.Fatal(err)
	}
	if result.FilesRemoved == 0 {
		t.Fatalf("expected sweep to reclaim jq 1.7.0's file object, got %+v", result)
	}
}
