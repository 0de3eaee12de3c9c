package guard

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sps2/sps2/internal/hash"
	"github.com/sps2/sps2/internal/installer"
	"github.com/sps2/sps2/internal/manifest"
	"github.com/sps2/sps2/internal/statedb"
	"github.com/sps2/sps2/internal/statemgr"
	"github.com/sps2/sps2/internal/store/filestore"
	"github.com/sps2/sps2/internal/store/pkgstore"
	"github.com/sps2/sps2/internal/types"
)

func newTestGuard(t *testing.T) (*Guard, *installer.Installer, *statemgr.Manager) {
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
	g := New(mgr, pkgs, nil)
	return g, inst, mgr
}

func admitAndInstall(t *testing.T, inst *installer.Installer, mgr *statemgr.Manager, parent, name, version, content string) string {
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

func TestRunCleanStateHasNoDiscrepancies(t *testing.T) {
	g, inst, mgr := newTestGuard(t)
	admitAndInstall(t, inst, mgr, "", "jq", "1.7.0", "v1")

	summary, err := g.Run(Scope{Full: true}, LevelFull)
	if err != nil {
		t.Fatal(err)
	}
	if summary.DiscrepancyCount != 0 {
		t.Fatalf("expected no discrepancies, got %+v", summary.Discrepancies)
	}
	if summary.FilesChecked != 1 {
		t.Fatalf("expected 1 file checked, got %d", summary.FilesChecked)
	}
}

func TestRunDetectsMissingFile(t *testing.T) {
	g, inst, mgr := newTestGuard(t)
	admitAndInstall(t, inst, mgr, "", "jq", "1.7.0", "v1")

	if err := os.Remove(filepath.Join(mgr.LivePath, "bin", "jq")); err != nil {
		t.Fatal(err)
	}

	summary, err := g.Run(Scope{Full: true}, LevelQuick)
	if err != nil {
		t.Fatal(err)
	}
	if summary.ByKind[KindMissingFile] != 1 {
		t.Fatalf("expected one missing file discrepancy, got %+v", summary.ByKind)
	}
}

func TestRunDetectsCorruptedFileAtFullLevel(t *testing.T) {
	g, inst, mgr := newTestGuard(t)
	admitAndInstall(t, inst, mgr, "", "jq", "1.7.0", "v1")

	path := filepath.Join(mgr.LivePath, "bin", "jq")
	if err := os.Chmod(path, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("tampered"), 0o644); err != nil {
		t.Fatal(err)
	}

	summary, err := g.Run(Scope{Full: true}, LevelFull)
	if err != nil {
		t.Fatal(err)
	}
	if summary.ByKind[KindCorruptedFile] != 1 {
		t.Fatalf("expected one corrupted file discrepancy, got %+v", summary.ByKind)
	}
}

func TestRunDetectsOrphanedFile(t *testing.T) {
	g, inst, mgr := newTestGuard(t)
	admitAndInstall(t, inst, mgr, "", "jq", "1.7.0", "v1")

	if err := os.WriteFile(filepath.Join(mgr.LivePath, "bin", "untracked"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	summary, err := g.Run(Scope{Full: true}, LevelQuick)
	if err != nil {
		t.Fatal(err)
	}
	if summary.ByKind[KindOrphanedFile] != 1 {
		t.Fatalf("expected one orphaned file discrepancy, got %+v", summary.ByKind)
	}
}

func TestRunScopedToPackageSkipsOthers(t *testing.T) {
	g, inst, mgr := newTestGuard(t)
	s1 := admitAndInstall(t, inst, mgr, "", "jq", "1.7.0", "v1")
	admitAndInstall(t, inst, mgr, s1, "oniguruma", "6.9.8", "onigv1")

	if err := os.Remove(filepath.Join(mgr.LivePath, "bin", "oniguruma")); err != nil {
		t.Fatal(err)
	}

	summary, err := g.Run(Scope{Packages: []string{"jq"}}, LevelQuick)
	if err != nil {
		t.Fatal(err)
	}
	if summary.DiscrepancyCount != 0 {
		t.Fatalf("expected jq-scoped run to ignore oniguruma's missing file, got %+v", summary.Discrepancies)
	}
}

func TestRunHealRelinksMissingFile(t *testing.T) {
	g, inst, mgr := newTestGuard(t)
	admitAndInstall(t, inst, mgr, "", "jq", "1.7.0", "v1")

	path := filepath.Join(mgr.LivePath, "bin", "jq")
	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}

	summary, err := g.Run(Scope{Full: true}, LevelQuick)
	if err != nil {
		t.Fatal(err)
	}

	healer := &Healer{LivePrefix: mgr.LivePath, Store: g.Store}
	results := healer.Heal(summary.Discrepancies, summary.ExpectedHashes, HealPolicy{OrphanAction: "preserve"})
	for _, r := range results {
		if !r.Healed {
			t.Fatalf("expected heal to succeed, got %+v", r)
		}
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "v1" {
		t.Fatalf("healed content = %q", got)
	}
}
