package installer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sps2/sps2/internal/hash"
	"github.com/sps2/sps2/internal/manifest"
	"github.com/sps2/sps2/internal/statedb"
	"github.com/sps2/sps2/internal/statemgr"
	"github.com/sps2/sps2/internal/store/filestore"
	"github.com/sps2/sps2/internal/store/pkgstore"
	"github.com/sps2/sps2/internal/types"
)

func newTestInstaller(t *testing.T) (*Installer, *statemgr.Manager) {
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
	return New(pkgs, mgr, nil), mgr
}

func admitSamplePackage(t *testing.T, inst *Installer, name, version, content string) *pkgstore.StoredPackage {
	t.Helper()
	dir := t.TempDir()
	relPath := "bin/" + name
	if err := os.MkdirAll(filepath.Join(dir, "bin"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, relPath), []byte(content), 0o755); err != nil {
		t.Fatal(err)
	}

	h, err := hash.StrongFile(filepath.Join(dir, relPath))
	if err != nil {
		t.Fatal(err)
	}
	stored, err := inst.Store.AdmitPackageFromStaging(pkgstore.StagingExtraction{
		Dir: dir,
		Manifest: manifest.Manifest{
			Package: manifest.Package{Name: name, Version: version, Arch: "arm64"},
		},
		Entries: []types.FileEntry{{RelPath: relPath, Mode: 0o755}},
		Hash:    h,
	})
	if err != nil {
		t.Fatal(err)
	}
	return stored
}

func TestApplyAddsAndActivates(t *testing.T) {
	inst, mgr := newTestInstaller(t)
	pkg := admitSamplePackage(t, inst, "jq", "1.7.0", "v1")

	stateID, err := inst.Apply("", "install", []Addition{{Name: "jq", Version: "1.7.0", Package: pkg}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := mgr.Activate(stateID); err != nil {
		t.Fatal(err)
	}

	got, err := os.ReadFile(filepath.Join(mgr.LivePath, "bin", "jq"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "v1" {
		t.Fatalf("live content = %q", got)
	}

	installed, err := mgr.GetInstalledPackages()
	if err != nil {
		t.Fatal(err)
	}
	if len(installed) != 1 || installed[0].Name != "jq" {
		t.Fatalf("unexpected installed set: %+v", installed)
	}
}

func TestApplyCarriesForwardUnrelatedPackages(t *testing.T) {
	inst, mgr := newTestInstaller(t)
	jq := admitSamplePackage(t, inst, "jq", "1.7.0", "jqv1")
	onig := admitSamplePackage(t, inst, "oniguruma", "6.9.8", "onigv1")

	s1, err := inst.Apply("", "install", []Addition{
		{Name: "jq", Version: "1.7.0", Package: jq},
		{Name: "oniguruma", Version: "6.9.8", Package: onig},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := mgr.Activate(s1); err != nil {
		t.Fatal(err)
	}

	jq2 := admitSamplePackage(t, inst, "jq", "1.7.1", "jqv2")
	s2, err := inst.Apply(s1, "update", []Addition{{Name: "jq", Version: "1.7.1", Package: jq2}},
		[]Removal{{Name: "jq", Version: "1.7.0"}})
	if err != nil {
		t.Fatal(err)
	}

	packages, err := mgr.GetStatePackages(s2)
	if err != nil {
		t.Fatal(err)
	}
	names := map[string]string{}
	for _, p := range packages {
		names[p.Name] = p.Version
	}
	if names["oniguruma"] != "6.9.8" {
		t.Fatalf("expected oniguruma carried forward unchanged, got %+v", names)
	}
	if names["jq"] != "1.7.1" {
		t.Fatalf("expected jq updated to 1.7.1, got %+v", names)
	}
}
