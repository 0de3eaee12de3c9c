package statemgr

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sps2/sps2/internal/statedb"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dir := t.TempDir()
	db, err := statedb.Open(filepath.Join(dir, "state.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	m, err := New(db, filepath.Join(dir, "states"), filepath.Join(dir, "live"), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestCreateStateAndActivate(t *testing.T) {
	m := newTestManager(t)

	s1, err := m.CreateState("", "install")
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(m.StatesRoot, s1, "marker.txt"), []byte("v1"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := m.Activate(s1); err != nil {
		t.Fatal(err)
	}

	got, err := os.ReadFile(filepath.Join(m.LivePath, "marker.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "v1" {
		t.Fatalf("live content = %q", got)
	}

	hash, found, err := m.GetPackageHash("nonexistent", "1.0.0")
	if err != nil {
		t.Fatal(err)
	}
	if found || hash != "" {
		t.Fatal("expected no mapping for an unregistered package")
	}
}

func TestCreateStateInheritsParentContent(t *testing.T) {
	m := newTestManager(t)

	s1, err := m.CreateState("", "install")
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(m.StatesRoot, s1, "inherited.txt"), []byte("parent"), 0o644); err != nil {
		t.Fatal(err)
	}

	s2, err := m.CreateState(s1, "install")
	if err != nil {
		t.Fatal(err)
	}

	got, err := os.ReadFile(filepath.Join(m.StatesRoot, s2, "inherited.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "parent" {
		t.Fatalf("child state did not inherit parent content: %q", got)
	}
}

func TestPackageRefLifecycle(t *testing.T) {
	m := newTestManager(t)

	s1, err := m.CreateState("", "install")
	if err != nil {
		t.Fatal(err)
	}

	if err := m.AddPackageRef(s1, "jq", "1.7.0", "archivehash123", 2048, ""); err != nil {
		t.Fatal(err)
	}
	if err := m.AddPackageFiles(s1, "jq", "1.7.0", []statedb.FileEdge{
		{RelPath: "bin/jq", FileHash: "filehash1"},
	}); err != nil {
		t.Fatal(err)
	}

	if err := m.Activate(s1); err != nil {
		t.Fatal(err)
	}

	installed, err := m.GetInstalledPackages()
	if err != nil {
		t.Fatal(err)
	}
	if len(installed) != 1 || installed[0].Name != "jq" {
		t.Fatalf("unexpected installed set: %+v", installed)
	}

	files, err := m.GetPackageFiles(s1, "jq", "1.7.0")
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 || files[0].RelPath != "bin/jq" {
		t.Fatalf("unexpected file edges: %+v", files)
	}

	if err := m.RemovePackageRef(s1, "jq", "1.7.0"); err != nil {
		t.Fatal(err)
	}
	installed, err = m.GetInstalledPackages()
	if err != nil {
		t.Fatal(err)
	}
	if len(installed) != 0 {
		t.Fatalf("expected package removed, got %+v", installed)
	}
}

func TestRollbackTo(t *testing.T) {
	m := newTestManager(t)

	s1, err := m.CreateState("", "install")
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(m.StatesRoot, s1, "v1.txt"), []byte("v1"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := m.Activate(s1); err != nil {
		t.Fatal(err)
	}

	s2, err := m.CreateState(s1, "install")
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(m.StatesRoot, s2, "v2.txt"), []byte("v2"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := m.Activate(s2); err != nil {
		t.Fatal(err)
	}

	if err := m.RollbackTo(s1); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(m.LivePath, "v1.txt")); err != nil {
		t.Fatal("expected rollback to restore v1 content")
	}
}
