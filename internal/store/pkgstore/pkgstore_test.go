package pkgstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sps2/sps2/internal/hash"
	"github.com/sps2/sps2/internal/manifest"
	"github.com/sps2/sps2/internal/store/filestore"
	"github.com/sps2/sps2/internal/types"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	files, err := filestore.New(filepath.Join(dir, "store"))
	if err != nil {
		t.Fatal(err)
	}
	pkgs, err := New(filepath.Join(dir, "packages"), files)
	if err != nil {
		t.Fatal(err)
	}
	return pkgs, dir
}

func TestAdmitAndLinkTo(t *testing.T) {
	pkgs, dir := newTestStore(t)

	staging := filepath.Join(dir, "staging")
	if err := os.MkdirAll(filepath.Join(staging, "bin"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(staging, "bin", "jq"), []byte("binary"), 0o755); err != nil {
		t.Fatal(err)
	}

	m := manifest.Manifest{Package: manifest.Package{Name: "jq", Version: "1.7.0", Arch: "arm64"}}
	archiveHash := hash.Bytes(hash.Strong, []byte("archive-identity"))

	extraction := StagingExtraction{
		Dir:      staging,
		Manifest: m,
		Hash:     archiveHash,
		Entries: []types.FileEntry{
			{RelPath: "bin", IsDir: true},
			{RelPath: "bin/jq", Mode: 0o755},
		},
	}

	sp, err := pkgs.AdmitPackageFromStaging(extraction)
	if err != nil {
		t.Fatal(err)
	}
	if sp.Hash.ToHex() != archiveHash.ToHex() {
		t.Fatal("stored package must carry the archive hash")
	}

	dest := filepath.Join(dir, "live")
	if err := pkgs.LinkTo(sp, dest); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(filepath.Join(dest, "bin", "jq"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "binary" {
		t.Fatalf("linked content = %q", got)
	}
}

func TestAdmitIsIdempotent(t *testing.T) {
	pkgs, dir := newTestStore(t)
	staging := filepath.Join(dir, "staging")
	if err := os.MkdirAll(staging, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(staging, "a.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	m := manifest.Manifest{Package: manifest.Package{Name: "foo", Version: "1.0.0", Arch: "arm64"}}
	h := hash.Bytes(hash.Strong, []byte("dup-archive"))
	extraction := StagingExtraction{
		Dir: staging, Manifest: m, Hash: h,
		Entries: []types.FileEntry{{RelPath: "a.txt"}},
	}

	first, err := pkgs.AdmitPackageFromStaging(extraction)
	if err != nil {
		t.Fatal(err)
	}
	second, err := pkgs.AdmitPackageFromStaging(extraction)
	if err != nil {
		t.Fatal(err)
	}
	if first.Path != second.Path {
		t.Fatal("repeated admission of the same hash must return the same tree")
	}
}

func TestListPackages(t *testing.T) {
	pkgs, dir := newTestStore(t)
	staging := filepath.Join(dir, "staging")
	os.MkdirAll(staging, 0o755)
	os.WriteFile(filepath.Join(staging, "f"), []byte("x"), 0o644)

	h := hash.Bytes(hash.Strong, []byte("listed-archive"))
	_, err := pkgs.AdmitPackageFromStaging(StagingExtraction{
		Dir: staging, Manifest: manifest.Manifest{Package: manifest.Package{Name: "n", Version: "1", Arch: "arm64"}},
		Hash: h, Entries: []types.FileEntry{{RelPath: "f"}},
	})
	if err != nil {
		t.Fatal(err)
	}

	list, err := pkgs.ListPackages()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0] != h.ToHex() {
		t.Fatalf("ListPackages = %v", list)
	}
}
