package platform

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLinkFileHardlinkFallback(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.txt")
	if err := os.WriteFile(src, []byte("content"), 0o644); err != nil {
		t.Fatal(err)
	}
	dst := filepath.Join(dir, "dst.txt")

	mode, err := LinkFile(src, dst)
	if err != nil {
		t.Fatal(err)
	}
	if mode != LinkModeClone && mode != LinkModeHardlink && mode != LinkModeCopy {
		t.Fatalf("unexpected mode %v", mode)
	}

	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "content" {
		t.Fatalf("dst content = %q", got)
	}
}

func TestSymlinkAtomic(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "target.txt")
	if err := os.WriteFile(target, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(dir, "link.txt")

	if err := SymlinkAtomic("target.txt", link); err != nil {
		t.Fatal(err)
	}
	resolved, err := os.Readlink(link)
	if err != nil {
		t.Fatal(err)
	}
	if resolved != "target.txt" {
		t.Fatalf("Readlink = %q", resolved)
	}
}

func TestRemoveEntriesSafelyOrder(t *testing.T) {
	dir := t.TempDir()
	mustMkdir := func(p string) {
		if err := os.MkdirAll(filepath.Join(dir, p), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	mustFile := func(p string) {
		if err := os.WriteFile(filepath.Join(dir, p), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	mustMkdir("a/b")
	mustFile("a/b/file.txt")
	if err := os.Symlink("file.txt", filepath.Join(dir, "a/b/link.txt")); err != nil {
		t.Fatal(err)
	}

	err := RemoveEntriesSafely(dir, []string{"a/b/link.txt", "a/b/file.txt", "a/b", "a"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "a")); !os.IsNotExist(err) {
		t.Fatal("expected a/ to be fully removed")
	}
}

func TestRemoveEntriesSafelySkipsNonEmptyDir(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "keep"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "keep", "other.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := RemoveEntriesSafely(dir, []string{"keep"}); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "keep")); err != nil {
		t.Fatal("non-empty dir must not be removed")
	}
}

func TestEmulatedSwapExchangesContent(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a")
	b := filepath.Join(dir, "b")
	tmp := filepath.Join(dir, "tmp")

	if err := os.WriteFile(a, []byte("A"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(b, []byte("B"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := EmulatedSwap(a, b, tmp); err != nil {
		t.Fatal(err)
	}

	gotA, _ := os.ReadFile(a)
	gotB, _ := os.ReadFile(b)
	if string(gotA) != "B" || string(gotB) != "A" {
		t.Fatalf("swap failed: a=%q b=%q", gotA, gotB)
	}
}
