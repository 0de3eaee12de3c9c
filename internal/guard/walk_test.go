package guard

import (
	"os"
	"path/filepath"
	"sort"
	"testing"
)

func TestWalkLivePrefixCollectsFilesDirsAndSymlinks(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "bin"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "bin", "jq"), []byte("x"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("jq", filepath.Join(root, "bin", "jq-link")); err != nil {
		t.Fatal(err)
	}

	entries, err := walkLivePrefix(root, 4)
	if err != nil {
		t.Fatal(err)
	}

	paths := make([]string, 0, len(entries))
	for _, e := range entries {
		paths = append(paths, e.RelPath)
	}
	sort.Strings(paths)

	want := []string{"bin", "bin/jq", "bin/jq-link"}
	if len(paths) != len(want) {
		t.Fatalf("got paths %v, want %v", paths, want)
	}
	for i := range want {
		if paths[i] != want[i] {
			t.Fatalf("got paths %v, want %v", paths, want)
		}
	}
}

func TestWalkLivePrefixMissingRootReturnsEmpty(t *testing.T) {
	entries, err := walkLivePrefix(filepath.Join(t.TempDir(), "does-not-exist"), 4)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no entries for missing root, got %v", entries)
	}
}
