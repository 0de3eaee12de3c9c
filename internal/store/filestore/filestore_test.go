package filestore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sps2/sps2/internal/hash"
)

func writeTempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestAdmitAndLinkInto(t *testing.T) {
	dir := t.TempDir()
	store, err := New(filepath.Join(dir, "store"))
	if err != nil {
		t.Fatal(err)
	}

	src := writeTempFile(t, dir, "src.txt", "hello store")
	h, err := store.AdmitFile(src)
	if err != nil {
		t.Fatal(err)
	}
	if !store.Exists(h) {
		t.Fatal("expected object to exist after admission")
	}

	dest := filepath.Join(dir, "nested", "dest.txt")
	if _, err := store.LinkInto(h, dest); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello store" {
		t.Fatalf("dest content = %q", got)
	}
}

func TestAdmitIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	store, err := New(filepath.Join(dir, "store"))
	if err != nil {
		t.Fatal(err)
	}

	srcA := writeTempFile(t, dir, "a.txt", "same content")
	srcB := writeTempFile(t, dir, "b.txt", "same content")

	hA, err := store.AdmitFile(srcA)
	if err != nil {
		t.Fatal(err)
	}
	hB, err := store.AdmitFile(srcB)
	if err != nil {
		t.Fatal(err)
	}
	if !hA.Equal(hB) {
		t.Fatal("identical content must admit to the same hash")
	}
}

func TestLinkIntoMissingObject(t *testing.T) {
	dir := t.TempDir()
	store, err := New(filepath.Join(dir, "store"))
	if err != nil {
		t.Fatal(err)
	}
	fake, _ := hash.FromHex("00000000000000000000000000000000")
	_, err = store.LinkInto(fake, filepath.Join(dir, "dest.txt"))
	if err == nil {
		t.Fatal("expected error linking a missing object")
	}
}

func TestRemoveIsNotErrorWhenMissing(t *testing.T) {
	dir := t.TempDir()
	store, err := New(filepath.Join(dir, "store"))
	if err != nil {
		t.Fatal(err)
	}
	fake := hash.Bytes(hash.Fast, []byte("never admitted"))
	if err := store.Remove(fake); err != nil {
		t.Fatalf("Remove of missing object should not error: %v", err)
	}
}

func TestSizeAndOpenRead(t *testing.T) {
	dir := t.TempDir()
	store, err := New(filepath.Join(dir, "store"))
	if err != nil {
		t.Fatal(err)
	}
	src := writeTempFile(t, dir, "sized.txt", "twelve bytes")
	h, err := store.AdmitFile(src)
	if err != nil {
		t.Fatal(err)
	}
	size, err := store.Size(h)
	if err != nil {
		t.Fatal(err)
	}
	if size != int64(len("twelve bytes")) {
		t.Fatalf("Size = %d", size)
	}
	r, err := store.OpenRead(h)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
}
