package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func TestGetDownloadsToDestination(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("archive-bytes"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	f := New(dir, nil)

	path, err := f.Get(context.Background(), srv.URL, "jq", "1.7.0")
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Dir(path) != dir {
		t.Fatalf("expected download under %s, got %s", dir, path)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "archive-bytes" {
		t.Fatalf("unexpected content: %q", got)
	}
}

func TestGetFailsOnNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := New(t.TempDir(), nil)
	if _, err := f.Get(context.Background(), srv.URL, "jq", "1.7.0"); err == nil {
		t.Fatal("expected an error for a 404 response")
	}
}
