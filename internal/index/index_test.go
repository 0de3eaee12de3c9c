package index

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sps2/sps2/internal/semver"
)

const sampleIndex = `{
  "version": 1,
  "minimum_client": "0.1.0",
  "timestamp": "2026-01-01T00:00:00Z",
  "packages": {
    "jq": {
      "versions": {
        "1.7.0": {
          "revision": 1, "arch": "arm64", "blake3": "deadbeef",
          "download_url": "https://example.com/jq-1.7.0.tar.zst",
          "dependencies": {"runtime": ["oniguruma>=6.9.0"]}
        },
        "1.6.0": {
          "revision": 1, "arch": "arm64", "blake3": "beadfeed",
          "download_url": "https://example.com/jq-1.6.0.tar.zst"
        }
      }
    }
  }
}`

func TestLoadAndFindBestVersion(t *testing.T) {
	idx, err := Load([]byte(sampleIndex))
	if err != nil {
		t.Fatal(err)
	}

	spec, err := semver.ParseSpec("jq>=1.0.0")
	if err != nil {
		t.Fatal(err)
	}
	best, err := idx.FindBestVersion(spec)
	if err != nil {
		t.Fatal(err)
	}
	if best.String() != "1.7.0" {
		t.Fatalf("FindBestVersion = %s, want 1.7.0", best.String())
	}
}

func TestGetVersionAndSearch(t *testing.T) {
	idx, err := Load([]byte(sampleIndex))
	if err != nil {
		t.Fatal(err)
	}
	entry, err := idx.GetVersion("jq", "1.7.0")
	if err != nil {
		t.Fatal(err)
	}
	if entry.ArchiveHash() != "deadbeef" {
		t.Fatalf("ArchiveHash = %s", entry.ArchiveHash())
	}

	names := idx.Search("j")
	if len(names) != 1 || names[0] != "jq" {
		t.Fatalf("Search = %v", names)
	}
}

func TestLoadRejectsUnsupportedVersion(t *testing.T) {
	_, err := Load([]byte(`{"version": 99, "packages": {}}`))
	if err == nil {
		t.Fatal("expected error for unsupported index version")
	}
}

func TestLoadRejectsInvalidEntry(t *testing.T) {
	bad := `{"version": 1, "packages": {"jq": {"versions": {"1.0.0": {"arch": "arm64"}}}}}`
	_, err := Load([]byte(bad))
	if err == nil {
		t.Fatal("expected error for entry missing download_url/hash")
	}
}

func TestFetcherConditionalRequest(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(sampleIndex))
	}))
	defer srv.Close()

	fetcher := NewFetcher(srv.URL)
	first, err := fetcher.Fetch(nil)
	if err != nil {
		t.Fatal(err)
	}
	if first.ETag() != `"v1"` {
		t.Fatalf("ETag = %q", first.ETag())
	}

	second, err := fetcher.Fetch(first)
	if err != nil {
		t.Fatal(err)
	}
	if second != first {
		t.Fatal("expected a 304 response to return the same cached Index")
	}
	if calls != 2 {
		t.Fatalf("expected 2 requests, got %d", calls)
	}
}
