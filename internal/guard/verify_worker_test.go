package guard

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sps2/sps2/internal/store/filestore"
	"github.com/sps2/sps2/internal/vcache"
)

func newTestVerifyPool(t *testing.T, level Level) (*verifyPool, string, *filestore.Store) {
	t.Helper()
	root := t.TempDir()
	live := filepath.Join(root, "live")
	if err := os.MkdirAll(live, 0o755); err != nil {
		t.Fatal(err)
	}
	files, err := filestore.New(filepath.Join(root, "store"))
	if err != nil {
		t.Fatal(err)
	}
	return &verifyPool{
		livePrefix:  live,
		files:       files,
		cache:       vcache.New(100, time.Hour),
		level:       level,
		concurrency: 2,
	}, live, files
}

func admitFixture(t *testing.T, pool *verifyPool, files *filestore.Store, live, relPath, content string) ExpectedFile {
	t.Helper()
	full := filepath.Join(live, relPath)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	h, err := files.AdmitFile(full)
	if err != nil {
		t.Fatal(err)
	}
	return ExpectedFile{RelPath: relPath, FileHash: h.ToHex(), Package: "jq", Version: "1.7.0"}
}

func TestVerifyPoolPassesMatchingFile(t *testing.T) {
	pool, live, files := newTestVerifyPool(t, LevelFull)
	ef := admitFixture(t, pool, files, live, "bin/jq", "hello")

	discrepancies, stats := pool.run([]ExpectedFile{ef})
	if len(discrepancies) != 0 {
		t.Fatalf("expected no discrepancies, got %+v", discrepancies)
	}
	if stats.checked.Load() != 1 {
		t.Fatalf("expected 1 file checked, got %d", stats.checked.Load())
	}
}

func TestVerifyPoolFlagsMissingFile(t *testing.T) {
	pool, live, files := newTestVerifyPool(t, LevelQuick)
	ef := admitFixture(t, pool, files, live, "bin/jq", "hello")
	if err := os.Remove(filepath.Join(live, "bin/jq")); err != nil {
		t.Fatal(err)
	}

	discrepancies, _ := pool.run([]ExpectedFile{ef})
	if len(discrepancies) != 1 || discrepancies[0].Kind != KindMissingFile {
		t.Fatalf("expected a single missing-file discrepancy, got %+v", discrepancies)
	}
}

func TestVerifyPoolFlagsCorruptedContentAtFullLevel(t *testing.T) {
	pool, live, files := newTestVerifyPool(t, LevelFull)
	ef := admitFixture(t, pool, files, live, "bin/jq", "hello")
	if err := os.WriteFile(filepath.Join(live, "bin/jq"), []byte("tampered!"), 0o644); err != nil {
		t.Fatal(err)
	}

	discrepancies, _ := pool.run([]ExpectedFile{ef})
	if len(discrepancies) != 1 || discrepancies[0].Kind != KindCorruptedFile {
		t.Fatalf("expected a single corrupted-file discrepancy, got %+v", discrepancies)
	}
}

func TestVerifyPoolSecondRunHitsCache(t *testing.T) {
	pool, live, files := newTestVerifyPool(t, LevelFull)
	ef := admitFixture(t, pool, files, live, "bin/jq", "hello")

	if _, stats := pool.run([]ExpectedFile{ef}); stats.misses.Load() != 1 {
		t.Fatalf("expected first run to miss the cache, got %+v", stats)
	}
	if _, stats := pool.run([]ExpectedFile{ef}); stats.hits.Load() != 1 {
		t.Fatalf("expected second run to hit the cache, got %+v", stats)
	}
}
