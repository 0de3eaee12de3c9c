package guard

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sps2/sps2/internal/hash"
	"github.com/sps2/sps2/internal/store/filestore"
	"github.com/sps2/sps2/internal/types"
	"github.com/sps2/sps2/internal/vcache"
)

// ExpectedFile is one file edge the database claims belongs to the
// active state, tagged with the package that owns it so discrepancies
// and cache invalidation can be attributed.
type ExpectedFile struct {
	RelPath    string
	FileHash   string
	IsDir      bool
	IsSymlink  bool
	LinkTarget string
	Package    string
	Version    string
}

// verifyPool checks a list of expected files against the live prefix at
// a given level, using a fixed worker pool bounded by concurrency —
// the same shape as the teacher's verifier worker pool, generalized
// from "hash this byte range and compare to siblings" to "check this
// one tracked path against its database record".
type verifyPool struct {
	livePrefix  string
	files       *filestore.Store
	cache       *vcache.Cache
	level       Level
	concurrency int
}

type verifyStats struct {
	checked atomic.Int64
	hits    atomic.Int64
	misses  atomic.Int64
}

// run verifies every expected file, returning discrepancies found.
func (p *verifyPool) run(expected []ExpectedFile) ([]Discrepancy, verifyStats) {
	var stats verifyStats
	if len(expected) == 0 {
		return nil, stats
	}

	jobCh := make(chan ExpectedFile, len(expected))
	resultCh := make(chan *Discrepancy, len(expected))
	var wg sync.WaitGroup

	concurrency := p.concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	sem := types.NewSemaphore(concurrency)

	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for f := range jobCh {
				sem.Acquire()
				d := p.verifyOne(f, &stats)
				sem.Release()
				resultCh <- d
			}
		}()
	}

	for _, f := range expected {
		jobCh <- f
	}
	close(jobCh)

	go func() {
		wg.Wait()
		close(resultCh)
	}()

	var discrepancies []Discrepancy
	for d := range resultCh {
		if d != nil {
			discrepancies = append(discrepancies, *d)
		}
	}
	return discrepancies, stats
}

func (p *verifyPool) verifyOne(f ExpectedFile, stats *verifyStats) *Discrepancy {
	stats.checked.Add(1)
	full := filepath.Join(p.livePrefix, f.RelPath)

	info, err := os.Lstat(full)
	if os.IsNotExist(err) {
		return &Discrepancy{Kind: KindMissingFile, Path: f.RelPath, Package: f.Package, Version: f.Version,
			Detail: "tracked path does not exist on disk"}
	}
	if err != nil {
		return &Discrepancy{Kind: KindMissingFile, Path: f.RelPath, Package: f.Package, Version: f.Version,
			Detail: err.Error()}
	}

	actualIsSymlink := info.Mode()&os.ModeSymlink != 0
	actualIsDir := info.IsDir()
	if actualIsSymlink != f.IsSymlink || (!actualIsSymlink && actualIsDir != f.IsDir) {
		return &Discrepancy{Kind: KindTypeMismatch, Path: f.RelPath, Package: f.Package, Version: f.Version,
			Detail: "on-disk entry type does not match the tracked type"}
	}
	if f.IsDir || f.IsSymlink {
		stats.hits.Add(1)
		return nil
	}

	if cached, ok := p.cache.Lookup(f.RelPath, p.level, info.Size(), info.ModTime()); ok {
		stats.hits.Add(1)
		_ = cached
		return nil
	}
	stats.misses.Add(1)

	if p.level == LevelQuick {
		p.cache.Store(vcache.Entry{Path: f.RelPath, Package: f.Package, Version: f.Version,
			Level: LevelQuick, Size: info.Size(), ModTime: info.ModTime()})
		return nil
	}

	expectedHash, err := hash.FromHex(f.FileHash)
	if err != nil {
		return &Discrepancy{Kind: KindCorruptedFile, Path: f.RelPath, Package: f.Package, Version: f.Version,
			Detail: "database holds an unparseable file hash"}
	}
	expectedSize, err := p.files.Size(expectedHash)
	if err != nil {
		return &Discrepancy{Kind: KindMissingFile, Path: f.RelPath, Package: f.Package, Version: f.Version,
			Detail: "file object missing from store: " + err.Error()}
	}
	if info.Size() != expectedSize {
		return &Discrepancy{Kind: KindCorruptedFile, Path: f.RelPath, Package: f.Package, Version: f.Version,
			Detail: "on-disk size does not match the store object"}
	}

	if p.level == LevelFull {
		actual, err := hash.FastFile(full)
		if err != nil {
			return &Discrepancy{Kind: KindCorruptedFile, Path: f.RelPath, Package: f.Package, Version: f.Version,
				Detail: "unable to hash file: " + err.Error()}
		}
		if !actual.Equal(expectedHash) {
			return &Discrepancy{Kind: KindCorruptedFile, Path: f.RelPath, Package: f.Package, Version: f.Version,
				Detail: "content hash does not match the store object"}
		}
	}

	p.cache.Store(vcache.Entry{Path: f.RelPath, Package: f.Package, Version: f.Version,
		Level: p.level, Size: info.Size(), ModTime: info.ModTime()})
	return nil
}

var _ = time.Now // retained: Entry.VerifiedAt is stamped by the cache itself, not here
