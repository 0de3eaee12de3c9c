package guard

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/sps2/sps2/internal/types"
)

// onDiskEntry is one file, directory or symlink found while walking the live
// prefix, relative to its root.
type onDiskEntry struct {
	RelPath   string
	IsDir     bool
	IsSymlink bool
	Size      int64
	ModTime   int64
}

// walkLivePrefix enumerates every entry under root using the same
// semaphore-bounded fan-out/fan-in directory walk as the teacher's
// scanner: one goroutine per directory, a bounded worker semaphore, and
// a single collector draining a fan-in channel. Generalized here from
// "every regular file above a size threshold" to "every entry,
// including directories and symlinks", since orphan detection needs
// the full tree rather than a size-filtered file list.
func walkLivePrefix(root string, concurrency int) ([]onDiskEntry, error) {
	if concurrency <= 0 {
		concurrency = 4
	}
	sem := types.NewSemaphore(concurrency)
	resultCh := make(chan onDiskEntry, 1000)
	errCh := make(chan error, 16)
	var walkerWg sync.WaitGroup

	var walkDir func(dir string)
	walkDir = func(dir string) {
		walkerWg.Add(1)
		go func() {
			defer walkerWg.Done()
			sem.Acquire()
			defer sem.Release()

			entries, err := os.ReadDir(dir)
			if err != nil {
				select {
				case errCh <- err:
				default:
				}
				return
			}

			for _, de := range entries {
				full := filepath.Join(dir, de.Name())
				rel, relErr := filepath.Rel(root, full)
				if relErr != nil {
					continue
				}

				info, infoErr := de.Info()
				if infoErr != nil {
					continue
				}

				switch {
				case info.Mode()&os.ModeSymlink != 0:
					resultCh <- onDiskEntry{RelPath: rel, IsSymlink: true, ModTime: info.ModTime().Unix()}
				case de.IsDir():
					resultCh <- onDiskEntry{RelPath: rel, IsDir: true}
					walkDir(full)
				default:
					resultCh <- onDiskEntry{RelPath: rel, Size: info.Size(), ModTime: info.ModTime().Unix()}
				}
			}
		}()
	}

	var collectorWg sync.WaitGroup
	var results []onDiskEntry
	collectorWg.Add(1)
	go func() {
		defer collectorWg.Done()
		for r := range resultCh {
			results = append(results, r)
		}
	}()

	if _, err := os.Stat(root); err == nil {
		walkDir(root)
	}
	walkerWg.Wait()
	close(resultCh)
	collectorWg.Wait()

	select {
	case err := <-errCh:
		return results, err
	default:
		return results, nil
	}
}
