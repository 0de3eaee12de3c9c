// Package filestore implements the content-addressed file store: a flat
// directory keyed by fast hash, shared by every package tree. Dedup
// falls naturally out of content addressing — admitting the same bytes
// twice is a no-op the second time. Materializing a stored object into
// a package tree or live prefix reuses internal/platform's clone/
// hardlink/copy fallback chain, the same chain the teacher's deduper
// uses when it collapses duplicate files on disk.
package filestore

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sps2/sps2/internal/errcode"
	"github.com/sps2/sps2/internal/hash"
	"github.com/sps2/sps2/internal/platform"
)

// Store is a content-addressed blob directory rooted at Root, on the
// same filesystem as the live prefix.
type Store struct {
	Root string
}

// New returns a Store rooted at root, creating the directory if needed.
func New(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errcode.Wrap(errcode.FilesystemError, err, "creating file store root")
	}
	return &Store{Root: root}, nil
}

// CheckSameFilesystem verifies root and livePrefix report the same
// device id, failing with SameFilesystemRequired otherwise — hardlink
// and clone semantics depend on both trees living on one filesystem.
func CheckSameFilesystem(root, livePrefix string) error {
	rootInfo, err := os.Stat(root)
	if err != nil {
		return errcode.Wrap(errcode.FilesystemError, err, "stat store root")
	}
	liveInfo, err := os.Stat(livePrefix)
	if err != nil {
		return errcode.Wrap(errcode.FilesystemError, err, "stat live prefix")
	}
	rootDev, rootOK := deviceID(rootInfo)
	liveDev, liveOK := deviceID(liveInfo)
	if !rootOK || !liveOK {
		return errcode.New(errcode.SameFilesystemRequired, "cannot determine device id for store or live prefix")
	}
	if rootDev != liveDev {
		return errcode.New(errcode.SameFilesystemRequired,
			"store root and live prefix must be on the same filesystem")
	}
	return nil
}

func (s *Store) path(h hash.Hash) string {
	return filepath.Join(s.Root, h.ToHex())
}

// AdmitFile hashes sourcePath with the fast algorithm and moves/clones
// its content into the store under that hash. If an object already
// exists at that hash the source is discarded (or simply left in
// place, since the caller owns it) and the existing object is kept —
// admission is idempotent and safe to retry after a crash.
func (s *Store) AdmitFile(sourcePath string) (hash.Hash, error) {
	h, err := hash.FastFile(sourcePath)
	if err != nil {
		return hash.Hash{}, errcode.Wrap(errcode.FilesystemError, err, "hashing file for admission")
	}

	dest := s.path(h)
	if _, err := os.Stat(dest); err == nil {
		return h, nil // already admitted; dedup
	} else if !os.IsNotExist(err) {
		return hash.Hash{}, errcode.Wrap(errcode.FilesystemError, err, "stat existing store object")
	}

	if _, err := platform.LinkFile(sourcePath, dest); err != nil {
		return hash.Hash{}, errcode.Wrap(errcode.FilesystemError, err, "admitting file into store")
	}
	return h, nil
}

// LinkInto materializes a file at destPath referencing the stored
// object for h, defaulting to a hardlink so an unchanged file keeps the
// same inode across states; falls back to a copy when destPath is on a
// different filesystem than the store. Parent directories are created
// as needed.
func (s *Store) LinkInto(h hash.Hash, destPath string) (platform.LinkMode, error) {
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return 0, errcode.Wrap(errcode.FilesystemError, err, "creating parent directory")
	}
	src := s.path(h)
	if !s.Exists(h) {
		return 0, errcode.New(errcode.StoreObjectMissing, fmt.Sprintf("file store object %s missing", h))
	}
	mode, err := platform.HardlinkFile(src, destPath)
	if err != nil {
		return mode, errcode.Wrap(errcode.FilesystemError, err, "linking store object into "+destPath)
	}
	return mode, nil
}

// Exists reports whether a stored object exists for h.
func (s *Store) Exists(h hash.Hash) bool {
	_, err := os.Stat(s.path(h))
	return err == nil
}

// Size returns the byte size of the stored object for h.
func (s *Store) Size(h hash.Hash) (int64, error) {
	info, err := os.Stat(s.path(h))
	if err != nil {
		return 0, errcode.Wrap(errcode.StoreObjectMissing, err, "stat store object "+h.ToHex())
	}
	return info.Size(), nil
}

// OpenRead opens the stored object for h for reading.
func (s *Store) OpenRead(h hash.Hash) (io.ReadCloser, error) {
	f, err := os.Open(s.path(h))
	if err != nil {
		return nil, errcode.Wrap(errcode.StoreObjectMissing, err, "open store object "+h.ToHex())
	}
	return f, nil
}

// Remove unlinks the stored object for h. Only GC calls this; a missing
// object is not an error since a concurrent GC run (or an already-
// reclaimed object) is a benign race, not a bug.
func (s *Store) Remove(h hash.Hash) error {
	if err := os.Remove(s.path(h)); err != nil && !os.IsNotExist(err) {
		return errcode.Wrap(errcode.FilesystemError, err, "removing store object "+h.ToHex())
	}
	return nil
}
