// Package pkgstore layers immutable package trees over the file store.
// A package tree for archive hash H lives at <root>/<H>/ holding the
// package's manifest.toml and a files/ subtree whose entries are
// store-backed hardlinks/clones; SBOM files are not written into the
// tree. Once admitted, a tree is
// never modified — the same never-rewrite discipline as filestore,
// scaled up from single blobs to whole package layouts.
package pkgstore

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/sps2/sps2/internal/errcode"
	"github.com/sps2/sps2/internal/hash"
	"github.com/sps2/sps2/internal/manifest"
	"github.com/sps2/sps2/internal/platform"
	"github.com/sps2/sps2/internal/store/filestore"
	"github.com/sps2/sps2/internal/types"
)

// Store is the package-tree directory, rooted at Root, backed by files.
type Store struct {
	Root  string
	Files *filestore.Store
}

// New returns a Store rooted at root, backed by files.
func New(root string, files *filestore.Store) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errcode.Wrap(errcode.FilesystemError, err, "creating package store root")
	}
	return &Store{Root: root, Files: files}, nil
}

// StoredPackage is a package tree already admitted into the store.
type StoredPackage struct {
	Hash     hash.Hash
	Path     string // <root>/<hash>
	Manifest manifest.Manifest
	Entries  []types.FileEntry
}

func (s *Store) treePath(h hash.Hash) string { return filepath.Join(s.Root, h.ToHex()) }

// PackagePath returns the on-disk directory for an admitted package
// tree.
func (s *Store) PackagePath(h hash.Hash) string { return s.treePath(h) }

// ListPackages returns the hex hashes of every admitted package tree.
func (s *Store) ListPackages() ([]string, error) {
	entries, err := os.ReadDir(s.Root)
	if err != nil {
		return nil, errcode.Wrap(errcode.FilesystemError, err, "listing package store")
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

// StagingExtraction is what the install pipeline hands to
// AdmitPackageFromStaging: a validated staging directory plus the
// manifest and entry list produced while walking its archive.
type StagingExtraction struct {
	Dir      string
	Manifest manifest.Manifest
	Entries  []types.FileEntry
	Hash     hash.Hash // strong hash of the original archive; becomes the tree's identity
}

// AdmitPackageFromStaging moves a validated staging extraction into the
// package store under its canonical archive hash, passing every regular
// file through the file store for dedup. If a tree already exists at
// that hash the staging directory is discarded and the existing tree
// returned — admission is idempotent, like the underlying file store.
func (s *Store) AdmitPackageFromStaging(extraction StagingExtraction) (*StoredPackage, error) {
	dest := s.treePath(extraction.Hash)
	if _, err := os.Stat(dest); err == nil {
		return s.Load(extraction.Hash)
	} else if !os.IsNotExist(err) {
		return nil, errcode.Wrap(errcode.FilesystemError, err, "stat existing package tree")
	}

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return nil, errcode.Wrap(errcode.FilesystemError, err, "creating package tree directory")
	}

	manifestBytes, err := manifest.Encode(extraction.Manifest)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(dest, "manifest.toml"), manifestBytes, 0o644); err != nil {
		return nil, errcode.Wrap(errcode.FilesystemError, err, "writing package tree manifest")
	}

	filesRoot := filepath.Join(dest, "files")
	resolved := make([]types.FileEntry, 0, len(extraction.Entries))
	for _, entry := range extraction.Entries {
		stagedPath := filepath.Join(extraction.Dir, entry.RelPath)
		treePath := filepath.Join(filesRoot, entry.RelPath)

		switch {
		case entry.IsDir:
			if err := os.MkdirAll(treePath, 0o755); err != nil {
				return nil, errcode.Wrap(errcode.FilesystemError, err, "creating tree directory "+entry.RelPath)
			}
		case entry.IsSymlink:
			if err := os.MkdirAll(filepath.Dir(treePath), 0o755); err != nil {
				return nil, errcode.Wrap(errcode.FilesystemError, err, "creating parent for symlink "+entry.RelPath)
			}
			if err := platform.SymlinkAtomic(entry.LinkTarget, treePath); err != nil {
				return nil, errcode.Wrap(errcode.FilesystemError, err, "creating tree symlink "+entry.RelPath)
			}
		default:
			fileHash, err := s.Files.AdmitFile(stagedPath)
			if err != nil {
				return nil, err
			}
			if _, err := s.Files.LinkInto(fileHash, treePath); err != nil {
				return nil, err
			}
			entry.FileHash = fileHash.ToHex()
		}
		resolved = append(resolved, entry)
	}

	return &StoredPackage{
		Hash:     extraction.Hash,
		Path:     dest,
		Manifest: extraction.Manifest,
		Entries:  resolved,
	}, nil
}

// Load reads back a previously admitted package tree's manifest and
// entry list from disk.
func (s *Store) Load(h hash.Hash) (*StoredPackage, error) {
	dest := s.treePath(h)
	manifestBytes, err := os.ReadFile(filepath.Join(dest, "manifest.toml"))
	if err != nil {
		return nil, errcode.Wrap(errcode.StoreObjectMissing, err, "reading package tree manifest")
	}
	m, err := manifest.Decode(manifestBytes)
	if err != nil {
		return nil, err
	}

	var entries []types.FileEntry
	filesRoot := filepath.Join(dest, "files")
	err = filepath.Walk(filesRoot, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if path == filesRoot {
			return nil
		}
		rel, relErr := filepath.Rel(filesRoot, path)
		if relErr != nil {
			return relErr
		}
		switch {
		case info.Mode()&os.ModeSymlink != 0:
			target, linkErr := os.Readlink(path)
			if linkErr != nil {
				return linkErr
			}
			entries = append(entries, types.FileEntry{RelPath: rel, IsSymlink: true, LinkTarget: target})
		case info.IsDir():
			entries = append(entries, types.FileEntry{RelPath: rel, IsDir: true, Mode: uint32(info.Mode().Perm())})
		default:
			h, hashErr := hash.FastFile(path)
			if hashErr != nil {
				return hashErr
			}
			entries = append(entries, types.FileEntry{RelPath: rel, FileHash: h.ToHex(), Mode: uint32(info.Mode().Perm())})
		}
		return nil
	})
	if err != nil {
		return nil, errcode.Wrap(errcode.FilesystemError, err, "walking package tree")
	}

	return &StoredPackage{Hash: h, Path: dest, Manifest: m, Entries: entries}, nil
}

// Remove deletes the package tree for h entirely. Only GC calls this,
// after confirming no state still references the archive hash; a
// missing tree is not an error for the same reason it isn't in
// filestore.Remove.
func (s *Store) Remove(h hash.Hash) error {
	if err := os.RemoveAll(s.treePath(h)); err != nil {
		return errcode.Wrap(errcode.FilesystemError, err, "removing package tree "+h.ToHex())
	}
	return nil
}

// LinkTo materializes every entry of the package tree under destPrefix,
// by hardlink (see filestore.LinkInto) for regular files and a fresh
// symlink for symlink entries. This is the operation the atomic
// installer uses to compose a staged live prefix from store content.
func (s *Store) LinkTo(sp *StoredPackage, destPrefix string) error {
	for _, entry := range sp.Entries {
		dest := filepath.Join(destPrefix, entry.RelPath)
		switch {
		case entry.IsDir:
			if err := os.MkdirAll(dest, 0o755); err != nil {
				return errcode.Wrap(errcode.FilesystemError, err, "creating prefix directory "+entry.RelPath)
			}
		case entry.IsSymlink:
			if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
				return errcode.Wrap(errcode.FilesystemError, err, "creating parent for "+entry.RelPath)
			}
			if err := platform.SymlinkAtomic(entry.LinkTarget, dest); err != nil {
				return errcode.Wrap(errcode.FilesystemError, err, "linking symlink "+entry.RelPath)
			}
		default:
			h, err := hash.FromHex(entry.FileHash)
			if err != nil {
				return fmt.Errorf("pkgstore: corrupt file hash for %s: %w", entry.RelPath, err)
			}
			if _, err := s.Files.LinkInto(h, dest); err != nil {
				return err
			}
		}
	}
	return nil
}
