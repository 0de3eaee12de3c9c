// Package platform wraps the macOS-specific filesystem primitives sps2
// depends on: APFS clonefile for cheap store-to-prefix materialization,
// and an atomic rename-exchange for activating a new state without any
// window where the active prefix is missing or half-written.
//
// The clone/hardlink fallback chain and the orphaned-tmp cleanup below
// are a direct generalization of the teacher's CreateHardlink/
// CreateSymlink (internal/deduper/links.go): link (or clone) into a
// sibling temp path, then rename into place so a crash never leaves a
// partially linked entry visible.
package platform

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sps2/sps2/internal/errcode"
)

const orphanedTmpMaxAge = 1 * time.Minute

// LinkMode records how a file was materialized from the store into a
// package tree or live prefix, for diagnostics and guard comparisons.
type LinkMode int

const (
	LinkModeClone LinkMode = iota
	LinkModeHardlink
	LinkModeCopy
)

func (m LinkMode) String() string {
	switch m {
	case LinkModeClone:
		return "clone"
	case LinkModeHardlink:
		return "hardlink"
	default:
		return "copy"
	}
}

// LinkFile materializes dst as a reference to src, preferring an APFS
// clone (copy-on-write, cheap, no shared-inode refcount coupling), then
// falling back to a hardlink, then to a full copy if src and dst are on
// different filesystems. It returns the mode actually used.
//
// This is for admission into the store only (filestore.AdmitFile),
// where dst is a brand-new store object and there is no prior inode for
// a caller to expect to see preserved. Everything that materializes an
// existing store object back out into a package tree or live prefix
// (LinkInto, LinkTo, cloneTree) must use HardlinkFile instead, so an
// unchanged file keeps the same inode across states.
func LinkFile(src, dst string) (LinkMode, error) {
	if mode, err := tryClone(src, dst); err == nil {
		return mode, nil
	}
	return HardlinkFile(src, dst)
}

// HardlinkFile materializes dst as a hardlink to src, falling back to a
// full copy only when src and dst are on different filesystems
// (EXDEV), where a hardlink is impossible. Unlike LinkFile it never
// attempts an APFS clone, so dst shares src's inode whenever that is
// physically possible — the property guard relies on to tell "replaced"
// apart from "carried forward unchanged" across states.
func HardlinkFile(src, dst string) (LinkMode, error) {
	if err := linkAtomic(src, dst); err == nil {
		return LinkModeHardlink, nil
	} else if !errors.Is(err, syscall.EXDEV) {
		return LinkModeHardlink, err
	}

	if err := copyAtomic(src, dst); err != nil {
		return LinkModeCopy, err
	}
	return LinkModeCopy, nil
}

// linkAtomic hardlinks src to dst via a sibling temp file plus rename,
// so a reader never observes a partially created dst. EEXIST on the
// temp path is resolved by cleaning up an orphaned leftover and retrying
// once; all other errors (including EXDEV, "different filesystem") are
// returned to the caller unchanged.
func linkAtomic(src, dst string) error {
	tmp := dst + ".sps2.tmp"

	err := os.Link(src, tmp)
	if errors.Is(err, os.ErrExist) {
		if cleanupErr := tryCleanupOrphanedTmp(tmp, orphanedTmpMaxAge); cleanupErr != nil {
			return fmt.Errorf("tmp link exists and cannot be cleaned: %w", cleanupErr)
		}
		err = os.Link(src, tmp)
	}
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// copyAtomic copies src's bytes and mode to dst via a sibling temp file
// plus rename, for the cross-filesystem fallback case.
func copyAtomic(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	tmp := dst + ".sps2.tmp"
	out, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, info.Mode())
	if err != nil {
		return err
	}
	if _, err := out.ReadFrom(in); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// SymlinkAtomic creates a symlink at dst pointing at target (interpreted
// relative to dst's directory when possible), atomically via a sibling
// temp path plus rename.
func SymlinkAtomic(target, dst string) error {
	tmp := dst + ".sps2.tmp"

	err := os.Symlink(target, tmp)
	if errors.Is(err, os.ErrExist) {
		if cleanupErr := tryCleanupOrphanedTmp(tmp, orphanedTmpMaxAge); cleanupErr != nil {
			return fmt.Errorf("tmp symlink exists and cannot be cleaned: %w", cleanupErr)
		}
		err = os.Symlink(target, tmp)
	}
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// tryCleanupOrphanedTmp removes a leftover .sps2.tmp path left by a
// crashed operation, but only when it is safe to do so: old enough that
// no concurrent operation could still be writing it, and either a
// symlink or a regular file with other hardlinks (so removing it cannot
// destroy the only copy of data).
func tryCleanupOrphanedTmp(path string, maxAge time.Duration) error {
	info, err := os.Lstat(path)
	if err != nil {
		return fmt.Errorf("lstat: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	if info.ModTime().After(cutoff) {
		return fmt.Errorf("file too recent (mtime %v, cutoff %v)", info.ModTime(), cutoff)
	}

	mode := info.Mode()
	if mode&os.ModeSymlink != 0 {
		return os.Remove(path)
	}
	if !mode.IsRegular() {
		return fmt.Errorf("not a regular file or symlink (mode %v)", mode)
	}

	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return fmt.Errorf("cannot get syscall.Stat_t")
	}
	if stat.Nlink <= 1 {
		return fmt.Errorf("nlink=%d, may be only copy of data", stat.Nlink)
	}
	return os.Remove(path)
}

// RemovalClass buckets a path by how it must be removed relative to its
// siblings: symlinks and regular files can go in any order, but a
// directory must wait until everything beneath it is gone.
type RemovalClass int

const (
	RemovalSymlink RemovalClass = iota
	RemovalFile
	RemovalDir
)

// ClassifyRemoval lstat's path and reports its RemovalClass.
func ClassifyRemoval(path string) (RemovalClass, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return 0, err
	}
	switch {
	case info.Mode()&os.ModeSymlink != 0:
		return RemovalSymlink, nil
	case info.IsDir():
		return RemovalDir, nil
	default:
		return RemovalFile, nil
	}
}

// RemoveEntriesSafely removes relPaths rooted at base in the order the
// original implementation's atomic filesystem stage uses: all symlinks,
// then all regular files, then directories from deepest to shallowest
// (so rmdir never sees a non-empty directory). Missing entries are
// skipped silently since a prior partial removal may have already
// cleared them.
func RemoveEntriesSafely(base string, relPaths []string) error {
	var symlinks, files, dirs []string

	for _, rel := range relPaths {
		full := filepath.Join(base, rel)
		class, err := ClassifyRemoval(full)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return errcode.Wrap(errcode.FilesystemError, err, "stat during removal: "+rel)
		}
		switch class {
		case RemovalSymlink:
			symlinks = append(symlinks, rel)
		case RemovalDir:
			dirs = append(dirs, rel)
		default:
			files = append(files, rel)
		}
	}

	for _, rel := range symlinks {
		if err := os.Remove(filepath.Join(base, rel)); err != nil && !os.IsNotExist(err) {
			return errcode.Wrap(errcode.FilesystemError, err, "remove symlink: "+rel)
		}
	}
	for _, rel := range files {
		if err := os.Remove(filepath.Join(base, rel)); err != nil && !os.IsNotExist(err) {
			return errcode.Wrap(errcode.FilesystemError, err, "remove file: "+rel)
		}
	}

	sortDescending(dirs)
	for _, rel := range dirs {
		full := filepath.Join(base, rel)
		entries, err := os.ReadDir(full)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return errcode.Wrap(errcode.FilesystemError, err, "readdir: "+rel)
		}
		if len(entries) != 0 {
			continue // not empty: other tracked content or a sibling package still lives here
		}
		if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
			return errcode.Wrap(errcode.FilesystemError, err, "remove dir: "+rel)
		}
	}
	return nil
}

// EmulatedSwap exchanges a and b's directory entries using three
// renames through a sibling temp name, for platforms (or filesystems)
// where RenameSwap's single-syscall swap is unavailable. It is not
// atomic on its own: a crash between the renames can leave the
// filesystem in an intermediate state. statemgr journals the from/to
// state ids and the swap slot path (not tmp) before calling this; its
// startup reconciliation does not resume or undo an interrupted
// emulated swap.
func EmulatedSwap(a, b, tmp string) error {
	if err := os.Rename(a, tmp); err != nil {
		return err
	}
	if err := os.Rename(b, a); err != nil {
		_ = os.Rename(tmp, a) // best-effort undo
		return err
	}
	if err := os.Rename(tmp, b); err != nil {
		return err
	}
	return nil
}

// sortDescending sorts paths lexicographically descending, so deeper
// (longer, alphabetically-later) subdirectories come before their
// parents.
func sortDescending(paths []string) {
	for i := 1; i < len(paths); i++ {
		for j := i; j > 0 && paths[j-1] < paths[j]; j-- {
			paths[j-1], paths[j] = paths[j], paths[j-1]
		}
	}
}
