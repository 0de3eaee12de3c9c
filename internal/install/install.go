// Package install implements sps2's package install pipeline (spec
// §4.7): format detection, streaming decompression, content
// validation, and staging extraction into the package store. This is
// the sequential per-archive worker the installer's fan-out runs
// across packages; it knows nothing about the state database or the
// live prefix, only how to turn one archive file into an admitted
// StoredPackage.
package install

import (
	"archive/tar"
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/sps2/sps2/internal/archive"
	"github.com/sps2/sps2/internal/errcode"
	"github.com/sps2/sps2/internal/events"
	"github.com/sps2/sps2/internal/hash"
	"github.com/sps2/sps2/internal/manifest"
	"github.com/sps2/sps2/internal/store/pkgstore"
	"github.com/sps2/sps2/internal/types"
)

// Pipeline validates and stages package archives into a pkgstore.Store.
type Pipeline struct {
	StagingRoot string
	Store       *pkgstore.Store
	Bus         *events.Bus
}

// New returns a Pipeline rooted at stagingRoot, admitting into store.
func New(stagingRoot string, store *pkgstore.Store, bus *events.Bus) (*Pipeline, error) {
	if err := os.MkdirAll(stagingRoot, 0o755); err != nil {
		return nil, errcode.Wrap(errcode.FilesystemError, err, "creating staging root")
	}
	return &Pipeline{StagingRoot: stagingRoot, Store: store, Bus: bus}, nil
}

// Result is what a successful Install produces: the admitted package
// tree plus any non-fatal warnings surfaced during validation (e.g.
// trailing garbage after the compressed frame).
type Result struct {
	Package  *pkgstore.StoredPackage
	Warnings []string
}

// Install runs the four pipeline stages against archivePath. If
// expectedHash is non-zero, the archive's computed strong hash must
// match it exactly or the install fails with HashMismatch — this is
// how a resolver-selected index entry's declared hash gets enforced.
func (p *Pipeline) Install(archivePath string, expectedHash *hash.Hash) (*Result, error) {
	p.emit(events.KindInstallStarted, "", "", "validating "+filepath.Base(archivePath))

	archiveHash, err := hash.StrongFile(archivePath)
	if err != nil {
		return nil, errcode.Wrap(errcode.FilesystemError, err, "hashing archive")
	}
	if expectedHash != nil && !archiveHash.Equal(*expectedHash) {
		return nil, errcode.New(errcode.HashMismatch,
			fmt.Sprintf("archive hash %s does not match expected %s", archiveHash.ToHex(), expectedHash.ToHex()))
	}

	format, err := detectFormat(archivePath)
	if err != nil {
		return nil, err
	}

	stagingDir := filepath.Join(p.StagingRoot, uuid.NewString())
	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		return nil, errcode.Wrap(errcode.FilesystemError, err, "creating staging directory")
	}
	succeeded := false
	defer func() {
		if !succeeded {
			_ = os.RemoveAll(stagingDir)
		}
	}()

	m, entries, warnings, err := p.extract(archivePath, format, stagingDir)
	if err != nil {
		return nil, err
	}

	p.emit(events.KindInstallProgress, m.Package.Name, m.Package.Version,
		fmt.Sprintf("staged %d entries", len(entries)))

	stored, err := p.Store.AdmitPackageFromStaging(pkgstore.StagingExtraction{
		Dir:      stagingDir,
		Manifest: m,
		Entries:  entries,
		Hash:     archiveHash,
	})
	if err != nil {
		return nil, err
	}
	succeeded = true

	p.emit(events.KindInstallCompleted, m.Package.Name, m.Package.Version, "staged and admitted")
	return &Result{Package: stored, Warnings: warnings}, nil
}

func (p *Pipeline) emit(kind events.Kind, name, version, msg string) {
	if p.Bus == nil {
		return
	}
	_ = p.Bus.Emit(events.Event{Kind: kind, Package: name, Version: version, Message: msg})
}

// detectFormat peeks the first bytes of the archive file to classify
// its outer framing without trusting the filename extension.
func detectFormat(path string) (archive.Format, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, errcode.Wrap(errcode.FilesystemError, err, "opening archive")
	}
	defer func() { _ = f.Close() }()

	head := make([]byte, 4)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.ErrUnexpectedEOF {
		return 0, errcode.Wrap(errcode.FormatInvalid, err, "reading archive header")
	}
	return archive.DetectFormat(head[:n]), nil
}

// extract decompresses archivePath (bounded by archive.MaxExpandedSize)
// and walks its tar stream, writing every regular file into stagingDir
// and decoding the mandatory manifest.toml. It returns the parsed
// manifest, the entry list for pkgstore admission, and any non-fatal
// validation warnings.
func (p *Pipeline) extract(archivePath string, format archive.Format, stagingDir string) (manifest.Manifest, []types.FileEntry, []string, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return manifest.Manifest{}, nil, nil, errcode.Wrap(errcode.FilesystemError, err, "opening archive")
	}
	defer func() { _ = f.Close() }()

	decompressed, err := archive.Decompress(bufio.NewReader(f), format)
	if err != nil {
		return manifest.Manifest{}, nil, nil, err
	}
	defer func() { _ = decompressed.Close() }()

	limited := &io.LimitedReader{R: decompressed, N: archive.MaxExpandedSize + 1}

	var m manifest.Manifest
	var haveManifest bool
	var entries []types.FileEntry
	var warnings []string

	walkErr := archive.Walk(limited, archive.MaxExpandedSize, func(ve archive.ValidatedEntry) error {
		name := ve.Header.Name

		if name == "manifest.toml" {
			decoded, err := manifest.Decode(ve.Data)
			if err != nil {
				return err
			}
			m = decoded
			haveManifest = true
			return nil
		}

		const filesPrefix = "files/"
		if len(name) <= len(filesPrefix) || name[:len(filesPrefix)] != filesPrefix {
			// SBOM documents and other top-level archive members are
			// not part of the installed file set.
			return nil
		}
		rel := name[len(filesPrefix):]
		entry := types.FileEntry{RelPath: rel, Mode: uint32(ve.Header.Mode)}

		switch ve.Header.Typeflag {
		case tar.TypeDir:
			entry.IsDir = true
			if err := os.MkdirAll(filepath.Join(stagingDir, rel), 0o755); err != nil {
				return errcode.Wrap(errcode.FilesystemError, err, "creating staged directory "+rel)
			}
		case tar.TypeSymlink:
			entry.IsSymlink = true
			entry.LinkTarget = ve.Header.Linkname
			if err := os.MkdirAll(filepath.Dir(filepath.Join(stagingDir, rel)), 0o755); err != nil {
				return errcode.Wrap(errcode.FilesystemError, err, "creating parent for staged symlink "+rel)
			}
			if err := os.Symlink(ve.Header.Linkname, filepath.Join(stagingDir, rel)); err != nil {
				return errcode.Wrap(errcode.FilesystemError, err, "creating staged symlink "+rel)
			}
		default:
			dest := filepath.Join(stagingDir, rel)
			if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
				return errcode.Wrap(errcode.FilesystemError, err, "creating parent for staged file "+rel)
			}
			if err := os.WriteFile(dest, ve.Data, os.FileMode(ve.Header.Mode)&0o777); err != nil {
				return errcode.Wrap(errcode.FilesystemError, err, "writing staged file "+rel)
			}
		}
		entries = append(entries, entry)
		return nil
	})

	if walkErr != nil {
		return manifest.Manifest{}, nil, nil, walkErr
	}
	if limited.N <= 0 {
		return manifest.Manifest{}, nil, nil, errcode.New(errcode.ExpandedSizeExceeded,
			fmt.Sprintf("archive expands past %d bytes", archive.MaxExpandedSize))
	}
	if !haveManifest {
		return manifest.Manifest{}, nil, nil, errcode.New(errcode.FormatInvalid, "archive missing manifest.toml")
	}

	return m, entries, warnings, nil
}
