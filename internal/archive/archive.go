// Package archive builds and reads sps2's canonical package archive
// format: a deterministic tar of {manifest.toml, sbom.spdx.json?,
// sbom.cdx.json?, files/…}, optionally wrapped in streaming zstd
// compression (github.com/klauspost/compress/zstd) and accompanied by a
// detached Ed25519 signature. Canonical ordering and zeroed metadata
// mean byte-identical inputs always produce byte-identical archives,
// which is what lets the archive's own strong hash double as its
// content identity.
package archive

import (
	"archive/tar"
	"bytes"
	"crypto/ed25519"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/sps2/sps2/internal/errcode"
)

// Entry is one file to be written into a canonical archive.
type Entry struct {
	Name       string // archive-relative path, forward-slash separated
	Mode       int64  // effective permission bits; normalized by Build
	IsDir      bool
	IsSymlink  bool
	LinkTarget string
	Data       []byte // file content; unused for directories and symlinks
}

// sourceDateEpoch is the fixed mtime every archive entry carries, so
// that identical content always produces identical bytes regardless of
// when it was packed. Build always writes this value: SOURCE_DATE_EPOCH
// is not read, and Entry carries no timestamp of its own.
const sourceDateEpoch = 0

// normalizeMode maps an entry's declared mode to the archive's fixed
// permission set: directories are always 0755, files are 0644 unless
// any execute bit is set (then 0755), symlinks are always 0777.
func normalizeMode(e Entry) int64 {
	switch {
	case e.IsDir:
		return 0o755
	case e.IsSymlink:
		return 0o777
	case e.Mode&0o111 != 0:
		return 0o755
	default:
		return 0o644
	}
}

// Build writes entries into w as a canonical tar: entries sorted by
// name (ascending, OS-string/byte order), zeroed mtime/uid/gid, fixed
// "root:root" ownership names, and normalized permission bits.
func Build(w io.Writer, entries []Entry) error {
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	tw := tar.NewWriter(w)
	for _, e := range sorted {
		hdr := &tar.Header{
			Name:     e.Name,
			Mode:     normalizeMode(e),
			Uid:      0,
			Gid:      0,
			Uname:    "root",
			Gname:    "root",
			ModTime:  sourceDateEpochTime(),
			Devmajor: 0,
			Devminor: 0,
		}
		switch {
		case e.IsDir:
			hdr.Typeflag = tar.TypeDir
			if !strings.HasSuffix(hdr.Name, "/") {
				hdr.Name += "/"
			}
		case e.IsSymlink:
			hdr.Typeflag = tar.TypeSymlink
			hdr.Linkname = e.LinkTarget
		default:
			hdr.Typeflag = tar.TypeReg
			hdr.Size = int64(len(e.Data))
		}

		if err := tw.WriteHeader(hdr); err != nil {
			return errcode.Wrap(errcode.FormatInvalid, err, "writing archive header for "+e.Name)
		}
		if hdr.Typeflag == tar.TypeReg {
			if _, err := tw.Write(e.Data); err != nil {
				return errcode.Wrap(errcode.FormatInvalid, err, "writing archive content for "+e.Name)
			}
		}
	}
	return tw.Close()
}

// BuildCompressed wraps Build's tar stream in streaming zstd
// compression, writing frames as content is produced rather than
// buffering the whole archive in memory.
func BuildCompressed(w io.Writer, entries []Entry) error {
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return errcode.Wrap(errcode.FormatInvalid, err, "initializing zstd writer")
	}
	if err := Build(zw, entries); err != nil {
		_ = zw.Close()
		return err
	}
	return zw.Close()
}

// magic bytes sps2 uses to detect an archive's outer framing without
// relying on a filename extension.
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// Format identifies an archive's outer compression framing.
type Format int

const (
	FormatPlainTar Format = iota
	FormatZstd
)

// DetectFormat inspects head, the first bytes read from an archive, to
// decide whether the archive is zstd-framed or a plain tar. It never
// trusts a file extension.
func DetectFormat(head []byte) Format {
	if len(head) >= 4 && bytes.Equal(head[:4], zstdMagic) {
		return FormatZstd
	}
	return FormatPlainTar
}

// MaxExpandedSize bounds how much decompressed content the install
// pipeline's Walk accepts in total, guarding against a maliciously crafted archive that
// decompresses to an unbounded size (a zstd/zip bomb). The install
// pipeline enforces this by wrapping the decompressor in an io.LimitedReader
// sized one byte larger than the limit, so exceeding it is detected
// instead of silently truncated.
const MaxExpandedSize = 8 << 30 // 8 GiB

// Decompress returns a reader over r's decompressed tar stream. The
// caller is responsible for bounding how much it reads (see
// MaxExpandedSize) and for calling Close on the returned reader when
// format is FormatZstd.
func Decompress(r io.Reader, format Format) (io.ReadCloser, error) {
	if format == FormatPlainTar {
		return io.NopCloser(r), nil
	}
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, errcode.Wrap(errcode.FormatInvalid, err, "initializing zstd reader")
	}
	return zr.IOReadCloser(), nil
}

// ValidatedEntry is one entry read back out of an archive's tar stream,
// already checked for path-traversal and disallowed types.
type ValidatedEntry struct {
	Header *tar.Header
	Data   []byte
}

// ErrUnsafePath is returned by Walk when an entry's name escapes the
// archive root or uses an absolute path.
var ErrUnsafePath = fmt.Errorf("archive: unsafe entry path")

// Walk reads every entry from a tar stream, invoking fn for each after
// validating its path is relative, contains no ".." components, and is
// not a device or fifo special file. maxTotalSize bounds the sum of all
// entry sizes read, catching an expanded-size bomb even when individual
// entries are each individually small.
func Walk(r io.Reader, maxTotalSize int64, fn func(ValidatedEntry) error) error {
	tr := tar.NewReader(r)
	var total int64

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errcode.Wrap(errcode.FormatInvalid, err, "reading archive entry")
		}

		if err := validatePath(hdr.Name); err != nil {
			return err
		}
		switch hdr.Typeflag {
		case tar.TypeReg, tar.TypeDir, tar.TypeSymlink:
		default:
			return errcode.New(errcode.FormatInvalid, fmt.Sprintf("disallowed entry type for %s", hdr.Name))
		}

		total += hdr.Size
		if total > maxTotalSize {
			return errcode.New(errcode.ExpandedSizeExceeded,
				fmt.Sprintf("archive expands past %d bytes", maxTotalSize))
		}

		var data []byte
		if hdr.Typeflag == tar.TypeReg {
			data = make([]byte, hdr.Size)
			if _, err := io.ReadFull(tr, data); err != nil {
				return errcode.Wrap(errcode.FormatInvalid, err, "reading content for "+hdr.Name)
			}
		}

		if err := fn(ValidatedEntry{Header: hdr, Data: data}); err != nil {
			return err
		}
	}
}

func validatePath(name string) error {
	if path.IsAbs(name) {
		return fmt.Errorf("%w: absolute path %q", ErrUnsafePath, name)
	}
	clean := path.Clean(name)
	for _, part := range strings.Split(clean, "/") {
		if part == ".." {
			return fmt.Errorf("%w: %q escapes archive root", ErrUnsafePath, name)
		}
	}
	return nil
}

// Sign produces a detached Ed25519 signature over data. Ed25519 has no
// library equivalent in the reference corpus; it is used directly from
// crypto/ed25519 because the standard library's implementation is the
// canonical one and no pack dependency offers a drop-in replacement.
func Sign(priv ed25519.PrivateKey, data []byte) []byte {
	return ed25519.Sign(priv, data)
}

// VerifySignature checks a detached signature against data and pub,
// returning an errcode.Error (not a bare bool) so callers get a stable
// HashMismatch-family code on failure.
func VerifySignature(pub ed25519.PublicKey, data, sig []byte) error {
	if !ed25519.Verify(pub, data, sig) {
		return errcode.New(errcode.HashMismatch, "archive signature verification failed")
	}
	return nil
}

func sourceDateEpochTime() time.Time { return time.Unix(sourceDateEpoch, 0).UTC() }
