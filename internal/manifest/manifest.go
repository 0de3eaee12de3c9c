// Package manifest decodes and validates a package's manifest.toml, the
// one mandatory entry in every package archive. Encoding uses
// BurntSushi/toml, following the teacher corpus's convention of TOML
// for structured config (see holocm-holo-build's use of the same
// library for its package-definition files).
package manifest

import (
	"bytes"
	"fmt"

	"github.com/BurntSushi/toml"

	"github.com/sps2/sps2/internal/errcode"
)

// FormatVersion is the manifest.toml [format_version] table.
type FormatVersion struct {
	Major int `toml:"major"`
	Minor int `toml:"minor"`
	Patch int `toml:"patch"`
}

// Compression describes the archive's outer streaming compressor, when
// present.
type Compression struct {
	Format     string `toml:"format"`
	FrameSize  int64  `toml:"frame_size,omitempty"`
	FrameCount int64  `toml:"frame_count,omitempty"`
}

// Package is the manifest.toml [package] table.
type Package struct {
	Name        string       `toml:"name"`
	Version     string       `toml:"version"`
	Revision    int          `toml:"revision"`
	Arch        string       `toml:"arch"`
	Description string       `toml:"description,omitempty"`
	Homepage    string       `toml:"homepage,omitempty"`
	License     string       `toml:"license,omitempty"`
	Compression *Compression `toml:"compression,omitempty"`
}

// Dependencies is the manifest.toml [dependencies] table; each entry is
// a dependency spec string parsed by internal/semver.
type Dependencies struct {
	Runtime []string `toml:"runtime,omitempty"`
	Build   []string `toml:"build,omitempty"`
}

// SBOM is the manifest.toml [sbom] table: hex-encoded strong hashes of
// the attached SBOM documents.
type SBOM struct {
	SPDX      string `toml:"spdx"`
	CycloneDX string `toml:"cyclonedx,omitempty"`
}

// Python is the manifest.toml [python] table, present only for packages
// that wrap a Python wheel.
type Python struct {
	RequiresPython  string            `toml:"requires_python"`
	WheelFile       string            `toml:"wheel_file"`
	RequirementsFile string           `toml:"requirements_file"`
	Executables     map[string]string `toml:"executables,omitempty"`
}

// Manifest is the fully parsed manifest.toml contents.
type Manifest struct {
	FormatVersion FormatVersion `toml:"format_version"`
	Package       Package       `toml:"package"`
	Dependencies  Dependencies  `toml:"dependencies"`
	SBOM          SBOM          `toml:"sbom"`
	Python        *Python       `toml:"python,omitempty"`
}

// supportedFormatMajor is the highest [format_version].major this
// implementation understands; a manifest declaring a newer major is
// rejected rather than silently misread.
const supportedFormatMajor = 1

// Decode parses raw TOML bytes into a Manifest and validates required
// fields per the archive's manifest schema: name, version, and arch
// must be non-empty, and [format_version].major must not exceed what
// this implementation supports.
func Decode(raw []byte) (Manifest, error) {
	var m Manifest
	if _, err := toml.NewDecoder(bytes.NewReader(raw)).Decode(&m); err != nil {
		return Manifest{}, errcode.Wrap(errcode.FormatInvalid, err, "manifest.toml is not valid TOML")
	}
	if err := m.Validate(); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

// Validate checks the required fields and format version, independent
// of how the Manifest was constructed.
func (m Manifest) Validate() error {
	if m.Package.Name == "" {
		return errcode.New(errcode.FormatInvalid, "manifest.toml: [package].name is required")
	}
	if m.Package.Version == "" {
		return errcode.New(errcode.FormatInvalid, "manifest.toml: [package].version is required")
	}
	if m.Package.Arch == "" {
		return errcode.New(errcode.FormatInvalid, "manifest.toml: [package].arch is required")
	}
	if m.FormatVersion.Major > supportedFormatMajor {
		return errcode.New(errcode.FormatInvalid,
			fmt.Sprintf("manifest.toml: format_version %d.%d.%d exceeds supported major %d",
				m.FormatVersion.Major, m.FormatVersion.Minor, m.FormatVersion.Patch, supportedFormatMajor))
	}
	return nil
}

// Encode serializes m back to canonical TOML bytes, used when sps2
// itself writes a manifest (e.g. when building a local package).
func Encode(m Manifest) ([]byte, error) {
	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf)
	if err := enc.Encode(m); err != nil {
		return nil, errcode.Wrap(errcode.FormatInvalid, err, "failed to encode manifest.toml")
	}
	return buf.Bytes(), nil
}
