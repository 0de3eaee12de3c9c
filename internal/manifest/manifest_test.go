package manifest

import (
	"errors"
	"testing"

	"github.com/sps2/sps2/internal/errcode"
)

const validManifest = `
[format_version]
major = 1
minor = 0
patch = 0

[package]
name = "jq"
version = "1.7.0"
revision = 1
arch = "arm64"
description = "command-line JSON processor"

[dependencies]
runtime = ["oniguruma>=6.9.0"]

[sbom]
spdx = "deadbeef"
`

func TestDecodeValid(t *testing.T) {
	m, err := Decode([]byte(validManifest))
	if err != nil {
		t.Fatal(err)
	}
	if m.Package.Name != "jq" || m.Package.Version != "1.7.0" || m.Package.Arch != "arm64" {
		t.Fatalf("unexpected package: %+v", m.Package)
	}
	if len(m.Dependencies.Runtime) != 1 {
		t.Fatalf("expected 1 runtime dep, got %d", len(m.Dependencies.Runtime))
	}
}

func TestDecodeMissingRequiredField(t *testing.T) {
	bad := `
[format_version]
major = 1

[package]
name = "jq"
version = "1.7.0"
`
	_, err := Decode([]byte(bad))
	if err == nil {
		t.Fatal("expected error for missing arch")
	}
	var e *errcode.Error
	if !errors.As(err, &e) || e.Kind != errcode.FormatInvalid {
		t.Fatalf("expected FormatInvalid, got %v", err)
	}
}

func TestDecodeUnsupportedFormatVersion(t *testing.T) {
	bad := `
[format_version]
major = 99

[package]
name = "jq"
version = "1.7.0"
arch = "arm64"
`
	_, err := Decode([]byte(bad))
	if err == nil {
		t.Fatal("expected error for unsupported format version")
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	m := Manifest{
		Package: Package{Name: "foo", Version: "1.0.0", Arch: "arm64"},
	}
	raw, err := Encode(m)
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := Decode(raw)
	if err != nil {
		t.Fatal(err)
	}
	if decoded.Package.Name != "foo" {
		t.Fatalf("round trip lost name: %+v", decoded)
	}
}

func TestDecodeInvalidTOML(t *testing.T) {
	_, err := Decode([]byte("not valid toml [[["))
	if err == nil {
		t.Fatal("expected decode error")
	}
}
