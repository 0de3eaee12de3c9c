// Package hash provides dual-algorithm content hashing.
//
// sps2 hashes everything twice, for two different purposes: a fast
// 128-bit hash (xxh3) keys file-store dedup lookups, and a cryptographic
// 256-bit hash (BLAKE3) is used wherever tamper detection matters —
// package archive integrity, manifest SBOM references. A Hash value
// always carries its algorithm so the two never get confused; hex
// encoding round-trips the algorithm via length (32 hex chars for
// xxh3-128, 64 for BLAKE3-256), matching the original implementation's
// dual-field convention collapsed into one algorithm-tagged value.
package hash

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/zeebo/xxh3"
	"lukechampine.com/blake3"
)

// Algorithm identifies which hash function produced a Hash's bytes.
type Algorithm int

const (
	// Fast is the 128-bit xxh3 hash used for store dedup indexing.
	Fast Algorithm = iota
	// Strong is the 256-bit BLAKE3 hash used for archive integrity and
	// other security-critical checks.
	Strong
)

func (a Algorithm) String() string {
	switch a {
	case Fast:
		return "xxh3-128"
	case Strong:
		return "blake3-256"
	default:
		return "unknown"
	}
}

const (
	fastLen   = 16 // bytes
	strongLen = 32 // bytes
)

// Hash is a content hash with its producing algorithm attached.
type Hash struct {
	algo  Algorithm
	bytes []byte
}

// IsFast reports whether h was produced by the fast (xxh3) algorithm.
func (h Hash) IsFast() bool { return h.algo == Fast }

// IsStrong reports whether h was produced by the strong (BLAKE3) algorithm.
func (h Hash) IsStrong() bool { return h.algo == Strong }

// Algorithm returns the algorithm that produced h.
func (h Hash) Algorithm() Algorithm { return h.algo }

// Bytes returns the raw hash bytes. Callers must not mutate the result.
func (h Hash) Bytes() []byte { return h.bytes }

// ToHex hex-encodes the hash. Length alone is sufficient to recover the
// algorithm on the way back in (32 chars for Fast, 64 for Strong).
func (h Hash) ToHex() string { return hex.EncodeToString(h.bytes) }

// Equal reports whether two hashes have the same algorithm and bytes.
func (h Hash) Equal(o Hash) bool {
	if h.algo != o.algo || len(h.bytes) != len(o.bytes) {
		return false
	}
	for i := range h.bytes {
		if h.bytes[i] != o.bytes[i] {
			return false
		}
	}
	return true
}

func (h Hash) String() string { return fmt.Sprintf("%s:%s", h.algo, h.ToHex()) }

// ErrInvalidHex is returned by FromHex when the input is not a valid
// hex-encoded hash of a recognized length.
var ErrInvalidHex = fmt.Errorf("hash: invalid hex encoding")

// FromHex decodes a hex string into a Hash, inferring the algorithm from
// its length (32 hex chars => Fast, 64 => Strong). Any other length, or
// malformed hex, fails with ErrInvalidHex.
func FromHex(s string) (Hash, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return Hash{}, fmt.Errorf("%w: %v", ErrInvalidHex, err)
	}
	switch len(raw) {
	case fastLen:
		return Hash{algo: Fast, bytes: raw}, nil
	case strongLen:
		return Hash{algo: Strong, bytes: raw}, nil
	default:
		return Hash{}, fmt.Errorf("%w: unexpected length %d", ErrInvalidHex, len(raw))
	}
}

// FromHexAlgorithm decodes a hex string and asserts it is algo, failing
// with ErrInvalidHex on length mismatch.
func FromHexAlgorithm(s string, algo Algorithm) (Hash, error) {
	h, err := FromHex(s)
	if err != nil {
		return Hash{}, err
	}
	if h.algo != algo {
		return Hash{}, fmt.Errorf("%w: expected %s, got %s", ErrInvalidHex, algo, h.algo)
	}
	return h, nil
}

// Bytes hashes data with the given algorithm.
func Bytes(algo Algorithm, data []byte) Hash {
	switch algo {
	case Strong:
		sum := blake3.Sum256(data)
		return Hash{algo: Strong, bytes: sum[:]}
	default:
		sum := xxh3.Hash128(data)
		b := sum.Bytes()
		return Hash{algo: Fast, bytes: b[:]}
	}
}

// File streams path's contents through algo without loading the whole
// file into memory.
func File(algo Algorithm, path string) (Hash, error) {
	f, err := os.Open(path)
	if err != nil {
		return Hash{}, err
	}
	defer func() { _ = f.Close() }()

	switch algo {
	case Strong:
		h := blake3.New(strongLen, nil)
		if _, err := io.Copy(h, f); err != nil {
			return Hash{}, err
		}
		return Hash{algo: Strong, bytes: h.Sum(nil)}, nil
	default:
		h := xxh3.New()
		if _, err := io.Copy(h, f); err != nil {
			return Hash{}, err
		}
		sum := h.Sum128()
		b := sum.Bytes()
		return Hash{algo: Fast, bytes: b[:]}, nil
	}
}

// FastFile is shorthand for File(Fast, path); it is the algorithm store
// keys are computed with.
func FastFile(path string) (Hash, error) { return File(Fast, path) }

// StrongFile is shorthand for File(Strong, path); archive integrity and
// other security-critical checks use it.
func StrongFile(path string) (Hash, error) { return File(Strong, path) }
