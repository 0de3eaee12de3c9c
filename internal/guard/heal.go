package guard

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sps2/sps2/internal/errcode"
	"github.com/sps2/sps2/internal/hash"
	"github.com/sps2/sps2/internal/store/pkgstore"
)

// Reinstaller re-fetches a package's archive and re-admits its content
// into the file store, for when a discrepancy's expected object has
// been swept from the store entirely and there is nothing left to
// re-link. Implemented at the command layer, which is where the index
// lookup and download live.
type Reinstaller interface {
	Reinstall(name, version string) (*pkgstore.StoredPackage, error)
}

// Healer repairs discrepancies a Run found, where repair is safe: a
// missing or corrupted tracked file is re-linked from the file store
// when the referenced object still exists there; if it doesn't (the
// store's copy was itself lost), and a Reinstaller is configured, the
// owning package is re-fetched and re-admitted before retrying the
// relink. An orphaned file (one the database doesn't know about at
// all) is only ever touched according to policy.
type Healer struct {
	LivePrefix  string
	Store       *pkgstore.Store
	Reinstaller Reinstaller
}

// Heal attempts to repair every discrepancy in discrepancies. byPath
// maps each discrepancy's relative path to the file hash the database
// expects there, for the kinds where that is meaningful
// (MissingFile/CorruptedFile); it is ignored for other kinds.
func (h *Healer) Heal(discrepancies []Discrepancy, byPath map[string]string, policy HealPolicy) []HealResult {
	results := make([]HealResult, 0, len(discrepancies))
	for _, d := range discrepancies {
		results = append(results, h.healOne(d, byPath[d.Path], policy))
	}
	return results
}

func (h *Healer) healOne(d Discrepancy, expectedHex string, policy HealPolicy) HealResult {
	switch d.Kind {
	case KindMissingFile, KindCorruptedFile, KindTypeMismatch:
		return h.relink(d, expectedHex)
	case KindOrphanedFile:
		return h.handleOrphan(d, policy)
	case KindMissingVenv:
		return HealResult{Discrepancy: d, Healed: false, Action: "skipped",
			Err: errUnhealableVenv}
	default:
		return HealResult{Discrepancy: d, Healed: false, Action: "skipped"}
	}
}

var errUnhealableVenv = &healError{"virtual environments are rebuilt by reinstalling the owning package, not by the guard"}

type healError struct{ msg string }

func (e *healError) Error() string { return e.msg }

func (h *Healer) relink(d Discrepancy, expectedHex string) HealResult {
	if expectedHex == "" {
		return HealResult{Discrepancy: d, Healed: false, Action: "skipped",
			Err: &healError{"no known-good hash recorded for " + d.Path}}
	}
	fileHash, err := hash.FromHex(expectedHex)
	if err != nil {
		return HealResult{Discrepancy: d, Healed: false, Action: "skipped", Err: err}
	}

	dest := filepath.Join(h.LivePrefix, d.Path)
	if d.Kind == KindTypeMismatch {
		if err := os.RemoveAll(dest); err != nil {
			return HealResult{Discrepancy: d, Healed: false, Action: "relink", Err: err}
		}
	} else {
		_ = os.Remove(dest)
	}

	_, linkErr := h.Store.Files.LinkInto(fileHash, dest)
	if linkErr == nil {
		return HealResult{Discrepancy: d, Healed: true, Action: "relink"}
	}
	if !errors.Is(linkErr, errcode.New(errcode.StoreObjectMissing, "")) {
		return HealResult{Discrepancy: d, Healed: false, Action: "relink", Err: linkErr}
	}

	if h.Reinstaller == nil || d.Package == "" {
		return HealResult{Discrepancy: d, Healed: false, Action: "relink", Err: linkErr}
	}
	if _, err := h.Reinstaller.Reinstall(d.Package, d.Version); err != nil {
		return HealResult{Discrepancy: d, Healed: false, Action: "reinstall",
			Err: &healError{"store object missing and reinstall failed: " + err.Error()}}
	}
	if _, err := h.Store.Files.LinkInto(fileHash, dest); err != nil {
		return HealResult{Discrepancy: d, Healed: false, Action: "reinstall", Err: err}
	}
	return HealResult{Discrepancy: d, Healed: true, Action: "reinstall"}
}

func (h *Healer) handleOrphan(d Discrepancy, policy HealPolicy) HealResult {
	for _, prefix := range policy.PreservePrefixes {
		if strings.HasPrefix(d.Path, prefix) {
			return HealResult{Discrepancy: d, Healed: false, Action: "preserved"}
		}
	}

	full := filepath.Join(h.LivePrefix, d.Path)
	switch policy.OrphanAction {
	case "remove":
		if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
			return HealResult{Discrepancy: d, Healed: false, Action: "remove", Err: err}
		}
		return HealResult{Discrepancy: d, Healed: true, Action: "remove"}
	case "backup":
		if policy.BackupDir == "" {
			return HealResult{Discrepancy: d, Healed: false, Action: "backup",
				Err: &healError{"backup requested with no BackupDir configured"}}
		}
		dest := filepath.Join(policy.BackupDir, time.Now().UTC().Format("20060102T150405"), d.Path)
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return HealResult{Discrepancy: d, Healed: false, Action: "backup", Err: err}
		}
		if err := os.Rename(full, dest); err != nil {
			return HealResult{Discrepancy: d, Healed: false, Action: "backup", Err: err}
		}
		return HealResult{Discrepancy: d, Healed: true, Action: "backup"}
	default: // "preserve"
		return HealResult{Discrepancy: d, Healed: false, Action: "preserved"}
	}
}
