// Package statemgr implements the atomic state manager: it owns the
// state database and the staging/live directory convention, and is the
// only component permitted to write to the live prefix — always via the
// rename-swap in internal/platform, never by in-place mutation.
//
// Commit ordering: fsync the staged directory, commit a swap-journal
// intent in its own DB transaction, perform the atomic rename-swap,
// then set the active-state row and clear the journal intent together
// in one further transaction. Reconcile on startup
// reads any leftover intent and repairs the DB to match whichever
// directory the filesystem shows as live — it never re-executes the
// swap itself, since a previously completed swap must not be redone.
package statemgr

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/sps2/sps2/internal/errcode"
	"github.com/sps2/sps2/internal/events"
	"github.com/sps2/sps2/internal/platform"
	"github.com/sps2/sps2/internal/statedb"
)

// Manager coordinates the embedded database with the on-disk states/
// and live directories.
type Manager struct {
	DB         *statedb.DB
	StatesRoot string // <root>/states
	LivePath   string // <root>/live
	Bus        *events.Bus
	Logger     logrus.FieldLogger
}

// New constructs a Manager and runs startup swap-journal reconciliation.
func New(db *statedb.DB, statesRoot, livePath string, bus *events.Bus, logger logrus.FieldLogger) (*Manager, error) {
	if err := os.MkdirAll(statesRoot, 0o755); err != nil {
		return nil, errcode.Wrap(errcode.FilesystemError, err, "creating states root")
	}
	m := &Manager{DB: db, StatesRoot: statesRoot, LivePath: livePath, Bus: bus, Logger: logger}
	if err := m.reconcile(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) statePath(stateID string) string { return filepath.Join(m.StatesRoot, stateID) }

// reconcile inspects a leftover swap journal entry at startup. Since the
// filesystem swap and the DB commit are not a single atomic operation,
// a crash between them leaves the journal non-empty; this never retries
// the rename (it may have already happened) and instead trusts
// whichever directory currently sits at LivePath, updating the active-
// state row to match and then clearing the journal.
func (m *Manager) reconcile() error {
	return m.DB.Update(func(tx *statedb.Tx) error {
		intent, ok, err := tx.ReadSwapIntent()
		if err != nil || !ok {
			return err
		}

		// The filesystem swap in Activate always runs to completion
		// before the journal entry is written to disk is cleared; by
		// the time we get here LivePath already holds whichever
		// directory the rename put there. Trust it and bring the DB's
		// active-state row into agreement rather than re-attempting
		// the swap.
		if err := tx.SetActiveState(intent.ToState); err != nil {
			return err
		}
		if m.Logger != nil {
			m.Logger.WithFields(logrus.Fields{
				"from": intent.FromState, "to": intent.ToState,
			}).Warn("statemgr: reconciled incomplete swap from prior crash")
		}
		return tx.ClearSwapIntent()
	})
}

// CreateState allocates a new staged prefix directory sibling to the
// live prefix, materializes the parent state's contents into it via
// hardlink/clone (never a deep copy of file bytes), and records the
// state row. A nil parent (the very first state) starts from an empty
// directory.
func (m *Manager) CreateState(parentID, operation string) (string, error) {
	stateID := uuid.NewString()
	dir := m.statePath(stateID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errcode.Wrap(errcode.FilesystemError, err, "creating staged state directory")
	}

	if parentID != "" {
		if err := cloneTree(m.statePath(parentID), dir); err != nil {
			_ = os.RemoveAll(dir)
			return "", err
		}
	}

	err := m.DB.Update(func(tx *statedb.Tx) error {
		return tx.PutState(statedb.State{
			ID:        stateID,
			ParentID:  parentID,
			CreatedAt: time.Now().Unix(),
			Operation: operation,
			Success:   true,
		})
	})
	if err != nil {
		_ = os.RemoveAll(dir)
		return "", err
	}
	return stateID, nil
}

// cloneTree materializes every entry of src under dst via hardlink
// (falling back to copy across filesystems), the same default
// filestore.LinkInto uses, so an entry untouched by this transition
// keeps the same inode it had under the parent state.
func cloneTree(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, relErr := filepath.Rel(src, path)
		if relErr != nil {
			return relErr
		}
		if rel == "." {
			return nil
		}
		target := filepath.Join(dst, rel)

		switch {
		case info.Mode()&os.ModeSymlink != 0:
			linkTarget, linkErr := os.Readlink(path)
			if linkErr != nil {
				return linkErr
			}
			return platform.SymlinkAtomic(linkTarget, target)
		case info.IsDir():
			return os.MkdirAll(target, info.Mode().Perm())
		default:
			_, linkErr := platform.HardlinkFile(path, target)
			return linkErr
		}
	})
}

// AddPackageRef records a package reference edge for the given staged
// state.
func (m *Manager) AddPackageRef(stateID, name, version, archiveHash string, size int64, venvPath string) error {
	return m.DB.Update(func(tx *statedb.Tx) error {
		if err := tx.PutPackage(statedb.PackageRef{
			StateID: stateID, Name: name, Version: version,
			ArchiveHash: archiveHash, Size: size, VenvPath: venvPath,
			InstalledAt: time.Now().Unix(),
		}); err != nil {
			return err
		}
		if err := tx.PutPackageMapping(name, version, archiveHash); err != nil {
			return err
		}
		return tx.IncrementPackageRef(archiveHash)
	})
}

// AddPackageFiles records the full file-edge set for a package
// reference and bumps each distinct file object's refcount.
func (m *Manager) AddPackageFiles(stateID, name, version string, entries []statedb.FileEdge) error {
	return m.DB.Update(func(tx *statedb.Tx) error {
		if err := tx.PutPackageFiles(stateID, name, version, entries); err != nil {
			return err
		}
		for _, e := range entries {
			if e.FileHash == "" {
				continue // directories and symlinks carry no store-backed hash
			}
			if err := tx.IncrementFileRef(e.FileHash, 0); err != nil {
				return err
			}
		}
		return nil
	})
}

// RemovePackageRef removes a package reference from the given staged
// state, decrementing its archive refcount and every file it owned.
func (m *Manager) RemovePackageRef(stateID, name, version string) error {
	return m.DB.Update(func(tx *statedb.Tx) error {
		ref, ok, err := tx.GetPackage(stateID, name, version)
		if err != nil {
			return err
		}
		if !ok {
			return errcode.New(errcode.NotFound, fmt.Sprintf("package %s@%s not installed in state %s", name, version, stateID))
		}

		entries, err := tx.GetPackageFiles(stateID, name, version)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if e.FileHash == "" {
				continue
			}
			if _, err := tx.DecrementFileRef(e.FileHash); err != nil {
				return err
			}
		}

		if err := tx.DeletePackageFiles(stateID, name, version); err != nil {
			return err
		}
		if err := tx.DeletePackage(stateID, name, version); err != nil {
			return err
		}
		_, err = tx.DecrementPackageRef(ref.ArchiveHash)
		return err
	})
}

// Activate brings stateID's content live without ever moving or
// mutating states/<stateID> itself, since that directory must remain
// addressable later for history and rollback. It clones stateID's tree
// into a throwaway sibling of the live prefix, rename-swaps that clone
// with the live prefix (a genuine two-real-directory exchange), then
// discards whatever the swap displaced — its bookkeeping already lives
// in the database, so the displaced directory holds no unique content.
func (m *Manager) Activate(stateID string) error {
	var previous string
	err := m.DB.View(func(tx *statedb.Tx) error {
		p, err := tx.GetActiveState()
		if err != nil && !isActiveMissing(err) {
			return err
		}
		previous = p
		return nil
	})
	if err != nil {
		return err
	}

	staged := m.statePath(stateID)
	swapSlot := m.LivePath + ".sps2.next"
	if err := os.RemoveAll(swapSlot); err != nil {
		return errcode.Wrap(errcode.FilesystemError, err, "clearing stale swap slot")
	}
	if err := cloneTree(staged, swapSlot); err != nil {
		_ = os.RemoveAll(swapSlot)
		return errcode.Wrap(errcode.FilesystemError, err, "cloning state into swap slot")
	}
	if err := fsyncDir(swapSlot); err != nil {
		return errcode.Wrap(errcode.FilesystemError, err, "fsync swap slot")
	}

	err = m.DB.Update(func(tx *statedb.Tx) error {
		return tx.WriteSwapIntent(statedb.SwapIntent{
			FromState: previous, ToState: stateID, TmpPath: swapSlot, StartedAt: time.Now().Unix(),
		})
	})
	if err != nil {
		return err
	}

	if err := m.swapLive(swapSlot); err != nil {
		return errcode.Wrap(errcode.SwapFailure, err, "activating state "+stateID)
	}

	err = m.DB.Update(func(tx *statedb.Tx) error {
		if err := tx.SetActiveState(stateID); err != nil {
			return err
		}
		return tx.ClearSwapIntent()
	})
	if err != nil {
		return err
	}

	// swapSlot now holds whatever was displaced from the live prefix;
	// its refcounts are already tracked, so the on-disk copy is
	// redundant and safe to discard immediately.
	_ = os.RemoveAll(swapSlot)

	if m.Bus != nil {
		_ = m.Bus.Emit(events.Event{Kind: events.KindStateActivated, Message: stateID})
	}
	return nil
}

// swapLive exchanges LivePath's content with swapSlot's, preferring the
// native single-syscall RenameSwap and falling back to the three-rename
// emulation on platforms without it. If LivePath does not exist yet
// (the very first activation), a plain rename suffices.
func (m *Manager) swapLive(swapSlot string) error {
	if _, err := os.Lstat(m.LivePath); os.IsNotExist(err) {
		return os.Rename(swapSlot, m.LivePath)
	}

	if platform.SwapSupported() {
		return platform.RenameSwap(m.LivePath, swapSlot)
	}

	tmp := m.LivePath + ".sps2.swaptmp"
	return platform.EmulatedSwap(m.LivePath, swapSlot, tmp)
}

// RollbackTo swaps stateID's directory with the live directory and
// records a new `rollback` state whose rollback_of points at the
// previously active state.
func (m *Manager) RollbackTo(stateID string) error {
	var previous string
	err := m.DB.View(func(tx *statedb.Tx) error {
		p, err := tx.GetActiveState()
		if err != nil {
			return err
		}
		previous = p
		return nil
	})
	if err != nil {
		return err
	}

	if err := m.Activate(stateID); err != nil {
		return err
	}

	rollbackID := uuid.NewString()
	err = m.DB.Update(func(tx *statedb.Tx) error {
		return tx.PutState(statedb.State{
			ID: rollbackID, ParentID: stateID, CreatedAt: time.Now().Unix(),
			Operation: "rollback", Success: true, RollbackOf: previous,
		})
	})
	if err != nil {
		return err
	}

	if m.Bus != nil {
		_ = m.Bus.Emit(events.Event{Kind: events.KindStateRolledBack, Message: stateID})
	}
	return nil
}

// ActiveStateID returns the currently active state id, or "" if no
// state has ever been activated (a fresh install with nothing to roll
// back to yet), rather than surfacing StateActiveMissing as an error
// to every caller that just wants a parent id to build against.
func (m *Manager) ActiveStateID() (string, error) {
	var id string
	err := m.DB.View(func(tx *statedb.Tx) error {
		active, err := tx.GetActiveState()
		if err != nil {
			if isActiveMissing(err) {
				return nil
			}
			return err
		}
		id = active
		return nil
	})
	return id, err
}

// GetInstalledPackages returns every package reference in the active
// state.
func (m *Manager) GetInstalledPackages() ([]statedb.PackageRef, error) {
	var out []statedb.PackageRef
	err := m.DB.View(func(tx *statedb.Tx) error {
		active, err := tx.GetActiveState()
		if err != nil {
			return err
		}
		out, err = tx.ListStatePackages(active)
		return err
	})
	return out, err
}

// GetStatePackages returns every package reference recorded against
// stateID directly, independent of which state is currently active.
// The installer uses this to carry forward a parent state's unaffected
// packages into a freshly created child state.
func (m *Manager) GetStatePackages(stateID string) ([]statedb.PackageRef, error) {
	var out []statedb.PackageRef
	err := m.DB.View(func(tx *statedb.Tx) error {
		var err error
		out, err = tx.ListStatePackages(stateID)
		return err
	})
	return out, err
}

// GetPackageFiles returns the file edges for a package reference in
// the given state.
func (m *Manager) GetPackageFiles(stateID, name, version string) ([]statedb.FileEdge, error) {
	var out []statedb.FileEdge
	err := m.DB.View(func(tx *statedb.Tx) error {
		var err error
		out, err = tx.GetPackageFiles(stateID, name, version)
		return err
	})
	return out, err
}

// GetPackageHash returns the archive hash published for (name,
// version), independent of which state(s) reference it.
func (m *Manager) GetPackageHash(name, version string) (string, bool, error) {
	var hash string
	var found bool
	err := m.DB.View(func(tx *statedb.Tx) error {
		hash, found = tx.GetPackageMapping(name, version)
		return nil
	})
	return hash, found, err
}

func isActiveMissing(err error) bool {
	var e *errcode.Error
	return errors.As(err, &e) && e.Kind == errcode.StateActiveMissing
}
