// Package gc implements sps2's garbage collector (spec §4.10): pruning
// old states beyond the configured retention window and sweeping store
// objects whose refcount has dropped to zero. It is the write side of
// the refcount bookkeeping internal/statemgr maintains on every install,
// update, and rollback.
package gc

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/sps2/sps2/internal/events"
	"github.com/sps2/sps2/internal/hash"
	"github.com/sps2/sps2/internal/statedb"
	"github.com/sps2/sps2/internal/statemgr"
	"github.com/sps2/sps2/internal/store/filestore"
	"github.com/sps2/sps2/internal/store/pkgstore"
)

// Collector ties the state database to the two content stores it
// tracks refcounts for.
type Collector struct {
	Manager  *statemgr.Manager
	Files    *filestore.Store
	Packages *pkgstore.Store
	Bus      *events.Bus
}

// New returns a Collector over manager's database and the given stores.
func New(manager *statemgr.Manager, files *filestore.Store, packages *pkgstore.Store, bus *events.Bus) *Collector {
	return &Collector{Manager: manager, Files: files, Packages: packages, Bus: bus}
}

// PruneResult reports what a PruneStates call removed.
type PruneResult struct {
	RemovedStates []string
}

// PruneStates removes non-active states beyond the newest keep states,
// skipping any state younger than minAge regardless of count (a very
// recent state is kept around for a quick manual rollback even if the
// count retention would otherwise drop it). The active state is never
// pruned.
func (c *Collector) PruneStates(keep int, minAge time.Duration) (PruneResult, error) {
	var result PruneResult

	var states []statedb.State
	var active string
	err := c.Manager.DB.View(func(tx *statedb.Tx) error {
		var err error
		states, err = tx.ListStates()
		if err != nil {
			return err
		}
		active, err = tx.GetActiveState()
		return err
	})
	if err != nil {
		return result, err
	}

	sort.Slice(states, func(i, j int) bool { return states[i].CreatedAt > states[j].CreatedAt })

	cutoff := time.Now().Add(-minAge).Unix()
	var candidates []statedb.State
	kept := 0
	for _, s := range states {
		if s.ID == active {
			continue
		}
		if kept < keep {
			kept++
			continue
		}
		if s.CreatedAt > cutoff {
			continue
		}
		candidates = append(candidates, s)
	}

	for _, s := range candidates {
		if err := c.pruneOne(s.ID); err != nil {
			return result, err
		}
		result.RemovedStates = append(result.RemovedStates, s.ID)
	}

	if c.Bus != nil {
		_ = c.Bus.Emit(events.Event{Kind: events.KindGCCompleted,
			Message: "pruned " + strconv.Itoa(len(result.RemovedStates)) + " state(s)"})
	}
	return result, nil
}

func (c *Collector) pruneOne(stateID string) error {
	var refs []statedb.PackageRef
	err := c.Manager.DB.View(func(tx *statedb.Tx) error {
		var err error
		refs, err = tx.ListStatePackages(stateID)
		return err
	})
	if err != nil {
		return err
	}

	for _, ref := range refs {
		if err := c.Manager.RemovePackageRef(stateID, ref.Name, ref.Version); err != nil {
			return err
		}
	}

	if err := c.Manager.DB.Update(func(tx *statedb.Tx) error {
		return tx.DeleteState(stateID)
	}); err != nil {
		return err
	}

	return os.RemoveAll(filepath.Join(c.Manager.StatesRoot, stateID))
}

// SweepResult reports what a Sweep call reclaimed.
type SweepResult struct {
	FilesRemoved    int
	FilesBytes      int64
	PackagesRemoved int
}

// Sweep deletes every file object and package archive whose refcount
// has reached zero, then drops its bookkeeping row. Safe to run
// concurrently with installs: an object only reaches zero once every
// referencing state has been pruned or updated away from it, and a
// fresh install always increments before this runs its next pass.
func (c *Collector) Sweep() (SweepResult, error) {
	var result SweepResult

	var fileRefs []statedb.FileObjectRef
	var pkgRefs []statedb.PackageArchiveRef
	err := c.Manager.DB.View(func(tx *statedb.Tx) error {
		var err error
		fileRefs, err = tx.ListFileRefs()
		if err != nil {
			return err
		}
		pkgRefs, err = tx.ListPackageRefs()
		return err
	})
	if err != nil {
		return result, err
	}

	for _, ref := range fileRefs {
		if ref.RefCount > 0 {
			continue
		}
		h, err := hash.FromHex(ref.Hash)
		if err != nil {
			continue
		}
		if err := c.Files.Remove(h); err != nil {
			return result, err
		}
		if err := c.Manager.DB.Update(func(tx *statedb.Tx) error {
			return tx.DeleteFileRef(ref.Hash)
		}); err != nil {
			return result, err
		}
		result.FilesRemoved++
		result.FilesBytes += ref.Size
	}

	for _, ref := range pkgRefs {
		if ref.RefCount > 0 {
			continue
		}
		h, err := hash.FromHex(ref.Hash)
		if err != nil {
			continue
		}
		if err := c.Packages.Remove(h); err != nil {
			return result, err
		}
		if err := c.Manager.DB.Update(func(tx *statedb.Tx) error {
			return tx.DeletePackageRef(ref.Hash)
		}); err != nil {
			return result, err
		}
		result.PackagesRemoved++
	}

	if c.Bus != nil {
		_ = c.Bus.Emit(events.Event{Kind: events.KindGCCompleted,
			Message: "reclaimed " + strconv.Itoa(result.FilesRemoved) + " file object(s), " +
				strconv.Itoa(result.PackagesRemoved) + " package tree(s)"})
	}
	return result, nil
}
