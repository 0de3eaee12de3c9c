// Package installer implements atomic staged-prefix composition (spec
// §4.8-4.9): building the next state directory's content from a set of
// package additions and removals, then handing the result to statemgr
// for activation. It is a thin orchestration layer — the actual
// primitives (hardlink/clone materialization, safe-order removal,
// rename-swap) already live in internal/store/pkgstore and
// internal/platform; this package sequences them against one state
// transition and keeps the state database's package-reference rows in
// sync with what lands on disk.
package installer

import (
	"path/filepath"

	"github.com/sps2/sps2/internal/errcode"
	"github.com/sps2/sps2/internal/events"
	"github.com/sps2/sps2/internal/hash"
	"github.com/sps2/sps2/internal/platform"
	"github.com/sps2/sps2/internal/statedb"
	"github.com/sps2/sps2/internal/statemgr"
	"github.com/sps2/sps2/internal/store/pkgstore"
)

// Addition is one package to materialize into the new state.
type Addition struct {
	Name     string
	Version  string
	Package  *pkgstore.StoredPackage
	VenvPath string // set for packages with a per-package isolated environment
}

// Removal is one package to strip out of the new state; its file edges
// are looked up from the parent state, since the new state never
// carried them forward in the first place.
type Removal struct {
	Name    string
	Version string
}

// Installer composes a state's content from store-backed package trees.
type Installer struct {
	Store   *pkgstore.Store
	Manager *statemgr.Manager
	Bus     *events.Bus
}

// New returns an Installer layering composition over manager and store.
func New(store *pkgstore.Store, manager *statemgr.Manager, bus *events.Bus) *Installer {
	return &Installer{Store: store, Manager: manager, Bus: bus}
}

// Apply creates a new state as a child of parentStateID, applies
// removals then additions to its staged directory, carries forward
// every parent package that is neither removed nor being replaced by
// an addition of the same name, and returns the new (not yet active)
// state id. The caller activates it separately via Manager.Activate,
// keeping "compose" and "swap live" as distinct, individually
// retryable steps.
func (i *Installer) Apply(parentStateID, operation string, additions []Addition, removals []Removal) (string, error) {
	stateID, err := i.Manager.CreateState(parentStateID, operation)
	if err != nil {
		return "", err
	}
	stagedDir := filepath.Join(i.Manager.StatesRoot, stateID)

	replaced := make(map[string]bool, len(additions)+len(removals))
	for _, r := range removals {
		replaced[r.Name] = true
	}
	for _, a := range additions {
		replaced[a.Name] = true
	}

	if parentStateID != "" {
		if err := i.carryForward(parentStateID, stateID, replaced); err != nil {
			return "", err
		}
	}

	for _, r := range removals {
		if err := i.remove(parentStateID, stagedDir, r); err != nil {
			return "", err
		}
	}

	for _, a := range additions {
		if err := i.add(stateID, stagedDir, a); err != nil {
			return "", err
		}
	}

	return stateID, nil
}

// carryForward re-establishes a fresh package reference (and bumps file
// refcounts accordingly) in the new state for every package the parent
// state held that is not in the replaced set. Each state's bookkeeping
// is independent: a package surviving into a new state counts as a new
// reference to its file objects, which is what lets garbage collection
// reclaim objects only once every referencing state is gone.
func (i *Installer) carryForward(parentStateID, newStateID string, replaced map[string]bool) error {
	parentPackages, err := i.Manager.GetStatePackages(parentStateID)
	if err != nil {
		return err
	}
	for _, ref := range parentPackages {
		if replaced[ref.Name] {
			continue
		}
		files, err := i.Manager.GetPackageFiles(parentStateID, ref.Name, ref.Version)
		if err != nil {
			return err
		}
		if err := i.Manager.AddPackageRef(newStateID, ref.Name, ref.Version, ref.ArchiveHash, ref.Size, ref.VenvPath); err != nil {
			return err
		}
		if err := i.Manager.AddPackageFiles(newStateID, ref.Name, ref.Version, files); err != nil {
			return err
		}
	}
	return nil
}

// add materializes one package tree into stagedDir by hardlink/clone
// from the file store and records its reference and file edges against
// stateID.
func (i *Installer) add(stateID, stagedDir string, a Addition) error {
	if err := i.Store.LinkTo(a.Package, stagedDir); err != nil {
		return err
	}

	var size int64
	edges := make([]statedb.FileEdge, 0, len(a.Package.Entries))
	for _, e := range a.Package.Entries {
		edges = append(edges, statedb.FileEdge{
			RelPath: e.RelPath, FileHash: e.FileHash,
			IsDir: e.IsDir, IsSymlink: e.IsSymlink, LinkTarget: e.LinkTarget, Mode: e.Mode,
		})
		if e.FileHash == "" {
			continue
		}
		if h, err := hash.FromHexAlgorithm(e.FileHash, hash.Fast); err == nil {
			if fileSize, err := i.Store.Files.Size(h); err == nil {
				size += fileSize
			}
		}
	}

	if err := i.Manager.AddPackageRef(stateID, a.Name, a.Version, a.Package.Hash.ToHex(), size, a.VenvPath); err != nil {
		return err
	}
	if err := i.Manager.AddPackageFiles(stateID, a.Name, a.Version, edges); err != nil {
		return err
	}

	i.emit(events.KindInstallCompleted, a.Name, a.Version, "composed into staged state")
	return nil
}

// remove deletes a package's tracked entries from stagedDir in safe
// order (symlinks, then files, then empty directories deepest-first).
// Its file edges come from the parent state, since the new state was
// never given a reference to them in the first place.
func (i *Installer) remove(parentStateID, stagedDir string, r Removal) error {
	if parentStateID == "" {
		return errcode.New(errcode.InvalidInput, "cannot remove "+r.Name+": no parent state to remove from")
	}
	files, err := i.Manager.GetPackageFiles(parentStateID, r.Name, r.Version)
	if err != nil {
		return err
	}
	relPaths := make([]string, 0, len(files))
	for _, f := range files {
		relPaths = append(relPaths, f.RelPath)
	}
	if err := platform.RemoveEntriesSafely(stagedDir, relPaths); err != nil {
		return err
	}
	i.emit(events.KindInstallCompleted, r.Name, r.Version, "removed from staged state")
	return nil
}

func (i *Installer) emit(kind events.Kind, name, version, msg string) {
	if i.Bus == nil {
		return
	}
	_ = i.Bus.Emit(events.Event{Kind: kind, Package: name, Version: version, Message: msg})
}
