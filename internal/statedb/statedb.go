// Package statedb is sps2's embedded transactional state database,
// built on go.etcd.io/bbolt the way the teacher's internal/cache keys
// its progressive-hash cache: one bolt.DB file, one bucket per table,
// values are JSON-encoded rows. Where the original implementation used
// SQL tables (states, active_state, packages, package_files,
// file_objects, package_refs, package_map, swap_journal), each becomes
// a bolt bucket keyed by its primary key; relationships that SQL would
// express as a join are expressed here as a composite key prefix
// (state_id + package name + version) the caller scans with Cursor.
package statedb

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/sps2/sps2/internal/errcode"
)

var (
	bucketStates       = []byte("states")
	bucketActiveState  = []byte("active_state")
	bucketPackages     = []byte("packages")
	bucketPackageFiles = []byte("package_files")
	bucketFileObjects  = []byte("file_objects")
	bucketPackageRefs  = []byte("package_refs")
	bucketPackageMap   = []byte("package_map")
	bucketSwapJournal  = []byte("swap_journal")

	activeStateKey = []byte("active")
)

var allBuckets = [][]byte{
	bucketStates, bucketActiveState, bucketPackages, bucketPackageFiles,
	bucketFileObjects, bucketPackageRefs, bucketPackageMap, bucketSwapJournal,
}

// DB wraps a bolt.DB opened against sps2's schema.
type DB struct {
	bolt *bolt.DB
}

// Open opens (creating if needed) the bolt file at path and ensures
// every schema bucket exists.
func Open(path string) (*DB, error) {
	b, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, errcode.Wrap(errcode.DatabaseError, err, "opening state database")
	}
	db := &DB{bolt: b}
	if err := db.bolt.Update(func(tx *bolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = b.Close()
		return nil, errcode.Wrap(errcode.DatabaseError, err, "initializing schema buckets")
	}
	return db, nil
}

// Close closes the underlying bolt file.
func (db *DB) Close() error {
	if err := db.bolt.Close(); err != nil {
		return errcode.Wrap(errcode.DatabaseError, err, "closing state database")
	}
	return nil
}

// Tx is a single read/write transaction; every statemgr mutation runs
// inside exactly one, matching the spec's "serialized write
// transaction" concurrency model.
type Tx struct{ tx *bolt.Tx }

// Update runs fn inside a single serialized write transaction.
func (db *DB) Update(fn func(*Tx) error) error {
	err := db.bolt.Update(func(btx *bolt.Tx) error { return fn(&Tx{tx: btx}) })
	if err != nil {
		return errcode.Wrap(errcode.DatabaseError, err, "state database write transaction")
	}
	return nil
}

// View runs fn inside a read-only snapshot transaction.
func (db *DB) View(fn func(*Tx) error) error {
	err := db.bolt.View(func(btx *bolt.Tx) error { return fn(&Tx{tx: btx}) })
	if err != nil {
		return errcode.Wrap(errcode.DatabaseError, err, "state database read transaction")
	}
	return nil
}

func putJSON(tx *bolt.Tx, bucket, key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return tx.Bucket(bucket).Put(key, data)
}

func getJSON(tx *bolt.Tx, bucket, key []byte, v interface{}) (bool, error) {
	data := tx.Bucket(bucket).Get(key)
	if data == nil {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, err
	}
	return true, nil
}

// --- states ---------------------------------------------------------

// State is one row of the states table.
type State struct {
	ID         string  `json:"id"`
	ParentID   string  `json:"parent_id,omitempty"`
	CreatedAt  int64   `json:"created_at"`
	Operation  string  `json:"operation"`
	Success    bool    `json:"success"`
	RollbackOf string  `json:"rollback_of,omitempty"`
}

// PutState inserts or replaces a states row.
func (t *Tx) PutState(s State) error { return putJSON(t.tx, bucketStates, []byte(s.ID), s) }

// GetState fetches a states row by id.
func (t *Tx) GetState(id string) (State, bool, error) {
	var s State
	ok, err := getJSON(t.tx, bucketStates, []byte(id), &s)
	return s, ok, err
}

// ListStates returns every states row, in bucket (ascending id) order.
func (t *Tx) ListStates() ([]State, error) {
	var out []State
	c := t.tx.Bucket(bucketStates).Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		var s State
		if err := json.Unmarshal(v, &s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// DeleteState removes a states row, used by retention cleanup.
func (t *Tx) DeleteState(id string) error { return t.tx.Bucket(bucketStates).Delete([]byte(id)) }

// --- active_state -----------------------------------------------------

// GetActiveState returns the currently active state id, failing with
// StateActiveMissing if none has ever been set.
func (t *Tx) GetActiveState() (string, error) {
	data := t.tx.Bucket(bucketActiveState).Get(activeStateKey)
	if data == nil {
		return "", errcode.New(errcode.StateActiveMissing, "no active state recorded")
	}
	return string(data), nil
}

// SetActiveState records stateID as active.
func (t *Tx) SetActiveState(stateID string) error {
	return t.tx.Bucket(bucketActiveState).Put(activeStateKey, []byte(stateID))
}

// --- packages (package_refs in the spec's external-interfaces naming) -

// PackageRef is one package reference edge: (state, name, version) →
// archive hash, size, optional venv path.
type PackageRef struct {
	StateID     string `json:"state_id"`
	Name        string `json:"name"`
	Version     string `json:"version"`
	ArchiveHash string `json:"archive_hash"`
	Size        int64  `json:"size"`
	VenvPath    string `json:"venv_path,omitempty"`
	InstalledAt int64  `json:"installed_at"`
}

func packageKey(stateID, name, version string) []byte {
	return []byte(fmt.Sprintf("%s\x00%s\x00%s", stateID, name, version))
}

// PutPackage inserts or replaces a package reference row.
func (t *Tx) PutPackage(p PackageRef) error {
	return putJSON(t.tx, bucketPackages, packageKey(p.StateID, p.Name, p.Version), p)
}

// GetPackage fetches a package reference row.
func (t *Tx) GetPackage(stateID, name, version string) (PackageRef, bool, error) {
	var p PackageRef
	ok, err := getJSON(t.tx, bucketPackages, packageKey(stateID, name, version), &p)
	return p, ok, err
}

// DeletePackage removes a package reference row.
func (t *Tx) DeletePackage(stateID, name, version string) error {
	return t.tx.Bucket(bucketPackages).Delete(packageKey(stateID, name, version))
}

// ListStatePackages returns every package installed in stateID.
func (t *Tx) ListStatePackages(stateID string) ([]PackageRef, error) {
	prefix := append([]byte(stateID), 0)
	var out []PackageRef
	c := t.tx.Bucket(bucketPackages).Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		var p PackageRef
		if err := json.Unmarshal(v, &p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// --- package_files ----------------------------------------------------

// FileEdge is one (relative_path, file_hash, is_directory, is_symlink)
// row linking a package reference to a file object.
type FileEdge struct {
	RelPath    string `json:"rel_path"`
	FileHash   string `json:"file_hash,omitempty"`
	IsDir      bool   `json:"is_dir"`
	IsSymlink  bool   `json:"is_symlink"`
	LinkTarget string `json:"link_target,omitempty"`
	Mode       uint32 `json:"mode"`
}

func packageFilesKey(stateID, name, version string) []byte {
	return packageKey(stateID, name, version)
}

// PutPackageFiles replaces the full set of file edges for a package
// reference. Callers pass the complete set every time; there is no
// incremental edge add/remove, matching add_package_files's
// all-at-once contract.
func (t *Tx) PutPackageFiles(stateID, name, version string, entries []FileEdge) error {
	return putJSON(t.tx, bucketPackageFiles, packageFilesKey(stateID, name, version), entries)
}

// GetPackageFiles fetches the file edges for a package reference.
func (t *Tx) GetPackageFiles(stateID, name, version string) ([]FileEdge, error) {
	var entries []FileEdge
	_, err := getJSON(t.tx, bucketPackageFiles, packageFilesKey(stateID, name, version), &entries)
	return entries, err
}

// DeletePackageFiles removes the file edges for a package reference.
func (t *Tx) DeletePackageFiles(stateID, name, version string) error {
	return t.tx.Bucket(bucketPackageFiles).Delete(packageFilesKey(stateID, name, version))
}

// --- file_objects (per-file-hash refcount) -----------------------------

// FileObjectRef tracks how many package references include a given
// file object hash.
type FileObjectRef struct {
	Hash     string `json:"hash"`
	RefCount int64  `json:"ref_count"`
	Size     int64  `json:"size"`
}

// IncrementFileRef bumps the refcount for a file object hash, creating
// the row if it does not yet exist.
func (t *Tx) IncrementFileRef(hash string, size int64) error {
	var ref FileObjectRef
	ok, err := getJSON(t.tx, bucketFileObjects, []byte(hash), &ref)
	if err != nil {
		return err
	}
	if !ok {
		ref = FileObjectRef{Hash: hash, Size: size}
	}
	ref.RefCount++
	return putJSON(t.tx, bucketFileObjects, []byte(hash), ref)
}

// DecrementFileRef decreases the refcount for a file object hash,
// failing with RefcountUnderflow if it would go negative, and returns
// the resulting count.
func (t *Tx) DecrementFileRef(hash string) (int64, error) {
	var ref FileObjectRef
	ok, err := getJSON(t.tx, bucketFileObjects, []byte(hash), &ref)
	if err != nil {
		return 0, err
	}
	if !ok || ref.RefCount <= 0 {
		return 0, errcode.New(errcode.RefcountUnderflow, "file object refcount underflow: "+hash)
	}
	ref.RefCount--
	if err := putJSON(t.tx, bucketFileObjects, []byte(hash), ref); err != nil {
		return 0, err
	}
	return ref.RefCount, nil
}

// GetFileRef fetches the refcount row for a file object hash.
func (t *Tx) GetFileRef(hash string) (FileObjectRef, bool, error) {
	var ref FileObjectRef
	ok, err := getJSON(t.tx, bucketFileObjects, []byte(hash), &ref)
	return ref, ok, err
}

// ListFileRefs returns every tracked file object's refcount row. Garbage
// collection uses this to find zero-refcount objects the file store can
// reclaim.
func (t *Tx) ListFileRefs() ([]FileObjectRef, error) {
	var out []FileObjectRef
	c := t.tx.Bucket(bucketFileObjects).Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		var ref FileObjectRef
		if err := json.Unmarshal(v, &ref); err != nil {
			return nil, err
		}
		out = append(out, ref)
	}
	return out, nil
}

// DeleteFileRef removes a file object's refcount row entirely. Callers
// use this only after confirming RefCount is zero and the underlying
// store object has been removed.
func (t *Tx) DeleteFileRef(hash string) error {
	return t.tx.Bucket(bucketFileObjects).Delete([]byte(hash))
}

// --- package_refs (per-archive-hash refcount across states) -----------

// PackageArchiveRef tracks how many states contain a given package
// archive hash.
type PackageArchiveRef struct {
	Hash     string `json:"hash"`
	RefCount int64  `json:"ref_count"`
}

// IncrementPackageRef bumps the refcount for a package archive hash.
func (t *Tx) IncrementPackageRef(hash string) error {
	var ref PackageArchiveRef
	ok, err := getJSON(t.tx, bucketPackageRefs, []byte(hash), &ref)
	if err != nil {
		return err
	}
	if !ok {
		ref = PackageArchiveRef{Hash: hash}
	}
	ref.RefCount++
	return putJSON(t.tx, bucketPackageRefs, []byte(hash), ref)
}

// DecrementPackageRef decreases the refcount for a package archive
// hash, failing with RefcountUnderflow if it would go negative.
func (t *Tx) DecrementPackageRef(hash string) (int64, error) {
	var ref PackageArchiveRef
	ok, err := getJSON(t.tx, bucketPackageRefs, []byte(hash), &ref)
	if err != nil {
		return 0, err
	}
	if !ok || ref.RefCount <= 0 {
		return 0, errcode.New(errcode.RefcountUnderflow, "package archive refcount underflow: "+hash)
	}
	ref.RefCount--
	if err := putJSON(t.tx, bucketPackageRefs, []byte(hash), ref); err != nil {
		return 0, err
	}
	return ref.RefCount, nil
}

// GetPackageRef fetches the refcount row for a package archive hash.
func (t *Tx) GetPackageRef(hash string) (PackageArchiveRef, bool, error) {
	var ref PackageArchiveRef
	ok, err := getJSON(t.tx, bucketPackageRefs, []byte(hash), &ref)
	return ref, ok, err
}

// ListPackageRefs returns every tracked package archive's refcount row.
func (t *Tx) ListPackageRefs() ([]PackageArchiveRef, error) {
	var out []PackageArchiveRef
	c := t.tx.Bucket(bucketPackageRefs).Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		var ref PackageArchiveRef
		if err := json.Unmarshal(v, &ref); err != nil {
			return nil, err
		}
		out = append(out, ref)
	}
	return out, nil
}

// DeletePackageRef removes a package archive's refcount row entirely.
func (t *Tx) DeletePackageRef(hash string) error {
	return t.tx.Bucket(bucketPackageRefs).Delete([]byte(hash))
}

// --- package_map (name/version → archive hash, independent of state) --

func packageMapKey(name, version string) []byte {
	return []byte(fmt.Sprintf("%s\x00%s", name, version))
}

// PutPackageMapping records the archive hash published under
// (name, version), the identity install/resolve looks up.
func (t *Tx) PutPackageMapping(name, version, archiveHash string) error {
	return t.tx.Bucket(bucketPackageMap).Put(packageMapKey(name, version), []byte(archiveHash))
}

// GetPackageMapping fetches the archive hash for (name, version).
func (t *Tx) GetPackageMapping(name, version string) (string, bool) {
	data := t.tx.Bucket(bucketPackageMap).Get(packageMapKey(name, version))
	if data == nil {
		return "", false
	}
	return string(data), true
}

// --- swap_journal -------------------------------------------------------

// SwapIntent is the crash-recovery record written before an activation's
// rename-swap and cleared only after the DB commit that follows it.
// Startup reconciliation (see statemgr) reads any leftover intent to
// decide which half of the swap completed before a crash.
type SwapIntent struct {
	FromState string `json:"from_state"`
	ToState   string `json:"to_state"`
	TmpPath   string `json:"tmp_path,omitempty"`
	StartedAt int64  `json:"started_at"`
}

var swapJournalKey = []byte("current")

// WriteSwapIntent records the pending swap; Activate commits it in its
// own transaction before the filesystem rename.
func (t *Tx) WriteSwapIntent(intent SwapIntent) error {
	return putJSON(t.tx, bucketSwapJournal, swapJournalKey, intent)
}

// ReadSwapIntent returns the pending swap intent, if any.
func (t *Tx) ReadSwapIntent() (SwapIntent, bool, error) {
	var intent SwapIntent
	ok, err := getJSON(t.tx, bucketSwapJournal, swapJournalKey, &intent)
	return intent, ok, err
}

// ClearSwapIntent removes the journal entry once the swap and its
// matching DB commit are both durable.
func (t *Tx) ClearSwapIntent() error {
	return t.tx.Bucket(bucketSwapJournal).Delete(swapJournalKey)
}
