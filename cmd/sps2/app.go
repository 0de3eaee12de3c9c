package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sps2/sps2/internal/config"
	"github.com/sps2/sps2/internal/errcode"
	"github.com/sps2/sps2/internal/events"
	"github.com/sps2/sps2/internal/fetch"
	"github.com/sps2/sps2/internal/guard"
	"github.com/sps2/sps2/internal/index"
	"github.com/sps2/sps2/internal/install"
	"github.com/sps2/sps2/internal/installer"
	"github.com/sps2/sps2/internal/statedb"
	"github.com/sps2/sps2/internal/statemgr"
	"github.com/sps2/sps2/internal/store/filestore"
	"github.com/sps2/sps2/internal/store/pkgstore"
	"github.com/sps2/sps2/internal/vcache"
)

// app wires together every package's pieces into the handful of
// long-lived handles each subcommand's runX function needs. It is
// built once in the root command's PersistentPreRunE and threaded
// through via a closure, the same shallow composition dedupe's
// scanner/screener/cache/verifier chain uses — there is no dependency
// injection framework here, just one function building concrete
// values in dependency order.
type app struct {
	cfg     config.Config
	bus     *events.Bus
	db      *statedb.DB
	mgr     *statemgr.Manager
	files   *filestore.Store
	pkgs    *pkgstore.Store
	pipe    *install.Pipeline
	inst    *installer.Installer
	fetcher *fetch.Fetcher
	guard   *guard.Guard
	logger  *logrus.Logger
}

// globalOptions holds the persistent flags every subcommand sees.
type globalOptions struct {
	configPath string
	root       string
	noProgress bool
	verbose    bool
}

func newApp(opts *globalOptions) (*app, error) {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	if opts.verbose {
		logger.SetLevel(logrus.DebugLevel)
	}

	cfg, err := config.Load(opts.configPath, opts.root)
	if err != nil {
		return nil, err
	}

	bus := events.NewBus(256, events.NewLogrusSink(logger))

	if err := checkStoreFilesystem(cfg); err != nil {
		return nil, err
	}

	db, err := statedb.Open(filepath.Join(cfg.Store.Root, "state.db"))
	if err != nil {
		return nil, err
	}

	mgr, err := statemgr.New(db, cfg.Store.StatesRoot, cfg.Store.LivePath, bus, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	files, err := filestore.New(filepath.Join(cfg.Store.Root, "objects"))
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	pkgs, err := pkgstore.New(filepath.Join(cfg.Store.Root, "packages"), files)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	pipe, err := install.New(cfg.Install.StagingRoot, pkgs, bus)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	inst := installer.New(pkgs, mgr, bus)
	fetcher := fetch.New(filepath.Join(cfg.Install.StagingRoot, "downloads"), bus)
	grd := guard.New(mgr, pkgs, bus)
	grd.Concurrency = cfg.Guard.Concurrency
	grd.Cache = vcache.New(cfg.Guard.CacheMaxEntries, cfg.GuardCacheMaxAge())

	return &app{
		cfg: cfg, bus: bus, db: db, mgr: mgr, files: files, pkgs: pkgs,
		pipe: pipe, inst: inst, fetcher: fetcher, guard: grd, logger: logger,
	}, nil
}

// checkStoreFilesystem enforces filestore.CheckSameFilesystem at
// startup: the store root and the live prefix must share a device id,
// since every materialization from the store defaults to a hardlink.
// The live prefix doesn't exist yet on a brand-new install (it's
// created by the first Activate's rename-swap), so a missing live path
// falls back to checking its parent directory instead — whatever
// filesystem a child created there lands on is the one that matters.
func checkStoreFilesystem(cfg config.Config) error {
	if err := os.MkdirAll(cfg.Store.Root, 0o755); err != nil {
		return errcode.Wrap(errcode.FilesystemError, err, "creating store root")
	}
	livePath := cfg.Store.LivePath
	if _, err := os.Stat(livePath); os.IsNotExist(err) {
		livePath = filepath.Dir(livePath)
	}
	if err := os.MkdirAll(livePath, 0o755); err != nil {
		return errcode.Wrap(errcode.FilesystemError, err, "creating live prefix parent")
	}
	return filestore.CheckSameFilesystem(cfg.Store.Root, livePath)
}

func (a *app) Close() {
	if a.bus != nil {
		_ = a.bus.Close()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
}

// indexCacheEnvelope is the on-disk shape of a cached index: the raw
// document plus the ETag the server sent with it, so a fresh process
// can still issue a conditional If-None-Match fetch instead of always
// paying for a full download.
type indexCacheEnvelope struct {
	ETag string          `json:"etag"`
	Raw  json.RawMessage `json:"raw"`
}

// loadIndex loads the package index, preferring a cached copy on disk
// under the store root and refreshing it with a conditional request
// once it is older than the configured max age.
func (a *app) loadIndex() (*index.Index, error) {
	cachePath := filepath.Join(a.cfg.Store.Root, "index.json")

	var cached *index.Index
	var cachedAt time.Time
	if raw, err := os.ReadFile(cachePath); err == nil {
		var env indexCacheEnvelope
		if err := json.Unmarshal(raw, &env); err == nil {
			if idx, err := index.LoadCached(env.Raw, env.ETag); err == nil {
				cached = idx
				if info, err := os.Stat(cachePath); err == nil {
					cachedAt = info.ModTime()
				}
			}
		}
	}

	// The cache file's mtime is when the index was last fetched (or
	// confirmed unchanged); a freshly loaded Index always reads as new.
	if cached != nil && time.Since(cachedAt) <= a.cfg.IndexCacheMaxAge() {
		return cached, nil
	}

	fetcher := index.NewFetcher(a.cfg.Index.URL)
	idx, err := fetcher.Fetch(cached)
	if err != nil {
		if cached != nil {
			a.logger.WithError(err).Warn("index refresh failed, using cached copy")
			return cached, nil
		}
		return nil, err
	}

	a.writeIndexCache(cachePath, idx)
	return idx, nil
}

func (a *app) writeIndexCache(cachePath string, idx *index.Index) {
	raw, err := idx.Raw()
	if err != nil {
		return
	}
	env := indexCacheEnvelope{ETag: idx.ETag(), Raw: raw}
	encoded, err := json.Marshal(env)
	if err != nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(cachePath), 0o755); err != nil {
		return
	}
	if err := os.WriteFile(cachePath, encoded, 0o644); err != nil {
		a.logger.WithError(err).Warn("failed to write index cache")
	}
}
