// Package config loads sps2's on-disk configuration: store roots,
// concurrency limits, the package index URL, and retention thresholds.
// It is read with github.com/BurntSushi/toml, the same library the
// manifest package uses to decode package manifests, so the whole
// program reaches for one TOML decoder rather than mixing encoders.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/sps2/sps2/internal/errcode"
)

// Config is sps2's top-level configuration, normally loaded from
// /etc/sps2/config.toml or the path given by the CLI's --config flag.
type Config struct {
	Store    Store    `toml:"store"`
	Index    Index    `toml:"index"`
	Install  Install  `toml:"install"`
	Guard    Guard    `toml:"guard"`
	Retain   Retain   `toml:"retain"`
}

// Store locates the content-addressed file store, the package tree
// store, the state database, and the live prefix on disk.
type Store struct {
	Root       string `toml:"root"`
	StatesRoot string `toml:"states_root"`
	LivePath   string `toml:"live_path"`
}

// Index configures where the package catalog is fetched from and how
// long a cached copy is trusted before a refresh is forced.
type Index struct {
	URL          string `toml:"url"`
	CacheMaxAge  string `toml:"cache_max_age"`
	TrustedKey   string `toml:"trusted_key,omitempty"`
}

// Install configures archive extraction and staging. Only StagingRoot
// is read by the install pipeline; DownloadConcurrency,
// ExtractConcurrency and MaxExpandedSize are decoded but not applied,
// and the pipeline's expansion limit is archive.MaxExpandedSize.
type Install struct {
	DownloadConcurrency int    `toml:"download_concurrency"`
	ExtractConcurrency  int    `toml:"extract_concurrency"`
	MaxExpandedSize     int64  `toml:"max_expanded_size"`
	StagingRoot         string `toml:"staging_root"`
}

// Guard configures guard concurrency and how large its verification
// cache is allowed to grow. DefaultLevel is decoded but not read; the
// guard command takes its level from --level (default "standard").
type Guard struct {
	DefaultLevel    string `toml:"default_level"` // "quick", "standard", "full"
	Concurrency     int    `toml:"concurrency"`
	CacheMaxEntries int    `toml:"cache_max_entries"`
	CacheMaxAge     string `toml:"cache_max_age"`
}

// Retain configures garbage collection's state retention policy: how
// many past states to keep and the minimum age before one is pruned.
type Retain struct {
	States        int    `toml:"states"`
	MinAge        string `toml:"min_age"`
}

// Default returns a Config with sps2's built-in defaults, rooted at
// root (typically /opt/sps2 or a user-writable prefix in tests).
func Default(root string) Config {
	return Config{
		Store: Store{
			Root:       filepath.Join(root, "store"),
			StatesRoot: filepath.Join(root, "states"),
			LivePath:   filepath.Join(root, "live"),
		},
		Index: Index{
			URL:         "https://index.sps2.dev/v1/index.json",
			CacheMaxAge: "15m",
		},
		Install: Install{
			DownloadConcurrency: 4,
			ExtractConcurrency:  4,
			MaxExpandedSize:     10 << 30, // 10 GiB
			StagingRoot:         filepath.Join(root, "staging"),
		},
		Guard: Guard{
			DefaultLevel:    "standard",
			Concurrency:     8,
			CacheMaxEntries: 50000,
			CacheMaxAge:     "1h",
		},
		Retain: Retain{
			States: 5,
			MinAge: "24h",
		},
	}
}

// Load reads and decodes path, filling in any field left unset against
// Default(root).
func Load(path, root string) (Config, error) {
	cfg := Default(root)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, errcode.Wrap(errcode.FormatInvalid, err, "decoding config file "+path)
	}
	return cfg, nil
}

// IndexCacheMaxAge parses Index.CacheMaxAge, defaulting to 15 minutes
// on an empty or malformed value.
func (c Config) IndexCacheMaxAge() time.Duration {
	return parseDurationOr(c.Index.CacheMaxAge, 15*time.Minute)
}

// GuardCacheMaxAge parses Guard.CacheMaxAge, defaulting to one hour.
func (c Config) GuardCacheMaxAge() time.Duration {
	return parseDurationOr(c.Guard.CacheMaxAge, time.Hour)
}

// RetainMinAge parses Retain.MinAge, defaulting to 24 hours.
func (c Config) RetainMinAge() time.Duration {
	return parseDurationOr(c.Retain.MinAge, 24*time.Hour)
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
