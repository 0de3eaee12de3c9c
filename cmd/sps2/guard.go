package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sps2/sps2/internal/guard"
	"github.com/sps2/sps2/internal/hash"
	"github.com/sps2/sps2/internal/store/pkgstore"
)

type guardOptions struct {
	level        string
	packages     []string
	directories  []string
	full         bool
	heal         bool
	orphanAction string
	backupDir    string
	preserve     []string
}

func newGuardCmd(g *globalOptions) *cobra.Command {
	opts := &guardOptions{level: "standard", orphanAction: "preserve"}
	cmd := &cobra.Command{
		Use:   "guard",
		Short: "Verify the active state against the state database, optionally healing drift",
		RunE: func(_ *cobra.Command, _ []string) error {
			return runGuard(g, opts)
		},
	}
	cmd.Flags().StringVar(&opts.level, "level", opts.level, "Verification depth: quick, standard, or full")
	cmd.Flags().StringSliceVar(&opts.packages, "package", nil, "Limit verification to these packages (name[@version])")
	cmd.Flags().StringSliceVar(&opts.directories, "dir", nil, "Limit verification to these live-prefix-relative directories")
	cmd.Flags().BoolVar(&opts.full, "full", false, "Check the entire active state, including orphan detection")
	cmd.Flags().BoolVar(&opts.heal, "heal", false, "Repair discrepancies that are safe to repair")
	cmd.Flags().StringVar(&opts.orphanAction, "orphan-action", opts.orphanAction, "What to do with orphaned files when healing: preserve, remove, backup")
	cmd.Flags().StringVar(&opts.backupDir, "backup-dir", "", "Destination directory when --orphan-action=backup")
	cmd.Flags().StringSliceVar(&opts.preserve, "preserve-prefix", nil, "Path prefixes never touched by orphan healing")
	return cmd
}

func parseLevel(s string) (guard.Level, error) {
	switch strings.ToLower(s) {
	case "quick":
		return guard.LevelQuick, nil
	case "standard", "":
		return guard.LevelStandard, nil
	case "full":
		return guard.LevelFull, nil
	default:
		return 0, fmt.Errorf("unknown verification level %q", s)
	}
}

func runGuard(g *globalOptions, opts *guardOptions) error {
	a, err := newApp(g)
	if err != nil {
		return err
	}
	defer a.Close()

	level, err := parseLevel(opts.level)
	if err != nil {
		return err
	}

	scope := guard.Scope{
		Full:        opts.full || (len(opts.packages) == 0 && len(opts.directories) == 0),
		Packages:    opts.packages,
		Directories: opts.directories,
	}

	summary, err := a.guard.Run(scope, level)
	if err != nil {
		return fmt.Errorf("guard run: %w", err)
	}

	fmt.Printf("checked %d file(s) in %s (cache hit rate %.0f%%)\n",
		summary.FilesChecked, summary.Duration.Round(1e6), summary.CacheHitRate()*100)
	fmt.Printf("%d discrepanc(y/ies) found\n", summary.DiscrepancyCount)
	for kind, count := range summary.ByKind {
		fmt.Printf("  %-16s %d\n", kind, count)
	}

	if !opts.heal || summary.DiscrepancyCount == 0 {
		return nil
	}

	healer := &guard.Healer{LivePrefix: a.mgr.LivePath, Store: a.pkgs, Reinstaller: &archiveReinstaller{a: a}}
	policy := guard.HealPolicy{
		OrphanAction:     opts.orphanAction,
		BackupDir:        opts.backupDir,
		PreservePrefixes: opts.preserve,
	}
	results := healer.Heal(summary.Discrepancies, summary.ExpectedHashes, policy)

	healed := 0
	for _, r := range results {
		if r.Healed {
			healed++
			continue
		}
		if r.Err != nil {
			fmt.Printf("  could not heal %s: %v\n", r.Discrepancy.Path, r.Err)
		}
	}
	fmt.Printf("healed %d/%d discrepanc(y/ies)\n", healed, len(results))
	return nil
}

// archiveReinstaller implements guard.Reinstaller by looking a package
// version back up in the index, downloading its archive again, and
// re-admitting it into the store through the same install pipeline a
// fresh install uses.
type archiveReinstaller struct {
	a *app
}

func (r *archiveReinstaller) Reinstall(name, version string) (*pkgstore.StoredPackage, error) {
	idx, err := r.a.loadIndex()
	if err != nil {
		return nil, fmt.Errorf("loading package index: %w", err)
	}
	entry, err := idx.GetVersion(name, version)
	if err != nil {
		return nil, err
	}

	ctx := context.Background()
	archivePath, err := r.a.fetcher.Get(ctx, entry.DownloadURL, name, version)
	if err != nil {
		return nil, fmt.Errorf("fetching %s %s: %w", name, version, err)
	}

	var expected *hash.Hash
	if hx := entry.ArchiveHash(); hx != "" {
		h, err := hash.FromHex(hx)
		if err != nil {
			return nil, fmt.Errorf("package index entry for %s %s has an invalid hash: %w", name, version, err)
		}
		expected = &h
	}

	result, err := r.a.pipe.Install(archivePath, expected)
	if err != nil {
		return nil, fmt.Errorf("reinstalling %s %s: %w", name, version, err)
	}
	return result.Package, nil
}
