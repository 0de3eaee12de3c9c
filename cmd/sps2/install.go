package main

import (
	"context"
	"fmt"

	mmsemver "github.com/Masterminds/semver/v3"
	"github.com/spf13/cobra"

	"github.com/sps2/sps2/internal/hash"
	"github.com/sps2/sps2/internal/installer"
	"github.com/sps2/sps2/internal/progress"
	"github.com/sps2/sps2/internal/resolver"
	"github.com/sps2/sps2/internal/semver"
)

type installOptions struct {
	dryRun bool
}

func newInstallCmd(g *globalOptions) *cobra.Command {
	opts := &installOptions{}
	cmd := &cobra.Command{
		Use:   "install <spec...>",
		Short: "Resolve and install one or more packages",
		Long: `Resolves the given dependency specs (e.g. "jq", "jq>=1.7.0,<2.0.0") against
the package index, downloads and validates the chosen archives, and
activates a new state containing them alongside everything already
installed.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return runInstall(args, g, opts)
		},
	}
	cmd.Flags().BoolVarP(&opts.dryRun, "dry-run", "n", false, "Resolve and print what would be installed without changing anything")
	return cmd
}

func runInstall(args []string, g *globalOptions, opts *installOptions) error {
	a, err := newApp(g)
	if err != nil {
		return err
	}
	defer a.Close()

	specs := make([]semver.Spec, 0, len(args))
	for _, raw := range args {
		spec, err := semver.ParseSpec(raw)
		if err != nil {
			return fmt.Errorf("invalid spec %q: %w", raw, err)
		}
		specs = append(specs, spec)
	}

	idx, err := a.loadIndex()
	if err != nil {
		return fmt.Errorf("loading package index: %w", err)
	}

	installed, err := a.mgr.GetInstalledPackages()
	if err != nil {
		return err
	}
	installedVersions := make(map[string]*mmsemver.Version, len(installed))
	for _, ref := range installed {
		v, err := semver.Parse(ref.Version)
		if err != nil {
			continue
		}
		installedVersions[ref.Name] = v
	}

	ctx := context.Background()
	resolution, err := resolver.Resolve(ctx, idx, specs, resolver.Options{
		Installed: installedVersions,
	})
	if err != nil {
		return fmt.Errorf("resolving dependencies: %w", err)
	}

	bar := progress.New(!g.noProgress, int64(len(resolution.Packages)))
	defer bar.Finish(stringerf("install: %d package(s) resolved", len(resolution.Packages)))

	if opts.dryRun {
		for _, c := range resolution.Packages {
			fmt.Printf("%s %s\n", c.Name, c.Version.String())
		}
		return nil
	}

	additions := make([]installer.Addition, 0, len(resolution.Packages))
	for i, c := range resolution.Packages {
		bar.Describe(stringerf("downloading %s %s", c.Name, c.Version.String()))

		archivePath, err := a.fetcher.Get(ctx, c.Entry.DownloadURL, c.Name, c.Version.String())
		if err != nil {
			return fmt.Errorf("fetching %s %s: %w", c.Name, c.Version, err)
		}

		var expected *hash.Hash
		if hx := c.Entry.ArchiveHash(); hx != "" {
			h, err := hash.FromHex(hx)
			if err != nil {
				return fmt.Errorf("package index entry for %s %s has an invalid hash: %w", c.Name, c.Version, err)
			}
			expected = &h
		}

		bar.Describe(stringerf("installing %s %s", c.Name, c.Version.String()))
		result, err := a.pipe.Install(archivePath, expected)
		if err != nil {
			return fmt.Errorf("installing %s %s: %w", c.Name, c.Version, err)
		}
		for _, w := range result.Warnings {
			a.logger.Warn(w)
		}

		additions = append(additions, installer.Addition{Name: c.Name, Version: c.Version.String(), Package: result.Package})
		bar.Set(uint64(i + 1))
	}

	parent, err := a.mgr.ActiveStateID()
	if err != nil {
		return err
	}

	stateID, err := a.inst.Apply(parent, "install", additions, nil)
	if err != nil {
		return fmt.Errorf("composing new state: %w", err)
	}
	if err := a.mgr.Activate(stateID); err != nil {
		return fmt.Errorf("activating new state: %w", err)
	}

	fmt.Printf("activated state %s\n", stateID)
	return nil
}
