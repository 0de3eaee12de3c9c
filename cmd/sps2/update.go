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

func newUpdateCmd(g *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update [spec...]",
		Short: "Re-resolve and update installed packages",
		Long: `With no arguments, re-resolves every currently installed package
against the latest index and upgrades whichever ones moved. With one
or more specs, additionally applies those constraints (e.g. pin a
package to a particular line with "jq~=1.7").`,
		RunE: func(_ *cobra.Command, args []string) error {
			return runUpdate(args, g)
		},
	}
	return cmd
}

func runUpdate(args []string, g *globalOptions) error {
	a, err := newApp(g)
	if err != nil {
		return err
	}
	defer a.Close()

	installed, err := a.mgr.GetInstalledPackages()
	if err != nil {
		return err
	}
	installedVersion := make(map[string]string, len(installed))
	for _, ref := range installed {
		installedVersion[ref.Name] = ref.Version
	}

	pinned := make(map[string]bool, len(args))
	specs := make([]semver.Spec, 0, len(args)+len(installed))
	for _, raw := range args {
		spec, err := semver.ParseSpec(raw)
		if err != nil {
			return fmt.Errorf("invalid spec %q: %w", raw, err)
		}
		specs = append(specs, spec)
		pinned[spec.Name] = true
	}
	for name := range installedVersion {
		if !pinned[name] {
			specs = append(specs, semver.Spec{Name: name})
		}
	}

	idx, err := a.loadIndex()
	if err != nil {
		return fmt.Errorf("loading package index: %w", err)
	}

	installedVersions := make(map[string]*mmsemver.Version, len(installed))
	for name, v := range installedVersion {
		parsed, err := semver.Parse(v)
		if err != nil {
			continue
		}
		installedVersions[name] = parsed
	}

	ctx := context.Background()
	resolution, err := resolver.Resolve(ctx, idx, specs, resolver.Options{Installed: installedVersions})
	if err != nil {
		return fmt.Errorf("resolving dependencies: %w", err)
	}

	var additions []installer.Addition
	for _, c := range resolution.Packages {
		if installedVersion[c.Name] == c.Version.String() {
			continue // unchanged, carried forward automatically
		}

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
		result, err := a.pipe.Install(archivePath, expected)
		if err != nil {
			return fmt.Errorf("installing %s %s: %w", c.Name, c.Version, err)
		}
		additions = append(additions, installer.Addition{Name: c.Name, Version: c.Version.String(), Package: result.Package})
	}

	if len(additions) == 0 {
		fmt.Println("everything is already up to date")
		return nil
	}

	bar := progress.New(!g.noProgress, int64(len(additions)))
	for i := range additions {
		bar.Set(uint64(i + 1))
	}
	bar.Finish(stringerf("update: %d package(s) changed", len(additions)))

	parent, err := a.mgr.ActiveStateID()
	if err != nil {
		return err
	}
	stateID, err := a.inst.Apply(parent, "update", additions, nil)
	if err != nil {
		return fmt.Errorf("composing new state: %w", err)
	}
	if err := a.mgr.Activate(stateID); err != nil {
		return fmt.Errorf("activating new state: %w", err)
	}

	fmt.Printf("activated state %s\n", stateID)
	return nil
}
