package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sps2/sps2/internal/installer"
)

func newUninstallCmd(g *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "uninstall <name...>",
		Short: "Remove one or more installed packages",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return runUninstall(args, g)
		},
	}
	return cmd
}

func runUninstall(names []string, g *globalOptions) error {
	a, err := newApp(g)
	if err != nil {
		return err
	}
	defer a.Close()

	installed, err := a.mgr.GetInstalledPackages()
	if err != nil {
		return err
	}
	byName := make(map[string]string, len(installed))
	for _, ref := range installed {
		byName[ref.Name] = ref.Version
	}

	removals := make([]installer.Removal, 0, len(names))
	for _, name := range names {
		version, ok := byName[name]
		if !ok {
			return fmt.Errorf("%s is not installed", name)
		}
		removals = append(removals, installer.Removal{Name: name, Version: version})
	}

	parent, err := a.mgr.ActiveStateID()
	if err != nil {
		return err
	}
	if parent == "" {
		return fmt.Errorf("nothing is installed")
	}

	stateID, err := a.inst.Apply(parent, "uninstall", nil, removals)
	if err != nil {
		return fmt.Errorf("composing new state: %w", err)
	}
	if err := a.mgr.Activate(stateID); err != nil {
		return fmt.Errorf("activating new state: %w", err)
	}

	fmt.Printf("activated state %s\n", stateID)
	return nil
}
