package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newSearchCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "search <prefix>",
		Short: "Search the package index by name prefix",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return runSearch(args[0], g)
		},
	}
}

func runSearch(prefix string, g *globalOptions) error {
	a, err := newApp(g)
	if err != nil {
		return err
	}
	defer a.Close()

	idx, err := a.loadIndex()
	if err != nil {
		return fmt.Errorf("loading package index: %w", err)
	}

	names := idx.Search(prefix)
	for _, name := range names {
		versions, err := idx.GetPackageVersions(name)
		if err != nil || len(versions) == 0 {
			continue
		}
		entry, err := idx.GetVersion(name, versions[0].String())
		if err != nil {
			continue
		}
		if entry.Description != "" {
			fmt.Printf("%-30s %-12s %s\n", name, versions[0].String(), entry.Description)
		} else {
			fmt.Printf("%-30s %-12s\n", name, versions[0].String())
		}
	}
	return nil
}
