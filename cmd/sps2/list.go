package main

import (
	"fmt"
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newListCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List packages installed in the active state",
		RunE: func(_ *cobra.Command, _ []string) error {
			return runList(g)
		},
	}
}

func runList(g *globalOptions) error {
	a, err := newApp(g)
	if err != nil {
		return err
	}
	defer a.Close()

	refs, err := a.mgr.GetInstalledPackages()
	if err != nil {
		return err
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Name < refs[j].Name })

	for _, ref := range refs {
		fmt.Printf("%-30s %-15s %s\n", ref.Name, ref.Version, humanize.Bytes(uint64(ref.Size)))
	}
	return nil
}
