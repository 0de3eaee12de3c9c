package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/sps2/sps2/internal/gc"
)

type gcOptions struct {
	pruneOnly bool
	sweepOnly bool
}

func newGCCmd(g *globalOptions) *cobra.Command {
	opts := &gcOptions{}
	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Prune old states and reclaim unreferenced store objects",
		RunE: func(_ *cobra.Command, _ []string) error {
			return runGC(g, opts)
		},
	}
	cmd.Flags().BoolVar(&opts.pruneOnly, "prune-only", false, "Only prune old states, skip the sweep")
	cmd.Flags().BoolVar(&opts.sweepOnly, "sweep-only", false, "Only sweep zero-refcount objects, skip state pruning")
	return cmd
}

func runGC(g *globalOptions, opts *gcOptions) error {
	a, err := newApp(g)
	if err != nil {
		return err
	}
	defer a.Close()

	collector := gc.New(a.mgr, a.files, a.pkgs, a.bus)

	if !opts.sweepOnly {
		result, err := collector.PruneStates(a.cfg.Retain.States, a.cfg.RetainMinAge())
		if err != nil {
			return fmt.Errorf("pruning states: %w", err)
		}
		fmt.Printf("pruned %d state(s)\n", len(result.RemovedStates))
	}

	if !opts.pruneOnly {
		result, err := collector.Sweep()
		if err != nil {
			return fmt.Errorf("sweeping store: %w", err)
		}
		fmt.Printf("reclaimed %d file object(s) (%s), %d package tree(s)\n",
			result.FilesRemoved, humanize.Bytes(uint64(result.FilesBytes)), result.PackagesRemoved)
	}
	return nil
}
