package main

import (
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/sps2/sps2/internal/statedb"
)

type rollbackOptions struct {
	list bool
}

func newRollbackCmd(g *globalOptions) *cobra.Command {
	opts := &rollbackOptions{}
	cmd := &cobra.Command{
		Use:   "rollback [state-id]",
		Short: "Roll back to a previous state",
		Long: `With no arguments, rolls back to the parent of the currently active
state (undoing the last install/uninstall/update). Pass a state id
(see --list) to roll back to a specific point in history.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return runRollback(args, g, opts)
		},
	}
	cmd.Flags().BoolVar(&opts.list, "list", false, "List known states instead of rolling back")
	return cmd
}

func runRollback(args []string, g *globalOptions, opts *rollbackOptions) error {
	a, err := newApp(g)
	if err != nil {
		return err
	}
	defer a.Close()

	if opts.list {
		return listStates(a)
	}

	target := ""
	if len(args) == 1 {
		target = args[0]
	} else {
		active, err := a.mgr.ActiveStateID()
		if err != nil {
			return err
		}
		if active == "" {
			return fmt.Errorf("nothing is active yet")
		}
		var current statedb.State
		err = a.mgr.DB.View(func(tx *statedb.Tx) error {
			s, ok, err := tx.GetState(active)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("active state %s has no history row", active)
			}
			current = s
			return nil
		})
		if err != nil {
			return err
		}
		if current.ParentID == "" {
			return fmt.Errorf("state %s has no parent to roll back to", active)
		}
		target = current.ParentID
	}

	if err := a.mgr.RollbackTo(target); err != nil {
		return fmt.Errorf("rolling back to %s: %w", target, err)
	}
	fmt.Printf("rolled back to state %s\n", target)
	return nil
}

func listStates(a *app) error {
	var states []statedb.State
	err := a.mgr.DB.View(func(tx *statedb.Tx) error {
		var err error
		states, err = tx.ListStates()
		return err
	})
	if err != nil {
		return err
	}
	active, err := a.mgr.ActiveStateID()
	if err != nil {
		return err
	}

	sort.Slice(states, func(i, j int) bool { return states[i].CreatedAt > states[j].CreatedAt })
	for _, s := range states {
		marker := " "
		if s.ID == active {
			marker = "*"
		}
		ts := time.Unix(s.CreatedAt, 0).UTC().Format(time.RFC3339)
		fmt.Printf("%s %s  %s  %s\n", marker, s.ID, ts, s.Operation)
	}
	return nil
}
