package main

import (
	"os"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"
)

func newConfigCmd(g *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration, after loading the config file over the built-in defaults",
		RunE: func(_ *cobra.Command, _ []string) error {
			return runConfigShow(g)
		},
	})
	return cmd
}

func runConfigShow(g *globalOptions) error {
	a, err := newApp(g)
	if err != nil {
		return err
	}
	defer a.Close()

	return toml.NewEncoder(os.Stdout).Encode(a.cfg)
}
