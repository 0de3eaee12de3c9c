package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	os.Exit(run())
}

func run() int {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:     "sps2",
		Short:   "A content-addressed, atomically-updated package manager",
		Version: version + " (" + commit + ")",
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "/etc/sps2/config.toml", "Path to config.toml")
	root.PersistentFlags().StringVar(&opts.root, "root", "/opt/sps2", "sps2 store root (overridden by config file store settings)")
	root.PersistentFlags().BoolVar(&opts.noProgress, "no-progress", false, "Disable progress output")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Enable debug logging")

	root.AddCommand(
		newInstallCmd(opts),
		newUninstallCmd(opts),
		newUpdateCmd(opts),
		newRollbackCmd(opts),
		newListCmd(opts),
		newSearchCmd(opts),
		newGuardCmd(opts),
		newGCCmd(opts),
		newConfigCmd(opts),
	)

	if err := root.Execute(); err != nil {
		return 1
	}
	return 0
}
