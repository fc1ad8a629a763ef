// Package cmd implements the nvramctl commands.
package cmd

import (
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

// fsys backs config, storage and store files.
var fsys afero.Fs = afero.NewOsFs()

var rootFlags struct {
	config          string
	backend         string
	storePath       string
	storageRoot     string
	metricsTextfile string
}

var rootCmd = &cobra.Command{
	Use:           "nvramctl",
	Short:         "Emulated NVRAM for firmware without persistent variable storage",
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&rootFlags.config, "config", "", "config file (default searches /config/ and .)")
	rootCmd.PersistentFlags().StringVar(&rootFlags.backend, "backend", "", "variable store backend: mem, efivarfs or edk2")
	rootCmd.PersistentFlags().StringVar(&rootFlags.storePath, "store-path", "", "variable store seed file, efivars directory or firmware image")
	rootCmd.PersistentFlags().StringVar(&rootFlags.storageRoot, "storage-root", "", "volume holding the NVRAM directory")
	rootCmd.PersistentFlags().StringVar(&rootFlags.metricsTextfile, "metrics-textfile", "", "write Prometheus metrics to this file on exit")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
