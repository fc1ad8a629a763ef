package cmd

import (
	"github.com/spf13/cobra"
)

var loadCmd = &cobra.Command{
	Use:   "load",
	Short: "Load emulated NVRAM into the variable store",
	Long: `Runs the boot time sequence: variables from NVRAM/nvram.plist (or
nvram.fallback) are set in the store, then the configured Delete and Add
tables are applied and the version variable is published.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return run(cmd, func(s *session) error {
			s.host.LoadNvramSupport(cmd.Context())

			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(loadCmd)
}
