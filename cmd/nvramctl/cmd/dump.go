package cmd

import (
	"github.com/spf13/cobra"

	"github.com/bmcpi/emunvram/internal/firmware/efi"
	"github.com/bmcpi/emunvram/internal/firmware/nvram"
	"github.com/bmcpi/emunvram/internal/firmware/varstore"
)

var dumpFlags struct {
	plist bool
}

var dumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Print the variable store",
	Long: `Prints the variable store as JSON, or with --plist the document a save
would write under the configured schema.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return run(cmd, func(s *session) error {
			var (
				out []byte
				err error
			)

			if dumpFlags.plist {
				out, _, err = nvram.RenderDocument(s.runtime.Bridge(), s.nvram.Legacy, nvram.StorageVersion, s.nvram.MaxBufferSize)
			} else {
				var vars []*efi.Variable
				if vars, err = varstore.List(s.store); err == nil {
					out, err = efi.MarshalVariableList(vars)
				}
			}

			if err != nil {
				return err
			}

			_, err = cmd.OutOrStdout().Write(out)

			return err
		})
	},
}

func init() {
	dumpCmd.Flags().BoolVar(&dumpFlags.plist, "plist", false, "print the plist a save would write")
	rootCmd.AddCommand(dumpCmd)
}
