package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bmcpi/emunvram/internal/firmware/nvram"
)

var saveFlags struct {
	create bool
}

var saveCmd = &cobra.Command{
	Use:   "save",
	Short: "Save the variable store to NVRAM/nvram.plist",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return run(cmd, func(s *session) error {
			p, err := nvram.LocateProtocol(s.host.Registry)
			if err != nil {
				return err
			}

			err = p.LoadNvram(cmd.Context(), s.storage, s.nvram)
			if errors.Is(err, nvram.ErrNotFound) && saveFlags.create {
				if err = createEmpty(s); err != nil {
					return err
				}

				err = p.LoadNvram(cmd.Context(), s.storage, s.nvram)
			}

			if err != nil {
				return fmt.Errorf("load: %s: %w", nvram.StatusOf(err), err)
			}

			if err := p.SaveNvram(cmd.Context()); err != nil {
				return fmt.Errorf("save: %s: %w", nvram.StatusOf(err), err)
			}

			return nil
		})
	},
}

// createEmpty writes a document without variables so a fresh volume can be
// loaded.
func createEmpty(s *session) error {
	dir, err := nvram.LocateRootDirectory(s.storage, s.log)
	if err != nil {
		return err
	}

	text, _, err := nvram.RenderDocument(s.runtime.Bridge(), &nvram.Schema{}, nvram.StorageVersion, 0)
	if err != nil {
		return err
	}

	s.log.Info("creating empty NVRAM document", "file", nvram.PlistFile)

	return dir.WriteFile(nvram.PlistFile, text)
}

func init() {
	saveCmd.Flags().BoolVar(&saveFlags.create, "create", false, "create an empty document when the volume has none")
	rootCmd.AddCommand(saveCmd)
}
