package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bmcpi/emunvram/internal/firmware/nvram"
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete nvram.plist and nvram.fallback",
	Long: `Deletes the NVRAM documents through the loaded protocol. A document the
engine cannot load (corrupt, oversized or of another version) is deleted
from the volume directly.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return run(cmd, func(s *session) error {
			p, err := nvram.LocateProtocol(s.host.Registry)
			if err != nil {
				return err
			}

			err = p.LoadNvram(cmd.Context(), s.storage, s.nvram)

			switch nvram.StatusOf(err) {
			case nvram.Success:
			case nvram.NotFound, nvram.Unsupported:
				// Nothing loadable; an oversized plist reads as not found.
				s.log.Info("NVRAM cannot be loaded, deleting documents directly", "err", err.Error())

				dir, err := s.directory()
				if err != nil {
					return err
				}

				return dir.Reset()
			default:
				return fmt.Errorf("load: %s: %w", nvram.StatusOf(err), err)
			}

			if err := p.ResetNvram(cmd.Context()); err != nil {
				return fmt.Errorf("reset: %s: %w", nvram.StatusOf(err), err)
			}

			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(resetCmd)
}
