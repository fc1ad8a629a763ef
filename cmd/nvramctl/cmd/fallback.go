package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bmcpi/emunvram/internal/firmware/nvram"
)

var fallbackCmd = &cobra.Command{
	Use:   "fallback",
	Short: "Retire nvram.plist so the next load uses nvram.fallback",
	Long: `Renames nvram.plist to nvram.used. A plist the engine cannot load is
retired from the volume directly, which is the usual reason to switch.`,
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
			case nvram.Unsupported:
				s.log.Info("NVRAM document cannot be loaded, switching directly", "err", err.Error())

				dir, err := s.directory()
				if err != nil {
					return err
				}

				if err := dir.SwitchToFallback(); err != nil {
					return fmt.Errorf("fallback: %s: %w", nvram.StatusOf(err), err)
				}

				return nil
			default:
				return fmt.Errorf("load: %s: %w", nvram.StatusOf(err), err)
			}

			if err := p.SwitchToFallback(cmd.Context()); err != nil {
				return fmt.Errorf("fallback: %s: %w", nvram.StatusOf(err), err)
			}

			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(fallbackCmd)
}
