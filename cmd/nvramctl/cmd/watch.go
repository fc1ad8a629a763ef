package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/bmcpi/emunvram/internal/config"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Load emulated NVRAM and reapply the config tables on every config change",
	Long: `Runs the load sequence once, then watches the config file. Each change
rebuilds the Delete and Add tables and applies them to the variable store.
Stops on SIGINT or SIGTERM.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) (err error) {
		ctx, done := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer done()

		changed := make(chan struct{}, 1)

		s, err := newSession(cmd, func(*config.Config) {
			select {
			case changed <- struct{}{}:
			default:
			}
		})
		if err != nil {
			return err
		}

		defer func() { err = multierr.Append(err, s.close()) }()

		s.host.LoadNvramSupport(ctx)

		if err := s.flush(); err != nil {
			return fmt.Errorf("flush: %w", err)
		}

		s.log.Info("watching config for changes")

		for {
			select {
			case <-ctx.Done():
				s.log.Info("stopping")

				return nil
			case <-changed:
				if err := s.reapply(); err != nil {
					s.log.Error(err, "reapplying config failed")

					continue
				}

				s.log.Info("config reapplied")
			}
		}
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)
}
