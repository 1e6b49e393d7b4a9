package commands

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/phcnguyen/seclink/seclink/config"
	"github.com/phcnguyen/seclink/seclink/keystore"
	"github.com/phcnguyen/seclink/seclink/notify"
)

var (
	configPath string
	logLevel   string
	cfg        *config.Configuration
)

func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "seclinkd",
		Short:        "Key handshake server",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("log-level") || c.LogLevel == "" {
				c.LogLevel = logLevel
			}
			cfg = c
			return nil
		},
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "seclink.json", "configuration file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(serveCmd(), keygenCmd(), fingerprintCmd(), probeCmd())
	return root
}

// newNotifier returns a non-blocking stderr logger and its flush function.
func newNotifier() (*notify.Logger, func()) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	n, closer := notify.NewNonBlocking(os.Stderr, 1000, level)
	return n, func() { _ = closer.Close() }
}

func keyStore(n notify.Notifier) *keystore.Store {
	return keystore.New(
		keystore.Paths{Public: cfg.Keys.Public, Private: cfg.Keys.Private},
		keystore.WithKeyBits(cfg.KeyBits),
		keystore.WithNotifier(n),
	)
}
