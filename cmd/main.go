package main

import (
	"os"

	"github.com/httprunner/DeviceFarm/internal/env"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "devicefarm",
	Short: "Phone fleet automation: device registry, out-of-band recovery and watch workloads",
	Long: `devicefarm runs the fleet backend (serve) and offers one-shot operator commands
for power boxes, node recovery, workloads and the device registry. Configuration
comes from the environment and the nearest .env file.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := zerolog.ParseLevel(rootLogLevel)
		if err != nil {
			return errors.Wrapf(err, "invalid --log-level %q", rootLogLevel)
		}
		zerolog.SetGlobalLevel(level)
		if path := env.LoadedPath(); path != "" {
			log.Debug().Str("dotenv", path).Msg("environment loaded")
		}
		return nil
	},
}

var rootLogLevel string

func init() {
	output := zerolog.ConsoleWriter{Out: os.Stderr}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	rootCmd.PersistentFlags().StringVar(&rootLogLevel, "log-level", "info", "Log level (trace, debug, info, warn, error)")
	rootCmd.AddCommand(
		newServeCmd(),
		newBoxCmd(),
		newRecoverCmd(),
		newWorkloadCmd(),
		newDevicesCmd(),
		newNodeCmd(),
	)
	_ = env.Ensure()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("devicefarm command failed")
	}
}
