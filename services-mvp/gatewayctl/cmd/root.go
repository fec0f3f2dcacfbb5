package cmd

import (
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	// gatewayURL is the base URL of the gateway HTTP surface, used by post and bulk.
	gatewayURL string

	// requestTimeout bounds each HTTP call and each MQTT token wait.
	requestTimeout time.Duration

	logLevel string
)

// rootCmd is the entry point for the gatewayctl tool.
var rootCmd = &cobra.Command{
	Use:   "gatewayctl",
	Short: "Send telemetry to a running telemetry gateway.",
	Long: `gatewayctl drives the telemetry gateway from the outside.

It can:
  - publish paced MQTT telemetry as one or more simulated devices
  - post a single payload to the HTTP submission endpoint
  - send a bulk file of entries to the HTTP bulk endpoint`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: cmd.ErrOrStderr(), TimeFormat: time.RFC3339}).With().Timestamp().Logger()

		level, err := zerolog.ParseLevel(logLevel)
		if err != nil {
			log.Warn().Str("provided_level", logLevel).Msg("Invalid log level provided. Defaulting to 'info'.")
			level = zerolog.InfoLevel
		}
		zerolog.SetGlobalLevel(level)
		return nil
	},
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&gatewayURL, "gateway-url", "g", "http://localhost:8080", "Base URL of the gateway HTTP API")
	rootCmd.PersistentFlags().DurationVar(&requestTimeout, "timeout", 10*time.Second, "Timeout for each request")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Set the logging level (trace, debug, info, warn, error)")
}

func httpClient() *http.Client {
	return &http.Client{Timeout: requestTimeout}
}
