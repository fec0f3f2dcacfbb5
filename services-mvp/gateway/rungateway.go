package main

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/illmade-knight/telemetry-gateway/services-mvp/gateway/gatewayservice"
)

func main() {
	// --- Logger Setup ---
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	cfg, err := gatewayservice.LoadConfig(os.Args[1:])
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load gateway configuration")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Warn().Str("log_level", cfg.LogLevel).Msg("Invalid log level, defaulting to info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	logger := log.Logger.With().Timestamp().Logger()

	ctx := context.Background()
	server, err := gatewayservice.NewServer(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to build telemetry gateway")
	}

	if err := server.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("Telemetry gateway stopped with errors")
		os.Exit(1)
	}
	logger.Info().Msg("Telemetry gateway exited cleanly.")
}
