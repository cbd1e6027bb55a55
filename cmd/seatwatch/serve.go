package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"seatwatch/internal/logger"
	"seatwatch/internal/processor"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, Kafka consumer, notification fan-out and retention",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		log := logger.WithComponent("main")
		if err := processor.New(cfg).Run(ctx); err != nil {
			log.Error().Err(err).Msg("processor exited")
			return err
		}
		log.Info().Msg("exited")
		return nil
	},
}
