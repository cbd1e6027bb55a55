package main

import (
	"github.com/spf13/cobra"

	"seatwatch/internal/logger"
	"seatwatch/internal/storage"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run schema migrations all the way up",
	Long:  `Applies pending migrations for the configured store. Safe to run before every deploy.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		log := logger.WithComponent("main")
		if err := storage.Migrate(cmd.Context(), cfg.Storage); err != nil {
			log.Error().Err(err).Msg("failed to do migration")
			return err
		}
		log.Info().Str("driver", cfg.Storage.Driver).Msg("migrations applied")
		return nil
	},
}
