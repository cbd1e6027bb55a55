package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"seatwatch/internal/config"
	"seatwatch/internal/logger"
)

var (
	configPath string
	cfg        *config.Config
)

var rootCmd = &cobra.Command{
	Use:           "seatwatch",
	Short:         "Seat availability change detection and subscriber notification",
	SilenceUsage:  true,
	SilenceErrors: false,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
		logger.Init(cfg.Log)
		return nil
	},
}

func addConfigFlag(fs *pflag.FlagSet) {
	fs.StringVarP(&configPath, "config", "c", "", "path to a YAML config file (env SEATWATCH_* overrides apply)")
}

func init() {
	addConfigFlag(rootCmd.PersistentFlags())
	rootCmd.AddCommand(serveCmd, migrateCmd, applyCmd)
}
