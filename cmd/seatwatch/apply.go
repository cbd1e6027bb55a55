package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"seatwatch/internal/alerts"
	"seatwatch/internal/logger"
	"seatwatch/internal/models"
	"seatwatch/internal/processor"
	"seatwatch/internal/storage"
)

type applyOptions struct {
	resource       string
	status         string
	openCount      int
	clearOpenCount bool
	capacity       int
	clearCapacity  bool
}

var applyFlags applyOptions

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply one resource update and print the result as JSON",
	Example: `  seatwatch apply --resource 12345 --status open --open-count 3
  seatwatch apply --resource 12345 --clear-open-count`,
	RunE: func(cmd *cobra.Command, args []string) error {
		// stdout carries the result
		logger.Logger = logger.Logger.Output(os.Stderr)

		u := updateFromFlags(cmd)

		store, err := storage.Open(cmd.Context(), cfg.Storage)
		if err != nil {
			return err
		}
		defer store.Close()

		engine := processor.NewChangeProcessor(store,
			processor.WithPolicy(alerts.SeatPolicy{AvailableStatus: models.NormalizeStatus(models.Status(cfg.Engine.AvailableStatus))}),
			processor.WithDeepLinkBase(cfg.Engine.DeepLinkBase),
			processor.WithSource("cli"),
		)
		result, err := engine.ApplyUpdate(cmd.Context(), u)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	},
}

// updateFromFlags builds the update from the flags actually given
func updateFromFlags(cmd *cobra.Command) models.ResourceUpdate {
	flags := cmd.Flags()
	u := models.ResourceUpdate{ResourceID: applyFlags.resource}

	if flags.Changed("status") {
		s := models.Status(applyFlags.status)
		u.Status = &s
	}
	switch {
	case flags.Changed("open-count"):
		u.OpenCount = models.Int(applyFlags.openCount)
	case applyFlags.clearOpenCount:
		u.OpenCount = models.Null()
	}
	switch {
	case flags.Changed("capacity"):
		u.Capacity = models.Int(applyFlags.capacity)
	case applyFlags.clearCapacity:
		u.Capacity = models.Null()
	}
	return u
}

func init() {
	f := applyCmd.Flags()
	f.StringVar(&applyFlags.resource, "resource", "", "resource id (required)")
	f.StringVar(&applyFlags.status, "status", "", "new status tag")
	f.IntVar(&applyFlags.openCount, "open-count", 0, "new open seat count")
	f.BoolVar(&applyFlags.clearOpenCount, "clear-open-count", false, "mark the open count unknown")
	f.IntVar(&applyFlags.capacity, "capacity", 0, "new capacity")
	f.BoolVar(&applyFlags.clearCapacity, "clear-capacity", false, "mark the capacity unknown")
	applyCmd.MarkFlagRequired("resource")
	applyCmd.MarkFlagsMutuallyExclusive("open-count", "clear-open-count")
	applyCmd.MarkFlagsMutuallyExclusive("capacity", "clear-capacity")
}
