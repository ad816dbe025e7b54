package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gitvault/server/internal/gc"
)

func newGCCommand() *cobra.Command {
	var (
		dsn      string
		dryRun   bool
		maxCount int
	)

	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Mark-and-delete unreachable objects older than the grace period",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			log, err := newLogger()
			if err != nil {
				return err
			}
			defer log.Sync()

			r, db, err := openEngine(cfg, dsn, log)
			if err != nil {
				return err
			}
			defer db.Close()

			opts := gc.Options{
				GracePeriod:    cfg.GC.GracePeriod,
				MaxDeleteCount: maxCount,
				DryRun:         dryRun,
			}
			report, err := r.GC.Run(cmd.Context(), opts)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d objects, freed %d bytes\n", report.DeletedCount, report.FreedBytes)
			return nil
		},
	}

	cmd.Flags().StringVar(&dsn, "db", "gitvault.db", "path to the hot-tier SQLite database")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report what would be deleted without deleting")
	cmd.Flags().IntVar(&maxCount, "max-delete", 0, "cap on objects deleted in one run (0 means unlimited)")
	return cmd
}
