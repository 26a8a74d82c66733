package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newPurgeCommand(opts *rootOptions) *cobra.Command {
	var olderThanDays int

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete stored payloads past the retention window",
		Long: `Purge removes payload blobs older than the retention window. Audit
records keep their hashes, so lineage stays verifiable; only the row data
itself becomes unrecoverable, which also ends those runs' resumability.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := openApp(ctx, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			if a.fsStore == nil {
				return fmt.Errorf("payload store backend %q holds nothing to purge",
					a.settings.PayloadStore.Backend)
			}

			days := olderThanDays
			if days < 0 {
				days = a.settings.PayloadStore.RetentionDays
			}
			if days == 0 {
				return fmt.Errorf("retention_days is 0 (keep forever); pass --older-than to purge anyway")
			}

			cutoff := time.Now().AddDate(0, 0, -days)
			purged, err := a.fsStore.PurgeOlderThan(ctx, cutoff)
			if err != nil {
				return err
			}

			a.logger.Info("Payload purge complete",
				"purged", purged, "cutoff", cutoff.Format(time.RFC3339))
			fmt.Fprintf(cmd.OutOrStdout(), "purged %d payloads older than %s\n",
				purged, cutoff.Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().IntVar(&olderThanDays, "older-than", -1,
		"purge payloads older than this many days (default: payload_store.retention_days)")
	return cmd
}
