package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tbourn/go-newsletter-backend/internal/delivery"
	"github.com/tbourn/go-newsletter-backend/internal/repo"
)

var sweepStaleAfter time.Duration

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Requeue deliveries stuck in flight",
	Long: `Return deliveries whose claim is older than --stale-after to pending.
Attempt counts are left unchanged. Expired idempotency keys are purged in
the same run.

Example:
  newsletter sweep --stale-after 10m`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		db, err := openDB(cfg)
		if err != nil {
			return err
		}
		defer closeDB(db)

		staleAfter := cfg.Worker.StaleAfter
		if cmd.Flags().Changed("stale-after") {
			staleAfter = sweepStaleAfter
		}
		n, err := delivery.NewSweeper(&delivery.GormStore{DB: db}, staleAfter).Sweep(ctx)
		if err != nil {
			return err
		}
		purged, err := repo.PurgeExpiredIdempotency(ctx, db, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("purge idempotency keys: %w", err)
		}

		result := map[string]int64{"requeued": n, "idempotency_keys_purged": purged}
		if outputJSON {
			return printJSON(cmd.OutOrStdout(), result)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Requeued %d stale deliveries, purged %d idempotency keys\n", n, purged)
		return nil
	},
}

func init() {
	sweepCmd.Flags().DurationVar(&sweepStaleAfter, "stale-after", delivery.DefaultStaleAfter, "claim age after which an in-flight delivery is requeued (default WORKER_STALE_AFTER)")
	rootCmd.AddCommand(sweepCmd)
}
