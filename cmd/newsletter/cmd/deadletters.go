package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tbourn/go-newsletter-backend/internal/domain"
	"github.com/tbourn/go-newsletter-backend/internal/services"
	"github.com/tbourn/go-newsletter-backend/internal/utils"
)

// deadLettersCmd represents the deadletters command
var deadLettersCmd = &cobra.Command{
	Use:     "deadletters",
	Aliases: []string{"dlq"},
	Short:   "Inspect and requeue dead-lettered deliveries",
}

var dlListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-lettered deliveries",
	Long: `List deliveries that failed permanently or ran out of retries, most
recent first.

Example:
  newsletter deadletters list --page 2 --page-size 50`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		page, _ := cmd.Flags().GetInt("page")
		pageSize, _ := cmd.Flags().GetInt("page-size")
		pg := utils.NewPage(page, pageSize)

		db, err := openDB(cfg)
		if err != nil {
			return err
		}
		defer closeDB(db)

		items, total, err := services.NewDeliveryAdmin(db).ListDeadLetters(cmd.Context(), pg.Number, pg.Size)
		if err != nil {
			return err
		}
		if outputJSON {
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"deliveries":  items,
				"total":       total,
				"page":        pg.Number,
				"total_pages": pg.TotalPages(total),
			})
		}
		printDeadLetters(cmd.OutOrStdout(), items, total, pg)
		return nil
	},
}

var dlRequeueCmd = &cobra.Command{
	Use:   "requeue [issue-id] [subscriber-email]",
	Short: "Requeue one dead-lettered delivery",
	Long: `Move a dead-lettered delivery back to pending with a fresh retry budget.

Example:
  newsletter deadletters requeue 01927b9e-3c1d-7a4e-9b1f-2d5c8e6f0a11 reader@example.com`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB(cfg)
		if err != nil {
			return err
		}
		defer closeDB(db)

		if err := services.NewDeliveryAdmin(db).Requeue(cmd.Context(), args[0], args[1]); err != nil {
			return fmt.Errorf("requeue %s/%s: %w", args[0], args[1], err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Requeued delivery of issue %s to %s\n", args[0], args[1])
		return nil
	},
}

func init() {
	dlListCmd.Flags().Int("page", 1, "page number")
	dlListCmd.Flags().Int("page-size", 20, "items per page")

	deadLettersCmd.AddCommand(dlListCmd, dlRequeueCmd)
	rootCmd.AddCommand(deadLettersCmd)
}

func printDeadLetters(w io.Writer, items []domain.DeliveryTask, total int64, pg utils.Page) {
	fmt.Fprintf(w, "Dead-lettered deliveries: %d (page %d of %d)\n", total, pg.Number, pg.TotalPages(total))
	if len(items) == 0 {
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ISSUE\tSUBSCRIBER\tATTEMPTS\tUPDATED\tLAST ERROR")
	for _, t := range items {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
			t.IssueID, t.SubscriberEmail, t.AttemptCount, t.UpdatedAt.Format(time.RFC3339), t.LastError)
	}
	_ = tw.Flush()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
