package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/marcus/pricetrack/internal/db"
	"github.com/marcus/pricetrack/internal/models"
	"github.com/marcus/pricetrack/internal/output"
)

var queueCmd = &cobra.Command{
	Use:     "queue",
	Aliases: []string{"q"},
	Short:   "Inspect and manage queued mutations",
	GroupID: "queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		return queueListCmd.RunE(cmd, args)
	},
}

var queueListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List queue items",
	RunE: func(cmd *cobra.Command, args []string) error {
		statuses, err := parseItemStatuses(cmd)
		if err != nil {
			return fail("%v", err)
		}

		e, err := openEnv()
		if err != nil {
			return fail("%v", err)
		}
		defer e.Close()

		items, err := e.db.ListItemsByStatus(statuses...)
		if err != nil {
			return fail("list queue: %v", err)
		}
		if all, _ := cmd.Flags().GetBool("all"); !all && len(statuses) == 0 {
			items = withoutCompleted(items)
		}

		if ok, err := output.Structured(outputMode(), items); ok || err != nil {
			return err
		}
		if len(items) == 0 {
			fmt.Println("Queue is empty.")
			return nil
		}
		now := time.Now()
		for i := range items {
			fmt.Println(output.FormatItemShort(&items[i], now))
		}
		return nil
	},
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry [item-id...]",
	Short: "Requeue failed items",
	Long:  `Put failed items back in the queue with a fresh attempt budget. With --all every failed item is requeued.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")
		if !all && len(args) == 0 {
			return fail("give item ids or --all")
		}

		e, err := openEnv()
		if err != nil {
			return fail("%v", err)
		}
		defer e.Close()

		coord := e.coordinator(nil, 0)
		defer coord.Close()

		if all {
			n, err := coord.RetryAllFailed()
			if err != nil {
				return fail("retry: %v", err)
			}
			if ok, err := output.Structured(outputMode(), map[string]int{"requeued": n}); ok || err != nil {
				return err
			}
			output.Success("Requeued %d item(s)", n)
			return nil
		}

		var requeued []*models.QueueItem
		for _, arg := range args {
			it, err := coord.RetryFailed(db.NormalizeQueueID(arg))
			if err != nil {
				return fail("retry %s: %v", arg, describeItemErr(err))
			}
			requeued = append(requeued, it)
		}
		if ok, err := output.Structured(outputMode(), requeued); ok || err != nil {
			return err
		}
		for _, it := range requeued {
			output.Success("REQUEUED %s", it.ID)
		}
		return nil
	},
}

var queueDismissCmd = &cobra.Command{
	Use:   "dismiss <item-id...>",
	Short: "Drop failed items",
	Long: `Drop failed items for good. Dismissing a failed create also removes
its local record; dismissing a failed upload removes the stored file.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnv()
		if err != nil {
			return fail("%v", err)
		}
		defer e.Close()

		coord := e.coordinator(nil, 0)
		defer coord.Close()

		var dismissed []string
		for _, arg := range args {
			id := db.NormalizeQueueID(arg)
			if err := coord.Dismiss(cmd.Context(), id); err != nil {
				return fail("dismiss %s: %v", arg, describeItemErr(err))
			}
			dismissed = append(dismissed, id)
		}
		if ok, err := output.Structured(outputMode(), map[string][]string{"dismissed": dismissed}); ok || err != nil {
			return err
		}
		for _, id := range dismissed {
			output.Success("DISMISSED %s", id)
		}
		return nil
	},
}

var queuePurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Remove completed items",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnv()
		if err != nil {
			return fail("%v", err)
		}
		defer e.Close()

		n, err := e.db.PurgeCompleted()
		if err != nil {
			return fail("purge queue: %v", err)
		}
		if ok, err := output.Structured(outputMode(), map[string]int64{"purged": n}); ok || err != nil {
			return err
		}
		output.Success("Purged %d completed item(s)", n)
		return nil
	},
}

func describeItemErr(err error) error {
	if errors.Is(err, db.ErrNotFound) {
		return errors.New("no such queue item")
	}
	return err
}

func withoutCompleted(items []models.QueueItem) []models.QueueItem {
	out := items[:0]
	for _, it := range items {
		if it.Status != models.ItemCompleted {
			out = append(out, it)
		}
	}
	return out
}

func parseItemStatuses(cmd *cobra.Command) ([]models.ItemStatus, error) {
	raw, _ := cmd.Flags().GetStringSlice("status")
	var out []models.ItemStatus
	for _, s := range raw {
		st := models.ItemStatus(s)
		switch st {
		case models.ItemPending, models.ItemProcessing, models.ItemCompleted, models.ItemFailed:
			out = append(out, st)
		default:
			return nil, fmt.Errorf("invalid item status %q (want pending, processing, completed or failed)", s)
		}
	}
	return out, nil
}

func init() {
	for _, c := range []*cobra.Command{queueCmd, queueListCmd} {
		c.Flags().StringSliceP("status", "s", nil, "Filter by status (pending, processing, completed, failed)")
		c.Flags().BoolP("all", "a", false, "Include completed items")
	}
	queueRetryCmd.Flags().Bool("all", false, "Requeue every failed item")

	queueCmd.AddCommand(queueListCmd, queueRetryCmd, queueDismissCmd, queuePurgeCmd)
	rootCmd.AddCommand(queueCmd)
}
