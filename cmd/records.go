package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marcus/pricetrack/internal/db"
	"github.com/marcus/pricetrack/internal/models"
	"github.com/marcus/pricetrack/internal/output"
)

var recordsCmd = &cobra.Command{
	Use:     "records",
	Aliases: []string{"rec"},
	Short:   "List and manage locally created prices",
	GroupID: "queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		return recordsListCmd.RunE(cmd, args)
	},
}

var recordsListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List local records",
	RunE: func(cmd *cobra.Command, args []string) error {
		statuses, err := parseRecordStatuses(cmd)
		if err != nil {
			return fail("%v", err)
		}

		e, err := openEnv()
		if err != nil {
			return fail("%v", err)
		}
		defer e.Close()

		recs, err := e.db.ListRecordsByStatus(statuses...)
		if err != nil {
			return fail("list records: %v", err)
		}

		if ok, err := output.Structured(outputMode(), recs); ok || err != nil {
			return err
		}
		if len(recs) == 0 {
			fmt.Println("No local records.")
			return nil
		}
		long, _ := cmd.Flags().GetBool("long")
		for i := range recs {
			if long {
				fmt.Println(output.FormatRecordLong(&recs[i]))
				continue
			}
			fmt.Println(output.FormatRecordShort(&recs[i]))
		}
		return nil
	},
}

var recordsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one local record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnv()
		if err != nil {
			return fail("%v", err)
		}
		defer e.Close()

		rec, err := e.db.GetRecord(args[0])
		if errors.Is(err, db.ErrNotFound) {
			return fail("no local record %s", args[0])
		}
		if err != nil {
			return fail("%v", err)
		}
		if ok, err := output.Structured(outputMode(), rec); ok || err != nil {
			return err
		}
		fmt.Print(output.FormatRecordLong(rec))
		return nil
	},
}

var recordsPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Remove synced (and optionally failed) records",
	Long: `Remove local copies of records the server already has. Pending records
are never purged. Pass --failed to also drop records whose create failed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnv()
		if err != nil {
			return fail("%v", err)
		}
		defer e.Close()

		statuses := []models.RecordStatus{models.RecordSynced}
		if failed, _ := cmd.Flags().GetBool("failed"); failed {
			statuses = append(statuses, models.RecordFailed)
		}
		n, err := e.db.PurgeRecords(statuses...)
		if err != nil {
			return fail("purge records: %v", err)
		}
		if ok, err := output.Structured(outputMode(), map[string]int64{"purged": n}); ok || err != nil {
			return err
		}
		output.Success("Purged %d record(s)", n)
		return nil
	},
}

func parseRecordStatuses(cmd *cobra.Command) ([]models.RecordStatus, error) {
	raw, _ := cmd.Flags().GetStringSlice("status")
	var out []models.RecordStatus
	for _, s := range raw {
		st := models.RecordStatus(s)
		switch st {
		case models.RecordPending, models.RecordSynced, models.RecordFailed:
			out = append(out, st)
		default:
			return nil, fmt.Errorf("invalid record status %q (want pending, synced or failed)", s)
		}
	}
	return out, nil
}

func init() {
	for _, c := range []*cobra.Command{recordsCmd, recordsListCmd} {
		c.Flags().StringSliceP("status", "s", nil, "Filter by status (pending, synced, failed)")
		c.Flags().BoolP("long", "l", false, "Show full record details")
	}
	recordsPurgeCmd.Flags().Bool("failed", false, "Also purge failed records")

	recordsCmd.AddCommand(recordsListCmd, recordsShowCmd, recordsPurgeCmd)
	rootCmd.AddCommand(recordsCmd)
}
