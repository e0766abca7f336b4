package cmd

import (
	"github.com/spf13/cobra"

	"github.com/marcus/pricetrack/internal/output"
)

var deleteCmd = &cobra.Command{
	Use:     "delete <id>",
	Aliases: []string{"rm"},
	Short:   "Queue deletion of a price",
	Long: `Queue deletion of a price by temporary or server id. The local record
stays visible until the server confirms the delete.`,
	GroupID: "core",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnv()
		if err != nil {
			return fail("%v", err)
		}
		defer e.Close()

		opts, err := enqueueOptions(cmd)
		if err != nil {
			return fail("%v", err)
		}
		reason, _ := cmd.Flags().GetString("reason")
		itemID, err := e.facade(nil).EnqueueDelete(cmd.Context(), args[0], reason, opts...)
		if err != nil {
			return fail("delete %s: %v", args[0], err)
		}

		if ok, err := output.Structured(outputMode(), map[string]string{"item_id": itemID, "target": args[0]}); ok || err != nil {
			return err
		}
		output.Success("QUEUED delete of %s (%s)", args[0], itemID)
		return nil
	},
}

func init() {
	deleteCmd.Flags().String("reason", "", "Why the price is being removed")
	deleteCmd.Flags().String("priority", "", "Queue priority: high or normal")
	deleteCmd.Flags().Bool("no-sync", false, "Do not try to sync after queueing")
	rootCmd.AddCommand(deleteCmd)
}
