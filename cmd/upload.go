package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marcus/pricetrack/internal/output"
)

var uploadCmd = &cobra.Command{
	Use:   "upload <file>",
	Short: "Queue an attachment upload",
	Long: `Copy a file into the local attachment store and queue its upload. The
printed tmp-up-... reference can be passed to --attachment on submit or
edit before the upload has happened.`,
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
		item, err := queueFile(cmd.Context(), e.facade(nil), args[0], opts...)
		if err != nil {
			return fail("upload: %v", err)
		}

		if ok, err := output.Structured(outputMode(), item); ok || err != nil {
			return err
		}
		output.Success("QUEUED upload %s", item.LocalRef)
		fmt.Printf("Attach with: --attachment %s\n", item.LocalRef)
		return nil
	},
}

func init() {
	uploadCmd.Flags().String("priority", "", "Queue priority: high or normal")
	uploadCmd.Flags().Bool("no-sync", false, "Do not try to sync after queueing")
	rootCmd.AddCommand(uploadCmd)
}
