package cmd

import (
	"github.com/spf13/cobra"

	"github.com/marcus/pricetrack/internal/models"
	"github.com/marcus/pricetrack/internal/output"
)

var verifyCmd = &cobra.Command{
	Use:   "verify <id>",
	Short: "Confirm or dispute a price",
	Example: `  pt verify p_4f9c2e1ab37d0c55
  pt verify p_4f9c2e1ab37d0c55 --dispute --note "was 40 this morning"`,
	GroupID: "core",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		v := models.VerifyPayload{Verdict: "confirm"}
		if dispute, _ := cmd.Flags().GetBool("dispute"); dispute {
			v.Verdict = "dispute"
		}
		v.Note, _ = cmd.Flags().GetString("note")
		if err := v.Validate(); err != nil {
			return fail("%v", err)
		}

		e, err := openEnv()
		if err != nil {
			return fail("%v", err)
		}
		defer e.Close()

		opts, err := enqueueOptions(cmd)
		if err != nil {
			return fail("%v", err)
		}
		itemID, err := e.facade(nil).EnqueueVerify(cmd.Context(), args[0], v, opts...)
		if err != nil {
			return fail("verify %s: %v", args[0], err)
		}

		if ok, err := output.Structured(outputMode(), map[string]string{"item_id": itemID, "target": args[0], "verdict": v.Verdict}); ok || err != nil {
			return err
		}
		output.Success("QUEUED %s of %s (%s)", v.Verdict, args[0], itemID)
		return nil
	},
}

func init() {
	verifyCmd.Flags().Bool("dispute", false, "Dispute instead of confirm")
	verifyCmd.Flags().String("note", "", "Optional note for the verification")
	verifyCmd.Flags().String("priority", "", "Queue priority: high or normal")
	verifyCmd.Flags().Bool("no-sync", false, "Do not try to sync after queueing")
	rootCmd.AddCommand(verifyCmd)
}
