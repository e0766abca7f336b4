package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/marcus/pricetrack/internal/coordinator"
	"github.com/marcus/pricetrack/internal/events"
	"github.com/marcus/pricetrack/internal/output"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Drain the queue now",
	Long: `Run one drain pass in the foreground and report what happened. If a
daemon is mid-pass, this waits for it (up to --wait) instead of racing it.
The pass is skipped while offline.`,
	GroupID: "sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		wait, _ := cmd.Flags().GetDuration("wait")
		timeout, _ := cmd.Flags().GetDuration("timeout")
		verbose, _ := cmd.Flags().GetBool("verbose")

		e, err := openEnv()
		if err != nil {
			return fail("%v", err)
		}
		defer e.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		state := e.detectConnection(ctx)
		if outputMode() == output.ModeText {
			fmt.Printf("Connection: %s\n", output.FormatQuality(state))
		}

		var bus *events.Bus
		if verbose && outputMode() == output.ModeText {
			bus = events.NewBus()
			ch, unsub := bus.Subscribe(64)
			done := make(chan struct{})
			go func() {
				defer close(done)
				for ev := range ch {
					printEvent(ev)
				}
			}()
			defer func() {
				unsub()
				bus.Close()
				<-done
			}()
		}

		coord := e.coordinator(bus, wait)
		res, err := coord.Sync(ctx)
		coord.Close()
		if err != nil {
			return fail("sync: %v", err)
		}

		if ok, err := output.Structured(outputMode(), res); ok || err != nil {
			return err
		}
		printResult(res)
		if res.Failed > 0 {
			output.Warning("%d item(s) failed; see pt queue list --status failed", res.Failed)
		}
		return nil
	},
}

func printResult(res *coordinator.Result) {
	if res.Skipped {
		output.Warning("Sync skipped: %s", res.SkipReason)
		return
	}
	if res.Error != "" {
		output.Error("Sync failed: %s", res.Error)
	}
	elapsed := res.FinishedAt.Sub(res.StartedAt).Round(time.Millisecond)
	output.Success("Synced %d, retrying %d, failed %d, blocked %d (%s)",
		res.Synced, res.Retried, res.Failed, res.Blocked, elapsed)
	if res.Stopped {
		output.Warning("Connection dropped mid-pass; the rest stays queued")
	}
}

func init() {
	syncCmd.Flags().Duration("wait", 30*time.Second, "How long to wait for a pass already running elsewhere")
	syncCmd.Flags().Duration("timeout", 5*time.Minute, "Give up on the pass after this long")
	syncCmd.Flags().BoolP("verbose", "v", false, "Print each item as it is processed")
	rootCmd.AddCommand(syncCmd)
}
