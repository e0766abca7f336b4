package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/marcus/pricetrack/internal/events"
	"github.com/marcus/pricetrack/internal/notify"
	"github.com/marcus/pricetrack/internal/output"
	"github.com/marcus/pricetrack/internal/syncconfig"
)

// Styles for sync tail output
var (
	okArrow   = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Render("→")  // green
	retryMark = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Render("↻") // orange
	failMark  = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Render("✗") // red
	infoMark  = lipgloss.NewStyle().Foreground(lipgloss.Color("45")).Render("·")  // cyan
	dimStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

var syncTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Stream sync activity from the daemon",
	Long: `Stream lifecycle events from a running daemon as they happen.

Examples:
  pt sync tail                          # Everything
  pt sync tail -t item_failed,retry     # Only failures and retries
  pt sync tail --format json            # One JSON event per line`,
	RunE: func(cmd *cobra.Command, args []string) error {
		rawTypes, _ := cmd.Flags().GetStringSlice("type")
		types, err := parseEventTypes(rawTypes)
		if err != nil {
			return fail("%v", err)
		}

		addr, _ := cmd.Flags().GetString("addr")
		if addr == "" {
			addr = syncconfig.GetDaemonAddr()
		}
		wsURL, err := notify.StreamURL(addr, types)
		if err != nil {
			return fail("%v", err)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		mode := outputMode()
		err = notify.Stream(ctx, wsURL, func(e events.Event) error {
			if mode == output.ModeJSON {
				return output.JSON(e)
			}
			printEvent(e)
			return nil
		})
		if err != nil {
			return fail("%v (is pt daemon running?)", err)
		}
		return nil
	},
}

func parseEventTypes(raw []string) ([]events.Type, error) {
	var out []events.Type
	for _, s := range raw {
		t, ok := events.NormalizeType(s)
		if !ok {
			return nil, fmt.Errorf("unknown event type %q", s)
		}
		out = append(out, t)
	}
	return out, nil
}

func printEvent(e events.Event) {
	ts := dimStyle.Render(e.Time.Local().Format("15:04:05"))

	mark := infoMark
	switch e.Type {
	case events.ItemSynced, events.SyncCompleted:
		mark = okArrow
	case events.ItemRetry:
		mark = retryMark
	case events.ItemFailed, events.SyncFailed:
		mark = failMark
	}

	var parts []string
	parts = append(parts, ts, mark, strings.ToLower(string(e.Type)))
	if e.ItemID != "" {
		parts = append(parts, truncateID(e.ItemID, 16))
	}
	if e.Action != "" {
		parts = append(parts, string(e.Action))
	}
	if e.RecordID != "" {
		parts = append(parts, e.RecordID)
	}
	if e.ServerID != "" {
		parts = append(parts, "→ "+e.ServerID)
	}
	if e.Attempts > 0 {
		parts = append(parts, fmt.Sprintf("attempt %d", e.Attempts))
	}
	if e.NextRetryAt != nil {
		parts = append(parts, dimStyle.Render("next "+e.NextRetryAt.Local().Format("15:04:05")))
	}
	if e.Summary != nil {
		s := e.Summary
		parts = append(parts, fmt.Sprintf("synced:%d retry:%d failed:%d blocked:%d (%s)",
			s.Synced, s.Retried, s.Failed, s.Blocked, s.Duration.Round(time.Millisecond)))
	}
	if e.Connection != nil {
		parts = append(parts, output.FormatQuality(*e.Connection))
	}
	if e.Error != "" {
		parts = append(parts, dimStyle.Render(e.Error))
	}
	fmt.Println(strings.Join(parts, " "))
}

func truncateID(id string, max int) string {
	if len(id) <= max {
		return id
	}
	return id[:max-3] + "..."
}

func init() {
	syncTailCmd.Flags().StringSliceP("type", "t", nil, "Only these event types (e.g. item_failed, retry, connection)")
	syncTailCmd.Flags().String("addr", "", "Daemon address (default daemon.addr)")
	syncCmd.AddCommand(syncTailCmd)
}
