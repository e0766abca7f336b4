package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/marcus/pricetrack/internal/connection"
	"github.com/marcus/pricetrack/internal/events"
	"github.com/marcus/pricetrack/internal/notify"
	"github.com/marcus/pricetrack/internal/tui/monitor"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Live TUI dashboard for the sync queue",
	Long: `Launch a live-updating TUI dashboard showing:
- Connection quality
- Queue: processing, ready, waiting for retry, and failed items
- Activity: lifecycle events streamed from a running daemon

Key bindings:
  Tab/Shift+Tab  Switch panels
  ↑/↓, j/k       Scroll the active panel
  r              Force refresh
  ?              Toggle help
  q              Quit`,
	GroupID: "sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnv()
		if err != nil {
			return fail("%v", err)
		}
		defer e.Close()

		interval, _ := cmd.Flags().GetDuration("interval")
		if interval < 500*time.Millisecond {
			interval = 2 * time.Second
		}

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		go connection.NewWatcher(e.conn, 0).Run(ctx)
		go e.conn.Run(ctx)

		stream := make(chan events.Event, 64)
		go forwardDaemonEvents(ctx, e.settings.DaemonAddr, stream)

		model := monitor.NewModel(e.db, e.conn.State, stream, interval)
		p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))
		if _, err := p.Run(); err != nil {
			return fmt.Errorf("error running monitor: %w", err)
		}
		return nil
	},
}

// forwardDaemonEvents copies the daemon's event stream into ch and closes
// it when the stream ends. Without a daemon the monitor only polls.
func forwardDaemonEvents(ctx context.Context, addr string, ch chan<- events.Event) {
	defer close(ch)
	wsURL, err := notify.StreamURL(addr, nil)
	if err != nil {
		slog.Debug("monitor: stream url", "err", err)
		return
	}
	err = notify.Stream(ctx, wsURL, func(e events.Event) error {
		select {
		case ch <- e:
		case <-ctx.Done():
			return notify.ErrStop
		}
		return nil
	})
	if err != nil {
		slog.Debug("monitor: event stream", "err", err)
	}
}

func init() {
	monitorCmd.Flags().Duration("interval", 2*time.Second, "Refresh interval")
	rootCmd.AddCommand(monitorCmd)
}
