package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/marcus/pricetrack/internal/db"
	"github.com/marcus/pricetrack/internal/models"
	"github.com/marcus/pricetrack/internal/output"
)

// statusView is the structured form of pt status
type statusView struct {
	Connection    models.ConnectionState    `json:"connection" yaml:"connection"`
	DaemonRunning bool                      `json:"daemon_running" yaml:"daemon_running"`
	Counts        map[models.ItemStatus]int `json:"counts" yaml:"counts"`
	Sync          models.SyncState          `json:"sync" yaml:"sync"`
	Failed        []models.QueueItem        `json:"failed,omitempty" yaml:"failed,omitempty"`
	Blocked       []models.QueueItem        `json:"blocked,omitempty" yaml:"blocked,omitempty"`
}

var statusCmd = &cobra.Command{
	Use:     "status",
	Short:   "Show connection and queue state",
	GroupID: "sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnv()
		if err != nil {
			return fail("%v", err)
		}
		defer e.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), e.settings.ProbeTimeout+time.Second)
		defer cancel()

		view, err := buildStatus(ctx, e)
		if err != nil {
			return fail("status: %v", err)
		}

		if ok, err := output.Structured(outputMode(), view); ok || err != nil {
			return err
		}

		if report, _ := cmd.Flags().GetBool("report"); report {
			md := output.StatusMarkdown(output.StatusReport{
				Connection: view.Connection,
				Counts:     view.Counts,
				Sync:       view.Sync,
				Failed:     view.Failed,
				Blocked:    view.Blocked,
			})
			rendered, err := output.RenderMarkdown(md)
			if err != nil {
				fmt.Print(md)
				return nil
			}
			fmt.Println(rendered)
			return nil
		}

		printStatus(view)
		return nil
	},
}

func buildStatus(ctx context.Context, e *env) (*statusView, error) {
	view := &statusView{
		Connection:    e.detectConnection(ctx),
		DaemonRunning: daemonRunning(e.dataDir),
	}

	counts, err := e.db.CountItemsByStatus()
	if err != nil {
		return nil, err
	}
	view.Counts = counts

	st, err := e.db.GetSyncState()
	if err != nil {
		return nil, err
	}
	view.Sync = *st

	items, err := e.db.ListItemsByStatus(models.ItemPending, models.ItemFailed)
	if err != nil {
		return nil, err
	}
	for _, it := range items {
		if it.Status == models.ItemFailed {
			view.Failed = append(view.Failed, it)
			continue
		}
		blocked, err := unresolved(e.db, it)
		if err != nil {
			return nil, err
		}
		if blocked {
			view.Blocked = append(view.Blocked, it)
		}
	}
	return view, nil
}

// unresolved reports whether an item still waits on a temp id the server
// has not assigned yet
func unresolved(d *db.DB, it models.QueueItem) (bool, error) {
	for _, dep := range it.Dependencies() {
		_, ok, err := d.ResolveID(dep)
		if err != nil {
			return false, err
		}
		if !ok {
			return true, nil
		}
	}
	return false, nil
}

func printStatus(v *statusView) {
	fmt.Println(output.SectionHeader("Connection"))
	fmt.Printf("  %s\n", output.FormatQuality(v.Connection))
	if v.DaemonRunning {
		fmt.Println("  daemon running")
	} else {
		fmt.Println(output.Subtle("  daemon not running"))
	}
	fmt.Println()

	fmt.Println(output.SectionHeader("Queue"))
	for _, st := range []models.ItemStatus{models.ItemPending, models.ItemProcessing, models.ItemFailed, models.ItemCompleted} {
		fmt.Printf("  %-22s %d\n", output.FormatItemStatus(st), v.Counts[st])
	}
	if len(v.Blocked) > 0 {
		fmt.Printf("  %d waiting on earlier items\n", len(v.Blocked))
	}
	fmt.Println()

	fmt.Println(output.SectionHeader("Last sync"))
	if v.Sync.LastSyncAt == nil {
		fmt.Println("  never")
	} else {
		fmt.Printf("  %s (%s): %d synced, %d failed\n",
			output.FormatTimeAgo(*v.Sync.LastSyncAt), v.Sync.LastStatus, v.Sync.Synced, v.Sync.Failed)
	}
	if v.Sync.LastError != "" {
		output.Error("  %s", v.Sync.LastError)
	}

	if n := len(v.Failed); n > 0 {
		fmt.Println()
		output.Warning("%d failed item(s). pt queue retry --all or pt queue dismiss <id>", n)
	}
}

func init() {
	statusCmd.Flags().Bool("report", false, "Render a markdown report")
	rootCmd.AddCommand(statusCmd)
}
