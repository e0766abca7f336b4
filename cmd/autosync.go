package cmd

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/marcus/pricetrack/internal/db"
	"github.com/marcus/pricetrack/internal/syncconfig"
)

// autoSyncTimeout bounds the inline pass after a mutating command
const autoSyncTimeout = 10 * time.Second

// mutatingCommands lists commands that queue work and should try to drain it.
var mutatingCommands = map[string]bool{
	"submit": true,
	"edit":   true,
	"delete": true,
	"verify": true,
	"upload": true,
	"retry":  true,
}

// isMutatingCommand checks if the given command name triggers auto-sync.
func isMutatingCommand(name string) bool {
	return mutatingCommands[name]
}

// AutoSyncEnabled reports sync.auto (PT_SYNC_AUTO overrides). Defaults to true.
func AutoSyncEnabled() bool {
	return syncconfig.GetAutoSync()
}

// daemonRunning reports whether a daemon holds the data dir. A running
// daemon already picked the work up through the trigger file.
func daemonRunning(dataDir string) bool {
	lock, err := db.AcquirePIDLock(dataDir)
	if err != nil {
		return errors.Is(err, db.ErrLockBusy)
	}
	lock.Release()
	return false
}

// autoSyncAfterMutation runs one short drain pass when no daemon is around.
// Errors are logged, not returned: the work stays queued either way.
func autoSyncAfterMutation(cmd *cobra.Command) {
	if !AutoSyncEnabled() {
		return
	}
	if skip, _ := cmd.Flags().GetBool("no-sync"); skip {
		return
	}

	e, err := openEnv()
	if err != nil {
		slog.Debug("autosync: open env", "err", err)
		return
	}
	defer e.Close()

	if daemonRunning(e.dataDir) {
		slog.Debug("autosync: daemon running, left to trigger file")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), autoSyncTimeout)
	defer cancel()

	if state := e.detectConnection(ctx); !state.Online {
		slog.Debug("autosync: offline, work stays queued")
		return
	}

	coord := e.coordinator(nil, 0)
	defer coord.Close()
	res, err := coord.Sync(ctx)
	if err != nil {
		slog.Debug("autosync: pass", "err", err)
		return
	}
	slog.Debug("autosync: pass done", "synced", res.Synced, "failed", res.Failed, "skipped", res.Skipped)
}
