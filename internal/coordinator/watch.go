package coordinator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// WatchTrigger calls Trigger whenever another process touches the trigger
// file at path. Bursts collapse in Trigger: a pass already running just
// schedules one more. It returns when ctx is cancelled.
func (c *Coordinator) WatchTrigger(ctx context.Context, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create trigger dir: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	// watch the directory: the file may not exist yet and writers replace it
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	name := filepath.Clean(path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != name || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Chmod) {
				continue
			}
			c.Trigger("signal")
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			c.log.Warn("trigger watcher error", "err", err)
		}
	}
}
