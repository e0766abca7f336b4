package mutation

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// FileSignaler wakes a daemon in another process by rewriting a trigger file
// it watches
type FileSignaler struct {
	Path string
}

// Trigger writes the reason and time to the trigger file. Failures are
// ignored: the daemon's timer picks the work up anyway.
func (s FileSignaler) Trigger(reason string) {
	if s.Path == "" {
		return
	}
	_ = os.MkdirAll(filepath.Dir(s.Path), 0o755)
	_ = os.WriteFile(s.Path, []byte(fmt.Sprintf("%s %s\n", time.Now().UTC().Format(time.RFC3339Nano), reason)), 0o644)
}

// Signalers fans one trigger out to several signalers
type Signalers []Signaler

// Trigger calls every signaler
func (ss Signalers) Trigger(reason string) {
	for _, s := range ss {
		if s != nil {
			s.Trigger(reason)
		}
	}
}
