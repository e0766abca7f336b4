package db

import (
	"path/filepath"
	"testing"
)

func TestDefaultDataDir(t *testing.T) {
	t.Setenv("PT_DATA_DIR", "/srv/pt")
	if got := DefaultDataDir(); got != "/srv/pt" {
		t.Errorf("PT_DATA_DIR ignored: %s", got)
	}

	t.Setenv("PT_DATA_DIR", "")
	t.Setenv("XDG_DATA_HOME", "/home/x/.data")
	if got := DefaultDataDir(); got != filepath.Join("/home/x/.data", "pricetrack") {
		t.Errorf("XDG_DATA_HOME ignored: %s", got)
	}

	t.Setenv("XDG_DATA_HOME", "")
	t.Setenv("HOME", "/home/y")
	if got := DefaultDataDir(); got != filepath.Join("/home/y", ".local", "share", "pricetrack") {
		t.Errorf("home fallback: %s", got)
	}
}

func TestDataDirLayout(t *testing.T) {
	dir := t.TempDir()
	if got := BlobDir(dir); got != filepath.Join(dir, "blobs") {
		t.Errorf("BlobDir = %s", got)
	}
	if got := TriggerPath(dir); got != filepath.Join(dir, "sync.trigger") {
		t.Errorf("TriggerPath = %s", got)
	}
}
