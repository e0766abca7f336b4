package db

import (
	"os"
	"path/filepath"
)

const (
	blobDirName   = "blobs"
	triggerFile   = "sync.trigger"
	dataDirEnvVar = "PT_DATA_DIR"
)

// DefaultDataDir returns $PT_DATA_DIR, else the per-user data directory
// (~/.local/share/pricetrack on Linux).
func DefaultDataDir() string {
	if dir := os.Getenv(dataDirEnvVar); dir != "" {
		return dir
	}
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "pricetrack")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "pricetrack")
	}
	return filepath.Join(home, ".local", "share", "pricetrack")
}

// BlobDir is where attachment bytes wait for upload
func BlobDir(dataDir string) string {
	return filepath.Join(dataDir, blobDirName)
}

// TriggerPath is the file touched to wake a running daemon
func TriggerPath(dataDir string) string {
	return filepath.Join(dataDir, triggerFile)
}
