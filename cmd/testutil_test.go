package cmd

import (
	"testing"
)

// testEnv opens an env over a temp data dir with the network forced off and
// config isolated from the user's
func testEnv(t *testing.T) *env {
	t.Helper()
	t.Setenv("PT_CONFIG_DIR", t.TempDir())
	t.Setenv("PT_FORCE_OFFLINE", "1")
	t.Setenv("PT_SYNC_AUTO", "false")
	t.Setenv("PT_USER_ID", "tester")

	prev := dataDirArg
	dataDirArg = t.TempDir()
	t.Cleanup(func() { dataDirArg = prev })

	e, err := openEnv()
	if err != nil {
		t.Fatalf("openEnv failed: %v", err)
	}
	t.Cleanup(e.Close)
	return e
}
