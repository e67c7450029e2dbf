package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseEnqueueFlag(t *testing.T) {
	skillName, target, err := parseEnqueueFlag("recon_osint:example.com")
	require.NoError(t, err)
	require.Equal(t, "recon_osint", skillName)
	require.Equal(t, "example.com", target)

	_, _, err = parseEnqueueFlag("missing-colon")
	require.Error(t, err)

	_, _, err = parseEnqueueFlag(":novalue")
	require.Error(t, err)
}

func TestRunDaemonOnceDrainsSeededJobAndExits(t *testing.T) {
	dir := t.TempDir()
	skillsDir := filepath.Join(dir, "skills")
	require.NoError(t, os.MkdirAll(skillsDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(skillsDir, "recon_osint.yaml"), []byte(`
name: recon_osint
steps:
  - tool: some_tool
    output: raw
`), 0o644))

	env := map[string]string{
		"QUEUE_DB_PATH":    filepath.Join(dir, "queue.db"),
		"LEDGER_DB_PATH":   filepath.Join(dir, "ledger.db"),
		"ARTIFACT_DB_ROOT": filepath.Join(dir, "artifacts"),
		"SKILLS_DIR":       skillsDir,
		"TOOL_SERVER_URL":  "http://127.0.0.1:0",
		"ADMIN_ADDR":       "127.0.0.1:0",
		"REDIS_URL":        "redis://127.0.0.1:0",
		"HEARTBEAT_SEC":    "1",
	}
	for k, v := range env {
		t.Setenv(k, v)
	}

	flagOnce = true
	flagDryRun = true
	flagEnqueue = "recon_osint:example.com"
	t.Cleanup(func() { flagOnce, flagDryRun, flagEnqueue = false, false, "" })

	done := make(chan error, 1)
	go func() { done <- runDaemon(context.Background()) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("runDaemon --once did not exit")
	}
}
