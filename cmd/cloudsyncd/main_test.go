package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devghori1264/aerophoenix/cloudsync/internal/config"
)

func TestEnvCommand(t *testing.T) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"env"})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "CLOUDSYNC_GRPC_ADDR")
}

func TestRunStopsOnCancel(t *testing.T) {
	inv := filepath.Join(t.TempDir(), "sim.yaml")
	require.NoError(t, os.WriteFile(inv, []byte(`
inventories:
  lab:
    region: lab-1
    resources:
      machines:
        - id: vm-1
          name: web
          state: running
`), 0o600))

	t.Setenv("CLOUDSYNC_GRPC_ADDR", "127.0.0.1:0")
	t.Setenv("CLOUDSYNC_HTTP_ADDR", "127.0.0.1:0")
	t.Setenv("CLOUDSYNC_METRICS_ADDR", "127.0.0.1:0")
	t.Setenv("CLOUDSYNC_DB_PATH", "memory")
	t.Setenv("CLOUDSYNC_SIM_INVENTORY", inv)
	cfg, err := config.Load("")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, cfg) }()

	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("run did not return after cancel")
	}
}
