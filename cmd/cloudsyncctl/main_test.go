package main

import (
	"bytes"
	"encoding/json"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"

	"github.com/devghori1264/aerophoenix/cloudsync/internal/controller"
	"github.com/devghori1264/aerophoenix/cloudsync/internal/models"
	"github.com/devghori1264/aerophoenix/cloudsync/internal/poller"
	"github.com/devghori1264/aerophoenix/cloudsync/internal/provider"
	"github.com/devghori1264/aerophoenix/cloudsync/internal/provider/sim"
	"github.com/devghori1264/aerophoenix/cloudsync/internal/reconcile"
	"github.com/devghori1264/aerophoenix/cloudsync/internal/server"
	"github.com/devghori1264/aerophoenix/cloudsync/internal/storage"
	"github.com/devghori1264/aerophoenix/cloudsync/internal/tasks"
)

func startDaemon(t *testing.T) string {
	t.Helper()
	store, err := storage.NewBadgerStore("")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	log := zaptest.NewLogger(t)

	driver := sim.NewDriver()
	driver.Add("lab", sim.NewCloud(sim.Inventory{
		Region: "lab-1",
		Resources: map[models.Kind][]sim.Resource{
			models.KindMachines: {{ID: "vm-1", Name: "web", State: "running"}},
		},
	}))
	registry := provider.NewRegistry()
	registry.Register(provider.FamilySim, driver.Connect)

	coord := tasks.NewCoordinator(store)
	engine := reconcile.New(store, registry, coord, reconcile.WithLogger(log))
	ctl := controller.New(store, engine, poller.New(engine, store), coord, controller.WithLogger(log))

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	gs := grpc.NewServer()
	server.New(ctl, engine).RegisterGRPC(gs)
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(gs.Stop)
	return lis.Addr().String()
}

func runCtl(t *testing.T, addr string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--addr", addr, "--owner", "o1"}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestCommands(t *testing.T) {
	addr := startDaemon(t)

	out, err := runCtl(t, addr, "ping")
	require.NoError(t, err)
	assert.Contains(t, out, "pong")

	out, err = runCtl(t, addr, "clouds", "add", "lab", "--cred", "token=secret,inventory=lab")
	require.NoError(t, err)
	var added server.CloudResult
	require.NoError(t, json.Unmarshal([]byte(out), &added))
	require.NotNil(t, added.Cloud)
	id := added.Cloud.ID

	out, err = runCtl(t, addr, "reconcile", id, "machines")
	require.NoError(t, err)
	assert.Contains(t, out, "vm-1")

	out, err = runCtl(t, addr, "resources", id, "machines")
	require.NoError(t, err)
	var recs []*models.Resource
	require.NoError(t, json.Unmarshal([]byte(out), &recs))
	assert.Len(t, recs, 1)

	out, err = runCtl(t, addr, "clouds", "interval", id, "1200")
	require.NoError(t, err)
	assert.Contains(t, out, `"polling_interval": 1200`)

	_, err = runCtl(t, addr, "clouds", "dns", id, "maybe")
	assert.Error(t, err)

	out, err = runCtl(t, addr, "clouds", "delete", id, "--expire")
	require.NoError(t, err)
	assert.Contains(t, out, "delete: ok")

	out, err = runCtl(t, addr, "clouds", "list")
	require.NoError(t, err)
	assert.JSONEq(t, "[]", out)
}
