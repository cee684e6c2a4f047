package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/devghori1264/aerophoenix/cloudsync/internal/models"
	"github.com/devghori1264/aerophoenix/cloudsync/internal/patch"
	"github.com/devghori1264/aerophoenix/cloudsync/internal/storage"
)

func machineSnap(id, state string) map[string]any {
	return map[string]any{
		"id":          id,
		"external_id": "ext-" + id,
		"name":        "vm-" + id,
		"machine":     map[string]any{"state": state},
	}
}

func volumeSnap(id string, attached ...string) map[string]any {
	list := make([]any, 0, len(attached))
	for _, a := range attached {
		list = append(list, a)
	}
	return map[string]any{
		"id":     id,
		"volume": map[string]any{"attached_to": list},
	}
}

func actions(obs []models.Observation) []string {
	out := make([]string, 0, len(obs))
	for _, o := range obs {
		out = append(out, o.Action)
	}
	return out
}

func TestDeriveMachineEvents(t *testing.T) {
	before := map[string]any{
		"m1-a": machineSnap("m1", "running"),
		"m2-b": machineSnap("m2", "running"),
		"m3-c": machineSnap("m3", "terminated"),
		"m4-d": machineSnap("m4", "running"),
	}
	after := map[string]any{
		"m1-a": machineSnap("m1", "stopped"),
		"m4-d": machineSnap("m4", "running"),
		"m5-e": machineSnap("m5", "pending"),
	}
	got := Derive(models.KindMachines, patch.Diff(before, after), before, after)
	assert.Equal(t, []string{
		"stop_machine",
		"delete_machine", "destroy_machine",
		"delete_machine",
		"create_machine",
	}, actions(got))
	assert.Equal(t, "m1", got[0].ResourceID)
	assert.Equal(t, "ext-m5", got[4].ExternalID)
}

func TestDeriveVolumeEvents(t *testing.T) {
	before := map[string]any{"v1-x": volumeSnap("v1", "m1", "m2")}
	after := map[string]any{"v1-x": volumeSnap("v1", "m2", "m3")}

	got := Derive(models.KindVolumes, patch.Diff(before, after), before, after)
	require.Len(t, got, 2)
	assert.Equal(t, models.Observation{Action: "attach_volume", ResourceID: "v1", MachineID: "m3"}, got[0])
	assert.Equal(t, models.Observation{Action: "detach_volume", ResourceID: "v1", MachineID: "m1"}, got[1])
}

func TestDeriveIgnoresUntouchedKeys(t *testing.T) {
	snap := map[string]any{"n1-x": map[string]any{"id": "n1"}}
	assert.Empty(t, Derive(models.KindNetworks, nil, snap, map[string]any{}))
}

func TestObservationLogAppend(t *testing.T) {
	store, err := storage.NewBadgerStore("")
	require.NoError(t, err)
	defer store.Close()
	clk := testingclock.NewFakeClock(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
	ol := NewObservationLog(store, clk, zaptest.NewLogger(t))
	ctx := context.Background()

	cloud := &models.Cloud{ID: "c1", OwnerID: "o1"}
	before := map[string]any{}
	after := map[string]any{"z1-example.com": map[string]any{"id": "z1", "name": "example.com"}}
	e, err := ol.Append(ctx, cloud, models.KindZones, patch.Diff(before, after), before, after)
	require.NoError(t, err)
	assert.NotEmpty(t, e.ID)
	assert.Equal(t, []string{"create_zone"}, actions(e.Events))

	list, err := ol.List(ctx, "o1", 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "c1", list[0].CloudID)
	assert.True(t, list[0].CreatedAt.Equal(clk.Now()))
	require.Len(t, list[0].Patch, 1)
	assert.Equal(t, patch.OpAdd, list[0].Patch[0].Op)
}

func TestPresenceExpires(t *testing.T) {
	clk := testingclock.NewFakeClock(time.Now())
	p := &NATSPublisher{ttl: time.Minute, clock: clk, presence: map[string]time.Time{}}
	ctx := context.Background()

	assert.False(t, p.IsAnyoneListening(ctx, "o1"))
	p.markPresent("o1")
	assert.True(t, p.IsAnyoneListening(ctx, "o1"))
	assert.False(t, p.IsAnyoneListening(ctx, "o2"))

	clk.Step(2 * time.Minute)
	assert.False(t, p.IsAnyoneListening(ctx, "o1"))

	assert.Error(t, p.Publish(ctx, "o1", "patch_machines", PatchMessage{}))
}

func TestOwnerIDsMustBeSubjectTokens(t *testing.T) {
	p := &NATSPublisher{ttl: time.Minute, clock: testingclock.NewFakeClock(time.Now()), log: zap.NewNop(), presence: map[string]time.Time{}}
	ctx := context.Background()

	for _, owner := range []string{"a.b", "a*", "a>", "a b", ""} {
		p.markPresent(owner)
		assert.False(t, p.IsAnyoneListening(ctx, owner), owner)
		assert.ErrorContains(t, p.Publish(ctx, owner, "patch_machines", PatchMessage{}), "invalid owner", owner)
	}
	assert.Empty(t, p.presence)
}

func TestSubjects(t *testing.T) {
	assert.Equal(t, "cloudsync.o1.patch_machines", Subject("o1", "patch_machines"))
	assert.Equal(t, "cloudsync.o1.>", OwnerSubjects("o1"))
	assert.Equal(t, "cloudsync.presence.o1", PresenceSubject("o1"))
}

func TestRecorder(t *testing.T) {
	var r Recorder
	ctx := context.Background()
	assert.False(t, r.IsAnyoneListening(ctx, "o1"))
	r.SetListening(true)
	assert.True(t, r.IsAnyoneListening(ctx, "o1"))

	require.NoError(t, r.Publish(ctx, "o1", "patch_zones", 1))
	require.NoError(t, r.Publish(ctx, "o1", RoutingInventory, 2))
	assert.Len(t, r.Messages(""), 2)
	assert.Len(t, r.Messages("patch_zones"), 1)
	r.Reset()
	assert.Empty(t, r.Messages(""))
}
