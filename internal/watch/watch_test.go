package watch

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/devghori1264/aerophoenix/cloudsync/internal/events"
	"github.com/devghori1264/aerophoenix/cloudsync/internal/models"
	"github.com/devghori1264/aerophoenix/cloudsync/internal/patch"
	"github.com/devghori1264/aerophoenix/cloudsync/internal/reconcile"
)

func machine(id, name, state string) *models.Resource {
	return &models.Resource{
		ID: id, CloudID: "c1", OwnerID: "o1", Kind: models.KindMachines,
		ExternalID: "ext-" + id, Name: name, Extra: map[string]any{},
		FirstSeen: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Machine:   &models.MachineAttrs{State: state, PublicIPs: []string{}, PrivateIPs: []string{}, Actions: map[string]bool{}},
	}
}

func patchMessage(t *testing.T, before, after []*models.Resource) []byte {
	t.Helper()
	ops := patch.Diff(reconcile.Snapshot(models.KindMachines, before), reconcile.Snapshot(models.KindMachines, after))
	data, err := json.Marshal(events.PatchMessage{CloudID: "c1", Patch: ops})
	require.NoError(t, err)
	return data
}

func TestMirrorFollowsPatches(t *testing.T) {
	m := NewMirror()
	w := New(nil, "o1", m)

	v1 := []*models.Resource{machine("a", "web", "running")}
	v2 := []*models.Resource{machine("a", "web", "stopped"), machine("b", "db", "running")}
	v3 := []*models.Resource{machine("b", "db", "running")}

	require.NoError(t, m.Seed("c1", models.KindMachines, v1))

	u := w.Handle(events.Subject("o1", models.KindMachines.RoutingKey()), patchMessage(t, v1, v2))
	require.NoError(t, u.Err)
	assert.Equal(t, "c1", u.CloudID)
	assert.Equal(t, models.KindMachines, u.Kind)
	assert.Len(t, u.Doc, 2)
	ok, err := m.Equal("c1", models.KindMachines, v2)
	require.NoError(t, err)
	assert.True(t, ok)

	u = w.Handle(events.Subject("o1", models.KindMachines.RoutingKey()), patchMessage(t, v2, v3))
	require.NoError(t, u.Err)
	ok, err = m.Equal("c1", models.KindMachines, v3)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMirrorUnseededStartsEmpty(t *testing.T) {
	m := NewMirror()
	w := New(nil, "o1", m)

	after := []*models.Resource{machine("a", "web", "running")}
	u := w.Handle(events.Subject("o1", "patch_machines"), patchMessage(t, nil, after))
	require.NoError(t, u.Err)

	doc, err := m.Get("c1", models.KindMachines)
	require.NoError(t, err)
	assert.Contains(t, doc, "a-ext-a")

	doc, err = m.Get("c1", models.KindVolumes)
	require.NoError(t, err)
	assert.Nil(t, doc)
}

func TestMirrorRejectsPatchThatDoesNotApply(t *testing.T) {
	m := NewMirror()
	_, err := m.Apply("c1", models.KindMachines, []byte(`[{"op":"remove","path":"/missing"}]`))
	assert.Error(t, err)
}

func TestHandleInventoryAndUnknown(t *testing.T) {
	w := New(nil, "o1", NewMirror())

	data, err := json.Marshal(events.InventoryMessage{OwnerID: "o1", CloudID: "c1", MachineID: "a", State: "running"})
	require.NoError(t, err)
	u := w.Handle(events.Subject("o1", events.RoutingInventory), data)
	require.NoError(t, u.Err)
	require.NotNil(t, u.Inventory)
	assert.Equal(t, "running", u.Inventory.State)

	u = w.Handle(events.Subject("o1", "patch_printers"), []byte(`{}`))
	assert.Error(t, u.Err)
}

func TestKindOf(t *testing.T) {
	k, ok := KindOf("patch_volumes")
	assert.True(t, ok)
	assert.Equal(t, models.KindVolumes, k)
	_, ok = KindOf("volumes")
	assert.False(t, ok)
}

type fakeConn struct {
	mu        sync.Mutex
	published []string
	ch        chan *nats.Msg
	subject   string
}

func (c *fakeConn) Publish(subject string, _ []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, subject)
	return nil
}

func (c *fakeConn) ChanSubscribe(subject string, ch chan *nats.Msg) (*nats.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subject = subject
	c.ch = ch
	return &nats.Subscription{}, nil
}

func (c *fakeConn) heartbeats() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.published)
}

func (c *fakeConn) channel() chan *nats.Msg {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ch
}

func TestRunRejectsOwnerSpanningSubjects(t *testing.T) {
	conn := &fakeConn{}
	for _, owner := range []string{"a.b", "a>", ""} {
		err := New(conn, owner, NewMirror()).Run(context.Background(), func(Update) {})
		assert.ErrorContains(t, err, "invalid owner", owner)
	}
	assert.Nil(t, conn.channel())
	assert.Zero(t, conn.heartbeats())
}

func TestRunHeartbeatsAndDelivers(t *testing.T) {
	conn := &fakeConn{}
	clk := testingclock.NewFakeClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	w := New(conn, "o1", NewMirror(), WithClock(clk), WithHeartbeat(30*time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	updates := make(chan Update, 1)
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx, func(u Update) { updates <- u }) }()

	require.Eventually(t, func() bool { return conn.channel() != nil && clk.HasWaiters() }, time.Second, time.Millisecond)
	assert.Equal(t, events.OwnerSubjects("o1"), conn.subject)
	assert.Equal(t, 1, conn.heartbeats())

	clk.Step(30 * time.Second)
	require.Eventually(t, func() bool { return conn.heartbeats() == 2 }, time.Second, time.Millisecond)

	data, err := json.Marshal(events.InventoryMessage{CloudID: "c1", MachineID: "a"})
	require.NoError(t, err)
	conn.channel() <- &nats.Msg{Subject: events.Subject("o1", events.RoutingInventory), Data: data}
	u := <-updates
	assert.Equal(t, "c1", u.CloudID)

	cancel()
	assert.NoError(t, <-done)
}
