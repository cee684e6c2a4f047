package poller

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/devghori1264/aerophoenix/cloudsync/internal/models"
	"github.com/devghori1264/aerophoenix/cloudsync/internal/reconcile"
	"github.com/devghori1264/aerophoenix/cloudsync/internal/storage"
	"github.com/devghori1264/aerophoenix/cloudsync/internal/tasks"
)

type fakeReconciler struct {
	mu    sync.Mutex
	calls map[string]int
	block chan struct{}
	err   error
}

func (f *fakeReconciler) Reconcile(ctx context.Context, cloudID string, kind models.Kind, _ reconcile.RunOptions) ([]*models.Resource, error) {
	f.mu.Lock()
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[tasks.Key(kind, cloudID)]++
	block, err := f.block, f.err
	f.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, err
}

func (f *fakeReconciler) count(cloudID string, kind models.Kind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[tasks.Key(kind, cloudID)]
}

type fixture struct {
	store  *storage.BadgerStore
	clock  *clocktesting.FakeClock
	rec    *fakeReconciler
	poller *Poller
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	s, err := storage.NewBadgerStore("")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	f := &fixture{
		store: s,
		clock: clocktesting.NewFakeClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)),
		rec:   &fakeReconciler{},
	}
	opts = append([]Option{WithClock(f.clock), WithLogger(zaptest.NewLogger(t)), WithDefaultInterval(20 * time.Minute)}, opts...)
	f.poller = New(f.rec, s, opts...)
	return f
}

func (f *fixture) idle() bool {
	f.poller.mu.Lock()
	defer f.poller.mu.Unlock()
	return len(f.poller.inflight) == 0
}

func cloud(id, family string) *models.Cloud {
	return &models.Cloud{ID: id, OwnerID: "o1", Title: id, Provider: family, Enabled: true}
}

func TestScheduleKindsAndIntervals(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c := cloud("c1", "amazon")
	require.NoError(t, f.poller.Schedule(ctx, c))

	got := map[models.Kind]time.Duration{}
	for _, s := range f.poller.Scheduled("c1") {
		got[s.Kind] = s.Interval
		assert.Equal(t, f.clock.Now(), s.Due)
	}
	assert.NotContains(t, got, models.KindZones)
	assert.Equal(t, 20*time.Minute, got[models.KindMachines])
	assert.Equal(t, 24*time.Hour, got[models.KindImages])
	assert.Len(t, got, 7)

	c.DNSEnabled = true
	c.PollingInterval = 900
	require.NoError(t, f.poller.Schedule(ctx, c))
	got = map[models.Kind]time.Duration{}
	for _, s := range f.poller.Scheduled("c1") {
		got[s.Kind] = s.Interval
	}
	assert.Equal(t, 15*time.Minute, got[models.KindZones])
	assert.Equal(t, 15*time.Minute, got[models.KindMachines])
	assert.Equal(t, 24*time.Hour, got[models.KindSizes])

	c.Enabled = false
	require.NoError(t, f.poller.Schedule(ctx, c))
	assert.Empty(t, f.poller.Scheduled("c1"))
}

func TestScheduleUnknownFamily(t *testing.T) {
	f := newFixture(t)
	assert.Error(t, f.poller.Schedule(context.Background(), cloud("c1", "mainframe")))
}

func TestScheduleResumesFromLastRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	last := f.clock.Now().Add(-5 * time.Minute)
	_, err := f.store.UpdateTask(ctx, tasks.Key(models.KindMachines, "c1"), func(ti *models.TaskInfo) error {
		ti.LastSuccess = &last
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, f.poller.Schedule(ctx, cloud("c1", "docker")))
	for _, s := range f.poller.Scheduled("c1") {
		switch s.Kind {
		case models.KindMachines:
			assert.Equal(t, last.Add(20*time.Minute), s.Due)
		case models.KindImages:
			assert.Equal(t, f.clock.Now(), s.Due)
		}
	}
}

func TestTakeDueOrdersAndSkipsInFlight(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.poller.Schedule(ctx, cloud("c1", "docker")))

	due, wait, ok := f.poller.takeDue()
	require.Len(t, due, 2)
	require.True(t, ok)
	assert.Equal(t, 20*time.Minute, wait)

	// nothing finished: the next round finds both still running
	f.clock.Step(20 * time.Minute)
	again, _, _ := f.poller.takeDue()
	assert.Empty(t, again)

	for _, s := range due {
		f.poller.finish(s)
	}
	f.clock.Step(20 * time.Minute)
	again, _, _ = f.poller.takeDue()
	require.Len(t, again, 1)
	assert.Equal(t, models.KindMachines, again[0].kind)
}

func TestRunDispatchesOnSchedule(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, f.poller.Schedule(ctx, cloud("c1", "docker")))

	done := make(chan error)
	go func() { done <- f.poller.Run(ctx) }()

	require.Eventually(t, func() bool {
		return f.rec.count("c1", models.KindMachines) == 1 && f.rec.count("c1", models.KindImages) == 1 && f.idle()
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, f.clock.HasWaiters, 5*time.Second, 10*time.Millisecond)
	f.clock.Step(20 * time.Minute)
	require.Eventually(t, func() bool { return f.rec.count("c1", models.KindMachines) == 2 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, f.rec.count("c1", models.KindImages))

	require.NoError(t, f.poller.Trigger("c1", models.KindImages))
	require.Eventually(t, func() bool { return f.rec.count("c1", models.KindImages) == 2 }, 5*time.Second, 10*time.Millisecond)

	assert.ErrorIs(t, f.poller.Trigger("c1", models.KindZones), ErrNotScheduled)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestUnscheduleWaitsForRunningPasses(t *testing.T) {
	f := newFixture(t)
	f.rec.block = make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, f.poller.Schedule(ctx, cloud("c1", "other")))
	go f.poller.Run(ctx)

	require.Eventually(t, func() bool { return f.rec.count("c1", models.KindMachines) == 1 }, 5*time.Second, 10*time.Millisecond)

	short, stop := context.WithTimeout(ctx, 50*time.Millisecond)
	defer stop()
	assert.ErrorIs(t, f.poller.Unschedule(short, "c1"), context.DeadlineExceeded)
	assert.Empty(t, f.poller.Scheduled("c1"))

	unscheduled := make(chan error)
	go func() { unscheduled <- f.poller.Unschedule(ctx, "c1") }()
	close(f.rec.block)
	select {
	case err := <-unscheduled:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Unschedule did not return")
	}
}

func TestAutodisable(t *testing.T) {
	var disabled []string
	f := newFixture(t, WithAutodisable(DefaultThresholds(), func(_ context.Context, cloudID string) error {
		disabled = append(disabled, cloudID)
		return nil
	}))
	ctx := context.Background()

	_, err := f.store.UpdateTask(ctx, tasks.Key(models.KindMachines, "c1"), func(ti *models.TaskInfo) error {
		ti.FailureCount = 101
		return nil
	})
	require.NoError(t, err)

	f.poller.execute(ctx, &schedule{key: tasks.Key(models.KindMachines, "c1"), cloudID: "c1", kind: models.KindMachines})
	assert.Equal(t, []string{"c1"}, disabled)
	assert.Zero(t, f.rec.count("c1", models.KindMachines))

	// other kinds are not subject to autodisable
	_, err = f.store.UpdateTask(ctx, tasks.Key(models.KindImages, "c1"), func(ti *models.TaskInfo) error {
		ti.FailureCount = 500
		return nil
	})
	require.NoError(t, err)
	f.poller.execute(ctx, &schedule{key: tasks.Key(models.KindImages, "c1"), cloudID: "c1", kind: models.KindImages})
	assert.Equal(t, 1, f.rec.count("c1", models.KindImages))
}

func TestThresholds(t *testing.T) {
	now := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	recent := now.Add(-time.Hour)
	old := now.Add(-72 * time.Hour)
	th := DefaultThresholds()

	tests := []struct {
		name string
		info *models.TaskInfo
		want bool
	}{
		{"nil", nil, false},
		{"never succeeded, few failures", &models.TaskInfo{FailureCount: 100}, false},
		{"never succeeded, many failures", &models.TaskInfo{FailureCount: 101}, true},
		{"recent success", &models.TaskInfo{FailureCount: 80, LastSuccess: &recent}, false},
		{"old success, few failures", &models.TaskInfo{FailureCount: 50, LastSuccess: &old}, false},
		{"old success, many failures", &models.TaskInfo{FailureCount: 51, LastSuccess: &old}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, th.Exceeded(tt.info, now))
		})
	}
}

func TestInactiveCloudIsDropped(t *testing.T) {
	f := newFixture(t)
	f.rec.err = fmt.Errorf("%w: c1", reconcile.ErrCloudDisabled)
	ctx := context.Background()
	require.NoError(t, f.poller.Schedule(ctx, cloud("c1", "docker")))

	f.poller.execute(ctx, &schedule{key: tasks.Key(models.KindMachines, "c1"), cloudID: "c1", kind: models.KindMachines})
	assert.Empty(t, f.poller.Scheduled("c1"))
}

func TestAutodisableWithSingleWorker(t *testing.T) {
	var f *fixture
	result := make(chan error, 1)
	f = newFixture(t, WithWorkers(1), WithAutodisable(DefaultThresholds(), func(ctx context.Context, cloudID string) error {
		wait, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		err := f.poller.Unschedule(wait, cloudID)
		result <- err
		return err
	}))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := f.store.UpdateTask(ctx, tasks.Key(models.KindMachines, "c1"), func(ti *models.TaskInfo) error {
		ti.FailureCount = 101
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, f.poller.Schedule(ctx, cloud("c1", "amazon")))

	done := make(chan error)
	go func() { done <- f.poller.Run(ctx) }()

	select {
	case err := <-result:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("autodisable did not return")
	}
	assert.Empty(t, f.poller.Scheduled("c1"))
	require.Eventually(t, f.idle, 5*time.Second, 10*time.Millisecond)
	assert.Zero(t, f.rec.count("c1", models.KindMachines))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestUnscheduleReleasesQueuedPasses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.poller.Schedule(ctx, cloud("c1", "docker")))

	due, _, _ := f.poller.takeDue()
	require.Len(t, due, 2)

	require.True(t, f.poller.start(due[0]))
	short, stop := context.WithTimeout(ctx, 50*time.Millisecond)
	defer stop()
	assert.ErrorIs(t, f.poller.Unschedule(short, "c1"), context.DeadlineExceeded)

	// the released pass is dropped when a worker gets to it
	f.poller.execute(ctx, due[1])
	assert.Zero(t, f.rec.count("c1", due[1].kind))

	f.poller.finish(due[0])
	assert.NoError(t, f.poller.Unschedule(ctx, "c1"))
	assert.True(t, f.idle())
}
