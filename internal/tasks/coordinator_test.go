package tasks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/devghori1264/aerophoenix/cloudsync/internal/models"
	"github.com/devghori1264/aerophoenix/cloudsync/internal/storage"
)

func newTestCoordinator(t *testing.T) (*Coordinator, *storage.BadgerStore, *testingclock.FakeClock) {
	t.Helper()
	store, err := storage.NewBadgerStore("")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	clk := testingclock.NewFakeClock(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))
	return NewCoordinator(store, WithClock(clk), WithLogger(zaptest.NewLogger(t))), store, clk
}

func TestKey(t *testing.T) {
	assert.Equal(t, "cloud:list_machines:c1", Key(models.KindMachines, "c1"))
}

func TestRunRecordsOutcome(t *testing.T) {
	c, store, clk := newTestCoordinator(t)
	ctx := context.Background()

	h, err := c.GetOrAdd(ctx, "k")
	require.NoError(t, err)
	assert.True(t, h.FirstRun())

	boom := errors.New("boom")
	err = h.Run(ctx, true, func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
	info := h.Info()
	assert.Nil(t, info.LastSuccess)
	require.NotNil(t, info.LastFailure)
	assert.Equal(t, 1, info.FailureCount)
	assert.Nil(t, info.LastAttemptStarted)
	assert.True(t, h.FirstRun())

	clk.Step(time.Minute)
	require.NoError(t, h.Run(ctx, true, func(context.Context) error { return nil }))
	assert.False(t, h.FirstRun())
	assert.Equal(t, 0, h.Info().FailureCount)

	stored, err := store.GetTask(ctx, "k")
	require.NoError(t, err)
	require.NotNil(t, stored.LastSuccess)
	assert.True(t, stored.LastSuccess.Equal(clk.Now()))

	h2, err := c.GetOrAdd(ctx, "k")
	require.NoError(t, err)
	assert.False(t, h2.FirstRun())
}

func TestRunWithoutPersistLeavesStoreAlone(t *testing.T) {
	c, store, _ := newTestCoordinator(t)
	ctx := context.Background()

	h, err := c.GetOrAdd(ctx, "k")
	require.NoError(t, err)
	require.NoError(t, h.Run(ctx, false, func(context.Context) error { return nil }))

	stored, err := store.GetTask(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, stored.LastSuccess)
	assert.True(t, h.FirstRun())
}

func TestRunRefusesReentry(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	ctx := context.Background()

	h, err := c.GetOrAdd(ctx, "k")
	require.NoError(t, err)

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- h.Run(ctx, true, func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started
	assert.True(t, c.Running("k"))

	other, err := c.GetOrAdd(ctx, "k")
	require.NoError(t, err)
	err = other.Run(ctx, false, func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	close(release)
	require.NoError(t, <-done)
	assert.False(t, c.Running("k"))
}

func TestRunRespectsAttemptsOfOtherProcesses(t *testing.T) {
	c, store, clk := newTestCoordinator(t)
	ctx := context.Background()

	// another process claimed the task and has not finished
	started := clk.Now()
	_, err := store.UpdateTask(ctx, "k", func(ti *models.TaskInfo) error {
		ti.LastAttemptStarted = &started
		return nil
	})
	require.NoError(t, err)

	h, err := c.GetOrAdd(ctx, "k")
	require.NoError(t, err)
	ran := false
	err = h.Run(ctx, true, func(context.Context) error { ran = true; return nil })
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	assert.False(t, ran)

	// once the attempt is stale it no longer blocks
	clk.Step(DefaultStaleAfter + time.Second)
	require.NoError(t, h.Run(ctx, true, func(context.Context) error { ran = true; return nil }))
	assert.True(t, ran)
}

func TestLongRunKeepsItsClaim(t *testing.T) {
	c, store, clk := newTestCoordinator(t)
	ctx := context.Background()
	started := clk.Now()

	h, err := c.GetOrAdd(ctx, "k")
	require.NoError(t, err)
	inside := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- h.Run(ctx, true, func(context.Context) error {
			close(inside)
			<-release
			return nil
		})
	}()
	<-inside

	require.Eventually(t, clk.HasWaiters, time.Second, time.Millisecond)
	clk.Step(25 * time.Second)
	require.Eventually(t, func() bool {
		ti, err := store.GetTask(ctx, "k")
		return err == nil && ti.LastAttemptStarted != nil && ti.LastAttemptStarted.Equal(started.Add(25*time.Second))
	}, time.Second, time.Millisecond)

	// past the stale period of the first claim, another process still sees
	// the attempt as live
	clk.Step(40 * time.Second)
	other := NewCoordinator(store, WithClock(clk))
	oh, err := other.GetOrAdd(ctx, "k")
	require.NoError(t, err)
	ran := false
	err = oh.Run(ctx, true, func(context.Context) error { ran = true; return nil })
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	assert.False(t, ran)

	close(release)
	require.NoError(t, <-done)
	ti, err := store.GetTask(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, ti.LastAttemptStarted)
	assert.NotNil(t, ti.LastSuccess)
}

func TestDelete(t *testing.T) {
	c, store, _ := newTestCoordinator(t)
	ctx := context.Background()

	_, err := c.GetOrAdd(ctx, "k")
	require.NoError(t, err)
	require.NoError(t, c.Delete(ctx, "k"))
	require.NoError(t, c.Delete(ctx, "k"))
	_, err = store.GetTask(ctx, "k")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
