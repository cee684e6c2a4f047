// Package tasks guards periodic task execution: at most one run per key at a
// time, with start, success and failure bookkeeping persisted in the store.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/devghori1264/aerophoenix/cloudsync/internal/models"
	"github.com/devghori1264/aerophoenix/cloudsync/internal/storage"
)

// ErrAlreadyRunning is returned by Run when another execution of the same
// task is in progress.
var ErrAlreadyRunning = errors.New("task already running")

// DefaultStaleAfter is how long an unfinished attempt blocks new ones. Older
// attempts are assumed to belong to a process that died. A running attempt
// renews its claim three times per period.
const DefaultStaleAfter = 60 * time.Second

var errClaimLost = errors.New("claim lost")

// Key names the reconciliation task of one cloud and kind.
func Key(kind models.Kind, cloudID string) string {
	return fmt.Sprintf("cloud:list_%s:%s", kind, cloudID)
}

type Coordinator struct {
	store      storage.Tasks
	clock      clock.WithTicker
	staleAfter time.Duration
	log        *zap.Logger

	mu      sync.Mutex
	running map[string]bool
}

type Option func(*Coordinator)

func WithClock(c clock.WithTicker) Option {
	return func(co *Coordinator) { co.clock = c }
}

func WithLogger(l *zap.Logger) Option {
	return func(co *Coordinator) {
		if l != nil {
			co.log = l
		}
	}
}

// WithStaleAfter overrides DefaultStaleAfter.
func WithStaleAfter(d time.Duration) Option {
	return func(co *Coordinator) { co.staleAfter = d }
}

func NewCoordinator(store storage.Tasks, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:      store,
		clock:      clock.RealClock{},
		staleAfter: DefaultStaleAfter,
		log:        zap.NewNop(),
		running:    map[string]bool{},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// GetOrAdd loads the task info for key, creating an empty record when the
// task was never seen.
func (c *Coordinator) GetOrAdd(ctx context.Context, key string) (*Handle, error) {
	info, err := c.store.UpdateTask(ctx, key, func(*models.TaskInfo) error { return nil })
	if err != nil {
		return nil, fmt.Errorf("load task %s: %w", key, err)
	}
	return &Handle{c: c, key: key, info: *info}, nil
}

// Delete forgets a task. Used when a cloud is removed.
func (c *Coordinator) Delete(ctx context.Context, key string) error {
	err := c.store.DeleteTask(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	return err
}

// Running reports whether this process is executing key.
func (c *Coordinator) Running(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running[key]
}

func (c *Coordinator) acquire(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running[key] {
		return false
	}
	c.running[key] = true
	return true
}

func (c *Coordinator) release(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.running, key)
}

// Handle is a task loaded by GetOrAdd.
type Handle struct {
	c    *Coordinator
	key  string
	info models.TaskInfo
}

func (h *Handle) Key() string { return h.key }

// Info is the task record as of the last load or run.
func (h *Handle) Info() models.TaskInfo { return h.info }

// FirstRun reports whether the task never succeeded before.
func (h *Handle) FirstRun() bool { return h.info.LastSuccess == nil }

// Run executes fn unless the task is already running. With persist set the
// attempt is also claimed in the store, so other processes sharing it are
// excluded, and the outcome is recorded: success sets last_success and resets
// the failure count, failure sets last_failure and increments it.
func (h *Handle) Run(ctx context.Context, persist bool, fn func(ctx context.Context) error) error {
	c := h.c
	if !c.acquire(h.key) {
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, h.key)
	}
	defer c.release(h.key)

	stopClaim := func() {}
	if persist {
		var claimed time.Time
		info, err := c.store.UpdateTask(ctx, h.key, func(t *models.TaskInfo) error {
			now := c.clock.Now()
			if t.LastAttemptStarted != nil && now.Sub(*t.LastAttemptStarted) < c.staleAfter {
				return fmt.Errorf("%w: %s started at %s", ErrAlreadyRunning, h.key, t.LastAttemptStarted.Format(time.RFC3339))
			}
			if t.LastAttemptStarted != nil {
				c.log.Warn("ignoring stale task attempt", zap.String("task", h.key), zap.Time("started", *t.LastAttemptStarted))
			}
			t.LastAttemptStarted = &now
			claimed = now
			return nil
		})
		if err != nil {
			return err
		}
		h.info = *info
		stopClaim = c.keepClaim(ctx, h.key, claimed)
		defer stopClaim()
	}

	runErr := fn(ctx)
	stopClaim()

	if !persist {
		return runErr
	}
	// record the outcome even if the run context is done
	info, err := c.store.UpdateTask(context.WithoutCancel(ctx), h.key, func(t *models.TaskInfo) error {
		now := c.clock.Now()
		t.LastAttemptStarted = nil
		if runErr == nil {
			t.LastSuccess = &now
			t.FailureCount = 0
		} else {
			t.LastFailure = &now
			t.FailureCount++
		}
		return nil
	})
	if err != nil {
		c.log.Error("failed to record task outcome", zap.String("task", h.key), zap.Error(err))
	} else {
		h.info = *info
	}
	return runErr
}

// keepClaim renews the persisted attempt of key until the returned function
// is called. It gives up when another process took the claim over.
func (c *Coordinator) keepClaim(ctx context.Context, key string, claimed time.Time) func() {
	period := c.staleAfter / 3
	if period <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	ticker := c.clock.NewTicker(period)
	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C():
			}
			now := c.clock.Now()
			_, err := c.store.UpdateTask(ctx, key, func(t *models.TaskInfo) error {
				if t.LastAttemptStarted == nil || !t.LastAttemptStarted.Equal(claimed) {
					return errClaimLost
				}
				t.LastAttemptStarted = &now
				return nil
			})
			switch {
			case err == nil:
				claimed = now
			case errors.Is(err, errClaimLost):
				c.log.Warn("task claim taken over", zap.String("task", key))
				return
			case ctx.Err() != nil:
				return
			default:
				c.log.Warn("failed to renew task claim", zap.String("task", key), zap.Error(err))
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}
