// Package poller runs reconciliation passes periodically for every enabled
// cloud. Each (cloud, kind) pair has its own schedule; slow kinds are polled
// daily and the rest at the cloud's polling interval.
package poller

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/emirpasic/gods/v2/trees/redblacktree"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"k8s.io/utils/clock"

	"github.com/devghori1264/aerophoenix/cloudsync/internal/models"
	"github.com/devghori1264/aerophoenix/cloudsync/internal/provider"
	"github.com/devghori1264/aerophoenix/cloudsync/internal/reconcile"
	"github.com/devghori1264/aerophoenix/cloudsync/internal/storage"
	"github.com/devghori1264/aerophoenix/cloudsync/internal/tasks"
)

const (
	DefaultInterval = 30 * time.Minute
	DefaultWorkers  = 4
)

// ErrNotScheduled is returned by Trigger for an unknown cloud and kind.
var ErrNotScheduled = errors.New("not scheduled")

// Reconciler runs one pass.
type Reconciler interface {
	Reconcile(ctx context.Context, cloudID string, kind models.Kind, opts reconcile.RunOptions) ([]*models.Resource, error)
}

// TaskReader reads persisted task bookkeeping.
type TaskReader interface {
	GetTask(ctx context.Context, key string) (*models.TaskInfo, error)
}

// Thresholds decide when a cloud whose machines keep failing is disabled.
type Thresholds struct {
	// FailuresSinceSuccess applies when the last success is older than
	// StaleSuccess.
	FailuresSinceSuccess int
	StaleSuccess         time.Duration
	// FailuresWithoutSuccess applies when the task never succeeded.
	FailuresWithoutSuccess int
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		FailuresSinceSuccess:   50,
		StaleSuccess:           48 * time.Hour,
		FailuresWithoutSuccess: 100,
	}
}

// Exceeded reports whether info crossed the thresholds at now.
func (t Thresholds) Exceeded(info *models.TaskInfo, now time.Time) bool {
	if info == nil {
		return false
	}
	if info.LastSuccess != nil {
		return info.FailureCount > t.FailuresSinceSuccess && now.Sub(*info.LastSuccess) > t.StaleSuccess
	}
	return info.FailureCount > t.FailuresWithoutSuccess
}

// Scheduled describes one schedule.
type Scheduled struct {
	Kind     models.Kind
	Interval time.Duration
	Due      time.Time
}

type schedule struct {
	key      string
	cloudID  string
	kind     models.Kind
	interval time.Duration
	due      time.Time
	// flight is set on the copies handed to workers.
	flight *flight
}

type slot struct {
	due time.Time
	key string
}

func compareSlots(a, b slot) int {
	if c := a.due.Compare(b.due); c != 0 {
		return c
	}
	return strings.Compare(a.key, b.key)
}

// flight tracks a dispatched pass. A flight no worker has started yet can be
// released by Unschedule; the worker then drops it.
type flight struct {
	key     string
	cloudID string
	done    chan struct{}
	started bool
	closed  bool
}

type Poller struct {
	reconciler Reconciler
	tasks      TaskReader
	clock      clock.Clock
	log        *zap.Logger
	limiter    *rate.Limiter
	workers    int
	interval   time.Duration
	slow       time.Duration
	thresholds Thresholds
	onExceeded func(ctx context.Context, cloudID string) error

	mu       sync.Mutex
	queue    *redblacktree.Tree[slot, *schedule]
	byKey    map[string]*schedule
	inflight map[string]*flight
	wake     chan struct{}
}

type Option func(*Poller)

func WithClock(c clock.Clock) Option {
	return func(p *Poller) { p.clock = c }
}

func WithLogger(l *zap.Logger) Option {
	return func(p *Poller) {
		if l != nil {
			p.log = l
		}
	}
}

// WithWorkers sets how many passes may run at once.
func WithWorkers(n int) Option {
	return func(p *Poller) {
		if n > 0 {
			p.workers = n
		}
	}
}

// WithRate limits how many passes start per second. Zero or less means no
// limit.
func WithRate(perSecond float64, burst int) Option {
	return func(p *Poller) {
		if perSecond > 0 {
			p.limiter = rate.NewLimiter(rate.Limit(perSecond), max(burst, 1))
		}
	}
}

// WithDefaultInterval is the fast kind interval of clouds that do not set
// their own.
func WithDefaultInterval(d time.Duration) Option {
	return func(p *Poller) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithSlowInterval overrides the interval of locations, sizes and images.
func WithSlowInterval(d time.Duration) Option {
	return func(p *Poller) {
		if d > 0 {
			p.slow = d
		}
	}
}

// WithAutodisable calls fn instead of running the machines pass of a cloud
// whose failures crossed t.
func WithAutodisable(t Thresholds, fn func(ctx context.Context, cloudID string) error) Option {
	return func(p *Poller) {
		p.thresholds = t
		p.onExceeded = fn
	}
}

func New(r Reconciler, taskReader TaskReader, opts ...Option) *Poller {
	p := &Poller{
		reconciler: r,
		tasks:      taskReader,
		clock:      clock.RealClock{},
		log:        zap.NewNop(),
		limiter:    rate.NewLimiter(rate.Inf, 1),
		workers:    DefaultWorkers,
		interval:   DefaultInterval,
		slow:       models.SlowPollingInterval,
		thresholds: DefaultThresholds(),
		queue:      redblacktree.NewWith[slot, *schedule](compareSlots),
		byKey:      map[string]*schedule{},
		inflight:   map[string]*flight{},
		wake:       make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Interval returns the polling interval of kind for cloud.
func (p *Poller) Interval(cloud *models.Cloud, kind models.Kind) time.Duration {
	if kind.Slow() {
		return p.slow
	}
	if cloud.PollingInterval > 0 {
		return time.Duration(cloud.PollingInterval) * time.Second
	}
	return p.interval
}

// Schedule brings the schedules of cloud in line with its settings: one per
// kind its family lists, zones only with DNS enabled, none when the cloud is
// inactive. A new schedule is due one interval after the last persisted run,
// or right away.
func (p *Poller) Schedule(ctx context.Context, cloud *models.Cloud) error {
	var kinds []models.Kind
	if cloud.Active() {
		family, err := provider.ParseFamily(cloud.Provider)
		if err != nil {
			return err
		}
		for _, k := range family.Kinds() {
			if k == models.KindZones && !cloud.DNSEnabled {
				continue
			}
			kinds = append(kinds, k)
		}
	}

	wanted := make(map[string]models.Kind, len(kinds))
	for _, k := range kinds {
		wanted[tasks.Key(k, cloud.ID)] = k
	}

	lastRuns := make(map[string]*time.Time, len(wanted))
	for key := range wanted {
		info, err := p.tasks.GetTask(ctx, key)
		switch {
		case err == nil:
			lastRuns[key] = info.LastRun()
		case !errors.Is(err, storage.ErrNotFound):
			return fmt.Errorf("load task %s: %w", key, err)
		}
	}

	now := p.clock.Now()
	p.mu.Lock()
	defer p.mu.Unlock()

	for key, s := range p.byKey {
		if s.cloudID == cloud.ID {
			if _, ok := wanted[key]; !ok {
				p.remove(s)
			}
		}
	}
	for key, kind := range wanted {
		interval := p.Interval(cloud, kind)
		if s, ok := p.byKey[key]; ok {
			if s.interval == interval {
				continue
			}
			p.remove(s)
		}
		due := now
		if last := lastRuns[key]; last != nil && last.Add(interval).After(now) {
			due = last.Add(interval)
		}
		p.put(&schedule{key: key, cloudID: cloud.ID, kind: kind, interval: interval, due: due})
	}
	scheduledGauge.Set(float64(len(p.byKey)))
	p.notify()
	p.log.Debug("cloud scheduled", zap.String("cloud", cloud.ID), zap.Int("kinds", len(wanted)))
	return nil
}

// Unschedule removes every schedule of the cloud, cancels its passes no
// worker has picked up yet and waits for the running ones to finish, or for
// ctx.
func (p *Poller) Unschedule(ctx context.Context, cloudID string) error {
	p.mu.Lock()
	for _, s := range p.byKey {
		if s.cloudID == cloudID {
			p.remove(s)
		}
	}
	var pending []chan struct{}
	for _, f := range p.inflight {
		if f.cloudID != cloudID {
			continue
		}
		if !f.started {
			p.release(f)
			continue
		}
		pending = append(pending, f.done)
	}
	scheduledGauge.Set(float64(len(p.byKey)))
	p.mu.Unlock()

	for _, done := range pending {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Trigger makes the schedule of cloud and kind due now.
func (p *Poller) Trigger(cloudID string, kind models.Kind) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.byKey[tasks.Key(kind, cloudID)]
	if !ok {
		return fmt.Errorf("%w: %s %s", ErrNotScheduled, cloudID, kind)
	}
	p.remove(s)
	s.due = p.clock.Now()
	p.put(s)
	p.notify()
	return nil
}

// Scheduled lists the schedules of a cloud ordered by kind.
func (p *Poller) Scheduled(cloudID string) []Scheduled {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Scheduled
	for _, s := range p.byKey {
		if s.cloudID == cloudID {
			out = append(out, Scheduled{Kind: s.kind, Interval: s.interval, Due: s.due})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out
}

// Run dispatches due passes to the workers until ctx is done, then waits for
// the running passes to return.
func (p *Poller) Run(ctx context.Context) error {
	jobs := make(chan *schedule)
	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for s := range jobs {
				p.execute(ctx, s)
			}
		}()
	}
	defer func() {
		close(jobs)
		wg.Wait()
	}()

	p.log.Info("poller started", zap.Int("workers", p.workers))
	for {
		due, wait, ok := p.takeDue()
		for _, s := range due {
			select {
			case jobs <- s:
			case <-ctx.Done():
				p.finish(s)
			}
		}

		var (
			timer   clock.Timer
			timeout <-chan time.Time
		)
		if ok {
			timer = p.clock.NewTimer(wait)
			timeout = timer.C()
		}
		select {
		case <-ctx.Done():
			p.log.Info("poller stopping")
			return nil
		case <-p.wake:
		case <-timeout:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// takeDue pops the due schedules, puts them back one interval later and
// returns those not already running, along with the time until the next one.
func (p *Poller) takeDue() ([]*schedule, time.Duration, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock.Now()
	var due []*schedule
	for {
		node := p.queue.Left()
		if node == nil {
			return due, 0, false
		}
		if node.Key.due.After(now) {
			return due, node.Key.due.Sub(now), true
		}
		s := node.Value
		p.queue.Remove(node.Key)
		s.due = now.Add(s.interval)
		p.queue.Put(slot{due: s.due, key: s.key}, s)

		if _, running := p.inflight[s.key]; running {
			dispatched.WithLabelValues(string(s.kind), "in_flight").Inc()
			continue
		}
		f := &flight{key: s.key, cloudID: s.cloudID, done: make(chan struct{})}
		p.inflight[s.key] = f
		due = append(due, &schedule{key: s.key, cloudID: s.cloudID, kind: s.kind, interval: s.interval, flight: f})
	}
}

func (p *Poller) execute(ctx context.Context, s *schedule) {
	finished := false
	finish := func() {
		if !finished {
			finished = true
			p.finish(s)
		}
	}
	defer finish()
	log := p.log.With(zap.String("cloud", s.cloudID), zap.String("kind", string(s.kind)))

	if err := p.limiter.Wait(ctx); err != nil {
		return
	}
	if !p.start(s) {
		log.Debug("pass cancelled before it started")
		return
	}

	if s.kind == models.KindMachines && p.onExceeded != nil {
		info, err := p.tasks.GetTask(ctx, s.key)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			log.Warn("cannot read task info", zap.Error(err))
		}
		if err == nil && p.thresholds.Exceeded(info, p.clock.Now()) {
			log.Warn("disabling cloud after repeated failures", zap.Int("failures", info.FailureCount))
			autodisabled.Inc()
			// disabling waits for the passes of the cloud, this one included
			finish()
			if err := p.onExceeded(ctx, s.cloudID); err != nil {
				log.Error("autodisable failed", zap.Error(err))
			}
			return
		}
	}

	_, err := p.reconciler.Reconcile(ctx, s.cloudID, s.kind, reconcile.RunOptions{Persist: true})
	switch {
	case err == nil:
		dispatched.WithLabelValues(string(s.kind), "success").Inc()
	case errors.Is(err, tasks.ErrAlreadyRunning):
		dispatched.WithLabelValues(string(s.kind), "in_flight").Inc()
	case errors.Is(err, reconcile.ErrCloudDisabled), errors.Is(err, storage.ErrNotFound):
		dispatched.WithLabelValues(string(s.kind), "failure").Inc()
		log.Info("dropping schedules of inactive cloud", zap.Error(err))
		p.drop(s.cloudID)
	default:
		dispatched.WithLabelValues(string(s.kind), "failure").Inc()
	}
}

// start marks the flight of s as running. It reports false when Unschedule
// released the flight first.
func (p *Poller) start(s *schedule) bool {
	if s.flight == nil {
		return true
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if s.flight.closed {
		return false
	}
	s.flight.started = true
	return true
}

func (p *Poller) finish(s *schedule) {
	if s.flight == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.release(s.flight)
}

// release expects p.mu held.
func (p *Poller) release(f *flight) {
	if !f.closed {
		f.closed = true
		close(f.done)
	}
	if p.inflight[f.key] == f {
		delete(p.inflight, f.key)
	}
}

func (p *Poller) drop(cloudID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.byKey {
		if s.cloudID == cloudID {
			p.remove(s)
		}
	}
	scheduledGauge.Set(float64(len(p.byKey)))
}

// put and remove expect p.mu held.
func (p *Poller) put(s *schedule) {
	p.byKey[s.key] = s
	p.queue.Put(slot{due: s.due, key: s.key}, s)
}

func (p *Poller) remove(s *schedule) {
	delete(p.byKey, s.key)
	p.queue.Remove(slot{due: s.due, key: s.key})
}

func (p *Poller) notify() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}
