// Package controller implements the cloud lifecycle: adding clouds after a
// connectivity probe, editing and toggling them, and keeping their polling
// schedules in line with their settings.
package controller

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/devghori1264/aerophoenix/cloudsync/internal/models"
	"github.com/devghori1264/aerophoenix/cloudsync/internal/ownership"
	"github.com/devghori1264/aerophoenix/cloudsync/internal/poller"
	"github.com/devghori1264/aerophoenix/cloudsync/internal/provider"
	"github.com/devghori1264/aerophoenix/cloudsync/internal/storage"
	"github.com/devghori1264/aerophoenix/cloudsync/internal/tasks"
)

var (
	ErrBadRequest  = errors.New("bad request")
	ErrCloudExists = errors.New("cloud already exists")
)

var titlePattern = regexp.MustCompile(`^[0-9a-zA-Z]+[0-9a-zA-Z-_ .]*[0-9a-zA-Z]+$`)

// ValidateTitle accepts ASCII letters, digits, dashes, underscores, dots and
// inner spaces.
func ValidateTitle(title string) error {
	if !titlePattern.MatchString(title) {
		return fmt.Errorf("%w: cloud title may only contain ASCII letters, numbers, dashes and dots", ErrBadRequest)
	}
	return nil
}

// ValidatePollingInterval accepts zero (daemon default) or 10 minutes to 12
// hours, in seconds.
func ValidatePollingInterval(seconds int) error {
	if seconds == 0 {
		return nil
	}
	d := time.Duration(seconds) * time.Second
	if d < models.MinPollingInterval || d > models.MaxPollingInterval {
		return fmt.Errorf("%w: interval must be at least 10 mins and at most 12 hours", ErrBadRequest)
	}
	return nil
}

// Store is the part of the store the controller works with.
type Store interface {
	storage.Clouds
	ListResources(ctx context.Context, cloudID string, kind models.Kind, includeMissing bool) ([]*models.Resource, error)
	MarkCloudMissing(ctx context.Context, cloudID string, now time.Time) (int, error)
	DeleteCloudResources(ctx context.Context, cloudID string) error
}

// Prober checks credentials with one authenticated provider call.
type Prober interface {
	CheckConnection(ctx context.Context, cloud *models.Cloud) error
}

// Scheduler keeps polling schedules.
type Scheduler interface {
	Schedule(ctx context.Context, cloud *models.Cloud) error
	Unschedule(ctx context.Context, cloudID string) error
	Trigger(cloudID string, kind models.Kind) error
}

// AddCloudRequest describes a cloud to register.
type AddCloudRequest struct {
	OwnerID         string
	Title           string
	Provider        string
	Credentials     map[string]string
	DNSEnabled      bool
	PollingInterval int
	// SkipFailedProbe saves the cloud even when the connectivity probe fails;
	// the failure is reported in the result.
	SkipFailedProbe bool
}

// UpdateCloudRequest replaces credentials of a cloud. Keys with empty values
// are removed.
type UpdateCloudRequest struct {
	Credentials     map[string]string
	SkipFailedProbe bool
}

// AddCloudResult is returned by Add and Update. Errors lists problems that did
// not prevent the operation.
type AddCloudResult struct {
	Cloud  *models.Cloud
	Errors []string
}

type Controller struct {
	store     Store
	prober    Prober
	scheduler Scheduler
	tasks     *tasks.Coordinator
	owners    *ownership.Mapper
	clock     clock.PassiveClock
	log       *zap.Logger

	// one lifecycle operation per cloud at a time
	opMu sync.Map
}

type Option func(*Controller)

func WithOwnership(m *ownership.Mapper) Option {
	return func(c *Controller) { c.owners = m }
}

func WithClock(clk clock.PassiveClock) Option {
	return func(c *Controller) { c.clock = clk }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.log = l
		}
	}
}

func New(store Store, prober Prober, scheduler Scheduler, coord *tasks.Coordinator, opts ...Option) *Controller {
	c := &Controller{
		store:     store,
		prober:    prober,
		scheduler: scheduler,
		tasks:     coord,
		clock:     clock.RealClock{},
		log:       zap.NewNop(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Controller) lock(cloudID string) func() {
	v, _ := c.opMu.LoadOrStore(cloudID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Get returns a cloud that has not been deleted.
func (c *Controller) Get(ctx context.Context, cloudID string) (*models.Cloud, error) {
	cloud, err := c.store.GetCloud(ctx, cloudID)
	if err != nil {
		return nil, err
	}
	if cloud.Deleted != nil {
		return nil, fmt.Errorf("cloud %s: %w", cloudID, storage.ErrNotFound)
	}
	return cloud, nil
}

// List returns the clouds of an owner that have not been deleted.
func (c *Controller) List(ctx context.Context, ownerID string) ([]*models.Cloud, error) {
	clouds, err := c.store.ListClouds(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	return lo.Filter(clouds, func(cl *models.Cloud, _ int) bool { return cl.Deleted == nil }), nil
}

// Add validates the request, probes the provider, saves the cloud and
// schedules its polling. A failed probe aborts unless SkipFailedProbe is
// set.
func (c *Controller) Add(ctx context.Context, req AddCloudRequest) (*AddCloudResult, error) {
	if req.OwnerID == "" {
		return nil, fmt.Errorf("%w: owner required", ErrBadRequest)
	}
	if !models.ValidOwnerID(req.OwnerID) {
		return nil, fmt.Errorf("%w: owner may only contain ASCII letters, numbers, dashes and underscores", ErrBadRequest)
	}
	if err := ValidateTitle(req.Title); err != nil {
		return nil, err
	}
	if req.Provider == "" {
		return nil, fmt.Errorf("%w: provider required", ErrBadRequest)
	}
	if _, err := provider.ParseFamily(req.Provider); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	if err := ValidatePollingInterval(req.PollingInterval); err != nil {
		return nil, err
	}

	cloud := &models.Cloud{
		ID:                     uuid.NewString(),
		OwnerID:                req.OwnerID,
		Title:                  req.Title,
		Provider:               req.Provider,
		Credentials:            copyCredentials(req.Credentials, nil),
		Enabled:                true,
		DNSEnabled:             req.DNSEnabled,
		ObservationLogsEnabled: true,
		PollingInterval:        req.PollingInterval,
		CreatedAt:              c.clock.Now().UTC(),
	}
	log := c.log.With(zap.String("cloud", cloud.ID), zap.String("provider", cloud.Provider))
	log.Info("adding cloud", zap.String("title", cloud.Title))

	res := &AddCloudResult{Cloud: cloud}
	if err := c.probe(ctx, cloud, req.SkipFailedProbe, res); err != nil {
		log.Warn("will not add cloud, probe failed", zap.Error(err))
		return nil, err
	}
	if err := c.save(ctx, cloud); err != nil {
		return nil, err
	}
	c.schedule(ctx, cloud, res)
	log.Info("cloud added")
	return res, nil
}

// Update replaces credentials after probing them, then polls images right
// away.
func (c *Controller) Update(ctx context.Context, cloudID string, req UpdateCloudRequest) (*AddCloudResult, error) {
	defer c.lock(cloudID)()
	cloud, err := c.Get(ctx, cloudID)
	if err != nil {
		return nil, err
	}
	cloud.Credentials = copyCredentials(cloud.Credentials, req.Credentials)

	res := &AddCloudResult{Cloud: cloud}
	if err := c.probe(ctx, cloud, req.SkipFailedProbe, res); err != nil {
		c.log.Warn("will not update cloud, probe failed", zap.String("cloud", cloudID), zap.Error(err))
		return nil, err
	}
	if err := c.save(ctx, cloud); err != nil {
		return nil, err
	}
	if cloud.Active() {
		if err := c.scheduler.Trigger(cloud.ID, models.KindImages); err != nil && !errors.Is(err, poller.ErrNotScheduled) {
			res.Errors = append(res.Errors, err.Error())
		}
	}
	return res, nil
}

func (c *Controller) Rename(ctx context.Context, cloudID, title string) (*models.Cloud, error) {
	if err := ValidateTitle(title); err != nil {
		return nil, err
	}
	defer c.lock(cloudID)()
	cloud, err := c.Get(ctx, cloudID)
	if err != nil {
		return nil, err
	}
	cloud.Title = title
	if err := c.save(ctx, cloud); err != nil {
		return nil, err
	}
	return cloud, nil
}

func (c *Controller) Enable(ctx context.Context, cloudID string) (*models.Cloud, error) {
	defer c.lock(cloudID)()
	cloud, err := c.Get(ctx, cloudID)
	if err != nil {
		return nil, err
	}
	cloud.Enabled = true
	if err := c.save(ctx, cloud); err != nil {
		return nil, err
	}
	if err := c.scheduler.Schedule(ctx, cloud); err != nil {
		return nil, fmt.Errorf("schedule cloud %s: %w", cloud.ID, err)
	}
	return cloud, nil
}

// Disable stops polling, waits for running passes and marks every record of
// the cloud missing.
func (c *Controller) Disable(ctx context.Context, cloudID string) (*models.Cloud, error) {
	defer c.lock(cloudID)()
	cloud, err := c.Get(ctx, cloudID)
	if err != nil {
		return nil, err
	}
	cloud.Enabled = false
	if err := c.save(ctx, cloud); err != nil {
		return nil, err
	}
	if err := c.retire(ctx, cloud); err != nil {
		return nil, err
	}
	c.log.Info("cloud disabled", zap.String("cloud", cloud.ID))
	return cloud, nil
}

// Delete removes a cloud. With expire the cloud and all its records are
// erased, otherwise the cloud is flagged deleted and its records marked
// missing.
func (c *Controller) Delete(ctx context.Context, cloudID string, expire bool) error {
	defer c.lock(cloudID)()
	cloud, err := c.store.GetCloud(ctx, cloudID)
	if err != nil {
		return err
	}
	if !expire {
		if cloud.Deleted != nil {
			return fmt.Errorf("cloud %s: %w", cloudID, storage.ErrNotFound)
		}
		now := c.clock.Now().UTC()
		cloud.Deleted = &now
		if err := c.save(ctx, cloud); err != nil {
			return err
		}
		if err := c.retire(ctx, cloud); err != nil {
			return err
		}
		c.log.Info("cloud deleted", zap.String("cloud", cloud.ID))
		return nil
	}

	if err := c.scheduler.Unschedule(ctx, cloud.ID); err != nil {
		return fmt.Errorf("unschedule cloud %s: %w", cloud.ID, err)
	}
	for _, kind := range models.AllKinds {
		if c.owners != nil {
			recs, err := c.store.ListResources(ctx, cloud.ID, kind, true)
			if err != nil {
				return err
			}
			ids := lo.Map(recs, func(r *models.Resource, _ int) string { return r.ID })
			if err := c.owners.Remove(ctx, cloud.OwnerID, kind, ids); err != nil {
				return err
			}
		}
		if err := c.tasks.Delete(ctx, tasks.Key(kind, cloud.ID)); err != nil {
			return err
		}
	}
	if err := c.store.DeleteCloudResources(ctx, cloud.ID); err != nil {
		return fmt.Errorf("delete records of cloud %s: %w", cloud.ID, err)
	}
	if err := c.store.DeleteCloud(ctx, cloud.ID); err != nil {
		return err
	}
	c.opMu.Delete(cloudID)
	c.log.Info("cloud expired", zap.String("cloud", cloud.ID))
	return nil
}

// SetPollingInterval sets the fast kind interval in seconds, zero restoring
// the default.
func (c *Controller) SetPollingInterval(ctx context.Context, cloudID string, seconds int) (*models.Cloud, error) {
	if err := ValidatePollingInterval(seconds); err != nil {
		return nil, err
	}
	return c.toggle(ctx, cloudID, true, func(cl *models.Cloud) { cl.PollingInterval = seconds })
}

func (c *Controller) EnableDNS(ctx context.Context, cloudID string) (*models.Cloud, error) {
	return c.toggle(ctx, cloudID, true, func(cl *models.Cloud) { cl.DNSEnabled = true })
}

func (c *Controller) DisableDNS(ctx context.Context, cloudID string) (*models.Cloud, error) {
	return c.toggle(ctx, cloudID, true, func(cl *models.Cloud) { cl.DNSEnabled = false })
}

func (c *Controller) EnableObservationLogs(ctx context.Context, cloudID string) (*models.Cloud, error) {
	return c.toggle(ctx, cloudID, false, func(cl *models.Cloud) { cl.ObservationLogsEnabled = true })
}

func (c *Controller) DisableObservationLogs(ctx context.Context, cloudID string) (*models.Cloud, error) {
	return c.toggle(ctx, cloudID, false, func(cl *models.Cloud) { cl.ObservationLogsEnabled = false })
}

// Autodisable matches the poller callback signature.
func (c *Controller) Autodisable(ctx context.Context, cloudID string) error {
	cloud, err := c.Disable(ctx, cloudID)
	if err != nil {
		return err
	}
	c.log.Warn("cloud has been automatically disabled after multiple failures to connect to it",
		zap.String("cloud", cloud.ID), zap.String("title", cloud.Title), zap.String("owner", cloud.OwnerID))
	return nil
}

func (c *Controller) toggle(ctx context.Context, cloudID string, reschedule bool, fn func(*models.Cloud)) (*models.Cloud, error) {
	defer c.lock(cloudID)()
	cloud, err := c.Get(ctx, cloudID)
	if err != nil {
		return nil, err
	}
	fn(cloud)
	if err := c.save(ctx, cloud); err != nil {
		return nil, err
	}
	if reschedule {
		if err := c.scheduler.Schedule(ctx, cloud); err != nil {
			return nil, fmt.Errorf("schedule cloud %s: %w", cloud.ID, err)
		}
	}
	return cloud, nil
}

func (c *Controller) probe(ctx context.Context, cloud *models.Cloud, tolerate bool, res *AddCloudResult) error {
	err := c.prober.CheckConnection(ctx, cloud)
	if err == nil {
		return nil
	}
	if tolerate && !errors.Is(err, context.Canceled) {
		res.Errors = append(res.Errors, err.Error())
		return nil
	}
	return err
}

func (c *Controller) save(ctx context.Context, cloud *models.Cloud) error {
	err := c.store.SaveCloud(ctx, cloud)
	switch {
	case errors.Is(err, storage.ErrAlreadyExists):
		return fmt.Errorf("%w: %q", ErrCloudExists, cloud.Title)
	case errors.Is(err, storage.ErrInvalid):
		return fmt.Errorf("%w: %v", ErrBadRequest, err)
	case err != nil:
		return fmt.Errorf("save cloud %s: %w", cloud.ID, err)
	}
	return nil
}

func (c *Controller) schedule(ctx context.Context, cloud *models.Cloud, res *AddCloudResult) {
	if err := c.scheduler.Schedule(ctx, cloud); err != nil {
		c.log.Error("cannot schedule cloud", zap.String("cloud", cloud.ID), zap.Error(err))
		res.Errors = append(res.Errors, err.Error())
	}
}

// retire unschedules a cloud, waits for its running passes, and marks its
// records missing.
func (c *Controller) retire(ctx context.Context, cloud *models.Cloud) error {
	if err := c.scheduler.Unschedule(ctx, cloud.ID); err != nil {
		return fmt.Errorf("unschedule cloud %s: %w", cloud.ID, err)
	}
	n, err := c.store.MarkCloudMissing(ctx, cloud.ID, c.clock.Now().UTC())
	if err != nil {
		return fmt.Errorf("mark records of cloud %s missing: %w", cloud.ID, err)
	}
	c.log.Debug("records marked missing", zap.String("cloud", cloud.ID), zap.Int("count", n))
	return nil
}

func copyCredentials(base, changes map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(changes))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range changes {
		if v == "" {
			delete(out, k)
			continue
		}
		out[k] = v
	}
	return out
}
