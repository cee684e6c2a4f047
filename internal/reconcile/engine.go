// Package reconcile keeps the stored records of one cloud and resource kind in
// line with what the provider reports.
//
// A pass snapshots the present records, lists the provider, resolves or
// creates one record per provider item, marks the records the provider no
// longer reports as missing, and publishes the JSON patch between the before
// and after snapshots. Provider connectivity and authorization failures abort
// the pass before anything is written; every other problem is confined to
// the item that caused it.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/devghori1264/aerophoenix/cloudsync/internal/events"
	"github.com/devghori1264/aerophoenix/cloudsync/internal/models"
	"github.com/devghori1264/aerophoenix/cloudsync/internal/ownership"
	"github.com/devghori1264/aerophoenix/cloudsync/internal/patch"
	"github.com/devghori1264/aerophoenix/cloudsync/internal/provider"
	"github.com/devghori1264/aerophoenix/cloudsync/internal/storage"
	"github.com/devghori1264/aerophoenix/cloudsync/internal/tasks"
)

const (
	DefaultFetchTimeout   = 60 * time.Second
	DefaultContentTimeout = 10 * time.Second
)

// ErrCloudDisabled is returned when asked to reconcile a disabled or deleted
// cloud.
var ErrCloudDisabled = errors.New("cloud is disabled")

// Store is the part of the store the engine works with.
type Store interface {
	storage.Resources
	GetCloud(ctx context.Context, id string) (*models.Cloud, error)
}

// Connector opens provider connections for a cloud.
type Connector interface {
	Connect(ctx context.Context, cloud *models.Cloud) (provider.Connection, error)
}

// RunOptions tune a single Reconcile call.
type RunOptions struct {
	// Persist records the pass in the task store; unpersisted passes still
	// exclude concurrent passes of this process.
	Persist bool
}

type Engine struct {
	store      Store
	connector  Connector
	tasks      *tasks.Coordinator
	publisher  events.Publisher
	obs        *events.ObservationLog
	owners     *ownership.Mapper
	strategies func(provider.Family) map[models.Kind]Strategy

	clock          clock.PassiveClock
	log            *zap.Logger
	tracer         trace.Tracer
	fetchTimeout   time.Duration
	contentTimeout time.Duration
}

type Option func(*Engine)

func WithPublisher(p events.Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

func WithObservationLog(o *events.ObservationLog) Option {
	return func(e *Engine) { e.obs = o }
}

func WithOwnership(m *ownership.Mapper) Option {
	return func(e *Engine) { e.owners = m }
}

func WithClock(c clock.PassiveClock) Option {
	return func(e *Engine) { e.clock = c }
}

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithTimeouts bounds the provider list call and each content fetch. Zero
// keeps the default.
func WithTimeouts(fetch, content time.Duration) Option {
	return func(e *Engine) {
		if fetch > 0 {
			e.fetchTimeout = fetch
		}
		if content > 0 {
			e.contentTimeout = content
		}
	}
}

// WithStrategies replaces StrategiesFor.
func WithStrategies(fn func(provider.Family) map[models.Kind]Strategy) Option {
	return func(e *Engine) { e.strategies = fn }
}

func New(store Store, connector Connector, coord *tasks.Coordinator, opts ...Option) *Engine {
	e := &Engine{
		store:          store,
		connector:      connector,
		tasks:          coord,
		publisher:      events.Noop{},
		strategies:     StrategiesFor,
		clock:          clock.RealClock{},
		log:            zap.NewNop(),
		tracer:         otel.Tracer("cloudsync/reconcile"),
		fetchTimeout:   DefaultFetchTimeout,
		contentTimeout: DefaultContentTimeout,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Reconcile runs one pass for the cloud and kind under the task guard and
// returns the present records. It fails with tasks.ErrAlreadyRunning when a
// pass for the same cloud and kind is in flight.
func (e *Engine) Reconcile(ctx context.Context, cloudID string, kind models.Kind, opts RunOptions) ([]*models.Resource, error) {
	cloud, err := e.store.GetCloud(ctx, cloudID)
	if err != nil {
		return nil, fmt.Errorf("load cloud %s: %w", cloudID, err)
	}
	if !cloud.Active() {
		return nil, fmt.Errorf("%w: %s", ErrCloudDisabled, cloud.ID)
	}
	strat, ok := e.strategies(provider.Family(cloud.Provider))[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s clouds have no %s", provider.ErrUnsupported, cloud.Provider, kind)
	}

	handle, err := e.tasks.GetOrAdd(ctx, tasks.Key(kind, cloud.ID))
	if err != nil {
		return nil, err
	}
	firstRun := handle.FirstRun()

	ctx, span := e.tracer.Start(ctx, "reconcile."+string(kind), trace.WithAttributes(
		attribute.String("cloud.id", cloud.ID),
		attribute.String("cloud.provider", cloud.Provider),
		attribute.Bool("first_run", firstRun),
	))
	defer span.End()

	start := e.clock.Now()
	var out []*models.Resource
	err = handle.Run(ctx, opts.Persist, func(ctx context.Context) error {
		var err error
		out, err = e.pass(ctx, cloud, strat, firstRun)
		return err
	})
	if errors.Is(err, tasks.ErrAlreadyRunning) {
		span.SetAttributes(attribute.Bool("skipped", true))
		return nil, err
	}

	passDuration.WithLabelValues(string(kind)).Observe(e.clock.Since(start).Seconds())
	if err != nil {
		passesTotal.WithLabelValues(string(kind), "failure").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.log.Warn("reconciliation failed",
			zap.String("cloud", cloud.ID), zap.String("kind", string(kind)), zap.Error(err))
		return nil, err
	}
	passesTotal.WithLabelValues(string(kind), "success").Inc()
	span.SetAttributes(attribute.Int("records", len(out)))
	return out, nil
}

// ListCached returns the stored records without contacting the provider.
// Missing records are included only when includeMissing is set.
func (e *Engine) ListCached(ctx context.Context, cloudID string, kind models.Kind, includeMissing bool) ([]*models.Resource, error) {
	return e.store.ListResources(ctx, cloudID, kind, includeMissing)
}

// CheckConnection connects with the cloud's credentials and performs one
// authenticated call, without listing anything.
func (e *Engine) CheckConnection(ctx context.Context, cloud *models.Cloud) error {
	ctx, cancel := context.WithTimeout(ctx, e.fetchTimeout)
	defer cancel()
	conn, err := e.connector.Connect(ctx, cloud)
	if err != nil {
		return classify(err)
	}
	defer conn.Close()
	if err := conn.Ping(ctx); err != nil {
		return classify(err)
	}
	return nil
}

// classify maps provider call failures onto the pass-aborting conditions.
func classify(err error) error {
	switch {
	case errors.Is(err, provider.ErrUnauthorized),
		errors.Is(err, provider.ErrUnavailable),
		errors.Is(err, provider.ErrUnsupported),
		errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: timed out: %v", provider.ErrUnavailable, err)
	}
	return provider.Unavailable(err)
}

func (e *Engine) pass(ctx context.Context, cloud *models.Cloud, strat Strategy, firstRun bool) ([]*models.Resource, error) {
	kind := strat.Kind()
	log := e.log.With(zap.String("cloud", cloud.ID), zap.String("kind", string(kind)))
	now := e.clock.Now().UTC()

	cached, err := e.store.ListResources(ctx, cloud.ID, kind, false)
	if err != nil {
		return nil, fmt.Errorf("list cached %s: %w", kind, err)
	}
	before := Snapshot(kind, cached)

	connectCtx, cancel := context.WithTimeout(ctx, e.fetchTimeout)
	conn, err := e.connector.Connect(connectCtx, cloud)
	cancel()
	if err != nil {
		return nil, classify(err)
	}
	defer conn.Close()

	fetchCtx, cancel := context.WithTimeout(ctx, e.fetchTimeout)
	items, err := strat.Fetch(fetchCtx, conn)
	cancel()
	if err != nil {
		return nil, classify(err)
	}

	// Every provider call of the pass happens before the first write, so an
	// aborted pass leaves the store as it was.
	batch, err := e.stage(ctx, log, cloud, strat, conn, items, now)
	if err != nil {
		return nil, err
	}

	var (
		results []*models.Resource
		created []*models.Resource
		keep    = map[string]bool{}
	)
	for _, st := range batch {
		rec := st.rec
		if err := e.store.UpsertResource(ctx, rec); err != nil {
			if errors.Is(err, storage.ErrAlreadyExists) || errors.Is(err, storage.ErrInvalid) {
				itemsSkipped.WithLabelValues(string(kind), "conflict").Inc()
				log.Warn("skipping item that cannot be stored", zap.String("identity", st.identity), zap.Error(err))
				if !st.isNew {
					keep[rec.ID] = true
				}
				continue
			}
			return nil, fmt.Errorf("store %s %s: %w", kind.Singular(), st.identity, err)
		}
		keep[rec.ID] = true
		results = append(results, rec)
		if st.isNew {
			created = append(created, rec)
		}
	}

	n, err := e.store.MarkMissing(ctx, cloud.ID, kind, keep, now)
	if err != nil {
		return nil, fmt.Errorf("mark missing %s: %w", kind, err)
	}
	if n > 0 {
		markedMissing.WithLabelValues(string(kind)).Add(float64(n))
		log.Info("resources missing", zap.Int("count", n))
	}

	// Every record of the pass is indexed so that an index update that failed
	// last time is repaired now.
	if e.owners != nil {
		if err := e.owners.Update(ctx, results); err != nil {
			return nil, err
		}
	}

	final, err := e.store.ListResources(ctx, cloud.ID, kind, false)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", kind, err)
	}
	after := Snapshot(kind, final)
	e.emit(ctx, log, cloud, kind, before, after, firstRun)
	if kind == models.KindMachines {
		e.pushInventory(ctx, log, cloud, results)
	}

	log.Debug("reconciliation pass done",
		zap.Int("items", len(items)),
		zap.Int("records", len(results)),
		zap.Int("created", len(created)),
		zap.Int("missing", n))
	return results, nil
}

type staged struct {
	rec      *models.Resource
	identity string
	isNew    bool
}

// stage resolves a record for every provider item and fills it in, content
// included, without writing anything.
func (e *Engine) stage(ctx context.Context, log *zap.Logger, cloud *models.Cloud, strat Strategy, conn provider.Connection, items []provider.Item, now time.Time) ([]staged, error) {
	kind := strat.Kind()
	pass := &Pass{Cloud: cloud, Kind: kind, Now: now, Log: log, store: e.store}
	seen := map[string]bool{}
	out := make([]staged, 0, len(items))
	for _, item := range items {
		identity := item.ID
		if kind.MatchByName() {
			identity = item.Name
		}
		if identity == "" {
			itemsSkipped.WithLabelValues(string(kind), "no_identity").Inc()
			log.Debug("skipping provider item without identity", zap.String("name", item.Name))
			continue
		}
		if seen[identity] {
			itemsSkipped.WithLabelValues(string(kind), "duplicate").Inc()
			log.Debug("provider returned item twice", zap.String("identity", identity))
			continue
		}
		seen[identity] = true

		rec, isNew, err := e.resolve(ctx, cloud, kind, identity, now)
		if err != nil {
			return nil, err
		}

		rec.OwnerID = cloud.OwnerID
		rec.ExternalID = item.ID
		rec.Name = item.Name
		rec.Extra = copyExtra(item.Extra)
		strat.Parse(rec, item)

		contentCtx, cancel := context.WithTimeout(ctx, e.contentTimeout)
		content, err := strat.FetchContent(contentCtx, conn, item)
		cancel()
		switch {
		case err == nil:
			strat.AppendContent(rec, content)
		case errors.Is(err, provider.ErrLocationMismatch):
			itemsSkipped.WithLabelValues(string(kind), "location_mismatch").Inc()
			log.Debug("skipping item in another location", zap.String("identity", identity), zap.Error(err))
			continue
		case provider.Fatal(err), errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
			return nil, classify(err)
		default:
			log.Warn("content listing failed, keeping previous content", zap.String("identity", identity), zap.Error(err))
		}

		if err := strat.PostParse(ctx, pass, rec, item); err != nil {
			hookErrors.WithLabelValues(string(kind)).Inc()
			log.Warn("post-parse hook failed", zap.String("identity", identity), zap.Error(err))
		}

		e.coerce(log, rec)
		rec.MissingSince = nil
		seenAt := now
		rec.LastSeen = &seenAt
		out = append(out, staged{rec: rec, identity: identity, isNew: isNew})
	}
	return out, nil
}

func (e *Engine) resolve(ctx context.Context, cloud *models.Cloud, kind models.Kind, identity string, now time.Time) (*models.Resource, bool, error) {
	rec, err := e.store.FindResource(ctx, cloud.ID, kind, identity)
	switch {
	case err == nil:
		return rec, false, nil
	case !errors.Is(err, storage.ErrNotFound):
		return nil, false, fmt.Errorf("find %s %s: %w", kind.Singular(), identity, err)
	}
	return &models.Resource{
		ID:        uuid.NewString(),
		CloudID:   cloud.ID,
		Kind:      kind,
		FirstSeen: now,
	}, true, nil
}

func (e *Engine) coerce(log *zap.Logger, rec *models.Resource) {
	var coerced []string
	rec.Extra, coerced = CoerceExtra(rec.Extra)
	for i := range rec.Content {
		if rec.Content[i].Extra == nil {
			continue
		}
		var more []string
		rec.Content[i].Extra, more = CoerceExtra(rec.Content[i].Extra)
		coerced = append(coerced, more...)
	}
	if len(coerced) > 0 {
		log.Debug("coerced extra values to strings", zap.String("id", rec.ID), zap.Strings("keys", coerced))
	}
}

// emit logs and publishes the patch between two snapshots. Nothing is
// emitted for the first successful pass of a cloud and kind.
func (e *Engine) emit(ctx context.Context, log *zap.Logger, cloud *models.Cloud, kind models.Kind, before, after map[string]any, firstRun bool) {
	if firstRun {
		return
	}
	ops := patch.Diff(before, after)
	if len(ops) == 0 {
		return
	}
	patchOps.WithLabelValues(string(kind)).Add(float64(len(ops)))

	if cloud.ObservationLogsEnabled && e.obs != nil {
		if _, err := e.obs.Append(ctx, cloud, kind, ops, before, after); err != nil {
			log.Warn("failed to log observation", zap.Error(err))
		}
	}
	if e.publisher.IsAnyoneListening(ctx, cloud.OwnerID) {
		msg := events.PatchMessage{CloudID: cloud.ID, Patch: ops}
		if err := e.publisher.Publish(ctx, cloud.OwnerID, kind.RoutingKey(), msg); err != nil {
			log.Warn("failed to publish patch", zap.Error(err))
		}
	}
}

func (e *Engine) pushInventory(ctx context.Context, log *zap.Logger, cloud *models.Cloud, machines []*models.Resource) {
	for _, m := range machines {
		msg := events.InventoryMessage{
			OwnerID:    cloud.OwnerID,
			CloudID:    cloud.ID,
			MachineID:  m.ID,
			ExternalID: m.ExternalID,
			Name:       m.Name,
		}
		if m.Machine != nil {
			msg.State = m.Machine.State
		}
		if err := e.publisher.Publish(ctx, cloud.OwnerID, events.RoutingInventory, msg); err != nil {
			log.Debug("failed to push machine inventory", zap.String("machine", m.ID), zap.Error(err))
			return
		}
	}
}

func copyExtra(extra map[string]any) map[string]any {
	out := make(map[string]any, len(extra))
	for k, v := range extra {
		out[k] = v
	}
	return out
}
