package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/devghori1264/aerophoenix/cloudsync/internal/models"
	"github.com/devghori1264/aerophoenix/cloudsync/internal/provider"
	"github.com/devghori1264/aerophoenix/cloudsync/internal/storage"
)

// Strategy is the per-kind part of a reconciliation pass.
type Strategy interface {
	Kind() models.Kind
	// Fetch lists every item of the kind.
	Fetch(ctx context.Context, conn provider.Connection) ([]provider.Item, error)
	// FetchContent lists the children of one item. Kinds without content
	// return nil.
	FetchContent(ctx context.Context, conn provider.Connection, item provider.Item) ([]provider.ContentItem, error)
	// AppendContent replaces the record's content with what FetchContent
	// returned.
	AppendContent(rec *models.Resource, content []provider.ContentItem)
	// Parse copies the normalized kind specific fields of item into rec.
	Parse(rec *models.Resource, item provider.Item)
	// PostParse applies provider family adjustments. It must leave rec
	// untouched when it returns an error.
	PostParse(ctx context.Context, pass *Pass, rec *models.Resource, item provider.Item) error
}

// StrategiesFor returns the strategies of every kind the family can list.
func StrategiesFor(f provider.Family) map[models.Kind]Strategy {
	out := make(map[models.Kind]Strategy, len(f.Kinds()))
	for _, k := range f.Kinds() {
		switch k {
		case models.KindMachines:
			out[k] = machines{family: f}
		case models.KindVolumes:
			out[k] = volumes{family: f}
		case models.KindNetworks:
			out[k] = networks{family: f}
		case models.KindZones:
			out[k] = zones{}
		case models.KindObjectStorage:
			out[k] = objectStorage{}
		case models.KindLocations, models.KindSizes, models.KindImages:
			out[k] = catalog{kind: k}
		}
	}
	return out
}

// base supplies no-op content handling and hooks.
type base struct{}

func (base) FetchContent(context.Context, provider.Connection, provider.Item) ([]provider.ContentItem, error) {
	return nil, nil
}

func (base) AppendContent(*models.Resource, []provider.ContentItem) {}

func (base) Parse(*models.Resource, provider.Item) {}

func (base) PostParse(context.Context, *Pass, *models.Resource, provider.Item) error { return nil }

func unsupported(conn provider.Connection, kind models.Kind) error {
	return fmt.Errorf("%w: %T cannot list %s", provider.ErrUnsupported, conn, kind)
}

// catalog covers the slow kinds: locations, sizes and images.
type catalog struct {
	base
	kind models.Kind
}

func (c catalog) Kind() models.Kind { return c.kind }

func (c catalog) Fetch(ctx context.Context, conn provider.Connection) ([]provider.Item, error) {
	switch c.kind {
	case models.KindLocations:
		if l, ok := conn.(provider.LocationLister); ok {
			return l.ListLocations(ctx)
		}
	case models.KindSizes:
		if l, ok := conn.(provider.SizeLister); ok {
			return l.ListSizes(ctx)
		}
	case models.KindImages:
		if l, ok := conn.(provider.ImageLister); ok {
			return l.ListImages(ctx)
		}
	}
	return nil, unsupported(conn, c.kind)
}

// Pass is what hooks may look at while a pass runs: the cloud, the pass
// timestamp and the present records of the cloud.
type Pass struct {
	Cloud *models.Cloud
	Kind  models.Kind
	Now   time.Time
	Log   *zap.Logger

	store  storage.Resources
	byName map[models.Kind]map[string]*models.Resource
}

// Find returns the present record of kind matching identity.
func (p *Pass) Find(ctx context.Context, kind models.Kind, identity string) (*models.Resource, error) {
	r, err := p.store.FindResource(ctx, p.Cloud.ID, kind, identity)
	if err != nil {
		return nil, err
	}
	if r.Missing() {
		return nil, storage.ErrNotFound
	}
	return r, nil
}

// FindByName returns the present record of kind with the given name. The
// first call per kind loads the whole kind.
func (p *Pass) FindByName(ctx context.Context, kind models.Kind, name string) (*models.Resource, error) {
	if p.byName == nil {
		p.byName = map[models.Kind]map[string]*models.Resource{}
	}
	idx, ok := p.byName[kind]
	if !ok {
		rs, err := p.store.ListResources(ctx, p.Cloud.ID, kind, false)
		if err != nil {
			return nil, err
		}
		idx = make(map[string]*models.Resource, len(rs))
		for _, r := range rs {
			if _, dup := idx[r.Name]; !dup {
				idx[r.Name] = r
			}
		}
		p.byName[kind] = idx
	}
	r, ok := idx[name]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return r, nil
}

// resolveLocation maps a provider location id to the location record id, or
// returns it unchanged when no such record is known.
func (p *Pass) resolveLocation(ctx context.Context, external string) (string, error) {
	if external == "" {
		return "", nil
	}
	loc, err := p.Find(ctx, models.KindLocations, external)
	switch {
	case err == nil:
		return loc.ID, nil
	case errors.Is(err, storage.ErrNotFound):
		return external, nil
	}
	return "", err
}
