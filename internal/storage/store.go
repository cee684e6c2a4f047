package storage

import (
	"context"
	"errors"
	"time"

	"github.com/devghori1264/aerophoenix/cloudsync/internal/models"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrInvalid       = errors.New("invalid record")
)

// Resources persists canonical resource records. Records are unique per
// (cloud, kind, identity) where identity is the external id, or the name for
// kinds matched by name.
type Resources interface {
	UpsertResource(ctx context.Context, r *models.Resource) error
	GetResource(ctx context.Context, cloudID string, kind models.Kind, id string) (*models.Resource, error)
	FindResource(ctx context.Context, cloudID string, kind models.Kind, identity string) (*models.Resource, error)
	ListResources(ctx context.Context, cloudID string, kind models.Kind, includeMissing bool) ([]*models.Resource, error)
	MarkMissing(ctx context.Context, cloudID string, kind models.Kind, keep map[string]bool, now time.Time) (int, error)
	MarkCloudMissing(ctx context.Context, cloudID string, now time.Time) (int, error)
	DeleteCloudResources(ctx context.Context, cloudID string) error
}

// Clouds persists cloud registrations. Titles are unique per owner.
type Clouds interface {
	SaveCloud(ctx context.Context, c *models.Cloud) error
	GetCloud(ctx context.Context, id string) (*models.Cloud, error)
	ListClouds(ctx context.Context, ownerID string) ([]*models.Cloud, error)
	DeleteCloud(ctx context.Context, id string) error
}

// Tasks persists periodic task bookkeeping.
type Tasks interface {
	GetTask(ctx context.Context, key string) (*models.TaskInfo, error)
	UpdateTask(ctx context.Context, key string, fn func(t *models.TaskInfo) error) (*models.TaskInfo, error)
	DeleteTask(ctx context.Context, key string) error
}

// Observations is the append-only observation log.
type Observations interface {
	AppendObservation(ctx context.Context, e *models.ObservationEntry) error
	ListObservations(ctx context.Context, ownerID string, limit int) ([]*models.ObservationEntry, error)
}

// Ownership is the owner -> resource permission index.
type Ownership interface {
	PutOwnership(ctx context.Context, ownerID string, resources []*models.Resource) error
	DeleteOwnership(ctx context.Context, ownerID string, kind models.Kind, ids []string) error
	ListOwned(ctx context.Context, ownerID string, kind models.Kind) (map[string]string, error)
}

// Store interface (kept minimal, allows swapping implementations).
type Store interface {
	Resources
	Clouds
	Tasks
	Observations
	Ownership
	Close() error
}
