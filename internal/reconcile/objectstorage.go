package reconcile

import (
	"context"

	"github.com/devghori1264/aerophoenix/cloudsync/internal/models"
	"github.com/devghori1264/aerophoenix/cloudsync/internal/provider"
)

// objectStorage lists containers (buckets) and attaches their objects as
// content. Containers have no stable provider id and are matched by name.
type objectStorage struct{ base }

func (objectStorage) Kind() models.Kind { return models.KindObjectStorage }

func (objectStorage) Fetch(ctx context.Context, conn provider.Connection) ([]provider.Item, error) {
	l, ok := conn.(provider.ContainerLister)
	if !ok {
		return nil, unsupported(conn, models.KindObjectStorage)
	}
	return l.ListContainers(ctx)
}

func (objectStorage) FetchContent(ctx context.Context, conn provider.Connection, item provider.Item) ([]provider.ContentItem, error) {
	l, ok := conn.(provider.ContainerLister)
	if !ok {
		return nil, unsupported(conn, models.KindObjectStorage)
	}
	return l.ListContainerObjects(ctx, item, "")
}

func (objectStorage) AppendContent(rec *models.Resource, content []provider.ContentItem) {
	items := make([]models.StorageItem, 0, len(content))
	for _, c := range content {
		items = append(items, models.StorageItem{
			Name:  c.Name,
			Size:  c.Size,
			Hash:  c.Hash,
			Extra: c.Extra,
		})
	}
	rec.Content = items
}
