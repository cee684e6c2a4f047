// Package ownership maintains the index answering "which resources may this
// owner see". Reconciliation adds newly discovered records to it before they
// are returned, so permission filtered listings never miss them.
package ownership

import (
	"context"
	"fmt"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/devghori1264/aerophoenix/cloudsync/internal/models"
	"github.com/devghori1264/aerophoenix/cloudsync/internal/storage"
)

type Mapper struct {
	store storage.Ownership
	log   *zap.Logger
}

func NewMapper(store storage.Ownership, log *zap.Logger) *Mapper {
	if log == nil {
		log = zap.NewNop()
	}
	return &Mapper{store: store, log: log}
}

// Update makes records visible to their owner. Safe to call concurrently for
// records of different clouds.
func (m *Mapper) Update(ctx context.Context, records []*models.Resource) error {
	byOwner := lo.GroupBy(records, func(r *models.Resource) string { return r.OwnerID })
	for owner, rs := range byOwner {
		if owner == "" {
			continue
		}
		if err := m.store.PutOwnership(ctx, owner, rs); err != nil {
			return fmt.Errorf("update ownership of %s: %w", owner, err)
		}
		m.log.Debug("ownership updated", zap.String("owner", owner), zap.Int("records", len(rs)))
	}
	return nil
}

// Remove drops records from an owner's index.
func (m *Mapper) Remove(ctx context.Context, ownerID string, kind models.Kind, ids []string) error {
	return m.store.DeleteOwnership(ctx, ownerID, kind, ids)
}

// Visible returns id -> cloud id of every record of kind the owner may see.
func (m *Mapper) Visible(ctx context.Context, ownerID string, kind models.Kind) (map[string]string, error) {
	return m.store.ListOwned(ctx, ownerID, kind)
}

// Filter keeps the records the owner may see.
func (m *Mapper) Filter(ctx context.Context, ownerID string, kind models.Kind, records []*models.Resource) ([]*models.Resource, error) {
	visible, err := m.Visible(ctx, ownerID, kind)
	if err != nil {
		return nil, err
	}
	return lo.Filter(records, func(r *models.Resource, _ int) bool {
		cloudID, ok := visible[r.ID]
		return ok && cloudID == r.CloudID
	}), nil
}
