package ownership

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/devghori1264/aerophoenix/cloudsync/internal/models"
	"github.com/devghori1264/aerophoenix/cloudsync/internal/storage"
)

func rec(id, cloud, owner string) *models.Resource {
	return &models.Resource{ID: id, CloudID: cloud, OwnerID: owner, Kind: models.KindVolumes, ExternalID: "x-" + id}
}

func TestMapper(t *testing.T) {
	store, err := storage.NewBadgerStore("")
	require.NoError(t, err)
	defer store.Close()
	m := NewMapper(store, zaptest.NewLogger(t))
	ctx := context.Background()

	require.NoError(t, m.Update(ctx, []*models.Resource{
		rec("v1", "c1", "o1"),
		rec("v2", "c1", "o1"),
		rec("v3", "c2", "o2"),
	}))

	visible, err := m.Visible(ctx, "o1", models.KindVolumes)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"v1": "c1", "v2": "c1"}, visible)

	all := []*models.Resource{rec("v1", "c1", "o1"), rec("v2", "c1", "o1"), rec("v3", "c2", "o2")}
	mine, err := m.Filter(ctx, "o2", models.KindVolumes, all)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, "v3", mine[0].ID)

	require.NoError(t, m.Remove(ctx, "o1", models.KindVolumes, []string{"v2"}))
	mine, err = m.Filter(ctx, "o1", models.KindVolumes, all)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, "v1", mine[0].ID)
}
