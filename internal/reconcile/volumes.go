package reconcile

import (
	"context"
	"errors"
	"sort"
	"strconv"

	"go.uber.org/zap"

	"github.com/devghori1264/aerophoenix/cloudsync/internal/models"
	"github.com/devghori1264/aerophoenix/cloudsync/internal/provider"
	"github.com/devghori1264/aerophoenix/cloudsync/internal/storage"
)

type volumes struct {
	base
	family provider.Family
}

func (volumes) Kind() models.Kind { return models.KindVolumes }

func (volumes) Fetch(ctx context.Context, conn provider.Connection) ([]provider.Item, error) {
	l, ok := conn.(provider.VolumeLister)
	if !ok {
		return nil, unsupported(conn, models.KindVolumes)
	}
	return l.ListVolumes(ctx)
}

func (volumes) Parse(rec *models.Resource, item provider.Item) {
	size, ok := extraInt(rec.Extra, "size")
	if !ok {
		size, _ = strconv.Atoi(item.Size)
	}
	rec.Volume = &models.VolumeAttrs{
		Size:       size,
		Location:   item.Location,
		AttachedTo: []string{},
	}
}

// PostParse resolves the volume's location and the machines it is attached
// to. Each family reports attachments differently: Amazon by instance id,
// Google by instance URLs in users, others by machine ids in node_ids or
// attached_to.
func (s volumes) PostParse(ctx context.Context, pass *Pass, rec *models.Resource, item provider.Item) error {
	v := *rec.Volume

	loc, err := pass.resolveLocation(ctx, v.Location)
	if err != nil {
		return err
	}
	v.Location = loc

	var (
		refs   []string
		byName bool
	)
	switch s.family {
	case provider.FamilyAmazon:
		refs = extraStrings(rec.Extra, "instance_id")
	case provider.FamilyGoogle:
		for _, u := range extraStrings(rec.Extra, "users") {
			refs = append(refs, lastSegment(u))
		}
		byName = true
	default:
		refs = extraStrings(rec.Extra, "node_ids")
		if len(refs) == 0 {
			refs = extraStrings(rec.Extra, "attached_to")
		}
	}

	attached := make([]string, 0, len(refs))
	seen := map[string]bool{}
	for _, ref := range refs {
		var m *models.Resource
		if byName {
			m, err = pass.FindByName(ctx, models.KindMachines, ref)
		} else {
			m, err = pass.Find(ctx, models.KindMachines, ref)
		}
		switch {
		case errors.Is(err, storage.ErrNotFound):
			pass.Log.Debug("volume attached to unknown machine",
				zap.String("volume", rec.Identity()), zap.String("machine", ref))
			continue
		case err != nil:
			return err
		}
		if !seen[m.ID] {
			seen[m.ID] = true
			attached = append(attached, m.ID)
		}
	}
	sort.Strings(attached)
	v.AttachedTo = attached

	rec.Volume = &v
	return nil
}
