package reconcile

import (
	"context"
	"strings"

	"github.com/devghori1264/aerophoenix/cloudsync/internal/models"
	"github.com/devghori1264/aerophoenix/cloudsync/internal/provider"
)

type zones struct{ base }

func (zones) Kind() models.Kind { return models.KindZones }

func (zones) Fetch(ctx context.Context, conn provider.Connection) ([]provider.Item, error) {
	l, ok := conn.(provider.ZoneLister)
	if !ok {
		return nil, unsupported(conn, models.KindZones)
	}
	return l.ListZones(ctx)
}

func (zones) Parse(rec *models.Resource, item provider.Item) {
	domain := extraString(rec.Extra, "domain")
	if domain == "" {
		domain = item.Name
	}
	ttl, _ := extraInt(rec.Extra, "ttl")
	rec.Zone = &models.ZoneAttrs{
		Domain: strings.TrimSuffix(domain, "."),
		Type:   extraString(rec.Extra, "type"),
		TTL:    ttl,
	}
}
