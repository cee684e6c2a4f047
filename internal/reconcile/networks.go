package reconcile

import (
	"context"
	"fmt"

	"github.com/devghori1264/aerophoenix/cloudsync/internal/models"
	"github.com/devghori1264/aerophoenix/cloudsync/internal/provider"
)

type networks struct {
	base
	family provider.Family
}

func (networks) Kind() models.Kind { return models.KindNetworks }

func (networks) Fetch(ctx context.Context, conn provider.Connection) ([]provider.Item, error) {
	l, ok := conn.(provider.NetworkLister)
	if !ok {
		return nil, unsupported(conn, models.KindNetworks)
	}
	return l.ListNetworks(ctx)
}

func (networks) Parse(rec *models.Resource, item provider.Item) {
	rec.Network = &models.NetworkAttrs{
		CIDR:     extraString(rec.Extra, "cidr"),
		Location: item.Location,
	}
}

func (s networks) PostParse(ctx context.Context, pass *Pass, rec *models.Resource, item provider.Item) error {
	n := *rec.Network
	switch s.family {
	case provider.FamilyAmazon:
		if cidr := extraString(rec.Extra, "cidr_block"); cidr != "" {
			n.CIDR = cidr
		}
		n.InstanceTenancy = extraString(rec.Extra, "instance_tenancy")
	case provider.FamilyAzure:
		space, _ := rec.Extra["addressSpace"].(map[string]any)
		prefixes := extraStrings(space, "addressPrefixes")
		if space != nil && len(prefixes) == 0 {
			return fmt.Errorf("network %s has an address space without prefixes", rec.Identity())
		}
		if len(prefixes) > 0 {
			n.CIDR = prefixes[0]
		}
	case provider.FamilyGoogle:
		if cidr := extraString(rec.Extra, "IPv4Range"); cidr != "" {
			n.CIDR = cidr
		}
		n.Location = lastSegment(n.Location)
	}
	rec.Network = &n
	return nil
}
