// Package provider defines what the reconciliation engine needs from a cloud
// provider client: a connection exposing list calls per resource kind, and
// the typed failures those calls may return.
package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/devghori1264/aerophoenix/cloudsync/internal/models"
)

var (
	// ErrUnavailable means the provider could not be reached or timed out.
	ErrUnavailable = errors.New("cloud unavailable")
	// ErrUnauthorized means the provider rejected the credentials.
	ErrUnauthorized = errors.New("cloud unauthorized")
	// ErrLocationMismatch is returned by content listing when the item lives
	// in a different region than the one the connection is bound to.
	ErrLocationMismatch = errors.New("location mismatch")
	// ErrUnsupported means the connection has no list call for a kind.
	ErrUnsupported = errors.New("unsupported by provider")
)

// Unavailable wraps err as an ErrUnavailable condition.
func Unavailable(err error) error {
	if err == nil || errors.Is(err, ErrUnavailable) || errors.Is(err, ErrUnauthorized) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// Fatal reports whether err must abort a reconciliation pass.
func Fatal(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, ErrUnauthorized)
}

// Family tags a provider implementation. It selects the per-kind strategies
// and the set of kinds polled for a cloud.
type Family string

const (
	FamilyAmazon       Family = "amazon"
	FamilyGoogle       Family = "google"
	FamilyAzure        Family = "azure"
	FamilyOpenStack    Family = "openstack"
	FamilyDigitalOcean Family = "digitalocean"
	FamilyLinode       Family = "linode"
	FamilyDocker       Family = "docker"
	FamilyLibvirt      Family = "libvirt"
	FamilyOther        Family = "other"
	FamilySim          Family = "sim"
)

var allKinds = models.AllKinds

var familyKinds = map[Family][]models.Kind{
	FamilyAmazon:       allKinds,
	FamilyGoogle:       allKinds,
	FamilyAzure:        {models.KindMachines, models.KindNetworks, models.KindVolumes, models.KindObjectStorage, models.KindLocations, models.KindSizes, models.KindImages},
	FamilyOpenStack:    {models.KindMachines, models.KindNetworks, models.KindVolumes, models.KindObjectStorage, models.KindLocations, models.KindSizes, models.KindImages},
	FamilyDigitalOcean: {models.KindMachines, models.KindVolumes, models.KindZones, models.KindLocations, models.KindSizes, models.KindImages},
	FamilyLinode:       {models.KindMachines, models.KindVolumes, models.KindZones, models.KindLocations, models.KindSizes, models.KindImages},
	FamilyDocker:       {models.KindMachines, models.KindImages},
	FamilyLibvirt:      {models.KindMachines, models.KindNetworks, models.KindImages},
	FamilyOther:        {models.KindMachines},
	FamilySim:          allKinds,
}

// ParseFamily validates a family tag.
func ParseFamily(s string) (Family, error) {
	f := Family(s)
	if _, ok := familyKinds[f]; !ok {
		return "", fmt.Errorf("unknown provider %q", s)
	}
	return f, nil
}

// Kinds lists the resource kinds the family can list.
func (f Family) Kinds() []models.Kind {
	return familyKinds[f]
}

// Supports reports whether the family can list kind.
func (f Family) Supports(kind models.Kind) bool {
	for _, k := range familyKinds[f] {
		if k == kind {
			return true
		}
	}
	return false
}

// Item is one resource as returned by a provider. Extra carries whatever
// provider specific metadata the client exposes and may hold values that do
// not serialize.
type Item struct {
	ID         string
	Name       string
	State      string
	PublicIPs  []string
	PrivateIPs []string
	Location   string
	Size       string
	Image      string
	CreatedAt  *time.Time
	Extra      map[string]any
}

// ContentItem is one object inside an object storage container.
type ContentItem struct {
	Name  string
	Size  int64
	Hash  string
	Extra map[string]any
}

// Connection is an authenticated provider client. The list capabilities are
// optional and discovered with type assertions.
type Connection interface {
	// Ping performs the cheapest authenticated call the provider offers.
	Ping(ctx context.Context) error
	Close() error
}

type MachineLister interface {
	ListMachines(ctx context.Context) ([]Item, error)
}

type NetworkLister interface {
	ListNetworks(ctx context.Context) ([]Item, error)
}

type VolumeLister interface {
	ListVolumes(ctx context.Context) ([]Item, error)
}

type ZoneLister interface {
	ListZones(ctx context.Context) ([]Item, error)
}

type LocationLister interface {
	ListLocations(ctx context.Context) ([]Item, error)
}

type SizeLister interface {
	ListSizes(ctx context.Context) ([]Item, error)
}

type ImageLister interface {
	ListImages(ctx context.Context) ([]Item, error)
}

// ContainerLister lists object storage containers and their objects.
type ContainerLister interface {
	ListContainers(ctx context.Context) ([]Item, error)
	ListContainerObjects(ctx context.Context, container Item, path string) ([]ContentItem, error)
}
