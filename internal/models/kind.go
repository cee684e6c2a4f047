package models

import (
	"fmt"
	"time"
)

// Kind selects a resource collection and the provider call that feeds it.
type Kind string

const (
	KindMachines      Kind = "machines"
	KindNetworks      Kind = "networks"
	KindVolumes       Kind = "volumes"
	KindZones         Kind = "zones"
	KindObjectStorage Kind = "objectstorage"
	KindLocations     Kind = "locations"
	KindSizes         Kind = "sizes"
	KindImages        Kind = "images"
)

// AllKinds lists every kind in polling registration order.
var AllKinds = []Kind{
	KindMachines,
	KindNetworks,
	KindVolumes,
	KindZones,
	KindObjectStorage,
	KindLocations,
	KindSizes,
	KindImages,
}

// ParseKind validates a kind name.
func ParseKind(s string) (Kind, error) {
	for _, k := range AllKinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown resource kind %q", s)
}

// MatchByName reports whether records of this kind are matched to provider
// items by name instead of external id.
func (k Kind) MatchByName() bool {
	return k == KindObjectStorage
}

// Slow reports whether the kind hardly ever changes and is polled daily.
func (k Kind) Slow() bool {
	switch k {
	case KindLocations, KindSizes, KindImages:
		return true
	}
	return false
}

// RoutingKey is the event routing key used when publishing patches.
func (k Kind) RoutingKey() string {
	return "patch_" + string(k)
}

// Singular is used to name observation events (create_machine, delete_volume).
func (k Kind) Singular() string {
	switch k {
	case KindMachines:
		return "machine"
	case KindNetworks:
		return "network"
	case KindVolumes:
		return "volume"
	case KindZones:
		return "zone"
	case KindLocations:
		return "location"
	case KindSizes:
		return "size"
	case KindImages:
		return "image"
	}
	return string(k)
}

const (
	// SlowPollingInterval applies to locations, sizes and images.
	SlowPollingInterval = 24 * time.Hour
	// MinPollingInterval and MaxPollingInterval bound operator-set intervals.
	MinPollingInterval = 10 * time.Minute
	MaxPollingInterval = 12 * time.Hour
)
