package models

import "time"

// Resource is the canonical record of a provider resource. One type serves
// every kind; the per-kind attribute blocks are only set for their kind.
type Resource struct {
	ID           string         `json:"id"`
	CloudID      string         `json:"cloud"`
	OwnerID      string         `json:"owner"`
	Kind         Kind           `json:"kind"`
	ExternalID   string         `json:"external_id"`
	Name         string         `json:"name"`
	Extra        map[string]any `json:"extra"`
	MissingSince *time.Time     `json:"missing_since"`
	FirstSeen    time.Time      `json:"first_seen"`
	LastSeen     *time.Time     `json:"last_seen,omitempty"`

	Machine *MachineAttrs `json:"machine,omitempty"`
	Volume  *VolumeAttrs  `json:"volume,omitempty"`
	Network *NetworkAttrs `json:"network,omitempty"`
	Zone    *ZoneAttrs    `json:"zone,omitempty"`
	Content []StorageItem `json:"content,omitempty"`
}

// Identity is the provider-side value used to match this record.
func (r *Resource) Identity() string {
	if r.Kind.MatchByName() {
		return r.Name
	}
	return r.ExternalID
}

// Missing reports whether the provider stopped reporting the resource.
func (r *Resource) Missing() bool {
	return r.MissingSince != nil
}

// MachineAttrs holds the normalized compute fields.
type MachineAttrs struct {
	State      string          `json:"state"`
	PublicIPs  []string        `json:"public_ips"`
	PrivateIPs []string        `json:"private_ips"`
	Hostname   string          `json:"hostname"`
	Location   string          `json:"location,omitempty"`
	Size       string          `json:"size,omitempty"`
	Image      string          `json:"image,omitempty"`
	Created    *time.Time      `json:"created,omitempty"`
	Actions    map[string]bool `json:"actions"`
}

// VolumeAttrs holds block storage fields. AttachedTo lists machine record ids.
type VolumeAttrs struct {
	Size       int      `json:"size"`
	Location   string   `json:"location,omitempty"`
	AttachedTo []string `json:"attached_to"`
}

// NetworkAttrs holds network fields.
type NetworkAttrs struct {
	CIDR            string `json:"cidr,omitempty"`
	Location        string `json:"location,omitempty"`
	InstanceTenancy string `json:"instance_tenancy,omitempty"`
}

// ZoneAttrs holds DNS zone fields.
type ZoneAttrs struct {
	Domain string `json:"domain"`
	Type   string `json:"type,omitempty"`
	TTL    int    `json:"ttl,omitempty"`
}

// StorageItem describes one object inside an object storage container.
type StorageItem struct {
	Name  string         `json:"name"`
	Size  int64          `json:"size"`
	Hash  string         `json:"hash,omitempty"`
	Extra map[string]any `json:"extra,omitempty"`
}
