package models

import (
	"time"

	"github.com/devghori1264/aerophoenix/cloudsync/internal/patch"
)

// ObservationEntry records one non-empty diff produced by a reconciliation
// pass, together with the actions it implies.
type ObservationEntry struct {
	ID        string            `json:"id"`
	OwnerID   string            `json:"owner"`
	CloudID   string            `json:"cloud"`
	Kind      Kind              `json:"kind"`
	Patch     []patch.Operation `json:"patch"`
	Before    map[string]any    `json:"before"`
	After     map[string]any    `json:"after"`
	Events    []Observation     `json:"events,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Observation is a single action inferred from a patch, such as
// create_machine or detach_volume.
type Observation struct {
	Action     string `json:"action"`
	ResourceID string `json:"resource_id"`
	ExternalID string `json:"external_id,omitempty"`
	Name       string `json:"name,omitempty"`
	MachineID  string `json:"machine_id,omitempty"`
}
