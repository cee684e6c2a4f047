package models

import (
	"regexp"
	"time"
)

var ownerIDPattern = regexp.MustCompile(`^[0-9A-Za-z_-]+$`)

// ValidOwnerID reports whether id can be used as an owner id. Owner ids end up
// in store keys and NATS subject tokens, so they are limited to ASCII
// letters, digits, dashes and underscores.
func ValidOwnerID(id string) bool {
	return ownerIDPattern.MatchString(id)
}

// Cloud is a registered set of provider credentials. It owns every resource
// record discovered through it.
type Cloud struct {
	ID                     string            `json:"id"`
	OwnerID                string            `json:"owner"`
	Title                  string            `json:"title"`
	Provider               string            `json:"provider"`
	Credentials            map[string]string `json:"credentials,omitempty"`
	Enabled                bool              `json:"enabled"`
	DNSEnabled             bool              `json:"dns_enabled"`
	ObservationLogsEnabled bool              `json:"observation_logs_enabled"`
	// PollingInterval is in seconds; zero selects the daemon default.
	PollingInterval int        `json:"polling_interval"`
	CreatedAt       time.Time  `json:"created_at"`
	Deleted         *time.Time `json:"deleted,omitempty"`
}

// Active reports whether the cloud should be polled.
func (c *Cloud) Active() bool {
	return c.Enabled && c.Deleted == nil
}
