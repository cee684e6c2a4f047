// Package events delivers reconciliation results: patches and inventory
// updates pushed to live subscribers, and the per-owner observation log.
package events

import (
	"context"
	"sync"

	"github.com/devghori1264/aerophoenix/cloudsync/internal/patch"
)

// RoutingInventory carries one message per machine after a machines pass.
const RoutingInventory = "machines_inventory"

// Publisher pushes messages to whoever subscribed for an owner. Delivery is
// best-effort: a lost patch is repaired by the next reconciliation pass.
type Publisher interface {
	// IsAnyoneListening is a cheap check used to skip serializing patches
	// nobody will read.
	IsAnyoneListening(ctx context.Context, ownerID string) bool
	Publish(ctx context.Context, ownerID, routingKey string, payload any) error
}

// PatchMessage is published with routing key patch_<kind>.
type PatchMessage struct {
	CloudID string            `json:"cloud_id"`
	Patch   []patch.Operation `json:"patch"`
}

// InventoryMessage is published with RoutingInventory.
type InventoryMessage struct {
	OwnerID    string `json:"owner"`
	CloudID    string `json:"cloud_id"`
	MachineID  string `json:"machine_id"`
	ExternalID string `json:"external_id"`
	Name       string `json:"name"`
	State      string `json:"state"`
}

// Noop drops everything.
type Noop struct{}

func (Noop) IsAnyoneListening(context.Context, string) bool { return false }

func (Noop) Publish(context.Context, string, string, any) error { return nil }

// Message is one publish captured by Recorder.
type Message struct {
	OwnerID    string
	RoutingKey string
	Payload    any
}

// Recorder keeps published messages in memory.
type Recorder struct {
	mu        sync.Mutex
	listening bool
	messages  []Message
}

func (r *Recorder) IsAnyoneListening(context.Context, string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listening
}

func (r *Recorder) Publish(_ context.Context, ownerID, routingKey string, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, Message{OwnerID: ownerID, RoutingKey: routingKey, Payload: payload})
	return nil
}

// SetListening toggles the answer of IsAnyoneListening.
func (r *Recorder) SetListening(v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listening = v
}

// Messages returns published messages, optionally filtered by routing key.
func (r *Recorder) Messages(routingKey string) []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Message
	for _, m := range r.messages {
		if routingKey == "" || m.RoutingKey == routingKey {
			out = append(out, m)
		}
	}
	return out
}

// Reset drops recorded messages.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = nil
}
