// Package watch follows the patches published for an owner and keeps a local
// copy of every (cloud, kind) snapshot they apply to.
package watch

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonpatch "github.com/evanphx/json-patch/v5"

	"github.com/devghori1264/aerophoenix/cloudsync/internal/models"
	"github.com/devghori1264/aerophoenix/cloudsync/internal/reconcile"
)

type docKey struct {
	cloudID string
	kind    models.Kind
}

// Mirror holds one JSON document per cloud and kind.
type Mirror struct {
	mu   sync.Mutex
	docs map[docKey][]byte
}

func NewMirror() *Mirror {
	return &Mirror{docs: map[docKey][]byte{}}
}

// Seed replaces the document with the snapshot of records.
func (m *Mirror) Seed(cloudID string, kind models.Kind, records []*models.Resource) error {
	doc, err := json.Marshal(reconcile.Snapshot(kind, records))
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[docKey{cloudID, kind}] = doc
	return nil
}

// Apply applies an RFC 6902 patch and returns the resulting document. A
// document that was never seeded starts out empty.
func (m *Mirror) Apply(cloudID string, kind models.Kind, ops []byte) (map[string]any, error) {
	p, err := jsonpatch.DecodePatch(ops)
	if err != nil {
		return nil, fmt.Errorf("decode patch: %w", err)
	}
	k := docKey{cloudID, kind}

	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[k]
	if !ok {
		doc = []byte("{}")
	}
	next, err := p.Apply(doc)
	if err != nil {
		return nil, fmt.Errorf("apply patch to %s/%s: %w", cloudID, kind, err)
	}
	m.docs[k] = next
	return decodeDoc(next)
}

// Get returns the current document, or nil when there is none.
func (m *Mirror) Get(cloudID string, kind models.Kind) (map[string]any, error) {
	m.mu.Lock()
	doc, ok := m.docs[docKey{cloudID, kind}]
	m.mu.Unlock()
	if !ok {
		return nil, nil
	}
	return decodeDoc(doc)
}

// Equal reports whether the document matches the snapshot of records.
func (m *Mirror) Equal(cloudID string, kind models.Kind, records []*models.Resource) (bool, error) {
	want, err := json.Marshal(reconcile.Snapshot(kind, records))
	if err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[docKey{cloudID, kind}]
	if !ok {
		doc = []byte("{}")
	}
	return jsonpatch.Equal(doc, want), nil
}

func decodeDoc(doc []byte) (map[string]any, error) {
	out := map[string]any{}
	if err := json.Unmarshal(doc, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// KindOf returns the kind a patch routing key refers to.
func KindOf(routingKey string) (models.Kind, bool) {
	name, ok := strings.CutPrefix(routingKey, "patch_")
	if !ok {
		return "", false
	}
	kind, err := models.ParseKind(name)
	if err != nil {
		return "", false
	}
	return kind, true
}
