package reconcile

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/devghori1264/aerophoenix/cloudsync/internal/models"
)

// SnapshotKey identifies a record inside a snapshot: "<id>-<external id>",
// or "<id>-<name>" for kinds matched by name.
func SnapshotKey(r *models.Resource) string {
	return r.ID + "-" + r.Identity()
}

// Snapshot renders records as plain JSON values keyed by SnapshotKey.
// last_seen changes on every pass and is left out, and machine ports are
// sorted so that provider ordering does not show up as a change.
func Snapshot(kind models.Kind, records []*models.Resource) map[string]any {
	out := make(map[string]any, len(records))
	for _, r := range records {
		m, err := toPlain(r)
		if err != nil {
			// records are coerced before they are stored, so this only
			// happens for hand-built values
			continue
		}
		delete(m, "last_seen")
		if kind == models.KindMachines {
			sortPorts(m)
		}
		out[SnapshotKey(r)] = m
	}
	return out
}

func toPlain(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func sortPorts(m map[string]any) {
	extra, _ := m["extra"].(map[string]any)
	ports, ok := extra["ports"].([]any)
	if !ok {
		return
	}
	weight := func(p any) float64 {
		pm, _ := p.(map[string]any)
		pub, _ := pm["PublicPort"].(float64)
		priv, _ := pm["PrivatePort"].(float64)
		return pub*100000 + priv
	}
	sort.SliceStable(ports, func(i, j int) bool { return weight(ports[i]) < weight(ports[j]) })
}

// CoerceExtra returns extra with every value converted to what it encodes to
// in JSON. Values that do not encode are replaced by their textual form and
// their keys returned.
func CoerceExtra(extra map[string]any) (map[string]any, []string) {
	out := make(map[string]any, len(extra))
	var coerced []string
	for k, v := range extra {
		data, err := json.Marshal(v)
		if err == nil {
			var plain any
			if err = json.Unmarshal(data, &plain); err == nil {
				out[k] = plain
				continue
			}
		}
		out[k] = fmt.Sprint(v)
		coerced = append(coerced, k)
	}
	sort.Strings(coerced)
	return out, coerced
}

// helpers reading provider extra maps

func extraString(extra map[string]any, key string) string {
	switch v := extra[key].(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func extraInt(extra map[string]any, key string) (int, bool) {
	switch v := extra[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case json.Number:
		n, err := v.Int64()
		return int(n), err == nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		return n, err == nil
	}
	return 0, false
}

func extraStrings(extra map[string]any, key string) []string {
	switch v := extra[key].(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, x := range v {
			if s, ok := x.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		if v != "" {
			return []string{v}
		}
	}
	return nil
}

// lastSegment returns the part after the final "/" of resource URLs such as
// https://www.googleapis.com/compute/v1/projects/p/zones/europe-west1-b.
func lastSegment(s string) string {
	if i := strings.LastIndexByte(s, '/'); i >= 0 {
		return s[i+1:]
	}
	return s
}
