package events

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/devghori1264/aerophoenix/cloudsync/internal/models"
	"github.com/devghori1264/aerophoenix/cloudsync/internal/patch"
	"github.com/devghori1264/aerophoenix/cloudsync/internal/storage"
)

// ObservationLog appends reconciliation diffs, with the actions they imply,
// to the owner's log.
type ObservationLog struct {
	store storage.Observations
	clock clock.PassiveClock
	log   *zap.Logger
}

func NewObservationLog(store storage.Observations, clk clock.PassiveClock, log *zap.Logger) *ObservationLog {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &ObservationLog{store: store, clock: clk, log: log}
}

// Append writes one entry for a non-empty patch between two snapshots.
func (o *ObservationLog) Append(ctx context.Context, cloud *models.Cloud, kind models.Kind, ops []patch.Operation, before, after map[string]any) (*models.ObservationEntry, error) {
	e := &models.ObservationEntry{
		ID:        uuid.NewString(),
		OwnerID:   cloud.OwnerID,
		CloudID:   cloud.ID,
		Kind:      kind,
		Patch:     ops,
		Before:    before,
		After:     after,
		Events:    Derive(kind, ops, before, after),
		CreatedAt: o.clock.Now(),
	}
	if err := o.store.AppendObservation(ctx, e); err != nil {
		return nil, fmt.Errorf("append observation: %w", err)
	}
	observationsWritten.WithLabelValues(string(kind)).Inc()
	o.log.Debug("observation logged",
		zap.String("cloud", cloud.ID),
		zap.String("kind", string(kind)),
		zap.Int("ops", len(ops)),
		zap.Int("events", len(e.Events)))
	return e, nil
}

// List returns the newest entries of an owner first.
func (o *ObservationLog) List(ctx context.Context, ownerID string, limit int) ([]*models.ObservationEntry, error) {
	return o.store.ListObservations(ctx, ownerID, limit)
}

// Derive turns a patch into the actions it implies. Every snapshot key the
// patch touches is compared before and after: appearing records are
// create_<kind>, disappearing ones delete_<kind>. Machines additionally
// report start, stop and destroy from state changes, and a machine that
// vanishes without having been terminated first is destroyed. Volumes report
// attach and detach per machine.
func Derive(kind models.Kind, ops []patch.Operation, before, after map[string]any) []models.Observation {
	touched := map[string]bool{}
	for _, op := range ops {
		tokens := patch.Tokens(op.Path)
		if len(tokens) > 0 {
			touched[tokens[0]] = true
		}
	}
	keys := make([]string, 0, len(touched))
	for k := range touched {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []models.Observation
	for _, key := range keys {
		b, _ := before[key].(map[string]any)
		a, _ := after[key].(map[string]any)
		switch {
		case b == nil && a != nil:
			out = append(out, observe("create_"+kind.Singular(), a))
		case b != nil && a == nil:
			out = append(out, observe("delete_"+kind.Singular(), b))
			if kind == models.KindMachines && machineState(b) != "terminated" {
				out = append(out, observe("destroy_machine", b))
			}
		case b != nil && a != nil:
			switch kind {
			case models.KindMachines:
				if ev, ok := stateChange(machineState(b), machineState(a)); ok {
					out = append(out, observe(ev, a))
				}
			case models.KindVolumes:
				out = append(out, attachments(b, a)...)
			}
		}
	}
	return out
}

func observe(action string, rec map[string]any) models.Observation {
	o := models.Observation{Action: action}
	o.ResourceID, _ = rec["id"].(string)
	o.ExternalID, _ = rec["external_id"].(string)
	o.Name, _ = rec["name"].(string)
	return o
}

func machineState(rec map[string]any) string {
	m, _ := rec["machine"].(map[string]any)
	s, _ := m["state"].(string)
	return s
}

func stateChange(from, to string) (string, bool) {
	if from == to {
		return "", false
	}
	switch to {
	case "running":
		return "start_machine", true
	case "stopped":
		return "stop_machine", true
	case "terminated":
		return "destroy_machine", true
	}
	return "", false
}

func attachedTo(rec map[string]any) map[string]bool {
	v, _ := rec["volume"].(map[string]any)
	list, _ := v["attached_to"].([]any)
	out := map[string]bool{}
	for _, id := range list {
		if s, ok := id.(string); ok {
			out[s] = true
		}
	}
	return out
}

func attachments(before, after map[string]any) []models.Observation {
	was, now := attachedTo(before), attachedTo(after)
	var out []models.Observation
	for _, id := range sortedSet(now) {
		if !was[id] {
			o := observe("attach_volume", after)
			o.MachineID = id
			out = append(out, o)
		}
	}
	for _, id := range sortedSet(was) {
		if !now[id] {
			o := observe("detach_volume", after)
			o.MachineID = id
			out = append(out, o)
		}
	}
	return out
}

func sortedSet(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
