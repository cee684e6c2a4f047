package reconcile

import (
	"context"
	"sort"
	"strings"

	"github.com/devghori1264/aerophoenix/cloudsync/internal/models"
	"github.com/devghori1264/aerophoenix/cloudsync/internal/provider"
)

// Canonical machine states.
const (
	StateRunning    = "running"
	StatePending    = "pending"
	StateRebooting  = "rebooting"
	StateStopped    = "stopped"
	StateSuspended  = "suspended"
	StateTerminated = "terminated"
	StateError      = "error"
	StateUnknown    = "unknown"
)

var machineStates = map[string]string{
	"running":       StateRunning,
	"active":        StateRunning,
	"up":            StateRunning,
	"pending":       StatePending,
	"starting":      StatePending,
	"building":      StatePending,
	"provisioning":  StatePending,
	"creating":      StatePending,
	"reconfiguring": StatePending,
	"migrating":     StatePending,
	"updating":      StatePending,
	"rebooting":     StateRebooting,
	"stopped":       StateStopped,
	"stopping":      StateStopped,
	"shutoff":       StateStopped,
	"exited":        StateStopped,
	"halted":        StateStopped,
	"deallocated":   StateStopped,
	"suspended":     StateSuspended,
	"paused":        StateSuspended,
	"terminated":    StateTerminated,
	"deleted":       StateTerminated,
	"destroyed":     StateTerminated,
	"error":         StateError,
}

// NormalizeState maps a provider state to a canonical one.
func NormalizeState(s string) string {
	if c, ok := machineStates[strings.ToLower(strings.TrimSpace(s))]; ok {
		return c
	}
	return StateUnknown
}

// machineActions lists what may be done to a machine in a state.
func machineActions(state string) map[string]bool {
	a := map[string]bool{
		"start":   false,
		"stop":    true,
		"reboot":  true,
		"destroy": true,
		"rename":  false,
		"tag":     true,
	}
	switch state {
	case StateRebooting, StatePending:
		a["stop"], a["reboot"] = false, false
	case StateStopped, StateUnknown, StateSuspended:
		a["start"], a["stop"], a["reboot"] = true, false, false
	case StateTerminated:
		a["stop"], a["reboot"], a["destroy"] = false, false, false
	}
	return a
}

func uniqueSorted(ips []string) []string {
	seen := make(map[string]bool, len(ips))
	out := make([]string, 0, len(ips))
	for _, ip := range ips {
		if ip != "" && !seen[ip] {
			seen[ip] = true
			out = append(out, ip)
		}
	}
	sort.Strings(out)
	return out
}

// normalizeTags turns extra.tags into a map and drops keys that cannot be
// stored as field names. Lists of strings become keys with empty values,
// lists of {key, value} objects become key/value pairs.
func normalizeTags(extra map[string]any) {
	raw, ok := extra["tags"]
	if !ok {
		return
	}
	tags := map[string]any{}
	switch t := raw.(type) {
	case []string:
		for _, k := range t {
			tags[k] = ""
		}
	case []any:
		for _, x := range t {
			switch v := x.(type) {
			case string:
				tags[v] = ""
			case map[string]any:
				if k, ok := v["key"].(string); ok {
					tags[k] = v["value"]
				}
			}
		}
	case map[string]any:
		tags = t
	case map[string]string:
		for k, v := range t {
			tags[k] = v
		}
	default:
		return
	}
	for k := range tags {
		if strings.ContainsAny(k, ".$") {
			delete(tags, k)
		}
	}
	extra["tags"] = tags
}

type machines struct {
	base
	family provider.Family
}

func (machines) Kind() models.Kind { return models.KindMachines }

func (machines) Fetch(ctx context.Context, conn provider.Connection) ([]provider.Item, error) {
	l, ok := conn.(provider.MachineLister)
	if !ok {
		return nil, unsupported(conn, models.KindMachines)
	}
	return l.ListMachines(ctx)
}

func (machines) Parse(rec *models.Resource, item provider.Item) {
	state := NormalizeState(item.State)
	public := uniqueSorted(item.PublicIPs)
	private := uniqueSorted(item.PrivateIPs)
	normalizeTags(rec.Extra)

	hostname := extraString(rec.Extra, "dns_name")
	if hostname == "" {
		for _, ip := range append(append([]string{}, public...), private...) {
			if !strings.Contains(ip, ":") {
				hostname = ip
				break
			}
		}
	}

	rec.Machine = &models.MachineAttrs{
		State:      state,
		PublicIPs:  public,
		PrivateIPs: private,
		Hostname:   hostname,
		Location:   item.Location,
		Size:       item.Size,
		Image:      item.Image,
		Actions:    machineActions(state),
	}
	if item.CreatedAt != nil {
		created := item.CreatedAt.UTC()
		rec.Machine.Created = &created
	}
}

func (s machines) PostParse(ctx context.Context, pass *Pass, rec *models.Resource, item provider.Item) error {
	m := *rec.Machine
	switch s.family {
	case provider.FamilyAmazon:
		if m.Size == "" {
			m.Size = extraString(rec.Extra, "instance_type")
		}
		if m.Location == "" {
			m.Location = extraString(rec.Extra, "availability")
		}
	case provider.FamilyGoogle:
		if m.Location == "" {
			m.Location = extraString(rec.Extra, "zone")
		}
		if m.Size == "" {
			m.Size = extraString(rec.Extra, "machineType")
		}
		m.Location = lastSegment(m.Location)
		m.Size = lastSegment(m.Size)
		m.Image = lastSegment(m.Image)
	case provider.FamilyDocker:
		if m.Image == "" {
			m.Image = extraString(rec.Extra, "image")
		}
		// docker reports "Up 3 hours" or "Exited (0) 2 days ago"
		if status := strings.ToLower(extraString(rec.Extra, "status")); item.State == "" && status != "" {
			switch {
			case strings.HasPrefix(status, "up"):
				m.State = StateRunning
			case strings.HasPrefix(status, "exited"), strings.HasPrefix(status, "created"):
				m.State = StateStopped
			}
			m.Actions = machineActions(m.State)
		}
	case provider.FamilyLibvirt:
		if extraString(rec.Extra, "hypervisor") != "" {
			tags, _ := rec.Extra["tags"].(map[string]any)
			if tags == nil {
				tags = map[string]any{}
			}
			if _, set := tags["type"]; !set {
				tags["type"] = "hypervisor"
			}
			rec.Extra["tags"] = tags
		}
	}
	rec.Machine = &m
	return nil
}
