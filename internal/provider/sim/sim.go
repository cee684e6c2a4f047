// Package sim is an in-process provider driver backed by a YAML inventory.
// The daemon uses it for demo clouds; tests use it to script provider
// responses between reconciliation passes.
package sim

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/devghori1264/aerophoenix/cloudsync/internal/models"
	"github.com/devghori1264/aerophoenix/cloudsync/internal/provider"
)

// Object is one entry of a simulated container.
type Object struct {
	Name string `yaml:"name"`
	Size int64  `yaml:"size"`
	Hash string `yaml:"hash"`
}

// Resource is one simulated provider item.
type Resource struct {
	ID         string         `yaml:"id"`
	Name       string         `yaml:"name"`
	State      string         `yaml:"state"`
	PublicIPs  []string       `yaml:"public_ips"`
	PrivateIPs []string       `yaml:"private_ips"`
	Location   string         `yaml:"location"`
	Size       string         `yaml:"size"`
	Image      string         `yaml:"image"`
	Created    *time.Time     `yaml:"created"`
	Extra      map[string]any `yaml:"extra"`
	Objects    []Object       `yaml:"objects"`
}

// Inventory is what one simulated cloud reports.
type Inventory struct {
	// Region binds the connection; containers elsewhere report a location
	// mismatch when their content is listed.
	Region    string                     `yaml:"region"`
	Resources map[models.Kind][]Resource `yaml:"resources"`
}

type inventoryFile struct {
	Inventories map[string]Inventory `yaml:"inventories"`
}

// Cloud is a mutable simulated provider account.
type Cloud struct {
	mu       sync.Mutex
	inv      Inventory
	err      error
	kindErrs map[models.Kind]error
	// contentErrs fail content listings of single containers.
	contentErrs map[string]error
	delay    time.Duration
	calls    map[models.Kind]int
}

func NewCloud(inv Inventory) *Cloud {
	c := &Cloud{kindErrs: map[models.Kind]error{}, contentErrs: map[string]error{}, calls: map[models.Kind]int{}}
	c.Set(inv)
	return c
}

// Set replaces the whole inventory.
func (c *Cloud) Set(inv Inventory) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if inv.Resources == nil {
		inv.Resources = map[models.Kind][]Resource{}
	}
	c.inv = inv
}

// SetKind replaces what the cloud reports for one kind.
func (c *Cloud) SetKind(kind models.Kind, rs ...Resource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inv.Resources[kind] = rs
}

// Fail makes every call return err until cleared with Fail(nil).
func (c *Cloud) Fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

// FailKind makes list calls for one kind return err.
func (c *Cloud) FailKind(kind models.Kind, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		delete(c.kindErrs, kind)
		return
	}
	c.kindErrs[kind] = err
}

// FailContent makes content listings of the named container return err.
func (c *Cloud) FailContent(container string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		delete(c.contentErrs, container)
		return
	}
	c.contentErrs[container] = err
}

// Delay makes every call wait d or until the context is done.
func (c *Cloud) Delay(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.delay = d
}

// Calls returns how many list calls were made for kind.
func (c *Cloud) Calls(kind models.Kind) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[kind]
}

func (c *Cloud) wait(ctx context.Context) error {
	c.mu.Lock()
	d := c.delay
	c.mu.Unlock()
	if d <= 0 {
		return nil
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Cloud) Ping(ctx context.Context) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Cloud) Close() error { return nil }

func (c *Cloud) list(ctx context.Context, kind models.Kind) ([]provider.Item, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[kind]++
	if c.err != nil {
		return nil, c.err
	}
	if err := c.kindErrs[kind]; err != nil {
		return nil, err
	}
	rs := c.inv.Resources[kind]
	out := make([]provider.Item, 0, len(rs))
	for _, r := range rs {
		out = append(out, r.item())
	}
	return out, nil
}

func (c *Cloud) ListMachines(ctx context.Context) ([]provider.Item, error) {
	return c.list(ctx, models.KindMachines)
}

func (c *Cloud) ListNetworks(ctx context.Context) ([]provider.Item, error) {
	return c.list(ctx, models.KindNetworks)
}

func (c *Cloud) ListVolumes(ctx context.Context) ([]provider.Item, error) {
	return c.list(ctx, models.KindVolumes)
}

func (c *Cloud) ListZones(ctx context.Context) ([]provider.Item, error) {
	return c.list(ctx, models.KindZones)
}

func (c *Cloud) ListLocations(ctx context.Context) ([]provider.Item, error) {
	return c.list(ctx, models.KindLocations)
}

func (c *Cloud) ListSizes(ctx context.Context) ([]provider.Item, error) {
	return c.list(ctx, models.KindSizes)
}

func (c *Cloud) ListImages(ctx context.Context) ([]provider.Item, error) {
	return c.list(ctx, models.KindImages)
}

func (c *Cloud) ListContainers(ctx context.Context) ([]provider.Item, error) {
	return c.list(ctx, models.KindObjectStorage)
}

// ListContainerObjects lists objects of a container whose names start with
// path.
func (c *Cloud) ListContainerObjects(ctx context.Context, container provider.Item, path string) ([]provider.ContentItem, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	if err := c.contentErrs[container.Name]; err != nil {
		return nil, err
	}
	for _, r := range c.inv.Resources[models.KindObjectStorage] {
		if r.Name != container.Name {
			continue
		}
		if c.inv.Region != "" && r.Location != "" && r.Location != c.inv.Region {
			return nil, fmt.Errorf("%w: container %s is in %s, connection bound to %s",
				provider.ErrLocationMismatch, r.Name, r.Location, c.inv.Region)
		}
		var out []provider.ContentItem
		for _, o := range r.Objects {
			if len(o.Name) >= len(path) && o.Name[:len(path)] == path {
				out = append(out, provider.ContentItem{Name: o.Name, Size: o.Size, Hash: o.Hash})
			}
		}
		return out, nil
	}
	return nil, fmt.Errorf("container %q not found", container.Name)
}

func (r Resource) item() provider.Item {
	return provider.Item{
		ID:         r.ID,
		Name:       r.Name,
		State:      r.State,
		PublicIPs:  append([]string(nil), r.PublicIPs...),
		PrivateIPs: append([]string(nil), r.PrivateIPs...),
		Location:   r.Location,
		Size:       r.Size,
		Image:      r.Image,
		CreatedAt:  r.Created,
		Extra:      copyMap(r.Extra),
	}
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return copyMap(t)
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = copyValue(t[i])
		}
		return out
	}
	return v
}

// Driver hands out simulated clouds by the "inventory" credential.
type Driver struct {
	mu     sync.RWMutex
	clouds map[string]*Cloud
}

func NewDriver() *Driver {
	return &Driver{clouds: map[string]*Cloud{}}
}

// Add registers a simulated cloud under name.
func (d *Driver) Add(name string, c *Cloud) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.clouds[name] = c
}

// Get returns the simulated cloud registered under name.
func (d *Driver) Get(name string) (*Cloud, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.clouds[name]
	return c, ok
}

// LoadFile registers every inventory of a YAML file and returns their names.
func (d *Driver) LoadFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return d.Load(data)
}

// Load registers every inventory in data.
func (d *Driver) Load(data []byte) ([]string, error) {
	var f inventoryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse inventory: %w", err)
	}
	names := make([]string, 0, len(f.Inventories))
	for name, inv := range f.Inventories {
		d.Add(name, NewCloud(inv))
		names = append(names, name)
	}
	return names, nil
}

// Connect implements provider.ConnectFunc. The credentials must carry a
// non-empty "token" and the name of a registered "inventory".
func (d *Driver) Connect(ctx context.Context, cloud *models.Cloud) (provider.Connection, error) {
	if cloud.Credentials["token"] == "" {
		return nil, fmt.Errorf("%w: missing token", provider.ErrUnauthorized)
	}
	name := cloud.Credentials["inventory"]
	c, ok := d.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: unknown inventory %q", provider.ErrUnavailable, name)
	}
	return c, nil
}

var (
	_ provider.MachineLister   = (*Cloud)(nil)
	_ provider.NetworkLister   = (*Cloud)(nil)
	_ provider.VolumeLister    = (*Cloud)(nil)
	_ provider.ZoneLister      = (*Cloud)(nil)
	_ provider.LocationLister  = (*Cloud)(nil)
	_ provider.SizeLister      = (*Cloud)(nil)
	_ provider.ImageLister     = (*Cloud)(nil)
	_ provider.ContainerLister = (*Cloud)(nil)
)
