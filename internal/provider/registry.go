package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/devghori1264/aerophoenix/cloudsync/internal/models"
)

// ConnectFunc opens a connection for a cloud's credentials.
type ConnectFunc func(ctx context.Context, cloud *models.Cloud) (Connection, error)

// Registry maps provider families to the driver that connects to them.
type Registry struct {
	mu      sync.RWMutex
	drivers map[Family]ConnectFunc
}

func NewRegistry() *Registry {
	return &Registry{drivers: map[Family]ConnectFunc{}}
}

// Register installs the driver for a family, replacing any previous one.
func (r *Registry) Register(f Family, fn ConnectFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drivers[f] = fn
}

// Families returns the families that have a driver, sorted.
func (r *Registry) Families() []Family {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Family, 0, len(r.drivers))
	for f := range r.drivers {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Connect opens a connection for cloud using the driver of its family.
// Connection failures are reported as ErrUnavailable unless the driver
// already classified them.
func (r *Registry) Connect(ctx context.Context, cloud *models.Cloud) (Connection, error) {
	r.mu.RLock()
	fn, ok := r.drivers[Family(cloud.Provider)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: no driver for provider %q", ErrUnsupported, cloud.Provider)
	}
	conn, err := fn(ctx, cloud)
	if err != nil {
		return nil, Unavailable(err)
	}
	return conn, nil
}
