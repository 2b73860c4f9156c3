package driver

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/martinsuchenak/netprov/internal/model"
)

// Factory builds a driver for one device. Factories must not perform
// network I/O; the registry's handshake does that through Ping.
type Factory func(device *model.Device) (Driver, error)

// Registry maps vendor tags to driver factories. It is constructed
// explicitly and passed to whoever needs drivers.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	timeout   time.Duration
}

// NewRegistry creates an empty registry. timeout bounds the liveness
// handshake performed by Driver.
func NewRegistry(timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Registry{
		factories: make(map[string]Factory),
		timeout:   timeout,
	}
}

// Register adds or replaces the factory for a vendor
func (r *Registry) Register(vendor string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[vendor] = factory
}

// Vendors lists the registered vendor tags
func (r *Registry) Vendors() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	vendors := make([]string, 0, len(r.factories))
	for v := range r.factories {
		vendors = append(vendors, v)
	}
	sort.Strings(vendors)
	return vendors
}

// Supports reports whether a factory exists for vendor
func (r *Registry) Supports(vendor string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[vendor]
	return ok
}

// Driver returns a connected driver for device. A device that fails the
// handshake yields ErrUnreachable and no driver.
func (r *Registry) Driver(ctx context.Context, device *model.Device) (Driver, error) {
	r.mu.RLock()
	factory, ok := r.factories[device.Vendor]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%s (%s): %w", device.Name, device.Vendor, ErrUnknownVendor)
	}

	drv, err := factory(device)
	if err != nil {
		return nil, fmt.Errorf("creating %s driver for %s: %w", device.Vendor, device.Name, err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := drv.Ping(pingCtx); err != nil {
		drv.Close()
		return nil, fmt.Errorf("%s: %w: %v", device.Name, ErrUnreachable, err)
	}
	return drv, nil
}
