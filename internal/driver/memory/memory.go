// Package memory is an in-process simulated vendor. It keeps per-device
// configuration state and supports fault injection, which makes it the
// vendor used by tests and demo deployments.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/martinsuchenak/netprov/internal/driver"
	"github.com/martinsuchenak/netprov/internal/model"
)

// Vendor is the registry tag of the simulated vendor
const Vendor = "memory"

// Credential is a subscriber login held by a simulated device
type Credential struct {
	ServiceID string `json:"service_id"`
	Secret    string `json:"-"`
	Enabled   bool   `json:"enabled"`
}

// Fleet holds the simulated state of every device by ID, so drivers opened
// at different times see the same configuration.
type Fleet struct {
	mu      sync.Mutex
	devices map[string]*Device
}

// NewFleet creates an empty fleet
func NewFleet() *Fleet {
	return &Fleet{devices: make(map[string]*Device)}
}

// Device returns the simulated state for a device ID, creating it on first use
func (f *Fleet) Device(id string) *Device {
	f.mu.Lock()
	defer f.mu.Unlock()

	d, ok := f.devices[id]
	if !ok {
		d = &Device{
			faults:      make(map[string][]error),
			sticky:      make(map[string]error),
			addresses:   make(map[string]string),
			credentials: make(map[string]*Credential),
			profiles:    make(map[string]model.BandwidthProfile),
			filters:     make(map[string]string),
		}
		f.devices[id] = d
	}
	return d
}

// Factory returns a driver factory backed by the fleet
func (f *Fleet) Factory() driver.Factory {
	return func(device *model.Device) (driver.Driver, error) {
		return &Driver{state: f.Device(device.ID)}, nil
	}
}

// Device is the simulated configuration of one network element
type Device struct {
	mu          sync.Mutex
	unreachable bool
	faults      map[string][]error
	sticky      map[string]error
	addresses   map[string]string // service ID -> address
	credentials map[string]*Credential
	profiles    map[string]model.BandwidthProfile // service ID -> profile
	filters     map[string]string                 // service ID -> filter
	calls       []string
}

// SetUnreachable makes the handshake and every verb fail with ErrUnreachable
func (d *Device) SetUnreachable(unreachable bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.unreachable = unreachable
}

// FailNext queues errors returned, one per call, by the next calls of verb
func (d *Device) FailNext(verb string, errs ...error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.faults[verb] = append(d.faults[verb], errs...)
}

// Fail makes every call of verb return err until Heal is called
func (d *Device) Fail(verb string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sticky[verb] = err
}

// Heal clears sticky and queued faults for verb
func (d *Device) Heal(verb string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.sticky, verb)
	delete(d.faults, verb)
}

// Address returns the address configured for a service
func (d *Device) Address(serviceID string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.addresses[serviceID]
	return a, ok
}

// Credential returns a subscriber credential by username
func (d *Device) Credential(username string) (Credential, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.credentials[username]
	if !ok {
		return Credential{}, false
	}
	return *c, true
}

// Profile returns the bandwidth profile applied for a service
func (d *Device) Profile(serviceID string) (model.BandwidthProfile, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.profiles[serviceID]
	return p, ok
}

// Filter returns the traffic filter applied for a service
func (d *Device) Filter(serviceID string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, ok := d.filters[serviceID]
	return f, ok
}

// Calls returns every verb attempted against the device, in order
func (d *Device) Calls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

// Empty reports whether the device holds no subscriber configuration
func (d *Device) Empty() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.addresses) == 0 && len(d.profiles) == 0 && len(d.filters) == 0 && len(d.enabledLocked()) == 0
}

func (d *Device) enabledLocked() []string {
	var out []string
	for u, c := range d.credentials {
		if c.Enabled {
			out = append(out, u)
		}
	}
	return out
}

// Driver is the simulated vendor's driver
type Driver struct {
	state *Device
}

var _ driver.Driver = (*Driver)(nil)

func (drv *Driver) Vendor() string { return Vendor }

func (drv *Driver) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d := drv.state
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.unreachable {
		return driver.ErrUnreachable
	}
	return nil
}

func (drv *Driver) Close() error { return nil }

// apply runs fn under the device lock after honouring injected faults
func (drv *Driver) apply(ctx context.Context, verb string, fn func(d *Device) (bool, any, error)) (driver.Response, error) {
	resp := driver.Response{Vendor: Vendor, Verb: verb}
	if err := ctx.Err(); err != nil {
		return resp, err
	}

	d := drv.state
	d.mu.Lock()
	defer d.mu.Unlock()

	d.calls = append(d.calls, verb)
	if d.unreachable {
		return resp, driver.ErrUnreachable
	}
	if queued := d.faults[verb]; len(queued) > 0 {
		d.faults[verb] = queued[1:]
		return resp, queued[0]
	}
	if err, ok := d.sticky[verb]; ok {
		return resp, err
	}

	changed, payload, err := fn(d)
	if err != nil {
		return resp, err
	}
	resp.Changed = changed
	if payload != nil {
		resp.Payload, _ = json.Marshal(payload)
	}
	return resp, nil
}

func (drv *Driver) AssignAddress(ctx context.Context, p driver.Params) (driver.Response, error) {
	return drv.apply(ctx, driver.VerbAssignAddress, func(d *Device) (bool, any, error) {
		if d.addresses[p.ServiceID] == p.Address {
			return false, map[string]string{"address": p.Address}, nil
		}
		d.addresses[p.ServiceID] = p.Address
		return true, map[string]string{"address": p.Address}, nil
	})
}

func (drv *Driver) ReleaseAddress(ctx context.Context, p driver.Params) (driver.Response, error) {
	return drv.apply(ctx, driver.VerbReleaseAddress, func(d *Device) (bool, any, error) {
		if _, ok := d.addresses[p.ServiceID]; !ok {
			return false, nil, nil
		}
		delete(d.addresses, p.ServiceID)
		return true, nil, nil
	})
}

func (drv *Driver) CreateSubscriberCredential(ctx context.Context, p driver.Params) (driver.Response, error) {
	return drv.apply(ctx, driver.VerbCreateCredential, func(d *Device) (bool, any, error) {
		if p.Username == "" {
			return false, nil, errors.New("username is required")
		}
		if c, ok := d.credentials[p.Username]; ok {
			if c.ServiceID == p.ServiceID && c.Secret == p.Secret && c.Enabled {
				return false, c, nil
			}
			c.ServiceID, c.Secret, c.Enabled = p.ServiceID, p.Secret, true
			return true, c, nil
		}
		c := &Credential{ServiceID: p.ServiceID, Secret: p.Secret, Enabled: true}
		d.credentials[p.Username] = c
		return true, c, nil
	})
}

func (drv *Driver) DisableSubscriberCredential(ctx context.Context, p driver.Params) (driver.Response, error) {
	return drv.apply(ctx, driver.VerbDisableCredential, func(d *Device) (bool, any, error) {
		c, ok := d.credentials[p.Username]
		if !ok || !c.Enabled {
			return false, nil, nil
		}
		c.Enabled = false
		return true, c, nil
	})
}

func (drv *Driver) EnableSubscriberCredential(ctx context.Context, p driver.Params) (driver.Response, error) {
	return drv.apply(ctx, driver.VerbEnableCredential, func(d *Device) (bool, any, error) {
		c, ok := d.credentials[p.Username]
		if !ok {
			return false, nil, fmt.Errorf("credential %q not found", p.Username)
		}
		if c.Enabled {
			return false, c, nil
		}
		c.Enabled = true
		return true, c, nil
	})
}

func (drv *Driver) AddTrafficFilter(ctx context.Context, p driver.Params) (driver.Response, error) {
	return drv.apply(ctx, driver.VerbAddTrafficFilter, func(d *Device) (bool, any, error) {
		if d.filters[p.ServiceID] == p.Filter {
			return false, nil, nil
		}
		d.filters[p.ServiceID] = p.Filter
		return true, nil, nil
	})
}

func (drv *Driver) RemoveTrafficFilter(ctx context.Context, p driver.Params) (driver.Response, error) {
	return drv.apply(ctx, driver.VerbRemoveTrafficFilter, func(d *Device) (bool, any, error) {
		if _, ok := d.filters[p.ServiceID]; !ok {
			return false, nil, nil
		}
		delete(d.filters, p.ServiceID)
		return true, nil, nil
	})
}

func (drv *Driver) ApplyBandwidthProfile(ctx context.Context, p driver.Params) (driver.Response, error) {
	return drv.apply(ctx, driver.VerbApplyBandwidthProfile, func(d *Device) (bool, any, error) {
		if p.Profile == nil {
			return false, nil, errors.New("profile is required")
		}
		if cur, ok := d.profiles[p.ServiceID]; ok && cur == *p.Profile {
			return false, cur, nil
		}
		d.profiles[p.ServiceID] = *p.Profile
		return true, *p.Profile, nil
	})
}

func (drv *Driver) RemoveBandwidthProfile(ctx context.Context, p driver.Params) (driver.Response, error) {
	return drv.apply(ctx, driver.VerbRemoveBandwidthProfile, func(d *Device) (bool, any, error) {
		if _, ok := d.profiles[p.ServiceID]; !ok {
			return false, nil, nil
		}
		delete(d.profiles, p.ServiceID)
		return true, nil, nil
	})
}

func (drv *Driver) VerifyAddress(ctx context.Context, p driver.Params) (driver.Response, error) {
	return drv.apply(ctx, driver.VerbVerifyAddress, func(d *Device) (bool, any, error) {
		got, ok := d.addresses[p.ServiceID]
		if !ok || got != p.Address {
			return false, nil, fmt.Errorf("%w: service %s has %q, want %q", driver.ErrVerifyFailed, p.ServiceID, got, p.Address)
		}
		return false, map[string]string{"address": got}, nil
	})
}
