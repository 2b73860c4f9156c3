// Package ipam owns the subnet and address inventory of every device. It
// picks a device, then a subnet, then claims a single address, so each of
// the three steps can be retried on its own.
package ipam

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sort"
	"strings"
	"time"

	"github.com/martinsuchenak/netprov/internal/audit"
	"github.com/martinsuchenak/netprov/internal/log"
	"github.com/martinsuchenak/netprov/internal/metrics"
	"github.com/martinsuchenak/netprov/internal/model"
	"github.com/martinsuchenak/netprov/internal/storage"
)

var (
	// ErrExhausted is the resource exhaustion class. Operators fix it by
	// adding capacity, never by retrying.
	ErrExhausted = errors.New("address pool exhausted")
	// ErrNoCapacity means no active device has an active subnet to allocate from
	ErrNoCapacity = fmt.Errorf("no capacity: %w", ErrExhausted)
	// ErrNoAvailableSubnet means the active subnets that exist are all full
	ErrNoAvailableSubnet = fmt.Errorf("no available subnet: %w", ErrExhausted)
	// ErrRaceLost means a concurrent allocator claimed the address first
	ErrRaceLost = errors.New("address claimed concurrently")
	// ErrInvalidSubnet rejects a malformed or oversized CIDR
	ErrInvalidSubnet = errors.New("invalid subnet")
	// ErrAddressInUse means an address cannot be blocked in its current state
	ErrAddressInUse = errors.New("address is not available")
)

const (
	maxHostBitsV4 = 16 // /16
	maxHostBitsV6 = 16 // /112
)

// Store is the persistence the pool manager needs
type Store interface {
	GetDevice(ctx context.Context, id string) (*model.Device, error)
	ListDeviceAvailability(ctx context.Context) ([]model.DeviceAvailability, error)
	CreateSubnet(ctx context.Context, subnet *model.Subnet, addresses []model.Address) error
	GetSubnet(ctx context.Context, id string) (*model.Subnet, error)
	ListSubnets(ctx context.Context, deviceID string) ([]model.Subnet, error)
	GetAddress(ctx context.Context, id string) (*model.Address, error)
	ListAddresses(ctx context.Context, subnetID string, status model.AddressStatus) ([]model.Address, error)
	NextAvailableAddress(ctx context.Context, subnetID string) (*model.Address, error)
	ClaimAddress(ctx context.Context, addressID string, owner model.AddressOwner, at time.Time) (bool, error)
	ReleaseAddress(ctx context.Context, addressID string) (bool, error)
	SetAddressBlocked(ctx context.Context, addressID string, blocked bool) (bool, error)
	SubnetUtilization(ctx context.Context, deviceID string) ([]model.Utilization, error)
}

// Allocation is the result of a full device, subnet, address selection
type Allocation struct {
	Device  *model.Device  `json:"device"`
	Subnet  *model.Subnet  `json:"subnet"`
	Address *model.Address `json:"address"`
}

// SubnetRequest describes a block to add to a device
type SubnetRequest struct {
	DeviceID string   `json:"device_id"`
	CIDR     string   `json:"cidr"`
	Gateway  string   `json:"gateway,omitempty"` // defaults to the first host
	DNS      []string `json:"dns,omitempty"`
	VLAN     int      `json:"vlan,omitempty"`
}

// Manager is the IP pool manager
type Manager struct {
	store       Store
	audit       *audit.Log
	raceRetries int
	now         func() time.Time
}

// New creates a pool manager. auditLog may be nil.
func New(store Store, auditLog *audit.Log) *Manager {
	return &Manager{
		store:       store,
		audit:       auditLog,
		raceRetries: 3,
		now:         time.Now,
	}
}

// SelectDevice picks the device a new service lands on. An explicit hint
// wins when that device is active with an available address; otherwise a
// device at the customer's location is preferred over any other. When no
// device qualifies, ErrNoAvailableSubnet means some device has active
// subnets that are all full, and ErrNoCapacity means none has any.
func (m *Manager) SelectDevice(ctx context.Context, location, hint string) (*model.Device, error) {
	avail, err := m.store.ListDeviceAvailability(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing devices: %w", err)
	}

	var candidates, local []model.DeviceAvailability
	var exhausted bool
	for _, a := range avail {
		if a.ActiveSubnets > 0 && a.Available <= 0 {
			exhausted = true
		}
		if a.Available <= 0 || !a.Device.HasCapacity() {
			continue
		}
		if hint != "" && (a.Device.ID == hint || strings.EqualFold(a.Device.Name, hint)) {
			d := a.Device
			return &d, nil
		}
		candidates = append(candidates, a)
		if location != "" && strings.EqualFold(a.Device.Location, location) {
			local = append(local, a)
		}
	}

	if hint != "" {
		log.Warn("Device hint ignored, device is not active or has no capacity", "device", hint)
	}

	pick := local
	if len(pick) == 0 {
		pick = candidates
	}
	switch {
	case len(pick) == 0 && exhausted:
		return nil, ErrNoAvailableSubnet
	case len(pick) == 0:
		return nil, ErrNoCapacity
	}

	sort.SliceStable(pick, func(i, j int) bool {
		if pick[i].Available != pick[j].Available {
			return pick[i].Available > pick[j].Available
		}
		return pick[i].Device.Name < pick[j].Device.Name
	})
	d := pick[0].Device
	return &d, nil
}

// ReserveSubnet returns the device's active subnet with the most available
// addresses.
func (m *Manager) ReserveSubnet(ctx context.Context, deviceID string) (*model.Subnet, error) {
	subnets, err := m.store.ListSubnets(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("listing subnets: %w", err)
	}

	var best *model.Subnet
	for i := range subnets {
		s := &subnets[i]
		if s.Status != model.SubnetActive || s.Available() <= 0 {
			continue
		}
		if best == nil || s.Available() > best.Available() {
			best = s
		}
	}
	if best == nil {
		return nil, fmt.Errorf("device %s: %w", deviceID, ErrNoAvailableSubnet)
	}
	return best, nil
}

// Allocate claims the lowest available address of a subnet for owner.
// ErrRaceLost tells the caller to re-run subnet selection.
func (m *Manager) Allocate(ctx context.Context, subnetID string, owner model.AddressOwner) (*model.Address, error) {
	subnet, err := m.store.GetSubnet(ctx, subnetID)
	if err != nil {
		return nil, err
	}
	if subnet.Status != model.SubnetActive {
		return nil, fmt.Errorf("subnet %s is %s: %w", subnet.CIDR, subnet.Status, ErrNoAvailableSubnet)
	}
	return m.claim(ctx, subnet, owner)
}

func (m *Manager) claim(ctx context.Context, subnet *model.Subnet, owner model.AddressOwner) (*model.Address, error) {
	addr, err := m.store.NextAvailableAddress(ctx, subnet.ID)
	if errors.Is(err, storage.ErrAddressNotFound) {
		// the subnet looked free when it was selected
		metrics.AddressAllocations.WithLabelValues("race_lost").Inc()
		return nil, fmt.Errorf("subnet %s: %w", subnet.CIDR, ErrRaceLost)
	}
	if err != nil {
		return nil, fmt.Errorf("finding next address: %w", err)
	}

	at := m.now().UTC()
	ok, err := m.store.ClaimAddress(ctx, addr.ID, owner, at)
	if err != nil {
		return nil, err
	}
	if !ok {
		metrics.AddressAllocations.WithLabelValues("race_lost").Inc()
		return nil, fmt.Errorf("address %s: %w", addr.IP, ErrRaceLost)
	}

	addr.Status = model.AddressAssigned
	addr.ServiceID = owner.ServiceID
	addr.CustomerID = owner.CustomerID
	addr.AssignedAt = &at

	metrics.AddressAllocations.WithLabelValues("allocated").Inc()
	m.audit.Record(ctx, model.Event{
		Kind:      model.EventAddressAllocated,
		DeviceID:  subnet.DeviceID,
		ServiceID: owner.ServiceID,
		Message:   fmt.Sprintf("allocated %s from %s", addr.IP, subnet.CIDR),
		Payload:   audit.Payload(map[string]any{"address_id": addr.ID, "ip": addr.IP, "subnet_id": subnet.ID}),
	})
	return addr, nil
}

// AllocateForService runs device, subnet and address selection, re-running
// subnet selection a bounded number of times when a claim race is lost.
func (m *Manager) AllocateForService(ctx context.Context, location, hint string, owner model.AddressOwner) (*Allocation, error) {
	device, err := m.SelectDevice(ctx, location, hint)
	if err != nil {
		metrics.AddressAllocations.WithLabelValues("no_capacity").Inc()
		return nil, err
	}

	for attempt := 0; ; attempt++ {
		subnet, err := m.ReserveSubnet(ctx, device.ID)
		if err != nil {
			metrics.AddressAllocations.WithLabelValues("no_subnet").Inc()
			return nil, err
		}

		addr, err := m.claim(ctx, subnet, owner)
		if errors.Is(err, ErrRaceLost) && attempt < m.raceRetries {
			log.Debug("Address claim race lost, reselecting subnet", "device_id", device.ID, "service_id", owner.ServiceID, "attempt", attempt+1)
			continue
		}
		if err != nil {
			return nil, err
		}
		return &Allocation{Device: device, Subnet: subnet, Address: addr}, nil
	}
}

// Release returns an address to its pool. Releasing an address that is not
// assigned is a no-op.
func (m *Manager) Release(ctx context.Context, addressID, reason string) error {
	addr, err := m.store.GetAddress(ctx, addressID)
	if err != nil {
		return err
	}

	released, err := m.store.ReleaseAddress(ctx, addressID)
	if err != nil {
		return fmt.Errorf("releasing %s: %w", addr.IP, err)
	}
	if !released {
		log.Debug("Address already released", "address_id", addressID, "ip", addr.IP)
		return nil
	}

	metrics.AddressAllocations.WithLabelValues("released").Inc()
	m.audit.Record(ctx, model.Event{
		Kind:      model.EventAddressReleased,
		ServiceID: addr.ServiceID,
		Message:   fmt.Sprintf("released %s: %s", addr.IP, reason),
		Payload:   audit.Payload(map[string]any{"address_id": addr.ID, "ip": addr.IP, "subnet_id": addr.SubnetID, "reason": reason}),
	})
	return nil
}

// Block withholds an available address from allocation
func (m *Manager) Block(ctx context.Context, addressID, reason string) error {
	return m.setBlocked(ctx, addressID, true, reason)
}

// Unblock returns a blocked address to the pool
func (m *Manager) Unblock(ctx context.Context, addressID, reason string) error {
	return m.setBlocked(ctx, addressID, false, reason)
}

func (m *Manager) setBlocked(ctx context.Context, addressID string, blocked bool, reason string) error {
	changed, err := m.store.SetAddressBlocked(ctx, addressID, blocked)
	if err != nil {
		return err
	}
	addr, err := m.store.GetAddress(ctx, addressID)
	if err != nil {
		return err
	}

	if !changed {
		switch {
		case blocked && addr.Status == model.AddressBlocked, !blocked && addr.Status != model.AddressBlocked:
			return nil
		}
		return fmt.Errorf("address %s is %s: %w", addr.IP, addr.Status, ErrAddressInUse)
	}

	kind, verb := model.EventAddressUnblocked, "unblocked"
	if blocked {
		kind, verb = model.EventAddressBlocked, "blocked"
	}
	m.audit.Record(ctx, model.Event{
		Kind:    kind,
		Message: fmt.Sprintf("%s %s: %s", verb, addr.IP, reason),
		Payload: audit.Payload(map[string]any{"address_id": addr.ID, "ip": addr.IP, "subnet_id": addr.SubnetID}),
	})
	return nil
}

// CreateSubnet materializes every address of a CIDR block for a device.
// Network, broadcast and gateway addresses are reserved.
func (m *Manager) CreateSubnet(ctx context.Context, req SubnetRequest) (*model.Subnet, error) {
	prefix, err := netip.ParsePrefix(strings.TrimSpace(req.CIDR))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSubnet, err)
	}
	prefix = prefix.Masked()

	hostBits := prefix.Addr().BitLen() - prefix.Bits()
	limit := maxHostBitsV4
	if prefix.Addr().Is6() {
		limit = maxHostBitsV6
	}
	if hostBits > limit {
		return nil, fmt.Errorf("%w: %s is larger than /%d", ErrInvalidSubnet, prefix, prefix.Addr().BitLen()-limit)
	}

	if _, err := m.store.GetDevice(ctx, req.DeviceID); err != nil {
		return nil, err
	}

	gateway, err := pickGateway(prefix, req.Gateway)
	if err != nil {
		return nil, err
	}

	addresses := enumerate(prefix, gateway)
	subnet := &model.Subnet{
		DeviceID: req.DeviceID,
		CIDR:     prefix.String(),
		DNS:      req.DNS,
		VLAN:     req.VLAN,
		Status:   model.SubnetActive,
	}
	if gateway.IsValid() {
		subnet.Gateway = gateway.String()
	}

	if err := m.store.CreateSubnet(ctx, subnet, addresses); err != nil {
		return nil, err
	}
	log.Info("Subnet created", "device_id", subnet.DeviceID, "cidr", subnet.CIDR, "available", subnet.Available())
	return subnet, nil
}

func pickGateway(prefix netip.Prefix, requested string) (netip.Addr, error) {
	if requested == "" {
		if prefix.Addr().BitLen()-prefix.Bits() < 2 {
			return netip.Addr{}, nil
		}
		return prefix.Addr().Next(), nil
	}
	gw, err := netip.ParseAddr(requested)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("%w: gateway: %v", ErrInvalidSubnet, err)
	}
	if !prefix.Contains(gw) {
		return netip.Addr{}, fmt.Errorf("%w: gateway %s is outside %s", ErrInvalidSubnet, gw, prefix)
	}
	return gw, nil
}

// enumerate lays the block out as an arena indexed by offset. Point to
// point blocks (/31, /32 and their IPv6 peers) reserve nothing.
func enumerate(prefix netip.Prefix, gateway netip.Addr) []model.Address {
	hostBits := prefix.Addr().BitLen() - prefix.Bits()
	n := 1 << hostBits
	edges := hostBits >= 2

	addresses := make([]model.Address, 0, n)
	ip := prefix.Addr()
	for i := 0; i < n; i++ {
		status := model.AddressAvailable
		switch {
		case edges && i == 0:
			status = model.AddressReserved
		case edges && i == n-1 && ip.Is4():
			status = model.AddressReserved
		case gateway.IsValid() && ip == gateway:
			status = model.AddressReserved
		}
		addresses = append(addresses, model.Address{IP: ip.String(), Seq: i, Status: status})
		ip = ip.Next()
	}
	return addresses
}

// Subnets lists a device's subnets
func (m *Manager) Subnets(ctx context.Context, deviceID string) ([]model.Subnet, error) {
	return m.store.ListSubnets(ctx, deviceID)
}

// Addresses lists a subnet's addresses, optionally by status
func (m *Manager) Addresses(ctx context.Context, subnetID string, status model.AddressStatus) ([]model.Address, error) {
	return m.store.ListAddresses(ctx, subnetID, status)
}

// Address returns one address
func (m *Manager) Address(ctx context.Context, id string) (*model.Address, error) {
	return m.store.GetAddress(ctx, id)
}

// Utilization reports per-subnet usage, optionally for one device
func (m *Manager) Utilization(ctx context.Context, deviceID string) ([]model.Utilization, error) {
	return m.store.SubnetUtilization(ctx, deviceID)
}
