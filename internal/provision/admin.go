package provision

import (
	"context"
	"fmt"

	"github.com/martinsuchenak/netprov/internal/ipam"
	"github.com/martinsuchenak/netprov/internal/log"
	"github.com/martinsuchenak/netprov/internal/model"
	"github.com/martinsuchenak/netprov/internal/retry"
	"github.com/martinsuchenak/netprov/internal/scanner"
)

// Activation returns a saga with its step log
func (s *Service) Activation(ctx context.Context, id string) (*model.Activation, error) {
	return s.store.GetActivation(ctx, id)
}

// ServiceState is everything known about one customer service
type ServiceState struct {
	Service *model.CustomerService `json:"service"`
	Device  *model.Device          `json:"device,omitempty"`
	Address *model.Address         `json:"address,omitempty"`
	Sync    []model.SyncStatus     `json:"sync"`
}

// ServiceStatus returns a service together with its binding and drift state
func (s *Service) ServiceStatus(ctx context.Context, serviceID string) (*ServiceState, error) {
	svc, err := s.store.GetService(ctx, serviceID)
	if err != nil {
		return nil, err
	}
	st := &ServiceState{Service: svc}

	if svc.DeviceID != "" {
		if st.Device, err = s.store.GetDevice(ctx, svc.DeviceID); err != nil {
			return nil, err
		}
	}
	if svc.AddressID != "" {
		if st.Address, err = s.store.GetAddress(ctx, svc.AddressID); err != nil {
			return nil, err
		}
	}
	if st.Sync, err = s.store.ListSyncStatus(ctx, serviceID); err != nil {
		return nil, err
	}
	return st, nil
}

// Events lists audit events
func (s *Service) Events(ctx context.Context, filter *model.EventFilter) ([]model.Event, error) {
	return s.audit.List(ctx, filter)
}

// RetryOperations lists the retry queue. An empty status lists all.
func (s *Service) RetryOperations(ctx context.Context, status model.RetryStatus, limit int) ([]model.RetryableOperation, error) {
	return s.queue.List(ctx, status, limit)
}

// DrainRetries replays due retry operations now
func (s *Service) DrainRetries(ctx context.Context, batchSize int) (retry.DrainResult, error) {
	return s.drainer.Drain(ctx, batchSize)
}

// SavePlan creates or replaces a service plan
func (s *Service) SavePlan(ctx context.Context, plan *model.ServicePlan) error {
	if err := s.check(plan); err != nil {
		return err
	}
	if err := s.store.SavePlan(ctx, plan); err != nil {
		return err
	}
	log.Info("Service plan saved", "plan_id", plan.ID, "active", plan.Active)
	return nil
}

// ListPlans returns every plan
func (s *Service) ListPlans(ctx context.Context) ([]model.ServicePlan, error) {
	return s.store.ListPlans(ctx)
}

// RegisterDevice adds a network element. Its vendor must have a driver.
func (s *Service) RegisterDevice(ctx context.Context, device *model.Device) error {
	if device.Name == "" || device.Vendor == "" {
		return fmt.Errorf("%w: name and vendor are required", ErrInvalidRequest)
	}
	if !s.commander.Registry().Supports(device.Vendor) {
		return fmt.Errorf("%w: no driver for vendor %q", ErrInvalidRequest, device.Vendor)
	}
	if device.MaxSubscribers < 0 {
		return fmt.Errorf("%w: max_subscribers must not be negative", ErrInvalidRequest)
	}
	switch device.Status {
	case "", model.DeviceActive, model.DeviceInactive, model.DeviceMaintenance:
	default:
		return fmt.Errorf("%w: unknown status %q", ErrInvalidRequest, device.Status)
	}

	if err := s.store.CreateDevice(ctx, device); err != nil {
		return err
	}
	log.Info("Device registered", "device_id", device.ID, "name", device.Name, "vendor", device.Vendor)
	return nil
}

// Devices lists registered devices
func (s *Service) Devices(ctx context.Context, filter *model.DeviceFilter) ([]model.Device, error) {
	return s.store.ListDevices(ctx, filter)
}

// Device returns one device by ID or name
func (s *Service) Device(ctx context.Context, id string) (*model.Device, error) {
	return s.store.GetDevice(ctx, id)
}

// DeactivateDevice takes a device out of allocation. Devices are never
// deleted; existing services keep their binding.
func (s *Service) DeactivateDevice(ctx context.Context, id string) (*model.Device, error) {
	device, err := s.store.GetDevice(ctx, id)
	if err != nil {
		return nil, err
	}
	if device.Status == model.DeviceInactive {
		return device, nil
	}
	device.Status = model.DeviceInactive
	if err := s.store.UpdateDevice(ctx, device); err != nil {
		return nil, err
	}
	log.Info("Device deactivated", "device_id", device.ID, "name", device.Name)
	return device, nil
}

// ProbeDevice runs a liveness check against one device now
func (s *Service) ProbeDevice(ctx context.Context, id string) (scanner.Result, error) {
	device, err := s.store.GetDevice(ctx, id)
	if err != nil {
		return scanner.Result{}, err
	}
	return s.prober.Check(ctx, device)
}

// CheckDevices probes every device
func (s *Service) CheckDevices(ctx context.Context) ([]scanner.Result, error) {
	return s.prober.CheckAll(ctx)
}

// CreateSubnet adds a block to a device's pool
func (s *Service) CreateSubnet(ctx context.Context, req ipam.SubnetRequest) (*model.Subnet, error) {
	return s.pool.CreateSubnet(ctx, req)
}

// Subnets lists a device's subnets
func (s *Service) Subnets(ctx context.Context, deviceID string) ([]model.Subnet, error) {
	return s.pool.Subnets(ctx, deviceID)
}

// Utilization reports address usage per subnet of a device
func (s *Service) Utilization(ctx context.Context, deviceID string) ([]model.Utilization, error) {
	return s.pool.Utilization(ctx, deviceID)
}

// BlockAddress withholds an available address from allocation
func (s *Service) BlockAddress(ctx context.Context, addressID, reason string) error {
	return s.pool.Block(ctx, addressID, reason)
}

// UnblockAddress returns a blocked address to the pool
func (s *Service) UnblockAddress(ctx context.Context, addressID, reason string) error {
	return s.pool.Unblock(ctx, addressID, reason)
}
