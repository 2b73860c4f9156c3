package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/martinsuchenak/netprov/internal/model"
)

var (
	// ErrNotFound is matched by every specific not-found error below
	ErrNotFound           = errors.New("not found")
	ErrDeviceNotFound     = fmt.Errorf("device %w", ErrNotFound)
	ErrSubnetNotFound     = fmt.Errorf("subnet %w", ErrNotFound)
	ErrAddressNotFound    = fmt.Errorf("address %w", ErrNotFound)
	ErrPlanNotFound       = fmt.Errorf("service plan %w", ErrNotFound)
	ErrServiceNotFound    = fmt.Errorf("customer service %w", ErrNotFound)
	ErrActivationNotFound = fmt.Errorf("activation %w", ErrNotFound)
	ErrRetryNotFound      = fmt.Errorf("retry operation %w", ErrNotFound)
	ErrAlreadyExists      = errors.New("already exists")
	ErrInvalidID          = errors.New("invalid ID")
)

// DeviceStorage persists network elements
type DeviceStorage interface {
	CreateDevice(ctx context.Context, device *model.Device) error
	GetDevice(ctx context.Context, id string) (*model.Device, error)
	ListDevices(ctx context.Context, filter *model.DeviceFilter) ([]model.Device, error)
	UpdateDevice(ctx context.Context, device *model.Device) error
	UpdateDeviceHealth(ctx context.Context, id string, status model.DeviceStatus, result string, checkedAt time.Time) error
	ListDeviceAvailability(ctx context.Context) ([]model.DeviceAvailability, error)
}

// PoolStorage persists subnets and their address arenas. ClaimAddress is
// the only path that may move an address to assigned.
type PoolStorage interface {
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

// ServiceStorage persists plans and customer services
type ServiceStorage interface {
	SavePlan(ctx context.Context, plan *model.ServicePlan) error
	GetPlan(ctx context.Context, id string) (*model.ServicePlan, error)
	ListPlans(ctx context.Context) ([]model.ServicePlan, error)
	CreateService(ctx context.Context, svc *model.CustomerService) error
	GetService(ctx context.Context, id string) (*model.CustomerService, error)
	UpdateService(ctx context.Context, svc *model.CustomerService) error
	ListServices(ctx context.Context, filter *model.ServiceFilter) ([]model.CustomerService, error)
}

// ActivationStorage persists sagas and their append-only step logs
type ActivationStorage interface {
	CreateActivation(ctx context.Context, a *model.Activation) error
	UpdateActivation(ctx context.Context, a *model.Activation) error
	GetActivation(ctx context.Context, id string) (*model.Activation, error)
	AppendStepLog(ctx context.Context, entry *model.StepLog) error
	ListStepLogs(ctx context.Context, activationID string) ([]model.StepLog, error)
}

// SyncStorage persists per (device, service) drift state
type SyncStorage interface {
	UpsertSyncStatus(ctx context.Context, status *model.SyncStatus) error
	ListSyncStatus(ctx context.Context, serviceID string) ([]model.SyncStatus, error)
}

// RetryStorage persists the durable retry queue
type RetryStorage interface {
	UpsertRetryOperation(ctx context.Context, op *model.RetryableOperation) (created bool, err error)
	GetRetryOperation(ctx context.Context, id string) (*model.RetryableOperation, error)
	ListDueRetryOperations(ctx context.Context, now time.Time, limit int) ([]model.RetryableOperation, error)
	ListRetryOperations(ctx context.Context, status model.RetryStatus, limit int) ([]model.RetryableOperation, error)
	UpdateRetryOperation(ctx context.Context, op *model.RetryableOperation) error
}

// EventStorage persists the audit log
type EventStorage interface {
	AppendEvent(ctx context.Context, event *model.Event) error
	ListEvents(ctx context.Context, filter *model.EventFilter) ([]model.Event, error)
}

// Storage is the full persistence surface of the provisioning core
type Storage interface {
	DeviceStorage
	PoolStorage
	ServiceStorage
	ActivationStorage
	SyncStorage
	RetryStorage
	EventStorage
	Close() error
}
