// Package provision is the entry point of the provisioning core. It
// validates requests, serializes work per customer service and hands it to
// the saga engine, the pool manager and the retry subsystem.
package provision

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/im7mortal/kmutex"
	"golang.org/x/sync/errgroup"

	"github.com/martinsuchenak/netprov/internal/audit"
	"github.com/martinsuchenak/netprov/internal/driver"
	"github.com/martinsuchenak/netprov/internal/ipam"
	"github.com/martinsuchenak/netprov/internal/log"
	"github.com/martinsuchenak/netprov/internal/model"
	"github.com/martinsuchenak/netprov/internal/retry"
	"github.com/martinsuchenak/netprov/internal/saga"
	"github.com/martinsuchenak/netprov/internal/scanner"
	"github.com/martinsuchenak/netprov/internal/storage"
)

// ErrInvalidRequest rejects a malformed request before any work starts
var ErrInvalidRequest = errors.New("invalid request")

// Result codes that are not saga failure codes
const (
	CodeInvalidRequest = "invalid_request"
	CodeNotFound       = "not_found"
	CodeInternal       = "internal"
)

// Store is the persistence the façade reads and writes directly
type Store interface {
	SavePlan(ctx context.Context, plan *model.ServicePlan) error
	GetPlan(ctx context.Context, id string) (*model.ServicePlan, error)
	ListPlans(ctx context.Context) ([]model.ServicePlan, error)
	CreateService(ctx context.Context, svc *model.CustomerService) error
	GetService(ctx context.Context, id string) (*model.CustomerService, error)
	UpdateService(ctx context.Context, svc *model.CustomerService) error
	ListServices(ctx context.Context, filter *model.ServiceFilter) ([]model.CustomerService, error)
	CreateDevice(ctx context.Context, device *model.Device) error
	GetDevice(ctx context.Context, id string) (*model.Device, error)
	ListDevices(ctx context.Context, filter *model.DeviceFilter) ([]model.Device, error)
	UpdateDevice(ctx context.Context, device *model.Device) error
	GetAddress(ctx context.Context, id string) (*model.Address, error)
	GetSubnet(ctx context.Context, id string) (*model.Subnet, error)
	GetActivation(ctx context.Context, id string) (*model.Activation, error)
	ListSyncStatus(ctx context.Context, serviceID string) ([]model.SyncStatus, error)
	UpsertSyncStatus(ctx context.Context, status *model.SyncStatus) error
}

// Commander runs durable device commands
type Commander interface {
	Open(ctx context.Context, device *model.Device) (*driver.Session, error)
	ExecuteDurable(ctx context.Context, device *model.Device, cmd driver.Command) (bool, error)
	Registry() *driver.Registry
}

// Deps wires the façade
type Deps struct {
	Store     Store
	Pool      *ipam.Manager
	Engine    *saga.Engine
	Commander Commander
	Queue     *retry.Queue
	Drainer   *retry.Drainer
	Prober    *scanner.Prober
	Audit     *audit.Log
}

// Service exposes the provisioning operations
type Service struct {
	store     Store
	pool      *ipam.Manager
	engine    *saga.Engine
	commander Commander
	queue     *retry.Queue
	drainer   *retry.Drainer
	prober    *scanner.Prober
	audit     *audit.Log

	validate *validator.Validate
	locks    *kmutex.Kmutex
	// releaseConcurrency bounds parallel service teardown per customer
	releaseConcurrency int
}

// New creates the façade
func New(d Deps) *Service {
	return &Service{
		store:              d.Store,
		pool:               d.Pool,
		engine:             d.Engine,
		commander:          d.Commander,
		queue:              d.Queue,
		drainer:            d.Drainer,
		prober:             d.Prober,
		audit:              d.Audit,
		validate:           validator.New(),
		locks:              kmutex.New(),
		releaseConcurrency: 4,
	}
}

// Request asks for one activation
type Request struct {
	ServiceID  string               `json:"service_id" validate:"required,max=128"`
	CustomerID string               `json:"customer_id" validate:"max=128"`
	PlanID     string               `json:"plan_id" validate:"max=128"`
	Type       model.ActivationType `json:"type" validate:"required,oneof=new upgrade downgrade suspend resume"`
	Overrides  model.Overrides      `json:"overrides"`
}

// Result is the synchronous outcome of an activation request
type Result struct {
	Success      bool   `json:"success"`
	ActivationID string `json:"activation_id,omitempty"`
	Error        string `json:"error,omitempty"`
	Code         string `json:"code,omitempty"`
}

func failed(code string, err error) Result {
	return Result{Code: code, Error: err.Error()}
}

func (s *Service) check(v any) error {
	if err := s.validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return nil
}

func (s *Service) checkRequest(req Request) error {
	if err := s.check(req); err != nil {
		return err
	}
	switch req.Type {
	case model.ActivationNew:
		if req.CustomerID == "" || req.PlanID == "" {
			return fmt.Errorf("%w: new activations need customer_id and plan_id", ErrInvalidRequest)
		}
	case model.ActivationUpgrade, model.ActivationDowngrade:
		if req.PlanID == "" {
			return fmt.Errorf("%w: %s needs plan_id", ErrInvalidRequest, req.Type)
		}
	}
	return nil
}

// RequestActivation runs one saga to completion. A new activation creates
// the customer service when it does not exist yet. Requests on the same
// service run one at a time.
func (s *Service) RequestActivation(ctx context.Context, req Request) Result {
	if err := s.checkRequest(req); err != nil {
		return failed(CodeInvalidRequest, err)
	}

	s.locks.Lock(req.ServiceID)
	defer s.locks.Unlock(req.ServiceID)

	svc, err := s.store.GetService(ctx, req.ServiceID)
	switch {
	case errors.Is(err, storage.ErrNotFound) && req.Type == model.ActivationNew:
		svc = &model.CustomerService{
			ID:         req.ServiceID,
			CustomerID: req.CustomerID,
			PlanID:     req.PlanID,
			Location:   req.Overrides.Location,
			Status:     model.ServicePending,
		}
		if err := s.store.CreateService(ctx, svc); err != nil {
			return failed(CodeInternal, err)
		}
		log.Info("Customer service created", "service_id", svc.ID, "customer_id", svc.CustomerID)
	case errors.Is(err, storage.ErrNotFound):
		return failed(CodeNotFound, err)
	case err != nil:
		return failed(CodeInternal, err)
	}
	if req.CustomerID != "" && req.CustomerID != svc.CustomerID {
		return failed(CodeInvalidRequest, fmt.Errorf("%w: service %s belongs to another customer", ErrInvalidRequest, svc.ID))
	}

	act, err := s.engine.Run(ctx, saga.Request{
		ServiceID:  svc.ID,
		CustomerID: svc.CustomerID,
		PlanID:     req.PlanID,
		Type:       req.Type,
		Overrides:  req.Overrides,
	})
	if err != nil {
		return failed(CodeInternal, err)
	}

	res := Result{Success: act.Status == model.ActivationCompleted, ActivationID: act.ID}
	if !res.Success {
		res.Error = act.FailureReason
		res.Code = act.FailureCode
	}
	return res
}

// ReleaseResult summarizes a customer teardown
type ReleaseResult struct {
	ReleasedCount int      `json:"released_count"`
	Errors        []string `json:"errors,omitempty"`
}

// ReleaseAllForCustomer tears down every live service of a customer:
// device configuration is removed (queued for retry when the device does
// not answer), the address returns to the pool and the service is
// terminated. One failing service does not stop the others.
func (s *Service) ReleaseAllForCustomer(ctx context.Context, customerID string) (ReleaseResult, error) {
	var res ReleaseResult
	if strings.TrimSpace(customerID) == "" {
		return res, fmt.Errorf("%w: customer_id is required", ErrInvalidRequest)
	}

	services, err := s.store.ListServices(ctx, &model.ServiceFilter{CustomerID: customerID})
	if err != nil {
		return res, fmt.Errorf("listing services: %w", err)
	}

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(s.releaseConcurrency)
	for i := range services {
		svc := services[i]
		if svc.Status == model.ServiceTerminated {
			continue
		}
		g.Go(func() error {
			err := s.releaseService(ctx, svc.ID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", svc.ID, err))
				return nil
			}
			res.ReleasedCount++
			return nil
		})
	}
	_ = g.Wait()

	log.Info("Customer released", "customer_id", customerID, "released", res.ReleasedCount, "errors", len(res.Errors))
	return res, nil
}

func (s *Service) releaseService(ctx context.Context, serviceID string) error {
	s.locks.Lock(serviceID)
	defer s.locks.Unlock(serviceID)

	svc, err := s.store.GetService(ctx, serviceID)
	if err != nil {
		return err
	}
	if svc.Status == model.ServiceTerminated {
		return nil
	}

	if svc.DeviceID != "" && svc.AddressID != "" {
		device, err := s.store.GetDevice(ctx, svc.DeviceID)
		if err != nil {
			return fmt.Errorf("loading device: %w", err)
		}
		addr, err := s.store.GetAddress(ctx, svc.AddressID)
		if err != nil {
			return fmt.Errorf("loading address: %w", err)
		}

		p := driver.Params{ServiceID: svc.ID, Username: svc.Username, Address: addr.IP, Filter: driver.FilterSuspended}
		cmds := []driver.Command{
			{Verb: driver.VerbRemoveTrafficFilter, Params: p},
			{Verb: driver.VerbRemoveBandwidthProfile, Params: p},
			{Verb: driver.VerbReleaseAddress, Params: p},
		}
		if svc.Username != "" {
			cmds = append([]driver.Command{{Verb: driver.VerbDisableCredential, Params: p}}, cmds...)
		}
		queued, err := s.durable(ctx, device, cmds)
		if err != nil {
			return err
		}

		if err := s.pool.Release(ctx, addr.ID, "customer released"); err != nil {
			return fmt.Errorf("releasing address: %w", err)
		}
		if !queued {
			if err := s.store.UpsertSyncStatus(ctx, &model.SyncStatus{
				DeviceID:      device.ID,
				ServiceID:     svc.ID,
				AddressID:     addr.ID,
				State:         model.SyncReleased,
				LastOperation: driver.VerbReleaseAddress,
			}); err != nil {
				log.Warn("Failed to mark service released", "service_id", svc.ID, "error", err)
			}
		}
	}

	now := time.Now().UTC()
	svc.Status = model.ServiceTerminated
	svc.TerminatedAt = &now
	if err := s.store.UpdateService(ctx, svc); err != nil {
		return fmt.Errorf("terminating service: %w", err)
	}
	log.Info("Customer service terminated", "service_id", svc.ID, "customer_id", svc.CustomerID)
	return nil
}

// durable runs cmds on one session, queueing whatever fails. queued
// reports whether anything was handed to the retry queue.
func (s *Service) durable(ctx context.Context, device *model.Device, cmds []driver.Command) (queued bool, err error) {
	session, openErr := s.commander.Open(ctx, device)
	if openErr == nil {
		defer session.Close()
	}
	for _, cmd := range cmds {
		var q bool
		if openErr == nil {
			q, err = session.ExecuteDurable(ctx, cmd)
		} else {
			q, err = s.commander.ExecuteDurable(ctx, device, cmd)
		}
		if err != nil {
			return queued, err
		}
		queued = queued || q
	}
	return queued, nil
}

// Resync pushes the desired configuration of a live service to its device
// again, repairing drift. Commands the device rejects are queued.
func (s *Service) Resync(ctx context.Context, serviceID string) (queued bool, err error) {
	s.locks.Lock(serviceID)
	defer s.locks.Unlock(serviceID)

	svc, err := s.store.GetService(ctx, serviceID)
	if err != nil {
		return false, err
	}
	if svc.Status != model.ServiceActive && svc.Status != model.ServiceSuspended {
		return false, fmt.Errorf("%w: service %s is %s", ErrInvalidRequest, svc.ID, svc.Status)
	}
	if svc.DeviceID == "" || svc.AddressID == "" {
		return false, fmt.Errorf("%w: service %s has no device binding", ErrInvalidRequest, svc.ID)
	}

	device, err := s.store.GetDevice(ctx, svc.DeviceID)
	if err != nil {
		return false, err
	}
	addr, err := s.store.GetAddress(ctx, svc.AddressID)
	if err != nil {
		return false, err
	}
	subnet, err := s.store.GetSubnet(ctx, addr.SubnetID)
	if err != nil {
		return false, err
	}
	profile, err := svc.BandwidthProfile()
	if err != nil {
		return false, fmt.Errorf("decoding profile: %w", err)
	}

	p := driver.Params{
		ServiceID: svc.ID,
		Username:  svc.Username,
		Secret:    svc.Secret,
		Address:   addr.IP,
		Gateway:   subnet.Gateway,
		VLAN:      subnet.VLAN,
		Profile:   &profile,
		Filter:    driver.FilterSuspended,
	}
	cmds := []driver.Command{
		{Verb: driver.VerbAssignAddress, Params: p},
		{Verb: driver.VerbCreateCredential, Params: p},
		{Verb: driver.VerbApplyBandwidthProfile, Params: p},
	}
	if svc.Status == model.ServiceSuspended {
		cmds = append(cmds, driver.Command{Verb: driver.VerbAddTrafficFilter, Params: p})
	} else {
		cmds = append(cmds, driver.Command{Verb: driver.VerbRemoveTrafficFilter, Params: p})
	}

	queued, err = s.durable(ctx, device, cmds)
	log.Info("Service resynced", "service_id", svc.ID, "device_id", device.ID, "queued", queued)
	return queued, err
}
