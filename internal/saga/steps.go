package saga

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/martinsuchenak/netprov/internal/driver"
	"github.com/martinsuchenak/netprov/internal/log"
	"github.com/martinsuchenak/netprov/internal/model"
	"github.com/martinsuchenak/netprov/internal/storage"
)

// restrictedProfile is enforced while a service is suspended
var restrictedProfile = model.BandwidthProfile{Name: "suspended", DownloadKbps: 64, UploadKbps: 64}

type step struct {
	name string
	do   func(*Engine, context.Context, *run) (any, error)
	undo func(*Engine, context.Context, *run) error
}

// run is the mutable state of one saga
type run struct {
	activation *model.Activation
	service    *model.CustomerService
	plan       *model.ServicePlan
	profile    model.BandwidthProfile

	device  *model.Device
	subnet  *model.Subnet
	address *model.Address
	session *driver.Session

	prevStatus  model.ServiceStatus
	prevPlanID  string
	prevProfile json.RawMessage

	// deferred is set once any compensation was handed to the retry queue
	deferred bool
}

func (r *run) close() {
	if r.session != nil {
		r.session.Close()
		r.session = nil
	}
}

func (r *run) deviceID() string {
	if r.device != nil {
		return r.device.ID
	}
	return r.service.DeviceID
}

func (r *run) params() driver.Params {
	p := driver.Params{
		ServiceID: r.service.ID,
		Username:  r.service.Username,
		Secret:    r.service.Secret,
	}
	if r.address != nil {
		p.Address = r.address.IP
	}
	if r.subnet != nil {
		p.Gateway = r.subnet.Gateway
		p.VLAN = r.subnet.VLAN
	}
	return p
}

func planFor(t model.ActivationType) ([]step, error) {
	switch t {
	case model.ActivationNew:
		return []step{
			{name: "validate_plan", do: (*Engine).validatePlan},
			{name: "allocate_address", do: (*Engine).allocateAddress, undo: (*Engine).releaseAllocation},
			{name: "select_device", do: (*Engine).selectDevice},
			{name: "configure_bandwidth", do: (*Engine).configureBandwidth, undo: (*Engine).removeBandwidth},
			{name: "deploy_configuration", do: (*Engine).deployConfiguration, undo: (*Engine).undeployConfiguration},
			{name: "verify_connectivity", do: (*Engine).verifyConnectivity},
			{name: "activate_service", do: (*Engine).activateService},
		}, nil
	case model.ActivationUpgrade, model.ActivationDowngrade:
		return []step{
			{name: "validate_target_plan", do: (*Engine).validateTargetPlan},
			{name: "update_bandwidth", do: (*Engine).updateBandwidth, undo: (*Engine).revertBandwidth},
			{name: "redeploy_configuration", do: (*Engine).redeployConfiguration, undo: (*Engine).revertRedeploy},
			{name: "verify_connectivity", do: (*Engine).verifyConnectivity},
		}, nil
	case model.ActivationSuspend:
		return []step{
			{name: "mark_suspended", do: (*Engine).markSuspended, undo: (*Engine).unmarkSuspended},
			{name: "apply_restriction", do: (*Engine).applyRestriction, undo: (*Engine).liftRestriction},
		}, nil
	case model.ActivationResume:
		return []step{
			{name: "restore_policy", do: (*Engine).restorePolicy, undo: (*Engine).reapplyRestriction},
			{name: "mark_active", do: (*Engine).markActive},
		}, nil
	}
	return nil, fmt.Errorf("activation type %q: %w", t, ErrInvalidState)
}

// exec runs a forward command on the run's device session, opening it on
// first use
func (e *Engine) exec(ctx context.Context, r *run, verb string, p driver.Params) (driver.Response, error) {
	if r.session == nil {
		s, err := e.commander.Open(ctx, r.device)
		if err != nil {
			return driver.Response{}, err
		}
		r.session = s
	}
	return r.session.Execute(ctx, driver.Command{Verb: verb, Params: p})
}

// execDurable runs a compensation command under its own step timeout;
// failures are queued for replay
func (e *Engine) execDurable(ctx context.Context, r *run, verb string, p driver.Params) error {
	if r.device == nil {
		return nil
	}
	cmd := driver.Command{Verb: verb, Params: p}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.StepTimeout)
	defer cancel()

	var (
		queued bool
		err    error
	)
	if r.session != nil {
		queued, err = r.session.ExecuteDurable(ctx, cmd)
	} else {
		queued, err = e.commander.ExecuteDurable(ctx, r.device, cmd)
	}
	if queued {
		r.deferred = true
	}
	return err
}

// saveService stores a changed copy of the run's service. The run adopts
// the copy only once it is written, so a failed save leaves r.service as
// the last state actually stored.
func (e *Engine) saveService(ctx context.Context, r *run, change func(*model.CustomerService)) error {
	next, err := e.writeService(ctx, r, change)
	if err != nil {
		return err
	}
	r.service = next
	return nil
}

func (e *Engine) writeService(ctx context.Context, r *run, change func(*model.CustomerService)) (*model.CustomerService, error) {
	next := *r.service
	change(&next)
	if err := e.store.UpdateService(ctx, &next); err != nil {
		return nil, fmt.Errorf("saving service %s: %w", next.ID, err)
	}
	return &next, nil
}

// loadBinding fetches the device, address and subnet an existing service
// is bound to
func (e *Engine) loadBinding(ctx context.Context, r *run) error {
	svc := r.service
	if svc.DeviceID == "" || svc.AddressID == "" {
		return fmt.Errorf("service %s has no device binding: %w", svc.ID, ErrInvalidState)
	}

	device, err := e.store.GetDevice(ctx, svc.DeviceID)
	if err != nil {
		return fmt.Errorf("loading device %s: %w", svc.DeviceID, err)
	}
	addr, err := e.store.GetAddress(ctx, svc.AddressID)
	if err != nil {
		return fmt.Errorf("loading address %s: %w", svc.AddressID, err)
	}
	subnet, err := e.store.GetSubnet(ctx, addr.SubnetID)
	if err != nil {
		return fmt.Errorf("loading subnet %s: %w", addr.SubnetID, err)
	}
	r.device, r.address, r.subnet = device, addr, subnet
	return nil
}

func (e *Engine) loadPlan(ctx context.Context, id string) (*model.ServicePlan, error) {
	plan, err := e.store.GetPlan(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("plan %q not found: %w", id, ErrInvalidPlan)
	}
	if err != nil {
		return nil, fmt.Errorf("loading plan %s: %w", id, err)
	}
	if !plan.Active {
		return nil, fmt.Errorf("plan %q is retired: %w", id, ErrInvalidPlan)
	}
	return plan, nil
}

// effectiveProfile applies per-request overrides on top of the plan
func effectiveProfile(plan *model.ServicePlan, o model.Overrides) model.BandwidthProfile {
	p := plan.Profile(plan.ID)
	if o.DownloadKbps > 0 {
		p.DownloadKbps = o.DownloadKbps
	}
	if o.UploadKbps > 0 {
		p.UploadKbps = o.UploadKbps
	}
	if o.BurstDownloadKbps > 0 {
		p.BurstDownloadKbps = o.BurstDownloadKbps
	}
	if o.BurstUploadKbps > 0 {
		p.BurstUploadKbps = o.BurstUploadKbps
	}
	return p
}

func encodeProfile(p model.BandwidthProfile) json.RawMessage {
	b, _ := json.Marshal(p)
	return b
}

func decodeProfile(raw json.RawMessage) (*model.BandwidthProfile, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var p model.BandwidthProfile
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decoding stored profile: %w", err)
	}
	return &p, nil
}

func generateSecret() (string, error) {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func generateUsername(serviceID string) string {
	id := strings.ReplaceAll(serviceID, "-", "")
	if len(id) > 12 {
		id = id[len(id)-12:]
	}
	return "sub-" + id
}

// new

func (e *Engine) validatePlan(ctx context.Context, r *run) (any, error) {
	if r.service.Status != model.ServicePending {
		return nil, fmt.Errorf("service %s is %s, want pending: %w", r.service.ID, r.service.Status, ErrInvalidState)
	}
	plan, err := e.loadPlan(ctx, r.activation.PlanID)
	if err != nil {
		return nil, err
	}
	r.plan = plan
	r.profile = effectiveProfile(plan, r.activation.Overrides)
	return r.profile, nil
}

func (e *Engine) allocateAddress(ctx context.Context, r *run) (any, error) {
	location := r.activation.Overrides.Location
	if location == "" {
		location = r.service.Location
	}
	alloc, err := e.pool.AllocateForService(ctx, location, r.activation.Overrides.DeviceID,
		model.AddressOwner{ServiceID: r.service.ID, CustomerID: r.service.CustomerID})
	if err != nil {
		return nil, err
	}
	r.device, r.subnet, r.address = alloc.Device, alloc.Subnet, alloc.Address

	err = e.saveService(ctx, r, func(svc *model.CustomerService) {
		svc.DeviceID = alloc.Device.ID
		svc.AddressID = alloc.Address.ID
	})
	if err != nil {
		return nil, err
	}
	return map[string]string{"device": alloc.Device.Name, "subnet": alloc.Subnet.CIDR, "address": alloc.Address.IP}, nil
}

func (e *Engine) releaseAllocation(ctx context.Context, r *run) error {
	if r.address == nil {
		return nil
	}
	if err := e.pool.Release(ctx, r.address.ID, "rollback of "+r.activation.ID); err != nil {
		return err
	}

	if !r.deferred && r.device != nil {
		if err := e.store.UpsertSyncStatus(ctx, &model.SyncStatus{
			DeviceID:      r.device.ID,
			ServiceID:     r.service.ID,
			AddressID:     r.address.ID,
			State:         model.SyncReleased,
			LastOperation: "rollback",
		}); err != nil {
			log.Warn("Failed to mark rolled back service released", "service_id", r.service.ID, "error", err)
		}
	}

	return e.saveService(ctx, r, func(svc *model.CustomerService) {
		svc.Status = model.ServicePending
		svc.DeviceID = ""
		svc.AddressID = ""
		svc.ActivatedAt = nil
	})
}

func (e *Engine) selectDevice(ctx context.Context, r *run) (any, error) {
	s, err := e.commander.Open(ctx, r.device)
	if err != nil {
		return nil, err
	}
	r.session = s
	return map[string]string{"device": r.device.Name, "vendor": r.device.Vendor}, nil
}

func (e *Engine) configureBandwidth(ctx context.Context, r *run) (any, error) {
	p := r.params()
	p.Profile = &r.profile
	resp, err := e.exec(ctx, r, driver.VerbApplyBandwidthProfile, p)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (e *Engine) removeBandwidth(ctx context.Context, r *run) error {
	return e.execDurable(ctx, r, driver.VerbRemoveBandwidthProfile, r.params())
}

func (e *Engine) deployConfiguration(ctx context.Context, r *run) (any, error) {
	o := r.activation.Overrides
	switch {
	case o.Username != "":
		r.service.Username = o.Username
	case r.service.Username == "":
		r.service.Username = generateUsername(r.service.ID)
	}
	switch {
	case o.Secret != "":
		r.service.Secret = o.Secret
	case r.service.Secret == "":
		secret, err := generateSecret()
		if err != nil {
			return nil, err
		}
		r.service.Secret = secret
	}

	if _, err := e.exec(ctx, r, driver.VerbAssignAddress, r.params()); err != nil {
		return nil, err
	}
	if _, err := e.exec(ctx, r, driver.VerbCreateCredential, r.params()); err != nil {
		return nil, err
	}
	return map[string]string{"username": r.service.Username, "address": r.address.IP}, nil
}

func (e *Engine) undeployConfiguration(ctx context.Context, r *run) error {
	var errs []error
	if r.service.Username != "" {
		errs = append(errs, e.execDurable(ctx, r, driver.VerbDisableCredential, r.params()))
	}
	errs = append(errs, e.execDurable(ctx, r, driver.VerbReleaseAddress, r.params()))
	return errors.Join(errs...)
}

func (e *Engine) verifyConnectivity(ctx context.Context, r *run) (any, error) {
	resp, err := e.exec(ctx, r, driver.VerbVerifyAddress, r.params())
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (e *Engine) activateService(ctx context.Context, r *run) (any, error) {
	now := time.Now().UTC()
	svc, err := e.writeService(ctx, r, func(svc *model.CustomerService) {
		svc.Status = model.ServiceActive
		svc.PlanID = r.plan.ID
		svc.Profile = encodeProfile(r.profile)
		svc.ActivatedAt = &now
	})
	if err != nil {
		return nil, err
	}

	// the run keeps the pending service until both writes land, so a
	// rollback from here stores it back as pending
	if err := e.store.UpsertSyncStatus(ctx, &model.SyncStatus{
		DeviceID:      r.device.ID,
		ServiceID:     svc.ID,
		AddressID:     r.address.ID,
		State:         model.SyncSynced,
		LastOperation: "activate_service",
	}); err != nil {
		return nil, fmt.Errorf("recording sync status: %w", err)
	}
	r.service = svc
	return map[string]string{"status": string(svc.Status)}, nil
}

// upgrade and downgrade

func (e *Engine) validateTargetPlan(ctx context.Context, r *run) (any, error) {
	svc := r.service
	if svc.Status != model.ServiceActive {
		return nil, fmt.Errorf("service %s is %s, want active: %w", svc.ID, svc.Status, ErrInvalidState)
	}
	plan, err := e.loadPlan(ctx, r.activation.PlanID)
	if err != nil {
		return nil, err
	}

	current, err := svc.BandwidthProfile()
	if err != nil {
		return nil, fmt.Errorf("decoding current profile: %w", err)
	}
	target := effectiveProfile(plan, r.activation.Overrides)
	switch {
	case r.activation.Type == model.ActivationUpgrade && target.DownloadKbps < current.DownloadKbps:
		return nil, fmt.Errorf("plan %q is slower than the current %d kbps: %w", plan.ID, current.DownloadKbps, ErrInvalidPlan)
	case r.activation.Type == model.ActivationDowngrade && target.DownloadKbps > current.DownloadKbps:
		return nil, fmt.Errorf("plan %q is faster than the current %d kbps: %w", plan.ID, current.DownloadKbps, ErrInvalidPlan)
	}

	if err := e.loadBinding(ctx, r); err != nil {
		return nil, err
	}
	r.plan, r.profile = plan, target
	r.prevPlanID = svc.PlanID
	r.prevProfile = append(json.RawMessage(nil), svc.Profile...)
	return map[string]any{"from": current, "to": target}, nil
}

func (e *Engine) updateBandwidth(ctx context.Context, r *run) (any, error) {
	p := r.params()
	p.Profile = &r.profile
	if _, err := e.exec(ctx, r, driver.VerbApplyBandwidthProfile, p); err != nil {
		return nil, err
	}

	err := e.saveService(ctx, r, func(svc *model.CustomerService) {
		svc.PlanID = r.plan.ID
		svc.Profile = encodeProfile(r.profile)
	})
	if err != nil {
		return nil, err
	}
	return r.profile, nil
}

func (e *Engine) revertBandwidth(ctx context.Context, r *run) error {
	prev, err := decodeProfile(r.prevProfile)
	if err != nil {
		return err
	}
	var errs []error
	if prev != nil {
		p := r.params()
		p.Profile = prev
		errs = append(errs, e.execDurable(ctx, r, driver.VerbApplyBandwidthProfile, p))
	}

	errs = append(errs, e.saveService(ctx, r, func(svc *model.CustomerService) {
		svc.PlanID = r.prevPlanID
		svc.Profile = r.prevProfile
	}))
	return errors.Join(errs...)
}

func (e *Engine) redeployConfiguration(ctx context.Context, r *run) (any, error) {
	if _, err := e.exec(ctx, r, driver.VerbCreateCredential, r.params()); err != nil {
		return nil, err
	}
	if _, err := e.exec(ctx, r, driver.VerbAssignAddress, r.params()); err != nil {
		return nil, err
	}
	return map[string]string{"username": r.service.Username}, nil
}

func (e *Engine) revertRedeploy(ctx context.Context, r *run) error {
	errs := []error{e.execDurable(ctx, r, driver.VerbEnableCredential, r.params())}
	prev, err := decodeProfile(r.prevProfile)
	if err != nil {
		return errors.Join(append(errs, err)...)
	}
	if prev != nil {
		p := r.params()
		p.Profile = prev
		errs = append(errs, e.execDurable(ctx, r, driver.VerbApplyBandwidthProfile, p))
	}
	return errors.Join(errs...)
}

// suspend

func (e *Engine) markSuspended(ctx context.Context, r *run) (any, error) {
	svc := r.service
	if svc.Status != model.ServiceActive {
		return nil, fmt.Errorf("service %s is %s, want active: %w", svc.ID, svc.Status, ErrInvalidState)
	}
	if err := e.loadBinding(ctx, r); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	err := e.saveService(ctx, r, func(svc *model.CustomerService) {
		svc.SavedProfile = append(json.RawMessage(nil), svc.Profile...)
		svc.SuspendedAt = &now
		svc.Status = model.ServiceSuspended
	})
	if err != nil {
		return nil, err
	}
	r.prevStatus = svc.Status
	r.prevProfile = append(json.RawMessage(nil), svc.Profile...)
	return map[string]string{"status": string(r.service.Status)}, nil
}

func (e *Engine) unmarkSuspended(ctx context.Context, r *run) error {
	if r.prevStatus == "" {
		return nil
	}
	return e.saveService(ctx, r, func(svc *model.CustomerService) {
		svc.Status = r.prevStatus
		svc.Profile = r.prevProfile
		svc.SavedProfile = nil
		svc.SuspendedAt = nil
	})
}

func (e *Engine) applyRestriction(ctx context.Context, r *run) (any, error) {
	p := r.params()
	p.Filter = driver.FilterSuspended
	if _, err := e.exec(ctx, r, driver.VerbAddTrafficFilter, p); err != nil {
		return nil, err
	}

	restricted := restrictedProfile
	p.Profile = &restricted
	if _, err := e.exec(ctx, r, driver.VerbApplyBandwidthProfile, p); err != nil {
		return nil, err
	}

	err := e.saveService(ctx, r, func(svc *model.CustomerService) {
		svc.Profile = encodeProfile(restricted)
	})
	if err != nil {
		return nil, err
	}
	return restricted, nil
}

func (e *Engine) liftRestriction(ctx context.Context, r *run) error {
	p := r.params()
	p.Filter = driver.FilterSuspended
	errs := []error{e.execDurable(ctx, r, driver.VerbRemoveTrafficFilter, p)}

	saved, err := decodeProfile(r.service.SavedProfile)
	if err != nil {
		return errors.Join(append(errs, err)...)
	}
	if saved != nil {
		p.Profile = saved
		errs = append(errs, e.execDurable(ctx, r, driver.VerbApplyBandwidthProfile, p))
	}

	errs = append(errs, e.saveService(ctx, r, func(svc *model.CustomerService) {
		svc.Profile = append(json.RawMessage(nil), svc.SavedProfile...)
	}))
	return errors.Join(errs...)
}

// resume

func (e *Engine) restorePolicy(ctx context.Context, r *run) (any, error) {
	svc := r.service
	if svc.Status != model.ServiceSuspended {
		return nil, fmt.Errorf("service %s is %s, want suspended: %w", svc.ID, svc.Status, ErrInvalidState)
	}
	if err := e.loadBinding(ctx, r); err != nil {
		return nil, err
	}
	saved, err := decodeProfile(svc.SavedProfile)
	if err != nil {
		return nil, err
	}
	r.prevProfile = append(json.RawMessage(nil), svc.Profile...)

	p := r.params()
	p.Filter = driver.FilterSuspended
	if _, err := e.exec(ctx, r, driver.VerbRemoveTrafficFilter, p); err != nil {
		return nil, err
	}
	if saved != nil {
		p.Profile = saved
		if _, err := e.exec(ctx, r, driver.VerbApplyBandwidthProfile, p); err != nil {
			return nil, err
		}
	}

	err = e.saveService(ctx, r, func(svc *model.CustomerService) {
		svc.Profile = append(json.RawMessage(nil), svc.SavedProfile...)
	})
	if err != nil {
		return nil, err
	}
	return saved, nil
}

func (e *Engine) reapplyRestriction(ctx context.Context, r *run) error {
	if r.device == nil {
		return nil
	}
	p := r.params()
	p.Filter = driver.FilterSuspended
	restricted := restrictedProfile
	errs := []error{e.execDurable(ctx, r, driver.VerbAddTrafficFilter, p)}
	p.Profile = &restricted
	errs = append(errs, e.execDurable(ctx, r, driver.VerbApplyBandwidthProfile, p))

	errs = append(errs, e.saveService(ctx, r, func(svc *model.CustomerService) {
		svc.Profile = r.prevProfile
	}))
	return errors.Join(errs...)
}

func (e *Engine) markActive(ctx context.Context, r *run) (any, error) {
	err := e.saveService(ctx, r, func(svc *model.CustomerService) {
		svc.Status = model.ServiceActive
		svc.SuspendedAt = nil
		svc.SavedProfile = nil
	})
	if err != nil {
		return nil, err
	}
	return map[string]string{"status": string(r.service.Status)}, nil
}
