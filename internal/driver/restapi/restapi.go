// Package restapi drives devices exposing a RouterOS v7 style REST API.
// Every write is preceded by a lookup so that replays update or skip
// instead of duplicating.
package restapi

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/martinsuchenak/netprov/internal/driver"
	"github.com/martinsuchenak/netprov/internal/model"
)

// Vendor is the registry tag of this driver
const Vendor = "restapi"

const (
	pathAddressList = "/ip/firewall/address-list"
	pathSecret      = "/ppp/secret"
	pathQueue       = "/queue/simple"
	pathIdentity    = "/system/identity"

	subscriberList = "netprov-subscribers"
	namePrefix     = "netprov-"
)

// entry is one REST record; RouterOS returns every field as a string
type entry map[string]string

// Factory returns a driver factory with the given request timeout
func Factory(timeout time.Duration) driver.Factory {
	return func(device *model.Device) (driver.Driver, error) {
		if device.Host == "" {
			return nil, fmt.Errorf("device %s has no host", device.Name)
		}
		return New(BaseURL(device), device.Username, device.Secret, timeout), nil
	}
}

// BaseURL derives the REST root of a device. A host that already carries
// a scheme is used as is.
func BaseURL(device *model.Device) string {
	host := device.Host
	if !strings.HasPrefix(host, "http://") && !strings.HasPrefix(host, "https://") {
		host = "https://" + host
	}
	if device.Port != 0 {
		host += ":" + strconv.Itoa(device.Port)
	}
	return strings.TrimSuffix(host, "/") + "/rest"
}

// Driver talks to one device over REST
type Driver struct {
	client *resty.Client
}

var _ driver.Driver = (*Driver)(nil)

// New creates a driver for the REST root baseURL
func New(baseURL, username, password string, timeout time.Duration) *Driver {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if username != "" {
		client.SetBasicAuth(username, password)
	}
	return &Driver{client: client}
}

func (d *Driver) Vendor() string { return Vendor }

func (d *Driver) Ping(ctx context.Context) error {
	resp, err := d.client.R().SetContext(ctx).Get(pathIdentity)
	return classify(ctx, "ping", resp, err)
}

func (d *Driver) Close() error {
	d.client.GetClient().CloseIdleConnections()
	return nil
}

func (d *Driver) AssignAddress(ctx context.Context, p driver.Params) (driver.Response, error) {
	return d.upsert(ctx, driver.VerbAssignAddress, pathAddressList,
		entry{"list": subscriberList, "comment": p.ServiceID},
		entry{"list": subscriberList, "comment": p.ServiceID, "address": p.Address})
}

func (d *Driver) ReleaseAddress(ctx context.Context, p driver.Params) (driver.Response, error) {
	return d.remove(ctx, driver.VerbReleaseAddress, pathAddressList, entry{"list": subscriberList, "comment": p.ServiceID})
}

func (d *Driver) CreateSubscriberCredential(ctx context.Context, p driver.Params) (driver.Response, error) {
	if p.Username == "" {
		return driver.Response{Vendor: Vendor, Verb: driver.VerbCreateCredential}, fmt.Errorf("username is required")
	}
	desired := entry{"name": p.Username, "password": p.Secret, "service": "pppoe", "comment": p.ServiceID, "disabled": "false"}
	if p.Address != "" {
		desired["remote-address"] = p.Address
	}
	return d.upsert(ctx, driver.VerbCreateCredential, pathSecret, entry{"name": p.Username}, desired)
}

func (d *Driver) DisableSubscriberCredential(ctx context.Context, p driver.Params) (driver.Response, error) {
	resp := driver.Response{Vendor: Vendor, Verb: driver.VerbDisableCredential}
	found, err := d.find(ctx, pathSecret, entry{"name": p.Username})
	if err != nil || len(found) == 0 {
		return resp, err
	}
	return d.patch(ctx, resp, pathSecret, found[0], entry{"disabled": "true"})
}

func (d *Driver) EnableSubscriberCredential(ctx context.Context, p driver.Params) (driver.Response, error) {
	resp := driver.Response{Vendor: Vendor, Verb: driver.VerbEnableCredential}
	found, err := d.find(ctx, pathSecret, entry{"name": p.Username})
	if err != nil {
		return resp, err
	}
	if len(found) == 0 {
		return resp, fmt.Errorf("credential %q not found", p.Username)
	}
	return d.patch(ctx, resp, pathSecret, found[0], entry{"disabled": "false"})
}

func (d *Driver) AddTrafficFilter(ctx context.Context, p driver.Params) (driver.Response, error) {
	list := namePrefix + p.Filter
	return d.upsert(ctx, driver.VerbAddTrafficFilter, pathAddressList,
		entry{"list": list, "comment": p.ServiceID},
		entry{"list": list, "comment": p.ServiceID, "address": p.Address})
}

func (d *Driver) RemoveTrafficFilter(ctx context.Context, p driver.Params) (driver.Response, error) {
	return d.remove(ctx, driver.VerbRemoveTrafficFilter, pathAddressList, entry{"list": namePrefix + p.Filter, "comment": p.ServiceID})
}

func (d *Driver) ApplyBandwidthProfile(ctx context.Context, p driver.Params) (driver.Response, error) {
	if p.Profile == nil {
		return driver.Response{Vendor: Vendor, Verb: driver.VerbApplyBandwidthProfile}, fmt.Errorf("profile is required")
	}
	pr := p.Profile
	name := namePrefix + p.ServiceID
	desired := entry{
		"name":      name,
		"target":    p.Address + "/32",
		"max-limit": fmt.Sprintf("%d/%d", pr.UploadKbps*1000, pr.DownloadKbps*1000),
	}
	if pr.BurstUploadKbps > 0 || pr.BurstDownloadKbps > 0 {
		desired["burst-limit"] = fmt.Sprintf("%d/%d", pr.BurstUploadKbps*1000, pr.BurstDownloadKbps*1000)
	}
	if pr.Priority > 0 {
		desired["priority"] = fmt.Sprintf("%d/%d", pr.Priority, pr.Priority)
	}
	return d.upsert(ctx, driver.VerbApplyBandwidthProfile, pathQueue, entry{"name": name}, desired)
}

func (d *Driver) RemoveBandwidthProfile(ctx context.Context, p driver.Params) (driver.Response, error) {
	return d.remove(ctx, driver.VerbRemoveBandwidthProfile, pathQueue, entry{"name": namePrefix + p.ServiceID})
}

func (d *Driver) VerifyAddress(ctx context.Context, p driver.Params) (driver.Response, error) {
	resp := driver.Response{Vendor: Vendor, Verb: driver.VerbVerifyAddress}
	found, err := d.find(ctx, pathAddressList, entry{"list": subscriberList, "comment": p.ServiceID})
	if err != nil {
		return resp, err
	}
	for _, e := range found {
		if e["address"] == p.Address {
			return resp, nil
		}
	}
	return resp, fmt.Errorf("%w: %s not configured for %s", driver.ErrVerifyFailed, p.Address, p.ServiceID)
}

func (d *Driver) find(ctx context.Context, path string, query entry) ([]entry, error) {
	var found []entry
	resp, err := d.client.R().
		SetContext(ctx).
		SetQueryParams(query).
		SetResult(&found).
		Get(path)
	if err := classify(ctx, "GET "+path, resp, err); err != nil {
		return nil, err
	}
	return found, nil
}

func (d *Driver) upsert(ctx context.Context, verb, path string, query, desired entry) (driver.Response, error) {
	resp := driver.Response{Vendor: Vendor, Verb: verb}
	found, err := d.find(ctx, path, query)
	if err != nil {
		return resp, err
	}
	if len(found) > 0 {
		return d.patch(ctx, resp, path, found[0], desired)
	}

	r, err := d.client.R().SetContext(ctx).SetBody(desired).Put(path)
	if err := classify(ctx, "PUT "+path, r, err); err != nil {
		return resp, err
	}
	resp.Changed = true
	return resp, nil
}

// patch sends only the fields of desired that differ from current
func (d *Driver) patch(ctx context.Context, resp driver.Response, path string, current, desired entry) (driver.Response, error) {
	diff := entry{}
	for k, v := range desired {
		if current[k] != v {
			diff[k] = v
		}
	}
	if len(diff) == 0 {
		return resp, nil
	}

	r, err := d.client.R().SetContext(ctx).SetBody(diff).Patch(path + "/" + current[".id"])
	if err := classify(ctx, "PATCH "+path, r, err); err != nil {
		return resp, err
	}
	resp.Changed = true
	return resp, nil
}

func (d *Driver) remove(ctx context.Context, verb, path string, query entry) (driver.Response, error) {
	resp := driver.Response{Vendor: Vendor, Verb: verb}
	found, err := d.find(ctx, path, query)
	if err != nil {
		return resp, err
	}
	for _, e := range found {
		r, err := d.client.R().SetContext(ctx).Delete(path + "/" + e[".id"])
		if r != nil && r.StatusCode() == http.StatusNotFound {
			continue
		}
		if err := classify(ctx, "DELETE "+path, r, err); err != nil {
			return resp, err
		}
		resp.Changed = true
	}
	return resp, nil
}

// classify maps transport failures and 5xx answers to ErrTransient
func classify(ctx context.Context, op string, resp *resty.Response, err error) error {
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%s: %w: %v", op, driver.ErrTransient, err)
	}
	switch {
	case resp.StatusCode() >= 500:
		return fmt.Errorf("%s: %w: status %d", op, driver.ErrTransient, resp.StatusCode())
	case resp.IsError():
		return fmt.Errorf("%s: status %d: %s", op, resp.StatusCode(), strings.TrimSpace(resp.String()))
	}
	return nil
}
