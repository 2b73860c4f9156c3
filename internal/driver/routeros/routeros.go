// Package routeros drives RouterOS-style devices through their CLI over
// SSH. Subscribers map to PPP secrets, addresses and filters to firewall
// address lists, and bandwidth profiles to simple queues.
package routeros

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/martinsuchenak/netprov/internal/driver"
	"github.com/martinsuchenak/netprov/internal/model"
)

// Vendor is the registry tag of this driver
const Vendor = "routeros"

const (
	subscriberList = "netprov-subscribers"
	filterPrefix   = "netprov-"
	queuePrefix    = "netprov-"
)

// Factory returns a driver factory dialing devices with timeout
func Factory(timeout time.Duration) driver.Factory {
	return func(device *model.Device) (driver.Driver, error) {
		runner, err := newSSHRunner(device, timeout)
		if err != nil {
			return nil, err
		}
		return New(runner), nil
	}
}

// Driver translates driver verbs into RouterOS CLI commands. Create-only
// commands are preceded by an existence query so replays never duplicate.
type Driver struct {
	runner Runner
}

var _ driver.Driver = (*Driver)(nil)

// New creates a driver on top of runner
func New(runner Runner) *Driver {
	return &Driver{runner: runner}
}

func (d *Driver) Vendor() string { return Vendor }

func (d *Driver) Ping(ctx context.Context) error {
	_, err := d.run(ctx, "/system identity print")
	return err
}

func (d *Driver) Close() error {
	return d.runner.Close()
}

func (d *Driver) AssignAddress(ctx context.Context, p driver.Params) (driver.Response, error) {
	where := fmt.Sprintf("list=%s comment=%s", subscriberList, quote(p.ServiceID))
	return d.upsert(ctx, driver.VerbAssignAddress, "/ip firewall address-list",
		where, where+" address="+p.Address,
		fmt.Sprintf("list=%s address=%s comment=%s", subscriberList, p.Address, quote(p.ServiceID)),
		"address="+p.Address)
}

func (d *Driver) ReleaseAddress(ctx context.Context, p driver.Params) (driver.Response, error) {
	return d.remove(ctx, driver.VerbReleaseAddress, "/ip firewall address-list",
		fmt.Sprintf("list=%s comment=%s", subscriberList, quote(p.ServiceID)))
}

func (d *Driver) CreateSubscriberCredential(ctx context.Context, p driver.Params) (driver.Response, error) {
	if p.Username == "" {
		return driver.Response{Vendor: Vendor, Verb: driver.VerbCreateCredential}, fmt.Errorf("username is required")
	}
	where := "name=" + quote(p.Username)
	attrs := fmt.Sprintf("password=%s comment=%s disabled=no", quote(p.Secret), quote(p.ServiceID))
	if p.Address != "" {
		attrs += " remote-address=" + p.Address
	}
	return d.upsert(ctx, driver.VerbCreateCredential, "/ppp secret",
		where, where+" "+attrs, "name="+quote(p.Username)+" service=pppoe "+attrs, attrs)
}

func (d *Driver) DisableSubscriberCredential(ctx context.Context, p driver.Params) (driver.Response, error) {
	return d.toggle(ctx, driver.VerbDisableCredential, "/ppp secret", "name="+quote(p.Username), "disable", "no")
}

func (d *Driver) EnableSubscriberCredential(ctx context.Context, p driver.Params) (driver.Response, error) {
	resp, err := d.toggle(ctx, driver.VerbEnableCredential, "/ppp secret", "name="+quote(p.Username), "enable", "yes")
	if err != nil || resp.Changed {
		return resp, err
	}
	n, err := d.count(ctx, "/ppp secret", "name="+quote(p.Username))
	if err != nil {
		return resp, err
	}
	if n == 0 {
		return resp, fmt.Errorf("credential %q not found", p.Username)
	}
	return resp, nil
}

func (d *Driver) AddTrafficFilter(ctx context.Context, p driver.Params) (driver.Response, error) {
	list := filterPrefix + p.Filter
	where := fmt.Sprintf("list=%s comment=%s", list, quote(p.ServiceID))
	return d.upsert(ctx, driver.VerbAddTrafficFilter, "/ip firewall address-list",
		where, where+" address="+p.Address,
		fmt.Sprintf("list=%s address=%s comment=%s", list, p.Address, quote(p.ServiceID)),
		"address="+p.Address)
}

func (d *Driver) RemoveTrafficFilter(ctx context.Context, p driver.Params) (driver.Response, error) {
	return d.remove(ctx, driver.VerbRemoveTrafficFilter, "/ip firewall address-list",
		fmt.Sprintf("list=%s comment=%s", filterPrefix+p.Filter, quote(p.ServiceID)))
}

func (d *Driver) ApplyBandwidthProfile(ctx context.Context, p driver.Params) (driver.Response, error) {
	if p.Profile == nil {
		return driver.Response{Vendor: Vendor, Verb: driver.VerbApplyBandwidthProfile}, fmt.Errorf("profile is required")
	}
	name := quote(queuePrefix + p.ServiceID)
	attrs := queueAttrs(p)
	return d.upsert(ctx, driver.VerbApplyBandwidthProfile, "/queue simple",
		"name="+name, "name="+name+" "+attrs, "name="+name+" "+attrs, attrs)
}

func (d *Driver) RemoveBandwidthProfile(ctx context.Context, p driver.Params) (driver.Response, error) {
	return d.remove(ctx, driver.VerbRemoveBandwidthProfile, "/queue simple", "name="+quote(queuePrefix+p.ServiceID))
}

func (d *Driver) VerifyAddress(ctx context.Context, p driver.Params) (driver.Response, error) {
	resp := driver.Response{Vendor: Vendor, Verb: driver.VerbVerifyAddress}
	n, err := d.count(ctx, "/ip firewall address-list",
		fmt.Sprintf("list=%s comment=%s address=%s", subscriberList, quote(p.ServiceID), p.Address))
	if err != nil {
		return resp, err
	}
	if n == 0 {
		return resp, fmt.Errorf("%w: %s not configured for %s", driver.ErrVerifyFailed, p.Address, p.ServiceID)
	}
	return resp, nil
}

// upsert adds an entry unless one matching where exists. When exact is set
// and also matches, the device already has the desired state; otherwise the
// existing entry is updated with setAttrs.
func (d *Driver) upsert(ctx context.Context, verb, menu, where, exact, addAttrs, setAttrs string) (driver.Response, error) {
	resp := driver.Response{Vendor: Vendor, Verb: verb}

	if exact != "" {
		n, err := d.count(ctx, menu, exact)
		if err != nil {
			return resp, err
		}
		if n > 0 {
			return resp, nil
		}
	}

	n, err := d.count(ctx, menu, where)
	if err != nil {
		return resp, err
	}

	var cmd string
	if n > 0 {
		cmd = fmt.Sprintf("%s set [find where %s] %s", menu, where, setAttrs)
	} else {
		cmd = fmt.Sprintf("%s add %s", menu, addAttrs)
	}
	if _, err := d.run(ctx, cmd); err != nil {
		return resp, err
	}
	resp.Changed = true
	return resp, nil
}

func (d *Driver) remove(ctx context.Context, verb, menu, where string) (driver.Response, error) {
	resp := driver.Response{Vendor: Vendor, Verb: verb}
	n, err := d.count(ctx, menu, where)
	if err != nil || n == 0 {
		return resp, err
	}
	if _, err := d.run(ctx, fmt.Sprintf("%s remove [find where %s]", menu, where)); err != nil {
		return resp, err
	}
	resp.Changed = true
	return resp, nil
}

// toggle runs action on entries matching where whose disabled flag is from
func (d *Driver) toggle(ctx context.Context, verb, menu, where, action, from string) (driver.Response, error) {
	resp := driver.Response{Vendor: Vendor, Verb: verb}
	match := where + " disabled=" + from
	n, err := d.count(ctx, menu, match)
	if err != nil || n == 0 {
		return resp, err
	}
	if _, err := d.run(ctx, fmt.Sprintf("%s %s [find where %s]", menu, action, match)); err != nil {
		return resp, err
	}
	resp.Changed = true
	return resp, nil
}

func (d *Driver) count(ctx context.Context, menu, where string) (int, error) {
	out, err := d.run(ctx, fmt.Sprintf("%s print count-only where %s", menu, where))
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return 0, fmt.Errorf("unexpected count output %q", strings.TrimSpace(out))
	}
	return n, nil
}

// run executes a command and turns RouterOS error output into errors
func (d *Driver) run(ctx context.Context, cmd string) (string, error) {
	out, err := d.runner.Run(ctx, cmd)
	if err != nil {
		return out, err
	}
	trimmed := strings.TrimSpace(out)
	for _, prefix := range []string{"failure:", "syntax error", "expected end of command", "bad command name", "input does not match"} {
		if strings.HasPrefix(trimmed, prefix) {
			return out, fmt.Errorf("%s: %s", cmd, trimmed)
		}
	}
	return out, nil
}

func queueAttrs(p driver.Params) string {
	pr := p.Profile
	attrs := fmt.Sprintf("target=%s/32 max-limit=%dk/%dk", p.Address, pr.UploadKbps, pr.DownloadKbps)
	if pr.BurstUploadKbps > 0 || pr.BurstDownloadKbps > 0 {
		attrs += fmt.Sprintf(" burst-limit=%dk/%dk", pr.BurstUploadKbps, pr.BurstDownloadKbps)
	}
	if pr.Priority > 0 {
		attrs += fmt.Sprintf(" priority=%d/%d", pr.Priority, pr.Priority)
	}
	return attrs
}

func quote(s string) string {
	return strconv.Quote(s)
}
