// Package driver abstracts the vendor-specific commands that configure a
// network element for a subscriber.
package driver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/martinsuchenak/netprov/internal/model"
)

var (
	// ErrUnreachable means the device failed the liveness handshake or the
	// connection dropped. Nothing was changed on the device.
	ErrUnreachable = errors.New("device unreachable")
	// ErrTransient marks a command failure worth retrying locally
	ErrTransient = errors.New("transient device error")
	// ErrUnsupported means the vendor has no equivalent for a verb
	ErrUnsupported = errors.New("operation not supported by vendor")
	// ErrUnknownVendor means no factory is registered for a device's vendor
	ErrUnknownVendor = errors.New("unknown vendor")
	// ErrVerifyFailed means the device does not show the expected state
	ErrVerifyFailed = errors.New("verification failed")
)

// Verbs understood by every driver
const (
	VerbAssignAddress          = "assign_address"
	VerbReleaseAddress         = "release_address"
	VerbCreateCredential       = "create_subscriber_credential"
	VerbDisableCredential      = "disable_subscriber_credential"
	VerbEnableCredential       = "enable_subscriber_credential"
	VerbAddTrafficFilter       = "add_traffic_filter"
	VerbRemoveTrafficFilter    = "remove_traffic_filter"
	VerbApplyBandwidthProfile  = "apply_bandwidth_profile"
	VerbRemoveBandwidthProfile = "remove_bandwidth_profile"
	VerbVerifyAddress          = "verify_address"
)

// FilterSuspended is the traffic filter applied to suspended subscribers
const FilterSuspended = "suspended"

// Params carries everything a verb may need. Each verb reads only the
// fields relevant to it.
type Params struct {
	ServiceID string                  `json:"service_id"`
	Username  string                  `json:"username,omitempty"`
	Secret    string                  `json:"secret,omitempty"`
	Address   string                  `json:"address,omitempty"`
	Gateway   string                  `json:"gateway,omitempty"`
	VLAN      int                     `json:"vlan,omitempty"`
	Profile   *model.BandwidthProfile `json:"profile,omitempty"`
	Filter    string                  `json:"filter,omitempty"`
}

// Response is the structured result of one device command
type Response struct {
	Vendor  string          `json:"vendor"`
	Verb    string          `json:"verb"`
	Changed bool            `json:"changed"` // false when the device already had the desired state
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Driver configures one device. Every verb is idempotent: applying it to a
// device that already has the target state reports Changed=false and no error.
type Driver interface {
	Vendor() string
	Ping(ctx context.Context) error

	AssignAddress(ctx context.Context, p Params) (Response, error)
	ReleaseAddress(ctx context.Context, p Params) (Response, error)
	CreateSubscriberCredential(ctx context.Context, p Params) (Response, error)
	DisableSubscriberCredential(ctx context.Context, p Params) (Response, error)
	EnableSubscriberCredential(ctx context.Context, p Params) (Response, error)
	AddTrafficFilter(ctx context.Context, p Params) (Response, error)
	RemoveTrafficFilter(ctx context.Context, p Params) (Response, error)
	ApplyBandwidthProfile(ctx context.Context, p Params) (Response, error)
	RemoveBandwidthProfile(ctx context.Context, p Params) (Response, error)
	VerifyAddress(ctx context.Context, p Params) (Response, error)

	Close() error
}

// Command is a verb plus its parameters, storable in the retry queue
type Command struct {
	Verb   string `json:"verb"`
	Params Params `json:"params"`
}

// verbFamilies groups verbs that set the same piece of device state. A
// queued command is superseded by any later command of its family.
var verbFamilies = map[string]string{
	VerbAssignAddress:          "address",
	VerbReleaseAddress:         "address",
	VerbCreateCredential:       "credential",
	VerbDisableCredential:      "credential",
	VerbEnableCredential:       "credential",
	VerbAddTrafficFilter:       "filter",
	VerbRemoveTrafficFilter:    "filter",
	VerbApplyBandwidthProfile:  "profile",
	VerbRemoveBandwidthProfile: "profile",
}

// Family returns the state a verb sets; verbs outside any family are their own
func Family(verb string) string {
	if f, ok := verbFamilies[verb]; ok {
		return f
	}
	return verb
}

// DedupKey identifies pending work on one piece of state of one subject,
// so enqueuing a command replaces whatever is queued for that state.
func (c Command) DedupKey(deviceID string) string {
	subject := c.Params.ServiceID
	if subject == "" {
		subject = c.Params.Username
	}
	if subject == "" {
		subject = c.Params.Address
	}
	return deviceID + "|" + Family(c.Verb) + "|" + subject
}

// DecodeCommand rebuilds a command from its stored verb and params
func DecodeCommand(verb string, params json.RawMessage) (Command, error) {
	cmd := Command{Verb: verb}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &cmd.Params); err != nil {
			return cmd, fmt.Errorf("decoding %s params: %w", verb, err)
		}
	}
	return cmd, nil
}

// Execute dispatches cmd to the matching driver verb
func Execute(ctx context.Context, drv Driver, cmd Command) (Response, error) {
	switch cmd.Verb {
	case VerbAssignAddress:
		return drv.AssignAddress(ctx, cmd.Params)
	case VerbReleaseAddress:
		return drv.ReleaseAddress(ctx, cmd.Params)
	case VerbCreateCredential:
		return drv.CreateSubscriberCredential(ctx, cmd.Params)
	case VerbDisableCredential:
		return drv.DisableSubscriberCredential(ctx, cmd.Params)
	case VerbEnableCredential:
		return drv.EnableSubscriberCredential(ctx, cmd.Params)
	case VerbAddTrafficFilter:
		return drv.AddTrafficFilter(ctx, cmd.Params)
	case VerbRemoveTrafficFilter:
		return drv.RemoveTrafficFilter(ctx, cmd.Params)
	case VerbApplyBandwidthProfile:
		return drv.ApplyBandwidthProfile(ctx, cmd.Params)
	case VerbRemoveBandwidthProfile:
		return drv.RemoveBandwidthProfile(ctx, cmd.Params)
	case VerbVerifyAddress:
		return drv.VerifyAddress(ctx, cmd.Params)
	}
	return Response{}, fmt.Errorf("%s: %w", cmd.Verb, ErrUnsupported)
}
