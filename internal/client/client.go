// Package client is the HTTP client the CLI uses to talk to a running
// netprov server.
package client

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/paularlott/cli"

	"github.com/martinsuchenak/netprov/internal/ipam"
	"github.com/martinsuchenak/netprov/internal/model"
	"github.com/martinsuchenak/netprov/internal/provision"
	"github.com/martinsuchenak/netprov/internal/retry"
	"github.com/martinsuchenak/netprov/internal/scanner"
)

// APIError is a non-2xx response from the server
type APIError struct {
	Status  int    `json:"-"`
	Message string `json:"error"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server error: %d %s", e.Status, http.StatusText(e.Status))
	}
	return fmt.Sprintf("server error: %d %s", e.Status, e.Message)
}

// Client calls the netprov REST API
type Client struct {
	http *resty.Client
}

// New creates a client for baseURL. An empty token sends no Authorization
// header.
func New(baseURL, token string) *Client {
	c := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(2*time.Minute). // a saga runs synchronously
		SetHeader("Accept", "application/json")
	if token != "" {
		c.SetAuthToken(token)
	}
	return &Client{http: c}
}

func (c *Client) req(ctx context.Context) *resty.Request {
	return c.http.R().SetContext(ctx).SetError(&APIError{})
}

func check(resp *resty.Response, err error) error {
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	if !resp.IsError() {
		return nil
	}
	apiErr, _ := resp.Error().(*APIError)
	if apiErr == nil {
		apiErr = &APIError{}
	}
	apiErr.Status = resp.StatusCode()
	return apiErr
}

// RequestActivation runs a saga and returns its outcome. A failed saga is
// reported in the result, not as an error.
func (c *Client) RequestActivation(ctx context.Context, req provision.Request) (*provision.Result, error) {
	var res provision.Result
	resp, err := c.http.R().SetContext(ctx).
		SetBody(req).
		SetResult(&res).
		SetError(&res).
		Post("/api/activations")
	if err != nil {
		return nil, fmt.Errorf("failed to connect to server: %w", err)
	}
	if resp.IsError() && res.Code == "" {
		return nil, &APIError{Status: resp.StatusCode(), Message: resp.String()}
	}
	return &res, nil
}

// Activation fetches an activation with its step log
func (c *Client) Activation(ctx context.Context, id string) (*model.Activation, error) {
	var act model.Activation
	err := check(c.req(ctx).SetResult(&act).SetPathParam("id", id).Get("/api/activations/{id}"))
	if err != nil {
		return nil, err
	}
	return &act, nil
}

// ServiceStatus fetches a service with its binding and sync state
func (c *Client) ServiceStatus(ctx context.Context, serviceID string) (*provision.ServiceState, error) {
	var st provision.ServiceState
	err := check(c.req(ctx).SetResult(&st).SetPathParam("id", serviceID).Get("/api/services/{id}/status"))
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// Resync re-pushes a service's configuration. It reports whether any
// command was queued for retry.
func (c *Client) Resync(ctx context.Context, serviceID string) (bool, error) {
	var out struct {
		Queued bool `json:"queued"`
	}
	err := check(c.req(ctx).SetResult(&out).SetPathParam("id", serviceID).Post("/api/services/{id}/resync"))
	return out.Queued, err
}

// ReleaseCustomer tears down every service of a customer
func (c *Client) ReleaseCustomer(ctx context.Context, customerID string) (*provision.ReleaseResult, error) {
	var res provision.ReleaseResult
	err := check(c.req(ctx).SetResult(&res).SetPathParam("id", customerID).Post("/api/customers/{id}/release"))
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// SavePlan creates or replaces a plan
func (c *Client) SavePlan(ctx context.Context, plan *model.ServicePlan) (*model.ServicePlan, error) {
	var saved model.ServicePlan
	err := check(c.req(ctx).SetBody(plan).SetResult(&saved).SetPathParam("id", plan.ID).Put("/api/plans/{id}"))
	if err != nil {
		return nil, err
	}
	return &saved, nil
}

// Plans lists every plan
func (c *Client) Plans(ctx context.Context) ([]model.ServicePlan, error) {
	var plans []model.ServicePlan
	err := check(c.req(ctx).SetResult(&plans).Get("/api/plans"))
	return plans, err
}

// DeviceRequest registers a device together with its credentials
type DeviceRequest struct {
	model.Device
	Secret        string `json:"secret,omitempty"`
	SNMPCommunity string `json:"snmp_community,omitempty"`
}

// AddDevice registers a device
func (c *Client) AddDevice(ctx context.Context, req DeviceRequest) (*model.Device, error) {
	var device model.Device
	err := check(c.req(ctx).SetBody(req).SetResult(&device).Post("/api/devices"))
	if err != nil {
		return nil, err
	}
	return &device, nil
}

// Devices lists devices, optionally filtered by location and status
func (c *Client) Devices(ctx context.Context, location string, status model.DeviceStatus) ([]model.Device, error) {
	var devices []model.Device
	r := c.req(ctx).SetResult(&devices)
	if location != "" {
		r.SetQueryParam("location", location)
	}
	if status != "" {
		r.SetQueryParam("status", string(status))
	}
	err := check(r.Get("/api/devices"))
	return devices, err
}

// AddSubnet adds a block to a device's pool
func (c *Client) AddSubnet(ctx context.Context, req ipam.SubnetRequest) (*model.Subnet, error) {
	var subnet model.Subnet
	err := check(c.req(ctx).SetBody(req).SetResult(&subnet).SetPathParam("id", req.DeviceID).Post("/api/devices/{id}/subnets"))
	if err != nil {
		return nil, err
	}
	return &subnet, nil
}

// Utilization reports a device's pool usage
func (c *Client) Utilization(ctx context.Context, deviceID string) ([]model.Utilization, error) {
	var usage []model.Utilization
	err := check(c.req(ctx).SetResult(&usage).SetPathParam("id", deviceID).Get("/api/devices/{id}/utilization"))
	return usage, err
}

// ProbeDevice runs a liveness check now
func (c *Client) ProbeDevice(ctx context.Context, deviceID string) (*scanner.Result, error) {
	var res scanner.Result
	err := check(c.req(ctx).SetResult(&res).SetPathParam("id", deviceID).Post("/api/devices/{id}/probe"))
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// DeactivateDevice takes a device out of allocation
func (c *Client) DeactivateDevice(ctx context.Context, deviceID string) (*model.Device, error) {
	var device model.Device
	err := check(c.req(ctx).SetResult(&device).SetPathParam("id", deviceID).Post("/api/devices/{id}/deactivate"))
	if err != nil {
		return nil, err
	}
	return &device, nil
}

// RetryOperations lists the retry queue
func (c *Client) RetryOperations(ctx context.Context, status model.RetryStatus, limit int) ([]model.RetryableOperation, error) {
	var ops []model.RetryableOperation
	r := c.req(ctx).SetResult(&ops)
	if status != "" {
		r.SetQueryParam("status", string(status))
	}
	if limit > 0 {
		r.SetQueryParam("limit", strconv.Itoa(limit))
	}
	err := check(r.Get("/api/retry"))
	return ops, err
}

// DrainRetries replays due operations now
func (c *Client) DrainRetries(ctx context.Context, batch int) (*retry.DrainResult, error) {
	var res retry.DrainResult
	r := c.req(ctx).SetResult(&res)
	if batch > 0 {
		r.SetQueryParam("batch", strconv.Itoa(batch))
	}
	if err := check(r.Post("/api/retry/drain")); err != nil {
		return nil, err
	}
	return &res, nil
}

// Getter reads parsed flag values
type Getter interface {
	GetString(name string) string
}

// Flags are the global connection flags of the CLI commands
func Flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:         "server",
			Aliases:      []string{"s"},
			Usage:        "Server URL",
			DefaultValue: "http://localhost:8080",
			EnvVars:      []string{"NETPROV_URL"},
			Global:       true,
		},
		&cli.StringFlag{
			Name:    "token",
			Usage:   "API bearer token",
			EnvVars: []string{"NETPROV_API_TOKEN"},
			Global:  true,
		},
	}
}

// FromCommand builds a client from the global connection flags
func FromCommand(cmd Getter) *Client {
	return New(cmd.GetString("server"), cmd.GetString("token"))
}
