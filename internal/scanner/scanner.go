// Package scanner probes registered devices and keeps their operational
// status in line with what the network actually answers.
package scanner

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gosnmp/gosnmp"

	"github.com/martinsuchenak/netprov/internal/audit"
	"github.com/martinsuchenak/netprov/internal/driver"
	"github.com/martinsuchenak/netprov/internal/log"
	"github.com/martinsuchenak/netprov/internal/model"
)

// sysUpTime.0
const oidSysUpTime = "1.3.6.1.2.1.1.3.0"

// Store is the persistence the prober needs
type Store interface {
	ListDevices(ctx context.Context, filter *model.DeviceFilter) ([]model.Device, error)
	UpdateDeviceHealth(ctx context.Context, id string, status model.DeviceStatus, result string, checkedAt time.Time) error
}

// Handshaker performs the vendor liveness handshake
type Handshaker interface {
	Driver(ctx context.Context, device *model.Device) (driver.Driver, error)
}

// Result is the outcome of probing one device
type Result struct {
	DeviceID  string             `json:"device_id"`
	Name      string             `json:"name"`
	Reachable bool               `json:"reachable"`
	Status    model.DeviceStatus `json:"status"`
	Changed   bool               `json:"changed"`
	Detail    string             `json:"detail"`
	CheckedAt time.Time          `json:"checked_at"`
}

// Prober checks device liveness through the vendor handshake and, when a
// community is configured, an SNMP sysUpTime query.
type Prober struct {
	store       Store
	handshake   Handshaker
	audit       *audit.Log
	timeout     time.Duration
	concurrency int

	snmpGet func(ctx context.Context, host, community string, timeout time.Duration) error
}

// NewProber creates a prober
func NewProber(store Store, handshake Handshaker, auditLog *audit.Log, timeout time.Duration) *Prober {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Prober{
		store:       store,
		handshake:   handshake,
		audit:       auditLog,
		timeout:     timeout,
		concurrency: 5,
		snmpGet:     snmpUptime,
	}
}

// Check probes one device and records the result. Devices in maintenance
// are probed but keep their status.
func (p *Prober) Check(ctx context.Context, device *model.Device) (Result, error) {
	res := Result{DeviceID: device.ID, Name: device.Name, Status: device.Status, CheckedAt: time.Now().UTC()}

	var problems []string
	drv, err := p.handshake.Driver(ctx, device)
	if err != nil {
		problems = append(problems, err.Error())
	} else {
		drv.Close()
	}

	if device.SNMPCommunity != "" {
		if err := p.snmpGet(ctx, hostOnly(device.Host), device.SNMPCommunity, p.timeout); err != nil {
			problems = append(problems, "snmp: "+err.Error())
		}
	}

	res.Reachable = len(problems) == 0
	res.Detail = "ok"
	if !res.Reachable {
		res.Detail = strings.Join(problems, "; ")
	}

	switch {
	case res.Reachable && device.Status == model.DeviceInactive:
		res.Status = model.DeviceActive
	case !res.Reachable && device.Status == model.DeviceActive:
		res.Status = model.DeviceInactive
	}
	res.Changed = res.Status != device.Status

	if err := p.store.UpdateDeviceHealth(ctx, device.ID, res.Status, res.Detail, res.CheckedAt); err != nil {
		return res, fmt.Errorf("recording health of %s: %w", device.Name, err)
	}

	if res.Changed {
		log.Info("Device status changed", "device_id", device.ID, "name", device.Name,
			"from", device.Status, "to", res.Status, "detail", res.Detail)
		p.audit.Record(ctx, model.Event{
			Kind:     model.EventDeviceHealth,
			DeviceID: device.ID,
			Message:  fmt.Sprintf("%s is now %s", device.Name, res.Status),
			Payload:  audit.Payload(res),
		})
	} else {
		log.Debug("Device probed", "device_id", device.ID, "reachable", res.Reachable)
	}
	return res, nil
}

// CheckAll probes every registered device with bounded concurrency
func (p *Prober) CheckAll(ctx context.Context) ([]Result, error) {
	devices, err := p.store.ListDevices(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("listing devices: %w", err)
	}

	sem := make(chan struct{}, p.concurrency)
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results = make([]Result, 0, len(devices))
	)

	for i := range devices {
		wg.Add(1)
		go func(device *model.Device) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			select {
			case <-ctx.Done():
				return
			default:
			}

			res, err := p.Check(ctx, device)
			if err != nil {
				log.Error("Health check failed", "device_id", device.ID, "error", err)
				return
			}
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
		}(&devices[i])
	}
	wg.Wait()

	log.Debug("Health check sweep finished", "devices", len(devices), "checked", len(results))
	return results, ctx.Err()
}

// snmpUptime reads sysUpTime with SNMP v2c
func snmpUptime(ctx context.Context, host, community string, timeout time.Duration) error {
	client := &gosnmp.GoSNMP{
		Target:    host,
		Port:      161,
		Community: community,
		Version:   gosnmp.Version2c,
		Timeout:   timeout,
		Retries:   1,
		Context:   ctx,
	}
	if err := client.Connect(); err != nil {
		return err
	}
	defer client.Conn.Close()

	pkt, err := client.Get([]string{oidSysUpTime})
	if err != nil {
		return err
	}
	if len(pkt.Variables) == 0 {
		return fmt.Errorf("empty response")
	}
	switch pkt.Variables[0].Type {
	case gosnmp.NoSuchObject, gosnmp.NoSuchInstance, gosnmp.Null:
		return fmt.Errorf("sysUpTime not available")
	}
	return nil
}

// hostOnly strips scheme and port from a device host
func hostOnly(host string) string {
	if strings.Contains(host, "://") {
		if u, err := url.Parse(host); err == nil {
			return u.Hostname()
		}
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}
