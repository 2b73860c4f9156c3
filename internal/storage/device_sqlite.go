package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/martinsuchenak/netprov/internal/model"
)

// active_subscribers counts services that still hold configuration on the device
const deviceColumns = `
	d.id, d.name, d.vendor, d.host, d.port, d.username, d.secret, d.host_key,
	d.snmp_community, d.location, d.status, d.max_subscribers,
	(SELECT COUNT(*) FROM customer_services cs
	  WHERE cs.device_id = d.id AND cs.status IN ('active', 'suspended')) AS active_subscribers,
	d.last_checked_at, d.last_check_result, d.created_at, d.updated_at
`

// CreateDevice registers a new device. Name must be unique.
func (ss *SQLiteStorage) CreateDevice(ctx context.Context, device *model.Device) error {
	if device == nil || device.Name == "" {
		return ErrInvalidID
	}

	ss.mu.Lock()
	defer ss.mu.Unlock()

	if device.ID == "" {
		device.ID = generateUUID()
	}
	if device.Status == "" {
		device.Status = model.DeviceActive
	}
	ts := now()
	device.CreatedAt = ts
	device.UpdatedAt = ts

	_, err := ss.db.ExecContext(ctx, `
		INSERT INTO devices (id, name, vendor, host, port, username, secret, host_key,
			snmp_community, location, status, max_subscribers, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, device.ID, device.Name, device.Vendor, device.Host, device.Port,
		nullString(device.Username), nullString(device.Secret), nullString(device.HostKey),
		nullString(device.SNMPCommunity), device.Location, device.Status, device.MaxSubscribers,
		device.CreatedAt, device.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("device %q: %w", device.Name, ErrAlreadyExists)
		}
		return fmt.Errorf("inserting device: %w", err)
	}
	return nil
}

// GetDevice looks a device up by ID, falling back to a case-insensitive name match
func (ss *SQLiteStorage) GetDevice(ctx context.Context, id string) (*model.Device, error) {
	if id == "" {
		return nil, ErrInvalidID
	}

	ss.mu.RLock()
	defer ss.mu.RUnlock()

	device, err := ss.queryDevice(ctx, `SELECT `+deviceColumns+` FROM devices d WHERE d.id = ? LIMIT 1`, id)
	if err == nil {
		return device, nil
	}
	if !errors.Is(err, ErrDeviceNotFound) {
		return nil, err
	}

	return ss.queryDevice(ctx, `SELECT `+deviceColumns+` FROM devices d WHERE LOWER(d.name) = LOWER(?) LIMIT 1`, id)
}

// ListDevices returns devices ordered by name
func (ss *SQLiteStorage) ListDevices(ctx context.Context, filter *model.DeviceFilter) ([]model.Device, error) {
	ss.mu.RLock()
	defer ss.mu.RUnlock()

	query := `SELECT ` + deviceColumns + ` FROM devices d WHERE 1=1`
	var args []interface{}
	if filter != nil {
		if filter.Status != "" {
			query += ` AND d.status = ?`
			args = append(args, filter.Status)
		}
		if filter.Location != "" {
			query += ` AND d.location = ?`
			args = append(args, filter.Location)
		}
	}
	query += ` ORDER BY d.name`

	rows, err := ss.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying devices: %w", err)
	}
	defer rows.Close()

	var devices []model.Device
	for rows.Next() {
		device, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, *device)
	}
	return devices, rows.Err()
}

// UpdateDevice replaces the mutable fields of a device
func (ss *SQLiteStorage) UpdateDevice(ctx context.Context, device *model.Device) error {
	if device == nil || device.ID == "" {
		return ErrInvalidID
	}

	ss.mu.Lock()
	defer ss.mu.Unlock()

	device.UpdatedAt = now()
	result, err := ss.db.ExecContext(ctx, `
		UPDATE devices SET name = ?, vendor = ?, host = ?, port = ?, username = ?, secret = ?,
			host_key = ?, snmp_community = ?, location = ?, status = ?, max_subscribers = ?, updated_at = ?
		WHERE id = ?
	`, device.Name, device.Vendor, device.Host, device.Port, nullString(device.Username),
		nullString(device.Secret), nullString(device.HostKey), nullString(device.SNMPCommunity),
		device.Location, device.Status, device.MaxSubscribers, device.UpdatedAt, device.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("device %q: %w", device.Name, ErrAlreadyExists)
		}
		return fmt.Errorf("updating device: %w", err)
	}
	return requireRow(result, ErrDeviceNotFound)
}

// UpdateDeviceHealth records the outcome of a health check
func (ss *SQLiteStorage) UpdateDeviceHealth(ctx context.Context, id string, status model.DeviceStatus, result string, checkedAt time.Time) error {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	res, err := ss.db.ExecContext(ctx, `
		UPDATE devices SET status = ?, last_checked_at = ?, last_check_result = ?, updated_at = ?
		WHERE id = ?
	`, status, checkedAt.UTC(), nullString(result), now(), id)
	if err != nil {
		return fmt.Errorf("updating device health: %w", err)
	}
	return requireRow(res, ErrDeviceNotFound)
}

// ListDeviceAvailability returns active devices with the number of
// available addresses across their active subnets.
func (ss *SQLiteStorage) ListDeviceAvailability(ctx context.Context) ([]model.DeviceAvailability, error) {
	ss.mu.RLock()
	defer ss.mu.RUnlock()

	rows, err := ss.db.QueryContext(ctx, `
		SELECT `+deviceColumns+`,
			(SELECT COALESCE(SUM(s.total_addresses - s.used_addresses), 0) FROM subnets s
			  WHERE s.device_id = d.id AND s.status = 'active') AS available,
			(SELECT COUNT(*) FROM subnets s
			  WHERE s.device_id = d.id AND s.status = 'active') AS active_subnets
		FROM devices d
		WHERE d.status = 'active'
		ORDER BY d.name
	`)
	if err != nil {
		return nil, fmt.Errorf("querying device availability: %w", err)
	}
	defer rows.Close()

	var out []model.DeviceAvailability
	for rows.Next() {
		var av model.DeviceAvailability
		device, err := scanDevice(rows, &av.Available, &av.ActiveSubnets)
		if err != nil {
			return nil, err
		}
		av.Device = *device
		out = append(out, av)
	}
	return out, rows.Err()
}

func (ss *SQLiteStorage) queryDevice(ctx context.Context, query string, args ...interface{}) (*model.Device, error) {
	device, err := scanDevice(ss.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDeviceNotFound
	}
	return device, err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDevice(row rowScanner, extra ...interface{}) (*model.Device, error) {
	var d model.Device
	var username, secret, hostKey, community, checkResult sql.NullString
	var checkedAt sql.NullTime

	dest := []interface{}{
		&d.ID, &d.Name, &d.Vendor, &d.Host, &d.Port, &username, &secret, &hostKey,
		&community, &d.Location, &d.Status, &d.MaxSubscribers, &d.ActiveSubscribers,
		&checkedAt, &checkResult, &d.CreatedAt, &d.UpdatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}

	d.Username = username.String
	d.Secret = secret.String
	d.HostKey = hostKey.String
	d.SNMPCommunity = community.String
	d.LastCheckResult = checkResult.String
	d.LastCheckedAt = nullTimePtr(checkedAt)
	return &d, nil
}

func requireRow(result sql.Result, notFound error) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
