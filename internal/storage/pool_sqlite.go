package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/martinsuchenak/netprov/internal/model"
)

const subnetColumns = `id, device_id, cidr, gateway, dns, vlan, status, total_addresses, used_addresses, created_at, updated_at`

const addressColumns = `id, subnet_id, ip, seq, status, service_id, customer_id, assigned_at, updated_at`

// CreateSubnet stores a subnet together with its full address arena in
// one transaction.
func (ss *SQLiteStorage) CreateSubnet(ctx context.Context, subnet *model.Subnet, addresses []model.Address) error {
	if subnet == nil || subnet.DeviceID == "" || subnet.CIDR == "" {
		return ErrInvalidID
	}

	ss.mu.Lock()
	defer ss.mu.Unlock()

	if subnet.ID == "" {
		subnet.ID = generateUUID()
	}
	if subnet.Status == "" {
		subnet.Status = model.SubnetActive
	}
	ts := now()
	subnet.CreatedAt = ts
	subnet.UpdatedAt = ts

	total, used := 0, 0
	for _, a := range addresses {
		switch a.Status {
		case model.AddressReserved:
		case model.AddressAssigned, model.AddressBlocked:
			total++
			used++
		default:
			total++
		}
	}
	subnet.TotalAddresses = total
	subnet.UsedAddresses = used

	tx, err := ss.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO subnets (`+subnetColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, subnet.ID, subnet.DeviceID, subnet.CIDR, subnet.Gateway, jsonBytes(subnet.DNS), subnet.VLAN,
		subnet.Status, subnet.TotalAddresses, subnet.UsedAddresses, subnet.CreatedAt, subnet.UpdatedAt)
	if err != nil {
		switch {
		case isUniqueViolation(err):
			return fmt.Errorf("subnet %s: %w", subnet.CIDR, ErrAlreadyExists)
		case isForeignKeyViolation(err):
			return ErrDeviceNotFound
		}
		return fmt.Errorf("inserting subnet: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO addresses (`+addressColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("preparing address insert: %w", err)
	}
	defer stmt.Close()

	for i := range addresses {
		a := &addresses[i]
		if a.ID == "" {
			a.ID = generateUUID()
		}
		if a.Status == "" {
			a.Status = model.AddressAvailable
		}
		a.SubnetID = subnet.ID
		a.UpdatedAt = ts
		if _, err := stmt.ExecContext(ctx, a.ID, a.SubnetID, a.IP, a.Seq, a.Status,
			nullString(a.ServiceID), nullString(a.CustomerID), timePtr(a.AssignedAt), a.UpdatedAt); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("address %s: %w", a.IP, ErrAlreadyExists)
			}
			return fmt.Errorf("inserting address %s: %w", a.IP, err)
		}
	}

	return tx.Commit()
}

// GetSubnet returns a subnet by ID
func (ss *SQLiteStorage) GetSubnet(ctx context.Context, id string) (*model.Subnet, error) {
	ss.mu.RLock()
	defer ss.mu.RUnlock()

	s, err := scanSubnet(ss.db.QueryRowContext(ctx, `SELECT `+subnetColumns+` FROM subnets WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSubnetNotFound
	}
	return s, err
}

// ListSubnets returns subnets, optionally restricted to one device, in
// creation order.
func (ss *SQLiteStorage) ListSubnets(ctx context.Context, deviceID string) ([]model.Subnet, error) {
	ss.mu.RLock()
	defer ss.mu.RUnlock()

	query := `SELECT ` + subnetColumns + ` FROM subnets`
	var args []interface{}
	if deviceID != "" {
		query += ` WHERE device_id = ?`
		args = append(args, deviceID)
	}
	query += ` ORDER BY created_at, cidr`

	rows, err := ss.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying subnets: %w", err)
	}
	defer rows.Close()

	var subnets []model.Subnet
	for rows.Next() {
		s, err := scanSubnet(rows)
		if err != nil {
			return nil, err
		}
		subnets = append(subnets, *s)
	}
	return subnets, rows.Err()
}

// GetAddress returns an address by ID
func (ss *SQLiteStorage) GetAddress(ctx context.Context, id string) (*model.Address, error) {
	ss.mu.RLock()
	defer ss.mu.RUnlock()

	return ss.queryAddress(ctx, `SELECT `+addressColumns+` FROM addresses WHERE id = ?`, id)
}

// ListAddresses returns a subnet's addresses in arena order. An empty
// status returns all of them.
func (ss *SQLiteStorage) ListAddresses(ctx context.Context, subnetID string, status model.AddressStatus) ([]model.Address, error) {
	ss.mu.RLock()
	defer ss.mu.RUnlock()

	query := `SELECT ` + addressColumns + ` FROM addresses WHERE subnet_id = ?`
	args := []interface{}{subnetID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY seq`

	rows, err := ss.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying addresses: %w", err)
	}
	defer rows.Close()

	var out []model.Address
	for rows.Next() {
		a, err := scanAddress(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// NextAvailableAddress returns the lowest available address of a subnet,
// or ErrAddressNotFound when the subnet is full.
func (ss *SQLiteStorage) NextAvailableAddress(ctx context.Context, subnetID string) (*model.Address, error) {
	ss.mu.RLock()
	defer ss.mu.RUnlock()

	return ss.queryAddress(ctx, `
		SELECT `+addressColumns+` FROM addresses
		WHERE subnet_id = ? AND status = 'available'
		ORDER BY seq LIMIT 1
	`, subnetID)
}

// ClaimAddress moves an address from available to assigned. It reports
// false, with no error, when another caller got there first.
func (ss *SQLiteStorage) ClaimAddress(ctx context.Context, addressID string, owner model.AddressOwner, at time.Time) (bool, error) {
	if owner.ServiceID == "" {
		return false, ErrInvalidID
	}

	ss.mu.Lock()
	defer ss.mu.Unlock()

	tx, err := ss.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	at = at.UTC()
	result, err := tx.ExecContext(ctx, `
		UPDATE addresses SET status = 'assigned', service_id = ?, customer_id = ?, assigned_at = ?, updated_at = ?
		WHERE id = ? AND status = 'available'
	`, owner.ServiceID, nullString(owner.CustomerID), at, at, addressID)
	if err != nil {
		if isUniqueViolation(err) {
			return false, fmt.Errorf("service %s already holds an address: %w", owner.ServiceID, ErrAlreadyExists)
		}
		return false, fmt.Errorf("claiming address: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}

	if err := recountSubnet(ctx, tx, `(SELECT subnet_id FROM addresses WHERE id = ?)`, addressID); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

// ReleaseAddress returns an assigned address to the pool. Releasing an
// address that is not assigned is a no-op reported as false.
func (ss *SQLiteStorage) ReleaseAddress(ctx context.Context, addressID string) (bool, error) {
	return ss.transitionAddress(ctx, addressID, model.AddressAssigned, model.AddressAvailable)
}

// SetAddressBlocked withholds an available address from allocation, or
// returns a blocked one to the pool.
func (ss *SQLiteStorage) SetAddressBlocked(ctx context.Context, addressID string, blocked bool) (bool, error) {
	if blocked {
		return ss.transitionAddress(ctx, addressID, model.AddressAvailable, model.AddressBlocked)
	}
	return ss.transitionAddress(ctx, addressID, model.AddressBlocked, model.AddressAvailable)
}

func (ss *SQLiteStorage) transitionAddress(ctx context.Context, addressID string, from, to model.AddressStatus) (bool, error) {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	tx, err := ss.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var subnetID string
	err = tx.QueryRowContext(ctx, `SELECT subnet_id FROM addresses WHERE id = ?`, addressID).Scan(&subnetID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrAddressNotFound
	}
	if err != nil {
		return false, err
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE addresses SET status = ?, service_id = NULL, customer_id = NULL, assigned_at = NULL, updated_at = ?
		WHERE id = ? AND status = ?
	`, to, now(), addressID, from)
	if err != nil {
		return false, fmt.Errorf("updating address: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}

	if err := recountSubnet(ctx, tx, `?`, subnetID); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

// SubnetUtilization summarizes address usage per subnet, optionally for
// one device only.
func (ss *SQLiteStorage) SubnetUtilization(ctx context.Context, deviceID string) ([]model.Utilization, error) {
	ss.mu.RLock()
	defer ss.mu.RUnlock()

	query := `
		SELECT s.id, s.cidr,
			COUNT(a.id),
			COALESCE(SUM(CASE WHEN a.status = 'assigned' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN a.status = 'reserved' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN a.status = 'blocked' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN a.status = 'available' THEN 1 ELSE 0 END), 0)
		FROM subnets s
		LEFT JOIN addresses a ON a.subnet_id = s.id`
	var args []interface{}
	if deviceID != "" {
		query += ` WHERE s.device_id = ?`
		args = append(args, deviceID)
	}
	query += ` GROUP BY s.id, s.cidr ORDER BY s.created_at, s.cidr`

	rows, err := ss.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying utilization: %w", err)
	}
	defer rows.Close()

	var out []model.Utilization
	for rows.Next() {
		var u model.Utilization
		if err := rows.Scan(&u.SubnetID, &u.CIDR, &u.Total, &u.Assigned, &u.Reserved, &u.Blocked, &u.Available); err != nil {
			return nil, err
		}
		if usable := u.Total - u.Reserved; usable > 0 {
			u.Percent = float64(u.Assigned+u.Blocked) * 100 / float64(usable)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// recountSubnet recomputes used_addresses from the arena so the counter
// can never drift from the rows it summarizes.
func recountSubnet(ctx context.Context, tx *sql.Tx, subnetExpr string, arg interface{}) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE subnets SET
			used_addresses = (SELECT COUNT(*) FROM addresses
				WHERE addresses.subnet_id = subnets.id AND status IN ('assigned', 'blocked')),
			updated_at = ?
		WHERE id = `+subnetExpr, now(), arg)
	if err != nil {
		return fmt.Errorf("recounting subnet: %w", err)
	}
	return nil
}

func (ss *SQLiteStorage) queryAddress(ctx context.Context, query string, args ...interface{}) (*model.Address, error) {
	a, err := scanAddress(ss.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAddressNotFound
	}
	return a, err
}

func scanSubnet(row rowScanner) (*model.Subnet, error) {
	var s model.Subnet
	var dns sql.NullString
	if err := row.Scan(&s.ID, &s.DeviceID, &s.CIDR, &s.Gateway, &dns, &s.VLAN, &s.Status,
		&s.TotalAddresses, &s.UsedAddresses, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, err
	}
	if dns.Valid && dns.String != "" {
		if err := json.Unmarshal([]byte(dns.String), &s.DNS); err != nil {
			return nil, fmt.Errorf("decoding subnet dns: %w", err)
		}
	}
	return &s, nil
}

func scanAddress(row rowScanner) (*model.Address, error) {
	var a model.Address
	var serviceID, customerID sql.NullString
	var assignedAt sql.NullTime
	if err := row.Scan(&a.ID, &a.SubnetID, &a.IP, &a.Seq, &a.Status, &serviceID, &customerID,
		&assignedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.ServiceID = serviceID.String
	a.CustomerID = customerID.String
	a.AssignedAt = nullTimePtr(assignedAt)
	return &a, nil
}

func isForeignKeyViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}
