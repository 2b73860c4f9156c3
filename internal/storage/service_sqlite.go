package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/martinsuchenak/netprov/internal/model"
)

// SavePlan inserts or replaces a service plan
func (ss *SQLiteStorage) SavePlan(ctx context.Context, plan *model.ServicePlan) error {
	if plan == nil || plan.ID == "" {
		return ErrInvalidID
	}

	ss.mu.Lock()
	defer ss.mu.Unlock()

	ts := now()
	if plan.CreatedAt.IsZero() {
		plan.CreatedAt = ts
	}
	plan.UpdatedAt = ts

	_, err := ss.db.ExecContext(ctx, `
		INSERT INTO service_plans (id, name, download_kbps, upload_kbps, burst_download_kbps,
			burst_upload_kbps, priority, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			download_kbps = excluded.download_kbps,
			upload_kbps = excluded.upload_kbps,
			burst_download_kbps = excluded.burst_download_kbps,
			burst_upload_kbps = excluded.burst_upload_kbps,
			priority = excluded.priority,
			active = excluded.active,
			updated_at = excluded.updated_at
	`, plan.ID, plan.Name, plan.DownloadKbps, plan.UploadKbps, plan.BurstDownloadKbps,
		plan.BurstUploadKbps, plan.Priority, plan.Active, plan.CreatedAt, plan.UpdatedAt)
	if err != nil {
		return fmt.Errorf("saving plan: %w", err)
	}
	return nil
}

// GetPlan returns a service plan by ID
func (ss *SQLiteStorage) GetPlan(ctx context.Context, id string) (*model.ServicePlan, error) {
	ss.mu.RLock()
	defer ss.mu.RUnlock()

	p, err := scanPlan(ss.db.QueryRowContext(ctx, `
		SELECT id, name, download_kbps, upload_kbps, burst_download_kbps, burst_upload_kbps,
			priority, active, created_at, updated_at
		FROM service_plans WHERE id = ?
	`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPlanNotFound
	}
	return p, err
}

// ListPlans returns all plans ordered by name
func (ss *SQLiteStorage) ListPlans(ctx context.Context) ([]model.ServicePlan, error) {
	ss.mu.RLock()
	defer ss.mu.RUnlock()

	rows, err := ss.db.QueryContext(ctx, `
		SELECT id, name, download_kbps, upload_kbps, burst_download_kbps, burst_upload_kbps,
			priority, active, created_at, updated_at
		FROM service_plans ORDER BY name, id
	`)
	if err != nil {
		return nil, fmt.Errorf("querying plans: %w", err)
	}
	defer rows.Close()

	var plans []model.ServicePlan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		plans = append(plans, *p)
	}
	return plans, rows.Err()
}

const serviceColumns = `id, customer_id, plan_id, location, status, address_id, device_id, username,
	secret, profile, saved_profile, activated_at, suspended_at, terminated_at, created_at, updated_at`

// CreateService stores a new customer service
func (ss *SQLiteStorage) CreateService(ctx context.Context, svc *model.CustomerService) error {
	if svc == nil || svc.CustomerID == "" {
		return ErrInvalidID
	}

	ss.mu.Lock()
	defer ss.mu.Unlock()

	if svc.ID == "" {
		svc.ID = generateUUID()
	}
	if svc.Status == "" {
		svc.Status = model.ServicePending
	}
	ts := now()
	svc.CreatedAt = ts
	svc.UpdatedAt = ts

	_, err := ss.db.ExecContext(ctx, `
		INSERT INTO customer_services (`+serviceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, svc.ID, svc.CustomerID, svc.PlanID, svc.Location, svc.Status, nullString(svc.AddressID),
		nullString(svc.DeviceID), nullString(svc.Username), nullString(svc.Secret),
		jsonBytes(svc.Profile), jsonBytes(svc.SavedProfile), timePtr(svc.ActivatedAt),
		timePtr(svc.SuspendedAt), timePtr(svc.TerminatedAt), svc.CreatedAt, svc.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("service %s: %w", svc.ID, ErrAlreadyExists)
		}
		return fmt.Errorf("inserting service: %w", err)
	}
	return nil
}

// GetService returns a customer service by ID
func (ss *SQLiteStorage) GetService(ctx context.Context, id string) (*model.CustomerService, error) {
	ss.mu.RLock()
	defer ss.mu.RUnlock()

	svc, err := scanService(ss.db.QueryRowContext(ctx, `SELECT `+serviceColumns+` FROM customer_services WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrServiceNotFound
	}
	return svc, err
}

// UpdateService replaces every mutable field of a customer service
func (ss *SQLiteStorage) UpdateService(ctx context.Context, svc *model.CustomerService) error {
	if svc == nil || svc.ID == "" {
		return ErrInvalidID
	}

	ss.mu.Lock()
	defer ss.mu.Unlock()

	svc.UpdatedAt = now()
	result, err := ss.db.ExecContext(ctx, `
		UPDATE customer_services SET customer_id = ?, plan_id = ?, location = ?, status = ?,
			address_id = ?, device_id = ?, username = ?, secret = ?, profile = ?, saved_profile = ?,
			activated_at = ?, suspended_at = ?, terminated_at = ?, updated_at = ?
		WHERE id = ?
	`, svc.CustomerID, svc.PlanID, svc.Location, svc.Status, nullString(svc.AddressID),
		nullString(svc.DeviceID), nullString(svc.Username), nullString(svc.Secret),
		jsonBytes(svc.Profile), jsonBytes(svc.SavedProfile), timePtr(svc.ActivatedAt),
		timePtr(svc.SuspendedAt), timePtr(svc.TerminatedAt), svc.UpdatedAt, svc.ID)
	if err != nil {
		return fmt.Errorf("updating service: %w", err)
	}
	return requireRow(result, ErrServiceNotFound)
}

// ListServices returns services matching the filter in creation order
func (ss *SQLiteStorage) ListServices(ctx context.Context, filter *model.ServiceFilter) ([]model.CustomerService, error) {
	ss.mu.RLock()
	defer ss.mu.RUnlock()

	query := `SELECT ` + serviceColumns + ` FROM customer_services WHERE 1=1`
	var args []interface{}
	if filter != nil {
		if filter.CustomerID != "" {
			query += ` AND customer_id = ?`
			args = append(args, filter.CustomerID)
		}
		if filter.DeviceID != "" {
			query += ` AND device_id = ?`
			args = append(args, filter.DeviceID)
		}
		if filter.Status != "" {
			query += ` AND status = ?`
			args = append(args, filter.Status)
		}
	}
	query += ` ORDER BY created_at, id`

	rows, err := ss.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying services: %w", err)
	}
	defer rows.Close()

	var out []model.CustomerService
	for rows.Next() {
		svc, err := scanService(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *svc)
	}
	return out, rows.Err()
}

func scanPlan(row rowScanner) (*model.ServicePlan, error) {
	var p model.ServicePlan
	if err := row.Scan(&p.ID, &p.Name, &p.DownloadKbps, &p.UploadKbps, &p.BurstDownloadKbps,
		&p.BurstUploadKbps, &p.Priority, &p.Active, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

func scanService(row rowScanner) (*model.CustomerService, error) {
	var svc model.CustomerService
	var addressID, deviceID, username, secret, profile, saved sql.NullString
	var activatedAt, suspendedAt, terminatedAt sql.NullTime
	if err := row.Scan(&svc.ID, &svc.CustomerID, &svc.PlanID, &svc.Location, &svc.Status,
		&addressID, &deviceID, &username, &secret, &profile, &saved,
		&activatedAt, &suspendedAt, &terminatedAt, &svc.CreatedAt, &svc.UpdatedAt); err != nil {
		return nil, err
	}
	svc.AddressID = addressID.String
	svc.DeviceID = deviceID.String
	svc.Username = username.String
	svc.Secret = secret.String
	svc.Profile = rawJSON(profile)
	svc.SavedProfile = rawJSON(saved)
	svc.ActivatedAt = nullTimePtr(activatedAt)
	svc.SuspendedAt = nullTimePtr(suspendedAt)
	svc.TerminatedAt = nullTimePtr(terminatedAt)
	return &svc, nil
}
