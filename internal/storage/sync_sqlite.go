package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/martinsuchenak/netprov/internal/log"
	"github.com/martinsuchenak/netprov/internal/model"
)

// UpsertSyncStatus records the latest known state of one (device, service) pair
func (ss *SQLiteStorage) UpsertSyncStatus(ctx context.Context, status *model.SyncStatus) error {
	if status == nil || status.DeviceID == "" || status.ServiceID == "" {
		return ErrInvalidID
	}

	ss.mu.Lock()
	defer ss.mu.Unlock()

	if status.LastCheckedAt.IsZero() {
		status.LastCheckedAt = now()
	}

	tx, err := ss.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// an out_of_sync pair stays so until its last queued command has replayed
	if status.State != model.SyncOutOfSync {
		var held bool
		err := tx.QueryRowContext(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM sync_status s
				JOIN retry_operations r ON r.device_id = s.device_id AND r.service_id = s.service_id
				WHERE s.device_id = ? AND s.service_id = ? AND s.state = ? AND r.status = ?
			)
		`, status.DeviceID, status.ServiceID, model.SyncOutOfSync, model.RetryPending).Scan(&held)
		if err != nil {
			return fmt.Errorf("checking pending retries: %w", err)
		}
		if held {
			log.Debug("Sync status held out of sync by pending retries", "device_id", status.DeviceID,
				"service_id", status.ServiceID, "state", status.State)
			return nil
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sync_status (device_id, service_id, address_id, state, last_operation, last_error, last_checked_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_id, service_id) DO UPDATE SET
			address_id = COALESCE(excluded.address_id, sync_status.address_id),
			state = excluded.state,
			last_operation = excluded.last_operation,
			last_error = excluded.last_error,
			last_checked_at = excluded.last_checked_at
	`, status.DeviceID, status.ServiceID, nullString(status.AddressID), status.State,
		nullString(status.LastOperation), nullString(status.LastError), status.LastCheckedAt.UTC())
	if err != nil {
		return fmt.Errorf("upserting sync status: %w", err)
	}
	return tx.Commit()
}

// ListSyncStatus returns the sync rows of a service, one per device it touched
func (ss *SQLiteStorage) ListSyncStatus(ctx context.Context, serviceID string) ([]model.SyncStatus, error) {
	ss.mu.RLock()
	defer ss.mu.RUnlock()

	rows, err := ss.db.QueryContext(ctx, `
		SELECT device_id, service_id, address_id, state, last_operation, last_error, last_checked_at
		FROM sync_status WHERE service_id = ?
		ORDER BY device_id
	`, serviceID)
	if err != nil {
		return nil, fmt.Errorf("querying sync status: %w", err)
	}
	defer rows.Close()

	var out []model.SyncStatus
	for rows.Next() {
		var s model.SyncStatus
		var addressID, op, lastErr sql.NullString
		if err := rows.Scan(&s.DeviceID, &s.ServiceID, &addressID, &s.State, &op, &lastErr, &s.LastCheckedAt); err != nil {
			return nil, err
		}
		s.AddressID = addressID.String
		s.LastOperation = op.String
		s.LastError = lastErr.String
		out = append(out, s)
	}
	return out, rows.Err()
}

const retryColumns = `id, device_id, service_id, verb, params, dedup_key, attempts, max_attempts,
	next_attempt_at, status, last_error, created_at, updated_at`

// UpsertRetryOperation enqueues op unless a pending operation with the same
// dedup key exists, in which case that row takes op's params and error and
// keeps its attempt count and schedule. op.ID is set to the stored row.
func (ss *SQLiteStorage) UpsertRetryOperation(ctx context.Context, op *model.RetryableOperation) (bool, error) {
	if op == nil || op.DeviceID == "" || op.DedupKey == "" {
		return false, ErrInvalidID
	}

	ss.mu.Lock()
	defer ss.mu.Unlock()

	tx, err := ss.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	ts := now()
	var existingID string
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM retry_operations WHERE dedup_key = ? AND status = 'pending'
	`, op.DedupKey).Scan(&existingID)
	switch {
	case err == nil:
		if _, err := tx.ExecContext(ctx, `
			UPDATE retry_operations SET verb = ?, params = ?, service_id = ?, last_error = ?, updated_at = ?
			WHERE id = ?
		`, op.Verb, jsonBytes(op.Params), nullString(op.ServiceID), nullString(op.LastError), ts, existingID); err != nil {
			return false, fmt.Errorf("merging retry operation: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return false, err
		}
		op.ID = existingID
		return false, nil
	case !errors.Is(err, sql.ErrNoRows):
		return false, fmt.Errorf("looking up retry operation: %w", err)
	}

	if op.ID == "" {
		op.ID = generateUUID()
	}
	if op.Status == "" {
		op.Status = model.RetryPending
	}
	if op.NextAttemptAt.IsZero() {
		op.NextAttemptAt = ts
	}
	op.CreatedAt = ts
	op.UpdatedAt = ts

	_, err = tx.ExecContext(ctx, `
		INSERT INTO retry_operations (`+retryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, op.ID, op.DeviceID, nullString(op.ServiceID), op.Verb, jsonBytes(op.Params), op.DedupKey,
		op.Attempts, op.MaxAttempts, op.NextAttemptAt.UnixMilli(), op.Status, nullString(op.LastError),
		op.CreatedAt, op.UpdatedAt)
	if err != nil {
		return false, fmt.Errorf("inserting retry operation: %w", err)
	}
	return true, tx.Commit()
}

// GetRetryOperation returns a retry operation by ID
func (ss *SQLiteStorage) GetRetryOperation(ctx context.Context, id string) (*model.RetryableOperation, error) {
	ss.mu.RLock()
	defer ss.mu.RUnlock()

	op, err := scanRetry(ss.db.QueryRowContext(ctx, `SELECT `+retryColumns+` FROM retry_operations WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRetryNotFound
	}
	return op, err
}

// ListDueRetryOperations returns pending operations whose next attempt is
// at or before now and that still have attempts left, oldest schedule first.
func (ss *SQLiteStorage) ListDueRetryOperations(ctx context.Context, at time.Time, limit int) ([]model.RetryableOperation, error) {
	ss.mu.RLock()
	defer ss.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	return ss.queryRetries(ctx, `
		SELECT `+retryColumns+` FROM retry_operations
		WHERE status = 'pending' AND next_attempt_at <= ? AND attempts < max_attempts
		ORDER BY next_attempt_at, created_at, id
		LIMIT ?
	`, at.UnixMilli(), limit)
}

// ListRetryOperations returns operations newest first. An empty status
// returns every status.
func (ss *SQLiteStorage) ListRetryOperations(ctx context.Context, status model.RetryStatus, limit int) ([]model.RetryableOperation, error) {
	ss.mu.RLock()
	defer ss.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + retryColumns + ` FROM retry_operations`
	var args []interface{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	return ss.queryRetries(ctx, query, args...)
}

// UpdateRetryOperation records the outcome of a replay attempt
func (ss *SQLiteStorage) UpdateRetryOperation(ctx context.Context, op *model.RetryableOperation) error {
	if op == nil || op.ID == "" {
		return ErrInvalidID
	}

	ss.mu.Lock()
	defer ss.mu.Unlock()

	op.UpdatedAt = now()
	result, err := ss.db.ExecContext(ctx, `
		UPDATE retry_operations SET attempts = ?, next_attempt_at = ?, status = ?, last_error = ?, updated_at = ?
		WHERE id = ?
	`, op.Attempts, op.NextAttemptAt.UnixMilli(), op.Status, nullString(op.LastError), op.UpdatedAt, op.ID)
	if err != nil {
		return fmt.Errorf("updating retry operation: %w", err)
	}
	return requireRow(result, ErrRetryNotFound)
}

func (ss *SQLiteStorage) queryRetries(ctx context.Context, query string, args ...interface{}) ([]model.RetryableOperation, error) {
	rows, err := ss.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying retry operations: %w", err)
	}
	defer rows.Close()

	var out []model.RetryableOperation
	for rows.Next() {
		op, err := scanRetry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *op)
	}
	return out, rows.Err()
}

func scanRetry(row rowScanner) (*model.RetryableOperation, error) {
	var op model.RetryableOperation
	var serviceID, params, lastErr sql.NullString
	var nextMillis int64
	if err := row.Scan(&op.ID, &op.DeviceID, &serviceID, &op.Verb, &params, &op.DedupKey, &op.Attempts,
		&op.MaxAttempts, &nextMillis, &op.Status, &lastErr, &op.CreatedAt, &op.UpdatedAt); err != nil {
		return nil, err
	}
	op.ServiceID = serviceID.String
	op.Params = rawJSON(params)
	op.LastError = lastErr.String
	op.NextAttemptAt = time.UnixMilli(nextMillis).UTC()
	return &op, nil
}
