package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/martinsuchenak/netprov/internal/model"
)

// CreateActivation stores a new saga record
func (ss *SQLiteStorage) CreateActivation(ctx context.Context, a *model.Activation) error {
	if a == nil || a.ServiceID == "" {
		return ErrInvalidID
	}

	ss.mu.Lock()
	defer ss.mu.Unlock()

	if a.ID == "" {
		a.ID = generateUUID()
	}
	if a.Status == "" {
		a.Status = model.ActivationInProgress
	}
	if a.StartedAt.IsZero() {
		a.StartedAt = now()
	}

	_, err := ss.db.ExecContext(ctx, `
		INSERT INTO activations (id, service_id, customer_id, plan_id, type, status, current_step,
			failed_step, failure_code, failure_reason, overrides, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.ServiceID, a.CustomerID, a.PlanID, a.Type, a.Status, a.CurrentStep,
		nullString(a.FailedStep), nullString(a.FailureCode), nullString(a.FailureReason),
		jsonBytes(a.Overrides), a.StartedAt.UTC(), timePtr(a.CompletedAt))
	if err != nil {
		return fmt.Errorf("inserting activation: %w", err)
	}
	return nil
}

// UpdateActivation persists saga progress and its terminal outcome
func (ss *SQLiteStorage) UpdateActivation(ctx context.Context, a *model.Activation) error {
	if a == nil || a.ID == "" {
		return ErrInvalidID
	}

	ss.mu.Lock()
	defer ss.mu.Unlock()

	result, err := ss.db.ExecContext(ctx, `
		UPDATE activations SET status = ?, current_step = ?, failed_step = ?, failure_code = ?,
			failure_reason = ?, completed_at = ?
		WHERE id = ?
	`, a.Status, a.CurrentStep, nullString(a.FailedStep), nullString(a.FailureCode),
		nullString(a.FailureReason), timePtr(a.CompletedAt), a.ID)
	if err != nil {
		return fmt.Errorf("updating activation: %w", err)
	}
	return requireRow(result, ErrActivationNotFound)
}

// GetActivation returns an activation with its step log attached
func (ss *SQLiteStorage) GetActivation(ctx context.Context, id string) (*model.Activation, error) {
	ss.mu.RLock()
	defer ss.mu.RUnlock()

	var a model.Activation
	var failedStep, failureCode, failureReason, overrides sql.NullString
	var completedAt sql.NullTime
	err := ss.db.QueryRowContext(ctx, `
		SELECT id, service_id, customer_id, plan_id, type, status, current_step, failed_step,
			failure_code, failure_reason, overrides, started_at, completed_at
		FROM activations WHERE id = ?
	`, id).Scan(&a.ID, &a.ServiceID, &a.CustomerID, &a.PlanID, &a.Type, &a.Status, &a.CurrentStep,
		&failedStep, &failureCode, &failureReason, &overrides, &a.StartedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrActivationNotFound
	}
	if err != nil {
		return nil, err
	}

	a.FailedStep = failedStep.String
	a.FailureCode = failureCode.String
	a.FailureReason = failureReason.String
	a.CompletedAt = nullTimePtr(completedAt)
	if overrides.Valid && overrides.String != "" {
		if err := json.Unmarshal([]byte(overrides.String), &a.Overrides); err != nil {
			return nil, fmt.Errorf("decoding overrides: %w", err)
		}
	}

	steps, err := ss.listStepLogs(ctx, a.ID)
	if err != nil {
		return nil, err
	}
	a.Steps = steps
	return &a, nil
}

// AppendStepLog appends one step record. Step logs are never updated.
func (ss *SQLiteStorage) AppendStepLog(ctx context.Context, entry *model.StepLog) error {
	if entry == nil || entry.ActivationID == "" {
		return ErrInvalidID
	}

	ss.mu.Lock()
	defer ss.mu.Unlock()

	if entry.ID == "" {
		entry.ID = generateUUID()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now()
	}

	_, err := ss.db.ExecContext(ctx, `
		INSERT INTO activation_steps (id, activation_id, step, phase, status, duration_ms, result, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, entry.ID, entry.ActivationID, entry.Step, entry.Phase, entry.Status, entry.DurationMS,
		jsonBytes(entry.Result), nullString(entry.Error), entry.CreatedAt.UTC())
	if err != nil {
		if isForeignKeyViolation(err) {
			return ErrActivationNotFound
		}
		return fmt.Errorf("appending step log: %w", err)
	}
	return nil
}

// ListStepLogs returns an activation's step log in append order
func (ss *SQLiteStorage) ListStepLogs(ctx context.Context, activationID string) ([]model.StepLog, error) {
	ss.mu.RLock()
	defer ss.mu.RUnlock()

	return ss.listStepLogs(ctx, activationID)
}

func (ss *SQLiteStorage) listStepLogs(ctx context.Context, activationID string) ([]model.StepLog, error) {
	// UUIDv7 IDs sort in creation order, which breaks timestamp ties
	rows, err := ss.db.QueryContext(ctx, `
		SELECT id, activation_id, step, phase, status, duration_ms, result, error, created_at
		FROM activation_steps WHERE activation_id = ?
		ORDER BY created_at, id
	`, activationID)
	if err != nil {
		return nil, fmt.Errorf("querying step logs: %w", err)
	}
	defer rows.Close()

	var out []model.StepLog
	for rows.Next() {
		var s model.StepLog
		var result, stepErr sql.NullString
		if err := rows.Scan(&s.ID, &s.ActivationID, &s.Step, &s.Phase, &s.Status, &s.DurationMS,
			&result, &stepErr, &s.CreatedAt); err != nil {
			return nil, err
		}
		s.Result = rawJSON(result)
		s.Error = stepErr.String
		out = append(out, s)
	}
	return out, rows.Err()
}
