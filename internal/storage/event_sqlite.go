package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/martinsuchenak/netprov/internal/model"
)

// AppendEvent writes one audit record
func (ss *SQLiteStorage) AppendEvent(ctx context.Context, event *model.Event) error {
	if event == nil || event.Kind == "" {
		return ErrInvalidID
	}

	ss.mu.Lock()
	defer ss.mu.Unlock()

	if event.ID == "" {
		event.ID = generateUUID()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = now()
	}

	_, err := ss.db.ExecContext(ctx, `
		INSERT INTO events (id, kind, device_id, service_id, activation_id, message, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, event.ID, event.Kind, nullString(event.DeviceID), nullString(event.ServiceID),
		nullString(event.ActivationID), event.Message, jsonBytes(event.Payload), event.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("appending event: %w", err)
	}
	return nil
}

// ListEvents returns matching events in the order they were recorded
func (ss *SQLiteStorage) ListEvents(ctx context.Context, filter *model.EventFilter) ([]model.Event, error) {
	ss.mu.RLock()
	defer ss.mu.RUnlock()

	query := `SELECT id, kind, device_id, service_id, activation_id, message, payload, created_at FROM events WHERE 1=1`
	var args []interface{}
	limit := 200
	if filter != nil {
		if filter.Kind != "" {
			query += ` AND kind = ?`
			args = append(args, filter.Kind)
		}
		if filter.DeviceID != "" {
			query += ` AND device_id = ?`
			args = append(args, filter.DeviceID)
		}
		if filter.ServiceID != "" {
			query += ` AND service_id = ?`
			args = append(args, filter.ServiceID)
		}
		if filter.ActivationID != "" {
			query += ` AND activation_id = ?`
			args = append(args, filter.ActivationID)
		}
		if filter.Limit > 0 {
			limit = filter.Limit
		}
	}
	query += ` ORDER BY created_at, id LIMIT ?`
	args = append(args, limit)

	rows, err := ss.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		var e model.Event
		var deviceID, serviceID, activationID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.Kind, &deviceID, &serviceID, &activationID, &e.Message, &payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.DeviceID = deviceID.String
		e.ServiceID = serviceID.String
		e.ActivationID = activationID.String
		e.Payload = rawJSON(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}
