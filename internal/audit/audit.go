// Package audit records the append-only event log of allocations, saga
// steps, device commands and retry outcomes.
package audit

import (
	"context"
	"encoding/json"

	"github.com/martinsuchenak/netprov/internal/log"
	"github.com/martinsuchenak/netprov/internal/model"
)

// Store is the persistence the audit log writes to
type Store interface {
	AppendEvent(ctx context.Context, event *model.Event) error
	ListEvents(ctx context.Context, filter *model.EventFilter) ([]model.Event, error)
}

// Publisher fans recorded events out to an external bus
type Publisher interface {
	Publish(ctx context.Context, event model.Event) error
	Close()
}

// Log appends events to the store and, when a publisher is set, forwards
// them. A failed write never fails the operation that produced it.
type Log struct {
	store     Store
	publisher Publisher
}

// New creates an audit log. publisher may be nil.
func New(store Store, publisher Publisher) *Log {
	return &Log{store: store, publisher: publisher}
}

// Record appends an event
func (l *Log) Record(ctx context.Context, event model.Event) {
	if l == nil {
		return
	}

	if err := l.store.AppendEvent(ctx, &event); err != nil {
		log.Error("Failed to record event", "kind", event.Kind, "service_id", event.ServiceID, "error", err)
		return
	}
	log.Debug("Event recorded", "kind", event.Kind, "service_id", event.ServiceID,
		"device_id", event.DeviceID, "activation_id", event.ActivationID, "message", event.Message)

	if l.publisher != nil {
		if err := l.publisher.Publish(ctx, event); err != nil {
			log.Warn("Failed to publish event", "kind", event.Kind, "error", err)
		}
	}
}

// List returns recorded events matching filter
func (l *Log) List(ctx context.Context, filter *model.EventFilter) ([]model.Event, error) {
	return l.store.ListEvents(ctx, filter)
}

// Close releases the publisher
func (l *Log) Close() {
	if l != nil && l.publisher != nil {
		l.publisher.Close()
	}
}

// Payload marshals v for an event payload, dropping it on failure
func Payload(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		log.Warn("Failed to marshal event payload", "error", err)
		return nil
	}
	return b
}
