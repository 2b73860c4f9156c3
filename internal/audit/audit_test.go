package audit

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/martinsuchenak/netprov/internal/model"
)

type memStore struct {
	mu     sync.Mutex
	events []model.Event
	err    error
}

func (m *memStore) AppendEvent(_ context.Context, e *model.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, *e)
	return nil
}

func (m *memStore) ListEvents(_ context.Context, f *model.EventFilter) ([]model.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Event
	for _, e := range m.events {
		if f != nil && f.ServiceID != "" && e.ServiceID != f.ServiceID {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

type recordingPublisher struct {
	published []model.Event
	err       error
	closed    bool
}

func (p *recordingPublisher) Publish(_ context.Context, e model.Event) error {
	p.published = append(p.published, e)
	return p.err
}

func (p *recordingPublisher) Close() { p.closed = true }

func TestLog_RecordPublishes(t *testing.T) {
	store := &memStore{}
	pub := &recordingPublisher{}
	l := New(store, pub)
	ctx := context.Background()

	l.Record(ctx, model.Event{Kind: model.EventAddressAllocated, ServiceID: "svc-1", Message: "allocated",
		Payload: Payload(map[string]string{"ip": "10.0.0.2"})})
	l.Record(ctx, model.Event{Kind: model.EventAddressReleased, ServiceID: "svc-2", Message: "released"})

	if len(store.events) != 2 || len(pub.published) != 2 {
		t.Fatalf("stored %d, published %d; want 2, 2", len(store.events), len(pub.published))
	}
	if string(store.events[0].Payload) != `{"ip":"10.0.0.2"}` {
		t.Errorf("Payload = %s", store.events[0].Payload)
	}

	events, err := l.List(ctx, &model.EventFilter{ServiceID: "svc-1"})
	if err != nil || len(events) != 1 {
		t.Errorf("List() = %d, %v", len(events), err)
	}

	l.Close()
	if !pub.closed {
		t.Error("Close() did not close the publisher")
	}
}

func TestLog_StoreFailureSkipsPublish(t *testing.T) {
	store := &memStore{err: errors.New("disk full")}
	pub := &recordingPublisher{}
	l := New(store, pub)

	l.Record(context.Background(), model.Event{Kind: model.EventDeviceCommand, Message: "x"})

	if len(pub.published) != 0 {
		t.Errorf("published %d events after store failure, want 0", len(pub.published))
	}
}

func TestLog_PublishFailureIsNotFatal(t *testing.T) {
	store := &memStore{}
	l := New(store, &recordingPublisher{err: errors.New("broker down")})

	l.Record(context.Background(), model.Event{Kind: model.EventRetryFailed, Message: "x"})

	if len(store.events) != 1 {
		t.Errorf("stored %d events, want 1", len(store.events))
	}
}

func TestLog_NilIsNoop(t *testing.T) {
	var l *Log
	l.Record(context.Background(), model.Event{Kind: model.EventDeviceHealth})
	l.Close()
}
