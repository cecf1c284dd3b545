package router

import (
	"context"
	"errors"
	"testing"

	"github.com/commtech/tunnelbroker/internal/broker"
)

type fakeStore struct {
	nextID     string
	persisted  []string
	persistErr error
}

func (f *fakeStore) PersistMessage(ctx context.Context, deviceID, payload, clientMessageID string) (string, error) {
	if f.persistErr != nil {
		return "", f.persistErr
	}
	id := f.nextID
	if id == "" {
		id = "msg-1"
	}
	f.persisted = append(f.persisted, id)
	return id, nil
}

type fakePublisher struct {
	publishErr error
	published  []string
}

func (f *fakePublisher) Publish(ctx context.Context, deviceID string, priority uint8, body []byte) error {
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, deviceID)
	return nil
}

func TestSendPublishesAfterPersist(t *testing.T) {
	st := &fakeStore{nextID: "msg-42"}
	pub := &fakePublisher{}
	r := New(st, pub)

	id, err := r.SendClient(context.Background(), "device-1", "hello", "client-msg-1")
	if err != nil {
		t.Fatalf("SendClient: %v", err)
	}
	if id != "msg-42" {
		t.Fatalf("expected message id msg-42, got %q", id)
	}
	if len(pub.published) != 1 || pub.published[0] != "device-1" {
		t.Fatalf("expected one publish to device-1, got %v", pub.published)
	}
}

func TestSendLeavesPersistedRowOnPublishFailure(t *testing.T) {
	st := &fakeStore{nextID: "msg-7"}
	pub := &fakePublisher{publishErr: errors.New("amqp: channel closed")}
	r := New(st, pub)

	id, err := r.SendService(context.Background(), "device-1", "hello")
	if err == nil {
		t.Fatal("expected an error when publish fails")
	}
	// The message id is still returned so the caller can act on it, but the
	// row itself is never deleted by the router — a publish failure must
	// not destroy a persisted, still-deliverable message (spec.md §4.2).
	if id != "msg-7" {
		t.Fatalf("expected message id msg-7 even on publish failure, got %q", id)
	}
	if len(st.persisted) != 1 {
		t.Fatalf("expected the row to remain persisted, got %d persisted rows", len(st.persisted))
	}
}

func TestSendDoesNotPublishOnPersistFailure(t *testing.T) {
	st := &fakeStore{persistErr: errors.New("redis: connection refused")}
	pub := &fakePublisher{}
	r := New(st, pub)

	if _, err := r.SendClient(context.Background(), "device-1", "hello", "c1"); err == nil {
		t.Fatal("expected an error when persist fails")
	}
	if len(pub.published) != 0 {
		t.Fatalf("expected no publish when persist failed, got %v", pub.published)
	}
}

func TestPriorityLabel(t *testing.T) {
	cases := map[uint8]string{
		broker.ClientPriority:  "client",
		broker.ServicePriority: "service",
		99:                     "other",
	}
	for priority, want := range cases {
		if got := priorityLabel(priority); got != want {
			t.Errorf("priorityLabel(%d) = %q, want %q", priority, got, want)
		}
	}
}
