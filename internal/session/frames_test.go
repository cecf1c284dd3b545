package session

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/commtech/tunnelbroker/internal/push"
	"github.com/commtech/tunnelbroker/internal/wire"
)

type fakeDispatcher struct {
	err          error
	calls        int
	lastDeviceID string
	lastProvider push.Provider
	lastPayload  push.Payload
}

func (f *fakeDispatcher) Send(ctx context.Context, deviceID string, provider push.Provider, payload push.Payload) error {
	f.calls++
	f.lastDeviceID = deviceID
	f.lastProvider = provider
	f.lastPayload = payload
	return f.err
}

func newTestSession(dispatcher Dispatcher) *Session {
	return &Session{
		state:      StateAuthenticated,
		dispatcher: dispatcher,
		send:       make(chan outFrame, 8),
	}
}

func pushSendFrame(t *testing.T, msgType wire.MessageType, deviceID, clientMessageID string, payload push.Payload) []byte {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	req := wire.PushSendRequest{
		Type:            msgType,
		DeviceID:        deviceID,
		ClientMessageID: clientMessageID,
		Payload:         body,
	}
	raw, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	return raw
}

func TestDispatchRoutesAPNsNotifToDispatcherWithProvider(t *testing.T) {
	disp := &fakeDispatcher{}
	s := newTestSession(disp)

	raw := pushSendFrame(t, wire.TypeAPNsNotif, "device-2", "c1", push.Payload{Title: "hi"})
	if err := s.dispatch(context.Background(), raw); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	if disp.calls != 1 {
		t.Fatalf("expected one dispatcher call, got %d", disp.calls)
	}
	if disp.lastProvider != push.ProviderAPNs {
		t.Fatalf("expected provider %q, got %q", push.ProviderAPNs, disp.lastProvider)
	}
	if disp.lastDeviceID != "device-2" {
		t.Fatalf("expected device-2, got %q", disp.lastDeviceID)
	}

	status := readSentStatus(t, s)
	if status.Status != wire.SentSuccess {
		t.Fatalf("expected Success status, got %+v", status)
	}
}

func TestDispatchRoutesEachNotifTypeToItsProvider(t *testing.T) {
	cases := []struct {
		msgType  wire.MessageType
		provider push.Provider
	}{
		{wire.TypeAPNsNotif, push.ProviderAPNs},
		{wire.TypeFCMNotif, push.ProviderFCM},
		{wire.TypeWebPushNotif, push.ProviderWebPush},
		{wire.TypeWNSNotif, push.ProviderWNS},
	}
	for _, c := range cases {
		disp := &fakeDispatcher{}
		s := newTestSession(disp)
		raw := pushSendFrame(t, c.msgType, "device-1", "c1", push.Payload{Title: "hi"})
		if err := s.dispatch(context.Background(), raw); err != nil {
			t.Fatalf("dispatch(%s): %v", c.msgType, err)
		}
		if disp.lastProvider != c.provider {
			t.Errorf("%s: expected provider %q, got %q", c.msgType, c.provider, disp.lastProvider)
		}
		readSentStatus(t, s)
	}
}

func TestHandlePushSendRequestReportsDispatcherError(t *testing.T) {
	disp := &fakeDispatcher{err: errors.New("dispatch: no provider configured for platform \"windows\"")}
	s := newTestSession(disp)

	raw := pushSendFrame(t, wire.TypeWNSNotif, "device-3", "c9", push.Payload{Title: "hi"})
	if err := s.dispatch(context.Background(), raw); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	status := readSentStatus(t, s)
	if status.Status != wire.SentError {
		t.Fatalf("expected Error status, got %+v", status)
	}
	if status.ClientMessageID != "c9" {
		t.Fatalf("expected clientMessageID c9, got %q", status.ClientMessageID)
	}
}

func TestHandlePushSendRequestWithoutDispatcherConfigured(t *testing.T) {
	s := newTestSession(nil)

	raw := pushSendFrame(t, wire.TypeFCMNotif, "device-4", "c5", push.Payload{Title: "hi"})
	if err := s.dispatch(context.Background(), raw); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	status := readSentStatus(t, s)
	if status.Status != wire.SentError {
		t.Fatalf("expected Error status when no dispatcher is configured, got %+v", status)
	}
}

func readSentStatus(t *testing.T, s *Session) wire.MessageSentStatus {
	t.Helper()
	select {
	case f := <-s.send:
		var status wire.MessageSentStatus
		if err := json.Unmarshal(f.body, &status); err != nil {
			t.Fatalf("unmarshal status: %v", err)
		}
		return status
	default:
		t.Fatal("expected a queued status frame")
		return wire.MessageSentStatus{}
	}
}
