package dispatch

import (
	"context"
	"errors"
	"testing"

	"github.com/commtech/tunnelbroker/internal/push"
	"github.com/commtech/tunnelbroker/internal/router"
	"github.com/commtech/tunnelbroker/internal/store"
)

type fakeTokenStore struct {
	tok         *store.DeviceToken
	lookupErr   error
	invalidated []string
}

func (f *fakeTokenStore) GetDeviceToken(ctx context.Context, deviceID string) (*store.DeviceToken, error) {
	return f.tok, f.lookupErr
}

func (f *fakeTokenStore) MarkDeviceTokenAsInvalid(ctx context.Context, deviceID string) error {
	f.invalidated = append(f.invalidated, deviceID)
	return nil
}

type fakePersister struct {
	persisted []string
}

func (f *fakePersister) PersistMessage(ctx context.Context, deviceID, payload, clientMessageID string) (string, error) {
	f.persisted = append(f.persisted, deviceID)
	return "msg-1", nil
}

type fakePublisher struct {
	published []string
}

func (f *fakePublisher) Publish(ctx context.Context, deviceID string, priority uint8, body []byte) error {
	f.published = append(f.published, deviceID)
	return nil
}

type fakePushClient struct {
	err  error
	sent int
}

func (f *fakePushClient) Send(ctx context.Context, deviceToken string, payload push.Payload) error {
	f.sent++
	return f.err
}

func newTestRouter() *router.Router {
	return router.New(&fakePersister{}, &fakePublisher{})
}

func TestSendDispatchesToConfiguredProvider(t *testing.T) {
	ts := &fakeTokenStore{tok: &store.DeviceToken{DeviceID: "d1", Token: "tok-1", Platform: "android"}}
	client := &fakePushClient{}
	d := New(ts, newTestRouter(), nil, map[push.Platform]push.Client{push.PlatformAndroid: client})

	if err := d.Send(context.Background(), "d1", push.ProviderFCM, push.Payload{Title: "hi"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if client.sent != 1 {
		t.Fatalf("expected provider client to be invoked once, got %d", client.sent)
	}
}

func TestSendRejectsProviderPlatformMismatch(t *testing.T) {
	ts := &fakeTokenStore{tok: &store.DeviceToken{DeviceID: "d1", Token: "tok-1", Platform: "android"}}
	client := &fakePushClient{}
	d := New(ts, newTestRouter(), nil, map[push.Platform]push.Client{push.PlatformAndroid: client})

	err := d.Send(context.Background(), "d1", push.ProviderAPNs, push.Payload{Title: "hi"})
	if err == nil {
		t.Fatal("expected an error for a provider that does not support the stored platform")
	}
	if !errors.Is(err, errInvalidNotifProvider) {
		t.Fatalf("expected errInvalidNotifProvider, got %v", err)
	}
	if client.sent != 0 {
		t.Fatalf("expected provider client not to be invoked, got %d calls", client.sent)
	}
}

func TestSendAllowsAPNsForBothIOSAndMacOS(t *testing.T) {
	for _, platform := range []push.Platform{push.PlatformIOS, push.PlatformMacOS} {
		ts := &fakeTokenStore{tok: &store.DeviceToken{DeviceID: "d1", Token: "tok-1", Platform: string(platform)}}
		client := &fakePushClient{}
		d := New(ts, newTestRouter(), nil, map[push.Platform]push.Client{platform: client})

		if err := d.Send(context.Background(), "d1", push.ProviderAPNs, push.Payload{Title: "hi"}); err != nil {
			t.Fatalf("Send for platform %s: %v", platform, err)
		}
	}
}

func TestSendInvalidatesTokenOnDeadTokenError(t *testing.T) {
	ts := &fakeTokenStore{tok: &store.DeviceToken{DeviceID: "d1", Token: "tok-1", Platform: "android"}}
	client := &fakePushClient{err: &push.Error{Platform: push.PlatformAndroid, Reason: "not registered", Invalidate: true}}
	d := New(ts, newTestRouter(), nil, map[push.Platform]push.Client{push.PlatformAndroid: client})

	err := d.Send(context.Background(), "d1", push.ProviderFCM, push.Payload{Title: "hi"})
	if err == nil {
		t.Fatal("expected the provider error to be returned")
	}
	if len(ts.invalidated) != 1 || ts.invalidated[0] != "d1" {
		t.Fatalf("expected device d1 to be marked invalid, got %v", ts.invalidated)
	}
}

func TestSendLeavesTokenAloneOnNonInvalidatingError(t *testing.T) {
	ts := &fakeTokenStore{tok: &store.DeviceToken{DeviceID: "d1", Token: "tok-1", Platform: "android"}}
	client := &fakePushClient{err: &push.Error{Platform: push.PlatformAndroid, Reason: "rate limited", Invalidate: false}}
	d := New(ts, newTestRouter(), nil, map[push.Platform]push.Client{push.PlatformAndroid: client})

	if err := d.Send(context.Background(), "d1", push.ProviderFCM, push.Payload{Title: "hi"}); err == nil {
		t.Fatal("expected the provider error to be returned")
	}
	if len(ts.invalidated) != 0 {
		t.Fatalf("expected no invalidation, got %v", ts.invalidated)
	}
}

func TestSendRejectsAlreadyInvalidToken(t *testing.T) {
	ts := &fakeTokenStore{tok: &store.DeviceToken{DeviceID: "d1", Token: "tok-1", Platform: "android", TokenInvalid: true}}
	d := New(ts, newTestRouter(), nil, nil)

	if err := d.Send(context.Background(), "d1", push.ProviderFCM, push.Payload{Title: "hi"}); err == nil {
		t.Fatal("expected an error for an already-invalid token")
	}
}

func TestSendRejectsMissingToken(t *testing.T) {
	ts := &fakeTokenStore{tok: nil}
	d := New(ts, newTestRouter(), nil, nil)

	if err := d.Send(context.Background(), "d1", push.ProviderFCM, push.Payload{Title: "hi"}); err == nil {
		t.Fatal("expected an error for a device with no registered token")
	}
}
