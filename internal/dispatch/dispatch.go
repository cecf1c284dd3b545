// Package dispatch resolves a device's push token, calls the right
// provider, and — on a provider error that marks the token dead — marks it
// invalid and tells the device via BadDeviceToken (spec.md §4.4, grounded on
// notifs/generic_client.rs's GenericNotifClient::send_notif).
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/commtech/tunnelbroker/internal/audit"
	"github.com/commtech/tunnelbroker/internal/metrics"
	"github.com/commtech/tunnelbroker/internal/push"
	"github.com/commtech/tunnelbroker/internal/router"
	"github.com/commtech/tunnelbroker/internal/store"
	"github.com/commtech/tunnelbroker/internal/wire"
)

// errInvalidNotifProvider marks a requested provider/platform mismatch,
// mirroring DeviceTokenError::InvalidNotifProvider.
var errInvalidNotifProvider = errors.New("dispatch: invalid notif provider for platform")

// TokenStore is the subset of *store.Store this package needs.
type TokenStore interface {
	GetDeviceToken(ctx context.Context, deviceID string) (*store.DeviceToken, error)
	MarkDeviceTokenAsInvalid(ctx context.Context, deviceID string) error
}

// Dispatcher resolves a device's provider and token, then sends.
type Dispatcher struct {
	store     TokenStore
	router    *router.Router
	audit     *audit.Client
	providers map[push.Platform]push.Client
}

// New builds a Dispatcher over the four provider clients, any of which may
// be nil if that platform is not configured for this deployment.
func New(st TokenStore, rt *router.Router, au *audit.Client, providers map[push.Platform]push.Client) *Dispatcher {
	return &Dispatcher{store: st, router: rt, audit: au, providers: providers}
}

// Send resolves deviceID's token, verifies the requested provider is a
// valid transport for the token's stored platform, dispatches the payload,
// and invalidates the token + notifies the device on a dead-token error.
func (d *Dispatcher) Send(ctx context.Context, deviceID string, provider push.Provider, payload push.Payload) error {
	tok, err := d.store.GetDeviceToken(ctx, deviceID)
	if err != nil {
		return fmt.Errorf("dispatch: lookup token: %w", err)
	}
	if tok == nil {
		return fmt.Errorf("dispatch: device %s has no registered token", deviceID)
	}
	if tok.TokenInvalid {
		return fmt.Errorf("dispatch: device %s token already marked invalid", deviceID)
	}

	platform := push.Platform(tok.Platform)
	if platform != "" && !provider.SupportsPlatform(platform) {
		return fmt.Errorf("dispatch: requested provider %q does not support device %s's platform %q: %w",
			provider, deviceID, platform, errInvalidNotifProvider)
	}

	client, ok := d.providers[platform]
	if !ok || client == nil {
		return fmt.Errorf("dispatch: no provider configured for platform %q", platform)
	}

	sendErr := client.Send(ctx, tok.Token, payload)
	outcome := "ok"
	if sendErr != nil {
		outcome = "error"
	}
	metrics.PushSendTotal.WithLabelValues(string(platform), outcome).Inc()

	if d.audit != nil {
		d.audit.RecordPushOutcome(ctx, deviceID, string(platform), outcome)
	}

	if sendErr == nil {
		return nil
	}

	if !push.ShouldInvalidateToken(sendErr) {
		slog.Error("dispatch: provider send failed", "device_id", deviceID, "platform", platform, "error", sendErr)
		return sendErr
	}

	if err := d.invalidateToken(ctx, deviceID, tok.Token); err != nil {
		slog.Error("dispatch: failed to invalidate dead token", "device_id", deviceID, "error", err)
	}
	return sendErr
}

func (d *Dispatcher) invalidateToken(ctx context.Context, deviceID, token string) error {
	slog.Debug("dispatch: invalidating device token", "device_id", deviceID)

	bad := wire.BadDeviceToken{Type: wire.TypeBadDeviceToken, InvalidatedToken: token}
	body, err := json.Marshal(bad)
	if err != nil {
		return fmt.Errorf("dispatch: serialize BadDeviceToken: %w", err)
	}

	if _, err := d.router.SendService(ctx, deviceID, string(body)); err != nil {
		return fmt.Errorf("dispatch: route BadDeviceToken: %w", err)
	}

	return d.store.MarkDeviceTokenAsInvalid(ctx, deviceID)
}
