// Package push sends provider notifications (APNs, FCM, Web Push, WNS)
// behind one interface (spec.md §4.4, grounded on
// notifs/generic_client.rs's GenericNotifClient). Each provider classifies
// its own failures so the dispatcher above knows when a device token must
// be invalidated.
package push

import "context"

// Platform identifies which provider a device's token belongs to.
type Platform string

const (
	PlatformIOS     Platform = "ios"
	PlatformAndroid Platform = "android"
	PlatformWeb     Platform = "web"
	PlatformWindows Platform = "windows"
	PlatformMacOS   Platform = "macos"
)

// Payload is the provider-agnostic content a dispatcher builds once and
// lets each provider adapt into its own wire shape.
type Payload struct {
	Title    string `json:"title"`
	Body     string `json:"body"`
	ThreadID string `json:"threadID"`
}

// Provider identifies which wire-level notification type a push-send
// request asked for. It is distinct from Platform: Platform is the
// transport actually stored on the device's token row, Provider is what
// the caller requested, and the two must agree (spec.md §4.4, grounded on
// generic_client.rs's NotifType::supported_platform check).
type Provider string

const (
	ProviderAPNs    Provider = "apns"
	ProviderFCM     Provider = "fcm"
	ProviderWebPush Provider = "webpush"
	ProviderWNS     Provider = "wns"
)

// SupportsPlatform reports whether a device token stored under platform
// may be sent through provider. APNs alone covers two platforms (iOS and
// macOS share one provider-token JWT scheme); every other provider maps
// to exactly one platform.
func (p Provider) SupportsPlatform(platform Platform) bool {
	switch p {
	case ProviderAPNs:
		return platform == PlatformIOS || platform == PlatformMacOS
	case ProviderFCM:
		return platform == PlatformAndroid
	case ProviderWebPush:
		return platform == PlatformWeb
	case ProviderWNS:
		return platform == PlatformWindows
	default:
		return false
	}
}

// Error is returned by every provider client. ShouldInvalidateToken
// reports whether the failure means the stored device token is no longer
// usable and should be marked invalid (spec.md §4.4).
type Error struct {
	Platform  Platform
	Reason    string
	Invalidate bool
}

func (e *Error) Error() string { return "push: " + string(e.Platform) + ": " + e.Reason }

// ShouldInvalidateToken reports whether err (if a push.Error) indicates the
// device token must be invalidated.
func ShouldInvalidateToken(err error) bool {
	pe, ok := err.(*Error)
	return ok && pe.Invalidate
}

// Client is the interface every provider implements.
type Client interface {
	Send(ctx context.Context, deviceToken string, payload Payload) error
}
