// Package wire defines the device WebSocket protocol's JSON envelopes
// (spec.md §6) and the AMQP message envelope (spec.md §4.4/§6). Every
// envelope is discriminated by a "type" field so a session can dispatch
// on the raw JSON before fully decoding it.
package wire

import "encoding/json"

// MessageType discriminates every envelope carried over the device
// WebSocket and over AMQP.
type MessageType string

const (
	TypeConnectionInitializationMessage  MessageType = "ConnectionInitializationMessage"
	TypeConnectionInitializationResponse MessageType = "ConnectionInitializationResponse"
	TypeHeartbeat                        MessageType = "Heartbeat"
	TypeMessageToDeviceRequest            MessageType = "MessageToDeviceRequest"
	TypeMessageToDevice                   MessageType = "MessageToDevice"
	TypeMessageReceiveConfirmation        MessageType = "MessageReceiveConfirmation"
	TypeMessagesToDeviceRequest           MessageType = "MessagesToDeviceRequest"
	TypeMessageSentStatus                 MessageType = "MessageSentStatus"
	TypeBadDeviceToken                    MessageType = "BadDeviceToken"
	TypeSetDeviceToken                    MessageType = "SetDeviceToken"
	TypeSetDeviceTokenWithPlatform        MessageType = "SetDeviceTokenWithPlatform"
	TypeAPNsNotif                         MessageType = "APNsNotif"
	TypeFCMNotif                          MessageType = "FCMNotif"
	TypeWebPushNotif                      MessageType = "WebPushNotif"
	TypeWNSNotif                          MessageType = "WNSNotif"
)

// Envelope is the minimal shape needed to discriminate an inbound frame
// before decoding its payload into a concrete type.
type Envelope struct {
	Type MessageType `json:"type"`
}

// ConnectionInitializationMessage is the mandatory first frame of a session
// (spec.md §4.3 Handshake state).
type ConnectionInitializationMessage struct {
	Type       MessageType `json:"type"`
	UserID     string      `json:"userID"`
	DeviceID   string      `json:"deviceID"`
	AccessToken string     `json:"accessToken"`
	DeviceType string      `json:"deviceType,omitempty"`
}

// InitStatus is the outcome reported in a ConnectionInitializationResponse.
type InitStatus string

const (
	InitSuccess InitStatus = "Success"
	InitError   InitStatus = "Error"
)

// ConnectionInitializationResponse answers the handshake frame.
type ConnectionInitializationResponse struct {
	Type   MessageType `json:"type"`
	Status InitStatus  `json:"status"`
	Reason string      `json:"reason,omitempty"`
}

// NewInitSuccess builds a success handshake response.
func NewInitSuccess() ConnectionInitializationResponse {
	return ConnectionInitializationResponse{Type: TypeConnectionInitializationResponse, Status: InitSuccess}
}

// NewInitError builds a failure handshake response carrying a reason.
func NewInitError(reason string) ConnectionInitializationResponse {
	return ConnectionInitializationResponse{Type: TypeConnectionInitializationResponse, Status: InitError, Reason: reason}
}

// Heartbeat is a no-op frame exchanged in both directions purely to reset
// the inbound-traffic timer.
type Heartbeat struct {
	Type MessageType `json:"type"`
}

// MessageToDeviceRequest is a device-originated request to enqueue a
// payload for another device.
type MessageToDeviceRequest struct {
	Type            MessageType `json:"type"`
	DeviceID        string      `json:"deviceID"`
	Payload         string      `json:"payload"`
	ClientMessageID string      `json:"clientMessageID"`
}

// MessageToDevice is the AMQP-originated frame delivered to a device. The
// JSON field names here double as the AMQP wire envelope (spec.md §6).
type MessageToDevice struct {
	Type      MessageType `json:"type,omitempty"`
	DeviceID  string      `json:"device_id"`
	Payload   string      `json:"payload"`
	MessageID string      `json:"message_id"`
}

// MessageReceiveConfirmation lists message ids the device has durably
// persisted on its end; the session deletes the corresponding rows.
type MessageReceiveConfirmation struct {
	Type       MessageType `json:"type"`
	MessageIDs []string    `json:"messageIDs"`
}

// MessagesToDeviceRequest asks the server to mark every currently
// persisted row for the requesting device for short-TTL deletion.
type MessagesToDeviceRequest struct {
	Type MessageType `json:"type"`
}

// SentStatusKind enumerates the outcome categories of MessageSentStatus.
type SentStatusKind string

const (
	SentSuccess            SentStatusKind = "Success"
	SentSerializationError SentStatusKind = "SerializationError"
	SentInvalidRequest     SentStatusKind = "InvalidRequest"
	SentError              SentStatusKind = "Error"
)

// MessageSentStatus reports, per client_message_id, what happened to a
// client-originated send (MessageToDeviceRequest or a push-send request).
type MessageSentStatus struct {
	Type            MessageType    `json:"type"`
	ClientMessageID string         `json:"clientMessageID"`
	Status          SentStatusKind `json:"status"`
	Raw             string         `json:"raw,omitempty"`
	Reason          string         `json:"reason,omitempty"`
}

// NewSentSuccess reports a successful send.
func NewSentSuccess(clientMessageID string) MessageSentStatus {
	return MessageSentStatus{Type: TypeMessageSentStatus, ClientMessageID: clientMessageID, Status: SentSuccess}
}

// NewSentError reports a failed send, carrying the error kind as reason.
func NewSentError(clientMessageID, reason string) MessageSentStatus {
	return MessageSentStatus{Type: TypeMessageSentStatus, ClientMessageID: clientMessageID, Status: SentError, Reason: reason}
}

// BadDeviceToken notifies the owning device that its push token was
// invalidated by a provider and must be re-registered.
type BadDeviceToken struct {
	Type              MessageType `json:"type"`
	InvalidatedToken  string      `json:"invalidatedToken"`
}

// Platform tags a device's push-notification transport.
type Platform string

const (
	PlatformIOS     Platform = "ios"
	PlatformAndroid Platform = "android"
	PlatformWeb     Platform = "web"
	PlatformWindows Platform = "windows"
	PlatformMacOS   Platform = "macos"
)

// SetDeviceToken registers/overwrites a push token without a platform tag.
type SetDeviceToken struct {
	Type  MessageType `json:"type"`
	Token string      `json:"token"`
}

// SetDeviceTokenWithPlatform registers/overwrites a push token together
// with its platform tag.
type SetDeviceTokenWithPlatform struct {
	Type     MessageType `json:"type"`
	Token    string      `json:"token"`
	Platform Platform    `json:"platform"`
}

// PushSendRequest is the common shape of a device-originated push-send
// request (APNs/FCM/WebPush/WNS), carrying a pre-built provider payload
// plus the target device id and a client message id for status reporting.
type PushSendRequest struct {
	Type            MessageType     `json:"type"`
	DeviceID        string          `json:"deviceID"`
	ClientMessageID string          `json:"clientMessageID"`
	Payload         json.RawMessage `json:"payload"`
}

// TypeOf peeks the discriminator field out of a raw frame.
func TypeOf(raw []byte) (MessageType, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", err
	}
	return env.Type, nil
}
