package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gorilla/websocket"

	"github.com/commtech/tunnelbroker/internal/push"
	"github.com/commtech/tunnelbroker/internal/wire"
)

// errUnsupportedFrame marks a text frame received outside the handshake
// (spec.md §6: "Text frames are reserved for the initial handshake; all
// later traffic is binary. The server closes with code Unsupported on
// unexpected text frames.").
var errUnsupportedFrame = errors.New("session: unsupported text frame")

// reassemble buffers continuation frames until a complete message is
// available. gorilla/websocket already reassembles fragmented frames within
// a single ReadMessage call, so this only needs to handle a device that
// splits one logical message across several WriteMessage calls of its own —
// which the protocol does not require, but callers defensively tolerate by
// buffering raw bytes until they parse as a complete JSON value.
//
// The handshake frame must be text; every frame after it must be binary.
func (s *Session) reassemble(msgType int, raw []byte) ([]byte, error) {
	if s.currentState() == StateHandshake {
		if msgType != websocket.TextMessage {
			return nil, fmt.Errorf("session: handshake requires a text frame, got type %d", msgType)
		}
	} else if msgType != websocket.BinaryMessage {
		return nil, fmt.Errorf("%w: type %d", errUnsupportedFrame, msgType)
	}

	buf := append(s.partial, raw...)
	if !json.Valid(buf) {
		s.partial = buf
		return nil, nil
	}
	s.partial = nil
	return buf, nil
}

// dispatch routes one complete frame according to the session's current
// state (spec.md §4.3's state machine).
func (s *Session) dispatch(ctx context.Context, raw []byte) error {
	msgType, err := wire.TypeOf(raw)
	if err != nil {
		return fmt.Errorf("session: malformed frame: %w", err)
	}

	if s.currentState() == StateHandshake {
		if msgType != wire.TypeConnectionInitializationMessage {
			return s.fail("expected ConnectionInitializationMessage")
		}
		return s.handleHandshake(ctx, raw)
	}

	switch msgType {
	case wire.TypeHeartbeat:
		return nil // inbound traffic alone already reset the read deadline
	case wire.TypeMessageToDeviceRequest:
		return s.handleMessageToDeviceRequest(ctx, raw)
	case wire.TypeMessageReceiveConfirmation:
		return s.handleConfirmation(ctx, raw)
	case wire.TypeMessagesToDeviceRequest:
		return s.handleClearRequest(ctx)
	case wire.TypeSetDeviceToken:
		return s.handleSetDeviceToken(ctx, raw, "")
	case wire.TypeSetDeviceTokenWithPlatform:
		return s.handleSetDeviceTokenWithPlatform(ctx, raw)
	case wire.TypeAPNsNotif:
		return s.handlePushSendRequest(ctx, raw, push.ProviderAPNs)
	case wire.TypeFCMNotif:
		return s.handlePushSendRequest(ctx, raw, push.ProviderFCM)
	case wire.TypeWebPushNotif:
		return s.handlePushSendRequest(ctx, raw, push.ProviderWebPush)
	case wire.TypeWNSNotif:
		return s.handlePushSendRequest(ctx, raw, push.ProviderWNS)
	default:
		return fmt.Errorf("session: unhandled frame type %q", msgType)
	}
}

func (s *Session) handleMessageToDeviceRequest(ctx context.Context, raw []byte) error {
	var req wire.MessageToDeviceRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return fmt.Errorf("session: decode MessageToDeviceRequest: %w", err)
	}

	_, err := s.router.SendClient(ctx, req.DeviceID, req.Payload, req.ClientMessageID)
	var status wire.MessageSentStatus
	if err != nil {
		status = wire.NewSentError(req.ClientMessageID, err.Error())
	} else {
		status = wire.NewSentSuccess(req.ClientMessageID)
	}
	body, _ := json.Marshal(status)
	s.queueOut(body)
	return nil
}

func (s *Session) handleConfirmation(ctx context.Context, raw []byte) error {
	var conf wire.MessageReceiveConfirmation
	if err := json.Unmarshal(raw, &conf); err != nil {
		return fmt.Errorf("session: decode MessageReceiveConfirmation: %w", err)
	}
	for _, id := range conf.MessageIDs {
		if err := s.store.DeleteMessage(ctx, s.deviceID, id); err != nil {
			return fmt.Errorf("session: delete confirmed message: %w", err)
		}
	}
	return nil
}

func (s *Session) handleClearRequest(ctx context.Context) error {
	return s.store.MarkMessagesToDeviceForDeletion(ctx, s.deviceID)
}

func (s *Session) handleSetDeviceToken(ctx context.Context, raw []byte, platform string) error {
	var req wire.SetDeviceToken
	if err := json.Unmarshal(raw, &req); err != nil {
		return fmt.Errorf("session: decode SetDeviceToken: %w", err)
	}
	return s.store.SetDeviceToken(ctx, s.deviceID, req.Token, platform)
}

func (s *Session) handleSetDeviceTokenWithPlatform(ctx context.Context, raw []byte) error {
	var req wire.SetDeviceTokenWithPlatform
	if err := json.Unmarshal(raw, &req); err != nil {
		return fmt.Errorf("session: decode SetDeviceTokenWithPlatform: %w", err)
	}
	return s.store.SetDeviceToken(ctx, s.deviceID, req.Token, string(req.Platform))
}

// handlePushSendRequest forwards a device-originated push-send request
// (pre-built title/body/thread payload, target device id) to the
// notification dispatcher (spec.md §2 "accept push-send requests").
// provider is the wire frame type the device used (APNsNotif/FCMNotif/...),
// which the dispatcher checks against the target device's stored platform.
func (s *Session) handlePushSendRequest(ctx context.Context, raw []byte, provider push.Provider) error {
	var req wire.PushSendRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return fmt.Errorf("session: decode push send request: %w", err)
	}

	var status wire.MessageSentStatus
	if s.dispatcher == nil {
		status = wire.NewSentError(req.ClientMessageID, "push dispatch not configured")
	} else {
		var payload push.Payload
		if err := json.Unmarshal(req.Payload, &payload); err != nil {
			status = wire.NewSentError(req.ClientMessageID, "malformed payload")
		} else if err := s.dispatcher.Send(ctx, req.DeviceID, provider, payload); err != nil {
			status = wire.NewSentError(req.ClientMessageID, err.Error())
		} else {
			status = wire.NewSentSuccess(req.ClientMessageID)
		}
	}

	body, _ := json.Marshal(status)
	s.queueOut(body)
	return nil
}
