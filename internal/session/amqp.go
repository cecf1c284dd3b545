package session

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/commtech/tunnelbroker/internal/broker"
	"github.com/commtech/tunnelbroker/internal/metrics"
	"github.com/commtech/tunnelbroker/internal/wire"
)

// handleHandshake verifies the device's credential, moves the session to
// Authenticated, opens its AMQP queue, and flushes any messages persisted
// while the device was offline (spec.md §4.3 Handshake → Authenticated).
func (s *Session) handleHandshake(ctx context.Context, raw []byte) error {
	var init wire.ConnectionInitializationMessage
	if err := json.Unmarshal(raw, &init); err != nil {
		return s.fail("malformed handshake")
	}

	if err := s.ident.VerifyCredential(ctx, init.UserID, init.DeviceID, init.AccessToken); err != nil {
		return s.fail("credential rejected")
	}

	s.mu.Lock()
	s.userID = init.UserID
	s.deviceID = init.DeviceID
	s.state = StateAuthenticated
	s.mu.Unlock()
	metrics.ActiveSessions.Inc()

	consumer := broker.NewConsumer(s.amqp)
	deliveries, err := consumer.Consume(init.DeviceID)
	if err != nil {
		return fmt.Errorf("session: open device queue: %w", err)
	}
	s.consumer = consumer

	if err := s.flushPersistedMessages(ctx, init.DeviceID); err != nil {
		return fmt.Errorf("session: flush persisted messages: %w", err)
	}

	go s.pumpDeliveries(ctx, deliveries)

	ack, _ := json.Marshal(wire.NewInitSuccess())
	s.queueOutText(ack)
	return nil
}

// flushPersistedMessages republishes every row already stored for the
// device at service-origin priority, so the backlog precedes rather than
// is starved behind ordinary client traffic on reconnect (spec.md §4.3,
// §4.4: only two priority levels exist, and a flush is service-origin).
func (s *Session) flushPersistedMessages(ctx context.Context, deviceID string) error {
	rows, err := s.store.RetrieveMessages(ctx, deviceID)
	if err != nil {
		return err
	}

	pub := broker.NewPublisher(s.amqp)
	defer pub.Close()

	for _, row := range rows {
		envelope := wire.MessageToDevice{
			Type:      wire.TypeMessageToDevice,
			DeviceID:  row.DeviceID,
			Payload:   row.Payload,
			MessageID: row.MessageID,
		}
		body, err := json.Marshal(envelope)
		if err != nil {
			return err
		}
		if err := pub.Publish(ctx, deviceID, broker.ServicePriority, body); err != nil {
			return err
		}
	}
	return nil
}

// pumpDeliveries forwards every AMQP delivery for this device straight to
// the WebSocket write pump.
func (s *Session) pumpDeliveries(ctx context.Context, deliveries <-chan broker.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			var env wire.MessageToDevice
			if err := json.Unmarshal(d.Body, &env); err != nil {
				continue
			}
			env.Type = wire.TypeMessageToDevice
			body, err := json.Marshal(env)
			if err != nil {
				continue
			}
			s.queueOut(body)
		}
	}
}
