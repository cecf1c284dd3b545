// Package router persists an outbound message and publishes it onto its
// device's AMQP queue — the single chokepoint every delivery path (device
// session, service API, distributor-observed push) sends through (spec.md
// §4.2/§4.3).
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/commtech/tunnelbroker/internal/broker"
	"github.com/commtech/tunnelbroker/internal/metrics"
	"github.com/commtech/tunnelbroker/internal/wire"
)

// Store is the subset of *store.Store the router needs to persist a row
// before publishing it.
type Store interface {
	PersistMessage(ctx context.Context, deviceID, payload, clientMessageID string) (string, error)
}

// Publisher is the subset of *broker.Publisher the router needs.
type Publisher interface {
	Publish(ctx context.Context, deviceID string, priority uint8, body []byte) error
}

// Router is the shared send path. Built once per process and passed to
// every component that originates messages.
type Router struct {
	store     Store
	publisher Publisher
}

// New builds a Router over an already-connected store and broker.
func New(st Store, pub Publisher) *Router {
	return &Router{store: st, publisher: pub}
}

// Send persists payload for deviceID and publishes it at priority,
// returning the generated message id. clientMessageID may be empty for
// service-originated sends (spec.md §9.3).
//
// If the publish fails after a successful persist, the row is left in
// place rather than rolled back: spec.md §4.2 assigns that decision to the
// caller, since an undelivered-but-persisted row is not an incorrect
// delivery — it is simply delivered on the device's next reconnect flush.
// The message id is still returned so a caller that wants to delete it
// anyway (e.g. a confirmed-duplicate send) can.
func (r *Router) Send(ctx context.Context, deviceID, payload, clientMessageID string, priority uint8) (string, error) {
	messageID, err := r.store.PersistMessage(ctx, deviceID, payload, clientMessageID)
	if err != nil {
		return "", fmt.Errorf("router: persist: %w", err)
	}

	envelope := wire.MessageToDevice{
		DeviceID:  deviceID,
		Payload:   payload,
		MessageID: messageID,
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		return messageID, fmt.Errorf("router: serialize: %w", err)
	}

	if err := r.publisher.Publish(ctx, deviceID, priority, body); err != nil {
		metrics.AMQPPublishTotal.WithLabelValues(priorityLabel(priority), "error").Inc()
		slog.Warn("router: publish failed, message remains persisted for later delivery",
			"device_id", deviceID, "message_id", messageID, "error", err)
		return messageID, fmt.Errorf("router: publish: %w", err)
	}

	metrics.AMQPPublishTotal.WithLabelValues(priorityLabel(priority), "ok").Inc()
	return messageID, nil
}

// SendClient is a convenience wrapper for client-originated sends.
func (r *Router) SendClient(ctx context.Context, deviceID, payload, clientMessageID string) (string, error) {
	return r.Send(ctx, deviceID, payload, clientMessageID, broker.ClientPriority)
}

// SendService is a convenience wrapper for service-originated sends (no
// client message id, higher delivery priority).
func (r *Router) SendService(ctx context.Context, deviceID, payload string) (string, error) {
	return r.Send(ctx, deviceID, payload, "", broker.ServicePriority)
}

func priorityLabel(p uint8) string {
	switch p {
	case broker.ClientPriority:
		return "client"
	case broker.ServicePriority:
		return "service"
	default:
		return "other"
	}
}
