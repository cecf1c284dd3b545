package broker

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher publishes envelopes onto per-device queues, (re)declaring the
// queue with MaxPriority on every publish (spec.md §4.3).
type Publisher struct {
	channel *Channel
}

// NewPublisher wraps a Channel for publish use.
func NewPublisher(conn *Connection) *Publisher {
	return &Publisher{channel: NewChannel(conn)}
}

// Publish delivers body to deviceID's durable queue at the given priority.
// The message is marked Persistent, the same durability guarantee the
// teacher gives its order_queue.
func (p *Publisher) Publish(ctx context.Context, deviceID string, priority uint8, body []byte) error {
	ch, err := p.channel.Get()
	if err != nil {
		return fmt.Errorf("broker: publish: %w", err)
	}

	if _, err := declareDeviceQueue(ch, deviceID); err != nil {
		return err
	}

	err = ch.PublishWithContext(ctx,
		"",                      // default exchange — routes directly to named queue
		deviceQueueName(deviceID), // routing key == queue name
		false,                   // mandatory
		false,                   // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Priority:     priority,
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("broker: publish: %w", err)
	}
	return nil
}

// Close releases the publisher's channel.
func (p *Publisher) Close() error {
	return p.channel.Close()
}

func declareDeviceQueue(ch *amqp.Channel, deviceID string) (amqp.Queue, error) {
	q, err := ch.QueueDeclare(
		deviceQueueName(deviceID),
		true,  // durable — survives broker restart
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		amqp.Table{"x-max-priority": int32(MaxPriority)},
	)
	if err != nil {
		return amqp.Queue{}, fmt.Errorf("broker: declare queue: %w", err)
	}
	return q, nil
}
