package broker

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Delivery wraps a raw amqp.Delivery. The queue is consumed with auto-ack
// (spec.md §4.3): durability past the broker is the store's job, tracked
// separately via the message row's deletion once the device confirms
// receipt, so there is nothing for the session to manually ack.
type Delivery struct {
	Body []byte
	raw  amqp.Delivery
}

// Consumer owns a single channel consuming one device's queue.
type Consumer struct {
	channel *Channel
	tag     string
}

const consumerTag = "tunnelbroker"

// NewConsumer binds a Consumer to conn; the queue and consumer are created
// lazily the first time Consume is called.
func NewConsumer(conn *Connection) *Consumer {
	return &Consumer{channel: NewChannel(conn), tag: consumerTag}
}

// Consume declares deviceID's queue and returns a channel of Delivery
// values, auto-acked as they leave the broker.
func (c *Consumer) Consume(deviceID string) (<-chan Delivery, error) {
	ch, err := c.channel.Get()
	if err != nil {
		return nil, fmt.Errorf("broker: consume: %w", err)
	}

	if _, err := declareDeviceQueue(ch, deviceID); err != nil {
		return nil, err
	}

	rawMsgs, err := ch.Consume(
		deviceQueueName(deviceID),
		c.tag,
		true,  // auto-ack — durability past the broker is the store's job
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("broker: consume: %w", err)
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		for d := range rawMsgs {
			out <- Delivery{Body: d.Body, raw: d}
		}
	}()

	return out, nil
}

// Cancel stops the consumer without closing its channel, mirroring the
// teacher's explicit basic_cancel before the queue itself is torn down.
func (c *Consumer) Cancel() error {
	ch, err := c.channel.Get()
	if err != nil {
		return err
	}
	if err := ch.Cancel(c.tag, false); err != nil && !IsConnectionError(err) {
		return fmt.Errorf("broker: cancel: %w", err)
	}
	return nil
}

// DeleteQueue removes deviceID's queue, called once a session closes
// cleanly (spec.md §4.3's session teardown).
func (c *Consumer) DeleteQueue(deviceID string) error {
	ch, err := c.channel.Get()
	if err != nil {
		return err
	}
	if _, err := ch.QueueDelete(deviceQueueName(deviceID), false, false, false); err != nil && !IsConnectionError(err) {
		return fmt.Errorf("broker: delete queue: %w", err)
	}
	return nil
}

// Close releases the consumer's channel, which cancels its deliveries.
func (c *Consumer) Close() error {
	return c.channel.Close()
}
