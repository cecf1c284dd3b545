package broker

import (
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Channel is a lazily-created, auto-recreating wrapper over *amqp.Channel.
// The underlying channel is opened on first use and replaced whenever it is
// found dead, mirroring the teacher's single long-lived channel but without
// requiring callers to reconnect by hand.
type Channel struct {
	conn *Connection

	mu sync.Mutex
	ch *amqp.Channel
}

// NewChannel returns a Channel bound to conn. No AMQP channel is opened
// until Get is first called.
func NewChannel(conn *Connection) *Channel {
	return &Channel{conn: conn}
}

// Get returns a live channel, recreating it if the previous one closed.
func (c *Channel) Get() (*amqp.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ch != nil && !c.ch.IsClosed() {
		return c.ch, nil
	}

	ch, err := c.conn.newChannel()
	if err != nil {
		return nil, err
	}
	c.ch = ch
	return ch, nil
}

// Close releases the current channel, if any.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ch == nil {
		return nil
	}
	return c.ch.Close()
}
