// Package broker wraps RabbitMQ for device queue delivery (spec.md §4.3).
//
// Every device has its own durable, priority-ordered queue on the default
// exchange — routing key equals queue name, the same pattern the teacher
// uses for its single order_queue. The connection auto-reconnects, and
// channels are recreated lazily the first time they are found dead,
// rather than eagerly on every publish.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Connection is a shared, reconnecting wrapper over *amqp.Connection. It is
// safe for concurrent use by many Channel instances.
type Connection struct {
	uri string

	mu   sync.RWMutex
	conn *amqp.Connection
}

// Dial connects to RabbitMQ, making up to five attempts with doubling
// backoff and giving up early if ctx is done.
func Dial(ctx context.Context, uri string) (*Connection, error) {
	conn, err := dialWithRetry(ctx, uri)
	if err != nil {
		return nil, err
	}
	c := &Connection{uri: uri, conn: conn}
	slog.Info("broker: connected", "uri", redactURI(uri))
	return c, nil
}

func dialWithRetry(ctx context.Context, uri string) (*amqp.Connection, error) {
	backoff := 500 * time.Millisecond
	const maxAttempts = 5

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		conn, err := amqp.Dial(uri)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		slog.Warn("broker: connection attempt failed", "attempt", attempt, "error", err)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return nil, fmt.Errorf("broker: dial: %w", lastErr)
}

// IsConnected reports whether the underlying connection is currently alive.
func (c *Connection) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil && !c.conn.IsClosed()
}

// newChannel opens a fresh channel on the current connection, reconnecting
// first if necessary.
func (c *Connection) newChannel() (*amqp.Channel, error) {
	if !c.IsConnected() {
		slog.Warn("broker: disconnected while opening channel, resetting")
		if err := c.reset(); err != nil {
			return nil, err
		}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn.Channel()
}

func (c *Connection) reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil && !c.conn.IsClosed() {
		return nil
	}
	conn, err := dialWithRetry(context.Background(), c.uri)
	if err != nil {
		return err
	}
	c.conn = conn
	slog.Info("broker: connection restored")
	return nil
}

// Close releases the underlying connection.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

func redactURI(uri string) string {
	return "amqp://***"
}

// IsConnectionError reports whether err indicates the underlying
// connection/channel is dead and a Channel should recreate it on next use.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, amqp.ErrClosed) {
		return true
	}
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		switch amqpErr.Code {
		case amqp.ConnectionForced, amqp.ChannelError, amqp.FrameError:
			return true
		}
	}
	return false
}
