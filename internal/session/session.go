// Package session implements one device's WebSocket connection: the
// handshake, the read/write pumps, heartbeats, and the bridge to that
// device's AMQP queue (spec.md §4.3).
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/commtech/tunnelbroker/internal/broker"
	"github.com/commtech/tunnelbroker/internal/identity"
	"github.com/commtech/tunnelbroker/internal/metrics"
	"github.com/commtech/tunnelbroker/internal/push"
	"github.com/commtech/tunnelbroker/internal/router"
	"github.com/commtech/tunnelbroker/internal/store"
	"github.com/commtech/tunnelbroker/internal/wire"
)

// Dispatcher is the subset of *dispatch.Dispatcher a session needs to
// forward a device-originated push-send request.
type Dispatcher interface {
	Send(ctx context.Context, deviceID string, provider push.Provider, payload push.Payload) error
}

// State is the session's position in the handshake/authenticated/closing
// state machine (spec.md §3 "Session state machine").
type State int

const (
	StateHandshake State = iota
	StateAuthenticated
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateHandshake:
		return "handshake"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "closing"
	}
}

// Config carries the tunables a Session needs from process configuration.
type Config struct {
	HeartbeatInterval time.Duration
	PingTimeout       time.Duration
}

// Session owns one device's WebSocket connection end to end.
type Session struct {
	conn       *websocket.Conn
	store      *store.Store
	router     *router.Router
	ident      identity.Verifier
	amqp       *broker.Connection
	dispatcher Dispatcher
	cfg        Config

	mu       sync.Mutex
	state    State
	userID   string
	deviceID string

	send chan outFrame

	consumer *broker.Consumer

	partial []byte // continuation-frame buffer
}

// outFrame pairs an outbound body with the WebSocket frame type it must be
// written as: text during the handshake exchange, binary for everything
// after (spec.md §6).
type outFrame struct {
	msgType int
	body    []byte
}

// New builds a Session around an already-upgraded WebSocket connection.
// dispatcher may be nil if this deployment does not accept device-originated
// push-send requests.
func New(conn *websocket.Conn, st *store.Store, rt *router.Router, ident identity.Verifier, amqpConn *broker.Connection, dispatcher Dispatcher, cfg Config) *Session {
	return &Session{
		conn:       conn,
		store:      st,
		router:     rt,
		ident:      ident,
		amqp:       amqpConn,
		dispatcher: dispatcher,
		cfg:        cfg,
		state:      StateHandshake,
		send:       make(chan outFrame, 64),
	}
}

// Run drives the session until the connection closes or ctx is canceled.
// It blocks until teardown is complete.
func (s *Session) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.writePump(ctx)
	}()

	s.readPump(ctx, cancel)
	cancel()
	wg.Wait()

	s.teardown()
}

func (s *Session) teardown() {
	s.mu.Lock()
	s.state = StateClosing
	deviceID := s.deviceID
	s.mu.Unlock()

	if s.consumer != nil {
		if err := s.consumer.Cancel(); err != nil {
			slog.Warn("session: cancel consumer failed", "device_id", deviceID, "error", err)
		}
		if deviceID != "" {
			if err := s.consumer.DeleteQueue(deviceID); err != nil {
				slog.Warn("session: delete queue failed", "device_id", deviceID, "error", err)
			}
		}
		s.consumer.Close()
	}
	s.conn.Close()
	if deviceID != "" {
		metrics.ActiveSessions.Dec()
	}
}

// readPump reads frames off the socket, resets the ping-timeout deadline on
// every inbound frame (not just pings — spec.md §9), and dispatches.
func (s *Session) readPump(ctx context.Context, cancel context.CancelFunc) {
	s.conn.SetReadDeadline(time.Now().Add(s.cfg.PingTimeout))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(s.cfg.PingTimeout))
		return nil
	})

	for {
		msgType, raw, err := s.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("session: read error", "error", err)
			}
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(s.cfg.PingTimeout))

		frame, err := s.reassemble(msgType, raw)
		if err != nil {
			slog.Warn("session: reassembly failed, closing connection", "device_id", s.deviceID, "error", err)
			s.closeWithCode(closeCodeFor(err), err.Error())
			cancel()
			return
		}
		if frame == nil {
			continue // continuation frame buffered, message not complete yet
		}

		if err := s.dispatch(ctx, frame); err != nil {
			if errors.Is(err, errFatal) {
				cancel()
				return
			}
			slog.Warn("session: dispatch error", "device_id", s.deviceID, "error", err)
		}
	}
}

func (s *Session) writePump(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-s.send:
			if !ok {
				return
			}
			if err := s.conn.WriteMessage(f.msgType, f.body); err != nil {
				return
			}
		case <-ticker.C:
			hb, _ := json.Marshal(wire.Heartbeat{Type: wire.TypeHeartbeat})
			if err := s.conn.WriteMessage(websocket.BinaryMessage, hb); err != nil {
				return
			}
		}
	}
}

var errFatal = errors.New("session: fatal")

// Close codes in the private-use range (spec.md §6/§4.3's "closes the
// connection with an error code"/"code Unsupported").
const (
	closeUnsupported   = 4000 // text frame received outside the handshake
	closeProtocolError = 4001 // any other reassembly failure (a non-text frame during the handshake)
)

// closeCodeFor picks the close code matching a reassembly failure.
func closeCodeFor(err error) int {
	if errors.Is(err, errUnsupportedFrame) {
		return closeUnsupported
	}
	return closeProtocolError
}

// closeWithCode sends a WebSocket close control frame with code and reason.
func (s *Session) closeWithCode(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	if err := s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
		slog.Debug("session: write close frame failed", "device_id", s.deviceID, "error", err)
	}
}

// queueOut enqueues a binary body for the write pump — every post-handshake
// frame is binary (spec.md §6). It drops the frame rather than blocking the
// read pump indefinitely if the buffer is full.
func (s *Session) queueOut(body []byte) {
	s.enqueue(websocket.BinaryMessage, body)
}

// queueOutText enqueues a text body for the write pump. Only the handshake
// response (success or error) uses this — every later frame is binary.
func (s *Session) queueOutText(body []byte) {
	s.enqueue(websocket.TextMessage, body)
}

func (s *Session) enqueue(msgType int, body []byte) {
	select {
	case s.send <- outFrame{msgType: msgType, body: body}:
	case <-time.After(50 * time.Millisecond):
		slog.Warn("session: send buffer full, dropping frame", "device_id", s.deviceID)
	}
}

func (s *Session) currentState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) fail(reason string) error {
	resp := wire.NewInitError(reason)
	body, _ := json.Marshal(resp)
	s.queueOutText(body)
	return fmt.Errorf("%w: %s", errFatal, reason)
}
