package distributor

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/commtech/tunnelbroker/internal/audit"
	"github.com/commtech/tunnelbroker/internal/router"
	"github.com/commtech/tunnelbroker/internal/store"
	"github.com/gorilla/websocket"
)

// errTokenOwnershipLost marks a connection failure as permanent: another
// instance has claimed this user's token in the meantime, so retrying the
// dial would only steal it back. Grounded on TokenConnection's distinction
// between ReconnectError::TokenOwnershipLost and transient dial errors.
var errTokenOwnershipLost = errors.New("distributor: token ownership lost")

const reconnectBackoff = 5 * time.Second

// connection drives one external provider's outbound WebSocket for the
// duration it is owned by this instance.
type connection struct {
	store     TokenStore
	audit     *audit.Client
	router    *router.Router
	cfg       Config
	userID    string
	tokenData string
}

func newConnection(st TokenStore, au *audit.Client, rt *router.Router, cfg Config, userID, tokenData string) *connection {
	return &connection{store: st, audit: au, router: rt, cfg: cfg, userID: userID, tokenData: tokenData}
}

// run drives connect-maintain-reconnect until ctx is canceled or ownership
// is lost, then calls release so the distributor frees the slot.
func (c *connection) run(ctx context.Context, release func(userID string)) {
	defer release(c.userID)

	for {
		err := c.connectAndMaintain(ctx)
		if err == nil || ctx.Err() != nil {
			return
		}
		if errors.Is(err, errTokenOwnershipLost) {
			slog.Info("distributor: token ownership lost, stopping connection", "user_id", c.userID)
			if c.audit != nil {
				c.audit.RecordDistributorEvent(ctx, c.userID, "connect", "ownership_lost")
			}
			return
		}

		slog.Warn("distributor: connection failed, will retry", "user_id", c.userID, "error", err)
		if c.audit != nil {
			c.audit.RecordDistributorEvent(ctx, c.userID, "connect", "error")
		}

		now := time.Now().Unix()
		_, hbErr := c.store.UpdateTokenHeartbeat(ctx, c.userID, c.cfg.InstanceID, now)
		if hbErr != nil {
			if store.IsConditionFailed(hbErr) {
				slog.Info("distributor: ownership reverify failed, stopping connection", "user_id", c.userID)
				return
			}
			slog.Warn("distributor: heartbeat reverify failed", "user_id", c.userID, "error", hbErr)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectBackoff):
		}
	}
}

// connectAndMaintain dials the external provider socket, sends the
// authentication frame, and loops reading frames while ticking heartbeats
// and enforcing the ping timeout. It returns nil only when ctx is done;
// any other return is a failure to retry or abandon.
func (c *connection) connectAndMaintain(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, c.cfg.ExternalWSURL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	auth := struct {
		MessageType string `json:"messageType"`
		Data        string `json:"data"`
	}{MessageType: "dc_authenticate", Data: c.tokenData}
	authBody, err := json.Marshal(auth)
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, authBody); err != nil {
		return err
	}

	slog.Debug("distributor: connected", "user_id", c.userID)

	heartbeatTicker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer heartbeatTicker.Stop()

	deadline := time.Now().Add(c.cfg.PingTimeout)
	conn.SetReadDeadline(deadline)
	conn.SetPongHandler(func(string) error {
		deadline = time.Now().Add(c.cfg.PingTimeout)
		conn.SetReadDeadline(deadline)
		return nil
	})

	events := make(chan []byte)
	readErrs := make(chan error, 1)
	go func() {
		defer close(events)
		for {
			msgType, body, err := conn.ReadMessage()
			if err != nil {
				readErrs <- err
				return
			}
			conn.SetReadDeadline(time.Now().Add(c.cfg.PingTimeout))
			if msgType == websocket.TextMessage {
				events <- body
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return nil

		case err := <-readErrs:
			return err

		case body, ok := <-events:
			if !ok {
				events = nil // reader goroutine exited; readErrs will report why
				continue
			}
			if c.router != nil {
				if _, err := c.router.SendService(ctx, c.userID, string(body)); err != nil {
					slog.Warn("distributor: routing observed event failed", "user_id", c.userID, "error", err)
				}
			}

		case <-heartbeatTicker.C:
			now := time.Now().Unix()
			if _, err := c.store.UpdateTokenHeartbeat(ctx, c.userID, c.cfg.InstanceID, now); err != nil {
				if store.IsConditionFailed(err) {
					return errTokenOwnershipLost
				}
				return err
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return err
			}
		}
	}
}
