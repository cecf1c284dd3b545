// Package server exposes the device-facing WebSocket upgrade endpoint plus
// the ambient /healthz and /metrics surfaces, the same route-registration
// shape the teacher's internal/api package uses.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/commtech/tunnelbroker/internal/broker"
	"github.com/commtech/tunnelbroker/internal/identity"
	"github.com/commtech/tunnelbroker/internal/router"
	"github.com/commtech/tunnelbroker/internal/session"
	"github.com/commtech/tunnelbroker/internal/store"
)

// Dispatcher matches session.Dispatcher so the caller-owned
// *dispatch.Dispatcher can be injected without this package importing
// internal/dispatch directly.
type Dispatcher = session.Dispatcher

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Handler holds every dependency the device-connection endpoint needs.
type Handler struct {
	Store      *store.Store
	Router     *router.Router
	Ident      identity.Verifier
	AMQP       *broker.Connection
	Dispatcher Dispatcher
	Cfg        session.Config
}

// RegisterRoutes attaches the websocket endpoint and the ambient
// observability surface to mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", h.handleWebSocket)
	mux.HandleFunc("GET /healthz", h.handleHealthz)
	mux.Handle("GET /metrics", promhttp.Handler())
}

func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("server: websocket upgrade failed", "error", err, "remote_addr", r.RemoteAddr)
		return
	}

	// The session itself increments metrics.ActiveSessions once the device
	// authenticates, and decrements it in teardown — not here, since an
	// upgraded-but-unauthenticated connection was never counted as active.
	sess := session.New(conn, h.Store, h.Router, h.Ident, h.AMQP, h.Dispatcher, h.Cfg)
	sess.Run(r.Context())
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.Store.Ping(ctx); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("store unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}
