package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/commtech/tunnelbroker/internal/audit"
	"github.com/commtech/tunnelbroker/internal/broker"
	"github.com/commtech/tunnelbroker/internal/config"
	"github.com/commtech/tunnelbroker/internal/dispatch"
	"github.com/commtech/tunnelbroker/internal/identity"
	"github.com/commtech/tunnelbroker/internal/push"
	"github.com/commtech/tunnelbroker/internal/router"
	"github.com/commtech/tunnelbroker/internal/server"
	"github.com/commtech/tunnelbroker/internal/session"
	"github.com/commtech/tunnelbroker/internal/store"
)

func main() {
	cfg := config.Load()

	// ── Infrastructure ───────────────────────────────────────────────────

	ctx, cancelInit := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelInit()

	st, err := store.Connect(ctx, store.Config{RedisAddr: cfg.RedisAddr, PostgresDSN: cfg.PostgresDSN})
	if err != nil {
		slog.Error("store connect failed", "component", "server", "error", err)
		os.Exit(1)
	}

	amqpConn, err := broker.Dial(ctx, cfg.AMQPURI)
	if err != nil {
		slog.Error("amqp connect failed", "component", "server", "error", err)
		os.Exit(1)
	}

	auditClient, err := audit.New(cfg.ElasticsearchURL)
	if err != nil {
		slog.Error("elasticsearch init failed", "component", "server", "error", err)
		os.Exit(1)
	}

	identClient := identity.NewClient(cfg.IdentityEndpoint)

	rt := router.New(st, broker.NewPublisher(amqpConn))

	providers := buildProviders(cfg)
	dispatcher := dispatch.New(st, rt, auditClient, providers)

	// ── HTTP server ──────────────────────────────────────────────────────

	h := &server.Handler{
		Store:      st,
		Router:     rt,
		Ident:      identClient,
		AMQP:       amqpConn,
		Dispatcher: dispatcher,
		Cfg: session.Config{
			HeartbeatInterval: cfg.HeartbeatInterval,
			PingTimeout:       cfg.PingTimeout,
		},
	}

	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // device websockets are long-lived
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("server started", "component", "server", "port", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "component", "server", "error", err)
			os.Exit(1)
		}
	}()

	// ── Graceful shutdown ────────────────────────────────────────────────
	//
	// Shutdown order mirrors init order in reverse: stop accepting new
	// websocket upgrades first (in-flight connections finish their own
	// teardown), then close broker and store handles last.

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutdown signal received", "component", "server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "component", "server", "error", err)
	}

	if err := amqpConn.Close(); err != nil {
		slog.Error("amqp close error", "component", "server", "error", err)
	}
	if err := st.Close(); err != nil {
		slog.Error("store close error", "component", "server", "error", err)
	}

	slog.Info("shutdown complete", "component", "server")
}

// buildProviders constructs one push.Client per platform that has
// credentials configured, leaving the rest nil — Dispatcher.Send then
// fails lookups for any platform this deployment doesn't serve.
func buildProviders(cfg *config.Config) map[push.Platform]push.Client {
	providers := make(map[push.Platform]push.Client)

	if cfg.APNsTeamID != "" && cfg.APNsKeyID != "" && cfg.APNsKeyPath != "" {
		pemKey, err := os.ReadFile(cfg.APNsKeyPath)
		if err != nil {
			slog.Error("apns key load failed", "component", "server", "error", err)
		} else {
			apnsClient, err := push.NewAPNsClient(cfg.APNsEndpoint, cfg.APNsTeamID, cfg.APNsKeyID, pemKey, cfg.APNsUseMacOS)
			if err != nil {
				slog.Error("apns client init failed", "component", "server", "error", err)
			} else {
				providers[push.PlatformIOS] = apnsClient
				if cfg.APNsUseMacOS {
					providers[push.PlatformMacOS] = apnsClient
				}
			}
		}
	}

	if cfg.FCMOAuthToken != "" {
		providers[push.PlatformAndroid] = push.NewFCMClient(cfg.FCMEndpoint, func() (string, error) {
			return cfg.FCMOAuthToken, nil
		})
	}

	providers[push.PlatformWeb] = push.NewWebPushClient()

	if cfg.WNSClientID != "" && cfg.WNSSecret != "" {
		providers[push.PlatformWindows] = push.NewWNSClient(cfg.WNSClientID, cfg.WNSSecret, cfg.WNSTokenURL)
	}

	return providers
}
