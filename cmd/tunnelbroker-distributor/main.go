package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/commtech/tunnelbroker/internal/audit"
	"github.com/commtech/tunnelbroker/internal/broker"
	"github.com/commtech/tunnelbroker/internal/config"
	"github.com/commtech/tunnelbroker/internal/distributor"
	"github.com/commtech/tunnelbroker/internal/maintenance"
	"github.com/commtech/tunnelbroker/internal/router"
	"github.com/commtech/tunnelbroker/internal/store"
)

func main() {
	cfg := config.Load()

	if cfg.InstanceID == "" {
		slog.Error("INSTANCE_ID must be set", "component", "distributor")
		os.Exit(1)
	}

	// ── Infrastructure ───────────────────────────────────────────────────

	ctx, cancelInit := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelInit()

	st, err := store.Connect(ctx, store.Config{RedisAddr: cfg.RedisAddr, PostgresDSN: cfg.PostgresDSN})
	if err != nil {
		slog.Error("store connect failed", "component", "distributor", "error", err)
		os.Exit(1)
	}

	amqpConn, err := broker.Dial(ctx, cfg.AMQPURI)
	if err != nil {
		slog.Error("amqp connect failed", "component", "distributor", "error", err)
		os.Exit(1)
	}

	auditClient, err := audit.New(cfg.ElasticsearchURL)
	if err != nil {
		slog.Error("elasticsearch init failed", "component", "distributor", "error", err)
		os.Exit(1)
	}

	// ── Background cron ──────────────────────────────────────────────────

	cronScheduler, err := maintenance.StartCronJobs(st, cfg.TokenVacuumCron, cfg.TokenVacuumMaxAge)
	if err != nil {
		slog.Error("invalid cron schedule", "component", "distributor", "schedule", cfg.TokenVacuumCron, "error", err)
		os.Exit(1)
	}

	// ── Run ──────────────────────────────────────────────────────────────
	//
	// runCtx is cancelled on SIGINT/SIGTERM, which drives the distributor's
	// graceful shutdown (release every claimed token) before Run returns.

	runCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt := router.New(st, broker.NewPublisher(amqpConn))

	d := distributor.New(st, auditClient, rt, distributor.Config{
		InstanceID:        cfg.InstanceID,
		MaxConnections:    cfg.MaxConnections,
		ScanInterval:      cfg.ScanInterval,
		HeartbeatInterval: cfg.HeartbeatInterval,
		HeartbeatTimeout:  cfg.HeartbeatTimeout,
		PingTimeout:       cfg.PingTimeout,
		MetricsInterval:   cfg.MetricsInterval,
		ExternalWSURL:     cfg.ExternalWSURL,
	})

	slog.Info("distributor starting", "component", "distributor", "instance_id", cfg.InstanceID)
	d.Run(runCtx)

	// ── Graceful shutdown ────────────────────────────────────────────────
	//
	// Run() has returned — every claimed token has been released. Close
	// connections in reverse init order.

	<-cronScheduler.Stop().Done()
	slog.Info("cron stopped", "component", "distributor")

	if err := amqpConn.Close(); err != nil {
		slog.Error("amqp close error", "component", "distributor", "error", err)
	}
	if err := st.Close(); err != nil {
		slog.Error("store close error", "component", "distributor", "error", err)
	}

	slog.Info("distributor stopped", "component", "distributor")
}
