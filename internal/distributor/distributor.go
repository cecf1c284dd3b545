// Package distributor runs the external-token distributor: it scans for
// orphaned external-token rows, claims as many as its connection budget
// allows, and keeps one outbound WebSocket per claimed row alive (spec.md
// §4.5, grounded on token_distributor/mod.rs's TokenDistributor).
package distributor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/commtech/tunnelbroker/internal/audit"
	"github.com/commtech/tunnelbroker/internal/metrics"
	"github.com/commtech/tunnelbroker/internal/router"
	"github.com/commtech/tunnelbroker/internal/store"
)

// Config carries the distributor's tunables (spec.md §4.5).
type Config struct {
	InstanceID        string
	MaxConnections    int
	ScanInterval      time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	PingTimeout       time.Duration
	MetricsInterval   time.Duration
	ExternalWSURL     string
}

// TokenStore is the subset of *store.Store the distributor needs.
type TokenStore interface {
	ScanOrphanedTokens(ctx context.Context, cutoff int64) ([]store.ExternalToken, error)
	ClaimToken(ctx context.Context, userID, instanceID string, cutoff, now int64) (bool, error)
	UpdateTokenHeartbeat(ctx context.Context, userID, instanceID string, now int64) (bool, error)
	ReleaseToken(ctx context.Context, userID, instanceID string) (bool, error)
	GetTotalTokensCount(ctx context.Context) (int, error)
}

// Distributor owns the scan/claim loop and the set of currently-managed
// connections, one per claimed external-token row.
type Distributor struct {
	store  TokenStore
	audit  *audit.Client
	router *router.Router
	cfg    Config

	mu          sync.Mutex
	connections map[string]context.CancelFunc
}

// New builds a Distributor. Dial-out for claimed connections happens
// lazily, only as rows are claimed. audit may be nil.
func New(st TokenStore, au *audit.Client, rt *router.Router, cfg Config) *Distributor {
	slog.Info("distributor: initialized",
		"max_connections", cfg.MaxConnections,
		"scan_interval", cfg.ScanInterval,
		"heartbeat_interval", cfg.HeartbeatInterval,
		"heartbeat_timeout", cfg.HeartbeatTimeout,
		"ping_timeout", cfg.PingTimeout,
	)
	return &Distributor{store: st, audit: au, router: rt, cfg: cfg, connections: make(map[string]context.CancelFunc)}
}

// Run drives the scan/claim/metrics loop until ctx is canceled, then
// releases every claimed token before returning.
func (d *Distributor) Run(ctx context.Context) {
	scanTicker := time.NewTicker(d.cfg.ScanInterval)
	defer scanTicker.Stop()
	metricsTicker := time.NewTicker(d.cfg.MetricsInterval)
	defer metricsTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.gracefulShutdown()
			return
		case <-scanTicker.C:
			if err := d.scanAndClaim(ctx); err != nil {
				slog.Error("distributor: scan and claim failed", "error", err)
			}
		case <-metricsTicker.C:
			d.emitMetrics(ctx)
		}
	}
}

func (d *Distributor) scanAndClaim(ctx context.Context) error {
	d.cleanupDeadConnections()

	cutoff := time.Now().Add(-d.cfg.HeartbeatTimeout).Unix()

	d.mu.Lock()
	availableSlots := d.cfg.MaxConnections - len(d.connections)
	d.mu.Unlock()
	if availableSlots <= 0 {
		slog.Debug("distributor: at max connections, skipping scan", "max_connections", d.cfg.MaxConnections)
		return nil
	}

	orphaned, err := d.store.ScanOrphanedTokens(ctx, cutoff)
	if err != nil {
		return err
	}
	if len(orphaned) == 0 {
		return nil
	}
	slog.Info("distributor: found orphaned tokens", "count", len(orphaned))

	claimed := 0
	for _, tok := range orphaned {
		if claimed >= availableSlots {
			slog.Info("distributor: reached connection limit, stopping claim pass", "max_connections", d.cfg.MaxConnections)
			break
		}

		d.mu.Lock()
		_, already := d.connections[tok.UserID]
		d.mu.Unlock()
		if already {
			continue
		}

		_, err := d.store.ClaimToken(ctx, tok.UserID, d.cfg.InstanceID, cutoff, time.Now().Unix())
		if err != nil {
			if store.IsConditionFailed(err) {
				slog.Debug("distributor: token already claimed by another instance", "user_id", tok.UserID)
			} else {
				slog.Warn("distributor: claim failed", "user_id", tok.UserID, "error", err)
			}
			continue
		}

		slog.Info("distributor: claimed token", "user_id", tok.UserID, "claimed", claimed+1, "available_slots", availableSlots)
		metrics.DistributorClaimTotal.WithLabelValues("ok").Inc()
		if d.audit != nil {
			d.audit.RecordDistributorEvent(ctx, tok.UserID, "claim", "ok")
		}

		connCtx, cancel := context.WithCancel(ctx)
		conn := newConnection(d.store, d.audit, d.router, d.cfg, tok.UserID, tok.TokenData)
		go conn.run(connCtx, d.release)

		d.mu.Lock()
		d.connections[tok.UserID] = cancel
		d.mu.Unlock()
		claimed++
	}

	d.mu.Lock()
	metrics.DistributorActiveConnections.Set(float64(len(d.connections)))
	d.mu.Unlock()
	return nil
}

// release is called by a connection task when it stops permanently
// (ownership lost, or cancellation; socket errors are retried, not final),
// so the distributor stops counting it against its connection budget.
func (d *Distributor) release(userID string) {
	d.mu.Lock()
	delete(d.connections, userID)
	d.mu.Unlock()
}

func (d *Distributor) cleanupDeadConnections() {
	// Connections remove themselves via release(); nothing to sweep here
	// beyond what the map already reflects. Kept as a named step to mirror
	// the scan/claim/cleanup ordering of the source loop.
}

func (d *Distributor) emitMetrics(ctx context.Context) {
	d.mu.Lock()
	active := len(d.connections)
	d.mu.Unlock()
	metrics.DistributorActiveConnections.Set(float64(active))

	total, err := d.store.GetTotalTokensCount(ctx)
	if err != nil {
		slog.Error("distributor: get total tokens count failed", "error", err)
		return
	}
	metrics.DistributorTotalTokens.Set(float64(total))
}

func (d *Distributor) gracefulShutdown() {
	slog.Info("distributor: starting graceful shutdown")

	d.mu.Lock()
	userIDs := make([]string, 0, len(d.connections))
	for userID, cancel := range d.connections {
		userIDs = append(userIDs, userID)
		cancel()
	}
	d.mu.Unlock()

	var wg sync.WaitGroup
	for _, userID := range userIDs {
		wg.Add(1)
		go func(userID string) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_, err := d.store.ReleaseToken(ctx, userID, d.cfg.InstanceID)
			if err != nil {
				if store.IsConditionFailed(err) {
					slog.Debug("distributor: release skipped, no longer owner", "user_id", userID)
				} else {
					slog.Warn("distributor: release failed during shutdown", "user_id", userID, "error", err)
				}
				return
			}
			slog.Debug("distributor: released token", "user_id", userID)
			if d.audit != nil {
				d.audit.RecordDistributorEvent(ctx, userID, "release", "ok")
			}
		}(userID)
	}
	wg.Wait()

	d.mu.Lock()
	d.connections = make(map[string]context.CancelFunc)
	d.mu.Unlock()

	slog.Info("distributor: graceful shutdown complete")
}
