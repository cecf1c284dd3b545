package distributor

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/commtech/tunnelbroker/internal/store"
)

type fakeStore struct {
	mu sync.Mutex

	orphaned    []store.ExternalToken
	claimed     map[string]bool
	claimDenied map[string]bool
	heartbeats  int
	released    []string
	total       int
}

func newFakeStore() *fakeStore {
	return &fakeStore{claimed: make(map[string]bool), claimDenied: make(map[string]bool)}
}

func (f *fakeStore) ScanOrphanedTokens(ctx context.Context, cutoff int64) ([]store.ExternalToken, error) {
	return f.orphaned, nil
}

func (f *fakeStore) ClaimToken(ctx context.Context, userID, instanceID string, cutoff, now int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.claimDenied[userID] {
		return false, &store.StoreError{Kind: store.KindConditionFailed, Op: "claim_token", Err: sql.ErrNoRows}
	}
	f.claimed[userID] = true
	return true, nil
}

func (f *fakeStore) UpdateTokenHeartbeat(ctx context.Context, userID, instanceID string, now int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats++
	return true, nil
}

func (f *fakeStore) ReleaseToken(ctx context.Context, userID, instanceID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, userID)
	return true, nil
}

func (f *fakeStore) GetTotalTokensCount(ctx context.Context) (int, error) {
	return f.total, nil
}

func baseConfig() Config {
	return Config{
		InstanceID:        "instance-a",
		MaxConnections:    2,
		ScanInterval:      time.Hour,
		HeartbeatInterval: time.Hour,
		HeartbeatTimeout:  time.Minute,
		PingTimeout:       time.Hour,
		MetricsInterval:   time.Hour,
		ExternalWSURL:     "wss://example.invalid/stream",
	}
}

func TestScanAndClaimRespectsAvailableSlots(t *testing.T) {
	fs := newFakeStore()
	fs.orphaned = []store.ExternalToken{
		{UserID: "u1", TokenData: "d1"},
		{UserID: "u2", TokenData: "d2"},
		{UserID: "u3", TokenData: "d3"},
	}

	d := New(fs, nil, nil, baseConfig())
	if err := d.scanAndClaim(context.Background()); err != nil {
		t.Fatalf("scanAndClaim: %v", err)
	}

	d.mu.Lock()
	n := len(d.connections)
	d.mu.Unlock()
	if n != 2 {
		t.Fatalf("expected 2 connections claimed (max_connections=2), got %d", n)
	}

	for _, cancel := range d.connections {
		cancel()
	}
}

func TestScanAndClaimSkipsAlreadyManaged(t *testing.T) {
	fs := newFakeStore()
	fs.orphaned = []store.ExternalToken{{UserID: "u1", TokenData: "d1"}}

	d := New(fs, nil, nil, baseConfig())
	d.connections["u1"] = func() {}

	if err := d.scanAndClaim(context.Background()); err != nil {
		t.Fatalf("scanAndClaim: %v", err)
	}

	fs.mu.Lock()
	claimed := fs.claimed["u1"]
	fs.mu.Unlock()
	if claimed {
		t.Fatal("expected already-managed token not to be re-claimed")
	}
}

func TestScanAndClaimSkipsConditionFailed(t *testing.T) {
	fs := newFakeStore()
	fs.orphaned = []store.ExternalToken{{UserID: "u1", TokenData: "d1"}}
	fs.claimDenied["u1"] = true

	d := New(fs, nil, nil, baseConfig())
	if err := d.scanAndClaim(context.Background()); err != nil {
		t.Fatalf("scanAndClaim returned error for a condition-failed claim: %v", err)
	}

	d.mu.Lock()
	n := len(d.connections)
	d.mu.Unlock()
	if n != 0 {
		t.Fatalf("expected no connection for a denied claim, got %d", n)
	}
}

func TestGracefulShutdownReleasesAllOwnedTokens(t *testing.T) {
	fs := newFakeStore()
	d := New(fs, nil, nil, baseConfig())

	for _, id := range []string{"u1", "u2", "u3"} {
		_, cancel := context.WithCancel(context.Background())
		d.connections[id] = cancel
	}

	d.gracefulShutdown()

	fs.mu.Lock()
	releasedCount := len(fs.released)
	fs.mu.Unlock()
	if releasedCount != 3 {
		t.Fatalf("expected 3 releases, got %d", releasedCount)
	}

	d.mu.Lock()
	remaining := len(d.connections)
	d.mu.Unlock()
	if remaining != 0 {
		t.Fatalf("expected connections map cleared after shutdown, got %d entries", remaining)
	}
}

func TestEmitMetricsReadsTotalTokens(t *testing.T) {
	fs := newFakeStore()
	fs.total = 42
	d := New(fs, nil, nil, baseConfig())

	d.emitMetrics(context.Background())
}
