// Package store is the persistence layer consumed by every other component
// (spec.md §4.1). Message rows live in Redis (ordered, TTL-native); device
// push-token rows and external-token rows live in Postgres, where a
// compare-and-swap `UPDATE ... WHERE` and a partial/composite index map
// directly onto the spec's conditional-write and secondary-index
// requirements.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
)

// ErrorKind classifies a StoreError the way spec.md §4.1 requires:
// "condition failed" (normal, non-error for claim/release/heartbeat),
// "transient" (retryable), and "fatal".
type ErrorKind int

const (
	KindConditionFailed ErrorKind = iota
	KindTransient
	KindFatal
)

func (k ErrorKind) String() string {
	switch k {
	case KindConditionFailed:
		return "condition_failed"
	case KindTransient:
		return "transient"
	default:
		return "fatal"
	}
}

// StoreError is the single typed error every store operation can fail with.
type StoreError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store: %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func newStoreError(op string, kind ErrorKind, err error) *StoreError {
	return &StoreError{Op: op, Kind: kind, Err: err}
}

// IsConditionFailed reports whether err is a StoreError carrying the
// condition-failed kind — the normal, non-error outcome of a losing
// claim/heartbeat/release attempt.
func IsConditionFailed(err error) bool {
	var se *StoreError
	return errors.As(err, &se) && se.Kind == KindConditionFailed
}

// Store bundles the Redis handle (message rows) and the Postgres handle
// (token rows) behind the operations spec.md §4.1 names. It is a
// cheap-clone handle in spirit: callers share one *Store built at process
// start, the same way the teacher shares one *database.DB and one
// *cache.Client.
type Store struct {
	redis *redis.Client
	pg    *sql.DB
}

// Config is the minimal connection info Store.Connect needs.
type Config struct {
	RedisAddr   string
	PostgresDSN string
}

// Connect dials Redis and Postgres and verifies both with a ping, mirroring
// database.Connect/cache.New in the teacher.
func Connect(ctx context.Context, cfg Config) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("store: redis connect: %w", err)
	}

	pg, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("store: postgres open: %w", err)
	}
	if err := pg.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("store: postgres connect: %w", err)
	}

	if err := ensureSchema(ctx, pg); err != nil {
		return nil, fmt.Errorf("store: ensure schema: %w", err)
	}

	return &Store{redis: rdb, pg: pg}, nil
}

// Ping verifies both backing connections are reachable, for the process
// health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("store: redis ping: %w", err)
	}
	return s.pg.PingContext(ctx)
}

// Close releases both underlying connections.
func (s *Store) Close() error {
	pgErr := s.pg.Close()
	redisErr := s.redis.Close()
	if pgErr != nil {
		return pgErr
	}
	return redisErr
}

// ensureSchema creates the two Postgres tables and their indexes if they
// do not already exist. This stands in for a migration tool (out of scope
// per spec.md §1's "configuration loading" / infra non-goals); it is
// idempotent and safe to run on every boot.
func ensureSchema(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS device_tokens (
			device_id TEXT PRIMARY KEY,
			device_token TEXT NOT NULL,
			platform TEXT,
			token_invalid BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS device_tokens_token_idx ON device_tokens (device_token)`,
		`CREATE TABLE IF NOT EXISTS external_tokens (
			user_id TEXT PRIMARY KEY,
			token_data TEXT NOT NULL,
			assigned_instance TEXT,
			assignment_timestamp BIGINT,
			last_heartbeat BIGINT,
			unassigned BOOLEAN
		)`,
		`CREATE INDEX IF NOT EXISTS external_tokens_unassigned_idx ON external_tokens (user_id) WHERE unassigned`,
		`CREATE INDEX IF NOT EXISTS external_tokens_instance_heartbeat_idx ON external_tokens (assigned_instance, last_heartbeat)`,
	}
	for _, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			return err
		}
	}
	return nil
}
