// Package store is coldpot's relational+JSON hybrid persistence layer: a
// single PostgreSQL pool exposing the tables in spec.md §3 — RawEvent,
// DeadLetterEvent, SessionSummary, IngestCursor, IPInventory,
// ASNInventory, IPASNHistory, EnrichmentCacheEntry, PasswordObservation —
// plus ON CONFLICT ... DO UPDATE / COALESCE semantics for write-once
// columns. Grounded on lake/api/config/postgres.go's pgxpool setup.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Config struct {
	DSN    string
	Logger *slog.Logger

	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

func (c *Config) setDefaults() {
	if c.MaxConns == 0 {
		c.MaxConns = 10
	}
	if c.MinConns == 0 {
		c.MinConns = 2
	}
	if c.MaxConnLifetime == 0 {
		c.MaxConnLifetime = time.Hour
	}
	if c.MaxConnIdleTime == 0 {
		c.MaxConnIdleTime = 30 * time.Minute
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

func (c *Config) validate() error {
	if c.DSN == "" {
		return errors.New("dsn is required")
	}
	return nil
}

// Store is a thin wrapper over a pgxpool.Pool; all query methods live in
// sibling files grouped by entity (events.go, sessions.go, inventory.go,
// cache.go, cursor.go, dlq.go).
type Store struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

// New opens a pooled connection and runs pending migrations.
func New(ctx context.Context, cfg Config) (*Store, error) {
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", fmt.Errorf("invalid store config"), err)
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	s := &Store{pool: pool, log: cfg.Logger}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// NewWithPool wraps an already-open pool. Unlike New, it does not run
// migrations.
func NewWithPool(pool *pgxpool.Pool, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{pool: pool, log: log}
}

func (s *Store) Close() { s.pool.Close() }

// Pool exposes the underlying pool for callers (tests, migration tools)
// that need raw access.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }
