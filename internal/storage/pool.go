// Package storage provides the PostgreSQL ledger for assay.
//
// The ledger is the single source of truth for execution state: batches,
// runs, jobs, the append-only trace, citation aliases, experience deltas and
// idempotency records. Every multi-row state change happens inside one
// transaction so a failed write leaves no partial state behind.
package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/assay/internal/telemetry"
)

// Options locates the ledger database.
type Options struct {
	URL string
	// NotifyURL is a direct (non-pooler) connection for LISTEN. Empty leaves
	// the worker on polling alone.
	NotifyURL string
	// MaxConns caps the pool; zero keeps pgx's default.
	MaxConns int32
	// AppName is reported as application_name in pg_stat_activity.
	AppName string
}

// DB is the ledger handle: a pool for queries and transactions plus an
// optional dedicated connection for queue wake-ups.
type DB struct {
	pool   *pgxpool.Pool
	notify *listener
	logger *slog.Logger
}

// New connects to the ledger and verifies it is reachable.
func New(ctx context.Context, opts Options, logger *slog.Logger) (*DB, error) {
	cfg, err := pgxpool.ParseConfig(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("storage: parse database URL: %w", err)
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}
	if opts.AppName != "" {
		cfg.ConnConfig.RuntimeParams["application_name"] = opts.AppName
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping: %w", err)
	}

	db := &DB{pool: pool, logger: logger}
	if opts.NotifyURL != "" {
		db.notify = &listener{dsn: opts.NotifyURL, logger: logger}
		if err := db.notify.connect(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return db, nil
}

// Pool exposes the pool for tests and ad-hoc maintenance.
func (db *DB) Pool() *pgxpool.Pool { return db.pool }

// HasNotifyConn reports whether queue wake-ups are available.
func (db *DB) HasNotifyConn() bool { return db.notify != nil }

// Ping checks connectivity to the database.
func (db *DB) Ping(ctx context.Context) error { return db.pool.Ping(ctx) }

// Close releases the pool and the notify connection.
func (db *DB) Close(ctx context.Context) {
	db.pool.Close()
	if db.notify != nil {
		db.notify.close(ctx)
	}
}

// RegisterPoolMetrics reports pool occupancy as observable gauges.
func (db *DB) RegisterPoolMetrics() {
	meter := telemetry.Meter("assay/storage")
	gauge := func(name, desc string, read func(*pgxpool.Stat) int64) {
		_, _ = meter.Int64ObservableGauge(name,
			metric.WithDescription(desc),
			metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
				o.Observe(read(db.pool.Stat()))
				return nil
			}),
		)
	}
	gauge("assay.db.pool.acquired", "Connections checked out of the pool",
		func(s *pgxpool.Stat) int64 { return int64(s.AcquiredConns()) })
	gauge("assay.db.pool.idle", "Idle connections in the pool",
		func(s *pgxpool.Stat) int64 { return int64(s.IdleConns()) })
	gauge("assay.db.pool.max", "Configured pool size",
		func(s *pgxpool.Stat) int64 { return int64(s.MaxConns()) })
	gauge("assay.db.pool.empty_acquires", "Acquires that had to wait for a connection",
		func(s *pgxpool.Stat) int64 { return s.EmptyAcquireCount() })
}

// withTx runs fn in a transaction that commits when fn returns nil.
func (db *DB) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	return pgx.BeginFunc(ctx, db.pool, fn)
}
