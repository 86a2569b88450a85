package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"path"
	"slices"

	"github.com/jackc/pgx/v5"
)

// migrationLockKey serializes migrators across processes; serve and the
// migrate command may start together against one database.
const migrationLockKey int64 = 0x61737361795f6d67 // "assay_mg"

// Migration is one schema file and whether the ledger has applied it.
type Migration struct {
	Version  string
	Checksum string
	Applied  bool
}

// RunMigrations applies the pending *.sql files of migrationsFS in name
// order, each in its own transaction together with its schema_migrations
// row. A file whose content changed after it was applied is an error: the
// ledger would no longer match what the files describe.
func (db *DB) RunMigrations(ctx context.Context, migrationsFS fs.FS) error {
	conn, err := db.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("storage: acquire migration conn: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1)`, migrationLockKey); err != nil {
		return fmt.Errorf("storage: migration lock: %w", err)
	}
	defer func() {
		if _, err := conn.Exec(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock($1)`, migrationLockKey); err != nil {
			db.logger.Warn("storage: release migration lock", "error", err)
		}
	}()

	plan, err := planMigrations(ctx, conn.Conn(), migrationsFS)
	if err != nil {
		return err
	}
	for _, m := range plan {
		if m.Applied {
			continue
		}
		body, err := fs.ReadFile(migrationsFS, m.Version)
		if err != nil {
			return fmt.Errorf("storage: read migration %s: %w", m.Version, err)
		}
		db.logger.Info("applying migration", "version", m.Version)
		err = pgx.BeginFunc(ctx, conn, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, string(body)); err != nil {
				return fmt.Errorf("storage: migration %s: %w", m.Version, err)
			}
			_, err := tx.Exec(ctx,
				`INSERT INTO schema_migrations (version, checksum) VALUES ($1, $2)`, m.Version, m.Checksum)
			return err
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Migrations reports every schema file with its applied state.
func (db *DB) Migrations(ctx context.Context, migrationsFS fs.FS) ([]Migration, error) {
	conn, err := db.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: acquire migration conn: %w", err)
	}
	defer conn.Release()
	return planMigrations(ctx, conn.Conn(), migrationsFS)
}

func planMigrations(ctx context.Context, conn *pgx.Conn, migrationsFS fs.FS) ([]Migration, error) {
	if _, err := conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    TEXT PRIMARY KEY,
			checksum   TEXT NOT NULL DEFAULT '',
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`); err != nil {
		return nil, fmt.Errorf("storage: create schema_migrations: %w", err)
	}

	rows, err := conn.Query(ctx, `SELECT version, checksum FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("storage: load applied migrations: %w", err)
	}
	applied := map[string]string{}
	var version, sum string
	if _, err := pgx.ForEachRow(rows, []any{&version, &sum}, func() error {
		applied[version] = sum
		return nil
	}); err != nil {
		return nil, fmt.Errorf("storage: load applied migrations: %w", err)
	}

	names, err := fs.Glob(migrationsFS, "*.sql")
	if err != nil {
		return nil, fmt.Errorf("storage: list migrations: %w", err)
	}
	slices.Sort(names)

	plan := make([]Migration, 0, len(names))
	for _, name := range names {
		body, err := fs.ReadFile(migrationsFS, name)
		if err != nil {
			return nil, fmt.Errorf("storage: read migration %s: %w", name, err)
		}
		digest := sha256.Sum256(body)
		m := Migration{Version: path.Base(name), Checksum: hex.EncodeToString(digest[:])}
		if prev, ok := applied[m.Version]; ok {
			m.Applied = true
			if prev != "" && prev != m.Checksum {
				return nil, fmt.Errorf("storage: migration %s changed after it was applied", m.Version)
			}
		}
		plan = append(plan, m)
	}
	return plan, nil
}
