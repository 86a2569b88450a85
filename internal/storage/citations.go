package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/assay/internal/model"
)

const aliasColumns = `run_id, alias, canonical_ref, kind, source, event_id, created_at`

func scanAlias(row pgx.Row) (model.CitationAlias, error) {
	var a model.CitationAlias
	err := row.Scan(&a.RunID, &a.Alias, &a.CanonicalRef, &a.Kind, &a.Source, &a.EventID, &a.CreatedAt)
	return a, err
}

// AssignAliases registers refs for a run and returns alias -> canonical ref
// for every ref passed. A ref already registered keeps its alias. A new kb ref
// gets prefix followed by one more than the highest number in use; a new mem
// ref is registered under its own canonical token.
//
// Assignments for one run are serialized with an advisory lock so numbering
// never races.
func (db *DB) AssignAliases(ctx context.Context, runID string, eventID *string, prefix string, refs []model.CitationRef) (map[string]string, error) {
	out := make(map[string]string, len(refs))
	if len(refs) == 0 {
		return out, nil
	}
	err := db.withTx(ctx, func(tx pgx.Tx) error {
		if err := requireRun(ctx, tx, runID); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "alias:"+runID); err != nil {
			return fmt.Errorf("storage: alias lock: %w", err)
		}

		existing := map[string]string{}
		rows, err := tx.Query(ctx,
			`SELECT canonical_ref, alias FROM citation_aliases WHERE run_id = $1`, runID)
		if err != nil {
			return fmt.Errorf("storage: load aliases: %w", err)
		}
		var maxN int
		for rows.Next() {
			var canonical, alias string
			if err := rows.Scan(&canonical, &alias); err != nil {
				rows.Close()
				return fmt.Errorf("storage: scan alias: %w", err)
			}
			existing[canonical] = alias
			if n, ok := aliasNumber(alias, prefix); ok && n > maxN {
				maxN = n
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("storage: load aliases: %w", err)
		}

		for _, ref := range refs {
			if alias, ok := existing[ref.CanonicalRef]; ok {
				out[alias] = ref.CanonicalRef
				continue
			}
			var alias string
			switch ref.Kind {
			case model.RefMem:
				alias = ref.CanonicalRef
			case model.RefKB:
				maxN++
				alias = prefix + strconv.Itoa(maxN)
			default:
				return model.InvalidArgument("unknown citation kind %q", ref.Kind)
			}
			if _, err := tx.Exec(ctx,
				`INSERT INTO citation_aliases (run_id, alias, canonical_ref, kind, source, event_id)
				 VALUES ($1, $2, $3, $4, $5, $6)
				 ON CONFLICT DO NOTHING`,
				runID, alias, ref.CanonicalRef, string(ref.Kind), ref.Source, eventID,
			); err != nil {
				return fmt.Errorf("storage: insert alias: %w", err)
			}
			existing[ref.CanonicalRef] = alias
			out[alias] = ref.CanonicalRef
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func aliasNumber(alias, prefix string) (int, bool) {
	if len(alias) <= len(prefix) || alias[:len(prefix)] != prefix {
		return 0, false
	}
	n, err := strconv.Atoi(alias[len(prefix):])
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// ResolveAlias returns the alias record for one alias of a run.
func (db *DB) ResolveAlias(ctx context.Context, runID, alias string) (model.CitationAlias, error) {
	a, err := scanAlias(db.pool.QueryRow(ctx,
		`SELECT `+aliasColumns+` FROM citation_aliases WHERE run_id = $1 AND alias = $2`,
		runID, alias,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		if err := requireRun(ctx, db.pool, runID); err != nil {
			return model.CitationAlias{}, err
		}
		return model.CitationAlias{}, fmt.Errorf("storage: alias %s: %w", alias, ErrNotFound)
	}
	if err != nil {
		return model.CitationAlias{}, fmt.Errorf("storage: resolve alias: %w", err)
	}
	return a, nil
}

// ResolveAliases looks up many aliases at once. Aliases that are not
// registered are simply absent from the result.
func (db *DB) ResolveAliases(ctx context.Context, runID string, aliases []string) (map[string]model.CitationAlias, error) {
	out := make(map[string]model.CitationAlias, len(aliases))
	if len(aliases) == 0 {
		return out, nil
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+aliasColumns+` FROM citation_aliases WHERE run_id = $1 AND alias = ANY($2)`,
		runID, aliases,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: resolve aliases: %w", err)
	}
	list, err := collectAliases(rows)
	if err != nil {
		return nil, err
	}
	for _, a := range list {
		out[a.Alias] = a
	}
	return out, nil
}

// ListAliases returns every alias registered for a run in assignment order.
func (db *DB) ListAliases(ctx context.Context, runID string) ([]model.CitationAlias, error) {
	if err := requireRun(ctx, db.pool, runID); err != nil {
		return nil, err
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+aliasColumns+` FROM citation_aliases WHERE run_id = $1 ORDER BY created_at, alias`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list aliases: %w", err)
	}
	return collectAliases(rows)
}

func collectAliases(rows pgx.Rows) ([]model.CitationAlias, error) {
	defer rows.Close()
	out := []model.CitationAlias{}
	for rows.Next() {
		a, err := scanAlias(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan alias: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate aliases: %w", err)
	}
	return out, nil
}

// LinkAliasEvent points aliases that have no introducing event yet at
// eventID. Aliases already linked keep their original event.
func (db *DB) LinkAliasEvent(ctx context.Context, runID, eventID string, aliases []string) error {
	if len(aliases) == 0 {
		return nil
	}
	if _, err := db.pool.Exec(ctx,
		`UPDATE citation_aliases SET event_id = $2
		 WHERE run_id = $1 AND alias = ANY($3) AND event_id IS NULL`,
		runID, eventID, aliases,
	); err != nil {
		return fmt.Errorf("storage: link alias event: %w", err)
	}
	return nil
}
