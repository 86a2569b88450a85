package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// reserveIdempotency claims key inside tx. owned is true when this
// transaction inserted the reservation and must perform the write. When the
// key already exists, the stored response is returned for replay, or an error
// if the hash differs or the original request has not completed.
//
// A concurrent transaction holding the same key blocks the INSERT until it
// commits or rolls back, so a completed reservation is always observed.
func reserveIdempotency(ctx context.Context, tx pgx.Tx, p IdempotencyParams) (stored []byte, owned bool, err error) {
	tag, err := tx.Exec(ctx,
		`INSERT INTO idempotency_keys (endpoint, idempotency_key, request_hash, status)
		 VALUES ($1, $2, $3, 'in_progress')
		 ON CONFLICT DO NOTHING`,
		p.Endpoint, p.Key, p.RequestHash,
	)
	if err != nil {
		return nil, false, fmt.Errorf("storage: begin idempotency: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil, true, nil
	}

	var (
		storedHash string
		status     string
		response   []byte
	)
	if err := tx.QueryRow(ctx,
		`SELECT request_hash, status, response_data
		 FROM idempotency_keys
		 WHERE endpoint = $1 AND idempotency_key = $2`,
		p.Endpoint, p.Key,
	).Scan(&storedHash, &status, &response); err != nil {
		return nil, false, fmt.Errorf("storage: lookup idempotency: %w", err)
	}

	if storedHash != p.RequestHash {
		return nil, false, ErrIdempotencyPayloadMismatch
	}
	if status != "completed" {
		return nil, false, ErrIdempotencyInProgress
	}
	return response, false, nil
}

func completeIdempotency(ctx context.Context, tx pgx.Tx, p IdempotencyParams, response any) error {
	payload, err := json.Marshal(response)
	if err != nil {
		return fmt.Errorf("storage: marshal idempotency response: %w", err)
	}
	tag, err := tx.Exec(ctx,
		`UPDATE idempotency_keys
		 SET status = 'completed', response_data = $3::jsonb, updated_at = now()
		 WHERE endpoint = $1 AND idempotency_key = $2 AND status = 'in_progress'`,
		p.Endpoint, p.Key, payload,
	)
	if err != nil {
		return fmt.Errorf("storage: complete idempotency: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: complete idempotency: key not found or not in_progress")
	}
	return nil
}

// CleanupIdempotencyKeys removes records last updated more than ttl ago.
// Once a key is removed, a repeated request with it creates a new batch.
func (db *DB) CleanupIdempotencyKeys(ctx context.Context, ttl time.Duration) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM idempotency_keys
		 WHERE updated_at < now() - ($1 * interval '1 microsecond')`,
		ttl.Microseconds(),
	)
	if err != nil {
		return 0, fmt.Errorf("storage: cleanup idempotency keys: %w", err)
	}
	return tag.RowsAffected(), nil
}

func decodeJSON(raw []byte, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("empty payload")
	}
	return json.Unmarshal(raw, v)
}
