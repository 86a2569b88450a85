package storage

import (
	"fmt"

	"github.com/ashita-ai/assay/internal/model"
)

var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = fmt.Errorf("storage: %w", model.ErrNotFound)

	// ErrIdempotencyPayloadMismatch is returned when an idempotency key is
	// reused with a different request hash.
	ErrIdempotencyPayloadMismatch = fmt.Errorf("storage: idempotency key reused with different payload: %w", model.ErrConflict)

	// ErrIdempotencyInProgress indicates the key is reserved by a request that
	// has not finished.
	ErrIdempotencyInProgress = fmt.Errorf("storage: idempotency key request already in progress: %w", model.ErrConflict)

	// ErrAlreadyRolledBack is returned when rolling back a delta twice.
	ErrAlreadyRolledBack = fmt.Errorf("storage: delta already rolled back: %w", model.ErrConflict)

	// ErrInvalidTransition is returned when a status update would move a
	// run or job backwards.
	ErrInvalidTransition = fmt.Errorf("storage: invalid status transition: %w", model.ErrConflict)
)
