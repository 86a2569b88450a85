package storage_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/assay/internal/model"
	"github.com/ashita-ai/assay/internal/storage"
)

func TestIdempotency_ConcurrentCreatesYieldOneBatch(t *testing.T) {
	ctx := context.Background()
	idem := &storage.IdempotencyParams{Endpoint: "POST:/v1/batches", Key: "race-" + model.NewID("k"), RequestHash: "hash-a"}

	const callers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		batches = map[string]int{}
		created int
	)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			batch, runs := newBatch(1)
			res, err := testDB.CreateBatch(ctx, batch, runs, idem)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if res.Replayed {
				batches[res.Response.Batch.ID]++
			} else {
				batches[batch.ID]++
				created++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, created, "exactly one caller owns the key")
	require.Len(t, batches, 1, "every caller sees the same batch")
	for id, n := range batches {
		assert.Equal(t, callers, n)
		_, err := testDB.GetBatch(ctx, id)
		require.NoError(t, err)
	}
}

func TestIdempotency_KeysAreScopedByEndpoint(t *testing.T) {
	ctx := context.Background()
	key := "scoped-" + model.NewID("k")

	a, aRuns := newBatch(1)
	first, err := testDB.CreateBatch(ctx, a, aRuns, &storage.IdempotencyParams{Endpoint: "POST:/v1/batches", Key: key, RequestHash: "h1"})
	require.NoError(t, err)
	assert.False(t, first.Replayed)

	b, bRuns := newBatch(1)
	second, err := testDB.CreateBatch(ctx, b, bRuns, &storage.IdempotencyParams{Endpoint: "mcp:create_batch", Key: key, RequestHash: "h2"})
	require.NoError(t, err)
	assert.False(t, second.Replayed)
}
