package queue

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/assay/internal/model"
	"github.com/ashita-ai/assay/internal/storage"
	"github.com/ashita-ai/assay/internal/testutil"
)

var testDB *storage.DB

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()

	var err error
	testDB, err = tc.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create DB: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}

	code := m.Run()

	testDB.Close(context.Background())
	tc.Terminate()
	os.Exit(code)
}

func newService(llm bool) *Service {
	return New(testDB, Limits{MaxRuns: 5, MaxRecipesPerRun: 4}, llm,
		map[string]any{"llm_model": "gpt-test"}, testutil.TestLogger())
}

func dryRequest(n int) model.BatchRequest {
	req := model.NewBatchRequest()
	req.NRuns = n
	req.DryRun = true
	return req
}

func TestCreateBatch_CreatesQueuedRuns(t *testing.T) {
	ctx := context.Background()
	svc := newService(false)

	res, err := svc.CreateBatch(ctx, dryRequest(3), "")
	require.NoError(t, err)
	assert.False(t, res.Replayed)
	assert.Equal(t, model.StatusQueued, res.Batch.Status)
	assert.Equal(t, model.DefaultUserRequest, res.Batch.Request.UserRequest)
	assert.Equal(t, "gpt-test", res.Batch.ConfigSnapshot["llm_model"])
	assert.Equal(t, 3, res.Batch.ConfigSnapshot["n_runs"])
	require.Len(t, res.Runs, 3)
	for i, r := range res.Runs {
		assert.Equal(t, i+1, r.Index)
		assert.Equal(t, model.StatusQueued, r.Status)
		assert.Equal(t, res.Batch.ID, r.BatchID)
	}
}

func TestCreateBatch_Validation(t *testing.T) {
	ctx := context.Background()
	svc := newService(true)

	tests := []struct {
		name   string
		mutate func(*model.BatchRequest)
	}{
		{"zero runs", func(r *model.BatchRequest) { r.NRuns = 0 }},
		{"too many runs", func(r *model.BatchRequest) { r.NRuns = 6 }},
		{"zero recipes", func(r *model.BatchRequest) { r.RecipesPerRun = 0 }},
		{"too many recipes", func(r *model.BatchRequest) { r.RecipesPerRun = 5 }},
		{"temperature out of range", func(r *model.BatchRequest) { r.Temperature = 3 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := dryRequest(1)
			tt.mutate(&req)
			_, err := svc.CreateBatch(ctx, req, "")
			require.ErrorIs(t, err, model.ErrInvalidArgument)
		})
	}
}

func TestCreateBatch_DependencyUnavailableWritesNothing(t *testing.T) {
	ctx := context.Background()
	require.NoError(t, testutil.ResetLedger(ctx, testDB))
	svc := newService(false)

	req := dryRequest(1)
	req.DryRun = false
	_, err := svc.CreateBatch(ctx, req, "key-dep")
	require.ErrorIs(t, err, model.ErrDependencyUnavailable)

	page, err := testDB.ListBatches(ctx, storage.ListBatchesParams{})
	require.NoError(t, err)
	assert.Empty(t, page.Items)
}

func TestCreateBatch_Idempotency(t *testing.T) {
	ctx := context.Background()
	svc := newService(false)
	key := "key-" + model.NewID("k")

	first, err := svc.CreateBatch(ctx, dryRequest(2), key)
	require.NoError(t, err)

	replay, err := svc.CreateBatch(ctx, dryRequest(2), key)
	require.NoError(t, err)
	assert.True(t, replay.Replayed)
	assert.Equal(t, first.Batch.ID, replay.Batch.ID)
	require.Len(t, replay.Runs, 2)
	assert.Equal(t, first.Runs[1].ID, replay.Runs[1].ID)

	page, err := testDB.ListRunsByBatch(ctx, storage.ListRunsParams{BatchID: first.Batch.ID})
	require.NoError(t, err)
	assert.Len(t, page.Items, 2)

	_, err = svc.CreateBatch(ctx, dryRequest(3), key)
	require.ErrorIs(t, err, model.ErrConflict)
}

func TestRequestHash_StableAndSensitive(t *testing.T) {
	a := dryRequest(2)
	a.Overrides = map[string]any{"b": 1, "a": 2}
	b := dryRequest(2)
	b.Overrides = map[string]any{"a": 2, "b": 1}

	ha, err := requestHash(a)
	require.NoError(t, err)
	hb, err := requestHash(b)
	require.NoError(t, err)
	assert.Equal(t, ha, hb)

	b.Temperature = 0.2
	hc, err := requestHash(b)
	require.NoError(t, err)
	assert.NotEqual(t, ha, hc)
}

func TestEnqueueJobAndCancel(t *testing.T) {
	ctx := context.Background()
	svc := newService(false)

	res, err := svc.CreateBatch(ctx, dryRequest(1), "")
	require.NoError(t, err)
	runID := res.Runs[0].ID

	_, err = svc.EnqueueJob(ctx, runID, "compact", "")
	require.ErrorIs(t, err, model.ErrInvalidArgument)

	job, err := svc.EnqueueJob(ctx, runID, model.JobKindLearn, "")
	require.NoError(t, err)
	assert.Equal(t, "manual", job.Reason)
	again, err := svc.EnqueueJob(ctx, runID, model.JobKindLearn, "")
	require.NoError(t, err)
	assert.Equal(t, job.ID, again.ID)

	cancel, err := svc.RequestCancel(ctx, model.CancelTargetBatch, res.Batch.ID, " stop ")
	require.NoError(t, err)
	require.NotNil(t, cancel.Reason)
	assert.Equal(t, "stop", *cancel.Reason)

	_, err = svc.RequestCancel(ctx, model.CancelTargetRun, "run_missing", "")
	require.ErrorIs(t, err, model.ErrNotFound)
}

func TestClaimNext_ReturnsNilWhenIdle(t *testing.T) {
	ctx := context.Background()
	require.NoError(t, testutil.ResetLedger(ctx, testDB))
	svc := newService(false)

	c, err := svc.ClaimNext(ctx)
	require.NoError(t, err)
	assert.Nil(t, c)

	_, err = svc.CreateBatch(ctx, dryRequest(1), "")
	require.NoError(t, err)
	c, err = svc.ClaimNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.NotNil(t, c.Run)
}
