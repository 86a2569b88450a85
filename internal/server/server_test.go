package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/assay/internal/auth"
	"github.com/ashita-ai/assay/internal/citation"
	"github.com/ashita-ai/assay/internal/experience"
	"github.com/ashita-ai/assay/internal/experience/sqlitestore"
	"github.com/ashita-ai/assay/internal/model"
	"github.com/ashita-ai/assay/internal/projection"
	"github.com/ashita-ai/assay/internal/ratelimit"
	"github.com/ashita-ai/assay/internal/server"
	"github.com/ashita-ai/assay/internal/service/learn"
	"github.com/ashita-ai/assay/internal/service/queue"
	"github.com/ashita-ai/assay/internal/service/trace"
	"github.com/ashita-ai/assay/internal/storage"
	"github.com/ashita-ai/assay/internal/testutil"
	"github.com/ashita-ai/assay/internal/worker"
)

const operatorKey = "test-operator-key"

var (
	testDB     *storage.DB
	testWorker *worker.Worker
	testEngine *experience.Engine
	openSrv    *httptest.Server
	securedSrv *httptest.Server

	// newTestServer serves the shared services with the given auth and limiter.
	newTestServer func(authn *auth.Authenticator, limiter ratelimit.Limiter) *httptest.Server
	openAuth      *auth.Authenticator
)

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()
	ctx := context.Background()
	logger := testutil.TestLogger()

	var err error
	testDB, err = tc.NewTestDB(ctx, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "server test: create DB: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}

	store, err := sqlitestore.Open(ctx, sqlitestore.MemoryPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "server test: open content store: %v\n", err)
		os.Exit(1)
	}
	proj, err := projection.Default()
	if err != nil {
		fmt.Fprintf(os.Stderr, "server test: projection: %v\n", err)
		os.Exit(1)
	}

	q := queue.New(testDB, queue.Limits{MaxRuns: 5, MaxRecipesPerRun: 4}, false, nil, logger)
	recorder := trace.NewRecorder(testDB, logger)
	citations := citation.NewRegistry(testDB)
	testEngine = experience.NewEngine(testDB, store, logger)
	learner := learn.New(testDB, testEngine, recorder, nil, proj, learn.Config{}, logger)
	testWorker = worker.New(worker.Deps{
		DB:        testDB,
		Queue:     q,
		Trace:     recorder,
		Citations: citations,
		Learner:   learner,
	}, worker.Config{}, logger)

	jwtMgr, err := auth.NewJWTManager("", "", time.Hour)
	if err != nil {
		fmt.Fprintf(os.Stderr, "server test: jwt: %v\n", err)
		os.Exit(1)
	}
	keyHash, err := auth.HashAPIKey(operatorKey)
	if err != nil {
		fmt.Fprintf(os.Stderr, "server test: hash key: %v\n", err)
		os.Exit(1)
	}

	newTestServer = func(authn *auth.Authenticator, limiter ratelimit.Limiter) *httptest.Server {
		return httptest.NewServer(server.New(server.ServerConfig{
			DB:                  testDB,
			Queue:               q,
			Trace:               recorder,
			Citations:           citations,
			Engine:              testEngine,
			Auth:                authn,
			Logger:              logger,
			Worker:              testWorker,
			Limiter:             limiter,
			Version:             "test",
			MaxRequestBodyBytes: 1 << 20,
		}).Handler())
	}
	openAuth = auth.NewAuthenticator(jwtMgr, "")
	openSrv = newTestServer(openAuth, ratelimit.NoopLimiter{})
	securedSrv = newTestServer(auth.NewAuthenticator(jwtMgr, keyHash), ratelimit.NoopLimiter{})

	code := m.Run()

	openSrv.Close()
	securedSrv.Close()
	_ = store.Close()
	testDB.Close(ctx)
	tc.Terminate()
	os.Exit(code)
}

type envelope[T any] struct {
	Data       T                 `json:"data"`
	HasMore    bool              `json:"has_more"`
	NextCursor *string           `json:"next_cursor"`
	Error      model.ErrorDetail `json:"error"`
}

type request struct {
	method string
	path   string
	body   any
	header map[string]string
}

func call[T any](t *testing.T, srv *httptest.Server, req request) (int, envelope[T]) {
	t.Helper()
	var body io.Reader
	switch b := req.body.(type) {
	case nil:
	case string:
		body = bytes.NewBufferString(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		body = bytes.NewReader(raw)
	}
	httpReq, err := http.NewRequest(req.method, srv.URL+req.path, body)
	require.NoError(t, err)
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range req.header {
		httpReq.Header.Set(k, v)
	}

	resp, err := srv.Client().Do(httpReq)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	var env envelope[T]
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &env), "body: %s", raw)
	return resp.StatusCode, env
}

func reset(t *testing.T) {
	t.Helper()
	require.NoError(t, testutil.ResetLedger(context.Background(), testDB))
}

func drain(t *testing.T) {
	t.Helper()
	for {
		processed, err := testWorker.Tick(context.Background())
		require.NoError(t, err)
		if !processed {
			return
		}
	}
}

func dryBatch(n int) map[string]any {
	return map[string]any{"n_runs": n, "recipes_per_run": 2, "dry_run": true}
}

func TestHealthAndVersion(t *testing.T) {
	code, health := call[map[string]any](t, securedSrv, request{method: http.MethodGet, path: "/health"})
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", health.Data["status"])
	assert.Equal(t, "connected", health.Data["content_store"])

	code, version := call[map[string]string](t, securedSrv, request{method: http.MethodGet, path: "/version"})
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "test", version.Data["version"])
}

func TestCreateBatch_IdempotencyKey(t *testing.T) {
	reset(t)
	key := map[string]string{"Idempotency-Key": "batch-key-1"}

	code, first := call[model.CreateBatchResponse](t, openSrv, request{
		method: http.MethodPost, path: "/v1/batches", body: dryBatch(2), header: key,
	})
	require.Equal(t, http.StatusCreated, code)
	require.Len(t, first.Data.Runs, 2)
	assert.Equal(t, model.StatusQueued, first.Data.Batch.Status)

	code, replay := call[model.CreateBatchResponse](t, openSrv, request{
		method: http.MethodPost, path: "/v1/batches", body: dryBatch(2), header: key,
	})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, first.Data.Batch.ID, replay.Data.Batch.ID)
	assert.Equal(t, first.Data.Runs[1].ID, replay.Data.Runs[1].ID)

	code, conflict := call[any](t, openSrv, request{
		method: http.MethodPost, path: "/v1/batches", body: dryBatch(3), header: key,
	})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, model.ErrCodeConflict, conflict.Error.Code)

	code, list := call[[]model.Batch](t, openSrv, request{method: http.MethodGet, path: "/v1/batches"})
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, list.Data, 1)
}

func TestCreateBatch_Errors(t *testing.T) {
	code, env := call[any](t, openSrv, request{
		method: http.MethodPost, path: "/v1/batches", body: map[string]any{"n_runs": 1},
	})
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, model.ErrCodeDependencyUnavailable, env.Error.Code)

	code, env = call[any](t, openSrv, request{
		method: http.MethodPost, path: "/v1/batches", body: map[string]any{"n_runs": 99, "dry_run": true},
	})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, model.ErrCodeInvalidArgument, env.Error.Code)

	code, env = call[any](t, openSrv, request{
		method: http.MethodPost, path: "/v1/batches", body: `{"dry_run": true, "bogus": 1}`,
	})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, env.Error.Message, "bogus")

	code, env = call[any](t, openSrv, request{
		method: http.MethodGet, path: "/v1/batches?status=sleeping",
	})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, model.ErrCodeInvalidArgument, env.Error.Code)
}

func TestNotFoundMapping(t *testing.T) {
	for _, path := range []string{
		"/v1/batches/batch_missing",
		"/v1/runs/run_missing",
		"/v1/runs/run_missing/events",
		"/v1/runs/run_missing/citations",
		"/v1/runs/run_missing/feedback",
		"/v1/memories/00000000-0000-0000-0000-000000000000",
	} {
		code, env := call[any](t, openSrv, request{method: http.MethodGet, path: path})
		assert.Equal(t, http.StatusNotFound, code, path)
		assert.Equal(t, model.ErrCodeNotFound, env.Error.Code, path)
	}
}

// TestBatchLifecycle drives a dry-run batch from submission through learning
// and strict rollback over the HTTP API.
func TestBatchLifecycle(t *testing.T) {
	reset(t)

	code, created := call[model.CreateBatchResponse](t, openSrv, request{
		method: http.MethodPost, path: "/v1/batches", body: dryBatch(2),
	})
	require.Equal(t, http.StatusCreated, code)
	batchID := created.Data.Batch.ID
	drain(t)

	code, batch := call[model.Batch](t, openSrv, request{method: http.MethodGet, path: "/v1/batches/" + batchID})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, model.StatusCompleted, batch.Data.Status)

	_, runs := call[[]model.Run](t, openSrv, request{method: http.MethodGet, path: "/v1/batches/" + batchID + "/runs"})
	require.Len(t, runs.Data, 2)
	runID := runs.Data[0].ID
	for _, run := range runs.Data {
		assert.Equal(t, model.StatusCompleted, run.Status)
		_, finals := call[[]model.TraceEvent](t, openSrv, request{
			method: http.MethodGet, path: "/v1/runs/" + run.ID + "/events?type=final_output",
		})
		assert.Len(t, finals.Data, 1)
	}

	code, output := call[model.RunOutput](t, openSrv, request{method: http.MethodGet, path: "/v1/runs/" + runID + "/output"})
	require.Equal(t, http.StatusOK, code)
	assert.NotEmpty(t, output.Data.Citations)

	_, aliases := call[[]model.CitationAlias](t, openSrv, request{method: http.MethodGet, path: "/v1/runs/" + runID + "/citations"})
	require.NotEmpty(t, aliases.Data)
	first := aliases.Data[0]
	code, evidence := call[model.Evidence](t, openSrv, request{
		method: http.MethodGet, path: "/v1/runs/" + runID + "/citations/%5B" + first.Alias + "%5D",
	})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, first.CanonicalRef, evidence.Data.CanonicalRef)

	code, fb := call[map[string]json.RawMessage](t, openSrv, request{
		method: http.MethodPut, path: "/v1/runs/" + runID + "/feedback",
		body: map[string]any{"score": 7.5, "pros": "good ratios", "cons": "too hot"},
	})
	require.Equal(t, http.StatusOK, code)
	var job model.Job
	require.NoError(t, json.Unmarshal(fb.Data["job"], &job))
	assert.Equal(t, "feedback_updated", job.Reason)
	drain(t)

	_, jobs := call[[]model.Job](t, openSrv, request{method: http.MethodGet, path: "/v1/runs/" + runID + "/jobs"})
	require.Len(t, jobs.Data, 1)
	assert.Equal(t, model.StatusCompleted, jobs.Data[0].Status)

	_, deltas := call[[]model.Delta](t, openSrv, request{method: http.MethodGet, path: "/v1/runs/" + runID + "/deltas?applied=true"})
	require.Len(t, deltas.Data, 1)
	delta := deltas.Data[0]
	require.NotEmpty(t, delta.Ops)
	memID := delta.Ops[0].MemID

	_, memories := call[[]model.MemoryIndexEntry](t, openSrv, request{method: http.MethodGet, path: "/v1/memories?status=active"})
	assert.Len(t, memories.Data, len(delta.Ops))

	code, rolled := call[model.Delta](t, openSrv, request{
		method: http.MethodPost, path: "/v1/deltas/" + delta.ID + "/rollback", body: map[string]any{"reason": "bad lesson"},
	})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, model.DeltaRolledBack, rolled.Data.Status)

	code, again := call[any](t, openSrv, request{method: http.MethodPost, path: "/v1/deltas/" + delta.ID + "/rollback"})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, model.ErrCodeConflict, again.Error.Code)

	code, mem := call[memoryDetail](t, openSrv, request{method: http.MethodGet, path: "/v1/memories/" + memID})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, model.MemoryArchived, mem.Data.Index.Status)
	require.NotNil(t, mem.Data.Item)
	assert.Equal(t, model.MemoryArchived, mem.Data.Item.Status)
	assert.Len(t, mem.Data.Edits, 2)
}

type memoryDetail struct {
	Index model.MemoryIndexEntry `json:"index"`
	Item  *model.MemoryItem      `json:"item"`
	Edits []model.MemoryEdit     `json:"edits"`
}

// TestManualEdit_StrictRollbackRestoresBefore checks that an operator PATCH
// made after a delta is overwritten when that delta is rolled back, and that
// every step lands in the edit log.
func TestManualEdit_StrictRollbackRestoresBefore(t *testing.T) {
	reset(t)
	_, created := call[model.CreateBatchResponse](t, openSrv, request{
		method: http.MethodPost, path: "/v1/batches", body: dryBatch(1),
	})
	drain(t)
	runID := created.Data.Runs[0].ID

	code, note := call[model.MemoryItem](t, openSrv, request{
		method: http.MethodPost, path: "/v1/memories",
		body: map[string]any{"kind": "manual_note", "role": "tio2_expert", "content": "Anneal at 400C."},
	})
	require.Equal(t, http.StatusCreated, code)
	memID := note.Data.ID

	delta, err := testEngine.ApplyDelta(context.Background(), runID, []experience.OpRequest{
		{Op: model.OpUpdate, MemID: memID, Content: "Anneal at 450C for 3 h."},
	})
	require.NoError(t, err)

	code, patched := call[model.MemoryItem](t, openSrv, request{
		method: http.MethodPatch, path: "/v1/memories/" + memID,
		body: map[string]any{"content": "Anneal at 500C.", "reason": "lab correction"},
	})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Anneal at 500C.", patched.Data.Content)
	assert.Equal(t, model.KindManualNote, patched.Data.Kind)

	code, _ = call[model.Delta](t, openSrv, request{
		method: http.MethodPost, path: "/v1/deltas/" + delta.ID + "/rollback", body: map[string]any{"reason": "bad lesson"},
	})
	require.Equal(t, http.StatusOK, code)

	code, mem := call[memoryDetail](t, openSrv, request{method: http.MethodGet, path: "/v1/memories/" + memID})
	require.Equal(t, http.StatusOK, code)
	require.NotNil(t, mem.Data.Item)
	assert.Equal(t, "Anneal at 400C.", mem.Data.Item.Content)
	assert.Equal(t, "Anneal at 400C.", mem.Data.Index.ContentPreview)

	actors := make([]string, len(mem.Data.Edits))
	for i, e := range mem.Data.Edits {
		actors[i] = e.Actor
	}
	assert.Equal(t, []string{
		experience.ActorUser, experience.ActorLearn, experience.ActorUser, experience.ActorRollback,
	}, actors)
	last := mem.Data.Edits[len(mem.Data.Edits)-1]
	require.NotNil(t, last.Before)
	assert.Equal(t, "Anneal at 500C.", last.Before.Content)
	assert.Equal(t, "lab correction", mem.Data.Edits[2].Reason)
}

func TestManualEdit_Routes(t *testing.T) {
	reset(t)

	code, env := call[any](t, openSrv, request{
		method: http.MethodPost, path: "/v1/memories",
		body: map[string]any{"kind": "reasoningbank_item", "role": "global", "content": "x"},
	})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, model.ErrCodeInvalidArgument, env.Error.Code)

	code, _ = call[any](t, openSrv, request{
		method: http.MethodPatch, path: "/v1/memories/" + model.NewMemoryID(),
		body: map[string]any{"content": "x"},
	})
	assert.Equal(t, http.StatusNotFound, code)

	code, note := call[model.MemoryItem](t, openSrv, request{
		method: http.MethodPost, path: "/v1/memories",
		body: map[string]any{"kind": "manual_note", "role": "global", "content": "Log humidity."},
	})
	require.Equal(t, http.StatusCreated, code)

	code, archived := call[model.MemoryItem](t, openSrv, request{
		method: http.MethodPost, path: "/v1/memories/" + note.Data.ID + "/archive",
	})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, model.MemoryArchived, archived.Data.Status)

	_, listed := call[[]model.MemoryIndexEntry](t, openSrv, request{method: http.MethodGet, path: "/v1/memories?status=archived"})
	require.Len(t, listed.Data, 1)
	assert.Equal(t, note.Data.ID, listed.Data[0].MemID)

	code, _ = call[any](t, securedSrv, request{
		method: http.MethodPost, path: "/v1/memories",
		body: map[string]any{"kind": "manual_note", "role": "global", "content": "no auth"},
	})
	assert.Equal(t, http.StatusUnauthorized, code)
}

func TestEventsPagination(t *testing.T) {
	reset(t)
	_, created := call[model.CreateBatchResponse](t, openSrv, request{
		method: http.MethodPost, path: "/v1/batches", body: dryBatch(1),
	})
	drain(t)
	runID := created.Data.Runs[0].ID

	_, all := call[[]model.TraceEvent](t, openSrv, request{method: http.MethodGet, path: "/v1/runs/" + runID + "/events?limit=500"})
	require.Greater(t, len(all.Data), 2)

	var paged []model.TraceEvent
	path := "/v1/runs/" + runID + "/events?limit=2"
	for {
		code, page := call[[]model.TraceEvent](t, openSrv, request{method: http.MethodGet, path: path})
		require.Equal(t, http.StatusOK, code)
		assert.LessOrEqual(t, len(page.Data), 2)
		for _, ev := range page.Data {
			assert.Nil(t, ev.Payload)
		}
		paged = append(paged, page.Data...)
		if !page.HasMore {
			break
		}
		require.NotNil(t, page.NextCursor)
		path = "/v1/runs/" + runID + "/events?limit=2&cursor=" + *page.NextCursor
	}
	require.Len(t, paged, len(all.Data))
	for i := range paged {
		assert.Equal(t, all.Data[i].ID, paged[i].ID)
	}

	code, ev := call[model.TraceEvent](t, openSrv, request{
		method: http.MethodGet, path: "/v1/runs/" + runID + "/events/" + all.Data[0].ID,
	})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, model.EventRunStarted, ev.Data.Type)
	assert.NotEmpty(t, ev.Data.Payload)

	code, bad := call[any](t, openSrv, request{method: http.MethodGet, path: "/v1/runs/" + runID + "/events?cursor=%21%21"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, model.ErrCodeInvalidArgument, bad.Error.Code)
}

func TestCancelRunBeforeStart(t *testing.T) {
	reset(t)
	_, created := call[model.CreateBatchResponse](t, openSrv, request{
		method: http.MethodPost, path: "/v1/batches", body: dryBatch(2),
	})
	runID := created.Data.Runs[0].ID

	code, cancel := call[model.CancelRequest](t, openSrv, request{
		method: http.MethodPost, path: "/v1/runs/" + runID + "/cancel", body: map[string]any{"reason": "changed my mind"},
	})
	require.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, model.CancelRequested, cancel.Data.Status)
	drain(t)

	_, run := call[model.Run](t, openSrv, request{method: http.MethodGet, path: "/v1/runs/" + runID})
	assert.Equal(t, model.StatusCanceled, run.Data.Status)

	code, out := call[any](t, openSrv, request{method: http.MethodGet, path: "/v1/runs/" + runID + "/output"})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, model.ErrCodeConflict, out.Error.Code)

	code, fb := call[any](t, openSrv, request{
		method: http.MethodPut, path: "/v1/runs/" + runID + "/feedback", body: map[string]any{"pros": "x"},
	})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, model.ErrCodeConflict, fb.Error.Code)

	_, batch := call[model.Batch](t, openSrv, request{method: http.MethodGet, path: "/v1/batches/" + created.Data.Batch.ID})
	assert.Equal(t, model.StatusCanceled, batch.Data.Status)
}

func TestWorkerStatus(t *testing.T) {
	reset(t)
	call[any](t, openSrv, request{method: http.MethodPost, path: "/v1/batches", body: dryBatch(2)})

	code, report := call[worker.Report](t, openSrv, request{method: http.MethodGet, path: "/v1/system/worker"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, int64(2), report.Data.QueuedRuns)
	assert.Equal(t, 1, report.Data.Batches[model.StatusQueued])
	drain(t)
}

func TestAuth(t *testing.T) {
	code, env := call[any](t, securedSrv, request{method: http.MethodGet, path: "/v1/batches"})
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, model.ErrCodeUnauthorized, env.Error.Code)

	code, _ = call[any](t, securedSrv, request{method: http.MethodPost, path: "/auth/token", body: map[string]any{"api_key": "wrong"}})
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = call[any](t, securedSrv, request{method: http.MethodPost, path: "/auth/token", body: map[string]any{"api_key": operatorKey, "scope": "admin"}})
	assert.Equal(t, http.StatusBadRequest, code)

	token := func(scope string) map[string]string {
		code, tok := call[model.AuthTokenResponse](t, securedSrv, request{
			method: http.MethodPost, path: "/auth/token", body: map[string]any{"api_key": operatorKey, "scope": scope},
		})
		require.Equal(t, http.StatusOK, code)
		require.NotEmpty(t, tok.Data.Token)
		return map[string]string{"Authorization": "Bearer " + tok.Data.Token}
	}
	reader, operator := token("reader"), token("operator")

	code, _ = call[any](t, securedSrv, request{method: http.MethodGet, path: "/v1/batches", header: reader})
	assert.Equal(t, http.StatusOK, code)

	code, env = call[any](t, securedSrv, request{method: http.MethodPost, path: "/v1/batches", body: dryBatch(1), header: reader})
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, model.ErrCodeForbidden, env.Error.Code)

	code, _ = call[any](t, securedSrv, request{method: http.MethodPost, path: "/v1/batches", body: dryBatch(1), header: operator})
	assert.Equal(t, http.StatusCreated, code)
	drain(t)

	// An open deployment has no key to exchange.
	code, _ = call[any](t, openSrv, request{method: http.MethodPost, path: "/auth/token", body: map[string]any{"api_key": operatorKey}})
	assert.Equal(t, http.StatusUnauthorized, code)
}

func TestRateLimited(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(0.001, 1)
	t.Cleanup(func() { _ = limiter.Close() })
	srv := newTestServer(openAuth, limiter)
	t.Cleanup(srv.Close)

	code, _ := call[any](t, srv, request{method: http.MethodGet, path: "/v1/memories"})
	assert.Equal(t, http.StatusOK, code)
	code, env := call[any](t, srv, request{method: http.MethodGet, path: "/v1/memories"})
	assert.Equal(t, http.StatusTooManyRequests, code)
	assert.Equal(t, model.ErrCodeRateLimited, env.Error.Code)

	// Health is never limited.
	code, _ = call[any](t, srv, request{method: http.MethodGet, path: "/health"})
	assert.Equal(t, http.StatusOK, code)
}

func TestRateLimited_BatchSubmitCostsMore(t *testing.T) {
	reset(t)
	limiter := ratelimit.NewMemoryLimiter(0.001, server.BatchSubmitCost+1)
	t.Cleanup(func() { _ = limiter.Close() })
	srv := newTestServer(openAuth, limiter)
	t.Cleanup(srv.Close)

	code, _ := call[model.CreateBatchResponse](t, srv, request{method: http.MethodPost, path: "/v1/batches", body: dryBatch(1)})
	require.Equal(t, http.StatusCreated, code)

	// One token left: a read fits, a second submission does not.
	code, _ = call[any](t, srv, request{method: http.MethodPost, path: "/v1/batches", body: dryBatch(1)})
	assert.Equal(t, http.StatusTooManyRequests, code)
	code, _ = call[any](t, srv, request{method: http.MethodGet, path: "/v1/batches"})
	assert.Equal(t, http.StatusOK, code)
	code, _ = call[any](t, srv, request{method: http.MethodGet, path: "/v1/batches"})
	assert.Equal(t, http.StatusTooManyRequests, code)
}
