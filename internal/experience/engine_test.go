package experience_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/assay/internal/experience"
	"github.com/ashita-ai/assay/internal/experience/sqlitestore"
	"github.com/ashita-ai/assay/internal/model"
	"github.com/ashita-ai/assay/internal/service/queue"
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

func newRun(t *testing.T) string {
	t.Helper()
	q := queue.New(testDB, queue.Limits{MaxRuns: 1, MaxRecipesPerRun: 3}, false, nil, testutil.TestLogger())
	req := model.NewBatchRequest()
	req.DryRun = true
	res, err := q.CreateBatch(context.Background(), req, "")
	require.NoError(t, err)
	return res.Runs[0].ID
}

func newStore(t *testing.T) *sqlitestore.Store {
	t.Helper()
	s, err := sqlitestore.Open(context.Background(), sqlitestore.MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// flakyStore fails the nth Put.
type flakyStore struct {
	experience.ContentStore
	failOn int
	puts   int
}

func (f *flakyStore) Put(ctx context.Context, item model.MemoryItem) error {
	f.puts++
	if f.puts == f.failOn {
		return errors.New("store unavailable")
	}
	return f.ContentStore.Put(ctx, item)
}

func seed(t *testing.T, s experience.ContentStore, content string) model.MemoryItem {
	t.Helper()
	it := model.MemoryItem{
		ID:         model.NewMemoryID(),
		Status:     model.MemoryActive,
		Role:       model.RoleGlobal,
		Kind:       model.KindManualNote,
		Content:    content,
		Extensible: model.NewExtensible(nil),
	}
	require.NoError(t, s.Put(context.Background(), it))
	got, err := s.Get(context.Background(), it.ID)
	require.NoError(t, err)
	return got
}

func TestApplyDelta_RecordsSnapshots(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	eng := experience.NewEngine(testDB, store, testutil.TestLogger())
	runID := newRun(t)

	existing := seed(t, store, "Dry the precursor overnight.")
	doomed := seed(t, store, "Use HCl to adjust pH.")

	d, err := eng.ApplyDelta(ctx, runID, []experience.OpRequest{
		{Op: model.OpAdd, Role: model.RoleTiO2Expert, Kind: model.KindLearned, Content: "Cu/Ti 1:1 gave the best C2H4 yield."},
		{Op: model.OpUpdate, MemID: existing.ID, Content: "Dry the precursor overnight at 80C."},
		{Op: model.OpArchive, MemID: doomed.ID},
	})
	require.NoError(t, err)
	assert.Equal(t, model.DeltaApplied, d.Status)
	require.Len(t, d.Ops, 3)

	add := d.Ops[0]
	assert.Nil(t, add.Before)
	require.NotNil(t, add.After)
	require.NotNil(t, add.After.SourceRunID)
	assert.Equal(t, runID, *add.After.SourceRunID)

	assert.Equal(t, existing.Content, d.Ops[1].Before.Content)
	assert.Equal(t, "Dry the precursor overnight at 80C.", d.Ops[1].After.Content)
	assert.Equal(t, model.MemoryArchived, d.Ops[2].After.Status)

	stored, err := testDB.GetDelta(ctx, d.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Ops, 3)

	idx, err := testDB.GetMemoryIndex(ctx, add.MemID)
	require.NoError(t, err)
	assert.Equal(t, model.MemoryActive, idx.Status)

	edits, err := testDB.ListMemoryEdits(ctx, existing.ID)
	require.NoError(t, err)
	require.Len(t, edits, 1)
	assert.Equal(t, experience.ActorLearn, edits[0].Actor)
}

func TestApplyDelta_EmptyIsRecorded(t *testing.T) {
	eng := experience.NewEngine(testDB, newStore(t), testutil.TestLogger())
	d, err := eng.ApplyDelta(context.Background(), newRun(t), nil)
	require.NoError(t, err)
	assert.Empty(t, d.Ops)
	assert.Equal(t, model.DeltaApplied, d.Status)
}

func TestApplyDelta_Validation(t *testing.T) {
	ctx := context.Background()
	eng := experience.NewEngine(testDB, newStore(t), testutil.TestLogger())
	runID := newRun(t)

	_, err := eng.ApplyDelta(ctx, runID, []experience.OpRequest{{Op: model.OpAdd, Role: "chef", Kind: model.KindLearned, Content: "x"}})
	require.ErrorIs(t, err, model.ErrInvalidArgument)

	_, err = eng.ApplyDelta(ctx, runID, []experience.OpRequest{{Op: model.OpUpdate, Content: "x"}})
	require.ErrorIs(t, err, model.ErrInvalidArgument)

	_, err = eng.ApplyDelta(ctx, runID, []experience.OpRequest{{Op: "merge"}})
	require.ErrorIs(t, err, model.ErrInvalidArgument)

	_, err = eng.ApplyDelta(ctx, "run_missing", nil)
	require.ErrorIs(t, err, model.ErrNotFound)

	_, err = eng.ApplyDelta(ctx, runID, []experience.OpRequest{{Op: model.OpArchive, MemID: model.NewMemoryID()}})
	require.ErrorIs(t, err, model.ErrNotFound)
}

func TestApplyDelta_FailureCompensatesAndRecordsNothing(t *testing.T) {
	ctx := context.Background()
	base := newStore(t)
	existing := seed(t, base, "Original note.")
	store := &flakyStore{ContentStore: base, failOn: 3}
	eng := experience.NewEngine(testDB, store, testutil.TestLogger())
	runID := newRun(t)

	_, err := eng.ApplyDelta(ctx, runID, []experience.OpRequest{
		{Op: model.OpUpdate, MemID: existing.ID, Content: "Edited note."},
		{Op: model.OpAdd, Role: model.RoleGlobal, Kind: model.KindLearned, Content: "New lesson."},
		{Op: model.OpAdd, Role: model.RoleGlobal, Kind: model.KindLearned, Content: "Never stored."},
	})
	require.Error(t, err)

	got, err := base.Get(ctx, existing.ID)
	require.NoError(t, err)
	assert.Equal(t, "Original note.", got.Content)

	hits, err := base.Search(ctx, "New lesson", experience.SearchFilter{Status: model.MemoryActive}, 10)
	require.NoError(t, err)
	for _, h := range hits {
		assert.NotEqual(t, "New lesson.", h.Item.Content, "added item must be compensated")
	}

	deltas, err := eng.AppliedDeltas(ctx, runID)
	require.NoError(t, err)
	assert.Empty(t, deltas)
}

func TestRollback_RestoresBeforeSnapshotsOverLaterEdits(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	eng := experience.NewEngine(testDB, store, testutil.TestLogger())
	runID := newRun(t)

	existing := seed(t, store, "Stir for 30 minutes.")
	doomed := seed(t, store, "Avoid chloride precursors.")

	d, err := eng.ApplyDelta(ctx, runID, []experience.OpRequest{
		{Op: model.OpAdd, Role: model.RoleGlobal, Kind: model.KindLearned, Content: "Added lesson."},
		{Op: model.OpUpdate, MemID: existing.ID, Content: "Stir for 60 minutes."},
		{Op: model.OpArchive, MemID: doomed.ID},
	})
	require.NoError(t, err)
	addedID := d.Ops[0].MemID

	// A later, unrelated edit to the same item.
	later, err := store.Get(ctx, existing.ID)
	require.NoError(t, err)
	later.Content = "Stir for 90 minutes."
	require.NoError(t, store.Put(ctx, later))

	rolled, err := eng.Rollback(ctx, d.ID, "operator_request")
	require.NoError(t, err)
	assert.Equal(t, model.DeltaRolledBack, rolled.Status)
	require.NotNil(t, rolled.RolledBackReason)
	assert.Equal(t, "operator_request", *rolled.RolledBackReason)
	assert.NotNil(t, rolled.RolledBackAt)

	got, err := store.Get(ctx, existing.ID)
	require.NoError(t, err)
	assert.Equal(t, "Stir for 30 minutes.", got.Content)

	got, err = store.Get(ctx, doomed.ID)
	require.NoError(t, err)
	assert.Equal(t, model.MemoryActive, got.Status)
	assert.Equal(t, "Avoid chloride precursors.", got.Content)

	got, err = store.Get(ctx, addedID)
	require.NoError(t, err)
	assert.Equal(t, model.MemoryArchived, got.Status)

	events, err := testDB.ListEventsByType(ctx, runID, model.EventRollbackStarted)
	require.NoError(t, err)
	assert.Len(t, events, 1)
	events, err = testDB.ListEventsByType(ctx, runID, model.EventRollbackCompleted)
	require.NoError(t, err)
	assert.Len(t, events, 1)

	edits, err := testDB.ListMemoryEdits(ctx, existing.ID)
	require.NoError(t, err)
	require.Len(t, edits, 2)
	assert.Equal(t, experience.ActorRollback, edits[1].Actor)
	assert.Equal(t, "Stir for 90 minutes.", edits[1].Before.Content)

	_, err = eng.Rollback(ctx, d.ID, "again")
	require.ErrorIs(t, err, model.ErrConflict)

	_, err = eng.Rollback(ctx, "delta_missing", "")
	require.ErrorIs(t, err, model.ErrNotFound)
}

func TestRollbackLatestAndAll(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	eng := experience.NewEngine(testDB, store, testutil.TestLogger())
	runID := newRun(t)

	_, err := eng.RollbackLatest(ctx, runID, "")
	require.ErrorIs(t, err, model.ErrNotFound)

	first, err := eng.ApplyDelta(ctx, runID, []experience.OpRequest{
		{Op: model.OpAdd, Role: model.RoleGlobal, Kind: model.KindLearned, Content: "first"},
	})
	require.NoError(t, err)
	second, err := eng.ApplyDelta(ctx, runID, []experience.OpRequest{
		{Op: model.OpAdd, Role: model.RoleGlobal, Kind: model.KindLearned, Content: "second"},
	})
	require.NoError(t, err)

	latest, err := eng.RollbackLatest(ctx, runID, "undo")
	require.NoError(t, err)
	assert.Equal(t, second.ID, latest.ID)

	ids, err := eng.RollbackAll(ctx, runID, "rollback_before_relearn")
	require.NoError(t, err)
	assert.Equal(t, []string{first.ID}, ids)

	applied, err := eng.AppliedDeltas(ctx, runID)
	require.NoError(t, err)
	assert.Empty(t, applied)
}
