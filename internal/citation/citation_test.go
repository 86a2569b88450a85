package citation_test

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/assay/internal/citation"
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

const memA = "3f1c2b9e-8a47-4d2e-9c11-0b6f5e7d8a90"

func kb(ref string) model.CitationRef {
	return model.CitationRef{CanonicalRef: ref, Kind: model.RefKB, Source: "kb:papers"}
}

func TestExtractTokens(t *testing.T) {
	text := "Use [C2] then [C10] and again [C2]; see mem:" + memA + " and MEM:nope, [c3], [C]."
	assert.Equal(t, []string{"C2", "C10", "mem:" + memA}, citation.ExtractTokens(text))
	assert.Empty(t, citation.ExtractTokens("no citations here"))
	assert.Equal(t, []string{memA}, citation.MemoryIDs("mem:"+memA+" mem:"+memA))
}

func TestSortAliasesNumeric(t *testing.T) {
	aliases := []model.CitationAlias{
		{Alias: "C10"}, {Alias: "mem:" + memA}, {Alias: "C2"}, {Alias: "C1"},
	}
	citation.SortAliases(aliases)
	var got []string
	for _, a := range aliases {
		got = append(got, a.Alias)
	}
	assert.Equal(t, []string{"C1", "C2", "C10", "mem:" + memA}, got)
}

func TestRegistry_AssignIsStableWithinRun(t *testing.T) {
	ctx := context.Background()
	reg := citation.NewRegistry(testDB)
	runID := newRun(t)

	first, err := reg.AssignAliases(ctx, runID, nil, []model.CitationRef{kb("doc1#0"), kb("doc2#3")})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"C1": "doc1#0", "C2": "doc2#3"}, first)

	second, err := reg.AssignAliases(ctx, runID, nil, []model.CitationRef{
		kb("doc2#3"), kb("doc9#1"),
		{CanonicalRef: model.MemoryRef(memA), Kind: model.RefMem},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"C2":          "doc2#3",
		"C3":          "doc9#1",
		"mem:" + memA: "mem:" + memA,
	}, second)

	// Aliases are scoped to a run.
	other, err := reg.AssignAliases(ctx, newRun(t), nil, []model.CitationRef{kb("doc9#1")})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"C1": "doc9#1"}, other)

	list, err := reg.List(ctx, runID)
	require.NoError(t, err)
	require.Len(t, list, 4)
	assert.Equal(t, "C1", list[0].Alias)
	assert.Equal(t, "mem:"+memA, list[3].Alias)
}

func TestRegistry_AssignRejectsBadRefs(t *testing.T) {
	ctx := context.Background()
	reg := citation.NewRegistry(testDB)
	runID := newRun(t)

	_, err := reg.AssignAliases(ctx, runID, nil, []model.CitationRef{kb("  ")})
	require.ErrorIs(t, err, model.ErrInvalidArgument)

	_, err = reg.AssignAliases(ctx, runID, nil, []model.CitationRef{{CanonicalRef: memA, Kind: model.RefMem}})
	require.ErrorIs(t, err, model.ErrInvalidArgument)

	_, err = reg.AssignAliases(ctx, "run_missing", nil, []model.CitationRef{kb("doc1")})
	require.ErrorIs(t, err, model.ErrNotFound)
}

func TestRegistry_ResolveAllInText(t *testing.T) {
	ctx := context.Background()
	reg := citation.NewRegistry(testDB)
	runID := newRun(t)

	_, err := reg.AssignAliases(ctx, runID, nil, []model.CitationRef{
		kb("doc1#0"), kb("doc2#0"),
		{CanonicalRef: model.MemoryRef(memA), Kind: model.RefMem},
	})
	require.NoError(t, err)

	got, err := reg.ResolveAllInText(ctx, runID, "Anneal at 400C [C2], per mem:"+memA+".")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"C2": "doc2#0", "mem:" + memA: "mem:" + memA}, got)

	ref, err := reg.Resolve(ctx, runID, "C1")
	require.NoError(t, err)
	assert.Equal(t, "doc1#0", ref)

	_, err = reg.Resolve(ctx, runID, "C7")
	require.ErrorIs(t, err, model.ErrNotFound)

	_, err = reg.ResolveAllInText(ctx, runID, "[C1] and [C7]")
	require.ErrorIs(t, err, model.ErrNotFound)
	var de *model.DetailedError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, map[string]any{"unknown_aliases": []string{"C7"}}, de.Details)

	empty, err := reg.ResolveAllInText(ctx, runID, "nothing cited")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestRegistry_EvidenceReadsIntroducingEvent(t *testing.T) {
	ctx := context.Background()
	reg := citation.NewRegistry(testDB)
	runID := newRun(t)

	ev, err := testDB.AppendEvent(ctx, runID, storage.EventInput{
		Type: model.EventKBQuery,
		Payload: model.KBQueryPayload{
			Namespace: "papers",
			Query:     "TiO2 dopants",
			TopK:      1,
			Results: []model.EvidenceChunk{
				{Alias: "C1", Ref: "doc1#0", Source: "kb:papers", Content: "Cu-doped TiO2 improves C2H4 yield."},
			},
		},
	})
	require.NoError(t, err)

	_, err = reg.AssignAliases(ctx, runID, &ev.ID, []model.CitationRef{kb("doc1#0")})
	require.NoError(t, err)

	got, err := reg.Evidence(ctx, runID, "C1")
	require.NoError(t, err)
	assert.Equal(t, "doc1#0", got.CanonicalRef)
	assert.Equal(t, "papers", got.Namespace)
	assert.Contains(t, got.Content, "Cu-doped")
}

func TestRegistry_LinkEventAfterAssign(t *testing.T) {
	ctx := context.Background()
	reg := citation.NewRegistry(testDB)
	runID := newRun(t)

	m, err := reg.AssignAliases(ctx, runID, nil, []model.CitationRef{kb("doc9#1")})
	require.NoError(t, err)
	byRef := citation.Invert(m)
	require.Equal(t, "C1", byRef["doc9#1"])

	ev, err := testDB.AppendEvent(ctx, runID, storage.EventInput{
		Type: model.EventKBQuery,
		Payload: model.KBQueryPayload{
			Namespace: "papers",
			Results:   []model.EvidenceChunk{{Alias: "C1", Ref: "doc9#1", Content: "Ni-Fe oxyhydroxide."}},
		},
	})
	require.NoError(t, err)
	require.NoError(t, reg.LinkEvent(ctx, runID, ev.ID, []string{"C1"}))

	got, err := reg.Evidence(ctx, runID, "C1")
	require.NoError(t, err)
	require.NotNil(t, got.EventID)
	assert.Equal(t, ev.ID, *got.EventID)
	assert.Equal(t, "Ni-Fe oxyhydroxide.", got.Content)

	other, err := testDB.AppendEvent(ctx, runID, storage.EventInput{Type: model.EventKBQuery, Payload: model.KBQueryPayload{}})
	require.NoError(t, err)
	require.NoError(t, reg.LinkEvent(ctx, runID, other.ID, []string{"C1"}))
	got, err = reg.Evidence(ctx, runID, "C1")
	require.NoError(t, err)
	assert.Equal(t, ev.ID, *got.EventID)
}
