package model_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/assay/internal/model"
)

// ptr is a convenience helper for pointer literals in test cases.
func ptr[T any](v T) *T { return &v }

func TestNewBatchRequest_DefaultsSurviveSparseBody(t *testing.T) {
	req := model.NewBatchRequest()
	require.NoError(t, json.Unmarshal([]byte(`{"n_runs": 4}`), &req))

	assert.Equal(t, 4, req.NRuns)
	assert.Equal(t, 3, req.RecipesPerRun)
	assert.InDelta(t, 0.7, req.Temperature, 1e-9)
	assert.Equal(t, model.SchemaVersion, req.SchemaVersion)
	assert.NotNil(t, req.Extra)
	assert.NoError(t, model.Validate(req))
}

func TestValidate_BatchRequest(t *testing.T) {
	req := model.NewBatchRequest()
	req.NRuns = 0
	req.Temperature = 3
	req.UserRequest = strings.Repeat("x", 20001)

	err := model.Validate(req)
	require.ErrorIs(t, err, model.ErrInvalidArgument)

	var de *model.DetailedError
	require.True(t, errors.As(err, &de))
	details, ok := de.Details.(map[string]any)
	require.True(t, ok)
	violations, ok := details["violations"].([]model.FieldViolation)
	require.True(t, ok)

	fields := map[string]string{}
	for _, v := range violations {
		fields[v.Field] = v.Rule
	}
	assert.Equal(t, "gte", fields["n_runs"])
	assert.Equal(t, "lte", fields["temperature"])
	assert.Equal(t, "max", fields["user_request"])
	assert.Contains(t, de.Message, "n_runs")
}

func TestValidate_FeedbackScoreBounds(t *testing.T) {
	assert.NoError(t, model.Validate(model.FeedbackRequest{}))
	assert.NoError(t, model.Validate(model.FeedbackRequest{Score: ptr(0.0)}))
	assert.NoError(t, model.Validate(model.FeedbackRequest{Score: ptr(10.0)}))
	assert.ErrorIs(t, model.Validate(model.FeedbackRequest{Score: ptr(10.5)}), model.ErrInvalidArgument)
	assert.ErrorIs(t, model.Validate(model.FeedbackRequest{Score: ptr(-1.0)}), model.ErrInvalidArgument)
}

func TestValidate_AuthTokenScope(t *testing.T) {
	assert.NoError(t, model.Validate(model.AuthTokenRequest{APIKey: "k"}))
	assert.NoError(t, model.Validate(model.AuthTokenRequest{APIKey: "k", Scope: "reader"}))
	assert.Error(t, model.Validate(model.AuthTokenRequest{APIKey: "k", Scope: "admin"}))
	assert.Error(t, model.Validate(model.AuthTokenRequest{}))
}

func TestStatus_Transitions(t *testing.T) {
	cases := []struct {
		from, to model.Status
		ok       bool
	}{
		{model.StatusQueued, model.StatusRunning, true},
		{model.StatusQueued, model.StatusCompleted, false},
		{model.StatusRunning, model.StatusCompleted, true},
		{model.StatusRunning, model.StatusFailed, true},
		{model.StatusRunning, model.StatusCanceled, true},
		{model.StatusRunning, model.StatusQueued, false},
		{model.StatusCompleted, model.StatusRunning, false},
		{model.StatusCanceled, model.StatusFailed, false},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("%s->%s", tc.from, tc.to), func(t *testing.T) {
			assert.Equal(t, tc.ok, tc.from.CanTransition(tc.to))
		})
	}
	assert.False(t, model.Status("paused").Valid())
	assert.True(t, model.StatusCanceled.Terminal())
	assert.False(t, model.StatusRunning.Terminal())
}

func TestDetailedError_WrapsKind(t *testing.T) {
	err := fmt.Errorf("queue: create: %w",
		model.NewError(model.ErrConflict, map[string]any{"status": "running"}, "run %s busy", "run_1"))

	assert.ErrorIs(t, err, model.ErrConflict)
	assert.NotErrorIs(t, err, model.ErrNotFound)
	assert.Equal(t, "queue: create: conflict: run run_1 busy", err.Error())
}

func TestNewID_PrefixAndUniqueness(t *testing.T) {
	a, b := model.NewID(model.PrefixRun), model.NewID(model.PrefixRun)
	assert.True(t, strings.HasPrefix(a, "run_"))
	assert.Len(t, a, len("run_")+32)
	assert.NotEqual(t, a, b)
}
