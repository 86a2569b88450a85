package pagination

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/assay/internal/model"
)

func TestCursorRoundTripKeepsMicroseconds(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 123456000, time.UTC)
	tok := Encode(Cursor{CreatedAt: at, ID: "evt_1"})

	got, err := Decode(tok)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.CreatedAt.Equal(at))
	assert.Equal(t, "evt_1", got.ID)
}

func TestDecodeEmptyIsNil(t *testing.T) {
	got, err := Decode("  ")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	for _, tok := range []string{"!!!", "bm90LWpzb24", "eyJ0IjowLCJpZCI6IiJ9"} {
		_, err := Decode(tok)
		assert.ErrorIs(t, err, model.ErrInvalidArgument, tok)
	}
}

func TestClampLimit(t *testing.T) {
	assert.Equal(t, DefaultLimit, ClampLimit(0))
	assert.Equal(t, DefaultLimit, ClampLimit(-3))
	assert.Equal(t, 7, ClampLimit(7))
	assert.Equal(t, MaxLimit, ClampLimit(MaxLimit+1))
}

func TestNewPageTrimsExtraRow(t *testing.T) {
	at := time.Unix(1700000000, 0).UTC()
	key := func(s string) Cursor { return Cursor{CreatedAt: at, ID: s} }

	page := NewPage([]string{"a", "b", "c"}, 2, key)
	assert.Equal(t, []string{"a", "b"}, page.Items)
	assert.True(t, page.HasMore)
	require.NotNil(t, page.NextCursor)
	next, err := Decode(*page.NextCursor)
	require.NoError(t, err)
	assert.Equal(t, "b", next.ID)

	last := NewPage([]string{"a"}, 2, key)
	assert.False(t, last.HasMore)
	assert.Nil(t, last.NextCursor)

	empty := NewPage[string](nil, 2, key)
	assert.NotNil(t, empty.Items)
	assert.Empty(t, empty.Items)
}
