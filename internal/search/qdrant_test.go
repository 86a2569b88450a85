package search

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestCollection connects to a port with no server behind it. gRPC
// connects lazily, so construction succeeds and every RPC fails, which is
// enough to exercise early returns, error wrapping and health caching.
func newTestCollection(t *testing.T) *Collection {
	t.Helper()
	c, err := NewCollection(QdrantConfig{
		URL:        "http://localhost:16334",
		Collection: "test_collection",
		Dims:       8,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err, "NewCollection should succeed (gRPC is lazy-connect)")
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestParseQdrantURL(t *testing.T) {
	tests := []struct {
		name    string
		rawURL  string
		host    string
		port    int
		tls     bool
		wantErr bool
	}{
		{name: "https cloud URL with REST port", rawURL: "https://xyz.cloud.qdrant.io:6333", host: "xyz.cloud.qdrant.io", port: 6334, tls: true},
		{name: "https cloud URL with gRPC port", rawURL: "https://xyz.cloud.qdrant.io:6334", host: "xyz.cloud.qdrant.io", port: 6334, tls: true},
		{name: "http local URL", rawURL: "http://localhost:6333", host: "localhost", port: 6334},
		{name: "no port defaults to 6334", rawURL: "http://qdrant.internal", host: "qdrant.internal", port: 6334},
		{name: "custom port preserved", rawURL: "https://qdrant.example.com:9334", host: "qdrant.example.com", port: 9334, tls: true},
		{name: "empty URL", rawURL: "", wantErr: true},
		{name: "no scheme no host", rawURL: "not-a-url", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host, port, tls, err := parseQdrantURL(tt.rawURL)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.host, host)
			assert.Equal(t, tt.port, port)
			assert.Equal(t, tt.tls, tls)
		})
	}
}

func TestNewCollection_Validation(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	_, err := NewCollection(QdrantConfig{URL: "", Collection: "kb"}, logger)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid qdrant URL")

	_, err = NewCollection(QdrantConfig{URL: "http://localhost:6333"}, logger)
	require.Error(t, err)

	c := newTestCollection(t)
	assert.Equal(t, "test_collection", c.Name())
}

func TestBuildConditions(t *testing.T) {
	assert.Empty(t, buildConditions(Filter{}))

	conds := buildConditions(Filter{
		Match:    map[string]string{"status": "active", "namespace": "principles"},
		MatchAny: map[string][]string{"role": {"global", "tio2_expert"}, "kind": {"manual_note"}, "empty": nil},
	})
	require.Len(t, conds, 4)

	var fields []string
	for _, c := range conds {
		fields = append(fields, c.GetField().GetKey())
	}
	assert.Equal(t, []string{"namespace", "status", "kind", "role"}, fields)
}

func TestDecodePayload(t *testing.T) {
	in := qdrant.NewValueMap(map[string]any{
		"s":    "text",
		"n":    int64(7),
		"f":    0.5,
		"b":    true,
		"list": []any{"a", int64(1)},
		"obj":  map[string]any{"k": "v"},
	})
	out := decodePayload(in)
	assert.Equal(t, "text", out["s"])
	assert.Equal(t, int64(7), out["n"])
	assert.Equal(t, 0.5, out["f"])
	assert.Equal(t, true, out["b"])
	assert.Equal(t, []any{"a", int64(1)}, out["list"])
	assert.Equal(t, map[string]any{"k": "v"}, out["obj"])

	n, err := PayloadInt(out, "n")
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
	_, err = PayloadInt(out, "missing")
	assert.Error(t, err)
	assert.Equal(t, "text", PayloadString(out, "s"))
	assert.Equal(t, "", PayloadString(out, "n"))
}

func TestPointID(t *testing.T) {
	assert.Equal(t, "", pointID(nil))
	assert.Equal(t, "42", pointID(qdrant.NewIDNum(42)))
	assert.Equal(t, "3f1c2b9e-8a47-4d2e-9c11-0b6f5e7d8a90", pointID(qdrant.NewID("3f1c2b9e-8a47-4d2e-9c11-0b6f5e7d8a90")))
}

func TestCollection_EmptyInputsShortCircuit(t *testing.T) {
	c := newTestCollection(t)
	ctx := context.Background()

	assert.NoError(t, c.Upsert(ctx, nil))
	assert.NoError(t, c.DeleteByIDs(ctx, nil))
	got, err := c.Get(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, got)
	hits, err := c.Search(ctx, make([]float32, 8), Filter{}, 0)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestCollection_UpsertRejectsWrongDims(t *testing.T) {
	c := newTestCollection(t)
	err := c.Upsert(context.Background(), []Point{{ID: "3f1c2b9e-8a47-4d2e-9c11-0b6f5e7d8a90", Vector: make([]float32, 3)}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "collection wants 8")
}

func TestCollection_FailsWithoutServer(t *testing.T) {
	c := newTestCollection(t)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	_, err := c.Search(ctx, make([]float32, 8), Filter{}, 5)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "qdrant query")

	err = c.EnsureCollection(ctx, "namespace")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "check collection exists")
}

func TestHealthErr_StoreAndLoad(t *testing.T) {
	c := newTestCollection(t)

	assert.Nil(t, c.loadHealthErr())

	c.storeHealthErr(fmt.Errorf("connection refused"))
	require.Error(t, c.loadHealthErr())
	assert.Equal(t, "connection refused", c.loadHealthErr().Error())

	c.storeHealthErr(nil)
	assert.Nil(t, c.loadHealthErr())
}

func TestHealthy_UsesFreshCache(t *testing.T) {
	c := newTestCollection(t)

	c.storeHealthErr(nil)
	c.healthAt.Store(time.Now().UnixNano())
	assert.NoError(t, c.Healthy(context.Background()), "fresh cached result must skip the gRPC call")

	c.storeHealthErr(fmt.Errorf("search: qdrant unhealthy: previous failure"))
	c.healthAt.Store(time.Now().UnixNano())
	err := c.Healthy(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "previous failure")
}

func TestHealthy_ConcurrentExpiredCache(t *testing.T) {
	c := newTestCollection(t)
	c.healthAt.Store(time.Now().Add(-10 * time.Second).UnixNano())

	errs := make(chan error, 10)
	for range 10 {
		go func() { errs <- c.Healthy(context.Background()) }()
	}
	for range 10 {
		err := <-errs
		require.Error(t, err)
		assert.Contains(t, err.Error(), "qdrant unhealthy")
	}
}
