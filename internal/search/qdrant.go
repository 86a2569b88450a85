package search

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"golang.org/x/sync/singleflight"
)

// QdrantConfig holds configuration for connecting to one Qdrant collection.
type QdrantConfig struct {
	URL        string // e.g. "https://xyz.cloud.qdrant.io:6333" or "http://localhost:6333"
	APIKey     string
	Collection string
	Dims       uint64
}

// Collection implements Index backed by one Qdrant collection.
type Collection struct {
	client     *qdrant.Client
	collection string
	dims       uint64
	logger     *slog.Logger

	healthGroup singleflight.Group
	healthErr   atomic.Value // stores *error (pointer-to-error, never nil pointer; inner error may be nil)
	healthAt    atomic.Int64 // unix nanos of last check
}

var _ Index = (*Collection)(nil)

// parseQdrantURL extracts host, port, and TLS flag from a Qdrant URL.
// Accepts forms like "https://host:6333", "http://host:6333", or "host:6334".
func parseQdrantURL(rawURL string) (host string, port int, useTLS bool, err error) {
	u, parseErr := url.Parse(rawURL)
	if parseErr != nil || u.Host == "" {
		return "", 0, false, fmt.Errorf("search: invalid qdrant URL: %q", rawURL)
	}

	useTLS = u.Scheme == "https"
	host = u.Hostname()

	if portStr := u.Port(); portStr != "" {
		p, err := strconv.Atoi(portStr)
		if err != nil {
			return "", 0, false, fmt.Errorf("search: invalid port in qdrant URL: %q", portStr)
		}
		// The REST port (6333) maps to the gRPC port (6334).
		if p == 6333 {
			port = 6334
		} else {
			port = p
		}
	} else {
		port = 6334
	}

	return host, port, useTLS, nil
}

// NewCollection connects to the Qdrant server via gRPC. The connection is
// lazy; nothing is sent until the first call.
func NewCollection(cfg QdrantConfig, logger *slog.Logger) (*Collection, error) {
	host, port, useTLS, err := parseQdrantURL(cfg.URL)
	if err != nil {
		return nil, err
	}
	if cfg.Collection == "" {
		return nil, fmt.Errorf("search: collection name is required")
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: cfg.APIKey,
		UseTLS: useTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("search: connect to qdrant at %s:%d: %w", host, port, err)
	}

	return &Collection{
		client:     client,
		collection: cfg.Collection,
		dims:       cfg.Dims,
		logger:     logger.With("collection", cfg.Collection),
	}, nil
}

// Name returns the collection name.
func (c *Collection) Name() string { return c.collection }

// EnsureCollection creates the collection if it doesn't already exist and
// makes sure a keyword payload index exists for every field in keywordFields.
// CreateFieldIndex is idempotent, so indexes added later are backfilled on
// the next start.
func (c *Collection) EnsureCollection(ctx context.Context, keywordFields ...string) error {
	exists, err := c.client.CollectionExists(ctx, c.collection)
	if err != nil {
		return fmt.Errorf("search: check collection exists: %w", err)
	}

	if !exists {
		m := uint64(16)
		efConstruct := uint64(128)

		if err := c.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: c.collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     c.dims,
				Distance: qdrant.Distance_Cosine,
				HnswConfig: &qdrant.HnswConfigDiff{
					M:           &m,
					EfConstruct: &efConstruct,
				},
			}),
		}); err != nil {
			return fmt.Errorf("search: create collection %q: %w", c.collection, err)
		}
		c.logger.Info("qdrant: created collection", "dims", c.dims)
	}

	keywordType := qdrant.FieldType_FieldTypeKeyword
	for _, field := range keywordFields {
		if _, err := c.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: c.collection,
			FieldName:      field,
			FieldType:      &keywordType,
		}); err != nil {
			return fmt.Errorf("search: ensure index on %q: %w", field, err)
		}
	}
	return nil
}

// Search returns the points nearest to vector that pass filter, with their
// payloads, best first.
func (c *Collection) Search(ctx context.Context, vector []float32, filter Filter, limit int) ([]Hit, error) {
	if limit <= 0 {
		return []Hit{}, nil
	}
	fetchLimit := uint64(limit) //nolint:gosec // limit is positive and bounded by config
	req := &qdrant.QueryPoints{
		CollectionName: c.collection,
		Query:          qdrant.NewQueryDense(vector),
		Limit:          &fetchLimit,
		WithPayload:    qdrant.NewWithPayload(true),
	}
	if conds := buildConditions(filter); len(conds) > 0 {
		req.Filter = &qdrant.Filter{Must: conds}
	}

	scored, err := c.client.Query(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("search: qdrant query: %w", err)
	}

	hits := make([]Hit, 0, len(scored))
	for _, sp := range scored {
		id := pointID(sp.GetId())
		if id == "" {
			c.logger.Warn("qdrant: point without id in results")
			continue
		}
		hits = append(hits, Hit{ID: id, Score: sp.GetScore(), Payload: decodePayload(sp.GetPayload())})
	}
	return hits, nil
}

// Get returns the stored payload of each id that exists. Missing ids are
// absent from the result.
func (c *Collection) Get(ctx context.Context, ids []string) (map[string]map[string]any, error) {
	out := make(map[string]map[string]any, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	pointIDs := make([]*qdrant.PointId, len(ids))
	for i, id := range ids {
		pointIDs[i] = qdrant.NewID(id)
	}
	points, err := c.client.Get(ctx, &qdrant.GetPoints{
		CollectionName: c.collection,
		Ids:            pointIDs,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("search: qdrant get %d points: %w", len(ids), err)
	}
	for _, p := range points {
		if id := pointID(p.GetId()); id != "" {
			out[id] = decodePayload(p.GetPayload())
		}
	}
	return out, nil
}

// Upsert inserts or replaces points.
func (c *Collection) Upsert(ctx context.Context, points []Point) error {
	if len(points) == 0 {
		return nil
	}

	qdrantPoints := make([]*qdrant.PointStruct, len(points))
	for i, p := range points {
		if c.dims > 0 && uint64(len(p.Vector)) != c.dims {
			return fmt.Errorf("search: point %s has %d dims, collection wants %d", p.ID, len(p.Vector), c.dims)
		}
		qdrantPoints[i] = &qdrant.PointStruct{
			Id:      qdrant.NewID(p.ID),
			Vectors: qdrant.NewVectorsDense(p.Vector),
			Payload: qdrant.NewValueMap(p.Payload),
		}
	}

	_, err := c.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: c.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         qdrantPoints,
	})
	if err != nil {
		return fmt.Errorf("search: qdrant upsert %d points: %w", len(points), err)
	}
	return nil
}

// DeleteByIDs removes points by id.
func (c *Collection) DeleteByIDs(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	pointIDs := make([]*qdrant.PointId, len(ids))
	for i, id := range ids {
		pointIDs[i] = qdrant.NewID(id)
	}

	_, err := c.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: c.collection,
		Wait:           qdrant.PtrOf(true),
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Points{
				Points: &qdrant.PointsIdsList{
					Ids: pointIDs,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("search: qdrant delete %d points: %w", len(ids), err)
	}
	return nil
}

// Healthy returns nil if Qdrant is reachable. Results are cached for 5 seconds
// and concurrent calls after expiry share one gRPC health check.
func (c *Collection) Healthy(ctx context.Context) error {
	if time.Since(time.Unix(0, c.healthAt.Load())) < 5*time.Second {
		return c.loadHealthErr()
	}

	// singleflight hands every waiter the first caller's result, so the check
	// runs on its own context rather than on whichever caller got there first.
	result, _, _ := c.healthGroup.Do("health", func() (any, error) {
		checkCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		if _, err := c.client.HealthCheck(checkCtx); err != nil {
			c.storeHealthErr(fmt.Errorf("search: qdrant unhealthy: %w", err))
		} else {
			c.storeHealthErr(nil)
		}
		c.healthAt.Store(time.Now().UnixNano())
		return c.loadHealthErr(), nil
	})
	if result == nil {
		return nil
	}
	return result.(error)
}

// storeHealthErr stores an error (or nil). atomic.Value cannot hold nil
// directly, so the error is wrapped in a pointer.
func (c *Collection) storeHealthErr(err error) {
	c.healthErr.Store(&err)
}

func (c *Collection) loadHealthErr() error {
	v := c.healthErr.Load()
	if v == nil {
		return nil
	}
	return *v.(*error)
}

// Close shuts down the gRPC connection.
func (c *Collection) Close() error {
	return c.client.Close()
}

// buildConditions turns a Filter into Qdrant must-conditions in a stable
// field order.
func buildConditions(f Filter) []*qdrant.Condition {
	var conds []*qdrant.Condition
	for _, field := range sortedKeys(f.Match) {
		conds = append(conds, qdrant.NewMatch(field, f.Match[field]))
	}
	for _, field := range sortedKeys(f.MatchAny) {
		values := f.MatchAny[field]
		switch len(values) {
		case 0:
		case 1:
			conds = append(conds, qdrant.NewMatch(field, values[0]))
		default:
			conds = append(conds, qdrant.NewMatchKeywords(field, values...))
		}
	}
	return conds
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func pointID(id *qdrant.PointId) string {
	if id == nil {
		return ""
	}
	if s := id.GetUuid(); s != "" {
		return s
	}
	if n := id.GetNum(); n != 0 {
		return strconv.FormatUint(n, 10)
	}
	return ""
}

func decodePayload(p map[string]*qdrant.Value) map[string]any {
	out := make(map[string]any, len(p))
	for k, v := range p {
		out[k] = decodeValue(v)
	}
	return out
}

func decodeValue(v *qdrant.Value) any {
	switch k := v.GetKind().(type) {
	case *qdrant.Value_StringValue:
		return k.StringValue
	case *qdrant.Value_IntegerValue:
		return k.IntegerValue
	case *qdrant.Value_DoubleValue:
		return k.DoubleValue
	case *qdrant.Value_BoolValue:
		return k.BoolValue
	case *qdrant.Value_StructValue:
		return decodePayload(k.StructValue.GetFields())
	case *qdrant.Value_ListValue:
		items := k.ListValue.GetValues()
		out := make([]any, len(items))
		for i, item := range items {
			out[i] = decodeValue(item)
		}
		return out
	default:
		return nil
	}
}
