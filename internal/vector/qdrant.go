package vector

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/sievehq/sieve/internal/apperr"
	"github.com/sievehq/sieve/internal/config"
	"github.com/sievehq/sieve/pkg/models"
)

// QdrantStore stores vectors in a qdrant collection over gRPC.
type QdrantStore struct {
	client      *qdrant.Client
	host        string
	port        int
	apiKey      string
	collection  string
	dimension   int
	metric      string
	timeout     time.Duration
	mu          sync.Mutex
	initialized bool
}

// NewQdrantStore parses the host:port connection string; the client is
// dialed by Initialize.
func NewQdrantStore(cfg config.VectorConfig) (*QdrantStore, error) {
	if cfg.Dimension <= 0 {
		return nil, apperr.Newf(apperr.VectorDbInit, "vector.qdrant", "dimension must be positive, got %d", cfg.Dimension)
	}

	host, port := "localhost", 6334
	if cfg.ConnectionString != "" {
		h, p, err := net.SplitHostPort(cfg.ConnectionString)
		if err != nil {
			host = cfg.ConnectionString
		} else {
			host = h
			if port, err = strconv.Atoi(p); err != nil {
				return nil, apperr.Newf(apperr.VectorDbInit, "vector.qdrant", "invalid port in %q", cfg.ConnectionString)
			}
		}
	}

	collection := cfg.IndexName
	if collection == "" {
		collection = "sieve"
	}
	metric := cfg.Metric
	if metric == "" {
		metric = MetricCosine
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &QdrantStore{
		host:       host,
		port:       port,
		apiKey:     cfg.APIKey,
		collection: collection,
		dimension:  cfg.Dimension,
		metric:     metric,
		timeout:    timeout,
	}, nil
}

func (s *QdrantStore) distance() qdrant.Distance {
	switch s.metric {
	case MetricL2:
		return qdrant.Distance_Euclid
	case MetricIP:
		return qdrant.Distance_Dot
	default:
		return qdrant.Distance_Cosine
	}
}

func (s *QdrantStore) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initialized {
		return nil
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   s.host,
		Port:   s.port,
		APIKey: s.apiKey,
		UseTLS: s.apiKey != "",
	})
	if err != nil {
		return apperr.Wrap(apperr.VectorDbInit, "vector.qdrant", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	exists, err := client.CollectionExists(ctx, s.collection)
	if err != nil {
		_ = client.Close()
		return apperr.Wrap(apperr.VectorDbInit, "vector.qdrant", err)
	}
	if !exists {
		err = client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: s.collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(s.dimension),
				Distance: s.distance(),
			}),
		})
		if err != nil && !strings.Contains(err.Error(), "already exists") {
			_ = client.Close()
			return apperr.Wrap(apperr.VectorDbInit, "vector.qdrant", err)
		}
	}

	s.client = client
	s.initialized = true
	log.Info().Str("collection", s.collection).Int("dim", s.dimension).Msg("qdrant store initialized")
	return nil
}

func (s *QdrantStore) Upsert(ctx context.Context, records []models.VectorRecord) error {
	if len(records) == 0 {
		return nil
	}
	if err := s.requireInit(); err != nil {
		return err
	}

	points := make([]*qdrant.PointStruct, 0, len(records))
	for _, r := range records {
		if len(r.Vector) != s.dimension {
			return apperr.Newf(apperr.Validation, "vector.qdrant",
				"record %s has dimension %d, want %d", r.ID, len(r.Vector), s.dimension)
		}
		payload := make(map[string]*qdrant.Value, len(r.Metadata))
		for k, v := range r.Metadata {
			val, err := qdrant.NewValue(v)
			if err != nil {
				return apperr.Wrap(apperr.Parse, "vector.qdrant", err)
			}
			payload[k] = val
		}
		points = append(points, &qdrant.PointStruct{
			Id:      qdrant.NewID(r.ID),
			Vectors: qdrant.NewVectors(r.Vector...),
			Payload: payload,
		})
	}

	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.collection,
		Points:         points,
	})
	return classifyGrpcError(err)
}

func (s *QdrantStore) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.requireInit(); err != nil {
		return err
	}

	pointIds := make([]*qdrant.PointId, len(ids))
	for i, id := range ids {
		pointIds[i] = &qdrant.PointId{PointIdOptions: &qdrant.PointId_Uuid{Uuid: id}}
	}
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.collection,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Points{
				Points: &qdrant.PointsIdsList{Ids: pointIds},
			},
		},
	})
	return classifyGrpcError(err)
}

func (s *QdrantStore) Search(ctx context.Context, vec []float32, opts SearchOptions) ([]models.SearchResult, error) {
	if err := s.requireInit(); err != nil {
		return nil, err
	}
	if err := ValidateFilterFields(opts.Filter); err != nil {
		return nil, err
	}
	if len(vec) != s.dimension {
		return nil, apperr.Newf(apperr.Validation, "vector.qdrant",
			"query vector has dimension %d, want %d", len(vec), s.dimension)
	}

	topK := opts.TopK
	if topK <= 0 {
		topK = 10
	}

	req := &qdrant.SearchPoints{
		CollectionName: s.collection,
		Vector:         vec,
		Limit:          uint64(topK),
		WithPayload:    qdrant.NewWithPayload(opts.IncludeMetadata),
	}
	filter, err := buildQdrantFilter(opts.Filter)
	if err != nil {
		return nil, err
	}
	req.Filter = filter

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	resp, err := s.client.GetPointsClient().Search(ctx, req)
	if err != nil {
		return nil, classifyGrpcError(err)
	}

	results := make([]models.SearchResult, 0, len(resp.Result))
	for _, pt := range resp.Result {
		score := normalizeQdrantScore(s.metric, float64(pt.Score))
		if score < opts.ScoreThreshold {
			continue
		}
		res := models.SearchResult{ID: pointIDString(pt.Id), Score: score}
		if opts.IncludeMetadata && len(pt.Payload) > 0 {
			res.Metadata = payloadToMap(pt.Payload)
		}
		results = append(results, res)
	}
	// qdrant orders by raw score; re-sort after normalization so ties
	// break by id the same way the other back-ends do.
	sortResults(results)
	return results, nil
}

// normalizeQdrantScore maps qdrant's similarity scores to [0,1]. Cosine
// and Dot come back as similarities, Euclid as a distance.
func normalizeQdrantScore(metric string, raw float64) float64 {
	switch metric {
	case MetricL2:
		if raw < 0 {
			raw = 0
		}
		return 1 / (1 + raw)
	default:
		return clamp01(raw)
	}
}

// buildQdrantFilter translates the shared operator set into qdrant
// conditions. Range operators use the numeric range condition when the
// bound parses as a number, otherwise a datetime range.
func buildQdrantFilter(filters []models.Filter) (*qdrant.Filter, error) {
	if len(filters) == 0 {
		return nil, nil
	}

	must := make([]*qdrant.Condition, 0, len(filters))
	mustNot := make([]*qdrant.Condition, 0)
	for _, f := range filters {
		switch f.Operator {
		case models.OpEq:
			must = append(must, matchCondition(f.Field, f.Value))
		case models.OpNe:
			mustNot = append(mustNot, matchCondition(f.Field, f.Value))
		case models.OpGt, models.OpLt, models.OpGte, models.OpLte:
			cond, err := rangeCondition(f)
			if err != nil {
				return nil, err
			}
			must = append(must, cond)
		case models.OpIn:
			list, ok := f.Value.([]any)
			if !ok {
				return nil, apperr.Newf(apperr.Validation, "vector.qdrant",
					"in filter on %q requires a list value", f.Field)
			}
			keywords := make([]string, len(list))
			for i, v := range list {
				keywords[i] = fmt.Sprintf("%v", v)
			}
			must = append(must, qdrant.NewMatchKeywords(f.Field, keywords...))
		case models.OpContains:
			must = append(must, qdrant.NewMatchText(f.Field, fmt.Sprintf("%v", f.Value)))
		default:
			return nil, apperr.Newf(apperr.Validation, "vector.qdrant",
				"unsupported filter operator %q", f.Operator)
		}
	}
	return &qdrant.Filter{Must: must, MustNot: mustNot}, nil
}

func matchCondition(field string, value any) *qdrant.Condition {
	switch v := value.(type) {
	case bool:
		return qdrant.NewMatchBool(field, v)
	case int:
		return qdrant.NewMatchInt(field, int64(v))
	case int64:
		return qdrant.NewMatchInt(field, v)
	case float64:
		if v == float64(int64(v)) {
			return qdrant.NewMatchInt(field, int64(v))
		}
		return qdrant.NewMatchKeyword(field, strconv.FormatFloat(v, 'g', -1, 64))
	default:
		return qdrant.NewMatchKeyword(field, fmt.Sprintf("%v", value))
	}
}

func rangeCondition(f models.Filter) (*qdrant.Condition, error) {
	num, ok := toFloat(f.Value)
	if !ok {
		return nil, apperr.Newf(apperr.Validation, "vector.qdrant",
			"range filter on %q requires a numeric value", f.Field)
	}
	r := &qdrant.Range{}
	switch f.Operator {
	case models.OpGt:
		r.Gt = &num
	case models.OpLt:
		r.Lt = &num
	case models.OpGte:
		r.Gte = &num
	default:
		r.Lte = &num
	}
	return qdrant.NewRange(f.Field, r), nil
}

func pointIDString(id *qdrant.PointId) string {
	if id == nil {
		return ""
	}
	switch v := id.PointIdOptions.(type) {
	case *qdrant.PointId_Uuid:
		return v.Uuid
	case *qdrant.PointId_Num:
		return strconv.FormatUint(v.Num, 10)
	default:
		return ""
	}
}

func payloadToMap(payload map[string]*qdrant.Value) map[string]any {
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		out[k] = valueToAny(v)
	}
	return out
}

func valueToAny(v *qdrant.Value) any {
	switch kind := v.Kind.(type) {
	case *qdrant.Value_StringValue:
		return kind.StringValue
	case *qdrant.Value_IntegerValue:
		return kind.IntegerValue
	case *qdrant.Value_DoubleValue:
		return kind.DoubleValue
	case *qdrant.Value_BoolValue:
		return kind.BoolValue
	case *qdrant.Value_ListValue:
		items := make([]any, 0, len(kind.ListValue.Values))
		for _, item := range kind.ListValue.Values {
			items = append(items, valueToAny(item))
		}
		return items
	default:
		return nil
	}
}

func (s *QdrantStore) Stats(ctx context.Context) (models.VectorStats, error) {
	if err := s.requireInit(); err != nil {
		return models.VectorStats{}, err
	}

	count, err := s.client.Count(ctx, &qdrant.CountPoints{CollectionName: s.collection})
	if err != nil {
		return models.VectorStats{}, classifyGrpcError(err)
	}
	return models.VectorStats{
		VectorCount: int64(count),
		Dimension:   s.dimension,
		IndexTag:    "hnsw",
		Bytes:       int64(count) * int64(s.dimension) * 4,
	}, nil
}

func (s *QdrantStore) HealthCheck(ctx context.Context) bool {
	if err := s.Initialize(ctx); err != nil {
		return false
	}
	_, err := s.Stats(ctx)
	return err == nil
}

func (s *QdrantStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		err := s.client.Close()
		s.client = nil
		s.initialized = false
		return err
	}
	return nil
}

func (s *QdrantStore) requireInit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return apperr.New(apperr.VectorDbInit, "vector.qdrant", "store not initialized")
	}
	return nil
}

func classifyGrpcError(err error) error {
	if err == nil {
		return nil
	}
	switch status.Code(err) {
	case codes.DeadlineExceeded, codes.Canceled:
		return apperr.Wrap(apperr.Timeout, "vector.qdrant", err)
	case codes.InvalidArgument:
		return apperr.Wrap(apperr.Validation, "vector.qdrant", err)
	case codes.ResourceExhausted:
		return apperr.Wrap(apperr.RateLimit, "vector.qdrant", err)
	case codes.Unauthenticated, codes.PermissionDenied:
		return apperr.Wrap(apperr.Authentication, "vector.qdrant", err)
	default:
		return apperr.Wrap(apperr.Connection, "vector.qdrant", err)
	}
}
