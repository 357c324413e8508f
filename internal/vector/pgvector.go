package vector

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
	"github.com/rs/zerolog/log"

	"github.com/sievehq/sieve/internal/apperr"
	"github.com/sievehq/sieve/internal/config"
	"github.com/sievehq/sieve/pkg/models"
)

// PgvectorStore stores vectors in PostgreSQL with the pgvector extension.
type PgvectorStore struct {
	pool        *pgxpool.Pool
	connString  string
	table       string
	dimension   int
	metric      string
	timeout     time.Duration
	mu          sync.Mutex
	initialized bool
}

// NewPgvectorStore validates the configuration; the connection is
// established by Initialize.
func NewPgvectorStore(cfg config.VectorConfig) (*PgvectorStore, error) {
	if cfg.ConnectionString == "" {
		return nil, apperr.New(apperr.VectorDbInit, "vector.pgvector", "connectionString is required")
	}
	if cfg.Dimension <= 0 {
		return nil, apperr.Newf(apperr.VectorDbInit, "vector.pgvector", "dimension must be positive, got %d", cfg.Dimension)
	}
	table := cfg.IndexName
	if table == "" {
		table = "sieve_vectors"
	}
	metric := cfg.Metric
	if metric == "" {
		metric = MetricCosine
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &PgvectorStore{
		connString: cfg.ConnectionString,
		table:      table,
		dimension:  cfg.Dimension,
		metric:     metric,
		timeout:    timeout,
	}, nil
}

func (s *PgvectorStore) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initialized {
		return nil
	}

	poolCfg, err := pgxpool.ParseConfig(s.connString)
	if err != nil {
		return apperr.Wrap(apperr.VectorDbInit, "vector.pgvector", err)
	}
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return apperr.Wrap(apperr.VectorDbInit, "vector.pgvector", err)
	}

	ddl := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			embedding VECTOR(%d) NOT NULL,
			metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, s.table, s.dimension),
	}
	for _, stmt := range ddl {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return apperr.Wrap(apperr.VectorDbInit, "vector.pgvector", err)
		}
	}

	s.pool = pool
	s.initialized = true
	log.Info().Str("table", s.table).Int("dim", s.dimension).Msg("pgvector store initialized")
	return nil
}

func (s *PgvectorStore) Upsert(ctx context.Context, records []models.VectorRecord) error {
	if len(records) == 0 {
		return nil
	}
	if err := s.requireInit(); err != nil {
		return err
	}

	sql := fmt.Sprintf(`INSERT INTO %s (id, embedding, metadata, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (id) DO UPDATE SET
			embedding = EXCLUDED.embedding,
			metadata = EXCLUDED.metadata,
			updated_at = now()`, s.table)

	batch := &pgx.Batch{}
	for _, r := range records {
		if len(r.Vector) != s.dimension {
			return apperr.Newf(apperr.Validation, "vector.pgvector",
				"record %s has dimension %d, want %d", r.ID, len(r.Vector), s.dimension)
		}
		meta, err := json.Marshal(r.Metadata)
		if err != nil {
			return apperr.Wrap(apperr.Parse, "vector.pgvector", err)
		}
		batch.Queue(sql, r.ID, pgvector.NewVector(r.Vector), meta)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range records {
		if _, err := br.Exec(); err != nil {
			return classifyPgError(err)
		}
	}
	return nil
}

func (s *PgvectorStore) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.requireInit(); err != nil {
		return err
	}
	sql := fmt.Sprintf(`DELETE FROM %s WHERE id = ANY($1)`, s.table)
	if _, err := s.pool.Exec(ctx, sql, ids); err != nil {
		return classifyPgError(err)
	}
	return nil
}

// distanceExpr returns the operator expression and the SQL converting a
// raw distance column into the normalized [0,1] score.
func (s *PgvectorStore) distanceExpr() (op, scoreExpr string) {
	switch s.metric {
	case MetricL2:
		return "<->", "1 / (1 + dist)"
	case MetricIP:
		// <#> yields the negated inner product.
		return "<#>", "LEAST(GREATEST(-dist, 0), 1)"
	default:
		return "<=>", "LEAST(GREATEST(1 - dist, 0), 1)"
	}
}

func (s *PgvectorStore) Search(ctx context.Context, vec []float32, opts SearchOptions) ([]models.SearchResult, error) {
	if err := s.requireInit(); err != nil {
		return nil, err
	}
	if err := ValidateFilterFields(opts.Filter); err != nil {
		return nil, err
	}
	if len(vec) != s.dimension {
		return nil, apperr.Newf(apperr.Validation, "vector.pgvector",
			"query vector has dimension %d, want %d", len(vec), s.dimension)
	}

	topK := opts.TopK
	if topK <= 0 {
		topK = 10
	}

	op, scoreExpr := s.distanceExpr()
	args := []any{pgvector.NewVector(vec)}
	where, args, err := buildPgFilter(opts.Filter, args)
	if err != nil {
		return nil, err
	}

	sql := fmt.Sprintf(`SELECT id, metadata, score FROM (
			SELECT id, metadata, embedding %s $1 AS dist FROM %s %s
		) q, LATERAL (SELECT %s AS score) sc
		ORDER BY score DESC, id ASC
		LIMIT %d`, op, s.table, where, scoreExpr, topK)

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, classifyPgError(err)
	}
	defer rows.Close()

	var results []models.SearchResult
	for rows.Next() {
		var (
			id    string
			meta  []byte
			score float64
		)
		if err := rows.Scan(&id, &meta, &score); err != nil {
			return nil, apperr.Wrap(apperr.Parse, "vector.pgvector", err)
		}
		if score < opts.ScoreThreshold {
			continue
		}
		res := models.SearchResult{ID: id, Score: clamp01(score)}
		if opts.IncludeMetadata && len(meta) > 0 {
			var m map[string]any
			if err := json.Unmarshal(meta, &m); err != nil {
				return nil, apperr.Wrap(apperr.Parse, "vector.pgvector", err)
			}
			res.Metadata = m
		}
		results = append(results, res)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyPgError(err)
	}
	return results, nil
}

// buildPgFilter translates the shared filter operators into JSONB
// predicates. Returns the WHERE clause (possibly empty) and extended args.
func buildPgFilter(filters []models.Filter, args []any) (string, []any, error) {
	if len(filters) == 0 {
		return "", args, nil
	}

	clauses := make([]string, 0, len(filters))
	for _, f := range filters {
		field := fmt.Sprintf("metadata->>'%s'", strings.ReplaceAll(f.Field, "'", "''"))
		n := len(args) + 1
		switch f.Operator {
		case models.OpEq:
			clauses = append(clauses, fmt.Sprintf("%s = $%d", field, n))
			args = append(args, fmt.Sprintf("%v", f.Value))
		case models.OpNe:
			clauses = append(clauses, fmt.Sprintf("%s IS DISTINCT FROM $%d", field, n))
			args = append(args, fmt.Sprintf("%v", f.Value))
		case models.OpGt:
			clauses = append(clauses, fmt.Sprintf("%s > $%d", field, n))
			args = append(args, fmt.Sprintf("%v", f.Value))
		case models.OpLt:
			clauses = append(clauses, fmt.Sprintf("%s < $%d", field, n))
			args = append(args, fmt.Sprintf("%v", f.Value))
		case models.OpGte:
			clauses = append(clauses, fmt.Sprintf("%s >= $%d", field, n))
			args = append(args, fmt.Sprintf("%v", f.Value))
		case models.OpLte:
			clauses = append(clauses, fmt.Sprintf("%s <= $%d", field, n))
			args = append(args, fmt.Sprintf("%v", f.Value))
		case models.OpIn:
			list, ok := f.Value.([]any)
			if !ok {
				return "", nil, apperr.Newf(apperr.Validation, "vector.pgvector",
					"in filter on %q requires a list value", f.Field)
			}
			strs := make([]string, len(list))
			for i, v := range list {
				strs[i] = fmt.Sprintf("%v", v)
			}
			clauses = append(clauses, fmt.Sprintf("%s = ANY($%d)", field, n))
			args = append(args, strs)
		case models.OpContains:
			clauses = append(clauses, fmt.Sprintf("%s ILIKE '%%' || $%d || '%%'", field, n))
			args = append(args, fmt.Sprintf("%v", f.Value))
		default:
			return "", nil, apperr.Newf(apperr.Validation, "vector.pgvector",
				"unsupported filter operator %q", f.Operator)
		}
	}
	return "WHERE " + strings.Join(clauses, " AND "), args, nil
}

func (s *PgvectorStore) Stats(ctx context.Context) (models.VectorStats, error) {
	if err := s.requireInit(); err != nil {
		return models.VectorStats{}, err
	}

	stats := models.VectorStats{Dimension: s.dimension, IndexTag: "pgvector"}
	sql := fmt.Sprintf(`SELECT count(*), COALESCE(max(updated_at), to_timestamp(0)),
		pg_total_relation_size('%s') FROM %s`, s.table, s.table)
	row := s.pool.QueryRow(ctx, sql)
	if err := row.Scan(&stats.VectorCount, &stats.LastUpdated, &stats.Bytes); err != nil {
		return models.VectorStats{}, classifyPgError(err)
	}
	return stats, nil
}

func (s *PgvectorStore) HealthCheck(ctx context.Context) bool {
	if err := s.Initialize(ctx); err != nil {
		return false
	}
	_, err := s.Stats(ctx)
	return err == nil
}

func (s *PgvectorStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pool != nil {
		s.pool.Close()
		s.pool = nil
		s.initialized = false
	}
	return nil
}

func (s *PgvectorStore) requireInit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return apperr.New(apperr.VectorDbInit, "vector.pgvector", "store not initialized")
	}
	return nil
}

func classifyPgError(err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "context deadline exceeded") {
		return apperr.Wrap(apperr.Timeout, "vector.pgvector", err)
	}
	return apperr.Wrap(apperr.Connection, "vector.pgvector", err)
}
