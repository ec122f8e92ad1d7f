package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/bdougie/framesearch/internal/models"
	"github.com/bdougie/framesearch/internal/predicate"
)

// PostgresConfig holds connection details for PostgreSQL. URL wins when set.
type PostgresConfig struct {
	URL      string
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
}

func (c PostgresConfig) ConnString() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s",
		c.User,
		c.Password,
		c.Host,
		c.Port,
		c.DBName,
	)
}

// NewPostgresPool connects and verifies the connection.
func NewPostgresPool(ctx context.Context, config PostgresConfig) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, config.ConnString())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}

// InitSchema creates the keyframes table if it doesn't exist. Each row holds
// one keyframe's CLIP embedding and its detected objects as a jsonb array of
// {"class", "confidence"} documents.
func InitSchema(ctx context.Context, pool *pgxpool.Pool, dimension int) error {
	// Check if vector extension exists
	var exists bool
	err := pool.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM pg_extension WHERE extname = 'vector')").Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check for vector extension: %w", err)
	}

	if !exists {
		if _, err := pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
			return fmt.Errorf("failed to create vector extension: %w", err)
		}
	}

	_, err = pool.Exec(ctx, fmt.Sprintf(`
        CREATE TABLE IF NOT EXISTS keyframes (
            video_id VARCHAR(255) NOT NULL,
            keyframe_index INTEGER NOT NULL,
            embedding vector(%d),
            objects JSONB NOT NULL DEFAULT '[]'::jsonb,
            PRIMARY KEY (video_id, keyframe_index)
        );
    `, dimension))
	if err != nil {
		return fmt.Errorf("failed to create database schema: %w", err)
	}

	_, err = pool.Exec(ctx, `
        CREATE INDEX IF NOT EXISTS idx_keyframes_embedding ON keyframes USING ivfflat (embedding vector_cosine_ops) WITH (lists = 100);
        CREATE INDEX IF NOT EXISTS idx_keyframes_objects ON keyframes USING gin (objects jsonb_path_ops);
    `)
	if err != nil {
		return fmt.Errorf("failed to create database indexes: %w", err)
	}

	return nil
}

// PostgresVectors searches keyframe embeddings with pgvector.
type PostgresVectors struct {
	pool   *pgxpool.Pool
	metric Metric
}

func NewPostgresVectors(pool *pgxpool.Pool, metric Metric) *PostgresVectors {
	if metric == "" {
		metric = Cosine
	}
	return &PostgresVectors{pool: pool, metric: metric}
}

func (s *PostgresVectors) Metric() Metric { return s.metric }

// Search returns cosine similarity (1 - distance) or raw L2 distance.
func (s *PostgresVectors) Search(ctx context.Context, vec []float32, topK int) ([]models.ScoredHit, error) {
	query := `SELECT video_id, keyframe_index, 1 - (embedding <=> $1) AS score
        FROM keyframes
        ORDER BY embedding <=> $1
        LIMIT $2`
	if s.metric == L2 {
		query = `SELECT video_id, keyframe_index, embedding <-> $1 AS score
        FROM keyframes
        ORDER BY embedding <-> $1
        LIMIT $2`
	}

	rows, err := s.pool.Query(ctx, query, pgvector.NewVector(vec), topK)
	if err != nil {
		return nil, fmt.Errorf("failed to search similar keyframes: %w", err)
	}
	defer rows.Close()

	var hits []models.ScoredHit
	for rows.Next() {
		var hit models.ScoredHit
		var score float64
		if err := rows.Scan(&hit.VideoID, &hit.KeyframeIndex, &score); err != nil {
			return nil, fmt.Errorf("failed to scan search results: %w", err)
		}
		hit.ClipScore = models.Float(score)
		hits = append(hits, hit)
	}
	return hits, rows.Err()
}

// PostgresObjects evaluates compiled predicates against the jsonb objects
// column.
type PostgresObjects struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewPostgresObjects(pool *pgxpool.Pool, logger *slog.Logger) *PostgresObjects {
	return &PostgresObjects{pool: pool, logger: logger}
}

func (s *PostgresObjects) Aggregate(ctx context.Context, p predicate.Predicate, proj Projection) ([]models.ScoredHit, error) {
	query, args, err := BuildObjectSQL(p, proj)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("object query", "sql", query, "args", len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query objects: %w", err)
	}

	hits, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.ScoredHit, error) {
		var hit models.ScoredHit
		if proj.Objects {
			var objects []pgObject
			if err := row.Scan(&hit.VideoID, &hit.KeyframeIndex, &objects); err != nil {
				return hit, err
			}
			for _, o := range objects {
				hit.Objects = append(hit.Objects, models.Detection{Label: o.Class, Confidence: o.Confidence})
			}
			return hit, nil
		}
		err := row.Scan(&hit.VideoID, &hit.KeyframeIndex)
		return hit, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan object results: %w", err)
	}
	return hits, nil
}

type pgObject struct {
	Class      string  `json:"class"`
	Confidence float64 `json:"confidence"`
}
