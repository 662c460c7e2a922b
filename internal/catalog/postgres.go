package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"reelvault/internal/models"
)

// PostgresCatalog persists artifact records in Postgres, allowing the rest of
// the platform to query them through the shared database.
type PostgresCatalog struct {
	pool *pgxpool.Pool
}

const artifactSchema = `
CREATE TABLE IF NOT EXISTS artifacts (
	id TEXT PRIMARY KEY,
	locator TEXT NOT NULL,
	owner_id TEXT NOT NULL,
	filename TEXT NOT NULL DEFAULT '',
	size_bytes BIGINT NOT NULL,
	content_category TEXT NOT NULL DEFAULT '',
	content_digest TEXT NOT NULL DEFAULT '',
	metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_at TIMESTAMPTZ NOT NULL
)`

// NewPostgresCatalog opens a Postgres-backed catalog using the provided DSN
// and ensures the artifacts table exists.
func NewPostgresCatalog(ctx context.Context, dsn string) (*PostgresCatalog, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres catalog dsn required")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres catalog config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres catalog pool: %w", err)
	}
	if _, err := pool.Exec(ctx, artifactSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure artifacts table: %w", err)
	}
	return &PostgresCatalog{pool: pool}, nil
}

// Close releases the Postgres connection pool resources.
func (c *PostgresCatalog) Close(ctx context.Context) error {
	if c == nil || c.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		c.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (c *PostgresCatalog) CreateArtifact(ctx context.Context, params CreateArtifactParams) (models.Artifact, error) {
	if err := validateParams(params); err != nil {
		return models.Artifact{}, err
	}
	if c.pool == nil {
		return models.Artifact{}, fmt.Errorf("postgres catalog pool not configured")
	}
	id, err := generateArtifactID()
	if err != nil {
		return models.Artifact{}, err
	}
	metadata := params.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	encoded, err := json.Marshal(metadata)
	if err != nil {
		return models.Artifact{}, fmt.Errorf("encode artifact metadata: %w", err)
	}
	createdAt := time.Now().UTC()
	_, err = c.pool.Exec(ctx, `
INSERT INTO artifacts (id, locator, owner_id, filename, size_bytes, content_category, content_digest, metadata, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
`, id, params.Locator, params.OwnerID, params.Filename, params.SizeBytes, params.ContentCategory, params.ContentDigest, encoded, createdAt)
	if err != nil {
		return models.Artifact{}, fmt.Errorf("insert artifact: %w", err)
	}
	return models.Artifact{
		ID:              id,
		Locator:         params.Locator,
		OwnerID:         params.OwnerID,
		SizeBytes:       params.SizeBytes,
		ContentCategory: params.ContentCategory,
		ContentDigest:   params.ContentDigest,
		CreatedAt:       createdAt,
	}, nil
}
