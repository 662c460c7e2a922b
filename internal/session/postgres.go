package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"reelvault/internal/models"
)

// PostgresStore persists sessions to a Postgres table so multiple engine
// replicas can share upload state.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const sessionSchema = `
CREATE TABLE IF NOT EXISTS upload_sessions (
	id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL,
	filename TEXT NOT NULL DEFAULT '',
	declared_size BIGINT NOT NULL,
	content_category TEXT NOT NULL DEFAULT '',
	content_digest TEXT NOT NULL,
	chunk_size BIGINT NOT NULL,
	total_chunks INT NOT NULL,
	received_chunks INT[] NOT NULL DEFAULT '{}',
	status TEXT NOT NULL,
	final_locator TEXT NOT NULL DEFAULT '',
	linked_artifact_id TEXT NOT NULL DEFAULT '',
	error_detail TEXT NOT NULL DEFAULT '',
	metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
)`

const sessionColumns = `id, owner_id, filename, declared_size, content_category, content_digest,
chunk_size, total_chunks, received_chunks, status, final_locator, linked_artifact_id,
error_detail, metadata, created_at, expires_at`

// NewPostgresStore opens a Postgres-backed session store using the provided
// DSN and ensures the upload_sessions table exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres session dsn required")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres session config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres session pool: %w", err)
	}
	if _, err := pool.Exec(ctx, sessionSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure upload_sessions table: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Close releases the Postgres connection pool resources.
func (s *PostgresStore) Close(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		s.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (models.UploadSession, error) {
	var session models.UploadSession
	var received []int32
	var status string
	var metadata []byte
	err := row.Scan(
		&session.ID,
		&session.OwnerID,
		&session.Filename,
		&session.DeclaredSize,
		&session.ContentCategory,
		&session.ContentDigest,
		&session.ChunkSize,
		&session.TotalChunks,
		&received,
		&status,
		&session.FinalLocator,
		&session.LinkedArtifactID,
		&session.ErrorDetail,
		&metadata,
		&session.CreatedAt,
		&session.ExpiresAt,
	)
	if err != nil {
		return models.UploadSession{}, err
	}
	session.Status = models.UploadStatus(status)
	session.ReceivedChunks = make(map[int]struct{}, len(received))
	for _, idx := range received {
		session.ReceivedChunks[int(idx)] = struct{}{}
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &session.Metadata); err != nil {
			return models.UploadSession{}, fmt.Errorf("decode session metadata: %w", err)
		}
	}
	return session, nil
}

func (s *PostgresStore) Create(ctx context.Context, session models.UploadSession) error {
	if s.pool == nil {
		return fmt.Errorf("postgres session pool not configured")
	}
	received := make([]int32, 0, len(session.ReceivedChunks))
	for idx := range session.ReceivedChunks {
		received = append(received, int32(idx))
	}
	metadata := session.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	encoded, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("encode session metadata: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO upload_sessions (id, owner_id, filename, declared_size, content_category, content_digest,
	chunk_size, total_chunks, received_chunks, status, final_locator, linked_artifact_id,
	error_detail, metadata, created_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
`, session.ID, session.OwnerID, session.Filename, session.DeclaredSize, session.ContentCategory,
		session.ContentDigest, session.ChunkSize, session.TotalChunks, received, string(session.Status),
		session.FinalLocator, session.LinkedArtifactID, session.ErrorDetail, encoded,
		session.CreatedAt.UTC(), session.ExpiresAt.UTC())
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (models.UploadSession, bool, error) {
	if s.pool == nil {
		return models.UploadSession{}, false, fmt.Errorf("postgres session pool not configured")
	}
	row := s.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM upload_sessions WHERE id = $1`, id)
	session, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.UploadSession{}, false, nil
		}
		return models.UploadSession{}, false, err
	}
	return session, true, nil
}

func (s *PostgresStore) FindResumable(ctx context.Context, ownerID, digest string) (models.UploadSession, bool, error) {
	if s.pool == nil {
		return models.UploadSession{}, false, fmt.Errorf("postgres session pool not configured")
	}
	row := s.pool.QueryRow(ctx, `
SELECT `+sessionColumns+`
FROM upload_sessions
WHERE owner_id = $1 AND content_digest = $2 AND status IN ($3, $4)
ORDER BY created_at DESC
LIMIT 1
`, ownerID, digest, string(models.StatusPending), string(models.StatusUploading))
	session, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.UploadSession{}, false, nil
		}
		return models.UploadSession{}, false, err
	}
	return session, true, nil
}

func (s *PostgresStore) MarkChunk(ctx context.Context, id string, index int) (models.UploadSession, bool, error) {
	if s.pool == nil {
		return models.UploadSession{}, false, fmt.Errorf("postgres session pool not configured")
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return models.UploadSession{}, false, fmt.Errorf("begin mark chunk: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	row := tx.QueryRow(ctx, `SELECT `+sessionColumns+` FROM upload_sessions WHERE id = $1 FOR UPDATE`, id)
	session, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.UploadSession{}, false, ErrNotFound
		}
		return models.UploadSession{}, false, err
	}
	if session.Status != models.StatusPending && session.Status != models.StatusUploading {
		return models.UploadSession{}, false, ErrInvalidTransition
	}
	_, existed := session.ReceivedChunks[index]
	session.ReceivedChunks[index] = struct{}{}
	if session.Status == models.StatusPending {
		session.Status = models.StatusUploading
	}
	received := make([]int32, 0, len(session.ReceivedChunks))
	for idx := range session.ReceivedChunks {
		received = append(received, int32(idx))
	}
	if _, err := tx.Exec(ctx, `
UPDATE upload_sessions SET received_chunks = $2, status = $3 WHERE id = $1
`, id, received, string(session.Status)); err != nil {
		return models.UploadSession{}, false, fmt.Errorf("mark chunk: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.UploadSession{}, false, fmt.Errorf("commit mark chunk: %w", err)
	}
	return session, !existed, nil
}

func (s *PostgresStore) transition(ctx context.Context, id string, allowed []models.UploadStatus, to models.UploadStatus, set string, args ...any) (models.UploadSession, error) {
	if s.pool == nil {
		return models.UploadSession{}, fmt.Errorf("postgres session pool not configured")
	}
	statuses := make([]string, 0, len(allowed))
	for _, status := range allowed {
		statuses = append(statuses, string(status))
	}
	query := `UPDATE upload_sessions SET status = $2` + set + `
WHERE id = $1 AND status = ANY($3)
RETURNING ` + sessionColumns
	queryArgs := append([]any{id, string(to), statuses}, args...)
	row := s.pool.QueryRow(ctx, query, queryArgs...)
	session, err := scanSession(row)
	if err == nil {
		return session, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.UploadSession{}, err
	}
	var exists bool
	if checkErr := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM upload_sessions WHERE id = $1)`, id).Scan(&exists); checkErr != nil {
		return models.UploadSession{}, checkErr
	}
	if !exists {
		return models.UploadSession{}, ErrNotFound
	}
	return models.UploadSession{}, ErrInvalidTransition
}

func (s *PostgresStore) BeginMerge(ctx context.Context, id string) (models.UploadSession, error) {
	return s.transition(ctx, id,
		[]models.UploadStatus{models.StatusPending, models.StatusUploading},
		models.StatusMerging, "")
}

func (s *PostgresStore) Complete(ctx context.Context, id, locator, artifactID string) (models.UploadSession, error) {
	return s.transition(ctx, id,
		[]models.UploadStatus{models.StatusMerging},
		models.StatusCompleted,
		`, final_locator = $4, linked_artifact_id = $5, error_detail = ''`,
		locator, artifactID)
}

func (s *PostgresStore) Fail(ctx context.Context, id, detail string) (models.UploadSession, error) {
	return s.transition(ctx, id,
		[]models.UploadStatus{models.StatusPending, models.StatusUploading, models.StatusMerging},
		models.StatusFailed,
		`, error_detail = $4`,
		detail)
}

func (s *PostgresStore) Expire(ctx context.Context, id string) (models.UploadSession, error) {
	return s.transition(ctx, id,
		[]models.UploadStatus{models.StatusPending, models.StatusUploading},
		models.StatusExpired, "")
}

func (s *PostgresStore) ListExpired(ctx context.Context, now time.Time) ([]models.UploadSession, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("postgres session pool not configured")
	}
	rows, err := s.pool.Query(ctx, `
SELECT `+sessionColumns+`
FROM upload_sessions
WHERE expires_at <= $1 AND status IN ($2, $3)
`, now.UTC(), string(models.StatusPending), string(models.StatusUploading))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var expired []models.UploadSession
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		expired = append(expired, session)
	}
	return expired, rows.Err()
}
