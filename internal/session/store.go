// Package session persists upload session records. All mutation of a
// session's chunk set and status goes through a Store so updates stay
// linearizable per session under concurrent chunk uploads.
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"reelvault/internal/models"
)

var (
	// ErrNotFound reports a session id with no record.
	ErrNotFound = errors.New("session not found")
	// ErrInvalidTransition reports a status change that would move the state
	// machine backwards or out of a terminal state.
	ErrInvalidTransition = errors.New("invalid session transition")
)

// Store is the persistence contract for upload sessions.
type Store interface {
	// Create inserts a new session record.
	Create(ctx context.Context, session models.UploadSession) error
	// Get returns a deep copy of the session.
	Get(ctx context.Context, id string) (models.UploadSession, bool, error)
	// FindResumable returns a non-terminal session for the owner/digest pair,
	// used to resume interrupted uploads.
	FindResumable(ctx context.Context, ownerID, digest string) (models.UploadSession, bool, error)
	// MarkChunk records a chunk index as received and advances PENDING to
	// UPLOADING on the first chunk. The returned bool reports whether the
	// index was newly added. The update is atomic per session.
	MarkChunk(ctx context.Context, id string, index int) (models.UploadSession, bool, error)
	// BeginMerge transitions PENDING/UPLOADING to MERGING.
	BeginMerge(ctx context.Context, id string) (models.UploadSession, error)
	// Complete transitions MERGING to COMPLETED and records the artifact.
	Complete(ctx context.Context, id, locator, artifactID string) (models.UploadSession, error)
	// Fail transitions any non-terminal status to FAILED with a detail message.
	Fail(ctx context.Context, id, detail string) (models.UploadSession, error)
	// Expire transitions PENDING/UPLOADING to EXPIRED.
	Expire(ctx context.Context, id string) (models.UploadSession, error)
	// ListExpired returns sessions still in PENDING/UPLOADING whose expiry
	// deadline has passed.
	ListExpired(ctx context.Context, now time.Time) ([]models.UploadSession, error)
}

// NewID generates an opaque session identifier.
func NewID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
