package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"reelvault/internal/blob"
	"reelvault/internal/catalog"
	"reelvault/internal/digest"
	"reelvault/internal/models"
	"reelvault/internal/observability/metrics"
	"reelvault/internal/session"
)

// merge streams the session's chunks in index order through the content
// hasher into the blob store, verifies the digest, registers the artifact,
// and drives the session to a terminal state. The caller holds the
// per-session merge lock; the session is already MERGING.
func (m *Manager) merge(ctx context.Context, record models.UploadSession) (models.UploadSession, error) {
	started := time.Now()
	reader, err := m.chunks.OpenSequential(record.ID, record.TotalChunks)
	if err != nil {
		metrics.ObserveMerge("storage_error", time.Since(started))
		return m.failMerge(ctx, record, storageErr("open chunks", err))
	}
	defer reader.Close()

	hasher := digest.NewHasher()
	locator, err := m.blobs.Put(ctx, io.TeeReader(reader, hasher), blob.PutInfo{
		Key:         artifactKey(record),
		ContentType: record.ContentCategory,
		Size:        record.DeclaredSize,
	})
	if err != nil {
		metrics.ObserveMerge("storage_error", time.Since(started))
		return m.failMerge(ctx, record, storageErr("write artifact", err))
	}

	computed := hasher.Sum()
	if !digest.Equal(computed, record.ContentDigest) {
		m.deleteArtifact(ctx, locator)
		m.logger.Warn("merged digest mismatch",
			"session_id", record.ID,
			"declared", record.ContentDigest,
			"computed", computed)
		metrics.ObserveMerge("checksum_mismatch", time.Since(started))
		return m.failMerge(ctx, record, ErrChecksumMismatch)
	}

	artifact, err := m.catalog.CreateArtifact(ctx, catalog.CreateArtifactParams{
		Locator:         locator,
		OwnerID:         record.OwnerID,
		Filename:        record.Filename,
		SizeBytes:       record.DeclaredSize,
		ContentCategory: record.ContentCategory,
		ContentDigest:   record.ContentDigest,
		Metadata:        record.Metadata,
	})
	if err != nil {
		m.deleteArtifact(ctx, locator)
		metrics.ObserveMerge("catalog_error", time.Since(started))
		return m.failMerge(ctx, record, fmt.Errorf("register artifact: %w", err))
	}

	if err := m.dedup.Insert(ctx, models.DedupEntry{
		Digest:     record.ContentDigest,
		Locator:    locator,
		ArtifactID: artifact.ID,
		CreatedAt:  m.now().UTC(),
	}); err != nil {
		// The upload itself succeeded; only future instant uploads miss.
		m.logger.Warn("dedup insert failed", "session_id", record.ID, "error", err)
	}

	completed, err := m.sessions.Complete(ctx, record.ID, locator, artifact.ID)
	if err != nil {
		m.deleteArtifact(ctx, locator)
		m.cleanupTerminal(record.ID)
		if errors.Is(err, session.ErrNotFound) || errors.Is(err, session.ErrInvalidTransition) {
			return models.UploadSession{}, ErrNotFound
		}
		return models.UploadSession{}, fmt.Errorf("complete session: %w", err)
	}
	m.cleanupTerminal(record.ID)
	metrics.ObserveMerge("completed", time.Since(started))
	metrics.SessionClosed("completed")
	m.logger.Info("upload merged",
		"session_id", record.ID,
		"artifact_id", artifact.ID,
		"locator", locator,
		"size", record.DeclaredSize)
	return completed, nil
}

// failMerge records the failure on the session, reclaims resources, and
// returns the original cause to the caller.
func (m *Manager) failMerge(ctx context.Context, record models.UploadSession, cause error) (models.UploadSession, error) {
	failed, err := m.sessions.Fail(ctx, record.ID, cause.Error())
	if err != nil {
		m.logger.Error("failed to mark merge failure", "session_id", record.ID, "error", err, "cause", cause)
	}
	m.cleanupTerminal(record.ID)
	metrics.SessionClosed("failed")
	return failed, cause
}

// cleanupTerminal removes the chunk namespace and returns the governor slot
// once a session can no longer accept chunks.
func (m *Manager) cleanupTerminal(sessionID string) {
	m.governor.ReleaseSession(sessionID)
	if err := m.chunks.RemoveNamespace(sessionID); err != nil {
		m.logger.Error("failed to remove chunk namespace", "session_id", sessionID, "error", err)
	}
}

func (m *Manager) deleteArtifact(ctx context.Context, locator string) {
	if err := m.blobs.Delete(ctx, locator); err != nil {
		m.logger.Error("failed to delete artifact", "locator", locator, "error", err)
	}
}

// artifactKey derives a content-addressed storage key, keeping the original
// filename extension for downstream content-type sniffing.
func artifactKey(record models.UploadSession) string {
	ext := strings.ToLower(path.Ext(record.Filename))
	return "artifacts/" + record.ContentDigest + ext
}
