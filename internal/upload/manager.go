// Package upload implements the resumable, chunked, deduplicating upload
// engine: session lifecycle, chunk registration, ordered streaming merge with
// digest verification, concurrency limits, and expiry sweeping.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"reelvault/internal/blob"
	"reelvault/internal/catalog"
	"reelvault/internal/chunkstore"
	"reelvault/internal/dedup"
	"reelvault/internal/digest"
	"reelvault/internal/models"
	"reelvault/internal/observability/metrics"
	"reelvault/internal/session"
)

const (
	defaultChunkSize  = int64(5 * 1024 * 1024)
	defaultSessionTTL = 24 * time.Hour
)

// Config wires the manager's collaborators. Sessions, Chunks, Dedup, Blobs,
// and Catalog are required; the rest default.
type Config struct {
	Sessions   session.Store
	Chunks     *chunkstore.Store
	Dedup      dedup.Index
	Blobs      blob.Store
	Catalog    catalog.Catalog
	Governor   *Governor
	ChunkSize  int64
	SessionTTL time.Duration
	Logger     *slog.Logger
	Now        func() time.Time
}

// Manager owns the upload session state machine. All session mutation flows
// through it.
type Manager struct {
	sessions   session.Store
	chunks     *chunkstore.Store
	dedup      dedup.Index
	blobs      blob.Store
	catalog    catalog.Catalog
	governor   *Governor
	chunkSize  int64
	sessionTTL time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

func NewManager(cfg Config) (*Manager, error) {
	if cfg.Sessions == nil {
		return nil, errors.New("upload manager requires a session store")
	}
	if cfg.Chunks == nil {
		return nil, errors.New("upload manager requires a chunk store")
	}
	if cfg.Dedup == nil {
		return nil, errors.New("upload manager requires a dedup index")
	}
	if cfg.Blobs == nil {
		return nil, errors.New("upload manager requires a blob store")
	}
	if cfg.Catalog == nil {
		return nil, errors.New("upload manager requires a catalog")
	}
	governor := cfg.Governor
	if governor == nil {
		governor = NewGovernor(0, nil)
	}
	chunkSize := cfg.ChunkSize
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	ttl := cfg.SessionTTL
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Manager{
		sessions:   cfg.Sessions,
		chunks:     cfg.Chunks,
		dedup:      cfg.Dedup,
		blobs:      cfg.Blobs,
		catalog:    cfg.Catalog,
		governor:   governor,
		chunkSize:  chunkSize,
		sessionTTL: ttl,
		logger:     logger,
		now:        now,
	}, nil
}

// Governor exposes the manager's concurrency governor, mainly so the sweeper
// can release slots for sessions it expires.
func (m *Manager) Governor() *Governor {
	return m.governor
}

// InitParams describes one upload initiation request.
type InitParams struct {
	OwnerID         string
	Filename        string
	DeclaredSize    int64
	ContentCategory string
	DeclaredDigest  string
	ChunkSize       int64
	Metadata        map[string]string
}

// InitResult reports how the caller should proceed. NeedUpload false means
// the content already exists and ArtifactID/Locator identify it; otherwise
// SessionID names the session to upload chunks into and ReceivedChunks lists
// indices already present from a resumed session.
type InitResult struct {
	NeedUpload     bool
	SessionID      string
	ReceivedChunks []int
	TotalChunks    int
	ChunkSize      int64
	ArtifactID     string
	Locator        string
}

func (p InitParams) validate() error {
	if strings.TrimSpace(p.OwnerID) == "" {
		return errors.New("owner id is required")
	}
	if p.DeclaredSize <= 0 {
		return errors.New("declared size must be positive")
	}
	if strings.TrimSpace(p.DeclaredDigest) == "" {
		return errors.New("declared digest is required")
	}
	return nil
}

// InitUpload starts (or short-circuits, or resumes) an upload. Order of
// preference: instant upload via the dedup index, resumption of an existing
// non-terminal session for the same owner and digest, then a fresh PENDING
// session.
func (m *Manager) InitUpload(ctx context.Context, params InitParams) (InitResult, error) {
	if err := params.validate(); err != nil {
		return InitResult{}, err
	}
	normalized := strings.ToLower(strings.TrimSpace(params.DeclaredDigest))

	if result, ok := m.instantUpload(ctx, normalized); ok {
		return result, nil
	}

	existing, ok, err := m.sessions.FindResumable(ctx, params.OwnerID, normalized)
	if err != nil {
		return InitResult{}, fmt.Errorf("find resumable session: %w", err)
	}
	if ok {
		metrics.ObserveSessionEvent("resumed")
		return InitResult{
			NeedUpload:     true,
			SessionID:      existing.ID,
			ReceivedChunks: sortedIndices(existing),
			TotalChunks:    existing.TotalChunks,
			ChunkSize:      existing.ChunkSize,
		}, nil
	}

	chunkSize := params.ChunkSize
	if chunkSize <= 0 {
		chunkSize = m.chunkSize
	}
	id, err := session.NewID()
	if err != nil {
		return InitResult{}, err
	}
	if err := m.governor.AcquireSession(id); err != nil {
		return InitResult{}, err
	}
	now := m.now().UTC()
	record := models.UploadSession{
		ID:              id,
		OwnerID:         params.OwnerID,
		Filename:        params.Filename,
		DeclaredSize:    params.DeclaredSize,
		ContentCategory: params.ContentCategory,
		ContentDigest:   normalized,
		ChunkSize:       chunkSize,
		TotalChunks:     models.TotalChunksFor(params.DeclaredSize, chunkSize),
		ReceivedChunks:  make(map[int]struct{}),
		Status:          models.StatusPending,
		Metadata:        params.Metadata,
		CreatedAt:       now,
		ExpiresAt:       now.Add(m.sessionTTL),
	}
	if err := m.sessions.Create(ctx, record); err != nil {
		m.governor.ReleaseSession(id)
		return InitResult{}, fmt.Errorf("create session: %w", err)
	}
	if err := m.chunks.CreateNamespace(id); err != nil {
		m.governor.ReleaseSession(id)
		if _, failErr := m.sessions.Fail(ctx, id, "chunk namespace allocation failed"); failErr != nil {
			m.logger.Error("failed to fail session after namespace error", "session_id", id, "error", failErr)
		}
		return InitResult{}, storageErr("allocate chunk namespace", err)
	}
	metrics.SessionOpened("created")
	m.logger.Info("upload session created",
		"session_id", id,
		"owner_id", params.OwnerID,
		"total_chunks", record.TotalChunks,
		"declared_size", params.DeclaredSize)
	return InitResult{
		NeedUpload:     true,
		SessionID:      id,
		ReceivedChunks: []int{},
		TotalChunks:    record.TotalChunks,
		ChunkSize:      chunkSize,
	}, nil
}

// instantUpload consults the dedup index and verifies the referenced artifact
// still exists. Index or storage trouble degrades to a miss so uploads are
// never blocked by the optimization.
func (m *Manager) instantUpload(ctx context.Context, digestKey string) (InitResult, bool) {
	entry, ok, err := m.dedup.Lookup(ctx, digestKey)
	if err != nil {
		m.logger.Warn("dedup lookup failed", "digest", digestKey, "error", err)
		return InitResult{}, false
	}
	if !ok {
		return InitResult{}, false
	}
	exists, err := m.blobs.Exists(ctx, entry.Locator)
	if err != nil {
		m.logger.Warn("dedup artifact check failed", "locator", entry.Locator, "error", err)
		return InitResult{}, false
	}
	if !exists {
		if err := m.dedup.Remove(ctx, digestKey); err != nil {
			m.logger.Warn("failed to drop stale dedup entry", "digest", digestKey, "error", err)
		}
		return InitResult{}, false
	}
	metrics.ObserveSessionEvent("instant")
	m.logger.Info("instant upload", "digest", digestKey, "artifact_id", entry.ArtifactID)
	return InitResult{
		NeedUpload: false,
		ArtifactID: entry.ArtifactID,
		Locator:    entry.Locator,
	}, true
}

// BatchInitResult pairs one batch entry's outcome with its error, if any.
type BatchInitResult struct {
	Result InitResult
	Err    error
}

// BatchInitUpload runs InitUpload sequentially over the list. Failures are
// recorded per entry and do not abort the batch.
func (m *Manager) BatchInitUpload(ctx context.Context, batch []InitParams) []BatchInitResult {
	results := make([]BatchInitResult, 0, len(batch))
	for _, params := range batch {
		result, err := m.InitUpload(ctx, params)
		results = append(results, BatchInitResult{Result: result, Err: err})
	}
	return results
}

// RegisterChunk persists one chunk payload under (sessionID, chunkIndex) and
// records it on the session. Re-uploading an index is idempotent and last
// write wins. A non-empty checksum is verified against the staged payload
// before it becomes visible.
func (m *Manager) RegisterChunk(ctx context.Context, sessionID, ownerID string, chunkIndex, totalChunks int, payload io.Reader, checksum string) error {
	record, err := m.ownedSession(ctx, sessionID, ownerID)
	if err != nil {
		return err
	}
	if record.Status != models.StatusPending && record.Status != models.StatusUploading {
		return ErrNotFound
	}
	if totalChunks != record.TotalChunks || chunkIndex < 0 || chunkIndex >= record.TotalChunks {
		return ErrChunkParameterMismatch
	}

	writer, err := m.chunks.StageChunk(sessionID, chunkIndex)
	if err != nil {
		return storageErr("stage chunk", err)
	}
	var sink io.Writer = writer
	var chunkHasher *digest.Hasher
	if checksum != "" {
		chunkHasher = digest.NewChunkHasher()
		sink = io.MultiWriter(writer, chunkHasher)
	}
	written, err := io.Copy(sink, payload)
	if err != nil {
		writer.Abort()
		return storageErr("write chunk", err)
	}
	if chunkHasher != nil && !digest.Equal(chunkHasher.Sum(), checksum) {
		writer.Abort()
		return ErrChunkChecksumMismatch
	}
	if _, err := writer.Commit(); err != nil {
		return storageErr("commit chunk", err)
	}
	metrics.ObserveChunk(written)

	// MarkChunk is the authority on state: a session expired or cancelled
	// while the payload was streaming is rejected here and its directory is
	// reclaimed by the sweeper.
	if _, _, err := m.sessions.MarkChunk(ctx, sessionID, chunkIndex); err != nil {
		if errors.Is(err, session.ErrNotFound) || errors.Is(err, session.ErrInvalidTransition) {
			return ErrNotFound
		}
		return fmt.Errorf("mark chunk: %w", err)
	}
	return nil
}

// CompleteUpload triggers the merge for a fully-uploaded session and returns
// the completed session. Exactly one merge runs per session; concurrent calls
// fail fast with ErrMergeInProgress.
func (m *Manager) CompleteUpload(ctx context.Context, sessionID, ownerID string) (models.UploadSession, error) {
	record, err := m.ownedSession(ctx, sessionID, ownerID)
	if err != nil {
		return models.UploadSession{}, err
	}
	switch {
	case record.Status == models.StatusMerging:
		return models.UploadSession{}, ErrMergeInProgress
	case record.Status.Terminal():
		return models.UploadSession{}, ErrNotFound
	}
	if !record.Complete() {
		return models.UploadSession{}, ErrIncompleteUpload
	}

	if err := m.governor.BeginMerge(sessionID); err != nil {
		return models.UploadSession{}, err
	}
	defer m.governor.EndMerge(sessionID)

	merging, err := m.sessions.BeginMerge(ctx, sessionID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) || errors.Is(err, session.ErrInvalidTransition) {
			return models.UploadSession{}, ErrNotFound
		}
		return models.UploadSession{}, fmt.Errorf("begin merge: %w", err)
	}
	return m.merge(ctx, merging)
}

// Progress is the caller-facing view of a session's state.
type Progress struct {
	SessionID      string
	ReceivedChunks []int
	TotalChunks    int
	Percent        int
	Status         string
}

// GetProgress reports last-committed chunk bookkeeping. The percentage is
// floored, so 2 of 3 chunks reports 66.
func (m *Manager) GetProgress(ctx context.Context, sessionID, ownerID string) (Progress, error) {
	record, err := m.ownedSession(ctx, sessionID, ownerID)
	if err != nil {
		return Progress{}, err
	}
	percent := 0
	if record.TotalChunks > 0 {
		percent = record.ReceivedCount() * 100 / record.TotalChunks
	}
	return Progress{
		SessionID:      record.ID,
		ReceivedChunks: sortedIndices(record),
		TotalChunks:    record.TotalChunks,
		Percent:        percent,
		Status:         coarseStatus(record.Status),
	}, nil
}

// CancelUpload aborts a pre-merge session, removing its chunk data. Valid
// only in PENDING or UPLOADING.
func (m *Manager) CancelUpload(ctx context.Context, sessionID, ownerID string) error {
	record, err := m.ownedSession(ctx, sessionID, ownerID)
	if err != nil {
		return err
	}
	if record.Status != models.StatusPending && record.Status != models.StatusUploading {
		return ErrNotFound
	}
	if _, err := m.sessions.Fail(ctx, sessionID, "cancelled by owner"); err != nil {
		if errors.Is(err, session.ErrNotFound) || errors.Is(err, session.ErrInvalidTransition) {
			return ErrNotFound
		}
		return fmt.Errorf("cancel session: %w", err)
	}
	m.governor.ReleaseSession(sessionID)
	if err := m.chunks.RemoveNamespace(sessionID); err != nil {
		// The sweeper retries orphaned directories, so cancellation still
		// succeeds from the caller's point of view.
		m.logger.Error("failed to remove chunk namespace on cancel", "session_id", sessionID, "error", err)
	}
	metrics.SessionClosed("cancelled")
	m.logger.Info("upload cancelled", "session_id", sessionID, "owner_id", ownerID)
	return nil
}

func (m *Manager) ownedSession(ctx context.Context, sessionID, ownerID string) (models.UploadSession, error) {
	record, ok, err := m.sessions.Get(ctx, sessionID)
	if err != nil {
		return models.UploadSession{}, fmt.Errorf("load session: %w", err)
	}
	if !ok || record.OwnerID != ownerID {
		return models.UploadSession{}, ErrNotFound
	}
	if m.lapsed(record) {
		return models.UploadSession{}, ErrNotFound
	}
	return record, nil
}

// lapsed reports whether a pre-merge session has outlived its deadline. Such
// sessions are unreachable immediately; the sweeper transitions them to
// EXPIRED and reclaims their chunk data on its next cycle.
func (m *Manager) lapsed(record models.UploadSession) bool {
	if record.Status != models.StatusPending && record.Status != models.StatusUploading {
		return false
	}
	return !record.ExpiresAt.IsZero() && !record.ExpiresAt.After(m.now())
}

func sortedIndices(record models.UploadSession) []int {
	indices := record.ReceivedIndices()
	sort.Ints(indices)
	return indices
}

func coarseStatus(status models.UploadStatus) string {
	switch status {
	case models.StatusPending:
		return "pending"
	case models.StatusUploading, models.StatusMerging:
		return "uploading"
	case models.StatusCompleted:
		return "completed"
	default:
		return "failed"
	}
}
