package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"reelvault/internal/models"
)

func newSession(id, owner, digest string) models.UploadSession {
	return models.UploadSession{
		ID:            id,
		OwnerID:       owner,
		Filename:      "clip.mp4",
		DeclaredSize:  30,
		ContentDigest: digest,
		ChunkSize:     10,
		TotalChunks:   3,
		Status:        models.StatusPending,
		CreatedAt:     time.Now().UTC(),
		ExpiresAt:     time.Now().UTC().Add(time.Hour),
	}
}

func TestCreateRejectsDuplicates(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if err := store.Create(ctx, newSession("s1", "owner-1", "d1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Create(ctx, newSession("s1", "owner-1", "d1")); err == nil {
		t.Fatal("expected duplicate id to be rejected")
	}
	if err := store.Create(ctx, models.UploadSession{}); err == nil {
		t.Fatal("expected blank id to be rejected")
	}
}

func TestGetReturnsClone(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if err := store.Create(ctx, newSession("s1", "owner-1", "d1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	first, ok, err := store.Get(ctx, "s1")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	first.ReceivedChunks[0] = struct{}{}

	second, _, _ := store.Get(ctx, "s1")
	if len(second.ReceivedChunks) != 0 {
		t.Fatal("mutating a returned session leaked into the store")
	}

	if _, ok, err := store.Get(ctx, "missing"); err != nil || ok {
		t.Fatalf("expected clean miss, got ok=%v err=%v", ok, err)
	}
}

func TestMarkChunkAdvancesAndDeduplicates(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if err := store.Create(ctx, newSession("s1", "owner-1", "d1")); err != nil {
		t.Fatalf("create: %v", err)
	}

	updated, newly, err := store.MarkChunk(ctx, "s1", 0)
	if err != nil {
		t.Fatalf("mark chunk: %v", err)
	}
	if !newly {
		t.Fatal("first registration should report a new chunk")
	}
	if updated.Status != models.StatusUploading {
		t.Fatalf("expected UPLOADING after first chunk, got %s", updated.Status)
	}

	updated, newly, err = store.MarkChunk(ctx, "s1", 0)
	if err != nil {
		t.Fatalf("re-mark chunk: %v", err)
	}
	if newly {
		t.Fatal("re-registration should not report a new chunk")
	}
	if updated.ReceivedCount() != 1 {
		t.Fatalf("expected one distinct chunk, got %d", updated.ReceivedCount())
	}

	if _, _, err := store.MarkChunk(ctx, "missing", 0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMarkChunkRejectsMergingAndTerminal(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if err := store.Create(ctx, newSession("s1", "owner-1", "d1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.BeginMerge(ctx, "s1"); err != nil {
		t.Fatalf("begin merge: %v", err)
	}
	if _, _, err := store.MarkChunk(ctx, "s1", 0); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition during merge, got %v", err)
	}
}

func TestTransitionLifecycle(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if err := store.Create(ctx, newSession("s1", "owner-1", "d1")); err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := store.Complete(ctx, "s1", "loc", "art"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("complete before merge should fail, got %v", err)
	}

	merging, err := store.BeginMerge(ctx, "s1")
	if err != nil {
		t.Fatalf("begin merge: %v", err)
	}
	if merging.Status != models.StatusMerging {
		t.Fatalf("expected MERGING, got %s", merging.Status)
	}
	if _, err := store.BeginMerge(ctx, "s1"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("second begin merge should fail, got %v", err)
	}
	if _, err := store.Expire(ctx, "s1"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expiring a merging session should fail, got %v", err)
	}

	completed, err := store.Complete(ctx, "s1", "artifacts/d1.mp4", "art-1")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if completed.Status != models.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", completed.Status)
	}
	if completed.FinalLocator != "artifacts/d1.mp4" || completed.LinkedArtifactID != "art-1" {
		t.Fatalf("unexpected completion fields %+v", completed)
	}

	if _, err := store.Fail(ctx, "s1", "late failure"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("failing a completed session should be rejected, got %v", err)
	}
	if _, err := store.BeginMerge(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFailRecordsDetail(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if err := store.Create(ctx, newSession("s1", "owner-1", "d1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	failed, err := store.Fail(ctx, "s1", "checksum mismatch")
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if failed.Status != models.StatusFailed || failed.ErrorDetail != "checksum mismatch" {
		t.Fatalf("unexpected failed session %+v", failed)
	}
}

func TestListExpiredFiltersStatusAndDeadline(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	stale := newSession("stale", "owner-1", "d1")
	stale.ExpiresAt = now.Add(-time.Minute)
	fresh := newSession("fresh", "owner-1", "d2")
	fresh.ExpiresAt = now.Add(time.Hour)
	done := newSession("done", "owner-1", "d3")
	done.ExpiresAt = now.Add(-time.Minute)

	for _, session := range []models.UploadSession{stale, fresh, done} {
		if err := store.Create(ctx, session); err != nil {
			t.Fatalf("create %s: %v", session.ID, err)
		}
	}
	if _, err := store.BeginMerge(ctx, "done"); err != nil {
		t.Fatalf("begin merge: %v", err)
	}
	if _, err := store.Complete(ctx, "done", "loc", "art"); err != nil {
		t.Fatalf("complete: %v", err)
	}

	expired, err := store.ListExpired(ctx, now)
	if err != nil {
		t.Fatalf("list expired: %v", err)
	}
	if len(expired) != 1 || expired[0].ID != "stale" {
		t.Fatalf("expected only the stale live session, got %v", expired)
	}
}

func TestFindResumableSkipsMergingAndTerminal(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	open := newSession("open", "owner-1", "d1")
	merging := newSession("merging", "owner-1", "d2")
	other := newSession("other", "owner-2", "d1")
	for _, session := range []models.UploadSession{open, merging, other} {
		if err := store.Create(ctx, session); err != nil {
			t.Fatalf("create %s: %v", session.ID, err)
		}
	}
	if _, err := store.BeginMerge(ctx, "merging"); err != nil {
		t.Fatalf("begin merge: %v", err)
	}

	found, ok, err := store.FindResumable(ctx, "owner-1", "d1")
	if err != nil || !ok {
		t.Fatalf("expected resumable session, got ok=%v err=%v", ok, err)
	}
	if found.ID != "open" {
		t.Fatalf("expected session open, got %s", found.ID)
	}

	if _, ok, _ := store.FindResumable(ctx, "owner-1", "d2"); ok {
		t.Fatal("merging session should not be resumable")
	}
	if _, ok, _ := store.FindResumable(ctx, "owner-3", "d1"); ok {
		t.Fatal("unknown owner should not resolve a session")
	}

	if _, err := store.Expire(ctx, "open"); err != nil {
		t.Fatalf("expire: %v", err)
	}
	if _, ok, _ := store.FindResumable(ctx, "owner-1", "d1"); ok {
		t.Fatal("expired session should not be resumable")
	}
}

func TestNewIDShape(t *testing.T) {
	id, err := NewID()
	if err != nil {
		t.Fatalf("new id: %v", err)
	}
	if len(id) != 32 {
		t.Fatalf("expected 32 hex characters, got %d (%q)", len(id), id)
	}
	second, err := NewID()
	if err != nil {
		t.Fatalf("new id: %v", err)
	}
	if id == second {
		t.Fatal("expected distinct ids")
	}
}
