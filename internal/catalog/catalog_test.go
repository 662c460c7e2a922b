package catalog

import (
	"context"
	"testing"
)

func TestCreateArtifactValidation(t *testing.T) {
	cat := NewMemoryCatalog()
	ctx := context.Background()

	if _, err := cat.CreateArtifact(ctx, CreateArtifactParams{OwnerID: "owner-1"}); err == nil {
		t.Fatal("expected error for missing locator")
	}
	if _, err := cat.CreateArtifact(ctx, CreateArtifactParams{Locator: "artifacts/x.mp4"}); err == nil {
		t.Fatal("expected error for missing owner")
	}
}

func TestCreateAndGetArtifact(t *testing.T) {
	cat := NewMemoryCatalog()
	artifact, err := cat.CreateArtifact(context.Background(), CreateArtifactParams{
		Locator:         "artifacts/abc.mp4",
		OwnerID:         "owner-1",
		Filename:        "clip.mp4",
		SizeBytes:       2048,
		ContentCategory: "video/mp4",
		ContentDigest:   "abc123",
		Metadata:        map[string]string{"title": "demo"},
	})
	if err != nil {
		t.Fatalf("create artifact: %v", err)
	}
	if artifact.ID == "" {
		t.Fatal("expected generated artifact id")
	}
	if artifact.CreatedAt.IsZero() {
		t.Fatal("expected creation timestamp")
	}

	stored, ok := cat.GetArtifact(artifact.ID)
	if !ok {
		t.Fatal("expected artifact to be retrievable")
	}
	if stored.Locator != "artifacts/abc.mp4" || stored.OwnerID != "owner-1" {
		t.Fatalf("unexpected artifact %+v", stored)
	}
	if stored.SizeBytes != 2048 || stored.ContentDigest != "abc123" {
		t.Fatalf("unexpected artifact %+v", stored)
	}
}

func TestArtifactMetadataIsCopied(t *testing.T) {
	cat := NewMemoryCatalog()
	source := map[string]string{"title": "demo"}
	artifact, err := cat.CreateArtifact(context.Background(), CreateArtifactParams{
		Locator:  "artifacts/abc.mp4",
		OwnerID:  "owner-1",
		Metadata: source,
	})
	if err != nil {
		t.Fatalf("create artifact: %v", err)
	}

	// Mutating either the caller's map or a returned copy must not affect
	// the stored metadata.
	source["title"] = "changed"
	meta := cat.ArtifactMetadata(artifact.ID)
	if meta["title"] != "demo" {
		t.Fatalf("caller mutation leaked into stored metadata: %v", meta)
	}
	meta["title"] = "changed again"
	if again := cat.ArtifactMetadata(artifact.ID); again["title"] != "demo" {
		t.Fatalf("returned copy mutation leaked into stored metadata: %v", again)
	}

	if cat.ArtifactMetadata("missing") != nil {
		t.Fatal("expected nil metadata for unknown artifact")
	}
}

func TestListArtifactsFiltersByOwner(t *testing.T) {
	cat := NewMemoryCatalog()
	ctx := context.Background()
	for _, owner := range []string{"owner-1", "owner-2", "owner-1"} {
		if _, err := cat.CreateArtifact(ctx, CreateArtifactParams{Locator: "artifacts/x", OwnerID: owner}); err != nil {
			t.Fatalf("create artifact: %v", err)
		}
	}

	owned := cat.ListArtifacts("owner-1")
	if len(owned) != 2 {
		t.Fatalf("expected 2 artifacts for owner-1, got %d", len(owned))
	}
	for _, artifact := range owned {
		if artifact.OwnerID != "owner-1" {
			t.Fatalf("unexpected owner %s in filtered list", artifact.OwnerID)
		}
	}

	all := cat.ListArtifacts("")
	if len(all) != 3 {
		t.Fatalf("expected 3 artifacts total, got %d", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i].CreatedAt.Before(all[i-1].CreatedAt) {
			t.Fatal("expected artifacts ordered by creation time")
		}
	}
}
