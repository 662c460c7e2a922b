// Package catalog creates the platform-facing artifact records produced by
// completed uploads. The engine calls it exactly once per successful merge.
package catalog

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"reelvault/internal/models"
)

// CreateArtifactParams carries everything the catalog needs to register a
// finished artifact. Metadata is the caller-supplied opaque payload, passed
// through verbatim.
type CreateArtifactParams struct {
	Locator         string
	OwnerID         string
	Filename        string
	SizeBytes       int64
	ContentCategory string
	ContentDigest   string
	Metadata        map[string]string
}

// Catalog is the boundary contract for artifact registration.
type Catalog interface {
	CreateArtifact(ctx context.Context, params CreateArtifactParams) (models.Artifact, error)
}

func generateArtifactID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate artifact id: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func validateParams(params CreateArtifactParams) error {
	if params.Locator == "" {
		return errors.New("artifact locator is required")
	}
	if params.OwnerID == "" {
		return errors.New("artifact owner is required")
	}
	return nil
}

// MemoryCatalog keeps artifact records in memory, for tests and
// single-process development deployments.
type MemoryCatalog struct {
	mu        sync.RWMutex
	artifacts map[string]models.Artifact
	metadata  map[string]map[string]string
}

func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{
		artifacts: make(map[string]models.Artifact),
		metadata:  make(map[string]map[string]string),
	}
}

func (c *MemoryCatalog) CreateArtifact(ctx context.Context, params CreateArtifactParams) (models.Artifact, error) {
	if err := validateParams(params); err != nil {
		return models.Artifact{}, err
	}
	id, err := generateArtifactID()
	if err != nil {
		return models.Artifact{}, err
	}
	artifact := models.Artifact{
		ID:              id,
		Locator:         params.Locator,
		OwnerID:         params.OwnerID,
		SizeBytes:       params.SizeBytes,
		ContentCategory: params.ContentCategory,
		ContentDigest:   params.ContentDigest,
		CreatedAt:       time.Now().UTC(),
	}
	meta := make(map[string]string, len(params.Metadata))
	for k, v := range params.Metadata {
		meta[k] = v
	}
	c.mu.Lock()
	c.artifacts[id] = artifact
	c.metadata[id] = meta
	c.mu.Unlock()
	return artifact, nil
}

// GetArtifact returns a previously registered artifact.
func (c *MemoryCatalog) GetArtifact(id string) (models.Artifact, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	artifact, ok := c.artifacts[id]
	return artifact, ok
}

// ArtifactMetadata returns the opaque metadata stored with an artifact.
func (c *MemoryCatalog) ArtifactMetadata(id string) map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	stored, ok := c.metadata[id]
	if !ok {
		return nil
	}
	meta := make(map[string]string, len(stored))
	for k, v := range stored {
		meta[k] = v
	}
	return meta
}

// ListArtifacts returns artifacts for an owner ordered by creation time.
func (c *MemoryCatalog) ListArtifacts(ownerID string) []models.Artifact {
	c.mu.RLock()
	defer c.mu.RUnlock()
	artifacts := make([]models.Artifact, 0, len(c.artifacts))
	for _, artifact := range c.artifacts {
		if ownerID != "" && artifact.OwnerID != ownerID {
			continue
		}
		artifacts = append(artifacts, artifact)
	}
	sort.Slice(artifacts, func(i, j int) bool {
		return artifacts[i].CreatedAt.Before(artifacts[j].CreatedAt)
	})
	return artifacts
}
