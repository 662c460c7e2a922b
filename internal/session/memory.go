package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"reelvault/internal/models"
)

// MemoryStore keeps session records in process memory behind a single lock.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]models.UploadSession
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]models.UploadSession)}
}

func (s *MemoryStore) Create(ctx context.Context, session models.UploadSession) error {
	if session.ID == "" {
		return fmt.Errorf("session id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[session.ID]; exists {
		return fmt.Errorf("session %s already exists", session.ID)
	}
	stored := session.Clone()
	if stored.ReceivedChunks == nil {
		stored.ReceivedChunks = make(map[int]struct{})
	}
	s.sessions[session.ID] = stored
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (models.UploadSession, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[id]
	if !ok {
		return models.UploadSession{}, false, nil
	}
	return session.Clone(), true, nil
}

func (s *MemoryStore) FindResumable(ctx context.Context, ownerID, digest string) (models.UploadSession, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, session := range s.sessions {
		if session.OwnerID != ownerID || session.ContentDigest != digest {
			continue
		}
		if session.Status.Terminal() || session.Status == models.StatusMerging {
			continue
		}
		return session.Clone(), true, nil
	}
	return models.UploadSession{}, false, nil
}

func (s *MemoryStore) MarkChunk(ctx context.Context, id string, index int) (models.UploadSession, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok {
		return models.UploadSession{}, false, ErrNotFound
	}
	if session.Status != models.StatusPending && session.Status != models.StatusUploading {
		return models.UploadSession{}, false, ErrInvalidTransition
	}
	if session.ReceivedChunks == nil {
		session.ReceivedChunks = make(map[int]struct{})
	}
	_, existed := session.ReceivedChunks[index]
	session.ReceivedChunks[index] = struct{}{}
	if session.Status == models.StatusPending {
		session.Status = models.StatusUploading
	}
	s.sessions[id] = session
	return session.Clone(), !existed, nil
}

func (s *MemoryStore) transition(id string, allowed []models.UploadStatus, to models.UploadStatus, mutate func(*models.UploadSession)) (models.UploadSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok {
		return models.UploadSession{}, ErrNotFound
	}
	permitted := false
	for _, status := range allowed {
		if session.Status == status {
			permitted = true
			break
		}
	}
	if !permitted {
		return models.UploadSession{}, ErrInvalidTransition
	}
	session.Status = to
	if mutate != nil {
		mutate(&session)
	}
	s.sessions[id] = session
	return session.Clone(), nil
}

func (s *MemoryStore) BeginMerge(ctx context.Context, id string) (models.UploadSession, error) {
	return s.transition(id, []models.UploadStatus{models.StatusPending, models.StatusUploading}, models.StatusMerging, nil)
}

func (s *MemoryStore) Complete(ctx context.Context, id, locator, artifactID string) (models.UploadSession, error) {
	return s.transition(id, []models.UploadStatus{models.StatusMerging}, models.StatusCompleted, func(session *models.UploadSession) {
		session.FinalLocator = locator
		session.LinkedArtifactID = artifactID
		session.ErrorDetail = ""
	})
}

func (s *MemoryStore) Fail(ctx context.Context, id, detail string) (models.UploadSession, error) {
	return s.transition(id, []models.UploadStatus{models.StatusPending, models.StatusUploading, models.StatusMerging}, models.StatusFailed, func(session *models.UploadSession) {
		session.ErrorDetail = detail
	})
}

func (s *MemoryStore) Expire(ctx context.Context, id string) (models.UploadSession, error) {
	return s.transition(id, []models.UploadStatus{models.StatusPending, models.StatusUploading}, models.StatusExpired, nil)
}

func (s *MemoryStore) ListExpired(ctx context.Context, now time.Time) ([]models.UploadSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var expired []models.UploadSession
	for _, session := range s.sessions {
		if session.Status != models.StatusPending && session.Status != models.StatusUploading {
			continue
		}
		if session.ExpiresAt.After(now) {
			continue
		}
		expired = append(expired, session.Clone())
	}
	return expired, nil
}
