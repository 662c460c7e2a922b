package models

import "time"

// UploadStatus tracks a session through its lifecycle. Transitions only move
// forward: PENDING → UPLOADING → MERGING → {COMPLETED | FAILED}, with EXPIRED
// reachable from PENDING and UPLOADING only.
type UploadStatus string

const (
	StatusPending   UploadStatus = "PENDING"
	StatusUploading UploadStatus = "UPLOADING"
	StatusMerging   UploadStatus = "MERGING"
	StatusCompleted UploadStatus = "COMPLETED"
	StatusFailed    UploadStatus = "FAILED"
	StatusExpired   UploadStatus = "EXPIRED"
)

// Terminal reports whether no further transition is legal from the status.
func (s UploadStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusExpired
}

// CanTransitionTo reports whether moving from s to next respects the forward
// ordering of the state machine.
func (s UploadStatus) CanTransitionTo(next UploadStatus) bool {
	switch next {
	case StatusUploading:
		return s == StatusPending
	case StatusMerging:
		return s == StatusPending || s == StatusUploading
	case StatusCompleted, StatusFailed:
		return s == StatusMerging || s == StatusPending || s == StatusUploading
	case StatusExpired:
		return s == StatusPending || s == StatusUploading
	default:
		return false
	}
}

// UploadSession is one in-progress or terminal upload attempt for one logical
// file. ReceivedChunks is a set of chunk indices; membership and count matter,
// insertion order does not.
type UploadSession struct {
	ID               string            `json:"id"`
	OwnerID          string            `json:"ownerId"`
	Filename         string            `json:"filename"`
	DeclaredSize     int64             `json:"declaredSize"`
	ContentCategory  string            `json:"contentCategory"`
	ContentDigest    string            `json:"contentDigest"`
	ChunkSize        int64             `json:"chunkSize"`
	TotalChunks      int               `json:"totalChunks"`
	ReceivedChunks   map[int]struct{}  `json:"-"`
	Status           UploadStatus      `json:"status"`
	FinalLocator     string            `json:"finalLocator,omitempty"`
	LinkedArtifactID string            `json:"linkedArtifactId,omitempty"`
	ErrorDetail      string            `json:"errorDetail,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	CreatedAt        time.Time         `json:"createdAt"`
	ExpiresAt        time.Time         `json:"expiresAt"`
}

// ReceivedCount returns the number of distinct chunks registered so far.
func (s UploadSession) ReceivedCount() int {
	return len(s.ReceivedChunks)
}

// Complete reports whether every chunk 0..TotalChunks-1 has been registered.
func (s UploadSession) Complete() bool {
	return s.TotalChunks > 0 && len(s.ReceivedChunks) == s.TotalChunks
}

// ReceivedIndices returns the registered chunk indices as an unsorted slice.
func (s UploadSession) ReceivedIndices() []int {
	indices := make([]int, 0, len(s.ReceivedChunks))
	for idx := range s.ReceivedChunks {
		indices = append(indices, idx)
	}
	return indices
}

// Clone returns a deep copy safe to hand to callers.
func (s UploadSession) Clone() UploadSession {
	cloned := s
	if s.ReceivedChunks != nil {
		received := make(map[int]struct{}, len(s.ReceivedChunks))
		for idx := range s.ReceivedChunks {
			received[idx] = struct{}{}
		}
		cloned.ReceivedChunks = received
	}
	if s.Metadata != nil {
		meta := make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			meta[k] = v
		}
		cloned.Metadata = meta
	}
	return cloned
}

// Artifact is the catalog record produced from a completed upload.
type Artifact struct {
	ID              string    `json:"id"`
	Locator         string    `json:"locator"`
	OwnerID         string    `json:"ownerId"`
	SizeBytes       int64     `json:"sizeBytes"`
	ContentCategory string    `json:"contentCategory"`
	ContentDigest   string    `json:"contentDigest"`
	CreatedAt       time.Time `json:"createdAt"`
}

// DedupEntry maps a content digest to the finished artifact it produced.
type DedupEntry struct {
	Digest     string    `json:"digest"`
	Locator    string    `json:"locator"`
	ArtifactID string    `json:"artifactId"`
	CreatedAt  time.Time `json:"createdAt"`
}

// TotalChunksFor computes ceil(size / chunkSize) for a declared file size.
func TotalChunksFor(size, chunkSize int64) int {
	if size <= 0 || chunkSize <= 0 {
		return 0
	}
	return int((size + chunkSize - 1) / chunkSize)
}
