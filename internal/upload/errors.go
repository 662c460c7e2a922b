package upload

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound reports a session that does not exist, is terminal, or is not
	// owned by the caller.
	ErrNotFound = errors.New("upload session not found")
	// ErrChunkParameterMismatch reports a chunk index or total inconsistent
	// with the session's recorded parameters.
	ErrChunkParameterMismatch = errors.New("chunk parameters do not match session")
	// ErrIncompleteUpload reports a merge request made before every chunk was
	// registered.
	ErrIncompleteUpload = errors.New("upload is incomplete")
	// ErrMergeInProgress reports a concurrent merge attempt on the same
	// session. Retryable by polling progress.
	ErrMergeInProgress = errors.New("merge already in progress")
	// ErrChecksumMismatch reports a merged digest that disagrees with the
	// declared digest. Fatal to the session.
	ErrChecksumMismatch = errors.New("content digest mismatch")
	// ErrChunkChecksumMismatch reports a chunk payload whose checksum does not
	// match the caller-supplied value. The chunk is discarded; retryable.
	ErrChunkChecksumMismatch = errors.New("chunk checksum mismatch")
	// ErrTooManyActiveSessions reports that the governor's active-session
	// bound is reached. Retryable after a delay.
	ErrTooManyActiveSessions = errors.New("too many active upload sessions")
)

// StorageError wraps a chunk-store or blob-store I/O failure so callers can
// distinguish infrastructure faults from validation errors.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}
