// Package blob stores finished artifacts behind an opaque locator. The merge
// engine streams into Put; everything else addresses artifacts only by the
// locator Put returned.
package blob

import (
	"context"
	"io"
)

// PutInfo carries artifact attributes alongside the streamed body.
type PutInfo struct {
	Key         string
	ContentType string
	Size        int64
}

// Store is the boundary contract for artifact storage.
type Store interface {
	// Put streams body into storage and returns the artifact locator.
	Put(ctx context.Context, body io.Reader, info PutInfo) (string, error)
	// Delete removes the artifact. Deleting a missing locator is not an error.
	Delete(ctx context.Context, locator string) error
	// Exists reports whether the locator still resolves to an artifact.
	Exists(ctx context.Context, locator string) (bool, error)
}

// Pather is implemented by stores whose artifacts live on the local
// filesystem and can be addressed by path.
type Pather interface {
	Path(locator string) (string, bool)
}

// NoopStore discards writes and reports nothing stored. It stands in when no
// artifact storage is configured.
type NoopStore struct{}

func (NoopStore) Put(ctx context.Context, body io.Reader, info PutInfo) (string, error) {
	if _, err := io.Copy(io.Discard, body); err != nil {
		return "", err
	}
	return info.Key, nil
}

func (NoopStore) Delete(ctx context.Context, locator string) error { return nil }

func (NoopStore) Exists(ctx context.Context, locator string) (bool, error) { return false, nil }
