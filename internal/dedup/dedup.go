// Package dedup maps completed content digests to their finished artifacts,
// enabling instant uploads.
package dedup

import (
	"context"

	"reelvault/internal/models"
)

// Index is the dedup lookup table. Entries are created only after a verified
// merge; Insert is idempotent and last-writer-wins (digest equality implies
// content equality, so converging to either value is correct).
type Index interface {
	Lookup(ctx context.Context, digest string) (models.DedupEntry, bool, error)
	Insert(ctx context.Context, entry models.DedupEntry) error
	// Remove drops a stale entry whose artifact no longer exists. Removing a
	// missing digest is not an error.
	Remove(ctx context.Context, digest string) error
}
