package upload

import (
	"sync"

	"golang.org/x/sync/semaphore"

	"reelvault/internal/digest"
)

// Governor bounds the number of concurrently active sessions per process and
// serializes merge entry per session. All state is explicit and injectable;
// nothing here lives in package globals.
type Governor struct {
	active *semaphore.Weighted

	mu      sync.Mutex
	held    map[string]struct{}
	merging map[string]struct{}

	digests *digest.Cache
}

const defaultMaxActiveSessions = 128

// NewGovernor builds a governor allowing at most maxActive non-terminal
// sessions. Non-positive maxActive falls back to a default.
func NewGovernor(maxActive int, digests *digest.Cache) *Governor {
	if maxActive <= 0 {
		maxActive = defaultMaxActiveSessions
	}
	if digests == nil {
		digests = digest.NewCache(0, 0)
	}
	return &Governor{
		active:  semaphore.NewWeighted(int64(maxActive)),
		held:    make(map[string]struct{}),
		merging: make(map[string]struct{}),
		digests: digests,
	}
}

// AcquireSession claims one active-session slot for the given session without
// blocking. The slot is returned by ReleaseSession once the session reaches a
// terminal state.
func (g *Governor) AcquireSession(sessionID string) error {
	if !g.active.TryAcquire(1) {
		return ErrTooManyActiveSessions
	}
	g.mu.Lock()
	g.held[sessionID] = struct{}{}
	g.mu.Unlock()
	return nil
}

// ReleaseSession returns the slot held for the session. Releasing a session
// with no slot is a no-op, so terminal cleanup paths can race safely and
// sessions recovered from persistence never over-release.
func (g *Governor) ReleaseSession(sessionID string) {
	g.mu.Lock()
	_, ok := g.held[sessionID]
	delete(g.held, sessionID)
	g.mu.Unlock()
	if ok {
		g.active.Release(1)
	}
}

// BeginMerge claims the per-session merge lock, failing fast when a merge for
// the session is already running.
func (g *Governor) BeginMerge(sessionID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, busy := g.merging[sessionID]; busy {
		return ErrMergeInProgress
	}
	g.merging[sessionID] = struct{}{}
	return nil
}

// EndMerge releases the per-session merge lock.
func (g *Governor) EndMerge(sessionID string) {
	g.mu.Lock()
	delete(g.merging, sessionID)
	g.mu.Unlock()
}

// FileDigest computes the digest of a local file through the governor's
// bounded memo cache.
func (g *Governor) FileDigest(path string) (string, error) {
	return g.digests.FileDigest(path)
}
