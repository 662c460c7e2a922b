package upload

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"reelvault/internal/chunkstore"
	"reelvault/internal/models"
	"reelvault/internal/session"
)

type fakeTicker struct {
	ch chan time.Time
}

func (t *fakeTicker) C() <-chan time.Time { return t.ch }

func (t *fakeTicker) Stop() {}

// tickAndWait fires the ticker and waits for the sweep cycle to be consumed
// by firing a second time. When the second send is accepted the first cycle
// has finished.
func (t *fakeTicker) tickAndWait() {
	t.ch <- time.Now()
	t.ch <- time.Now()
}

func newSweeperEnv(t *testing.T) (*session.MemoryStore, *chunkstore.Store, *Governor) {
	t.Helper()
	chunks, err := chunkstore.New(t.TempDir())
	if err != nil {
		t.Fatalf("chunk store: %v", err)
	}
	return session.NewMemoryStore(), chunks, NewGovernor(4, nil)
}

func startTestSweeper(t *testing.T, sessions session.Store, chunks *chunkstore.Store, governor *Governor, now func() time.Time) (*fakeTicker, func()) {
	t.Helper()
	ticker := &fakeTicker{ch: make(chan time.Time)}
	stop := startSweeperWithTicker(context.Background(), SweeperConfig{
		Sessions: sessions,
		Chunks:   chunks,
		Governor: governor,
		Interval: time.Minute,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:      now,
	}, func(time.Duration) sweepTicker { return ticker })
	t.Cleanup(stop)
	return ticker, stop
}

func TestSweeperExpiresOverdueSessions(t *testing.T) {
	sessions, chunks, governor := newSweeperEnv(t)
	ctx := context.Background()
	now := time.Date(2026, time.March, 4, 12, 0, 0, 0, time.UTC)

	overdue := models.UploadSession{
		ID:        "overdue",
		OwnerID:   "owner-1",
		Status:    models.StatusUploading,
		ExpiresAt: now.Add(-time.Minute),
	}
	fresh := models.UploadSession{
		ID:        "fresh",
		OwnerID:   "owner-1",
		Status:    models.StatusUploading,
		ExpiresAt: now.Add(time.Hour),
	}
	for _, record := range []models.UploadSession{overdue, fresh} {
		if err := sessions.Create(ctx, record); err != nil {
			t.Fatalf("create %s: %v", record.ID, err)
		}
		if err := chunks.CreateNamespace(record.ID); err != nil {
			t.Fatalf("namespace %s: %v", record.ID, err)
		}
		if err := governor.AcquireSession(record.ID); err != nil {
			t.Fatalf("acquire %s: %v", record.ID, err)
		}
	}

	ticker, _ := startTestSweeper(t, sessions, chunks, governor, func() time.Time { return now })
	ticker.tickAndWait()

	record, ok, _ := sessions.Get(ctx, "overdue")
	if !ok || record.Status != models.StatusExpired {
		t.Fatalf("expected EXPIRED, got %+v", record)
	}
	if record, _, _ := sessions.Get(ctx, "fresh"); record.Status != models.StatusUploading {
		t.Fatalf("fresh session should be untouched, got %s", record.Status)
	}

	namespaces, _ := chunks.Namespaces()
	if len(namespaces) != 1 || namespaces[0] != "fresh" {
		t.Fatalf("expected only the fresh namespace to remain, got %v", namespaces)
	}

	// The governor slot for the expired session is returned; three more
	// acquisitions fit in the remaining capacity.
	for _, id := range []string{"a", "b", "c"} {
		if err := governor.AcquireSession(id); err != nil {
			t.Fatalf("acquire %s after expiry: %v", id, err)
		}
	}
}

func TestSweeperRemovesOrphanNamespaces(t *testing.T) {
	sessions, chunks, governor := newSweeperEnv(t)
	ctx := context.Background()
	now := time.Date(2026, time.March, 4, 12, 0, 0, 0, time.UTC)

	// A namespace with no session at all, and one whose session is terminal.
	if err := chunks.CreateNamespace("ghost"); err != nil {
		t.Fatalf("namespace ghost: %v", err)
	}
	done := models.UploadSession{
		ID:        "done",
		OwnerID:   "owner-1",
		Status:    models.StatusPending,
		ExpiresAt: now.Add(time.Hour),
	}
	if err := sessions.Create(ctx, done); err != nil {
		t.Fatalf("create done: %v", err)
	}
	if err := chunks.CreateNamespace("done"); err != nil {
		t.Fatalf("namespace done: %v", err)
	}
	if _, err := sessions.Fail(ctx, "done", "cancelled"); err != nil {
		t.Fatalf("fail done: %v", err)
	}

	live := models.UploadSession{
		ID:        "live",
		OwnerID:   "owner-1",
		Status:    models.StatusUploading,
		ExpiresAt: now.Add(time.Hour),
	}
	if err := sessions.Create(ctx, live); err != nil {
		t.Fatalf("create live: %v", err)
	}
	if err := chunks.CreateNamespace("live"); err != nil {
		t.Fatalf("namespace live: %v", err)
	}

	ticker, _ := startTestSweeper(t, sessions, chunks, governor, func() time.Time { return now })
	ticker.tickAndWait()

	namespaces, _ := chunks.Namespaces()
	if len(namespaces) != 1 || namespaces[0] != "live" {
		t.Fatalf("expected only the live namespace to survive, got %v", namespaces)
	}
}

func TestSweeperStopIsIdempotent(t *testing.T) {
	sessions, chunks, governor := newSweeperEnv(t)
	_, stop := startTestSweeper(t, sessions, chunks, governor, time.Now)
	stop()
	stop()
}

func TestStartSweeperWithoutIntervalIsNoop(t *testing.T) {
	sessions, chunks, _ := newSweeperEnv(t)
	stop := StartSweeper(context.Background(), SweeperConfig{
		Sessions: sessions,
		Chunks:   chunks,
	})
	stop()
}
