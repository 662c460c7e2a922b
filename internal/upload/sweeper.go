package upload

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"reelvault/internal/chunkstore"
	"reelvault/internal/observability/metrics"
	"reelvault/internal/session"
)

type sweepTicker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	ticker *time.Ticker
}

func (t timeTicker) C() <-chan time.Time {
	return t.ticker.C
}

func (t timeTicker) Stop() {
	t.ticker.Stop()
}

type tickerFactory func(time.Duration) sweepTicker

// SweeperConfig wires the background expiry sweeper.
type SweeperConfig struct {
	Sessions session.Store
	Chunks   *chunkstore.Store
	Governor *Governor
	Interval time.Duration
	Logger   *slog.Logger
	Now      func() time.Time
}

// StartSweeper launches the periodic expiry and orphan sweep and returns a
// stop function that blocks until the worker exits. Failures are logged and
// retried on the next cycle, never fatal to the process.
func StartSweeper(ctx context.Context, cfg SweeperConfig) func() {
	return startSweeperWithTicker(ctx, cfg, func(d time.Duration) sweepTicker {
		return timeTicker{ticker: time.NewTicker(d)}
	})
}

func startSweeperWithTicker(ctx context.Context, cfg SweeperConfig, newTicker tickerFactory) func() {
	if cfg.Sessions == nil || cfg.Chunks == nil || cfg.Interval <= 0 {
		return func() {}
	}
	sweeper := &sweeper{
		sessions: cfg.Sessions,
		chunks:   cfg.Chunks,
		governor: cfg.Governor,
		logger:   cfg.Logger,
		now:      cfg.Now,
	}
	if sweeper.logger == nil {
		sweeper.logger = slog.Default()
	}
	if sweeper.now == nil {
		sweeper.now = time.Now
	}

	workerCtx, cancel := context.WithCancel(ctx)
	ticker := newTicker(cfg.Interval)
	done := make(chan struct{})
	go func() {
		defer func() {
			ticker.Stop()
			close(done)
		}()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-ticker.C():
				sweeper.sweep(workerCtx)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}

type sweeper struct {
	sessions session.Store
	chunks   *chunkstore.Store
	governor *Governor
	logger   *slog.Logger
	now      func() time.Time
}

func (s *sweeper) sweep(ctx context.Context) {
	s.expireSessions(ctx)
	s.removeOrphans(ctx)
}

// expireSessions moves overdue pre-merge sessions to EXPIRED and reclaims
// their chunk data and governor slots.
func (s *sweeper) expireSessions(ctx context.Context) {
	expired, err := s.sessions.ListExpired(ctx, s.now())
	if err != nil {
		s.logger.Error("failed to list expired sessions", "error", err)
		return
	}
	for _, record := range expired {
		if ctx.Err() != nil {
			return
		}
		if _, err := s.sessions.Expire(ctx, record.ID); err != nil {
			// A racing merge or cancel already made the session terminal.
			if !errors.Is(err, session.ErrNotFound) && !errors.Is(err, session.ErrInvalidTransition) {
				s.logger.Error("failed to expire session", "session_id", record.ID, "error", err)
				continue
			}
		}
		if s.governor != nil {
			s.governor.ReleaseSession(record.ID)
		}
		if err := s.chunks.RemoveNamespace(record.ID); err != nil {
			s.logger.Error("failed to remove expired chunk namespace", "session_id", record.ID, "error", err)
			continue
		}
		metrics.SessionClosed("expired")
		metrics.ObserveSweep("expired")
		s.logger.Info("upload session expired", "session_id", record.ID, "owner_id", record.OwnerID)
	}
}

// removeOrphans deletes chunk directories whose session is gone or already
// terminal, covering crashes between chunk writes and session bookkeeping.
func (s *sweeper) removeOrphans(ctx context.Context) {
	namespaces, err := s.chunks.Namespaces()
	if err != nil {
		s.logger.Error("failed to list chunk namespaces", "error", err)
		return
	}
	for _, id := range namespaces {
		if ctx.Err() != nil {
			return
		}
		record, ok, err := s.sessions.Get(ctx, id)
		if err != nil {
			s.logger.Error("failed to load session for orphan check", "session_id", id, "error", err)
			continue
		}
		if ok && !record.Status.Terminal() {
			continue
		}
		if err := s.chunks.RemoveNamespace(id); err != nil {
			s.logger.Error("failed to remove orphan chunk namespace", "session_id", id, "error", err)
			continue
		}
		metrics.ObserveSweep("orphan")
		s.logger.Info("orphan chunk namespace removed", "session_id", id)
	}
}
