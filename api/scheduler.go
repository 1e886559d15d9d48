/*
scheduler.go - Periodic expiration sweep

PURPOSE:
  Runs circulation.Service.Sweep on its own timer, independent of any HTTP
  request: expires stale holds, flags overdue loans, retries pending
  notifications and promotes queues that have free copies.

DESIGN:
  - One background goroutine with a configurable interval
  - Runs once immediately on Start, then on every tick
  - RunNow lets staff trigger a pass; passes never overlap
  - The last result is kept for GET /api/admin/sweep

USAGE:
  scheduler := NewSweepScheduler(svc, 5*time.Minute, logger)
  scheduler.Start()
  defer scheduler.Stop()

SEE ALSO:
  - circulation/sweep.go: the sweep itself
  - handlers.go: TriggerSweep, LastSweep
*/
package api

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/warp/circulation-engine/circulation"
)

// Sweeper is implemented by *circulation.Service.
type Sweeper interface {
	Sweep(ctx context.Context) (circulation.SweepResult, error)
}

// SweepScheduler runs the expiration sweep periodically.
type SweepScheduler struct {
	sweeper  Sweeper
	interval time.Duration
	logger   *slog.Logger

	run    sync.Mutex // serializes passes
	mu     sync.Mutex
	last   *circulation.SweepResult
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSweepScheduler creates a stopped scheduler.
func NewSweepScheduler(sweeper Sweeper, interval time.Duration, logger *slog.Logger) *SweepScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SweepScheduler{
		sweeper:  sweeper,
		interval: interval,
		logger:   logger.With("component", "sweeper"),
	}
}

// Start begins the background loop. Calling Start twice is a no-op.
func (s *SweepScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(ctx, s.done)

	s.logger.Info("sweeper started", "interval", s.interval)
}

// Stop cancels a running pass and waits for the loop to exit.
func (s *SweepScheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.logger.Info("sweeper stopped")
}

func (s *SweepScheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.RunNow(ctx) //nolint:errcheck // logged by RunNow
	for {
		select {
		case <-ticker.C:
			s.RunNow(ctx) //nolint:errcheck // logged by RunNow
		case <-ctx.Done():
			return
		}
	}
}

// RunNow performs one sweep pass and records its result.
func (s *SweepScheduler) RunNow(ctx context.Context) (circulation.SweepResult, error) {
	s.run.Lock()
	defer s.run.Unlock()

	result, err := s.sweeper.Sweep(ctx)
	if err != nil {
		s.logger.Warn("sweep interrupted", "error", err)
	}

	s.mu.Lock()
	s.last = &result
	s.mu.Unlock()

	if result.Changed() || result.Failed > 0 {
		s.logger.Info("sweep completed",
			"expired", result.Expired,
			"overdue", result.Overdue,
			"promoted", result.Promoted,
			"notified", result.Notified,
			"failed", result.Failed,
			"duration", result.Duration)
	}
	return result, err
}

// LastResult returns the most recent pass, if any.
func (s *SweepScheduler) LastResult() (circulation.SweepResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return circulation.SweepResult{}, false
	}
	return *s.last, true
}
