/*
sweep.go - Expiration Sweeper

PURPOSE:
  The time-driven half of the lifecycle. A sweep pass runs four phases:

    1. notify    re-dispatch awaiting-pickup reservations with notified = false
    2. expire    awaiting_pickup past expires_at -> expired, release the copy
    3. overdue   active loans past due_at + grace -> overdue (copy stays out)
    4. reconcile promote queued reservations on books with free copies

  Phase 1 runs first so a reservation promoted in this pass is notified
  exactly once by the pass itself.

FAILURE ISOLATION:
  Every record (every book, in phase 4) gets its own transaction with the
  usual conflict retry. Failures are logged and counted, never returned;
  the record is picked up again by the next pass.

  Candidates are listed outside any transaction and re-checked under the
  book lock, so a record changed in between is skipped, not double-handled.

IDEMPOTENCE:
  A second pass right after the first finds nothing to change: expired and
  overdue records no longer match the candidate queries, and reconcile only
  acts when availability is positive.

CONCURRENCY:
  Up to sweepConcurrency transactions run at once (errgroup.SetLimit).

SEE ALSO:
  - api/scheduler.go: runs Sweep on a ticker
*/
package circulation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// SweepResult counts what one pass changed.
type SweepResult struct {
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Notified  int           `json:"notified"`
	Expired   int           `json:"expired"`
	Overdue   int           `json:"overdue"`
	Promoted  int           `json:"promoted"`
	Failed    int           `json:"failed"`
}

// Changed reports whether the pass changed any record.
func (r SweepResult) Changed() bool {
	return r.Expired+r.Overdue+r.Promoted > 0
}

// sweepCounter is shared by the goroutines of one pass.
type sweepCounter struct {
	mu  sync.Mutex
	res SweepResult
}

func (c *sweepCounter) add(fn func(r *SweepResult)) {
	c.mu.Lock()
	fn(&c.res)
	c.mu.Unlock()
}

// Sweep runs one pass. The error is only non-nil when a candidate query
// failed or ctx was cancelled; per-record failures are in Failed.
func (s *Service) Sweep(ctx context.Context) (SweepResult, error) {
	now := s.clock()
	c := &sweepCounter{res: SweepResult{StartedAt: now}}

	phases := []struct {
		name string
		run  func(context.Context, time.Time, *sweepCounter) error
	}{
		{"notify", s.sweepNotify},
		{"expire", s.sweepExpiredHolds},
		{"overdue", s.sweepOverdueLoans},
		{"reconcile", s.sweepReconcile},
	}

	for _, p := range phases {
		if err := p.run(ctx, now, c); err != nil {
			c.res.Duration = s.clock().Sub(now)
			return c.res, fmt.Errorf("sweep %s phase: %w", p.name, err)
		}
	}

	c.res.Duration = s.clock().Sub(now)
	res := c.res

	if res.Changed() || res.Failed > 0 || res.Notified > 0 {
		s.logger.Info("sweep completed",
			"expired", res.Expired,
			"overdue", res.Overdue,
			"promoted", res.Promoted,
			"notified", res.Notified,
			"failed", res.Failed)
	} else {
		s.logger.Debug("sweep completed, nothing to do")
	}
	return res, nil
}

// =============================================================================
// PHASES
// =============================================================================

func (s *Service) sweepNotify(ctx context.Context, _ time.Time, c *sweepCounter) error {
	if s.notify == nil {
		return nil
	}
	pending, err := s.store.ListUnnotified(ctx)
	if err != nil {
		return err
	}
	for _, rec := range pending {
		if s.notify.dispatch(rec) {
			c.add(func(r *SweepResult) { r.Notified++ })
		}
	}
	return nil
}

func (s *Service) sweepExpiredHolds(ctx context.Context, now time.Time, c *sweepCounter) error {
	holds, err := s.store.ListExpiredHolds(ctx, now)
	if err != nil {
		return err
	}
	return s.forEach(ctx, ids(holds), c, func(ctx context.Context, id uuid.UUID) error {
		var expired bool
		var promoted int
		err := s.inTx(ctx, "expire_hold", func(st Store, fx *txEffects) error {
			expired = false
			rec, err := lockRecord(ctx, st, id)
			if err != nil {
				return err
			}
			if rec.Status != StatusAwaitingPickup || rec.ExpiresAt == nil || !rec.ExpiresAt.Before(now) {
				return nil
			}
			if err := rec.TransitionTo(StatusExpired); err != nil {
				return err
			}
			if err := st.Update(ctx, rec); err != nil {
				return err
			}
			expired = true

			if err := s.releaseCopy(ctx, st, fx, rec.BookID, now); err != nil {
				return err
			}
			promoted = len(fx.promoted)
			return nil
		})
		if err != nil {
			return err
		}
		if expired {
			s.logger.Info("reservation expired", "reservation_id", id)
			c.add(func(r *SweepResult) {
				r.Expired++
				r.Promoted += promoted
			})
		}
		return nil
	})
}

func (s *Service) sweepOverdueLoans(ctx context.Context, now time.Time, c *sweepCounter) error {
	cutoff := now.Add(-s.policy.OverdueGrace)
	loans, err := s.store.ListDueLoans(ctx, cutoff)
	if err != nil {
		return err
	}
	return s.forEach(ctx, ids(loans), c, func(ctx context.Context, id uuid.UUID) error {
		var flagged bool
		err := s.inTx(ctx, "flag_overdue", func(st Store, _ *txEffects) error {
			flagged = false
			rec, err := lockRecord(ctx, st, id)
			if err != nil {
				return err
			}
			if rec.Status != StatusActive || rec.DueAt == nil || !rec.DueAt.Before(cutoff) {
				return nil
			}
			if err := rec.TransitionTo(StatusOverdue); err != nil {
				return err
			}
			if err := st.Update(ctx, rec); err != nil {
				return err
			}
			flagged = true
			return nil
		})
		if err != nil {
			return err
		}
		if flagged {
			s.logger.Info("loan overdue", "loan_id", id)
			c.add(func(r *SweepResult) { r.Overdue++ })
		}
		return nil
	})
}

func (s *Service) sweepReconcile(ctx context.Context, now time.Time, c *sweepCounter) error {
	books, err := s.store.ListQueuedBooks(ctx)
	if err != nil {
		return err
	}
	return s.forEach(ctx, books, c, func(ctx context.Context, bookID uuid.UUID) error {
		var promoted int
		err := s.inTx(ctx, "reconcile_queue", func(st Store, fx *txEffects) error {
			if err := st.LockBook(ctx, bookID); err != nil {
				return err
			}
			if err := s.releaseCopy(ctx, st, fx, bookID, now); err != nil {
				return err
			}
			promoted = len(fx.promoted)
			return nil
		})
		if err != nil {
			return err
		}
		if promoted > 0 {
			c.add(func(r *SweepResult) { r.Promoted += promoted })
		}
		return nil
	})
}

// =============================================================================
// HELPERS
// =============================================================================

// forEach runs fn for every id with bounded concurrency. Errors from fn are
// logged and counted, not propagated; only ctx cancellation stops the loop.
func (s *Service) forEach(ctx context.Context, items []uuid.UUID, c *sweepCounter, fn func(context.Context, uuid.UUID) error) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.sweepConcurrency)

	for _, id := range items {
		if err := gctx.Err(); err != nil {
			break
		}
		g.Go(func() error {
			if err := fn(gctx, id); err != nil {
				s.logger.Warn("sweep failed for record, will retry next pass", "id", id, "error", err)
				c.add(func(r *SweepResult) { r.Failed++ })
			}
			return nil
		})
	}

	_ = g.Wait()
	return ctx.Err()
}

func ids(recs []LoanRecord) []uuid.UUID {
	out := make([]uuid.UUID, len(recs))
	for i, rec := range recs {
		out[i] = rec.ID
	}
	return out
}
