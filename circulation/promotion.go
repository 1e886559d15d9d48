/*
promotion.go - Queue Promotion Logic

PURPOSE:
  When a copy frees up, hand it to the reservation that has waited longest.

ALGORITHM (per book, under the book lock):
  1. Compute availability from the ledger.
  2. If nothing is available or nobody is queued, stop.
  3. Take the queue head (queue_position, created_at, id), move it to
     awaiting_pickup with a fresh expires_at and notified = false.
  4. Renumber the rest of the queue 1..N.
  5. Repeat. One release normally promotes at most one reservation; the
     loop only matters when availability was already positive (catalog
     total raised, a pickup recorded without a loan).

Because availability is re-read under the lock before each promotion, the
same release can never promote twice.
*/
package circulation

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// releaseCopy runs after a record stopped holding a copy of bookID. Promoted
// reservations are collected in fx and notified after commit.
func (s *Service) releaseCopy(ctx context.Context, st Store, fx *txEffects, bookID uuid.UUID, now time.Time) error {
	promoted, err := s.rebalance(ctx, st, bookID, now)
	if errors.Is(err, ErrBookNotFound) {
		// Book left the catalog: there is nothing to hand out.
		s.logger.Warn("released copy of unknown book", "book_id", bookID)
		return nil
	}
	if err != nil {
		return err
	}
	fx.promoted = append(fx.promoted, promoted...)
	return nil
}

// rebalance promotes queue heads while copies are available. The caller
// must hold the book lock.
func (s *Service) rebalance(ctx context.Context, st Store, bookID uuid.UUID, now time.Time) ([]LoanRecord, error) {
	var promoted []LoanRecord
	for {
		avail, err := s.ledger.Availability(ctx, st, bookID)
		if err != nil {
			return nil, err
		}
		if avail.Available() <= 0 {
			return promoted, nil
		}

		queue, err := st.ListQueued(ctx, bookID)
		if err != nil {
			return nil, err
		}
		if len(queue) == 0 {
			return promoted, nil
		}

		head := queue[0]
		if err := head.TransitionTo(StatusAwaitingPickup); err != nil {
			return nil, err
		}
		head.QueuePosition = nil
		head.ExpiresAt = timePtr(now.Add(s.policy.PickupWindow))
		head.Notified = false
		if err := st.Update(ctx, head); err != nil {
			return nil, err
		}
		if err := compactQueue(ctx, st, queue[1:]); err != nil {
			return nil, err
		}

		s.logger.Info("reservation promoted",
			"reservation_id", head.ID,
			"book_id", bookID,
			"user_id", head.UserID,
			"expires_at", head.ExpiresAt)
		promoted = append(promoted, head)
	}
}

// compactQueue renumbers an ordered queue to 1..N. Records already at the
// right position are not written.
func compactQueue(ctx context.Context, st Store, queue []LoanRecord) error {
	for i, rec := range queue {
		want := i + 1
		if position(rec) == want {
			continue
		}
		rec.QueuePosition = intPtr(want)
		if err := st.Update(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

// nextQueuePosition returns max(position) + 1 for an ordered queue.
func nextQueuePosition(queue []LoanRecord) int {
	last := 0
	for _, rec := range queue {
		if p := position(rec); p > last {
			last = p
		}
	}
	return last + 1
}
