/*
admission.go - Reservation Admission Control

CREATE:
  1. pickupBy must be in the future, the book must exist.
  2. Lock the book.
  3. Reject if the user already holds a queued or awaiting-pickup
     reservation (any book).
  4. Promote anyone already waiting if copies are free, so a newcomer never
     overtakes the queue.
  5. Claim a copy: success -> awaiting_pickup, expires in PickupWindow.
     Out of stock -> queued at max(position) + 1.

The per-user limit is checked in step 3 and enforced again by the stores'
unique index on open reservations, which catches two concurrent requests
by one user for different books.

CANCEL:
  Only the owner can cancel. awaiting_pickup releases the held copy;
  queued renumbers the remaining queue.
*/
package circulation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateReservation admits a reservation for userID on bookID.
func (s *Service) CreateReservation(ctx context.Context, userID, bookID uuid.UUID, pickupBy time.Time) (LoanRecord, error) {
	now := s.clock()
	if !pickupBy.After(now) {
		return LoanRecord{}, fmt.Errorf("%w: requested pickup window must be in the future", ErrInvalidRequest)
	}

	var created LoanRecord
	err := s.inTx(ctx, "create_reservation", func(st Store, fx *txEffects) error {
		if err := s.requireBook(ctx, st, bookID); err != nil {
			return err
		}
		if err := st.LockBook(ctx, bookID); err != nil {
			return err
		}

		existing, err := st.OpenReservation(ctx, userID)
		if err != nil {
			return err
		}
		if existing != nil {
			return &ReservationLimitError{UserID: userID, ExistingID: existing.ID}
		}

		promoted, err := s.rebalance(ctx, st, bookID, now)
		if err != nil {
			return err
		}
		fx.promoted = append(fx.promoted, promoted...)

		rec := LoanRecord{
			ID:        newRecordID(),
			BookID:    bookID,
			UserID:    userID,
			Kind:      KindReservation,
			CreatedAt: now,
		}

		err = s.ledger.TryClaimCopy(ctx, st, bookID)
		switch {
		case err == nil:
			rec.Status = StatusAwaitingPickup
			rec.ExpiresAt = timePtr(now.Add(s.policy.PickupWindow))
			// The caller learns this synchronously.
			rec.Notified = true
		case errors.Is(err, ErrOutOfStock):
			queue, err := st.ListQueued(ctx, bookID)
			if err != nil {
				return err
			}
			rec.Status = StatusQueued
			rec.QueuePosition = intPtr(nextQueuePosition(queue))
		default:
			return err
		}

		if err := st.Insert(ctx, rec); err != nil {
			return err
		}
		created = rec
		return nil
	})
	if err != nil {
		return LoanRecord{}, err
	}

	s.logger.Info("reservation created",
		"reservation_id", created.ID,
		"book_id", bookID,
		"user_id", userID,
		"status", created.Status)
	return created, nil
}

// CancelReservation cancels the user's own queued or awaiting-pickup
// reservation. A reservation owned by someone else is reported as not found.
func (s *Service) CancelReservation(ctx context.Context, userID, reservationID uuid.UUID) (LoanRecord, error) {
	var cancelled LoanRecord
	err := s.inTx(ctx, "cancel_reservation", func(st Store, fx *txEffects) error {
		now := s.clock()

		rec, err := lockRecord(ctx, st, reservationID)
		if err != nil {
			return err
		}
		if rec.Kind != KindReservation || rec.UserID != userID {
			return fmt.Errorf("%w: %s", ErrRecordNotFound, reservationID)
		}

		wasHolding := rec.Status == StatusAwaitingPickup
		if err := rec.TransitionTo(StatusCancelled); err != nil {
			return err
		}
		rec.QueuePosition = nil
		if err := st.Update(ctx, rec); err != nil {
			return err
		}
		cancelled = rec

		if wasHolding {
			return s.releaseCopy(ctx, st, fx, rec.BookID, now)
		}

		queue, err := st.ListQueued(ctx, rec.BookID)
		if err != nil {
			return err
		}
		return compactQueue(ctx, st, queue)
	})
	if err != nil {
		return LoanRecord{}, err
	}

	s.logger.Info("reservation cancelled", "reservation_id", cancelled.ID, "book_id", cancelled.BookID)
	return cancelled, nil
}
