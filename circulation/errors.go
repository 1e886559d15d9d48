/*
errors.go - Error taxonomy for the circulation engine

ERROR CATEGORIES:
  1. Stock errors       - OutOfStock (caller should queue instead of claim)
  2. Admission errors   - ReservationLimitExceeded (user-visible, no retry)
  3. Lifecycle errors   - InvalidTransition (record not in a permitting state)
  4. Lookup errors      - NotFound (book or record)
  5. Concurrency errors - TransactionConflict (retried, then surfaced as transient)

USAGE:
  Callers branch with errors.Is / errors.As:

    if errors.Is(err, circulation.ErrOutOfStock) {
        // offer to join the queue
    }

    var te *circulation.InvalidTransitionError
    if errors.As(err, &te) {
        log.Printf("record %s is %s", te.RecordID, te.From)
    }

SEE ALSO:
  - store/sqlite, store/postgres: translate driver errors into these sentinels
  - api/handlers.go: maps them onto HTTP status codes
*/
package circulation

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrOutOfStock is returned when a claim finds zero available copies.
	ErrOutOfStock = errors.New("out of stock")

	// ErrReservationLimitExceeded is returned when the user already holds a
	// queued or awaiting-pickup reservation.
	ErrReservationLimitExceeded = errors.New("reservation limit exceeded")

	// ErrInvalidTransition is returned when a record's current status does
	// not permit the requested operation.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrNotFound is the parent of every lookup failure.
	ErrNotFound = errors.New("not found")

	// ErrBookNotFound is returned when the catalog has no such book.
	ErrBookNotFound = fmt.Errorf("book %w", ErrNotFound)

	// ErrRecordNotFound is returned when no loan record has the given id.
	ErrRecordNotFound = fmt.Errorf("loan record %w", ErrNotFound)

	// ErrTransactionConflict is returned by stores when lock contention or a
	// serialization failure aborted the transaction. The engine retries it.
	ErrTransactionConflict = errors.New("transaction conflict")

	// ErrInvalidRequest is returned for malformed input such as a pickup
	// window or due date that is not in the future.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrInvalidRecord is returned by stores when a record's fields do not
	// match its kind and status.
	ErrInvalidRecord = errors.New("invalid loan record")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// OutOfStockError reports the ledger state observed when the claim failed.
type OutOfStockError struct {
	BookID      uuid.UUID
	TotalCopies int
	OnLoan      int
	OnHold      int
}

func (e *OutOfStockError) Error() string {
	return fmt.Sprintf("out of stock: book %s has %d copies, %d on loan, %d held for pickup",
		e.BookID, e.TotalCopies, e.OnLoan, e.OnHold)
}

func (e *OutOfStockError) Unwrap() error { return ErrOutOfStock }

// ReservationLimitError names the reservation that blocks a new one.
type ReservationLimitError struct {
	UserID     uuid.UUID
	ExistingID uuid.UUID
}

func (e *ReservationLimitError) Error() string {
	if e.ExistingID == uuid.Nil {
		return fmt.Sprintf("reservation limit exceeded: user %s already holds an open reservation", e.UserID)
	}
	return fmt.Sprintf("reservation limit exceeded: user %s already holds reservation %s",
		e.UserID, e.ExistingID)
}

func (e *ReservationLimitError) Unwrap() error { return ErrReservationLimitExceeded }

// InvalidTransitionError describes a rejected status change.
type InvalidTransitionError struct {
	RecordID uuid.UUID
	Kind     Kind
	From     Status
	To       Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition for %s %s: %s -> %s", e.Kind, e.RecordID, e.From, e.To)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransactionConflict)
}

// IsClientError returns true if the error is caused by the request itself.
func IsClientError(err error) bool {
	return errors.Is(err, ErrOutOfStock) ||
		errors.Is(err, ErrReservationLimitExceeded) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrInvalidRequest)
}

// IsNotFound returns true if the error indicates a missing book or record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
