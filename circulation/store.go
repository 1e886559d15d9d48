/*
store.go - Persistence and collaborator interfaces

PURPOSE:
  Defines the boundary between the lifecycle logic and everything it does not
  own: the database holding LoanRecords, the catalog owning total copy
  counts, and the notification service.

KEY INTERFACES:
  Store:    LoanRecord reads and writes, scoped to one transaction
  TxStore:  Store plus WithTx for atomic multi-step operations
  Catalog:  Read-only view of total copies per book
  Notifier: Best-effort "your reservation is ready" delivery

LOCKING CONTRACT:
  Every operation that can change how many copies of a book are claimed
  calls LockBook first. LockBook serializes all transactions that touch the
  same book until commit/rollback, so the availability read and the insert
  that consumes it are one atomic unit.

NO DELETES:
  Records are never physically deleted. Terminal statuses keep history.

IMPLEMENTATIONS:
  - circulation/store/memory.go: In-memory for tests
  - store/sqlite/sqlite.go:      SQLite (single writer)
  - store/postgres/postgres.go:  PostgreSQL (advisory per-book locks)
*/
package circulation

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// STORE - LoanRecord persistence
// =============================================================================

// Store reads and writes LoanRecords. Inside WithTx every call runs in the
// surrounding transaction.
type Store interface {
	// LockBook blocks until this transaction owns the book's lock.
	LockBook(ctx context.Context, bookID uuid.UUID) error

	// Insert persists a new record. A second open reservation for the same
	// user fails with ErrReservationLimitExceeded.
	Insert(ctx context.Context, rec LoanRecord) error

	// Update overwrites the mutable fields (status, timestamps, queue
	// position, notified) of an existing record.
	Update(ctx context.Context, rec LoanRecord) error

	// Get returns the record or ErrRecordNotFound.
	Get(ctx context.Context, id uuid.UUID) (LoanRecord, error)

	// CountHolding returns how many loans are out (active or overdue) and how
	// many reservations are awaiting pickup for the book.
	CountHolding(ctx context.Context, bookID uuid.UUID) (onLoan, onHold int, err error)

	// ListQueued returns the book's queued reservations ordered by
	// (queue_position, created_at, id).
	ListQueued(ctx context.Context, bookID uuid.UUID) ([]LoanRecord, error)

	// OpenReservation returns the user's queued or awaiting-pickup
	// reservation, or nil.
	OpenReservation(ctx context.Context, userID uuid.UUID) (*LoanRecord, error)

	// ListExpiredHolds returns awaiting-pickup reservations with
	// expires_at < now.
	ListExpiredHolds(ctx context.Context, now time.Time) ([]LoanRecord, error)

	// ListDueLoans returns active loans with due_at < cutoff.
	ListDueLoans(ctx context.Context, cutoff time.Time) ([]LoanRecord, error)

	// ListUnnotified returns awaiting-pickup reservations with notified = false.
	ListUnnotified(ctx context.Context) ([]LoanRecord, error)

	// ListQueuedBooks returns the ids of books that have at least one queued
	// reservation.
	ListQueuedBooks(ctx context.Context) ([]uuid.UUID, error)

	// ListByUser returns every record of the user, newest first.
	ListByUser(ctx context.Context, userID uuid.UUID) ([]LoanRecord, error)
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, the transaction is rolled back.
	// If fn returns nil, it is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// =============================================================================
// COLLABORATORS
// =============================================================================

// Catalog is the read-only slice of the book catalog this engine needs.
type Catalog interface {
	// TotalCopies returns the number of physical copies, or ErrBookNotFound.
	TotalCopies(ctx context.Context, bookID uuid.UUID) (int, error)

	// BookExists reports whether the book is in the catalog.
	BookExists(ctx context.Context, bookID uuid.UUID) (bool, error)
}

// Notifier tells a user that a reserved copy is waiting for them.
// Delivery is best-effort; a failure leaves the record unnotified so the
// sweeper can try again.
type Notifier interface {
	NotifyReservationAvailable(ctx context.Context, userID, bookID uuid.UUID, expiresAt time.Time) error
}
