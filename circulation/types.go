/*
Package circulation provides the loan and reservation lifecycle engine.

PURPOSE:
  Tracks how many physical copies of a title are out on loan, which copies
  are held for a reservation awaiting pickup, and who is waiting in the
  reservation queue. Copies are never counted in a separate field: the number
  of available copies is always derived from the LoanRecord rows.

KEY CONCEPTS IN THIS FILE (types.go):
  - Kind: Loan or Reservation (one table, one discriminator)
  - Status: kind-dependent lifecycle state
  - LoanRecord: the single persisted entity
  - transition table: the only place that decides which status changes are legal

STATE MACHINES:
  Reservation:  queued ──▶ awaiting_pickup ──▶ completed
                  │               │
                  ▼               ├──▶ cancelled
              cancelled           └──▶ expired

  Loan:         active ──▶ overdue ──▶ returned
                  │                       ▲
                  └───────────────────────┘

  Terminal statuses (returned, cancelled, expired, completed) never change.

SEE ALSO:
  - ledger.go: availability derived from records
  - admission.go: reservation creation and cancellation
  - promotion.go: queue promotion and re-compaction
  - sweep.go: time-driven transitions
*/
package circulation

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// KIND & STATUS
// =============================================================================

type Kind string

const (
	KindLoan        Kind = "loan"
	KindReservation Kind = "reservation"
)

func (k Kind) Valid() bool { return k == KindLoan || k == KindReservation }

type Status string

const (
	// Loan statuses
	StatusActive   Status = "active"
	StatusOverdue  Status = "overdue"
	StatusReturned Status = "returned"

	// Reservation statuses
	StatusQueued         Status = "queued"
	StatusAwaitingPickup Status = "awaiting_pickup"
	StatusCompleted      Status = "completed"
	StatusCancelled      Status = "cancelled"
	StatusExpired        Status = "expired"
)

// transitions is the complete set of legal status changes per kind.
// Anything not listed here is rejected with an InvalidTransitionError.
var transitions = map[Kind]map[Status][]Status{
	KindLoan: {
		StatusActive:  {StatusOverdue, StatusReturned},
		StatusOverdue: {StatusReturned},
	},
	KindReservation: {
		StatusQueued:         {StatusAwaitingPickup, StatusCancelled},
		StatusAwaitingPickup: {StatusCompleted, StatusCancelled, StatusExpired},
	},
}

// initialStatuses are the statuses a record may be created in.
var initialStatuses = map[Kind][]Status{
	KindLoan:        {StatusActive},
	KindReservation: {StatusQueued, StatusAwaitingPickup},
}

// statusesByKind lists every status that belongs to a kind.
var statusesByKind = map[Kind][]Status{
	KindLoan:        {StatusActive, StatusOverdue, StatusReturned},
	KindReservation: {StatusQueued, StatusAwaitingPickup, StatusCompleted, StatusCancelled, StatusExpired},
}

// BelongsTo reports whether the status is part of the kind's vocabulary.
func (s Status) BelongsTo(k Kind) bool {
	for _, candidate := range statusesByKind[k] {
		if candidate == s {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is possible from s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusReturned, StatusCancelled, StatusExpired, StatusCompleted:
		return true
	}
	return false
}

// CanTransition reports whether kind k may move from one status to another.
func CanTransition(k Kind, from, to Status) bool {
	for _, next := range transitions[k][from] {
		if next == to {
			return true
		}
	}
	return false
}

// =============================================================================
// LOAN RECORD
// =============================================================================

// LoanRecord is a loan or a reservation. Which optional fields are set
// depends on Kind:
//
//	Loan:        DueAt, ReturnedAt (once returned)
//	Reservation: ExpiresAt (awaiting pickup), QueuePosition (queued)
type LoanRecord struct {
	ID        uuid.UUID
	BookID    uuid.UUID
	UserID    uuid.UUID
	Kind      Kind
	Status    Status
	CreatedAt time.Time

	DueAt         *time.Time
	ExpiresAt     *time.Time
	ReturnedAt    *time.Time
	QueuePosition *int

	// Notified is true once the user has been told the reservation is
	// ready for pickup.
	Notified bool
}

// TransitionTo moves the record to the given status if the transition table
// allows it. The record is left unchanged on error.
func (r *LoanRecord) TransitionTo(to Status) error {
	if !CanTransition(r.Kind, r.Status, to) {
		return &InvalidTransitionError{
			RecordID: r.ID,
			Kind:     r.Kind,
			From:     r.Status,
			To:       to,
		}
	}
	r.Status = to
	return nil
}

// HoldsCopy reports whether the record currently occupies a physical copy.
// Overdue loans are still out of the building.
func (r LoanRecord) HoldsCopy() bool {
	switch r.Kind {
	case KindLoan:
		return r.Status == StatusActive || r.Status == StatusOverdue
	case KindReservation:
		return r.Status == StatusAwaitingPickup
	}
	return false
}

// IsOpenReservation reports whether the record counts against the
// one-open-reservation-per-user limit.
func (r LoanRecord) IsOpenReservation() bool {
	return r.Kind == KindReservation &&
		(r.Status == StatusQueued || r.Status == StatusAwaitingPickup)
}

// Validate checks the record's shape against its kind. Stores call it
// before every write.
func (r LoanRecord) Validate() error {
	if r.ID == uuid.Nil || r.BookID == uuid.Nil || r.UserID == uuid.Nil {
		return ErrInvalidRecord
	}
	if !r.Kind.Valid() || !r.Status.BelongsTo(r.Kind) {
		return ErrInvalidRecord
	}
	switch r.Kind {
	case KindLoan:
		if r.DueAt == nil || r.ExpiresAt != nil || r.QueuePosition != nil {
			return ErrInvalidRecord
		}
		if (r.Status == StatusReturned) != (r.ReturnedAt != nil) {
			return ErrInvalidRecord
		}
	case KindReservation:
		if r.DueAt != nil || r.ReturnedAt != nil {
			return ErrInvalidRecord
		}
		if (r.Status == StatusQueued) != (r.QueuePosition != nil) {
			return ErrInvalidRecord
		}
		if r.QueuePosition != nil && *r.QueuePosition < 1 {
			return ErrInvalidRecord
		}
		if r.Status == StatusAwaitingPickup && r.ExpiresAt == nil {
			return ErrInvalidRecord
		}
	}
	return nil
}

// ValidateNew checks a record about to be inserted: it must be valid and
// start in one of its kind's initial statuses.
func (r LoanRecord) ValidateNew() error {
	if err := r.Validate(); err != nil {
		return err
	}
	for _, s := range initialStatuses[r.Kind] {
		if s == r.Status {
			return nil
		}
	}
	return ErrInvalidRecord
}

// LessQueued orders queued reservations first-come-first-served:
// queue position, then creation time, then id.
func LessQueued(a, b LoanRecord) bool {
	pa, pb := position(a), position(b)
	if pa != pb {
		return pa < pb
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID.String() < b.ID.String()
}

func position(r LoanRecord) int {
	if r.QueuePosition == nil {
		return 0
	}
	return *r.QueuePosition
}

func timePtr(t time.Time) *time.Time { return &t }

func intPtr(n int) *int { return &n }
