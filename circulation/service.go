/*
service.go - Lifecycle API

PURPOSE:
  The operation surface that controllers call. Every operation that can
  change copy availability runs as one transaction that first takes the
  book lock, so the availability check and the write that consumes it are
  never split.

OPERATIONS:
  CreateLoan         staff: claim a copy, create an active loan
  ReturnLoan         active/overdue -> returned, release the copy
  CreateReservation  see admission.go
  CancelReservation  see admission.go
  MarkPickedUp       awaiting_pickup -> completed (copy released)
  Checkout           MarkPickedUp + CreateLoan in one transaction
  AvailableCopies    read-only ledger query for catalog display

TRANSACTION RUNNER:
  inTx wraps the store's WithTx in RetryWithExponentialBackoff, so lock
  contention reported as ErrTransactionConflict is retried a bounded number
  of times. Notifications for reservations promoted inside the transaction
  are dispatched only after it commits.

EXAMPLE:
  svc, err := circulation.NewService(store, catalog,
      circulation.WithNotifier(notifier, 16),
      circulation.WithLogger(logger),
  )
  loan, err := svc.CreateLoan(ctx, readerID, bookID, time.Time{}) // default loan period
  _, err = svc.ReturnLoan(ctx, loan.ID)
*/
package circulation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// POLICY
// =============================================================================

// Policy holds the library's circulation rules.
type Policy struct {
	// PickupWindow is how long a freed copy is held for a reservation.
	PickupWindow time.Duration

	// LoanPeriod is the due date offset used when CreateLoan gets no due date.
	LoanPeriod time.Duration

	// OverdueGrace delays the active -> overdue transition past due_at.
	OverdueGrace time.Duration

	// DailyFine is the amount charged per started overdue day. Display only.
	DailyFine decimal.Decimal
}

func DefaultPolicy() Policy {
	return Policy{
		PickupWindow: 3 * 24 * time.Hour,
		LoanPeriod:   14 * 24 * time.Hour,
		OverdueGrace: 0,
		DailyFine:    decimal.RequireFromString("0.25"),
	}
}

func (p Policy) Validate() error {
	if p.PickupWindow <= 0 {
		return fmt.Errorf("%w: pickup window must be positive", ErrInvalidRequest)
	}
	if p.LoanPeriod <= 0 {
		return fmt.Errorf("%w: loan period must be positive", ErrInvalidRequest)
	}
	if p.OverdueGrace < 0 {
		return fmt.Errorf("%w: overdue grace must not be negative", ErrInvalidRequest)
	}
	if p.DailyFine.IsNegative() {
		return fmt.Errorf("%w: daily fine must not be negative", ErrInvalidRequest)
	}
	return nil
}

// =============================================================================
// SERVICE
// =============================================================================

type Service struct {
	store  TxStore
	ledger *CopyLedger
	notify *dispatcher

	policy           Policy
	retry            RetryConfig
	sweepConcurrency int
	now              func() time.Time
	logger           *slog.Logger
}

// Option configures a Service.
type Option func(*Service) error

// WithPolicy replaces DefaultPolicy.
func WithPolicy(p Policy) Option {
	return func(s *Service) error {
		if err := p.Validate(); err != nil {
			return err
		}
		s.policy = p
		return nil
	}
}

// WithNotifier enables promotion notifications. At most maxInFlight sends
// run at once; further promotions stay unnotified until the next sweep.
func WithNotifier(n Notifier, maxInFlight int) Option {
	return func(s *Service) error {
		if n == nil {
			return errors.New("notifier must not be nil")
		}
		if maxInFlight <= 0 {
			return errors.New("max in-flight notifications must be positive")
		}
		s.notify = newDispatcher(n, maxInFlight)
		return nil
	}
}

// WithRetry replaces DefaultRetryConfig.
func WithRetry(cfg RetryConfig) Option {
	return func(s *Service) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		s.retry = cfg
		return nil
	}
}

// WithSweepConcurrency bounds how many records a sweep processes at once.
func WithSweepConcurrency(n int) Option {
	return func(s *Service) error {
		if n <= 0 {
			return errors.New("sweep concurrency must be positive")
		}
		s.sweepConcurrency = n
		return nil
	}
}

// WithClock overrides time.Now. Tests use it to move time forward.
func WithClock(now func() time.Time) Option {
	return func(s *Service) error {
		s.now = now
		return nil
	}
}

// WithLogger sets the service logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) error {
		s.logger = logger
		return nil
	}
}

func NewService(store TxStore, catalog Catalog, opts ...Option) (*Service, error) {
	if store == nil || catalog == nil {
		return nil, errors.New("store and catalog are required")
	}

	s := &Service{
		store:            store,
		ledger:           NewCopyLedger(catalog),
		policy:           DefaultPolicy(),
		retry:            DefaultRetryConfig(),
		sweepConcurrency: 4,
		now:              time.Now,
		logger:           slog.Default().With("component", "circulation"),
	}

	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	if s.notify != nil {
		s.notify.store = s.store
		s.notify.logger = s.logger
	}

	return s, nil
}

// Policy returns the rules the service was built with.
func (s *Service) Policy() Policy { return s.policy }

// WaitForNotifications blocks until every dispatched notification finished.
func (s *Service) WaitForNotifications() {
	if s.notify != nil {
		s.notify.wait()
	}
}

// =============================================================================
// LOANS
// =============================================================================

// CreateLoan claims a copy and records an active loan. A zero dueAt means
// now + LoanPeriod. Staff-only: the caller enforces that.
func (s *Service) CreateLoan(ctx context.Context, userID, bookID uuid.UUID, dueAt time.Time) (LoanRecord, error) {
	now := s.clock()
	if dueAt.IsZero() {
		dueAt = now.Add(s.policy.LoanPeriod)
	}
	if !dueAt.After(now) {
		return LoanRecord{}, fmt.Errorf("%w: due date must be in the future", ErrInvalidRequest)
	}

	var loan LoanRecord
	err := s.inTx(ctx, "create_loan", func(st Store, _ *txEffects) error {
		if err := s.requireBook(ctx, st, bookID); err != nil {
			return err
		}
		if err := st.LockBook(ctx, bookID); err != nil {
			return err
		}
		if err := s.ledger.TryClaimCopy(ctx, st, bookID); err != nil {
			return err
		}

		loan = newLoan(userID, bookID, now, dueAt.UTC())
		return st.Insert(ctx, loan)
	})
	if err != nil {
		return LoanRecord{}, err
	}

	s.logger.Info("loan created", "loan_id", loan.ID, "book_id", bookID, "user_id", userID)
	return loan, nil
}

// ReturnLoan closes an active or overdue loan and hands the copy to the
// head of the queue, if any.
func (s *Service) ReturnLoan(ctx context.Context, loanID uuid.UUID) (LoanRecord, error) {
	var loan LoanRecord
	err := s.inTx(ctx, "return_loan", func(st Store, fx *txEffects) error {
		now := s.clock()

		rec, err := lockRecord(ctx, st, loanID)
		if err != nil {
			return err
		}
		if err := rec.TransitionTo(StatusReturned); err != nil {
			return err
		}
		rec.ReturnedAt = timePtr(now)
		if err := st.Update(ctx, rec); err != nil {
			return err
		}
		loan = rec

		return s.releaseCopy(ctx, st, fx, rec.BookID, now)
	})
	if err != nil {
		return LoanRecord{}, err
	}

	s.logger.Info("loan returned", "loan_id", loan.ID, "book_id", loan.BookID)
	return loan, nil
}

// =============================================================================
// PICKUP
// =============================================================================

// MarkPickedUp completes an awaiting-pickup reservation. The copy stops
// being held and, with no loan recorded, counts as available again: the
// next reconcile may hand it to the queue. Use Checkout when the reader
// leaves with the book.
func (s *Service) MarkPickedUp(ctx context.Context, reservationID uuid.UUID) (LoanRecord, error) {
	var res LoanRecord
	err := s.inTx(ctx, "mark_picked_up", func(st Store, _ *txEffects) error {
		rec, err := lockRecord(ctx, st, reservationID)
		if err != nil {
			return err
		}
		if err := rec.TransitionTo(StatusCompleted); err != nil {
			return err
		}
		if err := st.Update(ctx, rec); err != nil {
			return err
		}
		res = rec
		return nil
	})
	if err != nil {
		return LoanRecord{}, err
	}

	s.logger.Info("reservation picked up", "reservation_id", res.ID, "book_id", res.BookID)
	return res, nil
}

// Checkout completes an awaiting-pickup reservation and opens the loan for
// the same reader in one transaction, so the held copy is never claimable
// by anyone else in between. A zero dueAt means now + LoanPeriod.
func (s *Service) Checkout(ctx context.Context, reservationID uuid.UUID, dueAt time.Time) (reservation, loan LoanRecord, err error) {
	now := s.clock()
	if dueAt.IsZero() {
		dueAt = now.Add(s.policy.LoanPeriod)
	}
	if !dueAt.After(now) {
		return LoanRecord{}, LoanRecord{}, fmt.Errorf("%w: due date must be in the future", ErrInvalidRequest)
	}

	err = s.inTx(ctx, "checkout", func(st Store, _ *txEffects) error {
		rec, err := lockRecord(ctx, st, reservationID)
		if err != nil {
			return err
		}
		if err := rec.TransitionTo(StatusCompleted); err != nil {
			return err
		}
		if err := st.Update(ctx, rec); err != nil {
			return err
		}
		if err := s.ledger.TryClaimCopy(ctx, st, rec.BookID); err != nil {
			return err
		}

		l := newLoan(rec.UserID, rec.BookID, now, dueAt.UTC())
		if err := st.Insert(ctx, l); err != nil {
			return err
		}
		reservation, loan = rec, l
		return nil
	})
	if err != nil {
		return LoanRecord{}, LoanRecord{}, err
	}

	s.logger.Info("reservation checked out",
		"reservation_id", reservation.ID, "loan_id", loan.ID, "book_id", loan.BookID)
	return reservation, loan, nil
}

// =============================================================================
// QUERIES
// =============================================================================

// AvailableCopies returns the number of claimable copies of a book.
func (s *Service) AvailableCopies(ctx context.Context, bookID uuid.UUID) (int, error) {
	avail, err := s.Availability(ctx, bookID)
	if err != nil {
		return 0, err
	}
	return avail.Available(), nil
}

// Availability returns the full ledger breakdown for a book.
func (s *Service) Availability(ctx context.Context, bookID uuid.UUID) (Availability, error) {
	if err := s.requireBook(ctx, s.store, bookID); err != nil {
		return Availability{}, err
	}
	return s.ledger.Availability(ctx, s.store, bookID)
}

// Get returns a single record.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (LoanRecord, error) {
	return s.store.Get(ctx, id)
}

// ListForUser returns the user's loans and reservations, newest first.
func (s *Service) ListForUser(ctx context.Context, userID uuid.UUID) ([]LoanRecord, error) {
	return s.store.ListByUser(ctx, userID)
}

// Queue returns the book's waiting list in promotion order.
func (s *Service) Queue(ctx context.Context, bookID uuid.UUID) ([]LoanRecord, error) {
	if err := s.requireBook(ctx, s.store, bookID); err != nil {
		return nil, err
	}
	return s.store.ListQueued(ctx, bookID)
}

// OverdueFine estimates the fine owed on a loan right now.
func (s *Service) OverdueFine(rec LoanRecord) decimal.Decimal {
	return OverdueFine(rec, s.policy, s.clock())
}

// =============================================================================
// INTERNALS
// =============================================================================

// txEffects collects what a transaction did that must be acted on after
// commit.
type txEffects struct {
	promoted []LoanRecord
}

// inTx runs fn in a transaction, retrying on ErrTransactionConflict.
func (s *Service) inTx(ctx context.Context, op string, fn func(st Store, fx *txEffects) error) error {
	var fx txEffects
	err := RetryWithExponentialBackoff(ctx, s.retry, func(ctx context.Context) error {
		fx = txEffects{}
		return s.store.WithTx(ctx, func(st Store) error {
			return fn(st, &fx)
		})
	})
	if err != nil {
		if IsRetryable(err) {
			s.logger.Warn("transaction conflict persisted", "operation", op, "error", err)
		}
		return err
	}

	for _, rec := range fx.promoted {
		s.notify.dispatch(rec)
	}
	return nil
}

func (s *Service) requireBook(ctx context.Context, st Store, bookID uuid.UUID) error {
	ok, err := s.ledger.CatalogFor(st).BookExists(ctx, bookID)
	if err != nil {
		return fmt.Errorf("failed to look up book: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrBookNotFound, bookID)
	}
	return nil
}

func (s *Service) clock() time.Time {
	return s.now().UTC()
}

// lockRecord loads a record, takes its book lock and re-reads it, so the
// returned status cannot change until the transaction ends.
func lockRecord(ctx context.Context, st Store, id uuid.UUID) (LoanRecord, error) {
	rec, err := st.Get(ctx, id)
	if err != nil {
		return LoanRecord{}, err
	}
	if err := st.LockBook(ctx, rec.BookID); err != nil {
		return LoanRecord{}, err
	}
	return st.Get(ctx, id)
}

func newRecordID() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

func newLoan(userID, bookID uuid.UUID, now, dueAt time.Time) LoanRecord {
	return LoanRecord{
		ID:        newRecordID(),
		BookID:    bookID,
		UserID:    userID,
		Kind:      KindLoan,
		Status:    StatusActive,
		CreatedAt: now,
		DueAt:     timePtr(dueAt),
	}
}
