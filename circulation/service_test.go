package circulation_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/circulation-engine/circulation"
	"github.com/warp/circulation-engine/circulation/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

type harness struct {
	ctx      context.Context
	store    *store.TxMemory
	catalog  *store.Catalog
	notifier *recordingNotifier
	svc      *circulation.Service

	mu    sync.Mutex
	now   time.Time
	books []uuid.UUID
}

func newHarness(t *testing.T, opts ...circulation.Option) *harness {
	t.Helper()
	h := &harness{
		ctx:      context.Background(),
		store:    store.NewTxMemory(),
		catalog:  store.NewCatalog(),
		notifier: &recordingNotifier{},
		now:      time.Date(2025, time.March, 1, 10, 0, 0, 0, time.UTC),
	}
	h.svc = h.newService(t, h.store, opts...)
	return h
}

func (h *harness) newService(t *testing.T, st circulation.TxStore, opts ...circulation.Option) *circulation.Service {
	t.Helper()
	base := []circulation.Option{
		circulation.WithClock(h.clock),
		circulation.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		circulation.WithNotifier(h.notifier, 8),
		circulation.WithRetry(circulation.RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond}),
	}
	svc, err := circulation.NewService(st, h.catalog, append(base, opts...)...)
	require.NoError(t, err)
	return svc
}

func (h *harness) clock() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.now
}

func (h *harness) advance(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.now = h.now.Add(d)
}

func (h *harness) addBook(copies int) uuid.UUID {
	id := uuid.New()
	h.catalog.SetCopies(id, copies)
	h.books = append(h.books, id)
	return id
}

func (h *harness) pickupBy() time.Time {
	return h.clock().Add(48 * time.Hour)
}

func (h *harness) reserve(t *testing.T, bookID uuid.UUID) circulation.LoanRecord {
	t.Helper()
	rec, err := h.svc.CreateReservation(h.ctx, uuid.New(), bookID, h.pickupBy())
	require.NoError(t, err)
	return rec
}

func (h *harness) lend(t *testing.T, bookID uuid.UUID) circulation.LoanRecord {
	t.Helper()
	rec, err := h.svc.CreateLoan(h.ctx, uuid.New(), bookID, time.Time{})
	require.NoError(t, err)
	return rec
}

func (h *harness) get(t *testing.T, id uuid.UUID) circulation.LoanRecord {
	t.Helper()
	rec, err := h.svc.Get(h.ctx, id)
	require.NoError(t, err)
	return rec
}

func (h *harness) available(t *testing.T, bookID uuid.UUID) int {
	t.Helper()
	n, err := h.svc.AvailableCopies(h.ctx, bookID)
	require.NoError(t, err)
	return n
}

// checkInvariants asserts the cross-record invariants over the whole store.
func (h *harness) checkInvariants(t *testing.T) {
	t.Helper()
	all := h.store.All()

	openByUser := make(map[uuid.UUID]int)
	for _, rec := range all {
		if rec.IsOpenReservation() {
			openByUser[rec.UserID]++
		}
	}
	for user, n := range openByUser {
		assert.LessOrEqual(t, n, 1, "user %s holds %d open reservations", user, n)
	}

	for _, bookID := range h.books {
		total, err := h.catalog.TotalCopies(h.ctx, bookID)
		require.NoError(t, err)

		holding := 0
		var positions []int
		for _, rec := range all {
			if rec.BookID != bookID {
				continue
			}
			if rec.HoldsCopy() {
				holding++
			}
			if rec.Status == circulation.StatusQueued {
				positions = append(positions, *rec.QueuePosition)
			}
		}
		assert.LessOrEqual(t, holding, total, "book %s has more copies out than exist", bookID)

		queue, err := h.svc.Queue(h.ctx, bookID)
		require.NoError(t, err)
		require.Len(t, queue, len(positions))
		for i, rec := range queue {
			assert.Equal(t, i+1, *rec.QueuePosition, "queue of book %s is not dense", bookID)
		}
	}
}

type notification struct {
	UserID    uuid.UUID
	BookID    uuid.UUID
	ExpiresAt time.Time
}

type recordingNotifier struct {
	mu    sync.Mutex
	sent  []notification
	fail  bool
	tries int
}

func (n *recordingNotifier) NotifyReservationAvailable(_ context.Context, userID, bookID uuid.UUID, expiresAt time.Time) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.tries++
	if n.fail {
		return errors.New("mail server down")
	}
	n.sent = append(n.sent, notification{UserID: userID, BookID: bookID, ExpiresAt: expiresAt})
	return nil
}

func (n *recordingNotifier) setFailing(fail bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.fail = fail
}

func (n *recordingNotifier) sentTo() []uuid.UUID {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []uuid.UUID
	for _, s := range n.sent {
		out = append(out, s.UserID)
	}
	return out
}

// =============================================================================
// LOANS
// =============================================================================

func TestCreateLoan_ClaimsCopy(t *testing.T) {
	h := newHarness(t)
	book := h.addBook(2)

	loan := h.lend(t, book)

	assert.Equal(t, circulation.KindLoan, loan.Kind)
	assert.Equal(t, circulation.StatusActive, loan.Status)
	require.NotNil(t, loan.DueAt)
	assert.Equal(t, h.clock().Add(14*24*time.Hour), *loan.DueAt)
	assert.Equal(t, 1, h.available(t, book))
	h.checkInvariants(t)
}

func TestCreateLoan_OutOfStock(t *testing.T) {
	h := newHarness(t)
	book := h.addBook(1)
	h.lend(t, book)

	_, err := h.svc.CreateLoan(h.ctx, uuid.New(), book, time.Time{})

	require.ErrorIs(t, err, circulation.ErrOutOfStock)
	var oos *circulation.OutOfStockError
	require.ErrorAs(t, err, &oos)
	assert.Equal(t, 1, oos.TotalCopies)
	assert.Equal(t, 1, oos.OnLoan)
	assert.True(t, circulation.IsClientError(err))
}

func TestCreateLoan_RejectsPastDueDateAndUnknownBook(t *testing.T) {
	h := newHarness(t)
	book := h.addBook(1)

	_, err := h.svc.CreateLoan(h.ctx, uuid.New(), book, h.clock().Add(-time.Hour))
	assert.ErrorIs(t, err, circulation.ErrInvalidRequest)

	_, err = h.svc.CreateLoan(h.ctx, uuid.New(), uuid.New(), time.Time{})
	assert.ErrorIs(t, err, circulation.ErrBookNotFound)
	assert.True(t, circulation.IsNotFound(err))
}

func TestReturnLoan_TwiceIsInvalidTransition(t *testing.T) {
	h := newHarness(t)
	book := h.addBook(1)
	loan := h.lend(t, book)

	returned, err := h.svc.ReturnLoan(h.ctx, loan.ID)
	require.NoError(t, err)
	assert.Equal(t, circulation.StatusReturned, returned.Status)
	require.NotNil(t, returned.ReturnedAt)
	assert.Equal(t, 1, h.available(t, book))

	_, err = h.svc.ReturnLoan(h.ctx, loan.ID)
	var te *circulation.InvalidTransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, circulation.StatusReturned, te.From)
}

func TestReturnLoan_UnknownRecord(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.ReturnLoan(h.ctx, uuid.New())

	assert.ErrorIs(t, err, circulation.ErrRecordNotFound)
}

func TestReturnLoan_OnReservationIsInvalidTransition(t *testing.T) {
	h := newHarness(t)
	book := h.addBook(1)
	res := h.reserve(t, book)

	_, err := h.svc.ReturnLoan(h.ctx, res.ID)

	assert.ErrorIs(t, err, circulation.ErrInvalidTransition)
}

// =============================================================================
// SCENARIOS
// =============================================================================

func TestScenarioA_ReturnPromotesQueuedReservation(t *testing.T) {
	// GIVEN: 2 copies, both on active loans
	// WHEN: User A reserves, then one loan is returned
	// THEN: A is queued at 1, then awaiting pickup; availability stays 0

	h := newHarness(t)
	book := h.addBook(2)
	loan1 := h.lend(t, book)
	h.lend(t, book)
	require.Equal(t, 0, h.available(t, book))

	userA := uuid.New()
	res, err := h.svc.CreateReservation(h.ctx, userA, book, h.pickupBy())
	require.NoError(t, err)
	assert.Equal(t, circulation.StatusQueued, res.Status)
	require.NotNil(t, res.QueuePosition)
	assert.Equal(t, 1, *res.QueuePosition)

	h.advance(time.Hour)
	_, err = h.svc.ReturnLoan(h.ctx, loan1.ID)
	require.NoError(t, err)

	promoted := h.get(t, res.ID)
	assert.Equal(t, circulation.StatusAwaitingPickup, promoted.Status)
	assert.Nil(t, promoted.QueuePosition)
	require.NotNil(t, promoted.ExpiresAt)
	assert.Equal(t, h.clock().Add(3*24*time.Hour), *promoted.ExpiresAt)
	assert.Equal(t, 0, h.available(t, book))

	h.svc.WaitForNotifications()
	assert.Equal(t, []uuid.UUID{userA}, h.notifier.sentTo())
	assert.True(t, h.get(t, res.ID).Notified)
	h.checkInvariants(t)
}

func TestScenarioB_SecondReservationExceedsLimit(t *testing.T) {
	// GIVEN: User holds a queued reservation for book X
	// WHEN: The same user reserves book Y
	// THEN: ReservationLimitExceeded

	h := newHarness(t)
	bookX := h.addBook(1)
	bookY := h.addBook(5)
	h.lend(t, bookX)

	user := uuid.New()
	first, err := h.svc.CreateReservation(h.ctx, user, bookX, h.pickupBy())
	require.NoError(t, err)
	require.Equal(t, circulation.StatusQueued, first.Status)

	_, err = h.svc.CreateReservation(h.ctx, user, bookY, h.pickupBy())

	require.ErrorIs(t, err, circulation.ErrReservationLimitExceeded)
	var le *circulation.ReservationLimitError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, first.ID, le.ExistingID)
	assert.Equal(t, 5, h.available(t, bookY))
}

func TestScenarioC_SweepExpiresHoldAndPromotesNext(t *testing.T) {
	// GIVEN: 1 copy held for U1, U2 queued behind
	// WHEN: The hold expires and the sweeper runs
	// THEN: U1 expired, U2 awaiting pickup in the same pass

	h := newHarness(t)
	book := h.addBook(1)
	held := h.reserve(t, book)
	require.Equal(t, circulation.StatusAwaitingPickup, held.Status)
	queued := h.reserve(t, book)
	require.Equal(t, circulation.StatusQueued, queued.Status)

	h.advance(3*24*time.Hour + time.Minute)
	result, err := h.svc.Sweep(h.ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Expired)
	assert.Equal(t, 1, result.Promoted)
	assert.Zero(t, result.Failed)
	assert.Equal(t, circulation.StatusExpired, h.get(t, held.ID).Status)
	assert.Equal(t, circulation.StatusAwaitingPickup, h.get(t, queued.ID).Status)
	assert.Equal(t, 0, h.available(t, book))
	h.checkInvariants(t)
}

func TestScenarioD_CancelMiddleOfQueueCompacts(t *testing.T) {
	// GIVEN: 3 queued reservations on a book with no free copy
	// WHEN: Position 2 cancels
	// THEN: Position 3 becomes 2, position 1 is unaffected

	h := newHarness(t)
	book := h.addBook(1)
	h.lend(t, book)

	users := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	var recs []circulation.LoanRecord
	for _, u := range users {
		h.advance(time.Second)
		rec, err := h.svc.CreateReservation(h.ctx, u, book, h.pickupBy())
		require.NoError(t, err)
		recs = append(recs, rec)
	}

	cancelled, err := h.svc.CancelReservation(h.ctx, users[1], recs[1].ID)
	require.NoError(t, err)
	assert.Equal(t, circulation.StatusCancelled, cancelled.Status)
	assert.Nil(t, cancelled.QueuePosition)

	assert.Equal(t, 1, *h.get(t, recs[0].ID).QueuePosition)
	assert.Equal(t, 2, *h.get(t, recs[2].ID).QueuePosition)
	h.checkInvariants(t)
}

// =============================================================================
// ADMISSION
// =============================================================================

func TestCreateReservation_ImmediateHold(t *testing.T) {
	h := newHarness(t)
	book := h.addBook(1)

	res := h.reserve(t, book)

	assert.Equal(t, circulation.StatusAwaitingPickup, res.Status)
	assert.Nil(t, res.QueuePosition)
	require.NotNil(t, res.ExpiresAt)
	assert.Equal(t, h.clock().Add(3*24*time.Hour), *res.ExpiresAt)
	assert.True(t, res.Notified)
	assert.Equal(t, 0, h.available(t, book))
}

func TestCreateReservation_RejectsPastPickupWindow(t *testing.T) {
	h := newHarness(t)
	book := h.addBook(1)

	_, err := h.svc.CreateReservation(h.ctx, uuid.New(), book, h.clock())

	assert.ErrorIs(t, err, circulation.ErrInvalidRequest)
}

func TestCreateReservation_UnknownBook(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.CreateReservation(h.ctx, uuid.New(), uuid.New(), h.pickupBy())

	assert.ErrorIs(t, err, circulation.ErrBookNotFound)
}

func TestCreateReservation_AllowedAgainAfterTerminal(t *testing.T) {
	h := newHarness(t)
	book := h.addBook(1)
	user := uuid.New()

	first, err := h.svc.CreateReservation(h.ctx, user, book, h.pickupBy())
	require.NoError(t, err)
	_, err = h.svc.CancelReservation(h.ctx, user, first.ID)
	require.NoError(t, err)

	second, err := h.svc.CreateReservation(h.ctx, user, book, h.pickupBy())
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestCreateReservation_ConcurrentRequestsForLastCopy(t *testing.T) {
	// GIVEN: 1 copy, 10 readers reserving at once
	// THEN: exactly one hold, the rest queued densely

	h := newHarness(t)
	book := h.addBook(1)

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.svc.CreateReservation(h.ctx, uuid.New(), book, h.pickupBy())
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	holds := 0
	for _, rec := range h.store.All() {
		if rec.Status == circulation.StatusAwaitingPickup {
			holds++
		}
	}
	assert.Equal(t, 1, holds)
	queue, err := h.svc.Queue(h.ctx, book)
	require.NoError(t, err)
	assert.Len(t, queue, 9)
	h.checkInvariants(t)
}

func TestCreateReservation_NewcomerDoesNotJumpQueue(t *testing.T) {
	// GIVEN: a queued reader and a catalog total raised behind the engine's back
	// WHEN: a new reader reserves
	// THEN: the waiting reader gets the new copy first

	h := newHarness(t)
	book := h.addBook(1)
	h.lend(t, book)
	waiting := h.reserve(t, book)

	h.catalog.SetCopies(book, 2)
	newcomer := h.reserve(t, book)

	assert.Equal(t, circulation.StatusAwaitingPickup, h.get(t, waiting.ID).Status)
	assert.Equal(t, circulation.StatusQueued, newcomer.Status)
	assert.Equal(t, 1, *newcomer.QueuePosition)
	h.checkInvariants(t)
}

// =============================================================================
// CANCELLATION
// =============================================================================

func TestCancelReservation_AwaitingPickupPromotesNext(t *testing.T) {
	h := newHarness(t)
	book := h.addBook(1)
	owner := uuid.New()
	held, err := h.svc.CreateReservation(h.ctx, owner, book, h.pickupBy())
	require.NoError(t, err)
	first := h.reserve(t, book)
	second := h.reserve(t, book)

	_, err = h.svc.CancelReservation(h.ctx, owner, held.ID)
	require.NoError(t, err)

	assert.Equal(t, circulation.StatusAwaitingPickup, h.get(t, first.ID).Status)
	assert.Equal(t, 1, *h.get(t, second.ID).QueuePosition)
	h.checkInvariants(t)
}

func TestCancelReservation_NotOwnerIsNotFound(t *testing.T) {
	h := newHarness(t)
	book := h.addBook(1)
	res := h.reserve(t, book)

	_, err := h.svc.CancelReservation(h.ctx, uuid.New(), res.ID)

	assert.ErrorIs(t, err, circulation.ErrRecordNotFound)
	assert.Equal(t, circulation.StatusAwaitingPickup, h.get(t, res.ID).Status)
}

func TestCancelReservation_CompletedIsInvalidTransition(t *testing.T) {
	h := newHarness(t)
	book := h.addBook(1)
	owner := uuid.New()
	res, err := h.svc.CreateReservation(h.ctx, owner, book, h.pickupBy())
	require.NoError(t, err)
	_, err = h.svc.MarkPickedUp(h.ctx, res.ID)
	require.NoError(t, err)

	_, err = h.svc.CancelReservation(h.ctx, owner, res.ID)

	assert.ErrorIs(t, err, circulation.ErrInvalidTransition)
}

// =============================================================================
// PICKUP
// =============================================================================

func TestCheckout_TransfersHeldCopyToLoan(t *testing.T) {
	h := newHarness(t)
	book := h.addBook(1)
	owner := uuid.New()
	res, err := h.svc.CreateReservation(h.ctx, owner, book, h.pickupBy())
	require.NoError(t, err)
	waiting := h.reserve(t, book)

	completed, loan, err := h.svc.Checkout(h.ctx, res.ID, time.Time{})
	require.NoError(t, err)

	assert.Equal(t, circulation.StatusCompleted, completed.Status)
	assert.Equal(t, circulation.StatusActive, loan.Status)
	assert.Equal(t, owner, loan.UserID)
	assert.Equal(t, 0, h.available(t, book))
	assert.Equal(t, circulation.StatusQueued, h.get(t, waiting.ID).Status)
	h.checkInvariants(t)
}

func TestCheckout_QueuedReservationIsInvalidTransition(t *testing.T) {
	h := newHarness(t)
	book := h.addBook(1)
	h.lend(t, book)
	queued := h.reserve(t, book)

	_, _, err := h.svc.Checkout(h.ctx, queued.ID, time.Time{})

	assert.ErrorIs(t, err, circulation.ErrInvalidTransition)
	assert.Equal(t, circulation.StatusQueued, h.get(t, queued.ID).Status)
}

func TestMarkPickedUp_ReconcileHandsFreedCopyToQueue(t *testing.T) {
	// GIVEN: a hold completed without a loan being recorded
	// WHEN: the sweeper runs
	// THEN: the queue head is promoted onto the freed copy

	h := newHarness(t)
	book := h.addBook(1)
	held := h.reserve(t, book)
	waiting := h.reserve(t, book)

	_, err := h.svc.MarkPickedUp(h.ctx, held.ID)
	require.NoError(t, err)
	assert.Equal(t, circulation.StatusQueued, h.get(t, waiting.ID).Status)

	result, err := h.svc.Sweep(h.ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Promoted)
	assert.Equal(t, circulation.StatusAwaitingPickup, h.get(t, waiting.ID).Status)
	h.checkInvariants(t)
}

// =============================================================================
// PROMOTION
// =============================================================================

func TestPromotion_FIFO(t *testing.T) {
	// GIVEN: R1 queued before R2
	// WHEN: one copy is released
	// THEN: R1 is promoted, R2 moves to position 1

	h := newHarness(t)
	book := h.addBook(1)
	loan := h.lend(t, book)
	r1 := h.reserve(t, book)
	h.advance(time.Second)
	r2 := h.reserve(t, book)

	_, err := h.svc.ReturnLoan(h.ctx, loan.ID)
	require.NoError(t, err)

	assert.Equal(t, circulation.StatusAwaitingPickup, h.get(t, r1.ID).Status)
	got := h.get(t, r2.ID)
	assert.Equal(t, circulation.StatusQueued, got.Status)
	assert.Equal(t, 1, *got.QueuePosition)
}

func TestPromotion_ReleaseWithEmptyQueueFreesCopy(t *testing.T) {
	h := newHarness(t)
	book := h.addBook(1)
	loan := h.lend(t, book)

	_, err := h.svc.ReturnLoan(h.ctx, loan.ID)
	require.NoError(t, err)

	assert.Equal(t, 1, h.available(t, book))
	h.svc.WaitForNotifications()
	assert.Empty(t, h.notifier.sentTo())
}

func TestPromotion_NotificationFailureKeepsPromotion(t *testing.T) {
	// GIVEN: the notification service is down
	// WHEN: a copy is released to a queued reader
	// THEN: the promotion sticks, notified stays false, the next sweep retries

	h := newHarness(t)
	book := h.addBook(1)
	loan := h.lend(t, book)
	res := h.reserve(t, book)
	h.notifier.setFailing(true)

	_, err := h.svc.ReturnLoan(h.ctx, loan.ID)
	require.NoError(t, err)
	h.svc.WaitForNotifications()

	got := h.get(t, res.ID)
	assert.Equal(t, circulation.StatusAwaitingPickup, got.Status)
	assert.False(t, got.Notified)

	h.notifier.setFailing(false)
	result, err := h.svc.Sweep(h.ctx)
	require.NoError(t, err)
	h.svc.WaitForNotifications()

	assert.Equal(t, 1, result.Notified)
	assert.True(t, h.get(t, res.ID).Notified)
	assert.Len(t, h.notifier.sentTo(), 1)
}

// staleListStore answers ListUnnotified with a listing taken earlier.
type staleListStore struct {
	*store.TxMemory
	listed []circulation.LoanRecord
}

func (s *staleListStore) ListUnnotified(context.Context) ([]circulation.LoanRecord, error) {
	return s.listed, nil
}

func TestSweep_StaleListingDoesNotNotifyTwice(t *testing.T) {
	// GIVEN: a hold that was notified after another sweeper listed it
	// WHEN: that sweeper dispatches from its old listing
	// THEN: the reader is not notified a second time

	h := newHarness(t)
	book := h.addBook(1)
	loan := h.lend(t, book)
	res := h.reserve(t, book)
	_, err := h.svc.ReturnLoan(h.ctx, loan.ID)
	require.NoError(t, err)
	h.svc.WaitForNotifications()

	stale := h.get(t, res.ID)
	require.True(t, stale.Notified)
	stale.Notified = false

	other := h.newService(t, &staleListStore{TxMemory: h.store, listed: []circulation.LoanRecord{stale}})
	_, err = other.Sweep(h.ctx)
	require.NoError(t, err)
	other.WaitForNotifications()

	h.notifier.mu.Lock()
	defer h.notifier.mu.Unlock()
	assert.Equal(t, 1, h.notifier.tries)
	assert.Len(t, h.notifier.sent, 1)
}

// =============================================================================
// RETRY
// =============================================================================

// flakyStore fails the first n transactions with a conflict.
type flakyStore struct {
	*store.TxMemory
	remaining atomic.Int32
}

func (f *flakyStore) WithTx(ctx context.Context, fn func(circulation.Store) error) error {
	if f.remaining.Add(-1) >= 0 {
		return circulation.ErrTransactionConflict
	}
	return f.TxMemory.WithTx(ctx, fn)
}

func TestService_RetriesTransactionConflicts(t *testing.T) {
	h := newHarness(t)
	book := h.addBook(1)
	flaky := &flakyStore{TxMemory: h.store}
	flaky.remaining.Store(2)
	svc := h.newService(t, flaky)

	_, err := svc.CreateLoan(h.ctx, uuid.New(), book, time.Time{})

	require.NoError(t, err)
	assert.Equal(t, 0, h.available(t, book))
}

func TestService_SurfacesPersistentConflict(t *testing.T) {
	h := newHarness(t)
	book := h.addBook(1)
	flaky := &flakyStore{TxMemory: h.store}
	flaky.remaining.Store(10)
	svc := h.newService(t, flaky)

	_, err := svc.CreateLoan(h.ctx, uuid.New(), book, time.Time{})

	require.Error(t, err)
	assert.True(t, circulation.IsRetryable(err))
	assert.Equal(t, 1, h.available(t, book))
}

// =============================================================================
// OPTIONS
// =============================================================================

func TestNewService_RejectsInvalidOptions(t *testing.T) {
	st := store.NewTxMemory()
	cat := store.NewCatalog()

	_, err := circulation.NewService(nil, cat)
	assert.Error(t, err)

	_, err = circulation.NewService(st, cat, circulation.WithSweepConcurrency(0))
	assert.Error(t, err)

	_, err = circulation.NewService(st, cat, circulation.WithRetry(circulation.RetryConfig{MaxAttempts: 0}))
	assert.ErrorIs(t, err, circulation.ErrInvalidMaxAttempts)

	bad := circulation.DefaultPolicy()
	bad.PickupWindow = 0
	_, err = circulation.NewService(st, cat, circulation.WithPolicy(bad))
	assert.ErrorIs(t, err, circulation.ErrInvalidRequest)
}

func TestListForUser_NewestFirst(t *testing.T) {
	h := newHarness(t)
	book := h.addBook(2)
	user := uuid.New()

	loan, err := h.svc.CreateLoan(h.ctx, user, book, time.Time{})
	require.NoError(t, err)
	h.advance(time.Minute)
	res, err := h.svc.CreateReservation(h.ctx, user, book, h.pickupBy())
	require.NoError(t, err)

	recs, err := h.svc.ListForUser(h.ctx, user)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, res.ID, recs[0].ID)
	assert.Equal(t, loan.ID, recs[1].ID)
}
