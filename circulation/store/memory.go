// Package store provides in-memory circulation.TxStore and
// circulation.Catalog implementations for tests and local development.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/warp/circulation-engine/circulation"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps LoanRecords in a map. One mutex serializes every call, and a
// transaction holds it until commit, so LockBook has nothing left to do.
type Memory struct {
	mu      sync.Mutex
	records map[uuid.UUID]circulation.LoanRecord
}

func NewMemory() *Memory {
	return &Memory{records: make(map[uuid.UUID]circulation.LoanRecord)}
}

func (m *Memory) LockBook(ctx context.Context, _ uuid.UUID) error {
	return ctx.Err()
}

func (m *Memory) Insert(_ context.Context, rec circulation.LoanRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertLocked(rec)
}

func (m *Memory) Update(_ context.Context, rec circulation.LoanRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateLocked(rec)
}

func (m *Memory) Get(_ context.Context, id uuid.UUID) (circulation.LoanRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getLocked(id)
}

func (m *Memory) CountHolding(_ context.Context, bookID uuid.UUID) (int, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	onLoan, onHold := m.countHoldingLocked(bookID)
	return onLoan, onHold, nil
}

func (m *Memory) ListQueued(_ context.Context, bookID uuid.UUID) ([]circulation.LoanRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listQueuedLocked(bookID), nil
}

func (m *Memory) OpenReservation(_ context.Context, userID uuid.UUID) (*circulation.LoanRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.openReservationLocked(userID), nil
}

func (m *Memory) ListExpiredHolds(_ context.Context, now time.Time) ([]circulation.LoanRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listExpiredHoldsLocked(now), nil
}

func (m *Memory) ListDueLoans(_ context.Context, cutoff time.Time) ([]circulation.LoanRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listDueLoansLocked(cutoff), nil
}

func (m *Memory) ListUnnotified(_ context.Context) ([]circulation.LoanRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listUnnotifiedLocked(), nil
}

func (m *Memory) ListQueuedBooks(_ context.Context) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listQueuedBooksLocked(), nil
}

func (m *Memory) ListByUser(_ context.Context, userID uuid.UUID) ([]circulation.LoanRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listByUserLocked(userID), nil
}

// All returns every record ordered by creation. Tests use it to check
// invariants across the whole store.
func (m *Memory) All() []circulation.LoanRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.filterLocked(func(circulation.LoanRecord) bool { return true })
}

// =============================================================================
// LOCKED HELPERS - caller holds m.mu
// =============================================================================

func (m *Memory) insertLocked(rec circulation.LoanRecord) error {
	if err := rec.ValidateNew(); err != nil {
		return err
	}
	if _, exists := m.records[rec.ID]; exists {
		return fmt.Errorf("%w: duplicate id %s", circulation.ErrInvalidRecord, rec.ID)
	}
	if rec.IsOpenReservation() {
		if open := m.openReservationLocked(rec.UserID); open != nil {
			return &circulation.ReservationLimitError{UserID: rec.UserID, ExistingID: open.ID}
		}
	}
	m.records[rec.ID] = clone(rec)
	return nil
}

func (m *Memory) updateLocked(rec circulation.LoanRecord) error {
	current, ok := m.records[rec.ID]
	if !ok {
		return fmt.Errorf("%w: %s", circulation.ErrRecordNotFound, rec.ID)
	}
	if err := rec.Validate(); err != nil {
		return err
	}
	if current.Kind != rec.Kind || current.BookID != rec.BookID || current.UserID != rec.UserID {
		return fmt.Errorf("%w: identity fields are immutable", circulation.ErrInvalidRecord)
	}
	if current.Status.IsTerminal() && current.Status != rec.Status {
		return &circulation.InvalidTransitionError{
			RecordID: rec.ID, Kind: rec.Kind, From: current.Status, To: rec.Status,
		}
	}
	m.records[rec.ID] = clone(rec)
	return nil
}

func (m *Memory) getLocked(id uuid.UUID) (circulation.LoanRecord, error) {
	rec, ok := m.records[id]
	if !ok {
		return circulation.LoanRecord{}, fmt.Errorf("%w: %s", circulation.ErrRecordNotFound, id)
	}
	return clone(rec), nil
}

func (m *Memory) countHoldingLocked(bookID uuid.UUID) (onLoan, onHold int) {
	for _, rec := range m.records {
		if rec.BookID != bookID || !rec.HoldsCopy() {
			continue
		}
		if rec.Kind == circulation.KindLoan {
			onLoan++
		} else {
			onHold++
		}
	}
	return onLoan, onHold
}

func (m *Memory) listQueuedLocked(bookID uuid.UUID) []circulation.LoanRecord {
	queue := m.filterLocked(func(r circulation.LoanRecord) bool {
		return r.BookID == bookID && r.Kind == circulation.KindReservation && r.Status == circulation.StatusQueued
	})
	sort.SliceStable(queue, func(i, j int) bool { return circulation.LessQueued(queue[i], queue[j]) })
	return queue
}

func (m *Memory) openReservationLocked(userID uuid.UUID) *circulation.LoanRecord {
	for _, rec := range m.records {
		if rec.UserID == userID && rec.IsOpenReservation() {
			out := clone(rec)
			return &out
		}
	}
	return nil
}

func (m *Memory) listExpiredHoldsLocked(now time.Time) []circulation.LoanRecord {
	return m.filterLocked(func(r circulation.LoanRecord) bool {
		return r.Kind == circulation.KindReservation &&
			r.Status == circulation.StatusAwaitingPickup &&
			r.ExpiresAt != nil && r.ExpiresAt.Before(now)
	})
}

func (m *Memory) listDueLoansLocked(cutoff time.Time) []circulation.LoanRecord {
	return m.filterLocked(func(r circulation.LoanRecord) bool {
		return r.Kind == circulation.KindLoan &&
			r.Status == circulation.StatusActive &&
			r.DueAt != nil && r.DueAt.Before(cutoff)
	})
}

func (m *Memory) listUnnotifiedLocked() []circulation.LoanRecord {
	return m.filterLocked(func(r circulation.LoanRecord) bool {
		return r.Kind == circulation.KindReservation &&
			r.Status == circulation.StatusAwaitingPickup && !r.Notified
	})
}

func (m *Memory) listQueuedBooksLocked() []uuid.UUID {
	seen := make(map[uuid.UUID]bool)
	var books []uuid.UUID
	for _, rec := range m.filterLocked(func(r circulation.LoanRecord) bool {
		return r.Kind == circulation.KindReservation && r.Status == circulation.StatusQueued
	}) {
		if !seen[rec.BookID] {
			seen[rec.BookID] = true
			books = append(books, rec.BookID)
		}
	}
	return books
}

func (m *Memory) listByUserLocked(userID uuid.UUID) []circulation.LoanRecord {
	recs := m.filterLocked(func(r circulation.LoanRecord) bool { return r.UserID == userID })
	// newest first
	for i, j := 0, len(recs)-1; i < j; i, j = i+1, j-1 {
		recs[i], recs[j] = recs[j], recs[i]
	}
	return recs
}

// filterLocked returns matching records ordered by (created_at, id).
func (m *Memory) filterLocked(keep func(circulation.LoanRecord) bool) []circulation.LoanRecord {
	var out []circulation.LoanRecord
	for _, rec := range m.records {
		if keep(rec) {
			out = append(out, clone(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

// clone copies the pointer fields so callers cannot mutate stored state.
func clone(rec circulation.LoanRecord) circulation.LoanRecord {
	if rec.DueAt != nil {
		t := *rec.DueAt
		rec.DueAt = &t
	}
	if rec.ExpiresAt != nil {
		t := *rec.ExpiresAt
		rec.ExpiresAt = &t
	}
	if rec.ReturnedAt != nil {
		t := *rec.ReturnedAt
		rec.ReturnedAt = &t
	}
	if rec.QueuePosition != nil {
		p := *rec.QueuePosition
		rec.QueuePosition = &p
	}
	return rec
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (tm *TxMemory) WithTx(ctx context.Context, fn func(circulation.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	snapshot := make(map[uuid.UUID]circulation.LoanRecord, len(tm.records))
	for id, rec := range tm.records {
		snapshot[id] = rec
	}

	if err := fn(&txMemoryView{parent: tm.Memory}); err != nil {
		tm.records = snapshot
		return err
	}
	return nil
}

// txMemoryView is the Store handed to WithTx callbacks. The parent mutex is
// already held, so it calls the locked helpers directly.
type txMemoryView struct {
	parent *Memory
}

func (tv *txMemoryView) LockBook(ctx context.Context, _ uuid.UUID) error {
	return ctx.Err()
}

func (tv *txMemoryView) Insert(_ context.Context, rec circulation.LoanRecord) error {
	return tv.parent.insertLocked(rec)
}

func (tv *txMemoryView) Update(_ context.Context, rec circulation.LoanRecord) error {
	return tv.parent.updateLocked(rec)
}

func (tv *txMemoryView) Get(_ context.Context, id uuid.UUID) (circulation.LoanRecord, error) {
	return tv.parent.getLocked(id)
}

func (tv *txMemoryView) CountHolding(_ context.Context, bookID uuid.UUID) (int, int, error) {
	onLoan, onHold := tv.parent.countHoldingLocked(bookID)
	return onLoan, onHold, nil
}

func (tv *txMemoryView) ListQueued(_ context.Context, bookID uuid.UUID) ([]circulation.LoanRecord, error) {
	return tv.parent.listQueuedLocked(bookID), nil
}

func (tv *txMemoryView) OpenReservation(_ context.Context, userID uuid.UUID) (*circulation.LoanRecord, error) {
	return tv.parent.openReservationLocked(userID), nil
}

func (tv *txMemoryView) ListExpiredHolds(_ context.Context, now time.Time) ([]circulation.LoanRecord, error) {
	return tv.parent.listExpiredHoldsLocked(now), nil
}

func (tv *txMemoryView) ListDueLoans(_ context.Context, cutoff time.Time) ([]circulation.LoanRecord, error) {
	return tv.parent.listDueLoansLocked(cutoff), nil
}

func (tv *txMemoryView) ListUnnotified(_ context.Context) ([]circulation.LoanRecord, error) {
	return tv.parent.listUnnotifiedLocked(), nil
}

func (tv *txMemoryView) ListQueuedBooks(_ context.Context) ([]uuid.UUID, error) {
	return tv.parent.listQueuedBooksLocked(), nil
}

func (tv *txMemoryView) ListByUser(_ context.Context, userID uuid.UUID) ([]circulation.LoanRecord, error) {
	return tv.parent.listByUserLocked(userID), nil
}

// =============================================================================
// CATALOG
// =============================================================================

// Catalog is an in-memory circulation.Catalog.
type Catalog struct {
	mu     sync.RWMutex
	copies map[uuid.UUID]int
}

func NewCatalog() *Catalog {
	return &Catalog{copies: make(map[uuid.UUID]int)}
}

// SetCopies adds the book or changes its total.
func (c *Catalog) SetCopies(bookID uuid.UUID, total int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.copies[bookID] = total
}

// Remove drops the book from the catalog.
func (c *Catalog) Remove(bookID uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.copies, bookID)
}

func (c *Catalog) TotalCopies(_ context.Context, bookID uuid.UUID) (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n, ok := c.copies[bookID]
	if !ok {
		return 0, fmt.Errorf("%w: %s", circulation.ErrBookNotFound, bookID)
	}
	return n, nil
}

func (c *Catalog) BookExists(_ context.Context, bookID uuid.UUID) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.copies[bookID]
	return ok, nil
}
