/*
ledger.go - Copy Ledger

PURPOSE:
  Answers "is a copy of book X available right now" and gates every claim
  on that answer. There is no stored counter: availability is computed from
  the catalog's total and a live aggregate over LoanRecords each time.

    available = total_copies
              - loans out (active + overdue)
              - reservations awaiting pickup

CLAIMING:
  A claim is only a check. The record inserted right after it in the same
  transaction (an active loan or an awaiting-pickup reservation) is what
  actually consumes the copy. Callers must hold the book lock.

RELEASING:
  A copy is released by moving a record out of a holding status. The caller
  then runs queue promotion (promotion.go) in the same transaction.
*/
package circulation

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Availability is the ledger state of one book at one instant.
type Availability struct {
	BookID      uuid.UUID
	TotalCopies int
	OnLoan      int
	OnHold      int
}

// Available returns the number of claimable copies, never below zero.
// It can only drop under zero if the catalog total was lowered while copies
// were out.
func (a Availability) Available() int {
	n := a.TotalCopies - a.OnLoan - a.OnHold
	if n < 0 {
		return 0
	}
	return n
}

// CopyLedger derives copy availability from the catalog and the store.
type CopyLedger struct {
	Catalog Catalog
}

func NewCopyLedger(catalog Catalog) *CopyLedger {
	return &CopyLedger{Catalog: catalog}
}

// CatalogFor returns the catalog to consult inside st. Stores that keep the
// books table next to the records implement Catalog themselves, so totals
// are read in the same transaction and on the same connection.
func (l *CopyLedger) CatalogFor(st Store) Catalog {
	if c, ok := st.(Catalog); ok {
		return c
	}
	return l.Catalog
}

// Availability computes the current ledger state for a book.
func (l *CopyLedger) Availability(ctx context.Context, st Store, bookID uuid.UUID) (Availability, error) {
	total, err := l.CatalogFor(st).TotalCopies(ctx, bookID)
	if err != nil {
		return Availability{}, err
	}

	onLoan, onHold, err := st.CountHolding(ctx, bookID)
	if err != nil {
		return Availability{}, fmt.Errorf("failed to count holdings: %w", err)
	}

	return Availability{
		BookID:      bookID,
		TotalCopies: total,
		OnLoan:      onLoan,
		OnHold:      onHold,
	}, nil
}

// TryClaimCopy succeeds only if at least one copy is available. It returns
// an *OutOfStockError otherwise. The caller must hold the book lock and
// insert the consuming record before committing.
func (l *CopyLedger) TryClaimCopy(ctx context.Context, st Store, bookID uuid.UUID) error {
	avail, err := l.Availability(ctx, st, bookID)
	if err != nil {
		return err
	}
	if avail.Available() <= 0 {
		return &OutOfStockError{
			BookID:      bookID,
			TotalCopies: avail.TotalCopies,
			OnLoan:      avail.OnLoan,
			OnHold:      avail.OnHold,
		}
	}
	return nil
}
