package circulation

import (
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// OverdueFine estimates the fine for a loan as of asOf: every started day
// past due_at + OverdueGrace costs DailyFine. Returned loans stop accruing
// at returned_at. Reservations and loans still within their period owe
// nothing. The value is for display; no charge is recorded.
func OverdueFine(rec LoanRecord, policy Policy, asOf time.Time) decimal.Decimal {
	if rec.Kind != KindLoan || rec.DueAt == nil {
		return decimal.Zero
	}

	end := asOf
	if rec.ReturnedAt != nil {
		end = *rec.ReturnedAt
	}

	late := end.Sub(rec.DueAt.Add(policy.OverdueGrace))
	if late <= 0 {
		return decimal.Zero
	}

	days := int64(math.Ceil(late.Hours() / 24))
	return policy.DailyFine.Mul(decimal.NewFromInt(days))
}
