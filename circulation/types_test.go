package circulation

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		kind     Kind
		from, to Status
		want     bool
	}{
		{KindReservation, StatusQueued, StatusAwaitingPickup, true},
		{KindReservation, StatusQueued, StatusCancelled, true},
		{KindReservation, StatusAwaitingPickup, StatusCompleted, true},
		{KindReservation, StatusAwaitingPickup, StatusCancelled, true},
		{KindReservation, StatusAwaitingPickup, StatusExpired, true},
		{KindReservation, StatusQueued, StatusCompleted, false},
		{KindReservation, StatusQueued, StatusExpired, false},
		{KindReservation, StatusAwaitingPickup, StatusQueued, false},
		{KindLoan, StatusActive, StatusOverdue, true},
		{KindLoan, StatusActive, StatusReturned, true},
		{KindLoan, StatusOverdue, StatusReturned, true},
		{KindLoan, StatusOverdue, StatusActive, false},
		{KindLoan, StatusActive, StatusCancelled, false},
		{KindReservation, StatusActive, StatusReturned, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind)+"/"+string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.kind, tt.from, tt.to))
		})
	}
}

func TestTerminalStatusesAreFinal(t *testing.T) {
	for _, k := range []Kind{KindLoan, KindReservation} {
		for _, from := range statusesByKind[k] {
			if !from.IsTerminal() {
				continue
			}
			for _, to := range statusesByKind[k] {
				assert.False(t, CanTransition(k, from, to), "%s %s -> %s", k, from, to)
			}
		}
	}
}

func TestTransitionTo_LeavesRecordUnchangedOnError(t *testing.T) {
	rec := LoanRecord{ID: uuid.New(), Kind: KindLoan, Status: StatusReturned}

	err := rec.TransitionTo(StatusActive)

	var te *InvalidTransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, StatusReturned, te.From)
	assert.Equal(t, StatusActive, te.To)
	assert.Equal(t, StatusReturned, rec.Status)
}

func TestValidate(t *testing.T) {
	now := time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC)
	base := LoanRecord{ID: uuid.New(), BookID: uuid.New(), UserID: uuid.New(), CreatedAt: now}

	loan := base
	loan.Kind, loan.Status, loan.DueAt = KindLoan, StatusActive, timePtr(now.Add(time.Hour))
	assert.NoError(t, loan.ValidateNew())

	queued := base
	queued.Kind, queued.Status, queued.QueuePosition = KindReservation, StatusQueued, intPtr(1)
	assert.NoError(t, queued.ValidateNew())

	tests := map[string]func(r *LoanRecord){
		"loan without due date":      func(r *LoanRecord) { *r = loan; r.DueAt = nil },
		"loan with queue position":   func(r *LoanRecord) { *r = loan; r.QueuePosition = intPtr(1) },
		"returned without timestamp": func(r *LoanRecord) { *r = loan; r.Status = StatusReturned },
		"queued without position":    func(r *LoanRecord) { *r = queued; r.QueuePosition = nil },
		"position zero":              func(r *LoanRecord) { *r = queued; r.QueuePosition = intPtr(0) },
		"hold without expiry":        func(r *LoanRecord) { *r = queued; r.Status = StatusAwaitingPickup; r.QueuePosition = nil },
		"loan status on reservation": func(r *LoanRecord) { *r = queued; r.Status = StatusActive },
		"missing user":               func(r *LoanRecord) { *r = loan; r.UserID = uuid.Nil },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			var r LoanRecord
			mutate(&r)
			assert.ErrorIs(t, r.Validate(), ErrInvalidRecord)
		})
	}

	overdue := loan
	overdue.Status = StatusOverdue
	assert.NoError(t, overdue.Validate())
	assert.ErrorIs(t, overdue.ValidateNew(), ErrInvalidRecord)
}

func TestLessQueued_TieBreaks(t *testing.T) {
	t0 := time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC)
	a := LoanRecord{ID: uuid.MustParse("00000000-0000-0000-0000-000000000001"), QueuePosition: intPtr(1), CreatedAt: t0}
	b := LoanRecord{ID: uuid.MustParse("00000000-0000-0000-0000-000000000002"), QueuePosition: intPtr(1), CreatedAt: t0}
	c := LoanRecord{ID: uuid.MustParse("00000000-0000-0000-0000-000000000000"), QueuePosition: intPtr(1), CreatedAt: t0.Add(time.Second)}
	d := LoanRecord{ID: uuid.New(), QueuePosition: intPtr(2), CreatedAt: t0.Add(-time.Hour)}

	assert.True(t, LessQueued(a, b))
	assert.True(t, LessQueued(b, c))
	assert.True(t, LessQueued(c, d))
	assert.False(t, LessQueued(d, a))
}

func TestHoldsCopy(t *testing.T) {
	assert.True(t, LoanRecord{Kind: KindLoan, Status: StatusActive}.HoldsCopy())
	assert.True(t, LoanRecord{Kind: KindLoan, Status: StatusOverdue}.HoldsCopy())
	assert.False(t, LoanRecord{Kind: KindLoan, Status: StatusReturned}.HoldsCopy())
	assert.True(t, LoanRecord{Kind: KindReservation, Status: StatusAwaitingPickup}.HoldsCopy())
	assert.False(t, LoanRecord{Kind: KindReservation, Status: StatusQueued}.HoldsCopy())
}
