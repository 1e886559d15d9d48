/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the circulation model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

TYPES:
  Records:      RecordDTO
  Books:        AvailabilityDTO, QueueDTO
  Requests:     CreateReservationRequest, CreateLoanRequest, CheckoutRequest

VALIDATION:
  Validation is done in handlers and the engine. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/warp/circulation-engine/circulation"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// =============================================================================
// REQUEST/RESPONSE TYPES
// =============================================================================

// RecordDTO represents a loan or reservation in API responses.
type RecordDTO struct {
	ID            string  `json:"id"`
	BookID        string  `json:"book_id"`
	UserID        string  `json:"user_id"`
	Kind          string  `json:"kind"`
	Status        string  `json:"status"`
	CreatedAt     string  `json:"created_at"`
	DueAt         *string `json:"due_at,omitempty"`
	ExpiresAt     *string `json:"expires_at,omitempty"`
	ReturnedAt    *string `json:"returned_at,omitempty"`
	QueuePosition *int    `json:"queue_position,omitempty"`
	Notified      bool    `json:"notified"`
	Fine          string  `json:"fine,omitempty"` // overdue loans only
}

// AvailabilityDTO is the ledger breakdown of a book.
type AvailabilityDTO struct {
	BookID      string `json:"book_id"`
	TotalCopies int    `json:"total_copies"`
	OnLoan      int    `json:"on_loan"`
	OnHold      int    `json:"on_hold"`
	Available   int    `json:"available"`
}

// QueueDTO lists the queued reservations of a book in promotion order.
type QueueDTO struct {
	BookID  string      `json:"book_id"`
	Entries []RecordDTO `json:"entries"`
}

// CreateReservationRequest is the request to reserve a book.
type CreateReservationRequest struct {
	BookID   string `json:"book_id"`
	PickupBy string `json:"pickup_by"` // RFC3339, must be in the future
}

// CreateLoanRequest is the staff request to lend a copy.
type CreateLoanRequest struct {
	UserID string `json:"user_id"`
	BookID string `json:"book_id"`
	DueAt  string `json:"due_at,omitempty"` // RFC3339, defaults to the loan period
}

// CheckoutRequest hands a held copy over as a loan.
type CheckoutRequest struct {
	DueAt string `json:"due_at,omitempty"`
}

// CheckoutDTO is the response of a checkout.
type CheckoutDTO struct {
	Reservation RecordDTO `json:"reservation"`
	Loan        RecordDTO `json:"loan"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION
// =============================================================================

func toRecordDTO(rec circulation.LoanRecord) RecordDTO {
	return RecordDTO{
		ID:            rec.ID.String(),
		BookID:        rec.BookID.String(),
		UserID:        rec.UserID.String(),
		Kind:          string(rec.Kind),
		Status:        string(rec.Status),
		CreatedAt:     rec.CreatedAt.Format(time.RFC3339),
		DueAt:         formatTimePtr(rec.DueAt),
		ExpiresAt:     formatTimePtr(rec.ExpiresAt),
		ReturnedAt:    formatTimePtr(rec.ReturnedAt),
		QueuePosition: rec.QueuePosition,
		Notified:      rec.Notified,
	}
}

func toRecordDTOs(recs []circulation.LoanRecord) []RecordDTO {
	dtos := make([]RecordDTO, 0, len(recs))
	for _, rec := range recs {
		dtos = append(dtos, toRecordDTO(rec))
	}
	return dtos
}

func toAvailabilityDTO(a circulation.Availability) AvailabilityDTO {
	return AvailabilityDTO{
		BookID:      a.BookID.String(),
		TotalCopies: a.TotalCopies,
		OnLoan:      a.OnLoan,
		OnHold:      a.OnHold,
		Available:   a.Available(),
	}
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339)
	return &s
}

// parseOptionalTime parses an RFC3339 timestamp; empty means zero.
func parseOptionalTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data) //nolint:errcheck // client went away
}

func decodeJSON(r *http.Request, dst any) error {
	return json.NewDecoder(r.Body).Decode(dst)
}
