/*
handlers.go - HTTP API handlers for the circulation engine

PURPOSE:
  Exposes the Lifecycle API via REST. Handles HTTP request/response, JSON
  serialization and identity, and delegates every rule to the
  circulation.Service.

ENDPOINTS:
  Books:
    GET    /api/books/{id}/availability     Ledger breakdown
    GET    /api/books/{id}/queue            Queued reservations (staff)

  Reservations:
    POST   /api/reservations                Reserve a book for the caller
    DELETE /api/reservations/{id}           Cancel the caller's reservation
    POST   /api/reservations/{id}/pickup    Close the hold, freeing the copy (staff)
    POST   /api/reservations/{id}/checkout  Pick up and lend in one step (staff)

  Handing a held book to its reader goes through /checkout. /pickup only
  closes the hold: the copy is released and may go to the next reader.

  Loans:
    POST   /api/loans                       Lend a copy (staff)
    POST   /api/loans/{id}/return           Return a loan (staff)

  Records:
    GET    /api/records/{id}                One record (owner or staff)
    GET    /api/me/records                  The caller's loans and reservations

  Admin:
    POST   /api/admin/sweep                 Run a sweep pass now (staff)
    GET    /api/admin/sweep                 Last sweep result (staff)

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Malformed input, invalid request
  - 401/403: Missing token, missing staff role
  - 404: Book or record not found
  - 409: Out of stock, reservation limit, invalid transition
  - 503: Transaction conflict after retries
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/warp/circulation-engine/circulation"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Pinger reports backend health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Service   *circulation.Service
	Scheduler *SweepScheduler
	Health    Pinger
	Logger    *slog.Logger
}

// NewHandler creates a handler. scheduler and health may be nil.
func NewHandler(svc *circulation.Service, scheduler *SweepScheduler, health Pinger, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		Service:   svc,
		Scheduler: scheduler,
		Health:    health,
		Logger:    logger.With("component", "api"),
	}
}

// =============================================================================
// BOOK HANDLERS
// =============================================================================

// GetAvailability returns the live ledger for a book.
func (h *Handler) GetAvailability(w http.ResponseWriter, r *http.Request) {
	bookID, ok := urlUUID(w, r, "id")
	if !ok {
		return
	}

	a, err := h.Service.Availability(r.Context(), bookID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAvailabilityDTO(a))
}

// GetQueue lists queued reservations in promotion order.
func (h *Handler) GetQueue(w http.ResponseWriter, r *http.Request) {
	bookID, ok := urlUUID(w, r, "id")
	if !ok {
		return
	}

	queue, err := h.Service.Queue(r.Context(), bookID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, QueueDTO{BookID: bookID.String(), Entries: toRecordDTOs(queue)})
}

// =============================================================================
// RESERVATION HANDLERS
// =============================================================================

// CreateReservation reserves a book for the caller.
func (h *Handler) CreateReservation(w http.ResponseWriter, r *http.Request) {
	id := mustIdentity(r)

	var req CreateReservationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	bookID, err := uuid.Parse(req.BookID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid book_id", err)
		return
	}
	pickupBy, err := parseOptionalTime(req.PickupBy)
	if err != nil || pickupBy.IsZero() {
		writeError(w, http.StatusBadRequest, "pickup_by must be an RFC3339 timestamp", err)
		return
	}

	rec, err := h.Service.CreateReservation(r.Context(), id.UserID, bookID, pickupBy)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRecordDTO(rec))
}

// CancelReservation cancels one of the caller's reservations.
func (h *Handler) CancelReservation(w http.ResponseWriter, r *http.Request) {
	id := mustIdentity(r)
	resID, ok := urlUUID(w, r, "id")
	if !ok {
		return
	}

	rec, err := h.Service.CancelReservation(r.Context(), id.UserID, resID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRecordDTO(rec))
}

// MarkPickedUp completes an awaiting-pickup reservation without opening a
// loan, so the copy is released to the queue. Staff lending the held copy
// to the reader should call Checkout instead.
func (h *Handler) MarkPickedUp(w http.ResponseWriter, r *http.Request) {
	resID, ok := urlUUID(w, r, "id")
	if !ok {
		return
	}

	rec, err := h.Service.MarkPickedUp(r.Context(), resID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRecordDTO(rec))
}

// Checkout completes a held reservation and lends the copy to its owner.
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	resID, ok := urlUUID(w, r, "id")
	if !ok {
		return
	}

	var req CheckoutRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body", err)
			return
		}
	}
	dueAt, err := parseOptionalTime(req.DueAt)
	if err != nil {
		writeError(w, http.StatusBadRequest, "due_at must be an RFC3339 timestamp", err)
		return
	}

	res, loan, err := h.Service.Checkout(r.Context(), resID, dueAt)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, CheckoutDTO{Reservation: toRecordDTO(res), Loan: toRecordDTO(loan)})
}

// =============================================================================
// LOAN HANDLERS
// =============================================================================

// CreateLoan lends a copy to a user.
func (h *Handler) CreateLoan(w http.ResponseWriter, r *http.Request) {
	var req CreateLoanRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid user_id", err)
		return
	}
	bookID, err := uuid.Parse(req.BookID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid book_id", err)
		return
	}
	dueAt, err := parseOptionalTime(req.DueAt)
	if err != nil {
		writeError(w, http.StatusBadRequest, "due_at must be an RFC3339 timestamp", err)
		return
	}

	rec, err := h.Service.CreateLoan(r.Context(), userID, bookID, dueAt)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRecordDTO(rec))
}

// ReturnLoan closes a loan and releases its copy.
func (h *Handler) ReturnLoan(w http.ResponseWriter, r *http.Request) {
	loanID, ok := urlUUID(w, r, "id")
	if !ok {
		return
	}

	rec, err := h.Service.ReturnLoan(r.Context(), loanID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.recordWithFine(rec))
}

// =============================================================================
// RECORD HANDLERS
// =============================================================================

// GetRecord returns a record to its owner or to staff.
func (h *Handler) GetRecord(w http.ResponseWriter, r *http.Request) {
	id := mustIdentity(r)
	recID, ok := urlUUID(w, r, "id")
	if !ok {
		return
	}

	rec, err := h.Service.Get(r.Context(), recID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if rec.UserID != id.UserID && !id.IsStaff() {
		writeError(w, http.StatusNotFound, "Record not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, h.recordWithFine(rec))
}

// ListMyRecords returns the caller's records, newest first.
func (h *Handler) ListMyRecords(w http.ResponseWriter, r *http.Request) {
	id := mustIdentity(r)

	recs, err := h.Service.ListForUser(r.Context(), id.UserID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	dtos := make([]RecordDTO, 0, len(recs))
	for _, rec := range recs {
		dtos = append(dtos, h.recordWithFine(rec))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// TriggerSweep runs one sweep pass synchronously.
func (h *Handler) TriggerSweep(w http.ResponseWriter, r *http.Request) {
	var (
		result circulation.SweepResult
		err    error
	)
	if h.Scheduler != nil {
		result, err = h.Scheduler.RunNow(r.Context())
	} else {
		result, err = h.Service.Sweep(r.Context())
	}
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "Sweep interrupted", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// LastSweep returns the most recent scheduled or manual pass.
func (h *Handler) LastSweep(w http.ResponseWriter, r *http.Request) {
	if h.Scheduler == nil {
		writeError(w, http.StatusNotFound, "Sweeper not running", nil)
		return
	}
	result, ok := h.Scheduler.LastResult()
	if !ok {
		writeError(w, http.StatusNotFound, "No sweep has run yet", nil)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// Healthz reports whether the backend is reachable.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if h.Health != nil {
		if err := h.Health.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "Database unavailable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) recordWithFine(rec circulation.LoanRecord) RecordDTO {
	dto := toRecordDTO(rec)
	if rec.Kind == circulation.KindLoan {
		if fine := h.Service.OverdueFine(rec); fine.IsPositive() {
			dto.Fine = fine.StringFixed(2)
		}
	}
	return dto
}

// writeServiceError maps the circulation error taxonomy onto HTTP.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case circulation.IsNotFound(err):
		writeError(w, http.StatusNotFound, "Not found", err)
	case errors.Is(err, circulation.ErrInvalidRequest), errors.Is(err, circulation.ErrInvalidRecord):
		writeError(w, http.StatusBadRequest, "Invalid request", err)
	case errors.Is(err, circulation.ErrOutOfStock):
		writeError(w, http.StatusConflict, "No copies available", err)
	case errors.Is(err, circulation.ErrReservationLimitExceeded):
		writeError(w, http.StatusConflict, "Reservation limit exceeded", err)
	case errors.Is(err, circulation.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "Invalid status transition", err)
	case circulation.IsRetryable(err):
		writeError(w, http.StatusServiceUnavailable, "Busy, try again", err)
	case errors.Is(err, context.Canceled):
		// client went away
	default:
		h.Logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "Internal error", nil)
	}
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

func urlUUID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid "+param, err)
		return uuid.Nil, false
	}
	return id, true
}

// mustIdentity is only called behind Authenticate.
func mustIdentity(r *http.Request) Identity {
	id, ok := IdentityFrom(r.Context())
	if !ok {
		panic("api: handler mounted without Authenticate")
	}
	return id
}
