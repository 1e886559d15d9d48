/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:    Unique ID per request for tracing
  2. RequestLog:   slog access log (method, path, status, bytes, duration)
  3. Recoverer:    Panic recovery (500 instead of crash)
  4. CORS:         Cross-origin requests for the catalog frontend
  5. Authenticate: Bearer JWT on everything under /api
  6. RequireStaff: staff-only route groups

ROUTE GROUPS:
  /healthz              Liveness, no auth
  /api/books/*          Availability and queues
  /api/reservations/*   Reservation lifecycle
  /api/loans/*          Loan lifecycle (staff)
  /api/records/*        Record lookup
  /api/me/*             The caller's records
  /api/admin/*          Sweeper (staff)

SEE ALSO:
  - handlers.go: Handler implementations
  - auth.go: Identity middleware
  - cmd/server/main.go: Server startup
*/
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterConfig configures NewRouter.
type RouterConfig struct {
	Verifier       *TokenVerifier
	AllowedOrigins []string
	Logger         *slog.Logger
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(RequestLog(logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Healthz)

	r.Route("/api", func(r chi.Router) {
		r.Use(Authenticate(cfg.Verifier))

		// Book routes
		r.Route("/books/{id}", func(r chi.Router) {
			r.Get("/availability", h.GetAvailability)
			r.With(RequireStaff).Get("/queue", h.GetQueue)
		})

		// Reservation routes
		r.Route("/reservations", func(r chi.Router) {
			r.Post("/", h.CreateReservation)
			r.Delete("/{id}", h.CancelReservation)
			// pickup releases the copy; checkout keeps it out on a loan.
			r.With(RequireStaff).Post("/{id}/pickup", h.MarkPickedUp)
			r.With(RequireStaff).Post("/{id}/checkout", h.Checkout)
		})

		// Loan routes
		r.Route("/loans", func(r chi.Router) {
			r.Use(RequireStaff)
			r.Post("/", h.CreateLoan)
			r.Post("/{id}/return", h.ReturnLoan)
		})

		// Record routes
		r.Get("/records/{id}", h.GetRecord)
		r.Get("/me/records", h.ListMyRecords)

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Use(RequireStaff)
			r.Post("/sweep", h.TriggerSweep)
			r.Get("/sweep", h.LastSweep)
		})
	})

	return r
}

// RequestLog writes one structured access log line per request.
func RequestLog(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			level := slog.LevelInfo
			if status >= http.StatusInternalServerError {
				level = slog.LevelError
			}
			logger.LogAttrs(r.Context(), level, "http request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", status),
				slog.Int("bytes", ww.BytesWritten()),
				slog.Duration("duration", time.Since(start)),
				slog.String("request_id", middleware.GetReqID(r.Context())))
		})
	}
}
