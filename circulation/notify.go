/*
notify.go - Promotion notifications

DELIVERY MODEL:
  Notifications are sent after the promoting transaction commits, on their
  own goroutine, with a bounded number in flight. A send that fails (or is
  dropped because too many are in flight) leaves notified = false; the next
  sweep re-dispatches it. A successful send sets notified = true in a small
  transaction of its own. Each send reloads the record first and skips it
  when it is already notified or no longer waiting for pickup.

  The promotion is never rolled back because of a notification problem.

NOTIFIERS:
  LogNotifier:     writes the notification to a slog.Logger
  WebhookNotifier: POSTs a JSON payload to a configured URL
*/
package circulation

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
)

const notifyTimeout = 10 * time.Second

// =============================================================================
// DISPATCHER
// =============================================================================

type dispatcher struct {
	notifier Notifier
	store    TxStore
	logger   *slog.Logger

	sem chan struct{}
	wg  sync.WaitGroup

	mu       sync.Mutex
	inFlight map[uuid.UUID]struct{}
}

func newDispatcher(n Notifier, maxInFlight int) *dispatcher {
	return &dispatcher{
		notifier: n,
		sem:      make(chan struct{}, maxInFlight),
		inFlight: make(map[uuid.UUID]struct{}),
	}
}

// dispatch starts an asynchronous send for an awaiting-pickup reservation.
// It reports whether a send was started. A nil dispatcher does nothing.
func (d *dispatcher) dispatch(rec LoanRecord) bool {
	if d == nil || rec.ExpiresAt == nil {
		return false
	}

	d.mu.Lock()
	if _, busy := d.inFlight[rec.ID]; busy {
		d.mu.Unlock()
		return false
	}
	select {
	case d.sem <- struct{}{}:
	default:
		d.mu.Unlock()
		d.logger.Warn("notification dropped, too many in flight", "reservation_id", rec.ID)
		return false
	}
	d.inFlight[rec.ID] = struct{}{}
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer func() {
			d.mu.Lock()
			delete(d.inFlight, rec.ID)
			d.mu.Unlock()
			<-d.sem
			d.wg.Done()
		}()
		d.send(rec)
	}()
	return true
}

func (d *dispatcher) send(rec LoanRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()

	// rec may come from a listing taken before another send finished.
	cur, err := d.store.Get(ctx, rec.ID)
	if err != nil {
		d.logger.Warn("failed to reload reservation before notifying", "reservation_id", rec.ID, "error", err)
		return
	}
	if cur.Status != StatusAwaitingPickup || cur.Notified {
		d.logger.Debug("notification skipped", "reservation_id", rec.ID, "status", cur.Status, "notified", cur.Notified)
		return
	}

	if err := d.notifier.NotifyReservationAvailable(ctx, rec.UserID, rec.BookID, *rec.ExpiresAt); err != nil {
		d.logger.Warn("notification failed, will retry on next sweep",
			"reservation_id", rec.ID, "user_id", rec.UserID, "error", err)
		return
	}

	if err := d.markNotified(ctx, rec.ID); err != nil {
		d.logger.Warn("failed to mark reservation notified", "reservation_id", rec.ID, "error", err)
		return
	}
	d.logger.Debug("reservation notified", "reservation_id", rec.ID, "user_id", rec.UserID)
}

// markNotified sets notified = true if the reservation is still waiting for
// pickup. The book lock keeps it from overwriting a concurrent expiry.
func (d *dispatcher) markNotified(ctx context.Context, id uuid.UUID) error {
	return d.store.WithTx(ctx, func(st Store) error {
		rec, err := lockRecord(ctx, st, id)
		if err != nil {
			return err
		}
		if rec.Status != StatusAwaitingPickup || rec.Notified {
			return nil
		}
		rec.Notified = true
		return st.Update(ctx, rec)
	})
}

func (d *dispatcher) wait() {
	d.wg.Wait()
}

// =============================================================================
// NOTIFIERS
// =============================================================================

// LogNotifier records notifications in the log. It is used when no delivery
// transport is configured.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) NotifyReservationAvailable(_ context.Context, userID, bookID uuid.UUID, expiresAt time.Time) error {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("reservation available for pickup",
		"user_id", userID, "book_id", bookID, "expires_at", expiresAt)
	return nil
}

// ReservationAvailableEvent is the JSON body sent by WebhookNotifier.
type ReservationAvailableEvent struct {
	Type      string    `json:"type"`
	UserID    uuid.UUID `json:"user_id"`
	BookID    uuid.UUID `json:"book_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// WebhookNotifier delivers notifications to an HTTP endpoint owned by the
// notification service. Any non-2xx response counts as a failure.
type WebhookNotifier struct {
	URL    string
	Client *http.Client
}

func NewWebhookNotifier(url string, timeout time.Duration) *WebhookNotifier {
	return &WebhookNotifier{
		URL:    url,
		Client: &http.Client{Timeout: timeout},
	}
}

func (n *WebhookNotifier) NotifyReservationAvailable(ctx context.Context, userID, bookID uuid.UUID, expiresAt time.Time) error {
	body, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(ReservationAvailableEvent{
		Type:      "reservation.available",
		UserID:    userID,
		BookID:    bookID,
		ExpiresAt: expiresAt.UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.Client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send notification: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("notification endpoint returned %s", resp.Status)
	}
	return nil
}
