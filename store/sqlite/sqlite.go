/*
Package sqlite provides a SQLite-backed circulation.TxStore and
circulation.Catalog.

PURPOSE:
  Default backend for single-node deployments and for the API tests. The
  same database file holds the books table (the catalog slice this engine
  reads) and loan_records (every loan and reservation).

INTERFACES IMPLEMENTED:
  circulation.TxStore: LoanRecord persistence with transactions
  circulation.Catalog: total copies per book

KEY TABLES:
  books:        id, title, total_copies
  loan_records: one row per loan or reservation, never deleted

INDEXES:
  - idx_one_open_reservation_per_user: partial unique index that backs the
    one-open-reservation rule even if two requests race
  - idx_loan_records_book_status: availability aggregate and queue reads (hot path)
  - idx_loan_records_user: per-user history
  - idx_loan_records_expiry / idx_loan_records_due: sweeper candidate queries

CONCURRENCY:
  One connection, and every transaction starts with BEGIN IMMEDIATE, so
  SQLite's database write lock is the book lock: LockBook has nothing left
  to do. busy/locked errors surface as circulation.ErrTransactionConflict
  and are retried by the service.

TIME STORAGE:
  Timestamps are stored as fixed-width UTC strings (timeLayout) so string
  comparison in SQL matches time order.

USAGE:
  store, err := sqlite.New("./data/circulation.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  svc, err := circulation.NewService(store, store)

MIGRATION:
  Schema is auto-migrated on New(). MigrateLegacyStatuses rewrites the two
  retired reservation vocabularies once.

SEE ALSO:
  - circulation/store.go: interface definitions
  - circulation/store/memory.go: in-memory implementation for tests
  - store/postgres: multi-writer backend
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"github.com/warp/circulation-engine/circulation"
)

const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements circulation.TxStore and circulation.Catalog using SQLite.
type Store struct {
	conn
	db *sql.DB
	mu sync.Mutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A second connection to ":memory:" would be a different database.
	db.SetMaxOpenConns(1)

	store := &Store{conn: conn{q: db}, db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS books (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		total_copies INTEGER NOT NULL CHECK (total_copies >= 0),
		created_at TEXT NOT NULL
	);

	-- Loans and reservations. status is validated by the engine's
	-- transition table; legacy strings may exist until migrate-legacy runs.
	CREATE TABLE IF NOT EXISTS loan_records (
		id TEXT PRIMARY KEY,
		book_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		kind TEXT NOT NULL CHECK (kind IN ('loan', 'reservation')),
		status TEXT NOT NULL,
		created_at TEXT NOT NULL,
		due_at TEXT,
		expires_at TEXT,
		returned_at TEXT,
		queue_position INTEGER CHECK (queue_position IS NULL OR queue_position >= 1),
		notified INTEGER NOT NULL DEFAULT 0
	);

	-- CRITICAL: at most one open reservation per user
	CREATE UNIQUE INDEX IF NOT EXISTS idx_one_open_reservation_per_user
		ON loan_records(user_id)
		WHERE kind = 'reservation' AND status IN ('queued', 'awaiting_pickup');

	CREATE INDEX IF NOT EXISTS idx_loan_records_book_status
		ON loan_records(book_id, status);

	CREATE INDEX IF NOT EXISTS idx_loan_records_user
		ON loan_records(user_id, created_at DESC);

	CREATE INDEX IF NOT EXISTS idx_loan_records_expiry
		ON loan_records(expires_at) WHERE status = 'awaiting_pickup';

	CREATE INDEX IF NOT EXISTS idx_loan_records_due
		ON loan_records(due_at) WHERE status = 'active';
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a BEGIN IMMEDIATE transaction.
func (s *Store) WithTx(ctx context.Context, fn func(circulation.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return translateError(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{conn: conn{q: sqlTx}}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return translateError(fmt.Errorf("failed to commit: %w", err))
	}
	return nil
}

// Insert outside a transaction.
func (s *Store) Insert(ctx context.Context, rec circulation.LoanRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Insert(ctx, rec)
}

// Update outside a transaction.
func (s *Store) Update(ctx context.Context, rec circulation.LoanRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Update(ctx, rec)
}

type txStore struct {
	conn
}

// =============================================================================
// QUERIES - shared by Store and txStore
// =============================================================================

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type conn struct {
	q querier
}

const recordColumns = `id, book_id, user_id, kind, status, created_at,
	due_at, expires_at, returned_at, queue_position, notified`

// LockBook is a no-op: BEGIN IMMEDIATE already holds the database write lock.
func (c conn) LockBook(ctx context.Context, _ uuid.UUID) error {
	return ctx.Err()
}

func (c conn) Insert(ctx context.Context, rec circulation.LoanRecord) error {
	if err := rec.ValidateNew(); err != nil {
		return err
	}
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO loan_records (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID.String(),
		rec.BookID.String(),
		rec.UserID.String(),
		string(rec.Kind),
		string(rec.Status),
		formatTime(rec.CreatedAt),
		nullTime(rec.DueAt),
		nullTime(rec.ExpiresAt),
		nullTime(rec.ReturnedAt),
		nullInt(rec.QueuePosition),
		rec.Notified,
	)
	if err != nil {
		err = translateError(err)
		var limit *circulation.ReservationLimitError
		if errors.As(err, &limit) {
			limit.UserID = rec.UserID
		}
		return err
	}
	return nil
}

func (c conn) Update(ctx context.Context, rec circulation.LoanRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	res, err := c.q.ExecContext(ctx, `
		UPDATE loan_records
		SET status = ?, due_at = ?, expires_at = ?, returned_at = ?,
			queue_position = ?, notified = ?
		WHERE id = ? AND kind = ?
			AND (status = ? OR status NOT IN ('returned', 'cancelled', 'expired', 'completed'))`,
		string(rec.Status),
		nullTime(rec.DueAt),
		nullTime(rec.ExpiresAt),
		nullTime(rec.ReturnedAt),
		nullInt(rec.QueuePosition),
		rec.Notified,
		rec.ID.String(),
		string(rec.Kind),
		string(rec.Status),
	)
	if err != nil {
		return translateError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		current, err := c.Get(ctx, rec.ID)
		if err != nil {
			return err
		}
		return &circulation.InvalidTransitionError{
			RecordID: rec.ID, Kind: current.Kind, From: current.Status, To: rec.Status,
		}
	}
	return nil
}

func (c conn) Get(ctx context.Context, id uuid.UUID) (circulation.LoanRecord, error) {
	row := c.q.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM loan_records WHERE id = ?`, id.String())
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return circulation.LoanRecord{}, fmt.Errorf("%w: %s", circulation.ErrRecordNotFound, id)
	}
	if err != nil {
		return circulation.LoanRecord{}, translateError(err)
	}
	return rec, nil
}

func (c conn) CountHolding(ctx context.Context, bookID uuid.UUID) (int, int, error) {
	var onLoan, onHold int
	err := c.q.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN kind = 'loan' AND status IN ('active', 'overdue') THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN kind = 'reservation' AND status = 'awaiting_pickup' THEN 1 ELSE 0 END), 0)
		FROM loan_records
		WHERE book_id = ?`,
		bookID.String(),
	).Scan(&onLoan, &onHold)
	if err != nil {
		return 0, 0, translateError(err)
	}
	return onLoan, onHold, nil
}

func (c conn) ListQueued(ctx context.Context, bookID uuid.UUID) ([]circulation.LoanRecord, error) {
	return c.queryRecords(ctx, `
		SELECT `+recordColumns+` FROM loan_records
		WHERE book_id = ? AND kind = 'reservation' AND status = 'queued'
		ORDER BY queue_position, created_at, id`,
		bookID.String())
}

func (c conn) OpenReservation(ctx context.Context, userID uuid.UUID) (*circulation.LoanRecord, error) {
	recs, err := c.queryRecords(ctx, `
		SELECT `+recordColumns+` FROM loan_records
		WHERE user_id = ? AND kind = 'reservation' AND status IN ('queued', 'awaiting_pickup')
		LIMIT 1`,
		userID.String())
	if err != nil || len(recs) == 0 {
		return nil, err
	}
	return &recs[0], nil
}

func (c conn) ListExpiredHolds(ctx context.Context, now time.Time) ([]circulation.LoanRecord, error) {
	return c.queryRecords(ctx, `
		SELECT `+recordColumns+` FROM loan_records
		WHERE kind = 'reservation' AND status = 'awaiting_pickup' AND expires_at < ?
		ORDER BY expires_at, id`,
		formatTime(now))
}

func (c conn) ListDueLoans(ctx context.Context, cutoff time.Time) ([]circulation.LoanRecord, error) {
	return c.queryRecords(ctx, `
		SELECT `+recordColumns+` FROM loan_records
		WHERE kind = 'loan' AND status = 'active' AND due_at < ?
		ORDER BY due_at, id`,
		formatTime(cutoff))
}

func (c conn) ListUnnotified(ctx context.Context) ([]circulation.LoanRecord, error) {
	return c.queryRecords(ctx, `
		SELECT `+recordColumns+` FROM loan_records
		WHERE kind = 'reservation' AND status = 'awaiting_pickup' AND notified = 0
		ORDER BY created_at, id`)
}

func (c conn) ListQueuedBooks(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := c.q.QueryContext(ctx, `
		SELECT DISTINCT book_id FROM loan_records
		WHERE kind = 'reservation' AND status = 'queued'
		ORDER BY book_id`)
	if err != nil {
		return nil, translateError(err)
	}
	defer rows.Close()

	var books []uuid.UUID
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid book id %q: %w", raw, err)
		}
		books = append(books, id)
	}
	return books, rows.Err()
}

func (c conn) ListByUser(ctx context.Context, userID uuid.UUID) ([]circulation.LoanRecord, error) {
	return c.queryRecords(ctx, `
		SELECT `+recordColumns+` FROM loan_records
		WHERE user_id = ?
		ORDER BY created_at DESC, id DESC`,
		userID.String())
}

func (c conn) queryRecords(ctx context.Context, query string, args ...any) ([]circulation.LoanRecord, error) {
	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, translateError(err)
	}
	defer rows.Close()

	var recs []circulation.LoanRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// =============================================================================
// CATALOG
// =============================================================================

// Book is a row of the books table.
type Book struct {
	ID          uuid.UUID
	Title       string
	TotalCopies int
}

func (c conn) TotalCopies(ctx context.Context, bookID uuid.UUID) (int, error) {
	var total int
	err := c.q.QueryRowContext(ctx, `SELECT total_copies FROM books WHERE id = ?`, bookID.String()).Scan(&total)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: %s", circulation.ErrBookNotFound, bookID)
	}
	if err != nil {
		return 0, translateError(err)
	}
	return total, nil
}

func (c conn) BookExists(ctx context.Context, bookID uuid.UUID) (bool, error) {
	var one int
	err := c.q.QueryRowContext(ctx, `SELECT 1 FROM books WHERE id = ?`, bookID.String()).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, translateError(err)
	}
	return true, nil
}

// SaveBook inserts a book or updates its title and copy count. The catalog
// is owned elsewhere; this exists for seeding and tests.
func (s *Store) SaveBook(ctx context.Context, b Book) error {
	if b.TotalCopies < 0 {
		return fmt.Errorf("%w: total copies must not be negative", circulation.ErrInvalidRequest)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO books (id, title, total_copies, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET title = excluded.title, total_copies = excluded.total_copies`,
		b.ID.String(), b.Title, b.TotalCopies, formatTime(time.Now()),
	)
	return translateError(err)
}

// GetBook returns a book or circulation.ErrBookNotFound.
func (s *Store) GetBook(ctx context.Context, id uuid.UUID) (Book, error) {
	b := Book{ID: id}
	err := s.db.QueryRowContext(ctx, `SELECT title, total_copies FROM books WHERE id = ?`, id.String()).
		Scan(&b.Title, &b.TotalCopies)
	if errors.Is(err, sql.ErrNoRows) {
		return Book{}, fmt.Errorf("%w: %s", circulation.ErrBookNotFound, id)
	}
	if err != nil {
		return Book{}, translateError(err)
	}
	return b, nil
}

// =============================================================================
// LEGACY MIGRATION
// =============================================================================

// MigrateLegacyStatuses rewrites legacy reservation statuses to the
// canonical vocabulary in one transaction, then repairs the fields the new
// statuses require: dense queue positions per book, and an expiry for holds
// that never had one (now + pickupWindow). Running it twice is a no-op.
func (s *Store) MigrateLegacyStatuses(ctx context.Context, now time.Time, pickupWindow time.Duration) (circulation.LegacyMigrationReport, error) {
	report := circulation.LegacyMigrationReport{Rewritten: make(map[string]int)}

	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return report, translateError(err)
	}
	defer sqlTx.Rollback()

	for legacy, status := range circulation.LegacyReservationStatuses() {
		res, err := sqlTx.ExecContext(ctx, `
			UPDATE loan_records SET status = ?
			WHERE kind = 'reservation' AND lower(status) = ?`,
			string(status), legacy)
		if err != nil {
			return report, translateError(fmt.Errorf("rewrite %q: %w", legacy, err))
		}
		if n, _ := res.RowsAffected(); n > 0 {
			report.Rewritten[legacy] = int(n)
		}
	}

	if _, err := sqlTx.ExecContext(ctx, `
		UPDATE loan_records SET queue_position = NULL
		WHERE kind = 'reservation' AND status <> 'queued' AND queue_position IS NOT NULL`); err != nil {
		return report, translateError(err)
	}

	res, err := sqlTx.ExecContext(ctx, `
		UPDATE loan_records SET expires_at = ?
		WHERE kind = 'reservation' AND status = 'awaiting_pickup' AND expires_at IS NULL`,
		formatTime(now.Add(pickupWindow)))
	if err != nil {
		return report, translateError(err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		report.HoldsDated = int(n)
	}

	renumbered, err := renumberQueues(ctx, sqlTx)
	if err != nil {
		return report, err
	}
	report.Renumbered = renumbered

	if err := sqlTx.Commit(); err != nil {
		return report, translateError(err)
	}
	return report, nil
}

// renumberQueues makes every book's queue 1..N in FIFO order. Rows without
// a position sort after positioned ones, by creation time.
func renumberQueues(ctx context.Context, tx *sql.Tx) (int, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, book_id, queue_position FROM loan_records
		WHERE kind = 'reservation' AND status = 'queued'
		ORDER BY book_id, queue_position IS NULL, queue_position, created_at, id`)
	if err != nil {
		return 0, translateError(err)
	}

	type change struct {
		id  string
		pos int
	}
	var changes []change
	var lastBook string
	pos := 0
	for rows.Next() {
		var id, book string
		var current sql.NullInt64
		if err := rows.Scan(&id, &book, &current); err != nil {
			rows.Close()
			return 0, err
		}
		if book != lastBook {
			lastBook, pos = book, 0
		}
		pos++
		if !current.Valid || int(current.Int64) != pos {
			changes = append(changes, change{id: id, pos: pos})
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, ch := range changes {
		if _, err := tx.ExecContext(ctx, `UPDATE loan_records SET queue_position = ? WHERE id = ?`, ch.pos, ch.id); err != nil {
			return 0, translateError(err)
		}
	}
	return len(changes), nil
}

// =============================================================================
// HELPERS
// =============================================================================

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (circulation.LoanRecord, error) {
	var (
		id, bookID, userID, kind, status, createdAt string
		dueAt, expiresAt, returnedAt               sql.NullString
		queuePosition                              sql.NullInt64
		notified                                   bool
	)
	if err := row.Scan(&id, &bookID, &userID, &kind, &status, &createdAt,
		&dueAt, &expiresAt, &returnedAt, &queuePosition, &notified); err != nil {
		return circulation.LoanRecord{}, err
	}

	rec := circulation.LoanRecord{
		Kind:     circulation.Kind(kind),
		Status:   circulation.Status(status),
		Notified: notified,
	}
	var err error
	if rec.ID, err = uuid.Parse(id); err != nil {
		return rec, fmt.Errorf("invalid record id %q: %w", id, err)
	}
	if rec.BookID, err = uuid.Parse(bookID); err != nil {
		return rec, fmt.Errorf("invalid book id %q: %w", bookID, err)
	}
	if rec.UserID, err = uuid.Parse(userID); err != nil {
		return rec, fmt.Errorf("invalid user id %q: %w", userID, err)
	}
	if rec.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return rec, fmt.Errorf("invalid created_at %q: %w", createdAt, err)
	}
	if rec.DueAt, err = parseNullTime(dueAt); err != nil {
		return rec, err
	}
	if rec.ExpiresAt, err = parseNullTime(expiresAt); err != nil {
		return rec, err
	}
	if rec.ReturnedAt, err = parseNullTime(returnedAt); err != nil {
		return rec, err
	}
	if queuePosition.Valid {
		p := int(queuePosition.Int64)
		rec.QueuePosition = &p
	}
	return rec, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := time.Parse(timeLayout, s.String)
	if err != nil {
		return nil, fmt.Errorf("invalid timestamp %q: %w", s.String, err)
	}
	return &t, nil
}

func nullInt(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

// translateError maps SQLite errors onto the circulation taxonomy.
func translateError(err error) error {
	if err == nil {
		return nil
	}
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return err
	}
	switch {
	case se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked:
		return fmt.Errorf("%w: %v", circulation.ErrTransactionConflict, err)
	case se.ExtendedCode == sqlite3.ErrConstraintUnique && strings.Contains(se.Error(), "loan_records.user_id"):
		return &circulation.ReservationLimitError{}
	}
	return err
}
