/*
Package sqlite provides a SQLite-backed implementation of the ledger stores.

PURPOSE:
  Implements ledger.TxStore, ledger.AuditStore and ledger.FamilyLister on
  SQLite, plus the family_members directory used as the membership
  collaborator in single-node deployments (see members.go).

APPEND-ONLY ENFORCEMENT:
  - No UPDATE or DELETE statements on karma_events in this package
  - Triggers abort any UPDATE or DELETE on karma_events at the database level

KEY TABLES:
  karma_events:   Immutable ledger of every karma movement
  member_karma:   One running total per (family_id, user_id)
  family_members: Membership and role per family

INDEXES:
  - idx_karma_events_scope_id: (family_id, user_id, id DESC), serves both
    newest-first history and cursor seeks
  - member_karma UNIQUE(family_id, user_id): target of the upsert

ATOMIC INCREMENT:
  IncrementAndGet is a single statement:

    INSERT ... ON CONFLICT(family_id, user_id)
    DO UPDATE SET total_karma = member_karma.total_karma + excluded.total_karma
    RETURNING ...

CONCURRENCY:
  Writes are serialized by a mutex and a single pooled connection, and
  event ids are generated under that lock, so id order equals commit
  order. WAL keeps readers from blocking each other on file databases.

USAGE:
  store, err := sqlite.New("./data/karma.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  l := ledger.NewLedger(store) // transactional: event + balance in one tx

SEE ALSO:
  - ledger/store.go: interface definitions
  - ledger/store/memory.go: in-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/warp/karma-ledger/ledger"
)

// Store implements the ledger storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var (
	_ ledger.TxStore      = (*Store)(nil)
	_ ledger.AuditStore   = (*Store)(nil)
	_ ledger.FamilyLister = (*Store)(nil)
)

const connParams = "_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000"

// dsn appends the connection parameters, keeping any the caller passed.
func dsn(dbPath string) string {
	if strings.Contains(dbPath, "?") {
		return dbPath + "&" + connParams
	}
	return dbPath + "?" + connParams
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: keeps ":memory:" a single database and makes the
	// connection itself the write serializer.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &Store{db: db}
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
	-- Karma events (append-only ledger)
	CREATE TABLE IF NOT EXISTS karma_events (
		id TEXT PRIMARY KEY,
		family_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		amount INTEGER NOT NULL CHECK (amount <> 0),
		source TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		metadata_json TEXT,
		created_at TEXT NOT NULL
	);

	-- History and cursor seeks (hot path)
	CREATE INDEX IF NOT EXISTS idx_karma_events_scope_id
		ON karma_events(family_id, user_id, id DESC);

	CREATE TRIGGER IF NOT EXISTS trg_karma_events_no_update
		BEFORE UPDATE ON karma_events
	BEGIN
		SELECT RAISE(ABORT, 'karma_events is append-only');
	END;

	CREATE TRIGGER IF NOT EXISTS trg_karma_events_no_delete
		BEFORE DELETE ON karma_events
	BEGIN
		SELECT RAISE(ABORT, 'karma_events is append-only');
	END;

	-- Member karma (derived aggregate)
	CREATE TABLE IF NOT EXISTS member_karma (
		id TEXT PRIMARY KEY,
		family_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		total_karma INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE(family_id, user_id)
	);

	CREATE INDEX IF NOT EXISTS idx_member_karma_family_total
		ON member_karma(family_id, total_karma DESC);

	-- Family members (membership directory)
	CREATE TABLE IF NOT EXISTS family_members (
		family_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		role TEXT NOT NULL CHECK (role IN ('parent', 'child')),
		display_name TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		PRIMARY KEY (family_id, user_id)
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// EVENT STORE (ledger.EventStore interface)
// =============================================================================

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// AppendEvent adds an event to the ledger.
func (s *Store) AppendEvent(ctx context.Context, ev ledger.KarmaEvent) (ledger.KarmaEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return appendEvent(ctx, s.db, ev)
}

func appendEvent(ctx context.Context, db execer, ev ledger.KarmaEvent) (ledger.KarmaEvent, error) {
	if err := ledger.ValidateEvent(ev); err != nil {
		return ledger.KarmaEvent{}, err
	}
	if ev.ID == "" {
		id, err := ledger.NewEventID()
		if err != nil {
			return ledger.KarmaEvent{}, err
		}
		ev.ID = id
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	var metadataJSON sql.NullString
	if len(ev.Metadata) > 0 {
		raw, err := json.Marshal(ev.Metadata)
		if err != nil {
			return ledger.KarmaEvent{}, fmt.Errorf("failed to encode metadata: %w", err)
		}
		metadataJSON = sql.NullString{String: string(raw), Valid: true}
	}

	query := `
		INSERT INTO karma_events
		(id, family_id, user_id, amount, source, description, metadata_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := db.ExecContext(ctx, query,
		ev.ID,
		ev.FamilyID,
		ev.UserID,
		ev.Amount,
		ev.Source,
		ev.Description,
		metadataJSON,
		formatTime(ev.CreatedAt),
	)
	if err != nil {
		return ledger.KarmaEvent{}, fmt.Errorf("failed to append karma event: %w", err)
	}

	return ev.Clone(), nil
}

// QueryEvents returns the newest events of a scope older than before.
func (s *Store) QueryEvents(ctx context.Context, familyID ledger.FamilyID, userID ledger.UserID, limit int, before ledger.EventID) ([]ledger.KarmaEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return queryEvents(ctx, s.db, familyID, userID, limit, before)
}

func queryEvents(ctx context.Context, db querier, familyID ledger.FamilyID, userID ledger.UserID, limit int, before ledger.EventID) ([]ledger.KarmaEvent, error) {
	query := `
		SELECT id, family_id, user_id, amount, source, description, metadata_json, created_at
		FROM karma_events
		WHERE family_id = ? AND user_id = ?
	`
	args := []any{familyID, userID}
	if before != "" {
		query += ` AND id < ?`
		args = append(args, before)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query karma events: %w", err)
	}
	defer rows.Close()

	var events []ledger.KarmaEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}

	return events, rows.Err()
}

func scanEvent(rows *sql.Rows) (ledger.KarmaEvent, error) {
	var (
		ev           ledger.KarmaEvent
		metadataJSON sql.NullString
		createdAt    string
	)

	err := rows.Scan(
		&ev.ID, &ev.FamilyID, &ev.UserID, &ev.Amount,
		&ev.Source, &ev.Description, &metadataJSON, &createdAt,
	)
	if err != nil {
		return ev, fmt.Errorf("failed to scan karma event: %w", err)
	}

	if ev.CreatedAt, err = parseTime(createdAt); err != nil {
		return ev, err
	}
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &ev.Metadata); err != nil {
			return ev, fmt.Errorf("failed to decode metadata of %s: %w", ev.ID, err)
		}
	}

	return ev, nil
}

// CountEvents returns the number of events in a scope.
func (s *Store) CountEvents(ctx context.Context, familyID ledger.FamilyID, userID ledger.UserID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return countEvents(ctx, s.db, familyID, userID)
}

func countEvents(ctx context.Context, db querier, familyID ledger.FamilyID, userID ledger.UserID) (int, error) {
	var count int
	err := db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM karma_events WHERE family_id = ? AND user_id = ?",
		familyID, userID,
	).Scan(&count)
	return count, err
}

// =============================================================================
// BALANCE STORE (ledger.BalanceStore interface)
// =============================================================================

const balanceColumns = `id, family_id, user_id, total_karma, created_at, updated_at`

// FindBalance returns nil, nil when the scope has no aggregate.
func (s *Store) FindBalance(ctx context.Context, familyID ledger.FamilyID, userID ledger.UserID) (*ledger.MemberKarma, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return findBalance(ctx, s.db, familyID, userID)
}

func findBalance(ctx context.Context, db querier, familyID ledger.FamilyID, userID ledger.UserID) (*ledger.MemberKarma, error) {
	row := db.QueryRowContext(ctx,
		"SELECT "+balanceColumns+" FROM member_karma WHERE family_id = ? AND user_id = ?",
		familyID, userID,
	)
	mk, err := scanBalance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &mk, nil
}

// IncrementAndGet adds delta to the scope's total, creating it if absent.
func (s *Store) IncrementAndGet(ctx context.Context, familyID ledger.FamilyID, userID ledger.UserID, delta int64) (ledger.MemberKarma, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return incrementAndGet(ctx, s.db, familyID, userID, delta)
}

func incrementAndGet(ctx context.Context, db querier, familyID ledger.FamilyID, userID ledger.UserID, delta int64) (ledger.MemberKarma, error) {
	query := `
		INSERT INTO member_karma (id, family_id, user_id, total_karma, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(family_id, user_id) DO UPDATE SET
			total_karma = member_karma.total_karma + excluded.total_karma,
			updated_at = excluded.updated_at
		WHERE (excluded.total_karma > 0 AND member_karma.total_karma <= ? - excluded.total_karma)
		   OR (excluded.total_karma < 0 AND member_karma.total_karma >= ? - excluded.total_karma)
		RETURNING ` + balanceColumns

	// SQLite turns an overflowing integer sum into a REAL. The WHERE
	// guard skips the update instead, so RETURNING yields no row.
	now := formatTime(time.Now().UTC())
	row := db.QueryRowContext(ctx, query,
		ledger.NewAggregateID(), familyID, userID, delta, now, now,
		int64(math.MaxInt64), int64(math.MinInt64),
	)
	mk, err := scanBalance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.MemberKarma{}, fmt.Errorf("increment %s/%s by %d: %w", familyID, userID, delta, ledger.ErrBalanceOverflow)
	}
	if err != nil {
		return ledger.MemberKarma{}, fmt.Errorf("failed to increment member karma: %w", err)
	}
	return mk, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBalance(row rowScanner) (ledger.MemberKarma, error) {
	var (
		mk                   ledger.MemberKarma
		createdAt, updatedAt string
	)
	if err := row.Scan(&mk.ID, &mk.FamilyID, &mk.UserID, &mk.TotalKarma, &createdAt, &updatedAt); err != nil {
		return mk, err
	}
	var err error
	if mk.CreatedAt, err = parseTime(createdAt); err != nil {
		return mk, err
	}
	if mk.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return mk, err
	}
	return mk, nil
}

// ListBalances returns all aggregates of a family, highest total first.
func (s *Store) ListBalances(ctx context.Context, familyID ledger.FamilyID) ([]ledger.MemberKarma, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT "+balanceColumns+" FROM member_karma WHERE family_id = ? ORDER BY total_karma DESC, user_id ASC",
		familyID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list member karma: %w", err)
	}
	defer rows.Close()

	var out []ledger.MemberKarma
	for rows.Next() {
		mk, err := scanBalance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, mk)
	}
	return out, rows.Err()
}

// =============================================================================
// AUDIT STORE (ledger.AuditStore interface)
// =============================================================================

// Scopes returns every scope present in either table.
func (s *Store) Scopes(ctx context.Context) ([]ledger.Scope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT family_id, user_id FROM karma_events
		UNION
		SELECT family_id, user_id FROM member_karma
		ORDER BY family_id, user_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list scopes: %w", err)
	}
	defer rows.Close()

	var scopes []ledger.Scope
	for rows.Next() {
		var sc ledger.Scope
		if err := rows.Scan(&sc.FamilyID, &sc.UserID); err != nil {
			return nil, err
		}
		scopes = append(scopes, sc)
	}
	return scopes, rows.Err()
}

// SumEvents returns the sum of event amounts in a scope.
func (s *Store) SumEvents(ctx context.Context, familyID ledger.FamilyID, userID ledger.UserID) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var sum int64
	err := s.db.QueryRowContext(ctx,
		"SELECT COALESCE(SUM(amount), 0) FROM karma_events WHERE family_id = ? AND user_id = ?",
		familyID, userID,
	).Scan(&sum)
	return sum, err
}

// =============================================================================
// TRANSACTIONAL STORE (ledger.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store ledger.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// txStore runs every call on the open transaction; the parent lock is
// already held by WithTx.
type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) AppendEvent(ctx context.Context, ev ledger.KarmaEvent) (ledger.KarmaEvent, error) {
	return appendEvent(ctx, ts.tx, ev)
}

func (ts *txStore) QueryEvents(ctx context.Context, familyID ledger.FamilyID, userID ledger.UserID, limit int, before ledger.EventID) ([]ledger.KarmaEvent, error) {
	return queryEvents(ctx, ts.tx, familyID, userID, limit, before)
}

func (ts *txStore) CountEvents(ctx context.Context, familyID ledger.FamilyID, userID ledger.UserID) (int, error) {
	return countEvents(ctx, ts.tx, familyID, userID)
}

func (ts *txStore) FindBalance(ctx context.Context, familyID ledger.FamilyID, userID ledger.UserID) (*ledger.MemberKarma, error) {
	return findBalance(ctx, ts.tx, familyID, userID)
}

func (ts *txStore) IncrementAndGet(ctx context.Context, familyID ledger.FamilyID, userID ledger.UserID, delta int64) (ledger.MemberKarma, error) {
	return incrementAndGet(ctx, ts.tx, familyID, userID, delta)
}

// Helper functions

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", s, err)
	}
	return t, nil
}

