// Package postgres implements the ledger stores on PostgreSQL via lib/pq.
//
// Appends take a per-scope transaction-level advisory lock and generate the
// event id after acquiring it, so within one scope id order matches commit
// order even with several API processes writing.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/warp/karma-ledger/ledger"
)

// Store implements ledger.TxStore, ledger.AuditStore and
// ledger.FamilyLister backed by PostgreSQL.
type Store struct {
	db *sql.DB
}

var (
	_ ledger.TxStore      = (*Store)(nil)
	_ ledger.AuditStore   = (*Store)(nil)
	_ ledger.FamilyLister = (*Store)(nil)
)

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open connects to dsn and applies the schema.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := New(db)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

const schema = `
CREATE TABLE IF NOT EXISTS karma_events (
	id TEXT COLLATE "C" PRIMARY KEY,
	family_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	amount BIGINT NOT NULL CHECK (amount <> 0),
	source TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	metadata JSONB,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_karma_events_scope_id
	ON karma_events (family_id, user_id, id DESC);

CREATE OR REPLACE FUNCTION karma_events_append_only() RETURNS trigger AS $$
BEGIN
	RAISE EXCEPTION 'karma_events is append-only';
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS trg_karma_events_append_only ON karma_events;
CREATE TRIGGER trg_karma_events_append_only
	BEFORE UPDATE OR DELETE ON karma_events
	FOR EACH ROW EXECUTE FUNCTION karma_events_append_only();

CREATE TABLE IF NOT EXISTS member_karma (
	id TEXT PRIMARY KEY,
	family_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	total_karma BIGINT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	UNIQUE (family_id, user_id)
);

CREATE INDEX IF NOT EXISTS idx_member_karma_family_total
	ON member_karma (family_id, total_karma DESC);
`

// Migrate creates tables, indexes and the append-only trigger.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate postgres: %w", err)
	}
	return nil
}

type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// --- EventStore -------------------------------------------------------------

func (s *Store) AppendEvent(ctx context.Context, ev ledger.KarmaEvent) (ledger.KarmaEvent, error) {
	if err := ledger.ValidateEvent(ev); err != nil {
		return ledger.KarmaEvent{}, err
	}

	var saved ledger.KarmaEvent
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		saved, err = appendEvent(ctx, tx, ev)
		return err
	})
	return saved, err
}

func appendEvent(ctx context.Context, db dbtx, ev ledger.KarmaEvent) (ledger.KarmaEvent, error) {
	if err := ledger.ValidateEvent(ev); err != nil {
		return ledger.KarmaEvent{}, err
	}
	if _, err := db.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, ev.Scope().String()); err != nil {
		return ledger.KarmaEvent{}, fmt.Errorf("lock scope %s: %w", ev.Scope(), err)
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

	var metadata any
	if len(ev.Metadata) > 0 {
		raw, err := json.Marshal(ev.Metadata)
		if err != nil {
			return ledger.KarmaEvent{}, err
		}
		metadata = string(raw)
	}

	_, err := db.ExecContext(ctx, `
		INSERT INTO karma_events (id, family_id, user_id, amount, source, description, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, ev.ID, ev.FamilyID, ev.UserID, ev.Amount, ev.Source, ev.Description, metadata, ev.CreatedAt)
	if err != nil {
		return ledger.KarmaEvent{}, fmt.Errorf("insert karma event: %w", err)
	}
	return ev.Clone(), nil
}

func (s *Store) QueryEvents(ctx context.Context, familyID ledger.FamilyID, userID ledger.UserID, limit int, before ledger.EventID) ([]ledger.KarmaEvent, error) {
	return queryEvents(ctx, s.db, familyID, userID, limit, before)
}

func queryEvents(ctx context.Context, db dbtx, familyID ledger.FamilyID, userID ledger.UserID, limit int, before ledger.EventID) ([]ledger.KarmaEvent, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if before == "" {
		rows, err = db.QueryContext(ctx, `
			SELECT id, family_id, user_id, amount, source, description, metadata, created_at
			FROM karma_events
			WHERE family_id = $1 AND user_id = $2
			ORDER BY id DESC
			LIMIT $3
		`, familyID, userID, limit)
	} else {
		rows, err = db.QueryContext(ctx, `
			SELECT id, family_id, user_id, amount, source, description, metadata, created_at
			FROM karma_events
			WHERE family_id = $1 AND user_id = $2 AND id < $3
			ORDER BY id DESC
			LIMIT $4
		`, familyID, userID, before, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("query karma events: %w", err)
	}
	defer rows.Close()

	var result []ledger.KarmaEvent
	for rows.Next() {
		var (
			ev          ledger.KarmaEvent
			metadataRaw []byte
		)
		if err := rows.Scan(&ev.ID, &ev.FamilyID, &ev.UserID, &ev.Amount, &ev.Source,
			&ev.Description, &metadataRaw, &ev.CreatedAt); err != nil {
			return nil, err
		}
		if len(metadataRaw) > 0 {
			if err := json.Unmarshal(metadataRaw, &ev.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata of %s: %w", ev.ID, err)
			}
		}
		ev.CreatedAt = ev.CreatedAt.UTC()
		result = append(result, ev)
	}
	return result, rows.Err()
}

func (s *Store) CountEvents(ctx context.Context, familyID ledger.FamilyID, userID ledger.UserID) (int, error) {
	return countEvents(ctx, s.db, familyID, userID)
}

func countEvents(ctx context.Context, db dbtx, familyID ledger.FamilyID, userID ledger.UserID) (int, error) {
	var n int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM karma_events WHERE family_id = $1 AND user_id = $2`,
		familyID, userID).Scan(&n)
	return n, err
}

// --- BalanceStore -----------------------------------------------------------

func (s *Store) FindBalance(ctx context.Context, familyID ledger.FamilyID, userID ledger.UserID) (*ledger.MemberKarma, error) {
	return findBalance(ctx, s.db, familyID, userID)
}

func findBalance(ctx context.Context, db dbtx, familyID ledger.FamilyID, userID ledger.UserID) (*ledger.MemberKarma, error) {
	row := db.QueryRowContext(ctx, `
		SELECT id, family_id, user_id, total_karma, created_at, updated_at
		FROM member_karma
		WHERE family_id = $1 AND user_id = $2
	`, familyID, userID)

	mk, err := scanBalance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &mk, nil
}

func (s *Store) IncrementAndGet(ctx context.Context, familyID ledger.FamilyID, userID ledger.UserID, delta int64) (ledger.MemberKarma, error) {
	return incrementAndGet(ctx, s.db, familyID, userID, delta)
}

func incrementAndGet(ctx context.Context, db dbtx, familyID ledger.FamilyID, userID ledger.UserID, delta int64) (ledger.MemberKarma, error) {
	row := db.QueryRowContext(ctx, `
		INSERT INTO member_karma (id, family_id, user_id, total_karma, created_at, updated_at)
		VALUES ($1, $2, $3, $4, now(), now())
		ON CONFLICT (family_id, user_id) DO UPDATE SET
			total_karma = member_karma.total_karma + EXCLUDED.total_karma,
			updated_at = now()
		RETURNING id, family_id, user_id, total_karma, created_at, updated_at
	`, ledger.NewAggregateID(), familyID, userID, delta)

	mk, err := scanBalance(row)
	if isOutOfRange(err) {
		return ledger.MemberKarma{}, fmt.Errorf("increment %s/%s by %d: %w", familyID, userID, delta, ledger.ErrBalanceOverflow)
	}
	if err != nil {
		return ledger.MemberKarma{}, fmt.Errorf("increment member karma: %w", err)
	}
	return mk, nil
}

// isOutOfRange matches SQLSTATE 22003, raised when total_karma + delta
// does not fit in a BIGINT.
func isOutOfRange(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "22003"
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBalance(row scanner) (ledger.MemberKarma, error) {
	var mk ledger.MemberKarma
	if err := row.Scan(&mk.ID, &mk.FamilyID, &mk.UserID, &mk.TotalKarma, &mk.CreatedAt, &mk.UpdatedAt); err != nil {
		return ledger.MemberKarma{}, err
	}
	mk.CreatedAt = mk.CreatedAt.UTC()
	mk.UpdatedAt = mk.UpdatedAt.UTC()
	return mk, nil
}

func (s *Store) ListBalances(ctx context.Context, familyID ledger.FamilyID) ([]ledger.MemberKarma, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, family_id, user_id, total_karma, created_at, updated_at
		FROM member_karma
		WHERE family_id = $1
		ORDER BY total_karma DESC, user_id ASC
	`, familyID)
	if err != nil {
		return nil, fmt.Errorf("list member karma: %w", err)
	}
	defer rows.Close()

	var result []ledger.MemberKarma
	for rows.Next() {
		mk, err := scanBalance(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, mk)
	}
	return result, rows.Err()
}

// --- AuditStore -------------------------------------------------------------

func (s *Store) Scopes(ctx context.Context) ([]ledger.Scope, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT family_id, user_id FROM karma_events
		UNION
		SELECT family_id, user_id FROM member_karma
		ORDER BY 1, 2
	`)
	if err != nil {
		return nil, fmt.Errorf("list scopes: %w", err)
	}
	defer rows.Close()

	var result []ledger.Scope
	for rows.Next() {
		var sc ledger.Scope
		if err := rows.Scan(&sc.FamilyID, &sc.UserID); err != nil {
			return nil, err
		}
		result = append(result, sc)
	}
	return result, rows.Err()
}

func (s *Store) SumEvents(ctx context.Context, familyID ledger.FamilyID, userID ledger.UserID) (int64, error) {
	var sum int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM karma_events WHERE family_id = $1 AND user_id = $2`,
		familyID, userID).Scan(&sum)
	return sum, err
}

// --- TxStore ----------------------------------------------------------------

func (s *Store) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return fn(&txStore{tx: tx})
	})
}

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type txStore struct {
	tx *sql.Tx
}

func (t *txStore) AppendEvent(ctx context.Context, ev ledger.KarmaEvent) (ledger.KarmaEvent, error) {
	return appendEvent(ctx, t.tx, ev)
}

func (t *txStore) QueryEvents(ctx context.Context, familyID ledger.FamilyID, userID ledger.UserID, limit int, before ledger.EventID) ([]ledger.KarmaEvent, error) {
	return queryEvents(ctx, t.tx, familyID, userID, limit, before)
}

func (t *txStore) CountEvents(ctx context.Context, familyID ledger.FamilyID, userID ledger.UserID) (int, error) {
	return countEvents(ctx, t.tx, familyID, userID)
}

func (t *txStore) FindBalance(ctx context.Context, familyID ledger.FamilyID, userID ledger.UserID) (*ledger.MemberKarma, error) {
	return findBalance(ctx, t.tx, familyID, userID)
}

func (t *txStore) IncrementAndGet(ctx context.Context, familyID ledger.FamilyID, userID ledger.UserID, delta int64) (ledger.MemberKarma, error) {
	return incrementAndGet(ctx, t.tx, familyID, userID, delta)
}
