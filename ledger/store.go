/*
store.go - Persistence interfaces for karma events and balances

KEY INTERFACES:
  EventStore:   append-only event log, newest-first cursor queries
  BalanceStore: one aggregate per scope, atomic increment-or-create
  Store:        both, as one backend usually provides
  TxStore:      Store with a transaction spanning both collections
  AuditStore:   scope listing and event sums for reconciliation
  FamilyLister: all aggregates of one family

APPEND-ONLY CONTRACT:
  EventStore has no Update and no Delete. SQL backends also refuse
  UPDATE/DELETE on the events table at the database level.

ATOMIC INCREMENT:
  IncrementAndGet is the one correctness-critical primitive. It must be
  indivisible against concurrent calls for the same scope: +5 and +3
  from 10 always give 18. Implementations use a single upsert statement
  or hold a write lock; callers never read-modify-write.

IMPLEMENTATIONS:
  - ledger/store/memory.go: in-memory (tests, dev)
  - store/sqlite/sqlite.go: SQLite
  - store/postgres/postgres.go: PostgreSQL
*/
package ledger

import "context"

// =============================================================================
// EVENT STORE
// =============================================================================

type EventStore interface {
	// AppendEvent persists ev, assigning ID and CreatedAt when unset.
	// The store assigns ids inside its write critical section so id
	// order matches commit order.
	AppendEvent(ctx context.Context, ev KarmaEvent) (KarmaEvent, error)

	// QueryEvents returns at most limit events of the scope, newest first.
	// When before is non-empty only events with id < before are returned.
	QueryEvents(ctx context.Context, familyID FamilyID, userID UserID, limit int, before EventID) ([]KarmaEvent, error)

	// CountEvents returns the number of events in the scope.
	CountEvents(ctx context.Context, familyID FamilyID, userID UserID) (int, error)
}

// =============================================================================
// BALANCE STORE
// =============================================================================

type BalanceStore interface {
	// FindBalance returns nil, nil when the scope has no aggregate.
	FindBalance(ctx context.Context, familyID FamilyID, userID UserID) (*MemberKarma, error)

	// IncrementAndGet creates the aggregate with delta or adds delta to it,
	// refreshes UpdatedAt and returns the row after the change.
	IncrementAndGet(ctx context.Context, familyID FamilyID, userID UserID, delta int64) (MemberKarma, error)
}

// Store is a backend holding both collections.
type Store interface {
	EventStore
	BalanceStore
}

// TxStore runs fn inside one transaction covering events and balances.
// If fn returns an error nothing fn wrote is kept.
type TxStore interface {
	Store
	WithTx(ctx context.Context, fn func(Store) error) error
}

// =============================================================================
// AUDIT / READ-SIDE EXTENSIONS
// =============================================================================

// AuditStore supports reconciliation of aggregates against events.
type AuditStore interface {
	// Scopes returns every scope that has events or an aggregate.
	Scopes(ctx context.Context) ([]Scope, error)

	// SumEvents returns the sum of event amounts in the scope.
	SumEvents(ctx context.Context, familyID FamilyID, userID UserID) (int64, error)
}

// FamilyLister lists materialized aggregates, highest total first.
type FamilyLister interface {
	ListBalances(ctx context.Context, familyID FamilyID) ([]MemberKarma, error)
}
