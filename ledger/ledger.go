/*
ledger.go - Award and grant: one event plus its balance delta

PURPOSE:
  The Ledger ties the event log to the balance aggregate. Every karma
  movement, credit or debit, goes through Award:

    1. reject amount == 0 (and any other invalid field)
    2. append the event
    3. IncrementAndGet the scope's aggregate by the same amount
    4. return the persisted event

WRITE ORDERING AND FAILURE POLICY:
  Transactional backends (TxStore): steps 2 and 3 run in one transaction.
  Either both land or neither does.

  Split backends: if step 2 fails nothing changed. If step 3 fails the
  event is durable without a matching delta. Award returns an
  OrphanedEventError holding the event and does not retry. The gap is
  found by the Reconciler.

  Cancellation between the two steps on a split backend has the same
  effect as a step-3 failure.

GRANTS:
  Grant is Award with source manual_grant and the granting member in
  metadata. Authorization (elevated role, recipient membership) is the
  caller's job, see karma/service.go.
*/
package ledger

import (
	"context"
	"fmt"
)

// =============================================================================
// REQUESTS
// =============================================================================

type AwardRequest struct {
	FamilyID    FamilyID
	UserID      UserID
	Amount      int64
	Source      Source
	Description string
	Metadata    Metadata
}

type GrantRequest struct {
	FamilyID    FamilyID
	UserID      UserID
	Amount      int64
	Description string
	GrantedBy   UserID
}

// DefaultGrantDescription is used when a grant carries no description.
const DefaultGrantDescription = "Manual karma grant"

// =============================================================================
// LEDGER
// =============================================================================

type Ledger struct {
	events   EventStore
	balances BalanceStore
	tx       TxStore
}

// NewLedger builds a ledger over one backend. When the backend is a
// TxStore both writes of an award share a transaction.
func NewLedger(store Store) *Ledger {
	l := &Ledger{events: store, balances: store}
	if tx, ok := store.(TxStore); ok {
		l.tx = tx
	}
	return l
}

// NewSplitLedger builds a ledger over stores that cannot share a
// transaction. Awards use the two-step write described above.
func NewSplitLedger(events EventStore, balances BalanceStore) *Ledger {
	return &Ledger{events: events, balances: balances}
}

// Transactional reports whether awards are written atomically.
func (l *Ledger) Transactional() bool { return l.tx != nil }

// Award records one karma movement and applies it to the balance.
func (l *Ledger) Award(ctx context.Context, req AwardRequest) (KarmaEvent, error) {
	ev := KarmaEvent{
		FamilyID:    req.FamilyID,
		UserID:      req.UserID,
		Amount:      req.Amount,
		Source:      req.Source,
		Description: req.Description,
		Metadata:    req.Metadata.clone(),
	}
	if err := ValidateEvent(ev); err != nil {
		return KarmaEvent{}, err
	}

	if l.tx != nil {
		return l.awardTx(ctx, ev)
	}
	return l.awardSplit(ctx, ev)
}

func (l *Ledger) awardTx(ctx context.Context, ev KarmaEvent) (KarmaEvent, error) {
	var saved KarmaEvent
	err := l.tx.WithTx(ctx, func(s Store) error {
		var err error
		saved, err = s.AppendEvent(ctx, ev)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrAppendFailed, err)
		}
		if _, err := s.IncrementAndGet(ctx, saved.FamilyID, saved.UserID, saved.Amount); err != nil {
			return fmt.Errorf("increment balance for %s: %w", saved.Scope(), err)
		}
		return nil
	})
	if err != nil {
		return KarmaEvent{}, err
	}
	return saved, nil
}

func (l *Ledger) awardSplit(ctx context.Context, ev KarmaEvent) (KarmaEvent, error) {
	// Without a transaction an increment refused after the append would
	// orphan the event, so an out-of-range delta is refused up front. A
	// concurrent award can still race past this check; the store refuses
	// it and the event is reported as orphaned.
	current, err := l.balances.FindBalance(ctx, ev.FamilyID, ev.UserID)
	if err != nil {
		return KarmaEvent{}, fmt.Errorf("find balance for %s: %w", ev.Scope(), err)
	}
	if current != nil {
		if _, err := AddKarma(current.TotalKarma, ev.Amount); err != nil {
			return KarmaEvent{}, fmt.Errorf("award %d to %s: %w", ev.Amount, ev.Scope(), err)
		}
	}

	saved, err := l.events.AppendEvent(ctx, ev)
	if err != nil {
		return KarmaEvent{}, fmt.Errorf("%w: %w", ErrAppendFailed, err)
	}
	if _, err := l.balances.IncrementAndGet(ctx, saved.FamilyID, saved.UserID, saved.Amount); err != nil {
		return KarmaEvent{}, &OrphanedEventError{Event: saved, Err: err}
	}
	return saved, nil
}

// Grant records a manual grant (or deduction, when Amount < 0).
func (l *Ledger) Grant(ctx context.Context, req GrantRequest) (KarmaEvent, error) {
	if req.GrantedBy == "" {
		return KarmaEvent{}, &ValidationError{Field: "grantedBy", Err: ErrInvalidID}
	}
	desc := req.Description
	if desc == "" {
		desc = DefaultGrantDescription
	}
	return l.Award(ctx, AwardRequest{
		FamilyID:    req.FamilyID,
		UserID:      req.UserID,
		Amount:      req.Amount,
		Source:      SourceManualGrant,
		Description: desc,
		Metadata:    Metadata{MetaGrantedBy: string(req.GrantedBy)},
	})
}

// Balance returns the scope's aggregate, or a zero view that is not
// persisted when the scope never transacted.
func (l *Ledger) Balance(ctx context.Context, familyID FamilyID, userID UserID) (MemberKarma, error) {
	mk, err := l.balances.FindBalance(ctx, familyID, userID)
	if err != nil {
		return MemberKarma{}, fmt.Errorf("find balance for %s/%s: %w", familyID, userID, err)
	}
	if mk == nil {
		return ZeroKarma(familyID, userID), nil
	}
	return *mk, nil
}
