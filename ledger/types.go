/*
Package ledger provides the karma ledger engine.

PURPOSE:
  Karma is a point currency earned by members of a family for chores,
  manual grants and reward redemptions. This package holds the two record
  types that make up the ledger and the engine that keeps them in step:

  - KarmaEvent:  one immutable, signed transaction (append-only)
  - MemberKarma: the running total per (family, member), a cache of the
                 sum of that pair's events

KEY CONCEPTS IN THIS FILE (types.go):
  - Identifiers: FamilyID, UserID, EventID
  - Source: closed enumeration of why karma moved
  - Metadata: small traceability bag (taskId, grantedBy, claimId)
  - Scope: the (family, member) pair every record is keyed by

DESIGN PRINCIPLES:
  1. Immutability: events are never updated or deleted
  2. Derived state: MemberKarma.TotalKarma == sum(events.Amount) per scope
  3. Lazy materialization: a scope with no events has no aggregate row;
     reads synthesize a zero view instead of writing one
  4. Negative balances are allowed; deductions are negative events

EXAMPLE:
  ev := ledger.KarmaEvent{
      FamilyID: "fam-1",
      UserID:   "kid-1",
      Amount:   25,
      Source:   ledger.SourceTaskCompletion,
  }

SEE ALSO:
  - store.go:  persistence interfaces
  - ledger.go: award/grant engine
  - pager.go:  cursor pagination over history
*/
package ledger

import (
	"fmt"
	"time"
	"unicode/utf8"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type FamilyID string
type UserID string

// EventID is the event's ordering key. Ids compare lexically in creation
// order, so "descending by id" means "newest first".
type EventID string

// Scope is the (family, member) pair that owns events and an aggregate.
type Scope struct {
	FamilyID FamilyID
	UserID   UserID
}

func (s Scope) String() string { return string(s.FamilyID) + "/" + string(s.UserID) }

// =============================================================================
// SOURCE - Why karma moved
// =============================================================================

type Source string

const (
	SourceTaskCompletion         Source = "task_completion"
	SourceTaskUncomplete         Source = "task_uncomplete"
	SourceManualGrant            Source = "manual_grant"
	SourceRewardRedemption       Source = "reward_redemption"
	SourceContributionGoalWeekly Source = "contribution_goal_weekly"
)

// Sources lists every recognized source.
var Sources = []Source{
	SourceTaskCompletion,
	SourceTaskUncomplete,
	SourceManualGrant,
	SourceRewardRedemption,
	SourceContributionGoalWeekly,
}

func (s Source) Valid() bool {
	for _, known := range Sources {
		if s == known {
			return true
		}
	}
	return false
}

// =============================================================================
// METADATA - Traceability only, never used for balance computation
// =============================================================================

type Metadata map[string]string

const (
	MetaTaskID    = "taskId"
	MetaGrantedBy = "grantedBy"
	MetaClaimID   = "claimId"
)

// Limits on free-form fields.
const (
	MaxDescriptionLength = 500
	MaxMetadataKeys      = 16
	MaxMetadataKeyLength = 64
	MaxMetadataValLength = 256
)

func (m Metadata) clone() Metadata {
	if m == nil {
		return nil
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// =============================================================================
// KARMA EVENT - Immutable signed transaction
// =============================================================================

type KarmaEvent struct {
	ID          EventID
	FamilyID    FamilyID
	UserID      UserID
	Amount      int64 // positive = credit, negative = debit, never zero
	Source      Source
	Description string
	Metadata    Metadata
	CreatedAt   time.Time
}

func (e KarmaEvent) Scope() Scope { return Scope{FamilyID: e.FamilyID, UserID: e.UserID} }

// Clone returns a copy that does not share the metadata map.
func (e KarmaEvent) Clone() KarmaEvent {
	e.Metadata = e.Metadata.clone()
	return e
}

// ValidateEvent checks the fields every store requires before an append.
func ValidateEvent(e KarmaEvent) error {
	if e.FamilyID == "" {
		return &ValidationError{Field: "familyId", Err: ErrInvalidID}
	}
	if e.UserID == "" {
		return &ValidationError{Field: "userId", Err: ErrInvalidID}
	}
	if e.Amount == 0 {
		return &ValidationError{Field: "amount", Err: ErrZeroAmount}
	}
	if !e.Source.Valid() {
		return &ValidationError{Field: "source", Value: string(e.Source), Err: ErrUnknownSource}
	}
	if utf8.RuneCountInString(e.Description) > MaxDescriptionLength {
		return &ValidationError{Field: "description", Err: ErrDescriptionTooLong}
	}
	if len(e.Metadata) > MaxMetadataKeys {
		return &ValidationError{Field: "metadata", Err: ErrMetadataTooLarge}
	}
	for k, v := range e.Metadata {
		if k == "" || len(k) > MaxMetadataKeyLength || len(v) > MaxMetadataValLength {
			return &ValidationError{Field: "metadata", Value: k, Err: ErrMetadataTooLarge}
		}
	}
	return nil
}

// =============================================================================
// MEMBER KARMA - Derived running total per scope
// =============================================================================

type MemberKarma struct {
	ID         string // empty for a synthesized zero view
	FamilyID   FamilyID
	UserID     UserID
	TotalKarma int64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ZeroKarma is the view returned for a scope that never transacted.
// It is never persisted.
func ZeroKarma(familyID FamilyID, userID UserID) MemberKarma {
	return MemberKarma{FamilyID: familyID, UserID: userID}
}

// Materialized reports whether the aggregate exists in storage.
func (m MemberKarma) Materialized() bool { return m.ID != "" }

func (m MemberKarma) Scope() Scope { return Scope{FamilyID: m.FamilyID, UserID: m.UserID} }

func (m MemberKarma) String() string {
	return fmt.Sprintf("%s=%d", m.Scope(), m.TotalKarma)
}

// AddKarma returns total+delta, or ErrBalanceOverflow if the sum does not
// fit in an int64.
func AddKarma(total, delta int64) (int64, error) {
	sum := total + delta
	if (delta > 0 && sum < total) || (delta < 0 && sum > total) {
		return total, ErrBalanceOverflow
	}
	return sum, nil
}
