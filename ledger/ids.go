package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// NewEventID returns a time-ordered id. UUIDv7 strings sort lexically in
// generation order, and uuid.NewV7 bumps its sub-millisecond sequence when
// two ids fall in the same tick, so ids from one process never tie.
func NewEventID() (EventID, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate event id: %w", err)
	}
	return EventID(id.String()), nil
}

// NewAggregateID returns an id for a MemberKarma row.
func NewAggregateID() string {
	return uuid.NewString()
}
