/*
pager.go - Newest-first history pages with opaque cursors

ALGORITHM:
  Ask the EventStore for pageSize+1 rows older than the cursor. If the
  extra row came back there is more: drop it and hand out the id of the
  last kept row as the next cursor.

STABILITY:
  The cursor is an exact id boundary, not an offset. Events appended
  between calls get larger ids and never shift rows that are still to
  come, so a client following cursors sees every pre-existing event
  exactly once.

CURSOR FORMAT:
  base64url("v1:" + eventID). Clients treat it as opaque.
*/
package ledger

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 100

	cursorVersion = "v1:"
)

type Page struct {
	Events     []KarmaEvent
	HasMore    bool
	NextCursor string // empty when HasMore is false
}

type Pager struct {
	events EventStore
}

func NewPager(events EventStore) *Pager {
	return &Pager{events: events}
}

// Page returns up to pageSize events older than cursor. pageSize 0 means
// DefaultPageSize; an empty cursor starts at the newest event.
func (p *Pager) Page(ctx context.Context, familyID FamilyID, userID UserID, pageSize int, cursor string) (Page, error) {
	if pageSize == 0 {
		pageSize = DefaultPageSize
	}
	if pageSize < 1 || pageSize > MaxPageSize {
		return Page{}, &ValidationError{Field: "limit", Value: fmt.Sprint(pageSize), Err: ErrInvalidPageSize}
	}

	var before EventID
	if cursor != "" {
		id, err := DecodeCursor(cursor)
		if err != nil {
			return Page{}, err
		}
		before = id
	}

	rows, err := p.events.QueryEvents(ctx, familyID, userID, pageSize+1, before)
	if err != nil {
		return Page{}, fmt.Errorf("query events for %s/%s: %w", familyID, userID, err)
	}

	page := Page{Events: rows}
	if len(rows) > pageSize {
		page.Events = rows[:pageSize]
		page.HasMore = true
		page.NextCursor = EncodeCursor(page.Events[pageSize-1].ID)
	}
	if page.Events == nil {
		page.Events = []KarmaEvent{}
	}
	return page, nil
}

// EncodeCursor wraps an event id into an opaque token.
func EncodeCursor(id EventID) string {
	return base64.RawURLEncoding.EncodeToString([]byte(cursorVersion + string(id)))
}

// DecodeCursor recovers the event id from a token made by EncodeCursor.
func DecodeCursor(cursor string) (EventID, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return "", &ValidationError{Field: "cursor", Err: ErrInvalidCursor}
	}
	s := string(raw)
	if !strings.HasPrefix(s, cursorVersion) || len(s) == len(cursorVersion) {
		return "", &ValidationError{Field: "cursor", Err: ErrInvalidCursor}
	}
	return EventID(strings.TrimPrefix(s, cursorVersion)), nil
}
