/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication, decoupled from the
  ledger types so fields can be renamed without breaking clients.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Wrappers around lists and pages

VALIDATION:
  Validation is done by karma.Service, not in DTOs. DTOs are pure data
  carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/warp/karma-ledger/karma"
	"github.com/warp/karma-ledger/ledger"
)

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// MemberKarmaDTO is a member's running total.
type MemberKarmaDTO struct {
	FamilyID   string     `json:"familyId"`
	UserID     string     `json:"userId"`
	TotalKarma int64      `json:"totalKarma"`
	CreatedAt  *time.Time `json:"createdAt,omitempty"`
	UpdatedAt  *time.Time `json:"updatedAt,omitempty"`
}

// KarmaEventDTO is one ledger entry.
type KarmaEventDTO struct {
	ID          string            `json:"id"`
	FamilyID    string            `json:"familyId"`
	UserID      string            `json:"userId"`
	Amount      int64             `json:"amount"`
	Source      string            `json:"source"`
	Description string            `json:"description"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
}

// HistoryResponse is one page of events, newest first.
type HistoryResponse struct {
	Events     []KarmaEventDTO `json:"events"`
	HasMore    bool            `json:"hasMore"`
	NextCursor string          `json:"nextCursor,omitempty"`
}

// FamilyKarmaResponse is the leaderboard of a family.
type FamilyKarmaResponse struct {
	FamilyID string           `json:"familyId"`
	Members  []MemberKarmaDTO `json:"members"`
}

// DriftDTO describes one scope where the aggregate disagrees with events.
type DriftDTO struct {
	FamilyID     string `json:"familyId"`
	UserID       string `json:"userId"`
	EventSum     int64  `json:"eventSum"`
	TotalKarma   int64  `json:"totalKarma"`
	Missing      int64  `json:"missing"`
	HasAggregate bool   `json:"hasAggregate"`
}

type ReconcileReportDTO struct {
	StartedAt     time.Time  `json:"startedAt"`
	FinishedAt    time.Time  `json:"finishedAt"`
	ScopesChecked int        `json:"scopesChecked"`
	Clean         bool       `json:"clean"`
	Drifts        []DriftDTO `json:"drifts"`
}

// MemberDTO is one directory entry.
type MemberDTO struct {
	FamilyID    string `json:"familyId"`
	UserID      string `json:"userId"`
	Role        string `json:"role"`
	DisplayName string `json:"displayName,omitempty"`
}

type MembersResponse struct {
	FamilyID string      `json:"familyId"`
	Members  []MemberDTO `json:"members"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// REQUEST TYPES
// =============================================================================

type GrantRequest struct {
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
}

type SaveMemberRequest struct {
	Role        string `json:"role"`
	DisplayName string `json:"displayName"`
}

type RecordEventRequest struct {
	Amount      int64             `json:"amount"`
	Source      string            `json:"source"`
	Description string            `json:"description"`
	Metadata    map[string]string `json:"metadata"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toMemberKarmaDTO(mk ledger.MemberKarma) MemberKarmaDTO {
	dto := MemberKarmaDTO{
		FamilyID:   string(mk.FamilyID),
		UserID:     string(mk.UserID),
		TotalKarma: mk.TotalKarma,
	}
	if mk.Materialized() {
		created, updated := mk.CreatedAt, mk.UpdatedAt
		dto.CreatedAt = &created
		dto.UpdatedAt = &updated
	}
	return dto
}

func toKarmaEventDTO(ev ledger.KarmaEvent) KarmaEventDTO {
	return KarmaEventDTO{
		ID:          string(ev.ID),
		FamilyID:    string(ev.FamilyID),
		UserID:      string(ev.UserID),
		Amount:      ev.Amount,
		Source:      string(ev.Source),
		Description: ev.Description,
		Metadata:    ev.Metadata,
		CreatedAt:   ev.CreatedAt,
	}
}

func toHistoryResponse(p ledger.Page) HistoryResponse {
	events := make([]KarmaEventDTO, 0, len(p.Events))
	for _, ev := range p.Events {
		events = append(events, toKarmaEventDTO(ev))
	}
	return HistoryResponse{Events: events, HasMore: p.HasMore, NextCursor: p.NextCursor}
}

func toReconcileReportDTO(r ledger.ReconcileReport) ReconcileReportDTO {
	drifts := make([]DriftDTO, 0, len(r.Drifts))
	for _, d := range r.Drifts {
		drifts = append(drifts, DriftDTO{
			FamilyID:     string(d.Scope.FamilyID),
			UserID:       string(d.Scope.UserID),
			EventSum:     d.EventSum,
			TotalKarma:   d.TotalKarma,
			Missing:      d.Missing(),
			HasAggregate: d.HasAggregate,
		})
	}
	return ReconcileReportDTO{
		StartedAt:     r.StartedAt,
		FinishedAt:    r.FinishedAt,
		ScopesChecked: r.ScopesChecked,
		Clean:         r.Clean(),
		Drifts:        drifts,
	}
}

func toMemberDTO(m karma.Membership) MemberDTO {
	return MemberDTO{
		FamilyID:    string(m.FamilyID),
		UserID:      string(m.UserID),
		Role:        string(m.Role),
		DisplayName: m.DisplayName,
	}
}
