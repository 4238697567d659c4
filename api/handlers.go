/*
handlers.go - HTTP API handlers for the karma ledger

PURPOSE:
  Exposes karma.Service via REST API. Handles HTTP request/response and
  JSON serialization, and maps service errors to status codes.

ENDPOINTS:
  Families:
    GET  /api/families/{familyId}/karma                          Leaderboard

  Members:
    GET  /api/families/{familyId}/members/{userId}/karma         Balance
    GET  /api/families/{familyId}/members/{userId}/karma/history Paged history
         ?limit=1..100 (default 50) &cursor=<opaque>
    POST /api/families/{familyId}/members/{userId}/karma/grants  Manual grant
    POST /api/families/{familyId}/members/{userId}/karma/events  Task hook

  Admin (admin claim required):
    POST   /api/admin/reconcile                                Run reconciliation now
    GET    /api/admin/reconcile                                Last reconciliation report
    GET    /api/admin/families/{familyId}/members              Directory listing
    PUT    /api/admin/families/{familyId}/members/{userId}     Add or change a member
    DELETE /api/admin/families/{familyId}/members/{userId}     Remove a member

REQUEST FLOW:
  1. Read caller from the validated bearer token (auth.go)
  2. Parse path, query and body
  3. Call karma.Service (identifier validation and authorization live there)
  4. Serialize response

ERROR HANDLING:
  - 400: Validation errors, invalid input
  - 401: No caller identity
  - 403: Not a member, insufficient role
  - 404: Removing a member that does not exist
  - 501: Store or directory lacks the capability
  - 500: Storage failures, including orphaned events

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
	"github.com/warp/karma-ledger/karma"
	"github.com/warp/karma-ledger/ledger"
)

const maxBodyBytes = 64 << 10

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Pinger reports storage health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Service   *karma.Service
	Scheduler *ReconciliationScheduler
	Store     Pinger

	log logrus.FieldLogger
}

// NewHandler creates a new handler. scheduler and store may be nil.
func NewHandler(svc *karma.Service, scheduler *ReconciliationScheduler, store Pinger, log logrus.FieldLogger) *Handler {
	return &Handler{Service: svc, Scheduler: scheduler, Store: store, log: log}
}

// =============================================================================
// KARMA ENDPOINTS
// =============================================================================

// GetFamilyKarma returns every member aggregate of a family.
func (h *Handler) GetFamilyKarma(w http.ResponseWriter, r *http.Request) {
	familyID := ledger.FamilyID(chi.URLParam(r, "familyId"))

	list, err := h.Service.ListFamilyKarma(r.Context(), callerFrom(r.Context()), familyID)
	if err != nil {
		h.fail(w, r, "Failed to list family karma", err)
		return
	}

	members := make([]MemberKarmaDTO, 0, len(list))
	for _, mk := range list {
		members = append(members, toMemberKarmaDTO(mk))
	}
	writeJSON(w, http.StatusOK, FamilyKarmaResponse{FamilyID: string(familyID), Members: members})
}

// GetMemberKarma returns one member's running total.
func (h *Handler) GetMemberKarma(w http.ResponseWriter, r *http.Request) {
	familyID, userID := scopeParams(r)

	mk, err := h.Service.GetMemberKarma(r.Context(), callerFrom(r.Context()), familyID, userID)
	if err != nil {
		h.fail(w, r, "Failed to get karma", err)
		return
	}
	writeJSON(w, http.StatusOK, toMemberKarmaDTO(mk))
}

// GetHistory returns one page of a member's events.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	familyID, userID := scopeParams(r)
	q := r.URL.Query()

	limit := 0
	if raw := q.Get("limit"); raw != "" {
		// Only an absent limit means default; an explicit 0 is out of range.
		n, err := strconv.Atoi(raw)
		if err != nil || n == 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit",
				&ledger.ValidationError{Field: "limit", Value: raw, Err: ledger.ErrInvalidPageSize})
			return
		}
		limit = n
	}

	page, err := h.Service.GetHistory(r.Context(), callerFrom(r.Context()), familyID, userID, limit, q.Get("cursor"))
	if err != nil {
		h.fail(w, r, "Failed to get history", err)
		return
	}
	writeJSON(w, http.StatusOK, toHistoryResponse(page))
}

// Grant records a manual grant or deduction.
func (h *Handler) Grant(w http.ResponseWriter, r *http.Request) {
	familyID, userID := scopeParams(r)

	var req GrantRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	ev, err := h.Service.Grant(r.Context(), callerFrom(r.Context()), karma.GrantInput{
		FamilyID:    familyID,
		UserID:      userID,
		Amount:      req.Amount,
		Description: req.Description,
	})
	if err != nil {
		h.fail(w, r, "Failed to grant karma", err)
		return
	}
	writeJSON(w, http.StatusCreated, toKarmaEventDTO(ev))
}

// RecordEvent records a system-originated movement (task hooks).
func (h *Handler) RecordEvent(w http.ResponseWriter, r *http.Request) {
	familyID, userID := scopeParams(r)

	var req RecordEventRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	ev, err := h.Service.RecordEvent(r.Context(), callerFrom(r.Context()), karma.EventInput{
		FamilyID:    familyID,
		UserID:      userID,
		Amount:      req.Amount,
		Source:      ledger.Source(req.Source),
		Description: req.Description,
		Metadata:    ledger.Metadata(req.Metadata),
	})
	if err != nil {
		h.fail(w, r, "Failed to record karma event", err)
		return
	}
	writeJSON(w, http.StatusCreated, toKarmaEventDTO(ev))
}

// =============================================================================
// ADMIN ENDPOINTS
// =============================================================================

// TriggerReconcile runs reconciliation and returns the report.
func (h *Handler) TriggerReconcile(w http.ResponseWriter, r *http.Request) {
	if h.Scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "Reconciliation not configured", nil)
		return
	}
	report, err := h.Scheduler.RunNow(r.Context())
	if err != nil {
		h.fail(w, r, "Reconciliation failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toReconcileReportDTO(report))
}

// GetLastReconcile returns the most recent report.
func (h *Handler) GetLastReconcile(w http.ResponseWriter, r *http.Request) {
	if h.Scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "Reconciliation not configured", nil)
		return
	}
	report, ok := h.Scheduler.LastReport()
	if !ok {
		writeError(w, http.StatusNotFound, "No reconciliation has run yet", nil)
		return
	}
	writeJSON(w, http.StatusOK, toReconcileReportDTO(report))
}

// ListMembers returns a family's directory entries.
func (h *Handler) ListMembers(w http.ResponseWriter, r *http.Request) {
	familyID := ledger.FamilyID(chi.URLParam(r, "familyId"))

	list, err := h.Service.ListMembers(r.Context(), familyID)
	if err != nil {
		h.fail(w, r, "Failed to list members", err)
		return
	}

	members := make([]MemberDTO, 0, len(list))
	for _, m := range list {
		members = append(members, toMemberDTO(m))
	}
	writeJSON(w, http.StatusOK, MembersResponse{FamilyID: string(familyID), Members: members})
}

// SaveMember adds a member or changes their role and display name.
func (h *Handler) SaveMember(w http.ResponseWriter, r *http.Request) {
	familyID, userID := scopeParams(r)

	var req SaveMemberRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	m, err := h.Service.SaveMember(r.Context(), karma.Membership{
		FamilyID:    familyID,
		UserID:      userID,
		Role:        karma.Role(req.Role),
		DisplayName: req.DisplayName,
	})
	if err != nil {
		h.fail(w, r, "Failed to save member", err)
		return
	}
	writeJSON(w, http.StatusOK, toMemberDTO(m))
}

// RemoveMember deletes a directory entry. Karma history is kept.
func (h *Handler) RemoveMember(w http.ResponseWriter, r *http.Request) {
	familyID, userID := scopeParams(r)

	err := h.Service.RemoveMember(r.Context(), familyID, userID)
	switch {
	case errors.Is(err, karma.ErrNotMember):
		writeError(w, http.StatusNotFound, "Member not found", nil)
	case err != nil:
		h.fail(w, r, "Failed to remove member", err)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

// Health reports liveness and storage reachability.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.Store != nil {
		if err := h.Store.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "Storage unavailable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func scopeParams(r *http.Request) (ledger.FamilyID, ledger.UserID) {
	return ledger.FamilyID(chi.URLParam(r, "familyId")), ledger.UserID(chi.URLParam(r, "userId"))
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, karma.ErrUnauthenticated):
		return http.StatusUnauthorized
	case karma.IsAuthorizationError(err):
		return http.StatusForbidden
	case karma.IsInputError(err):
		return http.StatusBadRequest
	case errors.Is(err, karma.ErrListingUnsupported), errors.Is(err, karma.ErrDirectoryReadOnly):
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

// fail writes the mapped error. Server-side failures are logged with
// request context; their details are not echoed to the client.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, message string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.WithFields(logrus.Fields{
			"request_id": middleware.GetReqID(r.Context()),
			"method":     r.Method,
			"path":       r.URL.Path,
		}).WithError(err).Error(message)
		writeError(w, status, message, nil)
		return
	}
	writeError(w, status, message, err)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
