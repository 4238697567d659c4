package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/warp/karma-ledger/karma"
	"github.com/warp/karma-ledger/ledger"
)

// =============================================================================
// MEMBERSHIP DIRECTORY (karma.MemberDirectory interface)
// =============================================================================

var _ karma.MemberDirectory = (*Store)(nil)

// Membership returns karma.ErrNotMember when no row exists.
func (s *Store) Membership(ctx context.Context, familyID ledger.FamilyID, userID ledger.UserID) (karma.Membership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var m karma.Membership
	err := s.db.QueryRowContext(ctx, `
		SELECT family_id, user_id, role, display_name
		FROM family_members
		WHERE family_id = ? AND user_id = ?
	`, familyID, userID).Scan(&m.FamilyID, &m.UserID, &m.Role, &m.DisplayName)
	if errors.Is(err, sql.ErrNoRows) {
		return karma.Membership{}, karma.ErrNotMember
	}
	if err != nil {
		return karma.Membership{}, fmt.Errorf("failed to load membership: %w", err)
	}
	return m, nil
}

// SaveMember inserts or updates a membership's role and display name.
func (s *Store) SaveMember(ctx context.Context, m karma.Membership) error {
	if !m.Role.Valid() {
		return fmt.Errorf("%w: %q", karma.ErrInvalidRole, m.Role)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO family_members (family_id, user_id, role, display_name, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(family_id, user_id) DO UPDATE SET
			role = excluded.role,
			display_name = excluded.display_name
	`, m.FamilyID, m.UserID, m.Role, m.DisplayName, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to save member: %w", err)
	}
	return nil
}

// RemoveMember deletes a membership. Karma history is kept.
func (s *Store) RemoveMember(ctx context.Context, familyID ledger.FamilyID, userID ledger.UserID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		"DELETE FROM family_members WHERE family_id = ? AND user_id = ?", familyID, userID)
	if err != nil {
		return fmt.Errorf("failed to remove member: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return karma.ErrNotMember
	}
	return nil
}

// ListMembers returns a family's members ordered by user id.
func (s *Store) ListMembers(ctx context.Context, familyID ledger.FamilyID) ([]karma.Membership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT family_id, user_id, role, display_name
		FROM family_members
		WHERE family_id = ?
		ORDER BY user_id
	`, familyID)
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	defer rows.Close()

	out := []karma.Membership{}
	for rows.Next() {
		var m karma.Membership
		if err := rows.Scan(&m.FamilyID, &m.UserID, &m.Role, &m.DisplayName); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
