package karma

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/warp/karma-ledger/ledger"
)

// =============================================================================
// MEMBERSHIP ADMINISTRATION
// =============================================================================

// These operations carry no caller: the transport restricts them to
// operators. They return ErrDirectoryReadOnly when the Authorizer is not a
// MemberDirectory. Removing a member keeps their karma history.

func (s *Service) ListMembers(ctx context.Context, familyID ledger.FamilyID) ([]Membership, error) {
	if s.members == nil {
		return nil, ErrDirectoryReadOnly
	}
	if err := validateID("familyId", string(familyID)); err != nil {
		return nil, err
	}
	list, err := s.members.ListMembers(ctx, familyID)
	if err != nil {
		return nil, fmt.Errorf("list members of %s: %w", familyID, err)
	}
	if list == nil {
		list = []Membership{}
	}
	return list, nil
}

func (s *Service) SaveMember(ctx context.Context, m Membership) (Membership, error) {
	if s.members == nil {
		return Membership{}, ErrDirectoryReadOnly
	}
	if err := validateScope(m.FamilyID, m.UserID); err != nil {
		return Membership{}, err
	}
	if !m.Role.Valid() {
		return Membership{}, &ledger.ValidationError{Field: "role", Value: string(m.Role), Err: ErrInvalidRole}
	}
	if err := s.members.SaveMember(ctx, m); err != nil {
		return Membership{}, fmt.Errorf("save member %s/%s: %w", m.FamilyID, m.UserID, err)
	}

	s.log.WithFields(logrus.Fields{
		"family_id": m.FamilyID,
		"user_id":   m.UserID,
		"role":      m.Role,
	}).Info("member saved")
	return m, nil
}

func (s *Service) RemoveMember(ctx context.Context, familyID ledger.FamilyID, userID ledger.UserID) error {
	if s.members == nil {
		return ErrDirectoryReadOnly
	}
	if err := validateScope(familyID, userID); err != nil {
		return err
	}
	if err := s.members.RemoveMember(ctx, familyID, userID); err != nil {
		return fmt.Errorf("remove member %s/%s: %w", familyID, userID, err)
	}

	s.log.WithFields(logrus.Fields{
		"family_id": familyID,
		"user_id":   userID,
	}).Info("member removed")
	return nil
}
