package karma

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/warp/karma-ledger/ledger"
)

// Role of a member within a family.
type Role string

const (
	RoleParent Role = "parent"
	RoleChild  Role = "child"
)

func (r Role) Valid() bool { return r == RoleParent || r == RoleChild }

// Elevated reports whether the role may grant or deduct karma.
func (r Role) Elevated() bool { return r == RoleParent }

// Membership is one (family, user) entry of the directory.
type Membership struct {
	FamilyID    ledger.FamilyID
	UserID      ledger.UserID
	Role        Role
	DisplayName string
}

// Authorizer resolves a member's role. Implementations return
// ErrNotMember when the user does not belong to the family.
type Authorizer interface {
	Membership(ctx context.Context, familyID ledger.FamilyID, userID ledger.UserID) (Membership, error)
}

// AuthorizerFunc adapts a function to the Authorizer interface.
type AuthorizerFunc func(ctx context.Context, familyID ledger.FamilyID, userID ledger.UserID) (Membership, error)

func (f AuthorizerFunc) Membership(ctx context.Context, familyID ledger.FamilyID, userID ledger.UserID) (Membership, error) {
	return f(ctx, familyID, userID)
}

// MemberDirectory is an Authorizer whose entries can be administered.
// RemoveMember returns ErrNotMember when there is nothing to remove.
type MemberDirectory interface {
	Authorizer
	SaveMember(ctx context.Context, m Membership) error
	RemoveMember(ctx context.Context, familyID ledger.FamilyID, userID ledger.UserID) error
	ListMembers(ctx context.Context, familyID ledger.FamilyID) ([]Membership, error)
}

// =============================================================================
// DIRECTORY - In-memory membership (config seed, tests)
// =============================================================================

// Directory is a thread-safe in-memory MemberDirectory.
type Directory struct {
	mu      sync.RWMutex
	members map[ledger.Scope]Membership
}

// NewDirectory seeds a directory. Entries are stored as given.
func NewDirectory(members ...Membership) *Directory {
	d := &Directory{members: make(map[ledger.Scope]Membership)}
	for _, m := range members {
		d.members[ledger.Scope{FamilyID: m.FamilyID, UserID: m.UserID}] = m
	}
	return d
}

var _ MemberDirectory = (*Directory)(nil)

// SaveMember inserts or replaces a membership.
func (d *Directory) SaveMember(_ context.Context, m Membership) error {
	if !m.Role.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidRole, m.Role)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.members[ledger.Scope{FamilyID: m.FamilyID, UserID: m.UserID}] = m
	return nil
}

func (d *Directory) RemoveMember(_ context.Context, familyID ledger.FamilyID, userID ledger.UserID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	k := ledger.Scope{FamilyID: familyID, UserID: userID}
	if _, ok := d.members[k]; !ok {
		return ErrNotMember
	}
	delete(d.members, k)
	return nil
}

func (d *Directory) Membership(_ context.Context, familyID ledger.FamilyID, userID ledger.UserID) (Membership, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	m, ok := d.members[ledger.Scope{FamilyID: familyID, UserID: userID}]
	if !ok {
		return Membership{}, ErrNotMember
	}
	return m, nil
}

// ListMembers lists a family ordered by user id.
func (d *Directory) ListMembers(_ context.Context, familyID ledger.FamilyID) ([]Membership, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := []Membership{}
	for _, m := range d.members {
		if m.FamilyID == familyID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}
