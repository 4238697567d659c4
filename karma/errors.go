package karma

import (
	"errors"
	"fmt"

	"github.com/warp/karma-ledger/ledger"
)

var (
	// ErrUnauthenticated means the request carried no caller identity.
	ErrUnauthenticated = errors.New("caller identity required")

	// ErrNotMember means the caller or target is not in the family.
	ErrNotMember = errors.New("not a member of this family")

	// ErrForbidden means the caller is a member but lacks the role.
	ErrForbidden = errors.New("insufficient role")

	// ErrAmountOutOfRange means an amount exceeds MaxGrantAmount.
	ErrAmountOutOfRange = errors.New("amount out of range")

	// ErrSignMismatch means a system event's amount has the wrong sign
	// for its source.
	ErrSignMismatch = errors.New("amount sign does not match source")

	// ErrSourceNotAllowed means the source cannot be recorded through
	// RecordEvent.
	ErrSourceNotAllowed = errors.New("source not allowed here")

	// ErrInvalidRole means a membership role is neither parent nor child.
	ErrInvalidRole = errors.New("role must be parent or child")

	// ErrDirectoryReadOnly means the Authorizer cannot be administered.
	ErrDirectoryReadOnly = errors.New("membership directory is read-only")
)

// AuthorizationError is returned when membership or role checks fail.
type AuthorizationError struct {
	FamilyID ledger.FamilyID
	UserID   ledger.UserID
	Action   string
	Err      error
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("%s denied for %s in family %s: %v", e.Action, e.UserID, e.FamilyID, e.Err)
}

func (e *AuthorizationError) Unwrap() error { return e.Err }

// IsAuthorizationError reports whether err is a membership or role refusal.
func IsAuthorizationError(err error) bool {
	var ae *AuthorizationError
	return errors.As(err, &ae) || errors.Is(err, ErrNotMember) || errors.Is(err, ErrForbidden)
}

// IsInputError reports whether err was caused by a bad request rather
// than storage or authorization.
func IsInputError(err error) bool {
	return ledger.IsInputError(err) ||
		errors.Is(err, ErrAmountOutOfRange) ||
		errors.Is(err, ErrSignMismatch) ||
		errors.Is(err, ErrSourceNotAllowed) ||
		errors.Is(err, ErrInvalidRole)
}
