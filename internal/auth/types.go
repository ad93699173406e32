package auth

import "errors"

// Role represents an authorisation tier in the system.
type Role string

const (
	// RoleOperator may launch processes, write to stdin, and destroy
	// processes, in addition to everything a viewer can do.
	RoleOperator Role = "operator"

	// RoleViewer may list processes, read snapshots, and stream output,
	// but cannot affect any process.
	RoleViewer Role = "viewer"
)

// ValidRoles is the set of valid roles.
var ValidRoles = []Role{RoleOperator, RoleViewer}

// IsValidRole returns true if the role is recognised.
func IsValidRole(r Role) bool {
	for _, v := range ValidRoles {
		if r == v {
			return true
		}
	}
	return false
}

// CanMutate returns true if the role may change process state.
func (r Role) CanMutate() bool {
	return r == RoleOperator
}

// Sentinel errors for auth operations.
var (
	ErrTokenExpired = errors.New("token has expired")
	ErrTokenInvalid = errors.New("invalid token")
	ErrForbidden    = errors.New("insufficient permissions")
)
