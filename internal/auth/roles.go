package auth

import (
	"errors"
	"strings"
)

var (
	ErrUnauthorized = errors.New("auth: unauthorized")
	ErrForbidden    = errors.New("auth: forbidden")
	ErrInvalidToken = errors.New("auth: invalid token")
	ErrInvalidRole  = errors.New("auth: invalid role")
)

// Role is the access level granted to a caller within an organization.
type Role string

const (
	RoleViewer   Role = "viewer"
	RoleOperator Role = "operator"
	RoleAdmin    Role = "admin"
)

var roleRanks = map[Role]int{
	RoleViewer:   1,
	RoleOperator: 2,
	RoleAdmin:    3,
}

// ParseRole accepts a role name in any case.
func ParseRole(value string) (Role, error) {
	role := Role(strings.ToLower(strings.TrimSpace(value)))
	if _, ok := roleRanks[role]; !ok {
		return "", ErrInvalidRole
	}
	return role, nil
}

// Allows reports whether r grants at least the required level.
// Unknown roles grant nothing.
func (r Role) Allows(required Role) bool {
	have, ok := roleRanks[r]
	if !ok {
		return false
	}
	return have >= roleRanks[required]
}
