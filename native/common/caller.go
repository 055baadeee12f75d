package common

import (
	"errors"
	"strings"
)

// Roles recognised by the treasury core. Grants are managed by the
// administrative layer; operations only check membership.
const (
	// RoleTreasurer may update settlement parameters and toggle pauses.
	RoleTreasurer = "ROLE_TREASURER"
	// RoleSettler may trigger epoch execution and fund intake.
	RoleSettler = "ROLE_SETTLER"
)

// ErrRoleMissing is returned when the caller lacks the role an operation requires.
var ErrRoleMissing = errors.New("caller missing required role")

// Caller carries the identity and granted roles of the invoking context into
// each operation. It replaces ambient authorisation state: operations never
// consult globals to decide permissions.
type Caller struct {
	ID    string
	roles map[string]struct{}
}

// NewCaller builds a caller context with the supplied role grants.
func NewCaller(id string, roles ...string) Caller {
	granted := make(map[string]struct{}, len(roles))
	for _, role := range roles {
		normalized := strings.ToUpper(strings.TrimSpace(role))
		if normalized == "" {
			continue
		}
		granted[normalized] = struct{}{}
	}
	return Caller{ID: strings.TrimSpace(id), roles: granted}
}

// HasRole reports whether the caller holds the supplied role.
func (c Caller) HasRole(role string) bool {
	if len(c.roles) == 0 {
		return false
	}
	_, ok := c.roles[strings.ToUpper(strings.TrimSpace(role))]
	return ok
}

// RequireRole returns ErrRoleMissing unless the caller holds the role.
func (c Caller) RequireRole(role string) error {
	if !c.HasRole(role) {
		return ErrRoleMissing
	}
	return nil
}
