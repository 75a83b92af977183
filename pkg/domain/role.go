package domain

import (
	"strings"

	dErrors "medguard/pkg/domain-errors"
)

// Role is the fixed role label carried by an identity.
// Invariant: one of the supported roles below.
type Role string

const (
	RoleAdmin   Role = "admin"
	RoleDoctor  Role = "doctor"
	RoleNurse   Role = "nurse"
	RoleStaff   Role = "staff"
	RolePatient Role = "patient"
)

var validRoles = map[Role]bool{
	RoleAdmin:   true,
	RoleDoctor:  true,
	RoleNurse:   true,
	RoleStaff:   true,
	RolePatient: true,
}

// ParseRole constructs a Role from external input (token claims, policy files).
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if r == "" {
		return "", dErrors.New(dErrors.CodeInvalidInput, "role cannot be empty")
	}
	if !r.IsValid() {
		return "", dErrors.New(dErrors.CodeInvalidInput, "invalid role")
	}
	return r, nil
}

func (r Role) IsValid() bool {
	return validRoles[r]
}

func (r Role) String() string {
	return string(r)
}
