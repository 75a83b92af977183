package domain

import "time"

// Identity is the authenticated caller as supplied by the external
// authentication layer. The core never mutates it.
type Identity struct {
	ID                  UserID
	Email               string
	Role                Role
	HospitalID          HospitalID
	Department          string
	AccessLevel         int
	AssignedResourceIDs []ResourceID
}

const (
	MinAccessLevel = 1
	MaxAccessLevel = 5
)

// HasAssignment reports whether any of the given ids is in the caller's
// assigned-resource set. Empty ids never match.
func (i *Identity) HasAssignment(ids ...ResourceID) bool {
	if i == nil {
		return false
	}
	for _, want := range ids {
		if want == "" {
			continue
		}
		for _, have := range i.AssignedResourceIDs {
			if have == want {
				return true
			}
		}
	}
	return false
}

// BreakGlass describes an emergency override granted for a single request.
type BreakGlass struct {
	Justification string
	ApprovedBy    string
	AcquiredAt    time.Time
}
