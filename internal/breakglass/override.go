// Package breakglass implements the emergency override protocol: a caller
// supplies a justification, the override is recorded in the audit trail, and
// relationship and consent denials are suspended for that one request.
package breakglass

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"medguard/pkg/domain"
	dErrors "medguard/pkg/domain-errors"
	"medguard/pkg/requestcontext"
)

// MinJustificationLength is the minimum trimmed justification length in characters.
const MinJustificationLength = 20

// State of the override for the current request. ACTIVE ends with the request.
type State string

const (
	Inactive State = "INACTIVE"
	Active   State = "ACTIVE"
)

// Request is the caller's override request.
type Request struct {
	Justification string
	ApprovedBy    string
}

// Validate trims the fields and enforces the justification minimum.
func (r *Request) Validate() error {
	r.Justification = strings.TrimSpace(r.Justification)
	r.ApprovedBy = strings.TrimSpace(r.ApprovedBy)
	if utf8.RuneCountInString(r.Justification) < MinJustificationLength {
		return dErrors.New(dErrors.CodeValidation, "break-glass justification must be at least 20 characters")
	}
	return nil
}

// Override is the request-scoped override.
type Override struct {
	State         State
	Justification string
	ApprovedBy    string
	AcquiredAt    time.Time
}

// FromContext returns the override for the request, INACTIVE when none was activated.
func FromContext(ctx context.Context) Override {
	bg := requestcontext.BreakGlass(ctx)
	if bg == nil {
		return Override{State: Inactive}
	}
	return Override{
		State:         Active,
		Justification: bg.Justification,
		ApprovedBy:    bg.ApprovedBy,
		AcquiredAt:    bg.AcquiredAt,
	}
}

func (o Override) toDomain() *domain.BreakGlass {
	return &domain.BreakGlass{
		Justification: o.Justification,
		ApprovedBy:    o.ApprovedBy,
		AcquiredAt:    o.AcquiredAt,
	}
}
