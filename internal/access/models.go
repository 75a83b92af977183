package access

import (
	"medguard/pkg/domain"
	"medguard/pkg/platform/audit"
)

// Outcome is the result of evaluating one request.
type Outcome string

const (
	Granted Outcome = "GRANTED"
	Denied  Outcome = "DENIED"
)

// Denial reasons. They are written verbatim into audit details and 403 bodies.
const (
	ReasonRoleNotAuthorized = "role not authorized"
	ReasonAttributeMismatch = "attribute mismatch"
	ReasonNotAssigned       = "not assigned"
	ReasonOtherHospital     = "not in nurse's hospital"
	ReasonNoPolicy          = "no policy for action"
	reasonConsentPrefix     = "consent required: "
	ReasonGranted           = "all gates passed"
	ReasonBreakGlass        = "break-glass override"
)

// ConsentReason builds the denial reason for a missing consent flag.
func ConsentReason(flag domain.ConsentFlag) string {
	return reasonConsentPrefix + string(flag)
}

// Request is one authorization question.
// Policy may be nil, in which case the service's policy set is consulted.
type Request struct {
	Identity *domain.Identity
	Action   audit.Action
	Resource domain.ResourceRef
	Policy   *Policy
}

// Decision is computed per request and never persisted directly.
type Decision struct {
	Outcome Outcome
	Reason  string
	// Gate is the gate that decided a denial, or the gate whose denial was
	// overridden by break-glass.
	Gate GateKind
	// Override is true when break-glass turned a denial into a grant.
	Override bool
	// Resource is the resolved target, nil when no resolution was needed.
	Resource *domain.Resource
}

// Granted reports whether the operation may proceed.
func (d Decision) Granted() bool {
	return d.Outcome == Granted
}

func grant(reason string) Decision {
	return Decision{Outcome: Granted, Reason: reason}
}

func deny(gate GateKind, reason string) Decision {
	return Decision{Outcome: Denied, Reason: reason, Gate: gate}
}
