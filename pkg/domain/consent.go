package domain

import dErrors "medguard/pkg/domain-errors"

// ConsentFlag names a patient-granted permission recorded on the resource.
// Invariant: the value must be one of the supported flags.
//
// Usage: construct via ParseConsentFlag at trust boundaries to enforce the
// allowlist; direct casting bypasses validation.
type ConsentFlag string

const (
	ConsentDataSharing     ConsentFlag = "data_sharing"
	ConsentResearch        ConsentFlag = "research"
	ConsentEmergencyAccess ConsentFlag = "emergency_access"
)

var validConsentFlags = map[ConsentFlag]bool{
	ConsentDataSharing:     true,
	ConsentResearch:        true,
	ConsentEmergencyAccess: true,
}

// ParseConsentFlag constructs a ConsentFlag from external input.
//
// Errors: returns CodeInvalidInput when the value is empty or unsupported.
func ParseConsentFlag(s string) (ConsentFlag, error) {
	if s == "" {
		return "", dErrors.New(dErrors.CodeInvalidInput, "consent flag cannot be empty")
	}
	f := ConsentFlag(s)
	if !f.IsValid() {
		return "", dErrors.New(dErrors.CodeInvalidInput, "invalid consent flag")
	}
	return f, nil
}

func (f ConsentFlag) IsValid() bool {
	return validConsentFlags[f]
}

// Consent holds the per-patient consent flags. The zero value grants nothing.
type Consent struct {
	DataSharing     bool `json:"dataSharing"`
	Research        bool `json:"research"`
	EmergencyAccess bool `json:"emergencyAccess"`
}

// Allows reports whether the flag is set. Unknown flags are never allowed.
func (c Consent) Allows(flag ConsentFlag) bool {
	switch flag {
	case ConsentDataSharing:
		return c.DataSharing
	case ConsentResearch:
		return c.Research
	case ConsentEmergencyAccess:
		return c.EmergencyAccess
	default:
		return false
	}
}
