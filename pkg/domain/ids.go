package domain

import (
	dErrors "medguard/pkg/domain-errors"
)

// Identifiers in this system are opaque strings issued by the record store
// (canonical ids) or by humans (MRNs, visit numbers). They are typed so a
// hospital id can never be passed where a resource id is expected.
type (
	UserID     string
	ResourceID string
	HospitalID string
)

const maxIDLength = 128

func (id UserID) String() string     { return string(id) }
func (id ResourceID) String() string { return string(id) }
func (id HospitalID) String() string { return string(id) }

func (id UserID) IsNil() bool     { return id == "" }
func (id ResourceID) IsNil() bool { return id == "" }
func (id HospitalID) IsNil() bool { return id == "" }

// ParseUserID validates an identity id taken from an untrusted source.
func ParseUserID(s string) (UserID, error) {
	if err := validateID(s, "user id"); err != nil {
		return "", err
	}
	return UserID(s), nil
}

// ParseResourceID validates a canonical or secondary resource identifier.
func ParseResourceID(s string) (ResourceID, error) {
	if err := validateID(s, "resource id"); err != nil {
		return "", err
	}
	return ResourceID(s), nil
}

// ParseHospitalID validates a hospital affiliation id.
func ParseHospitalID(s string) (HospitalID, error) {
	if err := validateID(s, "hospital id"); err != nil {
		return "", err
	}
	return HospitalID(s), nil
}

// validateID accepts [A-Za-z0-9._:-], 1..128 bytes. Anything else (spaces,
// slashes, quotes, control or non-ASCII characters) is rejected at the boundary.
func validateID(s, kind string) error {
	if s == "" {
		return dErrors.New(dErrors.CodeInvalidInput, kind+" cannot be empty")
	}
	if len(s) > maxIDLength {
		return dErrors.New(dErrors.CodeInvalidInput, kind+" is too long")
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '-', c == '_', c == '.', c == ':':
		default:
			return dErrors.New(dErrors.CodeInvalidInput, kind+" contains invalid characters")
		}
	}
	if s == "." || s == ".." {
		return dErrors.New(dErrors.CodeInvalidInput, kind+" contains invalid characters")
	}
	return nil
}
