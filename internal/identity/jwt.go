// Package identity verifies bearer tokens issued by the hospital's
// authentication service and turns their claims into a domain.Identity.
package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"medguard/pkg/domain"
	authmw "medguard/pkg/platform/middleware/auth"
)

// Claims are the access token claims carrying the caller's attributes.
type Claims struct {
	Email       string   `json:"email"`
	Role        string   `json:"role"`
	HospitalID  string   `json:"hospital_id,omitempty"`
	Department  string   `json:"department,omitempty"`
	AccessLevel int      `json:"access_level"`
	Assigned    []string `json:"assigned,omitempty"`
	jwt.RegisteredClaims
}

// Verifier validates HS256 tokens.
type Verifier struct {
	signingKey []byte
	issuer     string
	audience   string
	now        func() time.Time
}

func NewVerifier(signingKey, issuer, audience string) *Verifier {
	return &Verifier{
		signingKey: []byte(signingKey),
		issuer:     issuer,
		audience:   audience,
		now:        time.Now,
	}
}

// IssueToken signs a token for identity. Production tokens come from the
// authentication service; this is used by tests and local tooling.
func (v *Verifier) IssueToken(identity domain.Identity, expiresIn time.Duration) (string, error) {
	assigned := make([]string, 0, len(identity.AssignedResourceIDs))
	for _, id := range identity.AssignedResourceIDs {
		assigned = append(assigned, string(id))
	}
	now := v.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Email:       identity.Email,
		Role:        string(identity.Role),
		HospitalID:  string(identity.HospitalID),
		Department:  identity.Department,
		AccessLevel: identity.AccessLevel,
		Assigned:    assigned,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(identity.ID),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    v.issuer,
			Audience:  []string{v.audience},
			ID:        uuid.NewString(),
		},
	})
	return token.SignedString(v.signingKey)
}

// VerifyToken validates the token and builds the identity. Every failure is
// reported as auth.ErrInvalidToken.
func (v *Verifier) VerifyToken(_ context.Context, tokenString string) (*domain.Identity, error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenUnverifiable
		}
		return v.signingKey, nil
	},
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithTimeFunc(v.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("token has expired: %w", authmw.ErrInvalidToken)
		}
		return nil, fmt.Errorf("%w: %v", authmw.ErrInvalidToken, err)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, fmt.Errorf("invalid token claims: %w", authmw.ErrInvalidToken)
	}

	identity, err := claims.toIdentity()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", authmw.ErrInvalidToken, err)
	}
	return identity, nil
}

func (c *Claims) toIdentity() (*domain.Identity, error) {
	id, err := domain.ParseUserID(c.Subject)
	if err != nil {
		return nil, err
	}
	role, err := domain.ParseRole(c.Role)
	if err != nil {
		return nil, err
	}
	if c.AccessLevel < domain.MinAccessLevel || c.AccessLevel > domain.MaxAccessLevel {
		return nil, fmt.Errorf("access level %d out of range", c.AccessLevel)
	}

	identity := &domain.Identity{
		ID:          id,
		Email:       c.Email,
		Role:        role,
		Department:  c.Department,
		AccessLevel: c.AccessLevel,
	}
	if c.HospitalID != "" {
		if identity.HospitalID, err = domain.ParseHospitalID(c.HospitalID); err != nil {
			return nil, err
		}
	}
	for _, raw := range c.Assigned {
		rid, err := domain.ParseResourceID(raw)
		if err != nil {
			return nil, err
		}
		identity.AssignedResourceIDs = append(identity.AssignedResourceIDs, rid)
	}
	return identity, nil
}
