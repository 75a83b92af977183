package auth

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/suite"

	"medguard/pkg/domain"
	"medguard/pkg/requestcontext"
)

type stubVerifier struct {
	identity *domain.Identity
	err      error
}

func (v stubVerifier) VerifyToken(_ context.Context, _ string) (*domain.Identity, error) {
	return v.identity, v.err
}

type AuthMiddlewareSuite struct {
	suite.Suite
	logger *slog.Logger
}

func TestAuthMiddlewareSuite(t *testing.T) {
	suite.Run(t, new(AuthMiddlewareSuite))
}

func (s *AuthMiddlewareSuite) SetupTest() {
	s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
}

func (s *AuthMiddlewareSuite) serve(v IdentityVerifier, authz string) (*httptest.ResponseRecorder, *domain.Identity) {
	var got *domain.Identity
	h := RequireIdentity(v, s.logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = requestcontext.Identity(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))
	r := httptest.NewRequest(http.MethodGet, "/patients/p1", nil)
	if authz != "" {
		r.Header.Set("Authorization", authz)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w, got
}

func (s *AuthMiddlewareSuite) TestRequireIdentity() {
	doctor := &domain.Identity{ID: "u-1", Role: domain.RoleDoctor}

	s.Run("valid token stores identity", func() {
		w, got := s.serve(stubVerifier{identity: doctor}, "Bearer abc")
		s.Equal(http.StatusNoContent, w.Code)
		s.Equal(doctor, got)
	})

	s.Run("missing header is unauthorized", func() {
		w, got := s.serve(stubVerifier{identity: doctor}, "")
		s.Equal(http.StatusUnauthorized, w.Code)
		s.Nil(got)
	})

	s.Run("invalid token is unauthorized", func() {
		w, _ := s.serve(stubVerifier{err: ErrInvalidToken}, "Bearer abc")
		s.Equal(http.StatusUnauthorized, w.Code)
		s.JSONEq(`{"error":"unauthorized","error_description":"Invalid or expired token"}`, w.Body.String())
	})

	s.Run("verifier outage is internal", func() {
		w, _ := s.serve(stubVerifier{err: errors.New("jwks down")}, "Bearer abc")
		s.Equal(http.StatusInternalServerError, w.Code)
	})
}

func (s *AuthMiddlewareSuite) TestRequireRole() {
	h := RequireRole(s.logger, domain.RoleAdmin)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	s.Run("admin passes", func() {
		r := httptest.NewRequest(http.MethodGet, "/audit/logs", nil)
		r = r.WithContext(requestcontext.WithIdentity(r.Context(), &domain.Identity{ID: "a", Role: domain.RoleAdmin}))
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		s.Equal(http.StatusOK, w.Code)
	})

	s.Run("nurse is forbidden", func() {
		r := httptest.NewRequest(http.MethodGet, "/audit/logs", nil)
		r = r.WithContext(requestcontext.WithIdentity(r.Context(), &domain.Identity{ID: "n", Role: domain.RoleNurse}))
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		s.Equal(http.StatusForbidden, w.Code)
	})
}
