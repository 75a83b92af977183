package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"medguard/pkg/domain"
	"medguard/pkg/platform/httputil"
	request "medguard/pkg/platform/middleware/request"
	"medguard/pkg/requestcontext"
)

// ErrInvalidToken is returned by verifiers for malformed, expired or
// otherwise unacceptable bearer tokens.
var ErrInvalidToken = errors.New("invalid token")

// IdentityVerifier turns a bearer token into the caller's identity.
// Token issuance and signing live outside this service.
type IdentityVerifier interface {
	VerifyToken(ctx context.Context, token string) (*domain.Identity, error)
}

// RequireIdentity authenticates the bearer token and stores the identity on
// the request context. Requests without a valid token get 401.
func RequireIdentity(verifier IdentityVerifier, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			requestID := request.GetRequestID(ctx)

			const bearerPrefix = "Bearer "
			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), bearerPrefix)
			if !ok || strings.TrimSpace(token) == "" {
				logger.WarnContext(ctx, "unauthorized access - missing token",
					"request_id", requestID,
				)
				httputil.WriteErrorCode(w, http.StatusUnauthorized, "unauthorized", "Missing or invalid Authorization header")
				return
			}

			identity, err := verifier.VerifyToken(ctx, token)
			if err != nil {
				if errors.Is(err, ErrInvalidToken) {
					logger.WarnContext(ctx, "unauthorized access - invalid token",
						"error", err,
						"request_id", requestID,
					)
					httputil.WriteErrorCode(w, http.StatusUnauthorized, "unauthorized", "Invalid or expired token")
					return
				}
				logger.ErrorContext(ctx, "failed to verify identity",
					"error", err,
					"request_id", requestID,
				)
				httputil.WriteErrorCode(w, http.StatusInternalServerError, "internal_error", "Failed to validate token")
				return
			}

			ctx = requestcontext.WithIdentity(ctx, identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRole rejects authenticated callers whose role is not listed.
// Used for operator surfaces such as audit reporting.
func RequireRole(logger *slog.Logger, roles ...domain.Role) func(http.Handler) http.Handler {
	allowed := make(map[domain.Role]bool, len(roles))
	for _, r := range roles {
		allowed[r] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			identity := requestcontext.Identity(ctx)
			if identity == nil {
				httputil.WriteErrorCode(w, http.StatusUnauthorized, "unauthorized", "authentication required")
				return
			}
			if !allowed[identity.Role] {
				logger.WarnContext(ctx, "forbidden - role not permitted",
					"user_id", identity.ID,
					"role", identity.Role,
					"request_id", request.GetRequestID(ctx),
				)
				httputil.WriteErrorCode(w, http.StatusForbidden, "forbidden", "role not authorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
