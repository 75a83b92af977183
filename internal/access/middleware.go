package access

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"medguard/pkg/domain"
	dErrors "medguard/pkg/domain-errors"
	"medguard/pkg/platform/httputil"
	"medguard/pkg/requestcontext"
)

// Authorizer is the decision port used by the HTTP middleware.
type Authorizer interface {
	Authorize(ctx context.Context, req Request) (Decision, error)
}

// RefFunc extracts the target resource reference from a request.
type RefFunc func(r *http.Request) domain.ResourceRef

// URLParamRef reads the resource id from a chi route parameter.
func URLParamRef(resourceType domain.ResourceType, param string) RefFunc {
	return func(r *http.Request) domain.ResourceRef {
		return domain.ResourceRef{Type: resourceType, ID: chi.URLParam(r, param)}
	}
}

// TypeRef targets a resource type without a specific id (collection routes).
func TypeRef(resourceType domain.ResourceType) RefFunc {
	return func(*http.Request) domain.ResourceRef {
		return domain.ResourceRef{Type: resourceType}
	}
}

// Middleware enforces policies on HTTP routes.
type Middleware struct {
	authorizer Authorizer
	logger     *slog.Logger
}

// NewMiddleware creates the access middleware.
func NewMiddleware(authorizer Authorizer, logger *slog.Logger) *Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return &Middleware{authorizer: authorizer, logger: logger}
}

// Require lets the request through only when policy grants it. Responses:
// 401 without an identity, 403 with the denial reason, 404 when the identity
// or resource cannot be found, 500 when resolution fails. On success the
// resolved resource is placed on the request context.
func (m *Middleware) Require(policy *Policy, ref RefFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			identity := requestcontext.Identity(ctx)
			if identity == nil {
				m.logger.WarnContext(ctx, "access check without identity",
					"request_id", requestcontext.RequestID(ctx),
				)
				httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "authentication required"))
				return
			}

			decision, err := m.authorizer.Authorize(ctx, Request{
				Identity: identity,
				Action:   policy.Action,
				Resource: ref(r),
				Policy:   policy,
			})
			if err != nil {
				httputil.WriteError(w, err)
				return
			}
			if !decision.Granted() {
				httputil.WriteErrorCode(w, http.StatusForbidden, string(dErrors.CodeForbidden), decision.Reason)
				return
			}

			if decision.Resource != nil {
				ctx = requestcontext.WithResource(ctx, decision.Resource)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
