package testutil

import (
	"context"
	"net/http"
	"time"

	"medguard/pkg/domain"
	"medguard/pkg/requestcontext"
)

// WithIdentity adds the caller to the request context.
// This simulates what the auth middleware does for authenticated requests.
func WithIdentity(req *http.Request, identity *domain.Identity) *http.Request {
	return req.WithContext(requestcontext.WithIdentity(req.Context(), identity))
}

// WithClient adds origin metadata, as the metadata middleware would.
func WithClient(req *http.Request, ip, userAgent string) *http.Request {
	return req.WithContext(requestcontext.WithClientMetadata(req.Context(), ip, userAgent))
}

// WithBreakGlass marks the request as running under an emergency override.
func WithBreakGlass(req *http.Request, justification string) *http.Request {
	ctx := requestcontext.WithBreakGlass(req.Context(), &domain.BreakGlass{
		Justification: justification,
		AcquiredAt:    time.Now(),
	})
	return req.WithContext(ctx)
}

// WithContextValue adds an arbitrary key-value pair to the request context.
func WithContextValue(req *http.Request, key, value any) *http.Request {
	ctx := context.WithValue(req.Context(), key, value)
	return req.WithContext(ctx)
}
