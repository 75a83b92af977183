// Package requestcontext provides HTTP-independent context accessors for request-scoped values.
//
// This package defines context keys and getter/setter functions for values that are
// typically set by middleware but consumed by services. By keeping this package free
// of net/http dependencies, services can import only what they need without pulling
// in HTTP-related code.
//
// Usage in services (read values):
//
//	identity := requestcontext.Identity(ctx)
//	requestID := requestcontext.RequestID(ctx)
//	now := requestcontext.Now(ctx)
//
// Usage in middleware (set values):
//
//	ctx = requestcontext.WithIdentity(ctx, identity)
//	ctx = requestcontext.WithRequestID(ctx, requestID)
//
// Usage in tests (inject values):
//
//	ctx = requestcontext.WithTime(ctx, fixedTime)
//	ctx = requestcontext.WithClientMetadata(ctx, "10.0.0.1", "curl/8.0")
package requestcontext

import (
	"context"
	"sync"
	"time"

	"medguard/pkg/domain"
)

// Context key types (unexported for encapsulation).
type (
	identityKey    struct{}
	breakGlassKey  struct{}
	resourceKey    struct{}
	clientIPKey    struct{}
	userAgentKey   struct{}
	deviceKey      struct{}
	requestIDKey   struct{}
	requestTimeKey struct{}
	scopeKey       struct{}
)

// Exported context keys for direct use in tests that need context.WithValue.
var (
	ContextKeyIdentity    = identityKey{}
	ContextKeyBreakGlass  = breakGlassKey{}
	ContextKeyResource    = resourceKey{}
	ContextKeyClientIP    = clientIPKey{}
	ContextKeyUserAgent   = userAgentKey{}
	ContextKeyDevice      = deviceKey{}
	ContextKeyRequestID   = requestIDKey{}
	ContextKeyRequestTime = requestTimeKey{}
	ContextKeyScope       = scopeKey{}
)

// -----------------------------------------------------------------------------
// Caller identity
// -----------------------------------------------------------------------------

// Identity retrieves the authenticated caller from the context.
// Returns nil if the request is unauthenticated.
func Identity(ctx context.Context) *domain.Identity {
	if identity, ok := ctx.Value(ContextKeyIdentity).(*domain.Identity); ok {
		return identity
	}
	return nil
}

// WithIdentity injects the authenticated caller into the context and the
// nearest open scope.
func WithIdentity(ctx context.Context, identity *domain.Identity) context.Context {
	if sc := scope(ctx); sc != nil {
		sc.mu.Lock()
		sc.identity = identity
		sc.mu.Unlock()
	}
	return context.WithValue(ctx, ContextKeyIdentity, identity)
}

// UserID is a shortcut for the caller's id. Returns "" when unauthenticated.
func UserID(ctx context.Context) domain.UserID {
	if identity := Identity(ctx); identity != nil {
		return identity.ID
	}
	return ""
}

// -----------------------------------------------------------------------------
// Emergency override and resolved resource
// -----------------------------------------------------------------------------

// BreakGlass retrieves the active emergency override, or nil if none is active.
func BreakGlass(ctx context.Context) *domain.BreakGlass {
	if bg, ok := ctx.Value(ContextKeyBreakGlass).(*domain.BreakGlass); ok {
		return bg
	}
	return nil
}

// WithBreakGlass marks the request as running under an emergency override.
// The value lives only as long as the request context.
func WithBreakGlass(ctx context.Context, bg *domain.BreakGlass) context.Context {
	if sc := scope(ctx); sc != nil {
		sc.mu.Lock()
		sc.breakGlass = bg
		sc.mu.Unlock()
	}
	return context.WithValue(ctx, ContextKeyBreakGlass, bg)
}

// Resource retrieves the resource resolved during authorization, or nil.
func Resource(ctx context.Context) *domain.Resource {
	if res, ok := ctx.Value(ContextKeyResource).(*domain.Resource); ok {
		return res
	}
	return nil
}

// WithResource stores the resolved resource so later stages skip the lookup.
func WithResource(ctx context.Context, res *domain.Resource) context.Context {
	if sc := scope(ctx); sc != nil {
		sc.mu.Lock()
		sc.resource = res
		sc.mu.Unlock()
	}
	return context.WithValue(ctx, ContextKeyResource, res)
}

// -----------------------------------------------------------------------------
// Request scope
// -----------------------------------------------------------------------------

// Scope lets an outer middleware observe the caller, override and resource
// that inner middleware attach to derived contexts. WithIdentity,
// WithBreakGlass and WithResource mirror their values into the nearest open
// scope.
type Scope struct {
	mu         sync.Mutex
	identity   *domain.Identity
	breakGlass *domain.BreakGlass
	resource   *domain.Resource
}

// OpenScope attaches a new scope to ctx.
func OpenScope(ctx context.Context) (context.Context, *Scope) {
	sc := &Scope{
		identity:   Identity(ctx),
		breakGlass: BreakGlass(ctx),
		resource:   Resource(ctx),
	}
	return context.WithValue(ctx, ContextKeyScope, sc), sc
}

// HasScope reports whether a scope is already open on ctx.
func HasScope(ctx context.Context) bool {
	return scope(ctx) != nil
}

func scope(ctx context.Context) *Scope {
	sc, _ := ctx.Value(ContextKeyScope).(*Scope)
	return sc
}

// Identity returns the caller authenticated within the scope, or nil.
func (s *Scope) Identity() *domain.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// BreakGlass returns the override attached within the scope, or nil.
func (s *Scope) BreakGlass() *domain.BreakGlass {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.breakGlass
}

// Resource returns the resource resolved within the scope, or nil.
func (s *Scope) Resource() *domain.Resource {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resource
}

// -----------------------------------------------------------------------------
// Client metadata (IP, User-Agent, device)
// -----------------------------------------------------------------------------

// ClientIP retrieves the client IP address from the context.
func ClientIP(ctx context.Context) string {
	if ip, ok := ctx.Value(ContextKeyClientIP).(string); ok {
		return ip
	}
	return ""
}

// UserAgent retrieves the User-Agent from the context.
func UserAgent(ctx context.Context) string {
	if ua, ok := ctx.Value(ContextKeyUserAgent).(string); ok {
		return ua
	}
	return ""
}

// WithClientMetadata injects client IP and User-Agent into a context.
// Useful for service unit tests that don't run the full HTTP middleware chain.
func WithClientMetadata(ctx context.Context, clientIP, userAgent string) context.Context {
	ctx = context.WithValue(ctx, ContextKeyClientIP, clientIP)
	ctx = context.WithValue(ctx, ContextKeyUserAgent, userAgent)
	return ctx
}

// Device retrieves the parsed client summary (e.g. "Chrome 120 on Windows 10").
func Device(ctx context.Context) string {
	if d, ok := ctx.Value(ContextKeyDevice).(string); ok {
		return d
	}
	return ""
}

// WithDevice injects the parsed client summary into a context.
func WithDevice(ctx context.Context, device string) context.Context {
	return context.WithValue(ctx, ContextKeyDevice, device)
}

// -----------------------------------------------------------------------------
// Request metadata
// -----------------------------------------------------------------------------

// RequestID retrieves the request ID from the context.
func RequestID(ctx context.Context) string {
	if reqID, ok := ctx.Value(ContextKeyRequestID).(string); ok {
		return reqID
	}
	return ""
}

// WithRequestID injects a request ID into the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ContextKeyRequestID, requestID)
}

// -----------------------------------------------------------------------------
// Request time
// -----------------------------------------------------------------------------

// Now retrieves the request-scoped time from context.
// Falls back to time.Now() if not set (for non-HTTP contexts like workers, CLI, tests).
func Now(ctx context.Context) time.Time {
	if t, ok := ctx.Value(ContextKeyRequestTime).(time.Time); ok {
		return t
	}
	return time.Now()
}

// WithTime injects a specific time into a context.
// Useful for:
//   - Service unit tests that don't run the full HTTP middleware chain
//   - Workers that need consistent time within a batch operation
func WithTime(ctx context.Context, t time.Time) context.Context {
	return context.WithValue(ctx, ContextKeyRequestTime, t)
}
