package httptransport

import (
	"context"
	"log/slog"
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"medguard/internal/access"
	"medguard/internal/breakglass"
	"medguard/internal/capture"
	"medguard/internal/platform/metrics"
	"medguard/internal/records"
	"medguard/internal/reporting"
	"medguard/pkg/domain"
	"medguard/pkg/platform/audit"
	"medguard/pkg/platform/httputil"
	authmw "medguard/pkg/platform/middleware/auth"
	"medguard/pkg/platform/middleware/metadata"
	"medguard/pkg/platform/middleware/request"
	"medguard/pkg/platform/middleware/requesttime"
)

// HealthCheck reports whether one backing dependency is usable.
type HealthCheck func(ctx context.Context) error

// Deps are the components the router wires together.
type Deps struct {
	Verifier   authmw.IdentityVerifier
	Policies   *access.PolicySet
	Access     *access.Middleware
	BreakGlass *breakglass.Protocol
	Capture    *capture.Interceptor
	Records    *records.Handler
	Reporting  *reporting.Handler
	Metrics    *metrics.Metrics
	// MetricsHandler serves /metrics when set.
	MetricsHandler http.Handler
	Health         map[string]HealthCheck
	Logger         *slog.Logger
}

// NewRouter wires all public endpoints. Protected record routes run through
// capture, authentication, break-glass and access before the handler, in
// that order, so every request produces exactly one audit record.
func NewRouter(d Deps) http.Handler {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	r := chi.NewRouter()
	r.Use(request.RequestID)
	r.Use(metadata.ClientMetadata)
	r.Use(requesttime.Middleware)
	r.Use(d.Metrics.Middleware)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", healthHandler(d.Health))
	if d.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", d.MetricsHandler)
	}

	g := guards{deps: d}
	patient := access.URLParamRef(domain.ResourcePatient, "id")
	visit := access.URLParamRef(domain.ResourceVisit, "id")

	g.route(r, http.MethodPost, "/patients", audit.ActionCreate, domain.ResourcePatient, "",
		access.TypeRef(domain.ResourcePatient), d.Records.HandleCreatePatient)
	g.route(r, http.MethodGet, "/patients/{id}", audit.ActionView, domain.ResourcePatient, "id",
		patient, d.Records.Get(domain.ResourcePatient))
	g.route(r, http.MethodPut, "/patients/{id}", audit.ActionUpdate, domain.ResourcePatient, "id",
		patient, d.Records.Update(domain.ResourcePatient))
	g.route(r, http.MethodDelete, "/patients/{id}", audit.ActionDelete, domain.ResourcePatient, "id",
		patient, d.Records.Delete(domain.ResourcePatient))
	g.route(r, http.MethodGet, "/patients/{id}/export", audit.ActionExport, domain.ResourcePatient, "id",
		patient, d.Records.HandleExport)

	// Creating a visit is authorized against the patient it belongs to.
	g.route(r, http.MethodPost, "/patients/{id}/visits", audit.ActionCreate, domain.ResourceVisit, "",
		patient, d.Records.HandleCreateVisit)
	g.route(r, http.MethodGet, "/visits/{id}", audit.ActionView, domain.ResourceVisit, "id",
		visit, d.Records.Get(domain.ResourceVisit))
	g.route(r, http.MethodPut, "/visits/{id}", audit.ActionUpdate, domain.ResourceVisit, "id",
		visit, d.Records.Update(domain.ResourceVisit))
	g.route(r, http.MethodDelete, "/visits/{id}", audit.ActionDelete, domain.ResourceVisit, "id",
		visit, d.Records.Delete(domain.ResourceVisit))

	r.Group(func(r chi.Router) {
		r.Use(d.Capture.Wrap(capture.Route{Action: audit.ActionSearch, ResourceType: domain.ResourceAuditLog}))
		r.Use(authmw.RequireIdentity(d.Verifier, d.Logger))
		r.Use(authmw.RequireRole(d.Logger, domain.RoleAdmin))
		d.Reporting.Register(r)
	})

	return r
}

type guards struct {
	deps Deps
}

func (g guards) route(r chi.Router, method, pattern string, action audit.Action, resourceType domain.ResourceType, idParam string, ref access.RefFunc, h http.HandlerFunc) {
	policy, ok := g.deps.Policies.Lookup(action, resourceType)
	if !ok {
		g.deps.Logger.Warn("no access policy for route; denying every caller",
			"method", method,
			"route", pattern,
			"action", action,
			"resource_type", resourceType,
		)
		policy = access.NewPolicy(action, resourceType, access.RoleGate{})
	}

	r.With(
		g.deps.Capture.Wrap(capture.Route{Action: action, ResourceType: resourceType, IDParam: idParam}),
		authmw.RequireIdentity(g.deps.Verifier, g.deps.Logger),
		g.deps.BreakGlass.Middleware(ref, policy),
		g.deps.Access.Require(policy, ref),
	).Method(method, pattern, h)
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func healthHandler(checks map[string]HealthCheck) http.HandlerFunc {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{Status: "ok", Checks: map[string]string{}}
		status := http.StatusOK
		for _, name := range names {
			if err := checks[name](r.Context()); err != nil {
				resp.Checks[name] = "unavailable"
				resp.Status = "degraded"
				status = http.StatusServiceUnavailable
				continue
			}
			resp.Checks[name] = "ok"
		}
		httputil.WriteJSON(w, status, resp)
	}
}
