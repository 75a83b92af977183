package breakglass

import (
	"encoding/json"
	"net/http"

	"medguard/pkg/domain"
	dErrors "medguard/pkg/domain-errors"
	"medguard/pkg/platform/httputil"
	"medguard/pkg/requestcontext"
)

// Body fields that request an override. They are control fields, not data.
const (
	FieldBreakGlass    = "breakGlass"
	FieldJustification = "justification"
	FieldApprovedBy    = "approvedBy"
)

type overrideBody struct {
	BreakGlass    bool   `json:"breakGlass"`
	Justification string `json:"justification"`
	ApprovedBy    string `json:"approvedBy"`
}

// CallerGate reports whether a caller passes the route's non-overridable
// checks (role and attributes). *access.Policy implements it.
type CallerGate interface {
	AdmitsCaller(identity *domain.Identity) bool
}

// Middleware activates an override when the JSON body asks for one.
// Requests without a body, including every GET and HEAD, bypass it. The body
// is restored so the wrapped handler can read it. A caller the gate refuses is
// passed on without an override, leaving the access check to deny it; no
// emergency record is written. A nil gate admits every caller.
func (p *Protocol) Middleware(ref func(*http.Request) domain.ResourceRef, gate CallerGate) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Body == nil || r.Body == http.NoBody {
				next.ServeHTTP(w, r)
				return
			}

			ctx := r.Context()
			body, err := httputil.ReadBody(w, r)
			if err != nil {
				p.logger.WarnContext(ctx, "failed to read request body",
					"request_id", requestcontext.RequestID(ctx),
					"error", err,
				)
				httputil.WriteError(w, err)
				return
			}

			var req overrideBody
			// Bodies that are not JSON objects are left to the handler to reject.
			if len(body) == 0 || json.Unmarshal(body, &req) != nil || !req.BreakGlass {
				next.ServeHTTP(w, r)
				return
			}

			identity := requestcontext.Identity(ctx)
			if identity == nil {
				httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "authentication required"))
				return
			}
			if gate != nil && !gate.AdmitsCaller(identity) {
				p.metrics.IncRejection("caller")
				p.logger.WarnContext(ctx, "break-glass refused for caller outside the route's roles",
					"request_id", requestcontext.RequestID(ctx),
					"user_id", identity.ID,
					"role", identity.Role,
				)
				next.ServeHTTP(w, r)
				return
			}

			ctx, _, err = p.Activate(ctx, identity, ref(r), Request{
				Justification: req.Justification,
				ApprovedBy:    req.ApprovedBy,
			})
			if err != nil {
				httputil.WriteError(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
