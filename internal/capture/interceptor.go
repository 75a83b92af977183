// Package capture finalizes every wrapped request into exactly one audit
// record, including the before-state and changed fields of mutations.
package capture

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"slices"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"medguard/internal/breakglass"
	"medguard/pkg/domain"
	"medguard/pkg/platform/audit"
	"medguard/pkg/platform/httputil"
	"medguard/pkg/requestcontext"
)

const anonymousActor = domain.UserID("anonymous")

// StateReader reads the current state of a resource without modifying it.
type StateReader interface {
	ReadState(ctx context.Context, ref domain.ResourceRef) (map[string]any, error)
}

// Resolver maps a secondary identifier to the canonical resource.
type Resolver interface {
	Resolve(ctx context.Context, ref domain.ResourceRef) (*domain.Resource, error)
}

// Dispatcher writes records without blocking the response.
type Dispatcher interface {
	Dispatch(ctx context.Context, rec audit.Record)
}

// Route describes what a wrapped endpoint does.
type Route struct {
	Action       audit.Action
	ResourceType domain.ResourceType
	// IDParam is the chi route parameter holding the resource id, if any.
	IDParam string
}

// Interceptor wraps handlers with request finalization.
type Interceptor struct {
	dispatcher Dispatcher
	reader     StateReader
	resolver   Resolver
	logger     *slog.Logger
	metrics    *Metrics
}

// Option configures the Interceptor.
type Option func(*Interceptor)

// WithStateReader enables before-state capture for UPDATE and DELETE.
func WithStateReader(reader StateReader) Option {
	return func(i *Interceptor) {
		i.reader = reader
	}
}

// WithResolver resolves patient linkage when authorization did not.
func WithResolver(resolver Resolver) Option {
	return func(i *Interceptor) {
		i.resolver = resolver
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(i *Interceptor) {
		i.logger = logger
	}
}

func WithMetrics(m *Metrics) Option {
	return func(i *Interceptor) {
		i.metrics = m
	}
}

// New creates an interceptor writing through dispatcher.
func New(dispatcher Dispatcher, opts ...Option) *Interceptor {
	i := &Interceptor{
		dispatcher: dispatcher,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Wrap returns middleware that finalizes the request. The record is written
// after the handler returns or panics; a panic is re-raised afterwards.
// Nested interceptors on the same request pass through, so one request yields
// one record.
func (i *Interceptor) Wrap(route Route) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if requestcontext.HasScope(r.Context()) {
				next.ServeHTTP(w, r)
				return
			}
			ctx, scope := requestcontext.OpenScope(r.Context())

			ref := domain.ResourceRef{Type: route.ResourceType}
			if route.IDParam != "" {
				ref.ID = chi.URLParam(r, route.IDParam)
			}

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			var details *audit.Details
			defer func() {
				recovered := recover()
				i.finalize(ctx, route, ref, scope, ww.Status(), recovered, details)
				if recovered != nil {
					panic(recovered)
				}
			}()

			if route.Action == audit.ActionUpdate || route.Action == audit.ActionDelete {
				changes, err := changedFields(ww, r)
				if err != nil {
					httputil.WriteError(ww, err)
					return
				}
				details = &audit.Details{
					BeforeState: i.beforeState(ctx, ref),
					Changes:     changes,
				}
			}

			next.ServeHTTP(ww, r.WithContext(ctx))
		})
	}
}

// beforeState reads the resource before the handler can change it. Failures
// leave the state out of the record; they never block the request.
func (i *Interceptor) beforeState(ctx context.Context, ref domain.ResourceRef) map[string]any {
	if i.reader == nil || ref.ID == "" {
		return nil
	}
	state, err := i.reader.ReadState(ctx, ref)
	if err != nil {
		i.metrics.IncStateFailure()
		i.logger.WarnContext(ctx, "before-state capture failed",
			"request_id", requestcontext.RequestID(ctx),
			"resource_type", ref.Type,
			"resource_id", ref.ID,
			"error", err,
		)
		return nil
	}
	return state
}

// changedFields returns the sorted top-level keys of a JSON object body,
// without the break-glass control fields. The body is restored for the handler.
func changedFields(w http.ResponseWriter, r *http.Request) ([]string, error) {
	body, err := httputil.ReadBody(w, r)
	if err != nil || len(body) == 0 {
		return nil, err
	}

	var fields map[string]json.RawMessage
	if json.Unmarshal(body, &fields) != nil {
		return nil, nil
	}
	changes := make([]string, 0, len(fields))
	for key := range fields {
		switch key {
		case breakglass.FieldBreakGlass, breakglass.FieldJustification, breakglass.FieldApprovedBy:
			continue
		}
		changes = append(changes, key)
	}
	slices.Sort(changes)
	return changes, nil
}

// classify maps the handler's outcome to a record status. A request whose
// context was cancelled or timed out is a failure whatever was written.
func classify(ctx context.Context, status int, recovered any) (audit.Status, string) {
	switch {
	case recovered != nil:
		return audit.StatusFailure, "handler panicked"
	case ctx.Err() != nil:
		return audit.StatusFailure, fmt.Sprintf("request aborted: %v", ctx.Err())
	}
	if status == 0 {
		// Nothing written: net/http sends 200.
		status = http.StatusOK
	}
	outcome := audit.StatusFromHTTP(status)
	if outcome == audit.StatusFailure {
		return outcome, http.StatusText(status)
	}
	return outcome, ""
}

func (i *Interceptor) finalize(ctx context.Context, route Route, ref domain.ResourceRef, scope *requestcontext.Scope, status int, recovered any, details *audit.Details) {
	outcome, errMsg := classify(ctx, status, recovered)

	rec := audit.Record{
		Action:       route.Action,
		ResourceType: route.ResourceType,
		ResourceID:   ref.ID,
		IPAddress:    requestcontext.ClientIP(ctx),
		UserAgent:    requestcontext.UserAgent(ctx),
		Device:       requestcontext.Device(ctx),
		AccessMethod: audit.AccessNormal,
		Status:       outcome,
		Details:      details,
		RequestID:    requestcontext.RequestID(ctx),
	}

	if identity := scope.Identity(); identity != nil {
		rec.Actor = audit.Actor{ID: identity.ID, Email: identity.Email, Role: identity.Role}
		rec.HospitalID = identity.HospitalID
		rec.Department = identity.Department
	} else {
		rec.Actor = audit.Actor{ID: anonymousActor}
	}

	if bg := scope.BreakGlass(); bg != nil {
		rec.AccessMethod = audit.AccessEmergency
		rec.BreakGlass = &audit.BreakGlass{Justification: bg.Justification, ApprovedBy: bg.ApprovedBy}
	}

	if res := i.linkedResource(ctx, ref, scope); res != nil {
		rec.ResourceID = string(res.ID)
		rec.PatientID = res.PatientID
	}

	if errMsg != "" {
		if rec.Details == nil {
			rec.Details = &audit.Details{}
		}
		rec.Details.ErrorMessage = errMsg
	}

	i.metrics.IncFinalized(string(rec.Action), string(rec.Status))
	i.dispatcher.Dispatch(ctx, rec)
}

// linkedResource returns the canonical resource for patient-like types,
// reusing the resolution done during authorization when there was one.
func (i *Interceptor) linkedResource(ctx context.Context, ref domain.ResourceRef, scope *requestcontext.Scope) *domain.Resource {
	if res := scope.Resource(); res != nil {
		return res
	}
	if !ref.Type.PatientScoped() || ref.ID == "" || i.resolver == nil {
		return nil
	}
	res, err := i.resolver.Resolve(context.WithoutCancel(ctx), ref)
	if err != nil {
		i.logger.DebugContext(ctx, "patient linkage unresolved",
			"request_id", requestcontext.RequestID(ctx),
			"resource_type", ref.Type,
			"resource_id", ref.ID,
			"error", err,
		)
		return nil
	}
	return res
}
