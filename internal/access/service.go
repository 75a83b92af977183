package access

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"medguard/internal/access/metrics"
	"medguard/pkg/domain"
	dErrors "medguard/pkg/domain-errors"
	"medguard/pkg/platform/audit"
	"medguard/pkg/platform/sentinel"
	"medguard/pkg/requestcontext"
)

const tracerName = "medguard/internal/access"

// Resolver resolves a resource reference, canonical or secondary, to the
// resource it names. Missing resources are reported as sentinel.ErrNotFound.
type Resolver interface {
	Resolve(ctx context.Context, ref domain.ResourceRef) (*domain.Resource, error)
}

// AuditRecorder persists denial records. Implementations never fail the
// caller; a nil return means the record was not stored.
type AuditRecorder interface {
	Record(ctx context.Context, rec audit.Record) *audit.Record
}

// Service evaluates access requests against gate pipelines.
type Service struct {
	resolver Resolver
	auditor  AuditRecorder
	policies *PolicySet
	logger   *slog.Logger
	metrics  *metrics.Metrics
	tracer   trace.Tracer
}

// Option configures the Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithPolicies sets the policies consulted for requests that carry none.
func WithPolicies(set *PolicySet) Option {
	return func(s *Service) {
		s.policies = set
	}
}

// WithTracer overrides the tracer taken from the global provider.
func WithTracer(tracer trace.Tracer) Option {
	return func(s *Service) {
		s.tracer = tracer
	}
}

// New creates the decision service.
func New(resolver Resolver, auditor AuditRecorder, opts ...Option) (*Service, error) {
	if resolver == nil {
		return nil, errors.New("resource resolver is required")
	}
	if auditor == nil {
		return nil, errors.New("audit recorder is required")
	}
	s := &Service{
		resolver: resolver,
		auditor:  auditor,
		logger:   slog.Default(),
		tracer:   otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Authorize evaluates req. Denials are returned as a Decision, not an error.
// Errors are reserved for requests that cannot be evaluated: a missing
// identity or resource (CodeNotFound) or a failed lookup (CodeInternal). In
// both cases the operation must not run.
func (s *Service) Authorize(ctx context.Context, req Request) (Decision, error) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "access.Authorize", trace.WithAttributes(
		attribute.String("access.action", string(req.Action)),
		attribute.String("access.resource_type", string(req.Resource.Type)),
	))
	defer span.End()

	decision, err := s.authorize(ctx, req)
	s.metrics.ObserveEvaluateLatency(time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(dErrors.CodeOf(err)))
		s.metrics.IncDecision("error", decision.Gate.String())
		return Decision{Outcome: Denied, Reason: err.Error()}, err
	}

	span.SetAttributes(
		attribute.String("access.outcome", string(decision.Outcome)),
		attribute.String("access.gate", decision.Gate.String()),
		attribute.Bool("access.override", decision.Override),
	)
	s.metrics.IncDecision(string(decision.Outcome), decision.Gate.String())
	return decision, nil
}

func (s *Service) authorize(ctx context.Context, req Request) (Decision, error) {
	identity := req.Identity
	if identity == nil || identity.ID.IsNil() {
		return Decision{}, dErrors.New(dErrors.CodeNotFound, "identity not found")
	}

	policy := req.Policy
	if policy == nil {
		var ok bool
		policy, ok = s.policies.Lookup(req.Action, req.Resource.Type)
		if !ok {
			s.logger.WarnContext(ctx, "no access policy configured",
				"request_id", requestcontext.RequestID(ctx),
				"action", req.Action,
				"resource_type", req.Resource.Type,
			)
			return deny(GateNone, ReasonNoPolicy), nil
		}
	}

	var (
		res        *domain.Resource
		overridden GateKind
		resolved   bool
	)
	for _, gate := range policy.gates {
		if gate.Kind() != GateRole && !resolved {
			var err error
			res, err = s.resolve(ctx, policy, req.Resource)
			if err != nil {
				return Decision{}, err
			}
			resolved = true
		}

		switch g := gate.(type) {
		case RoleGate:
			// Role denials are refused before the resource is looked up and
			// surface through the request's finalizing record instead.
			if !g.admits(identity.Role) {
				return deny(GateRole, ReasonRoleNotAuthorized), nil
			}
		case AttributeGate:
			if !g.admits(identity) {
				return s.denied(ctx, req, res, GateAttribute, ReasonAttributeMismatch), nil
			}
		case RelationshipGate:
			if ok, reason := EvaluateRelationship(identity, res); !ok {
				if !s.overridable(ctx) {
					return s.denied(ctx, req, res, GateRelationship, reason), nil
				}
				overridden = max(overridden, GateRelationship)
			}
		case ConsentGate:
			if ok, reason := EvaluateConsent(res, g.Flag); !ok {
				if !s.overridable(ctx) {
					return s.denied(ctx, req, res, GateConsent, reason), nil
				}
				overridden = max(overridden, GateConsent)
			}
		}
	}
	if !resolved && req.Resource.ID != "" {
		var err error
		if res, err = s.resolve(ctx, policy, req.Resource); err != nil {
			return Decision{}, err
		}
	}

	if overridden != GateNone {
		s.metrics.IncOverride(overridden.String())
		s.logger.WarnContext(ctx, "break-glass override applied",
			"request_id", requestcontext.RequestID(ctx),
			"user_id", identity.ID,
			"action", req.Action,
			"resource_type", req.Resource.Type,
			"resource_id", resourceID(req.Resource, res),
			"gate", overridden.String(),
		)
		d := grant(ReasonBreakGlass)
		d.Gate = overridden
		d.Override = true
		d.Resource = res
		return d, nil
	}

	d := grant(ReasonGranted)
	d.Resource = res
	return d, nil
}

// resolve looks up the target resource. Policies that inspect the resource
// cannot be evaluated without an id.
func (s *Service) resolve(ctx context.Context, policy *Policy, ref domain.ResourceRef) (*domain.Resource, error) {
	if ref.ID == "" {
		if policy.needsResource() {
			return nil, dErrors.New(dErrors.CodeBadRequest, "resource id is required")
		}
		return nil, nil
	}
	res, err := s.resolver.Resolve(ctx, ref)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.Wrap(err, dErrors.CodeNotFound, "resource not found")
		}
		s.metrics.IncResolveError()
		s.logger.ErrorContext(ctx, "resource lookup failed",
			"request_id", requestcontext.RequestID(ctx),
			"resource_type", ref.Type,
			"resource_id", ref.ID,
			"error", err,
		)
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "resource lookup failed")
	}
	if res == nil {
		return nil, dErrors.New(dErrors.CodeNotFound, "resource not found")
	}
	return res, nil
}

func (s *Service) overridable(ctx context.Context) bool {
	return requestcontext.BreakGlass(ctx) != nil
}

// denied writes the ACCESS_DENIED record for a gate refusal and returns the decision.
func (s *Service) denied(ctx context.Context, req Request, res *domain.Resource, gate GateKind, reason string) Decision {
	identity := req.Identity
	rec := audit.Record{
		Actor: audit.Actor{
			ID:    identity.ID,
			Email: identity.Email,
			Role:  identity.Role,
		},
		Action:       audit.ActionAccessDenied,
		ResourceType: req.Resource.Type,
		ResourceID:   resourceID(req.Resource, res),
		IPAddress:    requestcontext.ClientIP(ctx),
		UserAgent:    requestcontext.UserAgent(ctx),
		Device:       requestcontext.Device(ctx),
		AccessMethod: audit.AccessNormal,
		Status:       audit.StatusDenied,
		Details:      &audit.Details{DenialReason: reason},
		HospitalID:   identity.HospitalID,
		Department:   identity.Department,
		RequestID:    requestcontext.RequestID(ctx),
	}
	if res != nil {
		rec.PatientID = res.PatientID
	}
	s.auditor.Record(ctx, rec)

	s.logger.InfoContext(ctx, "access denied",
		"request_id", rec.RequestID,
		"user_id", identity.ID,
		"action", req.Action,
		"resource_type", req.Resource.Type,
		"resource_id", rec.ResourceID,
		"gate", gate.String(),
		"reason", reason,
	)

	d := deny(gate, reason)
	d.Resource = res
	return d
}

// resourceID prefers the canonical id once the resource is resolved.
func resourceID(ref domain.ResourceRef, res *domain.Resource) string {
	if res != nil && !res.ID.IsNil() {
		return string(res.ID)
	}
	return ref.ID
}
