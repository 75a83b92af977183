package breakglass

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"medguard/pkg/domain"
	dErrors "medguard/pkg/domain-errors"
	"medguard/pkg/platform/audit"
	"medguard/pkg/platform/sentinel"
	"medguard/pkg/requestcontext"
)

// Resolver resolves the override target to its canonical resource.
type Resolver interface {
	Resolve(ctx context.Context, ref domain.ResourceRef) (*domain.Resource, error)
}

// AuditTrail writes the emergency record. Record swallows failures; Append
// reports them and is used when the protocol fails closed.
type AuditTrail interface {
	Record(ctx context.Context, rec audit.Record) *audit.Record
	Append(ctx context.Context, rec audit.Record) (*audit.Record, error)
}

// Protocol activates overrides.
type Protocol struct {
	resolver   Resolver
	trail      AuditTrail
	logger     *slog.Logger
	metrics    *Metrics
	now        func() time.Time
	failClosed bool
}

// Option configures the Protocol.
type Option func(*Protocol)

func WithLogger(logger *slog.Logger) Option {
	return func(p *Protocol) {
		p.logger = logger
	}
}

func WithMetrics(m *Metrics) Option {
	return func(p *Protocol) {
		p.metrics = m
	}
}

func WithClock(now func() time.Time) Option {
	return func(p *Protocol) {
		p.now = now
	}
}

// WithFailClosed refuses activation when the emergency record cannot be
// stored. By default the override proceeds and the failure is only logged.
func WithFailClosed() Option {
	return func(p *Protocol) {
		p.failClosed = true
	}
}

// New creates the protocol.
func New(resolver Resolver, trail AuditTrail, opts ...Option) (*Protocol, error) {
	if resolver == nil {
		return nil, errors.New("resource resolver is required")
	}
	if trail == nil {
		return nil, errors.New("audit trail is required")
	}
	p := &Protocol{
		resolver: resolver,
		trail:    trail,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Activate moves the request from INACTIVE to ACTIVE. The BREAK_GLASS_ACCESS
// record is written before Activate returns, so the emergency access is on
// record even if the operation that follows fails. The returned context
// carries the override; it must only be used for the current request.
//
// Errors: CodeValidation for a short justification (nothing is recorded),
// CodeNotFound for an unknown resource, CodeInternal for a failed lookup and,
// with WithFailClosed, CodeUnavailable when the record cannot be stored.
func (p *Protocol) Activate(ctx context.Context, identity *domain.Identity, ref domain.ResourceRef, req Request) (context.Context, *Override, error) {
	requestID := requestcontext.RequestID(ctx)
	if identity == nil {
		return ctx, nil, dErrors.New(dErrors.CodeUnauthorized, "authentication required")
	}
	if err := req.Validate(); err != nil {
		p.metrics.IncRejection("justification")
		p.logger.WarnContext(ctx, "break-glass rejected",
			"request_id", requestID,
			"user_id", identity.ID,
			"reason", "justification too short",
		)
		return ctx, nil, err
	}

	if existing := FromContext(ctx); existing.State == Active {
		return ctx, &existing, nil
	}

	res, err := p.resolve(ctx, ref)
	if err != nil {
		return ctx, nil, err
	}

	override := Override{
		State:         Active,
		Justification: req.Justification,
		ApprovedBy:    req.ApprovedBy,
		AcquiredAt:    p.now().UTC(),
	}

	rec := emergencyRecord(ctx, identity, ref, res, override)
	if p.failClosed {
		if _, err := p.trail.Append(ctx, rec); err != nil {
			p.metrics.IncRejection("audit")
			p.logger.ErrorContext(ctx, "break-glass refused: emergency record not stored",
				"request_id", requestID,
				"user_id", identity.ID,
				"error", err,
			)
			return ctx, nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "emergency access could not be recorded")
		}
	} else if p.trail.Record(ctx, rec) == nil {
		p.logger.WarnContext(ctx, "break-glass proceeding without emergency record",
			"request_id", requestID,
			"user_id", identity.ID,
		)
	}

	p.metrics.IncActivation(string(ref.Type))
	p.logger.WarnContext(ctx, "break-glass activated",
		"request_id", requestID,
		"user_id", identity.ID,
		"role", identity.Role,
		"resource_type", ref.Type,
		"resource_id", rec.ResourceID,
		"approved_by", override.ApprovedBy,
	)

	return requestcontext.WithBreakGlass(ctx, override.toDomain()), &override, nil
}

func (p *Protocol) resolve(ctx context.Context, ref domain.ResourceRef) (*domain.Resource, error) {
	if ref.ID == "" {
		return nil, nil
	}
	res, err := p.resolver.Resolve(ctx, ref)
	switch {
	case errors.Is(err, sentinel.ErrNotFound) || (err == nil && res == nil):
		p.metrics.IncRejection("not_found")
		return nil, dErrors.New(dErrors.CodeNotFound, "resource not found")
	case err != nil:
		p.metrics.IncRejection("lookup")
		p.logger.ErrorContext(ctx, "break-glass resource lookup failed",
			"request_id", requestcontext.RequestID(ctx),
			"resource_type", ref.Type,
			"resource_id", ref.ID,
			"error", err,
		)
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "resource lookup failed")
	}
	return res, nil
}

func emergencyRecord(ctx context.Context, identity *domain.Identity, ref domain.ResourceRef, res *domain.Resource, o Override) audit.Record {
	rec := audit.Record{
		Actor: audit.Actor{
			ID:    identity.ID,
			Email: identity.Email,
			Role:  identity.Role,
		},
		Action:       audit.ActionBreakGlass,
		ResourceType: ref.Type,
		ResourceID:   ref.ID,
		Timestamp:    o.AcquiredAt,
		IPAddress:    requestcontext.ClientIP(ctx),
		UserAgent:    requestcontext.UserAgent(ctx),
		Device:       requestcontext.Device(ctx),
		AccessMethod: audit.AccessEmergency,
		Status:       audit.StatusSuccess,
		BreakGlass: &audit.BreakGlass{
			Justification: o.Justification,
			ApprovedBy:    o.ApprovedBy,
		},
		HospitalID: identity.HospitalID,
		Department: identity.Department,
		RequestID:  requestcontext.RequestID(ctx),
	}
	if res != nil {
		rec.ResourceID = string(res.ID)
		rec.PatientID = res.PatientID
	}
	return rec
}
