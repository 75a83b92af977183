package access

//go:generate mockgen -source=service.go -destination=mocks/mocks.go -package=mocks Resolver,AuditRecorder

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"medguard/internal/access/metrics"
	"medguard/internal/access/mocks"
	"medguard/pkg/domain"
	dErrors "medguard/pkg/domain-errors"
	"medguard/pkg/platform/audit"
	"medguard/pkg/platform/sentinel"
	"medguard/pkg/requestcontext"
)

// =============================================================================
// Access Service Test Suite
// =============================================================================
// Justification for unit tests: gate precedence, the role-specific
// relationship rules and denial recording are the core authorization
// contract. Each scenario asserts both the decision and the audit side effect.

type ServiceSuite struct {
	suite.Suite
	ctrl     *gomock.Controller
	resolver *mocks.MockResolver
	auditor  *mocks.MockAuditRecorder
	metrics  *metrics.Metrics
	service  *Service
	ctx      context.Context
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.resolver = mocks.NewMockResolver(s.ctrl)
	s.auditor = mocks.NewMockAuditRecorder(s.ctrl)
	s.metrics = metrics.NewWith(prometheus.NewRegistry())

	var err error
	s.service, err = New(s.resolver, s.auditor,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithMetrics(s.metrics),
	)
	s.Require().NoError(err)

	ctx := requestcontext.WithClientMetadata(context.Background(), "10.1.2.3", "curl/8.0")
	s.ctx = requestcontext.WithRequestID(ctx, "req-1")
}

func (s *ServiceSuite) TearDownTest() {
	s.ctrl.Finish()
}

func patientPolicy() *Policy {
	return NewPolicy(audit.ActionView, domain.ResourcePatient,
		RoleGate{Allowed: []domain.Role{domain.RoleAdmin, domain.RoleDoctor, domain.RoleNurse, domain.RoleStaff, domain.RolePatient}},
		RelationshipGate{},
	)
}

func patientResource(id string, hospital domain.HospitalID) *domain.Resource {
	return &domain.Resource{
		Type:       domain.ResourcePatient,
		ID:         domain.ResourceID(id),
		PatientID:  domain.ResourceID(id),
		HospitalID: hospital,
	}
}

func (s *ServiceSuite) expectResolve(ref domain.ResourceRef, res *domain.Resource) {
	s.resolver.EXPECT().Resolve(gomock.Any(), ref).Return(res, nil)
}

// expectDenialRecord captures the ACCESS_DENIED record written by the service.
func (s *ServiceSuite) expectDenialRecord() *audit.Record {
	captured := &audit.Record{}
	s.auditor.EXPECT().Record(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, rec audit.Record) *audit.Record {
			*captured = rec
			return &rec
		}).Times(1)
	return captured
}

func (s *ServiceSuite) TestNew() {
	s.Run("nil resolver returns error", func() {
		_, err := New(nil, s.auditor)
		s.ErrorContains(err, "resolver is required")
	})

	s.Run("nil auditor returns error", func() {
		_, err := New(s.resolver, nil)
		s.ErrorContains(err, "audit recorder is required")
	})
}

func (s *ServiceSuite) TestRelationshipGate() {
	s.Run("nurse in another hospital is denied and recorded", func() {
		nurse := &domain.Identity{ID: "nurse-1", Email: "n@h1", Role: domain.RoleNurse, HospitalID: "H1", Department: "ER"}
		ref := domain.ResourceRef{Type: domain.ResourcePatient, ID: "P"}
		s.expectResolve(ref, patientResource("P", "H2"))
		rec := s.expectDenialRecord()

		d, err := s.service.Authorize(s.ctx, Request{Identity: nurse, Action: audit.ActionView, Resource: ref, Policy: patientPolicy()})

		s.Require().NoError(err)
		s.Equal(Denied, d.Outcome)
		s.Equal("not in nurse's hospital", d.Reason)
		s.Equal(GateRelationship, d.Gate)
		s.Equal(audit.ActionAccessDenied, rec.Action)
		s.Equal(audit.StatusDenied, rec.Status)
		s.Equal(domain.HospitalID("H1"), rec.HospitalID)
		s.Equal("ER", rec.Department)
		s.Equal("P", rec.ResourceID)
		s.Equal("not in nurse's hospital", rec.Details.DenialReason)
		s.Equal("10.1.2.3", rec.IPAddress)
		s.Equal("req-1", rec.RequestID)
	})

	s.Run("nurse in same hospital is granted for any patient", func() {
		nurse := &domain.Identity{ID: "nurse-1", Role: domain.RoleNurse, HospitalID: "H1"}
		ref := domain.ResourceRef{Type: domain.ResourcePatient, ID: "P"}
		s.expectResolve(ref, patientResource("P", "H1"))

		d, err := s.service.Authorize(s.ctx, Request{Identity: nurse, Action: audit.ActionView, Resource: ref, Policy: patientPolicy()})

		s.Require().NoError(err)
		s.True(d.Granted())
	})

	s.Run("doctor without assignment is denied", func() {
		doctor := &domain.Identity{ID: "doc-1", Role: domain.RoleDoctor, HospitalID: "H1", AssignedResourceIDs: []domain.ResourceID{"P1"}}
		ref := domain.ResourceRef{Type: domain.ResourcePatient, ID: "P2"}
		s.expectResolve(ref, patientResource("P2", "H1"))
		rec := s.expectDenialRecord()

		d, err := s.service.Authorize(s.ctx, Request{Identity: doctor, Action: audit.ActionView, Resource: ref, Policy: patientPolicy()})

		s.Require().NoError(err)
		s.Equal(Denied, d.Outcome)
		s.Equal("not assigned", d.Reason)
		s.Equal("not assigned", rec.Details.DenialReason)
	})

	s.Run("doctor with assignment is granted via secondary id", func() {
		doctor := &domain.Identity{ID: "doc-1", Role: domain.RoleDoctor, AssignedResourceIDs: []domain.ResourceID{"P1"}}
		ref := domain.ResourceRef{Type: domain.ResourcePatient, ID: "MRN-0001"}
		s.expectResolve(ref, patientResource("P1", "H9"))

		d, err := s.service.Authorize(s.ctx, Request{Identity: doctor, Action: audit.ActionView, Resource: ref, Policy: patientPolicy()})

		s.Require().NoError(err)
		s.True(d.Granted())
		s.Equal(domain.ResourceID("P1"), d.Resource.ID)
	})

	s.Run("staff assigned to the patient may open their visits", func() {
		staff := &domain.Identity{ID: "staff-1", Role: domain.RoleStaff, AssignedResourceIDs: []domain.ResourceID{"P1"}}
		ref := domain.ResourceRef{Type: domain.ResourceVisit, ID: "V-7"}
		s.expectResolve(ref, &domain.Resource{Type: domain.ResourceVisit, ID: "V-7", PatientID: "P1", HospitalID: "H1"})
		policy := NewPolicy(audit.ActionView, domain.ResourceVisit, RelationshipGate{})

		d, err := s.service.Authorize(s.ctx, Request{Identity: staff, Action: audit.ActionView, Resource: ref, Policy: policy})

		s.Require().NoError(err)
		s.True(d.Granted())
	})

	s.Run("admin is granted in any hospital without denial record", func() {
		admin := &domain.Identity{ID: "admin-1", Role: domain.RoleAdmin, HospitalID: "H1"}
		ref := domain.ResourceRef{Type: domain.ResourcePatient, ID: "P"}
		s.expectResolve(ref, patientResource("P", "H42"))

		d, err := s.service.Authorize(s.ctx, Request{Identity: admin, Action: audit.ActionView, Resource: ref, Policy: patientPolicy()})

		s.Require().NoError(err)
		s.True(d.Granted())
		s.Equal(ReasonGranted, d.Reason)
	})

	s.Run("patient may only open their own record", func() {
		patient := &domain.Identity{ID: "pat-1", Role: domain.RolePatient, AssignedResourceIDs: []domain.ResourceID{"P1"}}
		own := domain.ResourceRef{Type: domain.ResourcePatient, ID: "P1"}
		other := domain.ResourceRef{Type: domain.ResourcePatient, ID: "P2"}
		s.expectResolve(own, patientResource("P1", "H1"))
		s.expectResolve(other, patientResource("P2", "H1"))
		s.expectDenialRecord()

		d, err := s.service.Authorize(s.ctx, Request{Identity: patient, Action: audit.ActionView, Resource: own, Policy: patientPolicy()})
		s.Require().NoError(err)
		s.True(d.Granted())

		d, err = s.service.Authorize(s.ctx, Request{Identity: patient, Action: audit.ActionView, Resource: other, Policy: patientPolicy()})
		s.Require().NoError(err)
		s.Equal(ReasonNotAssigned, d.Reason)
	})

	s.Run("non patient-scoped resources skip the relationship rules", func() {
		staff := &domain.Identity{ID: "staff-1", Role: domain.RoleStaff}
		ref := domain.ResourceRef{Type: domain.ResourceReport, ID: "R-1"}
		s.expectResolve(ref, &domain.Resource{Type: domain.ResourceReport, ID: "R-1"})
		policy := NewPolicy(audit.ActionView, domain.ResourceReport, RelationshipGate{})

		d, err := s.service.Authorize(s.ctx, Request{Identity: staff, Action: audit.ActionView, Resource: ref, Policy: policy})

		s.Require().NoError(err)
		s.True(d.Granted())
	})
}

func (s *ServiceSuite) TestRoleGate() {
	s.Run("role outside the allowed set is denied without lookup or record", func() {
		staff := &domain.Identity{ID: "staff-1", Role: domain.RoleStaff}
		policy := NewPolicy(audit.ActionDelete, domain.ResourcePatient,
			RelationshipGate{},
			RoleGate{Allowed: []domain.Role{domain.RoleAdmin}},
		)

		d, err := s.service.Authorize(s.ctx, Request{
			Identity: staff,
			Action:   audit.ActionDelete,
			Resource: domain.ResourceRef{Type: domain.ResourcePatient, ID: "P"},
			Policy:   policy,
		})

		s.Require().NoError(err)
		s.Equal(Denied, d.Outcome)
		s.Equal("role not authorized", d.Reason)
		s.Equal(GateRole, d.Gate)
	})
}

func (s *ServiceSuite) TestAttributeGate() {
	policy := NewPolicy(audit.ActionExport, domain.ResourceReport,
		AttributeGate{Requirements: map[Attribute][]string{
			AttrDepartment:  {"Oncology", "Cardiology"},
			AttrAccessLevel: {">=3"},
		}},
	)
	ref := domain.ResourceRef{Type: domain.ResourceReport}

	s.Run("all attributes matching grants", func() {
		id := &domain.Identity{ID: "doc-1", Role: domain.RoleDoctor, Department: "Cardiology", AccessLevel: 4}

		d, err := s.service.Authorize(s.ctx, Request{Identity: id, Action: audit.ActionExport, Resource: ref, Policy: policy})

		s.Require().NoError(err)
		s.True(d.Granted())
	})

	s.Run("one attribute mismatching denies and records", func() {
		id := &domain.Identity{ID: "doc-1", Role: domain.RoleDoctor, Department: "Cardiology", AccessLevel: 2}
		rec := s.expectDenialRecord()

		d, err := s.service.Authorize(s.ctx, Request{Identity: id, Action: audit.ActionExport, Resource: ref, Policy: policy})

		s.Require().NoError(err)
		s.Equal("attribute mismatch", d.Reason)
		s.Equal("attribute mismatch", rec.Details.DenialReason)
	})
}

func (s *ServiceSuite) TestConsentGate() {
	policy := NewPolicy(audit.ActionExport, domain.ResourcePatient,
		ConsentGate{Flag: domain.ConsentResearch},
		RelationshipGate{},
	)
	admin := &domain.Identity{ID: "admin-1", Role: domain.RoleAdmin}
	ref := domain.ResourceRef{Type: domain.ResourcePatient, ID: "P"}

	s.Run("missing consent flag denies", func() {
		s.expectResolve(ref, patientResource("P", "H1"))
		rec := s.expectDenialRecord()

		d, err := s.service.Authorize(s.ctx, Request{Identity: admin, Action: audit.ActionExport, Resource: ref, Policy: policy})

		s.Require().NoError(err)
		s.Equal("consent required: research", d.Reason)
		s.Equal(GateConsent, d.Gate)
		s.Equal(domain.ResourceID("P"), rec.PatientID)
	})

	s.Run("granted consent passes", func() {
		res := patientResource("P", "H1")
		res.Consent.Research = true
		s.expectResolve(ref, res)

		d, err := s.service.Authorize(s.ctx, Request{Identity: admin, Action: audit.ActionExport, Resource: ref, Policy: policy})

		s.Require().NoError(err)
		s.True(d.Granted())
	})
}

func (s *ServiceSuite) TestBreakGlassOverride() {
	policy := NewPolicy(audit.ActionView, domain.ResourcePatient,
		RelationshipGate{},
		ConsentGate{Flag: domain.ConsentEmergencyAccess},
	)
	doctor := &domain.Identity{ID: "doc-1", Role: domain.RoleDoctor}
	ref := domain.ResourceRef{Type: domain.ResourcePatient, ID: "P"}
	ctx := requestcontext.WithBreakGlass(s.ctx, &domain.BreakGlass{
		Justification: "cardiac arrest in ER, patient unresponsive",
		AcquiredAt:    time.Now(),
	})

	s.Run("relationship and consent denials become a grant", func() {
		s.expectResolve(ref, patientResource("P", "H2"))

		d, err := s.service.Authorize(ctx, Request{Identity: doctor, Action: audit.ActionView, Resource: ref, Policy: policy})

		s.Require().NoError(err)
		s.True(d.Granted())
		s.True(d.Override)
		s.Equal(ReasonBreakGlass, d.Reason)
		s.Equal(float64(1), promtest.ToFloat64(s.metrics.Overrides.WithLabelValues("consent")))
	})

	s.Run("attribute gate is not overridable", func() {
		strict := NewPolicy(audit.ActionView, domain.ResourcePatient,
			AttributeGate{Requirements: map[Attribute][]string{AttrHospital: {"H2"}}},
			RelationshipGate{},
		)
		s.expectResolve(ref, patientResource("P", "H2"))
		s.expectDenialRecord()

		d, err := s.service.Authorize(ctx, Request{Identity: doctor, Action: audit.ActionView, Resource: ref, Policy: strict})

		s.Require().NoError(err)
		s.Equal(ReasonAttributeMismatch, d.Reason)
	})

	s.Run("override does not leak into later requests", func() {
		s.expectResolve(ref, patientResource("P", "H2"))
		s.expectDenialRecord()

		d, err := s.service.Authorize(s.ctx, Request{Identity: doctor, Action: audit.ActionView, Resource: ref, Policy: policy})

		s.Require().NoError(err)
		s.False(d.Granted())
	})
}

func (s *ServiceSuite) TestFailureModes() {
	ref := domain.ResourceRef{Type: domain.ResourcePatient, ID: "P"}
	doctor := &domain.Identity{ID: "doc-1", Role: domain.RoleDoctor}

	s.Run("unknown resource is not found, not denied", func() {
		s.resolver.EXPECT().Resolve(gomock.Any(), ref).Return(nil, sentinel.ErrNotFound)

		_, err := s.service.Authorize(s.ctx, Request{Identity: doctor, Action: audit.ActionView, Resource: ref, Policy: patientPolicy()})

		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})

	s.Run("lookup error fails closed", func() {
		s.resolver.EXPECT().Resolve(gomock.Any(), ref).Return(nil, errors.New("connection refused"))

		d, err := s.service.Authorize(s.ctx, Request{Identity: doctor, Action: audit.ActionView, Resource: ref, Policy: patientPolicy()})

		s.True(dErrors.HasCode(err, dErrors.CodeInternal))
		s.False(d.Granted())
		s.Equal(float64(1), promtest.ToFloat64(s.metrics.ResolveErrors))
	})

	s.Run("missing identity is not found", func() {
		_, err := s.service.Authorize(s.ctx, Request{Action: audit.ActionView, Resource: ref, Policy: patientPolicy()})

		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})

	s.Run("relationship policy without id is a bad request", func() {
		_, err := s.service.Authorize(s.ctx, Request{
			Identity: doctor,
			Action:   audit.ActionView,
			Resource: domain.ResourceRef{Type: domain.ResourcePatient},
			Policy:   patientPolicy(),
		})

		s.True(dErrors.HasCode(err, dErrors.CodeBadRequest))
	})

	s.Run("no configured policy denies", func() {
		d, err := s.service.Authorize(s.ctx, Request{Identity: doctor, Action: audit.ActionPrint, Resource: ref})

		s.Require().NoError(err)
		s.Equal(ReasonNoPolicy, d.Reason)
	})
}

func (s *ServiceSuite) TestPolicySetLookup() {
	svc, err := New(s.resolver, s.auditor,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithPolicies(NewPolicySet(patientPolicy())),
	)
	s.Require().NoError(err)
	ref := domain.ResourceRef{Type: domain.ResourcePatient, ID: "P"}
	s.expectResolve(ref, patientResource("P", "H1"))

	d, err := svc.Authorize(s.ctx, Request{
		Identity: &domain.Identity{ID: "nurse-1", Role: domain.RoleNurse, HospitalID: "H1"},
		Action:   audit.ActionView,
		Resource: ref,
	})

	s.Require().NoError(err)
	s.True(d.Granted())
}
