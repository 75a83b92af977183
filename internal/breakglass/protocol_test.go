package breakglass

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"

	"medguard/pkg/domain"
	dErrors "medguard/pkg/domain-errors"
	"medguard/pkg/platform/audit"
	"medguard/pkg/platform/audit/store/memory"
	"medguard/pkg/platform/sentinel"
	"medguard/pkg/requestcontext"
)

const validJustification = "patient unconscious in ER, allergy history needed"

type stubResolver struct {
	resources map[string]*domain.Resource
	err       error
}

func (r stubResolver) Resolve(_ context.Context, ref domain.ResourceRef) (*domain.Resource, error) {
	if r.err != nil {
		return nil, r.err
	}
	res, ok := r.resources[ref.ID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return res, nil
}

type brokenStore struct {
	*memory.InMemoryStore
}

func (brokenStore) Append(context.Context, audit.Record) error {
	return errors.New("disk full")
}

// =============================================================================
// Break-Glass Protocol Test Suite
// =============================================================================
// Justification for unit tests: the protocol must never grant an override
// without a valid justification, and must have the emergency record stored
// before the wrapped operation runs.

type ProtocolSuite struct {
	suite.Suite
	store    *memory.InMemoryStore
	trail    *audit.Trail
	resolver stubResolver
	metrics  *Metrics
	protocol *Protocol
	doctor   *domain.Identity
	ctx      context.Context
	now      time.Time
}

func TestProtocolSuite(t *testing.T) {
	suite.Run(t, new(ProtocolSuite))
}

func (s *ProtocolSuite) SetupTest() {
	s.now = time.Date(2024, 3, 3, 2, 15, 0, 0, time.UTC)
	s.store = memory.NewInMemoryStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s.trail = audit.NewTrail(s.store, audit.WithLogger(logger))
	s.resolver = stubResolver{resources: map[string]*domain.Resource{
		"MRN-77": {Type: domain.ResourcePatient, ID: "P77", PatientID: "P77", HospitalID: "H2"},
	}}
	s.metrics = NewMetricsWith(prometheus.NewRegistry())
	s.protocol = s.newProtocol(s.trail)
	s.doctor = &domain.Identity{ID: "doc-1", Email: "d@h1", Role: domain.RoleDoctor, HospitalID: "H1", Department: "ER"}
	s.ctx = requestcontext.WithClientMetadata(context.Background(), "10.0.0.9", "Mozilla/5.0")
}

func (s *ProtocolSuite) newProtocol(trail AuditTrail, opts ...Option) *Protocol {
	opts = append([]Option{
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithMetrics(s.metrics),
		WithClock(func() time.Time { return s.now }),
	}, opts...)
	p, err := New(s.resolver, trail, opts...)
	s.Require().NoError(err)
	return p
}

func (s *ProtocolSuite) ref() domain.ResourceRef {
	return domain.ResourceRef{Type: domain.ResourcePatient, ID: "MRN-77"}
}

func (s *ProtocolSuite) TestActivate() {
	s.Run("valid justification records emergency access before returning", func() {
		ctx, override, err := s.protocol.Activate(s.ctx, s.doctor, s.ref(), Request{
			Justification: "  " + validJustification + "  ",
			ApprovedBy:    "Dr. Chief",
		})

		s.Require().NoError(err)
		s.Equal(Active, override.State)
		s.Equal(validJustification, override.Justification)
		s.Equal(Active, FromContext(ctx).State)

		records := s.store.All()
		s.Require().Len(records, 1)
		rec := records[0]
		s.Equal(audit.ActionBreakGlass, rec.Action)
		s.Equal(audit.AccessEmergency, rec.AccessMethod)
		s.Equal(audit.StatusSuccess, rec.Status)
		s.Equal("P77", rec.ResourceID)
		s.Equal(domain.ResourceID("P77"), rec.PatientID)
		s.Equal(validJustification, rec.BreakGlass.Justification)
		s.Equal("Dr. Chief", rec.BreakGlass.ApprovedBy)
		s.Equal(s.now, rec.Timestamp)
		s.Equal(float64(1), promtest.ToFloat64(s.metrics.Activations.WithLabelValues("PATIENT")))
	})

	s.Run("short justification is rejected with no record", func() {
		s.SetupTest()
		ctx, override, err := s.protocol.Activate(s.ctx, s.doctor, s.ref(), Request{Justification: "  emergency!!       "})

		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
		s.Nil(override)
		s.Equal(Inactive, FromContext(ctx).State)
		s.Zero(s.store.Len())
		s.Equal(float64(1), promtest.ToFloat64(s.metrics.Rejections.WithLabelValues("justification")))
	})

	s.Run("exactly twenty characters is enough", func() {
		s.SetupTest()
		_, _, err := s.protocol.Activate(s.ctx, s.doctor, s.ref(), Request{Justification: strings.Repeat("x", 20)})

		s.NoError(err)
		s.Equal(1, s.store.Len())
	})

	s.Run("unknown resource is not found and not recorded", func() {
		s.SetupTest()
		_, _, err := s.protocol.Activate(s.ctx, s.doctor, domain.ResourceRef{Type: domain.ResourcePatient, ID: "nope"}, Request{Justification: validJustification})

		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
		s.Zero(s.store.Len())
	})

	s.Run("override does not outlive the request context", func() {
		s.SetupTest()
		_, _, err := s.protocol.Activate(s.ctx, s.doctor, s.ref(), Request{Justification: validJustification})

		s.Require().NoError(err)
		s.Equal(Inactive, FromContext(s.ctx).State)
	})

	s.Run("missing identity is unauthorized", func() {
		_, _, err := s.protocol.Activate(s.ctx, nil, s.ref(), Request{Justification: validJustification})

		s.True(dErrors.HasCode(err, dErrors.CodeUnauthorized))
	})
}

func (s *ProtocolSuite) TestAuditFailure() {
	broken := audit.NewTrail(brokenStore{memory.NewInMemoryStore()},
		audit.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	s.Run("default policy proceeds when the record cannot be stored", func() {
		p := s.newProtocol(broken)

		ctx, _, err := p.Activate(s.ctx, s.doctor, s.ref(), Request{Justification: validJustification})

		s.NoError(err)
		s.Equal(Active, FromContext(ctx).State)
	})

	s.Run("fail closed refuses activation", func() {
		p := s.newProtocol(broken, WithFailClosed())

		ctx, _, err := p.Activate(s.ctx, s.doctor, s.ref(), Request{Justification: validJustification})

		s.True(dErrors.HasCode(err, dErrors.CodeUnavailable))
		s.Equal(Inactive, FromContext(ctx).State)
	})
}

func (s *ProtocolSuite) serve(method, body string) (*httptest.ResponseRecorder, Override, string) {
	return s.serveGated(method, body, nil)
}

type roleGate []domain.Role

func (g roleGate) AdmitsCaller(identity *domain.Identity) bool {
	return slices.Contains(g, identity.Role)
}

func (s *ProtocolSuite) serveGated(method, body string, gate CallerGate) (*httptest.ResponseRecorder, Override, string) {
	var (
		seen     Override
		seenBody string
	)
	handler := s.protocol.Middleware(func(*http.Request) domain.ResourceRef { return s.ref() }, gate)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen = FromContext(r.Context())
			b, _ := io.ReadAll(r.Body)
			seenBody = string(b)
			w.WriteHeader(http.StatusOK)
		}))

	var reader io.Reader
	if body != "" {
		reader = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, "/patients/MRN-77", reader)
	req = req.WithContext(requestcontext.WithIdentity(s.ctx, s.doctor))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr, seen, seenBody
}

func (s *ProtocolSuite) TestMiddleware() {
	s.Run("override request activates and body reaches the handler", func() {
		s.SetupTest()
		body := `{"breakGlass":true,"justification":"` + validJustification + `","diagnosis":"x"}`

		rr, seen, seenBody := s.serve(http.MethodPut, body)

		s.Equal(http.StatusOK, rr.Code)
		s.Equal(Active, seen.State)
		s.Equal(body, seenBody)
		s.Equal(1, s.store.Len())
	})

	s.Run("short justification returns 400 before the handler", func() {
		s.SetupTest()

		rr, seen, _ := s.serve(http.MethodPut, `{"breakGlass":true,"justification":"too short"}`)

		s.Equal(http.StatusBadRequest, rr.Code)
		s.Empty(seen.State)
		s.Zero(s.store.Len())
	})

	s.Run("body without the flag passes untouched", func() {
		s.SetupTest()

		rr, seen, seenBody := s.serve(http.MethodPost, `{"justification":"`+validJustification+`"}`)

		s.Equal(http.StatusOK, rr.Code)
		s.Equal(Inactive, seen.State)
		s.Contains(seenBody, "justification")
		s.Zero(s.store.Len())
	})

	s.Run("GET bypasses override evaluation", func() {
		s.SetupTest()

		rr, seen, _ := s.serve(http.MethodGet, "")

		s.Equal(http.StatusOK, rr.Code)
		s.Equal(Inactive, seen.State)
	})

	s.Run("bodiless POST bypasses override evaluation", func() {
		s.SetupTest()

		rr, seen, _ := s.serve(http.MethodPost, "")

		s.Equal(http.StatusOK, rr.Code)
		s.Equal(Inactive, seen.State)
	})

	s.Run("caller outside the route's roles never activates", func() {
		s.SetupTest()
		body := `{"breakGlass":true,"justification":"` + validJustification + `"}`

		rr, seen, seenBody := s.serveGated(http.MethodPut, body, roleGate{domain.RoleAdmin})

		s.Equal(http.StatusOK, rr.Code, "the access check downstream decides the response")
		s.Equal(Inactive, seen.State)
		s.Equal(body, seenBody)
		s.Zero(s.store.Len())
		s.Equal(float64(1), promtest.ToFloat64(s.metrics.Rejections.WithLabelValues("caller")))
	})

	s.Run("caller inside the route's roles activates", func() {
		s.SetupTest()
		body := `{"breakGlass":true,"justification":"` + validJustification + `"}`

		_, seen, _ := s.serveGated(http.MethodPut, body, roleGate{domain.RoleDoctor})

		s.Equal(Active, seen.State)
		s.Equal(1, s.store.Len())
	})

	s.Run("oversized body is refused with 413", func() {
		s.SetupTest()
		body := `{"breakGlass":true,"justification":"` + validJustification + `","notes":"` + strings.Repeat("a", 1<<20) + `"}`

		rr, seen, _ := s.serve(http.MethodPut, body)

		s.Equal(http.StatusRequestEntityTooLarge, rr.Code)
		s.Empty(seen.State)
		s.Zero(s.store.Len())
	})
}

func (s *ProtocolSuite) TestNew() {
	_, err := New(nil, s.trail)
	s.ErrorContains(err, "resolver is required")

	_, err = New(s.resolver, nil)
	s.ErrorContains(err, "audit trail is required")
}
