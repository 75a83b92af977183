//go:build integration

package postgres_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/suite"

	"medguard/pkg/domain"
	audit "medguard/pkg/platform/audit"
	"medguard/pkg/platform/audit/store/postgres"
	"medguard/pkg/testutil/containers"
)

type PostgresStoreSuite struct {
	suite.Suite
	pg    *containers.PostgresContainer
	store *postgres.Store
	trail *audit.Trail
	actor domain.UserID
}

func TestPostgresStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresStoreSuite))
}

func (s *PostgresStoreSuite) SetupSuite() {
	s.pg = containers.GetManager().GetPostgres(s.T())
	s.store = postgres.New(s.pg.DB)
	s.Require().NoError(s.store.Migrate(context.Background()))
	s.trail = audit.NewTrail(s.store)
}

// The table cannot be truncated, so each test works under a fresh actor id.
func (s *PostgresStoreSuite) SetupTest() {
	s.actor = domain.UserID("actor-" + uuid.NewString())
}

func (s *PostgresStoreSuite) record(action audit.Action, status audit.Status, at time.Time) *audit.Record {
	rec := s.trail.Record(context.Background(), audit.Record{
		Actor:        audit.Actor{ID: s.actor, Email: "doc@example.org", Role: domain.RoleDoctor},
		Action:       action,
		ResourceType: domain.ResourcePatient,
		ResourceID:   "p-1",
		PatientID:    "p-1",
		Timestamp:    at,
		IPAddress:    "10.0.0.1",
		Status:       status,
		Details: &audit.Details{
			BeforeState: map[string]any{"phone": "555", "age": 42},
			Changes:     []string{"phone"},
		},
	})
	s.Require().NotNil(rec)
	return rec
}

func (s *PostgresStoreSuite) TestRoundTripKeepsDigestValid() {
	rec := s.record(audit.ActionUpdate, audit.StatusSuccess, time.Now())

	got, err := s.trail.Get(context.Background(), rec.ID)
	s.Require().NoError(err)
	s.Equal(rec.Digest, got.Digest)
	s.True(s.trail.Verify(*got))
}

func (s *PostgresStoreSuite) TestDatabaseRejectsMutation() {
	ctx := context.Background()
	rec := s.record(audit.ActionView, audit.StatusSuccess, time.Now())

	_, err := s.pg.DB.ExecContext(ctx, `UPDATE audit_records SET status = 'FAILURE' WHERE id = $1`, rec.ID)
	s.Require().Error(err)
	var pqErr *pq.Error
	s.Require().True(errors.As(err, &pqErr))
	s.Equal("55000", string(pqErr.Code))

	_, err = s.pg.DB.ExecContext(ctx, `DELETE FROM audit_records WHERE id = $1`, rec.ID)
	s.Require().Error(err)

	_, err = s.pg.DB.ExecContext(ctx, `TRUNCATE audit_records`)
	s.Require().Error(err)
}

func (s *PostgresStoreSuite) TestQueryPaginationAndRange() {
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := range 5 {
		s.record(audit.ActionView, audit.StatusSuccess, base.Add(time.Duration(i)*time.Hour))
	}
	s.record(audit.ActionAccessDenied, audit.StatusDenied, base.Add(10*time.Hour))

	page, err := s.trail.Query(ctx, audit.Filter{ActorID: s.actor}, audit.Pagination{Page: 1, Limit: 2})
	s.Require().NoError(err)
	s.Equal(6, page.Total)
	s.Equal(3, page.Pages)
	s.Require().Len(page.Records, 2)
	s.Equal(audit.ActionAccessDenied, page.Records[0].Action)

	ranged, err := s.trail.Query(ctx, audit.Filter{
		ActorID:   s.actor,
		StartDate: base.Add(1 * time.Hour),
		EndDate:   base.Add(3 * time.Hour),
	}, audit.Pagination{Sort: audit.SortAsc})
	s.Require().NoError(err)
	s.Require().Len(ranged.Records, 3)
	s.True(ranged.Records[0].Timestamp.Equal(base.Add(1 * time.Hour)))

	n, err := s.store.Count(ctx, audit.Filter{ActorID: s.actor, Status: audit.StatusDenied})
	s.Require().NoError(err)
	s.Equal(int64(1), n)
}
