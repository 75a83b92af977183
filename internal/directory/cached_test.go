package directory

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/suite"

	"medguard/pkg/domain"
	"medguard/pkg/platform/sentinel"
)

type countingResolver struct {
	*Memory
	calls []string
}

func (r *countingResolver) Resolve(ctx context.Context, ref domain.ResourceRef) (*domain.Resource, error) {
	r.calls = append(r.calls, ref.ID)
	return r.Memory.Resolve(ctx, ref)
}

type CachedSuite struct {
	suite.Suite
	mr      *miniredis.Miniredis
	client  *redis.Client
	backing *countingResolver
	cache   *Cached
	ctx     context.Context
}

func TestCachedSuite(t *testing.T) {
	suite.Run(t, new(CachedSuite))
}

func (s *CachedSuite) SetupTest() {
	s.mr = miniredis.RunT(s.T())
	s.client = redis.NewClient(&redis.Options{Addr: s.mr.Addr()})
	s.backing = &countingResolver{Memory: NewMemory()}
	s.Require().NoError(s.backing.Put(context.Background(), domain.Resource{Type: domain.ResourcePatient, ID: "P1", PatientID: "P1", HospitalID: "H1"}, nil, "MRN-1"))
	s.cache = NewCached(s.backing, s.client,
		WithCacheTTL(time.Minute),
		WithCacheLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	s.ctx = context.Background()
}

func (s *CachedSuite) TearDownTest() {
	_ = s.client.Close()
}

func (s *CachedSuite) ref(id string) domain.ResourceRef {
	return domain.ResourceRef{Type: domain.ResourcePatient, ID: id}
}

func (s *CachedSuite) TestAliasIsCachedWithTTL() {
	res, err := s.cache.Resolve(s.ctx, s.ref("MRN-1"))
	s.Require().NoError(err)
	s.Equal(domain.ResourceID("P1"), res.ID)

	got, err := s.mr.Get(keyPrefix + "PATIENT:MRN-1")
	s.Require().NoError(err)
	s.Equal("P1", got)
	s.Equal(time.Minute, s.mr.TTL(keyPrefix+"PATIENT:MRN-1"))

	_, err = s.cache.Resolve(s.ctx, s.ref("MRN-1"))
	s.Require().NoError(err)
	s.Equal([]string{"MRN-1", "P1"}, s.backing.calls, "second lookup goes straight to the canonical id")
}

func (s *CachedSuite) TestCanonicalIDIsNotCached() {
	_, err := s.cache.Resolve(s.ctx, s.ref("P1"))
	s.Require().NoError(err)
	s.False(s.mr.Exists(keyPrefix + "PATIENT:P1"))
}

func (s *CachedSuite) TestStaleAliasFallsBack() {
	s.Require().NoError(s.mr.Set(keyPrefix+"PATIENT:MRN-1", "P-gone"))

	res, err := s.cache.Resolve(s.ctx, s.ref("MRN-1"))

	s.Require().NoError(err)
	s.Equal(domain.ResourceID("P1"), res.ID)
	got, _ := s.mr.Get(keyPrefix + "PATIENT:MRN-1")
	s.Equal("P1", got)
}

func (s *CachedSuite) TestRedisOutageDegradesToBacking() {
	s.mr.Close()

	res, err := s.cache.Resolve(s.ctx, s.ref("MRN-1"))

	s.Require().NoError(err)
	s.Equal(domain.ResourceID("P1"), res.ID)
}

func (s *CachedSuite) TestNotFoundPropagates() {
	_, err := s.cache.Resolve(s.ctx, s.ref("MRN-404"))
	s.ErrorIs(err, sentinel.ErrNotFound)
}
