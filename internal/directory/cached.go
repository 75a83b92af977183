package directory

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"medguard/pkg/domain"
	"medguard/pkg/requestcontext"
)

// Resolver is the lookup the cache sits in front of.
type Resolver interface {
	Resolve(ctx context.Context, ref domain.ResourceRef) (*domain.Resource, error)
}

// DefaultCacheTTL bounds how long a secondary id mapping is trusted.
const DefaultCacheTTL = 10 * time.Minute

const keyPrefix = "medguard:directory:alias:"

// Cached remembers which canonical id a secondary identifier maps to. Only
// the mapping is cached: hospital affiliation and consent flags are always
// read from the underlying resolver so a revoked consent applies at once.
// Redis errors degrade to uncached lookups.
type Cached struct {
	next   Resolver
	client redis.Cmdable
	ttl    time.Duration
	logger *slog.Logger
}

// CacheOption configures Cached.
type CacheOption func(*Cached)

func WithCacheTTL(ttl time.Duration) CacheOption {
	return func(c *Cached) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

func WithCacheLogger(logger *slog.Logger) CacheOption {
	return func(c *Cached) {
		c.logger = logger
	}
}

// NewCached wraps next with a Redis alias cache.
func NewCached(next Resolver, client redis.Cmdable, opts ...CacheOption) *Cached {
	c := &Cached{
		next:   next,
		client: client,
		ttl:    DefaultCacheTTL,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func aliasKey(ref domain.ResourceRef) string {
	return keyPrefix + string(ref.Type) + ":" + ref.ID
}

// Resolve looks the reference up through the cached alias when one exists.
func (c *Cached) Resolve(ctx context.Context, ref domain.ResourceRef) (*domain.Resource, error) {
	if !ref.Type.PatientScoped() || ref.ID == "" {
		return c.next.Resolve(ctx, ref)
	}

	canonical, err := c.client.Get(ctx, aliasKey(ref)).Result()
	switch {
	case err == nil && canonical != "":
		res, err := c.next.Resolve(ctx, domain.ResourceRef{Type: ref.Type, ID: canonical})
		if err == nil {
			return res, nil
		}
		// Stale alias: fall back to resolving the id as given.
		c.Invalidate(ctx, ref)
	case err != nil && !errors.Is(err, redis.Nil):
		c.logger.WarnContext(ctx, "directory cache read failed",
			"request_id", requestcontext.RequestID(ctx),
			"key", aliasKey(ref),
			"error", err,
		)
	}

	res, err := c.next.Resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	if string(res.ID) != ref.ID {
		if err := c.client.Set(ctx, aliasKey(ref), string(res.ID), c.ttl).Err(); err != nil {
			c.logger.WarnContext(ctx, "directory cache write failed",
				"request_id", requestcontext.RequestID(ctx),
				"key", aliasKey(ref),
				"error", err,
			)
		}
	}
	return res, nil
}

// Invalidate drops the cached mapping for ref.
func (c *Cached) Invalidate(ctx context.Context, ref domain.ResourceRef) {
	if err := c.client.Del(ctx, aliasKey(ref)).Err(); err != nil {
		c.logger.WarnContext(ctx, "directory cache invalidation failed",
			"key", aliasKey(ref),
			"error", err,
		)
	}
}
