package limits

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/platinummonkey/conveyor/pkg/observability"
	"github.com/platinummonkey/conveyor/pkg/quota"
)

// CachedSource layers a TTL-bounded in-process LRU (L1) and an optional
// shared Redis cache (L2) over another Source. Staleness is bounded by the
// TTL; Refresh bypasses both layers and repopulates them, which is how the
// quota service guarantees a stale tighter limit never produces a hard deny.
type CachedSource struct {
	src    Source
	l1     *expirable.LRU[int64, quota.Limits]
	redis  *redis.Client
	ttl    time.Duration
	logger *observability.Logger
}

// NewCachedSource creates a CachedSource. redisClient may be nil, in which
// case only the in-process cache is used.
func NewCachedSource(src Source, redisClient *redis.Client, size int, ttl time.Duration, logger *observability.Logger) *CachedSource {
	if size <= 0 {
		size = 1024
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CachedSource{
		src:    src,
		l1:     expirable.NewLRU[int64, quota.Limits](size, nil, ttl),
		redis:  redisClient,
		ttl:    ttl,
		logger: logger,
	}
}

// OrgLimits returns cached limits when fresh, falling through L1, L2, source
func (c *CachedSource) OrgLimits(ctx context.Context, orgID int64) (quota.Limits, error) {
	if limits, ok := c.l1.Get(orgID); ok {
		return limits, nil
	}

	if c.redis != nil {
		data, err := c.redis.Get(ctx, redisKey(orgID)).Result()
		if err == nil {
			var limits quota.Limits
			if err := json.Unmarshal([]byte(data), &limits); err == nil {
				c.l1.Add(orgID, limits)
				return limits, nil
			}
			// Corrupt cache entry; drop it and fall through.
			c.redis.Del(ctx, redisKey(orgID))
		} else if err != redis.Nil {
			c.logger.WithError(err).WithField("org_id", orgID).Warn("redis limit cache read failed")
		}
	}

	return c.Refresh(ctx, orgID)
}

// Refresh loads limits from the underlying source and repopulates both cache
// layers
func (c *CachedSource) Refresh(ctx context.Context, orgID int64) (quota.Limits, error) {
	limits, err := c.src.OrgLimits(ctx, orgID)
	if err != nil {
		return quota.Limits{}, fmt.Errorf("failed to load limits for org %d: %w", orgID, err)
	}

	c.l1.Add(orgID, limits)
	if c.redis != nil {
		data, err := json.Marshal(limits)
		if err == nil {
			if err := c.redis.Set(ctx, redisKey(orgID), data, c.ttl).Err(); err != nil {
				c.logger.WithError(err).WithField("org_id", orgID).Warn("redis limit cache write failed")
			}
		}
	}
	return limits, nil
}

func redisKey(orgID int64) string {
	return fmt.Sprintf("limits:org:%d", orgID)
}
