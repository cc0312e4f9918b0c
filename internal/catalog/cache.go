package catalog

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"time"

	"application-lifecycle/internal/common/logger"
	"application-lifecycle/internal/common/metrics"
	"application-lifecycle/internal/models"

	"github.com/redis/go-redis/v9"
)

// Source is anything that can answer catalog reads.
type Source interface {
	Tier(ctx context.Context, id string) (*models.ServiceTier, error)
	AddOn(ctx context.Context, id string) (*models.AddOnService, error)
	ListTiers(ctx context.Context) ([]models.ServiceTier, error)
	ListAddOns(ctx context.Context) ([]models.AddOnService, error)
}

const (
	tierKeyPrefix  = "catalog:tier:"
	addOnKeyPrefix = "catalog:addon:"
)

// Cached puts a Redis read-through cache in front of a Source. Redis
// failures degrade to direct reads; lookups that miss in the source are
// never cached.
type Cached struct {
	source Source
	redis  redis.Cmdable
	ttl    time.Duration
	logger logger.Logger
}

func NewCached(source Source, rdb redis.Cmdable, ttl time.Duration, log logger.Logger) *Cached {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Cached{
		source: source,
		redis:  rdb,
		ttl:    ttl,
		logger: log.WithFields(map[string]interface{}{"component": "catalog_cache"}),
	}
}

func (c *Cached) Tier(ctx context.Context, id string) (*models.ServiceTier, error) {
	var t models.ServiceTier
	if c.get(ctx, "tier", tierKeyPrefix+id, &t) {
		return &t, nil
	}
	tier, err := c.source.Tier(ctx, id)
	if err != nil {
		return nil, err
	}
	c.set(ctx, tierKeyPrefix+id, tier)
	return tier, nil
}

func (c *Cached) AddOn(ctx context.Context, id string) (*models.AddOnService, error) {
	var a models.AddOnService
	if c.get(ctx, "addon", addOnKeyPrefix+id, &a) {
		return &a, nil
	}
	addOn, err := c.source.AddOn(ctx, id)
	if err != nil {
		return nil, err
	}
	c.set(ctx, addOnKeyPrefix+id, addOn)
	return addOn, nil
}

func (c *Cached) ListTiers(ctx context.Context) ([]models.ServiceTier, error) {
	return c.source.ListTiers(ctx)
}

func (c *Cached) ListAddOns(ctx context.Context) ([]models.AddOnService, error) {
	return c.source.ListAddOns(ctx)
}

// Invalidate drops cached entries after a catalog edit.
func (c *Cached) Invalidate(ctx context.Context, tierIDs, addOnIDs []string) error {
	keys := make([]string, 0, len(tierIDs)+len(addOnIDs))
	for _, id := range tierIDs {
		keys = append(keys, tierKeyPrefix+id)
	}
	for _, id := range addOnIDs {
		keys = append(keys, addOnKeyPrefix+id)
	}
	if len(keys) == 0 {
		return nil
	}
	return c.redis.Del(ctx, keys...).Err()
}

func (c *Cached) get(ctx context.Context, kind, key string, out interface{}) bool {
	val, err := c.redis.Get(ctx, key).Result()
	switch {
	case err == nil:
	case stderrors.Is(err, redis.Nil):
		metrics.CatalogCacheLookups.WithLabelValues(kind, "miss").Inc()
		return false
	default:
		metrics.CatalogCacheLookups.WithLabelValues(kind, "error").Inc()
		c.logger.Warn("catalog cache read failed", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
		return false
	}

	if err := json.Unmarshal([]byte(val), out); err != nil {
		metrics.CatalogCacheLookups.WithLabelValues(kind, "corrupt").Inc()
		c.logger.Warn("discarding unreadable catalog cache entry", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
		return false
	}
	metrics.CatalogCacheLookups.WithLabelValues(kind, "hit").Inc()
	return true
}

func (c *Cached) set(ctx context.Context, key string, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := c.redis.Set(ctx, key, data, c.ttl).Err(); err != nil {
		c.logger.Warn("catalog cache write failed", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
	}
}
