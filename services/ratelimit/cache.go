package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/singleflight"

	"smallbiznis-gatekeeper/services/apikey"
)

var (
	cacheHits = promauto.NewCounter(prometheus.CounterOpts{Name: "ratelimit_config_cache_hits_total"})
	cacheMiss = promauto.NewCounter(prometheus.CounterOpts{Name: "ratelimit_config_cache_miss_total"})
)

type cachedConfigs struct {
	configs   []apikey.RateLimitConfig
	fetchedAt time.Time
}

// configCache keeps per-key ceilings hot so the store is not hit on every
// admission. Thread-safe, TTL-bounded, singleflighted per key.
type configCache struct {
	mu    sync.RWMutex
	items map[string]*cachedConfigs
	ttl   time.Duration
	group singleflight.Group
}

func newConfigCache(ttl time.Duration) *configCache {
	return &configCache{
		items: make(map[string]*cachedConfigs),
		ttl:   ttl,
	}
}

func (c *configCache) get(ctx context.Context, keyID string, fetch func(context.Context, string) ([]apikey.RateLimitConfig, error)) ([]apikey.RateLimitConfig, error) {
	c.mu.RLock()
	v, ok := c.items[keyID]
	c.mu.RUnlock()
	if ok && (c.ttl <= 0 || time.Since(v.fetchedAt) <= c.ttl) {
		cacheHits.Inc()
		return v.configs, nil
	}
	cacheMiss.Inc()

	result, err, _ := c.group.Do(keyID, func() (interface{}, error) {
		configs, err := fetch(ctx, keyID)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.items[keyID] = &cachedConfigs{configs: configs, fetchedAt: time.Now()}
		c.mu.Unlock()
		return configs, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]apikey.RateLimitConfig), nil
}

func (c *configCache) invalidate(keyID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, keyID)
}
