package ratelimit

import (
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("ratelimit.module",
	fx.Provide(
		NewLimiter,
		provideCounterStore,
	),
)

type storeParams struct {
	fx.In
	Redis *redis.Client `optional:"true"`
}

// provideCounterStore prefers the shared Redis store; without Redis the
// process-local store keeps a single node correct.
func provideCounterStore(p storeParams) CounterStore {
	if p.Redis != nil {
		return NewRedisStore(p.Redis)
	}
	zap.L().Warn("[RateLimit] Redis not configured, using in-process counters")
	return NewMemoryStore()
}
