// Package ratelimit enforces per-key, per-endpoint quotas across four
// concurrent rolling windows (burst, minute, hour, day).
package ratelimit

import (
	"context"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"smallbiznis-gatekeeper/pkg/rediskey"
	"smallbiznis-gatekeeper/services/apikey"
)

const configCacheTTL = 30 * time.Second

// Decision is the outcome of one quota check.
type Decision struct {
	Allowed bool
	// Window names the first exceeded window when Allowed is false, or the
	// tightest window when allowed.
	Window Window
	// Remaining slots in the tightest window; -1 when the key is uncapped.
	Remaining int64
	// ResetTime is the end of that window's current rolling span.
	ResetTime time.Time
	// RetryAfter is how long until the exceeded window partially frees up.
	// Zero when allowed.
	RetryAfter time.Duration
}

type Limiter struct {
	store   CounterStore
	configs apikey.RateLimitConfigStore
	cache   *configCache
	log     *zap.Logger
}

type LimiterParams struct {
	fx.In
	Store   CounterStore
	Configs apikey.RateLimitConfigStore
	Logger  *zap.Logger
}

func NewLimiter(p LimiterParams) *Limiter {
	return &Limiter{
		store:   p.Store,
		configs: p.Configs,
		cache:   newConfigCache(configCacheTTL),
		log:     p.Logger,
	}
}

// Check resolves the effective ceilings for (key, endpoint) and performs the
// atomic four-window check-and-increment. Rejected requests consume no quota.
func (l *Limiter) Check(ctx context.Context, keyID, endpoint string, callerType apikey.CallerType, tier apikey.RateLimitTier) (Decision, error) {
	configs, err := l.cache.get(ctx, keyID, l.configs.ConfigsFor)
	if err != nil {
		return Decision{}, err
	}

	ceilings := ResolveCeilings(configs, endpoint, callerType, tier)
	if ceilings.AllUnlimited() {
		return Decision{Allowed: true, Remaining: -1}, nil
	}

	now := time.Now()
	result, err := l.store.Acquire(ctx, rediskey.BuildRateLimitKey(keyID, endpoint), now, ceilings)
	if err != nil {
		return Decision{}, err
	}

	if !result.Allowed {
		return rejectDecision(result, now), nil
	}
	return allowDecision(result, ceilings, now), nil
}

// Invalidate drops cached ceilings after a config change.
func (l *Limiter) Invalidate(keyID string) {
	l.cache.invalidate(keyID)
}

func rejectDecision(result AcquireResult, now time.Time) Decision {
	d := Decision{Allowed: false, Window: result.Exceeded}
	for _, s := range result.Snapshots {
		if s.Window != result.Exceeded {
			continue
		}
		d.ResetTime = s.Start.Add(s.Window.Duration())
		d.RetryAfter = d.ResetTime.Sub(now)
		if d.RetryAfter <= 0 {
			d.RetryAfter = time.Second
		}
		break
	}
	return d
}

func allowDecision(result AcquireResult, ceilings Ceilings, now time.Time) Decision {
	d := Decision{Allowed: true, Remaining: -1}
	for _, s := range result.Snapshots {
		left := int64(ceilings.For(s.Window)) - s.Count
		if left < 0 {
			left = 0
		}
		if d.Remaining == -1 || left < d.Remaining {
			d.Remaining = left
			d.Window = s.Window
			d.ResetTime = s.Start.Add(s.Window.Duration())
		}
	}
	return d
}
