package ratelimit

import (
	"strings"
	"time"

	"smallbiznis-gatekeeper/services/apikey"
)

// Window identifies one of the four rolling windows, in check order.
type Window string

const (
	WindowBurst  Window = "burst"
	WindowMinute Window = "minute"
	WindowHour   Window = "hour"
	WindowDay    Window = "day"
)

const (
	BurstWindowDuration = 10 * time.Second
	MinuteDuration      = time.Minute
	HourDuration        = time.Hour
	DayDuration         = 24 * time.Hour
)

func (w Window) Duration() time.Duration {
	switch w {
	case WindowBurst:
		return BurstWindowDuration
	case WindowMinute:
		return MinuteDuration
	case WindowHour:
		return HourDuration
	default:
		return DayDuration
	}
}

// checkOrder is fixed: the first exceeded window wins.
var checkOrder = []Window{WindowBurst, WindowMinute, WindowHour, WindowDay}

// Ceilings holds the effective per-window limits. apikey.UnlimitedCeiling
// disables a window's counting entirely.
type Ceilings struct {
	Burst  int
	Minute int
	Hour   int
	Day    int
}

func (c Ceilings) For(w Window) int {
	switch w {
	case WindowBurst:
		return c.Burst
	case WindowMinute:
		return c.Minute
	case WindowHour:
		return c.Hour
	default:
		return c.Day
	}
}

func (c Ceilings) AllUnlimited() bool {
	return c.Burst == apikey.UnlimitedCeiling &&
		c.Minute == apikey.UnlimitedCeiling &&
		c.Hour == apikey.UnlimitedCeiling &&
		c.Day == apikey.UnlimitedCeiling
}

var unlimited = Ceilings{
	Burst:  apikey.UnlimitedCeiling,
	Minute: apikey.UnlimitedCeiling,
	Hour:   apikey.UnlimitedCeiling,
	Day:    apikey.UnlimitedCeiling,
}

// tierDefaults is the tier default table applied when no explicit config
// matches. Values are per endpoint.
var tierDefaults = map[apikey.RateLimitTier]Ceilings{
	apikey.TierBasic:      {Burst: 10, Minute: 60, Hour: 1000, Day: 10000},
	apikey.TierPremium:    {Burst: 25, Minute: 300, Hour: 5000, Day: 50000},
	apikey.TierEnterprise: {Burst: 50, Minute: 1000, Hour: 20000, Day: 200000},
	apikey.TierUnlimited:  unlimited,
}

// DefaultCeilings resolves the tier-and-caller-type default. Admin and
// platform callers are internal and uncapped; everything externally reachable
// falls back to a concrete tier default (Basic when the tier is unknown).
func DefaultCeilings(callerType apikey.CallerType, tier apikey.RateLimitTier) Ceilings {
	if callerType == apikey.CallerTypeAdmin || callerType == apikey.CallerTypePlatform {
		return unlimited
	}
	if c, ok := tierDefaults[tier]; ok {
		return c
	}
	return tierDefaults[apikey.TierBasic]
}

// matchPattern reports whether pattern covers path, and the length of the
// literal portion matched. Patterns are exact paths or a prefix with a
// trailing "*" ("/api/coupons/*").
func matchPattern(pattern, path string) (int, bool) {
	if strings.HasSuffix(pattern, "*") {
		prefix := strings.TrimSuffix(pattern, "*")
		if strings.HasPrefix(path, prefix) {
			return len(prefix), true
		}
		return 0, false
	}
	if pattern == path {
		// Exact matches always beat any wildcard prefix of the same path.
		return len(pattern) + 1, true
	}
	return 0, false
}

// ResolveCeilings picks the most specific explicit config for the endpoint,
// falling back to the tier-and-caller-type default table.
func ResolveCeilings(configs []apikey.RateLimitConfig, endpoint string, callerType apikey.CallerType, tier apikey.RateLimitTier) Ceilings {
	best := -1
	var chosen *apikey.RateLimitConfig
	for i := range configs {
		specificity, ok := matchPattern(configs[i].EndpointPattern, endpoint)
		if !ok || specificity <= best {
			continue
		}
		best = specificity
		chosen = &configs[i]
	}

	if chosen == nil {
		return DefaultCeilings(callerType, tier)
	}

	return Ceilings{
		Burst:  chosen.BurstLimit,
		Minute: chosen.RequestsPerMinute,
		Hour:   chosen.RequestsPerHour,
		Day:    chosen.RequestsPerDay,
	}
}
