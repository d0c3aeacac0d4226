package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"smallbiznis-gatekeeper/services/apikey"
)

func TestWindowDurations(t *testing.T) {
	require.Equal(t, 10*time.Second, WindowBurst.Duration())
	require.Equal(t, time.Minute, WindowMinute.Duration())
	require.Equal(t, time.Hour, WindowHour.Duration())
	require.Equal(t, 24*time.Hour, WindowDay.Duration())
}

func TestDefaultCeilingsByTier(t *testing.T) {
	basic := DefaultCeilings(apikey.CallerTypeMerchant, apikey.TierBasic)
	require.Equal(t, Ceilings{Burst: 10, Minute: 60, Hour: 1000, Day: 10000}, basic)

	premium := DefaultCeilings(apikey.CallerTypeMerchant, apikey.TierPremium)
	require.Equal(t, Ceilings{Burst: 25, Minute: 300, Hour: 5000, Day: 50000}, premium)

	enterprise := DefaultCeilings(apikey.CallerTypeConsumer, apikey.TierEnterprise)
	require.Equal(t, Ceilings{Burst: 50, Minute: 1000, Hour: 20000, Day: 200000}, enterprise)

	require.True(t, DefaultCeilings(apikey.CallerTypeMerchant, apikey.TierUnlimited).AllUnlimited())
}

func TestDefaultCeilingsInternalCallersUncapped(t *testing.T) {
	// Admin and platform callers are uncapped regardless of tier.
	require.True(t, DefaultCeilings(apikey.CallerTypeAdmin, apikey.TierBasic).AllUnlimited())
	require.True(t, DefaultCeilings(apikey.CallerTypePlatform, apikey.TierBasic).AllUnlimited())
}

func TestDefaultCeilingsUnknownTierFallsBackToBasic(t *testing.T) {
	got := DefaultCeilings(apikey.CallerTypeMerchant, apikey.RateLimitTier("mystery"))
	require.Equal(t, Ceilings{Burst: 10, Minute: 60, Hour: 1000, Day: 10000}, got)
}

func TestResolveCeilingsExactBeatsWildcard(t *testing.T) {
	configs := []apikey.RateLimitConfig{
		{EndpointPattern: "/api/coupons/*", BurstLimit: 5, RequestsPerMinute: 30, RequestsPerHour: 100, RequestsPerDay: 500},
		{EndpointPattern: "/api/coupons/search", BurstLimit: 20, RequestsPerMinute: 120, RequestsPerHour: 2000, RequestsPerDay: 20000},
	}

	got := ResolveCeilings(configs, "/api/coupons/search", apikey.CallerTypeMerchant, apikey.TierBasic)
	require.Equal(t, 20, got.Burst)
	require.Equal(t, 120, got.Minute)

	// Other paths under the prefix fall to the wildcard config.
	got = ResolveCeilings(configs, "/api/coupons/redeem", apikey.CallerTypeMerchant, apikey.TierBasic)
	require.Equal(t, 5, got.Burst)
}

func TestResolveCeilingsLongestPrefixWins(t *testing.T) {
	configs := []apikey.RateLimitConfig{
		{EndpointPattern: "/api/*", BurstLimit: 1, RequestsPerMinute: 1, RequestsPerHour: 1, RequestsPerDay: 1},
		{EndpointPattern: "/api/coupons/*", BurstLimit: 9, RequestsPerMinute: 9, RequestsPerHour: 9, RequestsPerDay: 9},
	}

	got := ResolveCeilings(configs, "/api/coupons/search", apikey.CallerTypeMerchant, apikey.TierBasic)
	require.Equal(t, 9, got.Burst)

	got = ResolveCeilings(configs, "/api/wallet", apikey.CallerTypeMerchant, apikey.TierBasic)
	require.Equal(t, 1, got.Burst)
}

func TestResolveCeilingsFallsBackToTierDefault(t *testing.T) {
	configs := []apikey.RateLimitConfig{
		{EndpointPattern: "/api/coupons", BurstLimit: 9, RequestsPerMinute: 9, RequestsPerHour: 9, RequestsPerDay: 9},
	}

	got := ResolveCeilings(configs, "/api/wallet", apikey.CallerTypeMerchant, apikey.TierPremium)
	require.Equal(t, Ceilings{Burst: 25, Minute: 300, Hour: 5000, Day: 50000}, got)

	got = ResolveCeilings(nil, "/api/wallet", apikey.CallerTypeMerchant, apikey.TierBasic)
	require.Equal(t, Ceilings{Burst: 10, Minute: 60, Hour: 1000, Day: 10000}, got)
}

func TestResolveCeilingsUnlimitedSentinelPerWindow(t *testing.T) {
	configs := []apikey.RateLimitConfig{
		{EndpointPattern: "/api/feed", BurstLimit: apikey.UnlimitedCeiling, RequestsPerMinute: 600, RequestsPerHour: apikey.UnlimitedCeiling, RequestsPerDay: apikey.UnlimitedCeiling},
	}

	got := ResolveCeilings(configs, "/api/feed", apikey.CallerTypeMerchant, apikey.TierBasic)
	require.Equal(t, apikey.UnlimitedCeiling, got.Burst)
	require.Equal(t, 600, got.Minute)
	require.False(t, got.AllUnlimited())
}
