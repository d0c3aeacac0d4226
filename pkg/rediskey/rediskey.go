package rediskey

import "fmt"

// Gatekeeper keys (global convention across services)
const (
	RateLimitPrefix = "ratelimit"
	VelocityPrefix  = "velocity"
	HistoryPrefix   = "reqhistory"
)

func NamespaceKey(namespace, key string) string {
	return fmt.Sprintf("%s:%s", namespace, key)
}

// BuildRateLimitKey returns "ratelimit:{keyID}:{endpoint}"
func BuildRateLimitKey(keyID, endpoint string) string {
	return fmt.Sprintf("%s:%s:%s", RateLimitPrefix, keyID, endpoint)
}

// BuildVelocityKey returns "velocity:{keyID}" (hourly request counter)
func BuildVelocityKey(keyID string) string {
	return NamespaceKey(VelocityPrefix, keyID)
}

// BuildHistoryKey returns "reqhistory:{keyID}" (recent request ring for anomaly detection)
func BuildHistoryKey(keyID string) string {
	return NamespaceKey(HistoryPrefix, keyID)
}
