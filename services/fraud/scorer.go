// Package fraud scores requests with a deterministic, explainable additive
// heuristic. No I/O, no side effects; the pipeline feeds it pre-fetched
// signals.
package fraud

import (
	"smallbiznis-gatekeeper/services/apikey"
)

// Additive factor weights. No single factor alone exceeds the clamp.
const (
	scoreMaliciousIP       = 50
	scoreHighVelocity      = 20
	scoreHighValue         = 15
	scoreHighRiskRegion    = 10
	scoreConsumerHighValue = 25
)

const (
	// velocityThreshold is the hourly request count above which a key is
	// considered to be moving abnormally fast.
	velocityThreshold = 100
	// highValueThreshold gates the generic high-value signal (base currency).
	highValueThreshold = 10000
	// consumerValueThreshold is the stricter consumer-only value gate.
	// Consumers stack an extra factor on top of the generic one; policy
	// choice carried over from the original platform, revisit with risk team.
	consumerValueThreshold = 5000
)

// Threshold policy over the clamped score.
const (
	// RejectThreshold: scores strictly above it are rejected outright.
	RejectThreshold = 70
	// SuspiciousThreshold: scores strictly above it are admitted but flagged.
	SuspiciousThreshold = 50
)

// Context carries the per-request signals the scorer combines.
type Context struct {
	IPAddress          string
	CallerType         apikey.CallerType
	TransactionValue   *float64
	GeographicLocation *string
	// RecentRequestCount is the caller's request count over the last hour.
	RecentRequestCount int
}

// Scorer holds the static reputation lists. Lists come from configuration,
// not from a runtime feed.
type Scorer struct {
	maliciousIPs    map[string]struct{}
	highRiskRegions map[string]struct{}
}

func NewScorer(maliciousIPs, highRiskRegions []string) *Scorer {
	s := &Scorer{
		maliciousIPs:    make(map[string]struct{}, len(maliciousIPs)),
		highRiskRegions: make(map[string]struct{}, len(highRiskRegions)),
	}
	for _, ip := range maliciousIPs {
		s.maliciousIPs[ip] = struct{}{}
	}
	for _, region := range highRiskRegions {
		s.highRiskRegions[region] = struct{}{}
	}
	return s
}

// Score combines the risk factors into a [0,100] estimate.
func (s *Scorer) Score(ctx Context) int {
	score := 0

	if _, ok := s.maliciousIPs[ctx.IPAddress]; ok {
		score += scoreMaliciousIP
	}

	if ctx.RecentRequestCount > velocityThreshold {
		score += scoreHighVelocity
	}

	if ctx.TransactionValue != nil && *ctx.TransactionValue > highValueThreshold {
		score += scoreHighValue
	}

	if ctx.GeographicLocation != nil {
		if _, ok := s.highRiskRegions[*ctx.GeographicLocation]; ok {
			score += scoreHighRiskRegion
		}
	}

	if ctx.CallerType == apikey.CallerTypeConsumer &&
		ctx.TransactionValue != nil && *ctx.TransactionValue > consumerValueThreshold {
		score += scoreConsumerHighValue
	}

	if score > 100 {
		score = 100
	}
	return score
}
