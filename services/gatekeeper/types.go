package gatekeeper

import (
	"time"

	"smallbiznis-gatekeeper/services/apikey"
	"smallbiznis-gatekeeper/services/permission"
	"smallbiznis-gatekeeper/services/ratelimit"
)

// Reason codes recorded in the usage log's security flags. Reasons are for
// the audit trail only; callers see just the error category.
type Reason string

const (
	ReasonMalformedCredential Reason = "MALFORMED_CREDENTIAL"
	ReasonUnknownKey          Reason = "UNKNOWN_OR_INACTIVE_KEY"
	ReasonInvalidSecret       Reason = "INVALID_SECRET"
	ReasonExpiredOrInactive   Reason = "EXPIRED_OR_INACTIVE"
	ReasonIPBlocked           Reason = "IP_BLOCKED"
	ReasonRegionBlocked       Reason = "REGION_BLOCKED"
	ReasonHighFraudScore      Reason = "HIGH_FRAUD_SCORE"
	ReasonPermissionDenied    Reason = "PERMISSION_DENIED"
	ReasonRateLimited         Reason = "RATE_LIMITED"
)

// Request is the admission input: the raw credential plus request context.
type Request struct {
	Credential         string
	Endpoint           string
	Method             string
	IPAddress          string
	UserAgent          *string
	GeographicLocation *string
	TransactionValue   *float64
	Currency           *string
	MerchantID         *string
	CouponCategory     *string

	// Permission names the operation being attempted; the transport layer
	// maps routes to permissions.
	Permission   permission.Permission
	ResourceType *string
}

// AuthContext is returned on admission: caller identity plus the effective
// permission set.
type AuthContext struct {
	KeyID              string
	CallerType         apikey.CallerType
	TenantID           *string
	StoreID            *string
	ConsumerID         *string
	MarketplaceContext *string
	Permissions        []permission.Permission
	FraudScore         int
	RateLimit          ratelimit.Decision
}

// Rejection is the typed outcome of a failed admission. Reason stays in the
// audit trail; Err carries only the caller-facing category so responses leak
// nothing about which stage failed.
type Rejection struct {
	Reason Reason
	Err    error

	// Rate-limit rejections surface retry hints; zero otherwise.
	RetryAfter time.Duration
	Remaining  int64
	ResetTime  time.Time
}

func (r *Rejection) Error() string {
	return r.Err.Error()
}

func (r *Rejection) Unwrap() error {
	return r.Err
}
