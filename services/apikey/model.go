package apikey

import (
	"time"

	"github.com/lib/pq"
)

type CallerType string

const (
	CallerTypeMerchant CallerType = "merchant"
	CallerTypeConsumer CallerType = "consumer"
	CallerTypePlatform CallerType = "platform"
	CallerTypeAdmin    CallerType = "admin"
	CallerTypeWebhook  CallerType = "webhook"
	CallerTypePartner  CallerType = "partner"
)

type KeyStatus string

const (
	KeyStatusActive    KeyStatus = "active"
	KeyStatusInactive  KeyStatus = "inactive"
	KeyStatusRevoked   KeyStatus = "revoked"
	KeyStatusExpired   KeyStatus = "expired"
	KeyStatusSuspended KeyStatus = "suspended"
)

type RateLimitTier string

const (
	TierBasic      RateLimitTier = "basic"
	TierPremium    RateLimitTier = "premium"
	TierEnterprise RateLimitTier = "enterprise"
	TierUnlimited  RateLimitTier = "unlimited"
)

type ComplianceLevel string

const (
	ComplianceBasic ComplianceLevel = "basic"
	CompliancePCI   ComplianceLevel = "pci"
	ComplianceGDPR  ComplianceLevel = "gdpr"
	ComplianceLGPD  ComplianceLevel = "lgpd"
	ComplianceSOX   ComplianceLevel = "sox"
	ComplianceHIPAA ComplianceLevel = "hipaa"
)

// APIKey is the identity a machine caller presents. SecretHash is a keyed
// one-way hash; the raw secret is returned exactly once at creation or
// rotation and never stored.
type APIKey struct {
	ID                 string          `gorm:"column:id;primaryKey"`
	KeyID              string          `gorm:"column:key_id;uniqueIndex;not null"` // routable, non-secret
	SecretHash         string          `gorm:"column:secret_hash;not null"`
	CallerType         CallerType      `gorm:"column:caller_type;not null"`
	Status             KeyStatus       `gorm:"column:status;default:'active';not null"`
	RateLimitTier      RateLimitTier   `gorm:"column:rate_limit_tier;default:'basic';not null"`
	ComplianceLevel    ComplianceLevel `gorm:"column:compliance_level;default:'basic';not null"`
	AllowedIPs         pq.StringArray  `gorm:"column:allowed_ips;type:text[]"`     // empty = unrestricted
	AllowedRegions     pq.StringArray  `gorm:"column:allowed_regions;type:text[]"` // empty = unrestricted
	TenantID           *string         `gorm:"column:tenant_id;index"`
	StoreID            *string         `gorm:"column:store_id"`
	ConsumerID         *string         `gorm:"column:consumer_id"`
	MarketplaceContext *string         `gorm:"column:marketplace_context"`
	ExpiresAt          *time.Time      `gorm:"column:expires_at"`
	LastUsedAt         *time.Time      `gorm:"column:last_used_at"`
	CreatedAt          time.Time       `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt          time.Time       `gorm:"column:updated_at;autoUpdateTime"`
}

func (APIKey) TableName() string { return "api_keys" }

// IsLive reports whether the key may authenticate at all: active status and
// not past its expiry.
func (k *APIKey) IsLive(now time.Time) bool {
	if k.Status != KeyStatusActive {
		return false
	}
	if k.ExpiresAt != nil && !k.ExpiresAt.After(now) {
		return false
	}
	return true
}

// PermissionGrant binds one permission token, optionally narrowed to a
// resource type, to a key.
type PermissionGrant struct {
	ID           string    `gorm:"column:id;primaryKey"`
	KeyID        string    `gorm:"column:key_id;index;not null"`
	Permission   string    `gorm:"column:permission;not null"`
	ResourceType *string   `gorm:"column:resource_type"`
	CreatedAt    time.Time `gorm:"column:created_at;autoCreateTime"`
}

func (PermissionGrant) TableName() string { return "permission_grants" }

// UnlimitedCeiling disables counting for a window.
const UnlimitedCeiling = -1

// RateLimitConfig holds per (key, endpoint pattern) ceilings. A trailing "*"
// in EndpointPattern matches any suffix; the longest matching pattern wins.
type RateLimitConfig struct {
	ID                string    `gorm:"column:id;primaryKey"`
	KeyID             string    `gorm:"column:key_id;index;not null"`
	EndpointPattern   string    `gorm:"column:endpoint_pattern;not null"`
	RequestsPerMinute int       `gorm:"column:requests_per_minute;not null"`
	RequestsPerHour   int       `gorm:"column:requests_per_hour;not null"`
	RequestsPerDay    int       `gorm:"column:requests_per_day;not null"`
	BurstLimit        int       `gorm:"column:burst_limit;not null"`
	CreatedAt         time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt         time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (RateLimitConfig) TableName() string { return "rate_limit_configs" }

// UsageLog is the immutable audit record of one admission decision.
// Write-once; never mutated.
type UsageLog struct {
	ID                 string         `gorm:"column:id;primaryKey"`
	APIKeyID           string         `gorm:"column:api_key_id;index;not null"`
	Endpoint           string         `gorm:"column:endpoint;not null"`
	HTTPMethod         string         `gorm:"column:http_method;not null"`
	StatusCode         int            `gorm:"column:status_code;not null"`
	IPAddress          string         `gorm:"column:ip_address;not null"`
	UserAgent          *string        `gorm:"column:user_agent"`
	IsSuspicious       bool           `gorm:"column:is_suspicious;index;not null"`
	SecurityFlags      pq.StringArray `gorm:"column:security_flags;type:text[]"`
	FraudScore         int            `gorm:"column:fraud_score;not null"`
	TransactionValue   *float64       `gorm:"column:transaction_value"`
	Currency           *string        `gorm:"column:currency"`
	MerchantID         *string        `gorm:"column:merchant_id"`
	CouponCategory     *string        `gorm:"column:coupon_category"`
	GeographicLocation *string        `gorm:"column:geographic_location"`
	Timestamp          time.Time      `gorm:"column:timestamp;index;not null"`
}

func (UsageLog) TableName() string { return "api_key_usage_logs" }
