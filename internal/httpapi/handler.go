package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"smallbiznis-gatekeeper/pkg/config"
	"smallbiznis-gatekeeper/pkg/errutil"
	"smallbiznis-gatekeeper/pkg/health"
	"smallbiznis-gatekeeper/pkg/middleware"
	"smallbiznis-gatekeeper/services/apikey"
	"smallbiznis-gatekeeper/services/gatekeeper"
	"smallbiznis-gatekeeper/services/permission"
	"smallbiznis-gatekeeper/services/ratelimit"
)

var Module = fx.Module("httpapi",
	fx.Provide(NewRouter),
)

type RouterParams struct {
	fx.In
	Config   *config.Config
	Health   health.HealthService
	Pipeline *gatekeeper.Pipeline
	Keys     *apikey.Service
	Limiter  *ratelimit.Limiter
	Logger   *zap.Logger
}

type Router struct {
	pipeline *gatekeeper.Pipeline
	keys     *apikey.Service
	limiter  *ratelimit.Limiter
	log      *zap.Logger
}

// NewRouter builds the gin engine: probes and metrics are open, the admission
// check is the data-plane surface, and key management requires an admin key.
func NewRouter(p RouterParams) *gin.Engine {
	if p.Config.AppEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := &Router{
		pipeline: p.Pipeline,
		keys:     p.Keys,
		limiter:  p.Limiter,
		log:      p.Logger,
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), middleware.Error())

	engine.GET("/healthz", p.Health.Liveness)
	engine.GET("/readyz", p.Health.Readiness)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := engine.Group("/v1")
	v1.POST("/admissions/check", r.CheckAdmission)

	keys := v1.Group("/keys", middleware.Gatekeeper(p.Pipeline, permission.Wildcard, nil))
	keys.POST("", r.CreateKey)
	keys.GET("", r.ListKeys)
	keys.GET("/:id", r.GetKey)
	keys.PATCH("/:id", r.UpdateKey)
	keys.POST("/:id/rotate", r.RotateSecret)
	keys.POST("/:id/revoke", r.RevokeKey)

	return engine
}

type admissionCheckRequest struct {
	Credential         string   `json:"credential" binding:"required"`
	Endpoint           string   `json:"endpoint" binding:"required"`
	Method             string   `json:"method" binding:"required"`
	IPAddress          string   `json:"ip_address" binding:"required"`
	UserAgent          *string  `json:"user_agent"`
	GeographicLocation *string  `json:"geographic_location"`
	TransactionValue   *float64 `json:"transaction_value"`
	Currency           *string  `json:"currency"`
	MerchantID         *string  `json:"merchant_id"`
	CouponCategory     *string  `json:"coupon_category"`
	Permission         string   `json:"permission" binding:"required"`
	ResourceType       *string  `json:"resource_type"`
}

type rateLimitView struct {
	Window    string    `json:"window"`
	Remaining int64     `json:"remaining"`
	ResetTime time.Time `json:"reset_time"`
}

type admissionCheckResponse struct {
	Allowed            bool          `json:"allowed"`
	KeyID              string        `json:"key_id"`
	CallerType         string        `json:"caller_type"`
	TenantID           *string       `json:"tenant_id,omitempty"`
	StoreID            *string       `json:"store_id,omitempty"`
	ConsumerID         *string       `json:"consumer_id,omitempty"`
	MarketplaceContext *string       `json:"marketplace_context,omitempty"`
	Permissions        []string      `json:"permissions"`
	FraudScore         int           `json:"fraud_score"`
	RateLimit          rateLimitView `json:"rate_limit"`
}

// CheckAdmission runs the full validation pipeline on behalf of an upstream
// service and returns the caller context when admitted.
func (r *Router) CheckAdmission(c *gin.Context) {
	var req admissionCheckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.BadRequest("invalid request body", errutil.WithErr(err)))
		return
	}

	auth, err := r.pipeline.Admit(c.Request.Context(), gatekeeper.Request{
		Credential:         req.Credential,
		Endpoint:           req.Endpoint,
		Method:             req.Method,
		IPAddress:          req.IPAddress,
		UserAgent:          req.UserAgent,
		GeographicLocation: req.GeographicLocation,
		TransactionValue:   req.TransactionValue,
		Currency:           req.Currency,
		MerchantID:         req.MerchantID,
		CouponCategory:     req.CouponCategory,
		Permission:         permission.Permission(req.Permission),
		ResourceType:       req.ResourceType,
	})
	if err != nil {
		middleware.WriteAdmissionError(c, err)
		return
	}

	perms := make([]string, 0, len(auth.Permissions))
	for _, p := range auth.Permissions {
		perms = append(perms, string(p))
	}

	c.JSON(http.StatusOK, admissionCheckResponse{
		Allowed:            true,
		KeyID:              auth.KeyID,
		CallerType:         string(auth.CallerType),
		TenantID:           auth.TenantID,
		StoreID:            auth.StoreID,
		ConsumerID:         auth.ConsumerID,
		MarketplaceContext: auth.MarketplaceContext,
		Permissions:        perms,
		FraudScore:         auth.FraudScore,
		RateLimit: rateLimitView{
			Window:    string(auth.RateLimit.Window),
			Remaining: auth.RateLimit.Remaining,
			ResetTime: auth.RateLimit.ResetTime,
		},
	})
}

type grantRequest struct {
	Permission   string  `json:"permission" binding:"required"`
	ResourceType *string `json:"resource_type"`
}

type createKeyRequest struct {
	CallerType         string         `json:"caller_type" binding:"required"`
	RateLimitTier      string         `json:"rate_limit_tier"`
	ComplianceLevel    string         `json:"compliance_level"`
	AllowedIPs         []string       `json:"allowed_ips"`
	AllowedRegions     []string       `json:"allowed_regions"`
	TenantID           *string        `json:"tenant_id"`
	StoreID            *string        `json:"store_id"`
	ConsumerID         *string        `json:"consumer_id"`
	MarketplaceContext *string        `json:"marketplace_context"`
	ExpiresAt          *time.Time     `json:"expires_at"`
	Grants             []grantRequest `json:"grants"`
}

type keyResponse struct {
	ID                 string     `json:"id"`
	KeyID              string     `json:"key_id"`
	CallerType         string     `json:"caller_type"`
	Status             string     `json:"status"`
	RateLimitTier      string     `json:"rate_limit_tier"`
	ComplianceLevel    string     `json:"compliance_level"`
	AllowedIPs         []string   `json:"allowed_ips"`
	AllowedRegions     []string   `json:"allowed_regions"`
	TenantID           *string    `json:"tenant_id,omitempty"`
	StoreID            *string    `json:"store_id,omitempty"`
	ConsumerID         *string    `json:"consumer_id,omitempty"`
	MarketplaceContext *string    `json:"marketplace_context,omitempty"`
	ExpiresAt          *time.Time `json:"expires_at,omitempty"`
	LastUsedAt         *time.Time `json:"last_used_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
}

func toKeyResponse(k *apikey.APIKey) keyResponse {
	return keyResponse{
		ID:                 k.ID,
		KeyID:              k.KeyID,
		CallerType:         string(k.CallerType),
		Status:             string(k.Status),
		RateLimitTier:      string(k.RateLimitTier),
		ComplianceLevel:    string(k.ComplianceLevel),
		AllowedIPs:         k.AllowedIPs,
		AllowedRegions:     k.AllowedRegions,
		TenantID:           k.TenantID,
		StoreID:            k.StoreID,
		ConsumerID:         k.ConsumerID,
		MarketplaceContext: k.MarketplaceContext,
		ExpiresAt:          k.ExpiresAt,
		LastUsedAt:         k.LastUsedAt,
		CreatedAt:          k.CreatedAt,
	}
}

// CreateKey mints a key. When no grants are supplied the caller type's
// default permission set is seeded. The credential appears in this response
// only; it is not recoverable afterwards.
func (r *Router) CreateKey(c *gin.Context) {
	var req createKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.BadRequest("invalid request body", errutil.WithErr(err)))
		return
	}

	in := apikey.CreateKeyInput{
		CallerType:         apikey.CallerType(req.CallerType),
		RateLimitTier:      apikey.RateLimitTier(req.RateLimitTier),
		ComplianceLevel:    apikey.ComplianceLevel(req.ComplianceLevel),
		AllowedIPs:         req.AllowedIPs,
		AllowedRegions:     req.AllowedRegions,
		TenantID:           req.TenantID,
		StoreID:            req.StoreID,
		ConsumerID:         req.ConsumerID,
		MarketplaceContext: req.MarketplaceContext,
		ExpiresAt:          req.ExpiresAt,
	}
	if in.RateLimitTier == "" {
		in.RateLimitTier = apikey.TierBasic
	}
	if in.ComplianceLevel == "" {
		in.ComplianceLevel = apikey.ComplianceBasic
	}

	if len(req.Grants) > 0 {
		for _, g := range req.Grants {
			in.Grants = append(in.Grants, apikey.GrantInput{
				Permission:   g.Permission,
				ResourceType: g.ResourceType,
			})
		}
	} else {
		for _, p := range permission.DefaultPermissions(in.CallerType) {
			in.Grants = append(in.Grants, apikey.GrantInput{Permission: string(p)})
		}
	}

	record, credential, err := r.keys.CreateKey(c.Request.Context(), in)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"key":        toKeyResponse(record),
		"credential": credential,
	})
}

func (r *Router) ListKeys(c *gin.Context) {
	var tenantID *string
	if v := c.Query("tenant_id"); v != "" {
		tenantID = &v
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	records, err := r.keys.ListKeys(c.Request.Context(), tenantID, limit, offset)
	if err != nil {
		c.Error(err)
		return
	}

	out := make([]keyResponse, 0, len(records))
	for i := range records {
		out = append(out, toKeyResponse(&records[i]))
	}
	c.JSON(http.StatusOK, gin.H{"keys": out})
}

func (r *Router) GetKey(c *gin.Context) {
	record, err := r.keys.GetKey(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, toKeyResponse(record))
}

type updateKeyRequest struct {
	Status         *string    `json:"status"`
	RateLimitTier  *string    `json:"rate_limit_tier"`
	AllowedIPs     []string   `json:"allowed_ips"`
	AllowedRegions []string   `json:"allowed_regions"`
	ExpiresAt      *time.Time `json:"expires_at"`
}

func (r *Router) UpdateKey(c *gin.Context) {
	var req updateKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.BadRequest("invalid request body", errutil.WithErr(err)))
		return
	}

	in := apikey.UpdateKeyInput{
		AllowedIPs:     req.AllowedIPs,
		AllowedRegions: req.AllowedRegions,
		ExpiresAt:      req.ExpiresAt,
	}
	if req.Status != nil {
		s := apikey.KeyStatus(*req.Status)
		in.Status = &s
	}
	if req.RateLimitTier != nil {
		t := apikey.RateLimitTier(*req.RateLimitTier)
		in.RateLimitTier = &t
	}

	record, err := r.keys.UpdateKey(c.Request.Context(), c.Param("id"), in)
	if err != nil {
		c.Error(err)
		return
	}

	// Tier changes must take effect before the cached config expires.
	r.limiter.Invalidate(record.KeyID)

	c.JSON(http.StatusOK, toKeyResponse(record))
}

func (r *Router) RotateSecret(c *gin.Context) {
	credential, err := r.keys.RotateSecret(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"credential": credential})
}

func (r *Router) RevokeKey(c *gin.Context) {
	if err := r.keys.RevokeKey(c.Request.Context(), c.Param("id")); err != nil {
		c.Error(err)
		return
	}
	actor := "unknown"
	if auth, ok := middleware.AuthFrom(c); ok {
		actor = auth.KeyID
	}
	r.log.Info("api key revoked via management api",
		zap.String("key_id", c.Param("id")),
		zap.String("revoked_by", actor),
	)
	c.Status(http.StatusNoContent)
}
