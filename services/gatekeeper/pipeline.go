// Package gatekeeper runs the request admission pipeline: credential
// verification, liveness and network checks, fraud scoring, permission and
// quota enforcement, with an audit record for every decision.
package gatekeeper

import (
	"context"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"smallbiznis-gatekeeper/pkg/errutil"
	"smallbiznis-gatekeeper/services/apikey"
	"smallbiznis-gatekeeper/services/fraud"
	"smallbiznis-gatekeeper/services/permission"
	"smallbiznis-gatekeeper/services/ratelimit"
)

// unknownCaller identifies audit entries written before a key identity is
// established.
const unknownCaller = "unknown"

type Pipeline struct {
	codec   *apikey.Codec
	keys    apikey.KeyStore
	perms   apikey.PermissionStore
	limiter *ratelimit.Limiter
	scorer  *fraud.Scorer
	signals SignalSource
	auditor *Auditor
	log     *zap.Logger
}

type PipelineParams struct {
	fx.In
	Codec   *apikey.Codec
	Keys    apikey.KeyStore
	Perms   apikey.PermissionStore
	Limiter *ratelimit.Limiter
	Scorer  *fraud.Scorer
	Signals SignalSource
	Auditor *Auditor
	Logger  *zap.Logger
}

func NewPipeline(p PipelineParams) *Pipeline {
	return &Pipeline{
		codec:   p.Codec,
		keys:    p.Keys,
		perms:   p.Perms,
		limiter: p.Limiter,
		scorer:  p.Scorer,
		signals: p.Signals,
		auditor: p.Auditor,
		log:     p.Logger,
	}
}

// Admit runs the full admission state machine. It returns an AuthContext on
// success, a *Rejection for every expected failure, and a plain error only
// when a collaborator is unavailable; either error means the request is not
// admitted.
func (p *Pipeline) Admit(ctx context.Context, req Request) (*AuthContext, error) {
	zapLog := p.log
	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		zapLog = zapLog.With(
			zap.String("trace_id", span.SpanContext().TraceID().String()),
			zap.String("span_id", span.SpanContext().SpanID().String()),
		)
	}

	if err := ctx.Err(); err != nil {
		// Caller timeout or cancellation: fail closed, still on the record.
		p.audit(req, unknownCaller, http.StatusRequestTimeout, 0, true, []string{"CONTEXT_CANCELED"})
		admissionsTotal.WithLabelValues("failed").Inc()
		return nil, errutil.Timeout("admission aborted", errutil.WithErr(err))
	}

	// Parsing. Nothing is known about the caller yet, so failures log under
	// a generic identity and never touch the key store.
	keyID, secret, err := p.codec.Parse(req.Credential)
	if err != nil {
		return nil, p.reject(req, unknownCaller, ReasonMalformedCredential, http.StatusBadRequest, 0, nil,
			errutil.BadRequest("invalid credential format"))
	}

	// KeyLookup.
	record, err := p.keys.FindByKeyID(ctx, keyID)
	if err != nil {
		return nil, p.storeUnavailable(req, keyID, err)
	}
	if record == nil {
		return nil, p.reject(req, keyID, ReasonUnknownKey, http.StatusUnauthorized, 0, nil,
			errutil.Unauthorized("unauthorized"))
	}

	// SecretVerify.
	if !p.codec.Verify(secret, record.SecretHash) {
		return nil, p.reject(req, record.KeyID, ReasonInvalidSecret, http.StatusUnauthorized, 0, nil,
			errutil.Unauthorized("unauthorized"))
	}

	// LivenessCheck.
	now := time.Now()
	if !record.IsLive(now) {
		return nil, p.reject(req, record.KeyID, ReasonExpiredOrInactive, http.StatusUnauthorized, 0, nil,
			errutil.Unauthorized("unauthorized"))
	}

	// NetworkCheck. Empty allowlists mean unrestricted; matching is exact.
	if len(record.AllowedIPs) > 0 && !contains(record.AllowedIPs, req.IPAddress) {
		return nil, p.reject(req, record.KeyID, ReasonIPBlocked, http.StatusUnauthorized, 0, nil,
			errutil.Unauthorized("unauthorized"))
	}
	if len(record.AllowedRegions) > 0 {
		if req.GeographicLocation == nil || !contains(record.AllowedRegions, *req.GeographicLocation) {
			return nil, p.reject(req, record.KeyID, ReasonRegionBlocked, http.StatusUnauthorized, 0, nil,
				errutil.Unauthorized("unauthorized"))
		}
	}

	// FraudCheck. Signal failures degrade to zeroed inputs rather than
	// blocking: the same backing cache failing will surface at the limiter.
	velocity, err := p.signals.RecentRequestCount(ctx, record.KeyID)
	if err != nil {
		logSignalError(record.KeyID, err)
	}
	history, err := p.signals.RecentHistory(ctx, record.KeyID)
	if err != nil {
		logSignalError(record.KeyID, err)
	}
	flags := fraud.DetectAnomalousPatterns(history)

	score := p.scorer.Score(fraud.Context{
		IPAddress:          req.IPAddress,
		CallerType:         record.CallerType,
		TransactionValue:   req.TransactionValue,
		GeographicLocation: req.GeographicLocation,
		RecentRequestCount: velocity,
	})
	if score > fraud.RejectThreshold {
		return nil, p.reject(req, record.KeyID, ReasonHighFraudScore, http.StatusUnauthorized, score, flags,
			errutil.Unauthorized("unauthorized"))
	}

	// PermissionCheck.
	grants, err := p.perms.GrantsFor(ctx, record.KeyID)
	if err != nil {
		return nil, p.storeUnavailable(req, record.KeyID, err)
	}
	if !permission.HasPermission(grants, req.Permission, req.ResourceType) ||
		!permission.IsCompliant(req.Permission, record.ComplianceLevel) {
		return nil, p.reject(req, record.KeyID, ReasonPermissionDenied, http.StatusForbidden, score, flags,
			errutil.Forbidden("forbidden"))
	}

	// RateLimitCheck.
	decision, err := p.limiter.Check(ctx, record.KeyID, req.Endpoint, record.CallerType, record.RateLimitTier)
	if err != nil {
		return nil, p.storeUnavailable(req, record.KeyID, err)
	}
	if !decision.Allowed {
		rej := p.reject(req, record.KeyID, ReasonRateLimited, http.StatusTooManyRequests, score, flags,
			errutil.TooManyRequest("rate limit exceeded"))
		rej.RetryAfter = decision.RetryAfter
		rej.ResetTime = decision.ResetTime
		return nil, rej
	}

	// Admitted.
	suspicious := score > fraud.SuspiciousThreshold
	p.observe(record.KeyID, req.Endpoint, http.StatusOK)
	p.stampLastUsed(record.KeyID, now)
	p.audit(req, record.KeyID, http.StatusOK, score, suspicious, flagStrings(flags, ""))
	admissionsTotal.WithLabelValues("admitted").Inc()

	if suspicious {
		zapLog.Warn("suspicious request admitted",
			zap.String("key_id", record.KeyID),
			zap.Int("fraud_score", score),
			zap.String("endpoint", req.Endpoint),
		)
	}

	perms := make([]permission.Permission, 0, len(grants))
	for _, g := range grants {
		perms = append(perms, permission.Permission(g.Permission))
	}

	return &AuthContext{
		KeyID:              record.KeyID,
		CallerType:         record.CallerType,
		TenantID:           record.TenantID,
		StoreID:            record.StoreID,
		ConsumerID:         record.ConsumerID,
		MarketplaceContext: record.MarketplaceContext,
		Permissions:        permission.Expand(perms),
		FraudScore:         score,
		RateLimit:          decision,
	}, nil
}

// reject emits the mandatory suspicious audit entry and builds the typed
// rejection. Stage detail stays in the audit trail; Err carries only the
// caller-facing category.
func (p *Pipeline) reject(req Request, apiKeyID string, reason Reason, status, score int, flags []fraud.Flag, callerErr error) *Rejection {
	if apiKeyID != unknownCaller {
		p.observe(apiKeyID, req.Endpoint, status)
	}
	p.audit(req, apiKeyID, status, score, true, flagStrings(flags, string(reason)))
	admissionsTotal.WithLabelValues("rejected").Inc()
	rejectionsTotal.WithLabelValues(string(reason)).Inc()
	return &Rejection{Reason: reason, Err: callerErr}
}

// storeUnavailable is the one failure class allowed to propagate as a system
// error. Still fail closed: the caller never admits on it.
func (p *Pipeline) storeUnavailable(req Request, apiKeyID string, err error) error {
	p.log.Error("collaborator store unavailable",
		zap.String("key_id", apiKeyID),
		zap.String("endpoint", req.Endpoint),
		zap.Error(err),
	)
	p.audit(req, apiKeyID, http.StatusServiceUnavailable, 0, true, []string{"STORE_UNAVAILABLE"})
	admissionsTotal.WithLabelValues("failed").Inc()
	return errutil.Unavailable("admission unavailable", errutil.WithErr(err))
}

func (p *Pipeline) audit(req Request, apiKeyID string, status, score int, suspicious bool, flags []string) {
	p.auditor.Emit(&apikey.UsageLog{
		APIKeyID:           apiKeyID,
		Endpoint:           req.Endpoint,
		HTTPMethod:         req.Method,
		StatusCode:         status,
		IPAddress:          req.IPAddress,
		UserAgent:          req.UserAgent,
		IsSuspicious:       suspicious,
		SecurityFlags:      flags,
		FraudScore:         score,
		TransactionValue:   req.TransactionValue,
		Currency:           req.Currency,
		MerchantID:         req.MerchantID,
		CouponCategory:     req.CouponCategory,
		GeographicLocation: req.GeographicLocation,
	})
}

func (p *Pipeline) observe(keyID, endpoint string, status int) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := p.signals.RecordRequest(ctx, keyID, fraud.RequestSample{
		Endpoint:   endpoint,
		StatusCode: status,
		Timestamp:  time.Now(),
	}); err != nil {
		logSignalError(keyID, err)
	}
}

// stampLastUsed writes the single last_used_at column. A full record save
// here would race administrative mutations and could resurrect a key revoked
// mid-flight.
func (p *Pipeline) stampLastUsed(keyID string, at time.Time) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := p.keys.TouchLastUsed(ctx, keyID, at); err != nil {
			p.log.Warn("failed to stamp last_used_at", zap.String("key_id", keyID), zap.Error(err))
		}
	}()
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func flagStrings(flags []fraud.Flag, reason string) []string {
	out := make([]string, 0, len(flags)+1)
	if reason != "" {
		out = append(out, reason)
	}
	for _, f := range flags {
		out = append(out, string(f))
	}
	return out
}
