package middleware

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"smallbiznis-gatekeeper/pkg/errutil"
	"smallbiznis-gatekeeper/services/gatekeeper"
	"smallbiznis-gatekeeper/services/permission"
)

// AuthContextKey is where the middleware stores the admission result for
// downstream handlers.
const AuthContextKey = "gatekeeper.auth"

// Request context headers the edge forwards into the pipeline.
const (
	headerGeoRegion        = "X-Geo-Region"
	headerTransactionValue = "X-Transaction-Value"
	headerCurrency         = "X-Transaction-Currency"
)

// Gatekeeper admits or rejects the request before the business handler runs.
// perm names the operation this route requires.
func Gatekeeper(pipeline *gatekeeper.Pipeline, perm permission.Permission, resourceType *string) gin.HandlerFunc {
	return func(c *gin.Context) {
		req := gatekeeper.Request{
			Credential:   c.GetHeader("Authorization"),
			Endpoint:     c.Request.URL.Path,
			Method:       c.Request.Method,
			IPAddress:    c.ClientIP(),
			Permission:   perm,
			ResourceType: resourceType,
		}
		if ua := c.Request.UserAgent(); ua != "" {
			req.UserAgent = &ua
		}
		if geo := c.GetHeader(headerGeoRegion); geo != "" {
			req.GeographicLocation = &geo
		}
		if raw := c.GetHeader(headerTransactionValue); raw != "" {
			if v, err := strconv.ParseFloat(raw, 64); err == nil {
				req.TransactionValue = &v
			}
		}
		if cur := c.GetHeader(headerCurrency); cur != "" {
			req.Currency = &cur
		}

		auth, err := pipeline.Admit(c.Request.Context(), req)
		if err != nil {
			WriteAdmissionError(c, err)
			c.Abort()
			return
		}

		c.Set(AuthContextKey, auth)
		c.Next()
	}
}

// AuthFrom retrieves the admission result stored by the middleware.
func AuthFrom(c *gin.Context) (*gatekeeper.AuthContext, bool) {
	v, ok := c.Get(AuthContextKey)
	if !ok {
		return nil, false
	}
	auth, ok := v.(*gatekeeper.AuthContext)
	return auth, ok
}

// WriteAdmissionError maps a pipeline error onto the caller-facing response.
// Only the category is disclosed; rate-limit rejections additionally carry
// retry hints.
func WriteAdmissionError(c *gin.Context, err error) {
	var rejection *gatekeeper.Rejection
	if errors.As(err, &rejection) {
		if rejection.Reason == gatekeeper.ReasonRateLimited {
			retry := int(math.Ceil(rejection.RetryAfter.Seconds()))
			if retry < 1 {
				retry = 1
			}
			c.Header("Retry-After", strconv.Itoa(retry))
			c.Header("X-RateLimit-Remaining", fmt.Sprintf("%d", rejection.Remaining))
			c.Header("X-RateLimit-Reset", strconv.FormatInt(rejection.ResetTime.Unix(), 10))
		}
		var base errutil.BaseError
		if errors.As(rejection.Err, &base) {
			c.JSON(base.Code.HTTPStatus(), base.JSON())
			return
		}
		c.JSON(http.StatusUnauthorized, gin.H{"error": gin.H{"code": errutil.StatusUnauthorized, "message": "unauthorized"}})
		return
	}

	var base errutil.BaseError
	if errors.As(err, &base) {
		c.JSON(base.Code.HTTPStatus(), base.JSON())
		return
	}
	c.JSON(http.StatusServiceUnavailable, gin.H{"error": gin.H{"code": errutil.StatusUnavailable, "message": "service unavailable"}})
}
