package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"smallbiznis-gatekeeper/pkg/errutil"
	"smallbiznis-gatekeeper/services/gatekeeper"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestWriteAdmissionErrorRateLimited(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)

	reset := time.Now().Add(42 * time.Second)
	WriteAdmissionError(c, &gatekeeper.Rejection{
		Reason:     gatekeeper.ReasonRateLimited,
		Err:        errutil.TooManyRequest("rate limit exceeded"),
		RetryAfter: 41*time.Second + 200*time.Millisecond,
		Remaining:  0,
		ResetTime:  reset,
	})

	require.Equal(t, http.StatusTooManyRequests, w.Code)
	// Retry-After rounds up to whole seconds.
	require.Equal(t, "42", w.Header().Get("Retry-After"))
	require.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	require.NotEmpty(t, w.Header().Get("X-RateLimit-Reset"))
}

func TestWriteAdmissionErrorAuthFailure(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)

	WriteAdmissionError(c, &gatekeeper.Rejection{
		Reason: gatekeeper.ReasonInvalidSecret,
		Err:    errutil.Unauthorized("unauthorized"),
	})

	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Empty(t, w.Header().Get("Retry-After"))
	// The response body never names the rejection stage.
	require.NotContains(t, w.Body.String(), string(gatekeeper.ReasonInvalidSecret))
}

func TestWriteAdmissionErrorPermissionDenied(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)

	WriteAdmissionError(c, &gatekeeper.Rejection{
		Reason: gatekeeper.ReasonPermissionDenied,
		Err:    errutil.Forbidden("forbidden"),
	})

	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestWriteAdmissionErrorSystemFailure(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)

	WriteAdmissionError(c, errutil.Unavailable("admission unavailable"))
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
}
