package httpserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	apperrors "github.com/pscheid92/feedpulse/internal/platform/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRemoteAddr = "1.2.3.4:1234"

func callLimited(t *testing.T, handler echo.HandlerFunc, remoteAddr string) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/events", nil)
	req.RemoteAddr = remoteAddr
	rec := httptest.NewRecorder()
	require.NoError(t, handler(e.NewContext(req, rec)))
	return rec
}

func okHandler(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

func TestRateLimiterAllowsRequestsUnderLimit(t *testing.T) {
	handler := newRateLimiter(groupLimit{group: "events", rate: 10, burst: 3})(okHandler)

	for range 3 {
		rec := callLimited(t, handler, testRemoteAddr)
		assert.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestRateLimiterBlocksExcessiveRequests(t *testing.T) {
	var denied []string
	handler := newRateLimiter(groupLimit{
		group:  "notify",
		rate:   0.01,
		burst:  1,
		onDeny: func(group string) { denied = append(denied, group) },
	})(okHandler)

	rec := callLimited(t, handler, testRemoteAddr)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = callLimited(t, handler, testRemoteAddr)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	var resp apperrors.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "rate limit exceeded", resp.Error)
	assert.Equal(t, apperrors.TypeRateLimited, resp.Type)
	assert.Equal(t, "notify", resp.Context["group"])
	assert.Equal(t, "100", rec.Header().Get("Retry-After"))
	assert.Equal(t, []string{"notify"}, denied)
}

func TestRateLimiterDifferentIPsAreIndependent(t *testing.T) {
	handler := newRateLimiter(groupLimit{group: "events", rate: 0.01, burst: 1})(okHandler)

	// First IP uses its burst
	assert.Equal(t, http.StatusOK, callLimited(t, handler, testRemoteAddr).Code)

	// Second IP still has its own burst
	assert.Equal(t, http.StatusOK, callLimited(t, handler, "5.6.7.8:5678").Code)

	// First IP is now blocked
	assert.Equal(t, http.StatusTooManyRequests, callLimited(t, handler, testRemoteAddr).Code)
}

func TestRetryAfterRoundsUp(t *testing.T) {
	assert.Equal(t, "1", groupLimit{rate: 50}.retryAfter())
	assert.Equal(t, "3", groupLimit{rate: 0.4}.retryAfter())
}
