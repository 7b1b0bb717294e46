package httpserver

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	apperrors "github.com/pscheid92/feedpulse/internal/platform/errors"
	"golang.org/x/time/rate"
)

const rateLimiterExpiry = 5 * time.Minute

// groupLimit is the per-IP token bucket of one API route group.
type groupLimit struct {
	group  string
	rate   float64
	burst  int
	onDeny func(group string)
}

// retryAfter is the whole number of seconds until one token refills.
func (l groupLimit) retryAfter() string {
	return strconv.Itoa(int(math.Ceil(1 / l.rate)))
}

func newRateLimiter(l groupLimit) echo.MiddlewareFunc {
	store := middleware.NewRateLimiterMemoryStoreWithConfig(
		middleware.RateLimiterMemoryStoreConfig{
			Rate:      rate.Limit(l.rate),
			Burst:     l.burst,
			ExpiresIn: rateLimiterExpiry,
		},
	)
	return middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return c.RealIP(), nil
		},
		Store: store,
		DenyHandler: func(c echo.Context, identifier string, err error) error {
			if l.onDeny != nil {
				l.onDeny(l.group)
			}
			c.Response().Header().Set("Retry-After", l.retryAfter())
			resp := apperrors.RateLimitedError("rate limit exceeded").WithContext("group", l.group).ToResponse()
			return c.JSON(http.StatusTooManyRequests, resp)
		},
	})
}
