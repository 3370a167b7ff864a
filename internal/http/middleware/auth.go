package middleware

import (
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/jmehdipour/event-gateway/internal/auth"
	echo "github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

const HeaderAPIKey = "X-API-Key"

const ctxOwnerID = "owner_id"

// OwnerIDFromCtx extracts the authenticated owner set by Auth.
func OwnerIDFromCtx(c echo.Context) (string, bool) {
	id, ok := c.Get(ctxOwnerID).(string)
	return id, ok && id != ""
}

// Auth authorizes every request with the X-API-Key credential. Rejections are
// returned as *echo.HTTPError so the server's error handler renders them.
func Auth(a auth.Authorizer, log *zap.Logger) echo.MiddlewareFunc {
	if log == nil {
		log = zap.NewNop()
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			d, err := a.Authorize(c.Request().Context(), c.Request().Header.Get(HeaderAPIKey))
			if errors.Is(err, auth.ErrUnauthorized) {
				return &echo.HTTPError{Code: http.StatusUnauthorized, Message: "missing or invalid api key", Internal: err}
			}
			if err != nil {
				log.Error("authorize failed", zap.Error(err))
				return &echo.HTTPError{Code: http.StatusInternalServerError, Message: "auth error", Internal: err}
			}

			h := c.Response().Header()
			if d.Limit > 0 {
				h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
				h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			}
			if !d.Allowed {
				secs := int(math.Ceil(d.RetryAfter.Seconds()))
				if secs < 1 {
					secs = 1
				}
				h.Set("Retry-After", strconv.Itoa(secs))
				return &echo.HTTPError{Code: http.StatusTooManyRequests, Message: "rate limit exceeded"}
			}

			c.Set(ctxOwnerID, d.OwnerID)
			return next(c)
		}
	}
}
