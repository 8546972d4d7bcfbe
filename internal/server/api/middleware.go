package api

import (
	"log/slog"
	"net/http"
	"time"

	"snapshare/internal/server/config"
	"snapshare/internal/server/session"
	"snapshare/internal/server/web"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"
)

// UploadRateLimiter returns a per-IP token-bucket limiter for the upload
// endpoint. Idle visitors are forgotten after ten minutes.
func UploadRateLimiter(rps float64, burst int) echo.MiddlewareFunc {
	store := middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
		Rate:      rate.Limit(rps),
		Burst:     burst,
		ExpiresIn: 10 * time.Minute,
	})

	return middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Store: store,
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return c.RealIP(), nil
		},
		ErrorHandler: func(c echo.Context, err error) error {
			return c.String(http.StatusForbidden, "unable to identify client")
		},
		DenyHandler: func(c echo.Context, identifier string, err error) error {
			slog.Warn("rate limit exceeded", "ip", identifier)
			return c.String(http.StatusTooManyRequests, "rate limit exceeded, try again later")
		},
	})
}

// CSRF returns echo's double-submit token check for unsafe methods. lookup
// names where the token travels, e.g. "form:_csrf" or "query:_csrf". The
// token is exposed to templates under web.CSRFContextKey.
func CSRF(cfg *config.Config, lookup string, skipper middleware.Skipper) echo.MiddlewareFunc {
	return middleware.CSRFWithConfig(middleware.CSRFConfig{
		Skipper:        skipper,
		TokenLookup:    lookup,
		ContextKey:     web.CSRFContextKey,
		CookieName:     "_csrf",
		CookiePath:     "/",
		CookieMaxAge:   int(cfg.SessionTTL / time.Second),
		CookieSecure:   cfg.CookieSecure,
		CookieHTTPOnly: true,
		CookieSameSite: http.SameSiteLaxMode,
		ErrorHandler: func(err error, c echo.Context) error {
			slog.Warn("csrf check failed", "path", c.Request().URL.Path, "ip", c.RealIP(), "error", err)
			return c.String(http.StatusForbidden, "invalid csrf token")
		},
	})
}

// RequestLogger returns an echo middleware that logs requests using slog.
// Server errors log at error level, client errors at warn.
func RequestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)
			if err != nil {
				// Let echo write the response so the logged status is final.
				c.Error(err)
			}

			req := c.Request()
			res := c.Response()

			level := slog.LevelInfo
			switch {
			case res.Status >= 500:
				level = slog.LevelError
			case res.Status >= 400:
				level = slog.LevelWarn
			}

			attrs := []any{
				"method", req.Method,
				"path", req.URL.Path,
				"status", res.Status,
				"latency_ms", time.Since(start).Milliseconds(),
				"ip", c.RealIP(),
				"user_agent", req.UserAgent(),
				"bytes_out", res.Size,
			}
			if s := session.FromContext(c); s != nil && s.Loaded() {
				if uid := s.Get(userIDKey); uid != "" {
					attrs = append(attrs, "user_id", uid)
				}
			}
			if err != nil {
				attrs = append(attrs, "error", err)
			}

			slog.Log(req.Context(), level, "request", attrs...)
			return nil
		}
	}
}
