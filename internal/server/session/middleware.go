package session

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

const contextKey = "snapshare.session"

type options struct {
	cookieName string
	maxAge     time.Duration
	secure     bool
}

// Option configures the session middleware.
type Option func(*options)

// WithCookieName sets the name of the session cookie. An empty name keeps
// the default.
func WithCookieName(name string) Option {
	return func(o *options) {
		if name != "" {
			o.cookieName = name
		}
	}
}

// WithMaxAge sets both the cookie lifetime and the store TTL.
func WithMaxAge(d time.Duration) Option {
	return func(o *options) { o.maxAge = d }
}

// WithSecure marks the cookie Secure.
func WithSecure(secure bool) Option {
	return func(o *options) { o.secure = secure }
}

// Middleware attaches a lazily loaded Session to every request and commits
// it before the response headers are written.
func Middleware(store Store, opts ...Option) echo.MiddlewareFunc {
	o := options{
		cookieName: "session_id",
		maxAge:     24 * time.Hour,
	}
	for _, opt := range opts {
		opt(&o)
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			var id string
			if ck, err := c.Cookie(o.cookieName); err == nil {
				id = ck.Value
			}

			s := newSession(c.Request().Context(), id, store)
			c.Set(contextKey, s)
			c.Response().Before(func() { commit(c, s, o) })

			return next(c)
		}
	}
}

func commit(c echo.Context, s *Session, o options) {
	if !s.loaded {
		return
	}

	if err := s.Save(o.maxAge); err != nil {
		slog.Error("failed to save session", "error", err)
		return
	}

	switch {
	case s.destroyed:
		c.SetCookie(&http.Cookie{
			Name:     o.cookieName,
			Value:    "",
			Path:     "/",
			MaxAge:   -1,
			HttpOnly: true,
			Secure:   o.secure,
			SameSite: http.SameSiteLaxMode,
		})
	case s.isNew && len(s.data) == 0:
		// Nothing worth a cookie yet.
	default:
		c.SetCookie(&http.Cookie{
			Name:     o.cookieName,
			Value:    s.id,
			Path:     "/",
			MaxAge:   int(o.maxAge / time.Second),
			HttpOnly: true,
			Secure:   o.secure,
			SameSite: http.SameSiteLaxMode,
		})
	}
}

// FromContext returns the request's session, or nil when the middleware is
// not installed.
func FromContext(c echo.Context) *Session {
	s, _ := c.Get(contextKey).(*Session)
	return s
}
