package api

import (
	"fmt"

	"snapshare/internal/server/config"
	"snapshare/internal/server/session"
	"snapshare/internal/server/web"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// multipartOverhead leaves room for form boundaries and other fields on top
// of the file itself.
const multipartOverhead = 1 << 20

// SetupRouter creates and configures the echo router with all routes and middleware.
func SetupRouter(handler *Handler, cfg *config.Config, sessions session.Store, renderer echo.Renderer) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Renderer = renderer

	// Global middleware
	e.Use(middleware.Recover())
	e.Use(RequestLogger())
	e.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		XSSProtection:      "1; mode=block",
		ContentTypeNosniff: "nosniff",
		XFrameOptions:      "SAMEORIGIN",
		ReferrerPolicy:     "same-origin",
	}))
	e.Use(session.Middleware(sessions,
		session.WithCookieName(cfg.CookieName),
		session.WithMaxAge(cfg.SessionTTL),
		session.WithSecure(cfg.CookieSecure),
	))
	// Upload carries its token in the query string so the body limit is in
	// place before anything reads the multipart body.
	e.Use(CSRF(cfg, "form:"+web.CSRFField, func(c echo.Context) bool {
		return c.Path() == "/upload"
	}))

	// Health
	e.GET("/health", handler.HandleHealth)

	// Dashboard and auth
	e.GET("/", handler.HandleIndex)
	e.GET("/register", handler.HandleRegisterForm)
	e.POST("/register", handler.HandleRegister)
	e.GET("/login", handler.HandleLoginForm)
	e.POST("/login", handler.HandleLogin)
	e.GET("/logout", handler.HandleLogout)

	// Upload (csrf-checked, rate-limited, size-capped)
	e.POST("/upload", handler.HandleUpload,
		CSRF(cfg, "query:"+web.CSRFField, nil),
		UploadRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst),
		middleware.BodyLimit(fmt.Sprintf("%dB", cfg.MaxUploadSize+multipartOverhead)),
	)

	// Images
	e.GET("/view/:id", handler.HandleView)
	e.GET("/share/:id", handler.HandleShare)
	e.POST("/unshare/:id", handler.HandleUnshare)
	e.POST("/delete", handler.HandleDelete)

	return e
}
