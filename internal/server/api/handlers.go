package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"snapshare/internal/server/config"
	"snapshare/internal/server/database"
	"snapshare/internal/server/service"
	"snapshare/internal/server/session"
	"snapshare/internal/server/web"

	"github.com/labstack/echo/v4"
)

// userIDKey is the session key holding the logged-in user's id.
const userIDKey = "user_id"

// HealthChecker reports whether a backing dependency is reachable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Handler contains the HTTP handlers for snapshare.
type Handler struct {
	auth   *service.AuthService
	images *service.ImageService
	db     HealthChecker
	cfg    *config.Config
}

// NewHandler creates a new handler with the given service dependencies.
func NewHandler(auth *service.AuthService, images *service.ImageService, db HealthChecker, cfg *config.Config) *Handler {
	return &Handler{auth: auth, images: images, db: db, cfg: cfg}
}

// currentUser resolves the session's user_id. A stale or malformed id is
// dropped from the session and treated as logged out.
func (h *Handler) currentUser(c echo.Context) (*database.User, error) {
	sess := session.FromContext(c)
	raw := sess.Get(userIDKey)
	if raw == "" {
		return nil, nil
	}

	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		sess.Delete(userIDKey)
		return nil, nil
	}

	user, err := h.auth.UserByID(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			sess.Delete(userIDKey)
			return nil, nil
		}
		return nil, err
	}
	return user, nil
}

// HandleIndex handles GET /.
// Renders the dashboard with the user's images, or redirects to /login.
func (h *Handler) HandleIndex(c echo.Context) error {
	user, err := h.currentUser(c)
	if err != nil {
		return mapServiceError(c, err)
	}
	if user == nil {
		return c.Redirect(http.StatusFound, "/login")
	}

	ctx := c.Request().Context()
	images, err := h.images.List(ctx, user.ID)
	if err != nil {
		return mapServiceError(c, err)
	}
	summary, err := h.images.Summary(ctx, user.ID)
	if err != nil {
		return mapServiceError(c, err)
	}

	base := h.baseURL(c)
	views := make([]web.ImageView, 0, len(images))
	for _, img := range images {
		v := web.ImageView{Image: img}
		if img.Shared() {
			v.ShareLink = service.ShareURL(base, img.ID, *img.ShareToken)
		}
		views = append(views, v)
	}

	return c.Render(http.StatusOK, web.PageDashboard, web.Page{
		User:    user,
		Flashes: session.FromContext(c).Flashes(),
		Images:  views,
		Summary: summary,
	})
}

// HandleRegisterForm handles GET /register.
func (h *Handler) HandleRegisterForm(c echo.Context) error {
	return c.Render(http.StatusOK, web.PageRegister, web.Page{
		Flashes: session.FromContext(c).Flashes(),
	})
}

// HandleRegister handles POST /register.
// Validation failures and a taken username re-render the form with a flash.
func (h *Handler) HandleRegister(c echo.Context) error {
	username := c.FormValue("username")

	_, err := h.auth.Register(c.Request().Context(), username, c.FormValue("password"), c.FormValue("email"))
	switch {
	case err == nil:
		session.FromContext(c).AddFlash("account created, please log in")
		return c.Redirect(http.StatusFound, "/login")
	case errors.Is(err, service.ErrMissingCredentials),
		errors.Is(err, service.ErrUsernameTooLong),
		errors.Is(err, service.ErrPasswordTooLong),
		errors.Is(err, service.ErrUsernameTaken):
		return c.Render(http.StatusOK, web.PageRegister, web.Page{
			Flashes:  append(session.FromContext(c).Flashes(), err.Error()),
			Username: username,
		})
	default:
		return mapServiceError(c, err)
	}
}

// HandleLoginForm handles GET /login.
func (h *Handler) HandleLoginForm(c echo.Context) error {
	return c.Render(http.StatusOK, web.PageLogin, web.Page{
		Flashes: session.FromContext(c).Flashes(),
	})
}

// HandleLogin handles POST /login.
// On success the session id is rotated before user_id is stored.
func (h *Handler) HandleLogin(c echo.Context) error {
	username := c.FormValue("username")

	user, err := h.auth.Login(c.Request().Context(), username, c.FormValue("password"))
	if err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) {
			return c.Render(http.StatusOK, web.PageLogin, web.Page{
				Flashes:  append(session.FromContext(c).Flashes(), err.Error()),
				Username: username,
			})
		}
		return mapServiceError(c, err)
	}

	sess := session.FromContext(c)
	sess.Rotate()
	sess.Set(userIDKey, strconv.FormatInt(user.ID, 10))
	return c.Redirect(http.StatusFound, "/")
}

// HandleLogout handles GET /logout.
func (h *Handler) HandleLogout(c echo.Context) error {
	session.FromContext(c).Destroy()
	return c.Redirect(http.StatusFound, "/login")
}

// HandleUpload handles POST /upload.
// Accepts a multipart form with an "image" field. Missing user or file is a
// silent redirect to /.
func (h *Handler) HandleUpload(c echo.Context) error {
	user, err := h.currentUser(c)
	if err != nil {
		return mapServiceError(c, err)
	}
	if user == nil {
		return c.Redirect(http.StatusFound, "/")
	}

	fileHeader, err := c.FormFile("image")
	if err != nil {
		// A body without Content-Length only hits the limit while parsing.
		if errors.Is(err, echo.ErrStatusRequestEntityTooLarge) {
			return mapServiceError(c, service.ErrFileTooLarge)
		}
		return c.Redirect(http.StatusFound, "/")
	}

	src, err := fileHeader.Open()
	if err != nil {
		return c.String(http.StatusInternalServerError, "failed to read uploaded file")
	}
	defer src.Close()

	_, err = h.images.Upload(c.Request().Context(), user.ID, fileHeader.Filename, src)
	switch {
	case err == nil, errors.Is(err, service.ErrNoFile):
	case errors.Is(err, service.ErrNotAnImage):
		session.FromContext(c).AddFlash(err.Error())
	default:
		return mapServiceError(c, err)
	}
	return c.Redirect(http.StatusFound, "/")
}

// HandleView handles GET /view/:id.
// Serves the image to anyone with the share token and to its owner.
func (h *Handler) HandleView(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return mapServiceError(c, service.ErrNotFound)
	}

	var viewerID int64
	user, err := h.currentUser(c)
	if err != nil {
		return mapServiceError(c, err)
	}
	if user != nil {
		viewerID = user.ID
	}

	img, rc, err := h.images.View(c.Request().Context(), id, c.QueryParam("token"), viewerID)
	if err != nil {
		return mapServiceError(c, err)
	}
	defer rc.Close()

	header := c.Response().Header()
	header.Set("Cache-Control", "private, max-age=0")
	header.Set("X-Content-Type-Options", "nosniff")
	if img.SizeBytes > 0 {
		header.Set(echo.HeaderContentLength, strconv.FormatInt(img.SizeBytes, 10))
	}
	return c.Stream(http.StatusOK, img.ContentType, rc)
}

// HandleShare handles GET /share/:id.
// Generates a new share token and renders the absolute share link.
func (h *Handler) HandleShare(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return mapServiceError(c, service.ErrNotFound)
	}

	user, err := h.currentUser(c)
	if err != nil {
		return mapServiceError(c, err)
	}
	if user == nil {
		return mapServiceError(c, service.ErrForbidden)
	}

	token, err := h.images.Share(c.Request().Context(), user.ID, id)
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.Render(http.StatusOK, web.PageShare, web.Page{
		User:      user,
		ImageID:   id,
		ShareLink: service.ShareURL(h.baseURL(c), id, token),
	})
}

// HandleUnshare handles POST /unshare/:id.
func (h *Handler) HandleUnshare(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return mapServiceError(c, service.ErrNotFound)
	}

	user, err := h.currentUser(c)
	if err != nil {
		return mapServiceError(c, err)
	}
	if user == nil {
		return mapServiceError(c, service.ErrForbidden)
	}

	if err := h.images.Unshare(c.Request().Context(), user.ID, id); err != nil {
		return mapServiceError(c, err)
	}
	session.FromContext(c).AddFlash("share link removed")
	return c.Redirect(http.StatusFound, "/")
}

// HandleDelete handles POST /delete.
// Deletes every listed image the user owns; other ids are skipped.
func (h *Handler) HandleDelete(c echo.Context) error {
	user, err := h.currentUser(c)
	if err != nil {
		return mapServiceError(c, err)
	}
	if user == nil {
		return c.Redirect(http.StatusFound, "/login")
	}

	params, err := c.FormParams()
	if err != nil {
		return c.Redirect(http.StatusFound, "/")
	}

	var ids []int64
	for _, raw := range params["delete_ids"] {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}

	n, err := h.images.DeleteMany(c.Request().Context(), user.ID, ids)
	if err != nil {
		return mapServiceError(c, err)
	}
	if n > 0 {
		session.FromContext(c).AddFlash(fmt.Sprintf("deleted %d image(s)", n))
	}
	return c.Redirect(http.StatusFound, "/")
}

// HandleHealth handles GET /health.
// Returns the health status of the server, including database connectivity.
func (h *Handler) HandleHealth(c echo.Context) error {
	status := "healthy"
	dbStatus := "connected"

	if err := h.db.HealthCheck(c.Request().Context()); err != nil {
		status = "degraded"
		dbStatus = fmt.Sprintf("error: %v", err)
	}

	return c.JSON(http.StatusOK, echo.Map{
		"status":   status,
		"database": dbStatus,
	})
}

// baseURL returns the configured public URL, or one derived from the request.
func (h *Handler) baseURL(c echo.Context) string {
	if h.cfg.BaseURL != "" {
		return h.cfg.BaseURL
	}
	return c.Scheme() + "://" + c.Request().Host
}

// mapServiceError translates service-layer errors into appropriate HTTP responses.
func mapServiceError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, service.ErrNotFound):
		return c.String(http.StatusNotFound, "image not found")
	case errors.Is(err, service.ErrForbidden):
		return c.String(http.StatusForbidden, "forbidden")
	case errors.Is(err, service.ErrFileTooLarge):
		return c.String(http.StatusRequestEntityTooLarge, "file exceeds maximum allowed size")
	default:
		slog.Error("request failed", "path", c.Request().URL.Path, "error", err)
		return c.String(http.StatusInternalServerError, "internal server error")
	}
}
