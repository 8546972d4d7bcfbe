// Package web holds the HTML templates and the echo renderer that serves them.
package web

import (
	"embed"
	"fmt"
	"html/template"
	"io"
	"time"

	"snapshare/internal/server/database"

	"github.com/labstack/echo/v4"
)

//go:embed templates/*.html
var templateFS embed.FS

// Page names accepted by Renderer.Render.
const (
	PageLogin     = "login.html"
	PageRegister  = "register.html"
	PageDashboard = "dashboard.html"
	PageShare     = "share.html"
)

// CSRFField is the form field and query parameter carrying the CSRF token;
// CSRFContextKey is where the middleware leaves it on the echo context.
const (
	CSRFField      = "_csrf"
	CSRFContextKey = "csrf"
)

var pages = []string{PageLogin, PageRegister, PageDashboard, PageShare}

// Page is the data every template receives.
type Page struct {
	User    *database.User
	Flashes []string

	// CSRFToken is filled in by Render from the request context.
	CSRFToken string

	// Username refills the auth forms after a failed attempt.
	Username string

	Images  []ImageView
	Summary *database.ImageSummary

	ImageID   int64
	ShareLink string
}

// ImageView is a dashboard row.
type ImageView struct {
	*database.Image
	ShareLink string
}

var funcs = template.FuncMap{
	"humanizeBytes": HumanizeBytes,
	"formatTime": func(t time.Time) string {
		return t.Local().Format("2006-01-02 15:04")
	},
}

// Renderer implements echo.Renderer. Each page is parsed together with the
// shared layout so block names do not collide between pages.
type Renderer struct {
	pages map[string]*template.Template
}

// NewRenderer parses the embedded templates.
func NewRenderer() (*Renderer, error) {
	layout, err := template.New("layout.html").Funcs(funcs).ParseFS(templateFS, "templates/layout.html")
	if err != nil {
		return nil, fmt.Errorf("failed to parse layout: %w", err)
	}

	r := &Renderer{pages: make(map[string]*template.Template, len(pages))}
	for _, name := range pages {
		t, err := layout.Clone()
		if err != nil {
			return nil, fmt.Errorf("failed to clone layout for %s: %w", name, err)
		}
		if _, err := t.ParseFS(templateFS, "templates/"+name); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", name, err)
		}
		r.pages[name] = t
	}
	return r, nil
}

// Render executes the named page inside the layout.
func (r *Renderer) Render(w io.Writer, name string, data interface{}, c echo.Context) error {
	t, ok := r.pages[name]
	if !ok {
		return fmt.Errorf("template %q not found", name)
	}
	if p, ok := data.(Page); ok && c != nil {
		if token, ok := c.Get(CSRFContextKey).(string); ok {
			p.CSRFToken = token
		}
		data = p
	}
	return t.ExecuteTemplate(w, "layout", data)
}

// HumanizeBytes formats a byte count into a human-readable string.
func HumanizeBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "KMGTPE"[exp])
}
