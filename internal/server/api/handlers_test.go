package api

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"testing"
	"time"

	"snapshare/internal/server/config"
	"snapshare/internal/server/service"
	"snapshare/internal/server/session"
	"snapshare/internal/server/storage"
	"snapshare/internal/server/web"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type testApp struct {
	e      *echo.Echo
	srv    *httptest.Server
	users  *memUsers
	images *memImages
	dir    string
}

func newTestApp(t *testing.T, health HealthChecker) *testApp {
	t.Helper()

	cfg := &config.Config{
		MaxUploadSize:    1 << 20,
		SessionTTL:       time.Hour,
		RateLimitRPS:     1000,
		RateLimitBurst:   1000,
		ShareTokenLength: 16,
	}

	dir := t.TempDir()
	store := storage.NewFileSystemStore(dir)
	require.NoError(t, store.Init(context.Background()))

	users, images := newMemUsers(), newMemImages()
	renderer, err := web.NewRenderer()
	require.NoError(t, err)

	handler := NewHandler(
		service.NewAuthService(users, bcrypt.MinCost),
		service.NewImageService(images, store, cfg),
		health,
		cfg,
	)
	e := SetupRouter(handler, cfg, session.NewMemoryStore(), renderer)

	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)
	return &testApp{e: e, srv: srv, users: users, images: images, dir: dir}
}

// browser returns a client with its own cookie jar that does not follow
// redirects.
func (a *testApp) browser(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &http.Client{
		Jar: jar,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func (a *testApp) do(t *testing.T, c *http.Client, req *http.Request) (*http.Response, string) {
	t.Helper()
	resp, err := c.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func (a *testApp) get(t *testing.T, c *http.Client, path string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, a.srv.URL+path, nil)
	require.NoError(t, err)
	return a.do(t, c, req)
}

// csrfToken returns the browser's CSRF cookie, fetching a page first when
// the jar has none yet.
func (a *testApp) csrfToken(t *testing.T, c *http.Client) string {
	t.Helper()
	if token := jarCookie(c, a.srv.URL, "_csrf"); token != "" {
		return token
	}
	a.get(t, c, "/login")
	token := jarCookie(c, a.srv.URL, "_csrf")
	require.NotEmpty(t, token)
	return token
}

// post submits form the way the rendered pages do, CSRF field included.
func (a *testApp) post(t *testing.T, c *http.Client, path string, form url.Values) (*http.Response, string) {
	t.Helper()
	withToken := url.Values{web.CSRFField: {a.csrfToken(t, c)}}
	for k, v := range form {
		withToken[k] = v
	}
	return a.postRaw(t, c, path, withToken)
}

func (a *testApp) postRaw(t *testing.T, c *http.Client, path string, form url.Values) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, a.srv.URL+path, strings.NewReader(form.Encode()))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return a.do(t, c, req)
}

// uploadRequest builds the dashboard's upload POST. token goes in the query
// string; an empty token leaves it out.
func (a *testApp) uploadRequest(t *testing.T, token, filename string, data []byte) *http.Request {
	t.Helper()
	body, contentType := multipartBody(t, filename, data)
	req, err := http.NewRequest(http.MethodPost, a.srv.URL+uploadTarget(token), body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", contentType)
	return req
}

func uploadTarget(token string) string {
	if token == "" {
		return "/upload"
	}
	return "/upload?" + url.Values{web.CSRFField: {token}}.Encode()
}

// multipartBody encodes data as the "image" file field. An empty filename
// produces a form without the file part.
func multipartBody(t *testing.T, filename string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if filename != "" {
		part, err := w.CreateFormFile("image", filename)
		require.NoError(t, err)
		_, err = part.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return &buf, w.FormDataContentType()
}

func (a *testApp) upload(t *testing.T, c *http.Client, filename string, data []byte) (*http.Response, string) {
	t.Helper()
	return a.do(t, c, a.uploadRequest(t, a.csrfToken(t, c), filename, data))
}

// signIn registers username and logs the browser in.
func (a *testApp) signIn(t *testing.T, c *http.Client, username string) {
	t.Helper()
	resp, _ := a.post(t, c, "/register", url.Values{"username": {username}, "password": {"pw-" + username}})
	require.Equal(t, http.StatusFound, resp.StatusCode)
	resp, _ = a.post(t, c, "/login", url.Values{"username": {username}, "password": {"pw-" + username}})
	require.Equal(t, http.StatusFound, resp.StatusCode)
	require.Equal(t, "/", resp.Header.Get("Location"))
}

func testPNG(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewGray(image.Rect(0, 0, 2, 2))))
	return buf.Bytes()
}

func imagePath(id int64) string {
	return "/view/" + strconv.FormatInt(id, 10)
}

func TestIndex_RequiresLogin(t *testing.T) {
	app := newTestApp(t, fakeHealth{})
	resp, _ := app.get(t, app.browser(t), "/")

	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/login", resp.Header.Get("Location"))
}

func TestRegister(t *testing.T) {
	app := newTestApp(t, fakeHealth{})
	c := app.browser(t)

	resp, body := app.get(t, c, "/register")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `action="/register"`)

	resp, _ = app.post(t, c, "/register", url.Values{"username": {"alice"}, "password": {"pw"}, "email": {""}})
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/login", resp.Header.Get("Location"))

	_, body = app.get(t, c, "/login")
	assert.Contains(t, body, "account created, please log in")

	t.Run("duplicate username", func(t *testing.T) {
		resp, body := app.post(t, c, "/register", url.Values{"username": {"alice"}, "password": {"other"}})
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Contains(t, body, "username already exists")
		assert.Len(t, app.users.users, 1)
	})

	t.Run("missing password", func(t *testing.T) {
		resp, body := app.post(t, c, "/register", url.Values{"username": {"bob"}})
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Contains(t, body, "username and password are required")
		assert.Contains(t, body, `value="bob"`)
	})

	t.Run("password too long for bcrypt", func(t *testing.T) {
		resp, body := app.post(t, c, "/register", url.Values{"username": {"carol"}, "password": {strings.Repeat("p", 73)}})
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Contains(t, body, "password must be at most 72 bytes")
		assert.Contains(t, body, `value="carol"`)
		assert.Len(t, app.users.users, 1)
	})
}

func TestLoginLogout(t *testing.T) {
	app := newTestApp(t, fakeHealth{})
	c := app.browser(t)

	resp, _ := app.post(t, c, "/register", url.Values{"username": {"alice"}, "password": {"secret"}})
	require.Equal(t, http.StatusFound, resp.StatusCode)

	t.Run("wrong password", func(t *testing.T) {
		resp, body := app.post(t, c, "/login", url.Values{"username": {"alice"}, "password": {"nope"}})
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Contains(t, body, "invalid username or password")
	})

	t.Run("unknown user", func(t *testing.T) {
		_, body := app.post(t, c, "/login", url.Values{"username": {"ghost"}, "password": {"secret"}})
		assert.Contains(t, body, "invalid username or password")
	})

	before := sessionCookie(c, app.srv.URL)

	resp, _ = app.post(t, c, "/login", url.Values{"username": {"alice"}, "password": {"secret"}})
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/", resp.Header.Get("Location"))

	after := sessionCookie(c, app.srv.URL)
	require.NotEmpty(t, after)
	assert.NotEqual(t, before, after, "session id rotated on login")

	resp, body := app.get(t, c, "/")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "alice")
	assert.Contains(t, body, "No images yet.")

	resp, _ = app.get(t, c, "/logout")
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/login", resp.Header.Get("Location"))

	resp, _ = app.get(t, c, "/")
	assert.Equal(t, "/login", resp.Header.Get("Location"))
}

func sessionCookie(c *http.Client, rawURL string) string {
	return jarCookie(c, rawURL, "session_id")
}

func jarCookie(c *http.Client, rawURL, name string) string {
	u, _ := url.Parse(rawURL)
	for _, ck := range c.Jar.Cookies(u) {
		if ck.Name == name {
			return ck.Value
		}
	}
	return ""
}

func TestUpload(t *testing.T) {
	app := newTestApp(t, fakeHealth{})
	data := testPNG(t)

	t.Run("anonymous upload is ignored", func(t *testing.T) {
		resp, _ := app.upload(t, app.browser(t), "cat.png", data)
		assert.Equal(t, http.StatusFound, resp.StatusCode)
		assert.Equal(t, "/", resp.Header.Get("Location"))
		assert.Nil(t, app.images.only())
	})

	c := app.browser(t)
	app.signIn(t, c, "alice")

	t.Run("missing file part", func(t *testing.T) {
		resp, _ := app.upload(t, c, "", nil)
		assert.Equal(t, http.StatusFound, resp.StatusCode)
		assert.Nil(t, app.images.only())
	})

	t.Run("non-image is rejected with a flash", func(t *testing.T) {
		resp, _ := app.upload(t, c, "notes.txt", []byte("hello there"))
		assert.Equal(t, http.StatusFound, resp.StatusCode)
		assert.Nil(t, app.images.only())

		_, body := app.get(t, c, "/")
		assert.Contains(t, body, "only image files are allowed")
	})

	t.Run("image is stored and listed", func(t *testing.T) {
		resp, _ := app.upload(t, c, "my cat.png", data)
		assert.Equal(t, http.StatusFound, resp.StatusCode)

		img := app.images.only()
		require.NotNil(t, img)
		assert.Regexp(t, `^[0-9a-f]{8}_my_cat\.png$`, img.Filename)
		_, err := os.Stat(filepath.Join(app.dir, img.Filename))
		assert.NoError(t, err)

		_, body := app.get(t, c, "/")
		assert.Contains(t, body, img.Filename)
		assert.Contains(t, body, `name="delete_ids" value="`+strconv.FormatInt(img.ID, 10)+`"`)
	})
}

func TestUpload_TooLarge(t *testing.T) {
	app := newTestApp(t, fakeHealth{})
	c := app.browser(t)
	app.signIn(t, c, "alice")
	token := app.csrfToken(t, c)
	u, err := url.Parse(app.srv.URL)
	require.NoError(t, err)
	cookies := c.Jar.Cookies(u)

	// Well past MaxUploadSize plus the multipart allowance.
	big := bytes.Repeat([]byte{0x89}, 3<<20)

	tests := []struct {
		name    string
		chunked bool
	}{
		{"declared content length", false},
		{"chunked body", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf, contentType := multipartBody(t, "huge.png", big)
			var body io.Reader = buf
			if tt.chunked {
				// Hides the length so only the read limit can catch it.
				body = io.MultiReader(buf)
			}

			req := httptest.NewRequest(http.MethodPost, uploadTarget(token), body)
			req.Header.Set("Content-Type", contentType)
			for _, ck := range cookies {
				req.AddCookie(ck)
			}
			if tt.chunked {
				require.Equal(t, int64(-1), req.ContentLength)
			}

			rec := httptest.NewRecorder()
			app.e.ServeHTTP(rec, req)

			assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
			assert.Zero(t, app.images.count())
			entries, err := os.ReadDir(app.dir)
			require.NoError(t, err)
			assert.Empty(t, entries)
		})
	}
}

func TestCSRF(t *testing.T) {
	app := newTestApp(t, fakeHealth{})
	owner := app.browser(t)
	app.signIn(t, owner, "alice")

	resp, _ := app.upload(t, owner, "pic.png", testPNG(t))
	require.Equal(t, http.StatusFound, resp.StatusCode)
	img := app.images.only()
	require.NotNil(t, img)
	id := strconv.FormatInt(img.ID, 10)
	token := jarCookie(owner, app.srv.URL, "_csrf")
	require.NotEmpty(t, token)

	t.Run("dashboard forms carry the token", func(t *testing.T) {
		_, body := app.get(t, owner, "/")
		assert.Contains(t, body, `name="_csrf" value="`+token+`"`)
		assert.Contains(t, body, `action="/upload?_csrf=`+token+`"`)
	})

	t.Run("post without token", func(t *testing.T) {
		resp, body := app.postRaw(t, owner, "/delete", url.Values{"delete_ids": {id}})
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
		assert.Contains(t, body, "invalid csrf token")
		assert.Equal(t, 1, app.images.count())
	})

	t.Run("post with a forged token", func(t *testing.T) {
		resp, _ := app.postRaw(t, owner, "/delete", url.Values{web.CSRFField: {"forged"}, "delete_ids": {id}})
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)

		resp, _ = app.postRaw(t, owner, "/unshare/"+id, url.Values{web.CSRFField: {"forged"}})
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
		assert.Equal(t, 1, app.images.count())
	})

	t.Run("upload without token", func(t *testing.T) {
		resp, _ := app.do(t, owner, app.uploadRequest(t, "", "other.png", testPNG(t)))
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
		assert.Equal(t, 1, app.images.count())
	})

	t.Run("login without token", func(t *testing.T) {
		resp, _ := app.postRaw(t, app.browser(t), "/login", url.Values{"username": {"alice"}, "password": {"pw-alice"}})
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("valid token is accepted", func(t *testing.T) {
		resp, _ := app.post(t, owner, "/delete", url.Values{"delete_ids": {id}})
		assert.Equal(t, http.StatusFound, resp.StatusCode)
		assert.Zero(t, app.images.count())
	})
}

func TestViewShareUnshare(t *testing.T) {
	app := newTestApp(t, fakeHealth{})
	data := testPNG(t)

	owner := app.browser(t)
	app.signIn(t, owner, "alice")
	stranger := app.browser(t)
	app.signIn(t, stranger, "mallory")
	anon := app.browser(t)

	resp, _ := app.upload(t, owner, "pic.png", data)
	require.Equal(t, http.StatusFound, resp.StatusCode)
	img := app.images.only()
	require.NotNil(t, img)
	path := imagePath(img.ID)

	t.Run("owner can view", func(t *testing.T) {
		resp, body := app.get(t, owner, path)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
		assert.Equal(t, string(data), body)
	})

	t.Run("others cannot view unshared", func(t *testing.T) {
		resp, _ := app.get(t, anon, path)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
		resp, _ = app.get(t, stranger, path)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
		resp, _ = app.get(t, anon, path+"?token=")
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("missing and malformed ids", func(t *testing.T) {
		resp, _ := app.get(t, owner, "/view/9999")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		resp, _ = app.get(t, owner, "/view/abc")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("share is owner only", func(t *testing.T) {
		resp, _ := app.get(t, anon, "/share/"+strconv.FormatInt(img.ID, 10))
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
		resp, _ = app.get(t, stranger, "/share/"+strconv.FormatInt(img.ID, 10))
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
		resp, _ = app.get(t, owner, "/share/9999")
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	tokenRe := regexp.MustCompile(`token=([A-Za-z0-9]+)`)
	share := func(t *testing.T) string {
		t.Helper()
		resp, body := app.get(t, owner, "/share/"+strconv.FormatInt(img.ID, 10))
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Contains(t, body, app.srv.URL+path+"?token=")
		m := tokenRe.FindStringSubmatch(body)
		require.Len(t, m, 2)
		return m[1]
	}

	first := share(t)
	assert.Len(t, first, 16)

	t.Run("token grants access", func(t *testing.T) {
		resp, body := app.get(t, anon, path+"?token="+first)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, string(data), body)

		resp, _ = app.get(t, anon, path+"?token=wrong")
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("resharing replaces the token", func(t *testing.T) {
		second := share(t)
		assert.NotEqual(t, first, second)

		resp, _ := app.get(t, anon, path+"?token="+first)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
		resp, _ = app.get(t, anon, path+"?token="+second)
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		_, body := app.get(t, owner, "/")
		assert.Contains(t, body, "?token="+second)
	})

	t.Run("unshare revokes access", func(t *testing.T) {
		token := share(t)

		resp, _ := app.post(t, stranger, "/unshare/"+strconv.FormatInt(img.ID, 10), nil)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)

		resp, _ = app.post(t, owner, "/unshare/"+strconv.FormatInt(img.ID, 10), nil)
		assert.Equal(t, http.StatusFound, resp.StatusCode)

		resp, _ = app.get(t, anon, path+"?token="+token)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})
}

func TestDelete(t *testing.T) {
	app := newTestApp(t, fakeHealth{})
	data := testPNG(t)

	owner := app.browser(t)
	app.signIn(t, owner, "alice")
	stranger := app.browser(t)
	app.signIn(t, stranger, "mallory")

	resp, _ := app.upload(t, owner, "pic.png", data)
	require.Equal(t, http.StatusFound, resp.StatusCode)
	img := app.images.only()
	require.NotNil(t, img)
	id := strconv.FormatInt(img.ID, 10)

	t.Run("anonymous is sent to login", func(t *testing.T) {
		resp, _ := app.post(t, app.browser(t), "/delete", url.Values{"delete_ids": {id}})
		assert.Equal(t, http.StatusFound, resp.StatusCode)
		assert.Equal(t, "/login", resp.Header.Get("Location"))
	})

	t.Run("foreign ids are skipped", func(t *testing.T) {
		resp, _ := app.post(t, stranger, "/delete", url.Values{"delete_ids": {id, "junk"}})
		assert.Equal(t, http.StatusFound, resp.StatusCode)
		assert.NotNil(t, app.images.only())
	})

	t.Run("owner deletes row and file", func(t *testing.T) {
		resp, _ := app.post(t, owner, "/delete", url.Values{"delete_ids": {id, "9999", "junk"}})
		assert.Equal(t, http.StatusFound, resp.StatusCode)
		assert.Equal(t, "/", resp.Header.Get("Location"))

		assert.Nil(t, app.images.only())
		_, err := os.Stat(filepath.Join(app.dir, img.Filename))
		assert.True(t, os.IsNotExist(err))

		resp, _ = app.get(t, owner, imagePath(img.ID))
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)

		_, body := app.get(t, owner, "/")
		assert.Contains(t, body, "deleted 1 image(s)")
	})
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name       string
		health     fakeHealth
		wantStatus string
	}{
		{"healthy", fakeHealth{}, "healthy"},
		{"degraded", fakeHealth{err: errDown}, "degraded"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := newTestApp(t, tt.health)
			resp, body := app.get(t, app.browser(t), "/health")
			assert.Equal(t, http.StatusOK, resp.StatusCode)

			var got map[string]string
			require.NoError(t, json.Unmarshal([]byte(body), &got))
			assert.Equal(t, tt.wantStatus, got["status"])
		})
	}
}

func TestUploadRateLimiter(t *testing.T) {
	e := echo.New()
	e.POST("/upload", func(c echo.Context) error {
		return c.NoContent(http.StatusNoContent)
	}, UploadRateLimiter(0.001, 2))

	var codes []int
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/upload", nil))
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{http.StatusNoContent, http.StatusNoContent, http.StatusTooManyRequests}, codes)
}
