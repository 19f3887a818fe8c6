package app

import (
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pew-pew-pew/pew/internal/config"
	"github.com/pew-pew-pew/pew/internal/controller"
	"github.com/pew-pew-pew/pew/internal/database"
	"github.com/pew-pew-pew/pew/internal/logging"
	"github.com/pew-pew-pew/pew/internal/model"
	"github.com/pew-pew-pew/pew/pkg/testutil"
)

var testViews = map[string]string{
	"layouts/default.html": `<html><title>{{.App}}</title><body>{{range .Flash.notice}}<p class="notice">{{.}}</p>{{end}}{{.Content}}</body></html>`,
	"pages/index.html":     `<h1>Welcome</h1>{{if .User}}<p>Hi {{.User.username}}</p>{{end}}`,
	"posts/view.html":      `<h1>{{.post.String "title"}}</h1><p>by {{.author.String "username"}}</p>`,
	"users/login.html":     `<form>{{range .errors}}<p class="error">{{.}}</p>{{end}}</form>`,
	"errors/error.html":    `<h1>{{.Status}}</h1><p>{{.Message}}</p>`,
}

type posts struct{}

func (posts) Actions() map[string]controller.Action {
	return map[string]controller.Action{
		"view": func(c *controller.Context) (any, error) {
			post, err := c.Model.Find(c.Ctx(), c.Arg(0))
			if err != nil {
				return nil, err
			}
			author, err := post.One(c.Ctx(), "author")
			if err != nil {
				return nil, err
			}
			return map[string]any{"post": post, "author": author}, nil
		},
		"edit": func(c *controller.Context) (any, error) {
			c.NoRender()
			c.Writer.WriteHeader(http.StatusNoContent)
			return nil, nil
		},
	}
}

func newTestApp(t *testing.T, tweak func(*config.Config)) *Application {
	t.Helper()
	db := testutil.NewDB(t)
	testutil.Exec(t, db, `CREATE TABLE posts (id INTEGER PRIMARY KEY AUTOINCREMENT, user_id INTEGER, title TEXT, created DATETIME, modified DATETIME)`)
	userID := testutil.CreateUser(t, db, "alice", "secret", "admin")
	_, err := db.Insert(context.Background(), "posts", database.Row{"user_id": userID, "title": "Hello"})
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Views.Dir = testutil.WriteFiles(t, testViews)
	cfg.Cache.Dir = t.TempDir()
	cfg.Thumbs.Root = t.TempDir()
	cfg.Thumbs.Dir = t.TempDir()
	cfg.Auth.JWTSecret = "test-secret"
	cfg.Auth.Protected = []string{"/posts/edit"}
	cfg.Routes = []config.RouteConfig{{Pattern: "/blog/{id:[0-9]+}", Target: "posts/view/{id}", Methods: []string{http.MethodGet}}}
	cfg.Models = []config.ModelConfig{{
		Name:       "posts",
		Timestamps: true,
		BelongsTo:  map[string]config.RelationConfig{"author": {Model: "users", ForeignKey: "user_id"}},
	}}
	if tweak != nil {
		tweak(cfg)
	}

	a, err := New(context.Background(), cfg, Options{
		Logger:      logging.Discard(),
		DB:          db,
		Controllers: map[string]controller.Controller{"posts": posts{}},
		Models:      []model.Definition{{Name: "users"}},
	})
	require.NoError(t, err)
	t.Cleanup(a.closeAll)
	return a
}

// client replays cookies across requests against the handler.
type client struct {
	t       *testing.T
	h       http.Handler
	cookies map[string]*http.Cookie
}

func newClient(t *testing.T, a *Application) *client {
	return &client{t: t, h: a.Handler(), cookies: make(map[string]*http.Cookie)}
}

func (c *client) do(req *http.Request) *httptest.ResponseRecorder {
	for _, ck := range c.cookies {
		req.AddCookie(ck)
	}
	rr := httptest.NewRecorder()
	c.h.ServeHTTP(rr, req)
	for _, ck := range rr.Result().Cookies() {
		if ck.MaxAge < 0 {
			delete(c.cookies, ck.Name)
			continue
		}
		c.cookies[ck.Name] = ck
	}
	return rr
}

func (c *client) get(path string) *httptest.ResponseRecorder {
	return c.do(httptest.NewRequest(http.MethodGet, path, nil))
}

func (c *client) postForm(path string, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req)
}

func TestHomePageRendersInLayout(t *testing.T) {
	c := newClient(t, newTestApp(t, nil))

	rr := c.get("/")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "<title>pew</title>")
	assert.Contains(t, rr.Body.String(), "<h1>Welcome</h1>")
	assert.Equal(t, "text/html; charset=utf-8", rr.Header().Get("Content-Type"))
	assert.NotEmpty(t, rr.Header().Get("X-Trace-ID"))
	assert.Empty(t, rr.Result().Cookies(), "untouched session must not set a cookie")
}

func TestMissingPageIsNotFound(t *testing.T) {
	c := newClient(t, newTestApp(t, nil))

	rr := c.get("/pages/about")
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Contains(t, rr.Body.String(), "<h1>404</h1>")

	rr = c.get("/nothing/here.json")
	assert.Equal(t, http.StatusNotFound, rr.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "NOT_FOUND", body["code"])
}

func TestCustomRouteAndRelations(t *testing.T) {
	c := newClient(t, newTestApp(t, nil))

	rr := c.get("/blog/1")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Contains(t, rr.Body.String(), "<h1>Hello</h1>")
	assert.Contains(t, rr.Body.String(), "by alice")

	rr = c.get("/posts/view/1.json")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var body struct {
		Post   map[string]any `json:"post"`
		Author map[string]any `json:"author"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "Hello", body.Post["title"])
	assert.Equal(t, "alice", body.Author["username"])

	rr = c.get("/posts/view/99")
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = c.do(httptest.NewRequest(http.MethodDelete, "/blog/1", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestLoginFlow(t *testing.T) {
	c := newClient(t, newTestApp(t, nil))

	rr := c.postForm("/users/login", url.Values{"username": {"alice"}, "password": {"wrong"}})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Contains(t, rr.Body.String(), "Invalid username or password")

	rr = c.get("/posts/edit")
	require.Equal(t, http.StatusSeeOther, rr.Code)
	assert.Equal(t, "/users/login?redirect=%2Fposts%2Fedit", rr.Header().Get("Location"))

	rr = c.postForm("/users/login?redirect=/posts/edit", url.Values{"username": {"alice"}, "password": {"secret"}})
	require.Equal(t, http.StatusSeeOther, rr.Code, rr.Body.String())
	assert.Equal(t, "/posts/edit", rr.Header().Get("Location"))

	rr = c.get("/posts/edit")
	assert.Equal(t, http.StatusNoContent, rr.Code)

	rr = c.get("/")
	assert.Contains(t, rr.Body.String(), `<p class="notice">Welcome back</p>`)
	assert.Contains(t, rr.Body.String(), "Hi alice")

	rr = c.get("/users/me.json")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.NotContains(t, rr.Body.String(), "password")

	rr = c.get("/users/logout")
	assert.Equal(t, http.StatusSeeOther, rr.Code)
	rr = c.get("/users/me.json")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestProtectedActionSpellings(t *testing.T) {
	c := newClient(t, newTestApp(t, nil))

	for _, path := range []string{"/POSTS/edit", "/posts/EDIT", "/posts/edit.json", "/k:v/posts/edit", "/posts/edit/1"} {
		rr := c.get(path)
		assert.Contains(t, []int{http.StatusSeeOther, http.StatusUnauthorized}, rr.Code, path)
	}
}

func TestTokenAuth(t *testing.T) {
	c := newClient(t, newTestApp(t, nil))

	rr := c.postForm("/users/token", url.Values{"username": {"alice"}, "password": {"secret"}})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var tok struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &tok))
	require.NotEmpty(t, tok.Token)

	req := httptest.NewRequest(http.MethodGet, "/posts/edit", nil)
	req.Header.Set("Authorization", "Bearer "+tok.Token)
	rr = c.do(req)
	assert.Equal(t, http.StatusNoContent, rr.Code)

	req = httptest.NewRequest(http.MethodGet, "/posts/edit", nil)
	req.Header.Set("Authorization", "Bearer nonsense")
	rr = c.do(req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	c := newClient(t, newTestApp(t, nil))
	c.get("/")

	rr := c.get("/healthz")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"status":"ok"`)

	rr = c.get("/metrics")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "pew_controller_dispatch_total")
	assert.Contains(t, rr.Body.String(), "pew_http_requests_total")
}

func TestThumbnails(t *testing.T) {
	a := newTestApp(t, func(cfg *config.Config) { cfg.Thumbs.Sizes = []string{"20x0", "10x10"} })
	c := newClient(t, a)

	img := image.NewRGBA(image.Rect(0, 0, 40, 20))
	for x := 0; x < 40; x++ {
		for y := 0; y < 20; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 6), A: 255})
		}
	}
	f, err := os.Create(filepath.Join(a.cfg.Thumbs.Root, "photo.png"))
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())

	rr := c.get("/thumbs/20x0/fit/photo.png")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	decoded, err := png.Decode(rr.Body)
	require.NoError(t, err)
	assert.Equal(t, image.Pt(20, 10), decoded.Bounds().Size())

	assert.Equal(t, http.StatusBadRequest, c.get("/thumbs/30x30/fit/photo.png").Code)
	assert.Equal(t, http.StatusBadRequest, c.get("/thumbs/10x10/stretch/photo.png").Code)
	assert.Equal(t, http.StatusNotFound, c.get("/thumbs/10x10/crop/missing.png").Code)
	assert.Equal(t, http.StatusNotFound, c.get("/thumbs/10x10/crop/a..b.png").Code)
	assert.Equal(t, http.StatusBadRequest, c.get("/thumbs/10x10/crop/..%5Cconfig.png").Code)
}

func TestRateLimit(t *testing.T) {
	c := newClient(t, newTestApp(t, func(cfg *config.Config) {
		cfg.RateLimit.RequestsPerSecond = 1
		cfg.RateLimit.Burst = 1
	}))

	assert.Equal(t, http.StatusOK, c.get("/").Code)
	rr := c.get("/")
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.NotEmpty(t, rr.Header().Get("Retry-After"))

	assert.Equal(t, http.StatusOK, c.get("/healthz").Code, "health checks are not rate limited")
}

func TestJobs(t *testing.T) {
	a := newTestApp(t, func(cfg *config.Config) {
		cfg.RateLimit.RequestsPerSecond = 10
		cfg.Jobs.LimiterIdle = time.Nanosecond
	})
	newClient(t, a).get("/")
	time.Sleep(time.Millisecond)

	n, err := a.cleanupLimiter(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, a.cache.Save(context.Background(), "k", "v"))
	n, err = a.purgeCache(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n, "fresh entries survive the purge")

	assert.Len(t, a.jobs.Entries(), 3)
}

func TestNewRejectsBadConfig(t *testing.T) {
	db := testutil.NewDB(t)

	cfg := config.Default()
	cfg.Views.Dir = t.TempDir()
	cfg.Cache.Dir = t.TempDir()
	cfg.Jobs.SessionGC = "every now and then"
	_, err := New(context.Background(), cfg, Options{Logger: logging.Discard(), DB: db})
	assert.Error(t, err)

	cfg = config.Default()
	cfg.Views.Dir = t.TempDir()
	cfg.Cache.Dir = t.TempDir()
	cfg.Models = []config.ModelConfig{{Name: "posts", HasMany: map[string]config.RelationConfig{"comments": {}}}}
	_, err = New(context.Background(), cfg, Options{Logger: logging.Discard(), DB: db})
	assert.ErrorIs(t, err, model.ErrUnknownModel)
}

func TestServeAndShutdown(t *testing.T) {
	a := newTestApp(t, nil)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	require.NoError(t, <-done)
	require.NoError(t, a.Shutdown(context.Background()))
}
