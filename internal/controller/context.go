// Package controller dispatches parsed requests to controller actions and
// carries the per-request state those actions work with.
package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/pew-pew-pew/pew/internal/auth"
	"github.com/pew-pew-pew/pew/internal/cache"
	"github.com/pew-pew-pew/pew/internal/logging"
	"github.com/pew-pew-pew/pew/internal/model"
	"github.com/pew-pew-pew/pew/internal/router"
	"github.com/pew-pew-pew/pew/internal/session"
	"github.com/pew-pew-pew/pew/internal/thumbnail"
)

const maxBodyBytes = 1 << 20

// Libs are the shared helpers handed to every action.
type Libs struct {
	Cache      *cache.Cache
	Thumbnails *thumbnail.Maker
	Logger     *logging.Logger
}

// Deps are the application services a Context is built from.
type Deps struct {
	Models *model.Registry
	Auth   *auth.Auth
	Tokens *auth.TokenIssuer
	Libs   Libs
}

// Context is the state of one dispatched request.
type Context struct {
	Writer  http.ResponseWriter
	Request *http.Request
	Route   *router.Request
	Session *session.Session

	// Model is the model named after the controller, when one is registered.
	Model  *model.Model
	Models *model.Registry
	Auth   *auth.Auth
	Tokens *auth.TokenIssuer
	Libs   Libs

	data      map[string]any
	template  string
	layout    string
	layoutSet bool
	status    int
	redirect  string
	noRender  bool

	body     []byte
	bodyRead bool
	bodyErr  error
}

// NewContext builds the context for route. The session is taken from the
// request context when present.
func NewContext(w http.ResponseWriter, r *http.Request, route *router.Request, deps Deps) *Context {
	c := &Context{
		Writer:  w,
		Request: r,
		Route:   route,
		Session: session.FromContext(r.Context()),
		Models:  deps.Models,
		Auth:    deps.Auth,
		Tokens:  deps.Tokens,
		Libs:    deps.Libs,
		data:    make(map[string]any),
	}
	if c.Libs.Logger == nil {
		c.Libs.Logger = logging.Discard()
	}
	if deps.Models != nil && deps.Models.Has(route.Controller) {
		c.Model, _ = deps.Models.Get(route.Controller)
	}
	return c
}

// Ctx returns the request context.
func (c *Context) Ctx() context.Context { return c.Request.Context() }

// Log returns a logger entry annotated with the request.
func (c *Context) Log() *logrus.Entry {
	return c.Libs.Logger.WithContext(c.Ctx()).WithFields(logrus.Fields{
		"controller": c.Route.Controller,
		"action":     c.Route.Action,
	})
}

// ModelFor returns a registered model by name.
func (c *Context) ModelFor(name string) (*model.Model, error) {
	if c.Models == nil {
		return nil, fmt.Errorf("%w: %s", model.ErrUnknownModel, name)
	}
	return c.Models.Get(name)
}

// IsPost reports whether the request is a POST.
func (c *Context) IsPost() bool { return c.Request.Method == http.MethodPost }

// Param returns a named route parameter.
func (c *Context) Param(name string) string { return c.Route.Param(name) }

// Arg returns a positional route parameter.
func (c *Context) Arg(i int) string { return c.Route.Arg(i) }

// Query returns a query string value.
func (c *Context) Query(key string) string { return c.Request.URL.Query().Get(key) }

func (c *Context) isJSONBody() bool {
	mt, _, err := mime.ParseMediaType(c.Request.Header.Get("Content-Type"))
	return err == nil && (mt == "application/json" || strings.HasSuffix(mt, "+json"))
}

// Body returns the raw request body, read at most once.
func (c *Context) Body() ([]byte, error) {
	if !c.bodyRead {
		c.bodyRead = true
		if c.Request.Body != nil {
			c.body, c.bodyErr = io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
		}
	}
	return c.body, c.bodyErr
}

// JSON returns the value at a gjson path of a JSON request body.
func (c *Context) JSON(path string) gjson.Result {
	body, err := c.Body()
	if err != nil || !gjson.ValidBytes(body) {
		return gjson.Result{}
	}
	return gjson.GetBytes(body, path)
}

// Post returns one posted value, from a form or a top-level JSON field.
func (c *Context) Post(key string) string {
	if c.isJSONBody() {
		return c.JSON(key).String()
	}
	if err := c.parseForm(); err != nil {
		return ""
	}
	return c.Request.PostForm.Get(key)
}

func (c *Context) parseForm() error {
	if c.Request.PostForm != nil {
		return nil
	}
	if !c.bodyRead {
		c.bodyRead = true
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes)
		}
		err := c.Request.ParseMultipartForm(maxBodyBytes)
		if errors.Is(err, http.ErrNotMultipart) {
			return nil
		}
		return err
	}
	body, err := c.Body()
	if err != nil {
		return err
	}
	values, err := url.ParseQuery(string(body))
	if err != nil {
		return err
	}
	c.Request.PostForm = values
	return nil
}

// PostData returns the posted fields. Form fields with one value map to a
// string, repeated fields to []string; JSON bodies decode as objects.
func (c *Context) PostData() (map[string]any, error) {
	out := make(map[string]any)
	if c.isJSONBody() {
		body, err := c.Body()
		if err != nil {
			return nil, err
		}
		if len(body) == 0 {
			return out, nil
		}
		if err := json.Unmarshal(body, &out); err != nil {
			return nil, fmt.Errorf("invalid JSON body: %w", err)
		}
		return out, nil
	}
	if err := c.parseForm(); err != nil {
		return nil, err
	}
	for k, v := range c.Request.PostForm {
		if len(v) == 1 {
			out[k] = v[0]
		} else {
			out[k] = v
		}
	}
	return out, nil
}

// Set exposes a value to the view.
func (c *Context) Set(key string, value any) { c.data[key] = value }

// Get returns a view value.
func (c *Context) Get(key string) any { return c.data[key] }

// Data returns the view data.
func (c *Context) Data() map[string]any { return c.data }

// Merge exposes every entry of values to the view.
func (c *Context) Merge(values map[string]any) {
	for k, v := range values {
		c.data[k] = v
	}
}

// Flash queues a message for the next page the visitor sees.
func (c *Context) Flash(kind, message string) {
	if c.Session != nil {
		c.Session.Flash(kind, message)
	}
}

// User returns the signed-in user, or nil.
func (c *Context) User() map[string]any { return auth.UserFrom(c.Session) }

// Redirect sends the visitor to location after the action returns.
func (c *Context) Redirect(location string) {
	c.redirect = location
	if c.status == 0 {
		c.status = http.StatusSeeOther
	}
}

// RedirectTo is Redirect to /controller/action/args...
func (c *Context) RedirectTo(controller, action string, args ...string) {
	parts := append([]string{"", controller, action}, args...)
	c.Redirect(strings.Join(parts, "/"))
}

// Redirection returns the pending redirect target, if any.
func (c *Context) Redirection() string { return c.redirect }

// NoRender tells the app that the action wrote its own response.
func (c *Context) NoRender() { c.noRender = true }

// Rendered reports whether NoRender was called.
func (c *Context) Rendered() bool { return c.noRender }

// Status sets the response status code.
func (c *Context) Status(code int) { c.status = code }

// StatusCode returns the chosen status, 200 by default.
func (c *Context) StatusCode() int {
	if c.status == 0 {
		return http.StatusOK
	}
	return c.status
}

// SetLayout picks the layout; "" renders without one.
func (c *Context) SetLayout(name string) {
	c.layout = name
	c.layoutSet = true
}

// Layout returns the chosen layout and whether one was set explicitly.
func (c *Context) Layout() (string, bool) { return c.layout, c.layoutSet }

// SetTemplate picks the template, as "controller/action".
func (c *Context) SetTemplate(name string) { c.template = name }

// Template returns the template to render, defaulting to controller/action.
func (c *Context) Template() string {
	if c.template != "" {
		return c.template
	}
	return c.Route.Controller + "/" + c.Route.Action
}

// Done reports whether the response is settled without running an action.
func (c *Context) Done() bool { return c.redirect != "" || c.noRender }

// apply folds an action result into the view data.
func (c *Context) apply(result any) {
	switch v := result.(type) {
	case nil:
	case map[string]any:
		c.Merge(v)
	default:
		c.data["data"] = v
	}
}
