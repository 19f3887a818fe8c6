package app

import (
	"bytes"
	stderrors "errors"
	"net/http"
	"strings"

	"github.com/pew-pew-pew/pew/internal/controller"
	"github.com/pew-pew-pew/pew/internal/database"
	"github.com/pew-pew-pew/pew/internal/errors"
	"github.com/pew-pew-pew/pew/internal/httputil"
	"github.com/pew-pew-pew/pew/internal/router"
	"github.com/pew-pew-pew/pew/internal/session"
	"github.com/pew-pew-pew/pew/internal/view"
)

const errorTemplate = "errors/error"

// dispatch runs one request through router, controller and view.
func (a *Application) dispatch(w http.ResponseWriter, r *http.Request) {
	route, err := a.router.Match(r)
	if err != nil {
		a.fail(w, r, nil, err)
		return
	}

	c := controller.NewContext(w, r, route, a.deps())
	err = a.controllers.Dispatch(c)
	a.metrics.RecordDispatch(route.Controller, route.Action, outcome(c, err))
	if err != nil {
		a.fail(w, r, route, err)
		return
	}
	a.respond(w, r, c)
}

func (a *Application) deps() controller.Deps {
	return controller.Deps{
		Models: a.models,
		Auth:   a.auth,
		Tokens: a.tokens,
		Libs: controller.Libs{
			Cache:      a.cache,
			Thumbnails: a.thumbs,
			Logger:     a.log,
		},
	}
}

func outcome(c *controller.Context, err error) string {
	switch {
	case err != nil:
		return "error"
	case c.Redirection() != "":
		return "redirect"
	case c.Rendered():
		return "raw"
	default:
		return "ok"
	}
}

// respond writes the response an action asked for.
func (a *Application) respond(w http.ResponseWriter, r *http.Request, c *controller.Context) {
	switch {
	case c.Rendered():
		return
	case c.Redirection() != "":
		status := c.StatusCode()
		if status < 300 || status > 399 {
			status = http.StatusSeeOther
		}
		http.Redirect(w, r, c.Redirection(), status)
		return
	case c.Route.IsJSON():
		httputil.WriteJSON(w, c.StatusCode(), c.Data())
		return
	}

	layout, set := c.Layout()
	if !set {
		layout = a.views.DefaultLayout()
	}
	data := a.viewData(r, c.Route, c.Data())
	data["User"] = c.User()

	var buf bytes.Buffer
	if err := a.views.Render(&buf, c.Template(), layout, data); err != nil {
		if stderrors.Is(err, view.ErrTemplateNotFound) {
			a.fail(w, r, c.Route, errors.NotFound("page "+c.Template()))
			return
		}
		a.fail(w, r, c.Route, errors.Internal("render "+c.Template(), err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(c.StatusCode())
	_, _ = w.Write(buf.Bytes())
}

// viewData adds the values every template can rely on.
func (a *Application) viewData(r *http.Request, route *router.Request, values map[string]any) map[string]any {
	data := make(map[string]any, len(values)+4)
	for k, v := range values {
		data[k] = v
	}
	data["App"] = a.cfg.App.Name
	if route != nil {
		data["Request"] = route
	}
	data["Path"] = r.URL.Path
	var flash map[string][]string
	if s := session.FromContext(r.Context()); s != nil {
		flash = s.AllFlashes()
	}
	data["Flash"] = flash
	return data
}

// fail reports err as a JSON body for API clients and as the error page
// otherwise.
func (a *Application) fail(w http.ResponseWriter, r *http.Request, route *router.Request, err error) {
	if stderrors.Is(err, database.ErrNotFound) && errors.GetServiceError(err) == nil {
		err = errors.NotFound("record")
	}
	svcErr := errors.GetServiceError(err)
	if svcErr == nil {
		svcErr = errors.Internal("Internal server error", err)
	}

	entry := a.log.WithContext(r.Context()).WithError(err).WithField("status", svcErr.HTTPStatus)
	if svcErr.HTTPStatus >= http.StatusInternalServerError {
		entry.Error("Request failed")
	} else {
		entry.Debug("Request rejected")
	}

	if wantsJSON(r, route) {
		httputil.WriteServiceError(w, r, svcErr)
		return
	}

	data := a.viewData(r, route, map[string]any{
		"Status":  svcErr.HTTPStatus,
		"Code":    string(svcErr.Code),
		"Message": svcErr.Message,
	})
	if a.cfg.App.Debug && svcErr.Err != nil {
		data["Detail"] = svcErr.Err.Error()
	}

	var buf bytes.Buffer
	if a.views.Exists(errorTemplate) {
		if rerr := a.views.Render(&buf, errorTemplate, a.views.DefaultLayout(), data); rerr != nil {
			a.log.WithContext(r.Context()).WithError(rerr).Error("Error page failed to render")
			buf.Reset()
		}
	}
	if buf.Len() == 0 {
		http.Error(w, svcErr.Message, svcErr.HTTPStatus)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(svcErr.HTTPStatus)
	_, _ = w.Write(buf.Bytes())
}

func wantsJSON(r *http.Request, route *router.Request) bool {
	if route != nil && route.IsJSON() {
		return true
	}
	return httputil.WantsJSON(r) || strings.HasSuffix(r.URL.Path, ".json")
}
