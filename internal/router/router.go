package router

import (
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/gorilla/mux"

	"github.com/pew-pew-pew/pew/internal/errors"
)

var placeholder = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)(?::[^}]*)?\}`)

// Route rewrites paths matching Pattern (gorilla/mux syntax, e.g.
// "/blog/{slug}") onto Target ("posts/view/{slug}").
type Route struct {
	Pattern string
	Target  string
	Methods []string
}

// Router resolves requests to controller/action pairs.
type Router struct {
	defaultController string
	defaultAction     string

	mu     sync.RWMutex
	routes []Route
	mux    *mux.Router
}

// New creates a router with the given fallbacks for empty paths.
func New(defaultController, defaultAction string) *Router {
	if defaultController == "" {
		defaultController = "pages"
	}
	if defaultAction == "" {
		defaultAction = "index"
	}
	return &Router{
		defaultController: Slug(defaultController),
		defaultAction:     Slug(defaultAction),
		mux:               mux.NewRouter(),
	}
}

// Defaults returns the fallback controller and action.
func (r *Router) Defaults() (controller, action string) {
	return r.defaultController, r.defaultAction
}

// Add registers a custom route. Routes are tried in registration order.
func (r *Router) Add(pattern, target string, methods ...string) error {
	if !strings.HasPrefix(pattern, "/") {
		return fmt.Errorf("route %q: pattern must start with /", pattern)
	}
	if strings.TrimSpace(target) == "" {
		return fmt.Errorf("route %q: empty target", pattern)
	}
	vars := make(map[string]bool)
	for _, m := range placeholder.FindAllStringSubmatch(pattern, -1) {
		vars[m[1]] = true
	}
	for _, m := range placeholder.FindAllStringSubmatch(target, -1) {
		if !vars[m[1]] {
			return fmt.Errorf("route %q: target uses unknown variable %q", pattern, m[1])
		}
	}

	methods = upperMethods(methods)

	r.mu.Lock()
	defer r.mu.Unlock()
	// mux clears an earlier method mismatch only for routes with a handler.
	route := r.mux.Path(pattern).Name(strconv.Itoa(len(r.routes))).Handler(http.NotFoundHandler())
	if len(methods) > 0 {
		route.Methods(methods...)
	}
	if err := route.GetError(); err != nil {
		return fmt.Errorf("route %q: %w", pattern, err)
	}
	r.routes = append(r.routes, Route{Pattern: pattern, Target: target, Methods: methods})
	return nil
}

func upperMethods(methods []string) []string {
	if len(methods) == 0 {
		return nil
	}
	out := make([]string, len(methods))
	for i, m := range methods {
		out[i] = strings.ToUpper(m)
	}
	return out
}

// Routes lists the custom routes in match order.
func (r *Router) Routes() []Route {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Route(nil), r.routes...)
}

// Parse interprets a path with this router's defaults, ignoring custom routes.
func (r *Router) Parse(method, path string) *Request {
	return Parse(method, path, r.defaultController, r.defaultAction)
}

// Match applies the custom routes to req and parses the result. A path that
// matches a route only under another method yields a 405 service error.
func (r *Router) Match(req *http.Request) (*Request, error) {
	r.mu.RLock()
	var match mux.RouteMatch
	matched := r.mux.Match(req, &match)
	routes := r.routes
	r.mu.RUnlock()

	if matched && match.MatchErr == nil && match.Route != nil {
		idx, err := strconv.Atoi(match.Route.GetName())
		if err == nil && idx < len(routes) {
			route := routes[idx]
			target := Expand(route.Target, match.Vars)
			parsed := r.Parse(req.Method, target)
			parsed.Path = req.URL.Path
			parsed.Route = route.Pattern
			return parsed, nil
		}
	}
	if match.MatchErr == mux.ErrMethodMismatch {
		return nil, errors.MethodNotAllowed(req.Method)
	}
	return r.Parse(req.Method, req.URL.Path), nil
}

// Expand substitutes {name} placeholders in target with vars.
func Expand(target string, vars map[string]string) string {
	return placeholder.ReplaceAllStringFunc(target, func(m string) string {
		name := placeholder.FindStringSubmatch(m)[1]
		return vars[name]
	})
}
