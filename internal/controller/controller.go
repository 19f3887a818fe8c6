package controller

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/pew-pew-pew/pew/internal/errors"
	"github.com/pew-pew-pew/pew/internal/router"
)

// Action handles one request. A map result is merged into the view data;
// any other non-nil result is exposed as "data".
type Action func(c *Context) (any, error)

// Controller groups actions under a URL segment.
type Controller interface {
	Actions() map[string]Action
}

// BeforeActioner runs before every action. Redirecting or calling NoRender
// from the hook skips the action.
type BeforeActioner interface {
	BeforeAction(c *Context) error
}

// AfterActioner runs after a successful action.
type AfterActioner interface {
	AfterAction(c *Context, result any) error
}

// Resolver serves actions that are not known in advance.
type Resolver interface {
	Resolve(action string) (Action, bool)
}

// Registry maps controller names to controllers.
type Registry struct {
	mu          sync.RWMutex
	controllers map[string]Controller
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{controllers: make(map[string]Controller)}
}

// Register adds c under name. Names are normalised like URL segments.
func (r *Registry) Register(name string, c Controller) error {
	slug := router.Slug(name)
	if slug == "" || strings.HasPrefix(slug, "_") {
		return fmt.Errorf("controller: invalid name %q", name)
	}
	if c == nil {
		return fmt.Errorf("controller: %s is nil", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.controllers[slug] = c
	return nil
}

// MustRegister is Register that panics.
func (r *Registry) MustRegister(name string, c Controller) {
	if err := r.Register(name, c); err != nil {
		panic(err)
	}
}

// Get returns the controller registered under name.
func (r *Registry) Get(name string) (Controller, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.controllers[name]
	return c, ok
}

// Names lists registered controllers in order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.controllers))
	for n := range r.controllers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Lookup finds the action for a controller/action pair. Actions starting
// with an underscore are private and never returned.
func (r *Registry) Lookup(controller, action string) (Action, Controller, error) {
	ctrl, ok := r.Get(controller)
	if !ok {
		return nil, nil, errors.NotFound("controller " + controller)
	}
	if action == "" || strings.HasPrefix(action, "_") {
		return nil, nil, errors.NotFound("action " + controller + "/" + action)
	}
	if fn, ok := ctrl.Actions()[action]; ok && fn != nil {
		return fn, ctrl, nil
	}
	if res, ok := ctrl.(Resolver); ok {
		if fn, ok := res.Resolve(action); ok && fn != nil {
			return fn, ctrl, nil
		}
	}
	return nil, nil, errors.NotFound("action " + controller + "/" + action)
}

// Dispatch runs the action named by c.Route with its hooks and folds the
// result into c.
func (r *Registry) Dispatch(c *Context) error {
	fn, ctrl, err := r.Lookup(c.Route.Controller, c.Route.Action)
	if err != nil {
		return err
	}

	if before, ok := ctrl.(BeforeActioner); ok {
		if err := before.BeforeAction(c); err != nil {
			return err
		}
		if c.Done() {
			return nil
		}
	}

	result, err := fn(c)
	if err != nil {
		return err
	}
	c.apply(result)

	if after, ok := ctrl.(AfterActioner); ok {
		if err := after.AfterAction(c, result); err != nil {
			return err
		}
	}
	return nil
}

// Actions is a map-backed Controller, handy for small controllers and tests.
type Actions map[string]Action

// Actions implements Controller.
func (a Actions) Actions() map[string]Action { return a }
