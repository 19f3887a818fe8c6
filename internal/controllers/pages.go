// Package controllers holds the controllers shipped with the framework.
package controllers

import (
	"regexp"

	"github.com/pew-pew-pew/pew/internal/controller"
)

var pageName = regexp.MustCompile(`^[a-z0-9][a-z0-9_]*$`)

// Pages renders static pages: /pages/about shows views/pages/about.html.
type Pages struct{}

// Actions implements controller.Controller.
func (Pages) Actions() map[string]controller.Action {
	return map[string]controller.Action{
		"index": Pages{}.display("index"),
	}
}

// Resolve serves any well-formed page name; a missing template becomes a 404
// when the view is rendered.
func (p Pages) Resolve(action string) (controller.Action, bool) {
	if !pageName.MatchString(action) {
		return nil, false
	}
	return p.display(action), true
}

func (Pages) display(name string) controller.Action {
	return func(c *controller.Context) (any, error) {
		c.SetTemplate("pages/" + name)
		return map[string]any{"page": name}, nil
	}
}
