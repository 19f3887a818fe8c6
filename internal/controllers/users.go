package controllers

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/pew-pew-pew/pew/internal/auth"
	"github.com/pew-pew-pew/pew/internal/controller"
	"github.com/pew-pew-pew/pew/internal/errors"
	"github.com/pew-pew-pew/pew/internal/httputil"
)

// Users handles signing in and out, and API token issuing.
type Users struct {
	// AfterLogin is where a successful login lands when no redirect is asked.
	AfterLogin string
}

// Actions implements controller.Controller.
func (u Users) Actions() map[string]controller.Action {
	return map[string]controller.Action{
		"login":  u.login,
		"logout": u.logout,
		"token":  u.token,
		"me":     u.me,
	}
}

// safeRedirect only allows local paths.
func safeRedirect(target, fallback string) string {
	if strings.HasPrefix(target, "/") && !strings.HasPrefix(target, "//") && !strings.Contains(target, "\\") {
		return target
	}
	return fallback
}

func (u Users) landing() string {
	if u.AfterLogin == "" {
		return "/"
	}
	return u.AfterLogin
}

func (u Users) login(c *controller.Context) (any, error) {
	if c.Auth == nil || c.Session == nil {
		return nil, errors.Internal("Authentication is not configured", nil)
	}
	redirect := c.Query("redirect")
	if !c.IsPost() {
		if c.Auth.LoggedIn(c.Session) {
			c.Redirect(safeRedirect(redirect, u.landing()))
			return nil, nil
		}
		return map[string]any{"redirect": redirect, "errors": c.Session.Flashes("error")}, nil
	}

	username := c.Post("username")
	user, err := c.Auth.Attempt(c.Ctx(), c.Session, username, c.Post("password"))
	if stderrors.Is(err, auth.ErrInvalidCredentials) {
		c.Status(http.StatusUnauthorized)
		if c.Route.IsJSON() {
			return nil, errors.Unauthorized("Invalid username or password")
		}
		return map[string]any{
			"redirect": redirect,
			"username": username,
			"errors":   []string{"Invalid username or password"},
		}, nil
	}
	if err != nil {
		return nil, errors.Internal("Login failed", err)
	}

	if c.Route.IsJSON() {
		return map[string]any{"user": user}, nil
	}
	c.Flash("notice", "Welcome back")
	c.Redirect(safeRedirect(c.Post("redirect"), safeRedirect(redirect, u.landing())))
	return nil, nil
}

func (u Users) logout(c *controller.Context) (any, error) {
	if c.Auth != nil && c.Session != nil {
		c.Auth.Logout(c.Session)
	}
	if c.Route.IsJSON() {
		return map[string]any{"logged_out": true}, nil
	}
	c.Redirect("/")
	return nil, nil
}

// token exchanges credentials for a bearer token.
func (u Users) token(c *controller.Context) (any, error) {
	if c.Request.Method != http.MethodPost {
		return nil, errors.MethodNotAllowed(c.Request.Method)
	}
	if c.Auth == nil || !c.Tokens.Enabled() {
		return nil, errors.NotFound("token endpoint")
	}
	user, err := c.Auth.Authenticate(c.Ctx(), c.Post("username"), c.Post("password"))
	if stderrors.Is(err, auth.ErrInvalidCredentials) {
		return nil, errors.Unauthorized("Invalid username or password")
	}
	if err != nil {
		return nil, errors.Internal("Login failed", err)
	}

	id := c.Auth.Config().IDField
	role, _ := user["role"].(string)
	username, _ := user[c.Auth.Config().UsernameField].(string)
	token, err := c.Tokens.Issue(stringOf(user[id]), username, role)
	if err != nil {
		return nil, errors.Internal("Cannot issue token", err)
	}
	c.NoRender()
	httputil.WriteJSON(c.Writer, http.StatusOK, map[string]any{"token": token, "token_type": "Bearer"})
	return nil, nil
}

func stringOf(v any) string {
	if v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

func (u Users) me(c *controller.Context) (any, error) {
	user := c.User()
	if user == nil {
		return nil, errors.Unauthorized("")
	}
	return map[string]any{"user": user}, nil
}
