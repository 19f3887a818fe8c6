// Package middleware provides the HTTP middleware of the framework.
package middleware

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/pew-pew-pew/pew/internal/auth"
	"github.com/pew-pew-pew/pew/internal/errors"
	internalhttputil "github.com/pew-pew-pew/pew/internal/httputil"
	"github.com/pew-pew-pew/pew/internal/logging"
	"github.com/pew-pew-pew/pew/internal/router"
	"github.com/pew-pew-pew/pew/internal/session"
)

// AuthMiddleware authenticates bearer tokens. Requests without an
// Authorization header pass through untouched so session logins keep
// working; a header that is present must carry a valid token.
type AuthMiddleware struct {
	tokens *auth.TokenIssuer
	logger *logging.Logger
}

// NewAuthMiddleware creates a new authentication middleware
func NewAuthMiddleware(tokens *auth.TokenIssuer, logger *logging.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		tokens: tokens,
		logger: logger,
	}
}

// Handler returns the middleware handler
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" || !m.tokens.Enabled() {
			next.ServeHTTP(w, r)
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
			m.respondError(w, r, errors.Unauthorized("Invalid Authorization header format"))
			return
		}

		claims, err := m.tokens.Validate(strings.TrimSpace(parts[1]))
		if err != nil {
			m.logger.WithContext(r.Context()).WithError(err).Warn("Token validation failed")
			m.respondError(w, r, err)
			return
		}

		ctx := logging.WithUserID(r.Context(), claims.UserID)
		if claims.Role != "" {
			ctx = logging.WithRole(ctx, claims.Role)
		}

		m.logger.WithContext(ctx).WithField("username", claims.Username).Debug("Authentication successful")
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// respondError sends an error response
func (m *AuthMiddleware) respondError(w http.ResponseWriter, r *http.Request, err error) {
	serviceErr := errors.GetServiceError(err)
	if serviceErr == nil {
		serviceErr = errors.Internal("Authentication failed", err)
	}

	internalhttputil.WriteErrorResponse(w, r, serviceErr.HTTPStatus, string(serviceErr.Code), serviceErr.Message, serviceErr.Details)

	m.logger.WithContext(r.Context()).WithError(err).WithFields(map[string]interface{}{
		"path":   r.URL.Path,
		"method": r.Method,
		"status": serviceErr.HTTPStatus,
	}).Warn("Authentication failed")
}

// SessionUser copies the id of the session's signed-in user into the
// request context, so logs and rate limits see it. Token users win.
func SessionUser(a *auth.Auth) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if GetUserID(r.Context()) == "" {
				s := session.FromContext(r.Context())
				if id := a.UserID(s); id != "" {
					ctx := logging.WithUserID(r.Context(), id)
					if role, ok := a.User(s)["role"].(string); ok && role != "" {
						ctx = logging.WithRole(ctx, role)
					}
					r = r.WithContext(ctx)
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// GetUserID extracts user ID from context
func GetUserID(ctx context.Context) string {
	return logging.GetUserID(ctx)
}

// GetUserRole extracts user role from context
func GetUserRole(ctx context.Context) string {
	return logging.GetRole(ctx)
}

// RequireUserID middleware ensures user ID is present in context
func RequireUserID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := GetUserID(r.Context())
		if userID == "" {
			internalhttputil.Unauthorized(w, "")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireLogin guards paths under the given prefixes. Prefixes are compared
// both against the request path and against the controller/action that rt
// resolves it to, so spelling variants of a guarded action stay guarded.
// Anonymous browsers are sent to loginPath with a redirect back; API clients
// get a 401.
func RequireLogin(loginPath string, rt *router.Router, prefixes ...string) func(http.Handler) http.Handler {
	guards := make([]string, 0, len(prefixes))
	for _, p := range prefixes {
		if p = normalizePath(p); p != "/" {
			guards = append(guards, p)
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var route *router.Request
			if rt != nil {
				route, _ = rt.Match(r)
			}
			if !guarded(r.URL.Path, route, guards) || GetUserID(r.Context()) != "" {
				next.ServeHTTP(w, r)
				return
			}
			if internalhttputil.WantsJSON(r) || (route != nil && route.IsJSON()) ||
				strings.HasSuffix(strings.ToLower(r.URL.Path), ".json") {
				internalhttputil.Unauthorized(w, "")
				return
			}
			target := loginPath + "?redirect=" + url.QueryEscape(r.URL.RequestURI())
			http.Redirect(w, r, target, http.StatusSeeOther)
		})
	}
}

// normalizePath slugs every segment of p the way the router does.
func normalizePath(p string) string {
	var segs []string
	for _, seg := range strings.Split(p, "/") {
		if seg != "" {
			segs = append(segs, router.Slug(seg))
		}
	}
	return "/" + strings.Join(segs, "/")
}

// routePath is the canonical /controller/action/args form of a parsed route.
func routePath(route *router.Request) string {
	segs := append([]string{route.Controller, route.Action}, route.Numbered...)
	return normalizePath(strings.Join(segs, "/"))
}

func guarded(path string, route *router.Request, guards []string) bool {
	candidates := []string{normalizePath(path)}
	if route != nil {
		candidates = append(candidates, routePath(route))
	}
	for _, c := range candidates {
		for _, g := range guards {
			if c == g || strings.HasPrefix(c, g+"/") {
				return true
			}
		}
	}
	return false
}
