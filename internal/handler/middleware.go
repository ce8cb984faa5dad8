package handler

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/123ashny/KENYASHIP/internal/access"
)

// AuthContext parses an optional bearer token and stores the identity on the
// request context. A request without a token passes through unauthenticated;
// a present-but-invalid token is refused outright. Route guards decide what
// each endpoint actually requires.
func AuthContext(auth *access.Authenticator) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			header := c.Request().Header.Get(echo.HeaderAuthorization)
			if header == "" {
				return next(c)
			}
			token := strings.TrimPrefix(header, "Bearer ")
			if token == header {
				return fail(c, http.StatusUnauthorized, CodeInvalidToken, "malformed authorization header")
			}
			ident, err := auth.ParseToken(token)
			if err != nil {
				return fail(c, http.StatusUnauthorized, CodeInvalidToken, "invalid or expired token")
			}
			c.SetRequest(c.Request().WithContext(access.WithIdentity(c.Request().Context(), ident)))
			return next(c)
		}
	}
}

// identity pulls the authenticated identity off the request context.
func identity(c echo.Context) (access.Identity, bool) {
	return access.IdentityFrom(c.Request().Context())
}

func adminLike(r access.Role) bool {
	return r == access.RoleAdmin || r == access.RoleSystem
}

// Guard produces the per-route authorization middleware. Denials are
// recorded in the audit log.
type Guard struct {
	audit *access.Log
}

// NewGuard builds the guard set around the audit log.
func NewGuard(audit *access.Log) *Guard {
	return &Guard{audit: audit}
}

// RequireAuth refuses unauthenticated requests.
func (g *Guard) RequireAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if _, authed := identity(c); !authed {
			return fail(c, http.StatusUnauthorized, CodeUnauthorized, "authentication required")
		}
		return next(c)
	}
}

// RequireRole refuses identities outside the allowed role set.
func (g *Guard) RequireRole(roles ...access.Role) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ident, authed := identity(c)
			if !authed {
				return fail(c, http.StatusUnauthorized, CodeUnauthorized, "authentication required")
			}
			for _, r := range roles {
				if ident.Role == r || ident.Role == access.RoleAdmin || ident.Role == access.RoleSystem {
					return next(c)
				}
			}
			g.audit.Record(ident, "access."+c.Request().Method, "route", c.Path(), access.ResultDenied, map[string]interface{}{
				"requiredRoles": roles,
			})
			return fail(c, http.StatusForbidden, CodeForbidden, "role not permitted")
		}
	}
}

// RequirePermission refuses identities whose role lacks the grant.
func (g *Guard) RequirePermission(perm string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ident, authed := identity(c)
			if !authed {
				return fail(c, http.StatusUnauthorized, CodeUnauthorized, "authentication required")
			}
			if !access.HasPermission(ident.Role, perm) {
				g.audit.Record(ident, "access."+c.Request().Method, "route", c.Path(), access.ResultDenied, map[string]interface{}{
					"requiredPermission": perm,
				})
				return fail(c, http.StatusForbidden, CodeForbidden, "missing permission: "+perm)
			}
			return next(c)
		}
	}
}
