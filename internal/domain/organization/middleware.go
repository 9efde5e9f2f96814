package organization

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/dcplant/dcplant/internal/platform/auth"
)

// PrincipalMiddleware resolves the verified identity into a Principal by
// loading (or creating) the user's profile.
func PrincipalMiddleware(svc *Service) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			id, ok := auth.IdentityFromContext(ctx)
			if !ok {
				return echo.NewHTTPError(http.StatusUnauthorized, "unauthenticated")
			}
			profile, err := svc.EnsureProfile(ctx, id)
			if err != nil {
				c.Logger().Errorf("resolve profile: %v", err)
				return echo.NewHTTPError(http.StatusInternalServerError, "failed to resolve user profile")
			}
			c.SetRequest(c.Request().WithContext(auth.WithPrincipal(ctx, profile.Principal(id))))
			return next(c)
		}
	}
}
