package activity

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/dcplant/dcplant/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the administrative purge. Per-case listing lives with
// the case routes because it needs the case visibility check.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	admin := api.Group("/admin", auth.RequireSuperuser())
	admin.DELETE("/activities", h.Purge)
}

// Purge deletes the trail, or only records older than ?before=<RFC3339>.
func (h *Handler) Purge(c echo.Context) error {
	p, err := auth.MustPrincipal(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()

	var n int64
	if raw := c.QueryParam("before"); raw != "" {
		cutoff, perr := time.Parse(time.RFC3339, raw)
		if perr != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "before must be an RFC3339 timestamp")
		}
		n, err = h.svc.PurgeBefore(ctx, p, cutoff)
	} else {
		n, err = h.svc.PurgeAll(ctx, p)
	}
	if errors.Is(err, ErrForbidden) {
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]int64{"deleted": n})
}
