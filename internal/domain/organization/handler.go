package organization

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/dcplant/dcplant/internal/platform/auth"
	"github.com/dcplant/dcplant/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/me", h.Me)
	api.GET("/organizations", h.ListOrganizations)
	api.GET("/organizations/:id", h.GetOrganization)
}

// Me returns the resolved principal of the caller.
func (h *Handler) Me(c echo.Context) error {
	p, err := auth.MustPrincipal(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"user_id":         p.UserID,
		"organization_id": p.OrganizationID,
		"role":            p.Role,
		"email":           p.Email,
		"name":            p.Name,
		"is_staff":        p.IsStaff,
		"is_superuser":    p.IsSuperuser,
		"is_admin":        p.IsAdmin(),
	})
}

func (h *Handler) ListOrganizations(c echo.Context) error {
	pg := pagination.FromContext(c)
	activeOnly := c.QueryParam("include_inactive") != "true"
	items, total, err := h.svc.ListOrganizations(c.Request().Context(), activeOnly, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetOrganization(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	org, err := h.svc.GetOrganization(c.Request().Context(), id)
	if errors.Is(err, ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "organization not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, org)
}
