package cases

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/dcplant/dcplant/internal/platform/auth"
	"github.com/dcplant/dcplant/internal/platform/tasks"
	"github.com/dcplant/dcplant/pkg/pagination"
)

type Handler struct {
	svc  *Service
	jobs *Jobs
}

func NewHandler(svc *Service, jobs *Jobs) *Handler {
	return &Handler{svc: svc, jobs: jobs}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/cases", h.ListCases)
	api.POST("/cases", h.CreateCase)
	api.POST("/cases/bulk-update", h.BulkUpdate)
	api.POST("/cases/export-csv", h.ExportCSV)
	api.GET("/cases/:id", h.GetCase)
	api.PUT("/cases/:id", h.UpdateCase)
	api.DELETE("/cases/:id", h.DeleteCase)
	api.PATCH("/cases/:id/status", h.ChangeStatus)
	api.POST("/cases/:id/assign", h.AssignCase)
	api.POST("/cases/:id/share", h.ShareCase)
	api.DELETE("/cases/:id/share", h.UnshareCase)
	api.POST("/cases/:id/report", h.GenerateReport)
	api.GET("/cases/:id/activities", h.ListActivities)

	api.GET("/cases/:id/comments", h.ListComments)
	api.POST("/cases/:id/comments", h.AddComment)
	api.DELETE("/comments/:id", h.DeleteComment)

	api.GET("/cases/:id/opinions", h.ListOpinions)
	api.POST("/cases/:id/opinions", h.AddOpinion)

	api.GET("/categories", h.ListCategories)
	api.POST("/categories", h.CreateCategory)
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "case not found")
	case errors.Is(err, ErrCommentNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "comment not found")
	case errors.Is(err, ErrCategoryNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrDuplicateSlug):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrForbidden):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrDuplicateCaseNumber),
		errors.Is(err, ErrCaseNumberExhausted):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, tasks.ErrQueueFull), errors.Is(err, tasks.ErrQueueClosed):
		return tasks.EnqueueError(err)
	}
	return echo.NewHTTPError(http.StatusBadRequest, err.Error())
}

func caseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

// listQuery reads the case list filters. Dates accept YYYY-MM-DD or RFC3339;
// a bare created_to date includes that whole day.
func listQuery(c echo.Context) (ListQuery, error) {
	pg := pagination.FromContext(c)
	q := ListQuery{
		Search:   c.QueryParam("search"),
		Status:   Status(c.QueryParam("status")),
		Priority: Priority(c.QueryParam("priority")),
		Limit:    pg.Limit,
		Offset:   pg.Offset,
	}
	if raw := c.QueryParam("assigned_to"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return q, echo.NewHTTPError(http.StatusBadRequest, "invalid assigned_to")
		}
		q.AssignedTo = &id
	}
	if raw := c.QueryParam("category_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return q, echo.NewHTTPError(http.StatusBadRequest, "invalid category_id")
		}
		q.CategoryID = &id
	}
	for _, f := range []struct {
		name   string
		dst    **time.Time
		endDay bool
	}{
		{"created_from", &q.CreatedFrom, false},
		{"created_to", &q.CreatedTo, true},
	} {
		raw := c.QueryParam(f.name)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			t, err = time.Parse("2006-01-02", raw)
			if err != nil {
				return q, echo.NewHTTPError(http.StatusBadRequest, "invalid "+f.name)
			}
			if f.endDay {
				t = t.AddDate(0, 0, 1)
			}
		}
		*f.dst = &t
	}
	return q, nil
}

func (h *Handler) ListCases(c echo.Context) error {
	p, err := auth.MustPrincipal(c)
	if err != nil {
		return err
	}
	q, err := listQuery(c)
	if err != nil {
		return err
	}
	items, total, err := h.svc.List(c.Request().Context(), p, q)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, q.Limit, q.Offset))
}

func (h *Handler) CreateCase(c echo.Context) error {
	p, err := auth.MustPrincipal(c)
	if err != nil {
		return err
	}
	var cs Case
	if err := c.Bind(&cs); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.Create(c.Request().Context(), p, &cs); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, cs)
}

func (h *Handler) GetCase(c echo.Context) error {
	p, err := auth.MustPrincipal(c)
	if err != nil {
		return err
	}
	id, err := caseID(c)
	if err != nil {
		return err
	}
	d, err := h.svc.Get(c.Request().Context(), p, id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, d)
}

func (h *Handler) UpdateCase(c echo.Context) error {
	p, err := auth.MustPrincipal(c)
	if err != nil {
		return err
	}
	id, err := caseID(c)
	if err != nil {
		return err
	}
	var in UpdateInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	cs, err := h.svc.Update(c.Request().Context(), p, id, in)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, cs)
}

func (h *Handler) DeleteCase(c echo.Context) error {
	p, err := auth.MustPrincipal(c)
	if err != nil {
		return err
	}
	id, err := caseID(c)
	if err != nil {
		return err
	}
	if err := h.svc.Delete(c.Request().Context(), p, id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) ChangeStatus(c echo.Context) error {
	p, err := auth.MustPrincipal(c)
	if err != nil {
		return err
	}
	id, err := caseID(c)
	if err != nil {
		return err
	}
	var body struct {
		Status Status `json:"status"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	cs, err := h.svc.ChangeStatus(c.Request().Context(), p, id, body.Status)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, cs)
}

func (h *Handler) AssignCase(c echo.Context) error {
	p, err := auth.MustPrincipal(c)
	if err != nil {
		return err
	}
	id, err := caseID(c)
	if err != nil {
		return err
	}
	var body struct {
		AssignedTo *uuid.UUID `json:"assigned_to"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	cs, err := h.svc.Assign(c.Request().Context(), p, id, body.AssignedTo)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, cs)
}

func (h *Handler) ShareCase(c echo.Context) error {
	p, err := auth.MustPrincipal(c)
	if err != nil {
		return err
	}
	id, err := caseID(c)
	if err != nil {
		return err
	}
	var body struct {
		OrganizationIDs []uuid.UUID `json:"organization_ids"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	cs, err := h.svc.Share(c.Request().Context(), p, id, body.OrganizationIDs)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, cs)
}

func (h *Handler) UnshareCase(c echo.Context) error {
	p, err := auth.MustPrincipal(c)
	if err != nil {
		return err
	}
	id, err := caseID(c)
	if err != nil {
		return err
	}
	cs, err := h.svc.Unshare(c.Request().Context(), p, id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, cs)
}

func (h *Handler) ListActivities(c echo.Context) error {
	p, err := auth.MustPrincipal(c)
	if err != nil {
		return err
	}
	id, err := caseID(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListActivities(c.Request().Context(), p, id, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) ListComments(c echo.Context) error {
	p, err := auth.MustPrincipal(c)
	if err != nil {
		return err
	}
	id, err := caseID(c)
	if err != nil {
		return err
	}
	items, err := h.svc.ListComments(c.Request().Context(), p, id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) AddComment(c echo.Context) error {
	p, err := auth.MustPrincipal(c)
	if err != nil {
		return err
	}
	id, err := caseID(c)
	if err != nil {
		return err
	}
	var cm Comment
	if err := c.Bind(&cm); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.AddComment(c.Request().Context(), p, id, &cm); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, cm)
}

func (h *Handler) DeleteComment(c echo.Context) error {
	p, err := auth.MustPrincipal(c)
	if err != nil {
		return err
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	if err := h.svc.DeleteComment(c.Request().Context(), p, id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) ListOpinions(c echo.Context) error {
	p, err := auth.MustPrincipal(c)
	if err != nil {
		return err
	}
	id, err := caseID(c)
	if err != nil {
		return err
	}
	items, err := h.svc.ListOpinions(c.Request().Context(), p, id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) AddOpinion(c echo.Context) error {
	p, err := auth.MustPrincipal(c)
	if err != nil {
		return err
	}
	id, err := caseID(c)
	if err != nil {
		return err
	}
	var o Opinion
	if err := c.Bind(&o); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.AddOpinion(c.Request().Context(), p, id, &o); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, o)
}

// -- Background tasks --

func (h *Handler) BulkUpdate(c echo.Context) error {
	p, err := auth.MustPrincipal(c)
	if err != nil {
		return err
	}
	var body struct {
		CaseIDs []uuid.UUID `json:"case_ids"`
		Changes BulkChanges `json:"changes"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	id, err := h.jobs.StartBulkUpdate(c.Request().Context(), p, body.CaseIDs, body.Changes)
	if err != nil {
		return httpError(err)
	}
	return tasks.Accepted(c, id)
}

func (h *Handler) ExportCSV(c echo.Context) error {
	p, err := auth.MustPrincipal(c)
	if err != nil {
		return err
	}
	q, err := listQuery(c)
	if err != nil {
		return err
	}
	id, err := h.jobs.StartExportCSV(c.Request().Context(), p, q)
	if err != nil {
		return httpError(err)
	}
	return tasks.Accepted(c, id)
}

func (h *Handler) GenerateReport(c echo.Context) error {
	p, err := auth.MustPrincipal(c)
	if err != nil {
		return err
	}
	id, err := caseID(c)
	if err != nil {
		return err
	}
	taskID, err := h.jobs.StartReport(c.Request().Context(), p, id)
	if err != nil {
		return httpError(err)
	}
	return tasks.Accepted(c, taskID)
}

func (h *Handler) ListCategories(c echo.Context) error {
	if _, err := auth.MustPrincipal(c); err != nil {
		return err
	}
	cats, err := h.svc.ListCategories(c.Request().Context(), c.QueryParam("include_inactive") == "true")
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"count": len(cats), "items": cats})
}

func (h *Handler) CreateCategory(c echo.Context) error {
	p, err := auth.MustPrincipal(c)
	if err != nil {
		return err
	}
	var in struct {
		Name        string     `json:"name"`
		Slug        string     `json:"slug"`
		Description string     `json:"description"`
		ParentID    *uuid.UUID `json:"parent_id"`
		IsActive    *bool      `json:"is_active"`
	}
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	cat := &Category{Name: in.Name, Slug: in.Slug, Description: in.Description, ParentID: in.ParentID, IsActive: true}
	if in.IsActive != nil {
		cat.IsActive = *in.IsActive
	}
	if err := h.svc.CreateCategory(c.Request().Context(), p, cat); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, cat)
}
