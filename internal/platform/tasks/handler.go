package tasks

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/dcplant/dcplant/internal/platform/auth"
	"github.com/dcplant/dcplant/internal/platform/websocket"
)

type Handler struct {
	queue *Queue
	hub   *websocket.Hub
}

// NewHandler serves task progress. A nil hub disables the websocket route.
func NewHandler(q *Queue, hub *websocket.Hub) *Handler {
	return &Handler{queue: q, hub: hub}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/tasks/:id", h.GetProgress)
	if h.hub != nil {
		api.GET("/tasks/:id/ws", h.Watch)
	}
}

// visible loads a task started by the caller. Tasks owned by someone else
// are reported as missing.
func (h *Handler) visible(c echo.Context) (*Progress, error) {
	p, err := auth.MustPrincipal(c)
	if err != nil {
		return nil, err
	}
	prog, err := h.queue.Get(c.Request().Context(), c.Param("id"))
	if errors.Is(err, ErrTaskNotFound) {
		return nil, echo.NewHTTPError(http.StatusNotFound, "task not found")
	}
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if prog.OwnerID != "" && prog.OwnerID != p.UserID.String() && !p.IsSuperuser {
		return nil, echo.NewHTTPError(http.StatusNotFound, "task not found")
	}
	return prog, nil
}

// GetProgress returns the progress of a task started by the caller.
func (h *Handler) GetProgress(c echo.Context) error {
	prog, err := h.visible(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, prog)
}

// Watch streams progress over a websocket: the current state first, then
// every update until the task finishes.
func (h *Handler) Watch(c echo.Context) error {
	prog, err := h.visible(c)
	if err != nil {
		return err
	}
	topic := Topic(prog.TaskID)
	return h.hub.Serve(c, topic, func() (websocket.Event, bool) {
		// Re-read so an update made before registration is not lost.
		if cur, err := h.queue.Get(c.Request().Context(), prog.TaskID); err == nil {
			prog = cur
		}
		return websocket.NewEvent(EventProgress, topic, prog), prog.Finished()
	})
}

// Accepted is the response of every endpoint that queues a task.
func Accepted(c echo.Context, taskID string) error {
	return c.JSON(http.StatusAccepted, map[string]string{
		"task_id":    taskID,
		"status":     string(StatePending),
		"status_url": "/api/v1/tasks/" + taskID,
	})
}

// EnqueueError maps queue failures to HTTP errors.
func EnqueueError(err error) error {
	if errors.Is(err, ErrQueueFull) || errors.Is(err, ErrQueueClosed) {
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}
