package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/toolbridge/internal/broker"
	"github.com/mohammad-safakhou/toolbridge/internal/routing"
)

// TasksHandler serves the submitter-facing endpoints.
type TasksHandler struct {
	Broker     *broker.Broker
	Dispatcher *routing.Dispatcher
	Logger     *log.Logger
}

// Register mounts the task routes on the group.
func (h *TasksHandler) Register(g *echo.Group) {
	g.POST("/tasks", h.submit)
	g.GET("/tasks/:id", h.get)
	g.POST("/tasks/:id/cancel", h.cancel)
	g.POST("/execute", h.execute)
	g.GET("/status", h.status)
}

type submitRequest struct {
	ToolName       string          `json:"tool_name"`
	Arguments      json.RawMessage `json:"arguments,omitempty"`
	TimeoutSeconds float64         `json:"timeout_seconds,omitempty"`
}

func (r submitRequest) timeout() time.Duration {
	return time.Duration(r.TimeoutSeconds * float64(time.Second))
}

func (h *TasksHandler) submit(c echo.Context) error {
	var req submitRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	taskID, err := h.Broker.Submit(req.ToolName, req.Arguments, req.timeout())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusAccepted, map[string]string{"task_id": taskID})
}

func (h *TasksHandler) get(c echo.Context) error {
	task, err := h.Broker.Get(c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, task)
}

func (h *TasksHandler) cancel(c echo.Context) error {
	if err := h.Broker.Cancel(c.Param("id")); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "cancelled"})
}

// execute is the synchronous path: the dispatcher either forwards to the
// tool's remote endpoint or submits a task and blocks until a terminal
// state or the task deadline. On the broker path the absence of a capable
// agent surfaces as a timeout, indistinguishable from a slow one.
func (h *TasksHandler) execute(c echo.Context) error {
	var req submitRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.ToolName == "" {
		return httpError(broker.ErrInvalidArgument)
	}
	view, err := h.dispatch(c.Request().Context(), req)
	if err != nil {
		if errors.Is(err, broker.ErrTimeout) {
			return echo.NewHTTPError(http.StatusRequestTimeout, "task timed out")
		}
		return httpError(err)
	}
	return c.JSON(http.StatusOK, view)
}

func (h *TasksHandler) dispatch(ctx context.Context, req submitRequest) (*broker.TaskView, error) {
	if h.Dispatcher != nil {
		return h.Dispatcher.Dispatch(ctx, req.ToolName, req.Arguments, req.timeout())
	}
	return h.Broker.Execute(ctx, req.ToolName, req.Arguments, req.timeout())
}

func (h *TasksHandler) status(c echo.Context) error {
	return c.JSON(http.StatusOK, h.Broker.Status())
}
