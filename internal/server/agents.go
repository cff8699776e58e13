package server

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/toolbridge/internal/broker"
)

// AgentsHandler serves the endpoints agents call: register, poll, result.
type AgentsHandler struct {
	Broker *broker.Broker
	Logger *log.Logger
}

// Register mounts the agent routes on the group.
func (h *AgentsHandler) Register(g *echo.Group) {
	g.POST("/register", h.register)
	g.POST("/poll", h.poll)
	g.POST("/result", h.result)
}

type registerRequest struct {
	AgentID      string            `json:"agent_id"`
	Capabilities []string          `json:"capabilities"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

func (h *AgentsHandler) register(c echo.Context) error {
	var req registerRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.Broker.RegisterAgent(req.AgentID, req.Capabilities, req.Metadata); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "registered"})
}

type pollRequest struct {
	AgentID string `json:"agent_id"`
}

type pollResponse struct {
	HasWork bool             `json:"has_work"`
	Task    *broker.TaskView `json:"task,omitempty"`
}

func (h *AgentsHandler) poll(c echo.Context) error {
	var req pollRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	task, err := h.Broker.Poll(req.AgentID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pollResponse{HasWork: task != nil, Task: task})
}

type resultRequest struct {
	TaskID  string          `json:"task_id"`
	AgentID string          `json:"agent_id"`
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
}

func (h *AgentsHandler) result(c echo.Context) error {
	var req resultRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	err := h.Broker.SubmitResult(req.TaskID, req.AgentID, req.Success, req.Result, req.Error)
	if errors.Is(err, broker.ErrStaleResult) {
		// Discarded, not an agent failure: the task already timed out or
		// was handed elsewhere. 200 keeps retries idempotent.
		h.Logger.Printf("stale result for task %s from agent %s discarded", req.TaskID, req.AgentID)
		return c.JSON(http.StatusOK, map[string]bool{"ack": false})
	}
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"ack": true})
}

// httpError maps broker sentinel errors onto HTTP status codes.
func httpError(err error) error {
	switch {
	case errors.Is(err, broker.ErrInvalidArgument):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, broker.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, broker.ErrInvalidTransition), errors.Is(err, broker.ErrStaleResult):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, broker.ErrTimeout):
		return echo.NewHTTPError(http.StatusRequestTimeout, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
