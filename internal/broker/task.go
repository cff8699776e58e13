package broker

import (
	"encoding/json"
	"time"
)

// TaskState enumerates the task lifecycle.
type TaskState string

const (
	TaskPending    TaskState = "pending"
	TaskDispatched TaskState = "dispatched"
	TaskSucceeded  TaskState = "succeeded"
	TaskFailed     TaskState = "failed"
	TaskTimedOut   TaskState = "timed_out"
	TaskCancelled  TaskState = "cancelled"
)

// Terminal reports whether no further transition may leave the state.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskSucceeded, TaskFailed, TaskTimedOut, TaskCancelled:
		return true
	}
	return false
}

// task is the broker-owned task record. All mutation happens under the
// broker mutex; the done channel is closed exactly once, on the terminal
// transition.
type task struct {
	ID                 string
	ToolName           string
	Arguments          json.RawMessage
	RequiredCapability string
	State              TaskState
	AssignedAgentID    string
	CreatedAt          time.Time
	DispatchedAt       time.Time
	CompletedAt        time.Time
	Result             json.RawMessage
	Error              string
	Timeout            time.Duration

	done chan struct{}
}

// TaskView is an immutable snapshot of a task handed to callers and the
// HTTP layer. Result and Error are mutually exclusive.
type TaskView struct {
	ID                 string          `json:"task_id"`
	ToolName           string          `json:"tool_name"`
	Arguments          json.RawMessage `json:"arguments,omitempty"`
	RequiredCapability string          `json:"required_capability"`
	State              TaskState       `json:"state"`
	AssignedAgentID    string          `json:"assigned_agent_id,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	DispatchedAt       *time.Time      `json:"dispatched_at,omitempty"`
	CompletedAt        *time.Time      `json:"completed_at,omitempty"`
	Result             json.RawMessage `json:"result,omitempty"`
	Error              string          `json:"error,omitempty"`
	TimeoutSeconds     float64         `json:"timeout_seconds"`
}

func (t *task) view() TaskView {
	v := TaskView{
		ID:                 t.ID,
		ToolName:           t.ToolName,
		Arguments:          t.Arguments,
		RequiredCapability: t.RequiredCapability,
		State:              t.State,
		AssignedAgentID:    t.AssignedAgentID,
		CreatedAt:          t.CreatedAt,
		Result:             t.Result,
		Error:              t.Error,
		TimeoutSeconds:     t.Timeout.Seconds(),
	}
	if !t.DispatchedAt.IsZero() {
		d := t.DispatchedAt
		v.DispatchedAt = &d
	}
	if !t.CompletedAt.IsZero() {
		c := t.CompletedAt
		v.CompletedAt = &c
	}
	return v
}

// older reports whether t precedes other in FIFO order: created_at first,
// task_id as the tie break.
func (t *task) older(other *task) bool {
	if t.CreatedAt.Equal(other.CreatedAt) {
		return t.ID < other.ID
	}
	return t.CreatedAt.Before(other.CreatedAt)
}
