package broker

import "errors"

// ErrInvalidArgument indicates a malformed submission or registration.
var ErrInvalidArgument = errors.New("invalid argument")

// ErrNotFound indicates an unknown task or agent identifier.
var ErrNotFound = errors.New("not found")

// ErrStaleResult indicates a result for a task that is no longer dispatched
// to the submitting agent. Stale results are discarded, never executed.
var ErrStaleResult = errors.New("stale result")

// ErrTimeout indicates the caller's wait deadline elapsed before the task
// reached a terminal state.
var ErrTimeout = errors.New("timeout")

// ErrInvalidTransition indicates a lifecycle transition the state machine
// rejects, e.g. cancelling a task that is already dispatched.
var ErrInvalidTransition = errors.New("invalid state transition")
