package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mohammad-safakhou/toolbridge/internal/telemetry"
)

// Broker owns the task store and the agent registry. It is the only
// component that mutates either; all operations share one mutex so that
// select-and-dispatch is a single atomic step and no task is ever handed
// to two agents. No blocking I/O happens under the lock.
type Broker struct {
	mu       sync.Mutex
	tasks    map[string]*task
	registry *Registry

	logger  *log.Logger
	auditor *Auditor
	now     func() time.Time

	defaultTimeout time.Duration
	staleAfter     time.Duration
	expireAfter    time.Duration
	sweepInterval  time.Duration
	taskRetention  time.Duration
}

// Option configures broker behaviour.
type Option func(*Broker)

// WithAuditor attaches an audit fan-out for terminal transitions.
func WithAuditor(a *Auditor) Option {
	return func(b *Broker) { b.auditor = a }
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(b *Broker) { b.now = now }
}

// WithAgentWindows sets the silence windows after which an agent turns
// stale and expires.
func WithAgentWindows(staleAfter, expireAfter time.Duration) Option {
	return func(b *Broker) {
		if staleAfter > 0 {
			b.staleAfter = staleAfter
		}
		if expireAfter > 0 {
			b.expireAfter = expireAfter
		}
	}
}

// WithDefaultTimeout sets the task deadline applied when a submission
// carries none.
func WithDefaultTimeout(d time.Duration) Option {
	return func(b *Broker) {
		if d > 0 {
			b.defaultTimeout = d
		}
	}
}

// WithSweepInterval sets the period of the background sweep loop.
func WithSweepInterval(d time.Duration) Option {
	return func(b *Broker) {
		if d > 0 {
			b.sweepInterval = d
		}
	}
}

// WithTaskRetention sets how long terminal tasks stay queryable before the
// sweep evicts them. Without eviction a long-running broker's task store
// grows without bound.
func WithTaskRetention(d time.Duration) Option {
	return func(b *Broker) {
		if d > 0 {
			b.taskRetention = d
		}
	}
}

// New constructs a Broker with an empty task store and agent registry.
func New(logger *log.Logger, opts ...Option) *Broker {
	b := &Broker{
		tasks:          make(map[string]*task),
		registry:       NewRegistry(),
		logger:         logger,
		now:            time.Now,
		defaultTimeout: 60 * time.Second,
		staleAfter:     30 * time.Second,
		expireAfter:    5 * time.Minute,
		sweepInterval:  time.Second,
		taskRetention:  10 * time.Minute,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// RegisterAgent performs an idempotent upsert of the agent registration.
// Re-registering the same agent_id replaces capabilities and metadata.
func (b *Broker) RegisterAgent(agentID string, capabilities []string, metadata map[string]string) error {
	if agentID == "" {
		return fmt.Errorf("%w: agent_id is required", ErrInvalidArgument)
	}
	b.mu.Lock()
	reg := b.registry.Upsert(agentID, capabilities, metadata, b.now())
	total := b.registry.Len()
	b.mu.Unlock()

	b.logger.Printf("agent %s registered with capabilities %v (total agents: %d)", agentID, reg.CapabilityList(), total)
	return nil
}

// Submit creates a PENDING task and returns its id. The task is created
// even when no agent currently advertises the capability; it simply stays
// pending until one registers or the deadline passes.
func (b *Broker) Submit(toolName string, arguments json.RawMessage, timeout time.Duration) (string, error) {
	if toolName == "" {
		return "", fmt.Errorf("%w: tool_name is required", ErrInvalidArgument)
	}
	if timeout <= 0 {
		timeout = b.defaultTimeout
	}

	t := &task{
		ID:                 uuid.NewString(),
		ToolName:           toolName,
		Arguments:          arguments,
		RequiredCapability: toolName,
		State:              TaskPending,
		CreatedAt:          b.now(),
		Timeout:            timeout,
		done:               make(chan struct{}),
	}

	b.mu.Lock()
	b.tasks[t.ID] = t
	b.mu.Unlock()

	telemetry.RecordTaskSubmitted(context.Background(), toolName)
	b.logger.Printf("task %s submitted for tool %s (timeout %s)", t.ID, toolName, timeout)
	return t.ID, nil
}

// Poll refreshes last_seen for the agent and atomically assigns the oldest
// pending task matching one of its capabilities. Returns nil when no work
// is available. Unknown agents get ErrNotFound so a restarted broker forces
// re-registration.
func (b *Broker) Poll(agentID string) (*TaskView, error) {
	if agentID == "" {
		return nil, fmt.Errorf("%w: agent_id is required", ErrInvalidArgument)
	}

	b.mu.Lock()
	reg := b.registry.Touch(agentID, b.now())
	if reg == nil {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: agent %s is not registered", ErrNotFound, agentID)
	}

	var oldest *task
	for _, t := range b.tasks {
		if t.State != TaskPending {
			continue
		}
		if _, ok := reg.Capabilities[t.RequiredCapability]; !ok {
			continue
		}
		if oldest == nil || t.older(oldest) {
			oldest = t
		}
	}
	if oldest == nil {
		b.mu.Unlock()
		telemetry.RecordPoll(context.Background(), false)
		return nil, nil
	}

	oldest.State = TaskDispatched
	oldest.AssignedAgentID = agentID
	oldest.DispatchedAt = b.now()
	view := oldest.view()
	b.mu.Unlock()

	telemetry.RecordPoll(context.Background(), true)
	b.logger.Printf("task %s dispatched to agent %s", view.ID, agentID)
	return &view, nil
}

// SubmitResult records the outcome of a dispatched task. It is valid only
// while the task is DISPATCHED to the submitting agent; anything else is a
// stale result, rejected without touching the task. Rejection makes result
// submission safe to retry.
func (b *Broker) SubmitResult(taskID, agentID string, success bool, result json.RawMessage, taskErr string) error {
	b.mu.Lock()
	t, ok := b.tasks[taskID]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("%w: task %s", ErrNotFound, taskID)
	}
	if t.State != TaskDispatched || t.AssignedAgentID != agentID {
		state := t.State
		b.mu.Unlock()
		return fmt.Errorf("%w: task %s is %s", ErrStaleResult, taskID, state)
	}

	if success {
		t.State = TaskSucceeded
		t.Result = result
	} else {
		t.State = TaskFailed
		t.Error = taskErr
	}
	t.CompletedAt = b.now()
	close(t.done)
	ev := b.terminalEvent(t)
	b.mu.Unlock()

	b.finishTask(ev)
	return nil
}

// Cancel moves a PENDING task to CANCELLED. Cancellation after dispatch is
// not supported: the agent may already be running the tool, and its late
// result must be rejected as stale rather than raced against.
func (b *Broker) Cancel(taskID string) error {
	b.mu.Lock()
	t, ok := b.tasks[taskID]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("%w: task %s", ErrNotFound, taskID)
	}
	if t.State != TaskPending {
		state := t.State
		b.mu.Unlock()
		return fmt.Errorf("%w: cannot cancel %s task %s", ErrInvalidTransition, state, taskID)
	}
	t.State = TaskCancelled
	t.CompletedAt = b.now()
	close(t.done)
	ev := b.terminalEvent(t)
	b.mu.Unlock()

	b.finishTask(ev)
	return nil
}

// Get returns a snapshot of the task.
func (b *Broker) Get(taskID string) (*TaskView, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: task %s", ErrNotFound, taskID)
	}
	view := t.view()
	return &view, nil
}

// AwaitResult blocks until the task reaches a terminal state or the context
// deadline passes. The wait suspends only the caller; the broker's mutation
// path is untouched. A deadline expiry returns ErrTimeout and leaves the
// task running: the broker's sweep, not the waiter, owns timeout
// transitions.
func (b *Broker) AwaitResult(ctx context.Context, taskID string) (*TaskView, error) {
	b.mu.Lock()
	t, ok := b.tasks[taskID]
	b.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: task %s", ErrNotFound, taskID)
	}

	select {
	case <-t.done:
		return b.Get(taskID)
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: task %s", ErrTimeout, taskID)
	}
}

// Execute is the synchronous caller path: submit, then await up to the
// task's own deadline.
func (b *Broker) Execute(ctx context.Context, toolName string, arguments json.RawMessage, timeout time.Duration) (*TaskView, error) {
	if timeout <= 0 {
		timeout = b.defaultTimeout
	}
	taskID, err := b.Submit(toolName, arguments, timeout)
	if err != nil {
		return nil, err
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return b.AwaitResult(waitCtx, taskID)
}

// StatusSnapshot summarises broker state for the status endpoint.
type StatusSnapshot struct {
	RegisteredAgents int           `json:"registered_agents"`
	PendingTasks     int           `json:"pending_tasks"`
	ActiveTasks      int           `json:"active_tasks"`
	Agents           []AgentStatus `json:"agents"`
}

// AgentStatus is the per-agent slice of the status snapshot.
type AgentStatus struct {
	AgentID         string            `json:"agent_id"`
	Capabilities    []string          `json:"capabilities"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	ConnectionState ConnectionState   `json:"connection_state"`
	ActiveTasks     int               `json:"active_tasks"`
	LastSeen        time.Time         `json:"last_seen"`
}

// Status reports registry and task-store counts.
func (b *Broker) Status() StatusSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	active := make(map[string]int)
	snap := StatusSnapshot{}
	for _, t := range b.tasks {
		switch t.State {
		case TaskPending:
			snap.PendingTasks++
		case TaskDispatched:
			snap.ActiveTasks++
			active[t.AssignedAgentID]++
		}
	}
	for _, reg := range b.registry.All() {
		snap.Agents = append(snap.Agents, AgentStatus{
			AgentID:         reg.AgentID,
			Capabilities:    reg.CapabilityList(),
			Metadata:        reg.Metadata,
			ConnectionState: reg.State,
			ActiveTasks:     active[reg.AgentID],
			LastSeen:        reg.LastSeen,
		})
	}
	snap.RegisteredAgents = len(snap.Agents)
	return snap
}

// MatchAgents returns the agents eligible for a capability.
func (b *Broker) MatchAgents(toolName string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.registry.Match(toolName)
}

// Start runs the background sweep loop until the context is cancelled. The
// sweep is the single source of truth for timeout transitions; agents never
// self-expire tasks.
func (b *Broker) Start(ctx context.Context) {
	ticker := time.NewTicker(b.sweepInterval)
	defer ticker.Stop()
	b.logger.Printf("broker sweep loop starting (interval %s)", b.sweepInterval)
	for {
		select {
		case <-ctx.Done():
			b.logger.Printf("broker sweep loop stopping: %v", ctx.Err())
			return
		case <-ticker.C:
			b.sweep(b.now())
		}
	}
}

// sweep times out overdue tasks and ages the agent registry. A timed-out
// DISPATCHED task is terminal, not requeued: the original agent may still
// complete it, and that late result must be rejected as stale.
func (b *Broker) sweep(now time.Time) {
	b.mu.Lock()
	var events []TaskEvent
	for id, t := range b.tasks {
		var deadline time.Time
		switch t.State {
		case TaskPending:
			deadline = t.CreatedAt.Add(t.Timeout)
		case TaskDispatched:
			deadline = t.DispatchedAt.Add(t.Timeout)
		default:
			// Terminal tasks stay queryable for the retention window,
			// then leave the store so it cannot grow without bound.
			if !now.Before(t.CompletedAt.Add(b.taskRetention)) {
				delete(b.tasks, id)
			}
			continue
		}
		if now.Before(deadline) {
			continue
		}
		t.State = TaskTimedOut
		t.Error = "task deadline exceeded"
		t.CompletedAt = now
		close(t.done)
		events = append(events, b.terminalEvent(t))
	}
	expired := b.registry.Sweep(now, b.staleAfter, b.expireAfter)
	b.mu.Unlock()

	for _, ev := range events {
		b.finishTask(ev)
	}
	for _, id := range expired {
		b.logger.Printf("agent %s expired after %s of silence", id, b.expireAfter)
	}
}

// terminalEvent builds the audit event for a task that just went terminal.
// Caller holds the broker mutex.
func (b *Broker) terminalEvent(t *task) TaskEvent {
	return TaskEvent{
		EventType: "task." + string(t.State),
		TaskID:    t.ID,
		ToolName:  t.ToolName,
		State:     t.State,
		AgentID:   t.AssignedAgentID,
		Error:     t.Error,
	}
}

// finishTask records metrics and audit for a terminal transition, outside
// the lock.
func (b *Broker) finishTask(ev TaskEvent) {
	telemetry.RecordTaskTerminal(context.Background(), string(ev.State))
	b.logger.Printf("task %s terminal: %s", ev.TaskID, ev.State)
	b.auditor.Emit(ev)
}
