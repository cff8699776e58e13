package agentd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	appconfig "github.com/mohammad-safakhou/toolbridge/config"
)

// State enumerates the runtime's local connection state. It mirrors, but
// never controls, the broker-side registration state.
type State string

const (
	StateStarting     State = "starting"
	StateRegistering  State = "registering"
	StatePolling      State = "polling"
	StateReconnecting State = "reconnecting"
	StateStopped      State = "stopped"
)

// pollFailureThreshold is the number of consecutive poll failures before
// the runtime drops to reconnecting.
const pollFailureThreshold = 3

// Runtime is the agent-side reliability loop: register with retry, poll
// for work, execute tools, submit results, and self-heal through health
// probes when the broker goes away or restarts.
type Runtime struct {
	cfg    appconfig.AgentConfig
	client *Client
	runner *Runner
	logger *log.Logger

	mu    sync.Mutex
	state State

	// connLost is signalled when result submission exhausts its retry
	// budget, which means the connection is as good as dead.
	connLost chan struct{}
	// fatalCh carries non-retriable errors out of execution goroutines.
	fatalCh chan error

	wg sync.WaitGroup
}

// NewRuntime builds a Runtime over the given broker client and tool
// runner.
func NewRuntime(cfg appconfig.AgentConfig, client *Client, runner *Runner, logger *log.Logger) *Runtime {
	return &Runtime{
		cfg:      cfg,
		client:   client,
		runner:   runner,
		logger:   logger,
		state:    StateStarting,
		connLost: make(chan struct{}, 1),
		fatalCh:  make(chan error, 1),
	}
}

// State returns the current runtime state.
func (r *Runtime) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Runtime) setState(s State) {
	r.mu.Lock()
	prev := r.state
	r.state = s
	r.mu.Unlock()
	if prev != s {
		r.logger.Printf("state %s -> %s", prev, s)
	}
}

func (r *Runtime) backoff() *Backoff {
	return &Backoff{
		Initial:    r.cfg.InitialRetryDelay,
		Multiplier: r.cfg.RetryBackoffMultiplier,
		Max:        r.cfg.MaxRetryDelay,
	}
}

// Run drives the state machine until the context is cancelled or a fatal,
// non-retriable error is returned by the broker.
func (r *Runtime) Run(ctx context.Context) error {
	caps := r.runner.Capabilities()
	if len(caps) == 0 {
		return fmt.Errorf("no tool executors configured")
	}
	r.logger.Printf("agent %s starting with capabilities %v", r.cfg.AgentID, caps)

	r.setState(StateRegistering)
	for {
		if ctx.Err() != nil {
			break
		}
		var err error
		switch r.State() {
		case StateRegistering:
			err = r.register(ctx)
		case StatePolling:
			err = r.pollLoop(ctx)
		case StateReconnecting:
			err = r.reconnect(ctx)
		}
		if err != nil {
			r.wg.Wait()
			r.setState(StateStopped)
			return err
		}
	}

	r.wg.Wait()
	r.setState(StateStopped)
	return nil
}

// register calls the broker's register endpoint with unbounded
// exponential-backoff retries. Only a fatal error (invalid token) or
// context cancellation stops it. The broker may have restarted and
// forgotten this agent, so registration is always performed in full.
func (r *Runtime) register(ctx context.Context) error {
	bo := r.backoff()
	for {
		err := r.client.Register(ctx, r.cfg.AgentID, r.runner.Capabilities(), r.cfg.Metadata)
		if err == nil {
			r.logger.Printf("registered with broker %s", r.cfg.BrokerURL)
			r.setState(StatePolling)
			return nil
		}
		if errors.Is(err, ErrFatal) {
			return fmt.Errorf("registration rejected: %w", err)
		}
		if ctx.Err() != nil {
			return nil
		}
		delay := bo.Next()
		r.logger.Printf("registration failed (attempt %d, retrying in %s): %v", bo.Attempt(), delay, err)
		if !sleep(ctx, delay) {
			return nil
		}
	}
}

// pollLoop polls on the configured interval, dispatching received tasks to
// execution goroutines. Three consecutive poll failures, or an exhausted
// result-submission retry budget, drop the runtime to reconnecting.
func (r *Runtime) pollLoop(ctx context.Context) error {
	interval := r.cfg.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-r.fatalCh:
			return err
		case <-r.connLost:
			r.logger.Printf("result submission exhausted retries, reconnecting")
			r.setState(StateReconnecting)
			return nil
		case <-ticker.C:
		}

		assignment, err := r.client.Poll(ctx, r.cfg.AgentID)
		if err != nil {
			if errors.Is(err, ErrFatal) {
				return fmt.Errorf("poll rejected: %w", err)
			}
			if ctx.Err() != nil {
				return nil
			}
			failures++
			r.logger.Printf("poll failed (%d/%d): %v", failures, pollFailureThreshold, err)
			if failures >= pollFailureThreshold {
				r.setState(StateReconnecting)
				return nil
			}
			continue
		}
		failures = 0
		if assignment == nil {
			continue
		}
		r.wg.Add(1)
		go func(a *TaskAssignment) {
			defer r.wg.Done()
			r.executeTask(ctx, a)
		}(assignment)
	}
}

// reconnect probes broker liveness on the health-check interval. On the
// first success the runtime goes back through registration, never a direct
// resume: the broker may be a fresh process that has never seen this
// agent. No polling happens while reconnecting.
func (r *Runtime) reconnect(ctx context.Context) error {
	for {
		if !sleep(ctx, r.cfg.HealthCheckInterval) {
			return nil
		}
		if err := r.client.Health(ctx); err != nil {
			r.logger.Printf("health probe failed: %v", err)
			continue
		}
		r.logger.Printf("broker reachable again, re-registering")
		r.setState(StateRegistering)
		return nil
	}
}

// executeTask runs the tool and submits the outcome with a bounded retry
// budget. A tool failure is a legitimate result (success=false), not a
// transport problem; only submission transport errors are retried.
func (r *Runtime) executeTask(ctx context.Context, a *TaskAssignment) {
	r.logger.Printf("executing task %s (tool %s)", a.TaskID, a.ToolName)

	execCtx := ctx
	if a.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, time.Duration(a.TimeoutSeconds*float64(time.Second)))
		defer cancel()
	}

	result, execErr := r.runner.Run(execCtx, a.ToolName, a.Arguments)

	success := execErr == nil
	var errMsg string
	if execErr != nil {
		errMsg = execErr.Error()
		result = nil
	}

	bo := r.backoff()
	maxAttempts := r.cfg.MaxRetryAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	for attempt := 0; attempt < maxAttempts; attempt++ {
		acked, err := r.submitResult(a, success, result, errMsg)
		if err == nil {
			if !acked {
				// Stale: the broker already timed the task out or
				// reassigned it. Nothing more to do.
				r.logger.Printf("result for task %s discarded as stale", a.TaskID)
			}
			return
		}
		if errors.Is(err, ErrFatal) {
			select {
			case r.fatalCh <- err:
			default:
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
		delay := bo.Next()
		r.logger.Printf("submit result for task %s failed (attempt %d/%d, retrying in %s): %v",
			a.TaskID, attempt+1, maxAttempts, delay, err)
		if !sleep(ctx, delay) {
			return
		}
	}

	r.logger.Printf("giving up on result for task %s after %d attempts", a.TaskID, maxAttempts)
	select {
	case r.connLost <- struct{}{}:
	default:
	}
}

// submitResult uses a fresh context so a task whose execution deadline
// already passed can still report its outcome; the broker decides whether
// that outcome is stale.
func (r *Runtime) submitResult(a *TaskAssignment, success bool, result json.RawMessage, errMsg string) (bool, error) {
	timeout := r.cfg.ConnectionTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return r.client.SubmitResult(ctx, a.TaskID, r.cfg.AgentID, success, result, errMsg)
}

// sleep waits for d or until ctx is cancelled; returns false on
// cancellation.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = time.Second
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
