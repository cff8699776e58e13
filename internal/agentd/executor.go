package agentd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	appconfig "github.com/mohammad-safakhou/toolbridge/config"
)

// Executor runs one local tool. Implementations may take arbitrary time
// and must honour ctx cancellation.
type Executor interface {
	Name() string
	Execute(ctx context.Context, args json.RawMessage) (json.RawMessage, error)
}

// Serializer is an optional Executor refinement for tools backed by an
// exclusive local resource (e.g. one Docker-backed process): the runner
// executes such tools one at a time.
type Serializer interface {
	Serialized() bool
}

// Runner holds the local tool executors and bounds their concurrency.
type Runner struct {
	executors map[string]Executor
	sem       chan struct{}

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewRunner builds a Runner with the given concurrency limit.
func NewRunner(maxConcurrent int) *Runner {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Runner{
		executors: make(map[string]Executor),
		sem:       make(chan struct{}, maxConcurrent),
		locks:     make(map[string]*sync.Mutex),
	}
}

// RegisterExecutor adds an executor. Registering the same name twice
// replaces the previous executor.
func (r *Runner) RegisterExecutor(ex Executor) {
	r.executors[ex.Name()] = ex
}

// Capabilities returns the tool names this runner can execute.
func (r *Runner) Capabilities() []string {
	out := make([]string, 0, len(r.executors))
	for name := range r.executors {
		out = append(out, name)
	}
	return out
}

// Run executes the named tool, respecting the concurrency bound and any
// per-tool serialization.
func (r *Runner) Run(ctx context.Context, toolName string, args json.RawMessage) (json.RawMessage, error) {
	ex, ok := r.executors[toolName]
	if !ok {
		return nil, fmt.Errorf("no executor for tool %s", toolName)
	}

	select {
	case r.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-r.sem }()

	if s, ok := ex.(Serializer); ok && s.Serialized() {
		lock := r.toolLock(toolName)
		lock.Lock()
		defer lock.Unlock()
	}
	return ex.Execute(ctx, args)
}

func (r *Runner) toolLock(toolName string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.locks[toolName]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[toolName] = lock
	}
	return lock
}

// NewRunnerFromConfig builds a Runner with the executors declared in the
// agent config.
func NewRunnerFromConfig(cfg appconfig.AgentConfig) (*Runner, error) {
	r := NewRunner(cfg.MaxConcurrentTasks)
	for _, tc := range cfg.Tools {
		switch tc.Type {
		case "echo", "":
			r.RegisterExecutor(&EchoExecutor{ToolName: tc.Name})
		case "shell":
			if len(tc.Command) == 0 {
				return nil, fmt.Errorf("tool %s: shell executor requires a command", tc.Name)
			}
			r.RegisterExecutor(&ShellExecutor{ToolName: tc.Name, Command: tc.Command, Serial: tc.Serialized})
		default:
			return nil, fmt.Errorf("tool %s: unknown executor type %q", tc.Name, tc.Type)
		}
	}
	return r, nil
}

// EchoExecutor returns its arguments unchanged. Useful for wiring checks.
type EchoExecutor struct {
	ToolName string
}

func (e *EchoExecutor) Name() string { return e.ToolName }

func (e *EchoExecutor) Execute(_ context.Context, args json.RawMessage) (json.RawMessage, error) {
	if len(args) == 0 {
		return json.RawMessage(`{}`), nil
	}
	return args, nil
}

// ShellExecutor runs a fixed command, passing task arguments as JSON on
// stdin and returning stdout wrapped as a JSON string (or verbatim when
// stdout is already valid JSON).
type ShellExecutor struct {
	ToolName string
	Command  []string
	Serial   bool
}

func (e *ShellExecutor) Name() string { return e.ToolName }

func (e *ShellExecutor) Serialized() bool { return e.Serial }

func (e *ShellExecutor) Execute(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	cmd := exec.CommandContext(ctx, e.Command[0], e.Command[1:]...)
	if len(args) > 0 {
		cmd.Stdin = bytes.NewReader(args)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return nil, fmt.Errorf("tool %s: %s", e.ToolName, msg)
	}

	out := bytes.TrimSpace(stdout.Bytes())
	if json.Valid(out) && len(out) > 0 {
		return out, nil
	}
	wrapped, err := json.Marshal(map[string]string{"output": string(out)})
	if err != nil {
		return nil, err
	}
	return wrapped, nil
}
