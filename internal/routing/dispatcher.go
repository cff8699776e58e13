package routing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mohammad-safakhou/toolbridge/internal/broker"
)

// LocalInvoker is the broker-backed execution path.
type LocalInvoker interface {
	Execute(ctx context.Context, toolName string, arguments json.RawMessage, timeout time.Duration) (*broker.TaskView, error)
}

type route struct {
	target   Target
	endpoint string
}

// Dispatcher holds the tool catalog and forwards each call down the path
// the classifier chose at registration time. Tools with no registered
// source fall through to the local path, since agents advertise their
// capabilities to the broker rather than to the dispatcher.
type Dispatcher struct {
	mu     sync.RWMutex
	routes map[string]route

	local  LocalInvoker
	client *http.Client
	logger *log.Logger
}

// NewDispatcher builds a dispatcher over the given local invoker.
func NewDispatcher(local LocalInvoker, logger *log.Logger) *Dispatcher {
	return &Dispatcher{
		routes: make(map[string]route),
		local:  local,
		client: &http.Client{Timeout: 30 * time.Second},
		logger: logger,
	}
}

// RegisterTool classifies the tool's source descriptor once and records
// the resulting dispatch path.
func (d *Dispatcher) RegisterTool(name, source string) Target {
	target := Classify(source)
	d.mu.Lock()
	d.routes[name] = route{target: target, endpoint: source}
	d.mu.Unlock()
	if d.logger != nil {
		d.logger.Printf("tool %s routed %s (source %q)", name, target, source)
	}
	return target
}

// TargetFor reports the dispatch path for a tool. Unregistered tools are
// local.
func (d *Dispatcher) TargetFor(name string) Target {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if r, ok := d.routes[name]; ok {
		return r.target
	}
	return TargetLocal
}

// Dispatch executes one tool call synchronously down its registered path
// and returns a terminal task view either way.
func (d *Dispatcher) Dispatch(ctx context.Context, toolName string, arguments json.RawMessage, timeout time.Duration) (*broker.TaskView, error) {
	d.mu.RLock()
	r, ok := d.routes[toolName]
	d.mu.RUnlock()

	if !ok || r.target == TargetLocal {
		return d.local.Execute(ctx, toolName, arguments, timeout)
	}
	return d.invokeRemote(ctx, toolName, r.endpoint, arguments, timeout)
}

// invokeRemote POSTs the arguments to the tool's endpoint. The response
// body is the result payload; the call is wrapped in a synthetic terminal
// view so callers see the same shape on both paths.
func (d *Dispatcher) invokeRemote(ctx context.Context, toolName, endpoint string, arguments json.RawMessage, timeout time.Duration) (*broker.TaskView, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	created := time.Now().UTC()
	body := arguments
	if body == nil {
		body = json.RawMessage(`{}`)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("remote tool %s: %w", toolName, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("remote tool %s: %w", toolName, err)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("remote tool %s: read response: %w", toolName, err)
	}

	completed := time.Now().UTC()
	view := &broker.TaskView{
		ID:                 uuid.NewString(),
		ToolName:           toolName,
		RequiredCapability: toolName,
		CreatedAt:          created,
		CompletedAt:        &completed,
		TimeoutSeconds:     timeout.Seconds(),
	}
	if resp.StatusCode >= 400 {
		view.State = broker.TaskFailed
		view.Error = fmt.Sprintf("remote tool %s: status %d: %s", toolName, resp.StatusCode, truncate(string(payload), 512))
		return view, nil
	}
	view.State = broker.TaskSucceeded
	if json.Valid(payload) {
		view.Result = payload
	} else {
		wrapped, _ := json.Marshal(map[string]string{"output": string(payload)})
		view.Result = wrapped
	}
	return view, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
