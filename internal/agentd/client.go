package agentd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrFatal marks broker responses that must not be retried, e.g. an
// invalid agent token. The runtime stops on these instead of backing off.
var ErrFatal = errors.New("fatal broker error")

// TaskAssignment is the unit of work handed out by a poll.
type TaskAssignment struct {
	TaskID         string          `json:"task_id"`
	ToolName       string          `json:"tool_name"`
	Arguments      json.RawMessage `json:"arguments"`
	TimeoutSeconds float64         `json:"timeout_seconds"`
}

// Client is the HTTP client agents use to talk to the broker. Every
// transport or 5xx failure is returned as a plain error for the backoff
// machinery; only explicit fatal responses map to ErrFatal.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient builds a broker client.
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}
}

// Register announces the agent and its capability set. Idempotent on the
// broker side.
func (c *Client) Register(ctx context.Context, agentID string, capabilities []string, metadata map[string]string) error {
	body := map[string]interface{}{
		"agent_id":     agentID,
		"capabilities": capabilities,
		"metadata":     metadata,
	}
	return c.post(ctx, "/api/agents/register", body, nil)
}

// Poll asks for work. Returns nil when the queue has nothing for this
// agent.
func (c *Client) Poll(ctx context.Context, agentID string) (*TaskAssignment, error) {
	var resp struct {
		HasWork bool            `json:"has_work"`
		Task    *TaskAssignment `json:"task"`
	}
	if err := c.post(ctx, "/api/agents/poll", map[string]string{"agent_id": agentID}, &resp); err != nil {
		return nil, err
	}
	if !resp.HasWork {
		return nil, nil
	}
	return resp.Task, nil
}

// SubmitResult posts the task outcome. Safe to retry: the broker rejects
// duplicates and stale results with ack=false rather than an error.
func (c *Client) SubmitResult(ctx context.Context, taskID, agentID string, success bool, result json.RawMessage, taskErr string) (bool, error) {
	body := map[string]interface{}{
		"task_id":  taskID,
		"agent_id": agentID,
		"success":  success,
	}
	if len(result) > 0 {
		body["result"] = result
	}
	if taskErr != "" {
		body["error"] = taskErr
	}
	var resp struct {
		Ack bool `json:"ack"`
	}
	if err := c.post(ctx, "/api/agents/result", body, &resp); err != nil {
		return false, err
	}
	return resp.Ack, nil
}

// Health probes broker liveness. Used only while reconnecting.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("health check: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check: status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, body interface{}, out interface{}) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s: read response: %w", path, err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%w: %s: %s", ErrFatal, path, apiErrorMessage(payload))
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s: status %d: %s", path, resp.StatusCode, apiErrorMessage(payload))
	}
	if out != nil {
		if err := json.Unmarshal(payload, out); err != nil {
			return fmt.Errorf("%s: decode response: %w", path, err)
		}
	}
	return nil
}

func apiErrorMessage(payload []byte) string {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(payload, &body); err == nil && body.Error != "" {
		return body.Error
	}
	return strings.TrimSpace(string(payload))
}
