package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// TaskEvent is the envelope emitted for every terminal task transition.
// Audit sinks are write-only: events are never read back for recovery.
type TaskEvent struct {
	EventID    string    `json:"event_id"`
	EventType  string    `json:"event_type"`
	OccurredAt time.Time `json:"occurred_at"`
	TaskID     string    `json:"task_id"`
	ToolName   string    `json:"tool_name"`
	State      TaskState `json:"state"`
	AgentID    string    `json:"agent_id,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Marshal returns the JSON encoding of the event, filling event_id and
// occurred_at when unset.
func (e *TaskEvent) Marshal() ([]byte, error) {
	if e.EventID == "" {
		e.EventID = uuid.NewString()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	if e.TaskID == "" {
		return nil, fmt.Errorf("task_id is required")
	}
	return json.Marshal(e)
}

// AuditSink receives terminal task events. Implementations must tolerate
// duplicate delivery; a sink error never affects the task lifecycle.
type AuditSink interface {
	Write(ctx context.Context, ev TaskEvent) error
}

// Auditor fans terminal task events out to sinks from a dedicated
// goroutine. Emission is fire-and-forget: when the buffer is full the event
// is dropped and logged, so the broker never blocks on audit I/O.
type Auditor struct {
	sinks  []AuditSink
	events chan TaskEvent
	logger *log.Logger
	done   chan struct{}
}

// NewAuditor creates an Auditor over the given sinks and starts its
// delivery goroutine. A nil Auditor is valid and discards all events.
func NewAuditor(logger *log.Logger, buffer int, sinks ...AuditSink) *Auditor {
	if buffer <= 0 {
		buffer = 256
	}
	a := &Auditor{
		sinks:  sinks,
		events: make(chan TaskEvent, buffer),
		logger: logger,
		done:   make(chan struct{}),
	}
	go a.run()
	return a
}

// Emit queues an event for delivery. Never blocks.
func (a *Auditor) Emit(ev TaskEvent) {
	if a == nil {
		return
	}
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	select {
	case a.events <- ev:
	default:
		a.logger.Printf("warn: audit buffer full, dropping event for task %s", ev.TaskID)
	}
}

// Close stops the delivery goroutine after draining queued events.
func (a *Auditor) Close() {
	if a == nil {
		return
	}
	close(a.events)
	<-a.done
}

func (a *Auditor) run() {
	defer close(a.done)
	for ev := range a.events {
		for _, sink := range a.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := sink.Write(ctx, ev); err != nil {
				a.logger.Printf("warn: audit sink write failed for task %s: %v", ev.TaskID, err)
			}
			cancel()
		}
	}
}

// StreamSink appends task events to a Redis Stream with an approximate
// maximum length.
type StreamSink struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewStreamSink builds a StreamSink for the given stream name.
func NewStreamSink(client *redis.Client, stream string, maxLen int64) *StreamSink {
	return &StreamSink{client: client, stream: stream, maxLen: maxLen}
}

// Write appends the event envelope via XADD.
func (s *StreamSink) Write(ctx context.Context, ev TaskEvent) error {
	if s.stream == "" {
		return fmt.Errorf("stream name is required")
	}
	raw, err := ev.Marshal()
	if err != nil {
		return err
	}
	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]interface{}{"envelope": raw},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", s.stream, err)
	}
	return nil
}
