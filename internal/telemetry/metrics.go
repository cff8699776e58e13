package telemetry

import (
	"context"
	"log"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

var (
	metricsOnce    sync.Once
	tasksSubmitted otelmetric.Int64Counter
	tasksCompleted otelmetric.Int64Counter
	agentPolls     otelmetric.Int64Counter
)

func initMetrics() {
	meter := otel.Meter("toolbridge/broker")
	var err error
	tasksSubmitted, err = meter.Int64Counter(
		"broker_tasks_submitted_total",
		otelmetric.WithDescription("Tasks accepted by the broker"),
	)
	if err != nil {
		log.Printf("telemetry init: broker_tasks_submitted_total: %v", err)
	}
	tasksCompleted, err = meter.Int64Counter(
		"broker_tasks_terminal_total",
		otelmetric.WithDescription("Tasks reaching a terminal state, by state"),
	)
	if err != nil {
		log.Printf("telemetry init: broker_tasks_terminal_total: %v", err)
	}
	agentPolls, err = meter.Int64Counter(
		"broker_agent_polls_total",
		otelmetric.WithDescription("Poll calls served, by outcome"),
	)
	if err != nil {
		log.Printf("telemetry init: broker_agent_polls_total: %v", err)
	}
}

// RecordTaskSubmitted counts one accepted submission.
func RecordTaskSubmitted(ctx context.Context, toolName string) {
	metricsOnce.Do(initMetrics)
	if tasksSubmitted == nil {
		return
	}
	tasksSubmitted.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("tool", toolName)))
}

// RecordTaskTerminal counts one terminal transition.
func RecordTaskTerminal(ctx context.Context, state string) {
	metricsOnce.Do(initMetrics)
	if tasksCompleted == nil {
		return
	}
	tasksCompleted.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("state", state)))
}

// RecordPoll counts one poll call; dispatched reports whether work was
// handed out.
func RecordPoll(ctx context.Context, dispatched bool) {
	metricsOnce.Do(initMetrics)
	if agentPolls == nil {
		return
	}
	outcome := "empty"
	if dispatched {
		outcome = "dispatched"
	}
	agentPolls.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("outcome", outcome)))
}
