// Package runtime assembles workspaces into running sessions: the
// orchestrator drives one session through the compiled graph, the manager
// owns one workspace's registries and sessions, and the hub discovers
// workspaces under a root.
package runtime

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"

	"github.com/stageflow/stageflow/pkg/eventbus"
	"github.com/stageflow/stageflow/pkg/graph"
	"github.com/stageflow/stageflow/pkg/observability"
)

// Orchestrator drives one session through one compiled graph. It holds the
// graph reference it was built with, so an in-flight session finishes on the
// registry generation it started with.
type Orchestrator struct {
	sessionID string
	graph     *graph.Graph
	bus       *eventbus.Bus
	logger    *slog.Logger
}

func NewOrchestrator(sessionID string, g *graph.Graph, bus *eventbus.Bus, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{sessionID: sessionID, graph: g, bus: bus, logger: logger}
}

// Run streams the graph to termination. It always returns a terminal state
// with done=true; graph failures are captured into the history instead of
// crashing the session.
func (o *Orchestrator) Run(ctx context.Context, initial *graph.State) *graph.State {
	ctx, span := observability.StartSpan(ctx, "orchestrator.run",
		attribute.String("session_id", o.sessionID))
	defer span.End()

	o.emit(ctx, eventbus.OrchestratorStart, eventbus.Payload{"task": initial.Task})
	o.emit(ctx, eventbus.StageEnter, eventbus.Payload{"stage": initial.Stage})

	lastStage := initial.Stage
	final, err := o.graph.Stream(ctx, initial, func(e graph.Event) {
		if e.State.Stage != lastStage {
			o.emit(ctx, eventbus.StageExit, eventbus.Payload{"stage": lastStage})
			o.emit(ctx, eventbus.StageEnter, eventbus.Payload{"stage": e.State.Stage})
			lastStage = e.State.Stage
		}
		o.emit(ctx, eventbus.GraphEvent, eventbus.Payload{
			"node":  e.Node,
			"stage": e.State.Stage,
			"done":  e.State.Done,
		})
	})
	if err != nil {
		o.logger.Error("graph run failed, finalizing session",
			"session_id", o.sessionID, "error", err)
		final.HistoryAgents = append(final.HistoryAgents, graph.AgentOutput{
			Stage: final.Stage,
			Role:  "orchestrator",
			Error: err.Error(),
		})
	}
	final.Done = true

	o.emit(ctx, eventbus.StageExit, eventbus.Payload{"stage": final.Stage})
	o.emit(ctx, eventbus.OrchestratorEnd, eventbus.Payload{
		"stage":  final.Stage,
		"agents": len(final.HistoryAgents),
	})
	return final
}

func (o *Orchestrator) emit(ctx context.Context, event eventbus.Event, extra eventbus.Payload) {
	if o.bus == nil {
		return
	}
	payload := eventbus.Payload{"component": "orchestrator", "session_id": o.sessionID}
	for k, v := range extra {
		payload[k] = v
	}
	o.bus.Emit(ctx, event, payload)
}
