package graph

import (
	"context"
	"fmt"
	"log/slog"
)

// End is the terminal sentinel node name.
const End = "__end__"

// routerNode is the reserved router node name.
const routerNode = "__router__"

// maxSteps bounds one session's walk through the graph; a loop that long is
// a misconfiguration, not progress.
const maxSteps = 1000

// AgentNode is one agent role wired into the graph.
type AgentNode interface {
	Role() string
	Run(ctx context.Context, state *State) (*Delta, error)
}

// Interrupt is a human-in-the-loop directive that preempts the router's exit
// evaluation.
type Interrupt struct {
	// NextAgent routes to the named agent regardless of execution history.
	NextAgent string
	// SkipStage advances to the successor stage without evaluating the
	// exit condition.
	SkipStage bool
}

// InterruptFunc is consulted on every router visit once the stage's agents
// are exhausted; nil return falls through to the normal exit evaluation.
type InterruptFunc func(ctx context.Context, state *State, stage *StageView) *Interrupt

// StageView is the read-only stage shape handed to interrupt callbacks.
type StageView struct {
	Name          string
	AllowedAgents []string
	Terminal      bool
}

// StageSource is the slice of the stage registry the graph needs.
type StageSource interface {
	AllowedAgents(name string) []string
	IsTerminal(name string) bool
	NextName(current string) (string, bool)
	EvalExit(name string, state *State) (bool, error)
	Exists(name string) bool
}

// RouterMisconfiguredError reports a build-time routing defect.
type RouterMisconfiguredError struct {
	Stage  string
	Reason string
}

func (e *RouterMisconfiguredError) Error() string {
	return fmt.Sprintf("router misconfigured at stage %s: %s", e.Stage, e.Reason)
}

// Event is one node step yielded by Stream.
type Event struct {
	Node  string
	Delta *Delta
	State State
}

// Graph is the compiled stage graph for one workspace. It is read-only after
// build and shared across sessions; each Stream call owns its state.
type Graph struct {
	stages    StageSource
	nodes     map[string]AgentNode
	order     []string
	interrupt InterruptFunc
	logger    *slog.Logger
}

// Option configures graph construction.
type Option func(*Graph)

// WithInterrupt installs the human-in-the-loop callback.
func WithInterrupt(fn InterruptFunc) Option {
	return func(g *Graph) { g.interrupt = fn }
}

func WithLogger(logger *slog.Logger) Option {
	return func(g *Graph) { g.logger = logger }
}

// New validates and compiles the graph: every allowed agent of every stage
// must be registered, and non-terminal stages must allow at least one agent.
func New(stages StageSource, stageNames []string, nodes []AgentNode, opts ...Option) (*Graph, error) {
	g := &Graph{
		stages: stages,
		nodes:  make(map[string]AgentNode, len(nodes)),
		logger: slog.Default(),
	}
	for _, node := range nodes {
		g.nodes[node.Role()] = node
		g.order = append(g.order, node.Role())
	}
	for _, opt := range opts {
		opt(g)
	}

	for _, name := range stageNames {
		allowed := stages.AllowedAgents(name)
		if len(allowed) == 0 && !stages.IsTerminal(name) {
			return nil, &RouterMisconfiguredError{Stage: name, Reason: "non-terminal stage allows no agents"}
		}
		for _, role := range allowed {
			if _, ok := g.nodes[role]; !ok {
				return nil, &RouterMisconfiguredError{
					Stage:  name,
					Reason: fmt.Sprintf("allowed agent %q is not registered", role),
				}
			}
		}
	}
	return g, nil
}

// route runs one router visit: it returns the next node name plus the
// router's control-field delta.
func (g *Graph) route(ctx context.Context, state *State) (string, *Delta, error) {
	if !g.stages.Exists(state.Stage) {
		return End, nil, &RouterMisconfiguredError{Stage: state.Stage, Reason: "unknown stage in state"}
	}

	executed := state.Executed(state.Stage)
	var remaining []string
	for _, role := range g.stages.AllowedAgents(state.Stage) {
		if !contains(executed, role) {
			remaining = append(remaining, role)
		}
	}

	if len(remaining) > 0 {
		next := remaining[0]
		return next, &Delta{NextAgent: stringPtr(next)}, nil
	}

	if g.interrupt != nil {
		view := &StageView{
			Name:          state.Stage,
			AllowedAgents: g.stages.AllowedAgents(state.Stage),
			Terminal:      g.stages.IsTerminal(state.Stage),
		}
		if directive := g.interrupt(ctx, state, view); directive != nil {
			if directive.NextAgent != "" {
				if _, ok := g.nodes[directive.NextAgent]; !ok {
					return End, nil, &RouterMisconfiguredError{
						Stage:  state.Stage,
						Reason: fmt.Sprintf("interrupt routed to unregistered agent %q", directive.NextAgent),
					}
				}
				return directive.NextAgent, &Delta{NextAgent: stringPtr(directive.NextAgent)}, nil
			}
			if directive.SkipStage {
				if next, ok := g.stages.NextName(state.Stage); ok {
					return routerNode, &Delta{Stage: stringPtr(next)}, nil
				}
				return End, &Delta{Done: boolPtr(true)}, nil
			}
		}
	}

	exit, err := g.stages.EvalExit(state.Stage, state)
	if err != nil {
		g.logger.Warn("exit condition evaluation failed, terminating",
			"stage", state.Stage, "session_id", state.SessionID, "error", err)
		return End, nil, nil
	}

	// A false exit with no agents left would loop forever; terminate.
	if !exit {
		return End, nil, nil
	}

	next, ok := g.stages.NextName(state.Stage)
	if g.stages.IsTerminal(state.Stage) || !ok {
		return End, &Delta{Done: boolPtr(true)}, nil
	}
	return routerNode, &Delta{Stage: stringPtr(next)}, nil
}

// Stream walks the graph from the router entry point, applying each node's
// delta and yielding one event per step, until the terminal sentinel.
// The final state is returned; yield must not retain the event's state
// beyond the call.
func (g *Graph) Stream(ctx context.Context, initial *State, yield func(Event)) (*State, error) {
	state := initial

	for step := 0; step < maxSteps; step++ {
		if err := ctx.Err(); err != nil {
			return state, err
		}

		target, delta, err := g.route(ctx, state)
		if err != nil {
			return state, err
		}
		ApplyDelta(state, delta)
		if yield != nil {
			yield(Event{Node: routerNode, Delta: delta, State: state.Snapshot()})
		}

		switch target {
		case End:
			return state, nil
		case routerNode:
			continue
		}

		node := g.nodes[target]
		agentDelta, err := node.Run(ctx, state)
		if err != nil {
			return state, fmt.Errorf("agent node %s failed: %w", target, err)
		}
		// A node that declines to run still consumes its stage slot;
		// otherwise the router would re-pick it forever.
		if agentDelta == nil {
			agentDelta = &Delta{}
		}
		if !contains(state.Executed(state.Stage), target) &&
			!contains(agentDelta.ExecutedAgentsPerStage[state.Stage], target) {
			if agentDelta.ExecutedAgentsPerStage == nil {
				agentDelta.ExecutedAgentsPerStage = make(map[string][]string)
			}
			agentDelta.ExecutedAgentsPerStage[state.Stage] = append(
				agentDelta.ExecutedAgentsPerStage[state.Stage], target)
		}
		ApplyDelta(state, agentDelta)
		if yield != nil {
			yield(Event{Node: target, Delta: agentDelta, State: state.Snapshot()})
		}
	}

	return state, fmt.Errorf("graph exceeded %d steps without terminating", maxSteps)
}

func contains(list []string, item string) bool {
	for _, v := range list {
		if v == item {
			return true
		}
	}
	return false
}
