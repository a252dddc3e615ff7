// Package graph provides the stage graph: typed state channels, the router,
// and the single-owner streaming executor.
package graph

import (
	"maps"

	"github.com/stageflow/stageflow/pkg/expr"
)

// AgentOutput is one completed agent invocation in the session history.
type AgentOutput struct {
	Stage  string `json:"stage"`
	Role   string `json:"role"`
	Output string `json:"output"`
	Error  string `json:"error,omitempty"`
}

// State is the session state flowing through the graph. Control fields
// (Stage, Done, NextAgent) are written only by the router; agents contribute
// through the append and reducer channels.
type State struct {
	SessionID string
	// UserID scopes memory to a user across sessions; blank falls back to
	// per-session memory.
	UserID string
	Task   string

	Stage     string
	Done      bool
	NextAgent string

	HistoryAgents          []AgentOutput
	ExecutedAgentsPerStage map[string][]string
	Rewards                map[string]float64

	// Fields carries agent-visible scratch values (winner, decision, …)
	// merged last-writer-wins.
	Fields map[string]any
}

// NewState builds the initial state for one session.
func NewState(sessionID, task, firstStage string) *State {
	return &State{
		SessionID:              sessionID,
		Task:                   task,
		Stage:                  firstStage,
		ExecutedAgentsPerStage: make(map[string][]string),
		Rewards:                make(map[string]float64),
		Fields:                 make(map[string]any),
	}
}

// Snapshot returns a copy safe to hand to event subscribers while the loop
// keeps mutating the original.
func (s *State) Snapshot() State {
	clone := *s
	clone.HistoryAgents = append([]AgentOutput(nil), s.HistoryAgents...)
	clone.ExecutedAgentsPerStage = make(map[string][]string, len(s.ExecutedAgentsPerStage))
	for stage, roles := range s.ExecutedAgentsPerStage {
		clone.ExecutedAgentsPerStage[stage] = append([]string(nil), roles...)
	}
	clone.Rewards = maps.Clone(s.Rewards)
	clone.Fields = maps.Clone(s.Fields)
	return clone
}

// Executed returns the roles already run in the named stage.
func (s *State) Executed(stage string) []string {
	return s.ExecutedAgentsPerStage[stage]
}

// Runs counts how many times the role has run in the named stage.
func (s *State) Runs(stage, role string) int {
	n := 0
	for _, r := range s.ExecutedAgentsPerStage[stage] {
		if r == role {
			n++
		}
	}
	return n
}

// ExprEnv exposes the state to exit-condition expressions. Top-level names
// are the state fields plus any scratch fields.
func (s *State) ExprEnv() expr.Env {
	env := expr.MapEnv{
		"session_id": s.SessionID,
		"user_id":    s.UserID,
		"task":       s.Task,
		"stage":      s.Stage,
		"done":       s.Done,
		"next_agent": s.NextAgent,
	}

	history := make([]any, len(s.HistoryAgents))
	for i, h := range s.HistoryAgents {
		history[i] = map[string]any{"stage": h.Stage, "role": h.Role, "output": h.Output}
	}
	env["history_agents"] = history

	executed := make(map[string]any, len(s.ExecutedAgentsPerStage))
	for stage, roles := range s.ExecutedAgentsPerStage {
		executed[stage] = roles
	}
	env["executed_agents_per_stage"] = executed

	rewards := make(map[string]any, len(s.Rewards))
	for role, reward := range s.Rewards {
		rewards[role] = reward
	}
	env["rewards"] = rewards

	for key, value := range s.Fields {
		if _, taken := env[key]; !taken {
			env[key] = value
		}
	}
	return env
}

// Delta is one node's contribution, merged into the state per channel type:
// pointer fields overwrite, history appends, executed and rewards reduce.
type Delta struct {
	Stage     *string
	Done      *bool
	NextAgent *string

	HistoryAgents          []AgentOutput
	ExecutedAgentsPerStage map[string][]string
	Rewards                map[string]float64

	Fields map[string]any
}

// Empty reports whether the delta carries no writes.
func (d *Delta) Empty() bool {
	return d == nil || (d.Stage == nil && d.Done == nil && d.NextAgent == nil &&
		len(d.HistoryAgents) == 0 && len(d.ExecutedAgentsPerStage) == 0 &&
		len(d.Rewards) == 0 && len(d.Fields) == 0)
}

// ApplyDelta merges one delta into the state. Two agents racing in the same
// stage cannot lose updates: list channels concatenate and reward channels
// sum per key.
func ApplyDelta(s *State, d *Delta) {
	if d == nil {
		return
	}

	if d.Stage != nil {
		s.Stage = *d.Stage
	}
	if d.Done != nil {
		s.Done = *d.Done
	}
	if d.NextAgent != nil {
		s.NextAgent = *d.NextAgent
	}

	s.HistoryAgents = append(s.HistoryAgents, d.HistoryAgents...)

	for stage, roles := range d.ExecutedAgentsPerStage {
		s.ExecutedAgentsPerStage[stage] = append(s.ExecutedAgentsPerStage[stage], roles...)
	}
	for role, reward := range d.Rewards {
		s.Rewards[role] += reward
	}
	for key, value := range d.Fields {
		s.Fields[key] = value
	}
}

func stringPtr(v string) *string { return &v }
func boolPtr(v bool) *bool       { return &v }
