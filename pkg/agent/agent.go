// Package agent provides the skill execution unit: context resolution,
// prompt rendering, model invocation, output validation, and tool dispatch
// for one agent role.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/stageflow/stageflow/pkg/config"
	"github.com/stageflow/stageflow/pkg/eventbus"
	"github.com/stageflow/stageflow/pkg/graph"
	"github.com/stageflow/stageflow/pkg/memory"
	"github.com/stageflow/stageflow/pkg/model"
	"github.com/stageflow/stageflow/pkg/store"
	"github.com/stageflow/stageflow/pkg/tools"
)

// ValidationError reports an agent output that failed its declared schema.
// It is surfaced as an event and an empty output, never as a crash.
type ValidationError struct {
	Role   string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("agent %s output failed validation: %s", e.Role, e.Reason)
}

var placeholderPattern = regexp.MustCompile(`\{([a-zA-Z_][a-zA-Z0-9_]*)\}`)

// Deps carries the shared services one agent needs.
type Deps struct {
	Model      *model.Manager
	Memory     *memory.Manager
	ToolClient *tools.Client
	Translator Translator
	Bus        *eventbus.Bus
	Logger     *slog.Logger

	// AllowedInStage reports whether the role may run in the stage; nil
	// trusts the router.
	AllowedInStage func(stage, role string) bool

	// ToolClientFor builds the per-role tool client. When set and ToolClient
	// is nil, New binds a client to the agent's own role so loaders can share
	// one Deps value across every agent in a workspace.
	ToolClientFor func(role string) *tools.Client
}

// SkillAgent is one agent role. It is stateless across invocations; all
// state lives in the session state and memory.
type SkillAgent struct {
	role     string
	skill    config.SkillManifest
	entries  []config.ContextEntry
	template string
	schema   *jsonschema.Schema

	deps Deps
}

// New builds an agent from its loaded artifacts. A declared output schema is
// compiled here so malformed schemas fail at workspace load.
func New(artifacts *config.AgentArtifacts, deps Deps) (*SkillAgent, error) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.ToolClient == nil && deps.ToolClientFor != nil {
		deps.ToolClient = deps.ToolClientFor(artifacts.Skill.Role)
	}

	var schema *jsonschema.Schema
	if len(artifacts.OutputSchema) > 0 {
		compiled, err := jsonschema.CompileString(config.OutputSchemaFile, string(artifacts.OutputSchema))
		if err != nil {
			return nil, config.NewConfigError(artifacts.Dir, "invalid output schema", err)
		}
		schema = compiled
	}

	return &SkillAgent{
		role:     artifacts.Skill.Role,
		skill:    artifacts.Skill,
		entries:  artifacts.Context,
		template: artifacts.PromptTemplate,
		schema:   schema,
		deps:     deps,
	}, nil
}

func (a *SkillAgent) Role() string { return a.role }

// namespace derives the memory namespace for one invocation. A user id makes
// memory outlive the session; without one the session is the tenant.
func (a *SkillAgent) namespace(state *graph.State) store.Namespace {
	tenant := state.UserID
	if tenant == "" {
		tenant = state.SessionID
	}
	return store.Namespace{Tenant: tenant, Bucket: a.role}
}

// Run executes one invocation: resolve context, render the prompt, invoke
// the model, validate output, dispatch always-on tools, and emit the delta.
func (a *SkillAgent) Run(ctx context.Context, state *graph.State) (*graph.Delta, error) {
	if !a.shouldRun(state) {
		return &graph.Delta{}, nil
	}

	a.emit(ctx, eventbus.AgentStart, state, nil)

	resolved := a.resolveContext(ctx, state)

	prompt, err := a.renderPrompt(resolved)
	if err != nil {
		a.emit(ctx, eventbus.AgentError, state, eventbus.Payload{"error": err.Error()})
		return &graph.Delta{
			HistoryAgents: []graph.AgentOutput{{
				Stage: state.Stage, Role: a.role, Error: err.Error(),
			}},
			ExecutedAgentsPerStage: map[string][]string{state.Stage: {a.role}},
		}, nil
	}

	ns := a.namespace(state)
	output, err := a.deps.Model.Generate(ctx, prompt, model.GenerateOptions{
		Namespace: &ns,
		Metadata: map[string]any{
			"session_id": state.SessionID,
			"stage":      state.Stage,
			"role":       a.role,
		},
		Reward: a.skill.Reward,
	})
	if err != nil {
		a.deps.Logger.Warn("model invocation failed",
			"role", a.role, "session_id", state.SessionID, "error", err)
		a.emit(ctx, eventbus.AgentError, state, eventbus.Payload{"error": err.Error()})
		return &graph.Delta{
			HistoryAgents: []graph.AgentOutput{{
				Stage: state.Stage, Role: a.role, Error: err.Error(),
			}},
			ExecutedAgentsPerStage: map[string][]string{state.Stage: {a.role}},
		}, nil
	}

	if a.skill.OutputMode == config.OutputModeJSON && a.schema != nil {
		validated, verr := a.validateOutput(output)
		if verr != nil {
			a.deps.Logger.Warn("agent output failed schema validation",
				"role", a.role, "session_id", state.SessionID, "error", verr)
			a.emit(ctx, eventbus.AgentError, state, eventbus.Payload{"error": verr.Error()})
			output = "{}"
		} else {
			output = validated
		}
	}

	a.dispatchTools(ctx, state, output)

	delta := &graph.Delta{
		HistoryAgents: []graph.AgentOutput{{
			Stage: state.Stage, Role: a.role, Output: output,
		}},
		ExecutedAgentsPerStage: map[string][]string{state.Stage: {a.role}},
	}
	if a.skill.Reward != nil {
		delta.Rewards = map[string]float64{a.role: *a.skill.Reward}
		a.emit(ctx, eventbus.RewardAssigned, state, eventbus.Payload{"reward": *a.skill.Reward})
	}

	a.emit(ctx, eventbus.AgentDone, state, eventbus.Payload{"output_len": len(output)})
	return delta, nil
}

// shouldRun applies the node guard and the skill's exit rule. The default
// rule is once per stage.
func (a *SkillAgent) shouldRun(state *graph.State) bool {
	if state.NextAgent != "" && state.NextAgent != a.role {
		return false
	}
	if a.deps.AllowedInStage != nil && !a.deps.AllowedInStage(state.Stage, a.role) {
		return false
	}

	rule := a.skill.Exit
	runs := state.Runs(state.Stage, a.role)
	switch {
	case rule == nil || rule.Type == config.AgentExitOncePerStage:
		// Extra runs routed by an interrupt are allowed past the first.
		return runs < 1 || state.NextAgent == a.role
	case rule.Type == config.AgentExitMaxRuns:
		return runs < rule.Max
	case rule.Type == config.AgentExitUntilFieldSet:
		_, set := state.Fields[rule.Field]
		return !set
	default:
		return runs < 1
	}
}

// resolveContext resolves entries in declaration order. A failing entry is
// logged and left nil; the rest still resolve.
func (a *SkillAgent) resolveContext(ctx context.Context, state *graph.State) map[string]any {
	resolved := make(map[string]any, len(a.entries))
	for _, entry := range a.entries {
		value, err := a.resolveEntry(ctx, state, entry)
		if err != nil {
			a.deps.Logger.Warn("context entry resolution failed",
				"role", a.role, "entry", entry.EntryName(), "type", entry.EntryType(), "error", err)
			value = nil
		}
		resolved[entry.EntryName()] = value
	}
	return resolved
}

func (a *SkillAgent) resolveEntry(ctx context.Context, state *graph.State, entry config.ContextEntry) (any, error) {
	switch e := entry.(type) {
	case config.StateEntry:
		key := e.Key
		if key == "" {
			key = e.Name
		}
		return stateValue(state, key), nil

	case config.MemoryEntry:
		ns := a.namespace(state)
		if e.MemoryType == config.MemoryTypeEpisodic {
			key := e.Key
			if key == "" {
				key = "last_query:reflection"
			}
			items, err := a.deps.Memory.FetchEpisodes(ctx, ns, []string{key})
			if err != nil {
				return nil, err
			}
			if len(items) == 0 {
				return nil, nil
			}
			return items[0].Value, nil
		}

		topK := e.TopK
		if topK <= 0 {
			topK = 5
		}
		results, err := a.deps.Memory.RetrieveSemantic(ctx, ns, state.Task, topK, nil)
		if err != nil {
			return nil, err
		}
		if e.Limit > 0 && len(results) > e.Limit {
			results = results[:e.Limit]
		}
		texts := make([]string, 0, len(results))
		for _, r := range results {
			if text, ok := r.Value["text"].(string); ok {
				texts = append(texts, text)
			}
		}
		return texts, nil

	case config.TextToSQLEntry:
		if a.deps.Translator == nil {
			a.deps.Logger.Debug("no translator configured, skipping text_to_sql entry",
				"role", a.role, "entry", e.Name)
			return nil, nil
		}
		return a.deps.Translator.Translate(ctx, state.Task)

	case config.ExternalEntry:
		fn, err := lookupContextFunc(e.Function)
		if err != nil {
			return nil, err
		}
		return fn(ctx, state)

	case config.ComputedEntry:
		fn, err := lookupContextFunc(e.Function)
		if err != nil {
			return nil, err
		}
		return fn(ctx, state)

	case config.TextEntry:
		return e.Text, nil

	default:
		return nil, fmt.Errorf("unhandled context entry type %s", entry.EntryType())
	}
}

// stateValue reads a named field off the session state: the well-known
// fields first, scratch fields otherwise.
func stateValue(state *graph.State, key string) any {
	switch key {
	case "task":
		return state.Task
	case "stage":
		return state.Stage
	case "session_id":
		return state.SessionID
	case "user_id":
		return state.UserID
	case "history_agents":
		return state.HistoryAgents
	case "rewards":
		return state.Rewards
	default:
		return state.Fields[key]
	}
}

// renderPrompt substitutes {name} placeholders with resolved context values.
// A placeholder with no corresponding context entry fails the invocation; a
// resolved-to-nil entry renders empty.
func (a *SkillAgent) renderPrompt(resolved map[string]any) (string, error) {
	var missing []string
	rendered := placeholderPattern.ReplaceAllStringFunc(a.template, func(match string) string {
		name := match[1 : len(match)-1]
		value, ok := resolved[name]
		if !ok {
			missing = append(missing, name)
			return match
		}
		return formatValue(value)
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("prompt placeholders without context entries: %s", strings.Join(missing, ", "))
	}
	return rendered, nil
}

func formatValue(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case []string:
		return strings.Join(v, "\n")
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(encoded)
	}
}

// validateOutput extracts the first JSON object from the model output and
// validates it against the declared schema. The normalized object is
// returned on success.
func (a *SkillAgent) validateOutput(output string) (string, error) {
	raw, ok := extractJSONObject(output)
	if !ok {
		return "", &ValidationError{Role: a.role, Reason: "no JSON object in model output"}
	}

	var decoded any
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return "", &ValidationError{Role: a.role, Reason: err.Error()}
	}
	if err := a.schema.Validate(decoded); err != nil {
		return "", &ValidationError{Role: a.role, Reason: err.Error()}
	}
	return raw, nil
}

// extractJSONObject returns the first balanced {...} region, respecting
// string literals and escapes.
func extractJSONObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

// dispatchTools calls every always-triggered tool. Denials come back as
// empty results; body failures are logged and do not fail the invocation.
func (a *SkillAgent) dispatchTools(ctx context.Context, state *graph.State, output string) {
	if a.deps.ToolClient == nil {
		return
	}
	client := a.deps.ToolClient.WithSession(state.SessionID)
	for _, trigger := range a.skill.Tools {
		if trigger.Trigger != config.ToolTriggerAlways {
			continue
		}
		args := map[string]any{
			"output":     output,
			"task":       state.Task,
			"stage":      state.Stage,
			"session_id": state.SessionID,
		}
		result, err := client.Call(ctx, trigger.Name, args)
		if err != nil {
			a.deps.Logger.Warn("tool dispatch failed",
				"role", a.role, "tool", trigger.Name, "error", err)
			continue
		}
		if result.Denied {
			continue
		}
		a.deps.Logger.Debug("tool dispatched", "role", a.role, "tool", trigger.Name)
	}
}

func (a *SkillAgent) emit(ctx context.Context, event eventbus.Event, state *graph.State, extra eventbus.Payload) {
	if a.deps.Bus == nil {
		return
	}
	payload := eventbus.Payload{
		"component":  "agent",
		"session_id": state.SessionID,
		"role":       a.role,
		"stage":      state.Stage,
	}
	for k, v := range extra {
		payload[k] = v
	}
	a.deps.Bus.Emit(ctx, event, payload)
}

var _ graph.AgentNode = (*SkillAgent)(nil)
