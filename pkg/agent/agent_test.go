package agent

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stageflow/stageflow/pkg/config"
	"github.com/stageflow/stageflow/pkg/eventbus"
	"github.com/stageflow/stageflow/pkg/graph"
	"github.com/stageflow/stageflow/pkg/llms"
	"github.com/stageflow/stageflow/pkg/memory"
	"github.com/stageflow/stageflow/pkg/model"
	"github.com/stageflow/stageflow/pkg/store"
)

type stubEmbedder struct{}

func (stubEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	v := []float32{0.1, 0.2, 0.3}
	for i, r := range text {
		v[i%3] += float32(r%13) / 13
	}
	return v, nil
}

func (stubEmbedder) Dimension() int    { return 3 }
func (stubEmbedder) ModelName() string { return "stub" }
func (stubEmbedder) Close() error      { return nil }

type stubLLM struct {
	mu      sync.Mutex
	prompts []string
	reply   string
}

func (s *stubLLM) Invoke(_ context.Context, messages []llms.Message) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts = append(s.prompts, messages[len(messages)-1].Content)
	return s.reply, nil
}

func (s *stubLLM) Stream(context.Context, []llms.Message) (<-chan string, error) {
	ch := make(chan string)
	close(ch)
	return ch, nil
}

func (s *stubLLM) ModelName() string { return "stub" }
func (s *stubLLM) Close() error      { return nil }

func (s *stubLLM) lastPrompt() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.prompts) == 0 {
		return ""
	}
	return s.prompts[0]
}

type testHarness struct {
	llm    *stubLLM
	bus    *eventbus.Bus
	events []eventbus.Event
	deps   Deps
	model  *model.Manager
}

func newHarness(t *testing.T, reply string) *testHarness {
	t.Helper()
	h := &testHarness{
		llm: &stubLLM{reply: reply},
		bus: eventbus.New(),
	}
	h.bus.SubscribeAll(func(_ context.Context, event eventbus.Event, _ eventbus.Payload) {
		h.events = append(h.events, event)
	})

	mem := memory.NewManager(store.NewMemoryStore(stubEmbedder{}), config.MemoryConfig{}, nil)
	h.model = model.NewManager(h.llm, mem, 8, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h.model.Close(ctx)
	})

	h.deps = Deps{Model: h.model, Memory: mem, Bus: h.bus}
	return h
}

func textArtifacts() *config.AgentArtifacts {
	return &config.AgentArtifacts{
		Skill: config.SkillManifest{Role: "opt", OutputMode: config.OutputModeText},
		Context: []config.ContextEntry{
			config.StateEntry{Name: "task"},
			config.TextEntry{Name: "style", Text: "be brief"},
		},
		PromptTemplate: "Task: {task}\nStyle: {style}",
	}
}

func newTestState(task, stageName string) *graph.State {
	state := graph.NewState("sess-1", task, stageName)
	state.NextAgent = "opt"
	return state
}

func TestSkillAgent_RunHappyPath(t *testing.T) {
	h := newHarness(t, "an idea")
	a, err := New(textArtifacts(), h.deps)
	require.NoError(t, err)

	state := newTestState("propose X", "ideate")
	delta, err := a.Run(context.Background(), state)
	require.NoError(t, err)

	require.Len(t, delta.HistoryAgents, 1)
	assert.Equal(t, graph.AgentOutput{Stage: "ideate", Role: "opt", Output: "an idea"}, delta.HistoryAgents[0])
	assert.Equal(t, map[string][]string{"ideate": {"opt"}}, delta.ExecutedAgentsPerStage)

	assert.Equal(t, "Task: propose X\nStyle: be brief", h.llm.lastPrompt())
	assert.Contains(t, h.events, eventbus.AgentStart)
	assert.Contains(t, h.events, eventbus.AgentDone)
	assert.NotContains(t, h.events, eventbus.AgentError)
}

func TestSkillAgent_SchemaViolationYieldsEmptyOutput(t *testing.T) {
	h := newHarness(t, "not json at all")
	artifacts := textArtifacts()
	artifacts.Skill.OutputMode = config.OutputModeJSON
	artifacts.OutputSchema = []byte(`{"type":"object","required":["idea"]}`)

	a, err := New(artifacts, h.deps)
	require.NoError(t, err)

	delta, err := a.Run(context.Background(), newTestState("propose X", "ideate"))
	require.NoError(t, err, "no exception escapes")

	require.Len(t, delta.HistoryAgents, 1)
	assert.Equal(t, "{}", delta.HistoryAgents[0].Output)
	assert.Equal(t, map[string][]string{"ideate": {"opt"}}, delta.ExecutedAgentsPerStage, "stage still advances")
	assert.Contains(t, h.events, eventbus.AgentError)
}

func TestSkillAgent_SchemaValidOutputExtracted(t *testing.T) {
	h := newHarness(t, `Sure! Here you go: {"idea": "use a cache"} hope that helps`)
	artifacts := textArtifacts()
	artifacts.Skill.OutputMode = config.OutputModeJSON
	artifacts.OutputSchema = []byte(`{"type":"object","required":["idea"]}`)

	a, err := New(artifacts, h.deps)
	require.NoError(t, err)

	delta, err := a.Run(context.Background(), newTestState("propose X", "ideate"))
	require.NoError(t, err)
	assert.Equal(t, `{"idea": "use a cache"}`, delta.HistoryAgents[0].Output)
	assert.NotContains(t, h.events, eventbus.AgentError)
}

func TestSkillAgent_InvalidSchemaFailsAtBuild(t *testing.T) {
	h := newHarness(t, "x")
	artifacts := textArtifacts()
	artifacts.OutputSchema = []byte(`{"type": 42}`)

	_, err := New(artifacts, h.deps)
	assert.Error(t, err)
}

func TestSkillAgent_MissingPlaceholderFailsInvocation(t *testing.T) {
	h := newHarness(t, "x")
	artifacts := textArtifacts()
	artifacts.PromptTemplate = "Task: {task}\nUnknown: {nonexistent}"

	a, err := New(artifacts, h.deps)
	require.NoError(t, err)

	delta, err := a.Run(context.Background(), newTestState("t", "ideate"))
	require.NoError(t, err)
	require.Len(t, delta.HistoryAgents, 1)
	assert.Contains(t, delta.HistoryAgents[0].Error, "nonexistent")
	assert.Contains(t, h.events, eventbus.AgentError)
}

func TestSkillAgent_FailedContextEntryResolvesNil(t *testing.T) {
	h := newHarness(t, "done")
	artifacts := textArtifacts()
	artifacts.Context = append(artifacts.Context,
		config.ExternalEntry{Name: "extra", Function: "never.registered"})
	artifacts.PromptTemplate = "Task: {task} Extra: {extra}"

	a, err := New(artifacts, h.deps)
	require.NoError(t, err)

	delta, err := a.Run(context.Background(), newTestState("t", "ideate"))
	require.NoError(t, err)
	assert.Equal(t, "done", delta.HistoryAgents[0].Output)
	assert.Equal(t, "Task: t Extra: ", h.llm.lastPrompt())
}

func TestSkillAgent_ComputedContextFunc(t *testing.T) {
	RegisterContextFunc("test.double_task", func(_ context.Context, state *graph.State) (any, error) {
		return state.Task + " " + state.Task, nil
	})

	h := newHarness(t, "ok")
	artifacts := textArtifacts()
	artifacts.Context = []config.ContextEntry{
		config.ComputedEntry{Name: "doubled", Function: "test.double_task"},
	}
	artifacts.PromptTemplate = "{doubled}"

	a, err := New(artifacts, h.deps)
	require.NoError(t, err)

	_, err = a.Run(context.Background(), newTestState("go", "ideate"))
	require.NoError(t, err)
	assert.Equal(t, "go go", h.llm.lastPrompt())
}

func TestSkillAgent_SemanticMemoryEntry(t *testing.T) {
	h := newHarness(t, "remembered answer")
	artifacts := textArtifacts()
	artifacts.Context = []config.ContextEntry{
		config.StateEntry{Name: "task"},
		config.MemoryEntry{Name: "memories", MemoryType: config.MemoryTypeSemantic, TopK: 3},
	}
	artifacts.PromptTemplate = "{memories}\n{task}"

	a, err := New(artifacts, h.deps)
	require.NoError(t, err)

	state := newTestState("what did I say", "ideate")
	ns := store.Namespace{Tenant: state.SessionID, Bucket: "opt"}
	_, err = h.deps.Memory.SaveSemantic(context.Background(), ns, "m1", "you said hello", nil, "", nil)
	require.NoError(t, err)

	_, err = a.Run(context.Background(), state)
	require.NoError(t, err)
	assert.Contains(t, h.llm.lastPrompt(), "you said hello")
}

func TestSkillAgent_GuardSkipsWrongAgent(t *testing.T) {
	h := newHarness(t, "x")
	a, err := New(textArtifacts(), h.deps)
	require.NoError(t, err)

	state := graph.NewState("sess-1", "t", "ideate")
	state.NextAgent = "crit"

	delta, err := a.Run(context.Background(), state)
	require.NoError(t, err)
	assert.True(t, delta.Empty())
}

func TestSkillAgent_GuardDisallowedStage(t *testing.T) {
	h := newHarness(t, "x")
	h.deps.AllowedInStage = func(stage, role string) bool { return false }
	a, err := New(textArtifacts(), h.deps)
	require.NoError(t, err)

	delta, err := a.Run(context.Background(), newTestState("t", "ideate"))
	require.NoError(t, err)
	assert.True(t, delta.Empty())
}

func TestSkillAgent_MaxRunsExitRule(t *testing.T) {
	h := newHarness(t, "x")
	artifacts := textArtifacts()
	artifacts.Skill.Exit = &config.AgentExitRule{Type: config.AgentExitMaxRuns, Max: 2}

	a, err := New(artifacts, h.deps)
	require.NoError(t, err)

	state := newTestState("t", "ideate")
	state.ExecutedAgentsPerStage["ideate"] = []string{"opt", "opt"}

	delta, err := a.Run(context.Background(), state)
	require.NoError(t, err)
	assert.True(t, delta.Empty())
}

func TestSkillAgent_UntilFieldSetExitRule(t *testing.T) {
	h := newHarness(t, "x")
	artifacts := textArtifacts()
	artifacts.Skill.Exit = &config.AgentExitRule{Type: config.AgentExitUntilFieldSet, Field: "winner"}

	a, err := New(artifacts, h.deps)
	require.NoError(t, err)

	state := newTestState("t", "ideate")
	state.Fields["winner"] = "crit"

	delta, err := a.Run(context.Background(), state)
	require.NoError(t, err)
	assert.True(t, delta.Empty())
}

func TestSkillAgent_RewardEmittedInDelta(t *testing.T) {
	h := newHarness(t, "x")
	artifacts := textArtifacts()
	reward := 0.5
	artifacts.Skill.Reward = &reward

	a, err := New(artifacts, h.deps)
	require.NoError(t, err)

	delta, err := a.Run(context.Background(), newTestState("t", "ideate"))
	require.NoError(t, err)
	assert.InDelta(t, 0.5, delta.Rewards["opt"], 1e-9)
	assert.Contains(t, h.events, eventbus.RewardAssigned)
}

func TestExtractJSONObject(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
		ok    bool
	}{
		{"bare object", `{"a":1}`, `{"a":1}`, true},
		{"surrounded", `text {"a":1} more`, `{"a":1}`, true},
		{"nested", `{"a":{"b":2}}`, `{"a":{"b":2}}`, true},
		{"brace in string", `{"a":"}"}`, `{"a":"}"}`, true},
		{"escaped quote", `{"a":"\"}"}`, `{"a":"\"}"}`, true},
		{"no object", "plain text", "", false},
		{"unbalanced", `{"a":1`, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := extractJSONObject(tt.input)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func writeAgentDir(t *testing.T, root, dir, role string) {
	t.Helper()
	agentDir := filepath.Join(root, dir)
	require.NoError(t, os.MkdirAll(agentDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(agentDir, "skill.json"),
		[]byte(`{"role":"`+role+`","output_mode":"text"}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(agentDir, "context.json"),
		[]byte(`{"context":[{"name":"task","type":"state"}]}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(agentDir, "prompt.md"),
		[]byte("Do: {task}"), 0o644))
}

func TestRegistry_LoadDir(t *testing.T) {
	root := t.TempDir()
	writeAgentDir(t, root, "opt", "opt")
	writeAgentDir(t, root, "crit", "crit")

	h := newHarness(t, "x")
	r := NewRegistry(nil)
	require.NoError(t, r.LoadDir(root, h.deps))

	assert.Equal(t, []string{"crit", "opt"}, r.Roles())
	assert.True(t, r.Exists("opt"))
	assert.False(t, r.Exists("ghost"))
}

func TestRegistry_DuplicateRoleOverwrites(t *testing.T) {
	root := t.TempDir()
	writeAgentDir(t, root, "opt-a", "opt")
	writeAgentDir(t, root, "opt-b", "opt")

	h := newHarness(t, "x")
	r := NewRegistry(nil)
	require.NoError(t, r.LoadDir(root, h.deps))
	assert.Equal(t, 1, r.Count())
}

func TestRegistry_EmptyDirFails(t *testing.T) {
	r := NewRegistry(nil)
	err := r.LoadDir(t.TempDir(), Deps{})
	assert.Error(t, err)
}
