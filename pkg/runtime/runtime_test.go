package runtime

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
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
	"github.com/stageflow/stageflow/pkg/stage"
	"github.com/stageflow/stageflow/pkg/store"
)

type stubEmbedder struct{}

func (stubEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	h := fnv.New32a()
	io.WriteString(h, text)
	seed := h.Sum32()
	v := make([]float32, 4)
	for i := range v {
		v[i] = float32((seed>>(i*8))&0xff) + 1
	}
	return v, nil
}

func (stubEmbedder) Dimension() int    { return 4 }
func (stubEmbedder) ModelName() string { return "stub-embedder" }
func (stubEmbedder) Close() error      { return nil }

type stubLLM struct {
	mu    sync.Mutex
	calls [][]llms.Message
	reply string
}

func (s *stubLLM) Invoke(_ context.Context, messages []llms.Message) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, messages)
	return s.reply, nil
}

func (s *stubLLM) Stream(ctx context.Context, messages []llms.Message) (<-chan string, error) {
	reply, err := s.Invoke(ctx, messages)
	if err != nil {
		return nil, err
	}
	ch := make(chan string, 1)
	ch <- reply
	close(ch)
	return ch, nil
}

func (s *stubLLM) ModelName() string { return "stub-llm" }
func (s *stubLLM) Close() error      { return nil }

// userPrompts returns the contents of single-turn invocations, skipping the
// two-turn reflection calls running in the background.
func (s *stubLLM) userPrompts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var prompts []string
	for _, call := range s.calls {
		if len(call) == 1 {
			prompts = append(prompts, call[0].Content)
		}
	}
	return prompts
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func writeAgent(t *testing.T, workspaceDir, role, prompt string) {
	t.Helper()
	dir := filepath.Join(workspaceDir, config.AgentsDir, role)
	writeFile(t, filepath.Join(dir, config.SkillManifestFile),
		fmt.Sprintf(`{"role": %q, "output_mode": "text"}`, role))
	writeFile(t, filepath.Join(dir, config.ContextManifestFile),
		`{"context": [{"name": "task", "type": "state"}]}`)
	writeFile(t, filepath.Join(dir, config.PromptTemplateFile), prompt)
}

const twoStageManifest = `{
  "stages": [
    {"name": "plan", "allowed_agents": ["planner"], "next_stages": ["review"], "priority": 1, "exit_condition": "true"},
    {"name": "review", "allowed_agents": ["reviewer"], "priority": 2, "terminal": true, "exit_condition": "true"}
  ]
}`

func writeWorkspace(t *testing.T, dir, name string) {
	t.Helper()
	writeFile(t, filepath.Join(dir, config.WorkspaceManifestFile), fmt.Sprintf(`{"name": %q}`, name))
	writeFile(t, filepath.Join(dir, config.StageManifestFile), twoStageManifest)
	writeFile(t, filepath.Join(dir, config.ToolsPolicyFile), `{"agents": {}}`)
	writeAgent(t, dir, "planner", "Task: {task}")
	writeAgent(t, dir, "reviewer", "Review: {task}")
}

func newTestDeps(t *testing.T, llm llms.Provider) ManagerDeps {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	st, err := store.Open(config.ProviderSpec{Type: "memory"}, stubEmbedder{})
	require.NoError(t, err)

	mem := memory.NewManager(st, config.MemoryConfig{}, logger)
	mdl := model.NewManager(llm, mem, 8, logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, mdl.Close(ctx))
	})

	return ManagerDeps{
		Model:  mdl,
		Memory: mem,
		Store:  st,
		Bus:    eventbus.New(),
		Logger: logger,
	}
}

type capturedEvent struct {
	event   eventbus.Event
	payload eventbus.Payload
}

func captureEvents(bus *eventbus.Bus) func() []capturedEvent {
	var mu sync.Mutex
	var events []capturedEvent
	bus.SubscribeAll(func(_ context.Context, event eventbus.Event, payload eventbus.Payload) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, capturedEvent{event: event, payload: payload})
	})
	return func() []capturedEvent {
		mu.Lock()
		defer mu.Unlock()
		return append([]capturedEvent(nil), events...)
	}
}

func TestManagerRunUserMessage(t *testing.T) {
	dir := t.TempDir()
	writeWorkspace(t, dir, "support")

	llm := &stubLLM{reply: "the plan is cake"}
	deps := newTestDeps(t, llm)
	snapshot := captureEvents(deps.Bus)

	m, err := NewManager(dir, deps)
	require.NoError(t, err)
	assert.Equal(t, "support", m.Name())
	assert.Equal(t, []string{"planner", "reviewer"}, m.Roles())
	assert.Equal(t, []string{"plan", "review"}, m.StageNames())

	final, err := m.RunUserMessage(context.Background(), "", "", "propose X")
	require.NoError(t, err)

	assert.NotEmpty(t, final.SessionID)
	assert.True(t, final.Done)
	assert.Equal(t, "review", final.Stage)
	require.Len(t, final.HistoryAgents, 2)
	assert.Equal(t, "planner", final.HistoryAgents[0].Role)
	assert.Equal(t, "reviewer", final.HistoryAgents[1].Role)
	assert.Equal(t, "the plan is cake", final.HistoryAgents[0].Output)
	assert.Equal(t, []string{"planner"}, final.Executed("plan"))
	assert.Equal(t, []string{"reviewer"}, final.Executed("review"))
	assert.Equal(t, 1, m.SessionCount())

	var kinds []eventbus.Event
	for _, ev := range snapshot() {
		kinds = append(kinds, ev.event)
	}
	assert.Contains(t, kinds, eventbus.OrchestratorStart)
	assert.Contains(t, kinds, eventbus.GraphEvent)
	assert.Contains(t, kinds, eventbus.OrchestratorEnd)
}

func TestManagerSessionMemoryContinuity(t *testing.T) {
	dir := t.TempDir()
	writeWorkspace(t, dir, "support")

	llm := &stubLLM{reply: "the plan is cake"}
	m, err := NewManager(dir, newTestDeps(t, llm))
	require.NoError(t, err)

	ctx := context.Background()
	first, err := m.RunUserMessage(ctx, "sess-1", "", "propose X")
	require.NoError(t, err)
	assert.Equal(t, "sess-1", first.SessionID)

	_, err = m.RunUserMessage(ctx, "sess-1", "", "propose X")
	require.NoError(t, err)

	// The second run's planner prompt is augmented with the first run's
	// persisted interaction for the same session and role.
	augmented := false
	for _, prompt := range llm.userPrompts() {
		if strings.HasSuffix(prompt, "Task: propose X") &&
			strings.Contains(prompt, "Prompt: Task: propose X Response: the plan is cake") {
			augmented = true
		}
	}
	assert.True(t, augmented, "second run should see the first run's interaction")

	// A fresh session starts clean.
	llm2 := &stubLLM{reply: "other"}
	m2, err := NewManager(dir, newTestDeps(t, llm2))
	require.NoError(t, err)
	_, err = m2.RunUserMessage(ctx, "sess-2", "", "propose X")
	require.NoError(t, err)
	for _, prompt := range llm2.userPrompts() {
		assert.NotContains(t, prompt, "Prompt:")
	}
}

func TestManagerUserMemorySpansSessions(t *testing.T) {
	dir := t.TempDir()
	writeWorkspace(t, dir, "support")

	llm := &stubLLM{reply: "the plan is cake"}
	m, err := NewManager(dir, newTestDeps(t, llm))
	require.NoError(t, err)

	ctx := context.Background()
	first, err := m.RunUserMessage(ctx, "sess-1", "user-7", "propose X")
	require.NoError(t, err)
	assert.Equal(t, "user-7", first.UserID)

	// A different session for the same user still sees the earlier
	// interaction: the user, not the session, is the memory tenant.
	_, err = m.RunUserMessage(ctx, "sess-2", "user-7", "propose X")
	require.NoError(t, err)

	augmented := false
	for _, prompt := range llm.userPrompts() {
		if strings.Contains(prompt, "Prompt: Task: propose X Response: the plan is cake") {
			augmented = true
		}
	}
	assert.True(t, augmented, "user memory should span sessions")
}

func TestManagerRejectsEmptyTask(t *testing.T) {
	dir := t.TempDir()
	writeWorkspace(t, dir, "support")

	m, err := NewManager(dir, newTestDeps(t, &stubLLM{reply: "ok"}))
	require.NoError(t, err)

	_, err = m.RunUserMessage(context.Background(), "", "", "   ")
	assert.ErrorContains(t, err, "empty task")
}

func TestManagerRejectsBrokenWorkspace(t *testing.T) {
	deps := newTestDeps(t, &stubLLM{reply: "ok"})

	t.Run("missing manifest", func(t *testing.T) {
		_, err := NewManager(t.TempDir(), deps)
		assert.Error(t, err)
	})

	t.Run("stage references unknown agent", func(t *testing.T) {
		dir := t.TempDir()
		writeWorkspace(t, dir, "broken")
		writeFile(t, filepath.Join(dir, config.StageManifestFile), `{
		  "stages": [{"name": "plan", "allowed_agents": ["ghost"], "priority": 1, "exit_condition": "true"}]
		}`)

		_, err := NewManager(dir, deps)
		var misconfigured *graph.RouterMisconfiguredError
		require.ErrorAs(t, err, &misconfigured)
		assert.Equal(t, "plan", misconfigured.Stage)
	})
}

const renamedStageManifest = `{
  "stages": [
    {"name": "plan", "allowed_agents": ["planner"], "next_stages": ["verify"], "priority": 1, "exit_condition": "true"},
    {"name": "verify", "allowed_agents": ["reviewer"], "priority": 2, "terminal": true, "exit_condition": "true"}
  ]
}`

func TestReloadManagerCheckOnce(t *testing.T) {
	dir := t.TempDir()
	writeWorkspace(t, dir, "support")

	m, err := NewManager(dir, newTestDeps(t, &stubLLM{reply: "ok"}))
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reloader, err := NewReloadManager(m, config.ReloadConfig{IntervalSeconds: 3600}, logger)
	require.NoError(t, err)
	t.Cleanup(reloader.Stop)

	changed, err := reloader.CheckOnce()
	require.NoError(t, err)
	assert.False(t, changed, "unchanged artifacts must not reload")

	writeFile(t, filepath.Join(dir, config.StageManifestFile), renamedStageManifest)

	changed, err = reloader.CheckOnce()
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, []string{"plan", "verify"}, m.StageNames())

	changed, err = reloader.CheckOnce()
	require.NoError(t, err)
	assert.False(t, changed, "reload must be idempotent on identical bytes")
}

func TestReloadManagerKeepsPreviousGenerationOnBrokenArtifacts(t *testing.T) {
	dir := t.TempDir()
	writeWorkspace(t, dir, "support")

	m, err := NewManager(dir, newTestDeps(t, &stubLLM{reply: "ok"}))
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reloader, err := NewReloadManager(m, config.ReloadConfig{IntervalSeconds: 3600}, logger)
	require.NoError(t, err)
	t.Cleanup(reloader.Stop)

	writeFile(t, filepath.Join(dir, config.StageManifestFile), `{not json`)

	changed, err := reloader.CheckOnce()
	assert.Error(t, err)
	assert.False(t, changed)
	assert.Equal(t, []string{"plan", "review"}, m.StageNames(), "previous generation stays live")

	// A later fix is picked up: the failed attempt did not consume the hash.
	writeFile(t, filepath.Join(dir, config.StageManifestFile), renamedStageManifest)
	changed, err = reloader.CheckOnce()
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, []string{"plan", "verify"}, m.StageNames())
}

func TestReloadManagerWatchesArtifacts(t *testing.T) {
	dir := t.TempDir()
	writeWorkspace(t, dir, "support")

	m, err := NewManager(dir, newTestDeps(t, &stubLLM{reply: "ok"}))
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reloader, err := NewReloadManager(m, config.ReloadConfig{IntervalSeconds: 3600}, logger)
	require.NoError(t, err)
	reloader.Start()
	t.Cleanup(reloader.Stop)

	writeFile(t, filepath.Join(dir, config.StageManifestFile), renamedStageManifest)

	assert.Eventually(t, func() bool {
		for _, name := range m.StageNames() {
			if name == "verify" {
				return true
			}
		}
		return false
	}, 3*time.Second, 20*time.Millisecond, "watcher should pick up the edited manifest")
}

func TestHubDiscoversAndCachesWorkspaces(t *testing.T) {
	root := t.TempDir()
	writeWorkspace(t, filepath.Join(root, "alpha"), "alpha")
	writeWorkspace(t, filepath.Join(root, "beta"), "beta")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "not-a-workspace"), 0o755))
	writeFile(t, filepath.Join(root, "stray.txt"), "ignored")

	platform := &config.PlatformConfig{WorkspacesRoot: root}
	hub := NewHub(platform, newTestDeps(t, &stubLLM{reply: "ok"}))
	t.Cleanup(hub.Close)

	names, err := hub.Workspaces()
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "beta"}, names)

	first, err := hub.Workspace("alpha")
	require.NoError(t, err)
	again, err := hub.Workspace("alpha")
	require.NoError(t, err)
	assert.Same(t, first, again, "managers are cached per workspace")

	_, err = hub.Workspace("missing")
	assert.Error(t, err)
}

func TestHubStartsWatcherWhenReloadEnabled(t *testing.T) {
	root := t.TempDir()
	writeWorkspace(t, filepath.Join(root, "alpha"), "alpha")

	platform := &config.PlatformConfig{
		WorkspacesRoot: root,
		Reload:         config.ReloadConfig{Enabled: true, IntervalSeconds: 3600},
	}
	hub := NewHub(platform, newTestDeps(t, &stubLLM{reply: "ok"}))

	m, err := hub.Workspace("alpha")
	require.NoError(t, err)

	writeFile(t, filepath.Join(root, "alpha", config.StageManifestFile), renamedStageManifest)
	assert.Eventually(t, func() bool {
		for _, name := range m.StageNames() {
			if name == "verify" {
				return true
			}
		}
		return false
	}, 3*time.Second, 20*time.Millisecond)

	hub.Close()
}

type failingNode struct{}

func (failingNode) Role() string { return "boom" }

func (failingNode) Run(context.Context, *graph.State) (*graph.Delta, error) {
	return nil, errors.New("exploded")
}

func TestOrchestratorFailureStillProducesTerminalState(t *testing.T) {
	registry, err := stage.NewRegistry(&config.StageManifest{Stages: []config.StageDefinition{
		{Name: "solo", AllowedAgents: []string{"boom"}, Priority: 1, ExitCondition: "true"},
	}})
	require.NoError(t, err)

	src := graph.NewStages(registry)
	g, err := graph.New(src, src.Names(), []graph.AgentNode{failingNode{}})
	require.NoError(t, err)

	bus := eventbus.New()
	snapshot := captureEvents(bus)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	orch := NewOrchestrator("s-1", g, bus, logger)
	final := orch.Run(context.Background(), graph.NewState("s-1", "t", "solo"))

	assert.True(t, final.Done, "failures still yield a terminal state")
	require.NotEmpty(t, final.HistoryAgents)
	last := final.HistoryAgents[len(final.HistoryAgents)-1]
	assert.Equal(t, "orchestrator", last.Role)
	assert.Contains(t, last.Error, "exploded")

	var kinds []eventbus.Event
	for _, ev := range snapshot() {
		kinds = append(kinds, ev.event)
	}
	assert.Contains(t, kinds, eventbus.OrchestratorEnd)
}

func TestBuildDepsWiresProvidersFromConfig(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "chatmodels.yaml"), `
main:
  type: openai
  model: gpt-4o-mini
  api_key: test-key
`)
	writeFile(t, filepath.Join(dir, "embeddings.yaml"), `
main:
  type: openai
  model: text-embedding-3-small
  api_key: test-key
`)
	writeFile(t, filepath.Join(dir, "stores.yaml"), `
main:
  type: memory
`)
	writeFile(t, filepath.Join(dir, "catalog.json"), `{
	  "tools": [{"name": "calc", "entrypoint": "builtin.calculator"}]
	}`)

	platform := &config.PlatformConfig{
		WorkspacesRoot:    dir,
		ToolCatalog:       filepath.Join(dir, "catalog.json"),
		ChatProvider:      "main",
		EmbeddingProvider: "main",
		StoreProvider:     "main",
		ChatModelsConfig:  filepath.Join(dir, "chatmodels.yaml"),
		EmbeddingsConfig:  filepath.Join(dir, "embeddings.yaml"),
		StoresConfig:      filepath.Join(dir, "stores.yaml"),
	}
	platform.Memory.SetDefaults()
	platform.Reload.SetDefaults()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	deps, closeFn, err := BuildDeps(platform, eventbus.New(), logger)
	require.NoError(t, err)

	assert.NotNil(t, deps.Model)
	assert.NotNil(t, deps.Memory)
	assert.NotNil(t, deps.Store)
	require.NotNil(t, deps.Catalog)
	assert.Len(t, deps.Catalog.Tools, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, closeFn(ctx))

	t.Run("unknown alias", func(t *testing.T) {
		bad := *platform
		bad.ChatProvider = "nope"
		_, _, err := BuildDeps(&bad, eventbus.New(), logger)
		assert.Error(t, err)
	})
}
