package tools

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stageflow/stageflow/pkg/config"
	"github.com/stageflow/stageflow/pkg/eventbus"
	"github.com/stageflow/stageflow/pkg/store"
)

// recordBus subscribes to every event and returns a snapshot accessor.
func recordBus(bus *eventbus.Bus) func() []eventbus.Event {
	var mu sync.Mutex
	var events []eventbus.Event
	bus.SubscribeAll(func(_ context.Context, event eventbus.Event, _ eventbus.Payload) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, event)
	})
	return func() []eventbus.Event {
		mu.Lock()
		defer mu.Unlock()
		return append([]eventbus.Event(nil), events...)
	}
}

func testCatalog() *config.ToolCatalog {
	return &config.ToolCatalog{Tools: []config.ToolRecord{
		{Name: "calculator", Entrypoint: "builtin.calculator"},
	}}
}

func TestCalculator(t *testing.T) {
	tests := []struct {
		expression string
		want       float64
		wantErr    bool
	}{
		{"1 + 2", 3, false},
		{"2 * 3 + 4", 10, false},
		{"2 + 3 * 4", 14, false},
		{"(2 + 3) * 4", 20, false},
		{"10 / 4", 2.5, false},
		{"-3 + 5", 2, false},
		{"2 * -3", -6, false},
		{"1.5 * 2", 3, false},
		{"1 / 0", 0, true},
		{"2 +", 0, true},
		{"(1 + 2", 0, true},
		{"abc", 0, true},
	}

	tool, err := newCalculator(config.ToolRecord{Name: "calculator"})
	require.NoError(t, err)

	for _, tt := range tests {
		t.Run(tt.expression, func(t *testing.T) {
			result, err := tool.Call(context.Background(), map[string]any{"expression": tt.expression})
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, result.Output)
		})
	}
}

func TestCalculator_MissingArgument(t *testing.T) {
	tool, err := newCalculator(config.ToolRecord{Name: "calculator"})
	require.NoError(t, err)

	_, err = tool.Call(context.Background(), map[string]any{})
	assert.Error(t, err)
}

func TestNewRegistry_UnknownEntrypoint(t *testing.T) {
	catalog := &config.ToolCatalog{Tools: []config.ToolRecord{
		{Name: "teleport", Entrypoint: "builtin.teleport"},
	}}
	_, err := NewRegistry(catalog, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown tool entrypoint")
}

func TestPolicy_Check(t *testing.T) {
	policy := NewPolicy(&config.ToolsPolicy{Agents: map[string]config.AgentToolGrant{
		"optimizer": {Tools: []string{"calculator"}},
	}})

	assert.True(t, policy.Check("optimizer", "calculator"))
	assert.False(t, policy.Check("optimizer", "web_search"))
	assert.False(t, policy.Check("critic", "calculator"))
}

func TestClient_DeniedToolReturnsEmptyResult(t *testing.T) {
	registry, err := NewRegistry(testCatalog(), nil)
	require.NoError(t, err)
	policy := NewPolicy(&config.ToolsPolicy{Agents: map[string]config.AgentToolGrant{}})

	bus := eventbus.New()
	snapshot := recordBus(bus)

	client := NewClient("critic", registry, policy, bus, nil)
	result, err := client.Call(context.Background(), "calculator", map[string]any{"expression": "1+1"})
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.True(t, result.Denied)
	assert.Nil(t, result.Output)

	// A denied call never reaches the tool: no invocation events at all.
	assert.Empty(t, snapshot())
}

func TestClient_EmitsSessionScopedPayloads(t *testing.T) {
	registry, err := NewRegistry(testCatalog(), nil)
	require.NoError(t, err)
	policy := NewPolicy(&config.ToolsPolicy{Agents: map[string]config.AgentToolGrant{
		"optimizer": {Tools: []string{"calculator"}},
	}})

	bus := eventbus.New()
	var mu sync.Mutex
	payloads := make(map[eventbus.Event]eventbus.Payload)
	bus.SubscribeAll(func(_ context.Context, event eventbus.Event, payload eventbus.Payload) {
		mu.Lock()
		defer mu.Unlock()
		payloads[event] = payload
	})

	client := NewClient("optimizer", registry, policy, bus, nil).WithSession("sess-9")
	_, err = client.Call(context.Background(), "calculator", map[string]any{"expression": "1+1"})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	for _, event := range []eventbus.Event{eventbus.ToolCall, eventbus.ToolResult} {
		payload, ok := payloads[event]
		require.True(t, ok, "missing %s", event)
		assert.Equal(t, "tool_client", payload["component"])
		assert.Equal(t, "sess-9", payload["session_id"])
		assert.Equal(t, "optimizer", payload["role"])
		assert.Equal(t, "calculator", payload["tool"])
	}
}

func TestClient_UnknownTool(t *testing.T) {
	registry, err := NewRegistry(testCatalog(), nil)
	require.NoError(t, err)
	policy := NewPolicy(&config.ToolsPolicy{Agents: map[string]config.AgentToolGrant{
		"optimizer": {Tools: []string{"nonexistent"}},
	}})

	client := NewClient("optimizer", registry, policy, nil, nil)
	_, err = client.Call(context.Background(), "nonexistent", nil)

	var notFound *ErrToolNotFound
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "nonexistent", notFound.Name)
}

// failingTool always errors from its body.
type failingTool struct{}

func (failingTool) Name() string        { return "failing" }
func (failingTool) Description() string { return "" }
func (failingTool) Call(context.Context, map[string]any) (*Result, error) {
	return nil, errors.New("internal boom")
}

func TestClient_ToolFailurePropagates(t *testing.T) {
	catalog := &config.ToolCatalog{Tools: []config.ToolRecord{
		{Name: "failing", Entrypoint: "test.failing"},
	}}
	registry, err := NewRegistry(catalog, map[string]Factory{
		"test.failing": func(config.ToolRecord) (Tool, error) { return failingTool{}, nil },
	})
	require.NoError(t, err)
	policy := NewPolicy(&config.ToolsPolicy{Agents: map[string]config.AgentToolGrant{
		"optimizer": {Tools: []string{"failing"}},
	}})

	client := NewClient("optimizer", registry, policy, nil, nil)
	_, err = client.Call(context.Background(), "failing", nil)

	var toolErr *ToolError
	require.ErrorAs(t, err, &toolErr)
	assert.Equal(t, "failing", toolErr.Tool)
	assert.Contains(t, toolErr.Error(), "internal boom")
}

func TestWebSearch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "golang", r.URL.Query().Get("q"))
		w.Write([]byte(`{"results":["one"]}`))
	}))
	defer server.Close()

	tool, err := newWebSearch(config.ToolRecord{
		Name: "web_search",
		Spec: map[string]any{"endpoint": server.URL},
	})
	require.NoError(t, err)

	result, err := tool.Call(context.Background(), map[string]any{"query": "golang"})
	require.NoError(t, err)
	assert.Equal(t, `{"results":["one"]}`, result.Output)
}

func TestWebSearch_RequiresEndpoint(t *testing.T) {
	_, err := newWebSearch(config.ToolRecord{Name: "web_search"})
	assert.Error(t, err)
}

func TestHTTPTool_AllowPrefix(t *testing.T) {
	tool, err := newHTTPTool(config.ToolRecord{
		Name: "http",
		Spec: map[string]any{"allow_prefix": "https://api.internal/"},
	})
	require.NoError(t, err)

	_, err = tool.Call(context.Background(), map[string]any{"url": "https://evil.example/x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "outside the allowed prefix")
}

type staticEmbedder struct{}

func (staticEmbedder) Embed(context.Context, string) ([]float32, error) {
	return []float32{1, 0, 0}, nil
}
func (staticEmbedder) Dimension() int    { return 3 }
func (staticEmbedder) ModelName() string { return "static" }
func (staticEmbedder) Close() error      { return nil }

func TestVectorSearch(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore(staticEmbedder{})
	ns := store.Namespace{Tenant: "u1", Bucket: "semantic"}
	require.NoError(t, st.Put(ctx, ns, "k1", map[string]any{"text": "remembered"}, store.PutOptions{Semantic: true}))

	factory := VectorSearchFactory(st)
	tool, err := factory(config.ToolRecord{
		Name: "vector_search",
		Spec: map[string]any{"tenant": "u1", "bucket": "semantic"},
	})
	require.NoError(t, err)

	result, err := tool.Call(ctx, map[string]any{"query": "anything"})
	require.NoError(t, err)

	hits := result.Output.([]map[string]any)
	require.Len(t, hits, 1)
	assert.Equal(t, "k1", hits[0]["key"])
}

func TestVectorSearch_RequiresNamespace(t *testing.T) {
	factory := VectorSearchFactory(store.NewMemoryStore(staticEmbedder{}))
	tool, err := factory(config.ToolRecord{Name: "vector_search"})
	require.NoError(t, err)

	_, err = tool.Call(context.Background(), map[string]any{"query": "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tenant and bucket")
}
