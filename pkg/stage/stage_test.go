package stage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stageflow/stageflow/pkg/config"
	"github.com/stageflow/stageflow/pkg/expr"
)

func testManifest() *config.StageManifest {
	return &config.StageManifest{Stages: []config.StageDefinition{
		{Name: "review", AllowedAgents: []string{"critic"}, Priority: 2, Terminal: true,
			ExitCondition: "len(executed_agents_per_stage.review) >= 1"},
		{Name: "generate", AllowedAgents: []string{"optimizer", "critic"}, Priority: 1,
			NextStages:    []string{"review"},
			ExitCondition: "len(executed_agents_per_stage.generate) >= 2"},
	}}
}

func TestNewRegistry_SortsByPriority(t *testing.T) {
	r, err := NewRegistry(testManifest())
	require.NoError(t, err)

	stages := r.List()
	require.Len(t, stages, 2)
	assert.Equal(t, "generate", stages[0].Name)
	assert.Equal(t, "review", stages[1].Name)
	assert.Equal(t, "generate", r.First().Name)
}

func TestNewRegistry_EmptyManifest(t *testing.T) {
	_, err := NewRegistry(&config.StageManifest{})
	assert.Error(t, err)
}

func TestNewRegistry_InvalidExitCondition(t *testing.T) {
	manifest := &config.StageManifest{Stages: []config.StageDefinition{
		{Name: "broken", AllowedAgents: []string{"a"}, ExitCondition: "((("},
	}}
	_, err := NewRegistry(manifest)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exit_condition")
}

func TestRegistry_Next(t *testing.T) {
	r, err := NewRegistry(testManifest())
	require.NoError(t, err)

	next := r.Next("generate")
	require.NotNil(t, next)
	assert.Equal(t, "review", next.Name)

	assert.Nil(t, r.Next("review"), "terminal stage has no successor")
	assert.Nil(t, r.Next("missing"))
}

func TestRegistry_NextFallsBackToPriorityOrder(t *testing.T) {
	manifest := &config.StageManifest{Stages: []config.StageDefinition{
		{Name: "a", AllowedAgents: []string{"x"}, Priority: 1},
		{Name: "b", AllowedAgents: []string{"x"}, Priority: 2, Terminal: true},
	}}
	r, err := NewRegistry(manifest)
	require.NoError(t, err)

	next := r.Next("a")
	require.NotNil(t, next)
	assert.Equal(t, "b", next.Name)
	assert.Nil(t, r.Next("b"))
}

func TestRegistry_AllowedAgentsAndTerminal(t *testing.T) {
	r, err := NewRegistry(testManifest())
	require.NoError(t, err)

	assert.Equal(t, []string{"optimizer", "critic"}, r.AllowedAgents("generate"))
	assert.Nil(t, r.AllowedAgents("missing"))
	assert.True(t, r.IsTerminal("review"))
	assert.False(t, r.IsTerminal("generate"))
}

func TestRegistry_ExitConditionCompiled(t *testing.T) {
	r, err := NewRegistry(testManifest())
	require.NoError(t, err)

	s, ok := r.Get("generate")
	require.True(t, ok)

	env := expr.MapEnv{"executed_agents_per_stage": map[string]any{
		"generate": []string{"optimizer", "critic"},
	}}
	done, err := s.ExitCondition.Eval(env)
	require.NoError(t, err)
	assert.True(t, done)

	env = expr.MapEnv{"executed_agents_per_stage": map[string]any{
		"generate": []string{"optimizer"},
	}}
	done, err = s.ExitCondition.Eval(env)
	require.NoError(t, err)
	assert.False(t, done)
}
