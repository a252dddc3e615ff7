package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadStageManifest(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, StageManifestFile, `{
		"stages": [
			{"name": "ideate", "allowed_agents": ["opt", "crit"], "priority": 1,
			 "exit_condition": "len(executed_agents_per_stage.ideate) == 2"},
			{"name": "decide", "allowed_agents": ["synth"], "priority": 2,
			 "terminal": true, "exit_condition": "true"}
		]
	}`)

	manifest, err := LoadStageManifest(dir)
	require.NoError(t, err)
	require.Len(t, manifest.Stages, 2)
	assert.Equal(t, "ideate", manifest.Stages[0].Name)
	assert.Equal(t, []string{"opt", "crit"}, manifest.Stages[0].AllowedAgents)
	assert.True(t, manifest.Stages[1].Terminal)
}

func TestLoadStageManifest_DuplicateStage(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, StageManifestFile, `{
		"stages": [
			{"name": "a", "allowed_agents": ["x"], "priority": 1},
			{"name": "a", "allowed_agents": ["y"], "priority": 2}
		]
	}`)

	_, err := LoadStageManifest(dir)
	require.Error(t, err)
	var cfgErr *ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestLoadStageManifest_Missing(t *testing.T) {
	_, err := LoadStageManifest(t.TempDir())
	require.Error(t, err)
	var cfgErr *ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestLoadToolsPolicy(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, ToolsPolicyFile, `{
		"agents": {
			"opt": {"tools": ["web_search"]}
		}
	}`)

	policy, err := LoadToolsPolicy(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"web_search"}, policy.Agents["opt"].Tools)
}

func TestLoadToolsPolicy_MissingIsEmpty(t *testing.T) {
	policy, err := LoadToolsPolicy(t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, policy.Agents)
}

func TestLoadAgentArtifacts(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, SkillManifestFile, `{
		"role": "opt",
		"output_mode": "json",
		"tools": [{"name": "web_search", "trigger": "always"}]
	}`)
	writeFile(t, dir, ContextManifestFile, `{
		"context": [
			{"name": "task", "type": "state"},
			{"name": "recall", "type": "memory", "memory_type": "semantic", "top_k": 3},
			{"name": "guidance", "type": "text", "text": "Be concise."}
		]
	}`)
	writeFile(t, dir, PromptTemplateFile, "Task: {task}\n{guidance}\n{recall}")
	writeFile(t, dir, OutputSchemaFile, `{"type": "object", "required": ["idea"]}`)

	artifacts, err := LoadAgentArtifacts(dir)
	require.NoError(t, err)
	assert.Equal(t, "opt", artifacts.Skill.Role)
	assert.Equal(t, OutputModeJSON, artifacts.Skill.OutputMode)
	require.Len(t, artifacts.Context, 3)
	assert.Equal(t, "state", artifacts.Context[0].EntryType())
	assert.Equal(t, "memory", artifacts.Context[1].EntryType())
	assert.Equal(t, "text", artifacts.Context[2].EntryType())
	assert.NotNil(t, artifacts.OutputSchema)

	mem, ok := artifacts.Context[1].(MemoryEntry)
	require.True(t, ok)
	assert.Equal(t, 3, mem.TopK)
	assert.Equal(t, MemoryTypeSemantic, mem.MemoryType)
}

func TestLoadAgentArtifacts_UnknownContextType(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, SkillManifestFile, `{"role": "opt"}`)
	writeFile(t, dir, ContextManifestFile, `{"context": [{"name": "x", "type": "teleport"}]}`)
	writeFile(t, dir, PromptTemplateFile, "hi")

	_, err := LoadAgentArtifacts(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "teleport")
}

func TestLoadToolCatalog(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "tools.json", `{
		"tools": [
			{"name": "calculator", "entrypoint": "builtin.calculator"},
			{"name": "web_search", "entrypoint": "builtin.web_search",
			 "spec": {"endpoint": "https://search.example.com"}}
		]
	}`)

	catalog, err := LoadToolCatalog(path)
	require.NoError(t, err)
	require.Len(t, catalog.Tools, 2)
	assert.Equal(t, "builtin.calculator", catalog.Tools[0].Entrypoint)
}

func TestProviderFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TEST_OPENAI_KEY", "sk-test")
	path := writeFile(t, dir, "chatmodels.yaml", `
local:
  type: ollama
  host: http://localhost:11434
  model: llama3
openai:
  type: openai
  api_key: ${TEST_OPENAI_KEY}
  model: gpt-4o-mini
  temperature: 0.2
`)

	file, err := LoadProviderFile(path)
	require.NoError(t, err)

	spec, err := file.Resolve("openai")
	require.NoError(t, err)
	assert.Equal(t, "openai", spec.Type)

	cfg, err := DecodeArgs[LLMProviderConfig](spec)
	require.NoError(t, err)
	assert.Equal(t, "sk-test", cfg.APIKey)
	assert.Equal(t, "gpt-4o-mini", cfg.Model)
	assert.InDelta(t, 0.2, cfg.Temperature, 1e-9)

	_, err = file.Resolve("missing")
	require.Error(t, err)
}
