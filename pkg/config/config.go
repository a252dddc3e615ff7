// Package config defines the on-disk contracts the runtime consumes: the
// platform configuration, provider configuration files, and the per-workspace
// artifacts (workspace.json, stage.json, tools_policy.json, agent manifests).
package config

import (
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// PlatformConfig is the top-level configuration constructed once at entry and
// threaded through the runtime. No component reads package-global state.
type PlatformConfig struct {
	// WorkspacesRoot is the directory holding one subdirectory per workspace.
	WorkspacesRoot string `yaml:"workspaces_root"`

	// ToolCatalog points at the platform-level tool catalog JSON.
	ToolCatalog string `yaml:"tool_catalog"`

	// Provider selection by alias.
	ChatProvider      string `yaml:"chat_provider"`
	EmbeddingProvider string `yaml:"embedding_provider"`
	StoreProvider     string `yaml:"store_provider"`

	// Provider config files, one per concern.
	ChatModelsConfig string `yaml:"chatmodels_config"`
	EmbeddingsConfig string `yaml:"embeddings_config"`
	StoresConfig     string `yaml:"stores_config"`

	Memory MemoryConfig `yaml:"memory"`
	Reload ReloadConfig `yaml:"reload"`
}

// MemoryConfig tunes decay and summarization in the memory manager.
type MemoryConfig struct {
	SummarizeAfter int `yaml:"summarize_after"`
	DecayAfter     int `yaml:"decay_after"`
	// SummaryTokenBudget caps summarized entries, measured in model tokens.
	SummaryTokenBudget int `yaml:"summary_token_budget"`
}

func (c *MemoryConfig) SetDefaults() {
	if c.SummarizeAfter <= 0 {
		c.SummarizeAfter = 50
	}
	if c.DecayAfter <= 0 {
		c.DecayAfter = 100
	}
	if c.SummaryTokenBudget <= 0 {
		c.SummaryTokenBudget = 512
	}
}

// ReloadConfig tunes the workspace artifact watcher.
type ReloadConfig struct {
	Enabled         bool `yaml:"enabled"`
	IntervalSeconds int  `yaml:"interval_seconds"`
}

func (c *ReloadConfig) SetDefaults() {
	if c.IntervalSeconds <= 0 {
		c.IntervalSeconds = 30
	}
}

// LoadPlatformConfig reads a YAML platform config, expanding ${ENV} references.
func LoadPlatformConfig(path string) (*PlatformConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, NewConfigError(path, "failed to read platform config", err)
	}

	data = expandEnv(data)

	var cfg PlatformConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, NewConfigError(path, "failed to parse platform config", err)
	}

	cfg.Memory.SetDefaults()
	cfg.Reload.SetDefaults()

	if cfg.WorkspacesRoot == "" {
		return nil, NewConfigError(path, "workspaces_root is required", nil)
	}

	return &cfg, nil
}

var envRefPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv substitutes ${VAR} references with environment values. Unset
// variables expand to the empty string.
func expandEnv(data []byte) []byte {
	return envRefPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		name := envRefPattern.FindSubmatch(match)[1]
		return []byte(os.Getenv(string(name)))
	})
}
