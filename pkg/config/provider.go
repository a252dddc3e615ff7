package config

import (
	"fmt"
	"os"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// ProviderSpec is one entry in a provider config file: a type key selecting a
// compile-time registered constructor plus free-form provider arguments.
// Unknown type keys fail loudly at load time.
type ProviderSpec struct {
	Type string         `yaml:"type"`
	Args map[string]any `yaml:",inline"`
}

// ProviderFile maps provider alias to its spec.
type ProviderFile map[string]ProviderSpec

// LoadProviderFile reads a YAML provider config (one of chatmodels,
// embeddings, stores), expanding ${ENV} references.
func LoadProviderFile(path string) (ProviderFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, NewConfigError(path, "failed to read provider config", err)
	}

	data = expandEnv(data)

	var file ProviderFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, NewConfigError(path, "failed to parse provider config", err)
	}

	for alias, spec := range file {
		if spec.Type == "" {
			return nil, NewConfigError(path, fmt.Sprintf("provider '%s' is missing a type", alias), nil)
		}
	}

	return file, nil
}

// Resolve returns the spec for an alias or a ConfigError naming the alias.
func (f ProviderFile) Resolve(alias string) (ProviderSpec, error) {
	spec, ok := f[alias]
	if !ok {
		return ProviderSpec{}, NewConfigError("providers", fmt.Sprintf("unknown provider alias '%s'", alias), nil)
	}
	return spec, nil
}

// DecodeArgs decodes a spec's argument map into a typed provider config.
func DecodeArgs[T any](spec ProviderSpec) (*T, error) {
	var out T
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &out,
		TagName:          "yaml",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build provider decoder: %w", err)
	}
	if err := decoder.Decode(spec.Args); err != nil {
		return nil, fmt.Errorf("failed to decode provider args: %w", err)
	}
	return &out, nil
}

// LLMProviderConfig configures one chat model client.
type LLMProviderConfig struct {
	Model       string  `yaml:"model"`
	APIKey      string  `yaml:"api_key"`
	Host        string  `yaml:"host"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
	// Timeout is the per-call budget in seconds.
	Timeout int `yaml:"timeout"`
}

// EmbedderProviderConfig configures one embedding client.
type EmbedderProviderConfig struct {
	Model     string `yaml:"model"`
	APIKey    string `yaml:"api_key"`
	Host      string `yaml:"host"`
	Dimension int    `yaml:"dimension"`
	Timeout   int    `yaml:"timeout"`
}

// StoreProviderConfig configures one store backend.
type StoreProviderConfig struct {
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	APIKey string `yaml:"api_key"`
	// DSN is used by relational backends.
	DSN string `yaml:"dsn"`
	// Path is used by embedded backends (badger, chromem persistence).
	Path      string `yaml:"path"`
	EnableTLS bool   `yaml:"enable_tls"`
}
