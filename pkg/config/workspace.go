package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const (
	WorkspaceManifestFile = "workspace.json"
	StageManifestFile     = "stage.json"
	ToolsPolicyFile       = "tools_policy.json"
	AgentsDir             = "agents"
)

// WorkspaceManifest is the workspace.json contents.
type WorkspaceManifest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Version     string `json:"version,omitempty"`
}

// StageDefinition is one entry of stage.json. ExitCondition is an expression
// over the session state, compiled once at load by the stage registry.
type StageDefinition struct {
	Name          string   `json:"name"`
	AllowedAgents []string `json:"allowed_agents"`
	NextStages    []string `json:"next_stages,omitempty"`
	Priority      int      `json:"priority"`
	Terminal      bool     `json:"terminal"`
	ExitCondition string   `json:"exit_condition"`
}

// StageManifest is the stage.json contents.
type StageManifest struct {
	Stages []StageDefinition `json:"stages"`
}

// ToolsPolicy is the tools_policy.json contents: the role → allowed tool
// names mapping.
type ToolsPolicy struct {
	Agents map[string]AgentToolGrant `json:"agents"`
}

// AgentToolGrant lists the tools one role may invoke.
type AgentToolGrant struct {
	Tools []string `json:"tools"`
}

// LoadWorkspaceManifest reads <workspace>/workspace.json.
func LoadWorkspaceManifest(workspaceDir string) (*WorkspaceManifest, error) {
	path := filepath.Join(workspaceDir, WorkspaceManifestFile)
	var manifest WorkspaceManifest
	if err := readJSON(path, &manifest); err != nil {
		return nil, err
	}
	if manifest.Name == "" {
		manifest.Name = filepath.Base(workspaceDir)
	}
	return &manifest, nil
}

// LoadStageManifest reads <workspace>/stage.json.
func LoadStageManifest(workspaceDir string) (*StageManifest, error) {
	path := filepath.Join(workspaceDir, StageManifestFile)
	var manifest StageManifest
	if err := readJSON(path, &manifest); err != nil {
		return nil, err
	}
	if len(manifest.Stages) == 0 {
		return nil, NewConfigError(path, "no stages defined", nil)
	}
	seen := make(map[string]bool, len(manifest.Stages))
	for _, stage := range manifest.Stages {
		if stage.Name == "" {
			return nil, NewConfigError(path, "stage with empty name", nil)
		}
		if seen[stage.Name] {
			return nil, NewConfigError(path, fmt.Sprintf("duplicate stage '%s'", stage.Name), nil)
		}
		seen[stage.Name] = true
	}
	return &manifest, nil
}

// LoadToolsPolicy reads <workspace>/tools_policy.json. A missing file yields
// an empty policy: no role may call any tool.
func LoadToolsPolicy(workspaceDir string) (*ToolsPolicy, error) {
	path := filepath.Join(workspaceDir, ToolsPolicyFile)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return &ToolsPolicy{Agents: map[string]AgentToolGrant{}}, nil
	}
	var policy ToolsPolicy
	if err := readJSON(path, &policy); err != nil {
		return nil, err
	}
	if policy.Agents == nil {
		policy.Agents = map[string]AgentToolGrant{}
	}
	return &policy, nil
}

func readJSON(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return NewConfigError(path, "failed to read file", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return NewConfigError(path, "failed to parse JSON", err)
	}
	return nil
}
