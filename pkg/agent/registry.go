package agent

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/stageflow/stageflow/pkg/config"
	"github.com/stageflow/stageflow/pkg/registry"
)

// Registry holds one workspace's agents keyed by role.
type Registry struct {
	*registry.BaseRegistry[*SkillAgent]
	logger *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		BaseRegistry: registry.NewBaseRegistry[*SkillAgent](),
		logger:       logger,
	}
}

// LoadDir scans the workspace agents directory and builds one agent per
// subdirectory carrying a skill manifest. A duplicate role overwrites the
// earlier agent with a warning.
func (r *Registry) LoadDir(agentsDir string, deps Deps) error {
	entries, err := os.ReadDir(agentsDir)
	if err != nil {
		return config.NewConfigError(agentsDir, "failed to read agents directory", err)
	}

	loaded := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		agentDir := filepath.Join(agentsDir, entry.Name())
		if _, err := os.Stat(filepath.Join(agentDir, config.SkillManifestFile)); err != nil {
			continue
		}

		artifacts, err := config.LoadAgentArtifacts(agentDir)
		if err != nil {
			return fmt.Errorf("failed to load agent %s: %w", entry.Name(), err)
		}

		a, err := New(artifacts, deps)
		if err != nil {
			return fmt.Errorf("failed to build agent %s: %w", entry.Name(), err)
		}

		if overwritten := r.Replace(a.Role(), a); overwritten {
			r.logger.Warn("duplicate agent role, overwriting", "role", a.Role(), "dir", agentDir)
		}
		loaded++
	}

	if loaded == 0 {
		return config.NewConfigError(agentsDir, "no agents found", nil)
	}
	return nil
}

// Roles returns the registered roles, sorted.
func (r *Registry) Roles() []string {
	return r.Names()
}

func (r *Registry) Exists(role string) bool {
	_, ok := r.Get(role)
	return ok
}
