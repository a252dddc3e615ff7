package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/stageflow/stageflow/pkg/agent"
	"github.com/stageflow/stageflow/pkg/config"
	"github.com/stageflow/stageflow/pkg/eventbus"
	"github.com/stageflow/stageflow/pkg/graph"
	"github.com/stageflow/stageflow/pkg/memory"
	"github.com/stageflow/stageflow/pkg/model"
	"github.com/stageflow/stageflow/pkg/stage"
	"github.com/stageflow/stageflow/pkg/store"
	"github.com/stageflow/stageflow/pkg/tools"
)

// ManagerDeps carries the platform services shared by every workspace. The
// hub builds one value and hands it to each manager it creates.
type ManagerDeps struct {
	Model      *model.Manager
	Memory     *memory.Manager
	Store      store.Store
	Catalog    *config.ToolCatalog
	Bus        *eventbus.Bus
	Logger     *slog.Logger
	Interrupt  graph.InterruptFunc
	Translator agent.Translator
}

// Manager owns one workspace: its registries, its compiled graph, and its
// sessions. Registries and the graph are swapped atomically on reload; a run
// captures the current graph when it starts and finishes on that generation.
type Manager struct {
	workspaceDir string
	manifest     *config.WorkspaceManifest
	deps         ManagerDeps
	logger       *slog.Logger

	mu     sync.RWMutex
	agents *agent.Registry
	stages *stage.Registry
	graph  *graph.Graph

	sessMu   sync.Mutex
	sessions map[string]*Orchestrator
}

// NewManager loads the workspace at workspaceDir and compiles its graph.
// Broken artifacts fail here, before any session starts.
func NewManager(workspaceDir string, deps ManagerDeps) (*Manager, error) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	manifest, err := config.LoadWorkspaceManifest(workspaceDir)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		workspaceDir: workspaceDir,
		manifest:     manifest,
		deps:         deps,
		logger:       deps.Logger.With("workspace", manifest.Name),
		sessions:     make(map[string]*Orchestrator),
	}
	if err := m.Reload(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) Name() string { return m.manifest.Name }

func (m *Manager) Dir() string { return m.workspaceDir }

// Roles returns the currently registered agent roles.
func (m *Manager) Roles() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.agents.Roles()
}

// StageNames returns the stage names in priority order.
func (m *Manager) StageNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0)
	for _, s := range m.stages.List() {
		names = append(names, s.Name)
	}
	return names
}

// Reload rebuilds every registry from the workspace artifacts and swaps them
// in atomically. On failure the previous generation stays live.
func (m *Manager) Reload() error {
	stageManifest, err := config.LoadStageManifest(m.workspaceDir)
	if err != nil {
		return err
	}
	stages, err := stage.NewRegistry(stageManifest)
	if err != nil {
		return err
	}

	policyCfg, err := config.LoadToolsPolicy(m.workspaceDir)
	if err != nil {
		return err
	}
	policy := tools.NewPolicy(policyCfg)

	catalog := m.deps.Catalog
	if catalog == nil {
		catalog = &config.ToolCatalog{}
	}
	toolRegistry, err := tools.NewRegistry(catalog, map[string]tools.Factory{
		"builtin.vector_search": tools.VectorSearchFactory(m.deps.Store),
	})
	if err != nil {
		return fmt.Errorf("failed to build tool registry: %w", err)
	}

	agents := agent.NewRegistry(m.logger)
	agentDeps := agent.Deps{
		Model:      m.deps.Model,
		Memory:     m.deps.Memory,
		Translator: m.deps.Translator,
		Bus:        m.deps.Bus,
		Logger:     m.logger,
		AllowedInStage: func(stageName, role string) bool {
			return slices.Contains(stages.AllowedAgents(stageName), role)
		},
		ToolClientFor: func(role string) *tools.Client {
			return tools.NewClient(role, toolRegistry, policy, m.deps.Bus, m.logger)
		},
	}
	if err := agents.LoadDir(filepath.Join(m.workspaceDir, config.AgentsDir), agentDeps); err != nil {
		return err
	}

	nodes := make([]graph.AgentNode, 0, len(agents.Roles()))
	for _, role := range agents.Roles() {
		a, _ := agents.Get(role)
		nodes = append(nodes, a)
	}

	src := graph.NewStages(stages)
	opts := []graph.Option{graph.WithLogger(m.logger)}
	if m.deps.Interrupt != nil {
		opts = append(opts, graph.WithInterrupt(m.deps.Interrupt))
	}
	g, err := graph.New(src, src.Names(), nodes, opts...)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.agents = agents
	m.stages = stages
	m.graph = g
	m.mu.Unlock()
	return nil
}

// RunUserMessage runs one user message through the workspace graph and
// returns the terminal session state. A blank session id starts a fresh
// session; reusing an id continues its memory namespaces. A non-blank user
// id becomes the memory tenant, so memory carries across that user's
// sessions.
func (m *Manager) RunUserMessage(ctx context.Context, sessionID, userID, task string) (*graph.State, error) {
	if strings.TrimSpace(task) == "" {
		return nil, fmt.Errorf("workspace %s: empty task", m.manifest.Name)
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	m.mu.RLock()
	g := m.graph
	first := m.stages.First()
	m.mu.RUnlock()

	orch := NewOrchestrator(sessionID, g, m.deps.Bus, m.logger)
	m.sessMu.Lock()
	m.sessions[sessionID] = orch
	m.sessMu.Unlock()

	m.logger.Info("running user message", "session_id", sessionID, "user_id", userID)
	state := graph.NewState(sessionID, task, first.Name)
	state.UserID = userID
	final := orch.Run(ctx, state)
	return final, nil
}

// SessionCount reports how many sessions this manager has seen.
func (m *Manager) SessionCount() int {
	m.sessMu.Lock()
	defer m.sessMu.Unlock()
	return len(m.sessions)
}
