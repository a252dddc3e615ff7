package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/stageflow/stageflow/pkg/config"
	"github.com/stageflow/stageflow/pkg/embedders"
	"github.com/stageflow/stageflow/pkg/eventbus"
	"github.com/stageflow/stageflow/pkg/llms"
	"github.com/stageflow/stageflow/pkg/memory"
	"github.com/stageflow/stageflow/pkg/model"
	"github.com/stageflow/stageflow/pkg/store"
)

const defaultReflectionQueue = 64

// Hub is the multi-workspace entry point. It discovers workspaces under the
// platform's workspaces root and lazily builds one manager per workspace,
// with an artifact watcher when reload is enabled. The platform config is
// injected at construction; nothing here reads globals.
type Hub struct {
	platform *config.PlatformConfig
	deps     ManagerDeps
	logger   *slog.Logger

	mu        sync.Mutex
	managers  map[string]*Manager
	reloaders map[string]*ReloadManager
}

func NewHub(platform *config.PlatformConfig, deps ManagerDeps) *Hub {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Hub{
		platform:  platform,
		deps:      deps,
		logger:    deps.Logger,
		managers:  make(map[string]*Manager),
		reloaders: make(map[string]*ReloadManager),
	}
}

// Workspaces lists the workspace names under the root, sorted. A workspace is
// any subdirectory carrying a workspace manifest.
func (h *Hub) Workspaces() ([]string, error) {
	entries, err := os.ReadDir(h.platform.WorkspacesRoot)
	if err != nil {
		return nil, config.NewConfigError(h.platform.WorkspacesRoot, "failed to read workspaces root", err)
	}

	var names []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		manifest := filepath.Join(h.platform.WorkspacesRoot, entry.Name(), config.WorkspaceManifestFile)
		if _, err := os.Stat(manifest); err != nil {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Workspace returns the manager for a workspace, building it on first use.
func (h *Hub) Workspace(name string) (*Manager, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if m, ok := h.managers[name]; ok {
		return m, nil
	}

	dir := filepath.Join(h.platform.WorkspacesRoot, name)
	if _, err := os.Stat(filepath.Join(dir, config.WorkspaceManifestFile)); err != nil {
		return nil, fmt.Errorf("unknown workspace %q: %w", name, err)
	}

	m, err := NewManager(dir, h.deps)
	if err != nil {
		return nil, err
	}
	h.managers[name] = m

	if h.platform.Reload.Enabled {
		reloader, err := NewReloadManager(m, h.platform.Reload, h.logger)
		if err != nil {
			h.logger.Warn("artifact watcher unavailable, reload disabled for workspace",
				"workspace", name, "error", err)
		} else {
			reloader.Start()
			h.reloaders[name] = reloader
		}
	}
	return m, nil
}

// Close stops every artifact watcher. Managers hold no resources of their
// own; the shared services in ManagerDeps are closed by their builder.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, reloader := range h.reloaders {
		reloader.Stop()
	}
	h.reloaders = make(map[string]*ReloadManager)
}

// BuildDeps constructs the shared platform services the config names: chat
// model, embedder, store, the memory and model managers, and the tool
// catalog. The returned close function drains the model manager and releases
// the providers; call it once all sessions have finished.
func BuildDeps(platform *config.PlatformConfig, bus *eventbus.Bus, logger *slog.Logger) (ManagerDeps, func(context.Context) error, error) {
	if logger == nil {
		logger = slog.Default()
	}

	chatFile, err := config.LoadProviderFile(platform.ChatModelsConfig)
	if err != nil {
		return ManagerDeps{}, nil, err
	}
	chatSpec, err := chatFile.Resolve(platform.ChatProvider)
	if err != nil {
		return ManagerDeps{}, nil, err
	}
	llm, err := llms.New(chatSpec)
	if err != nil {
		return ManagerDeps{}, nil, err
	}

	embedFile, err := config.LoadProviderFile(platform.EmbeddingsConfig)
	if err != nil {
		return ManagerDeps{}, nil, err
	}
	embedSpec, err := embedFile.Resolve(platform.EmbeddingProvider)
	if err != nil {
		return ManagerDeps{}, nil, err
	}
	embedder, err := embedders.New(embedSpec)
	if err != nil {
		return ManagerDeps{}, nil, err
	}

	storeFile, err := config.LoadProviderFile(platform.StoresConfig)
	if err != nil {
		return ManagerDeps{}, nil, err
	}
	storeSpec, err := storeFile.Resolve(platform.StoreProvider)
	if err != nil {
		return ManagerDeps{}, nil, err
	}
	st, err := store.Open(storeSpec, embedder)
	if err != nil {
		return ManagerDeps{}, nil, err
	}

	mem := memory.NewManager(st, platform.Memory, logger)
	mdl := model.NewManager(llm, mem, defaultReflectionQueue, logger)

	var catalog *config.ToolCatalog
	if platform.ToolCatalog != "" {
		catalog, err = config.LoadToolCatalog(platform.ToolCatalog)
		if err != nil {
			return ManagerDeps{}, nil, err
		}
	}

	deps := ManagerDeps{
		Model:   mdl,
		Memory:  mem,
		Store:   st,
		Catalog: catalog,
		Bus:     bus,
		Logger:  logger,
	}

	closeFn := func(ctx context.Context) error {
		return errors.Join(
			mdl.Close(ctx),
			llm.Close(),
			embedder.Close(),
			st.Close(),
		)
	}
	return deps, closeFn, nil
}
