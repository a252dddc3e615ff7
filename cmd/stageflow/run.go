package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/stageflow/stageflow/pkg/config"
	"github.com/stageflow/stageflow/pkg/eventbus"
	"github.com/stageflow/stageflow/pkg/runtime"
)

// RunCmd runs one user message through a workspace and prints the agents'
// outputs in execution order.
type RunCmd struct {
	Workspace string `help:"Workspace name under the workspaces root." required:""`
	Message   string `help:"User message to run." required:""`
	SessionID string `help:"Session to continue; blank starts a new one." name:"session-id"`
	UserID    string `help:"User the session belongs to; scopes memory across sessions." name:"user-id"`
	Verbose   bool   `help:"Print runtime events as they happen." short:"v"`
}

func (c *RunCmd) Run(globals *Globals) error {
	platform, err := config.LoadPlatformConfig(globals.Config)
	if err != nil {
		return err
	}

	bus := eventbus.New()
	if c.Verbose {
		bus.SubscribeAll(printEvent)
	}

	logger := slog.Default()
	deps, closeDeps, err := runtime.BuildDeps(platform, bus, logger)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := closeDeps(ctx); err != nil {
			logger.Warn("shutdown incomplete", "error", err)
		}
	}()

	hub := runtime.NewHub(platform, deps)
	defer hub.Close()

	manager, err := hub.Workspace(c.Workspace)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	final, err := manager.RunUserMessage(ctx, c.SessionID, c.UserID, c.Message)
	if err != nil {
		return err
	}

	fmt.Printf("session: %s\n", final.SessionID)
	fmt.Printf("stage:   %s\n\n", final.Stage)
	for _, h := range final.HistoryAgents {
		if h.Error != "" {
			fmt.Printf("[%s/%s] error: %s\n", h.Stage, h.Role, h.Error)
			continue
		}
		fmt.Printf("[%s/%s]\n%s\n\n", h.Stage, h.Role, h.Output)
	}
	return nil
}

func printEvent(_ context.Context, event eventbus.Event, payload eventbus.Payload) {
	fmt.Fprintf(os.Stderr, "• %s", event)
	for _, key := range []string{"stage", "role", "node", "tool"} {
		if v, ok := payload[key]; ok {
			fmt.Fprintf(os.Stderr, " %s=%v", key, v)
		}
	}
	fmt.Fprintln(os.Stderr)
}

// ValidateCmd loads workspace artifacts without touching any provider:
// schemas compile, exit conditions parse, and stage/agent wiring is checked.
type ValidateCmd struct {
	Workspace string `help:"Validate a single workspace instead of all."`
}

func (c *ValidateCmd) Run(globals *Globals) error {
	platform, err := config.LoadPlatformConfig(globals.Config)
	if err != nil {
		return err
	}
	// Validation never mutates artifacts; keep the watcher out of it.
	platform.Reload.Enabled = false

	deps := runtime.ManagerDeps{Bus: eventbus.New(), Logger: slog.Default()}
	if platform.ToolCatalog != "" {
		catalog, err := config.LoadToolCatalog(platform.ToolCatalog)
		if err != nil {
			return err
		}
		deps.Catalog = catalog
	}

	hub := runtime.NewHub(platform, deps)
	defer hub.Close()

	names := []string{c.Workspace}
	if c.Workspace == "" {
		names, err = hub.Workspaces()
		if err != nil {
			return err
		}
	}

	failed := 0
	for _, name := range names {
		m, err := hub.Workspace(name)
		if err != nil {
			failed++
			fmt.Printf("✗ %s: %v\n", name, err)
			continue
		}
		fmt.Printf("✓ %s: %d stages, agents: %v\n", name, len(m.StageNames()), m.Roles())
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d workspaces failed validation", failed, len(names))
	}
	return nil
}
