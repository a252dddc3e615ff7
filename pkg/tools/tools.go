// Package tools provides the tool gateway: a catalog-backed registry of
// builtin tools, a per-role allow-list policy, and the client agents call
// through.
package tools

import (
	"context"
	"fmt"

	"github.com/stageflow/stageflow/pkg/config"
)

// ErrToolNotFound reports a call to a tool absent from the registry.
type ErrToolNotFound struct {
	Name string
}

func (e *ErrToolNotFound) Error() string {
	return fmt.Sprintf("tool not found: %s", e.Name)
}

// ToolError wraps a failure inside a tool body. These propagate to the
// calling agent.
type ToolError struct {
	Tool string
	Err  error
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %s failed: %v", e.Tool, e.Err)
}

func (e *ToolError) Unwrap() error { return e.Err }

// Result is the outcome of one tool call. A denied call yields the zero
// Result with Denied set.
type Result struct {
	Tool    string         `json:"tool"`
	Output  any            `json:"output"`
	Details map[string]any `json:"details,omitempty"`
	Denied  bool           `json:"denied,omitempty"`
}

// Tool is one callable unit. Args are the decoded call arguments; tools
// validate their own inputs.
type Tool interface {
	Name() string
	Description() string
	Call(ctx context.Context, args map[string]any) (*Result, error)
}

// Factory builds a tool from its catalog record.
type Factory func(record config.ToolRecord) (Tool, error)

// builtinFactories maps catalog entrypoints to constructors. Tools are
// compiled in; an entrypoint outside this table fails at catalog load.
// builtin.vector_search needs an injected store and is supplied through the
// extra factory map (see VectorSearchFactory).
var builtinFactories = map[string]Factory{
	"builtin.calculator": newCalculator,
	"builtin.web_search": newWebSearch,
	"builtin.http":       newHTTPTool,
}

// Registry holds the instantiated tools from one catalog.
type Registry struct {
	tools map[string]Tool
}

// NewRegistry instantiates every catalog record through the builtin factory
// table. Extra factories (tools needing injected dependencies, like
// vector_search) override or extend the builtins.
func NewRegistry(catalog *config.ToolCatalog, extra map[string]Factory) (*Registry, error) {
	r := &Registry{tools: make(map[string]Tool)}
	for _, record := range catalog.Tools {
		factory, ok := extra[record.Entrypoint]
		if !ok {
			factory, ok = builtinFactories[record.Entrypoint]
		}
		if !ok {
			return nil, fmt.Errorf("unknown tool entrypoint %q for tool %s", record.Entrypoint, record.Name)
		}
		tool, err := factory(record)
		if err != nil {
			return nil, fmt.Errorf("failed to build tool %s: %w", record.Name, err)
		}
		r.tools[record.Name] = tool
	}
	return r, nil
}

func (r *Registry) Get(name string) (Tool, bool) {
	tool, ok := r.tools[name]
	return tool, ok
}

func (r *Registry) List() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	return names
}

// Policy is the workspace's role → allowed-tools mapping.
type Policy struct {
	grants map[string][]string
}

func NewPolicy(cfg *config.ToolsPolicy) *Policy {
	grants := make(map[string][]string, len(cfg.Agents))
	for role, grant := range cfg.Agents {
		grants[role] = append([]string(nil), grant.Tools...)
	}
	return &Policy{grants: grants}
}

// Check reports whether the role may call the tool. Roles absent from the
// policy have no grants.
func (p *Policy) Check(role, tool string) bool {
	for _, allowed := range p.grants[role] {
		if allowed == tool {
			return true
		}
	}
	return false
}
