package tools

import (
	"context"
	"log/slog"

	"github.com/stageflow/stageflow/pkg/eventbus"
)

// Client is the per-role gateway agents call tools through. Denials are
// logged and yield an empty result, not an error; agents treat denial the
// same as tool absence. A denied call never reaches the tool and never
// publishes a tool_call event.
type Client struct {
	role      string
	sessionID string
	registry  *Registry
	policy    *Policy
	bus       *eventbus.Bus
	logger    *slog.Logger
}

func NewClient(role string, registry *Registry, policy *Policy, bus *eventbus.Bus, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		role:     role,
		registry: registry,
		policy:   policy,
		bus:      bus,
		logger:   logger,
	}
}

// WithSession returns a copy bound to the session, so event payloads carry
// the session id alongside the role.
func (c *Client) WithSession(sessionID string) *Client {
	bound := *c
	bound.sessionID = sessionID
	return &bound
}

func (c *Client) Call(ctx context.Context, name string, args map[string]any) (*Result, error) {
	if !c.policy.Check(c.role, name) {
		c.logger.Warn("tool call denied by policy", "role", c.role, "tool", name)
		return &Result{Tool: name, Denied: true}, nil
	}

	c.emit(ctx, eventbus.ToolCall, name, nil)

	tool, ok := c.registry.Get(name)
	if !ok {
		err := &ErrToolNotFound{Name: name}
		c.emit(ctx, eventbus.ToolFailed, name, err)
		return nil, err
	}

	result, err := tool.Call(ctx, args)
	if err != nil {
		c.emit(ctx, eventbus.ToolFailed, name, err)
		return nil, &ToolError{Tool: name, Err: err}
	}

	c.emit(ctx, eventbus.ToolResult, name, nil)
	return result, nil
}

func (c *Client) emit(ctx context.Context, event eventbus.Event, tool string, err error) {
	if c.bus == nil {
		return
	}
	payload := eventbus.Payload{
		"component":  "tool_client",
		"session_id": c.sessionID,
		"role":       c.role,
		"tool":       tool,
	}
	if err != nil {
		payload["error"] = err.Error()
	}
	c.bus.Emit(ctx, event, payload)
}
