// Package eventbus provides the synchronous lifecycle event bus shared by
// the orchestrator, graph, agents, and tool gateway.
package eventbus

import (
	"context"
	"log/slog"
	"sync"
)

// Event names emitted by the runtime.
type Event string

const (
	OrchestratorStart Event = "orchestrator_start"
	OrchestratorEnd   Event = "orchestrator_end"
	GraphEvent        Event = "graph_event"
	AgentStart        Event = "agent_start"
	AgentDone         Event = "agent_done"
	AgentError        Event = "agent_error"
	ToolCall          Event = "tool_call"
	ToolResult        Event = "tool_result"
	ToolFailed        Event = "tool_failed"
	RewardAssigned    Event = "reward_assigned"
	StageEnter        Event = "stage_enter"
	StageExit         Event = "stage_exit"
)

// Payload carries event data. Every payload includes at least the session
// identifier and the emitting component.
type Payload map[string]any

// Handler processes one event. Handlers run to completion before the next
// event is dispatched; they must be idempotent since the bus does not
// deduplicate.
type Handler func(ctx context.Context, event Event, payload Payload)

// Bus is a synchronous, ordered event bus. Emission order matches the order
// of events in the driving goroutine.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[Event][]Handler
	catchAll    []Handler
}

func New() *Bus {
	return &Bus{
		subscribers: make(map[Event][]Handler),
	}
}

// Subscribe registers a handler for one event name.
func (b *Bus) Subscribe(event Event, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[event] = append(b.subscribers[event], handler)
}

// SubscribeAll registers a handler for every event.
func (b *Bus) SubscribeAll(handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.catchAll = append(b.catchAll, handler)
}

// Emit dispatches the event to all subscribers sequentially. A panicking
// subscriber is recovered and logged so one listener cannot take down a
// session.
func (b *Bus) Emit(ctx context.Context, event Event, payload Payload) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subscribers[event])+len(b.catchAll))
	handlers = append(handlers, b.subscribers[event]...)
	handlers = append(handlers, b.catchAll...)
	b.mu.RUnlock()

	for _, handler := range handlers {
		b.dispatch(ctx, event, payload, handler)
	}
}

func (b *Bus) dispatch(ctx context.Context, event Event, payload Payload, handler Handler) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("event subscriber panicked", "event", string(event), "panic", r)
		}
	}()
	handler(ctx, event, payload)
}
