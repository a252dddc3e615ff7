package eventbus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBus_EmitOrder(t *testing.T) {
	bus := New()
	var seen []string

	bus.Subscribe(AgentStart, func(_ context.Context, event Event, payload Payload) {
		seen = append(seen, "a:"+payload["role"].(string))
	})
	bus.Subscribe(AgentStart, func(_ context.Context, event Event, payload Payload) {
		seen = append(seen, "b:"+payload["role"].(string))
	})

	ctx := context.Background()
	bus.Emit(ctx, AgentStart, Payload{"role": "opt"})
	bus.Emit(ctx, AgentStart, Payload{"role": "crit"})

	assert.Equal(t, []string{"a:opt", "b:opt", "a:crit", "b:crit"}, seen)
}

func TestBus_SubscribeAll(t *testing.T) {
	bus := New()
	var events []Event

	bus.SubscribeAll(func(_ context.Context, event Event, _ Payload) {
		events = append(events, event)
	})

	ctx := context.Background()
	bus.Emit(ctx, OrchestratorStart, Payload{})
	bus.Emit(ctx, StageEnter, Payload{})
	bus.Emit(ctx, OrchestratorEnd, Payload{})

	assert.Equal(t, []Event{OrchestratorStart, StageEnter, OrchestratorEnd}, events)
}

func TestBus_NoSubscribers(t *testing.T) {
	bus := New()
	// Should not panic or block.
	bus.Emit(context.Background(), ToolCall, Payload{"tool": "calculator"})
}

func TestBus_RecoversPanickingSubscriber(t *testing.T) {
	bus := New()
	reached := false

	bus.Subscribe(AgentError, func(context.Context, Event, Payload) {
		panic("boom")
	})
	bus.Subscribe(AgentError, func(context.Context, Event, Payload) {
		reached = true
	})

	bus.Emit(context.Background(), AgentError, Payload{})
	assert.True(t, reached, "subsequent subscriber should still run")
}
