package engine

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ToolFunc executes one server-side tool invocation.
type ToolFunc func(ctx context.Context, params map[string]any) (map[string]any, error)

// ToolHost holds the tools available to server-context mcp_call steps.
type ToolHost struct {
	mu    sync.RWMutex
	tools map[string]ToolFunc
}

// NewToolHost returns a host preloaded with the built-in test tools.
func NewToolHost() *ToolHost {
	h := &ToolHost{tools: make(map[string]ToolFunc)}
	h.Register("echo", toolEcho)
	h.Register("fail", toolFail)
	h.Register("sleep", toolSleep)
	return h
}

// Register binds a tool by name, replacing any previous binding.
func (h *ToolHost) Register(name string, fn ToolFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tools[name] = fn
}

// Invoke runs a registered tool.
func (h *ToolHost) Invoke(ctx context.Context, name string, params map[string]any) (map[string]any, error) {
	h.mu.RLock()
	fn, ok := h.tools[name]
	h.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown tool %q", name)
	}
	return fn(ctx, params)
}

// toolEcho returns its parameters unchanged.
func toolEcho(_ context.Context, params map[string]any) (map[string]any, error) {
	return map[string]any{"echo": params}, nil
}

// toolFail always fails, with an optional custom message.
func toolFail(_ context.Context, params map[string]any) (map[string]any, error) {
	msg := "tool failed"
	if m, ok := params["message"].(string); ok && m != "" {
		msg = m
	}
	return nil, fmt.Errorf("%s", msg)
}

// toolSleep blocks for duration_ms milliseconds, honouring cancellation.
func toolSleep(ctx context.Context, params map[string]any) (map[string]any, error) {
	ms := float64(0)
	if v, ok := params["duration_ms"].(float64); ok {
		ms = v
	}
	select {
	case <-time.After(time.Duration(ms) * time.Millisecond):
		return map[string]any{"slept_ms": ms}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
